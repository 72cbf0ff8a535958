// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package llm defines the generative completion client used by every stage
// processor, and its OpenAI-backed implementation.
package llm

import (
	"context"
	"errors"
)

// ErrEmptyCompletion is returned when the service answered without any
// usable text. Callers treat this as a transient service error.
var ErrEmptyCompletion = errors.New("llm: empty completion")

// Message is a single chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request describes one completion call. Prompt content is policy owned by
// the calling stage; this package only transports it.
type Request struct {
	Model       string
	Temperature float32
	MaxTokens   int
	Messages    []Message
}

// Result is the completion text plus token accounting from the service.
type Result struct {
	Text      string
	TokensIn  int
	TokensOut int
}

// Client is the standard interface for any generative backend.
type Client interface {
	Complete(ctx context.Context, req Request) (*Result, error)
}
