// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/AleutianAI/decompose/services/engine/llm"

// OpenAIConfig configures the OpenAI-backed client.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key. When empty, OPENAI_API_KEY is read from
	// the environment, then from the container secret path.
	APIKey string

	// BaseURL overrides the API endpoint (for local gateways). Optional.
	BaseURL string

	// DefaultModel is used when a request leaves Model empty.
	DefaultModel string

	// RequestsPerSecond bounds the outgoing call rate. 0 disables limiting.
	RequestsPerSecond float64

	// Burst is the limiter burst size. Default 1 when limiting is enabled.
	Burst int
}

const secretKeyPath = "/run/secrets/openai_api_key"

// OpenAIClient implements Client on the OpenAI chat completion API.
type OpenAIClient struct {
	client       *openai.Client
	defaultModel string
	limiter      *rate.Limiter
}

// NewOpenAIClient builds a client from cfg, resolving the API key from the
// environment or the mounted secret when not given explicitly.
func NewOpenAIClient(cfg OpenAIConfig) (*OpenAIClient, error) {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		data, err := os.ReadFile(secretKeyPath)
		if err != nil {
			return nil, fmt.Errorf("llm: OPENAI_API_KEY not set and secret not found at %s", secretKeyPath)
		}
		apiKey = strings.TrimSpace(string(data))
		slog.Info("Read the OpenAI API key from container secrets")
	}

	model := cfg.DefaultModel
	if model == "" {
		model = openai.GPT4oMini
		slog.Warn("No default model configured, using gpt-4o-mini")
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	slog.Info("Initializing OpenAI client", "model", model, "rate_limited", limiter != nil)
	return &OpenAIClient{
		client:       openai.NewClientWithConfig(clientCfg),
		defaultModel: model,
		limiter:      limiter,
	}, nil
}

// Complete implements the Client interface.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (*Result, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "llm.Complete")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.messages", len(req.Messages)),
	)

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    m.Role,
			Content: m.Content,
		})
	}

	apiReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: req.Temperature,
	}
	if req.MaxTokens > 0 {
		apiReq.MaxCompletionTokens = req.MaxTokens
	}

	resp, err := c.client.CreateChatCompletion(ctx, apiReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "completion failed")
		return nil, fmt.Errorf("llm: completion failed: %w", err)
	}

	if len(resp.Choices) == 0 || resp.Choices[0].Message.Content == "" {
		span.SetStatus(codes.Error, "empty completion")
		return nil, ErrEmptyCompletion
	}

	span.SetAttributes(
		attribute.Int("llm.tokens_in", resp.Usage.PromptTokens),
		attribute.Int("llm.tokens_out", resp.Usage.CompletionTokens),
	)
	return &Result{
		Text:      resp.Choices[0].Message.Content,
		TokensIn:  resp.Usage.PromptTokens,
		TokensOut: resp.Usage.CompletionTokens,
	}, nil
}
