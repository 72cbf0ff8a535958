// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package search

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// PageFetcherConfig configures page retrieval for web-get-pages.
type PageFetcherConfig struct {
	// Timeout bounds a single page fetch. Default 20s.
	Timeout time.Duration

	// MaxBytes truncates the downloaded body. Default 512 KiB.
	MaxBytes int64

	// MaxTextRunes truncates the extracted text. Default 20000.
	MaxTextRunes int

	// UserAgent identifies the fetcher. Default "decompose-bot/1.0".
	UserAgent string
}

// PageFetcher downloads a page and reduces it to plain text suitable for
// prompt context and vector ingestion.
type PageFetcher struct {
	cfg        PageFetcherConfig
	httpClient *http.Client
}

// NewPageFetcher creates a page fetcher with defaults applied.
func NewPageFetcher(cfg PageFetcherConfig) *PageFetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 512 * 1024
	}
	if cfg.MaxTextRunes <= 0 {
		cfg.MaxTextRunes = 20000
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "decompose-bot/1.0"
	}
	return &PageFetcher{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

var (
	scriptBlockRe = regexp.MustCompile(`(?is)<(script|style|noscript|head)[^>]*>.*?</(script|style|noscript|head)>`)
	tagRe         = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRunRe    = regexp.MustCompile(`[ \t]*\n[ \t\n]*`)
	spaceRunRe    = regexp.MustCompile(`[ \t]{2,}`)
)

// Fetch downloads url and returns its extracted plain text, truncated to the
// configured limit. Non-HTML content types are rejected.
func (f *PageFetcher) Fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("search: building page request: %w", err)
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("search: fetching %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("search: fetching %s: status %d", url, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") && !strings.Contains(ct, "text/plain") {
		return "", fmt.Errorf("search: fetching %s: unsupported content type %q", url, ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, f.cfg.MaxBytes))
	if err != nil {
		return "", fmt.Errorf("search: reading %s: %w", url, err)
	}

	text := ExtractText(string(body))
	runes := []rune(text)
	if len(runes) > f.cfg.MaxTextRunes {
		text = string(runes[:f.cfg.MaxTextRunes])
	}
	return text, nil
}

// ExtractText strips markup from an HTML document and collapses whitespace.
// It is a deliberately rough reduction: downstream consumers are prompts and
// vector embeddings, neither of which needs faithful layout.
func ExtractText(html string) string {
	text := scriptBlockRe.ReplaceAllString(html, " ")
	text = tagRe.ReplaceAllString(text, "\n")
	text = strings.NewReplacer(
		"&nbsp;", " ",
		"&amp;", "&",
		"&lt;", "<",
		"&gt;", ">",
		"&quot;", `"`,
		"&#39;", "'",
	).Replace(text)
	text = blankRunRe.ReplaceAllString(text, "\n")
	text = spaceRunRe.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}
