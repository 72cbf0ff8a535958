// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads and validates the engine configuration from YAML,
// with environment overrides for secrets and endpoints.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// MaxConfigFileSize is the maximum allowed config file size (1MB).
const MaxConfigFileSize = 1024 * 1024

// Config is the root engine configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store"`
	LLM      LLMConfig      `yaml:"llm"`
	Search   SearchConfig   `yaml:"search"`
	Vector   VectorConfig   `yaml:"vector"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Worker   WorkerConfig   `yaml:"worker"`
	HTTP     HTTPConfig     `yaml:"http"`
}

// StoreConfig configures the memory record store.
type StoreConfig struct {
	// Path is the BadgerDB directory.
	Path string `yaml:"path" validate:"required"`

	// SyncWrites enables synchronous writes.
	SyncWrites bool `yaml:"syncWrites"`
}

// LLMConfig configures the generative completion client.
type LLMConfig struct {
	// Model is the default completion model.
	Model string `yaml:"model" validate:"required"`

	// Temperature for completions.
	Temperature float32 `yaml:"temperature" validate:"gte=0,lte=2"`

	// MaxTokens bounds each completion. 0 means provider default.
	MaxTokens int `yaml:"maxTokens" validate:"gte=0"`

	// BaseURL overrides the API endpoint (for local gateways).
	BaseURL string `yaml:"baseUrl"`

	// RequestsPerSecond bounds the outgoing call rate. 0 disables.
	RequestsPerSecond float64 `yaml:"requestsPerSecond" validate:"gte=0"`

	// CostPerTokenIn and CostPerTokenOut convert token usage into cost
	// telemetry (USD per token).
	CostPerTokenIn  float64 `yaml:"costPerTokenIn" validate:"gte=0"`
	CostPerTokenOut float64 `yaml:"costPerTokenOut" validate:"gte=0"`
}

// SearchConfig configures the web search client.
type SearchConfig struct {
	// Endpoint is the search API URL. Empty disables web search stages.
	Endpoint string `yaml:"endpoint"`

	// APIKey authenticates against the search API. When empty,
	// SEARCH_API_KEY is read from the environment.
	APIKey string `yaml:"apiKey"`

	// Locale passed to the search API.
	Locale string `yaml:"locale"`

	// MaxResults per query.
	MaxResults int `yaml:"maxResults" validate:"gte=0,lte=100"`

	// CacheTTL for repeated query text.
	CacheTTL time.Duration `yaml:"cacheTtl"`
}

// VectorConfig configures the vector similarity client.
type VectorConfig struct {
	// URL is the Weaviate server URL. Empty disables vector retrieval.
	URL string `yaml:"url"`
}

// PipelineConfig tunes stage processing, ranking, and evolution.
type PipelineConfig struct {
	// GenerativeRetries bounds retries of a malformed or empty completion.
	GenerativeRetries int `yaml:"generativeRetries" validate:"gte=1"`

	// GenerativeRetryDelay is the fixed inter-retry delay.
	GenerativeRetryDelay time.Duration `yaml:"generativeRetryDelay"`

	// MaxRankingPairs caps the sampled pair set per ranking pass.
	MaxRankingPairs int `yaml:"maxRankingPairs" validate:"gte=1"`

	// SeedSolutionCount is how many seed solutions to generate per
	// sub-problem.
	SeedSolutionCount int `yaml:"seedSolutionCount" validate:"gte=1"`

	// TopResultsToFetch is how many ranked search results get their page
	// text fetched in web-get-pages.
	TopResultsToFetch int `yaml:"topResultsToFetch" validate:"gte=0"`

	// QueriesPerCategory bounds how many generated queries are searched
	// per category.
	QueriesPerCategory int `yaml:"queriesPerCategory" validate:"gte=1"`

	// PopulationSize is the fixed generation size.
	PopulationSize int `yaml:"populationSize" validate:"gte=2"`

	// Evolution fractions, each applied independently to PopulationSize.
	// Zero means "use the built-in default" (0.1/0.1/0.5/0.3); to suppress
	// an operator class, set its fraction small enough that
	// floor(PopulationSize*fraction) is zero.
	EliteFraction       float64 `yaml:"eliteFraction" validate:"gte=0,lte=1"`
	ImmigrationFraction float64 `yaml:"immigrationFraction" validate:"gte=0,lte=1"`
	CrossoverFraction   float64 `yaml:"crossoverFraction" validate:"gte=0,lte=1"`
	MutationFraction    float64 `yaml:"mutationFraction" validate:"gte=0,lte=1"`

	// TournamentSize for parent selection.
	TournamentSize int `yaml:"tournamentSize" validate:"gte=1"`

	// MutateAfterCrossoverRate is the chance an offspring is additionally
	// mutated. Negative disables.
	MutateAfterCrossoverRate float64 `yaml:"mutateAfterCrossoverRate" validate:"lte=1"`

	// MutationIntensity is the qualitative change parameter ("low",
	// "medium", "high").
	MutationIntensity string `yaml:"mutationIntensity" validate:"oneof=low medium high"`
}

// WorkerConfig configures the job dispatch substrate.
type WorkerConfig struct {
	// Concurrency is the worker pool size.
	Concurrency int `yaml:"concurrency" validate:"gte=1"`

	// QueueDepth bounds the pending job queue.
	QueueDepth int `yaml:"queueDepth" validate:"gte=1"`

	// MaxDeliveries bounds redeliveries of a failing job.
	MaxDeliveries int `yaml:"maxDeliveries" validate:"gte=1"`

	// RetryDelay is the base redelivery delay; it doubles per delivery.
	RetryDelay time.Duration `yaml:"retryDelay"`
}

// HTTPConfig configures the admin API.
type HTTPConfig struct {
	// Addr is the listen address, e.g. ":8085".
	Addr string `yaml:"addr"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Store: StoreConfig{
			Path:       "data/memory",
			SyncWrites: true,
		},
		LLM: LLMConfig{
			Model:             "gpt-4o-mini",
			Temperature:       0.7,
			MaxTokens:         4096,
			RequestsPerSecond: 2,
			CostPerTokenIn:    0.15 / 1e6,
			CostPerTokenOut:   0.60 / 1e6,
		},
		Search: SearchConfig{
			Endpoint:   "https://google.serper.dev/search",
			Locale:     "us",
			MaxResults: 10,
			CacheTTL:   time.Hour,
		},
		Pipeline: PipelineConfig{
			GenerativeRetries:        40,
			GenerativeRetryDelay:     250 * time.Millisecond,
			MaxRankingPairs:          600,
			SeedSolutionCount:        10,
			TopResultsToFetch:        3,
			QueriesPerCategory:       2,
			PopulationSize:           50,
			EliteFraction:            0.1,
			ImmigrationFraction:      0.1,
			CrossoverFraction:        0.5,
			MutationFraction:         0.3,
			TournamentSize:           7,
			MutateAfterCrossoverRate: 0.3,
			MutationIntensity:        "medium",
		},
		Worker: WorkerConfig{
			Concurrency:   4,
			QueueDepth:    256,
			MaxDeliveries: 3,
			RetryDelay:    5 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr: ":8085",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides, and validates the result. An empty path returns the defaults
// with overrides applied.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		info, err := os.Stat(path)
		if err != nil {
			return cfg, fmt.Errorf("config: stat %s: %w", path, err)
		}
		if info.Size() > MaxConfigFileSize {
			return cfg, fmt.Errorf("config: %s exceeds %d bytes", path, MaxConfigFileSize)
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("config: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parsing %s: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DECOMPOSE_STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}
	if v := os.Getenv("DECOMPOSE_MODEL"); v != "" {
		cfg.LLM.Model = v
	}
	if v := os.Getenv("SEARCH_API_KEY"); v != "" && cfg.Search.APIKey == "" {
		cfg.Search.APIKey = v
	}
	if v := os.Getenv("SEARCH_ENDPOINT"); v != "" {
		cfg.Search.Endpoint = v
	}
	if v := os.Getenv("WEAVIATE_URL"); v != "" {
		cfg.Vector.URL = v
	}
	if v := os.Getenv("DECOMPOSE_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
}

// Validate checks structural constraints on the configuration.
func Validate(cfg Config) error {
	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("config: validation failed: %w", err)
	}
	return nil
}
