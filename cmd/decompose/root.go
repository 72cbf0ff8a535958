// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/AleutianAI/decompose/pkg/logging"
	"github.com/AleutianAI/decompose/services/engine/config"
)

var (
	flagConfig   string
	flagLogLevel string
	flagLogDir   string
	flagTracing  bool
)

var rootCmd = &cobra.Command{
	Use:   "decompose",
	Short: "Problem decomposition engine",
	Long: `decompose breaks a hard problem into sub-problems, researches each one
on the web, generates candidate solutions, and evolves the candidates over
pairwise-ranked generations. Progress is checkpointed after every step, so an
interrupted run resumes where it stopped.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "path to YAML config (defaults built in)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "minimum log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogDir, "log-dir", "", "directory for JSON log files (stderr only when empty)")
	rootCmd.PersistentFlags().BoolVar(&flagTracing, "trace", false, "emit OpenTelemetry spans to stdout")
}

// loadConfig resolves configuration for a subcommand.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return cfg, fmt.Errorf("loading configuration: %w", err)
	}
	return cfg, nil
}

// newLogger builds the process logger from the persistent flags.
func newLogger(service string) (*logging.Logger, error) {
	return logging.New(logging.Config{
		Level:   flagLogLevel,
		LogDir:  flagLogDir,
		Service: service,
	})
}

// setupTracing installs a stdout span exporter when --trace is set. The
// returned shutdown flushes pending spans.
func setupTracing(ctx context.Context) (func(context.Context) error, error) {
	if !flagTracing {
		return func(context.Context) error { return nil }, nil
	}
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("creating trace exporter: %w", err)
	}
	provider := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}
