// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging provides structured logging for the decomposition engine.
//
// Output goes to stderr by default, following Unix conventions so pipeline
// output on stdout stays clean. File logging can be enabled alongside
// stderr; files are JSON-formatted and named {service}_{date}.log.
//
// # Basic Usage
//
//	logger := logging.Default()
//	logger.Info("run initiated", "run_id", runID)
//
// # File Logging
//
//	logger, err := logging.New(logging.Config{
//	    Level:   "info",
//	    LogDir:  "~/.decompose/logs", // supports ~ expansion
//	    Service: "engine",
//	})
//	defer logger.Close() // flushes and closes the file
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers must
// ensure API keys and secrets are not logged.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity: "debug", "info", "warn", or
	// "error". Empty means info.
	Level string

	// LogDir, when set, enables JSON file logging in addition to stderr.
	// The directory is created if missing. A leading ~ expands to the
	// user's home directory.
	LogDir string

	// Service names the log file: {service}_{date}.log. Empty means
	// "engine".
	Service string
}

// Logger wraps slog with optional file output.
type Logger struct {
	*slog.Logger
	file *os.File
}

// ParseLevel maps a level name to its slog level. Unknown names map to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Default returns a stderr-only text logger at info level.
func Default() *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	return &Logger{Logger: slog.New(handler)}
}

// New builds a logger from cfg. When cfg.LogDir is set, records are written
// both to stderr (text) and to a JSON log file.
func New(cfg Config) (*Logger, error) {
	level := ParseLevel(cfg.Level)
	if cfg.LogDir == "" {
		handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
		return &Logger{Logger: slog.New(handler)}, nil
	}

	dir, err := expandHome(cfg.LogDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log directory %s: %w", dir, err)
	}

	service := cfg.Service
	if service == "" {
		service = "engine"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().UTC().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	handler := slog.NewJSONHandler(io.MultiWriter(os.Stderr, file), &slog.HandlerOptions{Level: level})
	return &Logger{
		Logger: slog.New(handler).With("service", service),
		file:   file,
	}, nil
}

// Close flushes and closes the log file, if any. Safe to call on a
// stderr-only logger.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

func expandHome(path string) (string, error) {
	if !strings.HasPrefix(path, "~") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
