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
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/decompose/services/engine/agent"
	"github.com/AleutianAI/decompose/services/engine/observability"
)

var flagRunID string

var runCmd = &cobra.Command{
	Use:   "run [problem statement]",
	Short: "Decompose one problem synchronously",
	Long: `run drives a single problem through the whole pipeline in the foreground
and prints the finished record as JSON on stdout. Pass --run-id to resume an
interrupted run from its last checkpoint.`,
	Args: cobra.ArbitraryArgs,
	RunE: runOnce,
}

func init() {
	runCmd.Flags().StringVar(&flagRunID, "run-id", "", "resume an existing run instead of starting a new one")
	rootCmd.AddCommand(runCmd)
}

func runOnce(cmd *cobra.Command, args []string) error {
	problem := strings.TrimSpace(strings.Join(args, " "))
	if problem == "" && flagRunID == "" {
		return fmt.Errorf("a problem statement or --run-id is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger("cli")
	if err != nil {
		return err
	}
	defer logger.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := setupTracing(ctx)
	if err != nil {
		return err
	}
	defer shutdownTracing(ctx)

	metrics := observability.NewEngineMetrics(nil)
	eng, err := buildEngine(cfg, logger.Logger, metrics)
	if err != nil {
		return err
	}
	defer eng.Close()

	runID := flagRunID
	if runID == "" {
		runID = uuid.NewString()
	}
	logger.Info("Run starting", "run_id", runID)

	job := agent.JobPayload{RunID: runID, ProblemStatement: problem}
	for {
		if err := eng.orch.Run(ctx, job); err != nil {
			return fmt.Errorf("run %s: %w", runID, err)
		}
		rec, err := eng.store.Get(ctx, runID)
		if err != nil {
			return err
		}
		if rec.CurrentStage.Terminal() {
			encoder := json.NewEncoder(os.Stdout)
			encoder.SetIndent("", "  ")
			return encoder.Encode(rec)
		}
		// Follow-up iterations resume from the persisted stage.
		job = agent.JobPayload{RunID: runID}
	}
}
