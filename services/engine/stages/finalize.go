// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package stages

import (
	"context"
	"strings"
	"time"

	"github.com/AleutianAI/decompose/services/engine/datatypes"
)

// =============================================================================
// parse
// =============================================================================

// Parse normalizes generated content before the final save: trims whitespace
// from solution text, drops untitled solutions the generative stages let
// through, and recomputes the run's total cost from per-stage telemetry.
type Parse struct {
	*Base
}

func (p *Parse) Name() datatypes.Stage { return datatypes.StageParse }

func (p *Parse) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}

	for _, sp := range rec.SubProblems {
		sp.Title = strings.TrimSpace(sp.Title)
		sp.Description = strings.TrimSpace(sp.Description)
		sp.Solutions.Seed = normalizeSolutions(sp.Solutions.Seed)
		for i, pop := range sp.Solutions.Populations {
			sp.Solutions.Populations[i] = normalizeSolutions(pop)
		}
	}

	var total float64
	for _, t := range rec.Stages {
		total += t.CostIn + t.CostOut
	}
	rec.TotalCost = total

	return p.checkpoint(ctx, rec)
}

func normalizeSolutions(pop []*datatypes.Solution) []*datatypes.Solution {
	out := pop[:0]
	for _, s := range pop {
		s.Title = strings.TrimSpace(s.Title)
		if s.Title == "" {
			continue
		}
		s.Description = strings.TrimSpace(s.Description)
		s.MainBenefitOfSolution = strings.TrimSpace(s.MainBenefitOfSolution)
		s.MainObstacleToSolutionAdoption = strings.TrimSpace(s.MainObstacleToSolutionAdoption)
		out = append(out, s)
	}
	return out
}

// =============================================================================
// save
// =============================================================================

// Save stamps the completion time and persists the finished record.
type Save struct {
	*Base
}

func (p *Save) Name() datatypes.Stage { return datatypes.StageSave }

func (p *Save) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}
	if rec.TimeCompleted.IsZero() {
		rec.TimeCompleted = time.Now().UTC()
	}
	if err := p.checkpoint(ctx, rec); err != nil {
		return err
	}
	p.Logger.Info("Run saved",
		"run_id", rec.RunID,
		"duration", rec.TimeCompleted.Sub(rec.TimeStart).String(),
		"total_cost", rec.TotalCost)
	return nil
}

// =============================================================================
// done
// =============================================================================

// Done is the terminal stage. Processing it is a no-op so redelivered jobs
// for a finished run succeed without touching the record.
type Done struct {
	*Base
}

func (p *Done) Name() datatypes.Stage { return datatypes.StageDone }

func (p *Done) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	return p.requireInitialized(rec)
}
