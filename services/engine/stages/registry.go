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

import "github.com/AleutianAI/decompose/services/engine/datatypes"

// NewProcessors builds the full stage-to-processor table over one shared
// Base. Every stage the state machine can name has an entry.
func NewProcessors(deps Deps) map[datatypes.Stage]Processor {
	base := NewBase(deps)
	procs := []Processor{
		&CreateSubProblems{Base: base},
		&RankSubProblems{Base: base},
		&CreateEntities{Base: base},
		&RankEntities{Base: base},
		&CreateSearchQueries{Base: base},
		&RankSearchQueries{Base: base},
		&WebSearch{Base: base},
		&RankSearchResults{Base: base},
		&WebGetPages{Base: base},
		&CreateSeedSolutions{Base: base},
		&CreateProsCons{Base: base},
		&RankProsCons{Base: base},
		&RankSolutions{Base: base},
		&EvolveCreatePopulation{Base: base},
		&EvolveMutatePopulation{Base: base},
		&EvolveRecombinePopulation{Base: base},
		&EvolveRankPopulation{Base: base},
		&Parse{Base: base},
		&Save{Base: base},
		&Done{Base: base},
	}
	table := make(map[datatypes.Stage]Processor, len(procs))
	for _, p := range procs {
		table[p.Name()] = p
	}
	return table
}
