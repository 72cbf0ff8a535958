// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package datatypes

// Stage is the name of one pipeline stage. Each stage maps to exactly one
// processor; the nominal forward order is given by StageOrder, but any valid
// stage may be set externally to re-enter the pipeline for reprocessing.
type Stage string

const (
	StageCreateSubProblems         Stage = "create-sub-problems"
	StageRankSubProblems           Stage = "rank-sub-problems"
	StageCreateEntities            Stage = "create-entities"
	StageRankEntities              Stage = "rank-entities"
	StageCreateSearchQueries       Stage = "create-search-queries"
	StageRankSearchQueries         Stage = "rank-search-queries"
	StageWebSearch                 Stage = "web-search"
	StageRankSearchResults         Stage = "rank-search-results"
	StageWebGetPages               Stage = "web-get-pages"
	StageCreateSeedSolutions       Stage = "create-seed-solutions"
	StageCreateProsCons            Stage = "create-pros-cons"
	StageRankProsCons              Stage = "rank-pros-cons"
	StageRankSolutions             Stage = "rank-solutions"
	StageEvolveCreatePopulation    Stage = "evolve-create-population"
	StageEvolveMutatePopulation    Stage = "evolve-mutate-population"
	StageEvolveRecombinePopulation Stage = "evolve-recombine-population"
	StageEvolveRankPopulation      Stage = "evolve-rank-population"
	StageParse                     Stage = "parse"
	StageSave                      Stage = "save"
	StageDone                      Stage = "done"
)

// StageOrder is the nominal forward order of the pipeline. The state machine
// itself does not enforce transition legality; this order is what the job
// runner follows when it advances a run after a successful stage.
var StageOrder = []Stage{
	StageCreateSubProblems,
	StageRankSubProblems,
	StageCreateEntities,
	StageRankEntities,
	StageCreateSearchQueries,
	StageRankSearchQueries,
	StageWebSearch,
	StageRankSearchResults,
	StageWebGetPages,
	StageCreateSeedSolutions,
	StageCreateProsCons,
	StageRankProsCons,
	StageRankSolutions,
	StageEvolveCreatePopulation,
	StageEvolveMutatePopulation,
	StageEvolveRecombinePopulation,
	StageEvolveRankPopulation,
	StageParse,
	StageSave,
	StageDone,
}

var stageSet = buildStageSet()

func buildStageSet() map[Stage]int {
	m := make(map[Stage]int, len(StageOrder))
	for i, s := range StageOrder {
		m[s] = i
	}
	return m
}

// Valid reports whether s names a known pipeline stage.
func (s Stage) Valid() bool {
	_, ok := stageSet[s]
	return ok
}

// Terminal reports whether s is the terminal stage.
func (s Stage) Terminal() bool {
	return s == StageDone
}

// Next returns the stage following s in nominal order. The second return is
// false when s is terminal or unknown.
func (s Stage) Next() (Stage, bool) {
	i, ok := stageSet[s]
	if !ok || i == len(StageOrder)-1 {
		return s, false
	}
	return StageOrder[i+1], true
}

func (s Stage) String() string {
	return string(s)
}
