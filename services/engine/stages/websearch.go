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
	"fmt"

	"github.com/AleutianAI/decompose/services/engine/datatypes"
)

// =============================================================================
// web-search
// =============================================================================

// WebSearch runs the ranked queries for the problem statement and every
// sub-problem against the web search client, one category at a time.
type WebSearch struct {
	*Base
}

func (p *WebSearch) Name() datatypes.Stage { return datatypes.StageWebSearch }

func (p *WebSearch) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}
	if p.Web == nil {
		return fmt.Errorf("stage %s: web search client: %w", p.Name(), ErrCollaboratorMissing)
	}

	if rec.ProblemStatement.SearchResults == nil {
		results, err := p.searchQuerySet(ctx, rec.ProblemStatement.SearchQueries)
		if err != nil {
			return err
		}
		rec.ProblemStatement.SearchResults = results
		if err := p.checkpoint(ctx, rec); err != nil {
			return err
		}
	}

	for _, sp := range rec.SubProblems {
		if sp.SearchResults != nil {
			continue
		}
		results, err := p.searchQuerySet(ctx, sp.SearchQueries)
		if err != nil {
			return err
		}
		sp.SearchResults = results
		if err := p.checkpoint(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// searchQuerySet runs the top queries of every category and merges their
// results, deduplicated by link.
func (p *WebSearch) searchQuerySet(ctx context.Context, queries datatypes.SearchQueries) (datatypes.SearchResults, error) {
	out := make(datatypes.SearchResults, len(datatypes.SearchCategories))
	for _, cat := range datatypes.SearchCategories {
		qs := queries[cat]
		if len(qs) > p.Cfg.QueriesPerCategory {
			qs = qs[:p.Cfg.QueriesPerCategory]
		}
		cr := &datatypes.CategoryResults{}
		seen := make(map[string]bool)
		for _, q := range qs {
			results, err := p.Web.Search(ctx, q, p.Locale)
			if err != nil {
				return nil, fmt.Errorf("stage %s: query %q: %w", p.Name(), q, err)
			}
			for _, r := range results.Organic {
				if seen[r.Link] {
					continue
				}
				seen[r.Link] = true
				cr.Organic = append(cr.Organic, r)
			}
			cr.KnowledgeGraph = append(cr.KnowledgeGraph, results.KnowledgeGraph...)
		}
		out[cat] = cr
	}
	return out, nil
}

// =============================================================================
// web-get-pages
// =============================================================================

// WebGetPages fetches page text for the top-ranked search results of every
// sub-problem and, when a vector client is configured, ingests the text for
// later similarity retrieval. Individual page failures are logged and
// skipped: dead links are expected and must not fail the stage.
type WebGetPages struct {
	*Base
}

func (p *WebGetPages) Name() datatypes.Stage { return datatypes.StageWebGetPages }

func (p *WebGetPages) Process(ctx context.Context, rec *datatypes.MemoryRecord) error {
	if err := p.requireInitialized(rec); err != nil {
		return err
	}
	if p.Pages == nil {
		return fmt.Errorf("stage %s: page fetcher: %w", p.Name(), ErrCollaboratorMissing)
	}

	for i, sp := range rec.SubProblems {
		for _, cat := range datatypes.SearchCategories {
			cr := sp.SearchResults[cat]
			if cr == nil {
				continue
			}
			limit := min(len(cr.Organic), p.Cfg.TopResultsToFetch)
			for j := 0; j < limit; j++ {
				result := &cr.Organic[j]
				if result.PageText != "" {
					continue
				}
				if err := ctx.Err(); err != nil {
					return err
				}

				text, err := p.Pages.Fetch(ctx, result.Link)
				if err != nil {
					p.Logger.Warn("Page fetch failed",
						"run_id", rec.RunID, "sub_problem", i, "url", result.Link, "error", err)
					continue
				}
				result.PageText = text

				if p.Vector != nil {
					if err := p.Vector.Index(ctx, rec.RunID, i, string(cat), result.Link, text); err != nil {
						p.Logger.Warn("Vector ingest failed",
							"run_id", rec.RunID, "sub_problem", i, "url", result.Link, "error", err)
					}
				}
			}
		}
		if err := p.checkpoint(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}
