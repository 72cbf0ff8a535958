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

// System prompts for the generative stages. Prompt wording is policy, not
// structure; stages treat these as opaque parameters to the completion
// client.

const (
	systemCreateSubProblems = `You decompose broad, open-ended problem statements into distinct sub-problems.
Identify the 7 most important sub-problems of the given problem statement.
Respond with a JSON array of objects: [{"title": string, "description": string}].
Titles must be short; descriptions one or two sentences. Output only JSON.`

	systemCreateEntities = `You identify the parties and systems affected by a sub-problem.
List the most important affected entities with their positive and negative effects.
Respond with a JSON array: [{"name": string, "positiveEffects": [string], "negativeEffects": [string]}].
Output only JSON.`

	systemCreateSearchQueries = `You write search queries for researching a problem.
Produce queries for four source families: general web search, scientific literature,
open datasets, and news coverage.
Respond with a JSON object: {"general": [string], "scientific": [string], "openData": [string], "news": [string]}.
Three queries per family. Output only JSON.`

	systemCreateSolutions = `You propose candidate solutions to a sub-problem, grounded in the supplied research context.
Respond with a JSON array of objects:
[{"title": string, "description": string, "mainBenefitOfSolution": string, "mainObstacleToSolutionAdoption": string}].
Solutions must be concrete and distinct from each other. Output only JSON.`

	systemCreateProsCons = `You assess a candidate solution in the context of its sub-problem.
List the strongest points for and against the solution.
Respond with a JSON object: {"pros": [string], "cons": [string]}.
At most 7 of each. Output only JSON.`

	systemRecombineSolutions = `You merge two parent solutions into one offspring solution.
Reuse only attributes already present in the parents; do not invent new ideas.
Respond with a JSON object: {"title": string, "description": string, "mainBenefitOfSolution": string, "mainObstacleToSolutionAdoption": string}.
Output only JSON.`

	systemMutateSolution = `You alter a candidate solution with the requested change intensity while keeping it a plausible answer to the sub-problem.
Respond with a JSON object: {"title": string, "description": string, "mainBenefitOfSolution": string, "mainObstacleToSolutionAdoption": string}.
Output only JSON.`

	systemPairwiseVote = `You compare two items and pick the better one for the stated goal.
Answer with exactly one word: "One", "Two", or "Neither".`
)

// Comparison instructions per ranking stage, prepended to the two items.
const (
	voteSubProblems = `Which sub-problem is more important to solve first for the overall problem?`

	voteEntities = `Which affected entity matters more when prioritizing work on this sub-problem?`

	voteSearchQueries = `Which search query will surface more useful information about this sub-problem?`

	voteSearchResults = `Which search result is more relevant and trustworthy for researching this sub-problem?`

	voteSolutions = `Which solution is more promising for this sub-problem, considering impact and feasibility?`

	voteProsCons = `Which point is more decisive when judging this solution?`
)
