// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package ranking

import "strings"

// Outcome is the closed classification of one pairwise vote.
type Outcome int

const (
	// OutcomeWinsFirst means item one won the comparison.
	OutcomeWinsFirst Outcome = iota
	// OutcomeWinsSecond means item two won the comparison.
	OutcomeWinsSecond
	// OutcomeIndeterminate means the model declared a draw or could not
	// choose. Not an error; the rating update is skipped.
	OutcomeIndeterminate
	// OutcomeUnrecognized means the answer matched none of the known
	// forms. Treated exactly like a draw: model output is a noisy channel
	// and unexpected text must not abort a ranking pass.
	OutcomeUnrecognized
)

// String returns the outcome label for logging.
func (o Outcome) String() string {
	switch o {
	case OutcomeWinsFirst:
		return "wins_first"
	case OutcomeWinsSecond:
		return "wins_second"
	case OutcomeIndeterminate:
		return "indeterminate"
	case OutcomeUnrecognized:
		return "unrecognized"
	default:
		return "unknown"
	}
}

// Decisive reports whether the outcome updates ratings.
func (o Outcome) Decisive() bool {
	return o == OutcomeWinsFirst || o == OutcomeWinsSecond
}

var drawAnswers = map[string]bool{
	"neither":   true,
	"none":      true,
	"both":      true,
	"draw":      true,
	"tie":       true,
	"equal":     true,
	"equally":   true,
	"same":      true,
	"undecided": true,
}

// ClassifyVote maps a model's free-text comparison answer onto the closed
// outcome enum. It is a pure function so the noisy text-to-enum mapping can
// be tested independently of any network call.
//
// Recognized forms, after trimming punctuation and case: "one"/"1"/"first"
// and "two"/"2"/"second", optionally prefixed with "item"/"option"/"answer",
// plus a set of draw synonyms. Anything else is OutcomeUnrecognized.
func ClassifyVote(answer string) Outcome {
	s := strings.ToLower(strings.TrimSpace(answer))
	s = strings.Trim(s, ".!\"'` \t\n")
	if s == "" {
		return OutcomeUnrecognized
	}

	// Only the leading token matters: models often append justification.
	fields := strings.Fields(s)
	head := fields[0]
	if (head == "item" || head == "option" || head == "answer" || head == "choice") && len(fields) > 1 {
		head = fields[1]
	}
	head = strings.Trim(head, ".,:;!\"'`")

	switch head {
	case "one", "1", "first":
		return OutcomeWinsFirst
	case "two", "2", "second":
		return OutcomeWinsSecond
	}
	if drawAnswers[head] {
		return OutcomeIndeterminate
	}
	return OutcomeUnrecognized
}
