// Copyright (C) 2026 Clarus Medical Imaging (eng@clarusmed.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package consensus

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"

	"github.com/clarusmed/visiongraph/services/orchestrator/datatypes"
)

// organKeywords maps a known organ to the terms that imply it in free text.
var organKeywords = map[string][]string{
	"brain": {"brain", "cerebral", "intracranial", "cranial"},
	"liver": {"liver", "hepatic", "hepato"},
	"lung":  {"lung", "pulmonary", "lobe", "pleural"},
	"heart": {"heart", "cardiac", "myocardial"},
}

// OrganHint derives the expected organ from the source filename. Returns ""
// when the filename names no known organ.
func OrganHint(path string) string {
	if path == "" {
		return ""
	}
	name := strings.ToLower(filepath.Base(path))
	for organ := range organKeywords {
		if strings.Contains(name, organ) {
			return organ
		}
	}
	return ""
}

// ApplyOrganGuard downgrades the consensus when the answer names an organ
// other than the one the source filename implies. The guard never blocks the
// response; it swaps the presented text for the disclaimer and records a
// note so the raw text stays auditable. The second return value reports
// whether the guard fired.
func ApplyOrganGuard(result datatypes.ConsensusResult, organHint string) (datatypes.ConsensusResult, bool) {
	if organHint == "" || result.Text == "" {
		return result, false
	}
	text := normalizeText(result.Text)
	var hits []string
	for organ, terms := range organKeywords {
		if organ == organHint {
			continue
		}
		for _, term := range terms {
			if strings.Contains(text, term) {
				hits = append(hits, term)
				break
			}
		}
	}
	if len(hits) == 0 {
		return result, false
	}
	sort.Strings(hits)

	slog.Warn("Organ guard triggered",
		"expected_organ", organHint, "conflicting_terms", hits)

	result.Status = datatypes.StatusDisagree
	result.Confidence = datatypes.ConfidenceVeryLow
	result.PresentedText = LowConfidenceDisclaimer
	result.Notes = appendNote(result.Notes, fmt.Sprintf(
		"Guard: answer mentions %s but the source image is %s",
		strings.Join(hits, ", "), organHint))
	return result, true
}
