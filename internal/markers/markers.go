// Package markers detects importance tags (decision, constraint,
// failure, goal) in turn content and scores marker boosts for recall.
package markers

import (
	"regexp"
	"strings"

	"github.com/weftmem/weft/internal/model"
)

// patterns maps each built-in marker to the regexes that detect it. Every
// pattern is anchored to the start of content or immediately after a
// newline.
var patterns = map[string][]*regexp.Regexp{
	model.MarkerDecision: {
		regexp.MustCompile(`(?i)(?:^|\n)\s*(?:decision|decided|choosing|selected):`),
	},
	model.MarkerConstraint: {
		regexp.MustCompile(`(?i)(?:^|\n)\s*(?:constraint|requirement|must|cannot|budget|limit):`),
	},
	model.MarkerFailure: {
		regexp.MustCompile(`(?i)(?:^|\n)\s*(?:failed|error|didn't work|tried but):`),
	},
	model.MarkerGoal: {
		regexp.MustCompile(`(?i)(?:^|\n)\s*(?:goal|objective|task|need to):`),
	},
}

// orderedMarkers fixes the iteration order of patterns so Detect is
// deterministic regardless of Go's randomized map order.
var orderedMarkers = []string{
	model.MarkerDecision,
	model.MarkerConstraint,
	model.MarkerFailure,
	model.MarkerGoal,
}

// Detect returns the set of built-in markers whose patterns match
// content. Detect is a pure function of content; it never inspects or
// mutates existing markers.
func Detect(content string) []string {
	var detected []string
	for _, marker := range orderedMarkers {
		for _, re := range patterns[marker] {
			if re.MatchString(content) {
				detected = append(detected, marker)
				break
			}
		}
	}
	return detected
}

// IsCustom reports whether marker is a "custom:<label>" tag.
func IsCustom(marker string) bool {
	return strings.HasPrefix(marker, "custom:")
}

// Validate checks that marker is a recognized built-in or a well-formed
// "custom:<label>" tag with a non-empty label.
func Validate(marker string) bool {
	switch marker {
	case model.MarkerDecision, model.MarkerConstraint, model.MarkerFailure, model.MarkerGoal:
		return true
	}
	if IsCustom(marker) {
		return len(marker) > len("custom:")
	}
	return false
}

// Merge computes the effective marker set for a turn: explicit markers
// unioned with auto-detected ones when autoDetect is enabled. Order is
// preserved and duplicates collapsed, explicit markers first.
func Merge(explicit []string, content string, autoDetect bool) []string {
	seen := make(map[string]bool, len(explicit))
	var merged []string
	for _, m := range explicit {
		if !seen[m] {
			seen[m] = true
			merged = append(merged, m)
		}
	}
	if autoDetect {
		for _, m := range Detect(content) {
			if !seen[m] {
				seen[m] = true
				merged = append(merged, m)
			}
		}
	}
	return merged
}

// Boost sums the configured weight of each marker in markers, falling
// back to fallback for anything unrecognized.
func Boost(markerList []string, weights map[string]float64, fallback float64) float64 {
	var total float64
	for _, m := range markerList {
		if w, ok := weights[m]; ok {
			total += w
		} else {
			total += fallback
		}
	}
	return total
}
