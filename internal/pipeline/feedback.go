package pipeline

import (
	"encoding/json"
	"math"
	"sort"
	"time"

	"sdline/internal/decision"
)

var suggestions = map[Category]string{
	TierMismatch:        "recalibrate tier assignment before proposing",
	LowScore:            "raise the minimum score proposals must reach before submission",
	LowSafety:           "tighten the safety scoring of generated proposals",
	OperationNotAllowed: "drop operations outside the allowed set at generation time",
	DailyLimit:          "spread proposals across days or lower the daily volume",
	HumanOverride:       "review overridden proposals for a missing scoring signal",
	ConflictDetected:    "check pending work on the same target before proposing",
	Duplicate:           "deduplicate proposals against recorded ids and content",
	MissingEvidence:     "attach supporting evidence to every proposal",
}

type CategoryFeedback struct {
	Category      Category `json:"category"`
	Count         int      `json:"count"`
	AverageScore  float64  `json:"average_score"`
	AffectedTypes []string `json:"affected_types"`
	Suggestion    string   `json:"suggestion"`
}

type Feedback struct {
	GeneratedAt     time.Time          `json:"generated_at" format:"date-time"`
	TotalRejections int                `json:"total_rejections"`
	Categories      []CategoryFeedback `json:"categories"`
}

// GenerateFeedback groups the rejections in a tracking log by category.
// Categories are ordered by count, then name.
func GenerateFeedback(entries []decision.Entry, now time.Time) Feedback {
	type acc struct {
		count int
		score float64
		types map[string]bool
	}
	groups := map[Category]*acc{}
	fb := Feedback{GeneratedAt: now}
	for _, e := range entries {
		if e.Category != decision.CategoryPipelineOutcome || e.Action != decision.ActionBlock {
			continue
		}
		cat, _ := e.Context["category"].(string)
		if cat == "" {
			continue
		}
		g := groups[Category(cat)]
		if g == nil {
			g = &acc{types: map[string]bool{}}
			groups[Category(cat)] = g
		}
		g.count++
		g.score += number(e.Context["score"])
		if t, _ := e.Context["proposal_type"].(string); t != "" {
			g.types[t] = true
		}
		fb.TotalRejections++
	}
	for cat, g := range groups {
		types := make([]string, 0, len(g.types))
		for t := range g.types {
			types = append(types, t)
		}
		sort.Strings(types)
		fb.Categories = append(fb.Categories, CategoryFeedback{
			Category:      cat,
			Count:         g.count,
			AverageScore:  math.Round(g.score/float64(g.count)*100) / 100,
			AffectedTypes: types,
			Suggestion:    suggestions[cat],
		})
	}
	sort.Slice(fb.Categories, func(i, j int) bool {
		a, b := fb.Categories[i], fb.Categories[j]
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return a.Category < b.Category
	})
	return fb
}

// Feedback generates feedback from the monitor's own tracking log.
func (m *Monitor) Feedback() Feedback {
	return GenerateFeedback(m.Entries(), m.now())
}

// number reads a numeric context value whether it came from memory or
// from decoded JSON.
func number(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case json.Number:
		f, _ := n.Float64()
		return f
	}
	return 0
}
