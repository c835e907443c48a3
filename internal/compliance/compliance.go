// Package compliance scores how closely a directive followed the process.
// Every dimension is a pure function of aggregate.Data.
package compliance

import (
	"fmt"
	"math"
	"sort"

	"sdline/internal/aggregate"
	"sdline/internal/domain"
)

// Dimension names.
const (
	HandoffCompleteness = "handoff_completeness"
	HandoffQuality      = "handoff_quality"
	GateCompliance      = "gate_compliance"
	SequenceCompliance  = "sequence_compliance"
	DurationEfficiency  = "duration_efficiency"
)

// Dimensions lists the dimension names in report order.
func Dimensions() []string {
	return []string{HandoffCompleteness, HandoffQuality, GateCompliance, SequenceCompliance, DurationEfficiency}
}

// Weights are percentages and sum to 100.
var Weights = map[string]int{
	HandoffCompleteness: 25,
	HandoffQuality:      25,
	GateCompliance:      25,
	SequenceCompliance:  15,
	DurationEfficiency:  10,
}

// Gate thresholds.
const (
	MinMeanValidationScore = 85
	MinRetrospectiveScore  = 70
	RecommendBelow         = 70
)

var gradeCutoffs = []struct {
	min   int
	grade string
}{
	{90, "A"},
	{80, "B"},
	{70, "C"},
	{60, "D"},
}

// Score is one dimension result.
type Score struct {
	Score   int            `json:"score"`
	Details map[string]any `json:"details"`
}

type Report struct {
	DirectiveID     string           `json:"sd_id"`
	Composite       bool             `json:"composite"`
	Units           int              `json:"units"`
	Overall         int              `json:"overall"`
	Grade           string           `json:"grade"`
	Dimensions      map[string]Score `json:"dimensions"`
	Weights         map[string]int   `json:"weights"`
	Progress        int              `json:"progress"`
	Recommendations []string         `json:"recommendations,omitempty"`
}

// Compute scores every dimension and the weighted overall grade.
func Compute(d aggregate.Data) Report {
	dims := map[string]Score{
		HandoffCompleteness: Completeness(d),
		HandoffQuality:      Quality(d),
		GateCompliance:      Gates(d),
		SequenceCompliance:  Sequence(d),
		DurationEfficiency:  Duration(d),
	}
	scores := make(map[string]int, len(dims))
	for name, s := range dims {
		scores[name] = s.Score
	}
	overall := Overall(scores)
	weights := make(map[string]int, len(Weights))
	for k, v := range Weights {
		weights[k] = v
	}
	return Report{
		DirectiveID:     d.Root.Directive.ID,
		Composite:       d.Composite,
		Units:           len(d.Units()),
		Overall:         overall,
		Grade:           Grade(overall),
		Dimensions:      dims,
		Weights:         weights,
		Progress:        Progress(d),
		Recommendations: Recommendations(dims),
	}
}

// Overall is the rounded weighted sum of dimension scores.
func Overall(scores map[string]int) int {
	total := 0.0
	for name, w := range Weights {
		total += float64(scores[name]) * float64(w) / 100
	}
	return int(math.Round(total))
}

func Grade(overall int) string {
	for _, c := range gradeCutoffs {
		if overall >= c.min {
			return c.grade
		}
	}
	return "F"
}

// Completeness pools required handoff types over every unit: completed
// over required, not an average of per-unit percentages. An empty required
// list is vacuously complete. Units holding fewer accepted handoffs than
// their profile's minimum are listed in the details; the minimum does not
// change the score.
func Completeness(d aggregate.Data) Score {
	required, completed, minimum, count := 0, 0, 0, 0
	var missing, belowMin []string
	for _, u := range d.Units() {
		acc := u.Accepted()
		count += len(acc)
		minimum += u.Profile.MinHandoffs
		if len(acc) < u.Profile.MinHandoffs {
			belowMin = append(belowMin, fmt.Sprintf("%s:%d/%d", u.Directive.ID, len(acc), u.Profile.MinHandoffs))
		}
		have := map[string]bool{}
		for _, h := range acc {
			have[h.Type] = true
		}
		for _, t := range u.Profile.RequiredHandoffs {
			required++
			if have[t] {
				completed++
			} else {
				missing = append(missing, u.Directive.ID+":"+t)
			}
		}
	}
	details := map[string]any{"required": required, "completed": completed, "min_handoffs": minimum, "accepted": count}
	if len(missing) > 0 {
		details["missing"] = missing
	}
	if len(belowMin) > 0 {
		details["below_minimum"] = belowMin
	}
	if required == 0 {
		details["vacuous"] = true
		return Score{Score: 100, Details: details}
	}
	return Score{Score: percent(completed, required), Details: details}
}

// Quality averages the share of filled narrative sections over accepted
// handoffs. No accepted handoffs scores 0.
func Quality(d aggregate.Data) Score {
	hs := d.Accepted()
	details := map[string]any{"handoffs": len(hs), "fields": domain.NarrativeFieldCount}
	if len(hs) == 0 {
		return Score{Score: 0, Details: details}
	}
	sum := 0.0
	empty := map[string]int{}
	for _, h := range hs {
		sum += float64(h.Narrative.FilledCount()) / domain.NarrativeFieldCount
		for _, f := range h.Narrative.Fields() {
			if !f.Value.Filled() {
				empty[f.Name]++
			}
		}
	}
	avg := sum / float64(len(hs)) * 100
	details["average"] = math.Round(avg*10) / 10
	if len(empty) > 0 {
		details["empty_fields"] = empty
	}
	return Score{Score: int(math.Round(avg)), Details: details}
}

// Gates counts passed checks over the checks whose inputs are present.
// With no applicable check the dimension scores 0.
func Gates(d aggregate.Data) Score {
	hs := d.Accepted()
	checks := map[string]bool{}

	var scored []int
	for _, h := range hs {
		if h.ValidationScore != nil {
			scored = append(scored, *h.ValidationScore)
		}
	}
	if len(scored) > 0 {
		sum := 0
		for _, s := range scored {
			sum += s
		}
		checks["mean_validation_score"] = float64(sum)/float64(len(scored)) >= MinMeanValidationScore
	}
	if prd := d.Root.PRD; prd != nil {
		checks["prd_approved"] = prd.Status == "approved" || prd.Status == "completed"
	}
	if rt := d.Root.Retrospective; rt != nil {
		checks["retrospective_quality"] = rt.QualityScore >= MinRetrospectiveScore
	}
	if len(hs) > 0 {
		all := true
		for _, h := range hs {
			if !h.ValidationPassed {
				all = false
				break
			}
		}
		checks["all_handoffs_passed"] = all
	}

	passed := 0
	for _, ok := range checks {
		if ok {
			passed++
		}
	}
	details := map[string]any{"applicable": len(checks), "passed": passed, "checks": checks}
	if len(checks) == 0 {
		return Score{Score: 0, Details: details}
	}
	return Score{Score: percent(passed, len(checks)), Details: details}
}

// Sequence checks consecutive accepted handoffs per unit: a pair is correct
// when the later handoff's canonical index is greater than the earlier one's,
// or when either type is outside the canonical sequence. Pairs are summed
// across units.
func Sequence(d aggregate.Data) Score {
	correct, total := 0, 0
	var violations []string
	for _, u := range d.Units() {
		hs := u.Accepted()
		sort.SliceStable(hs, func(i, j int) bool {
			if hs[i].CreatedAt.Equal(hs[j].CreatedAt) {
				return hs[i].ID < hs[j].ID
			}
			return hs[i].CreatedAt.Before(hs[j].CreatedAt)
		})
		for i := 1; i < len(hs); i++ {
			total++
			if inOrder(hs[i-1].Type, hs[i].Type) {
				correct++
			} else {
				violations = append(violations, fmt.Sprintf("%s:%s->%s", u.Directive.ID, hs[i-1].Type, hs[i].Type))
			}
		}
	}
	details := map[string]any{"pairs": total, "correct": correct}
	if len(violations) > 0 {
		details["violations"] = violations
	}
	if total == 0 {
		return Score{Score: 100, Details: details}
	}
	return Score{Score: percent(correct, total), Details: details}
}

func inOrder(prev, next string) bool {
	p, n := sequenceIndex(prev), sequenceIndex(next)
	if p < 0 || n < 0 {
		return true
	}
	return n > p
}

func sequenceIndex(t string) int {
	for i, s := range domain.HandoffSequence() {
		if s == t {
			return i
		}
	}
	return -1
}

// Duration compares the root directive's elapsed time with the expected
// duration for its type. Missing timestamps score 100.
func Duration(d aggregate.Data) Score {
	dir := d.Root.Directive
	expected := d.Root.ExpectedDuration
	details := map[string]any{"expected_hours": expected.Hours()}
	if dir.CompletedAt == nil || dir.CreatedAt.IsZero() || expected <= 0 {
		details["timing"] = "unavailable"
		return Score{Score: 100, Details: details}
	}
	actual := dir.CompletedAt.Sub(dir.CreatedAt)
	details["actual_hours"] = math.Round(actual.Hours()*100) / 100
	return Score{Score: efficiency(actual.Hours() / expected.Hours()), Details: details}
}

func efficiency(ratio float64) int {
	if ratio <= 1 {
		return 100
	}
	return int(math.Round(math.Max(0, 100-(ratio-1)*50)))
}

// Progress sums the root profile's phase weights over completed phases.
func Progress(d aggregate.Data) int {
	done := map[domain.Phase]bool{}
	for _, e := range d.Root.Timeline {
		done[e.Phase] = true
	}
	total, got := 0, 0
	for _, p := range domain.Phases() {
		w := d.Root.Profile.PhaseWeights[string(p)]
		total += w
		if done[p] {
			got += w
		}
	}
	if total == 0 {
		return 0
	}
	return percent(got, total)
}

var advice = map[string]string{
	HandoffCompleteness: "create and accept the missing handoffs required by the SD type",
	HandoffQuality:      "fill all seven narrative sections of each handoff",
	GateCompliance:      "raise handoff validation scores, approve the PRD and record a retrospective",
	SequenceCompliance:  "create handoffs in lifecycle order",
	DurationEfficiency:  "split long-running directives or revisit the expected duration for the type",
}

// Recommendations names each dimension scoring below RecommendBelow.
func Recommendations(dims map[string]Score) []string {
	var out []string
	for _, name := range Dimensions() {
		s, ok := dims[name]
		if !ok || s.Score >= RecommendBelow {
			continue
		}
		out = append(out, fmt.Sprintf("%s (%d): %s", name, s.Score, advice[name]))
	}
	return out
}

func percent(n, of int) int {
	return int(math.Round(float64(n) / float64(of) * 100))
}
