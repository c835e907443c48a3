package compliance_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdline/internal/aggregate"
	"sdline/internal/compliance"
	"sdline/internal/config"
	"sdline/internal/decision"
	"sdline/internal/domain"
	"sdline/internal/repo/repotest"
)

var t0 = time.Date(2025, 2, 1, 8, 0, 0, 0, time.UTC)

var allHandoffs = []string{domain.HandoffLeadToPlan, domain.HandoffPlanToExec, domain.HandoffExecToPlan, domain.HandoffPlanToLead}

// handoff builds an accepted handoff with the first filled narrative
// sections set.
func handoff(id, handoffType string, minute int, filled int) domain.Handoff {
	n := domain.Narrative{}
	fields := []*domain.NarrativeField{
		&n.ExecutiveSummary, &n.DeliverablesManifest, &n.KeyDecisions, &n.KnownIssues,
		&n.ResourceUtilization, &n.ActionItems, &n.CompletenessReport,
	}
	for i := 0; i < filled; i++ {
		*fields[i] = domain.Text("section")
	}
	return domain.Handoff{
		ID:               id,
		Type:             handoffType,
		Status:           domain.HandoffAccepted,
		Narrative:        n,
		ValidationPassed: true,
		CreatedAt:        t0.Add(time.Duration(minute) * time.Minute),
	}
}

func unit(id string, required []string, hs ...domain.Handoff) aggregate.Unit {
	for i := range hs {
		hs[i].DirectiveID = id
	}
	return aggregate.Unit{
		Directive: domain.Directive{ID: id, Type: "feature", CreatedAt: t0},
		Profile:   domain.ValidationProfile{RequiredHandoffs: required},
		Handoffs:  hs,
	}
}

func standalone(u aggregate.Unit) aggregate.Data {
	return aggregate.Data{Root: u, Handoffs: u.Handoffs, Timeline: u.Timeline}
}

func composite(root aggregate.Unit, children ...aggregate.Unit) aggregate.Data {
	d := aggregate.Data{Root: root, Composite: true, Children: children}
	for _, u := range d.Units() {
		d.Handoffs = append(d.Handoffs, u.Handoffs...)
	}
	return d
}

func TestCompleteness(t *testing.T) {
	pending := handoff("h3", domain.HandoffExecToPlan, 3, 7)
	pending.Status = domain.HandoffPending
	d := standalone(unit("SD-1", allHandoffs,
		handoff("h1", domain.HandoffLeadToPlan, 1, 7),
		handoff("h2", domain.HandoffPlanToExec, 2, 7),
		pending,
	))

	s := compliance.Completeness(d)
	assert.Equal(t, 50, s.Score)
	assert.Equal(t, 4, s.Details["required"])
	assert.Equal(t, 2, s.Details["completed"])
	assert.Equal(t, []string{"SD-1:EXEC-TO-PLAN", "SD-1:PLAN-TO-LEAD"}, s.Details["missing"])
}

func TestCompletenessEmptyRequiredListIsVacuous(t *testing.T) {
	s := compliance.Completeness(standalone(unit("SD-1", nil)))
	assert.Equal(t, 100, s.Score)
	assert.Equal(t, true, s.Details["vacuous"])
}

func TestCompletenessCompositePoolsUnits(t *testing.T) {
	// per-unit percentages 50, 100 and 25 average to 58; pooled 5/9 is 56
	d := composite(
		unit("SD-P", []string{domain.HandoffLeadToPlan, domain.HandoffPlanToLead},
			handoff("p1", domain.HandoffLeadToPlan, 1, 7)),
		unit("SD-A", []string{domain.HandoffLeadToPlan, domain.HandoffPlanToExec, domain.HandoffExecToPlan},
			handoff("a1", domain.HandoffLeadToPlan, 2, 7),
			handoff("a2", domain.HandoffPlanToExec, 3, 7),
			handoff("a3", domain.HandoffExecToPlan, 4, 7)),
		unit("SD-B", allHandoffs,
			handoff("b1", domain.HandoffLeadToPlan, 5, 7)),
	)

	s := compliance.Completeness(d)
	assert.Equal(t, 56, s.Score)
	assert.Equal(t, 9, s.Details["required"])
	assert.Equal(t, 5, s.Details["completed"])
}

func TestCompletenessReportsMinimumHandoffs(t *testing.T) {
	root := unit("SD-P", []string{domain.HandoffLeadToPlan}, handoff("p1", domain.HandoffLeadToPlan, 1, 7))
	root.Profile.MinHandoffs = 1
	child := unit("SD-A", []string{domain.HandoffLeadToPlan}, handoff("a1", domain.HandoffLeadToPlan, 2, 7))
	child.Profile.MinHandoffs = 3

	s := compliance.Completeness(composite(root, child))
	assert.Equal(t, 100, s.Score)
	assert.Equal(t, 4, s.Details["min_handoffs"])
	assert.Equal(t, 2, s.Details["accepted"])
	assert.Equal(t, []string{"SD-A:1/3"}, s.Details["below_minimum"])

	_, ok := compliance.Completeness(standalone(root)).Details["below_minimum"]
	assert.False(t, ok)
}

func TestCompletenessIgnoresOtherUnitsHandoffs(t *testing.T) {
	d := composite(
		unit("SD-P", []string{domain.HandoffPlanToLead}),
		unit("SD-A", []string{domain.HandoffLeadToPlan}, handoff("a1", domain.HandoffPlanToLead, 1, 7)),
	)
	assert.Equal(t, 0, compliance.Completeness(d).Score)
}

func TestQuality(t *testing.T) {
	tests := []struct {
		name     string
		handoffs []domain.Handoff
		want     int
	}{
		{"three of seven", []domain.Handoff{handoff("h1", domain.HandoffLeadToPlan, 1, 3)}, 43},
		{"all filled", []domain.Handoff{handoff("h1", domain.HandoffLeadToPlan, 1, 7)}, 100},
		{"empty handoff contributes zero", []domain.Handoff{
			handoff("h1", domain.HandoffLeadToPlan, 1, 3),
			handoff("h2", domain.HandoffPlanToExec, 2, 0),
		}, 21},
		{"no accepted handoffs", nil, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := compliance.Quality(standalone(unit("SD-1", allHandoffs, tc.handoffs...)))
			assert.Equal(t, tc.want, s.Score)
		})
	}
}

func TestQualityCountsArraysAndObjects(t *testing.T) {
	h := handoff("h1", domain.HandoffLeadToPlan, 1, 0)
	h.Narrative.DeliverablesManifest = domain.NarrativeField(`["api.go","api_test.go"]`)
	h.Narrative.KeyDecisions = domain.NarrativeField(`{"storage":"sqlite"}`)
	h.Narrative.KnownIssues = domain.NarrativeField(`[]`)
	h.Narrative.ActionItems = domain.Text("   ")

	s := compliance.Quality(standalone(unit("SD-1", nil, h)))
	assert.Equal(t, 29, s.Score)
	assert.Equal(t, 28.6, s.Details["average"])
}

func TestQualityIgnoresPendingHandoffs(t *testing.T) {
	pending := handoff("h2", domain.HandoffPlanToExec, 2, 0)
	pending.Status = domain.HandoffPending
	s := compliance.Quality(standalone(unit("SD-1", nil, handoff("h1", domain.HandoffLeadToPlan, 1, 7), pending)))
	assert.Equal(t, 100, s.Score)
}

func intPtr(v int) *int { return &v }

func TestGates(t *testing.T) {
	t.Run("all checks pass", func(t *testing.T) {
		h1 := handoff("h1", domain.HandoffLeadToPlan, 1, 7)
		h1.ValidationScore = intPtr(90)
		h2 := handoff("h2", domain.HandoffPlanToExec, 2, 7)
		h2.ValidationScore = intPtr(86)
		u := unit("SD-1", allHandoffs, h1, h2)
		u.PRD = &domain.PRDSummary{Status: "approved"}
		u.Retrospective = &domain.Retrospective{QualityScore: 80}

		s := compliance.Gates(standalone(u))
		assert.Equal(t, 100, s.Score)
		assert.Equal(t, 4, s.Details["applicable"])
	})

	t.Run("missing inputs are skipped", func(t *testing.T) {
		h := handoff("h1", domain.HandoffLeadToPlan, 1, 7)
		h.ValidationScore = intPtr(80)
		u := unit("SD-1", allHandoffs, h)
		u.PRD = &domain.PRDSummary{Status: "completed"}

		s := compliance.Gates(standalone(u))
		assert.Equal(t, 3, s.Details["applicable"])
		assert.Equal(t, 2, s.Details["passed"])
		assert.Equal(t, 67, s.Score)
		checks := s.Details["checks"].(map[string]bool)
		assert.False(t, checks["mean_validation_score"])
		assert.NotContains(t, checks, "retrospective_quality")
	})

	t.Run("one failed handoff fails the all-passed check", func(t *testing.T) {
		h1 := handoff("h1", domain.HandoffLeadToPlan, 1, 7)
		h2 := handoff("h2", domain.HandoffPlanToExec, 2, 7)
		h2.ValidationPassed = false
		u := unit("SD-1", allHandoffs, h1, h2)
		u.PRD = &domain.PRDSummary{Status: "draft"}
		u.Retrospective = &domain.Retrospective{QualityScore: 70}

		s := compliance.Gates(standalone(u))
		assert.Equal(t, 3, s.Details["applicable"])
		assert.Equal(t, 33, s.Score)
	})

	t.Run("nothing applicable", func(t *testing.T) {
		s := compliance.Gates(standalone(unit("SD-1", allHandoffs)))
		assert.Equal(t, 0, s.Score)
		assert.Equal(t, 0, s.Details["applicable"])
	})
}

func TestSequence(t *testing.T) {
	tests := []struct {
		name     string
		handoffs []domain.Handoff
		want     int
	}{
		{"empty", nil, 100},
		{"single", []domain.Handoff{handoff("h1", domain.HandoffExecToPlan, 1, 7)}, 100},
		{"canonical", []domain.Handoff{
			handoff("h1", domain.HandoffLeadToPlan, 1, 7),
			handoff("h2", domain.HandoffPlanToExec, 2, 7),
			handoff("h3", domain.HandoffExecToPlan, 3, 7),
			handoff("h4", domain.HandoffPlanToLead, 4, 7),
		}, 100},
		// a skipped stage still increases the index and counts as correct
		{"skipped stage", []domain.Handoff{
			handoff("h1", domain.HandoffLeadToPlan, 1, 7),
			handoff("h2", domain.HandoffExecToPlan, 2, 7),
		}, 100},
		{"backwards", []domain.Handoff{
			handoff("h1", domain.HandoffExecToPlan, 1, 7),
			handoff("h2", domain.HandoffLeadToPlan, 2, 7),
		}, 0},
		{"repeated type", []domain.Handoff{
			handoff("h1", domain.HandoffLeadToPlan, 1, 7),
			handoff("h2", domain.HandoffLeadToPlan, 2, 7),
			handoff("h3", domain.HandoffPlanToExec, 3, 7),
		}, 50},
		{"unknown types are not penalized", []domain.Handoff{
			handoff("h1", domain.HandoffPlanToLead, 1, 7),
			handoff("h2", "DESIGN-REVIEW", 2, 7),
			handoff("h3", domain.HandoffLeadToPlan, 3, 7),
		}, 100},
		{"ordered by creation time", []domain.Handoff{
			handoff("h2", domain.HandoffPlanToExec, 2, 7),
			handoff("h1", domain.HandoffLeadToPlan, 1, 7),
		}, 100},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			s := compliance.Sequence(standalone(unit("SD-1", allHandoffs, tc.handoffs...)))
			assert.Equal(t, tc.want, s.Score)
		})
	}
}

func TestSequenceCompositeScoresPerUnit(t *testing.T) {
	// interleaved in time the union would read PLAN-TO-LEAD -> LEAD-TO-PLAN
	d := composite(
		unit("SD-P", nil, handoff("p1", domain.HandoffPlanToLead, 1, 7)),
		unit("SD-A", nil,
			handoff("a1", domain.HandoffLeadToPlan, 2, 7),
			handoff("a2", domain.HandoffPlanToExec, 3, 7)),
		unit("SD-B", nil,
			handoff("b1", domain.HandoffExecToPlan, 4, 7),
			handoff("b2", domain.HandoffLeadToPlan, 5, 7),
			handoff("b3", domain.HandoffPlanToLead, 6, 7)),
	)

	s := compliance.Sequence(d)
	// pairs: a1->a2 ok, b1->b2 bad, b2->b3 ok
	assert.Equal(t, 3, s.Details["pairs"])
	assert.Equal(t, 2, s.Details["correct"])
	assert.Equal(t, 67, s.Score)
}

func TestDuration(t *testing.T) {
	expected := 24 * time.Hour
	tests := []struct {
		name   string
		actual time.Duration
		want   int
	}{
		{"faster", 12 * time.Hour, 100},
		{"on time", 24 * time.Hour, 100},
		{"half over", 36 * time.Hour, 75},
		{"double", 48 * time.Hour, 50},
		{"triple", 72 * time.Hour, 0},
		{"far over", 240 * time.Hour, 0},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			u := unit("SD-1", nil)
			done := t0.Add(tc.actual)
			u.Directive.CompletedAt = &done
			u.ExpectedDuration = expected
			assert.Equal(t, tc.want, compliance.Duration(standalone(u)).Score)
		})
	}

	t.Run("missing completion", func(t *testing.T) {
		u := unit("SD-1", nil)
		u.ExpectedDuration = expected
		s := compliance.Duration(standalone(u))
		assert.Equal(t, 100, s.Score)
		assert.Equal(t, "unavailable", s.Details["timing"])
	})
}

func TestOverallAndGrade(t *testing.T) {
	all := func(v int) map[string]int {
		out := map[string]int{}
		for _, name := range compliance.Dimensions() {
			out[name] = v
		}
		return out
	}
	assert.Equal(t, 100, compliance.Overall(all(100)))
	assert.Equal(t, "A", compliance.Grade(compliance.Overall(all(100))))
	assert.Equal(t, 65, compliance.Overall(all(65)))
	assert.Equal(t, "D", compliance.Grade(compliance.Overall(all(65))))

	mixed := map[string]int{
		compliance.HandoffCompleteness: 50,
		compliance.HandoffQuality:      43,
		compliance.GateCompliance:      100,
		compliance.SequenceCompliance:  100,
		compliance.DurationEfficiency:  75,
	}
	// 12.5 + 10.75 + 25 + 15 + 7.5 = 70.75
	assert.Equal(t, 71, compliance.Overall(mixed))

	weights := 0
	for _, w := range compliance.Weights {
		weights += w
	}
	assert.Equal(t, 100, weights)

	for overall, grade := range map[int]string{90: "A", 89: "B", 80: "B", 79: "C", 70: "C", 69: "D", 60: "D", 59: "F", 0: "F"} {
		assert.Equal(t, grade, compliance.Grade(overall), "overall %d", overall)
	}
}

func TestComputeIsIdempotent(t *testing.T) {
	h := handoff("h1", domain.HandoffLeadToPlan, 1, 5)
	h.ValidationScore = intPtr(88)
	u := unit("SD-1", allHandoffs, h, handoff("h2", domain.HandoffPlanToExec, 2, 2))
	done := t0.Add(30 * time.Hour)
	u.Directive.CompletedAt = &done
	u.ExpectedDuration = 24 * time.Hour
	d := standalone(u)

	first := compliance.Compute(d)
	second := compliance.Compute(d)
	assert.Equal(t, first, second)
	assert.Len(t, first.Dimensions, 5)
	assert.NotEmpty(t, first.Recommendations)
}

func TestRecommendations(t *testing.T) {
	recs := compliance.Recommendations(map[string]compliance.Score{
		compliance.HandoffCompleteness: {Score: 69},
		compliance.HandoffQuality:      {Score: 70},
		compliance.DurationEfficiency:  {Score: 10},
	})
	require.Len(t, recs, 2)
	assert.Contains(t, recs[0], compliance.HandoffCompleteness)
	assert.Contains(t, recs[1], compliance.DurationEfficiency)
}

func TestProgress(t *testing.T) {
	u := unit("SD-1", nil)
	u.Profile.PhaseWeights = map[string]int{"LEAD": 20, "PLAN": 20, "EXEC": 30, "VERIFICATION": 15, "APPROVAL": 15}
	u.Timeline = []domain.PhaseTimelineEntry{{Phase: domain.PhaseLead}, {Phase: domain.PhasePlan}, {Phase: domain.PhaseLead}}
	assert.Equal(t, 40, compliance.Progress(standalone(u)))

	u.Profile.PhaseWeights = nil
	assert.Equal(t, 0, compliance.Progress(standalone(u)))
}

func TestEvaluateUnknownTypeWithNoRecords(t *testing.T) {
	r := repotest.New(t, "")
	repotest.Directive(t, r, domain.Directive{ID: "SD-X", Type: "research"})
	agg := aggregate.New(r, config.Default())
	dl := decision.NewLogger("score")

	rep, err := compliance.Evaluate(context.Background(), agg, "SD-X", dl, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, rep.Dimensions[compliance.HandoffCompleteness].Score)
	assert.Equal(t, 0, rep.Dimensions[compliance.HandoffQuality].Score)
	assert.Equal(t, 0, rep.Dimensions[compliance.GateCompliance].Score)
	assert.Equal(t, 100, rep.Dimensions[compliance.SequenceCompliance].Score)
	assert.Equal(t, 100, rep.Dimensions[compliance.DurationEfficiency].Score)
	// 0.15*100 + 0.10*100
	assert.Equal(t, 25, rep.Overall)
	assert.Equal(t, "F", rep.Grade)
	assert.False(t, rep.Composite)

	warns := decision.Filter(dl.Entries(), decision.CategoryUnknownUnitType)
	require.Len(t, warns, 1)
	assert.Equal(t, decision.ActionWarn, warns[0].Action)
}

func TestEvaluateUnknownTypeWithEmptyDefaultProfile(t *testing.T) {
	r := repotest.New(t, "")
	repotest.Directive(t, r, domain.Directive{ID: "SD-X", Type: "research"})
	cfg := config.Default()
	cfg.DefaultProfile.RequiredHandoffs = nil
	cfg.DefaultProfile.MinHandoffs = 0

	rep, err := compliance.Evaluate(context.Background(), aggregate.New(r, cfg), "SD-X", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 100, rep.Dimensions[compliance.HandoffCompleteness].Score)
	// 25 + 15 + 10
	assert.Equal(t, 50, rep.Overall)
	assert.Equal(t, "F", rep.Grade)
}
