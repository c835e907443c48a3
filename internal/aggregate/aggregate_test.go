package aggregate_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdline/internal/aggregate"
	"sdline/internal/config"
	"sdline/internal/decision"
	"sdline/internal/domain"
	"sdline/internal/repo"
	"sdline/internal/repo/repotest"
)

var t0 = time.Date(2025, 1, 2, 10, 0, 0, 0, time.UTC)

func strPtr(s string) *string { return &s }

func TestAggregateStandalone(t *testing.T) {
	r := repotest.New(t, "")
	ctx := context.Background()
	repotest.Directive(t, r, domain.Directive{ID: "SD-1", Type: "bugfix"})
	repotest.Handoff(t, r, "h1", "SD-1", domain.HandoffLeadToPlan, t0)
	require.NoError(t, r.CreateHandoff(ctx, domain.Handoff{ID: "h2", DirectiveID: "SD-1", Type: domain.HandoffPlanToExec, Status: domain.HandoffPending, CreatedAt: t0.Add(time.Hour)}))
	require.NoError(t, r.CreateHandoff(ctx, domain.Handoff{ID: "h3", DirectiveID: "SD-1", Type: domain.HandoffPlanToExec, Status: domain.HandoffRejected, CreatedAt: t0.Add(2 * time.Hour)}))
	require.NoError(t, r.RecordPhaseCompletion(ctx, "SD-1", domain.PhaseLead, "s1", t0))
	_, err := r.UpsertPRD(ctx, domain.PRDSummary{ID: "PRD-1", DirectiveID: "SD-1", Title: "prd", Status: "approved"})
	require.NoError(t, err)
	require.NoError(t, r.InsertRetrospective(ctx, domain.Retrospective{ID: "R-1", DirectiveID: "SD-1", QualityScore: 75, CreatedAt: t0}))

	dl := decision.NewLogger("agg")
	data, err := aggregate.New(r, config.Default()).Aggregate(ctx, "SD-1", dl)
	require.NoError(t, err)
	assert.False(t, data.Composite)
	assert.Empty(t, data.Children)
	require.Len(t, data.Root.Handoffs, 2, "rejected handoffs are dropped")
	assert.Len(t, data.Root.Accepted(), 1)
	assert.Len(t, data.Timeline, 1)
	require.NotNil(t, data.Root.PRD)
	assert.Equal(t, "approved", data.Root.PRD.Status)
	require.NotNil(t, data.Root.Retrospective)
	assert.Equal(t, 75, data.Root.Retrospective.QualityScore)

	assert.False(t, data.Root.DefaultProfile)
	assert.Equal(t, "bugfix", data.Root.Profile.SDType)
	assert.Len(t, data.Root.Profile.RequiredHandoffs, 3)
	assert.Equal(t, 24*time.Hour, data.Root.ExpectedDuration)
	assert.Equal(t, 30, data.Root.Profile.PhaseWeights["EXEC"], "type profiles inherit default phase weights")
	assert.Zero(t, dl.Len())
}

func TestAggregateComposite(t *testing.T) {
	r := repotest.New(t, "")
	ctx := context.Background()
	repotest.Directive(t, r, domain.Directive{ID: "SD-P", Type: "orchestrator"})
	repotest.Directive(t, r, domain.Directive{ID: "SD-A", ParentID: strPtr("SD-P"), CreatedAt: t0})
	repotest.Directive(t, r, domain.Directive{ID: "SD-B", Type: "mystery", ParentID: strPtr("SD-P"), CreatedAt: t0.Add(time.Minute)})
	repotest.Handoff(t, r, "p1", "SD-P", domain.HandoffLeadToPlan, t0)
	repotest.Handoff(t, r, "a1", "SD-A", domain.HandoffLeadToPlan, t0)
	repotest.Handoff(t, r, "a2", "SD-A", domain.HandoffPlanToExec, t0.Add(time.Hour))
	repotest.Handoff(t, r, "b1", "SD-B", domain.HandoffLeadToPlan, t0)
	require.NoError(t, r.RecordPhaseCompletion(ctx, "SD-A", domain.PhaseLead, "s", t0))

	dl := decision.NewLogger("agg")
	data, err := aggregate.New(r, config.Default()).Aggregate(ctx, "SD-P", dl)
	require.NoError(t, err)
	assert.True(t, data.Composite)
	require.Len(t, data.Children, 2)
	assert.Equal(t, "SD-A", data.Children[0].Directive.ID)
	assert.Equal(t, "SD-B", data.Children[1].Directive.ID)
	assert.Len(t, data.Children[0].Handoffs, 2)
	assert.Len(t, data.Handoffs, 4)
	assert.Len(t, data.Accepted(), 4)
	assert.Len(t, data.Timeline, 1)
	assert.Len(t, data.Units(), 3)

	assert.Equal(t, "orchestrator", data.Root.Profile.SDType)
	assert.True(t, data.Children[1].DefaultProfile)
	assert.Equal(t, "mystery", data.Children[1].Profile.SDType)
	assert.Equal(t, 48*time.Hour, data.Children[1].ExpectedDuration)

	warns := decision.Filter(dl.Entries(), decision.CategoryUnknownUnitType)
	require.Len(t, warns, 1)
	assert.Equal(t, "SD-B", warns[0].Context["sd_id"])
}

func TestAggregateStoredProfileWins(t *testing.T) {
	r := repotest.New(t, "")
	ctx := context.Background()
	require.NoError(t, r.SeedValidationProfiles(ctx, []domain.ValidationProfile{{
		SDType:                "feature",
		RequiredHandoffs:      []string{domain.HandoffLeadToPlan},
		MinHandoffs:           1,
		ExpectedDurationHours: 10,
	}}))
	repotest.Directive(t, r, domain.Directive{ID: "SD-1"})

	data, err := aggregate.New(r, config.Default()).Aggregate(ctx, "SD-1", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{domain.HandoffLeadToPlan}, data.Root.Profile.RequiredHandoffs)
	assert.Equal(t, 10*time.Hour, data.Root.ExpectedDuration)
}

func TestAggregateNotFound(t *testing.T) {
	r := repotest.New(t, "")
	_, err := aggregate.New(r, config.Default()).Aggregate(context.Background(), "SD-404", nil)
	assert.ErrorIs(t, err, aggregate.ErrNotFound)
}

type brokenChildren struct {
	repo.Repository
}

func (brokenChildren) ListHandoffs(ctx context.Context, id string) ([]domain.Handoff, error) {
	if id == "SD-B" {
		return nil, errors.New("connection reset")
	}
	return nil, nil
}

func TestAggregateChildFailureFailsWhole(t *testing.T) {
	r := repotest.New(t, "")
	repotest.Directive(t, r, domain.Directive{ID: "SD-P", Type: "orchestrator"})
	repotest.Directive(t, r, domain.Directive{ID: "SD-A", ParentID: strPtr("SD-P")})
	repotest.Directive(t, r, domain.Directive{ID: "SD-B", ParentID: strPtr("SD-P")})

	_, err := aggregate.New(brokenChildren{Repository: r}, config.Default()).Aggregate(context.Background(), "SD-P", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SD-B")
}
