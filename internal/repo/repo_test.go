package repo

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdline/internal/db"
	"sdline/internal/domain"
	"sdline/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return Repo{DB: conn}
}

var t0 = time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

func seedDirective(t *testing.T, r Repo, id string, parent *string) domain.Directive {
	t.Helper()
	d, err := r.UpsertDirective(context.Background(), domain.Directive{
		ID:           id,
		Title:        "Directive " + id,
		Type:         "feature",
		CurrentPhase: domain.PhaseLead,
		Status:       domain.StatusDraft,
		Priority:     "high",
		ParentID:     parent,
		Metadata:     domain.Metadata{Objectives: []string{"ship"}, Extra: map[string]any{"team": "core"}},
		CreatedAt:    t0,
		UpdatedAt:    t0,
	})
	require.NoError(t, err)
	return d
}

func TestUpsertDirectiveOptimisticConcurrency(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	d := seedDirective(t, r, "SD-1", nil)
	assert.Equal(t, int64(1), d.Version)

	got, ok, err := r.GetDirective(ctx, "SD-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{"ship"}, got.Metadata.Objectives)
	assert.Equal(t, "core", got.Metadata.Extra["team"])
	assert.True(t, got.CreatedAt.Equal(t0))

	got.CurrentPhase = domain.PhasePlan
	updated, err := r.UpsertDirective(ctx, got)
	require.NoError(t, err)
	assert.Equal(t, int64(2), updated.Version)

	// a writer still holding version 1 must not overwrite
	got.Status = domain.StatusFailed
	_, err = r.UpsertDirective(ctx, got)
	require.Error(t, err)
	assert.True(t, IsStaleWrite(err))

	// duplicate insert is also a stale write
	_, err = r.UpsertDirective(ctx, domain.Directive{ID: "SD-1", Title: "dup", Type: "feature", CurrentPhase: domain.PhaseLead, Status: domain.StatusDraft})
	assert.True(t, IsStaleWrite(err))

	final, _, err := r.GetDirective(ctx, "SD-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PhasePlan, final.CurrentPhase)
	assert.Equal(t, domain.StatusDraft, final.Status)
}

func TestGetDirectiveNotFoundIsNotAnError(t *testing.T) {
	r := newTestRepo(t)
	_, ok, err := r.GetDirective(context.Background(), "missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestChildrenAndCount(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedDirective(t, r, "SD-P", nil)
	parent := "SD-P"
	seedDirective(t, r, "SD-C1", &parent)
	seedDirective(t, r, "SD-C2", &parent)

	n, err := r.CountChildren(ctx, "SD-P")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = r.CountChildren(ctx, "SD-C1")
	require.NoError(t, err)
	assert.Zero(t, n)

	kids, err := r.ListChildren(ctx, "SD-P")
	require.NoError(t, err)
	require.Len(t, kids, 2)
	assert.Equal(t, "SD-P", *kids[0].ParentID)

	all, err := r.ListDirectives(ctx, DirectiveFilters{ParentID: "SD-P", Limit: 1})
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestHandoffsLifecycle(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedDirective(t, r, "SD-1", nil)

	score := 92
	require.NoError(t, r.CreateHandoff(ctx, domain.Handoff{
		ID: "h2", DirectiveID: "SD-1", Type: domain.HandoffPlanToExec, Status: domain.HandoffPending,
		CreatedAt: t0.Add(time.Hour),
	}))
	require.NoError(t, r.CreateHandoff(ctx, domain.Handoff{
		ID: "h1", DirectiveID: "SD-1", Type: domain.HandoffLeadToPlan, Status: domain.HandoffPending,
		Narrative: domain.Narrative{
			ExecutiveSummary: domain.Text("done"),
			KeyDecisions:     domain.NarrativeField(json.RawMessage(`["use sqlite"]`)),
		},
		ValidationScore: &score, ValidationPassed: true, CreatedBy: "agent", CreatedAt: t0,
	}))

	hs, err := r.ListHandoffs(ctx, "SD-1")
	require.NoError(t, err)
	require.Len(t, hs, 2)
	assert.Equal(t, "h1", hs[0].ID)
	assert.Equal(t, 2, hs[0].Narrative.FilledCount())
	require.NotNil(t, hs[0].ValidationScore)
	assert.Equal(t, 92, *hs[0].ValidationScore)
	assert.Nil(t, hs[1].ValidationScore)

	accepted, err := r.SetHandoffStatus(ctx, "h1", domain.HandoffAccepted, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.HandoffAccepted, accepted.Status)
	require.NotNil(t, accepted.AcceptedAt)

	_, err = r.SetHandoffStatus(ctx, "h1", domain.HandoffRejected, t0)
	assert.ErrorContains(t, err, "not pending")
	_, err = r.SetHandoffStatus(ctx, "nope", domain.HandoffAccepted, t0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPRDAndRetrospective(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedDirective(t, r, "SD-1", nil)

	_, ok, err := r.GetPRD(ctx, "SD-1")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = r.UpsertPRD(ctx, domain.PRDSummary{ID: "prd-1", DirectiveID: "SD-1", Title: "v1", Status: "draft"})
	require.NoError(t, err)
	p, err := r.UpsertPRD(ctx, domain.PRDSummary{ID: "prd-ignored", DirectiveID: "SD-1", Title: "v2", Status: "approved", AcceptanceCriteria: []string{"fast"}})
	require.NoError(t, err)
	assert.Equal(t, "prd-1", p.ID)
	assert.Equal(t, "approved", p.Status)
	assert.Equal(t, []string{"fast"}, p.AcceptanceCriteria)

	require.NoError(t, r.InsertRetrospective(ctx, domain.Retrospective{ID: "r1", DirectiveID: "SD-1", QualityScore: 50, CreatedAt: t0}))
	require.NoError(t, r.InsertRetrospective(ctx, domain.Retrospective{ID: "r2", DirectiveID: "SD-1", QualityScore: 80, CreatedAt: t0.Add(time.Hour)}))
	rt, ok, err := r.GetRetrospective(ctx, "SD-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 80, rt.QualityScore)
}

func TestApprovalFlow(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedDirective(t, r, "SD-1", nil)

	status, id, err := r.GetApprovalStatus(ctx, "SD-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalNone, status)
	assert.Empty(t, id)

	_, err = r.DecideApproval(ctx, "SD-1", domain.ApprovalApproved, "", t0)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, r.CreateApprovalRequest(ctx, domain.ApprovalRequest{
		ID: "ap-1", DirectiveID: "SD-1", RequestedBy: "sdline", Deadline: t0.Add(72 * time.Hour), CreatedAt: t0,
	}))
	status, id, err = r.GetApprovalStatus(ctx, "SD-1")
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalPending, status)
	assert.Equal(t, "ap-1", id)

	req, err := r.DecideApproval(ctx, "SD-1", domain.ApprovalApproved, "looks good", t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, domain.ApprovalApproved, req.Status)

	_, err = r.DecideApproval(ctx, "SD-1", domain.ApprovalRejected, "", t0)
	assert.ErrorContains(t, err, "already approved")

	_, err = r.DecideApproval(ctx, "SD-1", domain.ApprovalPending, "", t0)
	assert.Error(t, err)
}

func TestTimelineAndProfiles(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()
	seedDirective(t, r, "SD-1", nil)

	require.NoError(t, r.RecordPhaseCompletion(ctx, "SD-1", domain.PhasePlan, "s1", t0.Add(2*time.Hour)))
	require.NoError(t, r.RecordPhaseCompletion(ctx, "SD-1", domain.PhaseLead, "s1", t0.Add(time.Hour)))
	tl, err := r.ListTimeline(ctx, "SD-1")
	require.NoError(t, err)
	require.Len(t, tl, 2)
	assert.Equal(t, domain.PhaseLead, tl[0].Phase)

	_, ok, err := r.GetValidationProfile(ctx, "feature")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, r.SeedValidationProfiles(ctx, []domain.ValidationProfile{
		{SDType: "feature", RequiredHandoffs: []string{domain.HandoffLeadToPlan}, MinHandoffs: 1, ExpectedDurationHours: 12},
	}))
	p, ok, err := r.GetValidationProfile(ctx, "feature")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []string{domain.HandoffLeadToPlan}, p.RequiredHandoffs)
	assert.Equal(t, 12.0, p.ExpectedDurationHours)
	assert.NotNil(t, p.PhaseWeights)

	assert.Error(t, r.SeedValidationProfiles(ctx, []domain.ValidationProfile{{}}))
}
