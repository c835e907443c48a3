package validator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdline/internal/db"
	"sdline/internal/decision"
	"sdline/internal/domain"
	"sdline/internal/repo"
	"sdline/internal/repo/repotest"
)

type failingRepo struct {
	repo.Repository
}

func (failingRepo) GetPRD(context.Context, string) (domain.PRDSummary, bool, error) {
	return domain.PRDSummary{}, false, errors.New("connection reset")
}

func newContext(t *testing.T, phase domain.Phase) (Context, repo.Repo) {
	t.Helper()
	ws := t.TempDir()
	r := repotest.New(t, ws)
	d := repotest.Directive(t, r, domain.Directive{ID: "SD-1", Priority: "high", Metadata: domain.Metadata{Objectives: []string{"reduce toil"}}})
	return Context{
		Phase:       phase,
		DirectiveID: d.ID,
		Directive:   d,
		Repo:        r,
		Log:         decision.NewLogger("test"),
		Workspace:   ws,
	}, r
}

func TestUnknownRequirementAutoPassesWithWarning(t *testing.T) {
	vc, _ := newContext(t, domain.PhaseLead)
	res, err := Default().Validate(context.Background(), "moon_phase_aligned", vc)
	require.NoError(t, err)
	assert.True(t, res.Satisfied)

	entries := vc.Log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, decision.CategoryUnknownRequirement, entries[0].Category)
	assert.Equal(t, decision.ActionWarn, entries[0].Action)
}

func TestPlaceholderLogsAutoPass(t *testing.T) {
	vc, _ := newContext(t, domain.PhaseExec)
	res, err := Default().Validate(context.Background(), "screenshots_captured", vc)
	require.NoError(t, err)
	assert.True(t, res.Satisfied)
	assert.Equal(t, ClassPlaceholder, res.Class)

	entries := vc.Log.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, decision.ActionAutoPass, entries[0].Action)
	assert.NotEmpty(t, entries[0].Reason)
}

func TestBuiltinChecks(t *testing.T) {
	vc, r := newContext(t, domain.PhasePlan)
	ctx := context.Background()
	reg := Default()

	check := func(name string) bool {
		t.Helper()
		res, err := reg.Validate(ctx, name, vc)
		require.NoError(t, err)
		return res.Satisfied
	}

	assert.True(t, check("sd_exists"))
	assert.True(t, check("objectives_defined"))
	assert.True(t, check("priority_set"))
	assert.False(t, check("prd_exists"))
	assert.False(t, check("acceptance_criteria_defined"))
	assert.False(t, check("lead_to_plan_accepted"))
	assert.False(t, check("verification_completed"))
	assert.False(t, check("tests_passed_marker"))

	_, err := r.UpsertPRD(ctx, domain.PRDSummary{ID: "prd-1", DirectiveID: "SD-1", Title: "t", Status: "approved"})
	require.NoError(t, err)
	assert.True(t, check("prd_exists"))
	assert.False(t, check("acceptance_criteria_defined"))

	require.NoError(t, r.CreateHandoff(ctx, domain.Handoff{ID: "h1", DirectiveID: "SD-1", Type: domain.HandoffLeadToPlan, Status: domain.HandoffPending, CreatedAt: time.Now()}))
	assert.False(t, check("lead_to_plan_accepted"))
	_, err = r.SetHandoffStatus(ctx, "h1", domain.HandoffAccepted, time.Now())
	require.NoError(t, err)
	assert.True(t, check("lead_to_plan_accepted"))

	require.NoError(t, r.RecordPhaseCompletion(ctx, "SD-1", domain.PhaseVerification, "s", time.Now()))
	assert.True(t, check("verification_completed"))

	dir := db.MarkerDir(vc.Workspace, "SD-1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, TestsPassedMarker), nil, 0o644))
	assert.True(t, check("tests_passed_marker"))
}

func TestLocalChecksRejectMissingFields(t *testing.T) {
	vc, _ := newContext(t, domain.PhaseLead)
	vc.Directive.Priority = "urgent-ish"
	vc.Directive.Metadata.Objectives = []string{"  "}
	reg := Default()

	res, err := reg.Validate(context.Background(), "priority_set", vc)
	require.NoError(t, err)
	assert.False(t, res.Satisfied)
	res, err = reg.Validate(context.Background(), "objectives_defined", vc)
	require.NoError(t, err)
	assert.False(t, res.Satisfied)

	blocks := 0
	for _, e := range vc.Log.Entries() {
		if e.Action == decision.ActionBlock {
			blocks++
		}
	}
	assert.Equal(t, 2, blocks)
}

func TestValidateAllKeepsOrderAndSurfacesStoreErrors(t *testing.T) {
	vc, _ := newContext(t, domain.PhaseLead)
	reg := Default()
	names := []string{"sd_exists", "prd_exists", "unknown_thing", "priority_set"}

	results, err := reg.ValidateAll(context.Background(), names, vc)
	require.NoError(t, err)
	require.Len(t, results, 4)
	for i, n := range names {
		assert.Equal(t, n, results[i].Requirement)
	}
	assert.Equal(t, []string{"prd_exists"}, Failed(results))
	assert.Equal(t, 4, vc.Log.Len())

	vc.Repo = failingRepo{Repository: vc.Repo}
	_, err = reg.ValidateAll(context.Background(), []string{"prd_exists"}, vc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestRegisterRejectsIncompleteValidators(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(Validator{}))
	assert.Error(t, r.Register(Validator{Name: "x", Class: ClassLocal}))
	assert.Error(t, r.Register(Validator{Name: "x", Class: ClassPlaceholder}))
	assert.Error(t, r.Register(Validator{Name: "x", Class: "magic", Check: objectivesDefined}))
	require.NoError(t, r.Register(Validator{Name: "x", Class: ClassLocal, Check: objectivesDefined}))
	assert.Equal(t, []string{"x"}, r.Names())
}
