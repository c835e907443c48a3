// Package repotest opens throwaway sqlite repositories for tests.
package repotest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"sdline/internal/db"
	"sdline/internal/domain"
	"sdline/internal/migrate"
	"sdline/internal/repo"
)

// New returns a migrated repository rooted in workspace, or in a fresh
// temp dir when workspace is empty.
func New(t testing.TB, workspace string) repo.Repo {
	t.Helper()
	if workspace == "" {
		workspace = t.TempDir()
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

// Directive inserts d, filling the fields a test rarely cares about.
func Directive(t testing.TB, r repo.Repo, d domain.Directive) domain.Directive {
	t.Helper()
	if d.Title == "" {
		d.Title = d.ID
	}
	if d.Type == "" {
		d.Type = "feature"
	}
	if d.CurrentPhase == "" {
		d.CurrentPhase = domain.PhaseLead
	}
	if d.Status == "" {
		d.Status = domain.StatusDraft
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	d.Version = 0
	out, err := r.UpsertDirective(context.Background(), d)
	require.NoError(t, err)
	return out
}

// Handoff inserts an accepted handoff with every narrative section filled.
func Handoff(t testing.TB, r repo.Repo, id, directiveID, handoffType string, created time.Time) domain.Handoff {
	t.Helper()
	score := 90
	accepted := created.Add(time.Minute)
	h := domain.Handoff{
		ID:          id,
		DirectiveID: directiveID,
		Type:        handoffType,
		Status:      domain.HandoffAccepted,
		Narrative: domain.Narrative{
			ExecutiveSummary:     domain.Text("summary"),
			DeliverablesManifest: domain.Text("manifest"),
			KeyDecisions:         domain.Text("decisions"),
			KnownIssues:          domain.Text("none"),
			ResourceUtilization:  domain.Text("2 sessions"),
			ActionItems:          domain.Text("follow up"),
			CompletenessReport:   domain.Text("complete"),
		},
		ValidationScore:  &score,
		ValidationPassed: true,
		CreatedAt:        created,
		AcceptedAt:       &accepted,
	}
	require.NoError(t, r.CreateHandoff(context.Background(), h))
	return h
}
