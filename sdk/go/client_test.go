package sdlinesdk_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdline/internal/app"
	"sdline/internal/domain"
	"sdline/internal/engine"
	"sdline/internal/server"
	sdlinesdk "sdline/sdk/go"
)

const secret = "sdk-secret"

func newClient(t *testing.T, scopes ...string) (*sdlinesdk.Client, *app.Workspace) {
	t.Helper()
	ws, err := app.Open(context.Background(), app.Options{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	handler, err := server.New(server.Config{Workspace: ws, Auth: server.AuthConfig{JWTSecret: secret}})
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	tok, err := server.SignToken(secret, "sdk-test", nil, scopes, time.Hour)
	require.NoError(t, err)
	return sdlinesdk.New(srv.URL, tok), ws
}

func TestClientRunBlocked(t *testing.T) {
	c, ws := newClient(t, server.ScopeAll)
	ctx := context.Background()
	_, err := ws.Engine.CreateDirective(ctx, engine.DirectiveCreateOptions{
		ID:       "SD-SDK-001",
		Title:    "Ship the client",
		Type:     "feature",
		Priority: "high",
		Metadata: domain.Metadata{Objectives: []string{"typed access to the API"}},
	})
	require.NoError(t, err)

	require.NoError(t, c.Health(ctx))

	_, err = c.Run(ctx, "SD-SDK-001", sdlinesdk.RunOptions{SessionID: "sdk-session"})
	var apiErr *sdlinesdk.APIError
	require.True(t, errors.As(err, &apiErr), "got %v", err)
	assert.True(t, apiErr.Blocked())
	assert.Equal(t, "PLAN", apiErr.Details["phase"])

	d, err := c.Directive(ctx, "SD-SDK-001")
	require.NoError(t, err)
	assert.Equal(t, "PLAN", d.ActivePhase)
	require.Len(t, d.Handoffs, 1)
	assert.Equal(t, "pending", d.Handoffs[0].Status)

	decisions, err := c.Decisions(ctx, "SD-SDK-001", "sdk-session")
	require.NoError(t, err)
	require.NotEmpty(t, decisions)
	for _, e := range decisions {
		assert.Equal(t, "sdk-session", e.SessionID)
	}

	rep, err := c.Compliance(ctx, "SD-SDK-001")
	require.NoError(t, err)
	assert.Equal(t, "SD-SDK-001", rep.DirectiveID)
	assert.Len(t, rep.Dimensions, 5)
}

func TestClientSinglePhase(t *testing.T) {
	c, ws := newClient(t, server.ScopeRead, server.ScopeRun)
	ctx := context.Background()
	_, err := ws.Engine.CreateDirective(ctx, engine.DirectiveCreateOptions{
		ID:       "SD-SDK-002",
		Title:    "Single phase",
		Type:     "feature",
		Priority: "high",
		Metadata: domain.Metadata{Objectives: []string{"run LEAD only"}},
	})
	require.NoError(t, err)

	res, err := c.Run(ctx, "SD-SDK-002", sdlinesdk.RunOptions{Phase: "LEAD"})
	require.NoError(t, err)
	assert.Equal(t, "phase_completed", res.Outcome)
	assert.Equal(t, []string{"LEAD"}, res.Completed)
}

func TestClientErrors(t *testing.T) {
	c, _ := newClient(t, server.ScopeRead)
	ctx := context.Background()

	_, err := c.Directive(ctx, "SD-MISSING")
	var apiErr *sdlinesdk.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.Equal(t, "not_found", apiErr.Code)
	assert.False(t, apiErr.Blocked())

	err = c.RecordOutcome(ctx, sdlinesdk.Outcome{ProposalID: "P-1", ProposalType: "protocol_section", Decision: "approve"})
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusForbidden, apiErr.StatusCode)

	c.BearerToken = ""
	_, err = c.PipelineHealth(ctx)
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
}

func TestClientPipeline(t *testing.T) {
	c, _ := newClient(t, server.ScopeRead, server.ScopePipelineWrite)
	ctx := context.Background()

	require.NoError(t, c.RecordOutcome(ctx, sdlinesdk.Outcome{
		ProposalID:   "P-7",
		ProposalType: "protocol_section",
		Decision:     "approve",
		Score:        88,
	}))
	h, err := c.PipelineHealth(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.Total)
	assert.Equal(t, 1, h.Approved)
	assert.Equal(t, "HEALTHY", h.Status)
}
