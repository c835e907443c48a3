package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sdline/internal/decision"
	"sdline/internal/domain"
	"sdline/internal/evidence"
)

// execute runs the domain action of a phase after its requirements passed.
func (e Engine) execute(ctx context.Context, rc *RunContext, d domain.Directive, phase domain.Phase, force bool) (step, error) {
	switch phase {
	case domain.PhaseLead, domain.PhaseVerification:
		return stepPassed, nil
	case domain.PhasePlan:
		return stepPassed, e.requirePRD(ctx, rc, d, phase)
	case domain.PhaseExec:
		if err := e.requirePRD(ctx, rc, d, phase); err != nil {
			return stepPassed, err
		}
		return e.checkEvidence(ctx, rc, d)
	case domain.PhaseApproval:
		return e.approval(ctx, rc, d, force)
	}
	return stepPassed, fmt.Errorf("no action for phase %q", phase)
}

func (e Engine) requirePRD(ctx context.Context, rc *RunContext, d domain.Directive, phase domain.Phase) error {
	prd, ok, err := e.Repo.GetPRD(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("load PRD: %w", err)
	}
	if !ok {
		return e.block(rc, d, phase, []string{"prd_exists"})
	}
	rc.Log.Log(decision.Entry{
		Category: decision.CategoryPhase,
		Action:   decision.ActionPass,
		Reason:   fmt.Sprintf("PRD %s present (%s)", prd.ID, prd.Status),
		Context:  map[string]any{"phase": string(phase), "prd_id": prd.ID},
	})
	return nil
}

// checkEvidence gates EXEC completion on commits that reference the
// directive. Missing evidence parks the directive instead of failing it.
func (e Engine) checkEvidence(ctx context.Context, rc *RunContext, d domain.Directive) (step, error) {
	pending := func(reason string, extra map[string]any) (step, error) {
		c := map[string]any{"phase": string(domain.PhaseExec), "sub_state": domain.SubStateImplementationRequired}
		for k, v := range extra {
			c[k] = v
		}
		rc.Log.Log(decision.Entry{Category: decision.CategoryEvidence, Action: decision.ActionWarn, Reason: reason, Context: c})
		return stepPendingEvidence, nil
	}
	if e.Evidence == nil {
		return pending("no evidence source configured; implementation cannot be verified", nil)
	}
	n, err := e.Evidence.CountCommits(ctx, d.ID, d.Metadata.EvidencePattern)
	if err != nil {
		if errors.Is(err, evidence.ErrNoRepository) {
			return pending(err.Error(), nil)
		}
		return stepPassed, fmt.Errorf("count implementation commits: %w", err)
	}
	if n == 0 {
		return pending("no commits reference "+d.ID+"; implementation required", map[string]any{"commits": 0})
	}
	rc.Log.Log(decision.Entry{
		Category: decision.CategoryEvidence,
		Action:   decision.ActionPass,
		Reason:   fmt.Sprintf("%d commit(s) reference %s", n, d.ID),
		Context:  map[string]any{"phase": string(domain.PhaseExec), "commits": n},
	})
	return stepPassed, nil
}

// approval requests human sign-off but never grants it.
func (e Engine) approval(ctx context.Context, rc *RunContext, d domain.Directive, force bool) (step, error) {
	status, id, err := e.Repo.GetApprovalStatus(ctx, d.ID)
	if err != nil {
		return stepPassed, fmt.Errorf("load approval status: %w", err)
	}
	logCtx := map[string]any{"phase": string(domain.PhaseApproval), "approval_id": id, "approval_status": string(status)}
	switch status {
	case domain.ApprovalApproved:
		rc.Log.Log(decision.Entry{Category: decision.CategoryApproval, Action: decision.ActionAlreadySatisfied,
			Reason: "approval " + id + " granted", Context: logCtx})
		return stepPassed, nil
	case domain.ApprovalPending:
		rc.Log.Log(decision.Entry{Category: decision.CategoryApproval, Action: decision.ActionWarn,
			Reason: "approval " + id + " still pending; waiting for out-of-band sign-off", Context: logCtx})
		return stepAwaitingApproval, nil
	case domain.ApprovalRejected:
		if !force {
			return stepPassed, e.block(rc, d, domain.PhaseApproval, []string{"approval"})
		}
	}

	now := e.now()
	req := domain.ApprovalRequest{
		ID:          uuid.NewString(),
		DirectiveID: d.ID,
		Status:      domain.ApprovalPending,
		RequestedBy: e.Config.Approval.RequestedBy,
		Reason:      fmt.Sprintf("directive %s ready for approval", d.ID),
		Deadline:    now.Add(e.Config.ApprovalDeadline()),
		CreatedAt:   now,
	}
	if req.RequestedBy == "" {
		req.RequestedBy = "sdline"
	}
	if err := e.Repo.CreateApprovalRequest(ctx, req); err != nil {
		return stepPassed, fmt.Errorf("create approval request: %w", err)
	}
	logCtx["approval_id"] = req.ID
	logCtx["deadline"] = req.Deadline
	rc.Log.Log(decision.Entry{Category: decision.CategoryApproval, Action: decision.ActionWarn,
		Reason: "approval requested; waiting for out-of-band sign-off", Context: logCtx})
	e.logger().Info("approval requested", zap.String("sd_id", d.ID), zap.String("approval_id", req.ID), zap.Time("deadline", req.Deadline))
	return stepAwaitingApproval, nil
}

// openHandoff creates the pending handoff produced by a completed phase
// unless one of that type is already open or accepted.
func (e Engine) openHandoff(ctx context.Context, rc *RunContext, d domain.Directive, phase domain.Phase, now time.Time) error {
	handoffType, ok := domain.HandoffAfter(phase)
	if !ok {
		return nil
	}
	existing, err := e.Repo.ListHandoffs(ctx, d.ID)
	if err != nil {
		return fmt.Errorf("list handoffs: %w", err)
	}
	for _, h := range existing {
		if h.Type == handoffType && h.Status != domain.HandoffRejected {
			return nil
		}
	}
	h := domain.Handoff{
		ID:          uuid.NewString(),
		DirectiveID: d.ID,
		Type:        handoffType,
		Status:      domain.HandoffPending,
		Narrative: domain.Narrative{
			ExecutiveSummary: domain.Text(fmt.Sprintf("%s phase of %s completed in session %s", phase, d.ID, rc.SessionID)),
		},
		CreatedBy: "sdline",
		CreatedAt: now,
	}
	if err := e.Repo.CreateHandoff(ctx, h); err != nil {
		return fmt.Errorf("create %s handoff: %w", handoffType, err)
	}
	rc.Log.Log(decision.Entry{
		Category: decision.CategoryPhase,
		Action:   decision.ActionPass,
		Reason:   fmt.Sprintf("%s handoff %s opened", handoffType, h.ID),
		Context:  map[string]any{"phase": string(phase), "handoff_id": h.ID, "handoff_type": handoffType},
	})
	return nil
}
