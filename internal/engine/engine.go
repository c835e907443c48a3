package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sdline/internal/config"
	"sdline/internal/decision"
	"sdline/internal/domain"
	"sdline/internal/metrics"
	"sdline/internal/repo"
	"sdline/internal/validator"
)

// EvidenceSource counts independent evidence of implementation work.
type EvidenceSource interface {
	CountCommits(ctx context.Context, directiveID, pattern string) (int, error)
}

type Engine struct {
	Repo       repo.Repository
	Validators *validator.Registry
	Evidence   EvidenceSource
	Config     *config.Config
	Sink       decision.Sink
	Log        *zap.Logger
	Metrics    *metrics.Metrics
	Workspace  string
	Now        func() time.Time
}

func New(r repo.Repository, cfg *config.Config) Engine {
	return Engine{
		Repo:       r,
		Validators: validator.Default(),
		Config:     cfg,
		Log:        zap.NewNop(),
		Now:        time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now().UTC()
	}
	return time.Now().UTC()
}

func (e Engine) logger() *zap.Logger {
	if e.Log != nil {
		return e.Log
	}
	return zap.NewNop()
}

// RunContext is the per-run state threaded through every phase.
type RunContext struct {
	SessionID  string
	StartedAt  time.Time
	Log        *decision.Logger
	Violations []string
}

// Outcome is how a run ended.
type Outcome string

const (
	OutcomeCompleted        Outcome = "completed"
	OutcomePhaseCompleted   Outcome = "phase_completed"
	OutcomePendingEvidence  Outcome = "pending_evidence"
	OutcomeAwaitingApproval Outcome = "awaiting_approval"
	OutcomeAlreadySatisfied Outcome = "already_satisfied"
	OutcomeBlocked          Outcome = "blocked"
	OutcomeFailed           Outcome = "failed"
	OutcomeCancelled        Outcome = "cancelled"
)

// RunOptions tune a run. Phase restricts the run to a single phase; Force
// re-runs that phase even when it is already complete.
type RunOptions struct {
	Phase     domain.Phase
	Force     bool
	SessionID string
}

// Result summarizes a run. Blocked, failed and cancelled runs also return
// an error.
type Result struct {
	SessionID   string           `json:"session_id"`
	DirectiveID string           `json:"sd_id"`
	Outcome     Outcome          `json:"outcome"`
	Completed   []domain.Phase   `json:"completed_phases"`
	Directive   domain.Directive `json:"directive"`
	Violations  []string         `json:"violations,omitempty"`
	Decisions   []decision.Entry `json:"decisions"`
}

type step int

const (
	stepPassed step = iota
	stepPendingEvidence
	stepAwaitingApproval
)

// Run drives a directive forward from its current phase until it completes,
// blocks, or stops on an out-of-band dependency.
func (e Engine) Run(ctx context.Context, directiveID string, opts RunOptions) (Result, error) {
	if e.Config == nil {
		return Result{}, errors.New("config not loaded")
	}
	rc := &RunContext{
		SessionID: opts.SessionID,
		StartedAt: e.now(),
	}
	logOpts := []decision.Option{decision.WithDirective(directiveID), decision.WithZap(e.logger()), decision.WithClock(e.now)}
	if e.Sink != nil {
		logOpts = append(logOpts, decision.WithSink(e.Sink))
	}
	rc.Log = decision.NewLogger(rc.SessionID, logOpts...)
	rc.SessionID = rc.Log.SessionID()

	res, err := e.run(ctx, rc, directiveID, opts)
	res.SessionID = rc.SessionID
	res.DirectiveID = directiveID
	res.Violations = rc.Violations
	res.Decisions = rc.Log.Entries()
	e.Metrics.RunFinished(string(res.Outcome), e.now().Sub(rc.StartedAt).Seconds())
	return res, err
}

func (e Engine) run(ctx context.Context, rc *RunContext, directiveID string, opts RunOptions) (Result, error) {
	d, ok, err := e.Repo.GetDirective(ctx, directiveID)
	if err != nil {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("load directive %s: %w", directiveID, err)
	}
	if !ok {
		return Result{Outcome: OutcomeFailed}, fmt.Errorf("%w: %s", ErrDirectiveNotFound, directiveID)
	}
	res := Result{Directive: d}

	active, remaining := d.ActivePhase()
	if opts.Phase != "" {
		return e.runSingle(ctx, rc, d, active, remaining, opts)
	}
	if !remaining {
		rc.Log.Log(decision.Entry{Category: decision.CategoryRun, Action: decision.ActionAlreadySatisfied,
			Reason: "lifecycle already complete", Context: map[string]any{"current_phase": string(d.CurrentPhase)}})
		res.Outcome = OutcomeAlreadySatisfied
		return res, nil
	}

	for phase := active; ; {
		if err := ctx.Err(); err != nil {
			return e.cancelled(rc, res, phase, err)
		}
		var st step
		st, d, err = e.runPhase(ctx, rc, d, phase, false, opts.Force)
		res.Directive = d
		if err != nil {
			return e.stop(ctx, rc, res, d, phase, err)
		}
		switch st {
		case stepPendingEvidence:
			res.Outcome = OutcomePendingEvidence
			return res, nil
		case stepAwaitingApproval:
			res.Outcome = OutcomeAwaitingApproval
			return res, nil
		}
		res.Completed = append(res.Completed, phase)
		next, more := phase.Next()
		if !more {
			rc.Log.Log(decision.Entry{Category: decision.CategoryRun, Action: decision.ActionPass,
				Reason: "lifecycle complete", Context: map[string]any{"phases": len(res.Completed)}})
			res.Outcome = OutcomeCompleted
			return res, nil
		}
		phase = next
	}
}

func (e Engine) runSingle(ctx context.Context, rc *RunContext, d domain.Directive, active domain.Phase, remaining bool, opts RunOptions) (Result, error) {
	res := Result{Directive: d}
	phase := opts.Phase
	done := !remaining || phase.Index() < active.Index()
	if !done && phase != active {
		return Result{Outcome: OutcomeFailed, Directive: d}, fmt.Errorf("cannot run %s: directive %s is in %s and phases cannot be skipped", phase, d.ID, active)
	}
	if done && !opts.Force {
		rc.Log.Log(decision.Entry{Category: decision.CategoryPhase, Action: decision.ActionAlreadySatisfied,
			Reason: fmt.Sprintf("%s already completed; use force to re-run", phase), Context: map[string]any{"phase": string(phase)}})
		res.Outcome = OutcomeAlreadySatisfied
		return res, nil
	}
	if err := ctx.Err(); err != nil {
		return e.cancelled(rc, res, phase, err)
	}
	st, d, err := e.runPhase(ctx, rc, d, phase, done, opts.Force)
	res.Directive = d
	if err != nil {
		return e.stop(ctx, rc, res, d, phase, err)
	}
	switch st {
	case stepPendingEvidence:
		res.Outcome = OutcomePendingEvidence
	case stepAwaitingApproval:
		res.Outcome = OutcomeAwaitingApproval
	default:
		res.Completed = []domain.Phase{phase}
		res.Outcome = OutcomePhaseCompleted
		if phase == domain.PhaseApproval && !done {
			res.Outcome = OutcomeCompleted
		}
	}
	return res, nil
}

// runPhase validates and executes one phase. rerun marks a forced re-run of
// an already completed phase, which records completion again without moving
// the directive.
func (e Engine) runPhase(ctx context.Context, rc *RunContext, d domain.Directive, phase domain.Phase, rerun, force bool) (step, domain.Directive, error) {
	reqs := e.Config.Requirements(phase)
	vc := validator.Context{
		Phase:       phase,
		DirectiveID: d.ID,
		Directive:   d,
		Repo:        e.Repo,
		Log:         rc.Log,
		Workspace:   e.Workspace,
	}
	results, err := e.Validators.ValidateAll(ctx, reqs, vc)
	if err != nil {
		return stepPassed, d, err
	}
	for _, r := range results {
		e.Metrics.RequirementCheck(r.Requirement, r.Satisfied)
	}
	if failed := validator.Failed(results); len(failed) > 0 {
		return stepPassed, d, e.block(rc, d, phase, failed)
	}

	st, err := e.execute(ctx, rc, d, phase, force)
	if err != nil {
		return stepPassed, d, err
	}
	switch st {
	case stepPendingEvidence:
		d.Status = domain.StatusPending
		d.SubState = domain.SubStateImplementationRequired
	case stepAwaitingApproval:
		d.Status = domain.StatusReady
		d.SubState = domain.SubStateAwaitingApproval
	default:
		return e.complete(ctx, rc, d, phase, rerun)
	}
	d.UpdatedAt = e.now()
	d, err = e.Repo.UpsertDirective(context.WithoutCancel(ctx), d)
	if err != nil {
		return st, d, fmt.Errorf("persist %s state: %w", phase, err)
	}
	e.Metrics.PhaseTransition(string(phase), string(d.SubState))
	return st, d, nil
}

func (e Engine) block(rc *RunContext, d domain.Directive, phase domain.Phase, failed []string) error {
	berr := blocking(d, phase, failed)
	for _, name := range failed {
		rc.Violations = append(rc.Violations, fmt.Sprintf("%s:%s", phase, name))
	}
	rc.Log.Log(decision.Entry{
		Category: decision.CategoryPhase,
		Action:   decision.ActionBlock,
		Reason:   berr.Error(),
		Context:  map[string]any{"phase": string(phase), "failed": failed, "remediation": berr.Remediation},
	})
	e.Metrics.PhaseTransition(string(phase), "blocked")
	return berr
}

// complete persists the phase transition, records the timeline entry and
// opens the handoff to the next phase. The directive write goes first so a
// stale read is detected before anything else is recorded. The writes ignore
// caller cancellation; a run is only cancelled between phases.
func (e Engine) complete(ctx context.Context, rc *RunContext, d domain.Directive, phase domain.Phase, rerun bool) (step, domain.Directive, error) {
	ctx = context.WithoutCancel(ctx)
	now := e.now()
	if !rerun {
		if next, ok := phase.Next(); ok {
			d.CurrentPhase = next
			d.Status = domain.StatusInProgress
		} else {
			d.CurrentPhase = phase.Complete()
			d.Status = domain.StatusCompleted
			d.CompletedAt = &now
		}
		d.SubState = ""
		d.FailureReason = ""
		d.FailurePhase = ""
	}
	d.UpdatedAt = now
	d, err := e.Repo.UpsertDirective(ctx, d)
	if err != nil {
		return stepPassed, d, fmt.Errorf("advance past %s: %w", phase, err)
	}
	if err := e.Repo.RecordPhaseCompletion(ctx, d.ID, phase, rc.SessionID, now); err != nil {
		return stepPassed, d, fmt.Errorf("record %s completion: %w", phase, err)
	}
	if err := e.openHandoff(ctx, rc, d, phase, now); err != nil {
		return stepPassed, d, err
	}
	rc.Log.Log(decision.Entry{
		Category: decision.CategoryPhase,
		Action:   decision.ActionPass,
		Reason:   fmt.Sprintf("%s complete", phase),
		Context:  map[string]any{"phase": string(phase), "current_phase": string(d.CurrentPhase), "rerun": rerun},
	})
	e.Metrics.PhaseTransition(string(phase), "completed")
	e.logger().Info("phase complete", zap.String("sd_id", d.ID), zap.String("phase", string(phase)), zap.String("session", rc.SessionID))
	return stepPassed, d, nil
}

// stop classifies an error raised inside a phase.
func (e Engine) stop(ctx context.Context, rc *RunContext, res Result, d domain.Directive, phase domain.Phase, err error) (Result, error) {
	if IsBlocking(err) {
		res.Outcome = OutcomeBlocked
		return res, err
	}
	if cerr := ctx.Err(); cerr != nil && errors.Is(err, cerr) {
		return e.cancelled(rc, res, phase, cerr)
	}
	res.Outcome = OutcomeFailed
	rc.Log.Log(decision.Entry{
		Category: decision.CategoryRunFailed,
		Action:   decision.ActionBlock,
		Reason:   err.Error(),
		Context:  map[string]any{"phase": string(phase)},
	})
	e.Metrics.PhaseTransition(string(phase), "failed")
	if repo.IsStaleWrite(err) {
		e.logger().Error("stale directive write; another writer is active", zap.String("sd_id", d.ID), zap.Error(err))
		return res, &RunFailedError{DirectiveID: d.ID, Phase: phase, Err: err}
	}
	if failed, ferr := e.markFailed(context.WithoutCancel(ctx), d.ID, phase, err); ferr != nil {
		e.logger().Error("could not record run failure", zap.String("sd_id", d.ID), zap.Error(ferr), zap.NamedError("cause", err))
	} else {
		res.Directive = failed
	}
	return res, &RunFailedError{DirectiveID: d.ID, Phase: phase, Err: err}
}

func (e Engine) markFailed(ctx context.Context, id string, phase domain.Phase, cause error) (domain.Directive, error) {
	d, ok, err := e.Repo.GetDirective(ctx, id)
	if err != nil {
		return domain.Directive{}, err
	}
	if !ok {
		return domain.Directive{}, fmt.Errorf("%w: %s", ErrDirectiveNotFound, id)
	}
	// the phase is redone on the next run
	d.CurrentPhase = phase
	d.Status = domain.StatusFailed
	d.SubState = ""
	d.CompletedAt = nil
	d.FailureReason = cause.Error()
	d.FailurePhase = phase
	d.UpdatedAt = e.now()
	return e.Repo.UpsertDirective(ctx, d)
}

func (e Engine) cancelled(rc *RunContext, res Result, phase domain.Phase, cause error) (Result, error) {
	rc.Log.Log(decision.Entry{
		Category: decision.CategoryRunCancelled,
		Action:   decision.ActionBlock,
		Reason:   fmt.Sprintf("run cancelled before %s completed", phase),
		Context:  map[string]any{"phase": string(phase), "cause": cause.Error()},
	})
	res.Outcome = OutcomeCancelled
	return res, fmt.Errorf("run cancelled at %s: %w", phase, cause)
}
