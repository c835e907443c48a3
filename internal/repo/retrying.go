package repo

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"sdline/internal/domain"
)

// Retrying wraps a Repository with a per-attempt timeout and bounded
// exponential backoff on transient failures. Stale writes, not-found results
// and malformed rows are returned immediately. Writes are not retried after
// an attempt timeout, since the write may have committed.
type Retrying struct {
	Next            Repository
	Timeout         time.Duration
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Log             *zap.Logger
}

var _ Repository = Retrying{}

// NewRetrying wraps next with default timing.
func NewRetrying(next Repository, log *zap.Logger) Retrying {
	return Retrying{
		Next:            next,
		Timeout:         5 * time.Second,
		MaxRetries:      4,
		InitialInterval: 50 * time.Millisecond,
		MaxInterval:     time.Second,
		Log:             log,
	}
}

func (r Retrying) read(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return r.do(ctx, op, true, fn)
}

func (r Retrying) write(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	return r.do(ctx, op, false, fn)
}

func (r Retrying) do(ctx context.Context, op string, retryTimeouts bool, fn func(ctx context.Context) error) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.InitialInterval
	b.MaxInterval = r.MaxInterval
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, r.MaxRetries), ctx)

	attempt := 0
	return backoff.RetryNotify(func() error {
		attempt++
		actx := ctx
		if r.Timeout > 0 {
			var cancel context.CancelFunc
			actx, cancel = context.WithTimeout(ctx, r.Timeout)
			defer cancel()
		}
		err := fn(actx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil || IsStaleWrite(err) || !IsTransient(err) {
			return backoff.Permanent(err)
		}
		if !retryTimeouts && errors.Is(err, context.DeadlineExceeded) {
			return backoff.Permanent(err)
		}
		return &TransientError{Op: op, Err: err}
	}, policy, func(err error, wait time.Duration) {
		if r.Log != nil {
			r.Log.Warn("repository call failed; retrying", zap.String("op", op), zap.Int("attempt", attempt), zap.Duration("wait", wait), zap.Error(err))
		}
	})
}

func (r Retrying) GetDirective(ctx context.Context, id string) (d domain.Directive, ok bool, err error) {
	err = r.read(ctx, "get_directive", func(ctx context.Context) error {
		d, ok, err = r.Next.GetDirective(ctx, id)
		return err
	})
	return d, ok, err
}

func (r Retrying) ListChildren(ctx context.Context, parentID string) (res []domain.Directive, err error) {
	err = r.read(ctx, "list_children", func(ctx context.Context) error {
		res, err = r.Next.ListChildren(ctx, parentID)
		return err
	})
	return res, err
}

func (r Retrying) CountChildren(ctx context.Context, parentID string) (n int, err error) {
	err = r.read(ctx, "count_children", func(ctx context.Context) error {
		n, err = r.Next.CountChildren(ctx, parentID)
		return err
	})
	return n, err
}

func (r Retrying) UpsertDirective(ctx context.Context, d domain.Directive) (out domain.Directive, err error) {
	err = r.write(ctx, "upsert_directive", func(ctx context.Context) error {
		out, err = r.Next.UpsertDirective(ctx, d)
		return err
	})
	return out, err
}

func (r Retrying) ListHandoffs(ctx context.Context, directiveID string) (res []domain.Handoff, err error) {
	err = r.read(ctx, "list_handoffs", func(ctx context.Context) error {
		res, err = r.Next.ListHandoffs(ctx, directiveID)
		return err
	})
	return res, err
}

func (r Retrying) CreateHandoff(ctx context.Context, h domain.Handoff) error {
	return r.write(ctx, "create_handoff", func(ctx context.Context) error {
		return r.Next.CreateHandoff(ctx, h)
	})
}

func (r Retrying) GetValidationProfile(ctx context.Context, sdType string) (p domain.ValidationProfile, ok bool, err error) {
	err = r.read(ctx, "get_validation_profile", func(ctx context.Context) error {
		p, ok, err = r.Next.GetValidationProfile(ctx, sdType)
		return err
	})
	return p, ok, err
}

func (r Retrying) GetPRD(ctx context.Context, directiveID string) (p domain.PRDSummary, ok bool, err error) {
	err = r.read(ctx, "get_prd", func(ctx context.Context) error {
		p, ok, err = r.Next.GetPRD(ctx, directiveID)
		return err
	})
	return p, ok, err
}

func (r Retrying) GetRetrospective(ctx context.Context, directiveID string) (rt domain.Retrospective, ok bool, err error) {
	err = r.read(ctx, "get_retrospective", func(ctx context.Context) error {
		rt, ok, err = r.Next.GetRetrospective(ctx, directiveID)
		return err
	})
	return rt, ok, err
}

func (r Retrying) ListTimeline(ctx context.Context, directiveID string) (res []domain.PhaseTimelineEntry, err error) {
	err = r.read(ctx, "list_timeline", func(ctx context.Context) error {
		res, err = r.Next.ListTimeline(ctx, directiveID)
		return err
	})
	return res, err
}

func (r Retrying) RecordPhaseCompletion(ctx context.Context, directiveID string, phase domain.Phase, sessionID string, at time.Time) error {
	return r.write(ctx, "record_phase_completion", func(ctx context.Context) error {
		return r.Next.RecordPhaseCompletion(ctx, directiveID, phase, sessionID, at)
	})
}

func (r Retrying) CreateApprovalRequest(ctx context.Context, req domain.ApprovalRequest) error {
	return r.write(ctx, "create_approval_request", func(ctx context.Context) error {
		return r.Next.CreateApprovalRequest(ctx, req)
	})
}

func (r Retrying) GetApprovalStatus(ctx context.Context, directiveID string) (status domain.ApprovalStatus, id string, err error) {
	err = r.read(ctx, "get_approval_status", func(ctx context.Context) error {
		status, id, err = r.Next.GetApprovalStatus(ctx, directiveID)
		return err
	})
	return status, id, err
}
