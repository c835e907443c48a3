package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sdline/internal/domain"
	"sdline/internal/logging"
)

// flakyRepo fails the first n GetDirective calls with err.
type flakyRepo struct {
	Repository
	failures int
	err      error
	calls    int
}

func (f *flakyRepo) GetDirective(ctx context.Context, id string) (domain.Directive, bool, error) {
	f.calls++
	if f.calls <= f.failures {
		return domain.Directive{}, false, f.err
	}
	return domain.Directive{ID: id}, true, nil
}

func (f *flakyRepo) UpsertDirective(ctx context.Context, d domain.Directive) (domain.Directive, error) {
	f.calls++
	return domain.Directive{}, &StaleWriteError{DirectiveID: d.ID, Version: d.Version}
}

func (f *flakyRepo) CountChildren(ctx context.Context, parentID string) (int, error) {
	f.calls++
	<-ctx.Done()
	return 0, ctx.Err()
}

// CreateHandoff hangs until the attempt times out when err is nil,
// otherwise fails the first n calls with err.
func (f *flakyRepo) CreateHandoff(ctx context.Context, h domain.Handoff) error {
	f.calls++
	if f.err == nil {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func fastRetrying(next Repository) Retrying {
	zl, _ := logging.NewTestLogger()
	return Retrying{Next: next, Timeout: 20 * time.Millisecond, MaxRetries: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond, Log: zl}
}

func TestRetryingRecoversFromTransientErrors(t *testing.T) {
	f := &flakyRepo{failures: 2, err: errors.New("database is locked")}
	d, ok, err := fastRetrying(f).GetDirective(context.Background(), "SD-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "SD-1", d.ID)
	assert.Equal(t, 3, f.calls)
}

func TestRetryingGivesUpAfterMaxRetries(t *testing.T) {
	f := &flakyRepo{failures: 100, err: &TransientError{Op: "net", Err: errors.New("reset")}}
	_, _, err := fastRetrying(f).GetDirective(context.Background(), "SD-1")
	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Equal(t, 4, f.calls)
}

func TestRetryingDoesNotRetryPermanentErrors(t *testing.T) {
	f := &flakyRepo{failures: 100, err: errors.New("malformed metadata")}
	_, _, err := fastRetrying(f).GetDirective(context.Background(), "SD-1")
	require.Error(t, err)
	assert.Equal(t, 1, f.calls)
	assert.False(t, IsTransient(err))
}

func TestRetryingDoesNotRetryStaleWrites(t *testing.T) {
	f := &flakyRepo{}
	_, err := fastRetrying(f).UpsertDirective(context.Background(), domain.Directive{ID: "SD-1", Version: 3})
	require.Error(t, err)
	assert.True(t, IsStaleWrite(err))
	assert.Equal(t, 1, f.calls)
}

func TestRetryingTimesOutEachAttempt(t *testing.T) {
	f := &flakyRepo{}
	_, err := fastRetrying(f).CountChildren(context.Background(), "SD-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 4, f.calls)
}

func TestRetryingStopsWhenCallerCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := &flakyRepo{failures: 100, err: errors.New("database is locked")}
	_, _, err := fastRetrying(f).GetDirective(ctx, "SD-1")
	require.Error(t, err)
	assert.Equal(t, 1, f.calls)
}

func TestRetryingDoesNotRetryTimedOutWrites(t *testing.T) {
	f := &flakyRepo{}
	err := fastRetrying(f).CreateHandoff(context.Background(), domain.Handoff{ID: "h-1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, f.calls)
}

func TestRetryingRetriesBusyWrites(t *testing.T) {
	f := &flakyRepo{failures: 2, err: errors.New("database is locked")}
	require.NoError(t, fastRetrying(f).CreateHandoff(context.Background(), domain.Handoff{ID: "h-1"}))
	assert.Equal(t, 3, f.calls)
}
