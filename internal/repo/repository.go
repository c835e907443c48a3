package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"sdline/internal/domain"
)

// Repository is the record store consumed by the orchestrator, validators
// and aggregator. Lookups report absence through the bool result; an error
// always means the store itself failed.
type Repository interface {
	GetDirective(ctx context.Context, id string) (domain.Directive, bool, error)
	ListChildren(ctx context.Context, parentID string) ([]domain.Directive, error)
	CountChildren(ctx context.Context, parentID string) (int, error)
	UpsertDirective(ctx context.Context, d domain.Directive) (domain.Directive, error)
	ListHandoffs(ctx context.Context, directiveID string) ([]domain.Handoff, error)
	CreateHandoff(ctx context.Context, h domain.Handoff) error
	GetValidationProfile(ctx context.Context, sdType string) (domain.ValidationProfile, bool, error)
	GetPRD(ctx context.Context, directiveID string) (domain.PRDSummary, bool, error)
	GetRetrospective(ctx context.Context, directiveID string) (domain.Retrospective, bool, error)
	ListTimeline(ctx context.Context, directiveID string) ([]domain.PhaseTimelineEntry, error)
	RecordPhaseCompletion(ctx context.Context, directiveID string, phase domain.Phase, sessionID string, at time.Time) error
	CreateApprovalRequest(ctx context.Context, req domain.ApprovalRequest) error
	GetApprovalStatus(ctx context.Context, directiveID string) (domain.ApprovalStatus, string, error)
}

// ErrNotFound is returned by mutations addressing a row that does not exist.
var ErrNotFound = errors.New("not found")

// StaleWriteError reports an optimistic concurrency conflict on a directive.
type StaleWriteError struct {
	DirectiveID string
	Version     int64
}

func (e *StaleWriteError) Error() string {
	if e.Version == 0 {
		return fmt.Sprintf("directive %s already exists", e.DirectiveID)
	}
	return fmt.Sprintf("directive %s was modified concurrently (expected version %d)", e.DirectiveID, e.Version)
}

// IsStaleWrite reports whether err is a StaleWriteError.
func IsStaleWrite(err error) bool {
	var stale *StaleWriteError
	return errors.As(err, &stale)
}

// TransientError marks a failure worth retrying.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient classifies store errors: explicit TransientError values,
// attempt timeouts and sqlite busy/locked conditions.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		switch serr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return formatTime(*t)
}

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := parseTime(s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
