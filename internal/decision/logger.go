package decision

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Action is the judgment recorded by an entry.
type Action string

const (
	ActionPass             Action = "pass"
	ActionBlock            Action = "block"
	ActionWarn             Action = "warn"
	ActionAlreadySatisfied Action = "already_satisfied"
	ActionAutoPass         Action = "auto_pass"
)

// Well-known categories.
const (
	CategoryRequirement        = "REQUIREMENT"
	CategoryUnknownRequirement = "UNKNOWN_REQUIREMENT"
	CategoryUnknownUnitType    = "UNKNOWN_UNIT_TYPE"
	CategoryPhase              = "PHASE"
	CategoryEvidence           = "EVIDENCE"
	CategoryApproval           = "APPROVAL"
	CategoryRun                = "RUN"
	CategoryRunCancelled       = "RUN_CANCELLED"
	CategoryRunFailed          = "RUN_FAILED"
	CategoryPipelineOutcome    = "PIPELINE_OUTCOME"
)

// Entry is one automated judgment. Entries are never mutated once logged.
type Entry struct {
	ID          string         `json:"id"`
	SessionID   string         `json:"session_id"`
	DirectiveID string         `json:"sd_id,omitempty"`
	Timestamp   time.Time      `json:"timestamp" format:"date-time"`
	Category    string         `json:"category"`
	Action      Action         `json:"action"`
	Reason      string         `json:"reason"`
	Context     map[string]any `json:"context,omitempty"`
}

// Sink persists entries outside the process.
type Sink interface {
	Append(ctx context.Context, e Entry) error
}

// Logger is the append-only log of one session.
type Logger struct {
	mu          sync.Mutex
	sessionID   string
	directiveID string
	entries     []Entry
	sink        Sink
	log         *zap.Logger
	now         func() time.Time
	sinkTimeout time.Duration
	sinkRetries uint64
}

type Option func(*Logger)

// WithSink persists every entry through s.
func WithSink(s Sink) Option { return func(l *Logger) { l.sink = s } }

// WithZap mirrors entries to a structured logger.
func WithZap(z *zap.Logger) Option { return func(l *Logger) { l.log = z } }

// WithClock overrides the entry timestamp source.
func WithClock(now func() time.Time) Option { return func(l *Logger) { l.now = now } }

// WithDirective tags every entry with a directive id.
func WithDirective(id string) Option { return func(l *Logger) { l.directiveID = id } }

// NewLogger creates a session log. An empty sessionID gets a fresh uuid.
func NewLogger(sessionID string, opts ...Option) *Logger {
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	l := &Logger{
		sessionID:   sessionID,
		log:         zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
		sinkTimeout: 2 * time.Second,
		sinkRetries: 2,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *Logger) SessionID() string { return l.sessionID }

// Log appends e. Sink failures are retried and then only reported through
// the structured logger; they never reach the caller.
func (l *Logger) Log(e Entry) {
	l.mu.Lock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.SessionID = l.sessionID
	if e.DirectiveID == "" {
		e.DirectiveID = l.directiveID
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	e.Context = maps.Clone(e.Context)
	l.entries = append(l.entries, e)
	l.mu.Unlock()

	fields := []zap.Field{
		zap.String("session", e.SessionID),
		zap.String("category", e.Category),
		zap.String("action", string(e.Action)),
		zap.String("reason", e.Reason),
	}
	if e.DirectiveID != "" {
		fields = append(fields, zap.String("sd_id", e.DirectiveID))
	}
	switch e.Action {
	case ActionBlock, ActionWarn:
		l.log.Warn("decision", fields...)
	default:
		l.log.Debug("decision", fields...)
	}
	if l.sink != nil {
		l.persist(e)
	}
}

func (l *Logger) persist(e Entry) {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(25*time.Millisecond), l.sinkRetries)
	err := backoff.Retry(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), l.sinkTimeout)
		defer cancel()
		return l.sink.Append(ctx, e)
	}, policy)
	if err != nil {
		l.log.Warn("decision sink write failed", zap.String("entry", e.ID), zap.Error(err))
	}
}

// Entries returns a copy of the log in append order.
func (l *Logger) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	for i, e := range l.entries {
		e.Context = maps.Clone(e.Context)
		out[i] = e
	}
	return out
}

// Len returns the number of logged entries.
func (l *Logger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
