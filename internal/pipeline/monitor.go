// Package pipeline tracks approval outcomes of process-improvement
// proposals and reports on the health of the pipeline that produces them.
package pipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"sdline/internal/config"
	"sdline/internal/decision"
	"sdline/internal/domain"
	"sdline/internal/metrics"
)

// Category is a rejection reason.
type Category string

const (
	TierMismatch        Category = "tier_mismatch"
	LowScore            Category = "low_score"
	LowSafety           Category = "low_safety"
	OperationNotAllowed Category = "operation_not_allowed"
	DailyLimit          Category = "daily_limit"
	HumanOverride       Category = "human_override"
	ConflictDetected    Category = "conflict_detected"
	Duplicate           Category = "duplicate"
	MissingEvidence     Category = "missing_evidence"
)

func Categories() []Category {
	return []Category{TierMismatch, LowScore, LowSafety, OperationNotAllowed, DailyLimit, HumanOverride, ConflictDetected, Duplicate, MissingEvidence}
}

func ParseCategory(s string) (Category, error) {
	for _, c := range Categories() {
		if string(c) == s {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown rejection category %q", s)
}

// Health statuses.
const (
	StatusHealthy = "HEALTHY"
	StatusWarning = "WARNING"
)

// Store persists outcomes. repo.Repo implements it.
type Store interface {
	RecordProposalOutcome(ctx context.Context, o domain.ProposalOutcome) error
	ListProposalOutcomes(ctx context.Context, since time.Time) ([]domain.ProposalOutcome, error)
}

type proposalState struct {
	Type     string
	Target   string
	Content  string
	Decision domain.ProposalDecision
}

// Monitor keeps running counters over recorded outcomes. It is safe for
// concurrent use.
type Monitor struct {
	Config  config.PipelineConfig
	Store   Store
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time

	// submitMu serializes Submit so the conflict and capacity checks see
	// every earlier submission.
	submitMu sync.Mutex

	mu         sync.Mutex
	track      *decision.Logger
	approved   int
	rejected   int
	byCategory map[Category]int
	proposals  map[string]*proposalState
	tokens     map[string]int
}

func NewMonitor(cfg config.PipelineConfig, store Store) *Monitor {
	m := &Monitor{
		Config:     cfg,
		Store:      store,
		Log:        zap.NewNop(),
		Now:        time.Now,
		byCategory: map[Category]int{},
		proposals:  map[string]*proposalState{},
		tokens:     map[string]int{},
	}
	m.track = decision.NewLogger("pipeline-"+uuid.NewString(), decision.WithClock(m.now))
	return m
}

func (m *Monitor) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

func (m *Monitor) logger() *zap.Logger {
	if m.Log != nil {
		return m.Log
	}
	return zap.NewNop()
}

// Load replays every stored outcome into the counters.
func (m *Monitor) Load(ctx context.Context) error {
	if m.Store == nil {
		return nil
	}
	outcomes, err := m.Store.ListProposalOutcomes(ctx, time.Time{})
	if err != nil {
		return fmt.Errorf("load pipeline outcomes: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, o := range outcomes {
		m.apply(o)
	}
	m.logger().Debug("pipeline outcomes loaded", zap.Int("outcomes", len(outcomes)))
	return nil
}

// Record validates, persists and counts one outcome.
func (m *Monitor) Record(ctx context.Context, o domain.ProposalOutcome) (domain.ProposalOutcome, error) {
	if o.ProposalID == "" {
		return o, fmt.Errorf("proposal id required")
	}
	if o.ProposalType == "" {
		return o, fmt.Errorf("proposal type required")
	}
	switch o.Decision {
	case domain.ProposalPending, domain.ProposalApproved:
		if o.Category != "" {
			if _, err := ParseCategory(o.Category); err != nil {
				return o, err
			}
		}
	case domain.ProposalRejected:
		if _, err := ParseCategory(o.Category); err != nil {
			return o, fmt.Errorf("rejections need a category: %w", err)
		}
	default:
		return o, fmt.Errorf("unknown decision %q", o.Decision)
	}
	if o.Tokens < 0 {
		return o, fmt.Errorf("tokens must not be negative")
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	if o.RecordedAt.IsZero() {
		o.RecordedAt = m.now()
	}
	if m.Store != nil {
		if err := m.Store.RecordProposalOutcome(ctx, o); err != nil {
			return o, fmt.Errorf("persist outcome: %w", err)
		}
	}
	m.mu.Lock()
	m.apply(o)
	m.mu.Unlock()
	m.Metrics.PipelineOutcome(string(o.Decision), o.Category)
	return o, nil
}

// apply updates counters; callers hold mu.
func (m *Monitor) apply(o domain.ProposalOutcome) {
	prev, known := m.proposals[o.ProposalID]
	st := &proposalState{Type: o.ProposalType, Target: o.Target, Content: o.Content, Decision: o.Decision}
	if known {
		if st.Target == "" {
			st.Target = prev.Target
		}
		if st.Content == "" {
			st.Content = prev.Content
		}
	}
	m.proposals[o.ProposalID] = st
	if !known || prev.Decision != domain.ProposalPending {
		m.tokens[day(o.RecordedAt)] += o.Tokens
	}
	if o.Decision == domain.ProposalPending {
		return
	}

	entry := decision.Entry{
		Category:  decision.CategoryPipelineOutcome,
		Timestamp: o.RecordedAt,
		Context: map[string]any{
			"proposal_id":   o.ProposalID,
			"proposal_type": o.ProposalType,
			"decision":      string(o.Decision),
			"score":         o.Score,
			"tokens":        o.Tokens,
		},
	}
	if o.Decision == domain.ProposalApproved {
		m.approved++
		entry.Action = decision.ActionPass
		entry.Reason = fmt.Sprintf("proposal %s approved", o.ProposalID)
	} else {
		m.rejected++
		m.byCategory[Category(o.Category)]++
		entry.Action = decision.ActionBlock
		entry.Reason = fmt.Sprintf("proposal %s rejected: %s", o.ProposalID, o.Category)
		entry.Context["category"] = o.Category
	}
	m.track.Log(entry)
}

func day(t time.Time) string { return t.UTC().Format("2006-01-02") }

// Entries returns the tracking log.
func (m *Monitor) Entries() []decision.Entry {
	return m.track.Entries()
}

type CategoryCount struct {
	Category Category `json:"category"`
	Count    int      `json:"count"`
	Spike    bool     `json:"spike"`
}

type Health struct {
	Status       string          `json:"status" enum:"HEALTHY,WARNING"`
	Total        int             `json:"total"`
	Approved     int             `json:"approved"`
	Rejected     int             `json:"rejected"`
	Pending      int             `json:"pending"`
	ApprovalRate float64         `json:"approval_rate"`
	Rejections   []CategoryCount `json:"rejections,omitempty"`
	Warnings     []string        `json:"warnings,omitempty"`
}

// Health reports WARNING when the approval rate drops below the configured
// floor or any rejection category reaches the spike threshold. An empty
// pipeline is healthy.
func (m *Monitor) Health() Health {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := Health{
		Status:       StatusHealthy,
		Total:        m.approved + m.rejected,
		Approved:     m.approved,
		Rejected:     m.rejected,
		ApprovalRate: 1,
	}
	for _, st := range m.proposals {
		if st.Decision == domain.ProposalPending {
			h.Pending++
		}
	}
	if h.Total > 0 {
		h.ApprovalRate = float64(m.approved) / float64(h.Total)
		if h.ApprovalRate < m.Config.ApprovalRateWarn {
			h.Warnings = append(h.Warnings, fmt.Sprintf("approval rate %.0f%% is below %.0f%%", h.ApprovalRate*100, m.Config.ApprovalRateWarn*100))
		}
	}
	for _, c := range Categories() {
		n := m.byCategory[c]
		if n == 0 {
			continue
		}
		spike := n >= m.Config.SpikeThreshold
		h.Rejections = append(h.Rejections, CategoryCount{Category: c, Count: n, Spike: spike})
		if spike {
			h.Warnings = append(h.Warnings, fmt.Sprintf("%d rejections for %s", n, c))
		}
	}
	sort.SliceStable(h.Rejections, func(i, j int) bool { return h.Rejections[i].Count > h.Rejections[j].Count })
	if len(h.Warnings) > 0 {
		h.Status = StatusWarning
	}
	return h
}

type Capacity struct {
	Allowed   bool `json:"allowed"`
	Requested int  `json:"requested"`
	Used      int  `json:"used"`
	Budget    int  `json:"budget"`
	Remaining int  `json:"remaining"`
	Unlimited bool `json:"unlimited"`
}

// CheckCapacity tests a token request against today's budget. A zero
// budget is unlimited.
func (m *Monitor) CheckCapacity(tokens int) Capacity {
	m.mu.Lock()
	used := m.tokens[day(m.now())]
	m.mu.Unlock()
	c := Capacity{Requested: tokens, Used: used, Budget: m.Config.DailyTokenBudget}
	if c.Budget == 0 {
		c.Unlimited = true
		c.Allowed = true
		return c
	}
	c.Remaining = max(0, c.Budget-used)
	c.Allowed = used+tokens <= c.Budget
	return c
}

// Submission is the verdict on a proposed change.
type Submission struct {
	Accepted  bool                    `json:"accepted"`
	Conflicts ConflictReport          `json:"conflicts"`
	Capacity  Capacity                `json:"capacity"`
	Outcome   *domain.ProposalOutcome `json:"outcome,omitempty"`
}

// Submit checks a proposal for conflicts and capacity and, unless blocked
// or over budget, records it as pending.
func (m *Monitor) Submit(ctx context.Context, p Proposal, tokens int, score float64) (Submission, error) {
	m.submitMu.Lock()
	defer m.submitMu.Unlock()
	s := Submission{Conflicts: m.DetectConflicts(p), Capacity: m.CheckCapacity(tokens)}
	if s.Conflicts.Recommendation == RecommendBlock || !s.Capacity.Allowed {
		m.logger().Info("proposal not accepted",
			zap.String("proposal_id", p.ID),
			zap.String("recommendation", s.Conflicts.Recommendation),
			zap.Bool("capacity", s.Capacity.Allowed))
		return s, nil
	}
	o, err := m.Record(ctx, domain.ProposalOutcome{
		ProposalID:   p.ID,
		ProposalType: p.Type,
		Target:       p.Target,
		Content:      p.Content,
		Decision:     domain.ProposalPending,
		Score:        score,
		Tokens:       tokens,
	})
	if err != nil {
		return s, err
	}
	s.Accepted = true
	s.Outcome = &o
	return s, nil
}
