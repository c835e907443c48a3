package domain

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Phase is one of the five lifecycle phases, or a completion marker.
type Phase string

const (
	PhaseLead         Phase = "LEAD"
	PhasePlan         Phase = "PLAN"
	PhaseExec         Phase = "EXEC"
	PhaseVerification Phase = "VERIFICATION"
	PhaseApproval     Phase = "APPROVAL"
)

// Phases returns the lifecycle in execution order.
func Phases() []Phase {
	return []Phase{PhaseLead, PhasePlan, PhaseExec, PhaseVerification, PhaseApproval}
}

// Index returns the position of p in the lifecycle, or -1.
func (p Phase) Index() int {
	for i, q := range Phases() {
		if q == p {
			return i
		}
	}
	return -1
}

// Next returns the phase after p and false when p is the last phase.
func (p Phase) Next() (Phase, bool) {
	i := p.Index()
	if i < 0 || i == len(Phases())-1 {
		return "", false
	}
	return Phases()[i+1], true
}

// Complete returns the <PHASE>_COMPLETE marker for p.
func (p Phase) Complete() Phase {
	return Phase(string(p) + "_COMPLETE")
}

// IsComplete reports whether p is a completion marker.
func (p Phase) IsComplete() bool {
	return strings.HasSuffix(string(p), "_COMPLETE")
}

// ParsePhase accepts a phase name in any case.
func ParsePhase(s string) (Phase, error) {
	p := Phase(strings.ToUpper(strings.TrimSpace(s)))
	if p.Index() < 0 {
		return "", fmt.Errorf("unknown phase %q", s)
	}
	return p, nil
}

// Status of a directive.
type Status string

const (
	StatusDraft      Status = "draft"
	StatusApproved   Status = "approved"
	StatusInProgress Status = "in_progress"
	StatusPending    Status = "pending"
	StatusReady      Status = "ready"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Sub-states recorded next to Status when a run stops without error.
const (
	SubStateImplementationRequired = "implementation_required"
	SubStateAwaitingApproval       = "awaiting_approval"
)

// Metadata is the bounded set of optional directive attributes plus one
// free-form extension map.
type Metadata struct {
	Description     string         `json:"description,omitempty"`
	Objectives      []string       `json:"objectives,omitempty"`
	SuccessCriteria []string       `json:"success_criteria,omitempty"`
	Tags            []string       `json:"tags,omitempty"`
	EvidencePattern string         `json:"evidence_pattern,omitempty"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// Directive is a Strategic Directive tracked through the lifecycle.
type Directive struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Type          string     `json:"sd_type"`
	CurrentPhase  Phase      `json:"current_phase"`
	Status        Status     `json:"status" enum:"draft,approved,in_progress,pending,ready,completed,failed"`
	SubState      string     `json:"sub_state,omitempty"`
	Priority      string     `json:"priority,omitempty"`
	ParentID      *string    `json:"parent_id,omitempty"`
	Metadata      Metadata   `json:"metadata"`
	FailureReason string     `json:"failure_reason,omitempty"`
	FailurePhase  Phase      `json:"failure_phase,omitempty"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at" format:"date-time"`
	CompletedAt   *time.Time `json:"completed_at,omitempty" format:"date-time"`
	UpdatedAt     time.Time  `json:"updated_at" format:"date-time"`
}

// ActivePhase resolves completion markers to the phase that still needs work.
// The second return is false once the whole lifecycle is complete.
func (d Directive) ActivePhase() (Phase, bool) {
	p := d.CurrentPhase
	if p == "" {
		return PhaseLead, true
	}
	if p.IsComplete() {
		done := Phase(strings.TrimSuffix(string(p), "_COMPLETE"))
		return done.Next()
	}
	if p.Index() < 0 {
		return PhaseLead, true
	}
	return p, true
}

// Handoff types in canonical order.
const (
	HandoffLeadToPlan = "LEAD-TO-PLAN"
	HandoffPlanToExec = "PLAN-TO-EXEC"
	HandoffExecToPlan = "EXEC-TO-PLAN"
	HandoffPlanToLead = "PLAN-TO-LEAD"
)

// HandoffSequence is the canonical order used for sequence compliance.
func HandoffSequence() []string {
	return []string{HandoffLeadToPlan, HandoffPlanToExec, HandoffExecToPlan, HandoffPlanToLead}
}

// HandoffAfter maps a completed phase to the handoff it produces.
func HandoffAfter(p Phase) (string, bool) {
	switch p {
	case PhaseLead:
		return HandoffLeadToPlan, true
	case PhasePlan:
		return HandoffPlanToExec, true
	case PhaseExec:
		return HandoffExecToPlan, true
	case PhaseVerification:
		return HandoffPlanToLead, true
	}
	return "", false
}

type HandoffStatus string

const (
	HandoffPending  HandoffStatus = "pending"
	HandoffAccepted HandoffStatus = "accepted"
	HandoffRejected HandoffStatus = "rejected"
)

// NarrativeField holds a string, array or object as raw JSON.
type NarrativeField json.RawMessage

// Text builds a NarrativeField from a plain string.
func Text(s string) NarrativeField {
	b, _ := json.Marshal(s)
	return NarrativeField(b)
}

// Filled reports whether the field is a non-blank string or a non-empty
// array/object.
func (f NarrativeField) Filled() bool {
	if len(f) == 0 {
		return false
	}
	var v any
	if err := json.Unmarshal(f, &v); err != nil {
		return strings.TrimSpace(string(f)) != ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t) != ""
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	case nil:
		return false
	default:
		return true
	}
}

func (f NarrativeField) MarshalJSON() ([]byte, error) {
	if len(f) == 0 {
		return []byte("null"), nil
	}
	return f, nil
}

func (f *NarrativeField) UnmarshalJSON(b []byte) error {
	*f = append((*f)[0:0], b...)
	return nil
}

// Narrative carries the seven mandatory handoff sections.
type Narrative struct {
	ExecutiveSummary     NarrativeField `json:"executive_summary,omitempty"`
	DeliverablesManifest NarrativeField `json:"deliverables_manifest,omitempty"`
	KeyDecisions         NarrativeField `json:"key_decisions,omitempty"`
	KnownIssues          NarrativeField `json:"known_issues,omitempty"`
	ResourceUtilization  NarrativeField `json:"resource_utilization,omitempty"`
	ActionItems          NarrativeField `json:"action_items,omitempty"`
	CompletenessReport   NarrativeField `json:"completeness_report,omitempty"`
}

// NarrativeFieldCount is the number of mandatory narrative sections.
const NarrativeFieldCount = 7

// Fields returns the sections keyed by name, in declaration order.
func (n Narrative) Fields() []NamedField {
	return []NamedField{
		{"executive_summary", n.ExecutiveSummary},
		{"deliverables_manifest", n.DeliverablesManifest},
		{"key_decisions", n.KeyDecisions},
		{"known_issues", n.KnownIssues},
		{"resource_utilization", n.ResourceUtilization},
		{"action_items", n.ActionItems},
		{"completeness_report", n.CompletenessReport},
	}
}

// FilledCount returns how many sections are filled.
func (n Narrative) FilledCount() int {
	c := 0
	for _, f := range n.Fields() {
		if f.Value.Filled() {
			c++
		}
	}
	return c
}

type NamedField struct {
	Name  string
	Value NarrativeField
}

type Handoff struct {
	ID               string        `json:"id"`
	DirectiveID      string        `json:"sd_id"`
	Type             string        `json:"handoff_type"`
	Status           HandoffStatus `json:"status" enum:"pending,accepted,rejected"`
	Narrative        Narrative     `json:"narrative"`
	ValidationScore  *int          `json:"validation_score,omitempty"`
	ValidationPassed bool          `json:"validation_passed"`
	CreatedBy        string        `json:"created_by,omitempty"`
	CreatedAt        time.Time     `json:"created_at" format:"date-time"`
	AcceptedAt       *time.Time    `json:"accepted_at,omitempty" format:"date-time"`
}

type PRDSummary struct {
	ID                 string    `json:"id"`
	DirectiveID        string    `json:"sd_id"`
	Title              string    `json:"title"`
	Status             string    `json:"status"`
	AcceptanceCriteria []string  `json:"acceptance_criteria,omitempty"`
	UpdatedAt          time.Time `json:"updated_at" format:"date-time"`
}

type Retrospective struct {
	ID           string    `json:"id"`
	DirectiveID  string    `json:"sd_id"`
	QualityScore int       `json:"quality_score"`
	Summary      string    `json:"summary,omitempty"`
	CreatedAt    time.Time `json:"created_at" format:"date-time"`
}

type PhaseTimelineEntry struct {
	DirectiveID string    `json:"sd_id"`
	Phase       Phase     `json:"phase"`
	SessionID   string    `json:"session_id"`
	CompletedAt time.Time `json:"completed_at" format:"date-time"`
}

type ApprovalStatus string

const (
	ApprovalNone     ApprovalStatus = "none"
	ApprovalPending  ApprovalStatus = "pending"
	ApprovalApproved ApprovalStatus = "approved"
	ApprovalRejected ApprovalStatus = "rejected"
)

type ApprovalRequest struct {
	ID          string         `json:"id"`
	DirectiveID string         `json:"sd_id"`
	Status      ApprovalStatus `json:"status"`
	RequestedBy string         `json:"requested_by"`
	Reason      string         `json:"reason,omitempty"`
	Deadline    time.Time      `json:"deadline" format:"date-time"`
	CreatedAt   time.Time      `json:"created_at" format:"date-time"`
	DecidedAt   *time.Time     `json:"decided_at,omitempty" format:"date-time"`
}

// ValidationProfile configures handoff requirements for one SD type.
type ValidationProfile struct {
	SDType                string         `json:"sd_type" yaml:"-"`
	RequiredHandoffs      []string       `json:"required_handoffs" yaml:"required_handoffs"`
	MinHandoffs           int            `json:"min_handoffs" yaml:"min_handoffs"`
	PhaseWeights          map[string]int `json:"phase_weights,omitempty" yaml:"phase_weights"`
	ExpectedDurationHours float64        `json:"expected_duration_hours,omitempty" yaml:"expected_duration_hours"`
}

// ProposalDecision is the outcome of a process-improvement proposal.
type ProposalDecision string

const (
	ProposalPending  ProposalDecision = "pending"
	ProposalApproved ProposalDecision = "approve"
	ProposalRejected ProposalDecision = "reject"
)

// ProposalOutcome is one recorded event in a proposal's life: submitted as
// pending, then approved or rejected.
type ProposalOutcome struct {
	ID           string           `json:"id"`
	ProposalID   string           `json:"proposal_id"`
	ProposalType string           `json:"proposal_type"`
	Target       string           `json:"target,omitempty"`
	Decision     ProposalDecision `json:"decision" enum:"pending,approve,reject"`
	Category     string           `json:"category,omitempty"`
	Score        float64          `json:"score"`
	Tokens       int              `json:"tokens"`
	Content      string           `json:"content,omitempty"`
	RecordedAt   time.Time        `json:"recorded_at" format:"date-time"`
}
