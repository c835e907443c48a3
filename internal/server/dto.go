package server

import (
	"sdline/internal/decision"
	"sdline/internal/domain"
)

// Request payloads

type RunRequest struct {
	Phase     string `json:"phase,omitempty" enum:"LEAD,PLAN,EXEC,VERIFICATION,APPROVAL"`
	Force     bool   `json:"force,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type RecordOutcomeRequest struct {
	ProposalID   string  `json:"proposal_id"`
	ProposalType string  `json:"proposal_type"`
	Target       string  `json:"target,omitempty"`
	Decision     string  `json:"decision" enum:"pending,approve,reject"`
	Category     string  `json:"category,omitempty"`
	Score        float64 `json:"score,omitempty"`
	Tokens       int     `json:"tokens,omitempty" minimum:"0"`
	Content      string  `json:"content,omitempty"`
}

type DevLoginRequest struct {
	ActorID    string   `json:"actor_id"`
	Roles      []string `json:"roles,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	TTLMinutes int      `json:"ttl_minutes,omitempty" minimum:"0"`
}

// Response payloads

type DevLoginResponse struct {
	Token string `json:"token"`
}

type DirectiveResponse struct {
	domain.Directive
	ActivePhase    string                      `json:"active_phase,omitempty"`
	Children       []string                    `json:"children"`
	Handoffs       []domain.Handoff            `json:"handoffs"`
	Timeline       []domain.PhaseTimelineEntry `json:"timeline"`
	ApprovalStatus domain.ApprovalStatus       `json:"approval_status" enum:"none,pending,approved,rejected"`
}

type DirectiveList struct {
	Items []domain.Directive `json:"items"`
}

type DecisionList struct {
	Items   []decision.Entry        `json:"items"`
	Summary map[decision.Action]int `json:"summary"`
	Session string                  `json:"session_id,omitempty"`
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
