package pipeline

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"sdline/internal/domain"
)

// Recommendations, most severe first.
const (
	RecommendBlock    = "BLOCK"
	RecommendEscalate = "ESCALATE"
	RecommendCaution  = "PROCEED_WITH_CAUTION"
	RecommendProceed  = "PROCEED"
)

var severity = map[string]int{
	RecommendProceed:  0,
	RecommendCaution:  1,
	RecommendEscalate: 2,
	RecommendBlock:    3,
}

// Conflict kinds.
const (
	KindDuplicate    = "duplicate_id"
	KindPendingWrite = "pending_write"
	KindOverlap      = "keyword_overlap"
)

// Proposal is a candidate change checked before it is recorded.
type Proposal struct {
	ID      string `json:"id"`
	Type    string `json:"type"`
	Target  string `json:"target,omitempty"`
	Content string `json:"content,omitempty"`
}

type Conflict struct {
	Kind    string  `json:"kind"`
	With    string  `json:"with"`
	Detail  string  `json:"detail"`
	Overlap float64 `json:"overlap,omitempty"`
}

type ConflictReport struct {
	Recommendation string     `json:"recommendation" enum:"BLOCK,ESCALATE,PROCEED_WITH_CAUTION,PROCEED"`
	Conflicts      []Conflict `json:"conflicts,omitempty"`
}

// DetectConflicts compares p with every known proposal: a reused id blocks,
// a pending write to the same target escalates and near-duplicate content
// asks for caution. It never fails; the caller decides how to act.
func (m *Monitor) DetectConflicts(p Proposal) ConflictReport {
	m.mu.Lock()
	ids := make([]string, 0, len(m.proposals))
	for id := range m.proposals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	known := make(map[string]proposalState, len(ids))
	for _, id := range ids {
		known[id] = *m.proposals[id]
	}
	m.mu.Unlock()

	rep := ConflictReport{Recommendation: RecommendProceed}
	add := func(c Conflict, rec string) {
		rep.Conflicts = append(rep.Conflicts, c)
		if severity[rec] > severity[rep.Recommendation] {
			rep.Recommendation = rec
		}
	}
	words := Keywords(p.Content)
	for _, id := range ids {
		st := known[id]
		if id == p.ID {
			add(Conflict{Kind: KindDuplicate, With: id, Detail: fmt.Sprintf("proposal id %s already %s", id, st.Decision)}, RecommendBlock)
			continue
		}
		if p.Target != "" && st.Decision == domain.ProposalPending && st.Target == p.Target {
			add(Conflict{Kind: KindPendingWrite, With: id, Detail: "pending write to " + p.Target}, RecommendEscalate)
		}
		if st.Decision == domain.ProposalRejected || len(words) == 0 {
			continue
		}
		if o := Overlap(words, Keywords(st.Content)); o >= m.Config.OverlapThreshold {
			add(Conflict{Kind: KindOverlap, With: id, Detail: fmt.Sprintf("%.0f%% keyword overlap", o*100), Overlap: o}, RecommendCaution)
		}
	}
	if rep.Recommendation != RecommendProceed {
		m.logger().Info("proposal conflicts", zap.String("proposal_id", p.ID), zap.String("recommendation", rep.Recommendation), zap.Int("conflicts", len(rep.Conflicts)))
	}
	return rep
}

var stopwords = map[string]bool{
	"this": true, "that": true, "with": true, "from": true, "into": true, "when": true,
	"will": true, "should": true, "must": true, "have": true, "been": true, "each": true,
	"also": true, "than": true, "then": true, "them": true, "they": true, "their": true,
}

// Keywords lowercases text and keeps distinct words of four or more
// letters that are not stopwords.
func Keywords(text string) map[string]bool {
	out := map[string]bool{}
	for _, w := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len(w) >= 4 && !stopwords[w] {
			out[w] = true
		}
	}
	return out
}

// Overlap is the Jaccard similarity of two keyword sets.
func Overlap(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	union := len(a) + len(b) - inter
	return float64(inter) / float64(union)
}
