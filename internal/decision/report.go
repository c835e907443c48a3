package decision

import (
	"encoding/json"
	"time"
)

// Report is the standalone audit export of one session.
type Report struct {
	SessionID   string         `json:"session_id"`
	DirectiveID string         `json:"sd_id,omitempty"`
	GeneratedAt time.Time      `json:"generated_at" format:"date-time"`
	Summary     map[Action]int `json:"summary"`
	Entries     []Entry        `json:"entries"`
}

// Export snapshots the log.
func (l *Logger) Export() Report {
	entries := l.Entries()
	return Report{
		SessionID:   l.sessionID,
		DirectiveID: l.directiveID,
		GeneratedAt: l.now(),
		Summary:     Summarize(entries),
		Entries:     entries,
	}
}

// NewReport builds a report from entries loaded back from storage.
func NewReport(sessionID string, entries []Entry, now time.Time) Report {
	r := Report{SessionID: sessionID, GeneratedAt: now, Summary: Summarize(entries), Entries: entries}
	for _, e := range entries {
		if e.DirectiveID != "" {
			r.DirectiveID = e.DirectiveID
			break
		}
	}
	if r.Entries == nil {
		r.Entries = []Entry{}
	}
	return r
}

// Summarize counts entries per action.
func Summarize(entries []Entry) map[Action]int {
	out := map[Action]int{}
	for _, e := range entries {
		out[e.Action]++
	}
	return out
}

// Filter returns entries whose category matches.
func Filter(entries []Entry, category string) []Entry {
	var out []Entry
	for _, e := range entries {
		if e.Category == category {
			out = append(out, e)
		}
	}
	return out
}

// JSON renders the report with indentation.
func (r Report) JSON() ([]byte, error) {
	return json.MarshalIndent(r, "", "  ")
}
