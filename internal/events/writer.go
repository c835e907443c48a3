package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sdline/internal/decision"
)

// Writer persists decision entries into the decision_log table.
type Writer struct {
	DB *sql.DB
}

var _ decision.Sink = Writer{}

const tsLayout = "2006-01-02T15:04:05.000000000Z07:00"

func (w Writer) Append(ctx context.Context, e decision.Entry) error {
	payload := e.Context
	if payload == nil {
		payload = map[string]any{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal decision context: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO decision_log(id,session_id,sd_id,ts,category,action,reason,context_json) VALUES (?,?,?,?,?,?,?,?)`,
		e.ID, e.SessionID, nullable(e.DirectiveID), e.Timestamp.UTC().Format(tsLayout), e.Category, string(e.Action), e.Reason, string(data))
	return err
}

// Query selects stored entries; empty fields are not filtered on.
type Query struct {
	SessionID   string
	DirectiveID string
	Action      string
	Limit       int
}

// List returns stored entries in append order.
func (w Writer) List(ctx context.Context, q Query) ([]decision.Entry, error) {
	query := `SELECT id,session_id,COALESCE(sd_id,''),ts,category,action,reason,context_json FROM decision_log WHERE 1=1`
	var args []any
	if q.SessionID != "" {
		query += ` AND session_id=?`
		args = append(args, q.SessionID)
	}
	if q.DirectiveID != "" {
		query += ` AND sd_id=?`
		args = append(args, q.DirectiveID)
	}
	if q.Action != "" {
		query += ` AND action=?`
		args = append(args, q.Action)
	}
	query += ` ORDER BY ts, rowid`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []decision.Entry
	for rows.Next() {
		var (
			e              decision.Entry
			ts, action, cj string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &e.DirectiveID, &ts, &e.Category, &action, &e.Reason, &cj); err != nil {
			return nil, err
		}
		e.Action = decision.Action(action)
		if e.Timestamp, err = time.Parse(time.RFC3339Nano, ts); err != nil {
			return nil, fmt.Errorf("decision %s: malformed timestamp: %w", e.ID, err)
		}
		if err := json.Unmarshal([]byte(cj), &e.Context); err != nil {
			return nil, fmt.Errorf("decision %s: malformed context: %w", e.ID, err)
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// Sessions returns distinct session ids recorded for a directive, newest first.
func (w Writer) Sessions(ctx context.Context, directiveID string) ([]string, error) {
	rows, err := w.DB.QueryContext(ctx, `SELECT session_id, MAX(ts) AS last FROM decision_log WHERE sd_id=? GROUP BY session_id ORDER BY last DESC`, directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []string
	for rows.Next() {
		var id, last string
		if err := rows.Scan(&id, &last); err != nil {
			return nil, err
		}
		res = append(res, id)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
