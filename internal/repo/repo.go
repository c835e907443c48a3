package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"sdline/internal/domain"
)

// Repo is the sqlite-backed Repository.
type Repo struct {
	DB *sql.DB
}

var _ Repository = Repo{}

const directiveColumns = `id,title,sd_type,current_phase,status,COALESCE(sub_state,''),COALESCE(priority,''),parent_id,metadata_json,COALESCE(failure_reason,''),COALESCE(failure_phase,''),version,created_at,completed_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDirective(row rowScanner) (domain.Directive, error) {
	var (
		d                          domain.Directive
		phase, status, failPhase   string
		parent, completed          sql.NullString
		metadata, created, updated string
	)
	if err := row.Scan(&d.ID, &d.Title, &d.Type, &phase, &status, &d.SubState, &d.Priority, &parent, &metadata,
		&d.FailureReason, &failPhase, &d.Version, &created, &completed, &updated); err != nil {
		return d, err
	}
	d.CurrentPhase = domain.Phase(phase)
	d.Status = domain.Status(status)
	d.FailurePhase = domain.Phase(failPhase)
	if parent.Valid && parent.String != "" {
		p := parent.String
		d.ParentID = &p
	}
	if metadata != "" {
		if err := json.Unmarshal([]byte(metadata), &d.Metadata); err != nil {
			return d, fmt.Errorf("directive %s: malformed metadata: %w", d.ID, err)
		}
	}
	var err error
	if d.CreatedAt, err = parseTime(created); err != nil {
		return d, fmt.Errorf("directive %s: %w", d.ID, err)
	}
	if d.UpdatedAt, err = parseTime(updated); err != nil {
		return d, fmt.Errorf("directive %s: %w", d.ID, err)
	}
	if d.CompletedAt, err = parseNullTime(completed); err != nil {
		return d, fmt.Errorf("directive %s: %w", d.ID, err)
	}
	return d, nil
}

func (r Repo) GetDirective(ctx context.Context, id string) (domain.Directive, bool, error) {
	d, err := scanDirective(r.DB.QueryRowContext(ctx, `SELECT `+directiveColumns+` FROM directives WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.Directive{}, false, nil
	}
	if err != nil {
		return domain.Directive{}, false, err
	}
	return d, true, nil
}

// DirectiveFilters narrows ListDirectives.
type DirectiveFilters struct {
	Status   string
	Phase    string
	ParentID string
	Limit    int
}

func (r Repo) ListDirectives(ctx context.Context, f DirectiveFilters) ([]domain.Directive, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Phase != "" {
		clauses = append(clauses, "current_phase=?")
		args = append(args, f.Phase)
	}
	if f.ParentID != "" {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	query := `SELECT ` + directiveColumns + ` FROM directives`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	return r.queryDirectives(ctx, query, args...)
}

func (r Repo) ListChildren(ctx context.Context, parentID string) ([]domain.Directive, error) {
	return r.queryDirectives(ctx, `SELECT `+directiveColumns+` FROM directives WHERE parent_id=? ORDER BY created_at, id`, parentID)
}

func (r Repo) queryDirectives(ctx context.Context, query string, args ...any) ([]domain.Directive, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Directive
	for rows.Next() {
		d, err := scanDirective(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}

func (r Repo) CountChildren(ctx context.Context, parentID string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM directives WHERE parent_id=?`, parentID).Scan(&n)
	return n, err
}

// UpsertDirective inserts a directive when Version is zero and otherwise
// updates it only if the stored version still matches. The returned
// directive carries the new version.
func (r Repo) UpsertDirective(ctx context.Context, d domain.Directive) (domain.Directive, error) {
	meta, err := json.Marshal(d.Metadata)
	if err != nil {
		return domain.Directive{}, err
	}
	if d.UpdatedAt.IsZero() {
		d.UpdatedAt = time.Now().UTC()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = d.UpdatedAt
	}
	if d.Version == 0 {
		res, err := r.DB.ExecContext(ctx, `INSERT INTO directives(id,title,sd_type,current_phase,status,sub_state,priority,parent_id,metadata_json,failure_reason,failure_phase,version,created_at,completed_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,1,?,?,?) ON CONFLICT(id) DO NOTHING`,
			d.ID, d.Title, d.Type, string(d.CurrentPhase), string(d.Status), nullable(d.SubState), nullable(d.Priority), nullableStringPtr(d.ParentID),
			string(meta), nullable(d.FailureReason), nullable(string(d.FailurePhase)), formatTime(d.CreatedAt), nullableTime(d.CompletedAt), formatTime(d.UpdatedAt))
		if err != nil {
			return domain.Directive{}, err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.Directive{}, &StaleWriteError{DirectiveID: d.ID}
		}
		d.Version = 1
		return d, nil
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE directives SET title=?, sd_type=?, current_phase=?, status=?, sub_state=?, priority=?, parent_id=?, metadata_json=?,
failure_reason=?, failure_phase=?, completed_at=?, updated_at=?, version=version+1 WHERE id=? AND version=?`,
		d.Title, d.Type, string(d.CurrentPhase), string(d.Status), nullable(d.SubState), nullable(d.Priority), nullableStringPtr(d.ParentID), string(meta),
		nullable(d.FailureReason), nullable(string(d.FailurePhase)), nullableTime(d.CompletedAt), formatTime(d.UpdatedAt), d.ID, d.Version)
	if err != nil {
		return domain.Directive{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Directive{}, &StaleWriteError{DirectiveID: d.ID, Version: d.Version}
	}
	d.Version++
	return d, nil
}

func (r Repo) ListTimeline(ctx context.Context, directiveID string) ([]domain.PhaseTimelineEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT sd_id,phase,session_id,completed_at FROM phase_timeline WHERE sd_id=? ORDER BY completed_at, rowid`, directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PhaseTimelineEntry
	for rows.Next() {
		var (
			e           domain.PhaseTimelineEntry
			phase, done string
		)
		if err := rows.Scan(&e.DirectiveID, &phase, &e.SessionID, &done); err != nil {
			return nil, err
		}
		e.Phase = domain.Phase(phase)
		if e.CompletedAt, err = parseTime(done); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) RecordPhaseCompletion(ctx context.Context, directiveID string, phase domain.Phase, sessionID string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO phase_timeline(sd_id,phase,session_id,completed_at) VALUES (?,?,?,?)`,
		directiveID, string(phase), sessionID, formatTime(at))
	return err
}
