package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sdline/internal/domain"
)

const handoffColumns = `id,sd_id,handoff_type,status,narrative_json,validation_score,validation_passed,COALESCE(created_by,''),created_at,accepted_at`

func scanHandoff(row rowScanner) (domain.Handoff, error) {
	var (
		h                 domain.Handoff
		status, narrative string
		score             sql.NullInt64
		passed            int
		created           string
		accepted          sql.NullString
	)
	if err := row.Scan(&h.ID, &h.DirectiveID, &h.Type, &status, &narrative, &score, &passed, &h.CreatedBy, &created, &accepted); err != nil {
		return h, err
	}
	h.Status = domain.HandoffStatus(status)
	h.ValidationPassed = passed != 0
	if score.Valid {
		v := int(score.Int64)
		h.ValidationScore = &v
	}
	if narrative != "" {
		if err := json.Unmarshal([]byte(narrative), &h.Narrative); err != nil {
			return h, fmt.Errorf("handoff %s: malformed narrative: %w", h.ID, err)
		}
	}
	var err error
	if h.CreatedAt, err = parseTime(created); err != nil {
		return h, fmt.Errorf("handoff %s: %w", h.ID, err)
	}
	if h.AcceptedAt, err = parseNullTime(accepted); err != nil {
		return h, fmt.Errorf("handoff %s: %w", h.ID, err)
	}
	return h, nil
}

// ListHandoffs returns every handoff of a directive ordered by creation time.
func (r Repo) ListHandoffs(ctx context.Context, directiveID string) ([]domain.Handoff, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE sd_id=? ORDER BY created_at, id`, directiveID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Handoff
	for rows.Next() {
		h, err := scanHandoff(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) GetHandoff(ctx context.Context, id string) (domain.Handoff, bool, error) {
	h, err := scanHandoff(r.DB.QueryRowContext(ctx, `SELECT `+handoffColumns+` FROM handoffs WHERE id=?`, id))
	if err == sql.ErrNoRows {
		return domain.Handoff{}, false, nil
	}
	if err != nil {
		return domain.Handoff{}, false, err
	}
	return h, true, nil
}

func (r Repo) CreateHandoff(ctx context.Context, h domain.Handoff) error {
	narrative, err := json.Marshal(h.Narrative)
	if err != nil {
		return err
	}
	passed := 0
	if h.ValidationPassed {
		passed = 1
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO handoffs(id,sd_id,handoff_type,status,narrative_json,validation_score,validation_passed,created_by,created_at,accepted_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		h.ID, h.DirectiveID, h.Type, string(h.Status), string(narrative), nullableIntPtr(h.ValidationScore), passed,
		nullable(h.CreatedBy), formatTime(h.CreatedAt), nullableTime(h.AcceptedAt))
	return err
}

// SetHandoffStatus accepts or rejects a pending handoff.
func (r Repo) SetHandoffStatus(ctx context.Context, id string, status domain.HandoffStatus, at time.Time) (domain.Handoff, error) {
	var accepted any
	if status == domain.HandoffAccepted {
		accepted = formatTime(at)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE handoffs SET status=?, accepted_at=? WHERE id=? AND status=?`,
		string(status), accepted, id, string(domain.HandoffPending))
	if err != nil {
		return domain.Handoff{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		h, ok, err := r.GetHandoff(ctx, id)
		if err != nil {
			return domain.Handoff{}, err
		}
		if !ok {
			return domain.Handoff{}, ErrNotFound
		}
		return domain.Handoff{}, fmt.Errorf("handoff %s is %s, not pending", id, h.Status)
	}
	h, _, err := r.GetHandoff(ctx, id)
	return h, err
}
