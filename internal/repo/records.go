package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"sdline/internal/domain"
)

func (r Repo) UpsertPRD(ctx context.Context, p domain.PRDSummary) (domain.PRDSummary, error) {
	criteria, err := json.Marshal(p.AcceptanceCriteria)
	if err != nil {
		return domain.PRDSummary{}, err
	}
	if p.UpdatedAt.IsZero() {
		p.UpdatedAt = time.Now().UTC()
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO prds(id,sd_id,title,status,acceptance_criteria_json,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(sd_id) DO UPDATE SET title=excluded.title, status=excluded.status, acceptance_criteria_json=excluded.acceptance_criteria_json, updated_at=excluded.updated_at`,
		p.ID, p.DirectiveID, p.Title, p.Status, string(criteria), formatTime(p.UpdatedAt))
	if err != nil {
		return domain.PRDSummary{}, err
	}
	stored, _, err := r.GetPRD(ctx, p.DirectiveID)
	return stored, err
}

func (r Repo) GetPRD(ctx context.Context, directiveID string) (domain.PRDSummary, bool, error) {
	var (
		p                 domain.PRDSummary
		criteria, updated string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,sd_id,title,status,acceptance_criteria_json,updated_at FROM prds WHERE sd_id=?`, directiveID).
		Scan(&p.ID, &p.DirectiveID, &p.Title, &p.Status, &criteria, &updated)
	if err == sql.ErrNoRows {
		return domain.PRDSummary{}, false, nil
	}
	if err != nil {
		return domain.PRDSummary{}, false, err
	}
	if err := json.Unmarshal([]byte(criteria), &p.AcceptanceCriteria); err != nil {
		return domain.PRDSummary{}, false, fmt.Errorf("prd %s: malformed acceptance criteria: %w", p.ID, err)
	}
	if p.UpdatedAt, err = parseTime(updated); err != nil {
		return domain.PRDSummary{}, false, err
	}
	return p, true, nil
}

func (r Repo) InsertRetrospective(ctx context.Context, rt domain.Retrospective) error {
	if rt.CreatedAt.IsZero() {
		rt.CreatedAt = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO retrospectives(id,sd_id,quality_score,summary,created_at) VALUES (?,?,?,?,?)`,
		rt.ID, rt.DirectiveID, rt.QualityScore, nullable(rt.Summary), formatTime(rt.CreatedAt))
	return err
}

// GetRetrospective returns the latest retrospective of a directive.
func (r Repo) GetRetrospective(ctx context.Context, directiveID string) (domain.Retrospective, bool, error) {
	var (
		rt      domain.Retrospective
		created string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,sd_id,quality_score,COALESCE(summary,''),created_at FROM retrospectives WHERE sd_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, directiveID).
		Scan(&rt.ID, &rt.DirectiveID, &rt.QualityScore, &rt.Summary, &created)
	if err == sql.ErrNoRows {
		return domain.Retrospective{}, false, nil
	}
	if err != nil {
		return domain.Retrospective{}, false, err
	}
	if rt.CreatedAt, err = parseTime(created); err != nil {
		return domain.Retrospective{}, false, err
	}
	return rt, true, nil
}

func (r Repo) CreateApprovalRequest(ctx context.Context, req domain.ApprovalRequest) error {
	if req.Status == "" {
		req.Status = domain.ApprovalPending
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO approval_requests(id,sd_id,status,requested_by,reason,deadline,created_at,decided_at) VALUES (?,?,?,?,?,?,?,?)`,
		req.ID, req.DirectiveID, string(req.Status), req.RequestedBy, nullable(req.Reason), formatTime(req.Deadline), formatTime(req.CreatedAt), nullableTime(req.DecidedAt))
	return err
}

// LatestApprovalRequest returns the most recent approval request of a directive.
func (r Repo) LatestApprovalRequest(ctx context.Context, directiveID string) (domain.ApprovalRequest, bool, error) {
	var (
		req                       domain.ApprovalRequest
		status, deadline, created string
		decided                   sql.NullString
	)
	err := r.DB.QueryRowContext(ctx, `SELECT id,sd_id,status,requested_by,COALESCE(reason,''),deadline,created_at,decided_at FROM approval_requests
WHERE sd_id=? ORDER BY created_at DESC, id DESC LIMIT 1`, directiveID).
		Scan(&req.ID, &req.DirectiveID, &status, &req.RequestedBy, &req.Reason, &deadline, &created, &decided)
	if err == sql.ErrNoRows {
		return domain.ApprovalRequest{}, false, nil
	}
	if err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	req.Status = domain.ApprovalStatus(status)
	if req.Deadline, err = parseTime(deadline); err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	if req.CreatedAt, err = parseTime(created); err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	if req.DecidedAt, err = parseNullTime(decided); err != nil {
		return domain.ApprovalRequest{}, false, err
	}
	return req, true, nil
}

// GetApprovalStatus returns ApprovalNone with an empty id when no request exists.
func (r Repo) GetApprovalStatus(ctx context.Context, directiveID string) (domain.ApprovalStatus, string, error) {
	req, ok, err := r.LatestApprovalRequest(ctx, directiveID)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return domain.ApprovalNone, "", nil
	}
	return req.Status, req.ID, nil
}

// DecideApproval records the human decision on the latest pending request.
func (r Repo) DecideApproval(ctx context.Context, directiveID string, status domain.ApprovalStatus, reason string, at time.Time) (domain.ApprovalRequest, error) {
	if status != domain.ApprovalApproved && status != domain.ApprovalRejected {
		return domain.ApprovalRequest{}, fmt.Errorf("approval decision must be approved or rejected, got %q", status)
	}
	req, ok, err := r.LatestApprovalRequest(ctx, directiveID)
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if !ok {
		return domain.ApprovalRequest{}, ErrNotFound
	}
	if req.Status != domain.ApprovalPending {
		return domain.ApprovalRequest{}, fmt.Errorf("approval request %s is already %s", req.ID, req.Status)
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE approval_requests SET status=?, reason=COALESCE(?,reason), decided_at=? WHERE id=? AND status=?`,
		string(status), nullable(reason), formatTime(at), req.ID, string(domain.ApprovalPending))
	if err != nil {
		return domain.ApprovalRequest{}, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ApprovalRequest{}, fmt.Errorf("approval request %s was decided concurrently", req.ID)
	}
	req.Status = status
	if reason != "" {
		req.Reason = reason
	}
	decided := at
	req.DecidedAt = &decided
	return req, nil
}

func (r Repo) GetValidationProfile(ctx context.Context, sdType string) (domain.ValidationProfile, bool, error) {
	var (
		p                 domain.ValidationProfile
		required, weights string
	)
	err := r.DB.QueryRowContext(ctx, `SELECT sd_type,required_handoffs_json,min_handoffs,phase_weights_json,expected_duration_hours FROM validation_profiles WHERE sd_type=?`, sdType).
		Scan(&p.SDType, &required, &p.MinHandoffs, &weights, &p.ExpectedDurationHours)
	if err == sql.ErrNoRows {
		return domain.ValidationProfile{}, false, nil
	}
	if err != nil {
		return domain.ValidationProfile{}, false, err
	}
	if err := json.Unmarshal([]byte(required), &p.RequiredHandoffs); err != nil {
		return domain.ValidationProfile{}, false, fmt.Errorf("profile %s: malformed required handoffs: %w", sdType, err)
	}
	if err := json.Unmarshal([]byte(weights), &p.PhaseWeights); err != nil {
		return domain.ValidationProfile{}, false, fmt.Errorf("profile %s: malformed phase weights: %w", sdType, err)
	}
	return p, true, nil
}

// SeedValidationProfiles upserts profiles in one transaction.
func (r Repo) SeedValidationProfiles(ctx context.Context, profiles []domain.ValidationProfile) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, p := range profiles {
		if err := r.UpsertValidationProfileTx(ctx, tx, p); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (r Repo) UpsertValidationProfileTx(ctx context.Context, tx *sql.Tx, p domain.ValidationProfile) error {
	if p.SDType == "" {
		return fmt.Errorf("validation profile sd_type required")
	}
	required, err := json.Marshal(p.RequiredHandoffs)
	if err != nil {
		return err
	}
	if p.PhaseWeights == nil {
		p.PhaseWeights = map[string]int{}
	}
	weights, err := json.Marshal(p.PhaseWeights)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO validation_profiles(sd_type,required_handoffs_json,min_handoffs,phase_weights_json,expected_duration_hours,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(sd_type) DO UPDATE SET required_handoffs_json=excluded.required_handoffs_json, min_handoffs=excluded.min_handoffs,
phase_weights_json=excluded.phase_weights_json, expected_duration_hours=excluded.expected_duration_hours, updated_at=excluded.updated_at`,
		p.SDType, string(required), p.MinHandoffs, string(weights), p.ExpectedDurationHours, formatTime(time.Now()))
	return err
}
