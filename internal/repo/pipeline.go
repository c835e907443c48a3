package repo

import (
	"context"
	"time"

	"sdline/internal/domain"
)

func (r Repo) RecordProposalOutcome(ctx context.Context, o domain.ProposalOutcome) error {
	if o.RecordedAt.IsZero() {
		o.RecordedAt = time.Now().UTC()
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO pipeline_outcomes(id,proposal_id,proposal_type,target,decision,category,score,tokens,content,recorded_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		o.ID, o.ProposalID, o.ProposalType, nullable(o.Target), string(o.Decision), nullable(o.Category), o.Score, o.Tokens, nullable(o.Content), formatTime(o.RecordedAt))
	return err
}

// ListProposalOutcomes returns outcomes recorded at or after since, oldest
// first. A zero since returns everything.
func (r Repo) ListProposalOutcomes(ctx context.Context, since time.Time) ([]domain.ProposalOutcome, error) {
	query := `SELECT id,proposal_id,proposal_type,COALESCE(target,''),decision,COALESCE(category,''),score,tokens,COALESCE(content,''),recorded_at FROM pipeline_outcomes`
	var args []any
	if !since.IsZero() {
		query += ` WHERE recorded_at >= ?`
		args = append(args, formatTime(since))
	}
	query += ` ORDER BY recorded_at, rowid`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProposalOutcome
	for rows.Next() {
		o, err := scanProposalOutcome(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

func scanProposalOutcome(row rowScanner) (domain.ProposalOutcome, error) {
	var (
		o                  domain.ProposalOutcome
		decision, recorded string
	)
	if err := row.Scan(&o.ID, &o.ProposalID, &o.ProposalType, &o.Target, &decision, &o.Category, &o.Score, &o.Tokens, &o.Content, &recorded); err != nil {
		return o, err
	}
	o.Decision = domain.ProposalDecision(decision)
	var err error
	if o.RecordedAt, err = parseTime(recorded); err != nil {
		return o, err
	}
	return o, nil
}
