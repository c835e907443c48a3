package compliance

import (
	"context"

	"sdline/internal/aggregate"
	"sdline/internal/decision"
	"sdline/internal/metrics"
)

// Evaluate aggregates a directive's records and scores them. Scoring reads
// only; the sole side effects are dl entries and metric observations.
func Evaluate(ctx context.Context, agg aggregate.Aggregator, directiveID string, dl *decision.Logger, m *metrics.Metrics) (Report, error) {
	data, err := agg.Aggregate(ctx, directiveID, dl)
	if err != nil {
		return Report{}, err
	}
	r := Compute(data)
	r.Observe(m)
	return r, nil
}

// Observe records every dimension and the overall score.
func (r Report) Observe(m *metrics.Metrics) {
	for name, s := range r.Dimensions {
		m.Score(name, s.Score)
	}
	m.Score("overall", r.Overall)
}
