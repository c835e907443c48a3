// Package aggregate collects the records a compliance score is computed
// from. Composite directives pool their children's records while keeping
// each unit's own lists.
package aggregate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"sdline/internal/config"
	"sdline/internal/decision"
	"sdline/internal/domain"
	"sdline/internal/repo"
)

// ErrNotFound is returned when the directive to aggregate does not exist.
var ErrNotFound = errors.New("directive not found")

// Unit is the record set of a single directive.
type Unit struct {
	Directive domain.Directive         `json:"directive"`
	Profile   domain.ValidationProfile `json:"profile"`
	// DefaultProfile is set when the SD type had no profile of its own.
	DefaultProfile   bool                        `json:"default_profile"`
	Handoffs         []domain.Handoff            `json:"handoffs"`
	Timeline         []domain.PhaseTimelineEntry `json:"timeline"`
	PRD              *domain.PRDSummary          `json:"prd,omitempty"`
	Retrospective    *domain.Retrospective       `json:"retrospective,omitempty"`
	ExpectedDuration time.Duration               `json:"expected_duration"`
}

// Accepted returns the unit's accepted handoffs.
func (u Unit) Accepted() []domain.Handoff {
	return accepted(u.Handoffs)
}

// Data is everything the scorer reads for one directive.
type Data struct {
	Root      Unit   `json:"root"`
	Composite bool   `json:"composite"`
	Children  []Unit `json:"children,omitempty"`
	// Handoffs and Timeline are the union over root and children.
	Handoffs []domain.Handoff            `json:"handoffs"`
	Timeline []domain.PhaseTimelineEntry `json:"timeline"`
}

// Units returns the root followed by its children.
func (d Data) Units() []Unit {
	out := make([]Unit, 0, 1+len(d.Children))
	out = append(out, d.Root)
	return append(out, d.Children...)
}

// Accepted returns the accepted handoffs of every unit.
func (d Data) Accepted() []domain.Handoff {
	return accepted(d.Handoffs)
}

func accepted(hs []domain.Handoff) []domain.Handoff {
	var out []domain.Handoff
	for _, h := range hs {
		if h.Status == domain.HandoffAccepted {
			out = append(out, h)
		}
	}
	return out
}

type Aggregator struct {
	Repo   repo.Repository
	Config *config.Config
	Log    *zap.Logger
}

func New(r repo.Repository, cfg *config.Config) Aggregator {
	return Aggregator{Repo: r, Config: cfg, Log: zap.NewNop()}
}

// Aggregate loads the directive and, when it has children, every child.
// Profile fallbacks are recorded on dl when it is non-nil.
func (a Aggregator) Aggregate(ctx context.Context, directiveID string, dl *decision.Logger) (Data, error) {
	d, ok, err := a.Repo.GetDirective(ctx, directiveID)
	if err != nil {
		return Data{}, fmt.Errorf("load directive %s: %w", directiveID, err)
	}
	if !ok {
		return Data{}, fmt.Errorf("%w: %s", ErrNotFound, directiveID)
	}
	n, err := a.Repo.CountChildren(ctx, directiveID)
	if err != nil {
		return Data{}, fmt.Errorf("count children of %s: %w", directiveID, err)
	}

	root, err := a.unit(ctx, d, dl)
	if err != nil {
		return Data{}, err
	}
	data := Data{Root: root, Composite: n > 0}
	if data.Composite {
		if data.Children, err = a.children(ctx, directiveID, dl); err != nil {
			return Data{}, err
		}
	}
	for _, u := range data.Units() {
		data.Handoffs = append(data.Handoffs, u.Handoffs...)
		data.Timeline = append(data.Timeline, u.Timeline...)
	}
	a.logger().Debug("aggregated directive",
		zap.String("sd_id", directiveID),
		zap.Bool("composite", data.Composite),
		zap.Int("children", len(data.Children)),
		zap.Int("handoffs", len(data.Handoffs)))
	return data, nil
}

// children aggregates each child concurrently and keeps the listing order.
func (a Aggregator) children(ctx context.Context, parentID string, dl *decision.Logger) ([]Unit, error) {
	kids, err := a.Repo.ListChildren(ctx, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children of %s: %w", parentID, err)
	}
	out := make([]Unit, len(kids))
	g, gctx := errgroup.WithContext(ctx)
	for i, kid := range kids {
		g.Go(func() error {
			u, err := a.unit(gctx, kid, dl)
			if err != nil {
				return err
			}
			out[i] = u
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (a Aggregator) unit(ctx context.Context, d domain.Directive, dl *decision.Logger) (Unit, error) {
	u := Unit{Directive: d}
	hs, err := a.Repo.ListHandoffs(ctx, d.ID)
	if err != nil {
		return Unit{}, fmt.Errorf("list handoffs of %s: %w", d.ID, err)
	}
	for _, h := range hs {
		if h.Status != domain.HandoffRejected {
			u.Handoffs = append(u.Handoffs, h)
		}
	}
	if u.Timeline, err = a.Repo.ListTimeline(ctx, d.ID); err != nil {
		return Unit{}, fmt.Errorf("list timeline of %s: %w", d.ID, err)
	}
	if prd, ok, err := a.Repo.GetPRD(ctx, d.ID); err != nil {
		return Unit{}, fmt.Errorf("load PRD of %s: %w", d.ID, err)
	} else if ok {
		u.PRD = &prd
	}
	if rt, ok, err := a.Repo.GetRetrospective(ctx, d.ID); err != nil {
		return Unit{}, fmt.Errorf("load retrospective of %s: %w", d.ID, err)
	} else if ok {
		u.Retrospective = &rt
	}
	if u.Profile, u.DefaultProfile, err = a.profile(ctx, d, dl); err != nil {
		return Unit{}, err
	}
	if a.Config != nil {
		u.ExpectedDuration = a.Config.ExpectedDuration(u.Profile)
	}
	return u, nil
}

// profile resolves the validation profile for the directive's SD type:
// stored overrides first, then the configured profiles, then the default.
func (a Aggregator) profile(ctx context.Context, d domain.Directive, dl *decision.Logger) (domain.ValidationProfile, bool, error) {
	p, ok, err := a.Repo.GetValidationProfile(ctx, d.Type)
	if err != nil {
		return domain.ValidationProfile{}, false, fmt.Errorf("load profile %q: %w", d.Type, err)
	}
	if !ok && a.Config != nil {
		p, ok = a.Config.Profile(d.Type)
	}
	fallback := !ok
	if fallback {
		if a.Config != nil {
			p = a.Config.DefaultProfile
		}
		p.SDType = d.Type
		if dl != nil {
			dl.Log(decision.Entry{
				Category: decision.CategoryUnknownUnitType,
				Action:   decision.ActionWarn,
				Reason:   fmt.Sprintf("no validation profile for SD type %q; using default profile", d.Type),
				Context:  map[string]any{"sd_id": d.ID, "sd_type": d.Type},
			})
		}
		a.logger().Warn("unknown SD type; using default profile", zap.String("sd_id", d.ID), zap.String("sd_type", d.Type))
	}
	if len(p.PhaseWeights) == 0 && a.Config != nil {
		p.PhaseWeights = a.Config.DefaultProfile.PhaseWeights
	}
	return p, fallback, nil
}

func (a Aggregator) logger() *zap.Logger {
	if a.Log != nil {
		return a.Log
	}
	return zap.NewNop()
}
