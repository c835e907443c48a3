package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"sdline/internal/domain"
)

// DirectiveCreateOptions are parameters for creating a directive.
type DirectiveCreateOptions struct {
	ID       string
	Title    string
	Type     string
	Priority string
	ParentID string
	Metadata domain.Metadata
}

func (e Engine) CreateDirective(ctx context.Context, opts DirectiveCreateOptions) (domain.Directive, error) {
	if strings.TrimSpace(opts.Title) == "" {
		return domain.Directive{}, errors.New("title is required")
	}
	if opts.Type == "" {
		opts.Type = "feature"
	}
	if opts.ParentID != "" {
		parent, ok, err := e.Repo.GetDirective(ctx, opts.ParentID)
		if err != nil {
			return domain.Directive{}, err
		}
		if !ok {
			return domain.Directive{}, fmt.Errorf("%w: parent %s", ErrDirectiveNotFound, opts.ParentID)
		}
		if parent.ParentID != nil {
			return domain.Directive{}, fmt.Errorf("parent %s is itself a child of %s; nesting is one level deep", parent.ID, *parent.ParentID)
		}
	}
	id := opts.ID
	if id == "" {
		id = "SD-" + strings.ToUpper(uuid.NewString()[:8])
	}
	now := e.now()
	d := domain.Directive{
		ID:           id,
		Title:        opts.Title,
		Type:         opts.Type,
		CurrentPhase: domain.PhaseLead,
		Status:       domain.StatusDraft,
		Priority:     strings.ToLower(opts.Priority),
		Metadata:     opts.Metadata,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if opts.ParentID != "" {
		parent := opts.ParentID
		d.ParentID = &parent
	}
	return e.Repo.UpsertDirective(ctx, d)
}

// DirectiveUpdateOptions carries optional edits; nil fields are unchanged.
type DirectiveUpdateOptions struct {
	ID            string
	Title         *string
	Priority      *string
	Status        *domain.Status
	AddObjectives []string
	Description   *string
	Pattern       *string
	Tags          []string
}

func (e Engine) UpdateDirective(ctx context.Context, opts DirectiveUpdateOptions) (domain.Directive, error) {
	d, ok, err := e.Repo.GetDirective(ctx, opts.ID)
	if err != nil {
		return domain.Directive{}, err
	}
	if !ok {
		return domain.Directive{}, fmt.Errorf("%w: %s", ErrDirectiveNotFound, opts.ID)
	}
	if opts.Title != nil {
		d.Title = *opts.Title
	}
	if opts.Priority != nil {
		d.Priority = strings.ToLower(*opts.Priority)
	}
	if opts.Status != nil {
		if err := ensureStatusTransition(d.Status, *opts.Status); err != nil {
			return domain.Directive{}, err
		}
		d.Status = *opts.Status
	}
	if opts.Description != nil {
		d.Metadata.Description = *opts.Description
	}
	if opts.Pattern != nil {
		d.Metadata.EvidencePattern = *opts.Pattern
	}
	d.Metadata.Objectives = append(d.Metadata.Objectives, opts.AddObjectives...)
	if len(opts.Tags) > 0 {
		d.Metadata.Tags = opts.Tags
	}
	d.UpdatedAt = e.now()
	return e.Repo.UpsertDirective(ctx, d)
}

// ensureStatusTransition limits manual status edits; the orchestrator owns
// every other transition.
func ensureStatusTransition(oldStatus, newStatus domain.Status) error {
	switch oldStatus {
	case domain.StatusDraft:
		if newStatus == domain.StatusApproved {
			return nil
		}
	case domain.StatusApproved:
		if newStatus == domain.StatusDraft {
			return nil
		}
	case domain.StatusFailed:
		if newStatus == domain.StatusInProgress {
			return nil
		}
	}
	return fmt.Errorf("invalid manual status transition %s -> %s", oldStatus, newStatus)
}
