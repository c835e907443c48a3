package validator

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"sdline/internal/decision"
	"sdline/internal/domain"
	"sdline/internal/repo"
)

// Class groups validators by how they reach a verdict.
type Class string

const (
	ClassLocal       Class = "local"
	ClassRepository  Class = "repository"
	ClassPlaceholder Class = "placeholder"
)

// Context is the read-only view a validator gets of one directive.
type Context struct {
	Phase       domain.Phase
	DirectiveID string
	Directive   domain.Directive
	Repo        repo.Repository
	Log         *decision.Logger
	Workspace   string
}

// Verdict is the outcome of one check.
type Verdict struct {
	Satisfied bool
	Reason    string
}

// CheckFunc decides one requirement. A non-nil error means the record store
// failed, never that the requirement is unmet.
type CheckFunc func(ctx context.Context, vc Context) (Verdict, error)

// Validator is a named requirement check. Placeholders carry no Check and
// always pass with Description as the logged reason.
type Validator struct {
	Name        string
	Class       Class
	Description string
	Check       CheckFunc
}

// Result is the logged verdict for one requirement.
type Result struct {
	Requirement string `json:"requirement"`
	Class       Class  `json:"class"`
	Satisfied   bool   `json:"satisfied"`
	Reason      string `json:"reason"`
}

// Registry maps requirement names to validators.
type Registry struct {
	mu         sync.RWMutex
	validators map[string]Validator
}

func NewRegistry() *Registry {
	return &Registry{validators: map[string]Validator{}}
}

// Register adds or replaces a validator.
func (r *Registry) Register(v Validator) error {
	if v.Name == "" {
		return fmt.Errorf("validator name required")
	}
	switch v.Class {
	case ClassLocal, ClassRepository:
		if v.Check == nil {
			return fmt.Errorf("validator %s: check required for %s class", v.Name, v.Class)
		}
	case ClassPlaceholder:
		if v.Description == "" {
			return fmt.Errorf("validator %s: placeholder needs a description", v.Name)
		}
	default:
		return fmt.Errorf("validator %s: unknown class %q", v.Name, v.Class)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[v.Name] = v
	return nil
}

func (r *Registry) Lookup(name string) (Validator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.validators[name]
	return v, ok
}

// Names returns the registered requirement names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.validators))
	for name := range r.validators {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Validate decides one requirement and logs the judgment. Unknown names
// pass with an UNKNOWN_REQUIREMENT warning.
func (r *Registry) Validate(ctx context.Context, name string, vc Context) (Result, error) {
	res := Result{Requirement: name}
	entryCtx := map[string]any{"requirement": name, "phase": string(vc.Phase)}

	v, ok := r.Lookup(name)
	if !ok {
		res.Satisfied = true
		res.Reason = fmt.Sprintf("no validator registered for %q; auto-passing", name)
		logEntry(vc, decision.CategoryUnknownRequirement, decision.ActionWarn, res.Reason, entryCtx)
		return res, nil
	}
	res.Class = v.Class
	entryCtx["class"] = string(v.Class)

	switch v.Class {
	case ClassPlaceholder:
		res.Satisfied = true
		res.Reason = v.Description
		logEntry(vc, decision.CategoryRequirement, decision.ActionAutoPass, res.Reason, entryCtx)
		return res, nil
	default:
		verdict, err := v.Check(ctx, vc)
		if err != nil {
			res.Reason = fmt.Sprintf("check failed: %v", err)
			entryCtx["error"] = err.Error()
			logEntry(vc, decision.CategoryRequirement, decision.ActionBlock, res.Reason, entryCtx)
			return res, fmt.Errorf("requirement %s: %w", name, err)
		}
		res.Satisfied = verdict.Satisfied
		res.Reason = verdict.Reason
		action := decision.ActionPass
		if !verdict.Satisfied {
			action = decision.ActionBlock
		}
		logEntry(vc, decision.CategoryRequirement, action, res.Reason, entryCtx)
		return res, nil
	}
}

// ValidateAll checks every requirement concurrently and returns results in
// the order of names once all checks have finished.
func (r *Registry) ValidateAll(ctx context.Context, names []string, vc Context) ([]Result, error) {
	results := make([]Result, len(names))
	g, gctx := errgroup.WithContext(ctx)
	for i, name := range names {
		g.Go(func() error {
			res, err := r.Validate(gctx, name, vc)
			results[i] = res
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Failed returns the names of unsatisfied requirements in order.
func Failed(results []Result) []string {
	var out []string
	for _, res := range results {
		if !res.Satisfied {
			out = append(out, res.Requirement)
		}
	}
	return out
}

func logEntry(vc Context, category string, action decision.Action, reason string, ctx map[string]any) {
	if vc.Log == nil {
		return
	}
	vc.Log.Log(decision.Entry{
		DirectiveID: vc.DirectiveID,
		Category:    category,
		Action:      action,
		Reason:      reason,
		Context:     ctx,
	})
}
