package validator

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"sdline/internal/db"
	"sdline/internal/domain"
)

// TestsPassedMarker is the file dropped by the test runner into the
// directive's marker directory.
const TestsPassedMarker = "tests-passed"

var validPriorities = map[string]bool{"critical": true, "high": true, "medium": true, "low": true}

// Default returns a registry holding the builtin requirement checks.
func Default() *Registry {
	r := NewRegistry()
	for _, v := range builtins() {
		if err := r.Register(v); err != nil {
			panic(err)
		}
	}
	return r
}

func builtins() []Validator {
	return []Validator{
		{Name: "sd_exists", Class: ClassRepository, Check: directiveExists},
		{Name: "objectives_defined", Class: ClassLocal, Check: objectivesDefined},
		{Name: "priority_set", Class: ClassLocal, Check: prioritySet},
		HandoffAccepted("lead_to_plan_accepted", domain.HandoffLeadToPlan),
		HandoffAccepted("plan_to_exec_accepted", domain.HandoffPlanToExec),
		HandoffAccepted("exec_to_plan_accepted", domain.HandoffExecToPlan),
		HandoffAccepted("plan_to_lead_accepted", domain.HandoffPlanToLead),
		{Name: "prd_exists", Class: ClassRepository, Check: prdExists},
		{Name: "acceptance_criteria_defined", Class: ClassRepository, Check: acceptanceCriteriaDefined},
		Marker("tests_passed_marker", TestsPassedMarker),
		{Name: "verification_completed", Class: ClassRepository, Check: phaseRecorded(domain.PhaseVerification)},
		{Name: "screenshots_captured", Class: ClassPlaceholder, Description: "screenshot capture cannot be verified without a human reviewer"},
		{Name: "sub_agent_review", Class: ClassPlaceholder, Description: "sub-agent review is attested outside the orchestrator"},
	}
}

// HandoffAccepted requires an accepted handoff of the given type.
func HandoffAccepted(name, handoffType string) Validator {
	return Validator{
		Name:  name,
		Class: ClassRepository,
		Check: func(ctx context.Context, vc Context) (Verdict, error) {
			hs, err := vc.Repo.ListHandoffs(ctx, vc.DirectiveID)
			if err != nil {
				return Verdict{}, err
			}
			pending := false
			for _, h := range hs {
				if h.Type != handoffType {
					continue
				}
				switch h.Status {
				case domain.HandoffAccepted:
					return Verdict{Satisfied: true, Reason: fmt.Sprintf("%s handoff %s accepted", handoffType, h.ID)}, nil
				case domain.HandoffPending:
					pending = true
				}
			}
			if pending {
				return Verdict{Reason: fmt.Sprintf("%s handoff is still pending acceptance", handoffType)}, nil
			}
			return Verdict{Reason: fmt.Sprintf("no %s handoff recorded", handoffType)}, nil
		},
	}
}

// Marker requires a file in the directive's marker directory.
func Marker(name, file string) Validator {
	return Validator{
		Name:  name,
		Class: ClassLocal,
		Check: func(_ context.Context, vc Context) (Verdict, error) {
			path := filepath.Join(db.MarkerDir(vc.Workspace, vc.DirectiveID), file)
			_, err := os.Stat(path)
			switch {
			case err == nil:
				return Verdict{Satisfied: true, Reason: "marker " + file + " present"}, nil
			case errors.Is(err, fs.ErrNotExist):
				return Verdict{Reason: "marker " + file + " missing at " + path}, nil
			default:
				return Verdict{Reason: fmt.Sprintf("marker %s unreadable: %v", file, err)}, nil
			}
		},
	}
}

func directiveExists(ctx context.Context, vc Context) (Verdict, error) {
	_, ok, err := vc.Repo.GetDirective(ctx, vc.DirectiveID)
	if err != nil {
		return Verdict{}, err
	}
	if !ok {
		return Verdict{Reason: "directive " + vc.DirectiveID + " not found"}, nil
	}
	return Verdict{Satisfied: true, Reason: "directive recorded"}, nil
}

func objectivesDefined(_ context.Context, vc Context) (Verdict, error) {
	n := 0
	for _, o := range vc.Directive.Metadata.Objectives {
		if strings.TrimSpace(o) != "" {
			n++
		}
	}
	if n == 0 {
		return Verdict{Reason: "no strategic objectives defined"}, nil
	}
	return Verdict{Satisfied: true, Reason: fmt.Sprintf("%d objective(s) defined", n)}, nil
}

func prioritySet(_ context.Context, vc Context) (Verdict, error) {
	p := strings.ToLower(vc.Directive.Priority)
	if !validPriorities[p] {
		return Verdict{Reason: fmt.Sprintf("priority %q is not one of critical, high, medium, low", vc.Directive.Priority)}, nil
	}
	return Verdict{Satisfied: true, Reason: "priority " + p}, nil
}

func prdExists(ctx context.Context, vc Context) (Verdict, error) {
	p, ok, err := vc.Repo.GetPRD(ctx, vc.DirectiveID)
	if err != nil {
		return Verdict{}, err
	}
	if !ok {
		return Verdict{Reason: "no PRD recorded"}, nil
	}
	return Verdict{Satisfied: true, Reason: fmt.Sprintf("PRD %s (%s)", p.ID, p.Status)}, nil
}

func acceptanceCriteriaDefined(ctx context.Context, vc Context) (Verdict, error) {
	p, ok, err := vc.Repo.GetPRD(ctx, vc.DirectiveID)
	if err != nil {
		return Verdict{}, err
	}
	if !ok {
		return Verdict{Reason: "no PRD recorded"}, nil
	}
	if len(p.AcceptanceCriteria) == 0 {
		return Verdict{Reason: "PRD " + p.ID + " has no acceptance criteria"}, nil
	}
	return Verdict{Satisfied: true, Reason: fmt.Sprintf("%d acceptance criteria", len(p.AcceptanceCriteria))}, nil
}

func phaseRecorded(phase domain.Phase) CheckFunc {
	return func(ctx context.Context, vc Context) (Verdict, error) {
		tl, err := vc.Repo.ListTimeline(ctx, vc.DirectiveID)
		if err != nil {
			return Verdict{}, err
		}
		for _, e := range tl {
			if e.Phase == phase {
				return Verdict{Satisfied: true, Reason: fmt.Sprintf("%s completed at %s", phase, e.CompletedAt.Format("2006-01-02T15:04:05Z07:00"))}, nil
			}
		}
		return Verdict{Reason: fmt.Sprintf("%s completion not recorded", phase)}, nil
	}
}
