package engine

import (
	"errors"
	"fmt"
	"strings"

	"sdline/internal/domain"
)

// ErrDirectiveNotFound is returned when a run names an unknown directive.
var ErrDirectiveNotFound = errors.New("directive not found")

// BlockingRequirementError stops a phase whose requirements are unmet. It
// is never retried.
type BlockingRequirementError struct {
	DirectiveID string
	Phase       domain.Phase
	Failed      []string
	Remediation []string
}

func (e *BlockingRequirementError) Error() string {
	msg := fmt.Sprintf("directive %s blocked in %s: unmet requirement(s) %s", e.DirectiveID, e.Phase, strings.Join(e.Failed, ", "))
	if len(e.Remediation) > 0 {
		msg += "; remediation: " + strings.Join(e.Remediation, "; ")
	}
	return msg
}

// IsBlocking reports whether err is a BlockingRequirementError.
func IsBlocking(err error) bool {
	var b *BlockingRequirementError
	return errors.As(err, &b)
}

// RunFailedError is a hard failure recorded on the directive.
type RunFailedError struct {
	DirectiveID string
	Phase       domain.Phase
	Err         error
}

func (e *RunFailedError) Error() string {
	return fmt.Sprintf("directive %s failed in %s: %v", e.DirectiveID, e.Phase, e.Err)
}

func (e *RunFailedError) Unwrap() error { return e.Err }

func blocking(d domain.Directive, phase domain.Phase, failed []string) *BlockingRequirementError {
	hints := make([]string, 0, len(failed))
	for _, name := range failed {
		hints = append(hints, remediation(d.ID, name))
	}
	return &BlockingRequirementError{DirectiveID: d.ID, Phase: phase, Failed: failed, Remediation: hints}
}

func remediation(id, requirement string) string {
	switch requirement {
	case "sd_exists":
		return "create the directive with sdl directive create --id " + id
	case "objectives_defined":
		return "add objectives with sdl directive update " + id + " --objective <text>"
	case "priority_set":
		return "set priority to critical, high, medium or low"
	case "lead_to_plan_accepted":
		return "accept the " + domain.HandoffLeadToPlan + " handoff with sdl handoff accept <handoff-id>"
	case "plan_to_exec_accepted":
		return "accept the " + domain.HandoffPlanToExec + " handoff with sdl handoff accept <handoff-id>"
	case "exec_to_plan_accepted":
		return "accept the " + domain.HandoffExecToPlan + " handoff with sdl handoff accept <handoff-id>"
	case "plan_to_lead_accepted":
		return "accept the " + domain.HandoffPlanToLead + " handoff with sdl handoff accept <handoff-id>"
	case "prd_exists", "acceptance_criteria_defined":
		return "record the PRD with sdl prd set " + id + " --criteria <text>"
	case "tests_passed_marker":
		return "run the test suite and create .sdline/markers/" + id + "/tests-passed"
	case "verification_completed":
		return "complete the VERIFICATION phase first"
	case "approval":
		return "address the reviewer feedback, then re-run with --force to request approval again"
	default:
		return "satisfy requirement " + requirement
	}
}
