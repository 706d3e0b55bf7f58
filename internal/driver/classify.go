package driver

import (
	"regexp"

	"github.com/loomworks/loom/internal/executor"
)

// Outcome is the terminal label of one execution.
type Outcome string

const (
	OutcomeApplied       Outcome = "applied"
	OutcomeBlockedPolicy Outcome = "blocked-policy"
	OutcomeNeedsInput    Outcome = "needs-input"
	OutcomeNoChange      Outcome = "no-change"
)

// policyGatePattern recognizes analysis text produced when a safety or
// policy gate refused to act, as opposed to an ordinary request for
// clarification.
var policyGatePattern = regexp.MustCompile(`(?i)\b(polic(y|ies)|not (?:permitted|allowed)|cannot comply|requires (?:approval|authorization)|blocked by)\b`)

// Classify maps an execution result to exactly one outcome. Applied
// wins unconditionally; the policy-gate check is evaluated before the
// generic clarification check so a policy-gated clarification is never
// mis-labelled needs-input.
func Classify(res *executor.Result) Outcome {
	if len(res.Changes) > 0 {
		return OutcomeApplied
	}
	if res.NeedsClarification && policyGatePattern.MatchString(res.Analysis) {
		return OutcomeBlockedPolicy
	}
	if res.NeedsClarification {
		return OutcomeNeedsInput
	}
	return OutcomeNoChange
}
