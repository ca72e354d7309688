package lab

import "fmt"

// Retry budgets per chain.
const (
	MaxRetestAttempts       = 3
	MaxRecollectionAttempts = 3
)

// RuleInputs are the only facts the rules engine may consult. RetestHistory is
// the chain's re-test rejection count net of any authorized allowance;
// RecollectionHistory is the chain head specimen's recollection attempt.
type RuleInputs struct {
	RetestHistory          int
	RecollectionHistory    int
	OrderHasValidatedTests bool
}

// ComputeRejectionOptions derives the permitted actions from attempt counts and
// the order-level validated flag. Pure: no side effects, re-derivable at any
// time from the two history lists plus the flag.
func ComputeRejectionOptions(in RuleInputs) RejectionOptions {
	retestRemaining := MaxRetestAttempts - in.RetestHistory
	if retestRemaining < 0 {
		retestRemaining = 0
	}
	recollectRemaining := MaxRecollectionAttempts - in.RecollectionHistory
	if recollectRemaining < 0 {
		recollectRemaining = 0
	}

	canRetest := retestRemaining > 0
	canRecollect := recollectRemaining > 0 && !in.OrderHasValidatedTests
	escalate := !canRetest && !canRecollect

	retest := AvailableAction{
		Action:      ActionRetestSameSample,
		Enabled:     canRetest,
		Label:       "Re-test Same Sample",
		Description: "Repeat the assay using the current specimen",
	}
	if !canRetest {
		retest.DisabledReason = "retest attempts exhausted"
	}

	recollect := AvailableAction{
		Action:      ActionRecollectNewSample,
		Enabled:     canRecollect,
		Label:       "Re-collect New Sample",
		Description: "Obtain a new specimen from the patient",
	}
	if !canRecollect {
		if in.OrderHasValidatedTests {
			recollect.DisabledReason = "order already has validated results"
		} else {
			recollect.DisabledReason = "recollection attempts exhausted"
		}
	}

	escalateAction := AvailableAction{
		Action:      ActionEscalate,
		Enabled:     escalate,
		Label:       "Escalate",
		Description: "Route to an administrator or senior lab technician for resolution",
	}
	if !escalate {
		escalateAction.DisabledReason = "retry options still available"
	}

	opts := RejectionOptions{
		CanRetest:                     canRetest,
		RetestAttemptsRemaining:       retestRemaining,
		CanRecollect:                  canRecollect,
		RecollectionAttemptsRemaining: recollectRemaining,
		AvailableActions:              []AvailableAction{retest, recollect, escalateAction},
		EscalationRequired:            escalate,
	}
	opts.DefaultAction = DefaultRejectionType(opts)
	return opts
}

// DefaultRejectionType picks the action used when the caller expresses no
// preference: re-test when available, else re-collect when not blocked, else
// the re-test label as an informational fallback (the action itself will be
// refused and escalation forced).
func DefaultRejectionType(opts RejectionOptions) RejectionType {
	if opts.CanRetest {
		return RejectionRetest
	}
	if opts.CanRecollect {
		return RejectionRecollect
	}
	return RejectionRetest
}

// ConfirmAllowed is the confirm/allow gate: an action may proceed only with a
// non-empty reason, and either escalation is already required (any reason
// suffices, the system will escalate) or the chosen action is enabled.
func ConfirmAllowed(opts RejectionOptions, requested RejectionType, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w: rejection reason is required", ErrValidation)
	}
	if opts.EscalationRequired {
		return nil
	}
	switch requested {
	case RejectionRetest:
		if !opts.CanRetest {
			return fmt.Errorf("%w: %s", ErrActionNotEnabled, disabledReason(opts, ActionRetestSameSample))
		}
	case RejectionRecollect:
		if !opts.CanRecollect {
			return fmt.Errorf("%w: %s", ErrActionNotEnabled, disabledReason(opts, ActionRecollectNewSample))
		}
	default:
		return fmt.Errorf("%w: unknown rejection type %q", ErrValidation, requested)
	}
	return nil
}

func disabledReason(opts RejectionOptions, action ActionCode) string {
	for _, a := range opts.AvailableActions {
		if a.Action == action {
			return a.DisabledReason
		}
	}
	return "action not available"
}
