package lab

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ResolverPolicy decides whether a caller may view or resolve escalations.
// Passed explicitly so the gate is testable without transport context.
type ResolverPolicy interface {
	CanResolve(roles []string) bool
}

// RolePolicy allows callers holding any of the listed roles.
type RolePolicy struct {
	Allowed []string
}

func (p RolePolicy) CanResolve(roles []string) bool {
	for _, have := range roles {
		for _, want := range p.Allowed {
			if have == want {
				return true
			}
		}
	}
	return false
}

// DefaultResolverPolicy admits administrators and senior lab technicians.
var DefaultResolverPolicy = RolePolicy{Allowed: []string{"admin", "lab_tech_plus"}}

// PendingEscalations lists chains flagged for escalation, role-gated by the
// resolver policy.
func (s *Service) PendingEscalations(ctx context.Context, roles []string, limit, offset int) ([]*OrderTest, int, error) {
	if !s.policy.CanResolve(roles) {
		return nil, 0, fmt.Errorf("%w: escalation queue requires a resolver role", ErrUnauthorized)
	}
	return s.tests.ListEscalated(ctx, limit, offset)
}

// ResolveEscalation applies a terminal decision to an escalated chain. The
// policy check runs inside the same transaction as the write.
func (s *Service) ResolveEscalation(ctx context.Context, orderID uuid.UUID, testCode, actor string, roles []string, res EscalationResolution) (*EscalationResolveResult, error) {
	switch res.Action {
	case ResolveForceValidate, ResolveAuthorizeRetest:
		if res.Notes == "" {
			return nil, fmt.Errorf("%w: %s requires notes", ErrValidation, res.Action)
		}
	case ResolveFinalReject:
		if res.RejectionReason == "" {
			return nil, fmt.Errorf("%w: final_reject requires a rejection reason", ErrValidation)
		}
	default:
		return nil, fmt.Errorf("%w: unknown resolution action %q", ErrValidation, res.Action)
	}

	var out *EscalationResolveResult
	err := s.inOrderTx(ctx, orderID, func(ctx context.Context) error {
		if !s.policy.CanResolve(roles) {
			return fmt.Errorf("%w: escalation resolution requires a resolver role", ErrUnauthorized)
		}
		ot, err := s.tests.Current(ctx, orderID, testCode)
		if err != nil {
			return err
		}
		if !ot.EscalationRequired {
			return fmt.Errorf("%w: test %s has no pending escalation", ErrNotEscalated, testCode)
		}

		now := time.Now()
		ot.EscalationRequired = false
		ot.ResolvedBy = &actor
		ot.ResolvedAt = &now
		action := res.Action
		ot.ResolutionAction = &action
		if res.Notes != "" {
			ot.ResolutionNotes = &res.Notes
		}

		result := &EscalationResolveResult{Action: res.Action, TestID: ot.ID}

		switch res.Action {
		case ResolveForceValidate:
			ot.Status = TestValidated
			ot.ValidatedBy = &actor
			ot.ValidatedAt = &now
			ot.ValidationNotes = &res.Notes
			if err := s.tests.Update(ctx, ot); err != nil {
				return err
			}
		case ResolveAuthorizeRetest:
			ot.ExtraRetests++
			if err := s.tests.Update(ctx, ot); err != nil {
				return err
			}
			next, err := s.createRetestInstance(ctx, ot, ot.SpecimenID)
			if err != nil {
				return err
			}
			result.NewTestID = &next.ID
		case ResolveFinalReject:
			ot.Status = TestRejectedFinal
			reason := res.RejectionReason
			if ot.ResolutionNotes == nil {
				ot.ResolutionNotes = &reason
			}
			if err := s.tests.Update(ctx, ot); err != nil {
				return err
			}
		}

		result.Success = true
		result.Status = ot.Status
		s.record(ctx, "order_test", ot.ID, "resolve_escalation", actor, res.Action)
		out = result
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}
