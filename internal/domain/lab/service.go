package lab

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/db"
)

// maxConflictRetries caps automatic retries after an optimistic-lock loss.
const maxConflictRetries = 3

// AuditLogger records workflow mutations. A nil logger disables auditing.
// Implementations must not fail the calling workflow; the provided one writes
// outside the calling transaction on its own connection.
type AuditLogger interface {
	Record(ctx context.Context, entityType string, entityID uuid.UUID, action, actor, detail string)
}

// Service owns the specimen and result rejection workflow. All mutating
// operations run in a single transaction with the owning order row locked, so
// concurrent mutations on one order serialize.
type Service struct {
	specimens  SpecimenRepository
	tests      OrderTestRepository
	rejections ResultRejectionRepository
	orders     OrderLocker
	tx         db.Runner
	policy     ResolverPolicy
	audit      AuditLogger
}

func NewService(specimens SpecimenRepository, tests OrderTestRepository, rejections ResultRejectionRepository,
	orders OrderLocker, tx db.Runner, policy ResolverPolicy, audit AuditLogger) *Service {
	if policy == nil {
		policy = DefaultResolverPolicy
	}
	return &Service{
		specimens:  specimens,
		tests:      tests,
		rejections: rejections,
		orders:     orders,
		tx:         tx,
		policy:     policy,
		audit:      audit,
	}
}

// inOrderTx runs fn in a transaction holding the order row lock, retrying
// lost optimistic-lock races a capped number of times.
func (s *Service) inOrderTx(ctx context.Context, orderID uuid.UUID, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		err = s.tx.WithTx(ctx, func(ctx context.Context) error {
			if err := s.orders.LockOrder(ctx, orderID); err != nil {
				return fmt.Errorf("lock order: %w", err)
			}
			return fn(ctx)
		})
		if !errors.Is(err, ErrConcurrencyConflict) {
			return err
		}
	}
	return err
}

func (s *Service) record(ctx context.Context, entityType string, entityID uuid.UUID, action, actor, detail string) {
	if s.audit != nil {
		s.audit.Record(ctx, entityType, entityID, action, actor, detail)
	}
}

// =========== Specimen lifecycle ===========

// RegisterSpecimen creates the initial pending specimen for an order and type.
func (s *Service) RegisterSpecimen(ctx context.Context, sp *Specimen) error {
	if sp.OrderID == uuid.Nil || sp.TypeCode == "" {
		return fmt.Errorf("%w: order_id and type_code are required", ErrValidation)
	}
	if sp.RequiredVolumeML <= 0 {
		return fmt.Errorf("%w: required volume must be positive", ErrValidation)
	}
	sp.Status = SpecimenPending
	sp.IsRecollection = false
	sp.OriginalSpecimenID = nil
	sp.RecollectionAttempt = 0
	return s.inOrderTx(ctx, sp.OrderID, func(ctx context.Context) error {
		if err := s.specimens.Create(ctx, sp); err != nil {
			return err
		}
		s.record(ctx, "specimen", sp.ID, "register", "", sp.TypeCode)
		return nil
	})
}

// RegisterTest creates the first instance of a test chain, optionally bound to
// a specimen at registration time.
func (s *Service) RegisterTest(ctx context.Context, ot *OrderTest) error {
	if ot.OrderID == uuid.Nil || ot.TestCode == "" {
		return fmt.Errorf("%w: order_id and test_code are required", ErrValidation)
	}
	ot.Status = TestPending
	ot.IsRetest = false
	ot.RetestOfTestID = nil
	ot.RetestNumber = 0
	ot.ExtraRetests = 0
	return s.inOrderTx(ctx, ot.OrderID, func(ctx context.Context) error {
		if ot.SpecimenID != nil {
			if _, err := s.specimens.GetByID(ctx, *ot.SpecimenID); err != nil {
				return fmt.Errorf("specimen: %w", err)
			}
		}
		if err := s.tests.Create(ctx, ot); err != nil {
			return err
		}
		s.record(ctx, "order_test", ot.ID, "register", "", ot.TestCode)
		return nil
	})
}

// CollectSpecimen marks a pending specimen collected.
func (s *Service) CollectSpecimen(ctx context.Context, id uuid.UUID, in CollectInput) (*Specimen, error) {
	if in.VolumeML <= 0 {
		return nil, fmt.Errorf("%w: collected volume must be positive", ErrValidation)
	}
	if in.ContainerType == "" || in.ContainerColor == "" {
		return nil, fmt.Errorf("%w: container type and color are required", ErrValidation)
	}

	sp, err := s.specimens.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *Specimen
	err = s.inOrderTx(ctx, sp.OrderID, func(ctx context.Context) error {
		sp, err := s.specimens.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if sp.Status != SpecimenPending {
			return fmt.Errorf("%w: cannot collect specimen in status %q", ErrInvalidTransition, sp.Status)
		}
		now := time.Now()
		sp.Status = SpecimenCollected
		sp.CollectedVolumeML = &in.VolumeML
		sp.ContainerType = &in.ContainerType
		sp.ContainerColor = &in.ContainerColor
		sp.CollectedBy = &in.Actor
		sp.CollectedAt = &now
		if in.Notes != "" {
			sp.CollectionNotes = &in.Notes
		}
		if err := s.specimens.Update(ctx, sp); err != nil {
			return err
		}
		s.record(ctx, "specimen", sp.ID, "collect", in.Actor, sp.TypeCode)
		out = sp
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// RejectSpecimen marks a collected specimen rejected for quality reasons.
// When recollection is requested it atomically creates the replacement pending
// specimen, subject to the consistency guard and the recollection budget.
func (s *Service) RejectSpecimen(ctx context.Context, id uuid.UUID, in RejectSpecimenInput) (*RejectSpecimenResult, error) {
	if len(in.Reasons) == 0 {
		return nil, fmt.Errorf("%w: at least one rejection reason is required", ErrValidation)
	}
	for _, r := range in.Reasons {
		if !validQCReasons[r] {
			return nil, fmt.Errorf("%w: unknown rejection reason %q", ErrValidation, r)
		}
	}

	sp, err := s.specimens.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}

	var out *RejectSpecimenResult
	err = s.inOrderTx(ctx, sp.OrderID, func(ctx context.Context) error {
		sp, err := s.specimens.GetByID(ctx, id)
		if err != nil {
			return err
		}
		res, err := s.rejectSpecimenLocked(ctx, sp, in)
		if err != nil {
			return err
		}
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// rejectSpecimenLocked performs the rejection under an already-held order lock.
// Shared by the specimen endpoint and the result re-collect path.
func (s *Service) rejectSpecimenLocked(ctx context.Context, sp *Specimen, in RejectSpecimenInput) (*RejectSpecimenResult, error) {
	switch sp.Status {
	case SpecimenCollected:
	case SpecimenRejected:
		return nil, fmt.Errorf("%w: specimen already rejected", ErrAlreadyTerminal)
	default:
		return nil, fmt.Errorf("%w: cannot reject specimen in status %q", ErrInvalidTransition, sp.Status)
	}

	if in.RequireRecollection {
		validated, err := s.tests.OrderHasValidatedTests(ctx, sp.OrderID)
		if err != nil {
			return nil, err
		}
		if validated {
			return nil, fmt.Errorf("%w: order already has validated results", ErrActionNotEnabled)
		}
		if sp.RecollectionAttempt >= MaxRecollectionAttempts {
			return nil, fmt.Errorf("%w: recollection attempts exhausted", ErrActionNotEnabled)
		}
	}

	now := time.Now()
	reasonCodes := make([]string, len(in.Reasons))
	for i, r := range in.Reasons {
		reasonCodes[i] = string(r)
	}

	sp.Status = SpecimenRejected
	sp.RejectionReasons = reasonCodes
	if in.Notes != "" {
		sp.RejectionNotes = &in.Notes
	}
	sp.RecollectionRequired = in.RequireRecollection
	sp.RejectedBy = &in.Actor
	sp.RejectedAt = &now

	res := &RejectSpecimenResult{Rejected: sp}

	if in.RequireRecollection {
		note := strings.Join(reasonCodes, ", ")
		if in.Notes != "" {
			note += ": " + in.Notes
		}
		repl := &Specimen{
			OrderID:             sp.OrderID,
			TypeCode:            sp.TypeCode,
			TypeDisplay:         sp.TypeDisplay,
			RequiredVolumeML:    sp.RequiredVolumeML,
			RequiredContainer:   sp.RequiredContainer,
			Status:              SpecimenPending,
			IsRecollection:      true,
			OriginalSpecimenID:  &sp.ID,
			RecollectionAttempt: sp.RecollectionAttempt + 1,
			RecollectionNote:    &note,
		}
		if err := s.specimens.Create(ctx, repl); err != nil {
			return nil, err
		}
		sp.RecollectedInID = &repl.ID
		res.New = repl

		// Other test chains still waiting on this specimen move to the
		// replacement; they never drew on the rejected sample.
		bound, err := s.tests.ListBySpecimen(ctx, sp.ID)
		if err != nil {
			return nil, err
		}
		for _, sib := range bound {
			if sib.Status != TestPending {
				continue
			}
			sib.SpecimenID = &repl.ID
			if err := s.tests.Update(ctx, sib); err != nil {
				return nil, err
			}
		}
	}

	if err := s.specimens.Update(ctx, sp); err != nil {
		return nil, err
	}
	s.record(ctx, "specimen", sp.ID, "reject", in.Actor, strings.Join(reasonCodes, ","))
	return res, nil
}

// GetSpecimen returns one specimen.
func (s *Service) GetSpecimen(ctx context.Context, id uuid.UUID) (*Specimen, error) {
	return s.specimens.GetByID(ctx, id)
}

// SpecimenChain returns the recollection chain containing the given specimen,
// oldest first.
func (s *Service) SpecimenChain(ctx context.Context, id uuid.UUID) ([]*Specimen, error) {
	return s.specimens.Chain(ctx, id)
}

// =========== Result lifecycle ===========

// EnterResults records result values on the current test instance. Requires
// the bound specimen to be collected; does not validate.
func (s *Service) EnterResults(ctx context.Context, orderID uuid.UUID, testCode string, values map[string]string, notes, actor string) (*OrderTest, error) {
	if len(values) == 0 {
		return nil, fmt.Errorf("%w: at least one result value is required", ErrValidation)
	}

	var out *OrderTest
	err := s.inOrderTx(ctx, orderID, func(ctx context.Context) error {
		ot, err := s.tests.Current(ctx, orderID, testCode)
		if err != nil {
			return err
		}
		if ot.Terminal() {
			return fmt.Errorf("%w: test %s is %s", ErrAlreadyTerminal, testCode, ot.Status)
		}
		if ot.Status != TestPending {
			return fmt.Errorf("%w: cannot enter results in status %q", ErrInvalidTransition, ot.Status)
		}
		if ot.SpecimenID == nil {
			return fmt.Errorf("%w: no specimen bound to test %s", ErrInvalidTransition, testCode)
		}
		sp, err := s.specimens.GetByID(ctx, *ot.SpecimenID)
		if err != nil {
			return err
		}
		if sp.Status != SpecimenCollected {
			return fmt.Errorf("%w: specimen not collected", ErrInvalidTransition)
		}

		now := time.Now()
		ot.Status = TestEntered
		ot.Results = values
		if notes != "" {
			ot.ResultNotes = &notes
		}
		ot.EnteredBy = &actor
		ot.EnteredAt = &now
		if err := s.tests.Update(ctx, ot); err != nil {
			return err
		}
		s.record(ctx, "order_test", ot.ID, "enter_results", actor, testCode)
		out = ot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateResult marks entered results validated. Terminal success for the chain.
func (s *Service) ValidateResult(ctx context.Context, orderID uuid.UUID, testCode, notes, actor string) (*OrderTest, error) {
	var out *OrderTest
	err := s.inOrderTx(ctx, orderID, func(ctx context.Context) error {
		ot, err := s.tests.Current(ctx, orderID, testCode)
		if err != nil {
			return err
		}
		if ot.Terminal() {
			return fmt.Errorf("%w: test %s is %s", ErrAlreadyTerminal, testCode, ot.Status)
		}
		if ot.Status != TestEntered {
			return fmt.Errorf("%w: cannot validate in status %q", ErrInvalidTransition, ot.Status)
		}

		now := time.Now()
		ot.Status = TestValidated
		ot.ValidatedBy = &actor
		ot.ValidatedAt = &now
		if notes != "" {
			ot.ValidationNotes = &notes
		}
		if err := s.tests.Update(ctx, ot); err != nil {
			return err
		}
		s.record(ctx, "order_test", ot.ID, "validate", actor, testCode)
		out = ot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// FlagCritical marks the current instance as carrying a critical value.
// Idempotent; orthogonal to the rejection workflow.
func (s *Service) FlagCritical(ctx context.Context, orderID uuid.UUID, testCode, actor string) (*OrderTest, error) {
	var out *OrderTest
	err := s.inOrderTx(ctx, orderID, func(ctx context.Context) error {
		ot, err := s.tests.Current(ctx, orderID, testCode)
		if err != nil {
			return err
		}
		if ot.Status != TestEntered && ot.Status != TestValidated {
			return fmt.Errorf("%w: no results to flag in status %q", ErrInvalidTransition, ot.Status)
		}
		if !ot.CriticalValue {
			ot.CriticalValue = true
			if err := s.tests.Update(ctx, ot); err != nil {
				return err
			}
			s.record(ctx, "order_test", ot.ID, "flag_critical", actor, testCode)
		}
		out = ot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AcknowledgeCritical records that a clinician has seen a critical value.
func (s *Service) AcknowledgeCritical(ctx context.Context, orderID uuid.UUID, testCode, actor string) (*OrderTest, error) {
	var out *OrderTest
	err := s.inOrderTx(ctx, orderID, func(ctx context.Context) error {
		ot, err := s.tests.Current(ctx, orderID, testCode)
		if err != nil {
			return err
		}
		if !ot.CriticalValue {
			return fmt.Errorf("%w: no critical value flagged on test %s", ErrValidation, testCode)
		}
		if ot.CriticalAckBy != nil {
			return fmt.Errorf("%w: critical value already acknowledged", ErrInvalidTransition)
		}
		now := time.Now()
		ot.CriticalAckBy = &actor
		ot.CriticalAckAt = &now
		if err := s.tests.Update(ctx, ot); err != nil {
			return err
		}
		s.record(ctx, "order_test", ot.ID, "ack_critical", actor, testCode)
		out = ot
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetRejectionOptions computes the currently permitted actions for a chain.
// Snapshot read; mutation-time checks recompute inside the transaction.
func (s *Service) GetRejectionOptions(ctx context.Context, orderID uuid.UUID, testCode string) (RejectionOptions, error) {
	return s.computeOptions(ctx, orderID, testCode)
}

func (s *Service) computeOptions(ctx context.Context, orderID uuid.UUID, testCode string) (RejectionOptions, error) {
	ot, err := s.tests.Current(ctx, orderID, testCode)
	if err != nil {
		return RejectionOptions{}, err
	}
	retests, err := s.rejections.CountByType(ctx, orderID, testCode, RejectionRetest)
	if err != nil {
		return RejectionOptions{}, err
	}
	retestHistory := retests - ot.ExtraRetests
	if retestHistory < 0 {
		retestHistory = 0
	}

	recollections := 0
	if ot.SpecimenID != nil {
		sp, err := s.specimens.GetByID(ctx, *ot.SpecimenID)
		if err != nil {
			return RejectionOptions{}, err
		}
		head, err := s.specimens.ChainHead(ctx, orderID, sp.TypeCode)
		if err != nil {
			return RejectionOptions{}, err
		}
		recollections = head.RecollectionAttempt
	}

	validated, err := s.tests.OrderHasValidatedTests(ctx, orderID)
	if err != nil {
		return RejectionOptions{}, err
	}

	return ComputeRejectionOptions(RuleInputs{
		RetestHistory:          retestHistory,
		RecollectionHistory:    recollections,
		OrderHasValidatedTests: validated,
	}), nil
}

// RejectResult rejects the current entered results and applies the requested
// retry action, or flags the chain for escalation when budgets are exhausted.
// Pass an empty rejectionType to use the computed default.
func (s *Service) RejectResult(ctx context.Context, orderID uuid.UUID, testCode, reason string, rejectionType RejectionType, actor string) (*RejectionResult, error) {
	var out *RejectionResult
	err := s.inOrderTx(ctx, orderID, func(ctx context.Context) error {
		ot, err := s.tests.Current(ctx, orderID, testCode)
		if err != nil {
			return err
		}
		if ot.Terminal() {
			return fmt.Errorf("%w: test %s is %s", ErrAlreadyTerminal, testCode, ot.Status)
		}
		if ot.EscalationRequired {
			return fmt.Errorf("%w: %w, resolve before rejecting again", ErrActionNotEnabled, ErrAlreadyEscalated)
		}
		if ot.Status != TestEntered {
			return fmt.Errorf("%w: no entered results to reject in status %q", ErrInvalidTransition, ot.Status)
		}

		opts, err := s.computeOptions(ctx, orderID, testCode)
		if err != nil {
			return err
		}
		requested := rejectionType
		if requested == "" {
			requested = DefaultRejectionType(opts)
		}
		if err := ConfirmAllowed(opts, requested, reason); err != nil {
			return err
		}

		now := time.Now()
		ot.Status = TestRejected
		res := &RejectionResult{Action: requested, OriginalTestID: ot.ID}

		if opts.EscalationRequired {
			// No history row here: the rejection performs no retry, so it must
			// not count against either budget.
			ot.EscalationRequired = true
			if err := s.tests.Update(ctx, ot); err != nil {
				return err
			}
			res.Success = true
			res.EscalationRequired = true
			s.record(ctx, "order_test", ot.ID, "escalate", actor, reason)
			out = res
			return nil
		}

		rr := &ResultRejection{
			OrderTestID:   ot.ID,
			OrderID:       orderID,
			TestCode:      testCode,
			Reason:        reason,
			RejectionType: requested,
			RejectedBy:    actor,
			RejectedAt:    now,
		}
		if err := s.rejections.Create(ctx, rr); err != nil {
			return err
		}

		if err := s.tests.Update(ctx, ot); err != nil {
			return err
		}

		switch requested {
		case RejectionRetest:
			next, err := s.createRetestInstance(ctx, ot, ot.SpecimenID)
			if err != nil {
				return err
			}
			res.NewTestID = &next.ID
		case RejectionRecollect:
			if ot.SpecimenID == nil {
				return fmt.Errorf("%w: no specimen bound to test %s", ErrInvalidTransition, testCode)
			}
			sp, err := s.specimens.GetByID(ctx, *ot.SpecimenID)
			if err != nil {
				return err
			}
			replacementID, err := s.recollectFor(ctx, sp, reason, actor)
			if err != nil {
				return err
			}
			next, err := s.createRetestInstance(ctx, ot, replacementID)
			if err != nil {
				return err
			}
			res.NewTestID = &next.ID
			res.NewSpecimenID = replacementID
		}

		res.Success = true
		s.record(ctx, "order_test", ot.ID, "reject_result", actor, fmt.Sprintf("%s (%s)", reason, requested))
		out = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// recollectFor resolves the replacement specimen a re-collect should bind to.
// When a sibling chain already rejected the shared specimen, the open
// replacement at the chain head is reused; one sample serves every test that
// draws on it. Otherwise the specimen is rejected and a replacement created.
func (s *Service) recollectFor(ctx context.Context, sp *Specimen, reason, actor string) (*uuid.UUID, error) {
	if sp.Status == SpecimenRejected {
		head, err := s.specimens.ChainHead(ctx, sp.OrderID, sp.TypeCode)
		if err != nil {
			return nil, err
		}
		if head.Status == SpecimenRejected {
			return nil, fmt.Errorf("%w: specimen chain for %s is closed", ErrActionNotEnabled, sp.TypeCode)
		}
		return &head.ID, nil
	}
	spRes, err := s.rejectSpecimenLocked(ctx, sp, RejectSpecimenInput{
		Reasons:             []QCReason{QCResultRejected},
		Notes:               reason,
		RequireRecollection: true,
		Actor:               actor,
	})
	if err != nil {
		return nil, err
	}
	return &spRes.New.ID, nil
}

// createRetestInstance appends the next instance to the chain, carrying the
// retest allowance forward.
func (s *Service) createRetestInstance(ctx context.Context, prev *OrderTest, specimenID *uuid.UUID) (*OrderTest, error) {
	next := &OrderTest{
		OrderID:        prev.OrderID,
		TestCode:       prev.TestCode,
		TestDisplay:    prev.TestDisplay,
		Status:         TestPending,
		SpecimenID:     specimenID,
		IsRetest:       true,
		RetestOfTestID: &prev.ID,
		RetestNumber:   prev.RetestNumber + 1,
		ExtraRetests:   prev.ExtraRetests,
	}
	if err := s.tests.Create(ctx, next); err != nil {
		return nil, err
	}
	return next, nil
}

// TestsByOrder lists all test instances for an order, chains interleaved in
// test-code order.
func (s *Service) TestsByOrder(ctx context.Context, orderID uuid.UUID) ([]*OrderTest, error) {
	return s.tests.ListByOrder(ctx, orderID)
}

// SpecimensByOrder lists every specimen row for an order, all chains included.
func (s *Service) SpecimensByOrder(ctx context.Context, orderID uuid.UUID) ([]*Specimen, error) {
	return s.specimens.ListByOrder(ctx, orderID)
}

// TestChain returns every instance for (order, test code), oldest first.
func (s *Service) TestChain(ctx context.Context, orderID uuid.UUID, testCode string) ([]*OrderTest, error) {
	return s.tests.Chain(ctx, orderID, testCode)
}

// RejectionHistory returns the chain's ordered rejection records.
func (s *Service) RejectionHistory(ctx context.Context, orderID uuid.UUID, testCode string) ([]*ResultRejection, error) {
	return s.rejections.ListByChain(ctx, orderID, testCode)
}
