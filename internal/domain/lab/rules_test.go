package lab

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeRejectionOptions_FreshChain(t *testing.T) {
	opts := ComputeRejectionOptions(RuleInputs{})

	assert.True(t, opts.CanRetest)
	assert.Equal(t, 3, opts.RetestAttemptsRemaining)
	assert.True(t, opts.CanRecollect)
	assert.Equal(t, 3, opts.RecollectionAttemptsRemaining)
	assert.False(t, opts.EscalationRequired)
	assert.Equal(t, RejectionRetest, opts.DefaultAction)
}

func TestComputeRejectionOptions_RemainingArithmetic(t *testing.T) {
	cases := []struct {
		name               string
		retests            int
		recollections      int
		wantRetestLeft     int
		wantRecollectLeft  int
		wantEscalation     bool
	}{
		{"none used", 0, 0, 3, 3, false},
		{"one retest", 1, 0, 2, 3, false},
		{"two retests", 2, 0, 1, 3, false},
		{"retests exhausted", 3, 0, 0, 3, false},
		{"recollections exhausted", 0, 3, 3, 0, false},
		{"both exhausted", 3, 3, 0, 0, true},
		{"history beyond max clamps to zero", 5, 7, 0, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := ComputeRejectionOptions(RuleInputs{
				RetestHistory:       tc.retests,
				RecollectionHistory: tc.recollections,
			})
			assert.Equal(t, tc.wantRetestLeft, opts.RetestAttemptsRemaining)
			assert.Equal(t, tc.wantRecollectLeft, opts.RecollectionAttemptsRemaining)
			assert.Equal(t, tc.wantEscalation, opts.EscalationRequired)
			assert.Equal(t, tc.wantRetestLeft > 0, opts.CanRetest)
			assert.Equal(t, tc.wantRecollectLeft > 0, opts.CanRecollect)
		})
	}
}

func TestComputeRejectionOptions_ValidatedOrderBlocksRecollection(t *testing.T) {
	opts := ComputeRejectionOptions(RuleInputs{OrderHasValidatedTests: true})

	assert.False(t, opts.CanRecollect)
	// Remaining count still reported; only the permission is withdrawn.
	assert.Equal(t, 3, opts.RecollectionAttemptsRemaining)
	assert.True(t, opts.CanRetest)
	assert.False(t, opts.EscalationRequired)

	for _, a := range opts.AvailableActions {
		if a.Action == ActionRecollectNewSample {
			assert.False(t, a.Enabled)
			assert.Equal(t, "order already has validated results", a.DisabledReason)
		}
	}
}

func TestComputeRejectionOptions_EscalationWhenValidatedAndRetestsGone(t *testing.T) {
	opts := ComputeRejectionOptions(RuleInputs{
		RetestHistory:          3,
		OrderHasValidatedTests: true,
	})

	assert.False(t, opts.CanRetest)
	assert.False(t, opts.CanRecollect)
	assert.True(t, opts.EscalationRequired)

	var escalate AvailableAction
	for _, a := range opts.AvailableActions {
		if a.Action == ActionEscalate {
			escalate = a
		}
	}
	assert.True(t, escalate.Enabled)
}

func TestComputeRejectionOptions_ActionListIsStable(t *testing.T) {
	opts := ComputeRejectionOptions(RuleInputs{})
	require.Len(t, opts.AvailableActions, 3)
	assert.Equal(t, ActionRetestSameSample, opts.AvailableActions[0].Action)
	assert.Equal(t, ActionRecollectNewSample, opts.AvailableActions[1].Action)
	assert.Equal(t, ActionEscalate, opts.AvailableActions[2].Action)
}

func TestDefaultRejectionType(t *testing.T) {
	assert.Equal(t, RejectionRetest, DefaultRejectionType(ComputeRejectionOptions(RuleInputs{})))
	assert.Equal(t, RejectionRecollect, DefaultRejectionType(ComputeRejectionOptions(RuleInputs{RetestHistory: 3})))
	// Everything exhausted: the label falls back to re-test, escalation decides.
	assert.Equal(t, RejectionRetest, DefaultRejectionType(ComputeRejectionOptions(RuleInputs{RetestHistory: 3, RecollectionHistory: 3})))
}

func TestConfirmAllowed_RequiresReason(t *testing.T) {
	opts := ComputeRejectionOptions(RuleInputs{})
	err := ConfirmAllowed(opts, RejectionRetest, "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}

func TestConfirmAllowed_EnabledAction(t *testing.T) {
	opts := ComputeRejectionOptions(RuleInputs{})
	assert.NoError(t, ConfirmAllowed(opts, RejectionRetest, "hemolyzed"))
	assert.NoError(t, ConfirmAllowed(opts, RejectionRecollect, "clotted"))
}

func TestConfirmAllowed_DisabledActionRefused(t *testing.T) {
	opts := ComputeRejectionOptions(RuleInputs{RetestHistory: 3})
	err := ConfirmAllowed(opts, RejectionRetest, "still off")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrActionNotEnabled))
}

func TestConfirmAllowed_EscalationOverridesDisabled(t *testing.T) {
	// Both budgets exhausted: any reasoned confirm proceeds, the workflow will
	// escalate instead of retrying.
	opts := ComputeRejectionOptions(RuleInputs{RetestHistory: 3, RecollectionHistory: 3})
	require.True(t, opts.EscalationRequired)
	assert.NoError(t, ConfirmAllowed(opts, RejectionRetest, "exhausted"))
	assert.Error(t, ConfirmAllowed(opts, RejectionRetest, ""))
}

func TestConfirmAllowed_UnknownType(t *testing.T) {
	opts := ComputeRejectionOptions(RuleInputs{})
	err := ConfirmAllowed(opts, RejectionType("redo"), "reason")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidation))
}
