package txflow

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lendingdash/chain"
)

func TestLiquidationApprovesBeforeLiquidating(t *testing.T) {
	provider := newScriptedProvider()
	provider.receipts[chain.KindApprove] = []chain.Outcome{chain.OutcomePending, chain.OutcomeSucceeded}
	provider.receipts[chain.KindLiquidate] = []chain.Outcome{chain.OutcomePending, chain.OutcomePending, chain.OutcomeSucceeded}
	orch, notifier := newTestOrchestrator(t, provider)
	flow := NewLiquidationFlow(orch)

	err := flow.Run(context.Background(), liquidationPlan(t, 1_050_000))
	require.NoError(t, err)

	require.Equal(t, []string{
		"simulate:approve",
		"submit:approve",
		"simulate:liquidate",
		"submit:liquidate",
	}, provider.Calls())
	successes, failures := notifier.Snapshot()
	require.Equal(t, []string{MsgLiquidated}, successes)
	require.Empty(t, failures)
	require.Equal(t, StateDone, flow.State())
	require.Equal(t, []Transition{
		{StateIdle, StateApproving},
		{StateApproving, StateAwaitingApproval},
		{StateAwaitingApproval, StateLiquidating},
		{StateLiquidating, StateAwaitingLiquidation},
		{StateAwaitingLiquidation, StateDone},
	}, flow.History())
}

func TestLiquidationWithoutStableLegSkipsApproval(t *testing.T) {
	provider := newScriptedProvider()
	orch, notifier := newTestOrchestrator(t, provider)
	flow := NewLiquidationFlow(orch)

	require.NoError(t, flow.Run(context.Background(), liquidationPlan(t, 0)))

	require.Equal(t, []string{"simulate:liquidate", "submit:liquidate"}, provider.Calls())
	successes, _ := notifier.Snapshot()
	require.Equal(t, []string{MsgLiquidated}, successes)
	require.Equal(t, StateIdle, flow.History()[0].From)
	require.Equal(t, StateLiquidating, flow.History()[0].To)
}

func TestApprovalFailureNeverSubmitsLiquidation(t *testing.T) {
	provider := newScriptedProvider()
	provider.receipts[chain.KindApprove] = []chain.Outcome{chain.OutcomePending, chain.OutcomeFailed}
	orch, notifier := newTestOrchestrator(t, provider)
	flow := NewLiquidationFlow(orch)

	err := flow.Run(context.Background(), liquidationPlan(t, 10))
	require.ErrorIs(t, err, chain.ErrReverted)
	class, ok := ClassOf(err)
	require.True(t, ok)
	require.Equal(t, ClassSettlement, class)

	require.NotContains(t, provider.Calls(), "submit:liquidate")
	require.NotContains(t, provider.Calls(), "simulate:liquidate")
	successes, failures := notifier.Snapshot()
	require.Empty(t, successes)
	require.Equal(t, []string{MsgApproveError}, failures)
	require.Equal(t, StateFailed, flow.State())
}

func TestLiquidationRevertAfterApprovalNotifiesOnceAndAllowsRetry(t *testing.T) {
	provider := newScriptedProvider()
	provider.receipts[chain.KindLiquidate] = []chain.Outcome{chain.OutcomePending, chain.OutcomeFailed, chain.OutcomeFailed}
	orch, notifier := newTestOrchestrator(t, provider)
	flow := NewLiquidationFlow(orch)
	plan := liquidationPlan(t, 10)

	require.Error(t, flow.Run(context.Background(), plan))
	successes, failures := notifier.Snapshot()
	require.Empty(t, successes)
	require.Equal(t, []string{MsgLiquidateError}, failures)
	require.Equal(t, StateFailed, flow.State())
	require.False(t, orch.InFlight(chain.KindLiquidate, plan.Account.Hex()))

	provider.mu.Lock()
	provider.receipts[chain.KindLiquidate] = []chain.Outcome{chain.OutcomeSucceeded}
	provider.mu.Unlock()
	require.NoError(t, flow.Run(context.Background(), plan))
	successes, failures = notifier.Snapshot()
	require.Equal(t, []string{MsgLiquidated}, successes)
	require.Len(t, failures, 1)
	require.Equal(t, Transition{StateFailed, StateIdle}, flow.History()[0])
}

func TestLiquidationSubmissionRejected(t *testing.T) {
	provider := newScriptedProvider()
	provider.submitErr[chain.KindLiquidate] = errors.New("user rejected request")
	orch, notifier := newTestOrchestrator(t, provider)
	flow := NewLiquidationFlow(orch)

	err := flow.Run(context.Background(), liquidationPlan(t, 0))
	class, ok := ClassOf(err)
	require.True(t, ok)
	require.Equal(t, ClassSubmission, class)
	_, failures := notifier.Snapshot()
	require.Equal(t, []string{MsgLiquidateError}, failures)
	require.Equal(t, StateFailed, flow.State())
}

func TestLiquidationPreparationFailureAfterApproval(t *testing.T) {
	provider := newScriptedProvider()
	provider.simulateErr[chain.KindLiquidate] = chain.ErrReverted
	orch, notifier := newTestOrchestrator(t, provider)
	flow := NewLiquidationFlow(orch)

	err := flow.Run(context.Background(), liquidationPlan(t, 10))
	class, _ := ClassOf(err)
	require.Equal(t, ClassPreparation, class)
	require.NotContains(t, provider.Calls(), "submit:liquidate")
	_, failures := notifier.Snapshot()
	require.Equal(t, []string{MsgLiquidateError}, failures)
}

func TestConcurrentLiquidationForSameAccountIsRejected(t *testing.T) {
	provider := newScriptedProvider()
	provider.gate = make(chan struct{})
	orch, _ := newTestOrchestrator(t, provider)
	plan := liquidationPlan(t, 0)

	first := NewLiquidationFlow(orch)
	errs := make(chan error, 1)
	go func() { errs <- first.Run(context.Background(), plan) }()

	require.Eventually(t, func() bool {
		return first.State() == StateAwaitingLiquidation
	}, time.Second, time.Millisecond)

	second := NewLiquidationFlow(orch)
	err := second.Run(context.Background(), plan)
	require.ErrorIs(t, err, ErrInFlight)
	require.Equal(t, StateIdle, second.State())
	require.True(t, first.State().Active())

	close(provider.gate)
	require.NoError(t, <-errs)
	require.Equal(t, StateDone, first.State())
}

func TestTransitionTableRejectsShortcuts(t *testing.T) {
	require.False(t, canTransition(StateApproving, StateLiquidating))
	require.False(t, canTransition(StateIdle, StateDone))
	require.False(t, canTransition(StateAwaitingApproval, StateDone))
	require.True(t, canTransition(StateAwaitingApproval, StateLiquidating))
}

func TestLiquidationHoldsLoadingAcrossBothLegs(t *testing.T) {
	provider := newScriptedProvider()
	indicator := &countingIndicator{}
	orch, _ := newTestOrchestrator(t, provider, WithLoading(NewLoading(indicator)))
	flow := NewLiquidationFlow(orch)

	require.NoError(t, flow.Run(context.Background(), liquidationPlan(t, 1_050_000)))
	require.Len(t, provider.Calls(), 4)
	opens, closes := indicator.Counts()
	require.Equal(t, 1, opens)
	require.Equal(t, 1, closes)
	require.False(t, orch.Loading().Active())
}
