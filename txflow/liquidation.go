package txflow

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"lendingdash/chain"
)

// State is a liquidation flow state.
type State string

const (
	StateIdle                State = "idle"
	StateApproving           State = "approving"
	StateAwaitingApproval    State = "awaiting_approval"
	StateLiquidating         State = "liquidating"
	StateAwaitingLiquidation State = "awaiting_liquidation"
	StateDone                State = "done"
	StateFailed              State = "failed"
)

// liquidationTransitions lists every legal state change. Liquidating is only
// reachable from AwaitingApproval after the approval settled successfully,
// or directly from Idle when no stable-token leg is owed.
var liquidationTransitions = map[State][]State{
	StateIdle:                {StateApproving, StateLiquidating},
	StateApproving:           {StateAwaitingApproval, StateFailed},
	StateAwaitingApproval:    {StateLiquidating, StateFailed},
	StateLiquidating:         {StateAwaitingLiquidation, StateFailed},
	StateAwaitingLiquidation: {StateDone, StateFailed},
	StateDone:                {StateIdle},
	StateFailed:              {StateIdle},
}

// Active reports whether the state is part of a running flow.
func (s State) Active() bool {
	switch s {
	case StateApproving, StateAwaitingApproval, StateLiquidating, StateAwaitingLiquidation:
		return true
	}
	return false
}

func canTransition(from, to State) bool {
	for _, next := range liquidationTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Liquidation notification texts.
const (
	MsgLiquidated     = "Liquidated."
	MsgLiquidateError = "Error."
	MsgApproveError   = "Approve Error."
)

// LiquidationPlan carries the inputs for one liquidation.
type LiquidationPlan struct {
	Account common.Address
	// StableAmount is the stable-token leg owed, in token units. When it is
	// positive an approval must settle before liquidation is submitted.
	StableAmount *big.Int
	Approve      chain.TransactionRequest
	Liquidate    chain.TransactionRequest
}

// NeedsApproval reports whether the plan has a stable-token leg.
func (p LiquidationPlan) NeedsApproval() bool {
	return p.StableAmount != nil && p.StableAmount.Sign() > 0
}

// Transition records a state change.
type Transition struct {
	From State
	To   State
}

// LiquidationFlow sequences the approve → liquidate calls for a single
// candidate as an explicit state machine.
type LiquidationFlow struct {
	orch *Orchestrator

	mu      sync.Mutex
	state   State
	lastErr error
	flowID  string
	history []Transition
}

// NewLiquidationFlow constructs an idle flow.
func NewLiquidationFlow(orch *Orchestrator) *LiquidationFlow {
	return &LiquidationFlow{orch: orch, state: StateIdle}
}

// State returns the current state.
func (f *LiquidationFlow) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Err returns the error that moved the flow to Failed, if any.
func (f *LiquidationFlow) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastErr
}

// History returns the transitions of the most recent run.
func (f *LiquidationFlow) History() []Transition {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Transition(nil), f.history...)
}

func (f *LiquidationFlow) advance(to State) {
	f.mu.Lock()
	from := f.state
	if !canTransition(from, to) {
		f.mu.Unlock()
		panic(fmt.Sprintf("txflow: illegal liquidation transition %s -> %s", from, to))
	}
	f.state = to
	f.history = append(f.history, Transition{From: from, To: to})
	f.mu.Unlock()
	f.orch.metrics.RecordTransition(string(from), string(to))
}

func (f *LiquidationFlow) fail(err error) error {
	f.mu.Lock()
	f.lastErr = err
	f.mu.Unlock()
	f.advance(StateFailed)
	return err
}

// start moves a resting flow back to Idle and claims it for a new run.
func (f *LiquidationFlow) start() (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state.Active() {
		return "", ErrBusy
	}
	if f.state != StateIdle {
		f.history = append(f.history[:0], Transition{From: f.state, To: StateIdle})
		f.orch.metrics.RecordTransition(string(f.state), string(StateIdle))
		f.state = StateIdle
	} else {
		f.history = f.history[:0]
	}
	f.lastErr = nil
	f.flowID = uuid.NewString()
	return f.flowID, nil
}

// Run executes the plan. It returns after the flow reaches Done or Failed.
// Exactly one notification is emitted for the run.
func (f *LiquidationFlow) Run(ctx context.Context, plan LiquidationPlan) error {
	account := plan.Account.Hex()
	release, err := f.orch.Begin(chain.KindLiquidate, account)
	if err != nil {
		return err
	}
	defer release()

	flowID, err := f.start()
	if err != nil {
		return err
	}
	logger := f.orch.logger.With("flow", flowID, "account", account)
	// One lease spans both legs so the indicator stays open between them.
	lease := f.orch.loading.Acquire()
	defer lease()

	if plan.NeedsApproval() {
		f.advance(StateApproving)
		approval, err := f.orch.Prepare(ctx, plan.Approve)
		if err != nil {
			logger.Warn("approval preparation failed", "error", err)
			f.orch.notify(LevelError, MsgApproveError)
			return f.fail(err)
		}
		_, err = f.orch.Run(ctx, Step{
			Call:           approval,
			FlowID:         flowID,
			Account:        account,
			FailureMessage: MsgApproveError,
			OnSubmitted:    func(chain.TransactionHandle) { f.advance(StateAwaitingApproval) },
		})
		if err != nil {
			return f.fail(err)
		}
	}

	// The liquidation is prepared only now: its simulation depends on the
	// allowance granted above.
	f.advance(StateLiquidating)
	liquidation, err := f.orch.Prepare(ctx, plan.Liquidate)
	if err != nil {
		logger.Warn("liquidation preparation failed", "error", err)
		f.orch.notify(LevelError, MsgLiquidateError)
		return f.fail(err)
	}
	_, err = f.orch.Run(ctx, Step{
		Call:           liquidation,
		FlowID:         flowID,
		Account:        account,
		SuccessMessage: MsgLiquidated,
		FailureMessage: MsgLiquidateError,
		OnSubmitted:    func(chain.TransactionHandle) { f.advance(StateAwaitingLiquidation) },
	})
	if err != nil {
		return f.fail(err)
	}
	f.advance(StateDone)
	logger.Info("liquidation complete")
	return nil
}
