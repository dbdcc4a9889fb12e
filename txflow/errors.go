package txflow

import (
	"errors"
	"fmt"

	"lendingdash/chain"
)

var (
	// ErrInvalidRequest is returned when a request is missing required inputs.
	ErrInvalidRequest = errors.New("txflow: invalid request")
	// ErrNotPrepared is returned when submitting without a successful preparation.
	ErrNotPrepared = errors.New("txflow: call not prepared")
	// ErrInFlight is returned when a transaction of the same kind is already
	// in flight for the account.
	ErrInFlight = errors.New("txflow: transaction already in flight")
	// ErrSettlementTimeout is returned when polling gives up before the
	// transaction reached a terminal state.
	ErrSettlementTimeout = errors.New("txflow: settlement timed out")
	// ErrStalePreparation is returned when a prepared call no longer matches
	// the inputs it is being used for.
	ErrStalePreparation = errors.New("txflow: prepared call is stale")
	// ErrBusy is returned when a flow is started while a previous run is active.
	ErrBusy = errors.New("txflow: flow already running")
)

// Class groups orchestration failures by the stage that produced them.
type Class string

const (
	ClassPreparation Class = "preparation"
	ClassSubmission  Class = "submission"
	ClassSettlement  Class = "settlement"
)

// Error carries the stage and transaction kind of a failure.
type Error struct {
	Class Class
	Kind  chain.Kind
	Err   error
}

func (e *Error) Error() string {
	return fmt.Sprintf("txflow: %s %s: %v", e.Kind, e.Class, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func wrap(class Class, kind chain.Kind, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Class: class, Kind: kind, Err: err}
}

// ClassOf reports the stage of an orchestration error.
func ClassOf(err error) (Class, bool) {
	var flowErr *Error
	if errors.As(err, &flowErr) {
		return flowErr.Class, true
	}
	return "", false
}

// settlementReason maps a settlement error onto a stable metrics label.
func settlementReason(err error) string {
	switch {
	case err == nil:
		return "succeeded"
	case errors.Is(err, ErrSettlementTimeout):
		return "timeout"
	case errors.Is(err, chain.ErrReverted):
		return "reverted"
	default:
		return "aborted"
	}
}
