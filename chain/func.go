package chain

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
)

// ErrNotConfigured is returned by FuncProvider callbacks that were left unset.
var ErrNotConfigured = errors.New("chain: provider not configured")

// FuncProvider adapts callback functions to the Provider interface.
type FuncProvider struct {
	SimulateFunc func(ctx context.Context, req TransactionRequest) error
	SubmitFunc   func(ctx context.Context, req TransactionRequest) (TransactionHandle, error)
	ReceiptFunc  func(ctx context.Context, handle TransactionHandle) (Outcome, error)
	BalanceFunc  func(ctx context.Context, account common.Address, token *common.Address) (Balance, error)
}

// Simulate delegates to the configured callback.
func (p FuncProvider) Simulate(ctx context.Context, req TransactionRequest) error {
	if p.SimulateFunc == nil {
		return ErrNotConfigured
	}
	return p.SimulateFunc(ctx, req)
}

// Submit delegates to the configured callback.
func (p FuncProvider) Submit(ctx context.Context, req TransactionRequest) (TransactionHandle, error) {
	if p.SubmitFunc == nil {
		return TransactionHandle{}, ErrNotConfigured
	}
	return p.SubmitFunc(ctx, req)
}

// Receipt delegates to the configured callback.
func (p FuncProvider) Receipt(ctx context.Context, handle TransactionHandle) (Outcome, error) {
	if p.ReceiptFunc == nil {
		return OutcomePending, ErrNotConfigured
	}
	return p.ReceiptFunc(ctx, handle)
}

// Balance delegates to the configured callback.
func (p FuncProvider) Balance(ctx context.Context, account common.Address, token *common.Address) (Balance, error) {
	if p.BalanceFunc == nil {
		return Balance{}, ErrNotConfigured
	}
	return p.BalanceFunc(ctx, account, token)
}
