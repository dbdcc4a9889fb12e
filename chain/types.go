package chain

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	// ErrReverted is returned when a simulated or mined call reverts.
	ErrReverted = errors.New("chain: execution reverted")
	// ErrNoSigner is returned when Submit is called on a read-only provider.
	ErrNoSigner = errors.New("chain: signer not configured")
)

// Kind labels the logical purpose of a transaction.
type Kind string

const (
	KindApprove   Kind = "approve"
	KindLiquidate Kind = "liquidate"
	KindWithdraw  Kind = "withdraw"
)

// Outcome is the settlement state of a submitted transaction.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSucceeded
	OutcomeFailed
)

// Terminal reports whether the outcome can no longer change.
func (o Outcome) Terminal() bool {
	return o == OutcomeSucceeded || o == OutcomeFailed
}

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// TransactionRequest describes an intended state-changing contract call.
// Method and Args are kept alongside the encoded Data so requests can be
// compared and logged without decoding calldata.
type TransactionRequest struct {
	Kind   Kind
	From   common.Address
	To     common.Address
	Method string
	Args   []any
	Value  *big.Int
	Data   []byte
}

// Fingerprint returns a stable digest of every input that affects the call.
func (r TransactionRequest) Fingerprint() string {
	var b strings.Builder
	b.WriteString(string(r.Kind))
	b.WriteByte('|')
	b.WriteString(r.From.Hex())
	b.WriteByte('|')
	b.WriteString(r.To.Hex())
	b.WriteByte('|')
	b.WriteString(r.Method)
	for _, arg := range r.Args {
		b.WriteByte('|')
		fmt.Fprint(&b, arg)
	}
	b.WriteByte('|')
	if r.Value != nil {
		b.WriteString(r.Value.String())
	}
	b.WriteByte('|')
	b.WriteString(hex.EncodeToString(r.Data))
	return hex.EncodeToString(crypto.Keccak256([]byte(b.String())))
}

// ValueOrZero returns the attached value, never nil.
func (r TransactionRequest) ValueOrZero() *big.Int {
	if r.Value == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(r.Value)
}

// TransactionHandle identifies a transaction accepted by the provider.
type TransactionHandle struct {
	Hash        common.Hash
	Kind        Kind
	SubmittedAt time.Time
}

// Balance is an account balance denominated in the token's smallest unit.
type Balance struct {
	Amount   *big.Int
	Decimals uint8
	Symbol   string
}

// Provider captures the chain interactions the dashboard requires.
type Provider interface {
	Simulate(ctx context.Context, req TransactionRequest) error
	Submit(ctx context.Context, req TransactionRequest) (TransactionHandle, error)
	Receipt(ctx context.Context, handle TransactionHandle) (Outcome, error)
	Balance(ctx context.Context, account common.Address, token *common.Address) (Balance, error)
}
