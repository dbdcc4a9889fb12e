package txflow

import (
	"context"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"lendingdash/chain"
	"lendingdash/observability/logging"
	"lendingdash/storage/journal"
)

var testContracts = chain.Contracts{
	Pool: common.HexToAddress("0x1000000000000000000000000000000000000001"),
	USDC: common.HexToAddress("0x2000000000000000000000000000000000000002"),
	WETH: common.HexToAddress("0x3000000000000000000000000000000000000003"),
}

// scriptedProvider replays receipt sequences per transaction kind and
// records every call in order.
type scriptedProvider struct {
	mu          sync.Mutex
	simulateErr map[chain.Kind]error
	submitErr   map[chain.Kind]error
	receipts    map[chain.Kind][]chain.Outcome
	// gate, when set, blocks Receipt until closed.
	gate  chan struct{}
	calls []string
	kinds map[common.Hash]chain.Kind
	polls map[common.Hash]int
	next  int64
}

func newScriptedProvider() *scriptedProvider {
	return &scriptedProvider{
		simulateErr: map[chain.Kind]error{},
		submitErr:   map[chain.Kind]error{},
		receipts:    map[chain.Kind][]chain.Outcome{},
		kinds:       map[common.Hash]chain.Kind{},
		polls:       map[common.Hash]int{},
	}
}

func (p *scriptedProvider) Simulate(_ context.Context, req chain.TransactionRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "simulate:"+string(req.Kind))
	return p.simulateErr[req.Kind]
}

func (p *scriptedProvider) Submit(_ context.Context, req chain.TransactionRequest) (chain.TransactionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, "submit:"+string(req.Kind))
	if err := p.submitErr[req.Kind]; err != nil {
		return chain.TransactionHandle{}, err
	}
	p.next++
	hash := common.BigToHash(big.NewInt(p.next))
	p.kinds[hash] = req.Kind
	return chain.TransactionHandle{Hash: hash, Kind: req.Kind}, nil
}

func (p *scriptedProvider) Receipt(ctx context.Context, handle chain.TransactionHandle) (chain.Outcome, error) {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return chain.OutcomePending, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	kind, ok := p.kinds[handle.Hash]
	if !ok {
		kind = handle.Kind
	}
	seq := p.receipts[kind]
	if len(seq) == 0 {
		return chain.OutcomeSucceeded, nil
	}
	idx := p.polls[handle.Hash]
	p.polls[handle.Hash] = idx + 1
	if idx >= len(seq) {
		idx = len(seq) - 1
	}
	return seq[idx], nil
}

func (p *scriptedProvider) Balance(context.Context, common.Address, *common.Address) (chain.Balance, error) {
	return chain.Balance{Amount: big.NewInt(0), Decimals: 18}, nil
}

func (p *scriptedProvider) Calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.calls...)
}

type recordingNotifier struct {
	mu        sync.Mutex
	successes []string
	errors    []string
}

func (n *recordingNotifier) Success(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.successes = append(n.successes, msg)
}

func (n *recordingNotifier) Error(msg string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.errors = append(n.errors, msg)
}

func (n *recordingNotifier) Snapshot() ([]string, []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.successes...), append([]string(nil), n.errors...)
}

type countingIndicator struct {
	mu     sync.Mutex
	opens  int
	closes int
}

func (c *countingIndicator) Open() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opens++
}

func (c *countingIndicator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
}

func (c *countingIndicator) Counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opens, c.closes
}

type recordingJournal struct {
	*journal.Memory
	mu     sync.Mutex
	writes []journal.Record
}

func (j *recordingJournal) Put(rec journal.Record) error {
	j.mu.Lock()
	j.writes = append(j.writes, rec)
	j.mu.Unlock()
	return j.Memory.Put(rec)
}

func (j *recordingJournal) Writes() []journal.Record {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]journal.Record(nil), j.writes...)
}

func newTestOrchestrator(t *testing.T, provider chain.Provider, opts ...Option) (*Orchestrator, *recordingNotifier) {
	t.Helper()
	notifier := &recordingNotifier{}
	base := []Option{
		WithNotifier(notifier),
		WithLogger(logging.Discard()),
		WithPollInterval(time.Millisecond),
		WithSettleTimeout(time.Second),
	}
	orch, err := New(provider, append(base, opts...)...)
	require.NoError(t, err)
	return orch, notifier
}

func liquidationPlan(t *testing.T, stable int64) LiquidationPlan {
	t.Helper()
	account := common.HexToAddress("0xbeef")
	approve, err := testContracts.Approve(common.Address{}, big.NewInt(stable))
	require.NoError(t, err)
	liquidate, err := testContracts.Liquidate(common.Address{}, account, big.NewInt(1e15))
	require.NoError(t, err)
	return LiquidationPlan{
		Account:      account,
		StableAmount: big.NewInt(stable),
		Approve:      approve,
		Liquidate:    liquidate,
	}
}

func withdrawCall(t *testing.T, orch *Orchestrator, amount int64) *PreparedCall {
	t.Helper()
	req, err := testContracts.Withdraw(common.Address{}, testContracts.USDC, big.NewInt(amount))
	require.NoError(t, err)
	call, err := orch.Prepare(context.Background(), req)
	require.NoError(t, err)
	return call
}
