package dashboard

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
	"lendingdash/txflow"
)

var (
	testContracts = chain.Contracts{
		Pool: common.HexToAddress("0x1000000000000000000000000000000000000001"),
		USDC: common.HexToAddress("0x2000000000000000000000000000000000000002"),
		WETH: common.HexToAddress("0x3000000000000000000000000000000000000003"),
	}
	liquidator = common.HexToAddress("0x4000000000000000000000000000000000000004")
	borrower   = common.HexToAddress("0x5000000000000000000000000000000000000005")
)

type fakeProvider struct {
	mu          sync.Mutex
	simulateErr map[chain.Kind]error
	outcome     map[chain.Kind]chain.Outcome
	balances    map[common.Address]chain.Balance
	gate        chan struct{}
	// onSimulate, when set, runs before each simulation without the lock held.
	onSimulate  func(chain.TransactionRequest)
	simulated   []chain.TransactionRequest
	submitted   []chain.TransactionRequest
	kinds       map[common.Hash]chain.Kind
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		simulateErr: map[chain.Kind]error{},
		outcome:     map[chain.Kind]chain.Outcome{},
		balances:    map[common.Address]chain.Balance{},
		kinds:       map[common.Hash]chain.Kind{},
	}
}

func (p *fakeProvider) Simulate(_ context.Context, req chain.TransactionRequest) error {
	p.mu.Lock()
	hook := p.onSimulate
	p.mu.Unlock()
	if hook != nil {
		hook(req)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.simulated = append(p.simulated, req)
	return p.simulateErr[req.Kind]
}

func (p *fakeProvider) Submit(_ context.Context, req chain.TransactionRequest) (chain.TransactionHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submitted = append(p.submitted, req)
	hash := common.BigToHash(big.NewInt(int64(len(p.submitted))))
	p.kinds[hash] = req.Kind
	return chain.TransactionHandle{Hash: hash, Kind: req.Kind, SubmittedAt: time.Now()}, nil
}

func (p *fakeProvider) Receipt(ctx context.Context, handle chain.TransactionHandle) (chain.Outcome, error) {
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
	if outcome, ok := p.outcome[p.kinds[handle.Hash]]; ok {
		return outcome, nil
	}
	return chain.OutcomeSucceeded, nil
}

func (p *fakeProvider) Balance(_ context.Context, _ common.Address, token *common.Address) (chain.Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := common.Address{}
	if token != nil {
		key = *token
	}
	if bal, ok := p.balances[key]; ok {
		return bal, nil
	}
	if token == nil {
		return chain.Balance{Amount: big.NewInt(0), Decimals: 18, Symbol: "ETH"}, nil
	}
	return chain.Balance{Amount: big.NewInt(0), Decimals: 6, Symbol: "USDC"}, nil
}

func (p *fakeProvider) Simulated() []chain.TransactionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chain.TransactionRequest(nil), p.simulated...)
}

func (p *fakeProvider) Submitted() []chain.TransactionRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]chain.TransactionRequest(nil), p.submitted...)
}

func newOrchestrator(t *testing.T, provider chain.Provider) (*txflow.Orchestrator, *txflow.Feed) {
	t.Helper()
	feed := txflow.NewFeed(16)
	orch, err := txflow.New(provider,
		txflow.WithNotifier(feed),
		txflow.WithLogger(logging.Discard()),
		txflow.WithPollInterval(time.Millisecond),
		txflow.WithSettleTimeout(time.Second),
	)
	require.NoError(t, err)
	return orch, feed
}

func messages(feed *txflow.Feed) []string {
	var out []string
	for _, n := range feed.Since(0) {
		out = append(out, string(n.Level)+":"+n.Message)
	}
	return out
}
