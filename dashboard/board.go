package dashboard

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"lendingdash/chain"
	"lendingdash/txflow"
)

// Board holds one Row per liquidation candidate.
type Board struct {
	orch       *txflow.Orchestrator
	contracts  chain.Contracts
	liquidator common.Address
	logger     *slog.Logger

	mu     sync.RWMutex
	rows   map[common.Address]*Row
	order  []common.Address
	prices Prices
}

// NewBoard constructs an empty board.
func NewBoard(orch *txflow.Orchestrator, contracts chain.Contracts, liquidator common.Address, logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{
		orch:       orch,
		contracts:  contracts,
		liquidator: liquidator,
		logger:     logger,
		rows:       make(map[common.Address]*Row),
	}
}

// Sync replaces the candidate set. New accounts get a Row, existing rows
// are updated, and rows missing from the feed are dropped unless a
// liquidation is still running for them.
func (b *Board) Sync(ctx context.Context, candidates []Candidate, prices Prices) {
	seen := make(map[common.Address]bool, len(candidates))
	order := make([]common.Address, 0, len(candidates))
	for _, c := range candidates {
		if seen[c.Account] {
			continue
		}
		seen[c.Account] = true
		order = append(order, c.Account)

		b.mu.Lock()
		row, ok := b.rows[c.Account]
		if !ok {
			row = NewRow(b.orch, b.contracts, b.liquidator, b.logger)
			b.rows[c.Account] = row
		}
		b.mu.Unlock()

		if err := row.Update(ctx, c, prices); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Debug("liquidation not prepared", "account", c.Account.Hex(), "error", err)
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for account, row := range b.rows {
		if seen[account] {
			continue
		}
		if row.Busy() {
			order = append(order, account)
			continue
		}
		delete(b.rows, account)
	}
	b.order = order
	b.prices = prices
}

// Row returns the row for account.
func (b *Board) Row(account common.Address) (*Row, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	row, ok := b.rows[account]
	return row, ok
}

// Len returns the number of rows.
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rows)
}

// Views renders every row in feed order.
func (b *Board) Views() []RowView {
	b.mu.RLock()
	rows := make([]*Row, 0, len(b.order))
	for _, account := range b.order {
		if row, ok := b.rows[account]; ok {
			rows = append(rows, row)
		}
	}
	b.mu.RUnlock()

	views := make([]RowView, 0, len(rows))
	for _, row := range rows {
		views = append(views, row.View())
	}
	return views
}
