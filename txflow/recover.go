package txflow

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"lendingdash/chain"
	"lendingdash/storage/journal"
)

// Recover reconciles journal records left pending by a previous process.
// Each record's (kind, account) pair is claimed before Recover returns, so
// no new transaction of the same kind can start for that account until the
// old one settles. Approvals are claimed under the liquidation kind because
// they only ever run as the first leg of a liquidation. Reconciliation happens in the background; the returned
// channel closes when every record has been resolved. No notifications are
// sent and half-finished liquidations are not continued.
func (o *Orchestrator) Recover(ctx context.Context) (<-chan struct{}, error) {
	done := make(chan struct{})
	if o.journal == nil {
		close(done)
		return done, nil
	}
	pending, err := o.journal.Pending()
	if err != nil {
		return nil, fmt.Errorf("txflow: load pending: %w", err)
	}

	type claimed struct {
		rec     journal.Record
		release func()
	}
	work := make([]claimed, 0, len(pending))
	for _, rec := range pending {
		release, err := o.guard.Begin(guardKind(chain.Kind(rec.Kind)), rec.Account)
		if err != nil {
			// Several pending records for one pair; the first claim covers it.
			release = func() {}
		}
		work = append(work, claimed{rec: rec, release: release})
	}

	var wg sync.WaitGroup
	for _, item := range work {
		wg.Add(1)
		go func(item claimed) {
			defer wg.Done()
			defer item.release()
			o.reconcile(ctx, item.rec)
		}(item)
	}
	go func() {
		wg.Wait()
		close(done)
	}()
	o.logger.Info("recovering pending transactions", "count", len(work))
	return done, nil
}

func guardKind(kind chain.Kind) chain.Kind {
	if kind == chain.KindApprove {
		return chain.KindLiquidate
	}
	return kind
}

func (o *Orchestrator) reconcile(ctx context.Context, rec journal.Record) {
	logger := o.logger.With("flow", rec.FlowID, "kind", rec.Kind, "hash", rec.Hash)
	handle := chain.TransactionHandle{
		Hash:        common.HexToHash(rec.Hash),
		Kind:        chain.Kind(rec.Kind),
		SubmittedAt: rec.SubmittedAt,
	}
	_, err := o.AwaitSettlement(ctx, handle, nil)
	switch {
	case err == nil:
		rec.Status = journal.StatusSucceeded
	case errors.Is(err, chain.ErrReverted):
		rec.Status = journal.StatusFailed
		rec.Error = err.Error()
	case errors.Is(err, ErrSettlementTimeout):
		rec.Status = journal.StatusExpired
		rec.Error = err.Error()
	default:
		logger.Warn("recovery interrupted", "error", err)
		return
	}
	settled := o.now()
	rec.SettledAt = &settled
	o.record(logger, rec)
	logger.Info("recovered transaction", "status", rec.Status)
}
