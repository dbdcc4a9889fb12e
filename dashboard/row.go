package dashboard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"lendingdash/chain"
	"lendingdash/txflow"
)

// Button labels.
const (
	LabelLiquidate  = "Liquidate"
	LabelInProgress = "In progress..."
)

// Column is one rendered amount column.
type Column struct {
	Lines []string `json:"lines"`
	USD   string   `json:"usd"`
}

// Button is the liquidate action state.
type Button struct {
	Label    string `json:"label"`
	Disabled bool   `json:"disabled"`
}

// RowView is the rendered form of a liquidation row.
type RowView struct {
	Account    string       `json:"account"`
	Borrowed   Column       `json:"borrowed"`
	Deposited  Column       `json:"deposited"`
	RiskFactor string       `json:"riskFactor"`
	Button     Button       `json:"button"`
	State      txflow.State `json:"state"`
	Error      string       `json:"error,omitempty"`
}

// Row is the view-model for one liquidation candidate.
type Row struct {
	orch       *txflow.Orchestrator
	contracts  chain.Contracts
	liquidator common.Address
	flow       *txflow.LiquidationFlow
	// first holds the prepared first step: the approval when a stable leg
	// is owed, otherwise the liquidation itself.
	first  *txflow.Slot
	logger *slog.Logger

	mu        sync.Mutex
	candidate Candidate
	amounts   LiquidationAmounts
	prices    Prices
	plan      txflow.LiquidationPlan
	planErr   error
	running   bool
}

// NewRow constructs an empty row for the liquidator account.
func NewRow(orch *txflow.Orchestrator, contracts chain.Contracts, liquidator common.Address, logger *slog.Logger) *Row {
	if logger == nil {
		logger = slog.Default()
	}
	return &Row{
		orch:       orch,
		contracts:  contracts,
		liquidator: liquidator,
		flow:       txflow.NewLiquidationFlow(orch),
		first:      txflow.NewSlot(orch),
		logger:     logger,
	}
}

// Update replaces the candidate, re-derives the amounts, and refreshes the
// prepared first step. The returned error is the preparation outcome; the
// row stays usable and reports it through View.
func (r *Row) Update(ctx context.Context, c Candidate, prices Prices) error {
	amounts := DeriveAmounts(c)
	plan, err := r.buildPlan(c.Account, amounts)

	r.mu.Lock()
	r.candidate = c
	r.amounts = amounts
	r.prices = prices
	r.plan = plan
	r.planErr = err
	r.mu.Unlock()

	if err != nil {
		r.first.Invalidate(err)
		return err
	}
	first := plan.Liquidate
	if plan.NeedsApproval() {
		first = plan.Approve
	}
	_, err = r.first.Update(ctx, first)
	return err
}

func (r *Row) buildPlan(account common.Address, amounts LiquidationAmounts) (txflow.LiquidationPlan, error) {
	liquidate, err := r.contracts.Liquidate(r.liquidator, account, amounts.ETH)
	if err != nil {
		return txflow.LiquidationPlan{}, err
	}
	plan := txflow.LiquidationPlan{
		Account:      account,
		StableAmount: new(big.Int).Set(amounts.Stable),
		Liquidate:    liquidate,
	}
	if plan.NeedsApproval() {
		plan.Approve, err = r.contracts.Approve(r.liquidator, amounts.Stable)
		if err != nil {
			return txflow.LiquidationPlan{}, err
		}
	}
	return plan, nil
}

// Account returns the candidate account.
func (r *Row) Account() common.Address {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.candidate.Account
}

// Amounts returns the derived liquidation amounts.
func (r *Row) Amounts() LiquidationAmounts {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.amounts
}

// Busy reports whether any stage of a liquidation is in flight.
func (r *Row) Busy() bool {
	r.mu.Lock()
	running := r.running
	account := r.candidate.Account
	r.mu.Unlock()
	return running || r.flow.State().Active() || r.orch.InFlight(chain.KindLiquidate, account.Hex())
}

// State returns the liquidation flow state.
func (r *Row) State() txflow.State {
	return r.flow.State()
}

// Liquidate starts the liquidation in the background. It fails fast when
// the first step is not prepared or a liquidation is already running; the
// returned channel yields the flow's result.
func (r *Row) Liquidate(ctx context.Context) (<-chan error, error) {
	if !r.first.Ready() {
		_, err := r.first.Current()
		return nil, fmt.Errorf("%w: %v", txflow.ErrNotPrepared, err)
	}
	r.mu.Lock()
	if r.running || r.flow.State().Active() {
		r.mu.Unlock()
		return nil, txflow.ErrInFlight
	}
	if r.orch.InFlight(chain.KindLiquidate, r.candidate.Account.Hex()) {
		r.mu.Unlock()
		return nil, txflow.ErrInFlight
	}
	r.running = true
	plan := r.plan
	r.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		err := r.flow.Run(ctx, plan)
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
		if err != nil && !errors.Is(err, txflow.ErrInFlight) {
			r.logger.Info("liquidation ended", "account", plan.Account.Hex(), "state", r.flow.State(), "error", err)
		}
		done <- err
	}()
	return done, nil
}

// View renders the row.
func (r *Row) View() RowView {
	r.mu.Lock()
	c := r.candidate
	prices := r.prices
	planErr := r.planErr
	r.mu.Unlock()

	view := RowView{
		Account: c.Account.Hex(),
		Borrowed: column(
			sum(c.EthBorrow, c.EthInterest), sum(c.UsdtBorrow, c.UsdtInterest),
			positive(c.EthBorrow), positive(c.UsdtBorrow), prices,
		),
		Deposited: column(
			sum(c.EthDeposit, c.EthReward), sum(c.UsdtDeposit, c.UsdtReward),
			positive(c.EthDeposit), positive(c.UsdtDeposit), prices,
		),
		RiskFactor: fmt.Sprintf("%.4f %%", c.RiskFactor),
		State:      r.flow.State(),
	}

	busy := r.Busy()
	ready := r.first.Ready()
	view.Button = Button{Label: LabelLiquidate, Disabled: busy || !ready}
	if busy {
		view.Button.Label = LabelInProgress
	}
	switch {
	case planErr != nil:
		view.Error = planErr.Error()
	case !ready:
		if _, err := r.first.Current(); err != nil {
			view.Error = err.Error()
		}
	}
	return view
}

// column renders exactly one of three branches: both denominations, stable
// only, or ETH only. The branch is picked from the principals.
func column(eth, stable *big.Int, hasETH, hasStable bool, prices Prices) Column {
	ethLine := FormatUnits(eth, EtherDecimals, DisplayPlaces) + " ETH"
	stableLine := FormatUnits(stable, USDCDecimals, DisplayPlaces) + " USDC"
	var col Column
	switch {
	case hasETH && hasStable:
		col.Lines = []string{ethLine, stableLine}
	case !hasETH && hasStable:
		col.Lines = []string{stableLine}
	default:
		col.Lines = []string{ethLine}
	}
	usd := units(eth, EtherDecimals).Mul(prices.ETH).Add(units(stable, USDCDecimals).Mul(prices.USDC))
	col.USD = "$" + usd.StringFixed(2)
	return col
}
