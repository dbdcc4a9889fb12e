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

// Withdraw notification texts.
const (
	MsgWithdrawn      = "Withdrawed."
	MsgWithdrawFailed = "Withdraw has been failed."
)

var (
	// ErrZeroAmount reports a withdraw of nothing.
	ErrZeroAmount = errors.New("dashboard: amount must be positive")
	// ErrStale reports an amount edit that has not been prepared yet.
	ErrStale = errors.New("dashboard: amount changed since last preparation")
)

// WithdrawView is the rendered withdraw form.
type WithdrawView struct {
	Asset     Asset  `json:"asset"`
	Amount    string `json:"amount"`
	Wallet    string `json:"wallet"`
	MoreInfo  bool   `json:"moreInfo"`
	CanSubmit bool   `json:"canSubmit"`
	InFlight  bool   `json:"inFlight"`
	Error     string `json:"error,omitempty"`
}

// WithdrawTab is the view-model for the withdraw form of one asset.
type WithdrawTab struct {
	orch      *txflow.Orchestrator
	contracts chain.Contracts
	asset     Asset
	account   common.Address
	slot      *txflow.Slot
	logger    *slog.Logger

	mu       sync.Mutex
	amount   string
	moreInfo bool
	balance  *chain.Balance
}

// NewWithdrawTab constructs a form with amount "0".
func NewWithdrawTab(orch *txflow.Orchestrator, contracts chain.Contracts, asset Asset, account common.Address, logger *slog.Logger) (*WithdrawTab, error) {
	if _, err := ParseAsset(string(asset)); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	tab := &WithdrawTab{
		orch:      orch,
		contracts: contracts,
		asset:     asset,
		account:   account,
		slot:      txflow.NewSlot(orch),
		logger:    logger.With("asset", string(asset)),
		amount:    "0",
	}
	tab.slot.Invalidate(ErrZeroAmount)
	return tab, nil
}

// Asset returns the form's asset.
func (w *WithdrawTab) Asset() Asset { return w.asset }

// Amount returns the current amount text.
func (w *WithdrawTab) Amount() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.amount
}

// SetAmount applies an edit. Edits that are not numeric text are ignored and
// false is returned.
func (w *WithdrawTab) SetAmount(v string) bool {
	if !ValidAmount(v) {
		return false
	}
	w.mu.Lock()
	changed := w.amount != v
	w.amount = v
	w.mu.Unlock()
	if changed {
		w.slot.Invalidate(ErrStale)
	}
	return true
}

// ToggleMoreInfo flips the details panel and returns the new state.
func (w *WithdrawTab) ToggleMoreInfo() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.moreInfo = !w.moreInfo
	return w.moreInfo
}

func (w *WithdrawTab) key() string {
	return w.account.Hex() + ":" + string(w.asset)
}

// Refresh reads the wallet balance for its decimals and prepares the
// withdraw call for the current amount.
func (w *WithdrawTab) Refresh(ctx context.Context) error {
	bal, err := w.orch.Provider().Balance(ctx, w.account, w.asset.BalanceToken(w.contracts))
	if err != nil {
		w.slot.Invalidate(err)
		return fmt.Errorf("dashboard: balance: %w", err)
	}
	w.mu.Lock()
	w.balance = &bal
	amount := w.amount
	w.mu.Unlock()

	req, err := w.request(amount, int32(bal.Decimals))
	if err != nil {
		w.slot.Invalidate(err)
		return err
	}
	_, err = w.slot.Update(ctx, req)
	return err
}

func (w *WithdrawTab) request(amount string, decimals int32) (chain.TransactionRequest, error) {
	value, err := ParseUnits(amount, decimals)
	if err != nil {
		return chain.TransactionRequest{}, err
	}
	if value.Sign() == 0 {
		return chain.TransactionRequest{}, ErrZeroAmount
	}
	return w.contracts.Withdraw(w.account, w.asset.WithdrawToken(w.contracts), value)
}

// prepared returns the held call if it was prepared for the amount the
// form currently shows.
func (w *WithdrawTab) prepared() (*txflow.PreparedCall, error) {
	w.mu.Lock()
	amount, bal := w.amount, w.balance
	w.mu.Unlock()
	if bal == nil {
		_, err := w.slot.Current()
		if err == nil {
			err = txflow.ErrNotPrepared
		}
		return nil, err
	}
	req, err := w.request(amount, int32(bal.Decimals))
	if err != nil {
		return nil, err
	}
	return w.slot.CurrentFor(req)
}

// CanSubmit reports whether a prepared call exists for the current amount
// and no withdraw of this asset is in flight.
func (w *WithdrawTab) CanSubmit() bool {
	call, _ := w.prepared()
	return call != nil && !w.orch.InFlight(chain.KindWithdraw, w.key())
}

// Submit runs the prepared withdraw to settlement. Exactly one notification
// is emitted once the call reaches the provider.
func (w *WithdrawTab) Submit(ctx context.Context) (chain.TransactionHandle, error) {
	if call, err := w.prepared(); call == nil {
		return chain.TransactionHandle{}, fmt.Errorf("%w: %v", txflow.ErrNotPrepared, err)
	}
	release, err := w.orch.Begin(chain.KindWithdraw, w.key())
	if err != nil {
		return chain.TransactionHandle{}, err
	}
	defer release()

	// The amount may have changed while the guard was being claimed.
	call, err := w.prepared()
	if call == nil {
		return chain.TransactionHandle{}, fmt.Errorf("%w: %v", txflow.ErrNotPrepared, err)
	}
	handle, err := w.orch.Run(ctx, txflow.Step{
		Call:           call,
		Account:        w.key(),
		SuccessMessage: MsgWithdrawn,
		FailureMessage: MsgWithdrawFailed,
	})
	if err != nil {
		return handle, err
	}
	// The same amount may not be withdrawable twice; prepare again.
	w.slot.Invalidate(ErrStale)
	if err := w.Refresh(ctx); err != nil {
		w.logger.Debug("withdraw not re-prepared", "error", err)
	}
	return handle, nil
}

// View renders the form.
func (w *WithdrawTab) View() WithdrawView {
	w.mu.Lock()
	view := WithdrawView{
		Asset:    w.asset,
		Amount:   w.amount,
		MoreInfo: w.moreInfo,
	}
	bal := w.balance
	w.mu.Unlock()

	amount := new(big.Int)
	decimals := int32(EtherDecimals)
	if w.asset == AssetUSDC {
		decimals = USDCDecimals
	}
	if bal != nil {
		amount = bal.Amount
		decimals = int32(bal.Decimals)
	}
	view.Wallet = fmt.Sprintf("Wallet %s %s", FormatUnits(amount, decimals, DisplayPlaces), w.asset.Symbol())
	view.InFlight = w.orch.InFlight(chain.KindWithdraw, w.key())
	call, err := w.prepared()
	view.CanSubmit = call != nil && !view.InFlight
	if err != nil {
		view.Error = err.Error()
	}
	return view
}
