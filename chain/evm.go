package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const nativeDecimals = 18

// EVMClient defines the subset of the Ethereum RPC used by the provider.
type EVMClient interface {
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*gethtypes.Header, error)
	SendTransaction(ctx context.Context, tx *gethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*gethtypes.Receipt, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
}

// DialEVMClient initialises an EVM RPC client for the provided endpoint.
func DialEVMClient(ctx context.Context, endpoint string) (*ethclient.Client, error) {
	trimmed := strings.TrimSpace(endpoint)
	if trimmed == "" {
		return nil, fmt.Errorf("evm endpoint required")
	}
	return ethclient.DialContext(ctx, trimmed)
}

// EVMProvider implements Provider against an Ethereum JSON-RPC node.
type EVMProvider struct {
	client        EVMClient
	chainID       *big.Int
	key           *ecdsa.PrivateKey
	confirmations uint64
	gasMargin     uint64
	now           func() time.Time

	// serialises nonce assignment across concurrent submissions
	sendMu sync.Mutex
}

// EVMOption customises the provider.
type EVMOption func(*EVMProvider)

// WithSigner configures the key used to sign submitted transactions.
func WithSigner(key *ecdsa.PrivateKey) EVMOption {
	return func(p *EVMProvider) { p.key = key }
}

// WithConfirmations sets how many blocks must include a receipt before it is
// reported as succeeded.
func WithConfirmations(n uint64) EVMOption {
	return func(p *EVMProvider) { p.confirmations = n }
}

// WithGasMargin pads gas estimates by pct percent.
func WithGasMargin(pct uint64) EVMOption {
	return func(p *EVMProvider) { p.gasMargin = pct }
}

// WithProviderClock sets the function used to stamp handles.
func WithProviderClock(clock func() time.Time) EVMOption {
	return func(p *EVMProvider) { p.now = clock }
}

// NewEVMProvider constructs a provider for the given chain.
func NewEVMProvider(client EVMClient, chainID *big.Int, opts ...EVMOption) (*EVMProvider, error) {
	if client == nil {
		return nil, fmt.Errorf("chain: evm client required")
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("chain: chain id required")
	}
	p := &EVMProvider{
		client:    client,
		chainID:   new(big.Int).Set(chainID),
		gasMargin: 20,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Address returns the signer address, or the zero address when read-only.
func (p *EVMProvider) Address() common.Address {
	if p == nil || p.key == nil {
		return common.Address{}
	}
	return gethcrypto.PubkeyToAddress(p.key.PublicKey)
}

func callMsg(req TransactionRequest) ethereum.CallMsg {
	to := req.To
	return ethereum.CallMsg{
		From:  req.From,
		To:    &to,
		Value: req.ValueOrZero(),
		Data:  req.Data,
	}
}

// Simulate executes the call against the latest state without broadcasting.
func (p *EVMProvider) Simulate(ctx context.Context, req TransactionRequest) error {
	if _, err := p.client.CallContract(ctx, callMsg(req), nil); err != nil {
		return classifyCallError(err)
	}
	return nil
}

// Submit signs and broadcasts the request.
func (p *EVMProvider) Submit(ctx context.Context, req TransactionRequest) (TransactionHandle, error) {
	if p.key == nil {
		return TransactionHandle{}, ErrNoSigner
	}
	from := p.Address()
	msg := callMsg(req)
	msg.From = from

	gas, err := p.client.EstimateGas(ctx, msg)
	if err != nil {
		return TransactionHandle{}, classifyCallError(err)
	}
	gas += gas * p.gasMargin / 100

	tip, err := p.client.SuggestGasTipCap(ctx)
	if err != nil {
		return TransactionHandle{}, fmt.Errorf("chain: suggest tip: %w", err)
	}
	head, err := p.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return TransactionHandle{}, fmt.Errorf("chain: fetch head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head != nil && head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	nonce, err := p.client.PendingNonceAt(ctx, from)
	if err != nil {
		return TransactionHandle{}, fmt.Errorf("chain: fetch nonce: %w", err)
	}
	to := req.To
	tx := gethtypes.NewTx(&gethtypes.DynamicFeeTx{
		ChainID:   p.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &to,
		Value:     req.ValueOrZero(),
		Data:      req.Data,
	})
	signed, err := gethtypes.SignTx(tx, gethtypes.LatestSignerForChainID(p.chainID), p.key)
	if err != nil {
		return TransactionHandle{}, fmt.Errorf("chain: sign: %w", err)
	}
	if err := p.client.SendTransaction(ctx, signed); err != nil {
		return TransactionHandle{}, fmt.Errorf("chain: send: %w", err)
	}
	return TransactionHandle{Hash: signed.Hash(), Kind: req.Kind, SubmittedAt: p.now()}, nil
}

// Receipt reports the settlement state of a submitted transaction.
func (p *EVMProvider) Receipt(ctx context.Context, handle TransactionHandle) (Outcome, error) {
	if (handle.Hash == common.Hash{}) {
		return OutcomePending, fmt.Errorf("chain: tx hash required")
	}
	receipt, err := p.client.TransactionReceipt(ctx, handle.Hash)
	if err != nil {
		if errors.Is(err, ethereum.NotFound) {
			return OutcomePending, nil
		}
		return OutcomePending, fmt.Errorf("chain: fetch receipt: %w", err)
	}
	if receipt == nil {
		return OutcomePending, nil
	}
	if receipt.Status != gethtypes.ReceiptStatusSuccessful {
		return OutcomeFailed, nil
	}
	if p.confirmations > 1 {
		header, err := p.client.HeaderByNumber(ctx, nil)
		if err != nil {
			return OutcomePending, fmt.Errorf("chain: fetch head: %w", err)
		}
		if header == nil || header.Number == nil || receipt.BlockNumber == nil {
			return OutcomePending, nil
		}
		confirmed := new(big.Int).Sub(header.Number, receipt.BlockNumber)
		confirmed.Add(confirmed, big.NewInt(1))
		if confirmed.Cmp(new(big.Int).SetUint64(p.confirmations)) < 0 {
			return OutcomePending, nil
		}
	}
	return OutcomeSucceeded, nil
}

// Balance returns the native balance when token is nil, otherwise the ERC-20
// balance together with the token's decimals.
func (p *EVMProvider) Balance(ctx context.Context, account common.Address, token *common.Address) (Balance, error) {
	if token == nil {
		amount, err := p.client.BalanceAt(ctx, account, nil)
		if err != nil {
			return Balance{}, fmt.Errorf("chain: native balance: %w", err)
		}
		return Balance{Amount: amount, Decimals: nativeDecimals, Symbol: "ETH"}, nil
	}
	out, err := p.view(ctx, *token, "balanceOf", account)
	if err != nil {
		return Balance{}, err
	}
	amount, ok := out[0].(*big.Int)
	if !ok {
		return Balance{}, fmt.Errorf("chain: unexpected balanceOf result %T", out[0])
	}
	out, err = p.view(ctx, *token, "decimals")
	if err != nil {
		return Balance{}, err
	}
	decimals, ok := out[0].(uint8)
	if !ok {
		return Balance{}, fmt.Errorf("chain: unexpected decimals result %T", out[0])
	}
	balance := Balance{Amount: amount, Decimals: decimals}
	if out, err := p.view(ctx, *token, "symbol"); err == nil {
		if symbol, ok := out[0].(string); ok {
			balance.Symbol = symbol
		}
	}
	return balance, nil
}

func (p *EVMProvider) view(ctx context.Context, token common.Address, method string, args ...any) ([]any, error) {
	data, err := erc20ABI.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("chain: pack %s: %w", method, err)
	}
	raw, err := p.client.CallContract(ctx, ethereum.CallMsg{To: &token, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("chain: call %s: %w", method, err)
	}
	out, err := erc20ABI.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("chain: unpack %s: %w", method, err)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("chain: empty %s result", method)
	}
	return out, nil
}

type dataError interface {
	ErrorData() interface{}
}

// classifyCallError maps node errors for eth_call and eth_estimateGas onto
// ErrReverted, decoding the Error(string) payload when the node returns one.
func classifyCallError(err error) error {
	var de dataError
	if errors.As(err, &de) {
		if raw, ok := de.ErrorData().(string); ok {
			if decoded, decErr := hexutil.Decode(raw); decErr == nil {
				if reason, unpackErr := abi.UnpackRevert(decoded); unpackErr == nil {
					return fmt.Errorf("%w: %s", ErrReverted, reason)
				}
			}
		}
		return fmt.Errorf("%w: %v", ErrReverted, err)
	}
	if strings.Contains(strings.ToLower(err.Error()), "revert") {
		return fmt.Errorf("%w: %v", ErrReverted, err)
	}
	return fmt.Errorf("chain: call: %w", err)
}
