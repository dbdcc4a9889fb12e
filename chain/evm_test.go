package chain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	gethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
)

type fakeClient struct {
	mu       sync.Mutex
	callFn   func(call ethereum.CallMsg) ([]byte, error)
	receipt  *gethtypes.Receipt
	head     *big.Int
	balance  *big.Int
	nonce    uint64
	sent     []*gethtypes.Transaction
	gasLimit uint64
}

func (f *fakeClient) CallContract(_ context.Context, call ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	if f.callFn == nil {
		return nil, nil
	}
	return f.callFn(call)
}

func (f *fakeClient) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return f.gasLimit, nil
}

func (f *fakeClient) PendingNonceAt(context.Context, common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonce, nil
}

func (f *fakeClient) SuggestGasTipCap(context.Context) (*big.Int, error) {
	return big.NewInt(2), nil
}

func (f *fakeClient) HeaderByNumber(context.Context, *big.Int) (*gethtypes.Header, error) {
	return &gethtypes.Header{Number: f.head, BaseFee: big.NewInt(10)}, nil
}

func (f *fakeClient) SendTransaction(_ context.Context, tx *gethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, tx)
	f.nonce++
	return nil
}

func (f *fakeClient) TransactionReceipt(context.Context, common.Hash) (*gethtypes.Receipt, error) {
	if f.receipt == nil {
		return nil, ethereum.NotFound
	}
	return f.receipt, nil
}

func (f *fakeClient) BalanceAt(context.Context, common.Address, *big.Int) (*big.Int, error) {
	return f.balance, nil
}

type rpcDataError struct {
	msg  string
	data string
}

func (e rpcDataError) Error() string          { return e.msg }
func (e rpcDataError) ErrorData() interface{} { return e.data }

func revertPayload(t *testing.T, reason string) string {
	t.Helper()
	stringType, err := abi.NewType("string", "", nil)
	require.NoError(t, err)
	encoded, err := abi.Arguments{{Type: stringType}}.Pack(reason)
	require.NoError(t, err)
	selector := gethcrypto.Keccak256([]byte("Error(string)"))[:4]
	return "0x" + common.Bytes2Hex(append(selector, encoded...))
}

func TestSimulateDecodesRevertReason(t *testing.T) {
	payload := revertPayload(t, "insufficient collateral")
	client := &fakeClient{callFn: func(ethereum.CallMsg) ([]byte, error) {
		return nil, rpcDataError{msg: "execution reverted", data: payload}
	}}
	provider, err := NewEVMProvider(client, big.NewInt(1))
	require.NoError(t, err)

	err = provider.Simulate(context.Background(), TransactionRequest{To: testContracts.Pool})
	require.ErrorIs(t, err, ErrReverted)
	require.Contains(t, err.Error(), "insufficient collateral")
}

func TestSimulatePassesTransportErrorsThrough(t *testing.T) {
	client := &fakeClient{callFn: func(ethereum.CallMsg) ([]byte, error) {
		return nil, errors.New("connection refused")
	}}
	provider, err := NewEVMProvider(client, big.NewInt(1))
	require.NoError(t, err)

	err = provider.Simulate(context.Background(), TransactionRequest{To: testContracts.Pool})
	require.Error(t, err)
	require.NotErrorIs(t, err, ErrReverted)
}

func TestSubmitRequiresSigner(t *testing.T) {
	provider, err := NewEVMProvider(&fakeClient{}, big.NewInt(1))
	require.NoError(t, err)
	_, err = provider.Submit(context.Background(), TransactionRequest{})
	require.ErrorIs(t, err, ErrNoSigner)
}

func TestSubmitSignsDynamicFeeTransaction(t *testing.T) {
	key, err := gethcrypto.GenerateKey()
	require.NoError(t, err)
	client := &fakeClient{gasLimit: 100_000, nonce: 7}
	provider, err := NewEVMProvider(client, big.NewInt(5), WithSigner(key))
	require.NoError(t, err)

	req, err := testContracts.Liquidate(common.Address{}, common.HexToAddress("0xbb"), big.NewInt(9))
	require.NoError(t, err)
	handle, err := provider.Submit(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, KindLiquidate, handle.Kind)

	require.Len(t, client.sent, 1)
	tx := client.sent[0]
	require.Equal(t, handle.Hash, tx.Hash())
	require.Equal(t, uint64(7), tx.Nonce())
	require.Equal(t, uint64(120_000), tx.Gas())
	require.Equal(t, big.NewInt(22), tx.GasFeeCap())
	require.Equal(t, big.NewInt(9), tx.Value())

	sender, err := gethtypes.Sender(gethtypes.LatestSignerForChainID(big.NewInt(5)), tx)
	require.NoError(t, err)
	require.Equal(t, provider.Address(), sender)
}

func TestReceiptOutcomes(t *testing.T) {
	client := &fakeClient{head: big.NewInt(100)}
	provider, err := NewEVMProvider(client, big.NewInt(1), WithConfirmations(3))
	require.NoError(t, err)
	handle := TransactionHandle{Hash: common.HexToHash("0x01")}

	outcome, err := provider.Receipt(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, OutcomePending, outcome)

	client.receipt = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusSuccessful, BlockNumber: big.NewInt(99)}
	outcome, err = provider.Receipt(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, OutcomePending, outcome)

	client.receipt.BlockNumber = big.NewInt(98)
	outcome, err = provider.Receipt(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, OutcomeSucceeded, outcome)

	client.receipt = &gethtypes.Receipt{Status: gethtypes.ReceiptStatusFailed, BlockNumber: big.NewInt(50)}
	outcome, err = provider.Receipt(context.Background(), handle)
	require.NoError(t, err)
	require.Equal(t, OutcomeFailed, outcome)
}

func TestBalanceReadsTokenDecimals(t *testing.T) {
	client := &fakeClient{callFn: func(call ethereum.CallMsg) ([]byte, error) {
		method, err := erc20ABI.MethodById(call.Data[:4])
		if err != nil {
			return nil, err
		}
		switch method.Name {
		case "balanceOf":
			return method.Outputs.Pack(big.NewInt(2_500_000))
		case "decimals":
			return method.Outputs.Pack(uint8(6))
		case "symbol":
			return method.Outputs.Pack("USDC")
		}
		return nil, errors.New("unexpected method")
	}}
	provider, err := NewEVMProvider(client, big.NewInt(1))
	require.NoError(t, err)

	token := testContracts.USDC
	balance, err := provider.Balance(context.Background(), common.HexToAddress("0xaa"), &token)
	require.NoError(t, err)
	require.Equal(t, uint8(6), balance.Decimals)
	require.Equal(t, "USDC", balance.Symbol)
	require.Equal(t, 0, big.NewInt(2_500_000).Cmp(balance.Amount))
}

func TestBalanceNative(t *testing.T) {
	client := &fakeClient{balance: big.NewInt(1e18)}
	provider, err := NewEVMProvider(client, big.NewInt(1))
	require.NoError(t, err)

	balance, err := provider.Balance(context.Background(), common.HexToAddress("0xaa"), nil)
	require.NoError(t, err)
	require.Equal(t, uint8(18), balance.Decimals)
	require.Equal(t, "ETH", balance.Symbol)
}
