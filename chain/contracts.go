package chain

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const poolABIJSON = `[
	{"type":"function","name":"liquidate","stateMutability":"payable","inputs":[{"name":"account","type":"address"}],"outputs":[]},
	{"type":"function","name":"withdraw","stateMutability":"nonpayable","inputs":[{"name":"token","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[]}
]`

const erc20ABIJSON = `[
	{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
	{"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
	{"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]},
	{"type":"function","name":"symbol","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]}
]`

var (
	poolABI  = mustParseABI(poolABIJSON)
	erc20ABI = mustParseABI(erc20ABIJSON)
)

func mustParseABI(raw string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(raw))
	if err != nil {
		panic(fmt.Sprintf("chain: invalid abi: %v", err))
	}
	return parsed
}

// Contracts holds the deployed addresses the dashboard talks to.
type Contracts struct {
	Pool common.Address
	USDC common.Address
	WETH common.Address
}

// Validate ensures every address is configured.
func (c Contracts) Validate() error {
	if (c.Pool == common.Address{}) {
		return fmt.Errorf("chain: pool address required")
	}
	if (c.USDC == common.Address{}) {
		return fmt.Errorf("chain: usdc address required")
	}
	if (c.WETH == common.Address{}) {
		return fmt.Errorf("chain: weth address required")
	}
	return nil
}

// Liquidate builds the pool call that liquidates account, paying the ETH
// leg of the debt as the attached value.
func (c Contracts) Liquidate(from, account common.Address, value *big.Int) (TransactionRequest, error) {
	if (account == common.Address{}) {
		return TransactionRequest{}, fmt.Errorf("chain: liquidation target required")
	}
	if err := checkUint256("value", value); err != nil {
		return TransactionRequest{}, err
	}
	data, err := poolABI.Pack("liquidate", account)
	if err != nil {
		return TransactionRequest{}, fmt.Errorf("chain: pack liquidate: %w", err)
	}
	return TransactionRequest{
		Kind:   KindLiquidate,
		From:   from,
		To:     c.Pool,
		Method: "liquidate",
		Args:   []any{account},
		Value:  cloneInt(value),
		Data:   data,
	}, nil
}

// Approve builds the USDC allowance call granting the pool amount.
func (c Contracts) Approve(from common.Address, amount *big.Int) (TransactionRequest, error) {
	if err := checkUint256("amount", amount); err != nil {
		return TransactionRequest{}, err
	}
	data, err := erc20ABI.Pack("approve", c.Pool, amount)
	if err != nil {
		return TransactionRequest{}, fmt.Errorf("chain: pack approve: %w", err)
	}
	return TransactionRequest{
		Kind:   KindApprove,
		From:   from,
		To:     c.USDC,
		Method: "approve",
		Args:   []any{c.Pool, cloneInt(amount)},
		Data:   data,
	}, nil
}

// Withdraw builds the pool call that withdraws amount units of token.
func (c Contracts) Withdraw(from, token common.Address, amount *big.Int) (TransactionRequest, error) {
	if (token == common.Address{}) {
		return TransactionRequest{}, fmt.Errorf("chain: withdraw token required")
	}
	if err := checkUint256("amount", amount); err != nil {
		return TransactionRequest{}, err
	}
	data, err := poolABI.Pack("withdraw", token, amount)
	if err != nil {
		return TransactionRequest{}, fmt.Errorf("chain: pack withdraw: %w", err)
	}
	return TransactionRequest{
		Kind:   KindWithdraw,
		From:   from,
		To:     c.Pool,
		Method: "withdraw",
		Args:   []any{token, cloneInt(amount)},
		Data:   data,
	}, nil
}

func checkUint256(name string, v *big.Int) error {
	if v == nil {
		return fmt.Errorf("chain: %s required", name)
	}
	if v.Sign() < 0 {
		return fmt.Errorf("chain: %s must be non-negative", name)
	}
	if _, overflow := uint256.FromBig(v); overflow {
		return fmt.Errorf("chain: %s exceeds uint256", name)
	}
	return nil
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}
