package dashboard

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// Candidate is a liquidatable position as reported by the indexer. Amounts
// are fixed-point: ETH fields in wei, USDT fields in 6-decimal units.
type Candidate struct {
	Account      common.Address
	EthBorrow    *big.Int
	EthInterest  *big.Int
	UsdtBorrow   *big.Int
	UsdtInterest *big.Int
	EthDeposit   *big.Int
	EthReward    *big.Int
	UsdtDeposit  *big.Int
	UsdtReward   *big.Int
	// RiskFactor is a percentage computed by the protocol.
	RiskFactor float64
}

// LiquidationAmounts is what a liquidator pays to close a position.
type LiquidationAmounts struct {
	// ETH is borrow plus interest in wei, attached as the call value.
	ETH *big.Int
	// Stable is borrow plus interest in USDC units, approved to the pool.
	Stable *big.Int
}

// DeriveAmounts computes the liquidation amounts for c.
func DeriveAmounts(c Candidate) LiquidationAmounts {
	return LiquidationAmounts{
		ETH:    sum(c.EthBorrow, c.EthInterest),
		Stable: sum(c.UsdtBorrow, c.UsdtInterest),
	}
}

// Prices holds USD quotes used for display.
type Prices struct {
	ETH  decimal.Decimal
	USDC decimal.Decimal
}

func sum(a, b *big.Int) *big.Int {
	out := new(big.Int)
	if a != nil {
		out.Add(out, a)
	}
	if b != nil {
		out.Add(out, b)
	}
	return out
}

func positive(v *big.Int) bool {
	return v != nil && v.Sign() > 0
}
