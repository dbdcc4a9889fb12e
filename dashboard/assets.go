package dashboard

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"lendingdash/chain"
)

// Asset names a withdrawable pool asset.
type Asset string

const (
	AssetETH  Asset = "eth"
	AssetUSDC Asset = "usdc"
)

const (
	// EtherDecimals is the fixed-point precision of native ETH and WETH.
	EtherDecimals = 18
	// USDCDecimals is the fixed-point precision of the stable token.
	USDCDecimals = 6
)

// ParseAsset normalises a user supplied asset name.
func ParseAsset(raw string) (Asset, error) {
	switch a := Asset(strings.ToLower(strings.TrimSpace(raw))); a {
	case AssetETH, AssetUSDC:
		return a, nil
	}
	return "", fmt.Errorf("dashboard: unknown asset %q", raw)
}

// Symbol is the display symbol.
func (a Asset) Symbol() string {
	return strings.ToUpper(string(a))
}

// WithdrawToken is the token address passed to the pool's withdraw call.
// ETH deposits are held as WETH.
func (a Asset) WithdrawToken(c chain.Contracts) common.Address {
	if a == AssetUSDC {
		return c.USDC
	}
	return c.WETH
}

// BalanceToken is the token whose wallet balance is shown. Nil selects the
// native balance.
func (a Asset) BalanceToken(c chain.Contracts) *common.Address {
	if a == AssetUSDC {
		token := c.USDC
		return &token
	}
	return nil
}
