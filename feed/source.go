package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"lendingdash/dashboard"
)

// Source supplies liquidation candidates and display prices.
type Source interface {
	Candidates(ctx context.Context) ([]dashboard.Candidate, error)
	Prices(ctx context.Context) (dashboard.Prices, error)
}

// HTTPSource reads candidates and prices from an indexer's JSON API.
type HTTPSource struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// NewHTTPSource constructs a source rooted at baseURL. An empty apiKey
// sends no authorization header.
func NewHTTPSource(baseURL, apiKey string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type candidatePayload struct {
	Account            string  `json:"account"`
	EthBorrowAmount    string  `json:"ethBorrowAmount"`
	EthInterestAmount  string  `json:"ethInterestAmount"`
	UsdtBorrowAmount   string  `json:"usdtBorrowAmount"`
	UsdtInterestAmount string  `json:"usdtInterestAmount"`
	EthDepositAmount   string  `json:"ethDepositAmount"`
	EthRewardAmount    string  `json:"ethRewardAmount"`
	UsdtDepositAmount  string  `json:"usdtDepositAmount"`
	UsdtRewardAmount   string  `json:"usdtRewardAmount"`
	RiskFactor         float64 `json:"riskFactor"`
}

type pricesPayload struct {
	ETH  string `json:"eth"`
	USDC string `json:"usdc"`
}

// Candidates fetches GET /liquidations.
func (s *HTTPSource) Candidates(ctx context.Context) ([]dashboard.Candidate, error) {
	var payload []candidatePayload
	if err := s.get(ctx, "/liquidations", &payload); err != nil {
		return nil, err
	}
	out := make([]dashboard.Candidate, 0, len(payload))
	for i, p := range payload {
		c, err := p.candidate()
		if err != nil {
			return nil, fmt.Errorf("feed: liquidation %d: %w", i, err)
		}
		out = append(out, c)
	}
	return out, nil
}

// Prices fetches GET /prices.
func (s *HTTPSource) Prices(ctx context.Context) (dashboard.Prices, error) {
	var payload pricesPayload
	if err := s.get(ctx, "/prices", &payload); err != nil {
		return dashboard.Prices{}, err
	}
	eth, err := parsePrice(payload.ETH)
	if err != nil {
		return dashboard.Prices{}, fmt.Errorf("feed: eth price: %w", err)
	}
	usdc, err := parsePrice(payload.USDC)
	if err != nil {
		return dashboard.Prices{}, fmt.Errorf("feed: usdc price: %w", err)
	}
	return dashboard.Prices{ETH: eth, USDC: usdc}, nil
}

func (s *HTTPSource) get(ctx context.Context, path string, out any) error {
	if s == nil || s.baseURL == "" {
		return fmt.Errorf("feed: source not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return fmt.Errorf("feed: %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("feed: %s failed: status=%d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("feed: decode %s: %w", path, err)
	}
	return nil
}

func (p candidatePayload) candidate() (dashboard.Candidate, error) {
	if !common.IsHexAddress(p.Account) {
		return dashboard.Candidate{}, fmt.Errorf("invalid account %q", p.Account)
	}
	c := dashboard.Candidate{
		Account:    common.HexToAddress(p.Account),
		RiskFactor: p.RiskFactor,
	}
	fields := []struct {
		name string
		raw  string
		dst  **big.Int
	}{
		{"ethBorrowAmount", p.EthBorrowAmount, &c.EthBorrow},
		{"ethInterestAmount", p.EthInterestAmount, &c.EthInterest},
		{"usdtBorrowAmount", p.UsdtBorrowAmount, &c.UsdtBorrow},
		{"usdtInterestAmount", p.UsdtInterestAmount, &c.UsdtInterest},
		{"ethDepositAmount", p.EthDepositAmount, &c.EthDeposit},
		{"ethRewardAmount", p.EthRewardAmount, &c.EthReward},
		{"usdtDepositAmount", p.UsdtDepositAmount, &c.UsdtDeposit},
		{"usdtRewardAmount", p.UsdtRewardAmount, &c.UsdtReward},
	}
	for _, f := range fields {
		v, err := parseUnits(f.raw)
		if err != nil {
			return dashboard.Candidate{}, fmt.Errorf("%s: %w", f.name, err)
		}
		*f.dst = v
	}
	return c, nil
}

// parseUnits reads an integer amount of base units. Empty means zero.
func parseUnits(raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return new(big.Int), nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}

func parsePrice(raw string) (decimal.Decimal, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, err
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("negative price %q", raw)
	}
	return d, nil
}
