package dashboard

import (
	"errors"
	"fmt"
	"math/big"
	"regexp"

	"github.com/shopspring/decimal"
)

// DisplayPlaces is the number of fraction digits shown for token amounts.
const DisplayPlaces = 4

var amountPattern = regexp.MustCompile(`^[0-9]*\.?[0-9]*$`)

// ErrInvalidAmount reports malformed or over-precise amount input.
var ErrInvalidAmount = errors.New("dashboard: invalid amount")

// ValidAmount reports whether v is an acceptable partial amount edit. The
// empty string and a lone "." are accepted as edits even though they do not
// parse to a value.
func ValidAmount(v string) bool {
	return amountPattern.MatchString(v)
}

// FormatUnits renders amount / 10^decimals with exactly places fraction
// digits. A nil amount renders as zero.
func FormatUnits(amount *big.Int, decimals int32, places int32) string {
	if amount == nil {
		return decimal.Zero.StringFixed(places)
	}
	return decimal.NewFromBigInt(amount, -decimals).StringFixed(places)
}

// ParseUnits converts a decimal string into fixed-point units. Input with
// more fraction digits than decimals is rejected.
func ParseUnits(v string, decimals int32) (*big.Int, error) {
	if !ValidAmount(v) || v == "" || v == "." {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, v)
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidAmount, v)
	}
	shifted := d.Shift(decimals)
	if !shifted.Equal(shifted.Truncate(0)) {
		return nil, fmt.Errorf("%w: %q has more than %d fraction digits", ErrInvalidAmount, v, decimals)
	}
	return shifted.BigInt(), nil
}

func units(amount *big.Int, decimals int32) decimal.Decimal {
	if amount == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(amount, -decimals)
}
