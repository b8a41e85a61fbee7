package currency

import (
	"fmt"
	"math"
	"math/big"
	"strings"
)

type CurrencyUtils struct{}

func NewCurrencyUtils() *CurrencyUtils {
	return &CurrencyUtils{}
}

// FormatUnits renders an integer token amount in smallest units as a decimal
// string, trimming trailing zeros. Amounts never pass through float64.
func (u *CurrencyUtils) FormatUnits(amount *big.Int, decimals int) string {
	if amount == nil {
		return "0"
	}
	if decimals <= 0 {
		return amount.String()
	}

	divisor := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)
	whole, frac := new(big.Int).QuoRem(amount, divisor, new(big.Int))

	sign := ""
	if frac.Sign() < 0 {
		frac.Neg(frac)
	}
	if whole.Sign() < 0 {
		whole.Neg(whole)
		sign = "-"
	} else if amount.Sign() < 0 {
		sign = "-"
	}

	fracStr := strings.TrimRight(fmt.Sprintf("%0*s", decimals, frac.String()), "0")
	if fracStr == "" {
		return sign + whole.String()
	}
	return sign + whole.String() + "." + fracStr
}

// ParseUnits converts a decimal token amount string into smallest units.
func (u *CurrencyUtils) ParseUnits(value string, decimals int) (*big.Int, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("empty amount")
	}

	parts := strings.SplitN(value, ".", 2)
	whole := parts[0]
	frac := ""
	if len(parts) == 2 {
		frac = parts[1]
	}
	if len(frac) > decimals {
		return nil, fmt.Errorf("amount %s has more than %d decimal places", value, decimals)
	}
	frac += strings.Repeat("0", decimals-len(frac))

	combined := whole + frac
	amount, ok := new(big.Int).SetString(combined, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %s", value)
	}
	return amount, nil
}

// BankersRound applies banker's rounding to a float64 value expressed in
// whole currency units and returns cents.
func (u *CurrencyUtils) BankersRound(value float64) int64 {
	cents := value * 100
	rounded := math.Round(cents)

	if math.Abs(cents-rounded) == 0.5 {
		if int64(rounded)%2 == 0 {
			return int64(rounded)
		}
		return int64(rounded) - 1
	}

	return int64(math.Round(cents))
}

// TokenToUSDCents estimates the fiat value of a token amount for display
// annotations. The float conversion is acceptable here because the result is
// informational only; transaction decisions never consume it.
func (u *CurrencyUtils) TokenToUSDCents(amount *big.Int, decimals int, rate float64) int64 {
	if amount == nil {
		return 0
	}
	units := new(big.Float).Quo(
		new(big.Float).SetInt(amount),
		new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil)),
	)
	f, _ := units.Float64()
	return u.BankersRound(f * rate)
}

// CentsToDollars converts cents to dollars for display
func (u *CurrencyUtils) CentsToDollars(cents int64) float64 {
	return float64(cents) / 100.0
}

// FormatUSD formats cents as USD string
func (u *CurrencyUtils) FormatUSD(cents int64) string {
	return fmt.Sprintf("$%.2f", u.CentsToDollars(cents))
}
