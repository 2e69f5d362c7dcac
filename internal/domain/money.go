package domain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	ErrInvalidAmount   = errors.New("invalid amount")
	ErrInvalidCurrency = errors.New("invalid currency")
)

const defaultMinorUnits int32 = 2

// minorUnits lists currencies whose minor unit differs from two decimal places.
var minorUnits = map[string]int32{
	"JPY":  0,
	"KRW":  0,
	"BTC":  8,
	"ETH":  8,
	"LTC":  8,
	"USDT": 6,
	"USDC": 6,
}

// Money represents a fixed-point monetary value in a specific currency.
type Money struct {
	Amount   decimal.Decimal
	Currency string
}

// NewMoney normalizes the currency code and rounds amount to its minor unit.
func NewMoney(amount decimal.Decimal, currency string) Money {
	currency = NormalizeCurrency(currency)
	return Money{
		Amount:   RoundToMinor(amount, currency),
		Currency: currency,
	}
}

// NormalizeCurrency upper-cases and trims an ISO-style currency code.
func NormalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}

// MinorUnits returns the number of decimal places used by currency.
func MinorUnits(currency string) int32 {
	if places, ok := minorUnits[NormalizeCurrency(currency)]; ok {
		return places
	}
	return defaultMinorUnits
}

// RoundToMinor rounds half-up (away from zero) to the currency's minor unit.
func RoundToMinor(amount decimal.Decimal, currency string) decimal.Decimal {
	return amount.Round(MinorUnits(currency))
}

// MinorUnit returns the smallest representable amount for currency, e.g. 0.01 for USD.
func MinorUnit(currency string) decimal.Decimal {
	return decimal.New(1, -MinorUnits(currency))
}

// FormatAmount renders amount with exactly the currency's minor-unit precision.
func FormatAmount(amount decimal.Decimal, currency string) string {
	return amount.StringFixed(MinorUnits(currency))
}

// ParseAmount parses a positive decimal string and rejects precision finer than the minor unit.
func ParseAmount(raw, currency string) (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: %q", ErrInvalidAmount, raw)
	}
	if !amount.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: must be greater than zero", ErrInvalidAmount)
	}
	if !amount.Equal(RoundToMinor(amount, currency)) {
		return decimal.Zero, fmt.Errorf("%w: %s has more than %d decimal places", ErrInvalidAmount, raw, MinorUnits(currency))
	}
	return amount, nil
}

// ValidateCurrency accepts three to five letter codes.
func ValidateCurrency(currency string) error {
	currency = NormalizeCurrency(currency)
	if len(currency) < 3 || len(currency) > 5 {
		return fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("%w: %q", ErrInvalidCurrency, currency)
		}
	}
	return nil
}

// String returns the string representation of the money.
func (m Money) String() string {
	return fmt.Sprintf("%s %s", FormatAmount(m.Amount, m.Currency), m.Currency)
}
