// README: Common money value object used across modules (fixed-point decimal, never float).
package types

import "github.com/shopspring/decimal"

const DefaultCurrency = "NGN"

type Money struct {
	Amount   decimal.Decimal `json:"amount"`
	Currency string          `json:"currency"`
}

func NewMoney(amount decimal.Decimal, currency string) Money {
	if currency == "" {
		currency = DefaultCurrency
	}
	return Money{Amount: amount, Currency: currency}
}

// RoundMoney rounds to 2 decimal places, half away from zero (half-up for positive amounts).
func RoundMoney(d decimal.Decimal) decimal.Decimal {
	return d.Round(2)
}

// IsCents reports whether d already has at most 2 decimal places.
func IsCents(d decimal.Decimal) bool {
	return d.Equal(d.Round(2))
}
