package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// FXRate converts one unit of Currency into the owner's home currency.
// Unique per (OwnerID, Currency).
type FXRate struct {
	OwnerID    string
	Currency   string
	RateToHome decimal.Decimal
	// Formula is the free-text source of the rate, e.g. "=1/3.64".
	Formula   string
	UpdatedAt time.Time
}

// NormalizeCurrency upper-cases and trims an ISO 4217 code.
func NormalizeCurrency(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}
