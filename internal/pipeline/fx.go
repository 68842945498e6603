package pipeline

import (
	"context"
	"fmt"

	"github.com/Rhymond/go-money"
	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/store"
	"github.com/shopspring/decimal"
)

// FXTable converts amounts into a home currency using the owner's stored rates.
type FXTable struct {
	home     string
	fraction int32
	rates    map[string]decimal.Decimal
}

// NewFXTable builds a table for home. Rates that are not positive are ignored.
func NewFXTable(home string, rates []*domain.FXRate) *FXTable {
	home = domain.NormalizeCurrency(home)
	t := &FXTable{home: home, fraction: 2, rates: make(map[string]decimal.Decimal, len(rates))}
	if cur := money.GetCurrency(home); cur != nil {
		t.fraction = int32(cur.Fraction)
	}
	for _, r := range rates {
		if r.RateToHome.IsPositive() {
			t.rates[domain.NormalizeCurrency(r.Currency)] = r.RateToHome
		}
	}
	return t
}

// LoadFXTable reads the owner's rates and builds a table for home.
func LoadFXTable(ctx context.Context, repo store.FXRateRepository, ownerID, home string) (*FXTable, error) {
	rates, err := repo.ListFXRates(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("LoadFXTable: %w", err)
	}
	return NewFXTable(home, rates), nil
}

// Home returns the currency amounts are converted into.
func (t *FXTable) Home() string {
	return t.home
}

// Convert returns amount in the home currency, rounded to its minor unit.
// It reports false when the currency has no rate.
func (t *FXTable) Convert(amount decimal.Decimal, currency string) (decimal.Decimal, bool) {
	code := domain.NormalizeCurrency(currency)
	if code == t.home {
		return amount, true
	}
	rate, ok := t.rates[code]
	if !ok {
		return decimal.Zero, false
	}
	return amount.Mul(rate).Round(t.fraction), true
}
