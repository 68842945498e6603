package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/dvloznov/smsledger/internal/domain"
	storemem "github.com/dvloznov/smsledger/internal/store/inmemory"
	"github.com/shopspring/decimal"
)

func TestFXTableConvert(t *testing.T) {
	table := NewFXTable("qar", []*domain.FXRate{
		{Currency: "usd", RateToHome: decimal.RequireFromString("3.64")},
		{Currency: "EUR", RateToHome: decimal.RequireFromString("3.9512")},
		{Currency: "GBP", RateToHome: decimal.Zero},
	})

	tests := []struct {
		name     string
		amount   string
		currency string
		want     string
		ok       bool
	}{
		{name: "home currency unchanged", amount: "12.5", currency: "QAR", want: "12.5", ok: true},
		{name: "converted", amount: "10", currency: "USD", want: "36.4", ok: true},
		{name: "rounded to home minor unit", amount: "3.33", currency: "EUR", want: "13.16", ok: true},
		{name: "zero rate ignored", amount: "1", currency: "GBP", ok: false},
		{name: "unknown currency", amount: "1", currency: "JPY", ok: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := table.Convert(decimal.RequireFromString(tt.amount), tt.currency)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v", ok, tt.ok)
			}
			if ok && !got.Equal(decimal.RequireFromString(tt.want)) {
				t.Errorf("Convert() = %s, want %s", got, tt.want)
			}
		})
	}

	if table.Home() != "QAR" {
		t.Errorf("Home() = %s", table.Home())
	}
}

type failingRates struct{}

func (failingRates) ListFXRates(ctx context.Context, ownerID string) ([]*domain.FXRate, error) {
	return nil, errors.New("unavailable")
}

func (failingRates) UpsertFXRate(ctx context.Context, r *domain.FXRate) error {
	return errors.New("unavailable")
}

func TestLoadFXTable(t *testing.T) {
	ctx := context.Background()
	st := storemem.NewStore()
	_ = st.UpsertFXRate(ctx, &domain.FXRate{OwnerID: "owner-1", Currency: "USD", RateToHome: decimal.RequireFromString("3.64")})

	table, err := LoadFXTable(ctx, st, "owner-1", "QAR")
	if err != nil {
		t.Fatalf("LoadFXTable: %v", err)
	}
	if _, ok := table.Convert(decimal.NewFromInt(1), "USD"); !ok {
		t.Error("stored rate not loaded")
	}

	if _, err := LoadFXTable(ctx, failingRates{}, "owner-1", "QAR"); err == nil {
		t.Error("expected the store error")
	}
}
