package inmemory

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/store"
	"github.com/shopspring/decimal"
)

func newTx(owner, key, counterparty string, cat domain.Category, sub string, conf domain.Confidence) *domain.Transaction {
	return &domain.Transaction{
		OwnerID:        owner,
		OccurredAt:     time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC),
		Amount:         decimal.RequireFromString("12.50"),
		Currency:       "QAR",
		Counterparty:   counterparty,
		Direction:      domain.DirectionOut,
		Category:       cat,
		Subcategory:    sub,
		Confidence:     conf,
		IdempotencyKey: key,
	}
}

func TestInsertTransaction_Duplicate(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	if err := s.InsertTransaction(ctx, newTx("u1", "k1", "Carrefour", domain.CategoryEssentials, "Groceries", domain.ConfidenceHigh)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err := s.InsertTransaction(ctx, newTx("u1", "k1", "Carrefour", domain.CategoryEssentials, "Groceries", domain.ConfidenceHigh))
	if !errors.Is(err, store.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if err := s.InsertTransaction(ctx, newTx("u2", "k1", "Carrefour", domain.CategoryEssentials, "Groceries", domain.ConfidenceHigh)); err != nil {
		t.Fatalf("same key for another owner should insert: %v", err)
	}

	has, _ := s.HasIdempotencyKey(ctx, "u1", "k1")
	if !has {
		t.Error("expected key to be present")
	}
	has, _ = s.HasIdempotencyKey(ctx, "u1", "missing")
	if has {
		t.Error("unexpected key")
	}
}

func TestRecategorizeByCounterparty(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.InsertTransaction(ctx, newTx("u1", "a", "OOREDOO QATAR", domain.CategoryOther, "Uncategorized", domain.ConfidenceLow))
	_ = s.InsertTransaction(ctx, newTx("u1", "b", "Ooredoo Postpaid", domain.CategoryOther, "Other", domain.ConfidenceMedium))
	_ = s.InsertTransaction(ctx, newTx("u1", "c", "Vodafone", domain.CategoryOther, "Other", domain.ConfidenceMedium))
	_ = s.InsertTransaction(ctx, newTx("u2", "d", "Ooredoo", domain.CategoryOther, "Other", domain.ConfidenceMedium))

	n, err := s.RecategorizeByCounterparty(ctx, "u1", "Ooredoo", domain.CategoryEssentials, "Bills", domain.ConfidenceCorrected)
	if err != nil {
		t.Fatalf("RecategorizeByCounterparty: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected 2 rows updated, got %d", n)
	}

	rows, _ := s.ListTransactions(ctx, "u1", time.Time{}, time.Time{})
	for _, r := range rows {
		if r.Counterparty == "Vodafone" {
			if r.Subcategory != "Other" {
				t.Errorf("Vodafone should be untouched, got %s", r.Subcategory)
			}
			continue
		}
		if r.Subcategory != "Bills" || r.Confidence != domain.ConfidenceCorrected || r.UpdatedAt == nil {
			t.Errorf("row %s not rewritten: %+v", r.Counterparty, r)
		}
	}

	other, _ := s.ListTransactions(ctx, "u2", time.Time{}, time.Time{})
	if other[0].Subcategory != "Other" {
		t.Error("other owner's rows must not change")
	}
}

func TestCoverageAndUncategorized(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	_ = s.InsertTransaction(ctx, newTx("u1", "a", "Shop", domain.CategoryOther, "Uncategorized", domain.ConfidenceLow))
	_ = s.InsertTransaction(ctx, newTx("u1", "b", "Cafe", domain.CategoryLifestyle, "Coffee", domain.ConfidenceHigh))
	_ = s.InsertTransaction(ctx, newTx("u1", "c", "Mystery", domain.CategoryOther, "", domain.ConfidenceCorrected))

	total, uncategorized, err := s.CountCoverage(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || uncategorized != 2 {
		t.Errorf("coverage = %d/%d, want 3/2", total, uncategorized)
	}

	rows, _ := s.ListUncategorized(ctx, "u1", 10)
	if len(rows) != 1 || rows[0].Counterparty != "Shop" {
		t.Errorf("corrected rows must be excluded, got %d rows", len(rows))
	}
}

func TestUpsertMerchantPattern(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_ = s.UpsertMerchantPattern(ctx, &domain.MerchantPattern{OwnerID: "u1", Pattern: "Starbucks", Subcategory: "Dining"})
	_ = s.UpsertMerchantPattern(ctx, &domain.MerchantPattern{OwnerID: "u1", Pattern: "talabat", Subcategory: "Delivery"})
	_ = s.UpsertMerchantPattern(ctx, &domain.MerchantPattern{OwnerID: "u1", Pattern: " STARBUCKS ", Subcategory: "Coffee"})

	got, _ := s.ListMerchantPatterns(ctx, "u1")
	if len(got) != 2 {
		t.Fatalf("expected 2 patterns, got %d", len(got))
	}
	if got[0].Pattern != "starbucks" || got[0].Subcategory != "Coffee" {
		t.Errorf("upsert should update in place, got %+v", got[0])
	}

	if err := s.UpsertMerchantPattern(ctx, &domain.MerchantPattern{OwnerID: "u1", Pattern: "  "}); err == nil {
		t.Error("expected error for empty pattern")
	}
}

func TestListRecentFacts(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	for _, v := range []string{"one", "two", "three"} {
		_ = s.AppendFact(ctx, &domain.ContextFact{OwnerID: "u1", Type: domain.FactPreference, Key: "k", Value: v})
	}

	got, _ := s.ListRecentFacts(ctx, "u1", 2)
	if len(got) != 2 || got[0].Value != "two" || got[1].Value != "three" {
		t.Errorf("expected newest two oldest-first, got %+v", got)
	}
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	s := NewStore()
	c := &domain.Credential{OwnerID: "u1", KeyHash: "abc"}
	_ = s.SaveCredential(ctx, c)

	got, err := s.ResolveCredential(ctx, "abc")
	if err != nil || got.OwnerID != "u1" {
		t.Fatalf("ResolveCredential = %v, %v", got, err)
	}

	now := time.Now()
	if err := s.TouchCredential(ctx, c.CredentialID, now, "203.0.113.9"); err != nil {
		t.Fatal(err)
	}

	c.RevokedAt = &now
	_ = s.SaveCredential(ctx, c)
	if _, err := s.ResolveCredential(ctx, "abc"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("revoked credential should not resolve, got %v", err)
	}
}

func TestUpsertFXRate(t *testing.T) {
	ctx := context.Background()
	s := NewStore()

	_ = s.UpsertFXRate(ctx, &domain.FXRate{OwnerID: "u1", Currency: " usd ", RateToHome: decimal.RequireFromString("3.64")})
	_ = s.UpsertFXRate(ctx, &domain.FXRate{OwnerID: "u1", Currency: "EUR", RateToHome: decimal.RequireFromString("3.95")})
	_ = s.UpsertFXRate(ctx, &domain.FXRate{OwnerID: "u1", Currency: "USD", RateToHome: decimal.RequireFromString("3.65"), Formula: "=3.65"})
	_ = s.UpsertFXRate(ctx, &domain.FXRate{OwnerID: "u2", Currency: "USD", RateToHome: decimal.RequireFromString("1")})

	rates, err := s.ListFXRates(ctx, "u1")
	if err != nil {
		t.Fatalf("ListFXRates: %v", err)
	}
	if len(rates) != 2 {
		t.Fatalf("expected 2 rates, got %d", len(rates))
	}
	if rates[0].Currency != "EUR" || rates[1].Currency != "USD" {
		t.Errorf("order = %s, %s", rates[0].Currency, rates[1].Currency)
	}
	if !rates[1].RateToHome.Equal(decimal.RequireFromString("3.65")) || rates[1].Formula != "=3.65" {
		t.Errorf("USD rate not replaced: %+v", rates[1])
	}

	if err := s.UpsertFXRate(ctx, &domain.FXRate{OwnerID: "u1", Currency: "  "}); err == nil {
		t.Error("expected error for empty currency")
	}
}
