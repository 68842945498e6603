package mysql

import (
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/shopspring/decimal"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// dryRunDB builds statements without a server: no ping, no implicit
// transaction, nothing executed.
func dryRunDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(mysql.New(mysql.Config{
		DSN:                       "user:pass@tcp(127.0.0.1:3306)/ledger?parseTime=true",
		SkipInitializeWithVersion: true,
	}), &gorm.Config{
		DryRun:                 true,
		SkipDefaultTransaction: true,
		DisableAutomaticPing:   true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	return db
}

func TestEscapeLike(t *testing.T) {
	tests := map[string]string{
		"ooredoo":   "ooredoo",
		"50%_off":   `50\%\_off`,
		`back\path`: `back\\path`,
	}
	for in, want := range tests {
		if got := escapeLike(in); got != want {
			t.Errorf("escapeLike(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPatternUpsertStatement(t *testing.T) {
	db := dryRunDB(t)
	e := newMerchantPatternEntity(&domain.MerchantPattern{PatternID: "p1", OwnerID: "owner-1", Pattern: "ooredoo", Subcategory: "Bills"})

	res := db.Clauses(patternUpsertClause()).Create(e)
	if res.Error != nil {
		t.Fatalf("Create() error = %v", res.Error)
	}
	sql := res.Statement.SQL.String()
	if sql == "" {
		t.Fatal("no statement was built")
	}
	if !strings.Contains(sql, "ON DUPLICATE KEY UPDATE") {
		t.Errorf("expected an upsert, got %s", sql)
	}
	for _, col := range []string{"`subcategory`=VALUES(`subcategory`)", "`updated_at`=VALUES(`updated_at`)"} {
		if !strings.Contains(sql, col) {
			t.Errorf("missing %s in %s", col, sql)
		}
	}
	if strings.Contains(sql, "`created_at`=VALUES") || strings.Contains(sql, "`pattern_id`=VALUES") {
		t.Errorf("id and creation time must survive an upsert: %s", sql)
	}
}

func TestTransactionEntityConversion(t *testing.T) {
	tx := &domain.Transaction{
		TransactionID: "tx-1",
		OwnerID:       "owner-1",
		OccurredAt:    time.Date(2025, 3, 6, 8, 30, 0, 0, time.UTC),
		Amount:        decimal.RequireFromString("310.2"),
		Currency:      "QAR",
		Direction:     domain.DirectionOut,
		Category:      domain.CategoryEssentials,
		Subcategory:   "Groceries",
		Confidence:    domain.ConfidenceHigh,
		Context:       domain.TransactionContext{Reasoning: "supermarket"},
	}

	e, err := newTransactionEntity(tx)
	if err != nil {
		t.Fatal(err)
	}
	if e.IdempotencyKey != nil {
		t.Error("an empty key must be stored as NULL")
	}

	back, err := e.toDomain()
	if err != nil {
		t.Fatal(err)
	}
	if !back.Amount.Equal(tx.Amount) || back.Context.Reasoning != "supermarket" || back.IdempotencyKey != "" {
		t.Errorf("round trip = %+v", back)
	}
}

func TestFXRateUpsertStatement(t *testing.T) {
	db := dryRunDB(t)
	e := &FXRateEntity{OwnerID: "owner-1", Currency: "USD", RateToHome: decimal.RequireFromString("3.64")}

	res := db.Clauses(fxRateUpsertClause()).Create(e)
	if res.Error != nil {
		t.Fatalf("Create() error = %v", res.Error)
	}
	sql := res.Statement.SQL.String()
	if !strings.Contains(sql, "`fx_rates`") || !strings.Contains(sql, "ON DUPLICATE KEY UPDATE") {
		t.Errorf("expected an fx_rates upsert, got %s", sql)
	}
	if !strings.Contains(sql, "`rate_to_home`=VALUES(`rate_to_home`)") {
		t.Errorf("rate must be replaced on conflict: %s", sql)
	}
}
