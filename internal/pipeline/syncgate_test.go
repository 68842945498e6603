package pipeline

import (
	"context"
	"testing"

	"github.com/dvloznov/smsledger/internal/domain"
	storemem "github.com/dvloznov/smsledger/internal/store/inmemory"
	"github.com/rs/zerolog"
)

func TestSyncGate_Threshold(t *testing.T) {
	tests := []struct {
		name          string
		categorized   int
		uncategorized int
		wantBackfill  bool
	}{
		{"empty ledger", 0, 0, false},
		{"exactly at threshold", 9, 1, false},
		{"above threshold", 8, 2, true},
		{"all uncategorized", 0, 3, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := storemem.NewStore()
			var cps []string
			for i := 0; i < tt.categorized; i++ {
				cps = append(cps, "categorized")
			}
			for i := 0; i < tt.uncategorized; i++ {
				cps = append(cps, "STARBUCKS")
			}
			seedTransactions(t, st, cps...)
			for _, tx := range rows(t, st) {
				if tx.Counterparty == "categorized" {
					_ = st.UpdateCategory(context.Background(), "owner-1", tx.TransactionID, domain.CategoryEssentials, "Groceries", domain.ConfidenceHigh)
				}
			}
			_ = st.UpsertMerchantPattern(context.Background(), &domain.MerchantPattern{OwnerID: "owner-1", Pattern: "starbucks", Subcategory: "Coffee"})

			gate := NewSyncGate(st, 0.10, 100, zerolog.Nop())
			report, err := gate.Check(context.Background(), "owner-1")
			if err != nil {
				t.Fatalf("Check: %v", err)
			}
			if report.BackfillRan != tt.wantBackfill {
				t.Errorf("BackfillRan = %v, want %v (ratio %.2f)", report.BackfillRan, tt.wantBackfill, report.Before.Ratio)
			}
			if tt.wantBackfill && (report.Backfilled != tt.uncategorized || report.After.Uncategorized != 0) {
				t.Errorf("report = %+v", report)
			}
		})
	}
}

func TestSyncGate_BackfillLeavesCorrectedRows(t *testing.T) {
	ctx := context.Background()
	st := storemem.NewStore()
	seedTransactions(t, st, "STARBUCKS PEARL", "STARBUCKS AIRPORT", "Unknown merchant")

	all := rows(t, st)
	// A user explicitly filed this one as uncategorized.
	_ = st.UpdateCategory(ctx, "owner-1", all[1].TransactionID, domain.CategoryOther, domain.SubcategoryUncategorized, domain.ConfidenceCorrected)
	_ = st.UpsertMerchantPattern(ctx, &domain.MerchantPattern{OwnerID: "owner-1", Pattern: "starbucks", Subcategory: "Coffee"})

	gate := NewSyncGate(st, 0, 0, zerolog.Nop())
	n, err := gate.Backfill(ctx, "owner-1")
	if err != nil {
		t.Fatalf("Backfill: %v", err)
	}
	if n != 1 {
		t.Errorf("backfilled %d rows, want 1", n)
	}

	got := rows(t, st)
	if got[0].Subcategory != "Coffee" || got[0].Confidence != domain.ConfidenceMatched {
		t.Errorf("row 0 = %s/%s", got[0].Subcategory, got[0].Confidence)
	}
	if got[1].Confidence != domain.ConfidenceCorrected || got[1].Subcategory != domain.SubcategoryUncategorized {
		t.Errorf("corrected row changed: %s/%s", got[1].Subcategory, got[1].Confidence)
	}
	if got[2].Confidence != domain.ConfidenceLow {
		t.Errorf("unmatched row changed: %+v", got[2])
	}
}

func TestSyncGate_NoPatterns(t *testing.T) {
	st := storemem.NewStore()
	seedTransactions(t, st, "Anything")
	n, err := NewSyncGate(st, 0.5, 0, zerolog.Nop()).Backfill(context.Background(), "owner-1")
	if err != nil || n != 0 {
		t.Errorf("Backfill = %d, %v", n, err)
	}
}
