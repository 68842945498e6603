package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/dvloznov/smsledger/internal/domain"
	storemem "github.com/dvloznov/smsledger/internal/store/inmemory"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func TestImportPatterns(t *testing.T) {
	ctx := context.Background()
	st := storemem.NewStore()
	_ = st.UpsertMerchantPattern(ctx, &domain.MerchantPattern{
		OwnerID:     "owner-1",
		Pattern:     "ooredoo",
		Category:    domain.CategoryEssentials,
		Subcategory: "Telecom",
		Source:      domain.PatternSourceCorrection,
	})

	csvData := "\ufeffPattern,Display Name,Consolidated Name,Category\n" +
		"STARBUCKS,Starbucks Pearl,Starbucks,Coffee\n" +
		"talabat,Talabat,Talabat,Lifestyle\n" +
		",,,\n" +
		"Ooredoo,Ooredoo,Ooredoo,Bills\n" +
		"mystery,Mystery,Mystery,Gadgets\n" +
		",Orphan,Orphan,Dining\n"

	im := NewImporter(st, st, zerolog.Nop())
	report, err := im.ImportPatterns(ctx, "owner-1", strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("ImportPatterns: %v", err)
	}
	if report.Imported != 2 || report.Skipped != 3 || len(report.Errors) != 2 {
		t.Fatalf("report = %+v", report)
	}
	if !strings.HasPrefix(report.Errors[0], "row 6:") {
		t.Errorf("first error = %q, want row 6", report.Errors[0])
	}

	patterns, _ := st.ListMerchantPatterns(ctx, "owner-1")
	byPattern := make(map[string]*domain.MerchantPattern)
	for _, p := range patterns {
		byPattern[p.Pattern] = p
	}

	tests := []struct {
		pattern  string
		category domain.Category
		sub      string
		source   string
	}{
		{"starbucks", domain.CategoryLifestyle, "Coffee", domain.PatternSourceImport},
		{"talabat", domain.CategoryLifestyle, "", domain.PatternSourceImport},
		{"ooredoo", domain.CategoryEssentials, "Telecom", domain.PatternSourceCorrection},
	}
	for _, tt := range tests {
		p, ok := byPattern[tt.pattern]
		if !ok {
			t.Errorf("%s: not stored", tt.pattern)
			continue
		}
		if p.Category != tt.category || p.Subcategory != tt.sub || p.Source != tt.source {
			t.Errorf("%s = %+v", tt.pattern, p)
		}
	}
	if byPattern["starbucks"].ConsolidatedName != "Starbucks" {
		t.Errorf("consolidated name = %q", byPattern["starbucks"].ConsolidatedName)
	}
}

func TestImportPatterns_ImportedPatternResolves(t *testing.T) {
	ctx := context.Background()
	st := storemem.NewStore()
	im := NewImporter(st, st, zerolog.Nop())

	csvData := "pattern,display_name,consolidated_name,category,subcategory\n" +
		"woqod,WOQOD,Woqod,Essentials,Fuel\n"
	if _, err := im.ImportPatterns(ctx, "owner-1", strings.NewReader(csvData)); err != nil {
		t.Fatalf("ImportPatterns: %v", err)
	}

	patterns, _ := st.ListMerchantPatterns(ctx, "owner-1")
	m := NewLookup(patterns, nil).MatchPattern("WOQOD AL WAAB", "Purchase at WOQOD AL WAAB")
	if m == nil || m.Subcategory != "Fuel" || m.Source != domain.PatternSourceImport {
		t.Errorf("match = %+v", m)
	}
}

func TestImportPatterns_BadHeader(t *testing.T) {
	im := NewImporter(storemem.NewStore(), storemem.NewStore(), zerolog.Nop())

	for name, data := range map[string]string{
		"empty":          "",
		"missing column": "Merchant,Category\nfoo,Dining\n",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := im.ImportPatterns(context.Background(), "owner-1", strings.NewReader(data)); err == nil {
				t.Error("expected an error")
			}
		})
	}
}

func TestImportFXRates(t *testing.T) {
	ctx := context.Background()
	st := storemem.NewStore()
	im := NewImporter(st, st, zerolog.Nop())

	csvData := "Currency,RateToQAR,Formula\n" +
		"usd,3.64,=3.64\n" +
		"EUR,\"3,951\",\n" +
		"GBP,0,\n" +
		"ZZZ,1.5,\n" +
		"INR,abc,\n"
	report, err := im.ImportFXRates(ctx, "owner-1", strings.NewReader(csvData))
	if err != nil {
		t.Fatalf("ImportFXRates: %v", err)
	}
	if report.Imported != 2 || report.Skipped != 3 {
		t.Fatalf("report = %+v", report)
	}

	rates, _ := st.ListFXRates(ctx, "owner-1")
	if len(rates) != 2 {
		t.Fatalf("rates = %+v", rates)
	}
	if rates[0].Currency != "EUR" || !rates[0].RateToHome.Equal(decimal.RequireFromString("3951")) {
		t.Errorf("EUR = %+v", rates[0])
	}
	if rates[1].Currency != "USD" || rates[1].Formula != "=3.64" {
		t.Errorf("USD = %+v", rates[1])
	}
}
