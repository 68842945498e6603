package extract

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dvloznov/smsledger/internal/domain"
)

func TestParseResult(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr bool
		check   func(t *testing.T, r *Result)
	}{
		{
			name: "plain object",
			raw:  `{"amount": 25.5, "currency": "QAR", "counterparty": "Starbucks", "direction": "OUT", "txn_type": "purchase", "category": "Lifestyle", "subcategory": "Dining", "confidence": "HIGH", "reasoning": "cafe", "skip": false}`,
			check: func(t *testing.T, r *Result) {
				if n, ok := r.Amount.(json.Number); !ok || n.String() != "25.5" {
					t.Errorf("Amount = %#v", r.Amount)
				}
				if r.ConfidenceLabel() != domain.ConfidenceHigh {
					t.Errorf("ConfidenceLabel() = %q", r.ConfidenceLabel())
				}
			},
		},
		{
			name: "fenced with chatter",
			raw:  "Here you go:\n```json\n{\"amount\": 10, \"currency\": \"QAR\", \"counterparty\": \"Lulu\", \"direction\": \"OUT\", \"txn_type\": \"purchase\", \"category\": \"Essentials\", \"subcategory\": \"Groceries\", \"confidence\": \"high\", \"reasoning\": \"\", \"skip\": false}\n```",
			check: func(t *testing.T, r *Result) {
				if r.Amount == nil || r.Counterparty != "Lulu" {
					t.Errorf("unexpected result %+v", r)
				}
			},
		},
		{
			name: "non-numeric amount is kept for validation",
			raw:  `{"amount": "twenty", "currency": "QAR", "counterparty": "Lulu", "direction": "OUT", "txn_type": "purchase", "category": "Essentials", "subcategory": "Groceries", "confidence": "high", "reasoning": "", "skip": false}`,
			check: func(t *testing.T, r *Result) {
				if s, ok := r.Amount.(string); !ok || s != "twenty" {
					t.Errorf("Amount = %#v", r.Amount)
				}
			},
		},
		{
			name: "null values count as present",
			raw:  `{"amount": null, "currency": null, "counterparty": null, "direction": null, "txn_type": null, "category": "Other", "subcategory": null, "confidence": "high", "reasoning": null, "skip": true}`,
			check: func(t *testing.T, r *Result) {
				if !r.Skip || r.Amount != nil {
					t.Errorf("unexpected result %+v", r)
				}
			},
		},
		{name: "not json", raw: "sorry, no transaction here", wantErr: true},
		{name: "empty", raw: "   ", wantErr: true},
		{name: "wrong shape", raw: `{"hello": "world"}`, wantErr: true},
		{name: "missing confidence", raw: `{"amount": 1, "currency": "QAR", "counterparty": "X", "direction": "OUT", "txn_type": "purchase", "category": "Other", "subcategory": "", "reasoning": "", "skip": false}`, wantErr: true},
		{name: "wrong field type", raw: `{"amount": 1, "currency": "QAR", "counterparty": "X", "direction": "OUT", "txn_type": "purchase", "category": "Other", "subcategory": "", "confidence": 3, "reasoning": "", "skip": false}`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := ParseResult(tt.raw)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseResult() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrMalformedResult) {
				t.Errorf("error %v should wrap ErrMalformedResult", err)
			}
			if tt.check != nil {
				tt.check(t, r)
			}
		})
	}
}

func TestNeedsEscalation(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want bool
	}{
		{"low confidence", Result{Confidence: "low", Subcategory: "Dining"}, true},
		{"empty subcategory", Result{Confidence: "high"}, true},
		{"uncategorized", Result{Confidence: "medium", Subcategory: "uncategorized"}, true},
		{"confident", Result{Confidence: "high", Subcategory: "Dining"}, false},
		{"low confidence skip", Result{Confidence: "low", Skip: true}, true},
		{"confident skip", Result{Confidence: "high", Skip: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.NeedsEscalation(); got != tt.want {
				t.Errorf("NeedsEscalation() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestFoldFacts_LatestWins(t *testing.T) {
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	facts := []*domain.ContextFact{
		{Type: domain.FactPayee, Key: "Ooredoo", Value: "Other", CreatedAt: base},
		{Type: domain.FactIncome, Key: "salary", Value: "25th", CreatedAt: base.Add(time.Hour)},
		{Type: domain.FactPayee, Key: "ooredoo", Value: "Bills", CreatedAt: base.Add(2 * time.Hour)},
		{Type: domain.FactCorrection, Key: "Ooredoo", Value: "Bills", CreatedAt: base.Add(time.Minute)},
	}

	got := FoldFacts(facts)
	if len(got) != 3 {
		t.Fatalf("expected 3 folded facts, got %d", len(got))
	}
	for _, f := range got {
		if f.Type == domain.FactPayee && f.Value != "Bills" {
			t.Errorf("payee fact should be the latest, got %q", f.Value)
		}
	}
}

func TestBuildPrompt(t *testing.T) {
	req := testRequest()
	req.Patterns = []*domain.MerchantPattern{
		{Pattern: "starbucks", ConsolidatedName: "Starbucks", Category: domain.CategoryLifestyle, Subcategory: "Dining"},
	}
	req.FamilyHints = []string{"Fatima Al Sayed"}
	req.Facts = []*domain.ContextFact{
		{Type: domain.FactCorrection, Key: "Ooredoo is Other", Value: "Ooredoo is Bills"},
	}
	req.Time = domain.TimeContext{Weekday: "Thursday", TimeOfDay: "morning", StartOfMonth: true}

	prompt := BuildPrompt(req)
	for _, want := range []string{
		"starbucks -> Starbucks, Lifestyle / Dining",
		"Fatima Al Sayed",
		"Ooredoo is Other -> Ooredoo is Bills",
		"Thursday (morning)",
		"start of month",
		"Family Support",
		req.Text,
	} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}
