package extract

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// MockModel is a mock implementation of Model for testing.
type MockModel struct {
	NameValue    string
	GenerateFunc func(ctx context.Context, prompt string) (string, error)
	Calls        int
}

func (m *MockModel) Name() string {
	return m.NameValue
}

func (m *MockModel) Generate(ctx context.Context, prompt string) (string, error) {
	m.Calls++
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, prompt)
	}
	return "", errors.New("not implemented")
}

func respond(raw string) func(context.Context, string) (string, error) {
	return func(context.Context, string) (string, error) { return raw, nil }
}

const (
	highDining   = `{"amount": 25, "currency": "QAR", "counterparty": "Starbucks", "direction": "OUT", "txn_type": "purchase", "category": "Lifestyle", "subcategory": "Dining", "confidence": "high", "reasoning": "coffee shop", "skip": false}`
	mediumDining = `{"amount": 25, "currency": "QAR", "counterparty": "Starbucks", "direction": "OUT", "txn_type": "purchase", "category": "Lifestyle", "subcategory": "Dining", "confidence": "medium", "reasoning": "coffee shop", "skip": false}`
	lowDining    = `{"amount": 25, "currency": "QAR", "counterparty": "Starbucks", "direction": "OUT", "txn_type": "purchase", "category": "Lifestyle", "subcategory": "Dining", "confidence": "low", "reasoning": "maybe a cafe", "skip": false}`
	lowOther     = `{"amount": 25, "currency": "QAR", "counterparty": "XYZ", "direction": "OUT", "txn_type": "purchase", "category": "Other", "subcategory": "Uncategorized", "confidence": "low", "reasoning": "unknown merchant", "skip": false}`
	mediumVague  = `{"amount": 25, "currency": "QAR", "counterparty": "XYZ", "direction": "OUT", "txn_type": "purchase", "category": "Other", "subcategory": "", "confidence": "medium", "reasoning": "", "skip": false}`
	lowShopping  = `{"amount": 25, "currency": "QAR", "counterparty": "XYZ", "direction": "OUT", "txn_type": "purchase", "category": "Lifestyle", "subcategory": "Shopping", "confidence": "low", "reasoning": "looks like retail", "skip": false}`
	lowSkip      = `{"amount": null, "currency": "", "counterparty": "", "direction": "", "txn_type": "other", "category": "Other", "subcategory": "", "confidence": "low", "reasoning": "might be an OTP", "skip": true, "skip_reason": "OTP message"}`
	highSkip     = `{"amount": null, "currency": "", "counterparty": "", "direction": "", "txn_type": "other", "category": "Other", "subcategory": "", "confidence": "high", "reasoning": "one-time password", "skip": true, "skip_reason": "OTP message"}`
)

func testRequest() Request {
	return Request{
		Text:            "Your card ending 1234 was used for QAR 25.00 at STARBUCKS",
		OccurredAt:      time.Date(2025, 3, 6, 8, 30, 0, 0, time.UTC),
		DefaultCurrency: "QAR",
	}
}

func TestTieredExtract(t *testing.T) {
	tests := []struct {
		name          string
		fast          string
		fallback      string
		fallbackErr   error
		wantFallbacks int
		wantSub       string
		wantModel     string
		wantEscalated bool
	}{
		{
			name:          "high confidence stays on fast model",
			fast:          highDining,
			wantFallbacks: 0,
			wantSub:       "Dining",
			wantModel:     "fast",
		},
		{
			name:          "low confidence escalates and fallback outranks",
			fast:          lowDining,
			fallback:      highDining,
			wantFallbacks: 1,
			wantSub:       "Dining",
			wantModel:     "strong",
			wantEscalated: true,
		},
		{
			name:          "uncategorized escalates and categorized fallback wins at same rank",
			fast:          lowOther,
			fallback:      lowShopping,
			wantFallbacks: 1,
			wantSub:       "Shopping",
			wantModel:     "strong",
			wantEscalated: true,
		},
		{
			name:          "empty subcategory escalates even at medium confidence",
			fast:          mediumVague,
			fallback:      mediumDining,
			wantFallbacks: 1,
			wantSub:       "Dining",
			wantModel:     "strong",
			wantEscalated: true,
		},
		{
			name:          "fallback that does not outrank keeps first result",
			fast:          lowShopping,
			fallback:      lowOther,
			wantFallbacks: 1,
			wantSub:       "Shopping",
			wantModel:     "fast",
			wantEscalated: true,
		},
		{
			name:          "fallback failure keeps first result",
			fast:          lowDining,
			fallbackErr:   errors.New("503 service unavailable"),
			wantFallbacks: 1,
			wantSub:       "Dining",
			wantModel:     "fast",
			wantEscalated: true,
		},
		{
			name:          "confident skip stays on fast model",
			fast:          highSkip,
			wantFallbacks: 0,
			wantModel:     "fast",
		},
		{
			name:          "low confidence skip escalates and a surer skip wins",
			fast:          lowSkip,
			fallback:      highSkip,
			wantFallbacks: 1,
			wantModel:     "strong",
			wantEscalated: true,
		},
		{
			name:          "low confidence skip overturned by a kept fallback result",
			fast:          lowSkip,
			fallback:      highDining,
			wantFallbacks: 1,
			wantSub:       "Dining",
			wantModel:     "strong",
			wantEscalated: true,
		},
		{
			name:          "fallback skip never discards a kept result",
			fast:          lowDining,
			fallback:      highSkip,
			wantFallbacks: 1,
			wantSub:       "Dining",
			wantModel:     "fast",
			wantEscalated: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fast := &MockModel{NameValue: "fast", GenerateFunc: respond(tt.fast)}
			strong := &MockModel{
				NameValue: "strong",
				GenerateFunc: func(context.Context, string) (string, error) {
					if tt.fallbackErr != nil {
						return "", tt.fallbackErr
					}
					return tt.fallback, nil
				},
			}

			tiered := NewTiered(fast, strong, zerolog.Nop())
			out, err := tiered.Extract(context.Background(), testRequest())
			if err != nil {
				t.Fatalf("Extract() error = %v", err)
			}
			if fast.Calls != 1 {
				t.Errorf("fast model calls = %d, want 1", fast.Calls)
			}
			if strong.Calls != tt.wantFallbacks {
				t.Errorf("fallback calls = %d, want %d", strong.Calls, tt.wantFallbacks)
			}
			if out.Escalated != tt.wantEscalated {
				t.Errorf("Escalated = %v, want %v", out.Escalated, tt.wantEscalated)
			}
			if out.Result.Subcategory != tt.wantSub {
				t.Errorf("Subcategory = %q, want %q", out.Result.Subcategory, tt.wantSub)
			}
			if out.Result.Model != tt.wantModel {
				t.Errorf("Model = %q, want %q", out.Result.Model, tt.wantModel)
			}
			if len(out.Attempts) != 1+tt.wantFallbacks {
				t.Errorf("attempts = %d, want %d", len(out.Attempts), 1+tt.wantFallbacks)
			}
		})
	}
}

func TestTieredExtract_FastFailureIsFatal(t *testing.T) {
	fast := &MockModel{NameValue: "fast", GenerateFunc: respond("I cannot help with that")}
	strong := &MockModel{NameValue: "strong", GenerateFunc: respond(highDining)}

	_, err := NewTiered(fast, strong, zerolog.Nop()).Extract(context.Background(), testRequest())
	if err == nil {
		t.Fatal("expected error for unparseable response")
	}
	if strong.Calls != 0 {
		t.Errorf("fallback must not run after a fast failure, got %d calls", strong.Calls)
	}
}

func TestTieredExtract_MalformedFastResponse(t *testing.T) {
	fast := &MockModel{NameValue: "fast", GenerateFunc: respond(`{"hello": "world"}`)}
	strong := &MockModel{NameValue: "strong", GenerateFunc: respond(highDining)}

	out, err := NewTiered(fast, strong, zerolog.Nop()).Extract(context.Background(), testRequest())
	if !errors.Is(err, ErrMalformedResult) {
		t.Fatalf("expected ErrMalformedResult, got %v", err)
	}
	if len(out.Attempts) != 1 || out.Attempts[0].Err == nil {
		t.Errorf("attempt should record the parse failure: %+v", out.Attempts)
	}
}

func TestTieredExtract_NoFallbackConfigured(t *testing.T) {
	fast := &MockModel{NameValue: "fast", GenerateFunc: respond(lowOther)}

	out, err := NewTiered(fast, nil, zerolog.Nop()).Extract(context.Background(), testRequest())
	if err != nil {
		t.Fatal(err)
	}
	if out.Escalated || out.Result.Subcategory != "Uncategorized" {
		t.Errorf("unexpected outcome %+v", out)
	}
}

func TestTieredExtract_NoModel(t *testing.T) {
	_, err := (&Tiered{}).Extract(context.Background(), testRequest())
	if !errors.Is(err, ErrNoModel) {
		t.Errorf("expected ErrNoModel, got %v", err)
	}
}
