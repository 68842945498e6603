package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/jobs"
	storemem "github.com/dvloznov/smsledger/internal/store/inmemory"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// failingRewriteStore fails every bulk rewrite.
type failingRewriteStore struct {
	*storemem.Store
}

func (s *failingRewriteStore) RecategorizeByCounterparty(ctx context.Context, ownerID, pattern string, category domain.Category, subcategory string, confidence domain.Confidence) (int64, error) {
	return 0, errors.New("table locked")
}

// MockPublisher is a mock implementation of jobs.Publisher for testing.
type MockPublisher struct {
	PublishFunc func(ctx context.Context, job *jobs.RecategorizeJob) error
	Published   []*jobs.RecategorizeJob
}

func (m *MockPublisher) PublishRecategorize(ctx context.Context, job *jobs.RecategorizeJob) error {
	if m.PublishFunc != nil {
		if err := m.PublishFunc(ctx, job); err != nil {
			return err
		}
	}
	if job.JobID == "" {
		job.JobID = "job-1"
	}
	m.Published = append(m.Published, job)
	return nil
}

func (m *MockPublisher) Close() error { return nil }

func seedTransactions(t *testing.T, st *storemem.Store, counterparties ...string) {
	t.Helper()
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)
	for i, cp := range counterparties {
		err := st.InsertTransaction(context.Background(), &domain.Transaction{
			OwnerID:        "owner-1",
			OccurredAt:     base.Add(time.Duration(i) * time.Hour),
			Amount:         decimal.NewFromInt(100),
			Currency:       "QAR",
			Direction:      domain.DirectionOut,
			Counterparty:   cp,
			Category:       domain.CategoryOther,
			Subcategory:    domain.SubcategoryUncategorized,
			Confidence:     domain.ConfidenceLow,
			IdempotencyKey: cp + time.Duration(i).String(),
		})
		if err != nil {
			t.Fatal(err)
		}
	}
}

func TestCorrect_ClosesTheLoop(t *testing.T) {
	ctx := context.Background()
	st := storemem.NewStore()
	seedTransactions(t, st, "OOREDOO POSTPAID", "Ooredoo eShop", "Vodafone")

	c := NewCorrector(st, nil, zerolog.Nop())
	res, err := c.Correct(ctx, CorrectionRequest{
		OwnerID:      "owner-1",
		Counterparty: "Ooredoo",
		MerchantType: "Bills",
		PreviousType: "Other",
	})
	if err != nil {
		t.Fatalf("Correct: %v", err)
	}
	if !res.Success || res.Updated != 2 || res.Queued {
		t.Errorf("result = %+v", res)
	}
	if res.Message != "2 transactions recategorized as Bills" {
		t.Errorf("Message = %q", res.Message)
	}

	patterns, _ := st.ListMerchantPatterns(ctx, "owner-1")
	if len(patterns) != 1 {
		t.Fatalf("patterns = %+v", patterns)
	}
	p := patterns[0]
	if p.Pattern != "ooredoo" || p.Category != domain.CategoryEssentials || p.Subcategory != "Bills" || p.Source != domain.PatternSourceCorrection {
		t.Errorf("pattern = %+v", p)
	}

	for _, tx := range rows(t, st) {
		corrected := tx.Counterparty != "Vodafone"
		if corrected && (tx.Subcategory != "Bills" || tx.Confidence != domain.ConfidenceCorrected) {
			t.Errorf("%s not rewritten: %s/%s", tx.Counterparty, tx.Subcategory, tx.Confidence)
		}
		if !corrected && tx.Confidence != domain.ConfidenceLow {
			t.Errorf("unrelated row rewritten: %+v", tx)
		}
	}

	facts, _ := st.ListRecentFacts(ctx, "owner-1", 10)
	if len(facts) != 2 {
		t.Fatalf("facts = %d", len(facts))
	}
	if facts[0].Type != domain.FactPayee || facts[0].Value != "Bills" {
		t.Errorf("payee fact = %+v", facts[0])
	}
	if facts[1].Type != domain.FactCorrection || facts[1].Key != "Ooredoo is Other" || facts[1].Value != "Ooredoo is Bills" {
		t.Errorf("correction fact = %+v", facts[1])
	}

	// A later message from the same merchant resolves through the new pattern.
	lookup := NewLookup(patterns, nil)
	got, ok := ResolvePattern("OOREDOO FIBER", "", lookup)
	if !ok || got.Subcategory != "Bills" || got.Confidence != domain.ConfidenceMatched {
		t.Errorf("future resolution = %+v, %v", got, ok)
	}
}

func TestCorrect_SameTypeRecordsNoFacts(t *testing.T) {
	ctx := context.Background()
	st := storemem.NewStore()
	c := NewCorrector(st, nil, zerolog.Nop())

	if _, err := c.Correct(ctx, CorrectionRequest{OwnerID: "owner-1", Counterparty: "Talabat", MerchantType: "Delivery", PreviousType: "delivery"}); err != nil {
		t.Fatal(err)
	}
	facts, _ := st.ListRecentFacts(ctx, "owner-1", 10)
	if len(facts) != 0 {
		t.Errorf("expected no facts, got %d", len(facts))
	}
}

func TestCorrect_CategoryResolution(t *testing.T) {
	ctx := context.Background()
	st := storemem.NewStore()
	_ = st.UpsertMerchantPattern(ctx, &domain.MerchantPattern{OwnerID: "owner-1", Pattern: "vet clinic", Category: domain.CategoryLifestyle, Subcategory: "Pets"})
	c := NewCorrector(st, nil, zerolog.Nop())

	tests := []struct {
		counterparty string
		merchantType string
		want         domain.Category
	}{
		{"Carrefour", "groceries", domain.CategoryEssentials},
		{"Broker", "financial", domain.CategoryFinancial},
		{"Vet Clinic", "Pet Care", domain.CategoryLifestyle},
		{"Mystery", "Gizmos", domain.CategoryOther},
	}
	for _, tt := range tests {
		t.Run(tt.counterparty, func(t *testing.T) {
			if _, err := c.Correct(ctx, CorrectionRequest{OwnerID: "owner-1", Counterparty: tt.counterparty, MerchantType: tt.merchantType}); err != nil {
				t.Fatal(err)
			}
			patterns, _ := st.ListMerchantPatterns(ctx, "owner-1")
			for _, p := range patterns {
				if p.Pattern == domain.NormalizePattern(tt.counterparty) && p.Category != tt.want {
					t.Errorf("category = %s, want %s", p.Category, tt.want)
				}
			}
		})
	}
}

func TestCorrect_Validation(t *testing.T) {
	c := NewCorrector(storemem.NewStore(), nil, zerolog.Nop())
	for _, req := range []CorrectionRequest{
		{OwnerID: "owner-1", MerchantType: "Bills"},
		{OwnerID: "owner-1", Counterparty: "Ooredoo"},
	} {
		_, err := c.Correct(context.Background(), req)
		var verr *ValidationError
		if !errors.As(err, &verr) {
			t.Errorf("%+v: expected ValidationError, got %v", req, err)
		}
	}
}

func TestCorrect_FailedRewriteIsQueued(t *testing.T) {
	ctx := context.Background()
	mem := storemem.NewStore()
	seedTransactions(t, mem, "OOREDOO POSTPAID")
	pub := &MockPublisher{}

	c := NewCorrector(&failingRewriteStore{mem}, pub, zerolog.Nop())
	res, err := c.Correct(ctx, CorrectionRequest{OwnerID: "owner-1", Counterparty: "Ooredoo", MerchantType: "Bills"})
	if err != nil {
		t.Fatalf("a failed rewrite must not fail the correction: %v", err)
	}
	if !res.Success || !res.Queued || res.JobID != "job-1" || res.Updated != 0 {
		t.Errorf("result = %+v", res)
	}
	if len(pub.Published) != 1 || pub.Published[0].Pattern != "ooredoo" || pub.Published[0].Category != "Essentials" {
		t.Errorf("published = %+v", pub.Published)
	}

	patterns, _ := mem.ListMerchantPatterns(ctx, "owner-1")
	if len(patterns) != 1 {
		t.Error("the pattern must survive a failed rewrite")
	}

	// The queued job converges the history once it runs.
	worker := NewCorrector(mem, nil, zerolog.Nop())
	if err := worker.HandleJob(ctx, pub.Published[0]); err != nil {
		t.Fatalf("HandleJob: %v", err)
	}
	if pub.Published[0].Updated != 1 {
		t.Errorf("Updated = %d", pub.Published[0].Updated)
	}
	if tx := rows(t, mem)[0]; tx.Subcategory != "Bills" || tx.Confidence != domain.ConfidenceCorrected {
		t.Errorf("row = %s/%s", tx.Subcategory, tx.Confidence)
	}
}

func TestCorrect_QueueUnavailable(t *testing.T) {
	mem := storemem.NewStore()
	pub := &MockPublisher{PublishFunc: func(ctx context.Context, job *jobs.RecategorizeJob) error {
		return errors.New("queue is closed")
	}}

	c := NewCorrector(&failingRewriteStore{mem}, pub, zerolog.Nop())
	res, err := c.Correct(context.Background(), CorrectionRequest{OwnerID: "owner-1", Counterparty: "Ooredoo", MerchantType: "Bills"})
	if err != nil {
		t.Fatal(err)
	}
	if res.Queued || res.Message != "Saved Ooredoo as Bills; historical rewrite failed" {
		t.Errorf("result = %+v", res)
	}
}
