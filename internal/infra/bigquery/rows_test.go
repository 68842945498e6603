package bigquery

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/shopspring/decimal"
	"google.golang.org/api/googleapi"
)

func TestDatasetTable(t *testing.T) {
	ds := Dataset{ProjectID: "proj", DatasetID: "ledger"}
	if got := ds.Table("transactions"); got != "`proj.ledger.transactions`" {
		t.Errorf("Table() = %s", got)
	}
}

func TestTransactionRowConversion(t *testing.T) {
	doha := time.FixedZone("AST", 3*3600)
	tx := &domain.Transaction{
		TransactionID:  "tx-1",
		OwnerID:        "owner-1",
		OccurredAt:     time.Date(2025, 3, 1, 0, 30, 0, 0, doha),
		Amount:         decimal.RequireFromString("25.46"),
		Currency:       "QAR",
		Direction:      domain.DirectionOut,
		Category:       domain.CategoryLifestyle,
		Subcategory:    "Dining",
		Confidence:     domain.ConfidenceMatched,
		Context:        domain.TransactionContext{Reasoning: "cafe", Time: domain.TimeContext{Hour: 0, Weekday: "Saturday"}},
		RawText:        "Purchase QAR 25.46 at STARBUCKS",
		IdempotencyKey: "abc",
		CreatedAt:      time.Date(2025, 3, 1, 0, 31, 0, 0, time.UTC),
	}

	row, err := newTransactionRow(tx)
	if err != nil {
		t.Fatalf("newTransactionRow: %v", err)
	}
	if row.OccurredDate != (civil.Date{Year: 2025, Month: 3, Day: 1}) {
		t.Errorf("OccurredDate = %v, want the owner-local date", row.OccurredDate)
	}
	if row.Card.Valid || row.UpdatedTS.Valid {
		t.Error("empty optional fields must be NULL")
	}

	back, err := row.toDomain()
	if err != nil {
		t.Fatalf("toDomain: %v", err)
	}
	if !back.Amount.Equal(tx.Amount) {
		t.Errorf("Amount = %s", back.Amount)
	}
	if back.Context.Reasoning != "cafe" || back.Context.Time.Weekday != "Saturday" {
		t.Errorf("Context = %+v", back.Context)
	}
	if !back.OccurredAt.Equal(tx.OccurredAt) || back.IdempotencyKey != "abc" {
		t.Errorf("round trip = %+v", back)
	}
}

func TestCredentialRowToDomain(t *testing.T) {
	revoked := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	row := &CredentialRow{
		CredentialID: "c1",
		OwnerID:      "owner-1",
		KeyHash:      "hash",
		RevokedTS:    bigquery.NullTimestamp{Timestamp: revoked, Valid: true},
	}
	c := row.toDomain()
	if c.Active() || c.LastUsedAt != nil {
		t.Errorf("credential = %+v", c)
	}
}

func TestFXRateRowToDomain(t *testing.T) {
	row := &FXRateRow{
		OwnerID:    "owner-1",
		Currency:   "USD",
		RateToHome: decimal.RequireFromString("3.6415").Rat(),
		Formula:    bigquery.NullString{StringVal: "=3.6415", Valid: true},
	}
	r, err := row.toDomain()
	if err != nil {
		t.Fatalf("toDomain: %v", err)
	}
	if !r.RateToHome.Equal(decimal.RequireFromString("3.6415")) || r.Formula != "=3.6415" {
		t.Errorf("rate = %+v", r)
	}

	empty, err := (&FXRateRow{Currency: "EUR"}).toDomain()
	if err != nil || !empty.RateToHome.IsZero() {
		t.Errorf("NULL rate = %+v, %v", empty, err)
	}
}

func TestIsAlreadyExists(t *testing.T) {
	conflict := fmt.Errorf("wrapped: %w", &googleapi.Error{Code: http.StatusConflict})
	if !isAlreadyExists(conflict) {
		t.Error("expected 409 to be treated as already exists")
	}
	if isAlreadyExists(&googleapi.Error{Code: http.StatusForbidden}) || isAlreadyExists(errors.New("boom")) {
		t.Error("unexpected match")
	}
}

func TestTableDefinitionsMatchRows(t *testing.T) {
	defs := tableDefinitions()
	for name, row := range map[string]any{
		transactionsTable: TransactionRow{},
		patternsTable:     MerchantPatternRow{},
		factsTable:        ContextFactRow{},
		recipientsTable:   RecipientRow{},
		credentialsTable:  CredentialRow{},
		fxRatesTable:      FXRateRow{},
	} {
		inferred, err := bigquery.InferSchema(row)
		if err != nil {
			t.Fatalf("%s: InferSchema: %v", name, err)
		}
		if len(inferred) != len(defs[name].Schema) {
			t.Errorf("%s: %d row fields, %d schema columns", name, len(inferred), len(defs[name].Schema))
			continue
		}
		for i, f := range inferred {
			if f.Name != defs[name].Schema[i].Name {
				t.Errorf("%s: column %d is %s in the row, %s in the schema", name, i, f.Name, defs[name].Schema[i].Name)
			}
		}
	}
}

func TestAffectedRows(t *testing.T) {
	tests := []struct {
		name    string
		status  *bigquery.JobStatus
		want    int64
		wantErr bool
	}{
		{
			name:   "dml count",
			status: &bigquery.JobStatus{Statistics: &bigquery.JobStatistics{Details: &bigquery.QueryStatistics{NumDMLAffectedRows: 1}}},
			want:   1,
		},
		{
			name:   "merge matched nothing",
			status: &bigquery.JobStatus{Statistics: &bigquery.JobStatistics{Details: &bigquery.QueryStatistics{}}},
			want:   0,
		},
		{name: "no statistics", status: &bigquery.JobStatus{}, wantErr: true},
		{name: "not a query job", status: &bigquery.JobStatus{Statistics: &bigquery.JobStatistics{Details: &bigquery.LoadStatistics{}}}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := affectedRows(tt.status)
			if (err != nil) != tt.wantErr {
				t.Fatalf("affectedRows() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr && !errors.Is(err, errNoStatistics) {
				t.Errorf("error = %v, want errNoStatistics", err)
			}
			if got != tt.want {
				t.Errorf("affectedRows() = %d, want %d", got, tt.want)
			}
		})
	}
}
