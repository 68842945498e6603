package bigquery

import (
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/civil"
	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/shopspring/decimal"
)

// numericScale is the fractional precision of the BigQuery NUMERIC type.
const numericScale = 9

type TransactionRow struct {
	TransactionID string `bigquery:"transaction_id"` // REQUIRED
	OwnerID       string `bigquery:"owner_id"`       // REQUIRED

	OccurredAt   time.Time  `bigquery:"occurred_at"`   // REQUIRED
	OccurredDate civil.Date `bigquery:"occurred_date"` // REQUIRED, owner-local partition date

	Amount   *big.Rat `bigquery:"amount"`   // REQUIRED NUMERIC
	Currency string   `bigquery:"currency"` // REQUIRED

	Counterparty bigquery.NullString `bigquery:"counterparty"` // NULLABLE
	Card         bigquery.NullString `bigquery:"card"`         // NULLABLE
	Direction    string              `bigquery:"direction"`    // REQUIRED
	TxnType      bigquery.NullString `bigquery:"txn_type"`     // NULLABLE

	Category    string              `bigquery:"category"`    // REQUIRED
	Subcategory bigquery.NullString `bigquery:"subcategory"` // NULLABLE
	Confidence  string              `bigquery:"confidence"`  // REQUIRED

	// Context is the JSON column serialized with TO_JSON_STRING on read.
	Context bigquery.NullString `bigquery:"context"` // NULLABLE JSON
	RawText string              `bigquery:"raw_text"` // REQUIRED

	IdempotencyKey bigquery.NullString `bigquery:"idempotency_key"` // NULLABLE, unique per owner
	Model          bigquery.NullString `bigquery:"model"`           // NULLABLE
	Mode           bigquery.NullString `bigquery:"mode"`            // NULLABLE

	CreatedTS time.Time              `bigquery:"created_ts"` // REQUIRED
	UpdatedTS bigquery.NullTimestamp `bigquery:"updated_ts"` // NULLABLE
}

type MerchantPatternRow struct {
	PatternID        string              `bigquery:"pattern_id"`        // REQUIRED
	OwnerID          string              `bigquery:"owner_id"`          // REQUIRED
	Pattern          string              `bigquery:"pattern"`           // REQUIRED, unique per owner
	DisplayName      bigquery.NullString `bigquery:"display_name"`      // NULLABLE
	ConsolidatedName bigquery.NullString `bigquery:"consolidated_name"` // NULLABLE
	Category         bigquery.NullString `bigquery:"category"`          // NULLABLE
	Subcategory      bigquery.NullString `bigquery:"subcategory"`       // NULLABLE
	Source           bigquery.NullString `bigquery:"source"`            // NULLABLE
	CreatedTS        time.Time           `bigquery:"created_ts"`        // REQUIRED
	UpdatedTS        time.Time           `bigquery:"updated_ts"`        // REQUIRED
}

type ContextFactRow struct {
	FactID    string              `bigquery:"fact_id"`    // REQUIRED
	OwnerID   string              `bigquery:"owner_id"`   // REQUIRED
	FactType  string              `bigquery:"fact_type"`  // REQUIRED
	FactKey   string              `bigquery:"fact_key"`   // REQUIRED
	Value     bigquery.NullString `bigquery:"value"`      // NULLABLE
	Details   bigquery.NullString `bigquery:"details"`    // NULLABLE
	Source    bigquery.NullString `bigquery:"source"`     // NULLABLE
	CreatedTS time.Time           `bigquery:"created_ts"` // REQUIRED
}

type RecipientRow struct {
	OwnerID     string              `bigquery:"owner_id"`     // REQUIRED
	Phone       bigquery.NullString `bigquery:"phone"`        // NULLABLE
	BankAccount bigquery.NullString `bigquery:"bank_account"` // NULLABLE
	ShortName   string              `bigquery:"short_name"`   // REQUIRED
	LongName    bigquery.NullString `bigquery:"long_name"`    // NULLABLE
	IsFamily    bool                `bigquery:"is_family"`    // REQUIRED
}

type CredentialRow struct {
	CredentialID   string                 `bigquery:"credential_id"`    // REQUIRED
	OwnerID        string                 `bigquery:"owner_id"`         // REQUIRED
	KeyHash        string                 `bigquery:"key_hash"`         // REQUIRED
	Label          bigquery.NullString    `bigquery:"label"`            // NULLABLE
	Timezone       bigquery.NullString    `bigquery:"timezone"`         // NULLABLE
	RevokedTS      bigquery.NullTimestamp `bigquery:"revoked_ts"`       // NULLABLE
	LastUsedTS     bigquery.NullTimestamp `bigquery:"last_used_ts"`     // NULLABLE
	LastUsedOrigin bigquery.NullString    `bigquery:"last_used_origin"` // NULLABLE
	CreatedTS      time.Time              `bigquery:"created_ts"`       // REQUIRED
}

type FXRateRow struct {
	OwnerID    string              `bigquery:"owner_id"`     // REQUIRED
	Currency   string              `bigquery:"currency"`     // REQUIRED, unique per owner
	RateToHome *big.Rat            `bigquery:"rate_to_home"` // REQUIRED NUMERIC
	Formula    bigquery.NullString `bigquery:"formula"`      // NULLABLE
	UpdatedTS  time.Time           `bigquery:"updated_ts"`   // REQUIRED
}

func nullString(s string) bigquery.NullString {
	return bigquery.NullString{StringVal: s, Valid: s != ""}
}

func nullTimestamp(t *time.Time) bigquery.NullTimestamp {
	if t == nil {
		return bigquery.NullTimestamp{}
	}
	return bigquery.NullTimestamp{Timestamp: *t, Valid: true}
}

func timePtr(t bigquery.NullTimestamp) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Timestamp
	return &v
}

func newTransactionRow(tx *domain.Transaction) (*TransactionRow, error) {
	ctxJSON, err := json.Marshal(tx.Context)
	if err != nil {
		return nil, fmt.Errorf("marshaling context: %w", err)
	}
	return &TransactionRow{
		TransactionID:  tx.TransactionID,
		OwnerID:        tx.OwnerID,
		OccurredAt:     tx.OccurredAt.UTC(),
		OccurredDate:   civil.DateOf(tx.OccurredAt),
		Amount:         tx.Amount.Rat(),
		Currency:       tx.Currency,
		Counterparty:   nullString(tx.Counterparty),
		Card:           nullString(tx.Card),
		Direction:      string(tx.Direction),
		TxnType:        nullString(tx.TxnType),
		Category:       string(tx.Category),
		Subcategory:    nullString(tx.Subcategory),
		Confidence:     string(tx.Confidence),
		Context:        bigquery.NullString{StringVal: string(ctxJSON), Valid: true},
		RawText:        tx.RawText,
		IdempotencyKey: nullString(tx.IdempotencyKey),
		Model:          nullString(tx.Model),
		Mode:           nullString(tx.Mode),
		CreatedTS:      tx.CreatedAt.UTC(),
		UpdatedTS:      nullTimestamp(tx.UpdatedAt),
	}, nil
}

func (r *TransactionRow) toDomain() (*domain.Transaction, error) {
	amount := decimal.Zero
	if r.Amount != nil {
		a, err := decimal.NewFromString(r.Amount.FloatString(numericScale))
		if err != nil {
			return nil, fmt.Errorf("transaction %s: amount: %w", r.TransactionID, err)
		}
		amount = a
	}

	var tctx domain.TransactionContext
	if r.Context.Valid && r.Context.StringVal != "" {
		if err := json.Unmarshal([]byte(r.Context.StringVal), &tctx); err != nil {
			return nil, fmt.Errorf("transaction %s: context: %w", r.TransactionID, err)
		}
	}

	return &domain.Transaction{
		TransactionID:  r.TransactionID,
		OwnerID:        r.OwnerID,
		OccurredAt:     r.OccurredAt,
		Amount:         amount,
		Currency:       r.Currency,
		Counterparty:   r.Counterparty.StringVal,
		Card:           r.Card.StringVal,
		Direction:      domain.Direction(r.Direction),
		TxnType:        r.TxnType.StringVal,
		Category:       domain.Category(r.Category),
		Subcategory:    r.Subcategory.StringVal,
		Confidence:     domain.Confidence(r.Confidence),
		Context:        tctx,
		RawText:        r.RawText,
		IdempotencyKey: r.IdempotencyKey.StringVal,
		Model:          r.Model.StringVal,
		Mode:           r.Mode.StringVal,
		CreatedAt:      r.CreatedTS,
		UpdatedAt:      timePtr(r.UpdatedTS),
	}, nil
}

func (r *MerchantPatternRow) toDomain() *domain.MerchantPattern {
	return &domain.MerchantPattern{
		PatternID:        r.PatternID,
		OwnerID:          r.OwnerID,
		Pattern:          r.Pattern,
		DisplayName:      r.DisplayName.StringVal,
		ConsolidatedName: r.ConsolidatedName.StringVal,
		Category:         domain.Category(r.Category.StringVal),
		Subcategory:      r.Subcategory.StringVal,
		Source:           r.Source.StringVal,
		CreatedAt:        r.CreatedTS,
		UpdatedAt:        r.UpdatedTS,
	}
}

func newContextFactRow(f *domain.ContextFact) *ContextFactRow {
	return &ContextFactRow{
		FactID:    f.FactID,
		OwnerID:   f.OwnerID,
		FactType:  string(f.Type),
		FactKey:   f.Key,
		Value:     nullString(f.Value),
		Details:   nullString(f.Details),
		Source:    nullString(f.Source),
		CreatedTS: f.CreatedAt.UTC(),
	}
}

func (r *ContextFactRow) toDomain() *domain.ContextFact {
	return &domain.ContextFact{
		FactID:    r.FactID,
		OwnerID:   r.OwnerID,
		Type:      domain.FactType(r.FactType),
		Key:       r.FactKey,
		Value:     r.Value.StringVal,
		Details:   r.Details.StringVal,
		Source:    r.Source.StringVal,
		CreatedAt: r.CreatedTS,
	}
}

func newRecipientRow(rec *domain.Recipient) *RecipientRow {
	return &RecipientRow{
		OwnerID:     rec.OwnerID,
		Phone:       nullString(rec.Phone),
		BankAccount: nullString(rec.BankAccount),
		ShortName:   rec.ShortName,
		LongName:    nullString(rec.LongName),
		IsFamily:    rec.IsFamily,
	}
}

func (r *RecipientRow) toDomain() *domain.Recipient {
	return &domain.Recipient{
		OwnerID:     r.OwnerID,
		Phone:       r.Phone.StringVal,
		BankAccount: r.BankAccount.StringVal,
		ShortName:   r.ShortName,
		LongName:    r.LongName.StringVal,
		IsFamily:    r.IsFamily,
	}
}

func (r *CredentialRow) toDomain() *domain.Credential {
	return &domain.Credential{
		CredentialID:   r.CredentialID,
		OwnerID:        r.OwnerID,
		KeyHash:        r.KeyHash,
		Label:          r.Label.StringVal,
		Timezone:       r.Timezone.StringVal,
		RevokedAt:      timePtr(r.RevokedTS),
		LastUsedAt:     timePtr(r.LastUsedTS),
		LastUsedOrigin: r.LastUsedOrigin.StringVal,
		CreatedAt:      r.CreatedTS,
	}
}

func (r *FXRateRow) toDomain() (*domain.FXRate, error) {
	rate := decimal.Zero
	if r.RateToHome != nil {
		v, err := decimal.NewFromString(r.RateToHome.FloatString(numericScale))
		if err != nil {
			return nil, fmt.Errorf("fx rate %s: %w", r.Currency, err)
		}
		rate = v
	}
	return &domain.FXRate{
		OwnerID:    r.OwnerID,
		Currency:   r.Currency,
		RateToHome: rate,
		Formula:    r.Formula.StringVal,
		UpdatedAt:  r.UpdatedTS,
	}, nil
}
