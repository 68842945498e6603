package mysql

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/shopspring/decimal"
)

// TransactionEntity maps the transactions table.
type TransactionEntity struct {
	TransactionID string `gorm:"primaryKey;type:varchar(36)"`
	OwnerID       string `gorm:"type:varchar(64);not null;uniqueIndex:idx_owner_key,priority:1;index:idx_owner_occurred,priority:1"`

	OccurredAt time.Time       `gorm:"not null;index:idx_owner_occurred,priority:2"`
	Amount     decimal.Decimal `gorm:"type:decimal(18,4);not null"`
	Currency   string          `gorm:"type:varchar(3);not null"`

	Counterparty string `gorm:"type:varchar(255);index"`
	Card         string `gorm:"type:varchar(32)"`
	Direction    string `gorm:"type:varchar(3);not null"`
	TxnType      string `gorm:"type:varchar(32)"`

	Category    string `gorm:"type:varchar(32);not null"`
	Subcategory string `gorm:"type:varchar(64)"`
	Confidence  string `gorm:"type:varchar(16);not null"`

	Context string `gorm:"type:json"`
	RawText string `gorm:"type:text;not null"`

	// IdempotencyKey is NULL when unset so the unique index ignores it.
	IdempotencyKey *string `gorm:"type:char(64);uniqueIndex:idx_owner_key,priority:2"`
	Model          string  `gorm:"type:varchar(64)"`
	Mode           string  `gorm:"type:varchar(16)"`

	CreatedAt time.Time
	UpdatedAt *time.Time `gorm:"autoUpdateTime:false"`
}

// TableName pins the table name.
func (TransactionEntity) TableName() string {
	return "transactions"
}

// MerchantPatternEntity maps the merchant_patterns table.
type MerchantPatternEntity struct {
	PatternID        string `gorm:"primaryKey;type:varchar(36)"`
	OwnerID          string `gorm:"type:varchar(64);not null;uniqueIndex:idx_owner_pattern,priority:1"`
	Pattern          string `gorm:"type:varchar(191);not null;uniqueIndex:idx_owner_pattern,priority:2"`
	DisplayName      string `gorm:"type:varchar(255)"`
	ConsolidatedName string `gorm:"type:varchar(255)"`
	Category         string `gorm:"type:varchar(32)"`
	Subcategory      string `gorm:"type:varchar(64)"`
	Source           string `gorm:"type:varchar(16)"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (MerchantPatternEntity) TableName() string {
	return "merchant_patterns"
}

// ContextFactEntity maps the append-only context_facts table.
type ContextFactEntity struct {
	FactID    string    `gorm:"primaryKey;type:varchar(36)"`
	OwnerID   string    `gorm:"type:varchar(64);not null;index:idx_owner_created,priority:1"`
	FactType  string    `gorm:"type:varchar(16);not null"`
	FactKey   string    `gorm:"type:varchar(255);not null"`
	Value     string    `gorm:"type:text"`
	Details   string    `gorm:"type:text"`
	Source    string    `gorm:"type:varchar(16)"`
	CreatedAt time.Time `gorm:"index:idx_owner_created,priority:2"`
}

func (ContextFactEntity) TableName() string {
	return "context_facts"
}

// RecipientEntity maps the recipients table.
type RecipientEntity struct {
	ID          uint   `gorm:"primaryKey"`
	OwnerID     string `gorm:"type:varchar(64);not null;index"`
	Phone       string `gorm:"type:varchar(32)"`
	BankAccount string `gorm:"type:varchar(64)"`
	ShortName   string `gorm:"type:varchar(128);not null"`
	LongName    string `gorm:"type:varchar(255)"`
	IsFamily    bool
}

func (RecipientEntity) TableName() string {
	return "recipients"
}

// CredentialEntity maps the credentials table.
type CredentialEntity struct {
	CredentialID   string `gorm:"primaryKey;type:varchar(36)"`
	OwnerID        string `gorm:"type:varchar(64);not null;index"`
	KeyHash        string `gorm:"type:char(64);not null;uniqueIndex"`
	Label          string `gorm:"type:varchar(128)"`
	Timezone       string `gorm:"type:varchar(64)"`
	RevokedAt      *time.Time
	LastUsedAt     *time.Time
	LastUsedOrigin string `gorm:"type:varchar(255)"`
	CreatedAt      time.Time
}

func (CredentialEntity) TableName() string {
	return "credentials"
}

// FXRateEntity maps the fx_rates table.
type FXRateEntity struct {
	OwnerID    string          `gorm:"primaryKey;type:varchar(64)"`
	Currency   string          `gorm:"primaryKey;type:varchar(3)"`
	RateToHome decimal.Decimal `gorm:"type:decimal(18,8);not null"`
	Formula    string          `gorm:"type:varchar(255)"`
	UpdatedAt  time.Time
}

func (FXRateEntity) TableName() string {
	return "fx_rates"
}

func (e *FXRateEntity) toDomain() *domain.FXRate {
	return &domain.FXRate{
		OwnerID:    e.OwnerID,
		Currency:   e.Currency,
		RateToHome: e.RateToHome,
		Formula:    e.Formula,
		UpdatedAt:  e.UpdatedAt,
	}
}

func newTransactionEntity(tx *domain.Transaction) (*TransactionEntity, error) {
	ctxJSON, err := json.Marshal(tx.Context)
	if err != nil {
		return nil, fmt.Errorf("marshaling context: %w", err)
	}
	e := &TransactionEntity{
		TransactionID: tx.TransactionID,
		OwnerID:       tx.OwnerID,
		OccurredAt:    tx.OccurredAt.UTC(),
		Amount:        tx.Amount,
		Currency:      tx.Currency,
		Counterparty:  tx.Counterparty,
		Card:          tx.Card,
		Direction:     string(tx.Direction),
		TxnType:       tx.TxnType,
		Category:      string(tx.Category),
		Subcategory:   tx.Subcategory,
		Confidence:    string(tx.Confidence),
		Context:       string(ctxJSON),
		RawText:       tx.RawText,
		Model:         tx.Model,
		Mode:          tx.Mode,
		CreatedAt:     tx.CreatedAt,
		UpdatedAt:     tx.UpdatedAt,
	}
	if tx.IdempotencyKey != "" {
		k := tx.IdempotencyKey
		e.IdempotencyKey = &k
	}
	return e, nil
}

func (e *TransactionEntity) toDomain() (*domain.Transaction, error) {
	var tctx domain.TransactionContext
	if e.Context != "" {
		if err := json.Unmarshal([]byte(e.Context), &tctx); err != nil {
			return nil, fmt.Errorf("transaction %s: context: %w", e.TransactionID, err)
		}
	}
	tx := &domain.Transaction{
		TransactionID: e.TransactionID,
		OwnerID:       e.OwnerID,
		OccurredAt:    e.OccurredAt,
		Amount:        e.Amount,
		Currency:      e.Currency,
		Counterparty:  e.Counterparty,
		Card:          e.Card,
		Direction:     domain.Direction(e.Direction),
		TxnType:       e.TxnType,
		Category:      domain.Category(e.Category),
		Subcategory:   e.Subcategory,
		Confidence:    domain.Confidence(e.Confidence),
		Context:       tctx,
		RawText:       e.RawText,
		Model:         e.Model,
		Mode:          e.Mode,
		CreatedAt:     e.CreatedAt,
		UpdatedAt:     e.UpdatedAt,
	}
	if e.IdempotencyKey != nil {
		tx.IdempotencyKey = *e.IdempotencyKey
	}
	return tx, nil
}

func newMerchantPatternEntity(p *domain.MerchantPattern) *MerchantPatternEntity {
	return &MerchantPatternEntity{
		PatternID:        p.PatternID,
		OwnerID:          p.OwnerID,
		Pattern:          p.Pattern,
		DisplayName:      p.DisplayName,
		ConsolidatedName: p.ConsolidatedName,
		Category:         string(p.Category),
		Subcategory:      p.Subcategory,
		Source:           p.Source,
		CreatedAt:        p.CreatedAt,
		UpdatedAt:        p.UpdatedAt,
	}
}

func (e *MerchantPatternEntity) toDomain() *domain.MerchantPattern {
	return &domain.MerchantPattern{
		PatternID:        e.PatternID,
		OwnerID:          e.OwnerID,
		Pattern:          e.Pattern,
		DisplayName:      e.DisplayName,
		ConsolidatedName: e.ConsolidatedName,
		Category:         domain.Category(e.Category),
		Subcategory:      e.Subcategory,
		Source:           e.Source,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

func (e *ContextFactEntity) toDomain() *domain.ContextFact {
	return &domain.ContextFact{
		FactID:    e.FactID,
		OwnerID:   e.OwnerID,
		Type:      domain.FactType(e.FactType),
		Key:       e.FactKey,
		Value:     e.Value,
		Details:   e.Details,
		Source:    e.Source,
		CreatedAt: e.CreatedAt,
	}
}

func (e *RecipientEntity) toDomain() *domain.Recipient {
	return &domain.Recipient{
		OwnerID:     e.OwnerID,
		Phone:       e.Phone,
		BankAccount: e.BankAccount,
		ShortName:   e.ShortName,
		LongName:    e.LongName,
		IsFamily:    e.IsFamily,
	}
}

func (e *CredentialEntity) toDomain() *domain.Credential {
	return &domain.Credential{
		CredentialID:   e.CredentialID,
		OwnerID:        e.OwnerID,
		KeyHash:        e.KeyHash,
		Label:          e.Label,
		Timezone:       e.Timezone,
		RevokedAt:      e.RevokedAt,
		LastUsedAt:     e.LastUsedAt,
		LastUsedOrigin: e.LastUsedOrigin,
		CreatedAt:      e.CreatedAt,
	}
}
