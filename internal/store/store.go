package store

import (
	"context"
	"errors"
	"time"

	"github.com/dvloznov/smsledger/internal/domain"
)

var (
	// ErrDuplicate is returned when an insert collides with an existing
	// (owner, idempotency key) pair.
	ErrDuplicate = errors.New("duplicate record")

	// ErrNotFound is returned when a lookup has no matching row.
	ErrNotFound = errors.New("not found")
)

// CredentialRepository resolves ingestion API keys by their digest.
type CredentialRepository interface {
	// ResolveCredential returns the active credential with the given key hash,
	// or ErrNotFound for unknown and revoked keys.
	ResolveCredential(ctx context.Context, keyHash string) (*domain.Credential, error)

	// TouchCredential records the last use time and origin of a credential.
	TouchCredential(ctx context.Context, credentialID string, at time.Time, origin string) error

	// SaveCredential creates or replaces a credential.
	SaveCredential(ctx context.Context, c *domain.Credential) error
}

// TransactionRepository persists extracted transactions.
type TransactionRepository interface {
	// HasIdempotencyKey reports whether the owner already has a row with key.
	HasIdempotencyKey(ctx context.Context, ownerID, key string) (bool, error)

	// InsertTransaction appends a row. It returns ErrDuplicate when the
	// (owner, idempotency key) pair already exists.
	InsertTransaction(ctx context.Context, tx *domain.Transaction) error

	// ListTransactions returns the owner's rows with from <= occurred_at < to,
	// oldest first. Zero bounds are open.
	ListTransactions(ctx context.Context, ownerID string, from, to time.Time) ([]*domain.Transaction, error)

	// ListUncategorized returns up to limit rows lacking a category. Rows with
	// confidence "corrected" are never returned.
	ListUncategorized(ctx context.Context, ownerID string, limit int) ([]*domain.Transaction, error)

	// CountCoverage returns the owner's total row count and the number of uncategorized rows.
	CountCoverage(ctx context.Context, ownerID string) (total, uncategorized int64, err error)

	// UpdateCategory rewrites the categorization of a single row.
	UpdateCategory(ctx context.Context, ownerID, transactionID string, category domain.Category, subcategory string, confidence domain.Confidence) error

	// RecategorizeByCounterparty rewrites every row whose counterparty contains
	// pattern (case-insensitive) and returns the number of rows changed.
	// Running it twice with the same arguments is harmless.
	RecategorizeByCounterparty(ctx context.Context, ownerID, pattern string, category domain.Category, subcategory string, confidence domain.Confidence) (int64, error)
}

// PatternRepository stores learned merchant patterns.
type PatternRepository interface {
	// ListMerchantPatterns returns the owner's patterns in a stable order
	// (creation time, then pattern).
	ListMerchantPatterns(ctx context.Context, ownerID string) ([]*domain.MerchantPattern, error)

	// UpsertMerchantPattern inserts or updates the pattern keyed by (owner, pattern).
	UpsertMerchantPattern(ctx context.Context, p *domain.MerchantPattern) error
}

// FactRepository is the append-only user context log.
type FactRepository interface {
	// ListRecentFacts returns up to limit of the owner's newest facts, oldest first.
	ListRecentFacts(ctx context.Context, ownerID string, limit int) ([]*domain.ContextFact, error)

	// AppendFact appends a fact to the log.
	AppendFact(ctx context.Context, f *domain.ContextFact) error
}

// RecipientRepository lists known transfer recipients.
type RecipientRepository interface {
	ListRecipients(ctx context.Context, ownerID string) ([]*domain.Recipient, error)
	SaveRecipient(ctx context.Context, r *domain.Recipient) error
}

// FXRateRepository stores the owner's conversion rates to the home currency.
type FXRateRepository interface {
	// ListFXRates returns the owner's rates ordered by currency.
	ListFXRates(ctx context.Context, ownerID string) ([]*domain.FXRate, error)

	// UpsertFXRate inserts or replaces the rate keyed by (owner, currency).
	UpsertFXRate(ctx context.Context, r *domain.FXRate) error
}

// Store bundles every repository a backend provides.
type Store interface {
	CredentialRepository
	TransactionRepository
	PatternRepository
	FactRepository
	RecipientRepository
	FXRateRepository

	Close() error
}
