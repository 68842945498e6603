package mysql

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/store"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// uncategorizedCondition mirrors domain.IsUncategorized.
const uncategorizedCondition = "(category = '' OR subcategory IS NULL OR TRIM(subcategory) = '' OR LOWER(TRIM(subcategory)) = 'uncategorized')"

// Repository is the MySQL implementation of store.Store.
type Repository struct {
	db *gorm.DB
}

// Open connects to MySQL, migrates the schema and returns a Repository.
func Open(dsn string, log zerolog.Logger) (*Repository, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Warn),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("Open: connecting: %w", err)
	}

	if err := Migrate(db); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("Open: pool: %w", err)
	}
	sqlDB.SetMaxIdleConns(10)
	sqlDB.SetMaxOpenConns(100)
	sqlDB.SetConnMaxLifetime(time.Hour)

	log.Info().Msg("MySQL store ready")
	return NewRepository(db), nil
}

// Migrate creates or updates every ledger table.
func Migrate(db *gorm.DB) error {
	err := db.AutoMigrate(
		&TransactionEntity{},
		&MerchantPatternEntity{},
		&ContextFactEntity{},
		&RecipientEntity{},
		&CredentialEntity{},
		&FXRateEntity{},
	)
	if err != nil {
		return fmt.Errorf("Migrate: %w", err)
	}
	return nil
}

// NewRepository wraps an open connection.
func NewRepository(db *gorm.DB) *Repository {
	return &Repository{db: db}
}

// Close implements store.Store.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// ResolveCredential implements store.CredentialRepository.
func (r *Repository) ResolveCredential(ctx context.Context, keyHash string) (*domain.Credential, error) {
	var e CredentialEntity
	err := r.db.WithContext(ctx).
		Where("key_hash = ? AND revoked_at IS NULL", keyHash).
		First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ResolveCredential: %w", err)
	}
	return e.toDomain(), nil
}

// TouchCredential implements store.CredentialRepository.
func (r *Repository) TouchCredential(ctx context.Context, credentialID string, at time.Time, origin string) error {
	res := r.db.WithContext(ctx).
		Model(&CredentialEntity{}).
		Where("credential_id = ?", credentialID).
		Updates(map[string]any{"last_used_at": at.UTC(), "last_used_origin": origin})
	if res.Error != nil {
		return fmt.Errorf("TouchCredential: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("TouchCredential: %s: %w", credentialID, store.ErrNotFound)
	}
	return nil
}

// SaveCredential implements store.CredentialRepository.
func (r *Repository) SaveCredential(ctx context.Context, c *domain.Credential) error {
	if c.CredentialID == "" {
		c.CredentialID = uuid.NewString()
	}
	e := &CredentialEntity{
		CredentialID:   c.CredentialID,
		OwnerID:        c.OwnerID,
		KeyHash:        c.KeyHash,
		Label:          c.Label,
		Timezone:       c.Timezone,
		RevokedAt:      c.RevokedAt,
		LastUsedAt:     c.LastUsedAt,
		LastUsedOrigin: c.LastUsedOrigin,
		CreatedAt:      c.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Save(e).Error; err != nil {
		return fmt.Errorf("SaveCredential: %w", err)
	}
	c.CreatedAt = e.CreatedAt
	return nil
}

// HasIdempotencyKey implements store.TransactionRepository.
func (r *Repository) HasIdempotencyKey(ctx context.Context, ownerID, key string) (bool, error) {
	if key == "" {
		return false, nil
	}
	var n int64
	err := r.db.WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("owner_id = ? AND idempotency_key = ?", ownerID, key).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("HasIdempotencyKey: %w", err)
	}
	return n > 0, nil
}

// InsertTransaction implements store.TransactionRepository. The unique
// (owner_id, idempotency_key) index turns a concurrent duplicate into
// store.ErrDuplicate.
func (r *Repository) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	if tx.TransactionID == "" {
		tx.TransactionID = uuid.NewString()
	}
	e, err := newTransactionEntity(tx)
	if err != nil {
		return fmt.Errorf("InsertTransaction: %w", err)
	}

	err = r.db.WithContext(ctx).Create(e).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.ErrDuplicate
	}
	if err != nil {
		return fmt.Errorf("InsertTransaction: %w", err)
	}
	tx.CreatedAt = e.CreatedAt
	return nil
}

// ListTransactions implements store.TransactionRepository.
func (r *Repository) ListTransactions(ctx context.Context, ownerID string, from, to time.Time) ([]*domain.Transaction, error) {
	q := r.db.WithContext(ctx).Where("owner_id = ?", ownerID)
	if !from.IsZero() {
		q = q.Where("occurred_at >= ?", from.UTC())
	}
	if !to.IsZero() {
		q = q.Where("occurred_at < ?", to.UTC())
	}

	var entities []TransactionEntity
	if err := q.Order("occurred_at, created_at").Find(&entities).Error; err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	return toTransactions(entities)
}

// ListUncategorized implements store.TransactionRepository.
func (r *Repository) ListUncategorized(ctx context.Context, ownerID string, limit int) ([]*domain.Transaction, error) {
	q := r.db.WithContext(ctx).
		Where("owner_id = ? AND confidence <> ?", ownerID, string(domain.ConfidenceCorrected)).
		Where(uncategorizedCondition).
		Order("occurred_at")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var entities []TransactionEntity
	if err := q.Find(&entities).Error; err != nil {
		return nil, fmt.Errorf("ListUncategorized: %w", err)
	}
	return toTransactions(entities)
}

func toTransactions(entities []TransactionEntity) ([]*domain.Transaction, error) {
	out := make([]*domain.Transaction, 0, len(entities))
	for i := range entities {
		tx, err := entities[i].toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, tx)
	}
	return out, nil
}

// CountCoverage implements store.TransactionRepository.
func (r *Repository) CountCoverage(ctx context.Context, ownerID string) (int64, int64, error) {
	var row struct {
		Total         int64
		Uncategorized int64
	}
	err := r.db.WithContext(ctx).
		Model(&TransactionEntity{}).
		Select("COUNT(*) AS total, COALESCE(SUM(CASE WHEN "+uncategorizedCondition+" THEN 1 ELSE 0 END), 0) AS uncategorized").
		Where("owner_id = ?", ownerID).
		Scan(&row).Error
	if err != nil {
		return 0, 0, fmt.Errorf("CountCoverage: %w", err)
	}
	return row.Total, row.Uncategorized, nil
}

// UpdateCategory implements store.TransactionRepository.
func (r *Repository) UpdateCategory(ctx context.Context, ownerID, transactionID string, category domain.Category, subcategory string, confidence domain.Confidence) error {
	res := r.db.WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("owner_id = ? AND transaction_id = ?", ownerID, transactionID).
		Updates(categoryUpdate(category, subcategory, confidence))
	if res.Error != nil {
		return fmt.Errorf("UpdateCategory: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("UpdateCategory: %s: %w", transactionID, store.ErrNotFound)
	}
	return nil
}

// RecategorizeByCounterparty implements store.TransactionRepository.
func (r *Repository) RecategorizeByCounterparty(ctx context.Context, ownerID, pattern string, category domain.Category, subcategory string, confidence domain.Confidence) (int64, error) {
	pat := domain.NormalizePattern(pattern)
	if pat == "" {
		return 0, nil
	}

	res := r.db.WithContext(ctx).
		Model(&TransactionEntity{}).
		Where("owner_id = ? AND LOWER(counterparty) LIKE ?", ownerID, "%"+escapeLike(pat)+"%").
		Updates(categoryUpdate(category, subcategory, confidence))
	if res.Error != nil {
		return 0, fmt.Errorf("RecategorizeByCounterparty: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func categoryUpdate(category domain.Category, subcategory string, confidence domain.Confidence) map[string]any {
	return map[string]any{
		"category":    string(category),
		"subcategory": subcategory,
		"confidence":  string(confidence),
		"updated_at":  time.Now().UTC(),
	}
}

// escapeLike escapes LIKE wildcards so a pattern matches literally.
func escapeLike(s string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(s)
}

// ListMerchantPatterns implements store.PatternRepository.
func (r *Repository) ListMerchantPatterns(ctx context.Context, ownerID string) ([]*domain.MerchantPattern, error) {
	var entities []MerchantPatternEntity
	err := r.db.WithContext(ctx).
		Where("owner_id = ?", ownerID).
		Order("created_at, pattern_id").
		Find(&entities).Error
	if err != nil {
		return nil, fmt.Errorf("ListMerchantPatterns: %w", err)
	}

	out := make([]*domain.MerchantPattern, 0, len(entities))
	for i := range entities {
		out = append(out, entities[i].toDomain())
	}
	return out, nil
}

// UpsertMerchantPattern implements store.PatternRepository. An existing
// (owner, pattern) row keeps its id and creation time.
func (r *Repository) UpsertMerchantPattern(ctx context.Context, p *domain.MerchantPattern) error {
	p.Pattern = domain.NormalizePattern(p.Pattern)
	if p.Pattern == "" {
		return fmt.Errorf("UpsertMerchantPattern: empty pattern")
	}
	if p.PatternID == "" {
		p.PatternID = uuid.NewString()
	}

	err := r.db.WithContext(ctx).
		Clauses(patternUpsertClause()).
		Create(newMerchantPatternEntity(p)).Error
	if err != nil {
		return fmt.Errorf("UpsertMerchantPattern: %w", err)
	}
	return nil
}

func patternUpsertClause() clause.OnConflict {
	return clause.OnConflict{
		Columns: []clause.Column{{Name: "owner_id"}, {Name: "pattern"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"display_name", "consolidated_name", "category", "subcategory", "source", "updated_at",
		}),
	}
}

// ListRecentFacts implements store.FactRepository.
func (r *Repository) ListRecentFacts(ctx context.Context, ownerID string, limit int) ([]*domain.ContextFact, error) {
	q := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("created_at DESC, fact_id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}

	var entities []ContextFactEntity
	if err := q.Find(&entities).Error; err != nil {
		return nil, fmt.Errorf("ListRecentFacts: %w", err)
	}

	out := make([]*domain.ContextFact, len(entities))
	for i := range entities {
		out[len(entities)-1-i] = entities[i].toDomain()
	}
	return out, nil
}

// AppendFact implements store.FactRepository.
func (r *Repository) AppendFact(ctx context.Context, f *domain.ContextFact) error {
	if f.FactID == "" {
		f.FactID = uuid.NewString()
	}
	e := &ContextFactEntity{
		FactID:    f.FactID,
		OwnerID:   f.OwnerID,
		FactType:  string(f.Type),
		FactKey:   f.Key,
		Value:     f.Value,
		Details:   f.Details,
		Source:    f.Source,
		CreatedAt: f.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("AppendFact: %w", err)
	}
	f.CreatedAt = e.CreatedAt
	return nil
}

// ListRecipients implements store.RecipientRepository.
func (r *Repository) ListRecipients(ctx context.Context, ownerID string) ([]*domain.Recipient, error) {
	var entities []RecipientEntity
	if err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("id").Find(&entities).Error; err != nil {
		return nil, fmt.Errorf("ListRecipients: %w", err)
	}
	out := make([]*domain.Recipient, 0, len(entities))
	for i := range entities {
		out = append(out, entities[i].toDomain())
	}
	return out, nil
}

// SaveRecipient implements store.RecipientRepository.
func (r *Repository) SaveRecipient(ctx context.Context, rec *domain.Recipient) error {
	e := &RecipientEntity{
		OwnerID:     rec.OwnerID,
		Phone:       rec.Phone,
		BankAccount: rec.BankAccount,
		ShortName:   rec.ShortName,
		LongName:    rec.LongName,
		IsFamily:    rec.IsFamily,
	}
	if err := r.db.WithContext(ctx).Create(e).Error; err != nil {
		return fmt.Errorf("SaveRecipient: %w", err)
	}
	return nil
}


// ListFXRates implements store.FXRateRepository.
func (r *Repository) ListFXRates(ctx context.Context, ownerID string) ([]*domain.FXRate, error) {
	var entities []FXRateEntity
	if err := r.db.WithContext(ctx).Where("owner_id = ?", ownerID).Order("currency").Find(&entities).Error; err != nil {
		return nil, fmt.Errorf("ListFXRates: %w", err)
	}
	out := make([]*domain.FXRate, 0, len(entities))
	for i := range entities {
		out = append(out, entities[i].toDomain())
	}
	return out, nil
}

// UpsertFXRate implements store.FXRateRepository.
func (r *Repository) UpsertFXRate(ctx context.Context, rate *domain.FXRate) error {
	rate.Currency = domain.NormalizeCurrency(rate.Currency)
	if rate.Currency == "" {
		return fmt.Errorf("UpsertFXRate: empty currency")
	}
	e := &FXRateEntity{
		OwnerID:    rate.OwnerID,
		Currency:   rate.Currency,
		RateToHome: rate.RateToHome,
		Formula:    rate.Formula,
	}
	if err := r.db.WithContext(ctx).Clauses(fxRateUpsertClause()).Create(e).Error; err != nil {
		return fmt.Errorf("UpsertFXRate: %w", err)
	}
	rate.UpdatedAt = e.UpdatedAt
	return nil
}

func fxRateUpsertClause() clause.OnConflict {
	return clause.OnConflict{
		Columns:   []clause.Column{{Name: "owner_id"}, {Name: "currency"}},
		DoUpdates: clause.AssignmentColumns([]string{"rate_to_home", "formula", "updated_at"}),
	}
}

// Ensure Repository implements store.Store.
var _ store.Store = (*Repository)(nil)
