package bigquery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/store"
	"github.com/rs/zerolog"
)

const (
	transactionsTable = "transactions"
	patternsTable     = "merchant_patterns"
	factsTable        = "context_facts"
	recipientsTable   = "recipients"
	credentialsTable  = "credentials"
	fxRatesTable      = "fx_rates"
)

// Dataset names the BigQuery dataset holding the ledger tables.
type Dataset struct {
	ProjectID string
	DatasetID string
}

// Table returns the fully qualified, backtick-quoted name of a table.
func (d Dataset) Table(name string) string {
	return "`" + d.ProjectID + "." + d.DatasetID + "." + name + "`"
}

// Repository is the BigQuery implementation of store.Store. It holds a
// shared BigQuery client to avoid creating a new connection for each operation.
type Repository struct {
	client *bigquery.Client
	ds     Dataset
}

// NewRepository creates a Repository with its own client.
func NewRepository(ctx context.Context, projectID, datasetID string) (*Repository, error) {
	client, err := bigquery.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("NewRepository: creating client: %w", err)
	}
	return NewRepositoryWithClient(client, Dataset{ProjectID: projectID, DatasetID: datasetID}), nil
}

// NewRepositoryWithClient creates a Repository on an existing client.
func NewRepositoryWithClient(client *bigquery.Client, ds Dataset) *Repository {
	return &Repository{client: client, ds: ds}
}

// Close closes the BigQuery client connection. This should be called when
// the repository is no longer needed to release resources.
func (r *Repository) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// EnsureSchema delegates to EnsureSchemaWithClient with the shared client.
func (r *Repository) EnsureSchema(ctx context.Context, location string) error {
	return EnsureSchemaWithClient(ctx, r.client, r.ds, location)
}

// Migrate delegates to ApplyMigrationsWithClient with the shared client.
func (r *Repository) Migrate(ctx context.Context, appliedBy string, log zerolog.Logger) (int, error) {
	return ApplyMigrationsWithClient(ctx, r.client, r.ds, appliedBy, log)
}

// ResolveCredential delegates to ResolveCredentialWithClient with the shared client.
func (r *Repository) ResolveCredential(ctx context.Context, keyHash string) (*domain.Credential, error) {
	return ResolveCredentialWithClient(ctx, r.client, r.ds, keyHash)
}

// TouchCredential delegates to TouchCredentialWithClient with the shared client.
func (r *Repository) TouchCredential(ctx context.Context, credentialID string, at time.Time, origin string) error {
	return TouchCredentialWithClient(ctx, r.client, r.ds, credentialID, at, origin)
}

// SaveCredential delegates to SaveCredentialWithClient with the shared client.
func (r *Repository) SaveCredential(ctx context.Context, c *domain.Credential) error {
	return SaveCredentialWithClient(ctx, r.client, r.ds, c)
}

// HasIdempotencyKey delegates to HasIdempotencyKeyWithClient with the shared client.
func (r *Repository) HasIdempotencyKey(ctx context.Context, ownerID, key string) (bool, error) {
	return HasIdempotencyKeyWithClient(ctx, r.client, r.ds, ownerID, key)
}

// InsertTransaction delegates to InsertTransactionWithClient with the shared client.
func (r *Repository) InsertTransaction(ctx context.Context, tx *domain.Transaction) error {
	return InsertTransactionWithClient(ctx, r.client, r.ds, tx)
}

// ListTransactions delegates to ListTransactionsWithClient with the shared client.
func (r *Repository) ListTransactions(ctx context.Context, ownerID string, from, to time.Time) ([]*domain.Transaction, error) {
	return ListTransactionsWithClient(ctx, r.client, r.ds, ownerID, from, to)
}

// ListUncategorized delegates to ListUncategorizedWithClient with the shared client.
func (r *Repository) ListUncategorized(ctx context.Context, ownerID string, limit int) ([]*domain.Transaction, error) {
	return ListUncategorizedWithClient(ctx, r.client, r.ds, ownerID, limit)
}

// CountCoverage delegates to CountCoverageWithClient with the shared client.
func (r *Repository) CountCoverage(ctx context.Context, ownerID string) (int64, int64, error) {
	return CountCoverageWithClient(ctx, r.client, r.ds, ownerID)
}

// UpdateCategory delegates to UpdateCategoryWithClient with the shared client.
func (r *Repository) UpdateCategory(ctx context.Context, ownerID, transactionID string, category domain.Category, subcategory string, confidence domain.Confidence) error {
	return UpdateCategoryWithClient(ctx, r.client, r.ds, ownerID, transactionID, category, subcategory, confidence)
}

// RecategorizeByCounterparty delegates to RecategorizeByCounterpartyWithClient with the shared client.
func (r *Repository) RecategorizeByCounterparty(ctx context.Context, ownerID, pattern string, category domain.Category, subcategory string, confidence domain.Confidence) (int64, error) {
	return RecategorizeByCounterpartyWithClient(ctx, r.client, r.ds, ownerID, pattern, category, subcategory, confidence)
}

// ListMerchantPatterns delegates to ListMerchantPatternsWithClient with the shared client.
func (r *Repository) ListMerchantPatterns(ctx context.Context, ownerID string) ([]*domain.MerchantPattern, error) {
	return ListMerchantPatternsWithClient(ctx, r.client, r.ds, ownerID)
}

// UpsertMerchantPattern delegates to UpsertMerchantPatternWithClient with the shared client.
func (r *Repository) UpsertMerchantPattern(ctx context.Context, p *domain.MerchantPattern) error {
	return UpsertMerchantPatternWithClient(ctx, r.client, r.ds, p)
}

// ListRecentFacts delegates to ListRecentFactsWithClient with the shared client.
func (r *Repository) ListRecentFacts(ctx context.Context, ownerID string, limit int) ([]*domain.ContextFact, error) {
	return ListRecentFactsWithClient(ctx, r.client, r.ds, ownerID, limit)
}

// AppendFact delegates to AppendFactWithClient with the shared client.
func (r *Repository) AppendFact(ctx context.Context, f *domain.ContextFact) error {
	return AppendFactWithClient(ctx, r.client, r.ds, f)
}

// ListRecipients delegates to ListRecipientsWithClient with the shared client.
func (r *Repository) ListRecipients(ctx context.Context, ownerID string) ([]*domain.Recipient, error) {
	return ListRecipientsWithClient(ctx, r.client, r.ds, ownerID)
}

// SaveRecipient delegates to SaveRecipientWithClient with the shared client.
func (r *Repository) SaveRecipient(ctx context.Context, rec *domain.Recipient) error {
	return SaveRecipientWithClient(ctx, r.client, r.ds, rec)
}

// ListFXRates delegates to ListFXRatesWithClient with the shared client.
func (r *Repository) ListFXRates(ctx context.Context, ownerID string) ([]*domain.FXRate, error) {
	return ListFXRatesWithClient(ctx, r.client, r.ds, ownerID)
}

// UpsertFXRate delegates to UpsertFXRateWithClient with the shared client.
func (r *Repository) UpsertFXRate(ctx context.Context, rate *domain.FXRate) error {
	return UpsertFXRateWithClient(ctx, r.client, r.ds, rate)
}

// errNoStatistics is returned when a finished DML job reports no query statistics.
var errNoStatistics = errors.New("job has no query statistics")

// runQuery runs a statement and waits for it to finish.
func runQuery(ctx context.Context, q *bigquery.Query) (*bigquery.JobStatus, error) {
	job, err := q.Run(ctx)
	if err != nil {
		return nil, fmt.Errorf("running query: %w", err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return nil, fmt.Errorf("waiting for job: %w", err)
	}
	if err := status.Err(); err != nil {
		return nil, fmt.Errorf("job error: %w", err)
	}
	return status, nil
}

// runDML runs a DML statement and returns the number of affected rows.
func runDML(ctx context.Context, q *bigquery.Query) (int64, error) {
	status, err := runQuery(ctx, q)
	if err != nil {
		return 0, err
	}
	return affectedRows(status)
}

// affectedRows reads the DML row count of a finished job. Missing statistics
// are an error so that callers never read them as zero rows.
func affectedRows(status *bigquery.JobStatus) (int64, error) {
	if status == nil || status.Statistics == nil {
		return 0, errNoStatistics
	}
	qs, ok := status.Statistics.Details.(*bigquery.QueryStatistics)
	if !ok || qs == nil {
		return 0, errNoStatistics
	}
	return qs.NumDMLAffectedRows, nil
}

// Ensure Repository implements store.Store.
var _ store.Store = (*Repository)(nil)
