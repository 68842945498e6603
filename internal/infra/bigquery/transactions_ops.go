package bigquery

import (
	"context"
	"fmt"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/store"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

const transactionColumns = `
	transaction_id,
	owner_id,
	occurred_at,
	occurred_date,
	amount,
	currency,
	counterparty,
	card,
	direction,
	txn_type,
	category,
	subcategory,
	confidence,
	TO_JSON_STRING(context) AS context,
	raw_text,
	idempotency_key,
	model,
	mode,
	created_ts,
	updated_ts`

// uncategorizedCondition mirrors domain.IsUncategorized.
const uncategorizedCondition = `(
	category IS NULL OR category = ''
	OR subcategory IS NULL OR TRIM(subcategory) = ''
	OR LOWER(TRIM(subcategory)) = 'uncategorized'
)`

// HasIdempotencyKeyWithClient reports whether the owner already has a row with the key.
func HasIdempotencyKeyWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, ownerID, key string) (bool, error) {
	if key == "" {
		return false, nil
	}

	q := client.Query(`
		SELECT COUNT(1) AS n
		FROM ` + ds.Table(transactionsTable) + `
		WHERE owner_id = @owner_id
		  AND idempotency_key = @idempotency_key
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "owner_id", Value: ownerID},
		{Name: "idempotency_key", Value: key},
	}

	it, err := q.Read(ctx)
	if err != nil {
		return false, fmt.Errorf("HasIdempotencyKey: query read: %w", err)
	}
	var row struct {
		N int64 `bigquery:"n"`
	}
	if err := it.Next(&row); err != nil {
		return false, fmt.Errorf("HasIdempotencyKey: iter next: %w", err)
	}
	return row.N > 0, nil
}

// InsertTransactionWithClient inserts a transaction unless the owner already
// has one with the same idempotency key, in which case store.ErrDuplicate is
// returned. The check and the insert are one MERGE statement.
func InsertTransactionWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, tx *domain.Transaction) error {
	if tx.TransactionID == "" {
		tx.TransactionID = uuid.NewString()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now()
	}

	row, err := newTransactionRow(tx)
	if err != nil {
		return fmt.Errorf("InsertTransaction: %w", err)
	}

	q := client.Query(`
		MERGE ` + ds.Table(transactionsTable) + ` T
		USING (SELECT @owner_id AS owner_id, @idempotency_key AS idempotency_key) S
		ON T.owner_id = S.owner_id AND T.idempotency_key = S.idempotency_key
		WHEN NOT MATCHED THEN INSERT (
			transaction_id, owner_id, occurred_at, occurred_date,
			amount, currency, counterparty, card, direction, txn_type,
			category, subcategory, confidence, context, raw_text,
			idempotency_key, model, mode, created_ts, updated_ts
		)
		VALUES (
			@transaction_id, @owner_id, @occurred_at, @occurred_date,
			@amount, @currency, @counterparty, @card, @direction, @txn_type,
			@category, @subcategory, @confidence, PARSE_JSON(@context), @raw_text,
			@idempotency_key, @model, @mode, @created_ts, @updated_ts
		)
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "transaction_id", Value: row.TransactionID},
		{Name: "owner_id", Value: row.OwnerID},
		{Name: "occurred_at", Value: row.OccurredAt},
		{Name: "occurred_date", Value: row.OccurredDate},
		{Name: "amount", Value: row.Amount},
		{Name: "currency", Value: row.Currency},
		{Name: "counterparty", Value: row.Counterparty},
		{Name: "card", Value: row.Card},
		{Name: "direction", Value: row.Direction},
		{Name: "txn_type", Value: row.TxnType},
		{Name: "category", Value: row.Category},
		{Name: "subcategory", Value: row.Subcategory},
		{Name: "confidence", Value: row.Confidence},
		{Name: "context", Value: row.Context.StringVal},
		{Name: "raw_text", Value: row.RawText},
		{Name: "idempotency_key", Value: row.IdempotencyKey},
		{Name: "model", Value: row.Model},
		{Name: "mode", Value: row.Mode},
		{Name: "created_ts", Value: row.CreatedTS},
		{Name: "updated_ts", Value: row.UpdatedTS},
	}

	n, err := runDML(ctx, q)
	if err != nil {
		return fmt.Errorf("InsertTransaction: %w", err)
	}
	if n == 0 {
		return store.ErrDuplicate
	}
	return nil
}

// ListTransactionsWithClient returns the owner's transactions in [from, to),
// oldest first. A zero bound is open.
func ListTransactionsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, ownerID string, from, to time.Time) ([]*domain.Transaction, error) {
	where := []string{"owner_id = @owner_id"}
	params := []bigquery.QueryParameter{{Name: "owner_id", Value: ownerID}}
	if !from.IsZero() {
		where = append(where, "occurred_at >= @from_ts")
		params = append(params, bigquery.QueryParameter{Name: "from_ts", Value: from.UTC()})
	}
	if !to.IsZero() {
		where = append(where, "occurred_at < @to_ts")
		params = append(params, bigquery.QueryParameter{Name: "to_ts", Value: to.UTC()})
	}

	q := client.Query(`
		SELECT` + transactionColumns + `
		FROM ` + ds.Table(transactionsTable) + `
		WHERE ` + strings.Join(where, " AND ") + `
		ORDER BY occurred_at, created_ts
	`)
	q.Parameters = params

	txs, err := readTransactions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListTransactions: %w", err)
	}
	return txs, nil
}

// ListUncategorizedWithClient returns uncategorized rows a user has not corrected.
func ListUncategorizedWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, ownerID string, limit int) ([]*domain.Transaction, error) {
	query := `
		SELECT` + transactionColumns + `
		FROM ` + ds.Table(transactionsTable) + `
		WHERE owner_id = @owner_id
		  AND confidence != 'corrected'
		  AND ` + uncategorizedCondition + `
		ORDER BY occurred_at`
	params := []bigquery.QueryParameter{{Name: "owner_id", Value: ownerID}}
	if limit > 0 {
		query += "\n\t\tLIMIT @limit"
		params = append(params, bigquery.QueryParameter{Name: "limit", Value: limit})
	}

	q := client.Query(query)
	q.Parameters = params

	txs, err := readTransactions(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("ListUncategorized: %w", err)
	}
	return txs, nil
}

func readTransactions(ctx context.Context, q *bigquery.Query) ([]*domain.Transaction, error) {
	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("query read: %w", err)
	}

	var txs []*domain.Transaction
	for {
		var r TransactionRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("iter next: %w", err)
		}
		tx, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, nil
}

// CountCoverageWithClient returns the owner's total and uncategorized row counts.
func CountCoverageWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, ownerID string) (int64, int64, error) {
	q := client.Query(`
		SELECT
			COUNT(1) AS total,
			COUNTIF` + uncategorizedCondition + ` AS uncategorized
		FROM ` + ds.Table(transactionsTable) + `
		WHERE owner_id = @owner_id
	`)
	q.Parameters = []bigquery.QueryParameter{{Name: "owner_id", Value: ownerID}}

	it, err := q.Read(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("CountCoverage: query read: %w", err)
	}
	var row struct {
		Total         int64 `bigquery:"total"`
		Uncategorized int64 `bigquery:"uncategorized"`
	}
	if err := it.Next(&row); err != nil {
		return 0, 0, fmt.Errorf("CountCoverage: iter next: %w", err)
	}
	return row.Total, row.Uncategorized, nil
}

// UpdateCategoryWithClient sets the categorization of one transaction.
func UpdateCategoryWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, ownerID, transactionID string, category domain.Category, subcategory string, confidence domain.Confidence) error {
	q := client.Query(`
		UPDATE ` + ds.Table(transactionsTable) + `
		SET category = @category,
		    subcategory = @subcategory,
		    confidence = @confidence,
		    updated_ts = CURRENT_TIMESTAMP()
		WHERE owner_id = @owner_id
		  AND transaction_id = @transaction_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "category", Value: string(category)},
		{Name: "subcategory", Value: subcategory},
		{Name: "confidence", Value: string(confidence)},
		{Name: "owner_id", Value: ownerID},
		{Name: "transaction_id", Value: transactionID},
	}

	n, err := runDML(ctx, q)
	if err != nil {
		return fmt.Errorf("UpdateCategory: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("UpdateCategory: %s: %w", transactionID, store.ErrNotFound)
	}
	return nil
}

// RecategorizeByCounterpartyWithClient rewrites every owner transaction whose
// counterparty contains pattern, case-insensitively.
func RecategorizeByCounterpartyWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, ownerID, pattern string, category domain.Category, subcategory string, confidence domain.Confidence) (int64, error) {
	pat := domain.NormalizePattern(pattern)
	if pat == "" {
		return 0, nil
	}

	q := client.Query(`
		UPDATE ` + ds.Table(transactionsTable) + `
		SET category = @category,
		    subcategory = @subcategory,
		    confidence = @confidence,
		    updated_ts = CURRENT_TIMESTAMP()
		WHERE owner_id = @owner_id
		  AND STRPOS(LOWER(counterparty), @pattern) > 0
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "category", Value: string(category)},
		{Name: "subcategory", Value: subcategory},
		{Name: "confidence", Value: string(confidence)},
		{Name: "owner_id", Value: ownerID},
		{Name: "pattern", Value: pat},
	}

	n, err := runDML(ctx, q)
	if err != nil {
		return 0, fmt.Errorf("RecategorizeByCounterparty: %w", err)
	}
	return n, nil
}
