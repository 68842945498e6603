package bigquery

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/store"
	"github.com/google/uuid"
	"google.golang.org/api/iterator"
)

// ListMerchantPatternsWithClient returns the owner's patterns in creation order.
func ListMerchantPatternsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, ownerID string) ([]*domain.MerchantPattern, error) {
	q := client.Query(`
		SELECT
			pattern_id,
			owner_id,
			pattern,
			display_name,
			consolidated_name,
			category,
			subcategory,
			source,
			created_ts,
			updated_ts
		FROM ` + ds.Table(patternsTable) + `
		WHERE owner_id = @owner_id
		ORDER BY created_ts, pattern_id
	`)
	q.Parameters = []bigquery.QueryParameter{{Name: "owner_id", Value: ownerID}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListMerchantPatterns: query read: %w", err)
	}

	var patterns []*domain.MerchantPattern
	for {
		var r MerchantPatternRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListMerchantPatterns: iter next: %w", err)
		}
		patterns = append(patterns, r.toDomain())
	}
	return patterns, nil
}

// UpsertMerchantPatternWithClient inserts a pattern or, when (owner, pattern)
// exists, overwrites its mapping. An existing row keeps its id and creation time.
func UpsertMerchantPatternWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, p *domain.MerchantPattern) error {
	p.Pattern = domain.NormalizePattern(p.Pattern)
	if p.Pattern == "" {
		return fmt.Errorf("UpsertMerchantPattern: empty pattern")
	}
	if p.PatternID == "" {
		p.PatternID = uuid.NewString()
	}
	now := time.Now().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	q := client.Query(`
		MERGE ` + ds.Table(patternsTable) + ` T
		USING (SELECT @owner_id AS owner_id, @pattern AS pattern) S
		ON T.owner_id = S.owner_id AND T.pattern = S.pattern
		WHEN MATCHED THEN UPDATE SET
			display_name = @display_name,
			consolidated_name = @consolidated_name,
			category = @category,
			subcategory = @subcategory,
			source = @source,
			updated_ts = @updated_ts
		WHEN NOT MATCHED THEN INSERT (
			pattern_id, owner_id, pattern, display_name, consolidated_name,
			category, subcategory, source, created_ts, updated_ts
		)
		VALUES (
			@pattern_id, @owner_id, @pattern, @display_name, @consolidated_name,
			@category, @subcategory, @source, @created_ts, @updated_ts
		)
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "pattern_id", Value: p.PatternID},
		{Name: "owner_id", Value: p.OwnerID},
		{Name: "pattern", Value: p.Pattern},
		{Name: "display_name", Value: nullString(p.DisplayName)},
		{Name: "consolidated_name", Value: nullString(p.ConsolidatedName)},
		{Name: "category", Value: nullString(string(p.Category))},
		{Name: "subcategory", Value: nullString(p.Subcategory)},
		{Name: "source", Value: nullString(p.Source)},
		{Name: "created_ts", Value: p.CreatedAt},
		{Name: "updated_ts", Value: p.UpdatedAt},
	}

	if _, err := runDML(ctx, q); err != nil {
		return fmt.Errorf("UpsertMerchantPattern: %w", err)
	}
	return nil
}

// ListRecentFactsWithClient returns the owner's newest facts, oldest first.
func ListRecentFactsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, ownerID string, limit int) ([]*domain.ContextFact, error) {
	query := `
		SELECT
			fact_id,
			owner_id,
			fact_type,
			fact_key,
			value,
			details,
			source,
			created_ts
		FROM ` + ds.Table(factsTable) + `
		WHERE owner_id = @owner_id
		ORDER BY created_ts DESC`
	params := []bigquery.QueryParameter{{Name: "owner_id", Value: ownerID}}
	if limit > 0 {
		query += "\n\t\tLIMIT @limit"
		params = append(params, bigquery.QueryParameter{Name: "limit", Value: limit})
	}

	q := client.Query(query)
	q.Parameters = params

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListRecentFacts: query read: %w", err)
	}

	var facts []*domain.ContextFact
	for {
		var r ContextFactRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListRecentFacts: iter next: %w", err)
		}
		facts = append(facts, r.toDomain())
	}

	for i, j := 0, len(facts)-1; i < j; i, j = i+1, j-1 {
		facts[i], facts[j] = facts[j], facts[i]
	}
	return facts, nil
}

// AppendFactWithClient streams one fact into the append-only log.
func AppendFactWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, f *domain.ContextFact) error {
	if f.FactID == "" {
		f.FactID = uuid.NewString()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now()
	}

	inserter := client.DatasetInProject(ds.ProjectID, ds.DatasetID).Table(factsTable).Inserter()
	if err := inserter.Put(ctx, newContextFactRow(f)); err != nil {
		return fmt.Errorf("AppendFact: inserting row: %w", err)
	}
	return nil
}

// ListRecipientsWithClient returns the owner's known recipients.
func ListRecipientsWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, ownerID string) ([]*domain.Recipient, error) {
	q := client.Query(`
		SELECT owner_id, phone, bank_account, short_name, long_name, is_family
		FROM ` + ds.Table(recipientsTable) + `
		WHERE owner_id = @owner_id
		ORDER BY short_name
	`)
	q.Parameters = []bigquery.QueryParameter{{Name: "owner_id", Value: ownerID}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListRecipients: query read: %w", err)
	}

	var recipients []*domain.Recipient
	for {
		var r RecipientRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListRecipients: iter next: %w", err)
		}
		recipients = append(recipients, r.toDomain())
	}
	return recipients, nil
}

// SaveRecipientWithClient streams one recipient row.
func SaveRecipientWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, rec *domain.Recipient) error {
	inserter := client.DatasetInProject(ds.ProjectID, ds.DatasetID).Table(recipientsTable).Inserter()
	if err := inserter.Put(ctx, newRecipientRow(rec)); err != nil {
		return fmt.Errorf("SaveRecipient: inserting row: %w", err)
	}
	return nil
}

// ResolveCredentialWithClient finds the active credential with the given key digest.
func ResolveCredentialWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, keyHash string) (*domain.Credential, error) {
	q := client.Query(`
		SELECT
			credential_id,
			owner_id,
			key_hash,
			label,
			timezone,
			revoked_ts,
			last_used_ts,
			last_used_origin,
			created_ts
		FROM ` + ds.Table(credentialsTable) + `
		WHERE key_hash = @key_hash
		  AND revoked_ts IS NULL
		ORDER BY created_ts DESC
		LIMIT 1
	`)
	q.Parameters = []bigquery.QueryParameter{{Name: "key_hash", Value: keyHash}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ResolveCredential: query read: %w", err)
	}

	var row CredentialRow
	err = it.Next(&row)
	if errors.Is(err, iterator.Done) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ResolveCredential: iter next: %w", err)
	}
	return row.toDomain(), nil
}

// TouchCredentialWithClient records when and from where a credential was last used.
func TouchCredentialWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, credentialID string, at time.Time, origin string) error {
	q := client.Query(`
		UPDATE ` + ds.Table(credentialsTable) + `
		SET last_used_ts = @last_used_ts,
		    last_used_origin = @last_used_origin
		WHERE credential_id = @credential_id
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "last_used_ts", Value: at.UTC()},
		{Name: "last_used_origin", Value: nullString(origin)},
		{Name: "credential_id", Value: credentialID},
	}

	n, err := runDML(ctx, q)
	if err != nil {
		return fmt.Errorf("TouchCredential: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("TouchCredential: %s: %w", credentialID, store.ErrNotFound)
	}
	return nil
}

// SaveCredentialWithClient inserts a credential with DML so it can be updated
// immediately, which streamed rows cannot.
func SaveCredentialWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, c *domain.Credential) error {
	if c.CredentialID == "" {
		c.CredentialID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}

	q := client.Query(`
		INSERT INTO ` + ds.Table(credentialsTable) + ` (
			credential_id, owner_id, key_hash, label, timezone,
			revoked_ts, last_used_ts, last_used_origin, created_ts
		)
		VALUES (
			@credential_id, @owner_id, @key_hash, @label, @timezone,
			@revoked_ts, @last_used_ts, @last_used_origin, @created_ts
		)
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "credential_id", Value: c.CredentialID},
		{Name: "owner_id", Value: c.OwnerID},
		{Name: "key_hash", Value: c.KeyHash},
		{Name: "label", Value: nullString(c.Label)},
		{Name: "timezone", Value: nullString(c.Timezone)},
		{Name: "revoked_ts", Value: nullTimestamp(c.RevokedAt)},
		{Name: "last_used_ts", Value: nullTimestamp(c.LastUsedAt)},
		{Name: "last_used_origin", Value: nullString(c.LastUsedOrigin)},
		{Name: "created_ts", Value: c.CreatedAt.UTC()},
	}

	if _, err := runDML(ctx, q); err != nil {
		return fmt.Errorf("SaveCredential: %w", err)
	}
	return nil
}

// ListFXRatesWithClient returns the owner's conversion rates ordered by currency.
func ListFXRatesWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, ownerID string) ([]*domain.FXRate, error) {
	q := client.Query(`
		SELECT owner_id, currency, rate_to_home, formula, updated_ts
		FROM ` + ds.Table(fxRatesTable) + `
		WHERE owner_id = @owner_id
		ORDER BY currency
	`)
	q.Parameters = []bigquery.QueryParameter{{Name: "owner_id", Value: ownerID}}

	it, err := q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("ListFXRates: query read: %w", err)
	}

	var rates []*domain.FXRate
	for {
		var r FXRateRow
		err := it.Next(&r)
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("ListFXRates: iter next: %w", err)
		}
		rate, err := r.toDomain()
		if err != nil {
			return nil, fmt.Errorf("ListFXRates: %w", err)
		}
		rates = append(rates, rate)
	}
	return rates, nil
}

// UpsertFXRateWithClient inserts a rate or replaces the existing (owner, currency) row.
func UpsertFXRateWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, rate *domain.FXRate) error {
	rate.Currency = domain.NormalizeCurrency(rate.Currency)
	if rate.Currency == "" {
		return fmt.Errorf("UpsertFXRate: empty currency")
	}
	rate.UpdatedAt = time.Now().UTC()

	q := client.Query(`
		MERGE ` + ds.Table(fxRatesTable) + ` T
		USING (SELECT @owner_id AS owner_id, @currency AS currency) S
		ON T.owner_id = S.owner_id AND T.currency = S.currency
		WHEN MATCHED THEN UPDATE SET
			rate_to_home = @rate_to_home,
			formula = @formula,
			updated_ts = @updated_ts
		WHEN NOT MATCHED THEN INSERT (owner_id, currency, rate_to_home, formula, updated_ts)
		VALUES (@owner_id, @currency, @rate_to_home, @formula, @updated_ts)
	`)
	q.Parameters = []bigquery.QueryParameter{
		{Name: "owner_id", Value: rate.OwnerID},
		{Name: "currency", Value: rate.Currency},
		{Name: "rate_to_home", Value: rate.RateToHome.Rat()},
		{Name: "formula", Value: nullString(rate.Formula)},
		{Name: "updated_ts", Value: rate.UpdatedAt},
	}

	if _, err := runDML(ctx, q); err != nil {
		return fmt.Errorf("UpsertFXRate: %w", err)
	}
	return nil
}
