package bigquery

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/googleapi"
)

func required(name string, t bigquery.FieldType) *bigquery.FieldSchema {
	return &bigquery.FieldSchema{Name: name, Type: t, Required: true}
}

func nullable(name string, t bigquery.FieldType) *bigquery.FieldSchema {
	return &bigquery.FieldSchema{Name: name, Type: t}
}

// tableDefinitions describes every ledger table.
func tableDefinitions() map[string]*bigquery.TableMetadata {
	return map[string]*bigquery.TableMetadata{
		transactionsTable: {
			Schema: bigquery.Schema{
				required("transaction_id", bigquery.StringFieldType),
				required("owner_id", bigquery.StringFieldType),
				required("occurred_at", bigquery.TimestampFieldType),
				required("occurred_date", bigquery.DateFieldType),
				required("amount", bigquery.NumericFieldType),
				required("currency", bigquery.StringFieldType),
				nullable("counterparty", bigquery.StringFieldType),
				nullable("card", bigquery.StringFieldType),
				required("direction", bigquery.StringFieldType),
				nullable("txn_type", bigquery.StringFieldType),
				required("category", bigquery.StringFieldType),
				nullable("subcategory", bigquery.StringFieldType),
				required("confidence", bigquery.StringFieldType),
				nullable("context", bigquery.JSONFieldType),
				required("raw_text", bigquery.StringFieldType),
				nullable("idempotency_key", bigquery.StringFieldType),
				nullable("model", bigquery.StringFieldType),
				nullable("mode", bigquery.StringFieldType),
				required("created_ts", bigquery.TimestampFieldType),
				nullable("updated_ts", bigquery.TimestampFieldType),
			},
			TimePartitioning: &bigquery.TimePartitioning{Type: bigquery.MonthPartitioningType, Field: "occurred_date"},
			Clustering:       &bigquery.Clustering{Fields: []string{"owner_id", "idempotency_key"}},
		},
		patternsTable: {
			Schema: bigquery.Schema{
				required("pattern_id", bigquery.StringFieldType),
				required("owner_id", bigquery.StringFieldType),
				required("pattern", bigquery.StringFieldType),
				nullable("display_name", bigquery.StringFieldType),
				nullable("consolidated_name", bigquery.StringFieldType),
				nullable("category", bigquery.StringFieldType),
				nullable("subcategory", bigquery.StringFieldType),
				nullable("source", bigquery.StringFieldType),
				required("created_ts", bigquery.TimestampFieldType),
				required("updated_ts", bigquery.TimestampFieldType),
			},
			Clustering: &bigquery.Clustering{Fields: []string{"owner_id"}},
		},
		factsTable: {
			Schema: bigquery.Schema{
				required("fact_id", bigquery.StringFieldType),
				required("owner_id", bigquery.StringFieldType),
				required("fact_type", bigquery.StringFieldType),
				required("fact_key", bigquery.StringFieldType),
				nullable("value", bigquery.StringFieldType),
				nullable("details", bigquery.StringFieldType),
				nullable("source", bigquery.StringFieldType),
				required("created_ts", bigquery.TimestampFieldType),
			},
			Clustering: &bigquery.Clustering{Fields: []string{"owner_id"}},
		},
		recipientsTable: {
			Schema: bigquery.Schema{
				required("owner_id", bigquery.StringFieldType),
				nullable("phone", bigquery.StringFieldType),
				nullable("bank_account", bigquery.StringFieldType),
				required("short_name", bigquery.StringFieldType),
				nullable("long_name", bigquery.StringFieldType),
				required("is_family", bigquery.BooleanFieldType),
			},
		},
		credentialsTable: {
			Schema: bigquery.Schema{
				required("credential_id", bigquery.StringFieldType),
				required("owner_id", bigquery.StringFieldType),
				required("key_hash", bigquery.StringFieldType),
				nullable("label", bigquery.StringFieldType),
				nullable("timezone", bigquery.StringFieldType),
				nullable("revoked_ts", bigquery.TimestampFieldType),
				nullable("last_used_ts", bigquery.TimestampFieldType),
				nullable("last_used_origin", bigquery.StringFieldType),
				required("created_ts", bigquery.TimestampFieldType),
			},
		},
		fxRatesTable: {
			Schema: bigquery.Schema{
				required("owner_id", bigquery.StringFieldType),
				required("currency", bigquery.StringFieldType),
				required("rate_to_home", bigquery.NumericFieldType),
				nullable("formula", bigquery.StringFieldType),
				required("updated_ts", bigquery.TimestampFieldType),
			},
			Clustering: &bigquery.Clustering{Fields: []string{"owner_id"}},
		},
	}
}

// EnsureSchemaWithClient creates the dataset and any missing table. Existing
// tables are left untouched.
func EnsureSchemaWithClient(ctx context.Context, client *bigquery.Client, ds Dataset, location string) error {
	dataset := client.DatasetInProject(ds.ProjectID, ds.DatasetID)
	if err := dataset.Create(ctx, &bigquery.DatasetMetadata{Location: location}); err != nil && !isAlreadyExists(err) {
		return fmt.Errorf("EnsureSchema: creating dataset %s: %w", ds.DatasetID, err)
	}

	for name, meta := range tableDefinitions() {
		if err := dataset.Table(name).Create(ctx, meta); err != nil && !isAlreadyExists(err) {
			return fmt.Errorf("EnsureSchema: creating table %s: %w", name, err)
		}
	}
	return nil
}

func isAlreadyExists(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusConflict
}
