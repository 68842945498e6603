package pipeline

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/store"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ImportReport summarizes one import run. Rejected rows are listed in
// Errors and do not stop the run.
type ImportReport struct {
	Imported int      `json:"imported"`
	Skipped  int      `json:"skipped"`
	Errors   []string `json:"errors,omitempty"`
}

func (r *ImportReport) reject(line int, format string, args ...any) {
	r.Skipped++
	r.Errors = append(r.Errors, fmt.Sprintf("row %d: %s", line, fmt.Sprintf(format, args...)))
}

// Importer loads spreadsheet exports of a merchant map and FX rates.
type Importer struct {
	patterns store.PatternRepository
	rates    store.FXRateRepository
	log      zerolog.Logger
}

// NewImporter creates an importer.
func NewImporter(patterns store.PatternRepository, rates store.FXRateRepository, log zerolog.Logger) *Importer {
	return &Importer{patterns: patterns, rates: rates, log: log}
}

// ImportPatterns reads a merchant map CSV with the columns Pattern,
// Display Name, Consolidated Name, Category and optionally Subcategory.
// Rows become patterns with source "import". A pattern the owner already
// corrected by hand is left alone.
func (im *Importer) ImportPatterns(ctx context.Context, ownerID string, r io.Reader) (*ImportReport, error) {
	rows, err := readSheet(r, "pattern")
	if err != nil {
		return nil, fmt.Errorf("ImportPatterns: %w", err)
	}

	existing, err := im.patterns.ListMerchantPatterns(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("ImportPatterns: loading patterns: %w", err)
	}
	corrected := make(map[string]bool)
	for _, p := range existing {
		if p.Source == domain.PatternSourceCorrection {
			corrected[p.Pattern] = true
		}
	}

	report := &ImportReport{}
	for _, row := range rows {
		pattern := domain.NormalizePattern(row.get("pattern"))
		if pattern == "" {
			report.reject(row.line, "empty pattern")
			continue
		}
		if corrected[pattern] {
			report.Skipped++
			continue
		}

		category, sub, err := importedCategory(row.get("category"), row.get("subcategory"))
		if err != nil {
			report.reject(row.line, "%v", err)
			continue
		}

		p := &domain.MerchantPattern{
			OwnerID:          ownerID,
			Pattern:          pattern,
			DisplayName:      row.get("displayname"),
			ConsolidatedName: row.get("consolidatedname"),
			Category:         category,
			Subcategory:      sub,
			Source:           domain.PatternSourceImport,
		}
		if err := im.patterns.UpsertMerchantPattern(ctx, p); err != nil {
			return report, fmt.Errorf("ImportPatterns: row %d: %w", row.line, err)
		}
		report.Imported++
	}

	im.log.Info().
		Str("owner_id", ownerID).
		Int("imported", report.Imported).
		Int("skipped", report.Skipped).
		Msg("Merchant patterns imported")
	return report, nil
}

// importedCategory resolves the category columns of a merchant map row. The
// category cell may hold either a category or a known subcategory.
func importedCategory(categoryCell, subCell string) (domain.Category, string, error) {
	categoryCell = strings.TrimSpace(categoryCell)
	subCell = strings.TrimSpace(subCell)

	if cat, ok := domain.ParseCategory(categoryCell); ok {
		return cat, subCell, nil
	}
	if categoryCell == "" && subCell == "" {
		return "", "", nil
	}
	sub := subCell
	if sub == "" {
		sub = categoryCell
	}
	if cat, ok := domain.CategoryForSubcategory(sub); ok {
		return cat, sub, nil
	}
	if categoryCell != "" {
		return "", "", fmt.Errorf("unknown category %q", categoryCell)
	}
	return "", "", fmt.Errorf("unknown subcategory %q", subCell)
}

// ImportFXRates reads an FX sheet with the columns Currency, a rate column
// (RateToHome, or the legacy RateToQAR) and optionally Formula.
func (im *Importer) ImportFXRates(ctx context.Context, ownerID string, r io.Reader) (*ImportReport, error) {
	rows, err := readSheet(r, "currency")
	if err != nil {
		return nil, fmt.Errorf("ImportFXRates: %w", err)
	}

	report := &ImportReport{}
	for _, row := range rows {
		currency := domain.NormalizeCurrency(row.get("currency"))
		if currency == "" {
			report.reject(row.line, "empty currency")
			continue
		}
		if _, err := ValidateCurrency(currency, ""); err != nil {
			report.reject(row.line, "%v", err)
			continue
		}

		rawRate := row.get("ratetohome", "ratetoqar", "rate")
		rate, err := decimal.NewFromString(strings.ReplaceAll(rawRate, ",", ""))
		if err != nil || !rate.IsPositive() {
			report.reject(row.line, "%s: invalid rate %q", currency, rawRate)
			continue
		}

		fx := &domain.FXRate{
			OwnerID:    ownerID,
			Currency:   currency,
			RateToHome: rate,
			Formula:    row.get("formula"),
		}
		if err := im.rates.UpsertFXRate(ctx, fx); err != nil {
			return report, fmt.Errorf("ImportFXRates: row %d: %w", row.line, err)
		}
		report.Imported++
	}

	im.log.Info().
		Str("owner_id", ownerID).
		Int("imported", report.Imported).
		Int("skipped", report.Skipped).
		Msg("FX rates imported")
	return report, nil
}

type sheetRow struct {
	line  int
	cells map[string]string
}

// get returns the first non-empty cell among the named columns.
func (r sheetRow) get(columns ...string) string {
	for _, c := range columns {
		if v := strings.TrimSpace(r.cells[c]); v != "" {
			return v
		}
	}
	return ""
}

// headerKey folds a header so "Display Name", "display_name" and
// "DisplayName" name the same column.
func headerKey(h string) string {
	h = strings.ToLower(strings.TrimSpace(h))
	return strings.NewReplacer(" ", "", "_", "", "-", "").Replace(h)
}

// readSheet parses a CSV with a header row that must include the required
// column. Blank lines are dropped.
func readSheet(r io.Reader, required string) ([]sheetRow, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	header, err := reader.Read()
	if errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("empty file")
	}
	if err != nil {
		return nil, fmt.Errorf("reading header: %w", err)
	}
	keys := make([]string, len(header))
	found := false
	for i, h := range header {
		keys[i] = headerKey(strings.TrimPrefix(h, "\ufeff"))
		if keys[i] == required {
			found = true
		}
	}
	if !found {
		return nil, fmt.Errorf("missing %q column", required)
	}

	var rows []sheetRow
	for {
		record, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("reading csv: %w", err)
		}
		line, _ := reader.FieldPos(0)

		row := sheetRow{line: line, cells: make(map[string]string, len(keys))}
		blank := true
		for i, v := range record {
			if i >= len(keys) {
				break
			}
			row.cells[keys[i]] = v
			if strings.TrimSpace(v) != "" {
				blank = false
			}
		}
		if !blank {
			rows = append(rows, row)
		}
	}
	return rows, nil
}
