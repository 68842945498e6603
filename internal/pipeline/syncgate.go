package pipeline

import (
	"context"
	"fmt"

	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/store"
	"github.com/rs/zerolog"
)

// DefaultSyncThreshold is the uncategorized share above which a fetch backfills first.
const DefaultSyncThreshold = 0.10

// Coverage is the categorization state of an owner's transactions.
type Coverage struct {
	Total         int64   `json:"total"`
	Uncategorized int64   `json:"uncategorized"`
	Ratio         float64 `json:"ratio"`
}

// SyncReport describes one gate check.
type SyncReport struct {
	Before      Coverage `json:"before"`
	After       Coverage `json:"after"`
	BackfillRan bool     `json:"backfillRan"`
	Backfilled  int      `json:"backfilled"`
}

// SyncGate runs a pattern-only backfill before data is served when too many
// rows are uncategorized. It never calls an extraction model.
type SyncGate struct {
	store         store.Store
	threshold     float64
	backfillLimit int
	logger        zerolog.Logger
}

// NewSyncGate creates a gate. A non-positive threshold uses DefaultSyncThreshold.
func NewSyncGate(st store.Store, threshold float64, backfillLimit int, logger zerolog.Logger) *SyncGate {
	if threshold <= 0 {
		threshold = DefaultSyncThreshold
	}
	return &SyncGate{store: st, threshold: threshold, backfillLimit: backfillLimit, logger: logger}
}

// Measure returns the owner's current coverage.
func (g *SyncGate) Measure(ctx context.Context, ownerID string) (Coverage, error) {
	total, uncategorized, err := g.store.CountCoverage(ctx, ownerID)
	if err != nil {
		return Coverage{}, fmt.Errorf("Measure: counting coverage: %w", err)
	}
	c := Coverage{Total: total, Uncategorized: uncategorized}
	if total > 0 {
		c.Ratio = float64(uncategorized) / float64(total)
	}
	return c, nil
}

// Check measures coverage and, when the uncategorized share exceeds the
// threshold, backfills and measures again.
func (g *SyncGate) Check(ctx context.Context, ownerID string) (*SyncReport, error) {
	before, err := g.Measure(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	report := &SyncReport{Before: before, After: before}
	if before.Ratio <= g.threshold {
		return report, nil
	}

	n, err := g.Backfill(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	report.BackfillRan = true
	report.Backfilled = n

	after, err := g.Measure(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	report.After = after

	g.logger.Info().
		Str("owner_id", ownerID).
		Float64("before", before.Ratio).
		Float64("after", after.Ratio).
		Int("backfilled", n).
		Msg("Sync gate backfill")
	return report, nil
}

// Backfill re-applies merchant patterns to uncategorized rows. Rows a user
// corrected are never touched.
func (g *SyncGate) Backfill(ctx context.Context, ownerID string) (int, error) {
	patterns, err := g.store.ListMerchantPatterns(ctx, ownerID)
	if err != nil {
		return 0, fmt.Errorf("Backfill: loading patterns: %w", err)
	}
	if len(patterns) == 0 {
		return 0, nil
	}
	lookup := NewLookup(patterns, nil)

	rows, err := g.store.ListUncategorized(ctx, ownerID, g.backfillLimit)
	if err != nil {
		return 0, fmt.Errorf("Backfill: listing uncategorized: %w", err)
	}

	n := 0
	for _, tx := range rows {
		if tx.Confidence == domain.ConfidenceCorrected {
			continue
		}
		res, ok := ResolvePattern(tx.Counterparty, tx.RawText, lookup)
		if !ok {
			continue
		}
		if err := g.store.UpdateCategory(ctx, ownerID, tx.TransactionID, res.Category, res.Subcategory, res.Confidence); err != nil {
			return n, fmt.Errorf("Backfill: updating %s: %w", tx.TransactionID, err)
		}
		n++
	}
	return n, nil
}
