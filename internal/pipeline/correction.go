package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/jobs"
	"github.com/dvloznov/smsledger/internal/store"
	"github.com/rs/zerolog"
)

// CorrectionRequest is a user's manual recategorization of a counterparty.
type CorrectionRequest struct {
	OwnerID      string
	Counterparty string
	// MerchantType is the corrected subcategory (or category name).
	MerchantType string
	Consolidated string
	PreviousType string
}

// CorrectionResult reports what a correction changed.
type CorrectionResult struct {
	Success bool   `json:"success"`
	Updated int64  `json:"updated"`
	Queued  bool   `json:"queued,omitempty"`
	JobID   string `json:"jobId,omitempty"`
	Message string `json:"message"`
}

// Corrector closes the learning loop: it stores a pattern, rewrites matching
// history and records correction facts for future prompts.
type Corrector struct {
	store     store.Store
	publisher jobs.Publisher
	logger    zerolog.Logger
}

// NewCorrector creates a corrector. publisher may be nil, in which case a
// failed historical rewrite is only logged.
func NewCorrector(st store.Store, publisher jobs.Publisher, logger zerolog.Logger) *Corrector {
	return &Corrector{store: st, publisher: publisher, logger: logger}
}

// Correct applies a correction. The pattern upsert must succeed; the bulk
// rewrite and fact logging are best effort and never undo the pattern.
func (c *Corrector) Correct(ctx context.Context, req CorrectionRequest) (*CorrectionResult, error) {
	counterparty := strings.TrimSpace(req.Counterparty)
	merchantType := strings.TrimSpace(req.MerchantType)
	pattern := domain.NormalizePattern(counterparty)
	if pattern == "" {
		return nil, &ValidationError{Field: "counterparty", Reason: "required"}
	}
	if merchantType == "" {
		return nil, &ValidationError{Field: "merchantType", Reason: "required"}
	}

	log := c.logger.With().Str("owner_id", req.OwnerID).Str("pattern", pattern).Logger()

	category, err := c.categoryFor(ctx, req.OwnerID, pattern, merchantType)
	if err != nil {
		return nil, err
	}

	consolidated := strings.TrimSpace(req.Consolidated)
	if consolidated == "" {
		consolidated = counterparty
	}
	p := &domain.MerchantPattern{
		OwnerID:          req.OwnerID,
		Pattern:          pattern,
		DisplayName:      counterparty,
		ConsolidatedName: consolidated,
		Category:         category,
		Subcategory:      merchantType,
		Source:           domain.PatternSourceCorrection,
	}
	if err := c.store.UpsertMerchantPattern(ctx, p); err != nil {
		return nil, fmt.Errorf("Correct: upserting pattern: %w", err)
	}

	result := &CorrectionResult{Success: true}

	updated, err := c.store.RecategorizeByCounterparty(ctx, req.OwnerID, pattern, category, merchantType, domain.ConfidenceCorrected)
	if err != nil {
		log.Warn().Err(err).Msg("Historical rewrite failed")
		result.Message = fmt.Sprintf("Saved %s as %s; historical rewrite failed", counterparty, merchantType)
		if c.publisher != nil {
			job := &jobs.RecategorizeJob{
				OwnerID:     req.OwnerID,
				Pattern:     pattern,
				Category:    string(category),
				Subcategory: merchantType,
			}
			if perr := c.publisher.PublishRecategorize(ctx, job); perr != nil {
				log.Error().Err(perr).Msg("Failed to queue historical rewrite")
			} else {
				result.Queued = true
				result.JobID = job.JobID
				result.Message = fmt.Sprintf("Saved %s as %s; historical rewrite queued", counterparty, merchantType)
			}
		}
	} else {
		result.Updated = updated
		result.Message = fmt.Sprintf("%d transactions recategorized as %s", updated, merchantType)
	}

	previous := strings.TrimSpace(req.PreviousType)
	if previous != "" && !strings.EqualFold(previous, merchantType) {
		c.recordFacts(ctx, log, req.OwnerID, counterparty, previous, merchantType, category)
	}

	log.Info().
		Int64("updated", result.Updated).
		Bool("queued", result.Queued).
		Str("subcategory", merchantType).
		Msg("Correction applied")
	return result, nil
}

// categoryFor picks the parent category for a corrected type: a known
// subcategory decides, then a category name, then the stored pattern's
// category, then Other.
func (c *Corrector) categoryFor(ctx context.Context, ownerID, pattern, merchantType string) (domain.Category, error) {
	if cat, ok := domain.CategoryForSubcategory(merchantType); ok {
		return cat, nil
	}
	if cat, ok := domain.ParseCategory(merchantType); ok {
		return cat, nil
	}

	existing, err := c.store.ListMerchantPatterns(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("Correct: loading patterns: %w", err)
	}
	for _, p := range existing {
		if p.Pattern == pattern {
			if cat, ok := domain.ParseCategory(string(p.Category)); ok {
				return cat, nil
			}
		}
	}
	return domain.CategoryOther, nil
}

func (c *Corrector) recordFacts(ctx context.Context, log zerolog.Logger, ownerID, counterparty, previous, corrected string, category domain.Category) {
	facts := []*domain.ContextFact{
		{
			OwnerID: ownerID,
			Type:    domain.FactPayee,
			Key:     counterparty,
			Value:   corrected,
			Details: "category " + string(category),
			Source:  domain.FactSourceCorrection,
		},
		{
			OwnerID: ownerID,
			Type:    domain.FactCorrection,
			Key:     counterparty + " is " + previous,
			Value:   counterparty + " is " + corrected,
			Source:  domain.FactSourceCorrection,
		},
	}
	for _, f := range facts {
		if err := c.store.AppendFact(ctx, f); err != nil {
			log.Warn().Err(err).Str("fact_type", string(f.Type)).Msg("Failed to record correction fact")
		}
	}
}

// HandleJob runs a queued historical rewrite. It satisfies jobs.JobHandler.
func (c *Corrector) HandleJob(ctx context.Context, job jobs.Job) error {
	j, ok := job.(*jobs.RecategorizeJob)
	if !ok {
		return fmt.Errorf("HandleJob: unsupported job type %s", job.GetType())
	}

	category, ok := domain.ParseCategory(j.Category)
	if !ok {
		category = domain.CategoryOther
	}
	n, err := c.store.RecategorizeByCounterparty(ctx, j.OwnerID, j.Pattern, category, j.Subcategory, domain.ConfidenceCorrected)
	if err != nil {
		return fmt.Errorf("HandleJob: rewriting %q: %w", j.Pattern, err)
	}
	j.Updated = n

	c.logger.Info().
		Str("job_id", j.JobID).
		Str("owner_id", j.OwnerID).
		Str("pattern", j.Pattern).
		Int64("updated", n).
		Msg("Historical rewrite completed")
	return nil
}
