package handlers

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/dvloznov/smsledger/internal/api/middleware"
	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/pipeline"
	"github.com/dvloznov/smsledger/internal/store"
	"github.com/rs/zerolog"
)

const dateFormat = "2006-01-02"

// CorrectionsHandler handles manual recategorization.
type CorrectionsHandler struct {
	corrector Corrector
	log       zerolog.Logger
}

// NewCorrectionsHandler creates a new corrections handler.
func NewCorrectionsHandler(corrector Corrector, log zerolog.Logger) *CorrectionsHandler {
	return &CorrectionsHandler{corrector: corrector, log: log}
}

// Correct handles POST /api/corrections
func (h *CorrectionsHandler) Correct(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req struct {
		Counterparty string `json:"counterparty"`
		MerchantType string `json:"merchantType"`
		Consolidated string `json:"consolidated"`
		PreviousType string `json:"previousType"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.corrector.Correct(r.Context(), pipeline.CorrectionRequest{
		OwnerID:      owner,
		Counterparty: req.Counterparty,
		MerchantType: req.MerchantType,
		Consolidated: req.Consolidated,
		PreviousType: req.PreviousType,
	})
	var verr *pipeline.ValidationError
	if errors.As(err, &verr) {
		middleware.WriteError(w, http.StatusBadRequest, verr.Error())
		return
	}
	if err != nil {
		h.log.Error().Err(err).Str("owner_id", owner).Msg("Correction failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Correction failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, result)
}

// TransactionsHandler serves categorized rows after running the sync gate.
type TransactionsHandler struct {
	repo  store.TransactionRepository
	rates store.FXRateRepository
	gate  SyncChecker
	loc   *time.Location
	home  string
	log   zerolog.Logger
}

// NewTransactionsHandler creates a new transactions handler. Dates in
// queries are interpreted in loc and amounts are also reported in home
// when a rate is known.
func NewTransactionsHandler(repo store.TransactionRepository, rates store.FXRateRepository, gate SyncChecker, loc *time.Location, home string, log zerolog.Logger) *TransactionsHandler {
	if loc == nil {
		loc = time.UTC
	}
	return &TransactionsHandler{repo: repo, rates: rates, gate: gate, loc: loc, home: home, log: log}
}

// ListTransactions handles GET /api/transactions
func (h *TransactionsHandler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}
	ctx := r.Context()

	// Parse query parameters
	query := r.URL.Query()
	var startDate, endDate time.Time
	var err error

	if s := query.Get("start_date"); s != "" {
		startDate, err = time.ParseInLocation(dateFormat, s, h.loc)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid start_date format")
			return
		}
	} else {
		startDate = time.Now().In(h.loc).AddDate(-1, 0, 0) // 1 year ago
	}

	if s := query.Get("end_date"); s != "" {
		endDate, err = time.ParseInLocation(dateFormat, s, h.loc)
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, "Invalid end_date format")
			return
		}
		// end_date is inclusive
		endDate = endDate.AddDate(0, 0, 1)
	}

	report, err := h.gate.Check(ctx, owner)
	if err != nil {
		// A failed gate does not block the fetch.
		h.log.Warn().Err(err).Str("owner_id", owner).Msg("Sync gate failed")
	}

	txs, err := h.repo.ListTransactions(ctx, owner, startDate, endDate)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to query transactions")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to query transactions")
		return
	}

	var fx *pipeline.FXTable
	if h.rates != nil && h.home != "" {
		fx, err = pipeline.LoadFXTable(ctx, h.rates, owner, h.home)
		if err != nil {
			h.log.Warn().Err(err).Str("owner_id", owner).Msg("FX rates unavailable")
		}
	}

	views := make([]TransactionView, 0, len(txs))
	for _, tx := range txs {
		views = append(views, newTransactionView(tx, fx))
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"transactions": views,
		"count":        len(views),
		"sync":         report,
	})
}

// ContextHandler serves merchant patterns and the user context log.
type ContextHandler struct {
	patterns store.PatternRepository
	facts    store.FactRepository
	log      zerolog.Logger
}

// NewContextHandler creates a new context handler.
func NewContextHandler(patterns store.PatternRepository, facts store.FactRepository, log zerolog.Logger) *ContextHandler {
	return &ContextHandler{patterns: patterns, facts: facts, log: log}
}

type patternView struct {
	PatternID        string          `json:"pattern_id"`
	Pattern          string          `json:"pattern"`
	DisplayName      string          `json:"display_name,omitempty"`
	ConsolidatedName string          `json:"consolidated_name,omitempty"`
	Category         domain.Category `json:"category,omitempty"`
	Subcategory      string          `json:"subcategory,omitempty"`
	Source           string          `json:"source,omitempty"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// ListPatterns handles GET /api/patterns
func (h *ContextHandler) ListPatterns(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	patterns, err := h.patterns.ListMerchantPatterns(r.Context(), owner)
	if err != nil {
		h.log.Error().Err(err).Msg("Failed to list patterns")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to list patterns")
		return
	}

	views := make([]patternView, 0, len(patterns))
	for _, p := range patterns {
		views = append(views, patternView{
			PatternID:        p.PatternID,
			Pattern:          p.Pattern,
			DisplayName:      p.DisplayName,
			ConsolidatedName: p.ConsolidatedName,
			Category:         p.Category,
			Subcategory:      p.Subcategory,
			Source:           p.Source,
			UpdatedAt:        p.UpdatedAt,
		})
	}
	middleware.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"patterns": views,
		"count":    len(views),
	})
}

// Remember handles POST /api/context
func (h *ContextHandler) Remember(w http.ResponseWriter, r *http.Request) {
	owner, ok := requireOwner(w, r)
	if !ok {
		return
	}

	var req struct {
		Type    string `json:"type"`
		Key     string `json:"key"`
		Value   string `json:"value"`
		Details string `json:"details"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	factType, err := domain.ParseFactType(strings.ToLower(strings.TrimSpace(req.Type)))
	if err != nil {
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Key) == "" {
		middleware.WriteError(w, http.StatusBadRequest, "key is required")
		return
	}

	fact := &domain.ContextFact{
		OwnerID: owner,
		Type:    factType,
		Key:     strings.TrimSpace(req.Key),
		Value:   strings.TrimSpace(req.Value),
		Details: strings.TrimSpace(req.Details),
		Source:  domain.FactSourceUser,
	}
	if err := h.facts.AppendFact(r.Context(), fact); err != nil {
		h.log.Error().Err(err).Msg("Failed to append fact")
		middleware.WriteError(w, http.StatusInternalServerError, "Failed to save context")
		return
	}

	middleware.WriteJSON(w, http.StatusCreated, map[string]string{
		"fact_id": fact.FactID,
		"status":  "remembered",
	})
}
