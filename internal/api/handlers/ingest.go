package handlers

import (
	"errors"
	"net/http"
	"strings"

	"github.com/dvloznov/smsledger/internal/api/middleware"
	"github.com/dvloznov/smsledger/internal/pipeline"
	"github.com/rs/zerolog"
)

type overrideRequest struct {
	Category    string `json:"category"`
	Subcategory string `json:"subcategory"`
}

type entryRequest struct {
	SMS       string           `json:"sms"`
	Timestamp string           `json:"timestamp"`
	Override  *overrideRequest `json:"override,omitempty"`
}

// ingestRequest accepts a single message (sms, timestamp) or a batch (entries).
type ingestRequest struct {
	Key       string           `json:"key"`
	SMS       string           `json:"sms"`
	Timestamp string           `json:"timestamp"`
	Override  *overrideRequest `json:"override,omitempty"`
	Entries   []entryRequest   `json:"entries"`
	Mode      string           `json:"mode"`
}

func (e entryRequest) toEntry() pipeline.Entry {
	out := pipeline.Entry{SMS: e.SMS, Timestamp: e.Timestamp}
	if e.Override != nil && (e.Override.Category != "" || e.Override.Subcategory != "") {
		out.Override = &pipeline.Override{Category: e.Override.Category, Subcategory: e.Override.Subcategory}
	}
	return out
}

// IngestHandler handles SMS ingestion. It authenticates with an ingestion
// credential rather than a session token.
type IngestHandler struct {
	ingestor Ingestor
	log      zerolog.Logger
}

// NewIngestHandler creates a new ingest handler.
func NewIngestHandler(ingestor Ingestor, log zerolog.Logger) *IngestHandler {
	return &IngestHandler{ingestor: ingestor, log: log}
}

// Ingest handles POST /api/ingest
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	var req ingestRequest
	if err := decodeJSON(w, r, &req); err != nil {
		middleware.WriteError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	key := req.Key
	if key == "" {
		key = r.Header.Get("X-API-Key")
	}

	var entries []pipeline.Entry
	switch {
	case len(req.Entries) > 0:
		entries = make([]pipeline.Entry, 0, len(req.Entries))
		for _, e := range req.Entries {
			entries = append(entries, e.toEntry())
		}
	case strings.TrimSpace(req.SMS) != "":
		entries = []pipeline.Entry{entryRequest{SMS: req.SMS, Timestamp: req.Timestamp, Override: req.Override}.toEntry()}
	default:
		middleware.WriteError(w, http.StatusBadRequest, "sms or entries is required")
		return
	}

	result, err := h.ingestor.Ingest(r.Context(), pipeline.IngestRequest{
		Key:     key,
		Entries: entries,
		Mode:    req.Mode,
		Origin:  clientOrigin(r),
	})

	var authErr *pipeline.AuthenticationError
	switch {
	case errors.As(err, &authErr):
		middleware.WriteError(w, http.StatusUnauthorized, "Invalid API key")
		return
	case errors.Is(err, pipeline.ErrTooManyEntries):
		middleware.WriteError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		h.log.Error().Err(err).Str("request_id", middleware.RequestIDFromContext(r.Context())).Msg("Ingestion failed")
		middleware.WriteError(w, http.StatusInternalServerError, "Ingestion failed")
		return
	}

	middleware.WriteJSON(w, http.StatusOK, result)
}
