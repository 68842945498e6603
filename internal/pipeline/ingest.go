package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/dvloznov/smsledger/internal/domain"
	"github.com/dvloznov/smsledger/internal/extract"
	"github.com/dvloznov/smsledger/internal/store"
	"github.com/rs/zerolog"
)

// ErrTooManyEntries is returned when a batch exceeds the configured size.
var ErrTooManyEntries = errors.New("too many entries in batch")

// Fate is the terminal outcome of one entry.
type Fate string

const (
	FateAppended Fate = "appended"
	FateSkipped  Fate = "skipped"
	FateError    Fate = "error"
)

// Entry reasons reported in the response log.
const (
	ReasonEmpty     = "Empty message"
	ReasonDuplicate = "Duplicate"
)

// Extractor turns a message into a structured result.
type Extractor interface {
	Extract(ctx context.Context, req extract.Request) (*extract.Outcome, error)
}

// OutputArchiver keeps raw model responses for later inspection.
type OutputArchiver interface {
	Archive(ctx context.Context, ownerID, idempotencyKey string, attempts []extract.Attempt) error
}

// Entry is one SMS to ingest.
type Entry struct {
	SMS       string
	Timestamp string
	Override  *Override
}

// IngestRequest is one authenticated ingestion call.
type IngestRequest struct {
	Key     string
	Entries []Entry
	Mode    string
	Origin  string
}

// EntryLog is the outcome of one entry, in input order.
type EntryLog struct {
	Index         int    `json:"index"`
	Fate          Fate   `json:"fate"`
	Reason        string `json:"reason"`
	Key           string `json:"key,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
}

// IngestResult summarizes a processed batch.
type IngestResult struct {
	Success   bool       `json:"success"`
	Received  int        `json:"received"`
	Appended  int        `json:"appended"`
	Skipped   int        `json:"skipped"`
	Errors    int        `json:"errors"`
	EntryLogs []EntryLog `json:"entryLogs"`
}

// IngestorConfig tunes the orchestrator.
type IngestorConfig struct {
	Location        *time.Location
	Calendar        Calendar
	DefaultCurrency string
	RecentFacts     int
	MaxEntries      int
	RawTextLimit    int
	LearnPatterns   bool
}

// Ingestor authenticates a batch, loads the owner's context once and runs
// every entry through keying, extraction, resolution, validation and
// persistence. Entries are processed sequentially and independently.
type Ingestor struct {
	store     store.Store
	extractor Extractor
	archiver  OutputArchiver
	cfg       IngestorConfig
	logger    zerolog.Logger
	now       func() time.Time
}

// NewIngestor creates an ingestion orchestrator. archiver may be nil.
func NewIngestor(st store.Store, extractor Extractor, archiver OutputArchiver, cfg IngestorConfig, logger zerolog.Logger) *Ingestor {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Calendar == (Calendar{}) {
		cfg.Calendar = DefaultCalendar
	}
	return &Ingestor{
		store:     st,
		extractor: extractor,
		archiver:  archiver,
		cfg:       cfg,
		logger:    logger,
		now:       time.Now,
	}
}

// batchContext is the owner-scoped state loaded once per batch.
type batchContext struct {
	ownerID string
	loc     *time.Location
	mode    string
	lookup  *Lookup
	facts   []*domain.ContextFact
	seen    map[string]bool
}

type entryState struct {
	index int
	entry Entry

	occurredAt time.Time
	key        string
	outcome    *extract.Outcome
	resolution Resolution
	tx         *domain.Transaction

	log EntryLog
}

// entryStep advances an entry and reports true once it reached a terminal fate.
type entryStep func(ctx context.Context, b *batchContext, s *entryState) bool

// Ingest processes a batch. Only authentication and context-loading failures
// return an error; per-entry failures are reported in the result.
func (in *Ingestor) Ingest(ctx context.Context, req IngestRequest) (*IngestResult, error) {
	if in.cfg.MaxEntries > 0 && len(req.Entries) > in.cfg.MaxEntries {
		return nil, fmt.Errorf("Ingest: %d entries, limit %d: %w", len(req.Entries), in.cfg.MaxEntries, ErrTooManyEntries)
	}

	cred, err := in.authenticate(ctx, req.Key)
	if err != nil {
		return nil, err
	}

	b, err := in.loadBatchContext(ctx, cred, req)
	if err != nil {
		return nil, err
	}

	log := in.logger.With().Str("owner_id", b.ownerID).Str("mode", b.mode).Logger()
	log.Info().Int("entries", len(req.Entries)).Msg("Ingesting batch")

	steps := []entryStep{
		in.checkEmpty,
		in.assignKey,
		in.checkDuplicate,
		in.runExtraction,
		in.resolve,
		in.validate,
		in.persist,
	}

	result := &IngestResult{Success: true, Received: len(req.Entries), EntryLogs: make([]EntryLog, 0, len(req.Entries))}
	for i, e := range req.Entries {
		s := &entryState{index: i, entry: e, log: EntryLog{Index: i}}
		for _, step := range steps {
			if step(ctx, b, s) {
				break
			}
		}

		switch s.log.Fate {
		case FateAppended:
			result.Appended++
		case FateSkipped:
			result.Skipped++
		default:
			s.log.Fate = FateError
			result.Errors++
		}
		result.EntryLogs = append(result.EntryLogs, s.log)

		ev := log.Info()
		if s.log.Fate == FateError {
			ev = log.Warn()
		}
		model := ""
		if s.outcome != nil && s.outcome.Result != nil {
			model = s.outcome.Result.Model
		}
		ev.Int("index", i).
			Str("idempotency_key", s.key).
			Str("fate", string(s.log.Fate)).
			Str("reason", s.log.Reason).
			Str("model", model).
			Msg("Entry processed")
	}

	if err := in.store.TouchCredential(ctx, cred.CredentialID, in.now(), req.Origin); err != nil {
		log.Warn().Err(err).Msg("Failed to record credential use")
	}

	log.Info().
		Int("appended", result.Appended).
		Int("skipped", result.Skipped).
		Int("errors", result.Errors).
		Msg("Batch complete")
	return result, nil
}

func (in *Ingestor) authenticate(ctx context.Context, key string) (*domain.Credential, error) {
	if strings.TrimSpace(key) == "" {
		return nil, &AuthenticationError{Reason: "missing key"}
	}
	cred, err := in.store.ResolveCredential(ctx, HashCredential(key))
	if errors.Is(err, store.ErrNotFound) {
		return nil, &AuthenticationError{Reason: "invalid or revoked key"}
	}
	if err != nil {
		return nil, fmt.Errorf("Ingest: resolving credential: %w", err)
	}
	if !cred.Active() {
		return nil, &AuthenticationError{Reason: "invalid or revoked key"}
	}
	return cred, nil
}

func (in *Ingestor) loadBatchContext(ctx context.Context, cred *domain.Credential, req IngestRequest) (*batchContext, error) {
	loc := in.cfg.Location
	if cred.Timezone != "" {
		if l, err := time.LoadLocation(cred.Timezone); err == nil {
			loc = l
		}
	}

	mode := req.Mode
	if mode == "" {
		mode = domain.ModeBatch
		if len(req.Entries) == 1 {
			mode = domain.ModeShortcut
		}
	}

	patterns, err := in.store.ListMerchantPatterns(ctx, cred.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("Ingest: loading merchant patterns: %w", err)
	}
	recipients, err := in.store.ListRecipients(ctx, cred.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("Ingest: loading recipients: %w", err)
	}
	facts, err := in.store.ListRecentFacts(ctx, cred.OwnerID, in.cfg.RecentFacts)
	if err != nil {
		return nil, fmt.Errorf("Ingest: loading context facts: %w", err)
	}

	return &batchContext{
		ownerID: cred.OwnerID,
		loc:     loc,
		mode:    mode,
		lookup:  NewLookup(patterns, recipients),
		facts:   facts,
		seen:    make(map[string]bool),
	}, nil
}

func (s *entryState) finish(fate Fate, reason string) bool {
	s.log.Fate = fate
	s.log.Reason = reason
	return true
}

func (in *Ingestor) checkEmpty(ctx context.Context, b *batchContext, s *entryState) bool {
	if strings.TrimSpace(s.entry.SMS) == "" {
		return s.finish(FateSkipped, ReasonEmpty)
	}
	return false
}

func (in *Ingestor) assignKey(ctx context.Context, b *batchContext, s *entryState) bool {
	at, err := ParseTimestamp(s.entry.Timestamp, b.loc, in.now)
	if err != nil {
		return s.finish(FateError, "Validation: "+err.Error())
	}
	s.occurredAt = at
	s.key = IdempotencyKey(s.entry.SMS, at, b.loc)
	s.log.Key = s.key
	return false
}

func (in *Ingestor) checkDuplicate(ctx context.Context, b *batchContext, s *entryState) bool {
	// Only stored keys are marked seen, so a copy of a failed entry gets its own attempt.
	if b.seen[s.key] {
		return s.finish(FateSkipped, ReasonDuplicate)
	}

	exists, err := in.store.HasIdempotencyKey(ctx, b.ownerID, s.key)
	if err != nil {
		// The unique constraint at insert time still guards against duplicates.
		in.logger.Warn().Err(err).Str("idempotency_key", s.key).Msg("Duplicate check failed")
		return false
	}
	if exists {
		return s.finish(FateSkipped, ReasonDuplicate)
	}
	return false
}

func (in *Ingestor) runExtraction(ctx context.Context, b *batchContext, s *entryState) bool {
	req := extract.Request{
		Text:            s.entry.SMS,
		OccurredAt:      s.occurredAt,
		Time:            in.cfg.Calendar.TimeContext(s.occurredAt),
		DefaultCurrency: in.cfg.DefaultCurrency,
		Patterns:        b.lookup.Patterns(),
		FamilyHints:     b.lookup.FamilyHints(),
		Facts:           b.facts,
	}

	outcome, err := in.extractor.Extract(ctx, req)
	s.outcome = outcome
	if outcome != nil && in.archiver != nil && len(outcome.Attempts) > 0 {
		if aerr := in.archiver.Archive(ctx, b.ownerID, s.key, outcome.Attempts); aerr != nil {
			in.logger.Warn().Err(aerr).Str("idempotency_key", s.key).Msg("Failed to archive model output")
		}
	}
	if err != nil {
		return s.finish(FateError, (&ExtractionError{Err: err}).Error())
	}
	if outcome == nil || outcome.Result == nil {
		return s.finish(FateError, (&ExtractionError{Err: errors.New("empty result")}).Error())
	}

	if outcome.Result.Skip {
		reason := strings.TrimSpace(outcome.Result.SkipReason)
		if reason == "" {
			reason = "not a transaction"
		}
		return s.finish(FateSkipped, "Skipped by model: "+reason)
	}
	return false
}

func (in *Ingestor) resolve(ctx context.Context, b *batchContext, s *entryState) bool {
	s.resolution = Resolve(s.outcome.Result, s.entry.SMS, s.entry.Override, b.lookup)
	return false
}

func (in *Ingestor) validate(ctx context.Context, b *batchContext, s *entryState) bool {
	r := s.outcome.Result
	res := s.resolution

	txnType := strings.ToLower(strings.TrimSpace(r.TxnType))
	if txnType == "" {
		txnType = "other"
	}

	tx := &domain.Transaction{
		OwnerID:      b.ownerID,
		OccurredAt:   s.occurredAt,
		Counterparty: res.Counterparty,
		Card:         strings.TrimSpace(r.Card),
		TxnType:      txnType,
		Category:     res.Category,
		Subcategory:  res.Subcategory,
		Confidence:   res.Confidence,
		Context: domain.TransactionContext{
			Reasoning: r.Reasoning,
			Time:      in.cfg.Calendar.TimeContext(s.occurredAt),
		},
		RawText:        truncateRunes(s.entry.SMS, in.cfg.RawTextLimit),
		IdempotencyKey: s.key,
		Model:          r.Model,
		Mode:           b.mode,
	}

	if err := validateTransaction(tx, r.Amount, r.Direction, r.Currency, in.cfg.DefaultCurrency); err != nil {
		return s.finish(FateError, "Validation: "+err.Error())
	}
	s.tx = tx
	return false
}

func (in *Ingestor) persist(ctx context.Context, b *batchContext, s *entryState) bool {
	err := in.store.InsertTransaction(ctx, s.tx)
	if errors.Is(err, store.ErrDuplicate) {
		b.seen[s.key] = true
		return s.finish(FateSkipped, ReasonDuplicate)
	}
	if err != nil {
		return s.finish(FateError, "Persistence: "+err.Error())
	}
	b.seen[s.key] = true
	s.log.TransactionID = s.tx.TransactionID

	if in.cfg.LearnPatterns {
		in.learnPattern(ctx, b, s)
	}
	return s.finish(FateAppended, "Appended")
}

// learnPattern stores a confident model categorization as a new pattern when
// nothing matched. Failures only log.
func (in *Ingestor) learnPattern(ctx context.Context, b *batchContext, s *entryState) {
	res := s.resolution
	if res.Source != SourceAI || res.Confidence != domain.ConfidenceHigh || res.Category == domain.CategoryOther {
		return
	}
	pattern := domain.NormalizePattern(s.tx.Counterparty)
	if utf8.RuneCountInString(pattern) < 3 {
		return
	}

	p := &domain.MerchantPattern{
		OwnerID:          b.ownerID,
		Pattern:          pattern,
		DisplayName:      s.tx.Counterparty,
		ConsolidatedName: s.tx.Counterparty,
		Category:         res.Category,
		Subcategory:      res.Subcategory,
		Source:           domain.PatternSourceLearned,
	}
	if err := in.store.UpsertMerchantPattern(ctx, p); err != nil {
		in.logger.Warn().Err(err).Str("pattern", pattern).Msg("Failed to learn merchant pattern")
		return
	}
	b.lookup = NewLookup(append(b.lookup.Patterns(), p), b.lookup.recipients)
}

// timestampLayouts are tried, in order, for timestamps without a zone.
var timestampLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
}

// ParseTimestamp accepts RFC3339 or a zone-less local time interpreted in loc.
// An empty value means now.
func ParseTimestamp(s string, loc *time.Location, now func() time.Time) (time.Time, error) {
	v := strings.TrimSpace(s)
	if v == "" {
		return now().In(loc), nil
	}
	if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
		return t.In(loc), nil
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, v, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, &ValidationError{Field: "timestamp", Reason: fmt.Sprintf("unrecognized format %q", s)}
}

func truncateRunes(s string, limit int) string {
	if limit <= 0 || utf8.RuneCountInString(s) <= limit {
		return s
	}
	r := []rune(s)
	return string(r[:limit])
}
