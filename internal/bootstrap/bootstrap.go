// Package bootstrap assembles the ledger services from configuration. Both
// the API server and the CLI build their dependencies here.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/smsledger/internal/archive"
	"github.com/dvloznov/smsledger/internal/config"
	"github.com/dvloznov/smsledger/internal/extract"
	infraBQ "github.com/dvloznov/smsledger/internal/infra/bigquery"
	infraMySQL "github.com/dvloznov/smsledger/internal/infra/mysql"
	"github.com/dvloznov/smsledger/internal/jobs"
	"github.com/dvloznov/smsledger/internal/jobs/inmemory"
	"github.com/dvloznov/smsledger/internal/pipeline"
	"github.com/dvloznov/smsledger/internal/store"
	storemem "github.com/dvloznov/smsledger/internal/store/inmemory"
	"github.com/rs/zerolog"
)

// App holds every long-lived service.
type App struct {
	Config *config.Config
	Log    zerolog.Logger

	Store     store.Store
	Ingestor  *pipeline.Ingestor
	Corrector *pipeline.Corrector
	SyncGate  *pipeline.SyncGate

	JobStore jobs.JobStore
	Queue    *inmemory.Queue

	// Archiver is nil when no archive bucket is configured.
	Archiver *archive.Archiver

	closers []func() error
}

// New builds an App. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*App, error) {
	app := &App{Config: cfg, Log: log}

	st, err := OpenStore(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	app.Store = st
	app.closers = append(app.closers, st.Close)

	extractor, err := NewExtractor(ctx, cfg, log)
	if err != nil {
		app.Close()
		return nil, err
	}

	var archiver pipeline.OutputArchiver
	if cfg.Archive.Bucket != "" {
		storage, err := archive.NewGCSStorage(ctx)
		if err != nil {
			app.Close()
			return nil, fmt.Errorf("New: archive storage: %w", err)
		}
		app.closers = append(app.closers, storage.Close)
		app.Archiver = archive.NewArchiver(storage, cfg.Archive.Bucket)
		archiver = app.Archiver
	} else {
		log.Warn().Msg("No archive bucket configured - raw model outputs will not be kept")
	}

	app.JobStore = inmemory.NewStore()
	app.Queue = inmemory.NewQueue(inmemory.QueueOptions{
		BufferSize: cfg.Jobs.Buffer,
		Workers:    cfg.Jobs.Workers,
		MaxRetries: cfg.Jobs.MaxRetries,
	}, app.JobStore)
	app.closers = append(app.closers, app.Queue.Close)

	app.Ingestor = pipeline.NewIngestor(st, extractor, archiver, IngestorConfig(cfg), log)
	app.Corrector = pipeline.NewCorrector(st, app.Queue, log)
	app.SyncGate = pipeline.NewSyncGate(st, cfg.Sync.Threshold, cfg.Sync.BackfillLimit, log)
	return app, nil
}

// IngestorConfig maps configuration onto the orchestrator settings.
func IngestorConfig(cfg *config.Config) pipeline.IngestorConfig {
	return pipeline.IngestorConfig{
		Location:        cfg.Location(),
		Calendar:        pipeline.NewCalendar(cfg.Locale.Weekend),
		DefaultCurrency: cfg.Locale.Currency,
		RecentFacts:     cfg.Ingest.RecentFacts,
		MaxEntries:      cfg.Ingest.MaxEntries,
		RawTextLimit:    cfg.Ingest.RawTextLimit,
		LearnPatterns:   cfg.Ingest.LearnPatterns,
	}
}

// OpenStore opens the configured storage backend.
func OpenStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	switch cfg.Store.Backend {
	case config.BackendMemory:
		log.Warn().Msg("Using in-memory store - data is lost on exit")
		return storemem.NewStore(), nil
	case config.BackendMySQL:
		repo, err := infraMySQL.Open(cfg.Store.MySQL.DSN, log)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return repo, nil
	case config.BackendBigQuery:
		repo, err := infraBQ.NewRepository(ctx, cfg.Store.BigQuery.Project, cfg.Store.BigQuery.Dataset)
		if err != nil {
			return nil, fmt.Errorf("OpenStore: %w", err)
		}
		return repo, nil
	default:
		return nil, fmt.Errorf("OpenStore: unknown backend %q", cfg.Store.Backend)
	}
}

// NewExtractor builds the tiered extractor. A tier whose provider has no API
// key is left out; with no fast tier every extraction fails with
// extract.ErrNoModel.
func NewExtractor(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*extract.Tiered, error) {
	fast, err := newModel(ctx, cfg, cfg.AI.Fast)
	if err != nil {
		return nil, fmt.Errorf("NewExtractor: fast tier: %w", err)
	}
	if fast == nil {
		log.Warn().Str("provider", cfg.AI.Fast.Provider).Msg("No API key for the fast tier - extraction disabled")
	}

	var fallback extract.Model
	if cfg.AI.Fallback.Provider != "" {
		fallback, err = newModel(ctx, cfg, cfg.AI.Fallback)
		if err != nil {
			return nil, fmt.Errorf("NewExtractor: fallback tier: %w", err)
		}
	}

	return extract.NewTiered(fast, fallback, log), nil
}

// newModel returns nil without error when the provider has no API key.
func newModel(ctx context.Context, cfg *config.Config, tier config.TierConfig) (extract.Model, error) {
	var m extract.Model
	switch tier.Provider {
	case config.ProviderGemini:
		if cfg.AI.Gemini.APIKey == "" {
			return nil, nil
		}
		g, err := extract.NewGeminiModel(ctx, cfg.AI.Gemini.APIKey, tier.Model)
		if err != nil {
			return nil, err
		}
		m = g
	case config.ProviderOpenAI:
		if cfg.AI.OpenAI.APIKey == "" {
			return nil, nil
		}
		m = extract.NewOpenAIModel(cfg.AI.OpenAI.APIKey, cfg.AI.OpenAI.BaseURL, tier.Model)
	default:
		return nil, fmt.Errorf("unknown provider %q", tier.Provider)
	}
	if cfg.AI.Timeout > 0 {
		m = &timeoutModel{Model: m, timeout: cfg.AI.Timeout}
	}
	return m, nil
}

// timeoutModel bounds every Generate call.
type timeoutModel struct {
	extract.Model
	timeout time.Duration
}

func (m *timeoutModel) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.Model.Generate(ctx, prompt)
}

// StartWorkers runs queued historical rewrites until ctx is cancelled.
func (a *App) StartWorkers(ctx context.Context) error {
	a.Log.Info().Int("workers", a.Config.Jobs.Workers).Msg("Starting job worker")
	return a.Queue.Start(ctx, a.Corrector.HandleJob)
}

// Shutdown waits for in-flight jobs and releases every resource.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if a.Queue != nil {
		if err := a.Queue.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stopping job queue: %w", err))
		}
	}
	if err := a.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
