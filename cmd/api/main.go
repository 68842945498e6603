package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dvloznov/smsledger/internal/api/handlers"
	"github.com/dvloznov/smsledger/internal/api/middleware"
	"github.com/dvloznov/smsledger/internal/bootstrap"
	"github.com/dvloznov/smsledger/internal/config"
	"github.com/dvloznov/smsledger/internal/logger"
)

func main() {
	// Parse command-line flags
	var (
		configPath = flag.String("config", os.Getenv("SMSLEDGER_CONFIG"), "Path to a YAML config file (or set SMSLEDGER_CONFIG env)")
		port       = flag.String("port", "", "HTTP server port (overrides server.port)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		l := logger.New()
		l.Fatal().Err(err).Msg("Failed to load config")
	}
	if *port != "" {
		cfg.Server.Port = *port
	}

	// Initialize logger
	log := logger.NewWithOptions(cfg.Log.Level, cfg.Log.Format)

	if cfg.Auth.JWTSecret == "" {
		log.Warn().Msg("No JWT secret configured - session endpoints will reject every request")
	}

	ctx := context.Background()
	app, err := bootstrap.New(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize services")
	}

	// Start worker in background to process historical rewrites
	workerCtx, cancelWorker := context.WithCancel(ctx)
	defer cancelWorker()
	if err := app.StartWorkers(workerCtx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start job worker")
	}

	// Initialize handlers
	ingestHandler := handlers.NewIngestHandler(app.Ingestor, log)
	correctionsHandler := handlers.NewCorrectionsHandler(app.Corrector, log)
	transactionsHandler := handlers.NewTransactionsHandler(app.Store, app.Store, app.SyncGate, cfg.Location(), cfg.Locale.Currency, log)
	contextHandler := handlers.NewContextHandler(app.Store, app.Store, log)
	jobsHandler := handlers.NewJobsHandler(app.JobStore, log)

	// Session routes sit behind bearer-token auth.
	protected := http.NewServeMux()

	protected.HandleFunc("/api/corrections", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			correctionsHandler.Correct(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	protected.HandleFunc("/api/transactions", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			transactionsHandler.ListTransactions(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	protected.HandleFunc("/api/patterns", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			contextHandler.ListPatterns(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	protected.HandleFunc("/api/context", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			contextHandler.Remember(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Jobs endpoints
	protected.HandleFunc("/api/jobs", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			jobsHandler.ListJobs(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	protected.HandleFunc("/api/jobs/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			// Extract job ID from path
			jobID := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
			if jobID == "" {
				middleware.WriteError(w, http.StatusBadRequest, "Job ID is required")
				return
			}
			jobsHandler.GetJob(w, r, jobID)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Create router
	mux := http.NewServeMux()
	mux.Handle("/api/", middleware.Auth([]byte(cfg.Auth.JWTSecret))(protected))

	// Ingestion authenticates with its own API key.
	mux.HandleFunc("/api/ingest", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			ingestHandler.Ingest(w, r)
		} else {
			middleware.WriteError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	})

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		middleware.WriteJSON(w, http.StatusOK, map[string]string{
			"status":  "healthy",
			"backend": cfg.Store.Backend,
			"time":    time.Now().Format(time.RFC3339),
		})
	})

	// Apply middleware
	handler := middleware.Recovery(log)(
		middleware.Logger(log)(
			middleware.RequestID(
				middleware.CORS(mux),
			),
		),
	)

	// Create HTTP server
	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Info().Str("port", cfg.Server.Port).Str("backend", cfg.Store.Backend).Msg("Starting API server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Wait for in-flight rewrites, then close the store
	if err := app.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error releasing resources")
	}
	cancelWorker()

	log.Info().Msg("Server exited")
}
