// Package main provides the entry point for the evidence service HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/clinagent/evidence-service/internal/config"
	"github.com/clinagent/evidence-service/internal/embedding"
	"github.com/clinagent/evidence-service/internal/language"
	"github.com/clinagent/evidence-service/internal/llm"
	"github.com/clinagent/evidence-service/internal/observability"
	"github.com/clinagent/evidence-service/internal/pipeline"
	"github.com/clinagent/evidence-service/internal/search"
	httpserver "github.com/clinagent/evidence-service/internal/server/http"
	"github.com/clinagent/evidence-service/internal/vectorstore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration.
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// Set up structured logging.
	logger := observability.NewLogger(observability.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		Output:     cfg.Logging.Output,
		AddSource:  cfg.Logging.AddSource,
		TimeFormat: cfg.Logging.TimeFormat,
	})
	logger = logger.With().Str("component", "server").Logger()
	logger.Info().Msg("evidence-service starting")

	// Set up context with graceful shutdown via OS signals.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *observability.Metrics
	if cfg.Metrics.Enabled {
		metrics = observability.NewMetrics("evidence")
	}

	// Connect to the Qdrant vector store.
	store, err := vectorstore.NewClient(vectorstore.Config{
		Address:         cfg.Qdrant.Address,
		APIKey:          cfg.Qdrant.APIKey,
		PaperCollection: cfg.Qdrant.PaperCollection,
		FactCollection:  cfg.Qdrant.FactCollection,
		PaperVectorName: cfg.Qdrant.PaperVectorName,
		FactVectorName:  cfg.Qdrant.FactVectorName,
		ScrollLimit:     cfg.Qdrant.ScrollLimit,
	})
	if err != nil {
		return fmt.Errorf("connect to vector store: %w", err)
	}
	defer func() {
		if closeErr := store.Close(); closeErr != nil {
			logger.Error().Err(closeErr).Msg("failed to close vector store client")
		}
	}()
	logger.Info().Str("address", cfg.Qdrant.Address).Msg("vector store client created")

	// Embedding service client.
	embedder, err := embedding.NewClient(embedding.Config{
		BaseURL:    cfg.Embedding.BaseURL,
		APIKey:     cfg.Embedding.APIKey,
		Timeout:    cfg.Embedding.Timeout,
		RateLimit:  cfg.Embedding.RateLimit,
		BurstSize:  cfg.Embedding.BurstSize,
		MaxRetries: cfg.Embedding.MaxRetries,
		RetryDelay: cfg.Embedding.RetryDelay,
	})
	if err != nil {
		return fmt.Errorf("create embedding client: %w", err)
	}

	// Completion client plus the cold-start retry caller every pipeline
	// model call funnels through.
	completionClient, err := llm.NewClient(llm.Config{
		BaseURL:   cfg.LLM.BaseURL,
		APIKey:    cfg.LLM.APIKey,
		Model:     cfg.LLM.Model,
		MaxTokens: cfg.LLM.MaxTokens,
		Timeout:   cfg.LLM.Timeout,
	})
	if err != nil {
		return fmt.Errorf("create completion client: %w", err)
	}
	caller := llm.NewCaller(completionClient, llm.RetryPolicy{
		MaxAttempts:    cfg.LLM.MaxAttempts,
		InitialBackoff: cfg.LLM.InitialBackoff,
		MaxBackoff:     cfg.LLM.MaxBackoff,
	}, logger, metrics)

	// Translation is best-effort and skips the retry caller.
	translator := language.NewTranslator(completionClient, cfg.LLM.TranslationMaxTokens, logger, metrics)

	engine := search.NewEngine(store, embedder, search.Options{
		TopK:            cfg.Search.TopK,
		CandidateWindow: cfg.Search.CandidateWindow,
		FactsPerPaper:   cfg.Search.FactsPerPaper,
		Weights: search.BonusWeights{
			High:   cfg.Search.HighWeight,
			Medium: cfg.Search.MediumWeight,
			Low:    cfg.Search.LowWeight,
			Cap:    cfg.Search.BonusCap,
		},
	}, logger, metrics)

	cleaner := pipeline.NewCleaner()
	analyzer := pipeline.NewAnalyzer(caller, cleaner, logger, metrics)
	synthesizer := pipeline.NewSynthesizer(caller, cleaner, logger, metrics)
	ragPipeline := pipeline.New(translator, engine, analyzer, synthesizer, logger, metrics)

	httpCfg := httpserver.Config{
		Address:         cfg.Server.HTTPAddress(),
		ReadTimeout:     cfg.Server.ReadTimeout,
		WriteTimeout:    cfg.Server.WriteTimeout,
		IdleTimeout:     2 * time.Minute,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		ProgressBuffer:  cfg.Pipeline.ProgressBuffer,
		ProgressWait:    cfg.Pipeline.ProgressWait,
	}
	httpSrv := httpserver.NewServer(httpCfg, ragPipeline, store, embedder, completionClient, logger, metrics)

	// Prometheus metrics on a separate port.
	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:         cfg.Server.MetricsAddress(),
			Handler:      metricsMux,
			ReadTimeout:  cfg.Server.ReadTimeout,
			WriteTimeout: 30 * time.Second,
		}
	}

	errCh := make(chan error, 2)

	go func() {
		if err := httpSrv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server error: %w", err)
		}
	}()

	if metricsServer != nil {
		go func() {
			logger.Info().Str("address", metricsServer.Addr).Msg("metrics server starting")
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("metrics server error: %w", err)
			}
		}()
	}

	readyLog := logger.Info().Str("http_address", httpCfg.Address)
	if metricsServer != nil {
		readyLog = readyLog.Str("metrics_address", metricsServer.Addr)
	}
	readyLog.Msg("evidence-service is ready")

	// Wait for shutdown signal or server error.
	select {
	case <-ctx.Done():
		logger.Info().Msg("received shutdown signal")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server error")
		return err
	}

	logger.Info().Msg("shutting down evidence-service")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown error")
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("metrics server shutdown error")
		}
	}

	logger.Info().Msg("evidence-service stopped")
	return nil
}
