package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/livepeer/face-editor/catalog"
	"github.com/livepeer/face-editor/config"
	"github.com/livepeer/face-editor/jobs"
	"github.com/livepeer/face-editor/logging"
	"github.com/livepeer/face-editor/server"
	"github.com/livepeer/face-editor/worker"
)

const shutdownTimeout = 30 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "webui:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := logging.New(cfg.AppEnv, os.Stdout)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return fmt.Errorf("load catalog: %w", err)
	}
	if _, err := cat.Methods(cfg.EditorModel); err != nil {
		return fmt.Errorf("EDITOR_MODEL: %w", err)
	}

	editor, err := newEditor(cfg, cat)
	if err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := editor.Stop(stopCtx); err != nil {
			logger.Error().Err(err).Msg("Error stopping runner containers")
		}
	}()

	if cfg.WarmRunner {
		logger.Info().Str("model", cfg.EditorModel).Msg("Warming up runner")
		if err := editor.Warm(ctx, cfg.EditorModel); err != nil {
			return fmt.Errorf("warm runner: %w", err)
		}
	}

	manager, err := jobs.NewManager(jobs.Config{
		Editor:    editor,
		Catalog:   cat,
		Workers:   cfg.Workers,
		QueueSize: cfg.QueueSize,
		WorkDir:   cfg.WorkDir,
		Device:    cfg.Device,
		Logger:    logger.With().Str("component", "jobs").Logger(),
		LogOutput: logging.Writer(cfg.AppEnv, os.Stdout),
	})
	if err != nil {
		return fmt.Errorf("create job manager: %w", err)
	}

	srv, err := server.New(server.Config{
		Jobs:           manager,
		Catalog:        cat,
		Model:          cfg.EditorModel,
		Logger:         logger.With().Str("component", "http").Logger(),
		AllowedOrigins: cfg.AllowedOrigins,
		MaxUploadBytes: cfg.MaxUploadBytes,
		MaxImagePixels: cfg.MaxImagePixels,
	})
	if err != nil {
		return fmt.Errorf("create server: %w", err)
	}

	httpServer := &http.Server{
		Addr:         ":" + strconv.Itoa(cfg.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  cfg.HTTPReadTimeout,
		WriteTimeout: cfg.HTTPWriteTimeout,
		IdleTimeout:  cfg.HTTPIdleTimeout,
	}

	go pruneJobs(ctx, manager, cfg.JobRetention, logger)

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Str("model", cfg.EditorModel).Msg("Face editor UI listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	if err := manager.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Job workers did not stop in time")
	}
	return nil
}

// newEditor prefers an external runner and falls back to containers
// managed on the configured GPUs.
func newEditor(cfg config.Config, cat *catalog.Catalog) (*worker.Editor, error) {
	editorCfg := worker.EditorConfig{ModelDir: cfg.ModelDir}
	if cfg.RunnerURL != "" {
		editorCfg.External = map[string]worker.RunnerEndpoint{
			cfg.EditorModel: {URL: cfg.RunnerURL, Token: cfg.RunnerToken},
		}
	} else {
		image := cfg.RunnerImage
		if image == "" {
			image = cat.Image(cfg.EditorModel)
		}
		editorCfg.Images = map[string]string{cfg.EditorModel: image}
		editorCfg.GPUs = cfg.GPUs
	}

	editor, err := worker.NewEditor(editorCfg)
	if err != nil {
		return nil, fmt.Errorf("create editor: %w", err)
	}
	return editor, nil
}

func pruneJobs(ctx context.Context, manager *jobs.Manager, retention time.Duration, logger zerolog.Logger) {
	if retention <= 0 {
		return
	}

	interval := retention / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := manager.Prune(now.Add(-retention)); n > 0 {
				logger.Debug().Int("remaining", manager.Len()).Msg("Job table pruned")
			}
		}
	}
}
