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

	"github.com/joho/godotenv"

	"github.com/MimeLyc/video-product-extractor/internal/config"
	"github.com/MimeLyc/video-product-extractor/internal/obs"
	"github.com/MimeLyc/video-product-extractor/pkg/log"
)

const shutdownTimeout = 15 * time.Second

type workerPool interface {
	Start()
	Stop()
}

type scheduler interface {
	Start()
	Stop() context.Context
}

type httpServer interface {
	ListenAndServe(addr string) error
	Shutdown(ctx context.Context) error
}

func main() {
	// .env is optional; real deployments set the environment directly
	_ = godotenv.Load()
	log.InitLogger(log.ParseLevel(os.Getenv("LOG_LEVEL")))

	var opts []config.Option
	if saved, err := config.LoadRuntimeSettingsFile(config.RuntimeSettingsFilePath()); err == nil {
		opts = append(opts, config.WithRuntimeSettings(saved))
	} else if !errors.Is(err, os.ErrNotExist) {
		log.Warn("Ignoring runtime settings file: %v", err)
	}

	cfg, err := config.NewFromEnv(opts...)
	if err != nil {
		log.Fatal("Failed to load configuration: %v", err)
	}
	log.InitLogger(log.ParseLevel(cfg.Observability.LogLevel))

	shutdownObs := obs.Init(cfg.Observability.ServiceName, cfg.Providers.Mode, cfg.Observability.OTLPEndpoint)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownObs(ctx); err != nil {
			log.Warn("observability shutdown: %v", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := build(ctx, cfg)
	if err != nil {
		log.Fatal("Failed to start: %v", err)
	}
	defer app.Close()

	if err := runWithComponents(ctx, cfg, app.workers, app.scheduler, app.server); err != nil {
		log.Error("Server stopped with error: %v", err)
		os.Exit(1)
	}
}

// runWithComponents starts workers, the retention schedule and the HTTP server, and
// blocks until ctx is done or the server fails. Shutdown runs in reverse order.
func runWithComponents(ctx context.Context, cfg *config.Config, workers workerPool, cronEngine scheduler, httpSrv httpServer) error {
	workers.Start()
	cronEngine.Start()

	errCh := make(chan error, 1)
	go func() {
		log.Info("HTTP server listening on %s", cfg.HTTP.Addr)
		if err := httpSrv.ListenAndServe(cfg.HTTP.Addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("Shutting down")
	case runErr = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown: %v", err)
	}
	<-cronEngine.Stop().Done()
	workers.Stop()
	return runErr
}
