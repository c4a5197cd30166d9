// Package main is the entry point for flagz-watch, a small daemon that runs
// a flagz client against the evaluation service and logs every flag change.
//
// The startup sequence is:
//  1. Load configuration from environment variables.
//  2. Open the configured storage backend.
//  3. Start the client (cached flags, bootstrap, first fetch).
//  4. Serve /healthz, /metrics and /flags on the debug address.
//  5. Wait for SIGINT/SIGTERM, then stop the server and the client.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/errgroup"

	"github.com/matt-riley/flagz-go"
	"github.com/matt-riley/flagz-go/internal/config"
	"github.com/matt-riley/flagz-go/internal/logging"
	"github.com/matt-riley/flagz-go/internal/metrics"
	"github.com/matt-riley/flagz-go/internal/tracing"
)

const (
	shutdownTimeout       = 10 * time.Second
	httpReadHeaderTimeout = 5 * time.Second
	httpReadTimeout       = 30 * time.Second
	httpIdleTimeout       = 2 * time.Minute
)

func main() {
	if err := run(); err != nil {
		slog.Error("flagz-watch failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logging.NewWithFormat(cfg.LogLevel, logging.Format(cfg.LogFormat), os.Stderr)
	slog.SetDefault(log)

	shutdownTracer, err := tracing.Init(context.Background())
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(ctx); err != nil {
			log.Error("tracer shutdown error", "err", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	backend, err := openStorage(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.close(); err != nil {
			log.Error("storage close error", "err", err)
		}
	}()

	bootstrap, err := loadBootstrap(cfg.BootstrapFile)
	if err != nil {
		return err
	}

	client, err := flagz.New(clientConfig(cfg, backend, bootstrap, log))
	if err != nil {
		return fmt.Errorf("init client: %w", err)
	}
	if backend.pool != nil {
		if err := client.RegisterMetrics(metrics.PoolCollectors(backend.pool)...); err != nil {
			return fmt.Errorf("register pool metrics: %w", err)
		}
	}
	logChanges(client, log)

	if err := client.Start(ctx); err != nil {
		return fmt.Errorf("start client: %w", err)
	}
	defer client.Stop()

	debugServer := &http.Server{
		Addr:              cfg.DebugAddr,
		Handler:           otelhttp.NewHandler(newDebugHandler(client, log), "flagz-watch-debug"),
		ReadHeaderTimeout: httpReadHeaderTimeout,
		ReadTimeout:       httpReadTimeout,
		IdleTimeout:       httpIdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := debugServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve debug HTTP: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("flagz-watch shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := debugServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("shutdown debug HTTP: %w", err)
		}
		return nil
	})

	log.Info("flagz-watch started",
		"debug_addr", cfg.DebugAddr,
		"storage", cfg.Storage,
		"offline", cfg.Offline,
		"ready", client.Ready(),
	)
	return g.Wait()
}

func clientConfig(cfg config.Config, backend storageBackend, bootstrap []flagz.EvaluatedFlag, log *slog.Logger) flagz.Config {
	return flagz.Config{
		APIURL:              cfg.APIURL,
		APIToken:            cfg.APIToken,
		AppName:             cfg.AppName,
		Environment:         cfg.Environment,
		Headers:             cfg.Headers,
		RefreshInterval:     cfg.RefreshInterval,
		MetricsInterval:     cfg.MetricsInterval,
		MetricsInitialDelay: cfg.MetricsInitialDelay,
		InitialBackoff:      cfg.InitialBackoff,
		MaxBackoff:          cfg.MaxBackoff,
		NonRetryableStatus:  cfg.NonRetryableStatus,
		Offline:             cfg.Offline,
		ExplicitSync:        cfg.ExplicitSync,
		DisableMetrics:      cfg.DisableMetrics,
		Bootstrap:           bootstrap,
		Storage:             backend.store,
		StoragePrefix:       cfg.StoragePrefix,
		Logger:              log,
	}
}

func loadBootstrap(path string) ([]flagz.EvaluatedFlag, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read bootstrap file: %w", err)
	}
	flags, err := flagz.ParseBootstrap(data)
	if err != nil {
		return nil, fmt.Errorf("bootstrap file %s: %w", path, err)
	}
	return flags, nil
}

// logChanges writes one log line per flag change and per fetch failure.
func logChanges(client *flagz.Client, log *slog.Logger) {
	client.On(flagz.EventChange, func(payload any) {
		flags, ok := payload.([]flagz.EvaluatedFlag)
		if !ok {
			return
		}
		for _, f := range flags {
			log.Info("flag changed",
				"flag", f.Name,
				"enabled", f.Enabled,
				"variant", f.Variant.Name,
				"version", f.Version,
			)
		}
	})
	client.On(flagz.EventRemoved, func(payload any) {
		if names, ok := payload.([]string); ok {
			log.Info("flags removed", "flags", names)
		}
	})
	client.On(flagz.EventError, func(payload any) {
		event, ok := payload.(flagz.ErrorEvent)
		if !ok {
			return
		}
		log.Warn("fetch failed",
			"reason", event.Message,
			"status", event.StatusCode,
			"failures", event.ConsecutiveFailures,
			"retry_in", event.RetryIn,
			"polling_stopped", event.PollingStopped,
		)
	})
	client.On(flagz.EventRecovered, func(any) {
		log.Info("fetching recovered")
	})
}
