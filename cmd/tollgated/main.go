// Command tollgated serves the Tollgate billing API over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xraph/tollgate"
	"github.com/xraph/tollgate/api"
	audithook "github.com/xraph/tollgate/audit_hook"
	"github.com/xraph/tollgate/journal"
	"github.com/xraph/tollgate/observability"
	"github.com/xraph/tollgate/store"
	"github.com/xraph/tollgate/store/memory"
	"github.com/xraph/tollgate/store/mongo"
	"github.com/xraph/tollgate/store/postgres"
)

func main() {
	configPath := flag.String("config", os.Getenv("TOLLGATE_CONFIG"), "path to the YAML config file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	if err := run(*configPath, logger); err != nil {
		logger.Error("tollgated exited", "error", err)
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	engine := tollgate.New(st, engineOptions(cfg, logger, reg)...)
	if err := engine.Start(ctx); err != nil {
		_ = st.Close()
		return fmt.Errorf("start engine: %w", err)
	}
	defer func() {
		if err := engine.Stop(); err != nil {
			logger.Error("engine stop failed", "error", err)
		}
	}()

	gin.SetMode(gin.ReleaseMode)
	router := api.NewRouter(engine, cfg.BasePath)
	if cfg.Metrics.Enabled {
		router.GET(cfg.Metrics.Path, gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}

	srv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("tollgated listening", "addr", cfg.Listen, "store", cfg.Store.Driver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

func engineOptions(cfg Config, logger *slog.Logger, reg prometheus.Registerer) []tollgate.Option {
	opts := []tollgate.Option{
		tollgate.WithLogger(logger),
		tollgate.WithCurrency(cfg.Currency),
		tollgate.WithSplit(journal.Split{OperatorBasisPoints: cfg.OperatorShareBasisPoints}),
		tollgate.WithRateCacheTTL(cfg.RateCacheTTL),
		tollgate.WithBillingTick(cfg.BillingTick),
	}
	if cfg.Store.SkipMigrate {
		opts = append(opts, tollgate.WithoutMigrate())
	}
	if cfg.Metrics.Enabled {
		opts = append(opts, tollgate.WithPlugin(observability.NewMetricsExtension(observability.NewPrometheusFactory(reg))))
	}
	if cfg.Audit.Enabled {
		opts = append(opts, tollgate.WithPlugin(audithook.New(
			logRecorder(logger.With("component", "audit")),
			audithook.WithLogger(logger),
			audithook.WithMinSeverity(cfg.Audit.MinSeverity),
		)))
	}
	return opts
}

func openStore(ctx context.Context, cfg StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case driverPostgres:
		return postgres.Open(ctx, cfg.DSN)
	case driverMongo:
		return mongo.Open(ctx, cfg.DSN, cfg.Database)
	default:
		return memory.New(), nil
	}
}

// logRecorder writes audit events as structured log lines.
func logRecorder(logger *slog.Logger) audithook.Recorder {
	return audithook.RecorderFunc(func(ctx context.Context, ev *audithook.AuditEvent) error {
		level := slog.LevelInfo
		switch ev.Severity {
		case audithook.SeverityWarning:
			level = slog.LevelWarn
		case audithook.SeverityCritical:
			level = slog.LevelError
		}
		logger.Log(ctx, level, ev.Action,
			"resource", ev.Resource,
			"resource_id", ev.ResourceID,
			"category", ev.Category,
			"outcome", ev.Outcome,
			"reason", ev.Reason,
			"metadata", ev.Metadata,
		)
		return nil
	})
}
