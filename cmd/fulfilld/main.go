// Command fulfilld runs the fulfillment core: the stock ledger, the
// script delivery sandbox and the background reconciliation sweeps.
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

	"github.com/redis/go-redis/v9"

	"github.com/auralogic/fulfillment/pkg/allocation"
	"github.com/auralogic/fulfillment/pkg/api"
	"github.com/auralogic/fulfillment/pkg/audit"
	"github.com/auralogic/fulfillment/pkg/binding"
	"github.com/auralogic/fulfillment/pkg/config"
	"github.com/auralogic/fulfillment/pkg/invoice"
	"github.com/auralogic/fulfillment/pkg/ledger"
	"github.com/auralogic/fulfillment/pkg/notify"
	"github.com/auralogic/fulfillment/pkg/observability"
	"github.com/auralogic/fulfillment/pkg/order"
	"github.com/auralogic/fulfillment/pkg/pool"
	"github.com/auralogic/fulfillment/pkg/promo"
	"github.com/auralogic/fulfillment/pkg/reconciler"
	"github.com/auralogic/fulfillment/pkg/sandbox"
	"github.com/auralogic/fulfillment/pkg/serial"
	"github.com/auralogic/fulfillment/pkg/storage"
	"github.com/auralogic/fulfillment/pkg/ticket"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "fulfilld:", err)
		os.Exit(1)
	}
}

func run() error {
	profilePath := flag.String("profile", "", "path to a YAML runtime profile")
	sweepInterval := flag.Duration("sweep-interval", time.Minute, "reconciler sweep interval")
	listenAddr := flag.String("listen", ":8080", "HTTP listen address")
	flag.Parse()

	cfg := config.Load()

	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	snapshot := config.DefaultSnapshot()
	if *profilePath != "" {
		loaded, err := config.LoadProfile(*profilePath)
		if err != nil {
			return fmt.Errorf("load profile: %w", err)
		}
		snapshot = loaded
	}
	manager := config.NewManager(snapshot)

	telemetry, err := observability.New(ctx, &observability.Config{
		ServiceName:    "fulfillment",
		ServiceVersion: "1.0.0",
		Environment:    "production",
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.TelemetryOn && cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()

	db, err := storage.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() { _ = db.Close() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	pools := pool.NewStore(db)
	stock := ledger.NewStore(db)
	bindings := binding.NewStore(db)
	orders := order.NewStore(db)
	tickets := ticket.NewStore(db)
	serials := serial.NewStore(db)
	promos := promo.NewStore(db)
	auditLog := audit.NewStore(db)

	if err := storage.InitAll(ctx, pools, stock, bindings, orders, tickets, serials, promos, auditLog); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}

	engine := sandbox.New(sandbox.NewEgressClient(5), manager.Snapshot().ScriptBudget, log)
	alloc := allocation.NewService(pools, stock, bindings, orders, engine, auditLog, log).
		WithTelemetry(telemetry)

	notifier := notify.New(rdb, nil, manager, log)
	notifier.StartDrain()
	defer notifier.Stop()

	invoices := invoice.NewService(rdb, manager)

	sweeper := reconciler.New(orders, tickets, serials, promos, alloc, auditLog, manager, *sweepInterval, log).
		WithNotifier(notifier)
	sweeper.Start()
	defer sweeper.Stop()

	server := &http.Server{
		Addr:              *listenAddr,
		Handler:           api.NewServer(alloc, stock, orders, invoices, sweeper, log).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	log.Info("fulfilld started",
		"addr", *listenAddr,
		"driver", cfg.DatabaseDriver,
		"sweep_interval", sweepInterval.String())

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
