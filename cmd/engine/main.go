// Command engine launches the Outflow orchestration runtime.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sourcegraph/conc"

	"github.com/coachpo/outflow/internal/catalog"
	"github.com/coachpo/outflow/internal/clock"
	"github.com/coachpo/outflow/internal/dispatcher"
	"github.com/coachpo/outflow/internal/domain/attemptstore"
	"github.com/coachpo/outflow/internal/domain/content"
	"github.com/coachpo/outflow/internal/domain/enrollstore"
	"github.com/coachpo/outflow/internal/domain/outboxstore"
	"github.com/coachpo/outflow/internal/engine"
	"github.com/coachpo/outflow/internal/infra/bus/eventbus"
	"github.com/coachpo/outflow/internal/infra/config"
	"github.com/coachpo/outflow/internal/infra/persistence/memory"
	"github.com/coachpo/outflow/internal/infra/persistence/postgres"
	httpserver "github.com/coachpo/outflow/internal/infra/server/http"
	"github.com/coachpo/outflow/internal/infra/telemetry"
	"github.com/coachpo/outflow/internal/observability"
	"github.com/coachpo/outflow/internal/ratelimit"
	"github.com/coachpo/outflow/internal/retry"
	"github.com/coachpo/outflow/internal/scheduler"
	"github.com/coachpo/outflow/internal/sender"
	libtelemetry "github.com/coachpo/outflow/lib/telemetry"
)

const (
	defaultConfigPath            = "config/app.yaml"
	engineLoggerPrefix           = "engine "
	deadLetterCapacity           = 256
	dbConnectMaxInterval         = 15 * time.Second
	dbConnectTimeout             = 2 * time.Minute
	shutdownTimeout              = 30 * time.Second
	controlServerShutdownTimeout = 5 * time.Second
	dispatcherShutdownTimeout    = 10 * time.Second
	busShutdownTimeout           = 2 * time.Second
	telemetryShutdownTimeout     = 5 * time.Second
	controlReadHeaderTimeout     = 5 * time.Second
)

func main() {
	cfgPathFlag := parseFlags()
	ctx, cancel := newSignalContext()
	defer cancel()

	logger := newEngineLogger()
	observability.SetLogger(stdLogger{logger: logger})

	configPath := resolveConfigPath(cfgPathFlag)
	appCfg, loadedFromFile, err := config.LoadOrDefault(configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if !loadedFromFile {
		logger.Printf("configuration file not found, using defaults")
	}
	logger.Printf("configuration initialised: env=%s", appCfg.Environment)
	telemetry.SetEnvironment(appCfg.Environment)

	runtimeStore, err := config.NewRuntimeStore(appCfg.Runtime)
	if err != nil {
		logger.Fatalf("initialise runtime config: %v", err)
	}
	runtimeSnapshot := runtimeStore.Snapshot()

	_, telemetryShutdown, err := libtelemetry.Init(ctx, runtimeSnapshot.Telemetry)
	if err != nil {
		logger.Fatalf("initialize telemetry: %v", err)
	}

	sequences := loadCatalog(logger, appCfg.CatalogPath)
	logger.Printf("sequence catalog loaded: definitions=%d", sequences.Len())

	enrollments, attempts, outbox, pool := buildStores(ctx, logger, appCfg.Database)
	if pool != nil {
		defer pool.Close()
	}

	deadLetters := observability.NewDeadLetterQueue(deadLetterCapacity)
	memoryBus := eventbus.NewMemoryBus(eventbus.MemoryConfig{
		BufferSize:    runtimeSnapshot.Eventbus.BufferSize,
		FanoutWorkers: runtimeSnapshot.Eventbus.FanoutWorkers,
		DeadLetters:   deadLetters,
	})
	bus := eventbus.Bus(memoryBus)
	if outbox != nil {
		bus = eventbus.NewDurableBus(memoryBus, outbox)
	}

	clk := clock.System{}
	sched := scheduler.New(clk)
	resolver := buildResolver(sequences)

	disp, err := dispatcher.New(dispatcher.Deps{
		Clock:       clk,
		Enrollments: enrollments,
		Attempts:    attempts,
		Catalog:     sequences,
		Limiter:     ratelimit.New(clk, runtimeStore),
		Retrier:     retry.New(runtimeStore),
		Senders:     sender.LoggingRegistry(),
		Resolver:    resolver,
		Bus:         bus,
		Scheduler:   sched,
		Config:      runtimeStore,
	})
	if err != nil {
		logger.Fatalf("initialise dispatcher: %v", err)
	}

	eng := engine.New(engine.Deps{
		Clock:       clk,
		Enrollments: enrollments,
		Catalog:     sequences,
		Scheduler:   sched,
		Dispatcher:  disp,
		Bus:         bus,
		Config:      runtimeStore,
	})
	if err := eng.Rebuild(ctx); err != nil {
		logger.Fatalf("rebuild scheduler: %v", err)
	}

	var lifecycle conc.WaitGroup
	lifecycle.Go(func() {
		if err := eng.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Printf("engine run loop: %v", err)
		}
	})

	controlServer := &http.Server{
		Addr:              appCfg.Control.Addr,
		Handler:           httpserver.NewHandler(eng, attempts, runtimeStore),
		ReadHeaderTimeout: controlReadHeaderTimeout,
	}
	lifecycle.Go(func() {
		if err := controlServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("control server: %v", err)
		}
	})
	logger.Printf("control API listening on %s", controlServer.Addr)

	logger.Print("engine started; awaiting shutdown signal")
	<-ctx.Done()
	logger.Print("shutdown signal received, initiating graceful shutdown")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	shutdownStart := time.Now()
	performGracefulShutdown(shutdownCtx, logger, gracefulShutdownConfig{
		server:            controlServer,
		mainCancel:        cancel,
		lifecycle:         &lifecycle,
		dispatcher:        disp,
		bus:               bus,
		telemetryShutdown: telemetryShutdown,
	})

	logger.Printf("shutdown completed in %v", time.Since(shutdownStart))
}

func parseFlags() string {
	cfgPath := flag.String("config", "", fmt.Sprintf("Path to application configuration file (default: %s)", defaultConfigPath))
	flag.Parse()
	return *cfgPath
}

func newSignalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func newEngineLogger() *log.Logger {
	return log.New(os.Stdout, engineLoggerPrefix, log.LstdFlags|log.Lmicroseconds)
}

func resolveConfigPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return filepath.Clean(defaultConfigPath)
}

func loadCatalog(logger *log.Logger, path string) *catalog.Catalog {
	sequences, err := catalog.LoadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			logger.Printf("catalog file %s not found; starting with an empty catalog", path)
			return catalog.New()
		}
		logger.Fatalf("load catalog: %v", err)
	}
	return sequences
}

// buildResolver registers a plain notification template for every step
// variant in the catalog. Deployments with real provider integrations
// swap in their own Resolver.
func buildResolver(sequences *catalog.Catalog) content.Resolver {
	resolver := content.NewStatic()
	for _, def := range sequences.Definitions() {
		for stepIndex, step := range def.Steps {
			for _, variant := range step.Variants {
				resolver.Register(def.ID, def.Version, stepIndex, variant, content.Rendered{
					Subject: "Hello {name}",
					Body:    "Hi {name}, this is a follow-up from our team.",
				})
			}
		}
	}
	return resolver
}

// buildStores wires postgres-backed stores when a DSN is configured and
// falls back to in-memory stores otherwise. The outbox store is nil in
// memory mode: without durable storage the outbox adds nothing.
func buildStores(ctx context.Context, logger *log.Logger, cfg config.DatabaseConfig) (enrollstore.Store, attemptstore.Store, outboxstore.Store, *pgxpool.Pool) {
	if cfg.DSN == "" {
		logger.Print("no database configured; using in-memory stores")
		return memory.NewEnrollmentStore(), memory.NewAttemptStore(), nil, nil
	}

	pool, err := connectPostgres(ctx, logger, cfg.DSN)
	if err != nil {
		logger.Fatalf("connect postgres: %v", err)
	}
	postgres.ObservePoolMetrics(pool, "primary")
	store := postgres.New(pool)
	return store.Enrollments(), store.Attempts(), store.Outbox(), pool
}

// connectPostgres dials the database with exponential backoff until the
// pool answers a ping or the connect budget runs out.
func connectPostgres(ctx context.Context, logger *log.Logger, dsn string) (*pgxpool.Pool, error) {
	connectCtx, cancel := context.WithTimeout(ctx, dbConnectTimeout)
	defer cancel()

	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = dbConnectMaxInterval

	for {
		pool, err := pgxpool.New(connectCtx, dsn)
		if err == nil {
			if pingErr := pool.Ping(connectCtx); pingErr == nil {
				return pool, nil
			} else {
				err = pingErr
				pool.Close()
			}
		}

		sleep := backoffCfg.NextBackOff()
		if sleep == backoff.Stop {
			sleep = dbConnectMaxInterval
		}
		logger.Printf("database unavailable, retrying in %v: %v", sleep, err)
		select {
		case <-connectCtx.Done():
			return nil, fmt.Errorf("database connect budget exhausted: %w", err)
		case <-time.After(sleep):
		}
	}
}

type gracefulShutdownConfig struct {
	server            *http.Server
	mainCancel        context.CancelFunc
	lifecycle         *conc.WaitGroup
	dispatcher        *dispatcher.Dispatcher
	bus               eventbus.Bus
	telemetryShutdown func(context.Context) error
}

func performGracefulShutdown(ctx context.Context, logger *log.Logger, cfg gracefulShutdownConfig) {
	shutdownStep := func(name string, timeout time.Duration, fn func(context.Context) error) {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		logger.Printf("shutdown: %s...", name)
		if err := fn(stepCtx); err != nil {
			logger.Printf("shutdown: %s failed: %v", name, err)
		} else {
			logger.Printf("shutdown: %s completed", name)
		}
	}

	if cfg.server != nil {
		shutdownStep("stopping control server", controlServerShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.server.Shutdown(stepCtx)
		})
	}

	logger.Print("shutdown: cancelling main context")
	if cfg.mainCancel != nil {
		cfg.mainCancel()
	}

	if cfg.lifecycle != nil {
		shutdownStep("waiting for lifecycle goroutines", dispatcherShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.lifecycle.Wait()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return fmt.Errorf("timeout waiting for goroutines: %w", stepCtx.Err())
			}
		})
	}

	if cfg.dispatcher != nil {
		shutdownStep("draining dispatcher", dispatcherShutdownTimeout, func(stepCtx context.Context) error {
			return cfg.dispatcher.Shutdown(stepCtx)
		})
	}

	if cfg.bus != nil {
		shutdownStep("closing event bus", busShutdownTimeout, func(stepCtx context.Context) error {
			done := make(chan struct{})
			go func() {
				cfg.bus.Close()
				close(done)
			}()
			select {
			case <-done:
				return nil
			case <-stepCtx.Done():
				return stepCtx.Err()
			}
		})
	}

	if cfg.telemetryShutdown != nil {
		shutdownStep("shutting down telemetry", telemetryShutdownTimeout, cfg.telemetryShutdown)
	}
}

// stdLogger adapts the stdlib logger to the observability contract.
type stdLogger struct {
	logger *log.Logger
}

func (l stdLogger) Debug(msg string, fields ...observability.Field) { l.print("DEBUG", msg, fields) }
func (l stdLogger) Info(msg string, fields ...observability.Field)  { l.print("INFO", msg, fields) }
func (l stdLogger) Warn(msg string, fields ...observability.Field)  { l.print("WARN", msg, fields) }
func (l stdLogger) Error(msg string, fields ...observability.Field) { l.print("ERROR", msg, fields) }

func (l stdLogger) print(level, msg string, fields []observability.Field) {
	if len(fields) == 0 {
		l.logger.Printf("%s %s", level, msg)
		return
	}
	line := msg
	for _, field := range fields {
		line += fmt.Sprintf(" %s=%v", field.Key, field.Value)
	}
	l.logger.Printf("%s %s", level, line)
}
