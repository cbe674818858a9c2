// Package app wires the orchestrator's components into a single runnable
// container: persistence, event bus, the workflow/approval/step domain
// services, the timeout manager, and the REST façade. cmd/orchestratord
// only constructs a Config and calls New; every other package stays
// ignorant of how its neighbors are assembled.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/evalgo/approvalflow/internal/config"
	"github.com/evalgo/approvalflow/pkg/adapters/rest"
	"github.com/evalgo/approvalflow/pkg/approval"
	"github.com/evalgo/approvalflow/pkg/dbtx"
	"github.com/evalgo/approvalflow/pkg/dlqstore"
	"github.com/evalgo/approvalflow/pkg/eventbus"
	"github.com/evalgo/approvalflow/pkg/handlers"
	"github.com/evalgo/approvalflow/pkg/logging"
	"github.com/evalgo/approvalflow/pkg/step"
	"github.com/evalgo/approvalflow/pkg/storage"
	"github.com/evalgo/approvalflow/pkg/telemetry"
	"github.com/evalgo/approvalflow/pkg/timeoutmgr"
	"github.com/evalgo/approvalflow/pkg/workflow"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// Store is every persistence interface the domain services need, plus
// CreateSteps for seeding a multi-step workflow's pipeline in one
// transaction. Both storage.Gateway (Postgres) and storage.Memory
// (in-process, used by tests) satisfy it.
type Store interface {
	workflow.Store
	approval.Store
	step.Store
	dlqstore.Store
	CreateSteps(ctx context.Context, tx dbtx.Tx, steps []*step.Step) error
}

// App is the fully wired service container. Run blocks serving traffic
// until ctx is cancelled, then releases every background resource (bus,
// timeout manager, database pool) it owns.
type App struct {
	Logger     *logrus.Entry
	Config     config.Config
	Echo       *echo.Echo
	Bus        *eventbus.Bus
	Manager    *timeoutmgr.Manager
	ServerConf rest.ServerConfig
	Tracer     *telemetry.Provider

	pool *pgxpool.Pool
}

// New builds the full dependency graph from cfg against a Postgres-backed
// Gateway: it connects, runs migrations, and wires every domain service.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		Service: "orchestratord",
	})

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("app: DATABASE_URL is required")
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: open migration connection: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db); err != nil {
		return nil, fmt.Errorf("app: run migrations: %w", err)
	}

	poolCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.New(poolCtx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("app: connect pgxpool: %w", err)
	}

	a, err := NewWithStore(cfg, storage.New(pool), logger)
	if err != nil {
		pool.Close()
		return nil, err
	}
	a.pool = pool
	return a, nil
}

// NewWithStore builds the dependency graph against an already-constructed
// Store, bypassing database connection and migration. The component tests
// use this to run against storage.NewMemory instead of a live Postgres
// instance; cmd/orchestratord always goes through New.
func NewWithStore(cfg config.Config, store Store, logger *logrus.Entry) (*App, error) {
	if logger == nil {
		logger = logging.New(logging.DefaultConfig())
	}

	tracer, err := telemetry.NewProvider(context.Background(), telemetry.ConfigFromEnv("orchestratord", ""))
	if err != nil {
		logger.WithError(err).Warn("app: telemetry disabled, provider init failed")
		tracer = nil
	}
	if g, ok := any(store).(*storage.Gateway); ok {
		g.WithTracer(tracer)
	}

	bus := eventbus.New(eventbus.Config{
		MaxAttempts:       cfg.EventBusMaxRetries + 1,
		InitialBackoff:    cfg.EventBusBackoffInitial,
		BackoffMultiplier: cfg.EventBusBackoffMultiplier,
		Logger:            logger,
		Tracer:            tracer,
	}, store)

	machine := workflow.New(store, bus, logger)
	tokens := approval.NewTokenService(cfg.SigningKey)
	approvals := approval.New(store, store, machine, tokens, bus, logger)

	registry := step.NewRegistry()
	registry.Register("webhook", handlers.Webhook(nil))
	executor := step.New(store, machine, approvals, registry, bus, logger)

	bus.Subscribe(eventbus.EventType(workflow.EventApprovalReceived), func(ctx context.Context, evt eventbus.Event) error {
		return executor.Run(ctx, evt.WorkflowID)
	})
	bus.Start()

	timeoutCfg := timeoutmgr.DefaultConfig()
	if cfg.TimeoutScanIntervalSeconds > 0 {
		timeoutCfg.ScanInterval = cfg.TimeoutScanInterval()
	}
	manager := timeoutmgr.New(timeoutCfg, store, store, machine, store, bus, logger).WithTracer(tracer)
	if cfg.RedisURL != "" {
		if opts, err := redis.ParseURL(cfg.RedisURL); err != nil {
			logger.WithError(err).Warn("app: invalid REDIS_URL, running timeout manager without a scan lock")
		} else {
			manager = manager.WithLock(timeoutmgr.NewRedisScanLock(redis.NewClient(opts)))
		}
	}

	serverConf := rest.DefaultServerConfig()
	if cfg.HTTPPort > 0 {
		serverConf.Port = cfg.HTTPPort
	}

	h := rest.New(machine, approvals, store, executor, cfg.BaseURL, cfg.DefaultApprovalTimeoutSeconds, logger)
	if cfg.OperatorSigningKey != "" {
		h = h.WithOperatorAuth(rest.NewOperatorTokens(cfg.OperatorSigningKey, 0))
	}
	e := rest.NewServer(h, serverConf, logger)

	return &App{
		Logger:     logger,
		Config:     cfg,
		Echo:       e,
		Bus:        bus,
		Manager:    manager,
		ServerConf: serverConf,
		Tracer:     tracer,
	}, nil
}

// Run starts the timeout manager and HTTP server and blocks until ctx is
// cancelled, then shuts both down.
func (a *App) Run(ctx context.Context) error {
	a.Manager.Start(ctx)
	defer a.Manager.Stop()

	err := rest.Run(ctx, a.Echo, a.ServerConf, a.Logger)

	a.Bus.Stop()
	if shutdownErr := a.Tracer.Shutdown(context.Background()); shutdownErr != nil {
		a.Logger.WithError(shutdownErr).Warn("app: telemetry shutdown failed")
	}
	if a.pool != nil {
		a.pool.Close()
	}
	return err
}
