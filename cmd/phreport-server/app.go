package main

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/phreport/internal/config"
	"github.com/ehr/phreport/internal/platform/auth"
	"github.com/ehr/phreport/internal/platform/db"
	"github.com/ehr/phreport/internal/platform/delivery"
	"github.com/ehr/phreport/internal/platform/janitor"
	"github.com/ehr/phreport/internal/platform/metrics"
	"github.com/ehr/phreport/internal/platform/middleware"
	"github.com/ehr/phreport/internal/platform/store"
	"github.com/ehr/phreport/internal/platform/validation"
	"github.com/ehr/phreport/internal/workflow"
)

// app holds the wired components shared by the sub-commands.
type app struct {
	cfg     *config.Config
	logger  zerolog.Logger
	metrics *metrics.Metrics
	pool    *pgxpool.Pool
	store   store.Store
	plans   *workflow.PlanResolver
	runner  *workflow.Runner
}

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || cfg.LogLevel == "" {
		level = zerolog.InfoLevel
	}
	return logger.Level(level)
}

// loadConfig loads and validates the configuration and builds the logger.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, newLogger(cfg), nil
}

func newApp(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, metrics: metrics.New()}

	backend, err := backendTokens(cfg)
	if err != nil {
		return nil, err
	}

	validator := validation.New(logger, cfg.ValidatorEnabled)
	var st store.Store
	switch cfg.StoreBackend {
	case config.BackendMemory:
		st = store.NewInMemoryStore(validator)
	case config.BackendPostgres:
		pool, err := openPool(ctx, cfg)
		if err != nil {
			return nil, err
		}
		a.pool = pool
		st = store.NewPostgresStore(pool, validator)
	default:
		st = store.NewFHIRClient(cfg.FHIRServerURL, outboundTokens(cfg.FHIRServerToken, backend), nil)
	}
	a.store = store.NewInstrumented(st, a.metrics)

	sender := delivery.NewSender(outboundTokens(cfg.ReportBearerToken, backend), logger, delivery.WithMetrics(a.metrics))
	a.plans = workflow.NewPlanResolver(a.store)
	a.runner = workflow.NewRunner(
		a.plans,
		workflow.NewContextManager(a.store, cfg.PatientIdentifierSystem, a.metrics, logger),
		workflow.NewInterpreter(a.store, sender, workflow.InterpreterConfig{
			PageSize: cfg.QueryPageSize,
			MaxDepth: cfg.MaxActionDepth,
			Report: workflow.ReportOptions{
				EventType:      cfg.MessageEventType,
				SourceEndpoint: cfg.SourceEndpoint,
			},
		}, a.metrics, logger),
		a.metrics,
		logger,
	)
	return a, nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func openPool(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	pool, err := db.NewPool(ctx, db.PoolConfig{
		URL:      cfg.DatabaseURL,
		Schema:   cfg.DBSchema,
		MaxConns: cfg.DBMaxConns,
		MinConns: cfg.DBMinConns,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	return pool, nil
}

// backendTokens returns the SMART backend-services token source, or nil
// when no client is configured.
func backendTokens(cfg *config.Config) (auth.TokenSource, error) {
	if !cfg.UsesBackendServices() {
		return nil, nil
	}
	key, err := auth.LoadSigningKey(cfg.BackendKeyFile)
	if err != nil {
		return nil, err
	}
	return auth.NewBackendServiceTokenSource(auth.BackendServiceConfig{
		ClientID:   cfg.BackendClientID,
		TokenURL:   cfg.BackendTokenURL,
		Scopes:     cfg.BackendScopes,
		SigningKey: key,
		KeyID:      cfg.BackendKeyID,
	})
}

// outboundTokens prefers a configured static token over backend services.
func outboundTokens(static string, backend auth.TokenSource) auth.TokenSource {
	if static != "" {
		return auth.StaticToken(static)
	}
	return backend
}

func (a *app) subscriptionDefaults() workflow.SubscriptionParams {
	return workflow.SubscriptionParams{
		PlanURL:        a.cfg.PlanDefinitionURL,
		ReportEndpoint: a.cfg.ReportEndpoint,
		NotifyEndpoint: a.cfg.NotifyEndpoint,
	}
}

func (a *app) newJanitor() (*janitor.Janitor, error) {
	return janitor.New(janitor.Config{
		Schedule:  a.cfg.JanitorSchedule,
		Grace:     a.cfg.JanitorGrace,
		Types:     a.cfg.JanitorTypes,
		TagSystem: workflow.RunTagSystem,
		BatchSize: a.cfg.QueryPageSize,
	}, a.store, a.metrics, a.logger)
}

func (a *app) newServer() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.Recovery(a.logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(a.logger))
	e.Use(middleware.Metrics(a.metrics))
	e.Use(middleware.BodyLimit(a.cfg.BodyLimit))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	if a.pool != nil {
		e.GET("/health/db", db.ReadinessHandler(db.PoolCheck(a.pool)))
	}
	e.GET("/metrics", echo.WrapHandler(a.metrics.Handler()))

	workflow.NewHandler(a.runner, a.plans, a.store, a.subscriptionDefaults(), a.logger).RegisterRoutes(e)
	return e
}

// seedPlans loads the plan directory into the store, if one is configured.
func (a *app) seedPlans(ctx context.Context, dir string) (int, error) {
	if dir == "" {
		return 0, nil
	}
	resources, err := store.LoadDir(dir)
	if err != nil {
		return 0, err
	}
	return store.Seed(ctx, a.store, resources)
}
