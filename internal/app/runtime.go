// Package app assembles the long-lived runtime: database, notification
// hub and debouncer, aggregator, resolver and engine.
package app

import (
	"database/sql"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"intakeline/internal/branching"
	"intakeline/internal/clock"
	"intakeline/internal/config"
	"intakeline/internal/db"
	"intakeline/internal/engine"
	"intakeline/internal/migrate"
	"intakeline/internal/notify"
	"intakeline/internal/repo"
)

type Options struct {
	Workspace string
	Config    *config.Config
	Logger    *zap.Logger
	// Clock drives the debounce window; nil means wall time.
	Clock clock.Clock
}

type Runtime struct {
	DB        *sql.DB
	Config    *config.Config
	Logger    *zap.Logger
	Registry  *prometheus.Registry
	Hub       *notify.Hub
	Debouncer *notify.Debouncer
	Engine    engine.Engine
}

// Open opens and migrates the workspace database and wires every
// collaborator once.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.Real()
	}

	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics := notify.NewMetrics(reg)
	hub := notify.NewHub(cfg.Notifications.SubscriberBuffer, logger.Named("hub"), metrics)
	debouncer := notify.NewDebouncer(cfg.Notifications.Window, clk, hub.Publish, logger.Named("debounce"), metrics)
	store := repo.Repo{DB: conn}
	aggregator := notify.NewAggregator(store, debouncer, clk, logger.Named("aggregator"), metrics)
	resolver := branching.NewResolver(store, logger.Named("branching"), reg)

	eng := engine.New(conn, resolver, aggregator, hub, logger)
	eng.Now = clk.Now
	return &Runtime{
		DB:        conn,
		Config:    cfg,
		Logger:    logger,
		Registry:  reg,
		Hub:       hub,
		Debouncer: debouncer,
		Engine:    eng,
	}, nil
}

// Close cancels pending publishes, ends every live stream and closes the
// database.
func (r *Runtime) Close() error {
	r.Debouncer.Stop()
	r.Hub.Close()
	return r.DB.Close()
}

// NewLogger builds a zap logger from the log section of the config.
func NewLogger(cfg *config.Config) (*zap.Logger, error) {
	var zapConfig zap.Config
	if cfg.Log.Format == "console" {
		zapConfig = zap.NewDevelopmentConfig()
	} else {
		zapConfig = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(cfg.Log.Level)
	if err != nil {
		return nil, fmt.Errorf("log level: %w", err)
	}
	zapConfig.Level = level
	return zapConfig.Build()
}
