package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"clinicrm/internal/config"
	"clinicrm/internal/db"
	"clinicrm/internal/engine"
	"clinicrm/internal/metrics"
	"clinicrm/internal/migrate"
	"clinicrm/internal/queue"
)

type Options struct {
	Workspace string
	// ConfigPath overrides <workspace>/clinicrm.yml.
	ConfigPath string
	LogLevel   string
	LogFormat  string
	LogOutput  io.Writer
}

// App holds the wired collaborators of one process.
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
	Queue     queue.Queue
	Runner    queue.Runner
	Inspector queue.Inspector
	Registry  *prometheus.Registry
	Metrics   *metrics.Metrics
	Logger    *slog.Logger

	nats *nats.Conn
}

// Open loads config, opens and migrates the database, and builds the
// engine on the configured queue backend.
func Open(ctx context.Context, opts Options) (*App, error) {
	cfg, err := LoadConfig(opts.Workspace, opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	logger := NewLogger(opts.LogOutput, opts.LogFormat, opts.LogLevel)
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	a := &App{Config: cfg, DB: conn, Registry: reg, Metrics: m, Logger: logger}
	if err := a.openQueue(ctx); err != nil {
		conn.Close()
		return nil, err
	}

	e := engine.New(conn, cfg)
	e.Logger = logger
	e.Metrics = m
	e.Dispatcher = &engine.Dispatcher{
		Queue:   a.Queue,
		Policy:  PolicyFromConfig(cfg.Queue.Policy),
		Logger:  logger,
		Metrics: m,
		Events:  e.Events,
	}
	a.Engine = e
	return a, nil
}

func (a *App) openQueue(ctx context.Context) error {
	qc := a.Config.Queue
	switch qc.Backend {
	case "jetstream":
		nc, err := queue.ConnectNATS(ctx, qc.NATSURL, 30*time.Second, a.Logger)
		if err != nil {
			return err
		}
		js, err := queue.NewJetStreamQueue(ctx, nc, qc.Stream, a.Logger, a.Metrics)
		if err != nil {
			nc.Close()
			return err
		}
		js.Workers = qc.Workers
		a.nats = nc
		a.Queue, a.Runner, a.Inspector = js, js, js
	default:
		q := &queue.SQLQueue{
			DB:           a.DB,
			Logger:       a.Logger,
			Metrics:      a.Metrics,
			Workers:      qc.Workers,
			PollInterval: qc.PollInterval,
		}
		a.Queue, a.Runner, a.Inspector = q, q, q
	}
	a.Logger.Debug("queue ready", "backend", qc.Backend)
	return nil
}

// Sweeper returns the configured expired-task sweeper.
func (a *App) Sweeper() engine.Sweeper {
	return engine.Sweeper{Engine: a.Engine, Schedule: a.Config.Sweeper.Schedule, Logger: a.Logger}
}

// RunWorkers consumes automation jobs until ctx is done.
func (a *App) RunWorkers(ctx context.Context) error {
	return a.Runner.Run(ctx, a.Engine.Handlers())
}

func (a *App) Close() error {
	if a.nats != nil {
		if err := a.nats.Drain(); err != nil {
			a.Logger.Warn("drain nats", "error", err)
		}
	}
	return a.DB.Close()
}

// LoadConfig reads path when set, the workspace config otherwise.
func LoadConfig(workspace, path string) (*config.Config, error) {
	if path != "" {
		return config.FromFile(path)
	}
	return config.Load(workspace)
}

// PolicyFromConfig maps the queue policy section onto queue.Policy.
func PolicyFromConfig(p config.PolicyConfig) queue.Policy {
	return queue.Policy{
		Attempts: p.Attempts,
		Backoff: queue.Backoff{
			Type:  queue.BackoffType(p.Backoff.Type),
			Delay: p.Backoff.Delay,
		},
		RemoveOnComplete: p.RemoveOnComplete,
		RemoveOnFail:     p.RemoveOnFail,
	}
}

// NewLogger builds the process logger. format is "text" or "json".
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// ProcessPending runs queued jobs inline until none is due. Only the SQL
// backend supports it; other backends report zero.
func (a *App) ProcessPending(ctx context.Context) (int, error) {
	q, ok := a.Queue.(*queue.SQLQueue)
	if !ok {
		return 0, nil
	}
	n := 0
	for {
		ran, err := q.ProcessNext(ctx, a.Engine.Handlers())
		if err != nil {
			return n, err
		}
		if !ran {
			return n, nil
		}
		n++
	}
}
