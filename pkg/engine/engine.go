// Package engine is the composition root. Open wires storage,
// migrations and every service into one Engine value that embedding
// callers drive directly.
package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jamesaphoenix/tx/pkg/anchor"
	"github.com/jamesaphoenix/tx/pkg/claim"
	"github.com/jamesaphoenix/tx/pkg/config"
	"github.com/jamesaphoenix/tx/pkg/edge"
	"github.com/jamesaphoenix/tx/pkg/events"
	"github.com/jamesaphoenix/tx/pkg/graph"
	"github.com/jamesaphoenix/tx/pkg/jsonl"
	"github.com/jamesaphoenix/tx/pkg/learning"
	"github.com/jamesaphoenix/tx/pkg/log"
	"github.com/jamesaphoenix/tx/pkg/metrics"
	"github.com/jamesaphoenix/tx/pkg/migrate"
	"github.com/jamesaphoenix/tx/pkg/run"
	"github.com/jamesaphoenix/tx/pkg/storage"
	"github.com/jamesaphoenix/tx/pkg/task"
	"github.com/jamesaphoenix/tx/pkg/worker"
)

// Engine owns one open tx database and the services running over it.
// Construct with Open, release with Close.
type Engine struct {
	cfg    config.Config
	db     *storage.DB
	logger zerolog.Logger

	broker   *events.Broker
	activity *events.Log

	tasks     *task.Service
	claims    *claim.Coordinator
	runs      *run.Service
	reaper    *run.Reaper
	workers   *worker.Registry
	learnings *learning.Store
	anchors   *anchor.Service
	edges     *edge.Service
	graph     *graph.Expander
	syncer    *jsonl.Syncer
	watcher   *jsonl.Watcher
	collector *metrics.Collector
}

// Open validates cfg, opens the database, applies pending migrations and
// starts the background loops: the event broker, the worker liveness
// monitor, the run reaper and, when auto sync is on, the file watcher.
func Open(ctx context.Context, cfg config.Config) (*Engine, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	log.Init(log.Config{Level: log.Level(cfg.Log.Level), JSONOutput: cfg.Log.JSON})
	logger := log.WithComponent("engine")

	db, err := storage.Open(cfg.DBPath)
	if err != nil {
		metrics.SetComponentHealth("storage", false, err.Error())
		return nil, fmt.Errorf("open database: %w", err)
	}
	metrics.SetComponentHealth("storage", true, "")
	if err := migrate.NewRunner(db).Run(ctx); err != nil {
		metrics.SetComponentHealth("migrations", false, err.Error())
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	metrics.SetComponentHealth("migrations", true, "")

	broker := events.NewBroker()
	broker.Start()

	learnings := learning.NewStore(db, broker, learning.NoopEmbedding{})
	learnings.SetDefaultWeights(learning.Weights{
		BM25:         cfg.Recall.BM25Weight,
		Vector:       cfg.Recall.VectorWeight,
		Recency:      cfg.Recall.RecencyWeight,
		HalfLifeDays: cfg.Recall.RecencyHalfLifeDays,
	})

	runs := run.NewService(db, broker)
	policy := run.ReapPolicy{
		StallPolicy: run.StallPolicy{
			TranscriptIdle: time.Duration(cfg.Reaper.TranscriptIdleSeconds) * time.Second,
			HeartbeatLag:   time.Duration(cfg.Reaper.HeartbeatLagSeconds) * time.Second,
		},
		ResetTask: true,
	}
	reaper := run.NewReaper(runs, policy, 0)

	workers := worker.NewRegistry(db)
	syncer := jsonl.NewSyncer(db, cfg.Sync.Dir)

	e := &Engine{
		cfg:       cfg,
		db:        db,
		logger:    logger,
		broker:    broker,
		activity:  events.NewLog(db),
		tasks:     task.NewService(db, broker),
		claims:    claim.NewCoordinator(db, cfg.Claim.Lease()),
		runs:      runs,
		reaper:    reaper,
		workers:   workers,
		learnings: learnings,
		anchors:   anchor.NewService(db, "."),
		edges:     edge.NewService(db, cfg.Edge.ExtraTypes),
		graph: graph.NewExpander(db, graph.Defaults{
			Depth:       cfg.Graph.Depth,
			DecayFactor: cfg.Graph.DecayFactor,
			MaxNodes:    cfg.Graph.MaxNodes,
		}),
		syncer: syncer,
	}

	e.collector = metrics.NewCollector(statsSource{e}, 0)

	workers.Start()
	reaper.Start()
	e.collector.Start()

	if cfg.Sync.AutoSync {
		if err := syncer.SetAutoSync(ctx, true); err != nil {
			e.Close()
			return nil, fmt.Errorf("enable auto sync: %w", err)
		}
		w := jsonl.NewWatcher(syncer, 0)
		if err := w.Start(); err != nil {
			e.Close()
			return nil, fmt.Errorf("start sync watcher: %w", err)
		}
		e.watcher = w
	}

	logger.Info().
		Str("db", cfg.DBPath).
		Str("sync_dir", syncer.Dir()).
		Bool("auto_sync", cfg.Sync.AutoSync).
		Msg("Engine opened")
	return e, nil
}

// Close stops the background loops and closes the database. Safe to call
// after a partially failed Open.
func (e *Engine) Close() error {
	if e.watcher != nil {
		e.watcher.Stop()
	}
	if e.collector != nil {
		e.collector.Stop()
	}
	if e.reaper != nil {
		e.reaper.Stop()
	}
	if e.workers != nil {
		e.workers.Stop()
	}
	if e.broker != nil {
		e.broker.Stop()
	}
	if e.db != nil {
		if err := e.db.Close(); err != nil {
			return fmt.Errorf("close database: %w", err)
		}
	}
	e.logger.Info().Msg("Engine closed")
	return nil
}

// Config returns the configuration the engine was opened with
func (e *Engine) Config() config.Config { return e.cfg }

// DB exposes the underlying database for embedding callers that need
// to run their own transactions.
func (e *Engine) DB() *storage.DB { return e.db }

// Tasks returns the task service
func (e *Engine) Tasks() *task.Service { return e.tasks }

// Claims returns the claim coordinator
func (e *Engine) Claims() *claim.Coordinator { return e.claims }

// Runs returns the run service
func (e *Engine) Runs() *run.Service { return e.runs }

// Reaper returns the stalled-run reaper
func (e *Engine) Reaper() *run.Reaper { return e.reaper }

// Workers returns the worker registry
func (e *Engine) Workers() *worker.Registry { return e.workers }

// Learnings returns the learning store
func (e *Engine) Learnings() *learning.Store { return e.learnings }

// Anchors returns the anchor service
func (e *Engine) Anchors() *anchor.Service { return e.anchors }

// Edges returns the knowledge edge service
func (e *Engine) Edges() *edge.Service { return e.edges }

// Graph returns the graph expander
func (e *Engine) Graph() *graph.Expander { return e.graph }

// Syncer returns the JSONL replication syncer
func (e *Engine) Syncer() *jsonl.Syncer { return e.syncer }

// Watcher returns the auto-sync file watcher, nil unless auto sync was
// enabled at open.
func (e *Engine) Watcher() *jsonl.Watcher { return e.watcher }

// Events returns the live event broker
func (e *Engine) Events() *events.Broker { return e.broker }

// Activity returns the durable event log reader
func (e *Engine) Activity() *events.Log { return e.activity }
