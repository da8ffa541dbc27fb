package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rendis/opchain/internal/chains"
	"github.com/rendis/opchain/internal/engine"
	"github.com/rendis/opchain/internal/expressions"
	"github.com/rendis/opchain/internal/jobs"
	"github.com/rendis/opchain/internal/plugins"
	"github.com/rendis/opchain/internal/store"
	"github.com/rendis/opchain/internal/streaming"
	"github.com/rendis/opchain/internal/tools"
	"github.com/rendis/opchain/internal/validation"
	"github.com/rendis/opchain/pkg/schema"
)

// memoryDB selects the in-memory store.
const memoryDB = ":memory:"

type appOptions struct {
	// dial connects plugins; nil launches them over stdio.
	dial plugins.Dialer
	// skipPlugins leaves configured plugins unloaded.
	skipPlugins bool
}

// app is the wired engine shared by every subcommand.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     store.Store
	registry  *tools.Registry
	plugins   *plugins.Manager
	hub       *streaming.Hub
	sink      *sinkSwapper
	validator *validation.ChainValidator
	catalog   *engine.Catalog
	runner    *engine.Runner
	queue     *jobs.Queue
}

func newApp(ctx context.Context, cfg Config, logger *slog.Logger, opts appOptions) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: streaming.NewHub(), sink: newSinkSwapper(nil)}

	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		// Jobs and chains still run; they are just not kept across restarts.
		logger.Warn("store unavailable, tracking in memory only",
			slog.String("db_path", cfg.DBPath), slog.String("error", err.Error()))
		st = store.NewMemoryStore()
	}
	a.store = st

	a.registry = tools.NewRegistry()
	conditions, err := expressions.NewConditionEvaluator(logger, nil)
	if err != nil {
		a.close()
		return nil, err
	}
	a.validator, err = validation.NewChainValidator(a.registry, conditions)
	if err != nil {
		a.close()
		return nil, err
	}
	if err := tools.RegisterBuiltins(a.registry, a.validator.Schemas()); err != nil {
		a.close()
		return nil, err
	}

	a.plugins = plugins.NewManager(a.registry, opts.dial, version, logger)
	if !opts.skipPlugins {
		for _, pc := range cfg.Plugins {
			if _, err := a.plugins.Load(ctx, pc); err != nil {
				logger.Error("plugin failed to load", slog.String("plugin", pc.Name), slog.String("error", err.Error()))
			}
		}
	}

	sink := streaming.MultiSink{a.hub, streaming.NewLogSink(logger), streaming.NewStoreSink(st), a.sink}
	a.runner, err = engine.NewRunner(engine.RunnerConfig{
		Tools:       a.registry,
		Sink:        sink,
		Logger:      logger,
		RetryDelay:  ms(cfg.StepRetryDelayMs),
		StepTimeout: ms(cfg.StepTimeoutMs),
	})
	if err != nil {
		a.close()
		return nil, err
	}

	a.catalog = engine.NewCatalog(st, a.validator, logger)
	if err := a.catalog.Load(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.loadChainsDir(ctx); err != nil {
		a.close()
		return nil, err
	}

	a.queue = jobs.NewQueue(jobs.Config{
		Workers:   cfg.Workers,
		RetryBase: ms(cfg.JobRetryBaseMs),
		RetryMax:  ms(cfg.JobRetryMaxMs),
		Store:     st,
		Sink:      sink,
		Logger:    logger,
	})
	chainJob := engine.NewChainJob(a.runner, a.catalog, a.validator)
	if err := a.queue.Register(schema.JobTypeChain, func(ctx context.Context, payload json.RawMessage, jc *jobs.JobContext) (any, error) {
		return chainJob.Handle(ctx, payload, jc)
	}); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func openStore(ctx context.Context, dbPath string) (store.Store, error) {
	if dbPath == "" || dbPath == memoryDB {
		return store.NewMemoryStore(), nil
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	st, err := store.NewLibSQLStore(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// loadChainsDir adds chain files to the catalog. A file without an id is
// keyed by its base name so restarts find the same chain again.
func (a *app) loadChainsDir(ctx context.Context) error {
	files, err := chains.LoadDir(a.cfg.ChainsDir)
	if err != nil {
		return err
	}
	for _, f := range files {
		if f.Chain.ID == "" {
			f.Chain.ID = strings.TrimSuffix(filepath.Base(f.Path), filepath.Ext(f.Path))
		}
		_, err := a.catalog.Create(ctx, f.Chain)
		switch {
		case err == nil:
			a.logger.Info("chain loaded", slog.String("chain_id", f.Chain.ID), slog.String("path", f.Path))
		case schema.HasCode(err, schema.ErrCodeConflict):
			a.logger.Debug("chain already in catalog", slog.String("chain_id", f.Chain.ID))
		default:
			return fmt.Errorf("%s: %w", f.Path, err)
		}
	}
	return nil
}

// shutdown stops the queue, then releases plugins and the store.
func (a *app) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	var errs []error
	if a.queue != nil {
		errs = append(errs, a.queue.Stop(ctx))
	}
	errs = append(errs, a.close())
	return errors.Join(errs...)
}

func (a *app) close() error {
	var errs []error
	if a.plugins != nil {
		errs = append(errs, a.plugins.Close())
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	return errors.Join(errs...)
}
