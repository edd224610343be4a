package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/animus-labs/dqflow/internal/domain"
	"github.com/animus-labs/dqflow/internal/ledger"
	"github.com/animus-labs/dqflow/internal/notify"
	"github.com/animus-labs/dqflow/internal/pipeline"
	"github.com/animus-labs/dqflow/internal/platform/env"
	"github.com/animus-labs/dqflow/internal/platform/httpserver"
	"github.com/animus-labs/dqflow/internal/platform/objectstore"
	"github.com/animus-labs/dqflow/internal/platform/postgres"
	"github.com/animus-labs/dqflow/internal/procexec"
	"github.com/animus-labs/dqflow/internal/report"
)

type app struct {
	logger *slog.Logger
}

// backends holds the optional run recorders and what must be closed after.
type backends struct {
	recorders pipeline.Recorders
	checks    []httpserver.ReadinessCheck
	db        *sql.DB
}

func (b *backends) Close() {
	if b.db != nil {
		_ = b.db.Close()
	}
}

// openBackends wires the ledger and the report archive when enabled.
func (a *app) openBackends(ctx context.Context, forceLedger bool) (*backends, error) {
	b := &backends{}

	ledgerEnabled, err := env.Bool("DQFLOW_LEDGER_ENABLED", false)
	if err != nil {
		return nil, configError(err)
	}
	if ledgerEnabled || forceLedger {
		dbCfg, err := postgres.ConfigFromEnv()
		if err != nil {
			return nil, configError(fmt.Errorf("database config: %w", err))
		}
		db, err := postgres.Open(ctx, dbCfg)
		if err != nil {
			return nil, fmt.Errorf("ledger database: %w", err)
		}
		b.db = db
		store := ledger.NewStore(db)
		if err := store.EnsureSchema(ctx); err != nil {
			b.Close()
			return nil, err
		}
		b.recorders = append(b.recorders, ledger.NewRecorder(store, ""))
		b.checks = append(b.checks, httpserver.ReadinessCheck{
			Name: "postgres",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return db.PingContext(checkCtx)
			},
		})
		a.logger.Info("run ledger enabled", dbCfg.LogAttrs()...)
	}

	reportsEnabled, err := env.Bool("DQFLOW_REPORTS_ENABLED", false)
	if err != nil {
		b.Close()
		return nil, configError(err)
	}
	if reportsEnabled {
		storeCfg, err := objectstore.ConfigFromEnv()
		if err != nil {
			b.Close()
			return nil, configError(fmt.Errorf("object store config: %w", err))
		}
		client, err := objectstore.NewMinIOClient(storeCfg)
		if err != nil {
			b.Close()
			return nil, configError(fmt.Errorf("object store client: %w", err))
		}
		startupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = objectstore.EnsureBucket(startupCtx, client, storeCfg)
		cancel()
		if err != nil {
			b.Close()
			return nil, fmt.Errorf("object store unavailable: %w", err)
		}
		store, err := objectstore.NewMinioStoreWithClient(client)
		if err != nil {
			b.Close()
			return nil, err
		}
		b.recorders = append(b.recorders, report.NewSink(store, storeCfg.BucketReports, a.logger))
		b.checks = append(b.checks, httpserver.ReadinessCheck{
			Name: "minio",
			Check: func(ctx context.Context) error {
				checkCtx, cancel := context.WithTimeout(ctx, 750*time.Millisecond)
				defer cancel()
				return objectstore.CheckBucket(checkCtx, client, storeCfg)
			},
		})
		a.logger.Info("run reports enabled", "bucket", storeCfg.BucketReports)
	}
	return b, nil
}

// tierRunner builds and executes one tier graph per call.
type tierRunner struct {
	defs      pipeline.Definitions
	stages    pipeline.Stages
	recorders pipeline.Recorders
	selectors map[string]string
	logger    *slog.Logger
}

func (a *app) newTierRunner(recorders pipeline.Recorders, selectors map[string]string) (*tierRunner, error) {
	defs, err := pipeline.DefinitionsFromEnv()
	if err != nil {
		return nil, configError(err)
	}
	tools, err := pipeline.ToolConfigFromEnv()
	if err != nil {
		return nil, configError(err)
	}
	notifyCfg, err := notify.ConfigFromEnv()
	if err != nil {
		return nil, configError(err)
	}
	return &tierRunner{
		defs: defs,
		stages: pipeline.Stages{
			Tools:    tools,
			Invoker:  procexec.NewRunner(a.logger),
			Notifier: notify.NewWebhook(notifyCfg, a.logger),
		},
		recorders: recorders,
		selectors: selectors,
		logger:    a.logger,
	}, nil
}

func (r *tierRunner) graph(tier domain.Tier) (pipeline.Graph, error) {
	cfg, err := r.defs.Tier(tier)
	if err != nil {
		return pipeline.Graph{}, configError(err)
	}
	cfg, err = cfg.WithSelectors(r.selectors)
	if err != nil {
		return pipeline.Graph{}, configError(err)
	}
	g, err := pipeline.BuildGraph(cfg)
	if err != nil {
		return pipeline.Graph{}, configError(err)
	}
	return g, nil
}

func (r *tierRunner) RunTier(ctx context.Context, tier domain.Tier) (pipeline.RunResult, error) {
	g, err := r.graph(tier)
	if err != nil {
		return pipeline.RunResult{}, err
	}
	var opts []pipeline.Option
	if len(r.recorders) > 0 {
		opts = append(opts, pipeline.WithRecorder(r.recorders))
	}
	engine := pipeline.NewEngine(r.logger, r.stages.Actions(), opts...)
	return engine.Run(ctx, g)
}

// parseSelectors turns "class=selector" flags into overrides. A bare
// selector is keyed by the empty class.
func parseSelectors(values []string) (map[string]string, error) {
	if len(values) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(values))
	for _, v := range values {
		class, selector, found := strings.Cut(v, "=")
		if !found {
			class, selector = "", v
		}
		class = strings.TrimSpace(class)
		if _, dup := out[class]; dup {
			return nil, fmt.Errorf("duplicate selector for class %q", class)
		}
		out[class] = strings.TrimSpace(selector)
	}
	return out, nil
}
