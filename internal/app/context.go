package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"sdline/internal/aggregate"
	"sdline/internal/config"
	"sdline/internal/db"
	"sdline/internal/engine"
	"sdline/internal/events"
	"sdline/internal/evidence"
	"sdline/internal/metrics"
	"sdline/internal/migrate"
	"sdline/internal/pipeline"
	"sdline/internal/repo"
)

// Options select the workspace and its collaborators.
type Options struct {
	Workspace string
	// GitPath is any directory inside the repository scanned for EXEC
	// evidence; empty uses the workspace.
	GitPath string
	GitRef  string
	Log     *zap.Logger
	// Metrics registers the prometheus collectors.
	Metrics bool
}

// Workspace is an opened, migrated workspace with every component wired.
type Workspace struct {
	Path       string
	DB         *sql.DB
	Repo       repo.Repo
	Config     *config.Config
	Engine     engine.Engine
	Aggregator aggregate.Aggregator
	Pipeline   *pipeline.Monitor
	Events     events.Writer
	Metrics    *metrics.Metrics
	Log        *zap.Logger
}

// Open opens the workspace database, applies migrations, loads sdline.yml
// (or the default config) and seeds its validation profiles.
func Open(ctx context.Context, opts Options) (*Workspace, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	cfg, err := ResolveConfig(ctx, opts.Workspace, r)
	if err != nil {
		conn.Close()
		return nil, err
	}

	w := &Workspace{
		Path:   opts.Workspace,
		DB:     conn,
		Repo:   r,
		Config: cfg,
		Events: events.Writer{DB: conn},
		Log:    log,
	}
	if opts.Metrics {
		w.Metrics = metrics.New()
	}

	retrying := repo.NewRetrying(r, log.Named("repo"))
	gitPath := opts.GitPath
	if gitPath == "" {
		gitPath = opts.Workspace
	}
	if gitPath == "" {
		gitPath = "."
	}
	eng := engine.New(retrying, cfg)
	eng.Evidence = evidence.Git{Path: gitPath, Ref: opts.GitRef}
	eng.Sink = w.Events
	eng.Log = log.Named("engine")
	eng.Metrics = w.Metrics
	eng.Workspace = opts.Workspace
	w.Engine = eng

	w.Aggregator = aggregate.New(retrying, cfg)
	w.Aggregator.Log = log.Named("aggregate")

	w.Pipeline = pipeline.NewMonitor(cfg.Pipeline, r)
	w.Pipeline.Log = log.Named("pipeline")
	w.Pipeline.Metrics = w.Metrics
	if err := w.Pipeline.Load(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return w, nil
}

func (w *Workspace) Close() error {
	if w == nil || w.DB == nil {
		return nil
	}
	return w.DB.Close()
}

// ResolveConfig loads sdline.yml from the workspace, falling back to the
// built-in default, and stores its profiles so repository lookups see them.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := r.SeedValidationProfiles(ctx, cfg.ProfileList()); err != nil {
		return nil, fmt.Errorf("seed validation profiles: %w", err)
	}
	return cfg, nil
}
