// Package app opens a phaseline workspace: database, config, logger and an
// engine wired to them. Commands and the HTTP server start from here.
package app

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"phaseline/internal/config"
	"phaseline/internal/db"
	"phaseline/internal/engine"
	"phaseline/internal/logging"
	"phaseline/internal/migrate"
	"phaseline/internal/telemetry"
)

// Workspace is an opened workspace directory.
type Workspace struct {
	Dir     string
	DB      *sql.DB
	Config  *config.Config
	Log     *zap.Logger
	Metrics *telemetry.Metrics
	Engine  *engine.Engine
	// SchemaVersion is the migration level of DB after Open.
	SchemaVersion int
}

// Open prepares dir, migrates its database and builds the engine. The
// config file is optional; overrides run after it is loaded and before it is
// validated.
func Open(ctx context.Context, dir string, overrides ...func(*config.Config)) (*Workspace, error) {
	if _, err := db.EnsureWorkspace(dir); err != nil {
		return nil, fmt.Errorf("prepare workspace: %w", err)
	}
	cfg, err := config.LoadOptional(dir)
	if err != nil {
		return nil, err
	}
	for _, o := range overrides {
		o(cfg)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate %s: %w", db.Path(dir), err)
	}
	version, err := migrate.Version(ctx, conn)
	if err != nil {
		conn.Close()
		return nil, err
	}
	if latest, err := migrate.Latest(); err != nil || version > latest {
		conn.Close()
		if err == nil {
			err = fmt.Errorf("database schema version %d is newer than this build supports (%d)", version, latest)
		}
		return nil, err
	}
	metrics := telemetry.NewMetrics()
	eng := engine.New(conn, cfg, log, metrics)
	stalled, err := eng.ResumeStalledStarts(ctx)
	if err != nil {
		eng.Close()
		conn.Close()
		return nil, fmt.Errorf("resume stalled starts: %w", err)
	}
	if len(stalled) > 0 {
		log.Info("restarting work on released phases", zap.Strings("phases", stalled))
	}
	return &Workspace{
		Dir:           dir,
		DB:            conn,
		Config:        cfg,
		Log:           log,
		Metrics:       metrics,
		Engine:        eng,
		SchemaVersion: version,
	}, nil
}

// Close drains pending confirmations before closing the database.
func (w *Workspace) Close() error {
	if w == nil {
		return nil
	}
	if w.Engine != nil {
		w.Engine.Close()
	}
	if w.Log != nil {
		_ = w.Log.Sync()
	}
	return w.DB.Close()
}
