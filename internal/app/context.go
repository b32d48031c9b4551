package app

import (
	"database/sql"
	"fmt"
	"time"

	"refinery/internal/config"
	"refinery/internal/db"
	"refinery/internal/engine"
	"refinery/internal/migrate"
	"refinery/internal/tracker"
)

// Context bundles the wired application pieces the CLI and server share.
type Context struct {
	DB     *sql.DB
	Config *config.Config
	Engine *engine.Engine
}

// Open prepares the workspace: database, migrations, config, engine.
// The caller owns Close.
func Open(workspace string) (*Context, error) {
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		return nil, fmt.Errorf("ensure workspace: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		conn.Close()
		return nil, err
	}
	titles := tracker.New(
		cfg.Tracker.BaseURL,
		cfg.Tracker.Token,
		time.Duration(cfg.Tracker.TimeoutSeconds)*time.Second,
	)
	return &Context{
		DB:     conn,
		Config: cfg,
		Engine: engine.New(conn, cfg, titles),
	}, nil
}

// Close releases the database handle.
func (c *Context) Close() error {
	if c == nil || c.DB == nil {
		return nil
	}
	return c.DB.Close()
}
