// Package storage opens the read-only reference database shared by the SQL
// symbol reference and the SQL credential resolver.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"tickproxy/config"
	"tickproxy/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const schema = `
CREATE TABLE IF NOT EXISTS instruments (
	exchange  TEXT NOT NULL,
	symbol    TEXT NOT NULL,
	name      TEXT NOT NULL DEFAULT '',
	token     TEXT NOT NULL DEFAULT '',
	lot_size  REAL NOT NULL DEFAULT 0,
	tick_size REAL NOT NULL DEFAULT 0,
	PRIMARY KEY (exchange, symbol)
);
CREATE TABLE IF NOT EXISTS api_keys (
	api_key  TEXT PRIMARY KEY,
	user_id  TEXT NOT NULL,
	broker   TEXT NOT NULL,
	active   BOOLEAN NOT NULL DEFAULT TRUE
);`

// DB is a database handle that knows its placeholder dialect.
type DB struct {
	*sql.DB
	Driver string
}

// Open connects and pings the configured database.
func Open(ctx context.Context, cfg config.DatabaseConfig, log *logger.Log) (*DB, error) {
	if log == nil {
		log = logger.GetLogger()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite3":
		driver = DriverSQLite
	case "postgresql", "pq":
		driver = DriverPostgres
	}
	if driver != DriverSQLite && driver != DriverPostgres {
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn is required")
	}

	db, err := sql.Open(driver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	entry := log.WithComponent("storage").WithField("driver", driver)
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
		if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL;"); err != nil {
			entry.WithError(err).Warn("failed to set WAL mode")
		}
	} else {
		db.SetMaxOpenConns(8)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	entry.Info("reference database connected")

	return &DB{DB: db, Driver: driver}, nil
}

// EnsureSchema creates the reference tables when they are missing.
func (d *DB) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema: %w", err)
		}
	}
	return nil
}

// Rebind rewrites ? placeholders to $n for postgres.
func (d *DB) Rebind(query string) string {
	if d.Driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
