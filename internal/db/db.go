// Package db opens the relational backends behind the SQL store and runs their migrations.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/nsnw/yahk/internal/config"
)

// Dialect names a supported SQL backend.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DialectOf maps a configured driver to its dialect.
func DialectOf(cfg config.DatabaseConfig) (Dialect, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	case "sqlite", "sqlite3", "":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("unsupported database driver: %s", cfg.Driver)
	}
}

// DSN returns the connection string for the configured backend.
func DSN(cfg config.DatabaseConfig) (string, error) {
	dialect, err := DialectOf(cfg)
	if err != nil {
		return "", err
	}
	if dsn := strings.TrimSpace(cfg.DSN); dsn != "" {
		return dsn, nil
	}
	if dialect == DialectPostgres {
		return "", fmt.Errorf("postgres requires a dsn")
	}
	path := cfg.Path
	if path == "" {
		path = config.DefaultSQLitePath
	}
	return "file:" + path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)", nil
}

// Open connects to the configured backend and verifies the connection.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*sql.DB, Dialect, error) {
	dialect, err := DialectOf(cfg)
	if err != nil {
		return nil, "", err
	}
	dsn, err := DSN(cfg)
	if err != nil {
		return nil, "", err
	}

	driverName := "pgx"
	if dialect == DialectSQLite {
		driverName = "sqlite"
		if cfg.DSN == "" && cfg.Path != "" {
			if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
				return nil, "", fmt.Errorf("create database directory: %w", err)
			}
		}
	}

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open %s: %w", dialect, err)
	}
	if dialect == DialectSQLite {
		// SQLite serialises writers; one connection avoids SQLITE_BUSY between pooled handles.
		conn.SetMaxOpenConns(1)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, "", fmt.Errorf("ping %s: %w", dialect, err)
	}
	return conn, dialect, nil
}
