// Package sqlitedb is the embedded store for repositories, analysis runs and
// the repository read model. It runs on the pure Go modernc.org/sqlite
// driver, migrates its schema on open and needs no server, so single-process
// deployments can keep their runs in a local file or in memory.
package sqlitedb

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"repohealth/logger"
)

const driverName = "sqlite"

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// DB is a SQLite-backed store. It is safe for concurrent use; statements are
// serialized on a single connection.
type DB struct {
	conn *sqlx.DB
	path string
}

func init() {
	sqlx.BindDriver(driverName, sqlx.QUESTION)
}

// Open opens or creates the database at path and migrates it to the latest
// schema. Use MemoryPath for a database that lives as long as the store.
func Open(path string) (*DB, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: database path is required", ErrInvalidInput)
	}

	logger.Info("Opening SQLite database", zap.String("path", path))
	conn, err := sqlx.Open(driverName, path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDatabaseConnection, err)
	}

	// SQLite has a single writer, and an in-memory database only lives as
	// long as its connection.
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrDatabaseConnection, err)
	}

	for _, pragma := range []string{
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("%w: %s: %v", ErrDatabaseConnection, pragma, err)
		}
	}

	if err := migrateUp(conn.DB); err != nil {
		_ = conn.Close()
		return nil, err
	}

	return &DB{conn: conn, path: path}, nil
}

// Ping verifies the database is reachable.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Close closes the database. An in-memory database is discarded.
func (db *DB) Close() error {
	logger.Debug("Closing SQLite database", zap.String("path", db.path))
	return db.conn.Close()
}
