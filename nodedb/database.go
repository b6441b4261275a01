// Package nodedb persists discovered nodes in a sqlite database.
//
// The package has two layers: Database wraps the raw sqlx handle with
// schema migrations and transaction helpers, and Store adds the
// node-level API with an asynchronous batched write queue so hot
// paths never block on disk.
package nodedb

import (
	"embed"
	"fmt"
	"sync/atomic"

	_ "github.com/glebarez/go-sqlite"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// InMemoryPath selects a non-persistent database.
const InMemoryPath = ":memory:"

// Database wraps the sqlite handle. Reads and writes share one
// connection pool; sqlite serializes writers internally.
type Database struct {
	db     *sqlx.DB
	logger logrus.FieldLogger

	queries      atomic.Int64
	transactions atomic.Int64
}

// NewDatabase opens (or creates) the sqlite database at path and
// applies pending schema migrations. An empty path selects an
// in-memory database.
func NewDatabase(path string, logger logrus.FieldLogger) (*Database, error) {
	if path == "" {
		path = InMemoryPath
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("nodedb: open %q: %w", path, err)
	}

	// sqlite allows one writer; more connections just contend.
	db.SetMaxOpenConns(1)

	d := &Database{
		db:     db,
		logger: logger,
	}

	if err := d.applyMigrations(); err != nil {
		db.Close()
		return nil, err
	}

	logger.WithField("path", path).Info("nodedb: database ready")
	return d, nil
}

func (d *Database) applyMigrations() error {
	goose.SetBaseFS(migrationFiles)
	goose.SetLogger(goose.NopLogger())

	if err := goose.SetDialect("sqlite3"); err != nil {
		return fmt.Errorf("nodedb: set dialect: %w", err)
	}
	if err := goose.Up(d.db.DB, "migrations"); err != nil {
		return fmt.Errorf("nodedb: apply migrations: %w", err)
	}
	return nil
}

// RunTransaction executes fn inside a transaction, committing on nil
// and rolling back on error.
func (d *Database) RunTransaction(fn func(tx *sqlx.Tx) error) error {
	d.transactions.Add(1)

	tx, err := d.db.Beginx()
	if err != nil {
		return fmt.Errorf("nodedb: begin: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			d.logger.WithError(rbErr).Warn("nodedb: rollback failed")
		}
		return err
	}
	return tx.Commit()
}

// Close closes the underlying handle.
func (d *Database) Close() error {
	return d.db.Close()
}

func (d *Database) trackQuery() {
	d.queries.Add(1)
}

// DatabaseStats summarizes handle usage.
type DatabaseStats struct {
	TotalQueries    int64
	Transactions    int64
	OpenConnections int
}

// GetStats returns a snapshot of handle statistics.
func (d *Database) GetStats() DatabaseStats {
	return DatabaseStats{
		TotalQueries:    d.queries.Load(),
		Transactions:    d.transactions.Load(),
		OpenConnections: d.db.Stats().OpenConnections,
	}
}
