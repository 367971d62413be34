package dbsink

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/duckdb/duckdb-go/v2"
)

// DuckDBDialect emulates a serial id with a sequence.
var DuckDBDialect = Dialect{
	Name: "duckdb",
	Schema: []string{
		"CREATE SEQUENCE IF NOT EXISTS clicks_id_seq",
		createTableStatement("BIGINT PRIMARY KEY DEFAULT nextval('clicks_id_seq')"),
	},
}

// SQLPool adapts a database/sql handle to Pool.
type SQLPool struct {
	db *sql.DB
}

// DuckDBConfig configures the embedded database.
type DuckDBConfig struct {
	// Path is the database file; empty means in-memory.
	Path     string
	MaxConns int
}

// OpenDuckDB opens or creates a DuckDB database.
func OpenDuckDB(c DuckDBConfig) (*SQLPool, error) {
	if c.Path != "" {
		if err := os.MkdirAll(filepath.Dir(c.Path), 0755); err != nil {
			return nil, fmt.Errorf("dbsink: create duckdb dir: %w", err)
		}
	}
	db, err := sql.Open("duckdb", c.Path)
	if err != nil {
		return nil, fmt.Errorf("dbsink: open duckdb: %w", err)
	}
	if c.MaxConns > 0 {
		db.SetMaxOpenConns(c.MaxConns)
	}
	return &SQLPool{db: db}, nil
}

// Exec runs query through database/sql's pool.
func (p *SQLPool) Exec(ctx context.Context, query string, args ...any) error {
	_, err := p.db.ExecContext(ctx, query, args...)
	return err
}

// DB exposes the handle for read-back in tests and tooling.
func (p *SQLPool) DB() *sql.DB {
	return p.db
}

// Close closes the database.
func (p *SQLPool) Close() error {
	return p.db.Close()
}
