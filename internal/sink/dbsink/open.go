package dbsink

import (
	"context"
	"fmt"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverDuckDB   = "duckdb"
)

// Config selects and configures the database behind the sink.
type Config struct {
	Driver   string
	Postgres PostgresConfig
	DuckDB   DuckDBConfig
}

// Open connects the configured pool and ensures the schema. The returned
// store owns the pool.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	var (
		pool    Pool
		dialect Dialect
	)
	switch cfg.Driver {
	case DriverPostgres, "":
		p, err := OpenPostgres(ctx, cfg.Postgres)
		if err != nil {
			return nil, err
		}
		pool, dialect = p, PostgresDialect
	case DriverDuckDB:
		p, err := OpenDuckDB(cfg.DuckDB)
		if err != nil {
			return nil, err
		}
		pool, dialect = p, DuckDBDialect
	default:
		return nil, fmt.Errorf("dbsink: unknown driver %q", cfg.Driver)
	}

	store, err := NewStore(ctx, pool, dialect)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return store, nil
}
