package dbsink

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v4/pgxpool"
)

// PostgresDialect creates the table with a serial id.
var PostgresDialect = Dialect{
	Name: "postgres",
	Schema: []string{
		createTableStatement("BIGSERIAL PRIMARY KEY"),
	},
}

// PostgresConfig describes the server and the pool bounds.
type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string

	MinConns int32
	MaxConns int32

	// AcquireTimeout bounds the wait for a free connection. Zero waits
	// until the caller's context ends.
	AcquireTimeout time.Duration
}

// ConnString renders the config as libpq keyword/value pairs.
func (c PostgresConfig) ConnString() string {
	replacer := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	pairs := []struct{ key, value string }{
		{"host", c.Host},
		{"port", strconv.Itoa(c.Port)},
		{"user", c.User},
		{"password", c.Password},
		{"dbname", c.Database},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		if p.value == "" || (p.key == "port" && c.Port == 0) {
			continue
		}
		parts = append(parts, p.key+"='"+replacer.Replace(p.value)+"'")
	}
	return strings.Join(parts, " ")
}

func (c PostgresConfig) poolConfig() (*pgxpool.Config, error) {
	cfg, err := pgxpool.ParseConfig(c.ConnString())
	if err != nil {
		return nil, fmt.Errorf("dbsink: parse postgres config: %w", err)
	}
	if c.MaxConns > 0 {
		cfg.MaxConns = c.MaxConns
	}
	if c.MinConns > 0 {
		cfg.MinConns = c.MinConns
	}
	if cfg.MinConns > cfg.MaxConns {
		return nil, fmt.Errorf("dbsink: min-conns %d exceeds max-conns %d", cfg.MinConns, cfg.MaxConns)
	}
	return cfg, nil
}

// PostgresPool adapts pgxpool to Pool.
type PostgresPool struct {
	pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// OpenPostgres connects the pool and verifies the server answers.
func OpenPostgres(ctx context.Context, c PostgresConfig) (*PostgresPool, error) {
	cfg, err := c.poolConfig()
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.ConnectConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("dbsink: connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("dbsink: ping postgres: %w", err)
	}
	return &PostgresPool{pool: pool, acquireTimeout: c.AcquireTimeout}, nil
}

// Exec runs query on a pooled connection.
func (p *PostgresPool) Exec(ctx context.Context, query string, args ...any) error {
	acquireCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}
	conn, err := p.pool.Acquire(acquireCtx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Release()

	_, err = conn.Exec(ctx, query, args...)
	return err
}

// Close closes every pooled connection.
func (p *PostgresPool) Close() error {
	p.pool.Close()
	return nil
}
