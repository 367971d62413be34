// Package dbsink records click events as rows through a bounded
// connection pool, using positional parameters only.
package dbsink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/tinytelemetry/clickrelay/internal/model"
	"github.com/tinytelemetry/clickrelay/internal/sink"
)

// Pool is the narrow contract the store needs from a connection pool.
type Pool interface {
	Exec(ctx context.Context, query string, args ...any) error
	Close() error
}

// Dialect holds the statements that differ between database engines.
type Dialect struct {
	Name   string
	Schema []string
}

// Store is the database sink.
type Store struct {
	pool      Pool
	dialect   Dialect
	insertSQL string
}

// NewStore wraps pool and makes sure the clicks table exists.
func NewStore(ctx context.Context, pool Pool, dialect Dialect) (*Store, error) {
	s := &Store{
		pool:      pool,
		dialect:   dialect,
		insertSQL: insertStatement(),
	}
	if err := s.EnsureSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// EnsureSchema creates the clicks table when it is absent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("dbsink: ensure %s schema: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// Name implements model.Sink.
func (s *Store) Name() string { return "database" }

// Persist inserts ev as one row. Every value is bound positionally.
func (s *Store) Persist(ctx context.Context, ev model.Event) error {
	if err := s.pool.Exec(ctx, s.insertSQL, insertArgs(ev)...); err != nil {
		return &sink.PersistError{Sink: s.Name(), Op: "insert", Err: err}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.pool.Close()
}

func insertStatement() string {
	cols := make([]string, len(model.Columns))
	params := make([]string, len(model.Columns))
	for i, c := range model.Columns {
		cols[i] = quoteIdent(c)
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		model.Table, strings.Join(cols, ", "), strings.Join(params, ", "))
}

// insertArgs follows model.Columns order. Times are UTC wall clock.
func insertArgs(ev model.Event) []any {
	var loginTime *time.Time
	if ev.OSLoginTime != nil && !ev.OSLoginTime.IsZero() {
		t := ev.OSLoginTime.UTC()
		loginTime = &t
	}
	return []any{
		ev.URL,
		ev.Text,
		ev.PageURL,
		ev.PageTitle,
		ev.Mechanism,
		ev.UTCTime(),
		ev.ClientID,
		ev.UserLogin,
		loginTime,
		ev.OSUser,
	}
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func createTableStatement(idColumn string) string {
	return "CREATE TABLE IF NOT EXISTS " + model.Table + " (\n    id " + idColumn + ",\n" + columnDefs() + "\n)"
}

func columnDefs() string {
	types := map[string]string{
		"timestamp":      "TIMESTAMP NOT NULL",
		"client_id":      "TEXT NOT NULL",
		"timestamp_user": "TIMESTAMP",
	}
	defs := make([]string, 0, len(model.Columns))
	for _, c := range model.Columns {
		typ, ok := types[c]
		if !ok {
			typ = "TEXT"
		}
		defs = append(defs, "    "+quoteIdent(c)+" "+typ)
	}
	return strings.Join(defs, ",\n")
}
