// Package filesink appends generated INSERT statements to a per-tenant
// file on a mounted share.
package filesink

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/tinytelemetry/clickrelay/internal/model"
	"github.com/tinytelemetry/clickrelay/internal/sink"
	"github.com/tinytelemetry/clickrelay/internal/sqlgen"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

// Mount is the part of the share connector the sink relies on.
type Mount interface {
	EnsureMounted(ctx context.Context) error
	Invalidate(cause error)
}

// Option configures a Sink.
type Option func(*Sink)

// WithLocation sets the zone statement timestamps are written in.
// Default: time.Local.
func WithLocation(loc *time.Location) Option {
	return func(s *Sink) { s.loc = loc }
}

// WithLocks shares a lock table between sinks writing the same files.
func WithLocks(l *sink.PathLocks) Option {
	return func(s *Sink) { s.locks = l }
}

// Sink writes one statement block per event. Every call opens the target
// in append mode, writes the whole block with a single write and closes
// it; calls targeting the same file are serialized.
type Sink struct {
	dir   string
	mount Mount
	locks *sink.PathLocks
	loc   *time.Location
}

// New creates a file sink writing under dir, which lives on mount.
func New(dir string, mount Mount, opts ...Option) *Sink {
	s := &Sink{
		dir:   dir,
		mount: mount,
		locks: sink.NewPathLocks(),
		loc:   time.Local,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name implements model.Sink.
func (s *Sink) Name() string { return "file" }

// Path returns the statement file for clientID.
func (s *Sink) Path(clientID string) string {
	return filepath.Join(s.dir, model.StatementFileName(clientID))
}

// Persist appends ev as one statement block. Failures are not retried.
func (s *Sink) Persist(ctx context.Context, ev model.Event) error {
	if err := s.mount.EnsureMounted(ctx); err != nil {
		return s.fail("mount", err)
	}

	path := s.Path(ev.ClientID)
	block := sqlgen.Block(ev, s.loc)

	unlock := s.locks.Lock(path)
	defer unlock()

	if err := os.MkdirAll(s.dir, defaultDirMode); err != nil {
		s.mount.Invalidate(err)
		return s.fail("mkdir", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaultFileMode)
	if err != nil {
		s.mount.Invalidate(err)
		return s.fail("open", err)
	}

	n, err := f.Write(block)
	if err == nil && n < len(block) {
		err = io.ErrShortWrite
	}
	cerr := f.Close()
	if err != nil {
		return s.fail("append", err)
	}
	if cerr != nil {
		return s.fail("close", cerr)
	}
	return nil
}

// Close implements model.Sink. No handle outlives a Persist call.
func (s *Sink) Close() error { return nil }

func (s *Sink) fail(op string, err error) error {
	return &sink.PersistError{Sink: s.Name(), Op: op, Err: err}
}
