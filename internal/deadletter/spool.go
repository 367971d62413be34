// Package deadletter keeps events whose persist failed so they can be
// re-driven later with clickrelay -replay.
package deadletter

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/tinytelemetry/clickrelay/internal/model"
)

const (
	defaultFileMode = 0644
	defaultDirMode  = 0755
)

// ErrLocked is returned by Open when another process holds the spool.
var ErrLocked = errors.New("deadletter: spool is in use by another process")

// Entry is one spooled event.
type Entry struct {
	Seq      uint64      `json:"seq"`
	ErrorID  string      `json:"error_id"`
	Error    string      `json:"error"`
	Sink     string      `json:"sink,omitempty"`
	FailedAt time.Time   `json:"failed_at"`
	Event    model.Event `json:"event"`
}

// Spool is an append-only JSON-lines file of failed events. Progress of a
// replay is tracked in a ".done" sidecar holding the highest re-persisted
// sequence number. One process at a time may hold a spool open; the
// holder keeps an advisory lock on "<path>.lock".
type Spool struct {
	mu       sync.Mutex
	path     string
	donePath string
	lock     *flock.Flock
	file     *os.File
	nextSeq  uint64
	done     uint64
}

// Open creates or opens the spool at path. Entries already replayed are
// dropped and a torn trailing line is ignored. Open fails with ErrLocked
// while another process has the spool open.
func Open(path string) (*Spool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("deadletter: path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), defaultDirMode); err != nil {
		return nil, fmt.Errorf("deadletter: mkdir: %w", err)
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("deadletter: lock: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, path)
	}

	s := &Spool{path: path, donePath: path + ".done", lock: lock}
	done, err := readDone(s.donePath)
	if err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	s.done = done
	if err := s.reopen(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	return s, nil
}

// reopen compacts the file and opens it for appending. Callers hold mu
// or own s exclusively.
func (s *Spool) reopen() error {
	maxSeq, err := compact(s.path, s.done)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("deadletter: open: %w", err)
	}
	s.file = f
	s.nextSeq = maxSeq + 1
	if s.done+1 > s.nextSeq {
		s.nextSeq = s.done + 1
	}
	return nil
}

// Append spools ev with the failure that caused it and returns its
// sequence number. The line is fsync'd before Append returns.
func (s *Spool) Append(errorID, sinkName string, cause error, ev model.Event) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.file == nil {
		return 0, errors.New("deadletter: spool is closed")
	}

	e := Entry{
		Seq:      s.nextSeq,
		ErrorID:  errorID,
		Sink:     sinkName,
		FailedAt: time.Now().UTC(),
		Event:    ev,
	}
	if cause != nil {
		e.Error = cause.Error()
	}
	line, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("deadletter: marshal entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := s.file.Write(line); err != nil {
		return 0, fmt.Errorf("deadletter: write entry: %w", err)
	}
	if err := s.file.Sync(); err != nil {
		return 0, fmt.Errorf("deadletter: sync entry: %w", err)
	}
	s.nextSeq++
	return e.Seq, nil
}

// MarkDone records that every entry up to seq has been re-persisted.
func (s *Spool) MarkDone(seq uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if seq <= s.done {
		return nil
	}
	if err := writeDone(s.donePath, seq); err != nil {
		return err
	}
	s.done = seq
	return nil
}

// Replay calls fn for each pending entry in sequence order. It stops at
// the first error fn returns.
func (s *Spool) Replay(fn func(Entry) error) error {
	if fn == nil {
		return errors.New("deadletter: replay callback is nil")
	}

	s.mu.Lock()
	path, done := s.path, s.done
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("deadletter: open for replay: %w", err)
	}
	defer f.Close()

	return scan(f, func(e Entry, _ []byte) error {
		if e.Seq <= done {
			return nil
		}
		return fn(e)
	})
}

// Drain re-drives every pending entry through persist, marking each one
// done as it succeeds. When all entries succeed the file is truncated.
// It returns how many entries were re-persisted.
func (s *Spool) Drain(persist func(Entry) error) (int, error) {
	n := 0
	err := s.Replay(func(e Entry) error {
		if err := persist(e); err != nil {
			return fmt.Errorf("deadletter: replay seq %d (error_id %s): %w", e.Seq, e.ErrorID, err)
		}
		n++
		return s.MarkDone(e.Seq)
	})
	if err != nil {
		return n, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file == nil {
		return n, nil
	}
	if err := s.file.Close(); err != nil {
		return n, fmt.Errorf("deadletter: close before compact: %w", err)
	}
	s.file = nil
	return n, s.reopen()
}

// Pending counts entries not yet re-persisted.
func (s *Spool) Pending() (int, error) {
	n := 0
	err := s.Replay(func(Entry) error {
		n++
		return nil
	})
	return n, err
}

// Close closes the spool file and releases the lock.
func (s *Spool) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var err error
	if s.file != nil {
		err = s.file.Close()
		s.file = nil
	}
	if s.lock != nil {
		if uerr := s.lock.Unlock(); uerr != nil && err == nil {
			err = fmt.Errorf("deadletter: unlock: %w", uerr)
		}
		s.lock = nil
	}
	return err
}

// scan decodes complete lines from r. A torn or malformed line ends the
// scan without error.
func scan(r io.Reader, fn func(Entry, []byte) error) error {
	reader := bufio.NewReader(r)
	for {
		line, err := reader.ReadBytes('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("deadletter: read: %w", err)
		}
		if len(line) == 0 || line[len(line)-1] != '\n' {
			return nil
		}

		var e Entry
		if uerr := json.Unmarshal(line, &e); uerr != nil {
			return nil
		}
		if ferr := fn(e, line); ferr != nil {
			return ferr
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
	}
}

func readDone(path string) (uint64, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("deadletter: read done file: %w", err)
	}
	v := strings.TrimSpace(string(data))
	if v == "" {
		return 0, nil
	}
	seq, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("deadletter: parse done seq: %w", err)
	}
	return seq, nil
}

func writeDone(path string, seq uint64) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return fmt.Errorf("deadletter: open done tmp: %w", err)
	}
	if _, err := f.WriteString(strconv.FormatUint(seq, 10) + "\n"); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("deadletter: write done tmp: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("deadletter: sync done tmp: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("deadletter: close done tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("deadletter: rename done file: %w", err)
	}
	return nil
}

// compact rewrites path keeping only entries after done and returns the
// highest sequence number seen.
func compact(path string, done uint64) (uint64, error) {
	src, err := os.OpenFile(path, os.O_CREATE|os.O_RDONLY, defaultFileMode)
	if err != nil {
		return 0, fmt.Errorf("deadletter: open for compact: %w", err)
	}
	defer src.Close()

	tmpPath := path + ".compact"
	dst, err := os.OpenFile(tmpPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, defaultFileMode)
	if err != nil {
		return 0, fmt.Errorf("deadletter: open compact tmp: %w", err)
	}
	fail := func(err error) (uint64, error) {
		_ = dst.Close()
		_ = os.Remove(tmpPath)
		return 0, err
	}

	var maxSeq uint64
	err = scan(src, func(e Entry, line []byte) error {
		if e.Seq > maxSeq {
			maxSeq = e.Seq
		}
		if e.Seq <= done {
			return nil
		}
		if _, werr := dst.Write(line); werr != nil {
			return fmt.Errorf("deadletter: compact write: %w", werr)
		}
		return nil
	})
	if err != nil {
		return fail(err)
	}
	if err := dst.Sync(); err != nil {
		return fail(fmt.Errorf("deadletter: compact sync: %w", err))
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("deadletter: compact close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return 0, fmt.Errorf("deadletter: compact rename: %w", err)
	}
	return maxSeq, nil
}
