// Package sink holds what the persistence backends share: the error they
// report and the per-file write serialization used by append sinks.
package sink

import (
	"fmt"
	"sync"
)

// PersistError reports a failed write after the event was accepted.
type PersistError struct {
	Sink string
	Op   string
	Err  error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("%s sink: %s: %v", e.Sink, e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// PathLocks hands out one mutex per key so writers to the same file
// serialize while writers to different files proceed in parallel.
type PathLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewPathLocks creates an empty lock table.
func NewPathLocks() *PathLocks {
	return &PathLocks{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key and returns its release func.
func (p *PathLocks) Lock(key string) func() {
	p.mu.Lock()
	l, ok := p.locks[key]
	if !ok {
		l = &sync.Mutex{}
		p.locks[key] = l
	}
	p.mu.Unlock()

	l.Lock()
	return l.Unlock
}
