package share

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/sirupsen/logrus"
)

const (
	defaultRetryDelay  = 5 * time.Second
	defaultMaxDelay    = time.Minute
	defaultAttempts    = 10
	defaultCooldown    = 30 * time.Second
	defaultInitialWait = 10 * time.Second
)

var errNotYetMounted = errors.New("share: initial mount still in progress")

// State is the connector's view of the share.
type State int

const (
	StateUnknown State = iota
	StateMounted
	StateUnreachable
)

func (s State) String() string {
	switch s {
	case StateMounted:
		return "mounted"
	case StateUnreachable:
		return "unreachable"
	default:
		return "unknown"
	}
}

// Config controls mounting and the supervisor's backoff.
type Config struct {
	Remote      string
	Credentials Credentials

	// RetryDelay is the first backoff step inside a round; it doubles up
	// to MaxDelay. A round gives up after Attempts tries.
	RetryDelay time.Duration
	MaxDelay   time.Duration
	Attempts   uint

	// Cooldown separates failed rounds. The supervisor never stops.
	Cooldown time.Duration

	// InitialWait bounds how long a caller waits for the very first
	// round before being told the share is unreachable.
	InitialWait time.Duration
}

func (c *Config) applyDefaults() {
	if c.RetryDelay <= 0 {
		c.RetryDelay = defaultRetryDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = defaultMaxDelay
	}
	if c.Attempts == 0 {
		c.Attempts = defaultAttempts
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaultCooldown
	}
	if c.InitialWait <= 0 {
		c.InitialWait = defaultInitialWait
	}
}

// Status is a point-in-time snapshot for health reporting.
type Status struct {
	State        State
	LastError    string
	Since        time.Time
	FailedRounds int
}

// UnreachableError is returned to callers while the share is not mounted.
type UnreachableError struct {
	Remote string
	Err    error
}

func (e *UnreachableError) Error() string {
	return fmt.Sprintf("share %s unreachable: %v", e.Remote, e.Err)
}

func (e *UnreachableError) Unwrap() error { return e.Err }

// Connector owns the mount state of one share. A supervisor goroutine
// mounts it and re-mounts it after Invalidate; request paths only read the
// state and are never blocked by the retry loop.
type Connector struct {
	mounter Mounter
	cfg     Config
	log     logrus.FieldLogger

	mu           sync.RWMutex
	state        State
	lastErr      error
	since        time.Time
	failedRounds int
	onChange     func(State)

	ready     chan struct{}
	readyOnce sync.Once
	wake      chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewConnector creates a connector. Call Start to begin mounting.
func NewConnector(m Mounter, cfg Config, log logrus.FieldLogger) *Connector {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Connector{
		mounter: m,
		cfg:     cfg,
		log:     log.WithField("share", cfg.Remote),
		since:   time.Now(),
		ready:   make(chan struct{}),
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// OnStateChange registers fn to be called after every state transition.
// It must be set before Start.
func (c *Connector) OnStateChange(fn func(State)) {
	c.onChange = fn
}

// Start launches the supervisor.
func (c *Connector) Start() {
	c.wg.Add(1)
	go c.supervise()
}

// Stop cancels any round in progress and waits for the supervisor.
func (c *Connector) Stop() {
	c.stopOnce.Do(func() {
		c.cancel()
		c.wg.Wait()
	})
}

// EnsureMounted returns nil when the share is mounted. It never mounts
// inline: an unreachable share yields *UnreachableError right away while
// the supervisor keeps retrying on its own schedule. Only before the
// first round completes does it wait, bounded by ctx and InitialWait.
func (c *Connector) EnsureMounted(ctx context.Context) error {
	select {
	case <-c.ready:
	default:
		timer := time.NewTimer(c.cfg.InitialWait)
		defer timer.Stop()
		select {
		case <-c.ready:
		case <-ctx.Done():
			return &UnreachableError{Remote: c.cfg.Remote, Err: ctx.Err()}
		case <-timer.C:
			return &UnreachableError{Remote: c.cfg.Remote, Err: errNotYetMounted}
		}
	}

	c.mu.RLock()
	state, lastErr := c.state, c.lastErr
	c.mu.RUnlock()

	if state == StateMounted {
		return nil
	}
	if lastErr == nil {
		lastErr = errNotYetMounted
	}
	return &UnreachableError{Remote: c.cfg.Remote, Err: lastErr}
}

// Invalidate marks the share suspect after an I/O failure on it. The
// supervisor re-runs a mount round; callers see it as unreachable until
// that round succeeds.
func (c *Connector) Invalidate(cause error) {
	c.mu.Lock()
	wasMounted := c.state == StateMounted
	if wasMounted {
		c.state = StateUnreachable
		c.lastErr = cause
		c.since = time.Now()
	}
	c.mu.Unlock()

	if wasMounted {
		c.log.WithError(cause).Warn("share: invalidated after I/O failure")
		c.notify(StateUnreachable)
		c.poke()
	}
}

// Status returns the current mount state.
func (c *Connector) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	st := Status{
		State:        c.state,
		Since:        c.since,
		FailedRounds: c.failedRounds,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Connector) poke() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Connector) supervise() {
	defer c.wg.Done()

	for {
		if c.currentState() != StateMounted {
			c.runRound()
		}
		if c.ctx.Err() != nil {
			return
		}

		var cooldown <-chan time.Time
		var timer *time.Timer
		if c.currentState() == StateUnreachable {
			timer = time.NewTimer(c.cfg.Cooldown)
			cooldown = timer.C
		}

		select {
		case <-c.ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-c.wake:
		case <-cooldown:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// runRound makes up to Attempts mount attempts with exponential backoff.
func (c *Connector) runRound() {
	err := retry.Do(
		c.mountOnce,
		retry.Context(c.ctx),
		retry.Attempts(c.cfg.Attempts),
		retry.Delay(c.cfg.RetryDelay),
		retry.MaxDelay(c.cfg.MaxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.log.WithError(err).WithField("attempt", n+1).Warn("share: mount attempt failed")
		}),
	)
	if c.ctx.Err() != nil {
		return
	}
	c.record(err)
}

func (c *Connector) mountOnce() error {
	err := c.mounter.Mount(c.ctx, c.cfg.Remote, c.cfg.Credentials)
	if errors.Is(err, ErrAlreadyConnected) {
		c.log.Debug("share: already connected")
		return nil
	}
	return err
}

func (c *Connector) record(err error) {
	next := StateMounted
	if err != nil {
		next = StateUnreachable
	}

	c.mu.Lock()
	changed := c.state != next
	c.state = next
	c.lastErr = err
	if err != nil {
		c.failedRounds++
	} else {
		c.failedRounds = 0
	}
	if changed {
		c.since = time.Now()
	}
	rounds := c.failedRounds
	c.mu.Unlock()

	c.readyOnce.Do(func() { close(c.ready) })

	if err != nil {
		c.log.WithError(err).WithField("failed_rounds", rounds).
			Errorf("share: unreachable, next round in %s", c.cfg.Cooldown)
	} else if changed {
		c.log.Info("share: mounted")
	}
	if changed {
		c.notify(next)
	}
}

func (c *Connector) currentState() State {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

func (c *Connector) notify(s State) {
	if c.onChange != nil {
		c.onChange(s)
	}
}
