package ingest

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/clickrelay/internal/metrics"
	"github.com/tinytelemetry/clickrelay/internal/model"
	"github.com/tinytelemetry/clickrelay/internal/share"
)

// Outcome classifies one handled request.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeInvalid
	OutcomeUnavailable
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeOK:
		return "ok"
	case OutcomeInvalid:
		return "invalid"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return "failed"
	}
}

const (
	detailInternal    = "internal error"
	detailUnavailable = "storage temporarily unavailable"
)

// Ack is returned to the caller for an accepted event.
type Ack struct {
	Status             string     `json:"status"`
	ClientID           string     `json:"client_id"`
	OSUser             *string    `json:"os_user,omitempty"`
	OSLoginTime        *time.Time `json:"os_login_time,omitempty"`
	TimestampDefaulted bool       `json:"timestamp_defaulted,omitempty"`
}

// Result is the outcome of Handle. Detail and ErrorID are safe to show to
// the caller; Err is for server-side logging only.
type Result struct {
	Outcome Outcome
	Ack     *Ack
	Detail  string
	ErrorID string
	Err     error
}

// DeadLetter receives events whose persist failed.
type DeadLetter interface {
	Append(errorID, sinkName string, cause error, ev model.Event) (uint64, error)
}

// Option configures a Service.
type Option func(*Service)

// WithDeadLetter spools failed events to dl.
func WithDeadLetter(dl DeadLetter) Option {
	return func(s *Service) { s.deadLetter = dl }
}

// WithMetrics records outcomes and persist latency on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// Service validates, normalizes and persists click events. It keeps no
// per-call state.
type Service struct {
	normalizer *Normalizer
	sink       model.Sink
	deadLetter DeadLetter
	metrics    *metrics.Metrics
	log        logrus.FieldLogger
	newID      func() string
}

// NewService creates a service writing every accepted event to sink.
func NewService(n *Normalizer, sink model.Sink, log logrus.FieldLogger, opts ...Option) *Service {
	s := &Service{
		normalizer: n,
		sink:       sink,
		log:        log,
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SinkName names the configured sink.
func (s *Service) SinkName() string { return s.sink.Name() }

// Handle processes one request. The sink call is detached from ctx's
// cancellation: once started, a write runs to completion or failure.
func (s *Service) Handle(ctx context.Context, raw model.RawEvent) Result {
	ev, err := s.normalizer.Normalize(raw)
	if err != nil {
		s.metrics.RecordOutcome(OutcomeInvalid.String())
		return Result{Outcome: OutcomeInvalid, Detail: err.Error(), Err: err}
	}
	if ev.TimestampDefaulted && raw.Timestamp != nil {
		s.log.WithField("timestamp", *raw.Timestamp).Debug("ingest: unparseable timestamp, using ingestion time")
	}

	start := time.Now()
	err = s.sink.Persist(context.WithoutCancel(ctx), ev)
	s.metrics.RecordPersist(s.sink.Name(), time.Since(start))
	if err == nil {
		s.metrics.RecordOutcome(OutcomeOK.String())
		return Result{Outcome: OutcomeOK, Ack: newAck(ev)}
	}

	res := Result{
		Outcome: OutcomeFailed,
		Detail:  detailInternal,
		ErrorID: s.newID(),
		Err:     err,
	}
	var unreachable *share.UnreachableError
	if errors.As(err, &unreachable) {
		res.Outcome = OutcomeUnavailable
		res.Detail = detailUnavailable
	}
	s.metrics.RecordOutcome(res.Outcome.String())

	entry := s.log.WithError(err).WithFields(logrus.Fields{
		"error_id": res.ErrorID,
		"sink":     s.sink.Name(),
		"outcome":  res.Outcome.String(),
	})
	if res.Outcome == OutcomeUnavailable {
		entry.Warn("ingest: persist deferred, share unreachable")
	} else {
		entry.Error("ingest: persist failed")
	}
	s.spool(res.ErrorID, err, ev)
	return res
}

func (s *Service) spool(errorID string, cause error, ev model.Event) {
	if s.deadLetter == nil {
		return
	}
	seq, err := s.deadLetter.Append(errorID, s.sink.Name(), cause, ev)
	if err != nil {
		s.log.WithError(err).WithField("error_id", errorID).Error("ingest: dead-letter append failed, event lost")
		return
	}
	s.metrics.RecordDeadLetter()
	s.log.WithFields(logrus.Fields{"error_id": errorID, "seq": seq}).Info("ingest: event spooled for replay")
}

func newAck(ev model.Event) *Ack {
	return &Ack{
		Status:             "ok",
		ClientID:           ev.ClientID,
		OSUser:             ev.OSUser,
		OSLoginTime:        ev.OSLoginTime,
		TimestampDefaulted: ev.TimestampDefaulted,
	}
}
