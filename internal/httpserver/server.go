// Package httpserver exposes the click endpoint, health and metrics.
package httpserver

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/tinytelemetry/clickrelay/internal/ingest"
	"github.com/tinytelemetry/clickrelay/internal/model"
	"github.com/tinytelemetry/clickrelay/internal/share"
)

// Ingester is the narrow service contract required by the click endpoint.
type Ingester interface {
	Handle(ctx context.Context, raw model.RawEvent) ingest.Result
	SinkName() string
}

// ShareStatus reports the share's mount state for health checks.
type ShareStatus interface {
	Status() share.Status
}

// Option configures a Server.
type Option func(*Server)

// WithShareStatus adds the share's state to /api/health.
func WithShareStatus(st ShareStatus) Option {
	return func(s *Server) { s.share = st }
}

// WithMetricsHandler serves h on GET /metrics.
func WithMetricsHandler(h http.Handler) Option {
	return func(s *Server) { s.metrics = h }
}

// Server accepts click events from the browser extension.
type Server struct {
	addr      string
	ingester  Ingester
	share     ShareStatus
	metrics   http.Handler
	log       logrus.FieldLogger
	server    *http.Server
	listener  net.Listener
	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
	wg        sync.WaitGroup
	errc      chan error
}

// NewServer creates a new HTTP server.
func NewServer(addr string, ingester Ingester, log logrus.FieldLogger, opts ...Option) *Server {
	if addr == "" {
		addr = net.JoinHostPort(model.DefaultBindHost, strconv.Itoa(model.DefaultHTTPPort))
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		addr:      addr,
		ingester:  ingester,
		log:       log,
		ctx:       ctx,
		cancel:    cancel,
		startTime: time.Now(),
		errc:      make(chan error, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), cors())

	r.POST("/click", s.handleClick)
	r.OPTIONS("/click", func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/api/health", s.handleHealth)
	if s.metrics != nil {
		r.GET("/metrics", gin.WrapH(s.metrics))
	}
	return r
}

// Errors delivers a Serve failure that happens after Start returned.
// Nothing is sent on a graceful Stop.
func (s *Server) Errors() <-chan error {
	return s.errc
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)

	s.server = &http.Server{
		Handler:           s.Handler(),
		BaseContext:       func(_ net.Listener) context.Context { return s.ctx },
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.listener = listener
	s.startTime = time.Now()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("httpserver: serve failed")
			s.errc <- err
		}
	}()
	return nil
}

// Addr returns the bound address once Start has succeeded.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

// Stop gracefully shuts down the HTTP server. In-flight writes are not
// cancelled; Stop waits for them until ctx ends.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	err := s.server.Shutdown(ctx)
	s.cancel()
	s.wg.Wait()
	return err
}

func cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := c.Writer.Header()
		h.Set("Access-Control-Allow-Origin", "*")
		h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
		h.Set("Access-Control-Allow-Headers", "Content-Type")
		c.Next()
	}
}

func (s *Server) handleClick(c *gin.Context) {
	var raw model.RawEvent
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"detail": "invalid JSON body"})
		return
	}

	res := s.ingester.Handle(c.Request.Context(), raw)
	switch res.Outcome {
	case ingest.OutcomeOK:
		c.JSON(http.StatusOK, res.Ack)
	case ingest.OutcomeInvalid:
		c.JSON(http.StatusBadRequest, gin.H{"detail": res.Detail})
	case ingest.OutcomeUnavailable:
		c.Header("Retry-After", "30")
		c.JSON(http.StatusServiceUnavailable, gin.H{"detail": res.Detail, "error_id": res.ErrorID})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"detail": res.Detail, "error_id": res.ErrorID})
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	body := gin.H{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
		"sink":   s.ingester.SinkName(),
	}
	if s.share != nil {
		st := s.share.Status()
		if st.State != share.StateMounted {
			body["status"] = "degraded"
		}
		body["share"] = gin.H{
			"state":      st.State.String(),
			"last_error": st.LastError,
			"since":      st.Since.UTC().Format(time.RFC3339),
		}
	}
	c.JSON(http.StatusOK, body)
}
