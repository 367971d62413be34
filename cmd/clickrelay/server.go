package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/tinytelemetry/clickrelay/internal/deadletter"
	"github.com/tinytelemetry/clickrelay/internal/hostinfo"
	"github.com/tinytelemetry/clickrelay/internal/httpserver"
	"github.com/tinytelemetry/clickrelay/internal/ingest"
	"github.com/tinytelemetry/clickrelay/internal/metrics"
	"github.com/tinytelemetry/clickrelay/internal/model"
	"github.com/tinytelemetry/clickrelay/internal/share"
	"github.com/tinytelemetry/clickrelay/internal/sink/dbsink"
	"github.com/tinytelemetry/clickrelay/internal/sink/filesink"
	"github.com/tinytelemetry/clickrelay/internal/timestamp"
)

// backends holds what outlives a single request: the sink, the share
// connector behind a file sink and the dead-letter spool.
type backends struct {
	sink      model.Sink
	connector *share.Connector
	spool     *deadletter.Spool
}

func openBackends(ctx context.Context, cfg appConfig, log logrus.FieldLogger, m *metrics.Metrics) (*backends, error) {
	b := &backends{}

	switch cfg.Sink {
	case sinkFile:
		b.connector = newConnector(cfg, log)
		b.connector.OnStateChange(func(s share.State) {
			m.SetShareMounted(s == share.StateMounted)
		})
		b.connector.Start()
		b.sink = filesink.New(cfg.StatementDir(), b.connector)
	case sinkDatabase:
		store, err := dbsink.Open(ctx, cfg.dbsinkConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to open database sink: %w", err)
		}
		b.sink = store
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}

	if cfg.DeadLetter.Path != "" {
		spool, err := deadletter.Open(cfg.DeadLetter.Path)
		if err != nil {
			_ = b.Close()
			return nil, fmt.Errorf("failed to open dead-letter spool: %w", err)
		}
		b.spool = spool
	}
	return b, nil
}

func newConnector(cfg appConfig, log logrus.FieldLogger) *share.Connector {
	var (
		mounter share.Mounter
		remote  = cfg.Share.Remote
	)
	if cfg.Share.Mode == shareModeLocal {
		mounter = share.LocalMounter{}
		remote = cfg.StatementDir()
	} else {
		mounter = share.NewCIFSMounter(cfg.Share.MountPoint, cfg.Share.Options)
	}
	return share.NewConnector(mounter, share.Config{
		Remote: remote,
		Credentials: share.Credentials{
			Username: cfg.Share.Username,
			Password: cfg.Share.Password,
		},
		RetryDelay:  cfg.Share.RetryDelay,
		MaxDelay:    cfg.Share.MaxDelay,
		Attempts:    cfg.Share.Attempts,
		Cooldown:    cfg.Share.Cooldown,
		InitialWait: cfg.Share.InitialWait,
	}, log)
}

// Close stops the connector and releases the sink and spool.
func (b *backends) Close() error {
	var result *multierror.Error
	if b.connector != nil {
		b.connector.Stop()
	}
	if b.sink != nil {
		if err := b.sink.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close %s sink: %w", b.sink.Name(), err))
		}
	}
	if b.spool != nil {
		if err := b.spool.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close dead-letter spool: %w", err))
		}
	}
	return result.ErrorOrNil()
}

// runServer serves the click endpoint until SIGINT or SIGTERM.
func runServer(cfg appConfig) error {
	logger, cleanupLogger := newLogger(cfg.Log)
	defer cleanupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		reg *prometheus.Registry
		m   *metrics.Metrics
	)
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		m = metrics.New(reg)
	}

	b, err := openBackends(ctx, cfg, logger, m)
	if err != nil {
		return err
	}

	var enrichment model.Enrichment
	if cfg.Enrichment.Enabled {
		enrichment = hostinfo.NewResolver(logger).Resolve(ctx)
	}
	normalizer := ingest.NewNormalizer(cfg.ClientID, enrichment, timestamp.NewResolver(time.Local))

	svcOpts := []ingest.Option{ingest.WithMetrics(m)}
	if b.spool != nil {
		svcOpts = append(svcOpts, ingest.WithDeadLetter(b.spool))
	}
	svc := ingest.NewService(normalizer, b.sink, logger, svcOpts...)

	var srvOpts []httpserver.Option
	if b.connector != nil {
		srvOpts = append(srvOpts, httpserver.WithShareStatus(b.connector))
	}
	if reg != nil {
		srvOpts = append(srvOpts, httpserver.WithMetricsHandler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))
	}
	srv := httpserver.NewServer(cfg.Addr(), svc, logger, srvOpts...)
	if err := srv.Start(); err != nil {
		return multierror.Append(fmt.Errorf("failed to start HTTP server: %w", err), b.Close()).ErrorOrNil()
	}

	logger.WithFields(logrus.Fields{
		"addr":      srv.Addr(),
		"client_id": cfg.ClientID,
		"sink":      b.sink.Name(),
	}).Info("clickrelay: serving")
	printStartupBanner(cfg, enrichment, b)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-gctx.Done()
		fmt.Println("\nShutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
		defer cancel()
		if err := srv.Stop(shutdownCtx); err != nil {
			return fmt.Errorf("stop HTTP server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return nil
		case err := <-srv.Errors():
			return fmt.Errorf("serve HTTP: %w", err)
		}
	})

	var result *multierror.Error
	if err := g.Wait(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := b.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	logger.Info("clickrelay: stopped")
	return result.ErrorOrNil()
}

// runReplay re-persists every spooled event and exits.
func runReplay(cfg appConfig) error {
	if cfg.DeadLetter.Path == "" {
		return fmt.Errorf("deadletter.path is not configured")
	}

	logger, cleanupLogger := newLogger(cfg.Log)
	defer cleanupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackends(ctx, cfg, logger, nil)
	if err != nil {
		return err
	}

	n, err := replaySpool(ctx, b.spool, b.sink)
	fmt.Printf("Replayed %d event(s) from %s\n", n, shortenPath(cfg.DeadLetter.Path))
	logger.WithField("replayed", n).Info("clickrelay: dead-letter replay finished")

	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err)
	}
	if cerr := b.Close(); cerr != nil {
		result = multierror.Append(result, cerr)
	}
	return result.ErrorOrNil()
}

func replaySpool(ctx context.Context, spool *deadletter.Spool, s model.Sink) (int, error) {
	return spool.Drain(func(e deadletter.Entry) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return s.Persist(ctx, e.Event)
	})
}

// newLogger builds the process logger. Output goes to cfg.Path, falling
// back to stderr when the file cannot be opened.
func newLogger(cfg logConfig) (*logrus.Logger, func()) {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)

	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logger.SetLevel(level)
	}
	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: time.RFC3339Nano})
	}

	if cfg.Path == "" {
		return logger, func() {}
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0755); err != nil {
		logger.WithError(err).Warn("log directory unavailable, logging to stderr")
		return logger, func() {}
	}
	f, err := os.OpenFile(cfg.Path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		logger.WithError(err).Warn("log file unavailable, logging to stderr")
		return logger, func() {}
	}

	logger.SetOutput(f)
	return logger, func() {
		_ = f.Close()
	}
}

func printStartupBanner(cfg appConfig, enrichment model.Enrichment, b *backends) {
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	green := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	cyan := lipgloss.NewStyle().Foreground(lipgloss.Color("39"))
	yellow := lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	bold := lipgloss.NewStyle().Bold(true)

	check := green.Render("●")
	dot := dim.Render("●")

	row := func(on bool, label, value string) string {
		mark := dot
		if on {
			mark = check
		}
		return fmt.Sprintf("    %s  %-14s %s", mark, label, value)
	}

	var lines []string
	lines = append(lines, "")
	lines = append(lines, cyan.Bold(true).Render("    clickrelay"))
	lines = append(lines, "    "+dim.Render("v"+version))
	lines = append(lines, "")

	separator := dim.Render("    ─────────────────────────────────")
	lines = append(lines, separator, "")

	lines = append(lines, bold.Render("    Gateway"), "")
	lines = append(lines, row(true, "Click API", cyan.Render("http://"+cfg.Addr()+"/click")))
	if cfg.Metrics.Enabled {
		lines = append(lines, row(true, "Metrics", cyan.Render("http://"+cfg.Addr()+"/metrics")))
	} else {
		lines = append(lines, row(false, "Metrics", dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Storage"), "")
	switch {
	case b.connector != nil:
		lines = append(lines, row(true, "File sink", dim.Render(shortenPath(filepath.Join(cfg.StatementDir(), model.StatementFileName(cfg.ClientID))))))
		lines = append(lines, row(true, "Share", dim.Render(cfg.Share.Mode+" "+cfg.Share.Remote)))
	case cfg.DB.Driver == dbsink.DriverDuckDB:
		lines = append(lines, row(true, "DuckDB", dim.Render(shortenPath(cfg.DB.Path))))
	default:
		lines = append(lines, row(true, "PostgreSQL", dim.Render(fmt.Sprintf("%s:%d/%s", cfg.DB.Host, cfg.DB.Port, cfg.DB.Database))))
	}
	if b.spool != nil {
		lines = append(lines, row(true, "Dead letters", dim.Render(shortenPath(cfg.DeadLetter.Path))))
	} else {
		lines = append(lines, row(false, "Dead letters", dim.Render("disabled")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Identity"), "")
	lines = append(lines, row(true, "Client ID", dim.Render(cfg.ClientID)))
	if enrichment.OSUser != "" {
		lines = append(lines, row(true, "OS user", dim.Render(enrichment.OSUser)))
	} else {
		lines = append(lines, row(false, "OS user", dim.Render("unavailable")))
	}
	lines = append(lines, "")

	lines = append(lines, bold.Render("    Config"), "")
	if cfg.ConfigPath != "" {
		lines = append(lines, row(true, "Config File", dim.Render(shortenPath(cfg.ConfigPath))))
	} else {
		lines = append(lines, row(false, "Config File", dim.Render("default (no file)")))
	}
	lines = append(lines, row(cfg.Log.Path != "", "Log File", dim.Render(shortenPath(cfg.Log.Path))))

	lines = append(lines, "", separator, "")
	lines = append(lines, "    "+dim.Render("Press ")+yellow.Render("Ctrl+C")+dim.Render(" to stop"), "")

	fmt.Println(strings.Join(lines, "\n"))
}

func shortenPath(path string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	if strings.HasPrefix(path, home) {
		return "~" + path[len(home):]
	}
	return path
}
