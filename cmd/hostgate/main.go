package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/agentworkforce/hostgate/internal/config"
	"github.com/agentworkforce/hostgate/internal/dispatch"
	"github.com/agentworkforce/hostgate/internal/hostbridge"
	"github.com/agentworkforce/hostgate/internal/httpapi"
	"github.com/agentworkforce/hostgate/internal/journal"
	"github.com/agentworkforce/hostgate/internal/logging"
	"github.com/agentworkforce/hostgate/internal/metrics"
	"github.com/agentworkforce/hostgate/internal/readiness"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "hostgate: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := pflag.NewFlagSet("hostgate", pflag.ContinueOnError)
	config.AddFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	loader, err := config.NewLoader(fs, logr.Discard())
	if err != nil {
		return err
	}
	cfg, err := loader.Load()
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	loader.SetLogger(logger.Logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfg, logger)
	if err != nil {
		return err
	}
	return a.serve(ctx, loader)
}

type app struct {
	cfg        config.Config
	logger     *logging.Logger
	log        logr.Logger
	host       hostbridge.Host
	gate       *readiness.Gate
	recorder   journal.Recorder
	dispatcher *dispatch.Dispatcher
	server     *http.Server
}

func newApp(cfg config.Config, logger *logging.Logger) (*app, error) {
	log := logger.Logger
	m := metrics.New()

	host, err := hostbridge.BuildHostFromDSN(cfg.Host.DSN, hostbridge.FactoryOptions{
		Token:   cfg.Host.Token,
		Timeout: cfg.Host.Timeout,
		Logger:  log,
	})
	if err != nil {
		return nil, fmt.Errorf("build host bridge: %w", err)
	}
	gate, err := readiness.NewGate(host, gateOptions(cfg.Gate, log, m))
	if err != nil {
		return nil, err
	}

	journalDSN, err := journalDSNFromConfig(cfg.Journal)
	if err != nil {
		gate.Close()
		return nil, err
	}
	recorder, err := journal.BuildRecorderFromDSN(journalDSN, cfg.Journal.Capacity)
	if err != nil {
		gate.Close()
		return nil, fmt.Errorf("build outcome journal: %w", err)
	}

	dispatcher, err := dispatch.New(dispatch.Options{
		Gate:     gate,
		Host:     host,
		Recorder: recorder,
		Observer: m,
		Logger:   log,
		SharePolicy: dispatch.RetryPolicy{
			MaxRetries: cfg.Share.MaxRetries,
			BaseDelay:  cfg.Share.BaseDelay,
		},
		ProbeTimeout:   cfg.Share.ProbeTimeout,
		RecoveryRounds: cfg.Share.RecoveryRounds,
		RecoveryPause:  cfg.Share.RecoveryPause,
	})
	if err != nil {
		gate.Close()
		return nil, err
	}

	api := httpapi.NewServer(httpapi.Deps{
		Gate:     gate,
		Sharer:   dispatcher,
		Recorder: recorder,
		Metrics:  m.Handler(),
		Logger:   log,
	}, httpapi.ServerConfig{
		JWTSecret:       cfg.Server.JWTSecret,
		RateLimitMax:    cfg.Server.RateLimitMax,
		RateLimitWindow: cfg.Server.RateLimitWindow,
		MaxBodyBytes:    cfg.Server.MaxBodyBytes,
	})

	return &app{
		cfg:        cfg,
		logger:     logger,
		log:        log,
		host:       host,
		gate:       gate,
		recorder:   recorder,
		dispatcher: dispatcher,
		server: &http.Server{
			Addr:              cfg.Server.Addr,
			Handler:           api,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

func gateOptions(cfg config.GateConfig, log logr.Logger, observer readiness.Observer) readiness.Options {
	return readiness.Options{
		MaxAttempts:      cfg.MaxAttempts,
		ReadySignals:     cfg.ReadySignals,
		ReadySignalPause: cfg.ReadySignalPause,
		Probes:           cfg.Probes,
		ProbeBackoff:     cfg.ProbeBackoff,
		RetryPause:       cfg.RetryPause,
		ErrorPause:       cfg.ErrorPause,
		HostCallTimeout:  cfg.HostCallTimeout,
		WarmUpTimeout:    cfg.WarmUpTimeout,
		DisableWarmUp:    cfg.DisableWarmUp,
		Logger:           log,
		Observer:         observer,
	}
}

// serve starts the handshake eagerly, then runs the HTTP server and the
// config watcher until ctx is cancelled or one of them fails.
func (a *app) serve(ctx context.Context, loader *config.Loader) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := a.gate.EnsureReady(gctx, false); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, readiness.ErrClosed) {
				return nil
			}
			return fmt.Errorf("initial handshake: %w", err)
		}
		state := a.gate.Snapshot()
		a.log.Info("gate settled", "phase", state.Phase, "verified", state.Verified, "attempts", state.Attempts)
		return nil
	})
	g.Go(func() error {
		a.log.Info("hostgate listening", "addr", a.server.Addr, "hostDsn", redactDSN(a.cfg.Host.DSN))
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return loader.Watch(gctx, a.applyConfig)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		a.log.Info("hostgate shutting down")
		return a.server.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	return multierr.Append(err, a.close())
}

// applyConfig takes the settings that can change without a restart.
func (a *app) applyConfig(cfg config.Config) {
	a.dispatcher.SetSharePolicy(dispatch.RetryPolicy{
		MaxRetries: cfg.Share.MaxRetries,
		BaseDelay:  cfg.Share.BaseDelay,
	})
	if err := a.logger.SetLevel(cfg.Log.Level); err != nil {
		a.log.Error(err, "keeping previous log level")
	}
}

func (a *app) close() error {
	a.gate.Close()
	var err error
	if closer, ok := a.host.(io.Closer); ok {
		err = multierr.Append(err, closer.Close())
	}
	if a.recorder != nil {
		err = multierr.Append(err, a.recorder.Close())
	}
	return err
}

// journalDSNFromConfig resolves the journal profile into a recorder DSN.
func journalDSNFromConfig(cfg config.JournalConfig) (string, error) {
	profile := strings.ToLower(strings.TrimSpace(cfg.Profile))
	dataDir := strings.TrimSpace(cfg.DataDir)
	if dataDir == "" {
		dataDir = ".hostgate"
	}
	switch profile {
	case "", "custom":
		return strings.TrimSpace(cfg.DSN), nil
	case "memory", "inmemory":
		return "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(cfg.PostgresDSN)
		if dsn == "" {
			return "", fmt.Errorf("journal.postgres_dsn (HOSTGATE_JOURNAL_POSTGRES_DSN) is required when journal.profile=%s", profile)
		}
		return dsn, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "outcomes.json"), nil
	case "off", "none", "disabled":
		return "", nil
	default:
		return "", fmt.Errorf("unsupported journal.profile: %s", profile)
	}
}

// redactDSN drops credentials so the DSN can be logged.
func redactDSN(dsn string) string {
	if i := strings.Index(dsn, "@"); i >= 0 {
		if j := strings.Index(dsn, "://"); j >= 0 && j < i {
			return dsn[:j+3] + "***" + dsn[i:]
		}
	}
	return dsn
}
