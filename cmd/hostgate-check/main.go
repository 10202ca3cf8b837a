// Command hostgate-check runs the readiness handshake against a host and
// reports the settled state, once or on a jittered interval.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"

	"github.com/agentworkforce/hostgate/internal/dispatch"
	"github.com/agentworkforce/hostgate/internal/fallback"
	"github.com/agentworkforce/hostgate/internal/hostbridge"
	"github.com/agentworkforce/hostgate/internal/logging"
	"github.com/agentworkforce/hostgate/internal/readiness"
)

type options struct {
	hostDSN        string
	token          string
	timeout        time.Duration
	interval       time.Duration
	intervalJitter float64
	once           bool
	logLevel       string

	shareText   string
	embeds      []string
	channelKey  string
	fallbackURL string
	userAgent   string
}

type report struct {
	CheckedAt time.Time       `json:"checkedAt"`
	State     readiness.State `json:"state"`
	Share     *shareReport    `json:"share,omitempty"`
	Error     string          `json:"error,omitempty"`
}

type shareReport struct {
	Kind     dispatch.OutcomeKind `json:"kind"`
	Attempts int                  `json:"attempts"`
	CastHash string               `json:"castHash,omitempty"`
	Locator  string               `json:"locator,omitempty"`
	Mode     fallback.Mode        `json:"mode,omitempty"`
	Error    string               `json:"error,omitempty"`
}

func main() {
	opts := options{}
	fs := pflag.NewFlagSet("hostgate-check", pflag.ExitOnError)
	fs.StringVar(&opts.hostDSN, "host-dsn", envOrDefault("HOSTGATE_HOST_DSN", "http://127.0.0.1:8787"), "host bridge DSN")
	fs.StringVar(&opts.token, "token", strings.TrimSpace(os.Getenv("HOSTGATE_HOST_TOKEN")), "bearer token for the host bridge")
	fs.DurationVar(&opts.timeout, "timeout", durationEnv("HOSTGATE_CHECK_TIMEOUT", 30*time.Second), "per-check timeout")
	fs.DurationVar(&opts.interval, "interval", durationEnv("HOSTGATE_CHECK_INTERVAL", 30*time.Second), "check interval")
	fs.Float64Var(&opts.intervalJitter, "interval-jitter", floatEnv("HOSTGATE_CHECK_INTERVAL_JITTER", 0.2), "check interval jitter ratio (0.0-1.0)")
	fs.BoolVar(&opts.once, "once", true, "run one check and exit")
	fs.StringVar(&opts.logLevel, "log-level", envOrDefault("HOSTGATE_LOG_LEVEL", "info"), "log level")
	fs.StringVar(&opts.shareText, "share", "", "send one share action with this text after the handshake")
	fs.StringSliceVar(&opts.embeds, "embed", nil, "embed URL for --share (repeatable, at most two are sent)")
	fs.StringVar(&opts.channelKey, "channel", "", "channel key for --share")
	fs.StringVar(&opts.fallbackURL, "fallback-url", "", "fallback locator for --share")
	fs.StringVar(&opts.userAgent, "user-agent", "", "user agent used to pick the fallback mode")
	_ = fs.Parse(os.Args[1:])

	if err := run(opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "hostgate-check: %v\n", err)
		os.Exit(1)
	}
}

func run(opts options, out io.Writer) error {
	if opts.timeout <= 0 {
		opts.timeout = 30 * time.Second
	}
	if opts.interval <= 0 {
		opts.interval = 30 * time.Second
	}
	opts.intervalJitter = clampJitterRatio(opts.intervalJitter)

	logger, err := logging.New(opts.logLevel, true)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	check := func() error {
		ctx, cancel := context.WithTimeout(rootCtx, opts.timeout)
		defer cancel()
		rep := checkOnce(ctx, opts, logger.Logger)
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return err
		}
		if rep.Error != "" {
			return fmt.Errorf("check failed: %s", rep.Error)
		}
		return nil
	}

	if opts.once {
		return check()
	}
	if err := check(); err != nil {
		logger.Error(err, "check cycle failed")
	}
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredIntervalWithSample(opts.interval, opts.intervalJitter, rng.Float64()))
	defer timer.Stop()
	for {
		select {
		case <-rootCtx.Done():
			logger.Info("hostgate-check stopping", "reason", rootCtx.Err().Error())
			return nil
		case <-timer.C:
			if err := check(); err != nil {
				logger.Error(err, "check cycle failed")
			}
			timer.Reset(jitteredIntervalWithSample(opts.interval, opts.intervalJitter, rng.Float64()))
		}
	}
}

// checkOnce builds a fresh host and gate so every cycle runs the full
// handshake from scratch.
func checkOnce(ctx context.Context, opts options, log logr.Logger) report {
	rep := report{CheckedAt: time.Now().UTC()}
	host, err := hostbridge.BuildHostFromDSN(opts.hostDSN, hostbridge.FactoryOptions{
		Token:   opts.token,
		Timeout: opts.timeout,
		Logger:  log,
	})
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	if closer, ok := host.(io.Closer); ok {
		defer closer.Close()
	}
	gate, err := readiness.NewGate(host, readiness.Options{Logger: log})
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	defer gate.Close()

	if err := gate.EnsureReady(ctx, false); err != nil {
		rep.State = gate.Snapshot()
		rep.Error = err.Error()
		return rep
	}
	rep.State = gate.Snapshot()

	if strings.TrimSpace(opts.shareText) == "" {
		return rep
	}
	dispatcher, err := dispatch.New(dispatch.Options{Gate: gate, Host: host, Logger: log})
	if err != nil {
		rep.Error = err.Error()
		return rep
	}
	outcome, err := dispatcher.Share(ctx, dispatch.ShareRequest{
		Text:          opts.shareText,
		Embeds:        opts.embeds,
		ChannelKey:    opts.channelKey,
		FallbackURL:   opts.fallbackURL,
		Environment:   fallback.Environment{UserAgent: opts.userAgent},
		CorrelationID: "check_" + strconv.FormatInt(rep.CheckedAt.UnixNano(), 36),
	})
	rep.Share = summarizeOutcome(outcome)
	if err != nil {
		rep.Error = err.Error()
	}
	rep.State = gate.Snapshot()
	return rep
}

func summarizeOutcome(outcome dispatch.Outcome) *shareReport {
	s := &shareReport{Kind: outcome.Kind, Attempts: outcome.Attempts, Locator: outcome.Locator()}
	if outcome.Fallback != nil {
		s.Mode = outcome.Fallback.Mode
	}
	if outcome.Result != nil && outcome.Result.Cast != nil {
		s.CastHash = outcome.Result.Cast.Hash
	}
	if outcome.Err != nil {
		s.Error = outcome.Err.Error()
	} else if outcome.Cause != nil {
		s.Error = outcome.Cause.Error()
	}
	return s
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %s\n", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s=%q, using fallback %f\n", name, raw, fallback)
		return fallback
	}
	return value
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// jitteredIntervalWithSample spreads base by ±jitterRatio; sample in [0,1]
// picks the point in that range.
func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}
