// Package readiness guards the host handshake.
//
// A Gate turns the unreliable host readiness signal into a settled state.
// Concurrent callers share one in-flight attempt; each attempt repeats the
// readiness signal, probes the host until it answers, and is retried as a
// whole until MaxAttempts is reached. After the last attempt the gate fails
// open into DegradedReady so the application is never blocked by a broken
// handshake.
package readiness

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/agentworkforce/hostgate/internal/hostbridge"
	"github.com/agentworkforce/hostgate/internal/race"
)

var (
	ErrHandshakeNotVerified = errors.New("host handshake not verified")
	ErrClosed               = errors.New("readiness gate closed")
)

type Options struct {
	MaxAttempts      int
	ReadySignals     int
	ReadySignalPause time.Duration
	Probes           int
	ProbeBackoff     time.Duration
	RetryPause       time.Duration
	ErrorPause       time.Duration
	HostCallTimeout  time.Duration
	WarmUpTimeout    time.Duration
	DisableWarmUp    bool
	Clock            clock.Clock
	Logger           logr.Logger
	Observer         Observer
}

func (o Options) withDefaults() Options {
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 5
	}
	if o.ReadySignals <= 0 {
		o.ReadySignals = 3
	}
	if o.ReadySignalPause < 0 {
		o.ReadySignalPause = 0
	} else if o.ReadySignalPause == 0 {
		o.ReadySignalPause = 50 * time.Millisecond
	}
	if o.Probes <= 0 {
		o.Probes = 5
	}
	if o.ProbeBackoff <= 0 {
		o.ProbeBackoff = 100 * time.Millisecond
	}
	if o.RetryPause <= 0 {
		o.RetryPause = 500 * time.Millisecond
	}
	if o.ErrorPause <= 0 {
		o.ErrorPause = time.Second
	}
	if o.HostCallTimeout <= 0 {
		o.HostCallTimeout = 2 * time.Second
	}
	if o.WarmUpTimeout <= 0 {
		o.WarmUpTimeout = 100 * time.Millisecond
	}
	if o.Clock == nil {
		o.Clock = clock.RealClock{}
	}
	if o.Observer == nil {
		o.Observer = noopObserver{}
	}
	return o
}

type flight struct {
	done chan struct{}
}

type Gate struct {
	host hostbridge.Host
	opts Options
	log  logr.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu        sync.Mutex
	phase     Phase
	attempts  int
	verified  bool
	embedded  bool
	platform  string
	lastErr   error
	settledAt time.Time
	inFlight  *flight
	closed    bool
	subs      map[int]chan State
	nextSub   int
}

func NewGate(host hostbridge.Host, opts Options) (*Gate, error) {
	if host == nil {
		return nil, errors.New("host is required")
	}
	opts = opts.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	return &Gate{
		host:    host,
		opts:    opts,
		log:     opts.Logger.WithName("readiness"),
		baseCtx: ctx,
		cancel:  cancel,
		phase:   PhaseUninitialized,
		subs:    map[int]chan State{},
	}, nil
}

// EnsureReady returns once the gate has settled. A call made while an
// attempt is running waits for that attempt, forced or not; force only
// matters when the gate has already settled. The caller's ctx bounds the
// wait, not the attempt.
func (g *Gate) EnsureReady(ctx context.Context, force bool) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return ErrClosed
	}
	if g.phase.Usable() && !force {
		g.mu.Unlock()
		return nil
	}
	if f := g.inFlight; f != nil {
		g.mu.Unlock()
		g.log.V(1).Info("attempt in progress, waiting")
		return g.wait(ctx, f)
	}
	if g.attempts >= g.opts.MaxAttempts {
		if !g.phase.Usable() {
			g.settleLocked(PhaseDegradedReady, ErrHandshakeNotVerified)
		}
		g.mu.Unlock()
		return nil
	}
	f := &flight{done: make(chan struct{})}
	g.inFlight = f
	g.setPhaseLocked(PhaseInitializing)
	g.mu.Unlock()

	go g.run(f)
	return g.wait(ctx, f)
}

func (g *Gate) ForceReinitialize(ctx context.Context) error {
	return g.EnsureReady(ctx, true)
}

func (g *Gate) WaitForPending(ctx context.Context) error {
	g.mu.Lock()
	f := g.inFlight
	g.mu.Unlock()
	if f == nil {
		return nil
	}
	return g.wait(ctx, f)
}

func (g *Gate) IsReady() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.phase.Usable()
}

func (g *Gate) Verified() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.verified
}

func (g *Gate) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.snapshotLocked()
}

// Subscribe delivers the state after every phase change. Slow readers only
// see the latest state.
func (g *Gate) Subscribe() (<-chan State, func()) {
	ch := make(chan State, 1)
	g.mu.Lock()
	id := g.nextSub
	g.nextSub++
	g.subs[id] = ch
	ch <- g.snapshotLocked()
	g.mu.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			g.mu.Lock()
			delete(g.subs, id)
			g.mu.Unlock()
		})
	}
}

func (g *Gate) Close() {
	g.mu.Lock()
	g.closed = true
	g.mu.Unlock()
	g.cancel()
}

func (g *Gate) wait(ctx context.Context, f *flight) error {
	select {
	case <-f.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed && !g.phase.Usable() {
		return ErrClosed
	}
	return nil
}

func (g *Gate) run(f *flight) {
	defer close(f.done)
	for {
		g.mu.Lock()
		g.attempts++
		attempt := g.attempts
		g.mu.Unlock()

		started := g.opts.Clock.Now()
		g.log.Info("handshake attempt", "attempt", attempt, "maxAttempts", g.opts.MaxAttempts)
		verified, err := g.attempt(attempt)
		g.opts.Observer.AttemptFinished(attempt, verified, g.opts.Clock.Since(started))

		if g.baseCtx.Err() != nil {
			g.finish(f, PhaseUninitialized, ErrClosed)
			return
		}
		if err == nil && verified {
			g.warmUp()
			g.finish(f, PhaseReady, nil)
			g.log.Info("host handshake verified", "attempt", attempt)
			return
		}

		capped := attempt >= g.opts.MaxAttempts
		if capped {
			if err != nil {
				g.log.Error(err, "handshake attempt failed at attempt cap, failing open", "attempt", attempt)
				g.finish(f, PhaseReady, err)
			} else {
				g.log.Info("host handshake not verified, settling degraded", "attempts", attempt)
				g.finish(f, PhaseDegradedReady, ErrHandshakeNotVerified)
			}
			return
		}

		pause := g.opts.RetryPause
		if err != nil {
			pause = g.opts.ErrorPause
			g.log.Error(err, "handshake attempt failed, retrying", "attempt", attempt, "pause", pause)
		} else {
			g.log.Info("host not verified, retrying", "attempt", attempt, "pause", pause)
		}
		g.mu.Lock()
		g.lastErr = err
		if err == nil {
			g.lastErr = ErrHandshakeNotVerified
		}
		g.mu.Unlock()
		if race.Sleep(g.baseCtx, g.opts.Clock, pause) != nil {
			g.finish(f, PhaseUninitialized, ErrClosed)
			return
		}
	}
}

// attempt runs one signal-then-probe round. Host call failures are tolerated;
// only a host panic surfaces as an error and restarts the whole attempt.
func (g *Gate) attempt(attempt int) (verified bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			verified = false
			err = fmt.Errorf("handshake attempt %d panicked: %v", attempt, r)
		}
	}()
	ctx := g.baseCtx

	for i := 0; i < g.opts.ReadySignals; i++ {
		if i > 0 {
			if race.Sleep(ctx, g.opts.Clock, g.opts.ReadySignalPause) != nil {
				return false, nil
			}
		}
		_, signalErr := race.Within(ctx, g.opts.Clock, g.opts.HostCallTimeout, func(ctx context.Context) (struct{}, error) {
			return struct{}{}, g.host.SignalReady(ctx)
		})
		if errors.Is(signalErr, race.ErrPanicked) {
			return false, signalErr
		}
		if signalErr != nil {
			g.log.V(1).Info("ready signal failed", "call", i+1, "error", signalErr.Error())
			continue
		}
		g.log.V(1).Info("ready signal delivered", "call", i+1)
	}

	for i := 0; i < g.opts.Probes; i++ {
		embedded, probeErr := race.Within(ctx, g.opts.Clock, g.opts.HostCallTimeout, g.host.ProbeEmbedded)
		if probeErr == nil {
			g.log.V(1).Info("host probe answered", "probe", i+1, "embedded", embedded)
			g.mu.Lock()
			g.embedded = embedded
			g.mu.Unlock()
			return true, nil
		}
		if errors.Is(probeErr, race.ErrPanicked) {
			return false, probeErr
		}
		g.log.V(1).Info("host probe failed", "probe", i+1, "error", probeErr.Error())
		if i+1 < g.opts.Probes {
			if race.Sleep(ctx, g.opts.Clock, g.opts.ProbeBackoff*time.Duration(i+1)) != nil {
				return false, nil
			}
		}
	}
	return false, nil
}

// warmUp primes the action channel. Nothing it does affects the outcome.
func (g *Gate) warmUp() {
	ctx := g.baseCtx
	hostCtx, err := race.Within(ctx, g.opts.Clock, g.opts.HostCallTimeout, g.host.Context)
	if err != nil {
		g.log.V(1).Info("host context unavailable", "error", err.Error())
	} else {
		g.mu.Lock()
		g.platform = hostCtx.Client.PlatformType
		g.mu.Unlock()
		g.log.V(1).Info("host context fetched", "platform", hostCtx.Client.PlatformType)
	}

	g.mu.Lock()
	embedded := g.embedded
	g.mu.Unlock()
	if g.opts.DisableWarmUp || !embedded {
		return
	}
	_, err = race.Within(ctx, g.opts.Clock, g.opts.WarmUpTimeout, func(ctx context.Context) (hostbridge.ActionResult, error) {
		return g.host.SendAction(ctx, hostbridge.ActionPayload{})
	})
	if err != nil && !errors.Is(err, race.ErrTimeout) {
		g.log.V(1).Info("action channel warm-up failed", "error", err.Error())
		return
	}
	g.log.V(1).Info("action channel warmed up")
}

func (g *Gate) finish(f *flight, phase Phase, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.inFlight == f {
		g.inFlight = nil
	}
	g.verified = phase == PhaseReady && err == nil
	g.settleLocked(phase, err)
}

func (g *Gate) settleLocked(phase Phase, err error) {
	g.lastErr = err
	g.settledAt = g.opts.Clock.Now()
	g.setPhaseLocked(phase)
}

func (g *Gate) setPhaseLocked(phase Phase) {
	changed := g.phase != phase
	g.phase = phase
	if changed {
		g.opts.Observer.PhaseChanged(phase)
	}
	state := g.snapshotLocked()
	for _, ch := range g.subs {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- state:
		default:
		}
	}
}

func (g *Gate) snapshotLocked() State {
	state := State{
		Phase:       g.phase,
		Attempts:    g.attempts,
		MaxAttempts: g.opts.MaxAttempts,
		Verified:    g.verified,
		Embedded:    g.embedded,
		Platform:    g.platform,
		SettledAt:   g.settledAt,
	}
	if g.lastErr != nil {
		state.LastError = g.lastErr.Error()
	}
	return state
}
