package readiness

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/hostgate/internal/hostbridge"
	"github.com/agentworkforce/hostgate/internal/logging"
)

var testLogger = logging.NewTestLogger().V(logging.VERBOSE)

type scriptedHost struct {
	mu         sync.Mutex
	embedded   bool
	failProbes int // probes fail until this many have been made
	probeErr   error
	panicProbe bool
	gate       chan struct{}
	signals    int
	probes     int
	sent       []hostbridge.ActionPayload
}

func (h *scriptedHost) SignalReady(ctx context.Context) error {
	h.mu.Lock()
	h.signals++
	gate := h.gate
	h.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *scriptedHost) ProbeEmbedded(context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.probes++
	if h.panicProbe {
		panic("bridge crashed")
	}
	if h.probeErr != nil {
		return false, h.probeErr
	}
	if h.probes <= h.failProbes {
		return false, hostbridge.ErrUnavailable
	}
	return h.embedded, nil
}

func (h *scriptedHost) Context(context.Context) (hostbridge.HostContext, error) {
	return hostbridge.HostContext{Client: hostbridge.ClientInfo{PlatformType: "mobile"}}, nil
}

func (h *scriptedHost) SendAction(_ context.Context, payload hostbridge.ActionPayload) (hostbridge.ActionResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, payload)
	return hostbridge.ActionResult{}, nil
}

func (h *scriptedHost) counts() (signals, probes, sent int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.signals, h.probes, len(h.sent)
}

type recordingObserver struct {
	mu       sync.Mutex
	attempts []bool
	phases   []Phase
}

func (o *recordingObserver) AttemptFinished(_ int, verified bool, _ time.Duration) {
	o.mu.Lock()
	o.attempts = append(o.attempts, verified)
	o.mu.Unlock()
}

func (o *recordingObserver) PhaseChanged(phase Phase) {
	o.mu.Lock()
	o.phases = append(o.phases, phase)
	o.mu.Unlock()
}

func fastOptions() Options {
	return Options{
		ReadySignals:     3,
		ReadySignalPause: -1,
		Probes:           2,
		ProbeBackoff:     time.Millisecond,
		RetryPause:       time.Millisecond,
		ErrorPause:       time.Millisecond,
		HostCallTimeout:  100 * time.Millisecond,
		WarmUpTimeout:    50 * time.Millisecond,
		Logger:           testLogger,
	}
}

func newTestGate(t *testing.T, host hostbridge.Host, opts Options) *Gate {
	t.Helper()
	gate, err := NewGate(host, opts)
	require.NoError(t, err)
	t.Cleanup(gate.Close)
	return gate
}

func TestEnsureReadyVerifiesAndWarmsUp(t *testing.T) {
	host := &scriptedHost{embedded: true}
	observer := &recordingObserver{}
	opts := fastOptions()
	opts.Observer = observer
	gate := newTestGate(t, host, opts)

	require.NoError(t, gate.EnsureReady(context.Background(), false))

	state := gate.Snapshot()
	assert.Equal(t, PhaseReady, state.Phase)
	assert.True(t, state.Verified)
	assert.True(t, state.Embedded)
	assert.Equal(t, "mobile", state.Platform)
	assert.Equal(t, 1, state.Attempts)
	assert.Empty(t, state.LastError)

	signals, probes, sent := host.counts()
	assert.Equal(t, 3, signals)
	assert.Equal(t, 1, probes)
	assert.Equal(t, 1, sent, "embedded host gets one empty warm-up action")
	assert.Equal(t, []Phase{PhaseInitializing, PhaseReady}, observer.phases)
	assert.Equal(t, []bool{true}, observer.attempts)
}

func TestWarmUpSkippedOutsideEmbeddedHost(t *testing.T) {
	host := &scriptedHost{embedded: false}
	gate := newTestGate(t, host, fastOptions())

	require.NoError(t, gate.EnsureReady(context.Background(), false))
	_, _, sent := host.counts()
	assert.Zero(t, sent)
	assert.True(t, gate.Verified())
}

func TestConcurrentCallersShareOneAttempt(t *testing.T) {
	host := &scriptedHost{embedded: true, gate: make(chan struct{})}
	opts := fastOptions()
	opts.HostCallTimeout = 5 * time.Second
	gate := newTestGate(t, host, opts)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- gate.EnsureReady(context.Background(), false)
		}()
	}
	require.Eventually(t, func() bool {
		return gate.Snapshot().Phase == PhaseInitializing
	}, time.Second, time.Millisecond)

	// A forced caller joins the running attempt instead of starting another.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, gate.EnsureReady(ctx, true), context.DeadlineExceeded)
	assert.Equal(t, 1, gate.Snapshot().Attempts)

	close(host.gate)
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, gate.Snapshot().Attempts)
	assert.True(t, gate.IsReady())
}

func TestAlreadyReadyReturnsWithoutNewAttempt(t *testing.T) {
	host := &scriptedHost{embedded: true}
	gate := newTestGate(t, host, fastOptions())

	require.NoError(t, gate.EnsureReady(context.Background(), false))
	require.NoError(t, gate.EnsureReady(context.Background(), false))
	assert.Equal(t, 1, gate.Snapshot().Attempts)

	require.NoError(t, gate.ForceReinitialize(context.Background()))
	assert.Equal(t, 2, gate.Snapshot().Attempts)
}

func TestProbeRecoversWithinAttempt(t *testing.T) {
	host := &scriptedHost{embedded: true, failProbes: 1}
	gate := newTestGate(t, host, fastOptions())

	require.NoError(t, gate.EnsureReady(context.Background(), false))
	_, probes, _ := host.counts()
	assert.Equal(t, 2, probes)
	assert.Equal(t, 1, gate.Snapshot().Attempts)
	assert.True(t, gate.Verified())
}

func TestUnverifiedHostSettlesDegradedAtCap(t *testing.T) {
	host := &scriptedHost{probeErr: errors.New("no answer")}
	opts := fastOptions()
	opts.MaxAttempts = 3
	gate := newTestGate(t, host, opts)

	require.NoError(t, gate.EnsureReady(context.Background(), false))

	state := gate.Snapshot()
	assert.Equal(t, PhaseDegradedReady, state.Phase)
	assert.Equal(t, 3, state.Attempts)
	assert.False(t, state.Verified)
	assert.True(t, gate.IsReady())
	assert.Equal(t, ErrHandshakeNotVerified.Error(), state.LastError)

	_, probes, _ := host.counts()
	require.NoError(t, gate.ForceReinitialize(context.Background()))
	_, after, _ := host.counts()
	assert.Equal(t, probes, after, "no attempt runs past the cap")
	assert.Equal(t, 3, gate.Snapshot().Attempts)
}

func TestPanickingHostFailsOpenAtCap(t *testing.T) {
	host := &scriptedHost{panicProbe: true}
	opts := fastOptions()
	opts.MaxAttempts = 2
	gate := newTestGate(t, host, opts)

	require.NoError(t, gate.EnsureReady(context.Background(), false))

	state := gate.Snapshot()
	assert.Equal(t, PhaseReady, state.Phase)
	assert.False(t, state.Verified)
	assert.Equal(t, 2, state.Attempts)
	assert.Contains(t, state.LastError, "panicked")
}

func TestHungHostCallIsBounded(t *testing.T) {
	host := &scriptedHost{embedded: true, gate: make(chan struct{})}
	defer close(host.gate)
	opts := fastOptions()
	opts.ReadySignals = 1
	opts.HostCallTimeout = 20 * time.Millisecond
	gate := newTestGate(t, host, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, gate.EnsureReady(ctx, false))
	assert.True(t, gate.Verified())
}

func TestCallerContextBoundsWaitOnly(t *testing.T) {
	host := &scriptedHost{embedded: true, gate: make(chan struct{})}
	gate := newTestGate(t, host, fastOptions())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := gate.EnsureReady(ctx, false)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(host.gate)
	require.NoError(t, gate.WaitForPending(context.Background()))
	assert.True(t, gate.IsReady())
	assert.Equal(t, 1, gate.Snapshot().Attempts)
}

func TestSubscribeSeesPhaseChanges(t *testing.T) {
	host := &scriptedHost{embedded: true}
	gate := newTestGate(t, host, fastOptions())

	states, unsubscribe := gate.Subscribe()
	defer unsubscribe()
	initial := <-states
	assert.Equal(t, PhaseUninitialized, initial.Phase)

	require.NoError(t, gate.EnsureReady(context.Background(), false))
	require.Eventually(t, func() bool {
		select {
		case s := <-states:
			return s.Phase == PhaseReady
		default:
			return false
		}
	}, time.Second, time.Millisecond)
}

func TestClosedGateRejectsCallers(t *testing.T) {
	gate := newTestGate(t, &scriptedHost{embedded: true}, fastOptions())
	gate.Close()
	require.ErrorIs(t, gate.EnsureReady(context.Background(), false), ErrClosed)
}

func TestNewGateRequiresHost(t *testing.T) {
	_, err := NewGate(nil, Options{})
	require.Error(t, err)
}
