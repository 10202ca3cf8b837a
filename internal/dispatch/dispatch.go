// Package dispatch runs host actions behind the readiness gate.
//
// Run retries an arbitrary action with exponential backoff and re-runs the
// handshake when a failure looks handshake related. Share builds on Run for
// the compose action and degrades to a fallback locator when the host
// cannot be reached.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/agentworkforce/hostgate/internal/fallback"
	"github.com/agentworkforce/hostgate/internal/hostbridge"
	"github.com/agentworkforce/hostgate/internal/journal"
	"github.com/agentworkforce/hostgate/internal/race"
)

const maxJitter = 100 * time.Millisecond

var (
	ErrNotReadyNoFallback = errors.New("host not ready and no fallback provided")
	ErrHostNotVerified    = errors.New("host liveness not verified")
	ErrInvalidPayload     = errors.New("invalid action payload")
)

// TerminalError is returned once every attempt of an action has failed.
type TerminalError struct {
	Attempts int
	Err      error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("action failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *TerminalError) Unwrap() error {
	return e.Err
}

// Gate is the part of readiness.Gate the dispatcher relies on.
type Gate interface {
	EnsureReady(ctx context.Context, force bool) error
	ForceReinitialize(ctx context.Context) error
	IsReady() bool
}

type Observer interface {
	ActionAttempt(err error)
	ForcedReinitialization()
	ShareFinished(kind string, elapsed time.Duration)
}

type noopObserver struct{}

func (noopObserver) ActionAttempt(error)                 {}
func (noopObserver) ForcedReinitialization()             {}
func (noopObserver) ShareFinished(string, time.Duration) {}

type RetryPolicy struct {
	MaxRetries int           `json:"maxRetries"`
	BaseDelay  time.Duration `json:"baseDelay"`
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseDelay: 100 * time.Millisecond}
}

func DefaultSharePolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 2, BaseDelay: 300 * time.Millisecond}
}

func (p RetryPolicy) normalized() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = 100 * time.Millisecond
	}
	return p
}

// Delay is the pause after failed attempt i (zero based) before jitter.
func (p RetryPolicy) Delay(i int) time.Duration {
	p = p.normalized()
	if i < 0 {
		i = 0
	}
	return p.BaseDelay * time.Duration(uint64(1)<<uint(i))
}

type Options struct {
	Gate     Gate
	Host     hostbridge.Host
	Router   fallback.Router
	Recorder journal.Recorder
	Observer Observer
	Clock    clock.Clock
	Logger   logr.Logger

	SharePolicy    RetryPolicy
	ProbeTimeout   time.Duration
	RecoveryRounds int
	RecoveryPause  time.Duration
	RecordTimeout  time.Duration

	// Jitter is added to every backoff delay; it must not be negative.
	Jitter func() time.Duration
	// IsHandshakeError decides whether a failed attempt triggers a forced
	// re-initialization.
	IsHandshakeError func(error) bool
}

type Dispatcher struct {
	gate           Gate
	host           hostbridge.Host
	router         fallback.Router
	recorder       journal.Recorder
	observer       Observer
	clock          clock.Clock
	log            logr.Logger
	probeTimeout   time.Duration
	recoveryRounds int
	recoveryPause  time.Duration
	recordTimeout  time.Duration
	jitter         func() time.Duration
	isHandshake    func(error) bool
	schema         *payloadSchema

	mu          sync.RWMutex
	sharePolicy RetryPolicy
}

func New(opts Options) (*Dispatcher, error) {
	if opts.Gate == nil {
		return nil, errors.New("gate is required")
	}
	if opts.Host == nil {
		return nil, errors.New("host is required")
	}
	schema, err := compilePayloadSchema()
	if err != nil {
		return nil, err
	}
	d := &Dispatcher{
		gate:           opts.Gate,
		host:           opts.Host,
		router:         opts.Router,
		recorder:       opts.Recorder,
		observer:       opts.Observer,
		clock:          opts.Clock,
		log:            opts.Logger.WithName("dispatch"),
		probeTimeout:   opts.ProbeTimeout,
		recoveryRounds: opts.RecoveryRounds,
		recoveryPause:  opts.RecoveryPause,
		recordTimeout:  opts.RecordTimeout,
		jitter:         opts.Jitter,
		isHandshake:    opts.IsHandshakeError,
		schema:         schema,
		sharePolicy:    opts.SharePolicy,
	}
	if d.router == nil {
		d.router = fallback.DirectiveRouter{}
	}
	if d.observer == nil {
		d.observer = noopObserver{}
	}
	if d.clock == nil {
		d.clock = clock.RealClock{}
	}
	if d.probeTimeout <= 0 {
		d.probeTimeout = 500 * time.Millisecond
	}
	if d.recoveryRounds <= 0 {
		d.recoveryRounds = 5
	}
	if d.recoveryPause <= 0 {
		d.recoveryPause = 200 * time.Millisecond
	}
	if d.recordTimeout <= 0 {
		d.recordTimeout = 2 * time.Second
	}
	if d.jitter == nil {
		d.jitter = defaultJitter
	}
	if d.isHandshake == nil {
		d.isHandshake = hostbridge.IsHandshakeError
	}
	if d.sharePolicy == (RetryPolicy{}) {
		d.sharePolicy = DefaultSharePolicy()
	}
	return d, nil
}

func defaultJitter() time.Duration {
	return time.Duration(rand.Int64N(int64(maxJitter)))
}

func (d *Dispatcher) SharePolicy() RetryPolicy {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sharePolicy
}

func (d *Dispatcher) SetSharePolicy(policy RetryPolicy) {
	policy = policy.normalized()
	d.mu.Lock()
	d.sharePolicy = policy
	d.mu.Unlock()
	d.log.Info("share retry policy updated", "maxRetries", policy.MaxRetries, "baseDelay", policy.BaseDelay)
}

// Run invokes op at most policy.MaxRetries+1 times, strictly one after the
// other, and returns the first success. The gate is always asked to become
// ready before the first attempt.
func Run[T any](ctx context.Context, d *Dispatcher, policy RetryPolicy, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	if d == nil || op == nil {
		return zero, errors.New("dispatch: dispatcher and operation are required")
	}
	policy = policy.normalized()

	if err := d.gate.EnsureReady(ctx, false); err != nil {
		return zero, fmt.Errorf("ensure host ready: %w", err)
	}

	var lastErr error
	for i := 0; i <= policy.MaxRetries; i++ {
		if !d.gate.IsReady() {
			d.log.Info("gate not ready before attempt, forcing re-initialization", "attempt", i+1)
			if err := d.forceReinitialize(ctx); err != nil {
				return zero, &TerminalError{Attempts: i, Err: errors.Join(lastErr, err)}
			}
		}

		result, err := op(ctx)
		d.observer.ActionAttempt(err)
		if err == nil {
			d.log.V(1).Info("action succeeded", "attempt", i+1)
			return result, nil
		}
		lastErr = err
		d.log.Info("action attempt failed", "attempt", i+1, "of", policy.MaxRetries+1, "error", err.Error())
		if i == policy.MaxRetries {
			break
		}

		delay := policy.Delay(i) + d.nextJitter()
		d.log.V(1).Info("retrying action", "delay", delay)
		if err := race.Sleep(ctx, d.clock, delay); err != nil {
			return zero, &TerminalError{Attempts: i + 1, Err: errors.Join(lastErr, err)}
		}
		if d.isHandshake(err) {
			d.log.Info("handshake-related failure, forcing re-initialization", "attempt", i+1)
			if err := d.forceReinitialize(ctx); err != nil {
				return zero, &TerminalError{Attempts: i + 1, Err: errors.Join(lastErr, err)}
			}
		}
	}
	d.log.Info("all action attempts failed", "attempts", policy.MaxRetries+1)
	return zero, &TerminalError{Attempts: policy.MaxRetries + 1, Err: lastErr}
}

func (d *Dispatcher) nextJitter() time.Duration {
	j := d.jitter()
	if j < 0 {
		return 0
	}
	return j
}

func (d *Dispatcher) forceReinitialize(ctx context.Context) error {
	d.observer.ForcedReinitialization()
	return d.gate.ForceReinitialize(ctx)
}
