package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/hostgate/internal/fallback"
	"github.com/agentworkforce/hostgate/internal/hostbridge"
	"github.com/agentworkforce/hostgate/internal/journal"
	"github.com/agentworkforce/hostgate/internal/race"
)

const (
	maxEmbeds = 2
	// maxTextLength is the schema's text maxLength, counted in code points.
	maxTextLength = 1024
)

type OutcomeKind string

const (
	OutcomeSuccess  OutcomeKind = "success"
	OutcomeFallback OutcomeKind = "fallback"
	OutcomeFailed   OutcomeKind = "failed"
)

type ShareRequest struct {
	Text        string   `json:"text"`
	Embeds      []string `json:"embeds,omitempty"`
	ChannelKey  string   `json:"channelKey,omitempty"`
	FallbackURL string   `json:"fallbackUrl,omitempty"`

	Environment   fallback.Environment `json:"-"`
	CorrelationID string               `json:"-"`
}

// Outcome is the single result of a share. Exactly one of Result, Fallback
// and Err is meaningful, selected by Kind.
type Outcome struct {
	Kind          OutcomeKind
	Result        *hostbridge.ActionResult
	Fallback      *fallback.Directive
	Cause         error
	Err           error
	Attempts      int
	CorrelationID string
}

// Locator returns the fallback URL for fallback outcomes.
func (o Outcome) Locator() string {
	if o.Fallback == nil {
		return ""
	}
	return o.Fallback.URL
}

// ShapePayload drops absent optional fields and keeps at most the first two
// embeds.
func ShapePayload(req ShareRequest) hostbridge.ActionPayload {
	payload := hostbridge.ActionPayload{Text: req.Text, ChannelKey: req.ChannelKey}
	if len(req.Embeds) > 0 {
		n := len(req.Embeds)
		if n > maxEmbeds {
			n = maxEmbeds
		}
		payload.Embeds = append([]string(nil), req.Embeds[:n]...)
	}
	return payload
}

func (d *Dispatcher) ValidatePayload(payload hostbridge.ActionPayload) error {
	return d.schema.validate(payload)
}

// Share sends the compose action through the host, recovering the handshake
// when liveness cannot be verified, and falls back to req.FallbackURL when
// the host stays unreachable or every attempt fails.
func (d *Dispatcher) Share(ctx context.Context, req ShareRequest) (Outcome, error) {
	started := d.clock.Now()
	log := d.log.WithValues("correlationId", req.CorrelationID)

	outcome := d.share(ctx, req)
	outcome.CorrelationID = req.CorrelationID

	elapsed := d.clock.Since(started)
	d.observer.ShareFinished(string(outcome.Kind), elapsed)
	switch outcome.Kind {
	case OutcomeSuccess:
		log.Info("share delivered", "attempts", outcome.Attempts, "elapsed", elapsed)
	case OutcomeFallback:
		log.Info("share routed to fallback", "attempts", outcome.Attempts, "mode", outcome.Fallback.Mode, "cause", errorString(outcome.Cause))
	default:
		log.Error(outcome.Err, "share failed", "attempts", outcome.Attempts)
	}
	d.record(ctx, outcome)
	return outcome, outcome.Err
}

func (d *Dispatcher) share(ctx context.Context, req ShareRequest) Outcome {
	payload := ShapePayload(req)
	if err := d.ValidatePayload(payload); err != nil {
		return Outcome{Kind: OutcomeFailed, Err: err}
	}

	if !d.verifyLiveness(ctx) {
		if err := ctx.Err(); err != nil {
			return Outcome{Kind: OutcomeFailed, Err: err}
		}
		return d.fallbackOrFail(ctx, req, ErrHostNotVerified, 0)
	}

	attempts := 0
	result, err := Run(ctx, d, d.SharePolicy(), func(ctx context.Context) (hostbridge.ActionResult, error) {
		attempts++
		return d.host.SendAction(ctx, payload)
	})
	if err == nil {
		return Outcome{Kind: OutcomeSuccess, Result: &result, Attempts: attempts}
	}
	return d.fallbackOrFail(ctx, req, err, attempts)
}

// verifyLiveness probes the host directly, then runs up to recoveryRounds
// forced handshakes with a growing pause, re-probing after each.
func (d *Dispatcher) verifyLiveness(ctx context.Context) bool {
	if d.probe(ctx) {
		return true
	}
	for round := 1; round <= d.recoveryRounds; round++ {
		d.log.Info("host liveness not verified, recovering", "round", round, "of", d.recoveryRounds)
		if err := d.forceReinitialize(ctx); err != nil {
			return false
		}
		if err := race.Sleep(ctx, d.clock, d.recoveryPause*time.Duration(round)); err != nil {
			return false
		}
		if d.probe(ctx) {
			return true
		}
	}
	return false
}

func (d *Dispatcher) probe(ctx context.Context) bool {
	_, err := race.Within(ctx, d.clock, d.probeTimeout, d.host.ProbeEmbedded)
	if err != nil {
		d.log.V(1).Info("liveness probe failed", "error", err.Error())
		return false
	}
	return true
}

func (d *Dispatcher) fallbackOrFail(ctx context.Context, req ShareRequest, cause error, attempts int) Outcome {
	if req.FallbackURL == "" {
		err := cause
		if errors.Is(cause, ErrHostNotVerified) {
			err = ErrNotReadyNoFallback
		}
		return Outcome{Kind: OutcomeFailed, Err: err, Cause: cause, Attempts: attempts}
	}
	directive, err := d.router.Route(ctx, req.Environment, req.FallbackURL)
	if err != nil {
		return Outcome{
			Kind:     OutcomeFailed,
			Err:      fmt.Errorf("route fallback: %w", errors.Join(err, cause)),
			Cause:    cause,
			Attempts: attempts,
		}
	}
	return Outcome{Kind: OutcomeFallback, Fallback: &directive, Cause: cause, Attempts: attempts}
}

func (d *Dispatcher) record(ctx context.Context, outcome Outcome) {
	if d.recorder == nil {
		return
	}
	entry := journal.Entry{
		ID:            uuid.NewString(),
		CorrelationID: outcome.CorrelationID,
		Kind:          string(outcome.Kind),
		Attempts:      outcome.Attempts,
		RecordedAt:    d.clock.Now().UTC(),
	}
	if outcome.Fallback != nil {
		entry.Locator = outcome.Fallback.URL
		entry.Mode = string(outcome.Fallback.Mode)
	}
	if outcome.Result != nil && outcome.Result.Cast != nil {
		entry.CastHash = outcome.Result.Cast.Hash
	}
	if outcome.Err != nil {
		entry.Error = outcome.Err.Error()
	} else if outcome.Cause != nil {
		entry.Error = outcome.Cause.Error()
	}

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.recordTimeout)
	defer cancel()
	if err := d.recorder.Record(recordCtx, entry); err != nil {
		d.log.Error(err, "record share outcome", "entryId", entry.ID)
	}
}

func errorString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
