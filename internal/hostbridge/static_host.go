package hostbridge

import (
	"context"
	"sync"
)

// StaticHost answers every handshake call locally. It backs memory:// DSNs
// for local development, where no real host application is attached.
type StaticHost struct {
	mu       sync.Mutex
	embedded bool
	context  HostContext
	sent     []ActionPayload
	probeErr error
	sendErrs []error
}

func NewStaticHost(embedded bool, hostCtx HostContext) *StaticHost {
	return &StaticHost{embedded: embedded, context: hostCtx}
}

func (h *StaticHost) SignalReady(ctx context.Context) error {
	return ctx.Err()
}

func (h *StaticHost) ProbeEmbedded(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.probeErr != nil {
		return false, h.probeErr
	}
	return h.embedded, nil
}

func (h *StaticHost) Context(ctx context.Context) (HostContext, error) {
	if err := ctx.Err(); err != nil {
		return HostContext{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.context, nil
}

func (h *StaticHost) SendAction(ctx context.Context, payload ActionPayload) (ActionResult, error) {
	if err := ctx.Err(); err != nil {
		return ActionResult{}, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, payload)
	if len(h.sendErrs) > 0 {
		err := h.sendErrs[0]
		h.sendErrs = h.sendErrs[1:]
		return ActionResult{}, err
	}
	if payload.Text == "" && len(payload.Embeds) == 0 {
		return ActionResult{}, nil
	}
	return ActionResult{Cast: &Cast{
		Hash:       "local",
		Text:       payload.Text,
		Embeds:     append([]string(nil), payload.Embeds...),
		ChannelKey: payload.ChannelKey,
	}}, nil
}

func (h *StaticHost) Sent() []ActionPayload {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]ActionPayload(nil), h.sent...)
}

// SetProbeError makes every liveness probe fail with err until cleared with
// nil.
func (h *StaticHost) SetProbeError(err error) {
	h.mu.Lock()
	h.probeErr = err
	h.mu.Unlock()
}

// FailSends queues errors returned by the next len(errs) actions, in order.
func (h *StaticHost) FailSends(errs ...error) {
	h.mu.Lock()
	h.sendErrs = append(h.sendErrs, errs...)
	h.mu.Unlock()
}
