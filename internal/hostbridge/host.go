// Package hostbridge talks to the application that embeds the mini-app.
//
// The host is reached through one of several transports (HTTP, WebSocket or
// an in-process static host) selected by DSN. Every transport exposes the
// same four operations: the readiness signal, the embedded probe, the host
// context and the compose action.
package hostbridge

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Host interface {
	SignalReady(ctx context.Context) error
	ProbeEmbedded(ctx context.Context) (bool, error)
	Context(ctx context.Context) (HostContext, error)
	SendAction(ctx context.Context, payload ActionPayload) (ActionResult, error)
}

type ClientInfo struct {
	PlatformType string `json:"platformType,omitempty"`
	ClientFID    int64  `json:"clientFid,omitempty"`
	Added        bool   `json:"added,omitempty"`
}

type UserInfo struct {
	FID         int64  `json:"fid,omitempty"`
	Username    string `json:"username,omitempty"`
	DisplayName string `json:"displayName,omitempty"`
}

type HostContext struct {
	Client ClientInfo `json:"client"`
	User   UserInfo   `json:"user"`
}

// ActionPayload is the compose action as the host expects it. Embeds never
// holds more than two entries once shaped by the dispatcher.
type ActionPayload struct {
	Text       string   `json:"text"`
	Embeds     []string `json:"embeds,omitempty"`
	ChannelKey string   `json:"channelKey,omitempty"`
}

type Cast struct {
	Hash       string   `json:"hash"`
	Text       string   `json:"text,omitempty"`
	Embeds     []string `json:"embeds,omitempty"`
	ChannelKey string   `json:"channelKey,omitempty"`
}

// ActionResult is nil-Cast when the user dismissed the composer.
type ActionResult struct {
	Cast *Cast `json:"cast"`
}

const (
	CodeNotReady       = "not_ready"
	CodeNotInitialized = "not_initialized"
	CodeUnavailable    = "unavailable"
	CodeRejected       = "rejected"
	CodeTimeout        = "timeout"
)

var (
	ErrNotReady       = errors.New("host not ready")
	ErrNotInitialized = errors.New("host not initialized")
	ErrUnavailable    = errors.New("host unavailable")
)

type HostError struct {
	Op         string
	Code       string
	Message    string
	StatusCode int
}

func (e *HostError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = e.Code
	}
	if e.Op == "" {
		return fmt.Sprintf("host error %s: %s", e.Code, msg)
	}
	return fmt.Sprintf("host %s failed (%s): %s", e.Op, e.Code, msg)
}

func (e *HostError) Is(target error) bool {
	switch target {
	case ErrNotReady:
		return e.Code == CodeNotReady
	case ErrNotInitialized:
		return e.Code == CodeNotInitialized
	case ErrUnavailable:
		return e.Code == CodeUnavailable
	}
	return false
}

// handshakeMarkers are matched against error text only when the error carries
// no structured code.
var handshakeMarkers = []string{"not ready", "not initialized", "SDK"}

// IsHandshakeError reports whether err suggests the readiness handshake has
// been lost and re-running it may help.
func IsHandshakeError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotReady) || errors.Is(err, ErrNotInitialized) {
		return true
	}
	var hostErr *HostError
	if errors.As(err, &hostErr) && hostErr.Code != "" {
		return false
	}
	msg := err.Error()
	for _, marker := range handshakeMarkers {
		if strings.Contains(msg, marker) {
			return true
		}
	}
	return false
}
