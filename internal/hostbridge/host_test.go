package hostbridge

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestIsHandshakeError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "not ready sentinel", err: ErrNotReady, want: true},
		{name: "wrapped not initialized", err: fmt.Errorf("send: %w", ErrNotInitialized), want: true},
		{name: "structured not ready", err: &HostError{Code: CodeNotReady}, want: true},
		{name: "structured rejection mentioning SDK", err: &HostError{Code: CodeRejected, Message: "SDK refused"}, want: false},
		{name: "structured unavailable", err: &HostError{Code: CodeUnavailable}, want: false},
		{name: "message marker not ready", err: errors.New("bridge not ready yet"), want: true},
		{name: "message marker SDK", err: errors.New("SDK call failed"), want: true},
		{name: "plain failure", err: errors.New("connection reset"), want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := IsHandshakeError(tc.err); got != tc.want {
				t.Fatalf("IsHandshakeError(%v) = %v, want %v", tc.err, got, tc.want)
			}
		})
	}
}

func TestHostErrorMessage(t *testing.T) {
	err := &HostError{Op: "compose", Code: CodeRejected, Message: "dismissed"}
	if got := err.Error(); got != "host compose failed (rejected): dismissed" {
		t.Fatalf("unexpected message %q", got)
	}
	bare := &HostError{Code: CodeTimeout}
	if got := bare.Error(); got != "host error timeout: timeout" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestStaticHostRecordsActionsAndInjectsFailures(t *testing.T) {
	host := NewStaticHost(true, HostContext{Client: ClientInfo{PlatformType: "web"}})
	ctx := context.Background()

	result, err := host.SendAction(ctx, ActionPayload{})
	if err != nil || result.Cast != nil {
		t.Fatalf("expected empty action to return no cast, got %+v, %v", result, err)
	}
	result, err = host.SendAction(ctx, ActionPayload{Text: "gm"})
	if err != nil || result.Cast == nil || result.Cast.Hash != "local" {
		t.Fatalf("expected local cast, got %+v, %v", result, err)
	}

	host.FailSends(ErrNotReady)
	if _, err := host.SendAction(ctx, ActionPayload{Text: "again"}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected injected failure, got %v", err)
	}
	if len(host.Sent()) != 3 {
		t.Fatalf("expected 3 recorded actions, got %d", len(host.Sent()))
	}

	host.SetProbeError(ErrUnavailable)
	if _, err := host.ProbeEmbedded(ctx); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected probe failure, got %v", err)
	}
	host.SetProbeError(nil)
	if embedded, err := host.ProbeEmbedded(ctx); err != nil || !embedded {
		t.Fatalf("expected embedded probe, got %v, %v", embedded, err)
	}
}

func TestBuildHostFromDSN(t *testing.T) {
	httpHost, err := BuildHostFromDSN("https://bridge.example", FactoryOptions{Token: "t"})
	if err != nil {
		t.Fatalf("http dsn: %v", err)
	}
	if _, ok := httpHost.(*HTTPHost); !ok {
		t.Fatalf("expected *HTTPHost, got %T", httpHost)
	}

	wsHost, err := BuildHostFromDSN("wss://bridge.example/socket", FactoryOptions{})
	if err != nil {
		t.Fatalf("ws dsn: %v", err)
	}
	if _, ok := wsHost.(*WSHost); !ok {
		t.Fatalf("expected *WSHost, got %T", wsHost)
	}

	memHost, err := BuildHostFromDSN("memory://?embedded=true&platform=mobile", FactoryOptions{})
	if err != nil {
		t.Fatalf("memory dsn: %v", err)
	}
	static, ok := memHost.(*StaticHost)
	if !ok {
		t.Fatalf("expected *StaticHost, got %T", memHost)
	}
	embedded, _ := static.ProbeEmbedded(context.Background())
	hostCtx, _ := static.Context(context.Background())
	if !embedded || hostCtx.Client.PlatformType != "mobile" {
		t.Fatalf("expected query options applied, got embedded=%v platform=%q", embedded, hostCtx.Client.PlatformType)
	}

	if _, err := BuildHostFromDSN("", FactoryOptions{}); err == nil {
		t.Fatalf("expected error for empty dsn")
	}
	if _, err := BuildHostFromDSN("ftp://bridge", FactoryOptions{}); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}

func TestRegisteredHostFactoryWins(t *testing.T) {
	want := NewStaticHost(false, HostContext{})
	RegisterHostFactory("Test-Bridge", func(dsn string, opts FactoryOptions) (Host, error) {
		return want, nil
	})
	got, err := BuildHostFromDSN("test-bridge://anything", FactoryOptions{})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if got != Host(want) {
		t.Fatalf("expected registered factory result")
	}
}
