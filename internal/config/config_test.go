package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("hostgate", pflag.ContinueOnError)
	AddFlags(fs)
	require.NoError(t, fs.Parse(args))
	return fs
}

func TestLoadDefaults(t *testing.T) {
	loader, err := NewLoader(newFlags(t), logr.Discard())
	require.NoError(t, err)

	cfg, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Server.Addr)
	assert.Equal(t, "memory://", cfg.Host.DSN)
	assert.Equal(t, 5, cfg.Gate.MaxAttempts)
	assert.Equal(t, 2, cfg.Share.MaxRetries)
	assert.Equal(t, 300*time.Millisecond, cfg.Share.BaseDelay)
	assert.Equal(t, 500*time.Millisecond, cfg.Share.ProbeTimeout)
	assert.Equal(t, 5, cfg.Share.RecoveryRounds)
	assert.Equal(t, "", loader.ConfigFile())
}

func TestLoadPrecedence(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hostgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("host:\n  dsn: ws://file-host\nshare:\n  max_retries: 4\ngate:\n  retry_pause: 250ms\n"), 0o644))
	t.Setenv("HOSTGATE_SHARE_MAX_RETRIES", "6")

	loader, err := NewLoader(newFlags(t, "--config", path, "--host-dsn", "http://flag-host"), logr.Discard())
	require.NoError(t, err)
	cfg, err := loader.Load()
	require.NoError(t, err)

	assert.Equal(t, "http://flag-host", cfg.Host.DSN)
	assert.Equal(t, 6, cfg.Share.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Gate.RetryPause)
	assert.Equal(t, path, loader.ConfigFile())
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	t.Setenv("HOSTGATE_GATE_MAX_ATTEMPTS", "0")
	t.Setenv("HOSTGATE_SHARE_MAX_RETRIES", "-1")

	loader, err := NewLoader(newFlags(t), logr.Discard())
	require.NoError(t, err)
	_, err = loader.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gate.max_attempts")
	assert.Contains(t, err.Error(), "share.max_retries")
}

func TestMissingConfigFileFails(t *testing.T) {
	_, err := NewLoader(newFlags(t, "--config", filepath.Join(t.TempDir(), "absent.yaml")), logr.Discard())
	require.Error(t, err)
}

func TestWatchAppliesFileChanges(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "hostgate.yaml")
	require.NoError(t, os.WriteFile(path, []byte("share:\n  max_retries: 1\n"), 0o644))

	loader, err := NewLoader(newFlags(t, "--config", path), logr.Discard())
	require.NoError(t, err)
	_, err = loader.Load()
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	applied := make(chan Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- loader.Watch(ctx, func(cfg Config) { applied <- cfg })
	}()

	deadline := time.After(5 * time.Second)
	for {
		require.NoError(t, os.WriteFile(path, []byte("share:\n  max_retries: 3\n"), 0o644))
		select {
		case cfg := <-applied:
			if cfg.Share.MaxRetries != 3 {
				continue
			}
			cancel()
			require.NoError(t, <-done)
			return
		case <-time.After(100 * time.Millisecond):
		case <-deadline:
			t.Fatal("config change was not applied")
		}
	}
}

func TestWatchWithoutFileWaitsForContext(t *testing.T) {
	loader, err := NewLoader(newFlags(t), logr.Discard())
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, loader.Watch(ctx, func(Config) { t.Fatal("unexpected apply") }))
}
