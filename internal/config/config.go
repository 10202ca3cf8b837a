// Package config loads hostgate settings from flags, HOSTGATE_ environment
// variables and an optional config file, in that order of precedence.
package config

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-logr/logr"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "HOSTGATE"

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Host    HostConfig    `mapstructure:"host"`
	Gate    GateConfig    `mapstructure:"gate"`
	Share   ShareConfig   `mapstructure:"share"`
	Journal JournalConfig `mapstructure:"journal"`
	Log     LogConfig     `mapstructure:"log"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	JWTSecret       string        `mapstructure:"jwt_secret"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes"`
	RateLimitMax    int           `mapstructure:"rate_limit_max"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// HostConfig selects the host bridge. DSN schemes: http(s)://, ws(s)://,
// memory://.
type HostConfig struct {
	DSN     string        `mapstructure:"dsn"`
	Token   string        `mapstructure:"token"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type GateConfig struct {
	MaxAttempts      int           `mapstructure:"max_attempts"`
	ReadySignals     int           `mapstructure:"ready_signals"`
	ReadySignalPause time.Duration `mapstructure:"ready_signal_pause"`
	Probes           int           `mapstructure:"probes"`
	ProbeBackoff     time.Duration `mapstructure:"probe_backoff"`
	RetryPause       time.Duration `mapstructure:"retry_pause"`
	ErrorPause       time.Duration `mapstructure:"error_pause"`
	HostCallTimeout  time.Duration `mapstructure:"host_call_timeout"`
	WarmUpTimeout    time.Duration `mapstructure:"warm_up_timeout"`
	DisableWarmUp    bool          `mapstructure:"disable_warm_up"`
}

type ShareConfig struct {
	MaxRetries     int           `mapstructure:"max_retries"`
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	RecoveryRounds int           `mapstructure:"recovery_rounds"`
	RecoveryPause  time.Duration `mapstructure:"recovery_pause"`
}

// JournalConfig selects the outcome journal. A profile other than "custom"
// overrides DSN; with no profile an empty DSN disables the journal.
type JournalConfig struct {
	DSN         string `mapstructure:"dsn"`
	Capacity    int    `mapstructure:"capacity"`
	Profile     string `mapstructure:"profile"`
	DataDir     string `mapstructure:"data_dir"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
}

type LogConfig struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

var defaults = map[string]any{
	"server.addr":              ":8080",
	"server.jwt_secret":        "",
	"server.max_body_bytes":    int64(1 << 20),
	"server.rate_limit_max":    0,
	"server.rate_limit_window": time.Minute,
	"server.shutdown_timeout":  10 * time.Second,

	"host.dsn":     "memory://",
	"host.token":   "",
	"host.timeout": 10 * time.Second,

	"gate.max_attempts":       5,
	"gate.ready_signals":      3,
	"gate.ready_signal_pause": 50 * time.Millisecond,
	"gate.probes":             5,
	"gate.probe_backoff":      100 * time.Millisecond,
	"gate.retry_pause":        500 * time.Millisecond,
	"gate.error_pause":        time.Second,
	"gate.host_call_timeout":  2 * time.Second,
	"gate.warm_up_timeout":    100 * time.Millisecond,
	"gate.disable_warm_up":    false,

	"share.max_retries":     2,
	"share.base_delay":      300 * time.Millisecond,
	"share.probe_timeout":   500 * time.Millisecond,
	"share.recovery_rounds": 5,
	"share.recovery_pause":  200 * time.Millisecond,

	"journal.dsn":          "memory://",
	"journal.capacity":     1024,
	"journal.profile":      "",
	"journal.data_dir":     ".hostgate",
	"journal.postgres_dsn": "",

	"log.level":       "info",
	"log.development": false,
}

// flagKeys maps command-line flags onto config keys.
var flagKeys = map[string]string{
	"addr":              "server.addr",
	"host-dsn":          "host.dsn",
	"journal-dsn":       "journal.dsn",
	"log-level":         "log.level",
	"dev":               "log.development",
	"share-max-retries": "share.max_retries",
}

// AddFlags registers the hostgate flags on fs.
func AddFlags(fs *pflag.FlagSet) {
	fs.String("config", "", "Path to a config file (yaml, json or toml).")
	fs.String("addr", defaults["server.addr"].(string), "HTTP listen address.")
	fs.String("host-dsn", defaults["host.dsn"].(string), "Host bridge DSN: http(s)://, ws(s):// or memory://.")
	fs.String("journal-dsn", defaults["journal.dsn"].(string), "Outcome journal DSN: memory://, file:// or postgres://. Empty disables it.")
	fs.String("log-level", defaults["log.level"].(string), "Log level: info, v1, v2, v3, or a zap level name.")
	fs.Bool("dev", false, "Human readable development logging.")
	fs.Int("share-max-retries", defaults["share.max_retries"].(int), "Retries after the first share attempt.")
}

type Loader struct {
	v   *viper.Viper
	log logr.Logger
}

// NewLoader binds fs, which must already carry AddFlags, and reads the config
// file named by --config or HOSTGATE_CONFIG when present.
func NewLoader(fs *pflag.FlagSet, log logr.Logger) (*Loader, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if fs != nil {
		for flagName, key := range flagKeys {
			if flag := fs.Lookup(flagName); flag != nil {
				if err := v.BindPFlag(key, flag); err != nil {
					return nil, fmt.Errorf("bind flag %s: %w", flagName, err)
				}
			}
		}
	}

	path := v.GetString("config")
	if fs != nil {
		if flag := fs.Lookup("config"); flag != nil && flag.Changed {
			path = flag.Value.String()
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return &Loader{v: v, log: log.WithName("config")}, nil
}

func (l *Loader) SetLogger(log logr.Logger) {
	l.log = log.WithName("config")
}

// Load decodes and validates the current settings.
func (l *Loader) Load() (Config, error) {
	var cfg Config
	if err := l.v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ConfigFile returns the file in use, or "" when settings come only from
// flags and the environment.
func (l *Loader) ConfigFile() string {
	return l.v.ConfigFileUsed()
}

// Watch calls apply with the reloaded config after every change to the config
// file until ctx is done. Invalid edits are logged and skipped. Without a
// config file Watch just waits for ctx.
func (l *Loader) Watch(ctx context.Context, apply func(Config)) error {
	if l.ConfigFile() == "" {
		<-ctx.Done()
		return nil
	}
	type reload struct {
		cfg   Config
		err   error
		event fsnotify.Event
	}
	// viper re-reads the file on its watcher goroutine; decode there too so
	// the viper instance is never touched from two goroutines at once.
	reloads := make(chan reload, 1)
	l.v.OnConfigChange(func(event fsnotify.Event) {
		cfg, err := l.Load()
		select {
		case reloads <- reload{cfg: cfg, err: err, event: event}:
		case <-ctx.Done():
		}
	})
	l.v.WatchConfig()
	l.log.Info("watching config file", "path", l.ConfigFile())

	for {
		select {
		case <-ctx.Done():
			return nil
		case r := <-reloads:
			if r.err != nil {
				l.log.Error(r.err, "ignoring invalid config change", "path", r.event.Name)
				continue
			}
			l.log.Info("config reloaded", "path", r.event.Name, "op", r.event.Op.String())
			apply(r.cfg)
		}
	}
}

func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Server.Addr) == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if strings.TrimSpace(c.Host.DSN) == "" {
		errs = append(errs, errors.New("host.dsn is required"))
	}
	if c.Gate.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("gate.max_attempts must be positive, got %d", c.Gate.MaxAttempts))
	}
	if c.Share.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("share.max_retries must not be negative, got %d", c.Share.MaxRetries))
	}
	if c.Share.BaseDelay < 0 {
		errs = append(errs, fmt.Errorf("share.base_delay must not be negative, got %s", c.Share.BaseDelay))
	}
	if c.Journal.Capacity < 0 {
		errs = append(errs, fmt.Errorf("journal.capacity must not be negative, got %d", c.Journal.Capacity))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}
