package hostbridge

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

type FactoryOptions struct {
	Token      string
	HTTPClient *http.Client
	Timeout    time.Duration
	Logger     logr.Logger
}

type HostFactory func(dsn string, opts FactoryOptions) (Host, error)

var hostFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]HostFactory
}{
	factories: map[string]HostFactory{},
}

func RegisterHostFactory(scheme string, factory HostFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	hostFactoryRegistry.mu.Lock()
	defer hostFactoryRegistry.mu.Unlock()
	hostFactoryRegistry.factories[scheme] = factory
}

func lookupHostFactory(scheme string) (HostFactory, bool) {
	scheme = normalizeScheme(scheme)
	hostFactoryRegistry.mu.RLock()
	defer hostFactoryRegistry.mu.RUnlock()
	factory, ok := hostFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildHostFromDSN picks a transport by scheme: http(s) for HTTPHost,
// ws(s) for WSHost and memory for StaticHost. Registered factories win.
func BuildHostFromDSN(dsn string, opts FactoryOptions) (Host, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, fmt.Errorf("host dsn is required")
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupHostFactory(scheme); ok {
		return factory(dsn, opts)
	}
	switch scheme {
	case "http", "https":
		httpClient := opts.HTTPClient
		if httpClient == nil && opts.Timeout > 0 {
			httpClient = &http.Client{Timeout: opts.Timeout}
		}
		return NewHTTPHost(HTTPHostOptions{
			BaseURL:    dsn,
			Token:      opts.Token,
			HTTPClient: httpClient,
			UserAgent:  "hostgate",
		}), nil
	case "ws", "wss":
		host, err := NewWSHost(WSHostOptions{
			URL:         dsn,
			Token:       opts.Token,
			DialTimeout: opts.Timeout,
			Logger:      opts.Logger,
		})
		if err != nil {
			return nil, err
		}
		return host, nil
	case "memory", "mem", "inmem":
		q := parsed.Query()
		embedded, _ := strconv.ParseBool(q.Get("embedded"))
		platform := strings.TrimSpace(q.Get("platform"))
		if platform == "" {
			platform = "web"
		}
		return NewStaticHost(embedded, HostContext{Client: ClientInfo{PlatformType: platform}}), nil
	default:
		return nil, fmt.Errorf("unsupported host scheme: %s", scheme)
	}
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
