package journal

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type RecorderFactory func(dsn string, capacity int) (Recorder, error)

var recorderFactoryRegistry = struct {
	mu        sync.RWMutex
	factories map[string]RecorderFactory
}{
	factories: map[string]RecorderFactory{},
}

func RegisterRecorderFactory(scheme string, factory RecorderFactory) {
	scheme = normalizeScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	recorderFactoryRegistry.mu.Lock()
	defer recorderFactoryRegistry.mu.Unlock()
	recorderFactoryRegistry.factories[scheme] = factory
}

func lookupRecorderFactory(scheme string) (RecorderFactory, bool) {
	scheme = normalizeScheme(scheme)
	recorderFactoryRegistry.mu.RLock()
	defer recorderFactoryRegistry.mu.RUnlock()
	factory, ok := recorderFactoryRegistry.factories[scheme]
	return factory, ok
}

// BuildRecorderFromDSN returns nil, nil for an empty DSN: the journal is
// optional.
func BuildRecorderFromDSN(dsn string, capacity int) (Recorder, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, nil
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeScheme(parsed.Scheme)
	if factory, ok := lookupRecorderFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileRecorder(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryRecorder(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresRecorder(dsn, capacity)
	default:
		return nil, fmt.Errorf("unsupported journal scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	// file://relative/dir/x.json parses "relative" as the host.
	if host := strings.TrimSpace(parsed.Host); host != "" && path != "" {
		path = host + path
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}

func normalizeScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}
