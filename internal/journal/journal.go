// Package journal keeps an audit trail of dispatch outcomes.
package journal

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

var ErrInvalidInput = errors.New("invalid input")

type Entry struct {
	ID            string    `json:"id"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Kind          string    `json:"kind"`
	Attempts      int       `json:"attempts"`
	Locator       string    `json:"locator,omitempty"`
	Mode          string    `json:"mode,omitempty"`
	CastHash      string    `json:"castHash,omitempty"`
	Error         string    `json:"error,omitempty"`
	RecordedAt    time.Time `json:"recordedAt"`
}

type Recorder interface {
	Record(ctx context.Context, entry Entry) error
	// Recent returns up to limit entries, newest first.
	Recent(ctx context.Context, limit int) ([]Entry, error)
	Close() error
}

func validateEntry(entry Entry) error {
	if strings.TrimSpace(entry.ID) == "" || strings.TrimSpace(entry.Kind) == "" {
		return ErrInvalidInput
	}
	return nil
}

type InMemoryRecorder struct {
	mu       sync.Mutex
	capacity int
	entries  []Entry
}

func NewInMemoryRecorder(capacity int) *InMemoryRecorder {
	if capacity <= 0 {
		capacity = 1024
	}
	return &InMemoryRecorder{capacity: capacity}
}

func (r *InMemoryRecorder) Record(ctx context.Context, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, entry)
	if len(r.entries) > r.capacity {
		r.entries = append([]Entry(nil), r.entries[len(r.entries)-r.capacity:]...)
	}
	return nil
}

func (r *InMemoryRecorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return newestFirst(r.entries, limit), nil
}

func (r *InMemoryRecorder) Close() error {
	return nil
}

func newestFirst(entries []Entry, limit int) []Entry {
	if limit <= 0 || limit > len(entries) {
		limit = len(entries)
	}
	out := make([]Entry, 0, limit)
	for i := len(entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, entries[i])
	}
	return out
}
