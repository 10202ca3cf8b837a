package journal

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

type fileRecorderState struct {
	Entries []Entry `json:"entries"`
}

// FileRecorder keeps the journal in one JSON file, rewritten atomically on
// every record. Only the newest capacity entries are retained.
type FileRecorder struct {
	path     string
	capacity int
	mu       sync.Mutex
	entries  []Entry
}

func NewFileRecorder(path string, capacity int) (*FileRecorder, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if capacity <= 0 {
		capacity = 1024
	}
	r := &FileRecorder{
		path:     path,
		capacity: capacity,
		entries:  []Entry{},
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRecorder) Record(ctx context.Context, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	previous := r.entries
	next := append(append([]Entry(nil), r.entries...), entry)
	if len(next) > r.capacity {
		next = next[len(next)-r.capacity:]
	}
	r.entries = next
	if err := r.saveLocked(); err != nil {
		r.entries = previous
		return err
	}
	return nil
}

func (r *FileRecorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return newestFirst(r.entries, limit), nil
}

func (r *FileRecorder) Close() error {
	return nil
}

func (r *FileRecorder) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return err
	}
	var snapshot fileRecorderState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	if len(snapshot.Entries) > r.capacity {
		r.entries = append([]Entry(nil), snapshot.Entries[len(snapshot.Entries)-r.capacity:]...)
		return r.saveLocked()
	}
	r.entries = append([]Entry(nil), snapshot.Entries...)
	return nil
}

func (r *FileRecorder) saveLocked() error {
	data, err := json.Marshal(fileRecorderState{Entries: r.entries})
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(r.path, data, 0o644)
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
