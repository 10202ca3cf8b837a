package journal

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestFileRecorderPersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "outcomes.json")
	ctx := context.Background()

	recorder, err := NewFileRecorder(path, 10)
	if err != nil {
		t.Fatalf("open file recorder failed: %v", err)
	}
	for i := 1; i <= 3; i++ {
		if err := recorder.Record(ctx, testEntry(i)); err != nil {
			t.Fatalf("record %d failed: %v", i, err)
		}
	}
	if err := recorder.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewFileRecorder(path, 10)
	if err != nil {
		t.Fatalf("reopen file recorder failed: %v", err)
	}
	entries, err := reopened.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(entries) != 3 || entries[0].ID != "entry-3" {
		t.Fatalf("expected 3 persisted entries newest first, got %+v", entries)
	}
	if !entries[0].RecordedAt.Equal(testEntry(3).RecordedAt) {
		t.Fatalf("recordedAt not preserved: %v", entries[0].RecordedAt)
	}
}

func TestFileRecorderTrimsOnReopenWithSmallerCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.json")
	ctx := context.Background()

	recorder, err := NewFileRecorder(path, 10)
	if err != nil {
		t.Fatalf("open file recorder failed: %v", err)
	}
	for i := 1; i <= 4; i++ {
		if err := recorder.Record(ctx, testEntry(i)); err != nil {
			t.Fatalf("record %d failed: %v", i, err)
		}
	}

	trimmed, err := NewFileRecorder(path, 2)
	if err != nil {
		t.Fatalf("reopen with capacity 2 failed: %v", err)
	}
	entries, _ := trimmed.Recent(ctx, 10)
	if len(entries) != 2 || entries[0].ID != "entry-4" || entries[1].ID != "entry-3" {
		t.Fatalf("expected entry-4, entry-3 after trim; got %+v", entries)
	}
}

func TestFileRecorderRejectsCorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "outcomes.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o644); err != nil {
		t.Fatalf("write corrupt file failed: %v", err)
	}
	if _, err := NewFileRecorder(path, 10); err == nil {
		t.Fatalf("expected error for corrupt journal file")
	}
}

func TestWriteFileAtomicLeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.json")
	if err := writeFileAtomic(path, []byte(`{"ok":true}`), 0o644); err != nil {
		t.Fatalf("atomic write failed: %v", err)
	}
	names, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir failed: %v", err)
	}
	if len(names) != 1 || names[0].Name() != "data.json" {
		t.Fatalf("expected only data.json, got %v", names)
	}
}
