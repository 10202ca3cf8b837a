package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/lib/pq"
)

const (
	postgresJournalTableName = "hostgate_outcomes"
	postgresOperationTimeout = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// PostgresRecorder stores one row per outcome. The table is created lazily
// on first use.
type PostgresRecorder struct {
	dsn       string
	tableName string
	capacity  int
	openDB    sqlOpenFunc

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func NewPostgresRecorder(dsn string, capacity int) (*PostgresRecorder, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	if capacity < 0 {
		capacity = 0
	}
	return &PostgresRecorder{
		dsn:       dsn,
		tableName: postgresJournalTableName,
		capacity:  capacity,
		openDB:    sql.Open,
	}, nil
}

func (r *PostgresRecorder) Record(ctx context.Context, entry Entry) error {
	if err := validateEntry(entry); err != nil {
		return err
	}
	if err := r.ensureReady(); err != nil {
		return err
	}
	payload, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf(`
		INSERT INTO %s (entry_id, kind, payload, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entry_id) DO NOTHING`, postgresQuoteIdentifier(r.tableName))
	if _, err := r.db.ExecContext(ctx, query, entry.ID, entry.Kind, string(payload), entry.RecordedAt.UTC()); err != nil {
		return err
	}
	if r.capacity > 0 {
		trim := fmt.Sprintf(`
			DELETE FROM %[1]s WHERE id NOT IN (
				SELECT id FROM %[1]s ORDER BY id DESC LIMIT $1
			)`, postgresQuoteIdentifier(r.tableName))
		if _, err := r.db.ExecContext(ctx, trim, r.capacity); err != nil {
			return err
		}
	}
	return nil
}

func (r *PostgresRecorder) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if err := r.ensureReady(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 100
	}
	ctx, cancel := context.WithTimeout(ctx, postgresOperationTimeout)
	defer cancel()

	query := fmt.Sprintf("SELECT payload FROM %s ORDER BY id DESC LIMIT $1", postgresQuoteIdentifier(r.tableName))
	rows, err := r.db.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var entry Entry
		if err := json.Unmarshal([]byte(payload), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (r *PostgresRecorder) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	return r.db.Close()
}

func (r *PostgresRecorder) ensureReady() error {
	if r == nil {
		return ErrInvalidInput
	}
	r.initOnce.Do(func() {
		db, err := r.openDB("postgres", r.dsn)
		if err != nil {
			r.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), postgresOperationTimeout)
		defer cancel()

		query := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id BIGSERIAL PRIMARY KEY,
				entry_id TEXT NOT NULL UNIQUE,
				kind TEXT NOT NULL,
				payload TEXT NOT NULL,
				recorded_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`, postgresQuoteIdentifier(r.tableName))
		if _, err := db.ExecContext(ctx, query); err != nil {
			_ = db.Close()
			r.initErr = err
			return
		}
		r.db = db
	})
	return r.initErr
}

func postgresQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
