package journal

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"
)

func TestPostgresRecorderIntegration(t *testing.T) {
	dsn := postgresIntegrationDSN(t)
	tableName := fmt.Sprintf("hostgate_outcomes_test_%d", time.Now().UnixNano())
	t.Cleanup(func() { postgresIntegrationDropTable(t, dsn, tableName) })

	recorder, err := NewPostgresRecorder(dsn, 2)
	if err != nil {
		t.Fatalf("new postgres recorder failed: %v", err)
	}
	recorder.tableName = tableName
	defer recorder.Close()

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		if err := recorder.Record(ctx, testEntry(i)); err != nil {
			t.Fatalf("record %d failed: %v", i, err)
		}
	}
	// Duplicate IDs are ignored.
	if err := recorder.Record(ctx, testEntry(3)); err != nil {
		t.Fatalf("duplicate record failed: %v", err)
	}

	entries, err := recorder.Recent(ctx, 10)
	if err != nil {
		t.Fatalf("recent failed: %v", err)
	}
	if len(entries) != 2 || entries[0].ID != "entry-3" || entries[1].ID != "entry-2" {
		t.Fatalf("expected entry-3, entry-2 after trim; got %+v", entries)
	}
}

func postgresIntegrationDSN(t *testing.T) string {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("HOSTGATE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("set HOSTGATE_TEST_POSTGRES_DSN to run Postgres integration tests")
	}
	return dsn
}

func postgresIntegrationDropTable(t *testing.T, dsn, tableName string) {
	t.Helper()
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		t.Fatalf("open postgres for cleanup failed: %v", err)
	}
	defer db.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	query := fmt.Sprintf("DROP TABLE IF EXISTS %s", postgresQuoteIdentifier(tableName))
	if _, err := db.ExecContext(ctx, query); err != nil {
		t.Fatalf("drop cleanup table %q failed: %v", tableName, err)
	}
}
