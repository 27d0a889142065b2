package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

func TestDefaultConnectionConfig(t *testing.T) {
	config := DefaultConnectionConfig()

	if config.Host != "localhost" {
		t.Errorf("Expected host 'localhost', got '%s'", config.Host)
	}
	if config.Port != 5432 {
		t.Errorf("Expected port 5432, got %d", config.Port)
	}
	if config.ConnMaxLifetime != time.Hour {
		t.Errorf("Expected ConnMaxLifetime 1h, got %v", config.ConnMaxLifetime)
	}

	want := "host=localhost port=5432 user=orderedsub password=orderedsub dbname=orderedsub sslmode=disable"
	if got := config.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestNewConnectionFailsOnUnreachableHost(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping connection attempt in short mode")
	}
	config := DefaultConnectionConfig()
	config.Host = "nonexistent-host.invalid"
	config.Port = 9999

	conn, err := NewConnection(config)
	if err == nil {
		conn.Close()
		t.Error("Expected connection to fail with invalid config, but it succeeded")
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		connection bool
		retryable  bool
	}{
		{name: "nil error"},
		{name: "deadline", err: context.DeadlineExceeded},
		{name: "conn done", err: sql.ErrConnDone, connection: true, retryable: true},
		{name: "connection failure", err: &pq.Error{Code: "08006"}, connection: true, retryable: true},
		{name: "wrapped connection failure", err: fmt.Errorf("query: %w", &pq.Error{Code: "08001"}), connection: true, retryable: true},
		{name: "serialization failure", err: &pq.Error{Code: "40001"}, retryable: true},
		{name: "unique violation", err: &pq.Error{Code: "23505"}},
		{name: "plain error", err: errors.New("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsConnectionError(tt.err); got != tt.connection {
				t.Errorf("IsConnectionError(%v) = %v, expected %v", tt.err, got, tt.connection)
			}
			if got := IsRetryableError(tt.err); got != tt.retryable {
				t.Errorf("IsRetryableError(%v) = %v, expected %v", tt.err, got, tt.retryable)
			}
		})
	}
}

func TestWithRetryStopsOnPermanentError(t *testing.T) {
	calls := 0
	_, err := withRetry(context.Background(), 3, func() (int, error) {
		calls++
		return 0, &pq.Error{Code: "23505"}
	})
	if err == nil {
		t.Fatal("expected error")
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestWithRetryRetriesTransientError(t *testing.T) {
	calls := 0
	v, err := withRetry(context.Background(), 3, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, &pq.Error{Code: "40001"}
		}
		return 7, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if v != 7 || calls != 3 {
		t.Errorf("got value %d after %d calls", v, calls)
	}
}

// TestProcessedLedgerIntegration needs a PostgreSQL reachable through DB_HOST.
func TestProcessedLedgerIntegration(t *testing.T) {
	if testing.Short() || os.Getenv("DB_HOST") == "" {
		t.Skip("DB_HOST not set, skipping PostgreSQL integration test")
	}

	config := DefaultConnectionConfig()
	config.Host = os.Getenv("DB_HOST")
	conn, err := NewConnection(config)
	if err != nil {
		t.Skipf("PostgreSQL not available: %v", err)
	}
	defer conn.Close()

	ctx := context.Background()
	ledger := NewProcessedLedger(conn)
	if err := ledger.EnsureSchema(ctx, nil); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	// idempotent
	if err := ledger.EnsureSchema(ctx, nil); err != nil {
		t.Fatalf("second EnsureSchema: %v", err)
	}

	id := uuid.NewString()
	seen, err := ledger.Seen(ctx, id)
	if err != nil || seen {
		t.Fatalf("Seen before record = %v, %v", seen, err)
	}
	if err := ledger.Record(ctx, id, "order-1"); err != nil {
		t.Fatalf("Record: %v", err)
	}
	if err := ledger.Record(ctx, id, "order-1"); err != nil {
		t.Fatalf("duplicate Record: %v", err)
	}
	seen, err = ledger.Seen(ctx, id)
	if err != nil || !seen {
		t.Fatalf("Seen after record = %v, %v", seen, err)
	}

	ledger.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	deleted, err := ledger.Prune(ctx, 24*time.Hour)
	if err != nil {
		t.Fatalf("Prune: %v", err)
	}
	if deleted < 1 {
		t.Errorf("expected at least one pruned row, got %d", deleted)
	}
}
