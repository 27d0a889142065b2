package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
)

const defaultLedgerRetries = 3

// ProcessedLedger stores processed message IDs in PostgreSQL so dedup
// survives restarts and is shared by every replica of a subscriber.
type ProcessedLedger struct {
	conn       *Connection
	maxRetries uint
	now        func() time.Time
}

// NewProcessedLedger creates a ledger over conn
func NewProcessedLedger(conn *Connection) *ProcessedLedger {
	return &ProcessedLedger{
		conn:       conn,
		maxRetries: defaultLedgerRetries,
		now:        time.Now,
	}
}

// EnsureSchema creates the ledger table if needed
func (l *ProcessedLedger) EnsureSchema(ctx context.Context, m *Migrator) error {
	if m == nil {
		m = NewMigrator(l.conn, nil)
	}
	_, err := m.Up(ctx, ledgerMigrations)
	return err
}

// Seen reports whether messageID was recorded
func (l *ProcessedLedger) Seen(ctx context.Context, messageID string) (bool, error) {
	return withRetry(ctx, l.maxRetries, func() (bool, error) {
		var one int
		err := l.conn.db.QueryRowContext(ctx,
			"SELECT 1 FROM processed_messages WHERE message_id = $1", messageID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("failed to look up processed message: %w", err)
		}
		return true, nil
	})
}

// Record inserts messageID; recording an existing ID is a no-op
func (l *ProcessedLedger) Record(ctx context.Context, messageID, orderingKey string) error {
	if messageID == "" {
		return nil
	}
	_, err := withRetry(ctx, l.maxRetries, func() (struct{}, error) {
		_, err := l.conn.db.ExecContext(ctx, `
			INSERT INTO processed_messages (message_id, ordering_key, processed_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (message_id) DO NOTHING`,
			messageID, orderingKey, l.now().UTC())
		if err != nil {
			return struct{}{}, fmt.Errorf("failed to record processed message: %w", err)
		}
		return struct{}{}, nil
	})
	return err
}

// Prune deletes entries older than olderThan and returns how many were removed
func (l *ProcessedLedger) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := l.now().Add(-olderThan).UTC()
	result, err := l.conn.db.ExecContext(ctx,
		"DELETE FROM processed_messages WHERE processed_at < $1", cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to prune processed messages: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get deleted rows count: %w", err)
	}
	return deleted, nil
}

// withRetry retries op while it fails with a transient PostgreSQL error
func withRetry[T any](ctx context.Context, maxRetries uint, op func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 2 * time.Second

	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !IsRetryableError(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(maxRetries+1))
}
