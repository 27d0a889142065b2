package database

import (
	"context"
	"fmt"
	"sort"

	"github.com/sirupsen/logrus"
)

// Migration is one forward-only schema change
type Migration struct {
	Version int
	Name    string
	SQL     string
}

// ledgerMigrations creates the processed-message ledger
var ledgerMigrations = []Migration{
	{
		Version: 1,
		Name:    "create_processed_messages",
		SQL: `
			CREATE TABLE IF NOT EXISTS processed_messages (
				message_id   TEXT PRIMARY KEY,
				ordering_key TEXT NOT NULL DEFAULT '',
				processed_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
	},
	{
		Version: 2,
		Name:    "index_processed_at",
		SQL:     `CREATE INDEX IF NOT EXISTS idx_processed_messages_processed_at ON processed_messages (processed_at)`,
	},
}

// Migrator applies migrations and tracks them in schema_migrations
type Migrator struct {
	conn   *Connection
	logger logrus.FieldLogger
}

// NewMigrator creates a migrator
func NewMigrator(conn *Connection, logger logrus.FieldLogger) *Migrator {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Migrator{conn: conn, logger: logger}
}

func (m *Migrator) createMigrationsTable(ctx context.Context) error {
	_, err := m.conn.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    INTEGER PRIMARY KEY,
			name       TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`)
	if err != nil {
		return fmt.Errorf("failed to create migrations table: %w", err)
	}
	return nil
}

func (m *Migrator) applied(ctx context.Context) (map[int]bool, error) {
	rows, err := m.conn.db.QueryContext(ctx, "SELECT version FROM schema_migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to query applied migrations: %w", err)
	}
	defer rows.Close()

	applied := make(map[int]bool)
	for rows.Next() {
		var version int
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("failed to scan migration version: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// Up applies every migration not yet recorded, in version order. Each runs in
// its own transaction together with its schema_migrations row.
func (m *Migrator) Up(ctx context.Context, migrations []Migration) (int, error) {
	if err := m.createMigrationsTable(ctx); err != nil {
		return 0, err
	}
	applied, err := m.applied(ctx)
	if err != nil {
		return 0, err
	}

	sorted := append([]Migration(nil), migrations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })

	count := 0
	for _, mig := range sorted {
		if applied[mig.Version] {
			continue
		}
		if err := m.apply(ctx, mig); err != nil {
			return count, err
		}
		m.logger.WithFields(logrus.Fields{
			"version": mig.Version,
			"name":    mig.Name,
		}).Info("Applied migration")
		count++
	}
	return count, nil
}

func (m *Migrator) apply(ctx context.Context, mig Migration) error {
	tx, err := m.conn.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin migration %d: %w", mig.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, mig.SQL); err != nil {
		return fmt.Errorf("migration %d (%s) failed: %w", mig.Version, mig.Name, err)
	}
	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name) VALUES ($1, $2)",
		mig.Version, mig.Name); err != nil {
		return fmt.Errorf("failed to record migration %d: %w", mig.Version, err)
	}
	return tx.Commit()
}
