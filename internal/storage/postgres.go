/**
 * PostgreSQL explanation history
 *
 * Persists history entries across sessions when DATABASE_URL is set.
 */

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"
)

const defaultHistoryTable = "deepreadx_history"

// PostgresHistory stores history rows in PostgreSQL
type PostgresHistory struct {
	db    *sql.DB
	table string
}

// NewPostgresHistory connects, pings and ensures the history table exists
func NewPostgresHistory(databaseURL string) (*PostgresHistory, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("database URL is required")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(2 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	h := &PostgresHistory{db: db, table: pq.QuoteIdentifier(defaultHistoryTable)}
	if err := h.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

func (h *PostgresHistory) ensureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id           UUID PRIMARY KEY,
			document_uri TEXT NOT NULL,
			page_index   INTEGER NOT NULL,
			kind         TEXT NOT NULL,
			fingerprint  TEXT NOT NULL,
			source_text  TEXT NOT NULL,
			explanation  TEXT NOT NULL,
			created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`, h.table)
	if _, err := h.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create history table: %w", err)
	}

	index := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (document_uri, created_at DESC)`,
		pq.QuoteIdentifier(defaultHistoryTable+"_document_idx"), h.table)
	if _, err := h.db.ExecContext(ctx, index); err != nil {
		return fmt.Errorf("failed to create history index: %w", err)
	}
	return nil
}

// Record inserts an entry
func (h *PostgresHistory) Record(ctx context.Context, entry HistoryEntry) error {
	entry = prepare(entry)

	query := fmt.Sprintf(`
		INSERT INTO %s (id, document_uri, page_index, kind, fingerprint, source_text, explanation, created_at)
		VALUES ($1::uuid, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING`, h.table)

	_, err := h.db.ExecContext(ctx, query,
		entry.ID,
		entry.DocumentURI,
		entry.PageIndex,
		entry.Kind,
		entry.Fingerprint,
		entry.SourceText,
		entry.Explanation,
		entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record history entry: %w", err)
	}
	return nil
}

// List returns entries newest first; an empty documentURI lists all documents
func (h *PostgresHistory) List(ctx context.Context, documentURI string, limit int) ([]HistoryEntry, error) {
	if limit <= 0 {
		limit = 100
	}

	query := fmt.Sprintf(`
		SELECT id, document_uri, page_index, kind, fingerprint, source_text, explanation, created_at
		FROM %s
		WHERE ($1 = '' OR document_uri = $1)
		ORDER BY created_at DESC
		LIMIT $2`, h.table)

	rows, err := h.db.QueryContext(ctx, query, documentURI, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var e HistoryEntry
		if err := rows.Scan(&e.ID, &e.DocumentURI, &e.PageIndex, &e.Kind, &e.Fingerprint, &e.SourceText, &e.Explanation, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Clear deletes entries for documentURI, or every entry when empty
func (h *PostgresHistory) Clear(ctx context.Context, documentURI string) error {
	query := fmt.Sprintf(`DELETE FROM %s WHERE ($1 = '' OR document_uri = $1)`, h.table)
	if _, err := h.db.ExecContext(ctx, query, documentURI); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}
	return nil
}

// Close closes the database connection
func (h *PostgresHistory) Close() error {
	return h.db.Close()
}
