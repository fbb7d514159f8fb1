/**
 * Explanation history
 *
 * One entry per page whose region received a successful explanation.
 * In memory by default; PostgreSQL when a database is configured.
 */

package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HistoryEntry is one delivered explanation
type HistoryEntry struct {
	ID          string
	DocumentURI string
	PageIndex   int
	Kind        string
	Fingerprint string
	SourceText  string
	Explanation string
	CreatedAt   time.Time
}

// HistoryStore records and lists explanations
type HistoryStore interface {
	Record(ctx context.Context, entry HistoryEntry) error
	List(ctx context.Context, documentURI string, limit int) ([]HistoryEntry, error)
	Clear(ctx context.Context, documentURI string) error
	Close() error
}

// prepare fills generated fields
func prepare(entry HistoryEntry) HistoryEntry {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	return entry
}

// MemoryHistory keeps entries for the session lifetime
type MemoryHistory struct {
	mu      sync.RWMutex
	entries []HistoryEntry
}

// NewMemoryHistory creates an empty in-memory store
func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{}
}

// Record appends an entry
func (m *MemoryHistory) Record(_ context.Context, entry HistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, prepare(entry))
	return nil
}

// List returns entries for documentURI (all documents when empty), newest first
func (m *MemoryHistory) List(_ context.Context, documentURI string, limit int) ([]HistoryEntry, error) {
	m.mu.RLock()
	out := make([]HistoryEntry, 0, len(m.entries))
	for _, e := range m.entries {
		if documentURI == "" || e.DocumentURI == documentURI {
			out = append(out, e)
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Clear removes entries for documentURI, or everything when empty
func (m *MemoryHistory) Clear(_ context.Context, documentURI string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if documentURI == "" {
		m.entries = nil
		return nil
	}
	kept := m.entries[:0]
	for _, e := range m.entries {
		if e.DocumentURI != documentURI {
			kept = append(kept, e)
		}
	}
	m.entries = kept
	return nil
}

// Close is a no-op
func (m *MemoryHistory) Close() error { return nil }
