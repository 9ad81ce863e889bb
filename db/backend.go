package db

import (
	"sync"

	"mindgraphix/models"
)

// Batch is one committed transaction as seen by a Backend.
type Batch struct {
	Revision int64
	Puts     []models.Entry
	Deletes  []string
}

// Backend persists committed batches.
// Commit must either make the whole batch durable (per the backend's
// durability mode) or return an error and leave previous state intact.
type Backend interface {
	Name() string
	Load() (*models.Snapshot, error)
	Commit(b Batch) error
	Close() error
}

// MemoryBackend keeps nothing beyond the process lifetime.
type MemoryBackend struct {
	mu       sync.Mutex
	snapshot models.Snapshot
}

// NewMemoryBackend returns an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{snapshot: models.Snapshot{
		FormatVersion: snapshotFormatVersion,
		Entries:       make(map[string]models.Entry),
	}}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Load() (*models.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return cloneSnapshot(&m.snapshot), nil
}

func (m *MemoryBackend) Commit(b Batch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	applyBatch(m.snapshot.Entries, b)
	m.snapshot.Revision = b.Revision
	return nil
}

func (m *MemoryBackend) Close() error { return nil }

func applyBatch(entries map[string]models.Entry, b Batch) {
	for _, e := range b.Puts {
		entries[e.Key] = e
	}
	for _, key := range b.Deletes {
		delete(entries, key)
	}
}

func cloneSnapshot(s *models.Snapshot) *models.Snapshot {
	out := &models.Snapshot{
		FormatVersion: s.FormatVersion,
		Revision:      s.Revision,
		Entries:       make(map[string]models.Entry, len(s.Entries)),
	}
	for k, v := range s.Entries {
		out.Entries[k] = v
	}
	return out
}
