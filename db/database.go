package db

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"mindgraphix/config"
	"mindgraphix/logx"
	"mindgraphix/models"
)

const (
	// MaxKeyLength is the longest accepted key, in bytes.
	MaxKeyLength = 256
	// AnyRevision disables the optimistic concurrency check.
	AnyRevision int64 = -1
	// snapshotFormatVersion is written into every file snapshot.
	snapshotFormatVersion = 1
)

// Options tunes a Store. Zero values fall back to config defaults.
type Options struct {
	MaxValueBytes     int64
	MaxTotalBytes     int64
	AdminLogRetention int
}

// Store is a revisioned key-value store of JSON values.
// All writes go through Update, which serializes them under one lock, commits
// them to the Backend and only then applies them in memory.
type Store struct {
	mu         sync.RWMutex
	entries    map[string]models.Entry
	revision   int64
	totalBytes int64
	closed     bool

	backend Backend
	opts    Options
	schema  atomic.Pointer[ContentSchema]

	subMu   sync.Mutex
	subs    map[int]chan models.Change
	nextSub int

	now func() time.Time
}

// NewStore opens the backend selected by cfg and loads its contents.
func NewStore(cfg *config.Config) (*Store, error) {
	var (
		backend Backend
		err     error
	)
	switch cfg.StorageDriver {
	case "memory":
		backend = NewMemoryBackend()
	case "sqlite":
		backend, err = NewSQLiteBackend(cfg.DbFilePath)
	case "file", "":
		backend = NewFileBackend(cfg.DbFilePath, cfg.SaveInterval, cfg.EnableBackup)
	default:
		return nil, fmt.Errorf("unknown storage driver '%s'", cfg.StorageDriver)
	}
	if err != nil {
		return nil, err
	}
	s, err := Open(backend, Options{
		MaxValueBytes:     cfg.MaxValueBytes,
		MaxTotalBytes:     cfg.MaxTotalBytes,
		AdminLogRetention: cfg.AdminLogRetention,
	})
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	return s, nil
}

// Open loads backend into a new Store.
func Open(backend Backend, opts Options) (*Store, error) {
	if opts.MaxValueBytes <= 0 {
		opts.MaxValueBytes = 1 << 20
	}
	if opts.MaxTotalBytes <= 0 {
		opts.MaxTotalBytes = 64 << 20
	}
	if opts.AdminLogRetention <= 0 {
		opts.AdminLogRetention = 50
	}

	snap, err := backend.Load()
	if err != nil {
		logx.Error(err, "Store load failed", "backend", backend.Name())
		return nil, err
	}

	s := &Store{
		entries: make(map[string]models.Entry, len(snap.Entries)),
		backend: backend,
		opts:    opts,
		subs:    make(map[int]chan models.Change),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for key, entry := range snap.Entries {
		entry.Key = key
		s.entries[key] = entry
		s.totalBytes += entrySize(key, entry.Value)
	}
	s.revision = snap.Revision
	defaultSchema := DefaultContentSchema()
	s.schema.Store(&defaultSchema)

	logx.Info("Store loaded",
		"backend", backend.Name(), "keys", len(s.entries), "bytes", s.totalBytes, "revision", s.revision)
	return s, nil
}

// Close flushes pending writes and releases the backend.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.subMu.Lock()
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.subMu.Unlock()

	return s.backend.Close()
}

func entrySize(key string, value []byte) int64 {
	return int64(len(key) + len(value))
}

// ValidateKey rejects empty, oversized and control-character keys.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key is empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: key longer than %d bytes", ErrInvalidKey, MaxKeyLength)
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return fmt.Errorf("%w: key contains control characters", ErrInvalidKey)
		}
	}
	return nil
}

// --- Reads ---

// Get decodes the value stored at key into dst.
func (s *Store) Get(key string, dst any) error {
	return s.View(func(tx *Tx) error {
		return tx.Get(key, dst)
	})
}

// GetOrDefault returns the value stored at key, or def when it is missing or corrupt.
func GetOrDefault[T any](s *Store, key string, def T) T {
	var out T
	err := s.Get(key, &out)
	if err == nil {
		return out
	}
	if !isNotFound(err) {
		logx.Warn("Returning default for unreadable key", "key", key, "error", err.Error())
	}
	return def
}

// Entry returns the raw entry stored at key.
func (s *Store) Entry(key string) (models.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[key]
	if !ok {
		return models.Entry{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return entry, nil
}

// List returns every entry under prefix, sorted by key.
func (s *Store) List(prefix string) []models.Entry {
	var out []models.Entry
	_ = s.View(func(tx *Tx) error {
		out = tx.List(prefix)
		return nil
	})
	return out
}

// Keys returns every key under prefix, sorted.
func (s *Store) Keys(prefix string) []string {
	entries := s.List(prefix)
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}

// Revision returns the revision of the last committed write.
func (s *Store) Revision() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.revision
}

// --- Writes ---

// Set stores value at key.
func (s *Store) Set(key string, value any) (models.Entry, error) {
	return s.CompareAndSet(key, value, AnyRevision)
}

// CompareAndSet stores value only if key is at expected revision.
// expected 0 requires the key to be absent, AnyRevision skips the check.
func (s *Store) CompareAndSet(key string, value any, expected int64) (models.Entry, error) {
	err := s.Update(func(tx *Tx) error {
		if err := tx.Check(key, expected); err != nil {
			return err
		}
		return tx.Set(key, value)
	})
	if err != nil {
		return models.Entry{}, err
	}
	return s.Entry(key)
}

// Remove deletes key. Removing a missing key is not an error.
func (s *Store) Remove(key string) error {
	return s.Update(func(tx *Tx) error {
		return tx.Delete(key)
	})
}

// Clear removes every key under prefix. An empty prefix removes everything.
// It returns the number of removed keys.
func (s *Store) Clear(prefix string) (int, error) {
	removed := 0
	err := s.Update(func(tx *Tx) error {
		for _, key := range tx.Keys(prefix) {
			if err := tx.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	logx.Info("Cleared keys", "prefix", prefix, "removed", removed)
	return removed, nil
}

// Reset is Clear for operators: login sessions are kept unless prefix
// names them, so the caller's own session survives a full reset.
func (s *Store) Reset(prefix string) (int, error) {
	if strings.HasPrefix(prefix, sessionsPrefix) {
		return s.Clear(prefix)
	}
	removed := 0
	err := s.Update(func(tx *Tx) error {
		for _, key := range tx.Keys(prefix) {
			if strings.HasPrefix(key, sessionsPrefix) {
				continue
			}
			if err := tx.Delete(key); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	logx.Info("Reset keys", "prefix", prefix, "removed", removed)
	return removed, nil
}

// View runs fn with a read-only transaction.
func (s *Store) View(fn func(tx *Tx) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&Tx{s: s})
}

// Update runs fn in a read-write transaction. Staged writes are committed
// only if fn returns nil. Every entry written shares one new revision.
func (s *Store) Update(fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrReadOnly
	}

	tx := &Tx{
		s:        s,
		writable: true,
		puts:     make(map[string]json.RawMessage),
		deletes:  make(map[string]struct{}),
	}
	if err := fn(tx); err != nil {
		return err
	}
	return s.commitLocked(tx)
}

func (s *Store) commitLocked(tx *Tx) error {
	now := s.now()
	batch := Batch{Revision: s.revision + 1}
	delta := int64(0)

	for key, value := range tx.puts {
		old, exists := s.entries[key]
		if exists && bytes.Equal(old.Value, value) {
			continue
		}
		if exists {
			delta -= entrySize(key, old.Value)
		}
		delta += entrySize(key, value)
		batch.Puts = append(batch.Puts, models.Entry{Key: key, Value: value, Revision: batch.Revision, UpdatedAt: now})
	}
	for key := range tx.deletes {
		if old, exists := s.entries[key]; exists {
			delta -= entrySize(key, old.Value)
			batch.Deletes = append(batch.Deletes, key)
		}
	}
	if len(batch.Puts) == 0 && len(batch.Deletes) == 0 {
		return nil
	}
	if delta > 0 && s.totalBytes+delta > s.opts.MaxTotalBytes {
		return fmt.Errorf("%w: would use %d of %d bytes", ErrQuotaExceeded, s.totalBytes+delta, s.opts.MaxTotalBytes)
	}
	sort.Slice(batch.Puts, func(i, j int) bool { return batch.Puts[i].Key < batch.Puts[j].Key })
	sort.Strings(batch.Deletes)

	if err := s.backend.Commit(batch); err != nil {
		logx.Error(err, "Backend commit failed", "backend", s.backend.Name(), "revision", batch.Revision)
		return fmt.Errorf("commit revision %d: %w", batch.Revision, err)
	}

	changes := make([]models.Change, 0, len(batch.Puts)+len(batch.Deletes))
	for _, entry := range batch.Puts {
		s.entries[entry.Key] = entry
		changes = append(changes, models.Change{Revision: batch.Revision, Key: entry.Key, Op: models.ChangePut, At: now})
	}
	for _, key := range batch.Deletes {
		delete(s.entries, key)
		changes = append(changes, models.Change{Revision: batch.Revision, Key: key, Op: models.ChangeDelete, At: now})
	}
	s.totalBytes += delta
	s.revision = batch.Revision

	s.publish(changes)
	return nil
}

// --- Change notifications ---

// Subscribe returns a channel that receives every committed change.
// Delivery never blocks writers: when the buffer is full the change is dropped.
func (s *Store) Subscribe(buffer int) (<-chan models.Change, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan models.Change, buffer)

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.subMu.Lock()
			if c, ok := s.subs[id]; ok {
				close(c)
				delete(s.subs, id)
			}
			s.subMu.Unlock()
		})
	}
	return ch, cancel
}

func (s *Store) publish(changes []models.Change) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		for _, change := range changes {
			select {
			case ch <- change:
			default:
			}
		}
	}
}

// --- Stats ---

// Stats describes the store for health reporting.
type Stats struct {
	Keys             int       `json:"keys"`
	Bytes            int64     `json:"bytes"`
	MaxBytes         int64     `json:"max_bytes"`
	Revision         int64     `json:"revision"`
	Backend          string    `json:"backend"`
	Subscribers      int       `json:"subscribers"`
	LastPersist      time.Time `json:"last_persist,omitempty"`
	LastPersistError string    `json:"last_persist_error,omitempty"`
}

// persistReporter is implemented by backends that persist asynchronously.
type persistReporter interface {
	LastPersist() (time.Time, error)
}

// Stats returns current store metrics.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	st := Stats{
		Keys:     len(s.entries),
		Bytes:    s.totalBytes,
		MaxBytes: s.opts.MaxTotalBytes,
		Revision: s.revision,
		Backend:  s.backend.Name(),
	}
	s.mu.RUnlock()

	s.subMu.Lock()
	st.Subscribers = len(s.subs)
	s.subMu.Unlock()

	if r, ok := s.backend.(persistReporter); ok {
		at, err := r.LastPersist()
		st.LastPersist = at
		if err != nil {
			st.LastPersistError = err.Error()
		}
	}
	return st
}

// SetContentSchema replaces the schema used to validate content writes.
func (s *Store) SetContentSchema(schema ContentSchema) {
	s.schema.Store(&schema)
}

// ContentSchema returns the active content schema.
func (s *Store) ContentSchema() ContentSchema {
	return *s.schema.Load()
}

// --- Transactions ---

// Tx is a view of the store inside View or Update.
// Reads see the transaction's own staged writes.
type Tx struct {
	s        *Store
	writable bool
	puts     map[string]json.RawMessage
	deletes  map[string]struct{}
}

// Raw returns the bytes stored at key and the revision that wrote them.
// A key staged in this transaction reports revision 0.
func (tx *Tx) Raw(key string) (json.RawMessage, int64, bool) {
	if tx.writable {
		if _, deleted := tx.deletes[key]; deleted {
			return nil, 0, false
		}
		if value, staged := tx.puts[key]; staged {
			return value, 0, true
		}
	}
	entry, ok := tx.s.entries[key]
	if !ok {
		return nil, 0, false
	}
	return entry.Value, entry.Revision, true
}

// Exists reports whether key currently holds a value.
func (tx *Tx) Exists(key string) bool {
	_, _, ok := tx.Raw(key)
	return ok
}

// Get decodes the value at key into dst.
func (tx *Tx) Get(key string, dst any) error {
	raw, _, ok := tx.Raw(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if !json.Valid(raw) {
		return fmt.Errorf("%w: %s is not valid JSON", ErrCorrupt, key)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrCorrupt, key, err)
	}
	return nil
}

// EntryRevision returns the committed revision of key, 0 when absent.
func (tx *Tx) EntryRevision(key string) int64 {
	entry, ok := tx.s.entries[key]
	if !ok {
		return 0
	}
	return entry.Revision
}

// Check fails with a *ConflictError unless key is at expected revision.
func (tx *Tx) Check(key string, expected int64) error {
	if expected == AnyRevision {
		return nil
	}
	current := tx.EntryRevision(key)
	if current != expected {
		return &ConflictError{Key: key, Expected: expected, Current: current}
	}
	return nil
}

// Revision is the revision this transaction commits at, or the current one for View.
func (tx *Tx) Revision() int64 {
	if tx.writable {
		return tx.s.revision + 1
	}
	return tx.s.revision
}

// Now is the commit timestamp source, overridable in tests.
func (tx *Tx) Now() time.Time {
	return tx.s.now()
}

// Set stages value at key.
func (tx *Tx) Set(key string, value any) error {
	raw, err := EncodeJSON(value, "")
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrValidation, key, err)
	}
	return tx.SetRaw(key, raw)
}

// SetRaw stages already encoded JSON at key.
func (tx *Tx) SetRaw(key string, raw json.RawMessage) error {
	if !tx.writable {
		return ErrReadOnly
	}
	if err := ValidateKey(key); err != nil {
		return err
	}
	if !json.Valid(raw) {
		return fmt.Errorf("%w: value for %s is not valid JSON", ErrValidation, key)
	}
	if int64(len(raw)) > tx.s.opts.MaxValueBytes {
		return fmt.Errorf("%w: value for %s is %d bytes, limit %d", ErrQuotaExceeded, key, len(raw), tx.s.opts.MaxValueBytes)
	}
	delete(tx.deletes, key)
	tx.puts[key] = append(json.RawMessage(nil), raw...)
	return nil
}

// Delete stages removal of key.
func (tx *Tx) Delete(key string) error {
	if !tx.writable {
		return ErrReadOnly
	}
	delete(tx.puts, key)
	tx.deletes[key] = struct{}{}
	return nil
}

// List returns the merged view of entries under prefix, sorted by key.
func (tx *Tx) List(prefix string) []models.Entry {
	out := make([]models.Entry, 0)
	for key, entry := range tx.s.entries {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if tx.writable {
			if _, deleted := tx.deletes[key]; deleted {
				continue
			}
			if _, staged := tx.puts[key]; staged {
				continue
			}
		}
		out = append(out, entry)
	}
	if tx.writable {
		for key, value := range tx.puts {
			if strings.HasPrefix(key, prefix) {
				out = append(out, models.Entry{Key: key, Value: value, Revision: tx.Revision()})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Keys returns the merged keys under prefix, sorted.
func (tx *Tx) Keys(prefix string) []string {
	entries := tx.List(prefix)
	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	return keys
}
