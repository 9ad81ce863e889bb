package db

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mindgraphix/logx"
	"mindgraphix/models"
)

// FileBackend stores the whole store as one JSON snapshot file.
// Saves are debounced by interval. With interval <= 0 every Commit
// writes the file before returning.
type FileBackend struct {
	path         string
	interval     time.Duration
	enableBackup bool

	mu       sync.RWMutex // guards snapshot
	snapshot models.Snapshot

	saveMutex   sync.Mutex // guards the fields below
	saveTimer   *time.Timer
	savePending bool
	lastPersist time.Time
	lastErr     error
	inflight    sync.WaitGroup

	writeMu sync.Mutex // serializes file writes
}

// NewFileBackend returns a backend writing to path.
func NewFileBackend(path string, interval time.Duration, enableBackup bool) *FileBackend {
	return &FileBackend{
		path:         path,
		interval:     interval,
		enableBackup: enableBackup,
		snapshot: models.Snapshot{
			FormatVersion: snapshotFormatVersion,
			Entries:       make(map[string]models.Entry),
		},
	}
}

func (f *FileBackend) Name() string { return "file" }

// Load reads the snapshot file. A missing file is an empty store.
// A file that exists but cannot be parsed is never replaced.
func (f *FileBackend) Load() (*models.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fileData, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			logx.Info("Database file not found, starting empty", "path", f.path)
			return cloneSnapshot(&f.snapshot), nil
		}
		return nil, fmt.Errorf("read database file '%s': %w", f.path, err)
	}

	var snap models.Snapshot
	if err := json.Unmarshal(fileData, &snap); err != nil {
		return nil, fmt.Errorf("%w: parse database file '%s': %v", ErrCorrupt, f.path, err)
	}
	if snap.FormatVersion > snapshotFormatVersion {
		return nil, fmt.Errorf("%w: database file '%s' has format %d, this build reads up to %d",
			ErrUnsupportedFormat, f.path, snap.FormatVersion, snapshotFormatVersion)
	}
	if snap.Entries == nil {
		snap.Entries = make(map[string]models.Entry)
	}
	for key, entry := range snap.Entries {
		// The file is indented, which reaches into the raw values too.
		value, err := canonicalJSON(entry.Value)
		if err != nil {
			return nil, fmt.Errorf("%w: database file '%s' key %s: %v", ErrCorrupt, f.path, key, err)
		}
		entry.Key = key
		entry.Value = value
		snap.Entries[key] = entry
	}
	snap.FormatVersion = snapshotFormatVersion
	f.snapshot = snap

	logx.Info("Database file loaded", "path", f.path, "keys", len(snap.Entries), "revision", snap.Revision)
	return cloneSnapshot(&f.snapshot), nil
}

// Commit applies b to the mirrored snapshot and schedules a save.
func (f *FileBackend) Commit(b Batch) error {
	f.mu.Lock()
	undo := make(map[string]*models.Entry, len(b.Puts)+len(b.Deletes))
	remember := func(key string) {
		if _, seen := undo[key]; seen {
			return
		}
		if old, ok := f.snapshot.Entries[key]; ok {
			undo[key] = &old
		} else {
			undo[key] = nil
		}
	}
	for _, e := range b.Puts {
		remember(e.Key)
	}
	for _, key := range b.Deletes {
		remember(key)
	}
	prevRevision := f.snapshot.Revision
	applyBatch(f.snapshot.Entries, b)
	f.snapshot.Revision = b.Revision
	f.mu.Unlock()

	if f.interval > 0 {
		f.requestSave()
		return nil
	}

	if err := f.persist(); err != nil {
		f.mu.Lock()
		for key, old := range undo {
			if old == nil {
				delete(f.snapshot.Entries, key)
			} else {
				f.snapshot.Entries[key] = *old
			}
		}
		f.snapshot.Revision = prevRevision
		f.mu.Unlock()
		return err
	}
	return nil
}

// requestSave starts or resets the debounce timer.
func (f *FileBackend) requestSave() {
	f.saveMutex.Lock()
	defer f.saveMutex.Unlock()

	if f.saveTimer != nil {
		f.saveTimer.Stop()
	}
	f.savePending = true

	f.saveTimer = time.AfterFunc(f.interval, func() {
		f.saveMutex.Lock()
		if !f.savePending {
			f.saveMutex.Unlock()
			return
		}
		f.savePending = false
		f.inflight.Add(1)
		f.saveMutex.Unlock()
		defer f.inflight.Done()

		if err := f.persist(); err != nil {
			logx.Error(err, "Debounced persist failed, retrying on next write", "path", f.path)
			f.saveMutex.Lock()
			f.savePending = true
			f.saveMutex.Unlock()
		}
	})
}

// persist writes the snapshot atomically: temp file, optional .bak, rename.
func (f *FileBackend) persist() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	f.mu.RLock()
	jsonData, err := EncodeJSON(&f.snapshot, "  ")
	f.mu.RUnlock()
	if err != nil {
		return f.recordPersist(fmt.Errorf("marshal snapshot: %w", err))
	}

	if err := os.MkdirAll(filepath.Dir(f.path), 0755); err != nil {
		return f.recordPersist(fmt.Errorf("create database directory: %w", err))
	}

	tempFilePath := f.path + ".tmp"
	backupFilePath := f.path + ".bak"

	if err := os.WriteFile(tempFilePath, jsonData, 0644); err != nil {
		return f.recordPersist(fmt.Errorf("write temporary database file '%s': %w", tempFilePath, err))
	}

	if f.enableBackup {
		if _, err := os.Stat(f.path); err == nil {
			if err := os.Rename(f.path, backupFilePath); err != nil {
				logx.Warn("Failed to create backup, proceeding with save", "path", backupFilePath, "error", err.Error())
			}
		} else if !os.IsNotExist(err) {
			logx.Warn("Failed to stat database file before backup", "path", f.path, "error", err.Error())
		}
	}

	if err := os.Rename(tempFilePath, f.path); err != nil {
		_ = os.Remove(tempFilePath)
		return f.recordPersist(fmt.Errorf("rename '%s' to '%s': %w", tempFilePath, f.path, err))
	}

	logx.Debug("Database saved", "path", f.path, "bytes", len(jsonData))
	return f.recordPersist(nil)
}

func (f *FileBackend) recordPersist(err error) error {
	f.saveMutex.Lock()
	defer f.saveMutex.Unlock()
	if err == nil {
		f.lastPersist = time.Now().UTC()
	}
	f.lastErr = err
	return err
}

// LastPersist reports the last successful save and the last error.
func (f *FileBackend) LastPersist() (time.Time, error) {
	f.saveMutex.Lock()
	defer f.saveMutex.Unlock()
	return f.lastPersist, f.lastErr
}

// Close stops the timer and performs a final save if one is pending.
func (f *FileBackend) Close() error {
	f.saveMutex.Lock()
	if f.saveTimer != nil {
		f.saveTimer.Stop()
		f.saveTimer = nil
	}
	needsFinalPersist := f.savePending
	f.savePending = false
	f.saveMutex.Unlock()
	f.inflight.Wait()

	if !needsFinalPersist {
		return nil
	}
	if err := f.persist(); err != nil {
		return errors.Join(errors.New("final persist on close failed"), err)
	}
	logx.Info("Final persist completed", "path", f.path)
	return nil
}
