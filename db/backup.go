package db

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"mindgraphix/logx"
)

const (
	BackupFormat  = "mindgraphix-backup"
	backupVersion = 1
)

// Backup is a checksummed copy of stored entries.
type Backup struct {
	Format     string                     `json:"format"`
	Version    int                        `json:"version"`
	ExportedAt time.Time                  `json:"exported_at"`
	Revision   int64                      `json:"revision"`
	Prefixes   []string                   `json:"prefixes,omitempty"`
	Checksum   string                     `json:"checksum"`
	Entries    map[string]json.RawMessage `json:"entries"`
}

// ExportAll copies every entry, or only those under prefixes when given.
// Login sessions are never exported.
func (s *Store) ExportAll(prefixes ...string) (*Backup, error) {
	var backup *Backup
	err := s.View(func(tx *Tx) error {
		entries := make(map[string]json.RawMessage)
		for _, e := range tx.List("") {
			if strings.HasPrefix(e.Key, sessionsPrefix) || !hasAnyPrefix(e.Key, prefixes) {
				continue
			}
			if !json.Valid(e.Value) {
				logx.Warn("Skipping corrupt entry during backup", "key", e.Key)
				continue
			}
			entries[e.Key] = e.Value
		}
		sum, err := entriesChecksum(entries)
		if err != nil {
			return err
		}
		backup = &Backup{
			Format:     BackupFormat,
			Version:    backupVersion,
			ExportedAt: tx.Now(),
			Revision:   tx.Revision(),
			Prefixes:   prefixes,
			Checksum:   sum,
			Entries:    entries,
		}
		return nil
	})
	return backup, err
}

func hasAnyPrefix(key string, prefixes []string) bool {
	if len(prefixes) == 0 {
		return true
	}
	for _, p := range prefixes {
		if strings.HasPrefix(key, p) {
			return true
		}
	}
	return false
}

// RestoreAll verifies a backup and atomically replaces the stored entries it
// covers. Keys outside the backup's prefixes and login sessions are kept.
func (s *Store) RestoreAll(data []byte) (ImportResult, error) {
	var backup Backup
	if err := json.Unmarshal(data, &backup); err != nil {
		return ImportResult{}, &ValidationError{Message: "malformed backup: " + err.Error()}
	}
	if backup.Format != BackupFormat {
		return ImportResult{}, &ValidationError{Field: "format", Message: fmt.Sprintf("expected %s, got '%s'", BackupFormat, backup.Format)}
	}
	if backup.Version > backupVersion {
		return ImportResult{}, fmt.Errorf("%w: backup version %d", ErrUnsupportedFormat, backup.Version)
	}
	if backup.Entries == nil {
		backup.Entries = make(map[string]json.RawMessage)
	}
	sum, err := entriesChecksum(backup.Entries)
	if err != nil {
		return ImportResult{}, err
	}
	if sum != backup.Checksum {
		return ImportResult{}, fmt.Errorf("%w: backup checksum %s, computed %s", ErrChecksumMismatch, backup.Checksum, sum)
	}

	var result ImportResult
	err = s.Update(func(tx *Tx) error {
		for _, key := range tx.Keys("") {
			if strings.HasPrefix(key, sessionsPrefix) || !hasAnyPrefix(key, backup.Prefixes) {
				continue
			}
			if _, keep := backup.Entries[key]; keep {
				continue
			}
			if err := tx.Delete(key); err != nil {
				return err
			}
			result.Removed++
		}
		for key, value := range backup.Entries {
			compact, err := canonicalJSON(value)
			if err != nil {
				return &ValidationError{Field: key, Message: "value is not valid JSON"}
			}
			if err := tx.SetRaw(key, compact); err != nil {
				return err
			}
			result.Written++
		}
		return nil
	})
	if err != nil {
		return ImportResult{}, err
	}
	result.Revision = s.Revision()
	logx.Info("Backup restored", "written", result.Written, "removed", result.Removed, "revision", result.Revision)
	return result, nil
}
