package db

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"mindgraphix/logx"
	"mindgraphix/models"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/yuin/goldmark"
)

const (
	contentPrefix = "siteContent/"

	ContentExportFormat  = "mindgraphix-content"
	contentExportVersion = 1
)

var contentKeyPattern = regexp.MustCompile(`^[A-Za-z0-9_-]+(\.[A-Za-z0-9_-]+)*$`)

// ImportMode selects how ImportContent treats existing keys.
type ImportMode string

const (
	ImportReplace ImportMode = "replace"
	ImportMerge   ImportMode = "merge"
)

// ContentExport is the interchange file for site content.
type ContentExport struct {
	Format     string                     `json:"format"`
	Version    int                        `json:"version"`
	ExportedAt time.Time                  `json:"exported_at"`
	Revision   int64                      `json:"revision"`
	Checksum   string                     `json:"checksum"`
	Content    map[string]json.RawMessage `json:"content"`
}

// ImportResult summarizes an import.
type ImportResult struct {
	Written  int   `json:"written"`
	Removed  int   `json:"removed"`
	Revision int64 `json:"revision"`
	Legacy   bool  `json:"legacy"`
}

// ValidateContentKey accepts dotted keys such as "hero.title".
func ValidateContentKey(key string) error {
	if !contentKeyPattern.MatchString(key) {
		return fmt.Errorf("%w: content key '%s' must be dotted segments of letters, digits, '_' or '-'", ErrInvalidKey, key)
	}
	return ValidateKey(contentPrefix + key)
}

// contentTarget locates where key lives: its own entry, or a sub-path
// inside the longest stored ancestor.
type contentTarget struct {
	storageKey string
	subPath    string // empty when key has its own entry
	raw        json.RawMessage
	revision   int64
	found      bool
}

func locateContent(tx *Tx, key string) contentTarget {
	if raw, rev, ok := tx.Raw(contentPrefix + key); ok {
		return contentTarget{storageKey: contentPrefix + key, raw: raw, revision: rev, found: true}
	}
	for i := strings.LastIndexByte(key, '.'); i > 0; i = strings.LastIndexByte(key[:i], '.') {
		ancestor := key[:i]
		if raw, rev, ok := tx.Raw(contentPrefix + ancestor); ok {
			t := contentTarget{storageKey: contentPrefix + ancestor, subPath: key[i+1:], raw: raw, revision: rev}
			if sub := gjson.GetBytes(raw, t.subPath); sub.Exists() {
				t.found = true
			}
			return t
		}
	}
	return contentTarget{storageKey: contentPrefix + key}
}

func (t contentTarget) value() json.RawMessage {
	if t.subPath == "" {
		return t.raw
	}
	return json.RawMessage(gjson.GetBytes(t.raw, t.subPath).Raw)
}

// ContentEntry returns the value at key with the revision of the entry holding it.
func (s *Store) ContentEntry(key string) (models.ContentEntry, error) {
	if err := ValidateContentKey(key); err != nil {
		return models.ContentEntry{}, err
	}
	var out models.ContentEntry
	err := s.View(func(tx *Tx) error {
		t := locateContent(tx, key)
		if !t.found {
			return fmt.Errorf("%w: content %s", ErrNotFound, key)
		}
		value := t.value()
		if !json.Valid(value) {
			return fmt.Errorf("%w: content %s", ErrCorrupt, key)
		}
		out = models.ContentEntry{Key: key, Value: value, Revision: t.revision}
		if entry, ok := s.entries[t.storageKey]; ok {
			out.UpdatedAt = entry.UpdatedAt
		}
		return nil
	})
	return out, err
}

// GetContent returns the value at key, or def when it is absent or unreadable.
func (s *Store) GetContent(key string, def json.RawMessage) json.RawMessage {
	entry, err := s.ContentEntry(key)
	if err != nil {
		if !isNotFound(err) {
			logx.Warn("Returning default for content key", "key", key, "error", err.Error())
		}
		return def
	}
	return entry.Value
}

// UpdateContent writes value at key. ifRevision is checked against the entry
// that holds key. Writing the bytes already stored is a no-op.
func (s *Store) UpdateContent(key string, value json.RawMessage, ifRevision int64) (models.ContentEntry, error) {
	err := s.Update(func(tx *Tx) error {
		return s.stageContent(tx, key, value, ifRevision)
	})
	if err != nil {
		return models.ContentEntry{}, err
	}
	return s.ContentEntry(key)
}

// UpdateContentBatch writes every key atomically and returns the store revision.
func (s *Store) UpdateContentBatch(values map[string]json.RawMessage) (int64, error) {
	err := s.Update(func(tx *Tx) error {
		for key, value := range values {
			if err := s.stageContent(tx, key, value, AnyRevision); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return s.Revision(), nil
}

func (s *Store) stageContent(tx *Tx, key string, value json.RawMessage, ifRevision int64) error {
	if err := ValidateContentKey(key); err != nil {
		return err
	}
	compact, err := canonicalJSON(value)
	if err != nil {
		return &ValidationError{Field: key, Message: "value is not valid JSON"}
	}
	if err := s.ContentSchema().Validate(key, compact); err != nil {
		return err
	}

	t := locateContent(tx, key)
	if ifRevision != AnyRevision && t.revision != ifRevision {
		return &ConflictError{Key: key, Expected: ifRevision, Current: t.revision}
	}

	if t.subPath == "" {
		if t.found && bytes.Equal(t.raw, compact) {
			return nil
		}
		return tx.SetRaw(t.storageKey, compact)
	}

	if !gjson.ParseBytes(t.raw).IsObject() && !gjson.ParseBytes(t.raw).IsArray() {
		return &ValidationError{Field: key, Message: fmt.Sprintf("cannot write inside non-object %s", strings.TrimPrefix(t.storageKey, contentPrefix))}
	}
	updated, err := sjson.SetRawBytes(append([]byte(nil), t.raw...), t.subPath, compact)
	if err != nil {
		return &ValidationError{Field: key, Message: err.Error()}
	}
	if bytes.Equal(updated, t.raw) {
		return nil
	}
	return tx.SetRaw(t.storageKey, updated)
}

// DeleteContent removes key, or the sub-path inside its ancestor.
// Deleting an absent key is not an error.
func (s *Store) DeleteContent(key string, ifRevision int64) error {
	if err := ValidateContentKey(key); err != nil {
		return err
	}
	return s.Update(func(tx *Tx) error {
		t := locateContent(tx, key)
		if ifRevision != AnyRevision && t.revision != ifRevision {
			return &ConflictError{Key: key, Expected: ifRevision, Current: t.revision}
		}
		if !t.found {
			return nil
		}
		if t.subPath == "" {
			return tx.Delete(t.storageKey)
		}
		updated, err := sjson.DeleteBytes(append([]byte(nil), t.raw...), t.subPath)
		if err != nil {
			return &ValidationError{Field: key, Message: err.Error()}
		}
		return tx.SetRaw(t.storageKey, updated)
	})
}

// ContentBlob returns every stored content entry as a flat key to value map.
func (s *Store) ContentBlob() map[string]json.RawMessage {
	out := make(map[string]json.RawMessage)
	for _, e := range s.List(contentPrefix) {
		if !json.Valid(e.Value) {
			logx.Warn("Skipping corrupt content entry", "key", e.Key)
			continue
		}
		out[strings.TrimPrefix(e.Key, contentPrefix)] = e.Value
	}
	return out
}

// RenderContent converts a string content entry from Markdown to HTML.
func (s *Store) RenderContent(key string) (string, error) {
	entry, err := s.ContentEntry(key)
	if err != nil {
		return "", err
	}
	var source string
	if err := json.Unmarshal(entry.Value, &source); err != nil {
		return "", &ValidationError{Field: key, Message: "only string content can be rendered"}
	}
	var html bytes.Buffer
	if err := goldmark.Convert([]byte(source), &html); err != nil {
		return "", fmt.Errorf("render %s: %w", key, err)
	}
	return html.String(), nil
}

// --- Export / import ---

// ExportContent snapshots all site content into a checksummed envelope.
func (s *Store) ExportContent() (*ContentExport, error) {
	var export *ContentExport
	err := s.View(func(tx *Tx) error {
		content := make(map[string]json.RawMessage)
		for _, e := range tx.List(contentPrefix) {
			if !json.Valid(e.Value) {
				logx.Warn("Skipping corrupt content entry during export", "key", e.Key)
				continue
			}
			content[strings.TrimPrefix(e.Key, contentPrefix)] = e.Value
		}
		sum, err := entriesChecksum(content)
		if err != nil {
			return err
		}
		export = &ContentExport{
			Format:     ContentExportFormat,
			Version:    contentExportVersion,
			ExportedAt: tx.Now(),
			Revision:   tx.Revision(),
			Checksum:   sum,
			Content:    content,
		}
		return nil
	})
	return export, err
}

// decodeContentImport accepts a ContentExport envelope or a bare legacy blob.
func decodeContentImport(data []byte) (map[string]json.RawMessage, bool, error) {
	if !json.Valid(data) || !gjson.ParseBytes(data).IsObject() {
		return nil, false, &ValidationError{Message: "import file must be a JSON object"}
	}

	if format := gjson.GetBytes(data, "format"); format.Exists() && format.Str == ContentExportFormat {
		var export ContentExport
		if err := json.Unmarshal(data, &export); err != nil {
			return nil, false, &ValidationError{Message: "malformed content export: " + err.Error()}
		}
		if export.Version > contentExportVersion {
			return nil, false, fmt.Errorf("%w: content export version %d", ErrUnsupportedFormat, export.Version)
		}
		if export.Content == nil {
			export.Content = make(map[string]json.RawMessage)
		}
		sum, err := entriesChecksum(export.Content)
		if err != nil {
			return nil, false, err
		}
		if sum != export.Checksum {
			return nil, false, fmt.Errorf("%w: content export checksum %s, computed %s", ErrChecksumMismatch, export.Checksum, sum)
		}
		return export.Content, false, nil
	}

	var legacy map[string]json.RawMessage
	if err := json.Unmarshal(data, &legacy); err != nil {
		return nil, false, &ValidationError{Message: "malformed content blob: " + err.Error()}
	}
	return legacy, true, nil
}

// ImportContent loads an export or legacy blob in one transaction.
func (s *Store) ImportContent(data []byte, mode ImportMode) (ImportResult, error) {
	if mode == "" {
		mode = ImportReplace
	}
	if mode != ImportReplace && mode != ImportMerge {
		return ImportResult{}, invalid("mode", "unknown import mode '%s'", mode)
	}
	content, legacy, err := decodeContentImport(data)
	if err != nil {
		return ImportResult{}, err
	}

	result := ImportResult{Legacy: legacy}
	err = s.Update(func(tx *Tx) error {
		if mode == ImportReplace {
			for _, storageKey := range tx.Keys(contentPrefix) {
				if _, keep := content[strings.TrimPrefix(storageKey, contentPrefix)]; keep {
					continue
				}
				if err := tx.Delete(storageKey); err != nil {
					return err
				}
				result.Removed++
			}
		}
		for key, value := range content {
			if err := ValidateContentKey(key); err != nil {
				return err
			}
			compact, err := canonicalJSON(value)
			if err != nil {
				return &ValidationError{Field: key, Message: "value is not valid JSON"}
			}
			if err := s.ContentSchema().Validate(key, compact); err != nil {
				return err
			}
			if err := tx.SetRaw(contentPrefix+key, compact); err != nil {
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
	logx.Info("Content imported", "mode", string(mode), "written", result.Written, "removed", result.Removed, "legacy", legacy)
	return result, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
