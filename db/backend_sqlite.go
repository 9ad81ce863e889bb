package db

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"mindgraphix/logx"
	"mindgraphix/models"

	_ "modernc.org/sqlite"
)

// SQLiteBackend stores one row per key. Each Batch is one SQL transaction.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// NewSQLiteBackend opens or creates the database at path.
func NewSQLiteBackend(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// A single connection keeps commits strictly ordered.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := conn.Exec("PRAGMA synchronous=FULL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("setting synchronous mode: %w", err)
	}

	b := &SQLiteBackend{db: conn, path: path}
	if err := b.createSchema(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	logx.Info("SQLite backend initialized", "path", path)
	return b, nil
}

func (b *SQLiteBackend) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			revision INTEGER NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS meta (
			name TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`
	if _, err := b.db.Exec(schema); err != nil {
		return err
	}
	_, err := b.db.Exec(`INSERT OR IGNORE INTO meta (name, value) VALUES ('format_version', ?), ('revision', '0')`,
		strconv.Itoa(snapshotFormatVersion))
	return err
}

func (b *SQLiteBackend) Name() string { return "sqlite" }

// Load reads every row. Values are returned as stored, so rows edited
// outside the service surface as ErrCorrupt on read rather than here.
func (b *SQLiteBackend) Load() (*models.Snapshot, error) {
	snap := &models.Snapshot{Entries: make(map[string]models.Entry)}

	meta, err := b.meta()
	if err != nil {
		return nil, err
	}
	if snap.FormatVersion, err = strconv.Atoi(meta["format_version"]); err != nil {
		return nil, fmt.Errorf("%w: format_version %q", ErrCorrupt, meta["format_version"])
	}
	if snap.FormatVersion > snapshotFormatVersion {
		return nil, fmt.Errorf("%w: database has format %d, this build reads up to %d",
			ErrUnsupportedFormat, snap.FormatVersion, snapshotFormatVersion)
	}
	if snap.Revision, err = strconv.ParseInt(meta["revision"], 10, 64); err != nil {
		return nil, fmt.Errorf("%w: revision %q", ErrCorrupt, meta["revision"])
	}

	rows, err := b.db.Query(`SELECT key, value, revision, updated_at FROM kv`)
	if err != nil {
		return nil, fmt.Errorf("querying kv: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			e         models.Entry
			value     string
			updatedAt string
		)
		if err := rows.Scan(&e.Key, &value, &e.Revision, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning kv row: %w", err)
		}
		e.Value = []byte(value)
		e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		snap.Entries[e.Key] = e
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return snap, nil
}

func (b *SQLiteBackend) meta() (map[string]string, error) {
	rows, err := b.db.Query(`SELECT name, value FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("querying meta: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, value string
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		out[name] = value
	}
	return out, rows.Err()
}

// Commit writes the batch in one transaction.
func (b *SQLiteBackend) Commit(batch Batch) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, e := range batch.Puts {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO kv (key, value, revision, updated_at) VALUES (?, ?, ?, ?)
			 ON CONFLICT(key) DO UPDATE SET value = excluded.value, revision = excluded.revision, updated_at = excluded.updated_at`,
			e.Key, string(e.Value), e.Revision, e.UpdatedAt.Format(time.RFC3339Nano))
		if err != nil {
			return fmt.Errorf("upsert %s: %w", e.Key, err)
		}
	}
	for _, key := range batch.Deletes {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
			return fmt.Errorf("delete %s: %w", key, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE meta SET value = ? WHERE name = 'revision'`,
		strconv.FormatInt(batch.Revision, 10)); err != nil {
		return fmt.Errorf("update revision: %w", err)
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}
