// ABOUTME: SQLite implementation of the context Store using modernc.org/sqlite.
// ABOUTME: Persists contexts with automatic schema creation and WAL mode.

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/2389/coven-context/internal/record"
)

// SQLiteStore implements Store backed by a local SQLite database.
type SQLiteStore struct {
	db     *sql.DB
	notify *notifier
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the database at path. The schema is
// created if missing and parent directories are created as needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent read performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		notify: newNotifier(),
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite context store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS contexts (
			id TEXT PRIMARY KEY,
			source TEXT NOT NULL,
			type TEXT NOT NULL,
			data TEXT,
			timestamp INTEGER NOT NULL,
			expiry INTEGER,
			priority INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			tags TEXT,
			source_app_id TEXT NOT NULL DEFAULT '',
			source_app_name TEXT NOT NULL DEFAULT '',
			external_id TEXT NOT NULL DEFAULT '',
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_contexts_confidence ON contexts(confidence);
		CREATE INDEX IF NOT EXISTS idx_contexts_timestamp ON contexts(timestamp);
	`
	_, err := s.db.Exec(schema)
	return err
}

// GetContext implements Store.
func (s *SQLiteStore) GetContext(ctx context.Context, id string) (*record.Record, error) {
	row := s.db.QueryRowContext(ctx, selectColumns+" FROM contexts WHERE id = ?", id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("getting context %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("getting context %q: %w", id, err)
	}
	return rec, nil
}

// AddContext implements Store.
func (s *SQLiteStore) AddContext(ctx context.Context, rec *record.Record) error {
	if rec.ID == "" {
		return fmt.Errorf("adding context: record has no id")
	}

	err := s.insert(ctx, rec)
	if err != nil {
		return err
	}

	s.notify.publish(Change{Op: OpAdded, Record: rec.Clone()})
	return nil
}

// UpdateContext implements Store.
func (s *SQLiteStore) UpdateContext(ctx context.Context, id string, patch *record.Record) (*record.Record, error) {
	stored, err := s.GetContext(ctx, id)
	if err != nil {
		return nil, err
	}

	stored.Merge(patch)
	if err := s.write(ctx, stored); err != nil {
		return nil, fmt.Errorf("updating context %q: %w", id, err)
	}

	s.notify.publish(Change{Op: OpUpdated, Record: stored.Clone()})
	return stored, nil
}

// UpsertContext implements Store.
func (s *SQLiteStore) UpsertContext(ctx context.Context, rec *record.Record) (bool, error) {
	if rec.ID == "" {
		return false, fmt.Errorf("upserting context: record has no id")
	}

	stored, err := s.GetContext(ctx, rec.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		if err := s.insert(ctx, rec); err != nil {
			return false, err
		}
		s.notify.publish(Change{Op: OpAdded, Record: rec.Clone()})
		return true, nil
	case err != nil:
		return false, err
	}

	stored.Merge(rec)
	if err := s.write(ctx, stored); err != nil {
		return false, fmt.Errorf("upserting context %q: %w", rec.ID, err)
	}

	s.notify.publish(Change{Op: OpUpdated, Record: stored.Clone()})
	return false, nil
}

// RemoveContext implements Store.
func (s *SQLiteStore) RemoveContext(ctx context.Context, id string) error {
	stored, err := s.GetContext(ctx, id)
	if err != nil {
		return err
	}

	if _, err := s.db.ExecContext(ctx, "DELETE FROM contexts WHERE id = ?", id); err != nil {
		return fmt.Errorf("removing context %q: %w", id, err)
	}

	s.notify.publish(Change{Op: OpRemoved, Record: stored})
	return nil
}

// QueryContexts implements Store.
func (s *SQLiteStore) QueryContexts(ctx context.Context, q Query) ([]*record.Record, error) {
	orderCol := "timestamp"
	switch q.SortBy {
	case SortByConfidence:
		orderCol = "confidence"
	case SortByPriority:
		orderCol = "priority"
	}
	dir := "DESC"
	if q.SortOrder == SortAsc {
		dir = "ASC"
	}

	query := fmt.Sprintf("%s FROM contexts WHERE confidence >= ? ORDER BY %s %s", selectColumns, orderCol, dir)
	args := []any{q.MinConfidence}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying contexts: %w", err)
	}
	defer rows.Close()

	var out []*record.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning context row: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Listen implements Store.
func (s *SQLiteStore) Listen(fn func(Change)) *Listener {
	return s.notify.listen(fn)
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.notify.clear()
	return s.db.Close()
}

const selectColumns = `SELECT id, source, type, data, timestamp, expiry, priority,
	confidence, tags, source_app_id, source_app_name, external_id`

// scannable is satisfied by *sql.Row and *sql.Rows.
type scannable interface {
	Scan(dest ...any) error
}

func scanRecord(row scannable) (*record.Record, error) {
	var (
		rec      record.Record
		dataJSON sql.NullString
		tagsJSON sql.NullString
		tsMilli  int64
		expiry   sql.NullInt64
	)

	err := row.Scan(&rec.ID, &rec.Source, &rec.Type, &dataJSON, &tsMilli, &expiry,
		&rec.Priority, &rec.Confidence, &tagsJSON,
		&rec.Metadata.SourceAppID, &rec.Metadata.SourceAppName, &rec.Metadata.ExternalID)
	if err != nil {
		return nil, err
	}

	rec.Timestamp = time.UnixMilli(tsMilli)
	if expiry.Valid {
		exp := time.UnixMilli(expiry.Int64)
		rec.Expiry = &exp
	}
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &rec.Data); err != nil {
			return nil, fmt.Errorf("decoding data payload: %w", err)
		}
	}
	if tagsJSON.Valid && tagsJSON.String != "" {
		if err := json.Unmarshal([]byte(tagsJSON.String), &rec.Tags); err != nil {
			return nil, fmt.Errorf("decoding tags: %w", err)
		}
	}
	return &rec, nil
}

func (s *SQLiteStore) insert(ctx context.Context, rec *record.Record) error {
	dataJSON, tagsJSON, expiry, err := encodeFields(rec)
	if err != nil {
		return fmt.Errorf("adding context %q: %w", rec.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contexts (id, source, type, data, timestamp, expiry, priority,
			confidence, tags, source_app_id, source_app_name, external_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.Source, rec.Type, dataJSON, rec.Timestamp.UnixMilli(), expiry,
		rec.Priority, rec.Confidence, tagsJSON,
		rec.Metadata.SourceAppID, rec.Metadata.SourceAppName, rec.Metadata.ExternalID,
		time.Now().UnixMilli())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("adding context %q: %w", rec.ID, ErrDuplicateContext)
		}
		return fmt.Errorf("adding context %q: %w", rec.ID, err)
	}
	return nil
}

func (s *SQLiteStore) write(ctx context.Context, rec *record.Record) error {
	dataJSON, tagsJSON, expiry, err := encodeFields(rec)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		UPDATE contexts SET source = ?, type = ?, data = ?, timestamp = ?, expiry = ?,
			priority = ?, confidence = ?, tags = ?, source_app_id = ?,
			source_app_name = ?, external_id = ?, updated_at = ?
		WHERE id = ?`,
		rec.Source, rec.Type, dataJSON, rec.Timestamp.UnixMilli(), expiry,
		rec.Priority, rec.Confidence, tagsJSON,
		rec.Metadata.SourceAppID, rec.Metadata.SourceAppName, rec.Metadata.ExternalID,
		time.Now().UnixMilli(), rec.ID)
	return err
}

func encodeFields(rec *record.Record) (dataJSON, tagsJSON string, expiry sql.NullInt64, err error) {
	if rec.Data != nil {
		b, merr := json.Marshal(rec.Data)
		if merr != nil {
			return "", "", expiry, fmt.Errorf("encoding data payload: %w", merr)
		}
		dataJSON = string(b)
	}
	if rec.Tags != nil {
		b, merr := json.Marshal(rec.Tags)
		if merr != nil {
			return "", "", expiry, fmt.Errorf("encoding tags: %w", merr)
		}
		tagsJSON = string(b)
	}
	if rec.Expiry != nil {
		expiry = sql.NullInt64{Int64: rec.Expiry.UnixMilli(), Valid: true}
	}
	return dataJSON, tagsJSON, expiry, nil
}

// isUniqueViolation reports whether err is a primary key conflict.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
