package usage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure Go driver
)

// SQLite allows at most 999 bound variables per statement on older builds.
const sqliteRecordBatch = 999 / 7

// SQLiteStore persists usage in a SQLite database. Records are keyed by id so
// repeated flushes never duplicate rows.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path. ":memory:" is accepted.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for %s: %w", path, err)
		}

		dsn = path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	// one writer at a time; also keeps a :memory: database on one connection
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store, err := NewSQLiteStore(db)
	if err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

// NewSQLiteStore creates the tables on an existing connection.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	if db == nil {
		return nil, errors.New("database connection is required")
	}

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS usage_records (
			id TEXT PRIMARY KEY,
			provider TEXT NOT NULL,
			model TEXT NOT NULL,
			input_tokens INTEGER NOT NULL DEFAULT 0,
			output_tokens INTEGER NOT NULL DEFAULT 0,
			cost_usd REAL NOT NULL DEFAULT 0,
			timestamp INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_usage_records_timestamp ON usage_records(timestamp)`,
		`CREATE TABLE IF NOT EXISTS usage_totals (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			stats TEXT NOT NULL,
			saved_at INTEGER NOT NULL
		)`,
	}

	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return nil, fmt.Errorf("failed to create usage tables: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Save upserts the totals and inserts any records not yet stored.
func (s *SQLiteStore) Save(ctx context.Context, snap Snapshot) error {
	stats, err := json.Marshal(snap.Stats)
	if err != nil {
		return fmt.Errorf("failed to marshal usage totals: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	_, err = tx.ExecContext(ctx,
		`INSERT INTO usage_totals (id, stats, saved_at) VALUES (1, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET stats = excluded.stats, saved_at = excluded.saved_at`,
		string(stats), snap.SavedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("failed to save usage totals: %w", err)
	}

	for i := 0; i < len(snap.Records); i += sqliteRecordBatch {
		end := min(i+sqliteRecordBatch, len(snap.Records))
		if err := insertRecords(ctx, tx, snap.Records[i:end]); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit usage: %w", err)
	}

	return nil
}

func insertRecords(ctx context.Context, tx *sql.Tx, records []Record) error {
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*7)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?)"
		args = append(args, r.ID, r.Provider, r.Model, r.InputTokens, r.OutputTokens, r.CostUSD, r.Timestamp.UnixNano())
	}

	query := `INSERT OR IGNORE INTO usage_records
		(id, provider, model, input_tokens, output_tokens, cost_usd, timestamp) VALUES ` +
		strings.Join(placeholders, ",")

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert usage records: %w", err)
	}

	return nil
}

// Load returns the stored totals and every stored record, oldest first.
func (s *SQLiteStore) Load(ctx context.Context) (Snapshot, error) {
	var (
		snap    Snapshot
		stats   string
		savedAt int64
	)

	err := s.db.QueryRowContext(ctx, `SELECT stats, saved_at FROM usage_totals WHERE id = 1`).Scan(&stats, &savedAt)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return Snapshot{}, nil
	case err != nil:
		return Snapshot{}, fmt.Errorf("failed to read usage totals: %w", err)
	}

	if err := json.Unmarshal([]byte(stats), &snap.Stats); err != nil {
		return Snapshot{}, fmt.Errorf("failed to parse usage totals: %w", err)
	}

	snap.SavedAt = time.Unix(0, savedAt).UTC()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, provider, model, input_tokens, output_tokens, cost_usd, timestamp
		 FROM usage_records ORDER BY timestamp, rowid`)
	if err != nil {
		return Snapshot{}, fmt.Errorf("failed to query usage records: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			r  Record
			ts int64
		)

		if err := rows.Scan(&r.ID, &r.Provider, &r.Model, &r.InputTokens, &r.OutputTokens, &r.CostUSD, &ts); err != nil {
			return Snapshot{}, fmt.Errorf("failed to scan usage record: %w", err)
		}

		r.Timestamp = time.Unix(0, ts).UTC()
		snap.Records = append(snap.Records, r)
	}

	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("failed to read usage records: %w", err)
	}

	return snap, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
