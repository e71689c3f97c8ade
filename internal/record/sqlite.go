package record

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// SQLiteStore is the durable Store backend.
// Uses SQLite with WAL mode for concurrent read access.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite creates or opens a SQLite database at the given path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time; a single connection
	// avoids SQLITE_BUSY under the engine's write path.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Commit inserts a confirmed record, failing with AlreadyExistsError if the
// entity id is already present.
//
// The insert uses OR IGNORE plus a rows-affected check rather than parsing
// driver-specific constraint errors; a zero-row insert means the entity was
// already reconciled, and the existing row is fetched for the error.
func (s *SQLiteStore) Commit(ctx context.Context, rec ConfirmedRecord) error {
	if err := validate(rec); err != nil {
		return err
	}

	payload, err := json.Marshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("record: marshal payload: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO confirmed_records
			(entity_id, payload, reconciled_from, confirmed_at)
		VALUES (?, ?, ?, ?)
	`, rec.EntityID, string(payload), rec.ReconciledFrom, rec.ConfirmedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("record: insert entity %d: %w", rec.EntityID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("record: rows affected: %w", err)
	}
	if n == 0 {
		existing, err := s.Get(ctx, rec.EntityID)
		if err != nil {
			return fmt.Errorf("record: fetch conflicting entity %d: %w", rec.EntityID, err)
		}
		if existing == nil {
			// Row vanished between insert and read; only possible with
			// external deletion, which the contract forbids.
			return fmt.Errorf("record: entity %d insert ignored but row missing", rec.EntityID)
		}
		return &AlreadyExistsError{Existing: existing}
	}
	return nil
}

// Get returns the confirmed record for an entity id, or (nil, nil) if none.
func (s *SQLiteStore) Get(ctx context.Context, entityID int64) (*ConfirmedRecord, error) {
	var (
		rec         ConfirmedRecord
		payload     string
		confirmedAt string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT entity_id, payload, reconciled_from, confirmed_at
		FROM confirmed_records WHERE entity_id = ?
	`, entityID).Scan(&rec.EntityID, &payload, &rec.ReconciledFrom, &confirmedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("record: get entity %d: %w", entityID, err)
	}

	if err := json.Unmarshal([]byte(payload), &rec.Payload); err != nil {
		return nil, fmt.Errorf("record: unmarshal payload for entity %d: %w", entityID, err)
	}
	rec.ConfirmedAt, err = time.Parse(time.RFC3339Nano, confirmedAt)
	if err != nil {
		return nil, fmt.Errorf("record: parse confirmed_at for entity %d: %w", entityID, err)
	}
	return &rec, nil
}

// Len returns the number of confirmed records.
func (s *SQLiteStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM confirmed_records`).Scan(&n); err != nil {
		return 0, fmt.Errorf("record: count: %w", err)
	}
	return n, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}
