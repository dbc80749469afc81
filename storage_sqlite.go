package retailsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite" // pure go sqlite driver
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS records (
	collection TEXT NOT NULL,
	id         TEXT NOT NULL,
	payload    BLOB NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE TABLE IF NOT EXISTS mutations (
	id        INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp INTEGER NOT NULL,
	status    TEXT NOT NULL,
	payload   BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS mutations_by_time ON mutations (timestamp, id);
`

// SQLiteStorage is a durable single-file Storage.
type SQLiteStorage struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

var _ Storage = (*SQLiteStorage)(nil)

// NewSQLiteStorage opens (or creates) the database at path.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	if path == "" {
		path = "retailsync.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer; ClaimMutation relies on statement-level atomicity.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &SQLiteStorage{db: db}, nil
}

func decodeRecord(payload []byte) (Record, error) {
	var rec Record
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return rec, nil
}

func (s *SQLiteStorage) ensureOpen() error {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return ErrStorageClosed
	}
	return nil
}

// mapClosed reports a query that lost a race with Close as ErrStorageClosed.
func (s *SQLiteStorage) mapClosed(err error) error {
	if err == nil {
		return nil
	}
	if closedErr := s.ensureOpen(); closedErr != nil {
		return closedErr
	}
	return err
}

// ── Records ──────────────────────────────────────────────

func (s *SQLiteStorage) Get(ctx context.Context, collection, id string) (Record, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, s.mapClosed(err)
	}
	return decodeRecord(payload)
}

func (s *SQLiteStorage) GetAll(ctx context.Context, collection string) ([]Record, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	return s.queryRecords(ctx, s.db, collection)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func (s *SQLiteStorage) queryRecords(ctx context.Context, q queryer, collection string) ([]Record, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT payload FROM records WHERE collection = ? ORDER BY id`, collection)
	if err != nil {
		return nil, s.mapClosed(err)
	}
	defer func() { _ = rows.Close() }()
	out := []Record{}
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		rec, err := decodeRecord(payload)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const upsertRecord = `INSERT INTO records (collection, id, payload) VALUES (?, ?, ?)
	ON CONFLICT (collection, id) DO UPDATE SET payload = excluded.payload`

func (s *SQLiteStorage) Put(ctx context.Context, collection, id string, rec Record) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	_, err = s.db.ExecContext(ctx, upsertRecord, collection, id, payload)
	return s.mapClosed(err)
}

func (s *SQLiteStorage) BulkPut(ctx context.Context, collection string, recs []Record) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return putRecords(ctx, tx, collection, recs)
	})
}

func putRecords(ctx context.Context, tx *sql.Tx, collection string, recs []Record) error {
	for _, r := range recs {
		id := r.ID()
		if id == "" {
			continue
		}
		payload, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("encode record %s: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, upsertRecord, collection, id, payload); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) ReplaceAll(ctx context.Context, collection string, recs []Record) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		existing, err := s.queryRecords(ctx, tx, collection)
		if err != nil {
			return err
		}
		puts, deletes := planReplace(existing, recs)
		for _, id := range deletes {
			if _, err := tx.ExecContext(ctx,
				`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id); err != nil {
				return err
			}
		}
		return putRecords(ctx, tx, collection, puts)
	})
}

func (s *SQLiteStorage) DeleteByID(ctx context.Context, collection, id string) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	return s.mapClosed(err)
}

func (s *SQLiteStorage) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (retErr error) {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return s.mapClosed(err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return s.mapClosed(err)
	}
	return s.mapClosed(tx.Commit())
}

// ── Outbox ───────────────────────────────────────────────

func (s *SQLiteStorage) Enqueue(ctx context.Context, m *Mutation) (uint64, error) {
	var id int64
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		payload, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode mutation: %w", err)
		}
		res, err := tx.ExecContext(ctx,
			`INSERT INTO mutations (timestamp, status, payload) VALUES (?, ?, ?)`,
			m.Timestamp, string(m.Status), payload)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		// Re-encode so the stored payload carries its own id.
		m.ID = uint64(id)
		payload, err = json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode mutation: %w", err)
		}
		_, err = tx.ExecContext(ctx, `UPDATE mutations SET payload = ? WHERE id = ?`, payload, id)
		return err
	})
	if err != nil {
		m.ID = 0
		return 0, err
	}
	return uint64(id), nil
}

func (s *SQLiteStorage) Mutations(ctx context.Context) ([]*Mutation, error) {
	if err := s.ensureOpen(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, status, payload FROM mutations ORDER BY timestamp, id`)
	if err != nil {
		return nil, s.mapClosed(err)
	}
	defer func() { _ = rows.Close() }()
	var out []*Mutation
	for rows.Next() {
		var (
			id      int64
			status  string
			payload []byte
		)
		if err := rows.Scan(&id, &status, &payload); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		var m Mutation
		if err := json.Unmarshal(payload, &m); err != nil {
			return nil, fmt.Errorf("decode mutation %d: %w", id, err)
		}
		// The status column is authoritative; claims only touch it.
		m.ID = uint64(id)
		m.Status = MutationStatus(status)
		out = append(out, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sortMutations(out)
	return out, nil
}

func (s *SQLiteStorage) ClaimMutation(ctx context.Context, id uint64) (bool, error) {
	var claimed bool
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE mutations SET status = ? WHERE id = ? AND status <> ?`,
			string(StatusSyncing), int64(id), string(StatusSyncing))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return nil
		}
		claimed = true

		var payload []byte
		if err := tx.QueryRowContext(ctx, `SELECT payload FROM mutations WHERE id = ?`, int64(id)).Scan(&payload); err != nil {
			return err
		}
		var m Mutation
		if err := json.Unmarshal(payload, &m); err != nil {
			return fmt.Errorf("decode mutation %d: %w", id, err)
		}
		m.Status = StatusSyncing
		m.ClaimedAt = time.Now().UnixMilli()
		payload, err = json.Marshal(&m)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `UPDATE mutations SET payload = ? WHERE id = ?`, payload, int64(id))
		return err
	})
	if err != nil {
		return false, err
	}
	return claimed, nil
}

func (s *SQLiteStorage) UpdateMutation(ctx context.Context, m *Mutation) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("encode mutation: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE mutations SET timestamp = ?, status = ?, payload = ? WHERE id = ?`,
		m.Timestamp, string(m.Status), payload, int64(m.ID))
	if err != nil {
		return s.mapClosed(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStorage) DeleteMutation(ctx context.Context, id uint64) error {
	if err := s.ensureOpen(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, int64(id))
	return s.mapClosed(err)
}

// Close closes the database. Calls after the first are no-ops.
func (s *SQLiteStorage) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.db.Close()
}
