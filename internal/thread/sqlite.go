package thread

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/h1v3-io/crafter/pkg/protocol"
)

// SQLiteStore implements Store with one row per thread.
type SQLiteStore struct {
	db   *sql.DB
	lock *fileLock
}

// OpenSQLite opens (or creates) a SQLite database and runs migrations. Like
// the JSON store it holds an exclusive lock on path+".lock" until Close, so a
// second daemon on the same data dir fails with ErrStoreLocked.
func OpenSQLite(path string) (*SQLiteStore, error) {
	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		lock.release()
		return nil, fmt.Errorf("thread store: open: %w", err)
	}
	// One connection serializes every write through this process.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		lock.release()
		return nil, fmt.Errorf("thread store: wal: %w", err)
	}

	s := &SQLiteStore{db: db, lock: lock}
	if err := s.migrate(); err != nil {
		db.Close()
		lock.release()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS threads (
			id         TEXT PRIMARY KEY,
			state      TEXT NOT NULL DEFAULT 'NEW',
			title      TEXT NOT NULL DEFAULT '',
			plan       TEXT NOT NULL DEFAULT '',
			ticket_id  TEXT NOT NULL DEFAULT '',
			extra      TEXT NOT NULL DEFAULT '{}',
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_threads_ticket ON threads(ticket_id);
		CREATE INDEX IF NOT EXISTS idx_threads_created ON threads(created_at);
	`)
	if err != nil {
		return fmt.Errorf("thread store: migrate: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Get(id string) (*protocol.ThreadRecord, bool, error) {
	row := s.db.QueryRow(`SELECT id, state, title, plan, ticket_id, extra, created_at, updated_at FROM threads WHERE id = ?`, id)
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("thread store: get: %w", err)
	}
	return e.Record, true, nil
}

func (s *SQLiteStore) Put(id string, rec *protocol.ThreadRecord) error {
	extra, err := json.Marshal(rec.Extra)
	if err != nil {
		return fmt.Errorf("thread store: marshal extra: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO threads (id, state, title, plan, ticket_id, extra, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state=excluded.state, title=excluded.title, plan=excluded.plan, ticket_id=excluded.ticket_id,
			extra=excluded.extra, created_at=excluded.created_at, updated_at=excluded.updated_at
	`, id, string(rec.State), rec.Title, rec.Plan, rec.TicketID, string(extra),
		rec.CreatedAt.Format(time.RFC3339Nano), rec.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("thread store: put: %w", err)
	}
	return nil
}

func (s *SQLiteStore) List() ([]Entry, error) {
	rows, err := s.db.Query(`SELECT id, state, title, plan, ticket_id, extra, created_at, updated_at FROM threads`)
	if err != nil {
		return nil, fmt.Errorf("thread store: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("thread store: list scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread store: list: %w", err)
	}
	// Timestamps are stored as text; order on the parsed values.
	sortEntries(entries)
	return entries, nil
}

func (s *SQLiteStore) Close() error {
	defer s.lock.release()
	return s.db.Close()
}

// DB returns the underlying database connection (for testing or direct access).
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

type scannable interface {
	Scan(dest ...any) error
}

func scanEntry(sc scannable) (Entry, error) {
	var (
		id, state, extraJSON, createdAt, updatedAt string
		rec                                        protocol.ThreadRecord
	)
	if err := sc.Scan(&id, &state, &rec.Title, &rec.Plan, &rec.TicketID, &extraJSON, &createdAt, &updatedAt); err != nil {
		return Entry{}, err
	}
	rec.State = protocol.State(state)
	if !rec.State.Valid() {
		return Entry{}, fmt.Errorf("%w: unknown state %q for %q", ErrCorruptStore, state, id)
	}
	if err := json.Unmarshal([]byte(extraJSON), &rec.Extra); err != nil {
		return Entry{}, fmt.Errorf("%w: extra for %q: %v", ErrCorruptStore, id, err)
	}
	rec.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return Entry{ID: id, Record: &rec}, nil
}
