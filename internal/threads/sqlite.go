package threads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/lacehq/lace/pkg/models"
)

// SQLiteStore persists threads in an embedded SQLite database. It is the
// default backend for the CLI: a single file under the data directory,
// durable before visible (events are committed before AppendEvent returns).
type SQLiteStore struct {
	db *sql.DB

	// appendLocks serializes appends per thread and tracks the last
	// timestamp handed out so per-thread timestamps stay monotonic.
	mu          sync.Mutex
	appendLocks map[ID]*threadAppendLock

	stmtInsertThread *sql.Stmt
	stmtGetThread    *sql.Stmt
	stmtListThreads  *sql.Stmt
	stmtInsertEvent  *sql.Stmt
	stmtGetEvents    *sql.Stmt
	stmtEventsSince  *sql.Stmt
}

type threadAppendLock struct {
	mu     sync.Mutex
	lastTS time.Time
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS thread_events (
	seq       INTEGER PRIMARY KEY AUTOINCREMENT,
	id        TEXT NOT NULL UNIQUE,
	thread_id TEXT NOT NULL REFERENCES threads(id),
	type      TEXT NOT NULL,
	timestamp TEXT NOT NULL,
	data      TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_thread_events_thread
	ON thread_events(thread_id, seq);
`

// NewSQLiteStore opens (and migrates) the database at path. Use ":memory:"
// for an ephemeral store.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}

	// SQLite serializes writers; a single connection avoids SQLITE_BUSY
	// under concurrent appends to distinct threads.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, &StorageError{Op: "migrate", Err: err}
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;`); err != nil {
		db.Close()
		return nil, &StorageError{Op: "pragma", Err: err}
	}

	store := &SQLiteStore{
		db:          db,
		appendLocks: make(map[ID]*threadAppendLock),
	}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, &StorageError{Op: "prepare", Err: err}
	}
	return store, nil
}

func (s *SQLiteStore) prepareStatements() error {
	var err error
	prepare := func(query string) *sql.Stmt {
		if err != nil {
			return nil
		}
		var stmt *sql.Stmt
		stmt, err = s.db.Prepare(query)
		return stmt
	}

	s.stmtInsertThread = prepare(`INSERT INTO threads (id, session_id, created_at) VALUES (?, ?, ?)`)
	s.stmtGetThread = prepare(`SELECT id, session_id, created_at FROM threads WHERE id = ?`)
	s.stmtListThreads = prepare(`SELECT id, session_id, created_at FROM threads ORDER BY created_at, id`)
	s.stmtInsertEvent = prepare(`INSERT INTO thread_events (id, thread_id, type, timestamp, data) VALUES (?, ?, ?, ?, ?)`)
	s.stmtGetEvents = prepare(`SELECT id, thread_id, type, timestamp, data FROM thread_events WHERE thread_id = ? ORDER BY seq`)
	s.stmtEventsSince = prepare(`
		SELECT id, thread_id, type, timestamp, data FROM thread_events
		WHERE thread_id = ? AND seq > (SELECT seq FROM thread_events WHERE id = ?)
		ORDER BY seq`)
	return err
}

func (s *SQLiteStore) lockFor(id ID) *threadAppendLock {
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.appendLocks[id]
	if !ok {
		lock = &threadAppendLock{}
		s.appendLocks[id] = lock
	}
	return lock
}

// CreateThread registers a new thread.
func (s *SQLiteStore) CreateThread(ctx context.Context, id ID, sessionID string) error {
	if _, err := s.GetThread(ctx, id); err == nil {
		return ErrThreadExists
	} else if !errors.Is(err, ErrThreadNotFound) {
		return err
	}
	_, err := s.stmtInsertThread.ExecContext(ctx, id.String(), sessionID, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return &StorageError{Op: "create thread", Err: err}
	}
	return nil
}

// GetThread returns thread metadata.
func (s *SQLiteStore) GetThread(ctx context.Context, id ID) (*Info, error) {
	var info Info
	var rawID, createdAt string
	err := s.stmtGetThread.QueryRowContext(ctx, id.String()).Scan(&rawID, &info.SessionID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get thread", Err: err}
	}
	info.ID = ID(rawID)
	info.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, &StorageError{Op: "get thread", Err: fmt.Errorf("parse created_at: %w", err)}
	}
	return &info, nil
}

// ListThreads returns all threads ordered by creation.
func (s *SQLiteStore) ListThreads(ctx context.Context) ([]*Info, error) {
	rows, err := s.stmtListThreads.QueryContext(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list threads", Err: err}
	}
	defer rows.Close()

	var infos []*Info
	for rows.Next() {
		var info Info
		var rawID, createdAt string
		if err := rows.Scan(&rawID, &info.SessionID, &createdAt); err != nil {
			return nil, &StorageError{Op: "list threads", Err: err}
		}
		info.ID = ID(rawID)
		if info.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, &StorageError{Op: "list threads", Err: err}
		}
		infos = append(infos, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list threads", Err: err}
	}
	return infos, nil
}

// AppendEvent atomically appends an event; the row is committed before the
// event is returned.
func (s *SQLiteStore) AppendEvent(ctx context.Context, threadID ID, typ models.EventType, data []byte) (*models.ThreadEvent, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}

	lock := s.lockFor(threadID)
	lock.mu.Lock()
	defer lock.mu.Unlock()

	ts := nextTimestamp(lock.lastTS, time.Now())

	event := &models.ThreadEvent{
		ID:        uuid.NewString(),
		ThreadID:  threadID.String(),
		Type:      typ,
		Timestamp: ts,
		Data:      append([]byte(nil), data...),
	}

	_, err := s.stmtInsertEvent.ExecContext(ctx,
		event.ID, event.ThreadID, string(event.Type),
		event.Timestamp.UTC().Format(time.RFC3339Nano), string(event.Data))
	if err != nil {
		return nil, &StorageError{Op: "append event", Err: err}
	}

	lock.lastTS = ts
	return event, nil
}

// GetEvents returns all events of a thread in append order.
func (s *SQLiteStore) GetEvents(ctx context.Context, threadID ID) ([]*models.ThreadEvent, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return s.scanEvents(s.stmtGetEvents.QueryContext(ctx, threadID.String()))
}

// GetEventsSince returns events appended strictly after eventID.
func (s *SQLiteStore) GetEventsSince(ctx context.Context, threadID ID, eventID string) ([]*models.ThreadEvent, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM thread_events WHERE id = ?`, eventID).Scan(&exists)
	if err != nil {
		return nil, &StorageError{Op: "events since", Err: err}
	}
	if exists == 0 {
		return nil, ErrEventNotFound
	}
	return s.scanEvents(s.stmtEventsSince.QueryContext(ctx, threadID.String(), eventID))
}

func (s *SQLiteStore) scanEvents(rows *sql.Rows, err error) ([]*models.ThreadEvent, error) {
	if err != nil {
		return nil, &StorageError{Op: "query events", Err: err}
	}
	defer rows.Close()

	var events []*models.ThreadEvent
	for rows.Next() {
		var event models.ThreadEvent
		var typ, timestamp, data string
		if err := rows.Scan(&event.ID, &event.ThreadID, &typ, &timestamp, &data); err != nil {
			return nil, &StorageError{Op: "scan event", Err: err}
		}
		event.Type = models.EventType(typ)
		if event.Timestamp, err = time.Parse(time.RFC3339Nano, timestamp); err != nil {
			return nil, &StorageError{Op: "scan event", Err: err}
		}
		event.Data = []byte(data)
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "scan events", Err: err}
	}
	return events, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
