package threads

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/lacehq/lace/pkg/models"
)

// PostgresStore persists threads in PostgreSQL for shared deployments where
// several hosts read the same event logs. Appends rely on a transactional
// sequence column rather than Go-side locks, so any number of processes can
// append safely.
type PostgresStore struct {
	db *sql.DB

	stmtCreateThread *sql.Stmt
	stmtGetThread    *sql.Stmt
	stmtListThreads  *sql.Stmt
	stmtGetEvents    *sql.Stmt
	stmtEventsSince  *sql.Stmt
}

// PostgresConfig holds connection settings.
type PostgresConfig struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnectTimeout  time.Duration
}

// DefaultPostgresConfig returns default configuration.
func DefaultPostgresConfig() *PostgresConfig {
	return &PostgresConfig{
		Host:            "localhost",
		Port:            5432,
		User:            "lace",
		Password:        "",
		Database:        "lace",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnectTimeout:  10 * time.Second,
	}
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS threads (
	id         TEXT PRIMARY KEY,
	session_id TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS thread_events (
	thread_id TEXT NOT NULL REFERENCES threads(id),
	seq       BIGINT NOT NULL,
	id        TEXT NOT NULL UNIQUE,
	type      TEXT NOT NULL,
	timestamp TIMESTAMPTZ NOT NULL,
	data      JSONB NOT NULL,
	PRIMARY KEY (thread_id, seq)
);
`

// NewPostgresStore connects and migrates the schema.
func NewPostgresStore(config *PostgresConfig) (*PostgresStore, error) {
	if config == nil {
		config = DefaultPostgresConfig()
	}
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s connect_timeout=%d",
		config.Host, config.Port, config.User, config.Password,
		config.Database, config.SSLMode, int(config.ConnectTimeout.Seconds()),
	)
	return NewPostgresStoreFromDSN(dsn, config)
}

// NewPostgresStoreFromDSN connects using a raw DSN/URL.
func NewPostgresStoreFromDSN(dsn string, config *PostgresConfig) (*PostgresStore, error) {
	if dsn == "" {
		return nil, &StorageError{Op: "open", Err: errors.New("dsn is required")}
	}
	if config == nil {
		config = DefaultPostgresConfig()
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, &StorageError{Op: "open", Err: err}
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), config.ConnectTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, &StorageError{Op: "ping", Err: err}
	}

	if _, err := db.ExecContext(ctx, postgresSchema); err != nil {
		db.Close()
		return nil, &StorageError{Op: "migrate", Err: err}
	}

	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		db.Close()
		return nil, &StorageError{Op: "prepare", Err: err}
	}
	return store, nil
}

// NewPostgresStoreWithDB wraps an existing connection. Used by tests with a
// mock database; the caller owns migration.
func NewPostgresStoreWithDB(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.prepareStatements(); err != nil {
		return nil, &StorageError{Op: "prepare", Err: err}
	}
	return store, nil
}

func (s *PostgresStore) prepareStatements() error {
	var err error
	prepare := func(query string) *sql.Stmt {
		if err != nil {
			return nil
		}
		var stmt *sql.Stmt
		stmt, err = s.db.Prepare(query)
		return stmt
	}

	s.stmtCreateThread = prepare(`INSERT INTO threads (id, session_id, created_at) VALUES ($1, $2, $3)`)
	s.stmtGetThread = prepare(`SELECT id, session_id, created_at FROM threads WHERE id = $1`)
	s.stmtListThreads = prepare(`SELECT id, session_id, created_at FROM threads ORDER BY created_at, id`)
	s.stmtGetEvents = prepare(`
		SELECT id, thread_id, type, timestamp, data FROM thread_events
		WHERE thread_id = $1 ORDER BY seq`)
	s.stmtEventsSince = prepare(`
		SELECT id, thread_id, type, timestamp, data FROM thread_events
		WHERE thread_id = $1
		  AND seq > (SELECT seq FROM thread_events WHERE id = $2)
		ORDER BY seq`)
	return err
}

// CreateThread registers a new thread.
func (s *PostgresStore) CreateThread(ctx context.Context, id ID, sessionID string) error {
	if _, err := s.GetThread(ctx, id); err == nil {
		return ErrThreadExists
	} else if !errors.Is(err, ErrThreadNotFound) {
		return err
	}
	if _, err := s.stmtCreateThread.ExecContext(ctx, id.String(), sessionID, time.Now().UTC()); err != nil {
		return &StorageError{Op: "create thread", Err: err}
	}
	return nil
}

// GetThread returns thread metadata.
func (s *PostgresStore) GetThread(ctx context.Context, id ID) (*Info, error) {
	var info Info
	var rawID string
	err := s.stmtGetThread.QueryRowContext(ctx, id.String()).Scan(&rawID, &info.SessionID, &info.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get thread", Err: err}
	}
	info.ID = ID(rawID)
	return &info, nil
}

// ListThreads returns all threads ordered by creation.
func (s *PostgresStore) ListThreads(ctx context.Context) ([]*Info, error) {
	rows, err := s.stmtListThreads.QueryContext(ctx)
	if err != nil {
		return nil, &StorageError{Op: "list threads", Err: err}
	}
	defer rows.Close()

	var infos []*Info
	for rows.Next() {
		var info Info
		var rawID string
		if err := rows.Scan(&rawID, &info.SessionID, &info.CreatedAt); err != nil {
			return nil, &StorageError{Op: "list threads", Err: err}
		}
		info.ID = ID(rawID)
		infos = append(infos, &info)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "list threads", Err: err}
	}
	return infos, nil
}

// AppendEvent appends inside a transaction. The seq assignment and the
// timestamp nudge both read the current tail under the row lock taken by
// the SELECT ... FOR UPDATE, so concurrent appenders serialize per thread.
func (s *PostgresStore) AppendEvent(ctx context.Context, threadID ID, typ models.EventType, data []byte) (*models.ThreadEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &StorageError{Op: "append event", Err: err}
	}
	defer tx.Rollback()

	var exists string
	err = tx.QueryRowContext(ctx, `SELECT id FROM threads WHERE id = $1 FOR UPDATE`, threadID.String()).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "append event", Err: err}
	}

	var lastSeq int64
	var lastTS time.Time
	err = tx.QueryRowContext(ctx, `
		SELECT seq, timestamp FROM thread_events
		WHERE thread_id = $1 ORDER BY seq DESC LIMIT 1`, threadID.String()).Scan(&lastSeq, &lastTS)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, &StorageError{Op: "append event", Err: err}
	}

	event := &models.ThreadEvent{
		ID:        uuid.NewString(),
		ThreadID:  threadID.String(),
		Type:      typ,
		Timestamp: nextTimestamp(lastTS, time.Now()),
		Data:      append([]byte(nil), data...),
	}
	if len(event.Data) == 0 {
		event.Data = []byte("{}")
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO thread_events (thread_id, seq, id, type, timestamp, data)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		event.ThreadID, lastSeq+1, event.ID, string(event.Type),
		event.Timestamp.UTC(), string(event.Data))
	if err != nil {
		return nil, &StorageError{Op: "append event", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &StorageError{Op: "append event", Err: err}
	}
	return event, nil
}

// GetEvents returns all events of a thread in append order.
func (s *PostgresStore) GetEvents(ctx context.Context, threadID ID) ([]*models.ThreadEvent, error) {
	if _, err := s.GetThread(ctx, threadID); err != nil {
		return nil, err
	}
	return s.scanEvents(s.stmtGetEvents.QueryContext(ctx, threadID.String()))
}

// GetEventsSince returns events appended strictly after eventID.
func (s *PostgresStore) GetEventsSince(ctx context.Context, threadID ID, eventID string) ([]*models.ThreadEvent, error) {
	var exists int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM thread_events WHERE id = $1`, eventID).Scan(&exists)
	if err != nil {
		return nil, &StorageError{Op: "events since", Err: err}
	}
	if exists == 0 {
		return nil, ErrEventNotFound
	}
	return s.scanEvents(s.stmtEventsSince.QueryContext(ctx, threadID.String(), eventID))
}

func (s *PostgresStore) scanEvents(rows *sql.Rows, err error) ([]*models.ThreadEvent, error) {
	if err != nil {
		return nil, &StorageError{Op: "query events", Err: err}
	}
	defer rows.Close()

	var events []*models.ThreadEvent
	for rows.Next() {
		var event models.ThreadEvent
		var typ string
		var data []byte
		if err := rows.Scan(&event.ID, &event.ThreadID, &typ, &event.Timestamp, &data); err != nil {
			return nil, &StorageError{Op: "scan event", Err: err}
		}
		event.Type = models.EventType(typ)
		event.Data = data
		events = append(events, &event)
	}
	if err := rows.Err(); err != nil {
		return nil, &StorageError{Op: "scan events", Err: err}
	}
	return events, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() error {
	return s.db.Close()
}
