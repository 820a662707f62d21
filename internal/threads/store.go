package threads

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lacehq/lace/pkg/models"
)

// Store-level sentinel errors.
var (
	// ErrThreadNotFound is returned when the requested thread does not exist.
	ErrThreadNotFound = errors.New("thread not found")

	// ErrThreadExists is returned when creating a thread whose id is taken.
	ErrThreadExists = errors.New("thread already exists")

	// ErrEventNotFound is returned by GetEventsSince for an unknown event id.
	ErrEventNotFound = errors.New("event not found")
)

// StorageError wraps a backend failure. Appenders must treat a failed append
// as fatal to the turn: the event did not happen.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("thread storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsStorageError reports whether err is (or wraps) a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// Info describes a thread without its events.
type Info struct {
	ID        ID        `json:"id"`
	SessionID string    `json:"sessionId,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is the append-only event log keyed by thread id.
//
// Guarantees all implementations must provide:
//   - Appends are serialized per thread; concurrent appends to distinct
//     threads are independent.
//   - Readers observe events in append order and only see a consistent
//     prefix; no event is visible before it is durable.
//   - Event timestamps are monotonic per thread.
type Store interface {
	// CreateThread registers a new, empty thread. sessionID optionally
	// associates the thread with a host session and may be empty.
	CreateThread(ctx context.Context, id ID, sessionID string) error

	// GetThread returns thread metadata or ErrThreadNotFound.
	GetThread(ctx context.Context, id ID) (*Info, error)

	// ListThreads returns all known threads ordered by creation.
	ListThreads(ctx context.Context) ([]*Info, error)

	// AppendEvent atomically appends an event and returns it fully
	// populated (id, timestamp).
	AppendEvent(ctx context.Context, threadID ID, typ models.EventType, data []byte) (*models.ThreadEvent, error)

	// GetEvents returns all events of a thread in append order.
	GetEvents(ctx context.Context, threadID ID) ([]*models.ThreadEvent, error)

	// GetEventsSince returns events appended strictly after eventID, in
	// append order. Observers use it to tail a thread.
	GetEventsSince(ctx context.Context, threadID ID, eventID string) ([]*models.ThreadEvent, error)

	// Close releases backend resources.
	Close() error
}

// nextTimestamp enforces per-thread timestamp monotonicity: if the clock has
// not advanced past the previous event, nudge forward by a microsecond.
func nextTimestamp(last, now time.Time) time.Time {
	if !now.After(last) {
		return last.Add(time.Microsecond)
	}
	return now
}
