package threads

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/lacehq/lace/pkg/models"
)

// MemoryStore is a thread-safe in-memory Store for tests and ephemeral
// sessions. Appends are serialized per thread; reads return copies so
// callers can never observe a partially appended log.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[ID]*memoryThread
	order   []ID
}

type memoryThread struct {
	mu     sync.Mutex
	info   Info
	events []*models.ThreadEvent
	lastTS time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[ID]*memoryThread)}
}

// CreateThread registers a new thread.
func (s *MemoryStore) CreateThread(ctx context.Context, id ID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[id]; ok {
		return ErrThreadExists
	}
	s.threads[id] = &memoryThread{
		info: Info{ID: id, SessionID: sessionID, CreatedAt: time.Now()},
	}
	s.order = append(s.order, id)
	return nil
}

// GetThread returns thread metadata.
func (s *MemoryStore) GetThread(ctx context.Context, id ID) (*Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	thread, ok := s.threads[id]
	if !ok {
		return nil, ErrThreadNotFound
	}
	info := thread.info
	return &info, nil
}

// ListThreads returns all threads in creation order.
func (s *MemoryStore) ListThreads(ctx context.Context) ([]*Info, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]*Info, 0, len(s.order))
	for _, id := range s.order {
		info := s.threads[id].info
		infos = append(infos, &info)
	}
	return infos, nil
}

// AppendEvent atomically appends an event to a thread.
func (s *MemoryStore) AppendEvent(ctx context.Context, threadID ID, typ models.EventType, data []byte) (*models.ThreadEvent, error) {
	s.mu.RLock()
	thread, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrThreadNotFound
	}

	thread.mu.Lock()
	defer thread.mu.Unlock()

	ts := nextTimestamp(thread.lastTS, time.Now())
	thread.lastTS = ts

	event := &models.ThreadEvent{
		ID:        uuid.NewString(),
		ThreadID:  threadID.String(),
		Type:      typ,
		Timestamp: ts,
		Data:      append([]byte(nil), data...),
	}
	thread.events = append(thread.events, event)
	return cloneEvent(event), nil
}

// GetEvents returns all events of a thread in append order.
func (s *MemoryStore) GetEvents(ctx context.Context, threadID ID) ([]*models.ThreadEvent, error) {
	s.mu.RLock()
	thread, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrThreadNotFound
	}

	thread.mu.Lock()
	defer thread.mu.Unlock()
	out := make([]*models.ThreadEvent, len(thread.events))
	for i, event := range thread.events {
		out[i] = cloneEvent(event)
	}
	return out, nil
}

// GetEventsSince returns events appended strictly after eventID.
func (s *MemoryStore) GetEventsSince(ctx context.Context, threadID ID, eventID string) ([]*models.ThreadEvent, error) {
	s.mu.RLock()
	thread, ok := s.threads[threadID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrThreadNotFound
	}

	thread.mu.Lock()
	defer thread.mu.Unlock()
	for i, event := range thread.events {
		if event.ID == eventID {
			out := make([]*models.ThreadEvent, 0, len(thread.events)-i-1)
			for _, e := range thread.events[i+1:] {
				out = append(out, cloneEvent(e))
			}
			return out, nil
		}
	}
	return nil, ErrEventNotFound
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error { return nil }

func cloneEvent(event *models.ThreadEvent) *models.ThreadEvent {
	clone := *event
	clone.Data = append([]byte(nil), event.Data...)
	return &clone
}
