package storage

import (
	"context"
	"sync"
	"time"
)

// ResumeStore keeps the room set of a disconnected connection for a short
// grace period, keyed by the old connection id. A reconnecting client that
// presents that id gets its rooms re-joined; after the TTL the record is
// gone and the client starts from scratch. Take claims the record at most
// once (read + delete).
type ResumeStore interface {
	Save(ctx context.Context, connID string, rooms []string, ttl time.Duration) error
	Take(ctx context.Context, connID string) ([]string, error)
}

type memEntry struct {
	rooms    []string
	expireAt time.Time
}

// MemResume is the in-process implementation, used when Redis is not
// configured. Entries expire deterministically on a sweep ticker.
type MemResume struct {
	mu       sync.Mutex
	entries  map[string]memEntry
	stopOnce sync.Once
	stopCh   chan struct{}
}

func NewMemResume(sweepEvery time.Duration) *MemResume {
	if sweepEvery <= 0 {
		sweepEvery = 10 * time.Second
	}
	m := &MemResume{
		entries: make(map[string]memEntry),
		stopCh:  make(chan struct{}),
	}
	go m.sweeper(sweepEvery)
	return m
}

func (m *MemResume) Save(_ context.Context, connID string, rooms []string, ttl time.Duration) error {
	if connID == "" || len(rooms) == 0 || ttl <= 0 {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[connID] = memEntry{
		rooms:    append([]string(nil), rooms...),
		expireAt: time.Now().Add(ttl),
	}
	return nil
}

func (m *MemResume) Take(_ context.Context, connID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[connID]
	if !ok {
		return nil, nil
	}
	delete(m.entries, connID)
	if time.Now().After(e.expireAt) {
		return nil, nil
	}
	return e.rooms, nil
}

func (m *MemResume) Close() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

func (m *MemResume) sweeper(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case now := <-t.C:
			m.mu.Lock()
			for id, e := range m.entries {
				if now.After(e.expireAt) {
					delete(m.entries, id)
				}
			}
			m.mu.Unlock()
		}
	}
}
