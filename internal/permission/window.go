package permission

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

type windowEntry struct {
	at   time.Time
	slot string
}

// MemoryWindow is an in-process sliding window.
type MemoryWindow struct {
	mu   sync.Mutex
	data map[string][]windowEntry
}

// NewMemoryWindow creates an empty window.
func NewMemoryWindow() *MemoryWindow {
	return &MemoryWindow{data: make(map[string][]windowEntry)}
}

// Count implements RateWindow.
func (m *MemoryWindow) Count(_ context.Context, appID string, now time.Time, window time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pruneLocked(appID, now.Add(-window))), nil
}

// Record implements RateWindow.
func (m *MemoryWindow) Record(_ context.Context, appID string, now time.Time, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[appID] = append(m.pruneLocked(appID, now.Add(-window)), windowEntry{at: now})
	return nil
}

// Reserve implements RateWindow.
func (m *MemoryWindow) Reserve(_ context.Context, appID string, now time.Time, window time.Duration, max int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	live := m.pruneLocked(appID, now.Add(-window))
	if len(live) >= max {
		return "", nil
	}
	slot := uuid.NewString()
	m.data[appID] = append(live, windowEntry{at: now, slot: slot})
	return slot, nil
}

// Release implements RateWindow.
func (m *MemoryWindow) Release(_ context.Context, appID, slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ts := m.data[appID]
	for i, e := range ts {
		if e.slot != slot {
			continue
		}
		ts = append(ts[:i:i], ts[i+1:]...)
		if len(ts) == 0 {
			delete(m.data, appID)
		} else {
			m.data[appID] = ts
		}
		return nil
	}
	return nil
}

// Prune implements RateWindow.
func (m *MemoryWindow) Prune(_ context.Context, now time.Time, window time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for appID := range m.data {
		m.pruneLocked(appID, now.Add(-window))
	}
	return nil
}

// Reset implements RateWindow.
func (m *MemoryWindow) Reset(_ context.Context, appID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, appID)
	return nil
}

// pruneLocked drops entries at or before cutoff. Entries are appended in
// order, so the live ones form a suffix.
func (m *MemoryWindow) pruneLocked(appID string, cutoff time.Time) []windowEntry {
	ts := m.data[appID]
	i := 0
	for i < len(ts) && !ts[i].at.After(cutoff) {
		i++
	}
	if i == len(ts) {
		delete(m.data, appID)
		return nil
	}
	if i > 0 {
		ts = append([]windowEntry(nil), ts[i:]...)
		m.data[appID] = ts
	}
	return ts
}
