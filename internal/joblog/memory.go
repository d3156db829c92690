package joblog

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Memory is an in-process Sink for dry runs and tests
type Memory struct {
	mu      sync.Mutex
	nextID  int64
	entries map[int64]*Entry
	now     func() time.Time
}

// NewMemory creates an empty in-memory sink
func NewMemory() *Memory {
	return &Memory{
		entries: make(map[int64]*Entry),
		now:     time.Now,
	}
}

func (m *Memory) Create(_ context.Context, feature, trigger string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextID++
	now := m.now()
	m.entries[m.nextID] = &Entry{
		ID:        m.nextID,
		Feature:   feature,
		Trigger:   trigger,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	return m.nextID, nil
}

func (m *Memory) Update(_ context.Context, id int64, percentage float64, statusText string) error {
	return m.mutate(id, func(e *Entry) {
		e.Percentage = clampPercentage(percentage)
		e.StatusText = statusText
	})
}

func (m *Memory) Complete(_ context.Context, id int64, counts Counts) error {
	return m.finish(id, StatusCompleted, func(e *Entry) {
		e.Percentage = 100
		e.Counts = counts
		e.StatusText = "completed"
	})
}

func (m *Memory) Fail(_ context.Context, id int64, message string) error {
	return m.finish(id, StatusFailed, func(e *Entry) {
		e.Error = message
		e.StatusText = "failed"
	})
}

func (m *Memory) Cancel(_ context.Context, id int64) error {
	return m.finish(id, StatusCancelled, func(e *Entry) {
		e.StatusText = "cancelled"
	})
}

func (m *Memory) IsCancelled(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return false, fmt.Errorf("job log %d: %w", id, ErrNotFound)
	}
	return e.Status == StatusCancelled, nil
}

func (m *Memory) Get(_ context.Context, id int64) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return nil, fmt.Errorf("job log %d: %w", id, ErrNotFound)
	}
	cp := *e
	return &cp, nil
}

// List returns the newest entries first
func (m *Memory) List(_ context.Context, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) mutate(id int64, fn func(e *Entry)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[id]
	if !ok {
		return fmt.Errorf("job log %d: %w", id, ErrNotFound)
	}
	if e.Status.Terminal() {
		return nil
	}
	fn(e)
	e.UpdatedAt = m.now()
	return nil
}

func (m *Memory) finish(id int64, status Status, fn func(e *Entry)) error {
	return m.mutate(id, func(e *Entry) {
		fn(e)
		now := m.now()
		e.Status = status
		e.FinishedAt = &now
	})
}
