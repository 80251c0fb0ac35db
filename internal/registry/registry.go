// Package registry tracks worker availability, last-known location and the
// single active assignment per worker.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/models"
)

// WorkerRegistry is the write-side owner of availability and location.
// Assign and Release are the dispatch-forced side effects of acceptance and
// completion/cancellation; Assign must be an atomic claim of the worker's
// single assignment slot.
type WorkerRegistry interface {
	Upsert(ctx context.Context, w models.Worker) error
	Get(ctx context.Context, id string) (*models.Worker, error)
	// SetAvailability records an explicit toggle by the worker, creating
	// the record on first sight. Location is updated when provided. While
	// a worker holds an assignment the effective flag stays false and only
	// the explicit setting changes.
	SetAvailability(ctx context.Context, id string, available bool, loc *models.Coordinate, at time.Time) (*models.Worker, error)
	// Assign claims the worker for a request and forces Available false.
	// Fails with ErrAlreadyAssigned if an assignment is already active.
	Assign(ctx context.Context, workerID, requestID string, at time.Time) error
	// Release clears the assignment if it matches requestID and restores
	// the worker's last explicit availability setting.
	Release(ctx context.Context, workerID, requestID string, at time.Time) error
	// NearbyAvailable lists available workers with a known location within
	// radiusKm of the given point, used for notification fan-out.
	NearbyAvailable(ctx context.Context, at models.Coordinate, radiusKm float64) ([]models.Worker, error)
	AvailableCount(ctx context.Context) (int, error)
}

// Memory is an in-process registry. A single RWMutex is fine here: every
// mutation touches exactly one worker and holds the lock only for the
// in-memory update, so contention stays scoped in practice.
type Memory struct {
	mu      sync.RWMutex
	workers map[string]*models.Worker
}

func NewMemory() *Memory {
	return &Memory{workers: make(map[string]*models.Worker)}
}

func (m *Memory) Upsert(_ context.Context, w models.Worker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.workers[w.ID]; ok {
		// ingest updates never clobber the assignment slot
		w.CurrentRequestID = cur.CurrentRequestID
		if w.CurrentRequestID != "" {
			w.Available = false
		}
	}
	cp := w
	m.workers[w.ID] = &cp
	return nil
}

func (m *Memory) Get(_ context.Context, id string) (*models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.workers[id]
	if !ok {
		return nil, fmt.Errorf("worker %s: %w", id, models.ErrNotFound)
	}
	cp := *w
	return &cp, nil
}

func (m *Memory) SetAvailability(_ context.Context, id string, available bool, loc *models.Coordinate, at time.Time) (*models.Worker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[id]
	if !ok {
		w = &models.Worker{ID: id}
		m.workers[id] = w
	}
	w.WantsAvailable = available
	if loc != nil {
		cp := *loc
		w.Location = &cp
	}
	if w.CurrentRequestID == "" {
		w.Available = available
	}
	if available {
		w.LastAvailableAt = at
	}
	w.Updated = at
	cp := *w
	return &cp, nil
}

func (m *Memory) Assign(_ context.Context, workerID, requestID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, models.ErrNotFound)
	}
	if w.CurrentRequestID != "" {
		return fmt.Errorf("worker %s busy with %s: %w", workerID, w.CurrentRequestID, models.ErrAlreadyAssigned)
	}
	w.CurrentRequestID = requestID
	w.Available = false
	w.Updated = at
	return nil
}

func (m *Memory) Release(_ context.Context, workerID, requestID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.workers[workerID]
	if !ok {
		return fmt.Errorf("worker %s: %w", workerID, models.ErrNotFound)
	}
	if w.CurrentRequestID != requestID {
		return nil
	}
	w.CurrentRequestID = ""
	w.Available = w.WantsAvailable
	w.Updated = at
	return nil
}

func (m *Memory) NearbyAvailable(_ context.Context, at models.Coordinate, radiusKm float64) ([]models.Worker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Worker, 0)
	for _, w := range m.workers {
		if !w.Available || w.Location == nil {
			continue
		}
		if geo.DistanceKm(at, *w.Location) <= radiusKm {
			out = append(out, *w)
		}
	}
	return out, nil
}

func (m *Memory) AvailableCount(_ context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, w := range m.workers {
		if w.Available {
			n++
		}
	}
	return n, nil
}
