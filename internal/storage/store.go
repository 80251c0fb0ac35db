// Package storage holds service requests and drives their lifecycle state
// atomically per entity. The coordinator is the only writer of status,
// assignment and transition timestamps, and it always goes through the
// conditional operations here.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/service-dispatch/internal/models"
)

// RequestStore defines persistence for service requests. Claim, Transition
// and Cancel are conditional updates: they succeed only if the request is
// still in the expected prior state, observed under the entity's lock.
type RequestStore interface {
	Create(ctx context.Context, r *models.ServiceRequest) error
	Get(ctx context.Context, id string) (*models.ServiceRequest, error)
	// Claim atomically moves pending -> accepted and records the assignee.
	// A request already claimed fails with ErrAlreadyAssigned; a terminal
	// one with ErrInvalidTransition.
	Claim(ctx context.Context, id, workerID string, at time.Time) (*models.ServiceRequest, error)
	// Unclaim reverts a claim whose worker-side effects failed: accepted
	// and assigned to workerID moves back to pending. Any other state
	// fails with ErrInvalidTransition.
	Unclaim(ctx context.Context, id, workerID string, at time.Time) error
	// Transition atomically moves from -> to, stamping the matching
	// timestamp. Any other current status fails with ErrInvalidTransition.
	Transition(ctx context.Context, id string, from, to models.Status, actorID string, at time.Time) (*models.ServiceRequest, error)
	// Cancel atomically cancels any non-terminal request and reports the
	// status it left.
	Cancel(ctx context.Context, id, actorID string, at time.Time) (*models.ServiceRequest, models.Status, error)
	ListByStatus(ctx context.Context, st models.Status) ([]*models.ServiceRequest, error)
	List(ctx context.Context) ([]*models.ServiceRequest, error)
}

// DeclineStore records per-worker "not interested" marks so the matcher can
// hide those requests from that worker only.
type DeclineStore interface {
	Decline(ctx context.Context, workerID, requestID, reason string, at time.Time) error
	Declined(ctx context.Context, workerID, requestID string) (bool, error)
}

type entry struct {
	mu sync.Mutex
	r  *models.ServiceRequest
}

// MemoryStore keeps requests in process. The outer lock only guards the
// map; each request mutates under its own entry lock, so unrelated
// requests never contend.
type MemoryStore struct {
	mu       sync.RWMutex
	requests map[string]*entry

	dmu      sync.RWMutex
	declines map[string]map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		requests: make(map[string]*entry),
		declines: make(map[string]map[string]string),
	}
}

func (m *MemoryStore) Create(_ context.Context, r *models.ServiceRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.requests[r.ID]; ok {
		return fmt.Errorf("request %s already exists", r.ID)
	}
	m.requests[r.ID] = &entry{r: r.Clone()}
	return nil
}

func (m *MemoryStore) lookup(id string) (*entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.requests[id]
	if !ok {
		return nil, fmt.Errorf("request %s: %w", id, models.ErrNotFound)
	}
	return e, nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*models.ServiceRequest, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.r.Clone(), nil
}

func (m *MemoryStore) Claim(_ context.Context, id, workerID string, at time.Time) (*models.ServiceRequest, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.r.Status == models.StatusPending:
	case e.r.Status.Terminal():
		return nil, fmt.Errorf("request %s is %s: %w", id, e.r.Status, models.ErrInvalidTransition)
	default:
		return nil, fmt.Errorf("request %s claimed by %s: %w", id, e.r.AssignedWorkerID, models.ErrAlreadyAssigned)
	}
	e.r.Status = models.StatusAccepted
	e.r.AssignedWorkerID = workerID
	e.r.LastWorkerID = workerID
	t := at
	e.r.AcceptedAt = &t
	e.r.Activities = append(e.r.Activities, models.Activity{
		ActorID: workerID,
		Message: fmt.Sprintf("accepted by worker %s", workerID),
		At:      at,
	})
	return e.r.Clone(), nil
}

func (m *MemoryStore) Unclaim(_ context.Context, id, workerID string, at time.Time) error {
	e, err := m.lookup(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.r.Status != models.StatusAccepted || e.r.AssignedWorkerID != workerID {
		return fmt.Errorf("request %s is %s (assigned %q): %w", id, e.r.Status, e.r.AssignedWorkerID, models.ErrInvalidTransition)
	}
	e.r.Status = models.StatusPending
	e.r.AssignedWorkerID = ""
	e.r.LastWorkerID = ""
	e.r.AcceptedAt = nil
	e.r.Activities = append(e.r.Activities, models.Activity{
		ActorID: workerID,
		Message: "acceptance reverted",
		At:      at,
	})
	return nil
}

func (m *MemoryStore) Transition(_ context.Context, id string, from, to models.Status, actorID string, at time.Time) (*models.ServiceRequest, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.r.Status != from {
		return nil, fmt.Errorf("request %s is %s, not %s: %w", id, e.r.Status, from, models.ErrInvalidTransition)
	}
	applyTransition(e.r, to, at)
	e.r.Activities = append(e.r.Activities, models.Activity{
		ActorID: actorID,
		Message: fmt.Sprintf("status %s -> %s", from, to),
		At:      at,
	})
	return e.r.Clone(), nil
}

func (m *MemoryStore) Cancel(_ context.Context, id, actorID string, at time.Time) (*models.ServiceRequest, models.Status, error) {
	e, err := m.lookup(id)
	if err != nil {
		return nil, "", err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.r.Status.Terminal() {
		return nil, "", fmt.Errorf("request %s is %s: %w", id, e.r.Status, models.ErrInvalidTransition)
	}
	prior := e.r.Status
	applyTransition(e.r, models.StatusCancelled, at)
	e.r.Activities = append(e.r.Activities, models.Activity{
		ActorID: actorID,
		Message: fmt.Sprintf("cancelled by %s", actorID),
		At:      at,
	})
	return e.r.Clone(), prior, nil
}

// applyTransition stamps the timestamp for the target status and clears the
// assignment on terminal moves, retaining LastWorkerID for audit.
func applyTransition(r *models.ServiceRequest, to models.Status, at time.Time) {
	r.Status = to
	t := at
	switch to {
	case models.StatusInProgress:
		r.StartedAt = &t
	case models.StatusCompleted:
		r.CompletedAt = &t
	case models.StatusCancelled:
		r.CancelledAt = &t
	}
	if to.Terminal() {
		r.AssignedWorkerID = ""
	}
}

func (m *MemoryStore) ListByStatus(_ context.Context, st models.Status) ([]*models.ServiceRequest, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.requests))
	for _, e := range m.requests {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*models.ServiceRequest, 0)
	for _, e := range entries {
		e.mu.Lock()
		if e.r.Status == st {
			out = append(out, e.r.Clone())
		}
		e.mu.Unlock()
	}
	return out, nil
}

func (m *MemoryStore) List(_ context.Context) ([]*models.ServiceRequest, error) {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.requests))
	for _, e := range m.requests {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	out := make([]*models.ServiceRequest, 0, len(entries))
	for _, e := range entries {
		e.mu.Lock()
		out = append(out, e.r.Clone())
		e.mu.Unlock()
	}
	return out, nil
}

func (m *MemoryStore) Decline(_ context.Context, workerID, requestID, reason string, at time.Time) error {
	m.dmu.Lock()
	defer m.dmu.Unlock()
	set, ok := m.declines[workerID]
	if !ok {
		set = make(map[string]string)
		m.declines[workerID] = set
	}
	set[requestID] = reason
	return nil
}

func (m *MemoryStore) Declined(_ context.Context, workerID, requestID string) (bool, error) {
	m.dmu.RLock()
	defer m.dmu.RUnlock()
	_, ok := m.declines[workerID][requestID]
	return ok, nil
}
