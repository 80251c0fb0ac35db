// Package dispatch orchestrates the request lifecycle: exclusive
// acceptance, start/complete/cancel transitions, worker side effects and
// lifecycle event emission.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/observability"
	"github.com/example/service-dispatch/internal/registry"
	"github.com/example/service-dispatch/internal/storage"
)

// Coordinator is the sole writer of request status, assignment and
// transition timestamps. All mutations go through the store's conditional
// operations, so concurrent calls on the same request resolve to exactly
// one winner.
type Coordinator struct {
	Store    storage.RequestStore
	Declines storage.DeclineStore
	Registry registry.WorkerRegistry
	Sink     EventSink
	Logger   *slog.Logger
	Now      func() time.Time // defaults to time.Now
}

func (c *Coordinator) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Coordinator) log() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// CreateInput is the customer-supplied portion of a new request.
type CreateInput struct {
	Title    string            `json:"title"`
	Priority models.Priority   `json:"priority"`
	Location models.Coordinate `json:"location"`
	Address  string            `json:"address,omitempty"`
}

// CreateRequest persists a new pending request and announces it.
func (c *Coordinator) CreateRequest(ctx context.Context, actor models.Actor, in CreateInput) (*models.ServiceRequest, error) {
	if actor.Role != models.RoleCustomer {
		return nil, fmt.Errorf("only customers create requests: %w", models.ErrForbidden)
	}
	if in.Priority == "" {
		in.Priority = models.PriorityStandard
	}
	if in.Priority != models.PriorityStandard && in.Priority != models.PriorityEmergency {
		return nil, fmt.Errorf("unknown priority %q", in.Priority)
	}
	now := c.now()
	r := &models.ServiceRequest{
		ID:         uuid.NewString(),
		CustomerID: actor.ID,
		Title:      in.Title,
		Priority:   in.Priority,
		Location:   in.Location,
		Address:    in.Address,
		Status:     models.StatusPending,
		CreatedAt:  now,
		Activities: []models.Activity{{ActorID: actor.ID, Message: "request created", At: now}},
	}
	if err := c.Store.Create(ctx, r); err != nil {
		return nil, err
	}
	observability.RequestsCreatedTotal.WithLabelValues(string(r.Priority)).Inc()
	c.emit(ctx, eventFor(r, "", models.StatusPending, actor), now)
	return r, nil
}

// Accept is the race-critical claim: of N concurrent calls on the same
// pending request exactly one succeeds, the rest fail with
// ErrAlreadyAssigned and leave their workers untouched.
func (c *Coordinator) Accept(ctx context.Context, requestID string, actor models.Actor) (*models.ServiceRequest, error) {
	if actor.Role != models.RoleWorker {
		return nil, fmt.Errorf("only workers accept requests: %w", models.ErrForbidden)
	}
	now := c.now()
	// claim the request first: workers losing the race never touch the
	// registry, so their availability stays visible throughout
	r, err := c.Store.Claim(ctx, requestID, actor.ID, now)
	if err != nil {
		if errors.Is(err, models.ErrAlreadyAssigned) {
			observability.AcceptConflictsTotal.Inc()
		}
		return nil, err
	}
	if err := c.Registry.Assign(ctx, actor.ID, requestID, now); err != nil {
		if uerr := c.Store.Unclaim(ctx, requestID, actor.ID, now); uerr != nil {
			c.log().Error("revert after failed worker assignment", "worker_id", actor.ID, "request_id", requestID, "error", uerr)
		}
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(models.StatusPending), string(models.StatusAccepted)).Inc()
	c.emit(ctx, eventFor(r, models.StatusPending, models.StatusAccepted, actor), now)
	return r, nil
}

// Start moves an accepted request to in_progress. Assigned worker only.
func (c *Coordinator) Start(ctx context.Context, requestID string, actor models.Actor) (*models.ServiceRequest, error) {
	if _, err := c.authorizeAssigned(ctx, requestID, actor); err != nil {
		return nil, err
	}
	now := c.now()
	updated, err := c.Store.Transition(ctx, requestID, models.StatusAccepted, models.StatusInProgress, actor.ID, now)
	if err != nil {
		return nil, err
	}
	observability.TransitionsTotal.WithLabelValues(string(models.StatusAccepted), string(models.StatusInProgress)).Inc()
	c.emit(ctx, eventFor(updated, models.StatusAccepted, models.StatusInProgress, actor), now)
	return updated, nil
}

// Complete finishes an in_progress request and restores the worker's
// availability to their last explicit setting.
func (c *Coordinator) Complete(ctx context.Context, requestID string, actor models.Actor) (*models.ServiceRequest, error) {
	if _, err := c.authorizeAssigned(ctx, requestID, actor); err != nil {
		return nil, err
	}
	now := c.now()
	updated, err := c.Store.Transition(ctx, requestID, models.StatusInProgress, models.StatusCompleted, actor.ID, now)
	if err != nil {
		return nil, err
	}
	if err := c.Registry.Release(ctx, actor.ID, requestID, now); err != nil {
		c.log().Error("worker release failed", "worker_id", actor.ID, "request_id", requestID, "error", err)
	}
	observability.TransitionsTotal.WithLabelValues(string(models.StatusInProgress), string(models.StatusCompleted)).Inc()
	c.emit(ctx, eventFor(updated, models.StatusInProgress, models.StatusCompleted, actor), now)
	return updated, nil
}

// Cancel is reachable from any non-terminal state, by the owning customer,
// an admin, or the currently assigned worker.
func (c *Coordinator) Cancel(ctx context.Context, requestID string, actor models.Actor) (*models.ServiceRequest, error) {
	r, err := c.Store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if !c.mayCancel(r, actor) {
		return nil, fmt.Errorf("actor %s may not cancel request %s: %w", actor.ID, requestID, models.ErrForbidden)
	}
	now := c.now()
	updated, prior, err := c.Store.Cancel(ctx, requestID, actor.ID, now)
	if err != nil {
		return nil, err
	}
	if updated.LastWorkerID != "" && prior != models.StatusPending {
		if err := c.Registry.Release(ctx, updated.LastWorkerID, requestID, now); err != nil {
			c.log().Error("worker release failed", "worker_id", updated.LastWorkerID, "request_id", requestID, "error", err)
		}
	}
	observability.TransitionsTotal.WithLabelValues(string(prior), string(models.StatusCancelled)).Inc()
	c.emit(ctx, eventFor(updated, prior, models.StatusCancelled, actor), now)
	return updated, nil
}

// Decline hides a pending request from the declining worker's listings.
func (c *Coordinator) Decline(ctx context.Context, requestID string, actor models.Actor, reason string) error {
	if actor.Role != models.RoleWorker {
		return fmt.Errorf("only workers decline requests: %w", models.ErrForbidden)
	}
	r, err := c.Store.Get(ctx, requestID)
	if err != nil {
		return err
	}
	if r.Status != models.StatusPending {
		return fmt.Errorf("request %s is %s: %w", requestID, r.Status, models.ErrInvalidTransition)
	}
	return c.Declines.Decline(ctx, actor.ID, requestID, reason, c.now())
}

// mayCancel is the single authorization predicate for cancellation.
func (c *Coordinator) mayCancel(r *models.ServiceRequest, actor models.Actor) bool {
	switch actor.Role {
	case models.RoleAdmin:
		return true
	case models.RoleCustomer:
		return r.CustomerID == actor.ID
	case models.RoleWorker:
		return r.AssignedWorkerID != "" && r.AssignedWorkerID == actor.ID
	}
	return false
}

// authorizeAssigned gates start/complete: worker role plus current
// assignment on the request.
func (c *Coordinator) authorizeAssigned(ctx context.Context, requestID string, actor models.Actor) (*models.ServiceRequest, error) {
	if actor.Role != models.RoleWorker {
		return nil, fmt.Errorf("worker role required: %w", models.ErrForbidden)
	}
	r, err := c.Store.Get(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if r.Status.Terminal() {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, r.Status, models.ErrInvalidTransition)
	}
	// a pending request has no assignee, so the call is premature rather
	// than a wrong-actor one
	if r.AssignedWorkerID == "" {
		return nil, fmt.Errorf("request %s is %s: %w", requestID, r.Status, models.ErrInvalidTransition)
	}
	if r.AssignedWorkerID != actor.ID {
		return nil, fmt.Errorf("worker %s is not assigned to request %s: %w", actor.ID, requestID, models.ErrForbidden)
	}
	return r, nil
}

func (c *Coordinator) emit(ctx context.Context, ev models.LifecycleEvent, at time.Time) {
	ev.At = at
	if c.Sink == nil {
		return
	}
	if err := c.Sink.Publish(ctx, ev); err != nil {
		c.log().Warn("lifecycle event delivery failed", "request_id", ev.RequestID, "to", ev.To, "error", err)
	}
}
