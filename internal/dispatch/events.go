package dispatch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/example/service-dispatch/internal/models"
)

// EventSink receives lifecycle events. Delivery is fire-and-forget from the
// coordinator's side: a sink failure is logged and never rolls back or
// blocks the transition that produced the event.
type EventSink interface {
	Publish(ctx context.Context, ev models.LifecycleEvent) error
}

// SinkFunc adapts a function to an EventSink.
type SinkFunc func(ctx context.Context, ev models.LifecycleEvent) error

func (f SinkFunc) Publish(ctx context.Context, ev models.LifecycleEvent) error { return f(ctx, ev) }

// Fanout publishes to every sink, best effort per sink.
type Fanout struct {
	Sinks  []EventSink
	Logger *slog.Logger
}

func (f *Fanout) Publish(ctx context.Context, ev models.LifecycleEvent) error {
	for _, s := range f.Sinks {
		if err := s.Publish(ctx, ev); err != nil && f.Logger != nil {
			f.Logger.Warn("event sink failed", "request_id", ev.RequestID, "to", ev.To, "error", err)
		}
	}
	return nil
}

// eventFor snapshots everything a notification needs from the request at
// transition time.
func eventFor(r *models.ServiceRequest, from, to models.Status, actor models.Actor) models.LifecycleEvent {
	workerID := r.AssignedWorkerID
	if workerID == "" {
		workerID = r.LastWorkerID
	}
	return models.LifecycleEvent{
		ID:         uuid.NewString(),
		RequestID:  r.ID,
		From:       from,
		To:         to,
		Actor:      actor,
		Priority:   r.Priority,
		Location:   r.Location,
		CustomerID: r.CustomerID,
		WorkerID:   workerID,
		Title:      r.Title,
	}
}
