// Package stats derives admin-facing numbers from store and registry
// snapshots on demand. Nothing is persisted, so the figures are always
// consistent with the store at query time.
package stats

import (
	"context"
	"time"

	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/registry"
	"github.com/example/service-dispatch/internal/storage"
)

type Snapshot struct {
	GeneratedAt            time.Time               `json:"generated_at"`
	ByStatus               map[models.Status]int   `json:"by_status"`
	ByPriority             map[models.Priority]int `json:"by_priority"`
	OpenRequests           int                     `json:"open_requests"`
	OpenEmergencies        int                     `json:"open_emergencies"`
	AvgTimeToAcceptSeconds float64                 `json:"avg_time_to_accept_seconds"`
	ActiveWorkers          int                     `json:"active_workers"`
}

type Aggregator struct {
	Store    storage.RequestStore
	Registry registry.WorkerRegistry
	Now      func() time.Time
}

func (a *Aggregator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a *Aggregator) Snapshot(ctx context.Context) (Snapshot, error) {
	requests, err := a.Store.List(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{
		GeneratedAt: a.now(),
		ByStatus: map[models.Status]int{
			models.StatusPending:    0,
			models.StatusAccepted:   0,
			models.StatusInProgress: 0,
			models.StatusCompleted:  0,
			models.StatusCancelled:  0,
		},
		ByPriority: map[models.Priority]int{
			models.PriorityStandard:  0,
			models.PriorityEmergency: 0,
		},
	}
	var ttaSum time.Duration
	finished := 0
	for _, r := range requests {
		s.ByStatus[r.Status]++
		s.ByPriority[r.Priority]++
		if r.Open() {
			s.OpenRequests++
			if r.Priority == models.PriorityEmergency {
				s.OpenEmergencies++
			}
		}
		// time-to-accept averages over finished requests only; in-flight
		// ones are excluded until they reach a terminal status
		if r.Status.Terminal() && r.AcceptedAt != nil {
			ttaSum += r.AcceptedAt.Sub(r.CreatedAt)
			finished++
		}
	}
	if finished > 0 {
		s.AvgTimeToAcceptSeconds = ttaSum.Seconds() / float64(finished)
	}
	if a.Registry != nil {
		n, err := a.Registry.AvailableCount(ctx)
		if err != nil {
			return Snapshot{}, err
		}
		s.ActiveWorkers = n
	}
	return s, nil
}
