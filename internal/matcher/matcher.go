// Package matcher ranks pending requests for a querying worker. It is a
// pure read-side view: every query recomputes from the store, since request
// status and availability shift between queries.
package matcher

import (
	"context"
	"sort"

	"github.com/example/service-dispatch/internal/geo"
	"github.com/example/service-dispatch/internal/models"
)

// PendingLister is the slice of the store the matcher reads.
type PendingLister interface {
	ListByStatus(ctx context.Context, st models.Status) ([]*models.ServiceRequest, error)
}

// Declines hides requests a worker has marked not-interested.
type Declines interface {
	Declined(ctx context.Context, workerID, requestID string) (bool, error)
}

// Candidate pairs a pending request with its distance from the worker.
type Candidate struct {
	Request    *models.ServiceRequest `json:"request"`
	DistanceKm float64                `json:"distance_km"`
}

type Service struct {
	Store           PendingLister
	Declines        Declines // optional
	DefaultRadiusKm float64
}

// FallbackRadiusKm mirrors the default worker service radius.
const FallbackRadiusKm = 20.0

func (s *Service) radius(radiusKm float64) float64 {
	if radiusKm > 0 {
		return radiusKm
	}
	if s.DefaultRadiusKm > 0 {
		return s.DefaultRadiusKm
	}
	return FallbackRadiusKm
}

// Rank returns pending requests within radiusKm of loc, ordered by priority
// descending, distance ascending, creation time ascending, then request ID
// as a final deterministic tie-break. Requests declined by workerID are
// excluded.
func (s *Service) Rank(ctx context.Context, workerID string, loc models.Coordinate, radiusKm float64) ([]Candidate, error) {
	pending, err := s.Store.ListByStatus(ctx, models.StatusPending)
	if err != nil {
		return nil, err
	}
	maxKm := s.radius(radiusKm)

	out := make([]Candidate, 0, len(pending))
	for _, r := range pending {
		if s.Declines != nil && workerID != "" {
			skip, err := s.Declines.Declined(ctx, workerID, r.ID)
			if err != nil {
				return nil, err
			}
			if skip {
				continue
			}
		}
		d := geo.DistanceKm(loc, r.Location)
		if d > maxKm {
			continue
		}
		out = append(out, Candidate{Request: r, DistanceKm: d})
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Request.Priority.Rank() != b.Request.Priority.Rank() {
			return a.Request.Priority.Rank() > b.Request.Priority.Rank()
		}
		if a.DistanceKm != b.DistanceKm {
			return a.DistanceKm < b.DistanceKm
		}
		if !a.Request.CreatedAt.Equal(b.Request.CreatedAt) {
			return a.Request.CreatedAt.Before(b.Request.CreatedAt)
		}
		return a.Request.ID < b.Request.ID
	})
	return out, nil
}

// Pending is the lazy form of Rank: a finite, restartable sequence that
// recomputes the candidate set each time it is ranged. Store errors end the
// sequence early; callers needing the error use Rank directly.
func (s *Service) Pending(ctx context.Context, workerID string, loc models.Coordinate, radiusKm float64) func(yield func(Candidate) bool) {
	return func(yield func(Candidate) bool) {
		ranked, err := s.Rank(ctx, workerID, loc, radiusKm)
		if err != nil {
			return
		}
		for _, c := range ranked {
			if !yield(c) {
				return
			}
		}
	}
}
