package storage

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-dispatch/internal/models"
)

func newPending(id string) *models.ServiceRequest {
	return &models.ServiceRequest{
		ID:         id,
		CustomerID: "cust1",
		Title:      "burst pipe",
		Priority:   models.PriorityStandard,
		Location:   models.Coordinate{Lat: 51.5, Lon: -0.1},
		Status:     models.StatusPending,
		CreatedAt:  time.Now(),
	}
}

func TestClaimExactlyOneWinner(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newPending("req1")))

	const workers = 32
	var wg sync.WaitGroup
	winners := make(chan string, workers)
	losers := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("w%d", i)
			if _, err := m.Claim(ctx, "req1", id, time.Now()); err != nil {
				losers <- err
			} else {
				winners <- id
			}
		}(i)
	}
	wg.Wait()
	close(winners)
	close(losers)

	require.Len(t, winners, 1)
	assert.Len(t, losers, workers-1)
	for err := range losers {
		assert.ErrorIs(t, err, models.ErrAlreadyAssigned)
	}

	winner := ""
	for id := range winners {
		winner = id
	}
	got, err := m.Get(ctx, "req1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, got.Status)
	assert.Equal(t, winner, got.AssignedWorkerID)
	require.NotNil(t, got.AcceptedAt)
}

func TestClaimOnTerminalIsInvalidTransition(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newPending("req1")))
	_, _, err := m.Cancel(ctx, "req1", "cust1", time.Now())
	require.NoError(t, err)

	_, err = m.Claim(ctx, "req1", "w1", time.Now())
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestUnclaimRevertsToPending(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newPending("r1")))

	_, err := m.Claim(ctx, "r1", "w1", time.Now())
	require.NoError(t, err)
	require.NoError(t, m.Unclaim(ctx, "r1", "w1", time.Now()))

	got, err := m.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, got.Status)
	assert.Empty(t, got.AssignedWorkerID)
	assert.Nil(t, got.AcceptedAt)

	// the reverted request is claimable again
	_, err = m.Claim(ctx, "r1", "w2", time.Now())
	require.NoError(t, err)
}

func TestUnclaimRequiresMatchingClaim(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newPending("r1")))

	err := m.Unclaim(ctx, "r1", "w1", time.Now())
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "pending has no claim to revert")

	_, err = m.Claim(ctx, "r1", "w1", time.Now())
	require.NoError(t, err)
	err = m.Unclaim(ctx, "r1", "w2", time.Now())
	assert.ErrorIs(t, err, models.ErrInvalidTransition, "only the claiming worker reverts")

	err = m.Unclaim(ctx, "ghost", "w1", time.Now())
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestTransitionRequiresExactPriorState(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newPending("req1")))

	// complete straight from pending must fail
	_, err := m.Transition(ctx, "req1", models.StatusInProgress, models.StatusCompleted, "w1", time.Now())
	assert.ErrorIs(t, err, models.ErrInvalidTransition)

	_, err = m.Claim(ctx, "req1", "w1", time.Now())
	require.NoError(t, err)
	r, err := m.Transition(ctx, "req1", models.StatusAccepted, models.StatusInProgress, "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, r.Status)
	require.NotNil(t, r.StartedAt)

	r, err = m.Transition(ctx, "req1", models.StatusInProgress, models.StatusCompleted, "w1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, r.Status)
	require.NotNil(t, r.CompletedAt)
	assert.Empty(t, r.AssignedWorkerID, "assignment cleared on terminal")
	assert.Equal(t, "w1", r.LastWorkerID, "last assignee retained for audit")
}

func TestCancelReportsPriorStatus(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Create(ctx, newPending("req1")))
	_, err := m.Claim(ctx, "req1", "w1", time.Now())
	require.NoError(t, err)

	r, prior, err := m.Cancel(ctx, "req1", "admin1", time.Now())
	require.NoError(t, err)
	assert.Equal(t, models.StatusAccepted, prior)
	assert.Equal(t, models.StatusCancelled, r.Status)
	require.NotNil(t, r.CancelledAt)

	// terminal states never move again
	_, _, err = m.Cancel(ctx, "req1", "admin1", time.Now())
	assert.ErrorIs(t, err, models.ErrInvalidTransition)
}

func TestGetUnknownRequest(t *testing.T) {
	m := NewMemoryStore()
	_, err := m.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestListByStatusSnapshots(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Create(ctx, newPending(fmt.Sprintf("req%d", i))))
	}
	_, err := m.Claim(ctx, "req1", "w1", time.Now())
	require.NoError(t, err)

	pending, err := m.ListByStatus(ctx, models.StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	// returned snapshots are copies, mutating them cannot corrupt the store
	pending[0].Status = models.StatusCompleted
	again, _ := m.ListByStatus(ctx, models.StatusPending)
	assert.Len(t, again, 2)
}

func TestDeclines(t *testing.T) {
	m := NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, m.Decline(ctx, "w1", "req1", "too far", time.Now()))

	got, err := m.Declined(ctx, "w1", "req1")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = m.Declined(ctx, "w2", "req1")
	require.NoError(t, err)
	assert.False(t, got)
}
