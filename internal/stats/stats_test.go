package stats

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/service-dispatch/internal/models"
	"github.com/example/service-dispatch/internal/registry"
	"github.com/example/service-dispatch/internal/storage"
)

func TestSnapshotCounts(t *testing.T) {
	store := storage.NewMemoryStore()
	reg := registry.NewMemory()
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	// 6 created: 3 completed, 1 cancelled, 1 left pending, 1 accepted
	for i := 0; i < 6; i++ {
		pr := models.PriorityStandard
		if i == 0 {
			pr = models.PriorityEmergency
		}
		require.NoError(t, store.Create(ctx, &models.ServiceRequest{
			ID:         fmt.Sprintf("req%d", i),
			CustomerID: "cust1",
			Priority:   pr,
			Status:     models.StatusPending,
			CreatedAt:  base,
		}))
	}
	for i := 0; i < 3; i++ {
		id := fmt.Sprintf("req%d", i)
		_, err := store.Claim(ctx, id, "w1", base.Add(30*time.Second))
		require.NoError(t, err)
		_, err = store.Transition(ctx, id, models.StatusAccepted, models.StatusInProgress, "w1", base.Add(time.Minute))
		require.NoError(t, err)
		_, err = store.Transition(ctx, id, models.StatusInProgress, models.StatusCompleted, "w1", base.Add(2*time.Minute))
		require.NoError(t, err)
	}
	_, _, err := store.Cancel(ctx, "req3", "cust1", base.Add(time.Minute))
	require.NoError(t, err)

	// still in flight: must not pull the time-to-accept average
	_, err = store.Claim(ctx, "req5", "w2", base.Add(5*time.Minute))
	require.NoError(t, err)

	_, _ = reg.SetAvailability(ctx, "w1", true, nil, time.Now())
	_, _ = reg.SetAvailability(ctx, "w2", false, nil, time.Now())

	a := &Aggregator{Store: store, Registry: reg}
	snap, err := a.Snapshot(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, snap.ByStatus[models.StatusPending])
	assert.Equal(t, 3, snap.ByStatus[models.StatusCompleted])
	assert.Equal(t, 1, snap.ByStatus[models.StatusCancelled])
	assert.Equal(t, 1, snap.ByStatus[models.StatusAccepted])
	assert.Equal(t, 1, snap.ByPriority[models.PriorityEmergency])
	assert.Equal(t, 5, snap.ByPriority[models.PriorityStandard])
	assert.Equal(t, 2, snap.OpenRequests)
	assert.Equal(t, 1, snap.ActiveWorkers)
	assert.Equal(t, 30.0, snap.AvgTimeToAcceptSeconds)
	assert.False(t, snap.GeneratedAt.IsZero())
}

func TestSnapshotEmptyStore(t *testing.T) {
	a := &Aggregator{Store: storage.NewMemoryStore(), Registry: registry.NewMemory()}
	snap, err := a.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Zero(t, snap.OpenRequests)
	assert.Zero(t, snap.AvgTimeToAcceptSeconds)
	assert.GreaterOrEqual(t, snap.AvgTimeToAcceptSeconds, 0.0)
}
