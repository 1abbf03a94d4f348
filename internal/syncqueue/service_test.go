package syncqueue

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/store"
	"github.com/nonprofitsuite/storagecore/internal/store/memory"
)

// fakeClock is a manually advanced time source.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestService(t *testing.T) (*Service, *fakeClock, store.Store) {
	t.Helper()
	st := memory.New()
	clock := newFakeClock()
	return NewService(st, discardLogger(), WithClock(clock.Now)), clock, st
}

func TestDequeueHonoursPriority(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newTestService(t)
	fileID := uuid.New()

	for _, p := range []int{20, 1, 10, 5} {
		_, err := svc.Enqueue(ctx, fileID, models.OpUpload, models.TierLocal, models.TierCloud, p)
		require.NoError(t, err)
		clock.Advance(time.Second)
	}

	var got []int
	for {
		item, err := svc.DequeueNext(ctx)
		require.NoError(t, err)
		if item == nil {
			break
		}
		got = append(got, item.Priority)
	}
	assert.Equal(t, []int{1, 5, 10, 20}, got)
}

func TestDequeueFIFOWithinPriority(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newTestService(t)

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id, err := svc.Enqueue(ctx, uuid.New(), models.OpSync, models.TierLocal, models.TierCDN, models.PriorityNormal)
		require.NoError(t, err)
		ids = append(ids, id)
		clock.Advance(time.Millisecond)
	}

	for _, want := range ids {
		item, err := svc.DequeueNext(ctx)
		require.NoError(t, err)
		assert.Equal(t, want, item.ID)
	}
}

func TestConcurrentDequeueClaimsEachItemOnce(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	for i := 0; i < 200; i++ {
		_, err := svc.Enqueue(ctx, uuid.New(), models.OpUpload, models.TierLocal, models.TierCloud, models.PriorityNormal)
		require.NoError(t, err)
	}

	var (
		mu    sync.Mutex
		owner = make(map[uuid.UUID]int)
		wg    sync.WaitGroup
	)
	for w := 0; w < 10; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				item, err := svc.DequeueNext(ctx)
				if err != nil || item == nil {
					return
				}
				mu.Lock()
				owner[item.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, owner, 200)
	for id, n := range owner {
		assert.Equal(t, 1, n, "item %s", id)
	}
}

func TestFailCapsAttemptsAtThree(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	id, err := svc.Enqueue(ctx, uuid.New(), models.OpUpload, models.TierLocal, models.TierCloud, models.PriorityHigh)
	require.NoError(t, err)

	statuses := []models.SyncStatus{models.SyncPending, models.SyncPending, models.SyncFailed}
	for i, want := range statuses {
		item, err := svc.DequeueNext(ctx)
		require.NoError(t, err)
		require.NotNil(t, item)

		got, err := svc.Fail(ctx, id, "cloud unreachable")
		require.NoError(t, err)
		assert.Equal(t, i+1, got.Attempts)
		assert.Equal(t, want, got.Status)
	}

	// a failed item stays failed and keeps its attempt count
	got, err := svc.Fail(ctx, id, "still unreachable")
	require.NoError(t, err)
	assert.Equal(t, models.MaxSyncAttempts, got.Attempts)
	assert.Equal(t, models.SyncFailed, got.Status)

	item, err := svc.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, item)

	// failed items remain visible
	page, err := svc.List(ctx, ptr(models.SyncFailed), 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestFailAfterCompleteIsRejected(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	id, err := svc.Enqueue(ctx, uuid.New(), models.OpVerify, models.TierCloud, models.TierCloud, models.PriorityLow)
	require.NoError(t, err)

	_, err = svc.DequeueNext(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.Complete(ctx, id))

	_, err = svc.Fail(ctx, id, "late failure")
	assert.ErrorIs(t, err, store.ErrStateChanged)

	item, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, item.Status)
	assert.Zero(t, item.Attempts)
}

func TestEnqueueValidation(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.Enqueue(ctx, uuid.New(), "move", models.TierLocal, models.TierCloud, models.PriorityNormal)
	assert.ErrorIs(t, err, ErrInvalidItem)
	_, err = svc.Enqueue(ctx, uuid.New(), models.OpUpload, "tape", models.TierCloud, models.PriorityNormal)
	assert.ErrorIs(t, err, ErrInvalidItem)
	_, err = svc.Enqueue(ctx, uuid.New(), models.OpUpload, models.TierLocal, models.TierCloud, 0)
	assert.ErrorIs(t, err, ErrInvalidItem)
}

func TestRetryResetsFailedItem(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)
	id, err := svc.Enqueue(ctx, uuid.New(), models.OpUpload, models.TierLocal, models.TierCloud, models.PriorityNormal)
	require.NoError(t, err)

	_, err = svc.Retry(ctx, id)
	assert.ErrorIs(t, err, store.ErrStateChanged)

	for i := 0; i < models.MaxSyncAttempts; i++ {
		_, err := svc.DequeueNext(ctx)
		require.NoError(t, err)
		_, err = svc.Fail(ctx, id, "boom")
		require.NoError(t, err)
	}

	item, err := svc.Retry(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, item.Status)
	assert.Zero(t, item.Attempts)
	assert.Empty(t, item.ErrorMessage)

	next, err := svc.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, next.ID)
}

// A worker that claims an item and dies leaves it processing; once the
// visibility timeout passes the item is pending and claimable again.
func TestStuckItemRecoveredAfterTimeout(t *testing.T) {
	ctx := context.Background()
	svc, clock, _ := newTestService(t)

	fileID := uuid.New()
	id, err := svc.Enqueue(ctx, fileID, models.OpUpload, models.TierLocal, models.TierCloud, models.PriorityNormal)
	require.NoError(t, err)

	claimed, err := svc.DequeueNext(ctx)
	require.NoError(t, err)
	require.Equal(t, id, claimed.ID)

	none, err := svc.DequeueNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, none)

	clock.Advance(5 * time.Minute)
	n, err := svc.ReapStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(6 * time.Minute)
	n, err = svc.ReapStuck(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, err := svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, "visibility timeout expired", item.ErrorMessage)

	again, err := svc.DequeueNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, again)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, fileID, again.FileID)
}

func TestListValidatesPagination(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	_, err := svc.List(ctx, nil, 0, 10)
	assert.ErrorIs(t, err, models.ErrInvalidPage)
	_, err = svc.List(ctx, nil, 1, 101)
	assert.ErrorIs(t, err, models.ErrInvalidPage)

	for i := 0; i < 3; i++ {
		_, err := svc.Enqueue(ctx, uuid.New(), models.OpUpload, models.TierLocal, models.TierCloud, models.PriorityNormal)
		require.NoError(t, err)
	}
	page, err := svc.List(ctx, nil, 2, 2)
	require.NoError(t, err)
	assert.Len(t, page.Items, 1)
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
}
