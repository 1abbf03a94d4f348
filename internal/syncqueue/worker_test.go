package syncqueue

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/store"
	"github.com/nonprofitsuite/storagecore/internal/tier"
)

type workerFixture struct {
	svc    *Service
	worker *Worker
	store  store.Store
	tiers  *tier.Registry
	clock  *fakeClock
}

func newWorkerFixture(t *testing.T, tiers ...models.Tier) *workerFixture {
	t.Helper()
	svc, clock, st := newTestService(t)

	reg := tier.NewRegistry()
	for _, tr := range tiers {
		a, err := tier.NewLocal(tr, t.TempDir(), 0)
		require.NoError(t, err)
		reg.Register(a)
	}

	w := NewWorker(svc, st, reg, WorkerConfig{Workers: 2, PollInterval: 10 * time.Millisecond}, discardLogger())
	return &workerFixture{svc: svc, worker: w, store: st, tiers: reg, clock: clock}
}

// seedFile stores content on the local tier and registers the file.
func (f *workerFixture) seedFile(t *testing.T, name, content string) *models.FileRecord {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	key := tier.ObjectKey(id.String(), name)

	local, err := f.tiers.Get(models.TierLocal)
	require.NoError(t, err)
	res, err := local.Upload(ctx, key, strings.NewReader(content), tier.UploadOptions{})
	require.NoError(t, err)

	rec := &models.FileRecord{
		ID:             id,
		Filename:       name,
		MimeType:       res.MimeType,
		SizeBytes:      res.Size,
		Checksum:       res.Checksum,
		StorageKey:     key,
		Category:       models.CategoryGeneral,
		Visibility:     models.VisibilityPrivate,
		DocumentStatus: models.DocStatusDraft,
		CreatedAt:      f.clock.Now(),
		UpdatedAt:      f.clock.Now(),
	}
	require.NoError(t, f.store.Files().Create(ctx, rec))
	require.NoError(t, f.store.Files().AddLocation(ctx, models.FileLocation{FileID: id, Tier: models.TierLocal, PlacedAt: f.clock.Now()}))
	return rec
}

func TestWorkerUploadsToTargetTier(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, models.TierLocal, models.TierCloud)
	file := f.seedFile(t, "minutes.docx", "board minutes")

	id, err := f.svc.Enqueue(ctx, file.ID, models.OpUpload, models.TierLocal, models.TierCloud, models.PriorityNormal)
	require.NoError(t, err)

	processed, err := f.worker.RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, processed)

	item, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, item.Status)

	cloud, _ := f.tiers.Get(models.TierCloud)
	assert.True(t, cloud.Exists(ctx, file.StorageKey))

	locs, err := f.store.Files().Locations(ctx, file.ID)
	require.NoError(t, err)
	assert.Len(t, locs, 2)
}

func TestWorkerDeleteToleratesMissingObject(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, models.TierLocal, models.TierCDN)
	file := f.seedFile(t, "policy.pdf", "policy")
	require.NoError(t, f.store.Files().AddLocation(ctx, models.FileLocation{FileID: file.ID, Tier: models.TierCDN, PlacedAt: f.clock.Now()}))

	id, err := f.svc.Enqueue(ctx, file.ID, models.OpDelete, models.TierCDN, models.TierCDN, models.PriorityCritical)
	require.NoError(t, err)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	item, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncCompleted, item.Status)

	locs, err := f.store.Files().Locations(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, models.TierLocal, locs[0].Tier)
}

func TestWorkerMissingAdapterFailsPermanently(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, models.TierLocal)
	file := f.seedFile(t, "grant.pdf", "grant")

	id, err := f.svc.Enqueue(ctx, file.ID, models.OpUpload, models.TierLocal, models.TierCollab, models.PriorityNormal)
	require.NoError(t, err)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	item, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Contains(t, item.ErrorMessage, "no adapter")
}

func TestWorkerVerifyDetectsSizeMismatch(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, models.TierLocal)
	file := f.seedFile(t, "report.csv", "a,b,c")
	file.SizeBytes = 999
	require.NoError(t, f.store.Files().Update(ctx, file))

	id, err := f.svc.Enqueue(ctx, file.ID, models.OpVerify, models.TierLocal, models.TierLocal, models.PriorityLow)
	require.NoError(t, err)

	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	item, err := f.svc.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, item.Status)
	assert.Equal(t, 1, item.Attempts)
	assert.Contains(t, item.ErrorMessage, "size mismatch")
}

func TestWorkerVerifyStampsLocation(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t, models.TierLocal)
	file := f.seedFile(t, "report.csv", "a,b,c")

	_, err := f.svc.Enqueue(ctx, file.ID, models.OpVerify, models.TierLocal, models.TierLocal, models.PriorityLow)
	require.NoError(t, err)
	_, err = f.worker.RunOnce(ctx)
	require.NoError(t, err)

	locs, err := f.store.Files().Locations(ctx, file.ID)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.NotNil(t, locs[0].VerifiedAt)
}

func TestWorkerPoolDrainsQueue(t *testing.T) {
	f := newWorkerFixture(t, models.TierLocal, models.TierCloud)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for i := 0; i < 10; i++ {
		file := f.seedFile(t, "doc.txt", "content")
		_, err := f.svc.Enqueue(ctx, file.ID, models.OpUpload, models.TierLocal, models.TierCloud, models.PriorityNormal)
		require.NoError(t, err)
	}

	done := make(chan error, 1)
	go func() { done <- f.worker.Run(ctx) }()

	require.Eventually(t, func() bool {
		stats, err := f.svc.Stats(context.Background())
		return err == nil && stats.Completed == 10
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker pool did not stop")
	}
}
