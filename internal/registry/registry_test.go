package registry

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/store"
	"github.com/nonprofitsuite/storagecore/internal/store/memory"
	"github.com/nonprofitsuite/storagecore/internal/syncqueue"
	"github.com/nonprofitsuite/storagecore/internal/tier"
)

type fakeSubmitter struct {
	mu  sync.Mutex
	ids []uuid.UUID
}

func (s *fakeSubmitter) Submit(_ context.Context, id uuid.UUID) (*models.DiscoveryRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ids = append(s.ids, id)
	return &models.DiscoveryRecord{FileID: id, Status: models.DiscoveryPending}, nil
}

type fixture struct {
	reg       *Registry
	store     store.Store
	tiers     *tier.Registry
	queue     *syncqueue.Service
	submitter *fakeSubmitter
	changed   []uuid.UUID
}

func newFixture(t *testing.T, cfg Config, tiers ...models.Tier) *fixture {
	t.Helper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	f := &fixture{store: memory.New(), tiers: tier.NewRegistry(), submitter: &fakeSubmitter{}}
	for _, tr := range tiers {
		a, err := tier.NewLocal(tr, t.TempDir(), 0)
		require.NoError(t, err)
		f.tiers.Register(a)
	}
	f.queue = syncqueue.NewService(f.store, logger, syncqueue.WithClock(clock))
	f.reg = New(f.store, f.tiers, f.queue, f.submitter, cfg, logger,
		WithClock(clock),
		WithFileChangeHook(func(id uuid.UUID) { f.changed = append(f.changed, id) }),
	)
	return f
}

func (f *fixture) items(t *testing.T) []models.SyncQueueItem {
	t.Helper()
	page, err := f.queue.List(context.Background(), nil, 1, 100)
	require.NoError(t, err)
	return page.Items
}

func TestUploadPlacesAndSchedulesReplicas(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Ingest: models.TierLocal, Replicas: []models.Tier{models.TierCloud, models.TierCollab}, PublicTo: models.TierCDN}
	f := newFixture(t, cfg, models.TierLocal, models.TierCloud, models.TierCDN)

	rec, err := f.reg.Upload(ctx, strings.NewReader("annual report"), Metadata{
		Filename:   "report.txt",
		Visibility: "public",
		Author:     "Ann Lee",
	})
	require.NoError(t, err)

	assert.Equal(t, models.CategoryGeneral, rec.Category)
	assert.Equal(t, models.DocStatusDraft, rec.DocumentStatus)
	assert.EqualValues(t, len("annual report"), rec.SizeBytes)
	assert.NotEmpty(t, rec.Checksum)
	assert.Equal(t, tier.ObjectKey(rec.ID.String(), "report.txt"), rec.StorageKey)

	local, err := f.tiers.Get(models.TierLocal)
	require.NoError(t, err)
	assert.True(t, local.Exists(ctx, rec.StorageKey))

	locs, err := f.reg.Locations(ctx, rec.ID)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, models.TierLocal, locs[0].Tier)

	// collab has no adapter and is skipped
	items := f.items(t)
	require.Len(t, items, 2)
	byTier := map[models.Tier]models.SyncQueueItem{}
	for _, it := range items {
		assert.Equal(t, models.OpUpload, it.Operation)
		assert.Equal(t, models.TierLocal, it.FromTier)
		byTier[it.ToTier] = it
	}
	assert.Equal(t, models.PriorityHigh, byTier[models.TierCDN].Priority)
	assert.Equal(t, models.PriorityNormal, byTier[models.TierCloud].Priority)

	assert.Equal(t, []uuid.UUID{rec.ID}, f.submitter.ids)
}

func TestUploadPrivateSkipsPublicTier(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Ingest: models.TierLocal, Replicas: []models.Tier{models.TierCloud}, PublicTo: models.TierCDN}
	f := newFixture(t, cfg, models.TierLocal, models.TierCloud, models.TierCDN)

	_, err := f.reg.Upload(ctx, strings.NewReader("minutes"), Metadata{Filename: "minutes.txt"})
	require.NoError(t, err)

	items := f.items(t)
	require.Len(t, items, 1)
	assert.Equal(t, models.TierCloud, items[0].ToTier)
}

func TestUploadRejectsBadMetadata(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, models.TierLocal)

	_, err := f.reg.Upload(ctx, strings.NewReader("x"), Metadata{Filename: "a.txt", Category: "recipes"})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.reg.Upload(ctx, strings.NewReader("x"), Metadata{Filename: "  "})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.reg.Upload(ctx, strings.NewReader("x"), Metadata{Filename: "a.txt", Visibility: "secret"})
	assert.ErrorIs(t, err, ErrValidation)

	page, err := f.reg.Search(ctx, SearchQuery{Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestDeleteEnqueuesOneItemPerTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, models.TierLocal, models.TierCloud, models.TierCDN)

	rec, err := f.reg.Create(ctx, Metadata{Filename: "bylaws.pdf", Category: "legal"}, "", 1024)
	require.NoError(t, err)
	for _, tr := range []models.Tier{models.TierLocal, models.TierCloud, models.TierCDN} {
		require.NoError(t, f.store.Files().AddLocation(ctx, models.FileLocation{FileID: rec.ID, Tier: tr, PlacedAt: rec.CreatedAt}))
	}

	n, err := f.reg.Delete(ctx, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	items := f.items(t)
	require.Len(t, items, 3)
	tiers := map[models.Tier]bool{}
	for _, it := range items {
		assert.Equal(t, models.OpDelete, it.Operation)
		assert.Equal(t, models.PriorityCritical, it.Priority)
		assert.Equal(t, rec.ID, it.FileID)
		tiers[it.ToTier] = true
	}
	assert.Len(t, tiers, 3)

	page, err := f.reg.Search(ctx, SearchQuery{Text: "bylaws", Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Zero(t, page.Total)

	_, err = f.reg.Get(ctx, rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = f.reg.Delete(ctx, rec.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Len(t, f.items(t), 3)
	assert.Equal(t, []uuid.UUID{rec.ID}, f.changed)
}

func TestUpdateAndPhysicalCopy(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, models.TierLocal)
	rec, err := f.reg.Create(ctx, Metadata{Filename: "grant.docx"}, "", 10)
	require.NoError(t, err)

	cat := models.Category("Meeting_Minutes")
	desc := "March board meeting"
	got, err := f.reg.Update(ctx, rec.ID, models.FilePatch{Category: &cat, Description: &desc})
	require.NoError(t, err)
	assert.Equal(t, models.CategoryMeetingMinutes, got.Category)
	assert.Equal(t, desc, got.Description)

	got, err = f.reg.SetPhysicalCopy(ctx, rec.ID, true)
	require.NoError(t, err)
	assert.True(t, got.HasPhysicalCopy)
	assert.Equal(t, models.CategoryMeetingMinutes, got.Category)

	bad := models.Visibility("internal")
	_, err = f.reg.Update(ctx, rec.ID, models.FilePatch{Visibility: &bad})
	assert.ErrorIs(t, err, ErrValidation)

	_, err = f.reg.Update(ctx, uuid.New(), models.FilePatch{Description: &desc})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSearchFiltersAndValidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, models.TierLocal)
	_, err := f.reg.Create(ctx, Metadata{Filename: "budget-2026.xlsx", Category: "financial"}, "", 1)
	require.NoError(t, err)
	_, err = f.reg.Create(ctx, Metadata{Filename: "budget-notes.txt", Category: "general"}, "", 1)
	require.NoError(t, err)
	_, err = f.reg.Create(ctx, Metadata{Filename: "policy.pdf", Category: "policy", Visibility: "public"}, "", 1)
	require.NoError(t, err)

	page, err := f.reg.Search(ctx, SearchQuery{Text: "budget", Page: 1, PerPage: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)

	page, err = f.reg.Search(ctx, SearchQuery{Text: "budget", Category: "financial", Page: 1, PerPage: 10})
	require.NoError(t, err)
	require.Equal(t, 1, page.Total)
	assert.Equal(t, "budget-2026.xlsx", page.Items[0].Filename)

	page, err = f.reg.Search(ctx, SearchQuery{Visibility: "public", Page: 1, PerPage: 1})
	require.NoError(t, err)
	assert.Equal(t, 1, page.TotalPages)

	_, err = f.reg.Search(ctx, SearchQuery{Page: 0, PerPage: 10})
	assert.ErrorIs(t, err, ErrValidation)
	assert.ErrorIs(t, err, models.ErrInvalidPage)
	_, err = f.reg.Search(ctx, SearchQuery{Page: 1, PerPage: 101})
	assert.ErrorIs(t, err, ErrValidation)
	_, err = f.reg.Search(ctx, SearchQuery{Status: "lost", Page: 1, PerPage: 10})
	assert.ErrorIs(t, err, ErrValidation)
}

func TestUsageCoversRegisteredTiers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, Config{}, models.TierLocal, models.TierCloud)
	_, err := f.reg.Upload(ctx, strings.NewReader("12345"), Metadata{Filename: "a.txt"})
	require.NoError(t, err)

	usage := f.reg.Usage(ctx)
	require.Len(t, usage, 2)
	assert.Equal(t, models.TierCloud, usage[0].Tier)
	assert.Equal(t, models.TierLocal, usage[1].Tier)
	assert.EqualValues(t, 5, usage[1].Used)
	assert.EqualValues(t, 1, usage[1].Count)
	assert.Empty(t, usage[1].Error)
}

// deletingAdapter deletes the file through the registry while its first
// upload is in flight.
type deletingAdapter struct {
	tier.Adapter
	onUpload func()
}

func (a *deletingAdapter) Upload(ctx context.Context, key string, r io.Reader, opts tier.UploadOptions) (*tier.UploadResult, error) {
	res, err := a.Adapter.Upload(ctx, key, r, opts)
	if a.onUpload != nil {
		fn := a.onUpload
		a.onUpload = nil
		fn()
	}
	return res, err
}

func TestDeleteDuringReplicaCopyLeavesNoOrphan(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Ingest: models.TierLocal, Replicas: []models.Tier{models.TierCloud}}
	f := newFixture(t, cfg, models.TierLocal)

	inner, err := tier.NewLocal(models.TierCloud, t.TempDir(), 0)
	require.NoError(t, err)
	cloud := &deletingAdapter{Adapter: inner}
	f.tiers.Register(cloud)

	rec, err := f.reg.Upload(ctx, strings.NewReader("grant draft"), Metadata{Filename: "grant.txt"})
	require.NoError(t, err)
	cloud.onUpload = func() {
		n, err := f.reg.Delete(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, 1, n)
	}

	worker := syncqueue.NewWorker(f.queue, f.store, f.tiers, syncqueue.WorkerConfig{},
		slog.New(slog.NewTextHandler(io.Discard, nil)))
	for i := 0; i < 10; i++ {
		processed, err := worker.RunOnce(ctx)
		require.NoError(t, err)
		if !processed {
			break
		}
	}

	assert.False(t, inner.Exists(ctx, rec.StorageKey))
	local, err := f.tiers.Get(models.TierLocal)
	require.NoError(t, err)
	assert.False(t, local.Exists(ctx, rec.StorageKey))

	locs, err := f.store.Files().Locations(ctx, rec.ID)
	require.NoError(t, err)
	assert.Empty(t, locs)

	var cloudDeletes int
	for _, it := range f.items(t) {
		assert.Equal(t, models.SyncCompleted, it.Status, "item %s %s", it.Operation, it.ToTier)
		if it.Operation == models.OpDelete && it.ToTier == models.TierCloud {
			cloudDeletes++
		}
	}
	assert.Equal(t, 1, cloudDeletes)
}
