package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/nonprofitsuite/storagecore/internal/config"
	"github.com/nonprofitsuite/storagecore/internal/database"
	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/store"
)

// setupStore starts a throwaway Postgres, applies migrations and returns a
// Store on it. Skipped unless TEST_INTEGRATION is set.
func setupStore(t *testing.T) *Store {
	t.Helper()

	if os.Getenv("TEST_INTEGRATION") == "" {
		t.Skip("skipping integration test: TEST_INTEGRATION not set")
	}

	ctx := context.Background()
	container, err := tcpostgres.Run(ctx,
		"docker.io/postgres:17-alpine",
		tcpostgres.WithDatabase("storagecore_test"),
		tcpostgres.WithUsername("storagecore"),
		tcpostgres.WithPassword("test-password"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("terminate container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug}))
	require.NoError(t, database.RunMigrations(dsn, logger))

	pool, err := database.NewPool(ctx, config.DatabaseConfig{URL: dsn, MaxConns: 10, MinConns: 1})
	require.NoError(t, err)

	s := New(pool)
	t.Cleanup(s.Close)
	return s
}

func testFile(now time.Time) *models.FileRecord {
	return &models.FileRecord{
		ID:             uuid.New(),
		Filename:       "minutes.docx",
		StorageKey:     "files/minutes.docx",
		Category:       models.CategoryMeetingMinutes,
		Visibility:     models.VisibilityPrivate,
		DocumentStatus: models.DocStatusDraft,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}

func TestPostgresQueueLifecycle(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	var ids []uuid.UUID
	for i, p := range []int{20, 1, 10, 5} {
		it := models.NewSyncQueueItem(uuid.New(), models.OpUpload, models.TierLocal, models.TierCloud, p, now.Add(time.Duration(i)*time.Millisecond))
		require.NoError(t, s.Queue().Insert(ctx, &it))
		ids = append(ids, it.ID)
	}

	var order []int
	for {
		it, err := s.Queue().ClaimNext(ctx, now)
		if errors.Is(err, store.ErrNotFound) {
			break
		}
		require.NoError(t, err)
		order = append(order, it.Priority)
	}
	assert.Equal(t, []int{1, 5, 10, 20}, order)

	// three failures exhaust the attempt budget
	id := ids[0]
	for i := 0; i < models.MaxSyncAttempts; i++ {
		it, err := s.Queue().RecordFailure(ctx, id, "upload refused", models.MaxSyncAttempts, now)
		require.NoError(t, err)
		if i < models.MaxSyncAttempts-1 {
			assert.Equal(t, models.SyncPending, it.Status)
			_, err = s.Queue().ClaimNext(ctx, now)
			require.NoError(t, err)
		}
	}
	it, err := s.Queue().Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.SyncFailed, it.Status)
	assert.Equal(t, models.MaxSyncAttempts, it.Attempts)

	it, err = s.Queue().RecordFailure(ctx, id, "again", models.MaxSyncAttempts, now)
	require.NoError(t, err)
	assert.Equal(t, models.MaxSyncAttempts, it.Attempts)

	n, err := s.Queue().ReapStuck(ctx, now.Add(time.Second), models.MaxSyncAttempts, now.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	stats, err := s.Queue().Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Pending)
	assert.Equal(t, 1, stats.Failed)

	it, err = s.Queue().Retry(ctx, id, now)
	require.NoError(t, err)
	assert.Equal(t, models.SyncPending, it.Status)
	assert.Zero(t, it.Attempts)
	assert.Empty(t, it.ErrorMessage)
}

func TestPostgresConcurrentClaims(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for i := 0; i < 50; i++ {
		it := models.NewSyncQueueItem(uuid.New(), models.OpSync, models.TierLocal, models.TierCloud, models.PriorityNormal, now)
		require.NoError(t, s.Queue().Insert(ctx, &it))
	}

	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]int)
		wg   sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, err := s.Queue().ClaimNext(ctx, now)
				if err != nil {
					return
				}
				mu.Lock()
				seen[it.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for _, n := range seen {
		assert.Equal(t, 1, n)
	}
}

func TestPostgresFilesAndDiscovery(t *testing.T) {
	s := setupStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Microsecond)

	f := testFile(now)
	require.NoError(t, s.Files().Create(ctx, f))
	require.NoError(t, s.Files().AddLocation(ctx, models.FileLocation{FileID: f.ID, Tier: models.TierLocal, PlacedAt: now}))

	err := s.WithTx(ctx, func(tx store.Store) error {
		require.NoError(t, tx.Files().SoftDelete(ctx, f.ID, now))
		return errors.New("rollback")
	})
	require.Error(t, err)

	files, total, err := s.Files().Search(ctx, store.FileFilter{Text: "minutes", Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, files, 1)

	require.NoError(t, s.Discovery().Insert(ctx, &models.DiscoveryRecord{FileID: f.ID, Status: models.DiscoveryPending, SubmittedAt: now}))
	d, err := s.Discovery().Claim(ctx, f.ID, now)
	require.NoError(t, err)

	score := 0.42
	cat := models.CategoryFinancial
	d.Status = models.DiscoveryNeedsReview
	d.ConfidenceScore = &score
	d.DiscoveredCategory = &cat
	d.AutoTags = []string{"budget"}
	d.KeyEntities = models.KeyEntities{Amounts: []string{"$12,000"}}
	d.ProcessedAt = &now
	require.NoError(t, s.Discovery().SaveResult(ctx, d))

	needs := true
	list, total, err := s.Discovery().List(ctx, store.DiscoveryFilter{NeedsReview: &needs, Thresholds: models.DefaultThresholds(), Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, []string{"$12,000"}, list[0].KeyEntities.Amounts)

	_, err = s.Discovery().Review(ctx, f.ID, models.DecisionAccepted, now)
	require.NoError(t, err)
	_, err = s.Discovery().Review(ctx, f.ID, models.DecisionRejected, now)
	assert.ErrorIs(t, err, store.ErrStateChanged)

	stats, err := s.Discovery().Stats(ctx, models.DefaultThresholds())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Reviewed)
	assert.Equal(t, 1, stats.Low)
	assert.Zero(t, stats.NeedsReview)

	require.NoError(t, s.Files().SoftDelete(ctx, f.ID, now))
	err = s.Files().AddLocation(ctx, models.FileLocation{FileID: f.ID, Tier: models.TierCloud, PlacedAt: now})
	assert.ErrorIs(t, err, store.ErrNotFound)
	locs, err := s.Files().Locations(ctx, f.ID)
	require.NoError(t, err)
	require.Len(t, locs, 1)
	assert.Equal(t, models.TierLocal, locs[0].Tier)
}
