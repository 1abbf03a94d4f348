// Package memory is an in-process implementation of store.Store. A single
// mutex serializes every operation, which gives the same at-most-one-claim
// guarantees the Postgres store gets from row locks.
package memory

import (
	"context"
	"maps"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/store"
)

type state struct {
	mu sync.Mutex

	files     map[uuid.UUID]models.FileRecord
	locations map[uuid.UUID]map[models.Tier]models.FileLocation
	queue     map[uuid.UUID]models.SyncQueueItem
	queueSeq  map[uuid.UUID]int64
	nextSeq   int64
	cache     map[uuid.UUID]models.CacheEntry
	discovery map[uuid.UUID]models.DiscoveryRecord
}

func newState() *state {
	return &state{
		files:     make(map[uuid.UUID]models.FileRecord),
		locations: make(map[uuid.UUID]map[models.Tier]models.FileLocation),
		queue:     make(map[uuid.UUID]models.SyncQueueItem),
		queueSeq:  make(map[uuid.UUID]int64),
		cache:     make(map[uuid.UUID]models.CacheEntry),
		discovery: make(map[uuid.UUID]models.DiscoveryRecord),
	}
}

type snapshot struct {
	files     map[uuid.UUID]models.FileRecord
	locations map[uuid.UUID]map[models.Tier]models.FileLocation
	queue     map[uuid.UUID]models.SyncQueueItem
	queueSeq  map[uuid.UUID]int64
	nextSeq   int64
	cache     map[uuid.UUID]models.CacheEntry
	discovery map[uuid.UUID]models.DiscoveryRecord
}

func (st *state) snapshot() snapshot {
	locs := make(map[uuid.UUID]map[models.Tier]models.FileLocation, len(st.locations))
	for id, m := range st.locations {
		locs[id] = maps.Clone(m)
	}
	return snapshot{
		files:     maps.Clone(st.files),
		locations: locs,
		queue:     maps.Clone(st.queue),
		queueSeq:  maps.Clone(st.queueSeq),
		nextSeq:   st.nextSeq,
		cache:     maps.Clone(st.cache),
		discovery: maps.Clone(st.discovery),
	}
}

func (st *state) restore(s snapshot) {
	st.files = s.files
	st.locations = s.locations
	st.queue = s.queue
	st.queueSeq = s.queueSeq
	st.nextSeq = s.nextSeq
	st.cache = s.cache
	st.discovery = s.discovery
}

type Store struct {
	st   *state
	inTx bool
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{st: newState()}
}

func (s *Store) run(fn func(st *state) error) error {
	if s.inTx {
		return fn(s.st)
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()
	return fn(s.st)
}

func (s *Store) Files() store.FileRepository         { return &fileRepo{s: s} }
func (s *Store) Queue() store.QueueRepository        { return &queueRepo{s: s} }
func (s *Store) Cache() store.CacheRepository        { return &cacheRepo{s: s} }
func (s *Store) Discovery() store.DiscoveryRepository { return &discoveryRepo{s: s} }

func (s *Store) WithTx(ctx context.Context, fn func(tx store.Store) error) error {
	if s.inTx {
		return fn(s)
	}
	s.st.mu.Lock()
	defer s.st.mu.Unlock()

	snap := s.st.snapshot()
	if err := fn(&Store{st: s.st, inTx: true}); err != nil {
		s.st.restore(snap)
		return err
	}
	return nil
}

func (s *Store) Ping(context.Context) error { return nil }
func (s *Store) Close()                     {}

// --- files ---

type fileRepo struct{ s *Store }

func cloneFile(f models.FileRecord) *models.FileRecord {
	f.Tags = slices.Clone(f.Tags)
	return &f
}

func (r *fileRepo) Create(_ context.Context, f *models.FileRecord) error {
	return r.s.run(func(st *state) error {
		if _, ok := st.files[f.ID]; ok {
			return store.ErrConflict
		}
		st.files[f.ID] = *cloneFile(*f)
		return nil
	})
}

func (r *fileRepo) Get(_ context.Context, id uuid.UUID) (*models.FileRecord, error) {
	var out *models.FileRecord
	err := r.s.run(func(st *state) error {
		f, ok := st.files[id]
		if !ok {
			return store.ErrNotFound
		}
		out = cloneFile(f)
		return nil
	})
	return out, err
}

func (r *fileRepo) Update(_ context.Context, f *models.FileRecord) error {
	return r.s.run(func(st *state) error {
		if _, ok := st.files[f.ID]; !ok {
			return store.ErrNotFound
		}
		st.files[f.ID] = *cloneFile(*f)
		return nil
	})
}

func (r *fileRepo) SoftDelete(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.s.run(func(st *state) error {
		f, ok := st.files[id]
		if !ok || f.DeletedAt != nil {
			return store.ErrNotFound
		}
		f.DeletedAt = &at
		f.UpdatedAt = at
		st.files[id] = f
		return nil
	})
}

func matchesText(f *models.FileRecord, text string) bool {
	if text == "" {
		return true
	}
	text = strings.ToLower(text)
	fields := []string{f.Filename, f.Description, f.Subcategory, f.DocumentAuthor}
	fields = append(fields, f.Tags...)
	for _, v := range fields {
		if strings.Contains(strings.ToLower(v), text) {
			return true
		}
	}
	return false
}

func (r *fileRepo) Search(_ context.Context, filter store.FileFilter) ([]models.FileRecord, int, error) {
	var (
		out   []models.FileRecord
		total int
	)
	err := r.s.run(func(st *state) error {
		var matched []models.FileRecord
		for _, f := range st.files {
			if f.DeletedAt != nil {
				continue
			}
			if filter.Category != nil && f.Category != *filter.Category {
				continue
			}
			if filter.Visibility != nil && f.Visibility != *filter.Visibility {
				continue
			}
			if filter.Status != nil && f.DocumentStatus != *filter.Status {
				continue
			}
			if !matchesText(&f, filter.Text) {
				continue
			}
			matched = append(matched, *cloneFile(f))
		}
		sort.Slice(matched, func(i, j int) bool {
			if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
				return matched[i].CreatedAt.After(matched[j].CreatedAt)
			}
			return matched[i].ID.String() < matched[j].ID.String()
		})
		total = len(matched)
		out = paginate(matched, filter.Limit, filter.Offset)
		return nil
	})
	return out, total, err
}

func (r *fileRepo) TouchAccess(_ context.Context, id uuid.UUID, at time.Time) error {
	return r.s.run(func(st *state) error {
		f, ok := st.files[id]
		if !ok {
			return store.ErrNotFound
		}
		f.AccessCount++
		f.LastAccessedAt = &at
		st.files[id] = f
		return nil
	})
}

func (r *fileRepo) WarmCandidates(_ context.Context, limit int, now time.Time) ([]models.FileRecord, error) {
	var out []models.FileRecord
	err := r.s.run(func(st *state) error {
		var candidates []models.FileRecord
		for id, f := range st.files {
			if f.DeletedAt != nil {
				continue
			}
			if e, ok := st.cache[id]; ok && !e.Expired(now) {
				continue
			}
			candidates = append(candidates, *cloneFile(f))
		}
		sort.Slice(candidates, func(i, j int) bool {
			a, b := candidates[i], candidates[j]
			if a.AccessCount != b.AccessCount {
				return a.AccessCount > b.AccessCount
			}
			switch {
			case a.LastAccessedAt != nil && b.LastAccessedAt == nil:
				return true
			case a.LastAccessedAt == nil && b.LastAccessedAt != nil:
				return false
			case a.LastAccessedAt != nil && !a.LastAccessedAt.Equal(*b.LastAccessedAt):
				return a.LastAccessedAt.After(*b.LastAccessedAt)
			}
			if !a.CreatedAt.Equal(b.CreatedAt) {
				return a.CreatedAt.After(b.CreatedAt)
			}
			return a.ID.String() < b.ID.String()
		})
		out = paginate(candidates, limit, 0)
		return nil
	})
	return out, err
}

func (r *fileRepo) AddLocation(_ context.Context, loc models.FileLocation) error {
	return r.s.run(func(st *state) error {
		if f, ok := st.files[loc.FileID]; !ok || f.DeletedAt != nil {
			return store.ErrNotFound
		}
		m, ok := st.locations[loc.FileID]
		if !ok {
			m = make(map[models.Tier]models.FileLocation)
			st.locations[loc.FileID] = m
		}
		m[loc.Tier] = loc
		return nil
	})
}

func (r *fileRepo) RemoveLocation(_ context.Context, id uuid.UUID, tier models.Tier) error {
	return r.s.run(func(st *state) error {
		delete(st.locations[id], tier)
		return nil
	})
}

func (r *fileRepo) Locations(_ context.Context, id uuid.UUID) ([]models.FileLocation, error) {
	var out []models.FileLocation
	err := r.s.run(func(st *state) error {
		for _, loc := range st.locations[id] {
			out = append(out, loc)
		}
		sort.Slice(out, func(i, j int) bool { return out[i].Tier < out[j].Tier })
		return nil
	})
	return out, err
}

func (r *fileRepo) MarkVerified(_ context.Context, id uuid.UUID, tier models.Tier, at time.Time) error {
	return r.s.run(func(st *state) error {
		loc, ok := st.locations[id][tier]
		if !ok {
			return store.ErrNotFound
		}
		loc.VerifiedAt = &at
		st.locations[id][tier] = loc
		return nil
	})
}

// --- sync queue ---

type queueRepo struct{ s *Store }

func (r *queueRepo) Insert(_ context.Context, item *models.SyncQueueItem) error {
	return r.s.run(func(st *state) error {
		if _, ok := st.queue[item.ID]; ok {
			return store.ErrConflict
		}
		st.queue[item.ID] = *item
		st.nextSeq++
		st.queueSeq[item.ID] = st.nextSeq
		return nil
	})
}

func (r *queueRepo) Get(_ context.Context, id uuid.UUID) (*models.SyncQueueItem, error) {
	var out *models.SyncQueueItem
	err := r.s.run(func(st *state) error {
		item, ok := st.queue[id]
		if !ok {
			return store.ErrNotFound
		}
		out = &item
		return nil
	})
	return out, err
}

func (r *queueRepo) ClaimNext(_ context.Context, now time.Time) (*models.SyncQueueItem, error) {
	var out *models.SyncQueueItem
	err := r.s.run(func(st *state) error {
		var best *models.SyncQueueItem
		for id := range st.queue {
			item := st.queue[id]
			if item.Status != models.SyncPending {
				continue
			}
			if best == nil || st.before(&item, best) {
				candidate := item
				best = &candidate
			}
		}
		if best == nil {
			return store.ErrNotFound
		}
		best.Status = models.SyncProcessing
		best.ClaimedAt = &now
		best.LastAttemptAt = &now
		st.queue[best.ID] = *best
		out = best
		return nil
	})
	return out, err
}

// before orders by priority, then queued_at, then insertion order.
func (st *state) before(a, b *models.SyncQueueItem) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.QueuedAt.Equal(b.QueuedAt) {
		return a.QueuedAt.Before(b.QueuedAt)
	}
	return st.queueSeq[a.ID] < st.queueSeq[b.ID]
}

func (r *queueRepo) Complete(_ context.Context, id uuid.UUID, now time.Time) (*models.SyncQueueItem, error) {
	var out *models.SyncQueueItem
	err := r.s.run(func(st *state) error {
		item, ok := st.queue[id]
		if !ok {
			return store.ErrNotFound
		}
		if item.Status != models.SyncProcessing {
			return store.ErrStateChanged
		}
		item.Status = models.SyncCompleted
		item.CompletedAt = &now
		item.ClaimedAt = nil
		item.ErrorMessage = ""
		st.queue[id] = item
		out = &item
		return nil
	})
	return out, err
}

func (r *queueRepo) RecordFailure(_ context.Context, id uuid.UUID, msg string, maxAttempts int, now time.Time) (*models.SyncQueueItem, error) {
	var out *models.SyncQueueItem
	err := r.s.run(func(st *state) error {
		item, ok := st.queue[id]
		if !ok {
			return store.ErrNotFound
		}
		switch item.Status {
		case models.SyncFailed:
			out = &item
			return nil
		case models.SyncProcessing:
		default:
			return store.ErrStateChanged
		}
		st.queue[id] = failAttempt(item, msg, maxAttempts, now)
		updated := st.queue[id]
		out = &updated
		return nil
	})
	return out, err
}

func failAttempt(item models.SyncQueueItem, msg string, maxAttempts int, now time.Time) models.SyncQueueItem {
	item.Attempts++
	item.LastAttemptAt = &now
	item.ClaimedAt = nil
	item.ErrorMessage = msg
	if item.Attempts >= maxAttempts {
		item.Attempts = maxAttempts
		item.Status = models.SyncFailed
	} else {
		item.Status = models.SyncPending
	}
	return item
}

func (r *queueRepo) Retry(_ context.Context, id uuid.UUID, now time.Time) (*models.SyncQueueItem, error) {
	var out *models.SyncQueueItem
	err := r.s.run(func(st *state) error {
		item, ok := st.queue[id]
		if !ok {
			return store.ErrNotFound
		}
		if item.Status != models.SyncFailed {
			return store.ErrStateChanged
		}
		item.Status = models.SyncPending
		item.Attempts = 0
		item.ErrorMessage = ""
		item.QueuedAt = now
		item.ClaimedAt = nil
		st.queue[id] = item
		st.nextSeq++
		st.queueSeq[id] = st.nextSeq
		out = &item
		return nil
	})
	return out, err
}

func (r *queueRepo) ReapStuck(_ context.Context, claimedBefore time.Time, maxAttempts int, now time.Time) (int, error) {
	n := 0
	err := r.s.run(func(st *state) error {
		for id, item := range st.queue {
			if item.Status != models.SyncProcessing || item.ClaimedAt == nil || !item.ClaimedAt.Before(claimedBefore) {
				continue
			}
			st.queue[id] = failAttempt(item, "visibility timeout expired", maxAttempts, now)
			n++
		}
		return nil
	})
	return n, err
}

func (r *queueRepo) List(_ context.Context, status *models.SyncStatus, limit, offset int) ([]models.SyncQueueItem, int, error) {
	var (
		out   []models.SyncQueueItem
		total int
	)
	err := r.s.run(func(st *state) error {
		var matched []models.SyncQueueItem
		for _, item := range st.queue {
			if status != nil && item.Status != *status {
				continue
			}
			matched = append(matched, item)
		}
		sort.Slice(matched, func(i, j int) bool { return st.before(&matched[i], &matched[j]) })
		total = len(matched)
		out = paginate(matched, limit, offset)
		return nil
	})
	return out, total, err
}

func (r *queueRepo) Stats(_ context.Context) (models.SyncStats, error) {
	var s models.SyncStats
	err := r.s.run(func(st *state) error {
		for _, item := range st.queue {
			switch item.Status {
			case models.SyncPending:
				s.Pending++
			case models.SyncProcessing:
				s.Processing++
			case models.SyncCompleted:
				s.Completed++
			case models.SyncFailed:
				s.Failed++
			}
		}
		return nil
	})
	return s, err
}

// --- cache entries ---

type cacheRepo struct{ s *Store }

func (r *cacheRepo) Get(_ context.Context, fileID uuid.UUID) (*models.CacheEntry, error) {
	var out *models.CacheEntry
	err := r.s.run(func(st *state) error {
		e, ok := st.cache[fileID]
		if !ok {
			return store.ErrNotFound
		}
		out = &e
		return nil
	})
	return out, err
}

func (r *cacheRepo) Upsert(_ context.Context, e *models.CacheEntry) error {
	return r.s.run(func(st *state) error {
		st.cache[e.FileID] = *e
		return nil
	})
}

func (r *cacheRepo) RecordHit(_ context.Context, fileID uuid.UUID, now time.Time) (*models.CacheEntry, error) {
	var out *models.CacheEntry
	err := r.s.run(func(st *state) error {
		e, ok := st.cache[fileID]
		if !ok || e.Expired(now) {
			return store.ErrNotFound
		}
		e.HitCount++
		st.cache[fileID] = e
		out = &e
		return nil
	})
	return out, err
}

func (r *cacheRepo) Delete(_ context.Context, fileID uuid.UUID) error {
	return r.s.run(func(st *state) error {
		delete(st.cache, fileID)
		return nil
	})
}

func (r *cacheRepo) ListExpired(_ context.Context, now time.Time) ([]models.CacheEntry, error) {
	var out []models.CacheEntry
	err := r.s.run(func(st *state) error {
		for _, e := range st.cache {
			if e.Expired(now) {
				out = append(out, e)
			}
		}
		return nil
	})
	return out, err
}

func (r *cacheRepo) Stats(_ context.Context, now time.Time) (models.CacheStats, error) {
	var s models.CacheStats
	err := r.s.run(func(st *state) error {
		entries := make([]models.CacheEntry, 0, len(st.cache))
		for _, e := range st.cache {
			entries = append(entries, e)
		}
		s = models.ComputeCacheStats(entries, now)
		return nil
	})
	return s, err
}

// --- discovery ---

type discoveryRepo struct{ s *Store }

func cloneDiscovery(d models.DiscoveryRecord) *models.DiscoveryRecord {
	d.AutoTags = slices.Clone(d.AutoTags)
	d.KeyPoints = slices.Clone(d.KeyPoints)
	return &d
}

func (r *discoveryRepo) Insert(_ context.Context, d *models.DiscoveryRecord) error {
	return r.s.run(func(st *state) error {
		if _, ok := st.discovery[d.FileID]; ok {
			return store.ErrConflict
		}
		st.discovery[d.FileID] = *cloneDiscovery(*d)
		return nil
	})
}

func (r *discoveryRepo) Get(_ context.Context, fileID uuid.UUID) (*models.DiscoveryRecord, error) {
	var out *models.DiscoveryRecord
	err := r.s.run(func(st *state) error {
		d, ok := st.discovery[fileID]
		if !ok {
			return store.ErrNotFound
		}
		out = cloneDiscovery(d)
		return nil
	})
	return out, err
}

func (r *discoveryRepo) Claim(_ context.Context, fileID uuid.UUID, now time.Time) (*models.DiscoveryRecord, error) {
	var out *models.DiscoveryRecord
	err := r.s.run(func(st *state) error {
		d, ok := st.discovery[fileID]
		if !ok {
			return store.ErrNotFound
		}
		if d.Status != models.DiscoveryPending {
			return store.ErrStateChanged
		}
		d.Status = models.DiscoveryProcessing
		d.ClaimedAt = &now
		st.discovery[fileID] = d
		out = cloneDiscovery(d)
		return nil
	})
	return out, err
}

func (r *discoveryRepo) Release(_ context.Context, fileID uuid.UUID, msg string, _ time.Time) error {
	return r.s.run(func(st *state) error {
		d, ok := st.discovery[fileID]
		if !ok {
			return store.ErrNotFound
		}
		if d.Status != models.DiscoveryProcessing {
			return store.ErrStateChanged
		}
		d.Status = models.DiscoveryPending
		d.Attempts++
		d.LastError = msg
		d.ClaimedAt = nil
		st.discovery[fileID] = d
		return nil
	})
}

func (r *discoveryRepo) SaveResult(_ context.Context, d *models.DiscoveryRecord) error {
	return r.s.run(func(st *state) error {
		cur, ok := st.discovery[d.FileID]
		if !ok {
			return store.ErrNotFound
		}
		if cur.Status != models.DiscoveryProcessing {
			return store.ErrStateChanged
		}
		next := *cloneDiscovery(*d)
		next.ClaimedAt = nil
		st.discovery[d.FileID] = next
		return nil
	})
}

func (r *discoveryRepo) Review(_ context.Context, fileID uuid.UUID, decision models.ReviewDecision, now time.Time) (*models.DiscoveryRecord, error) {
	var out *models.DiscoveryRecord
	err := r.s.run(func(st *state) error {
		d, ok := st.discovery[fileID]
		if !ok {
			return store.ErrNotFound
		}
		if d.Status != models.DiscoveryNeedsReview || d.ReviewedAt != nil {
			return store.ErrStateChanged
		}
		d.Status = models.DiscoveryReviewed
		d.Decision = &decision
		d.ReviewedAt = &now
		st.discovery[fileID] = d
		out = cloneDiscovery(d)
		return nil
	})
	return out, err
}

func (r *discoveryRepo) List(_ context.Context, filter store.DiscoveryFilter) ([]models.DiscoveryRecord, int, error) {
	var (
		out   []models.DiscoveryRecord
		total int
	)
	err := r.s.run(func(st *state) error {
		var matched []models.DiscoveryRecord
		for _, d := range st.discovery {
			if filter.Status != nil && d.Status != *filter.Status {
				continue
			}
			if filter.NeedsReview != nil && d.NeedsReview(filter.Thresholds) != *filter.NeedsReview {
				continue
			}
			if filter.Band != "" && d.Band(filter.Thresholds) != filter.Band {
				continue
			}
			matched = append(matched, *cloneDiscovery(d))
		}
		sort.Slice(matched, func(i, j int) bool {
			if !matched[i].SubmittedAt.Equal(matched[j].SubmittedAt) {
				return matched[i].SubmittedAt.After(matched[j].SubmittedAt)
			}
			return matched[i].FileID.String() < matched[j].FileID.String()
		})
		total = len(matched)
		out = paginate(matched, filter.Limit, filter.Offset)
		return nil
	})
	return out, total, err
}

func (r *discoveryRepo) ReapStuck(_ context.Context, claimedBefore, _ time.Time) (int, error) {
	n := 0
	err := r.s.run(func(st *state) error {
		for id, d := range st.discovery {
			if d.Status != models.DiscoveryProcessing || d.ClaimedAt == nil || !d.ClaimedAt.Before(claimedBefore) {
				continue
			}
			d.Status = models.DiscoveryPending
			d.Attempts++
			d.LastError = "visibility timeout expired"
			d.ClaimedAt = nil
			st.discovery[id] = d
			n++
		}
		return nil
	})
	return n, err
}

func (r *discoveryRepo) Stats(_ context.Context, t models.Thresholds) (models.DiscoveryStats, error) {
	var s models.DiscoveryStats
	err := r.s.run(func(st *state) error {
		for _, d := range st.discovery {
			switch d.Status {
			case models.DiscoveryPending:
				s.Pending++
			case models.DiscoveryProcessing:
				s.Processing++
			case models.DiscoveryReviewed:
				s.Reviewed++
			}
			if d.NeedsReview(t) {
				s.NeedsReview++
			}
			switch d.Band(t) {
			case models.BandHigh:
				s.High++
			case models.BandMedium:
				s.Medium++
			case models.BandLow:
				s.Low++
			}
		}
		return nil
	})
	return s, err
}

func paginate[T any](items []T, limit, offset int) []T {
	if offset >= len(items) {
		return []T{}
	}
	items = items[offset:]
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}
