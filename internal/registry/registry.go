// Package registry owns FileRecords: creation, upload orchestration,
// metadata edits, search and deletion with tier cleanup.
package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/store"
	"github.com/nonprofitsuite/storagecore/internal/syncqueue"
	"github.com/nonprofitsuite/storagecore/internal/tier"
)

// ErrValidation wraps every input problem reported to callers.
var ErrValidation = errors.New("validation failed")

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Submitter hands a new file to the discovery pipeline.
type Submitter interface {
	Submit(ctx context.Context, fileID uuid.UUID) (*models.DiscoveryRecord, error)
}

type Config struct {
	// Ingest receives the bytes of every upload synchronously.
	Ingest models.Tier
	// Replicas get a copy of every upload through the sync queue.
	Replicas []models.Tier
	// PublicTo additionally receives public files.
	PublicTo models.Tier
}

type Option func(*Registry)

func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// WithFileChangeHook registers fn to run after a FileRecord changes.
func WithFileChangeHook(fn func(uuid.UUID)) Option {
	return func(r *Registry) { r.onChange = fn }
}

type Registry struct {
	store     store.Store
	tiers     *tier.Registry
	queue     *syncqueue.Service
	discovery Submitter
	cfg       Config
	now       func() time.Time
	onChange  func(uuid.UUID)
	logger    *slog.Logger
}

func New(st store.Store, tiers *tier.Registry, queue *syncqueue.Service, discovery Submitter, cfg Config, logger *slog.Logger, opts ...Option) *Registry {
	if cfg.Ingest == "" {
		cfg.Ingest = models.TierLocal
	}
	r := &Registry{
		store:     st,
		tiers:     tiers,
		queue:     queue,
		discovery: discovery,
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		onChange:  func(uuid.UUID) {},
		logger:    logger.With("component", "registry"),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Metadata is the caller-supplied part of a FileRecord. Enum fields are raw
// strings so that validation happens in one place.
type Metadata struct {
	Filename        string
	MimeType        string
	Category        string
	Subcategory     string
	Visibility      string
	Description     string
	Author          string
	Status          string
	Tags            []string
	HasPhysicalCopy bool
}

func (m Metadata) record(now time.Time) (*models.FileRecord, error) {
	name := strings.TrimSpace(m.Filename)
	if name == "" {
		return nil, invalid("filename is required")
	}
	category, err := models.ParseCategory(m.Category)
	if err != nil {
		return nil, invalid("%v", err)
	}
	visibility, err := models.ParseVisibility(m.Visibility)
	if err != nil {
		return nil, invalid("%v", err)
	}
	status, err := models.ParseDocumentStatus(m.Status)
	if err != nil {
		return nil, invalid("%v", err)
	}

	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}
	return &models.FileRecord{
		ID:              uuid.New(),
		Filename:        name,
		MimeType:        m.MimeType,
		Category:        category,
		Subcategory:     strings.TrimSpace(m.Subcategory),
		Tags:            tags,
		Description:     strings.TrimSpace(m.Description),
		Visibility:      visibility,
		DocumentAuthor:  strings.TrimSpace(m.Author),
		DocumentStatus:  status,
		HasPhysicalCopy: m.HasPhysicalCopy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

// Create registers a file whose bytes are already stored elsewhere.
func (r *Registry) Create(ctx context.Context, meta Metadata, storageKey string, size int64) (*models.FileRecord, error) {
	f, err := meta.record(r.now())
	if err != nil {
		return nil, err
	}
	if storageKey == "" {
		storageKey = tier.ObjectKey(f.ID.String(), f.Filename)
	}
	key, err := tier.CleanKey(storageKey)
	if err != nil {
		return nil, invalid("storage key: %v", err)
	}
	f.StorageKey = key
	f.SizeBytes = size

	if err := r.store.Files().Create(ctx, f); err != nil {
		return nil, fmt.Errorf("create file: %w", err)
	}
	filesCreated.Inc()
	r.logger.Info("file registered", "file_id", f.ID, "filename", f.Filename)
	return f, nil
}

// Upload writes content to the ingest tier, registers the file, schedules
// replication and submits it for discovery.
func (r *Registry) Upload(ctx context.Context, content io.Reader, meta Metadata) (*models.FileRecord, error) {
	f, err := meta.record(r.now())
	if err != nil {
		return nil, err
	}
	ingest, err := r.tiers.Get(r.cfg.Ingest)
	if err != nil {
		return nil, fmt.Errorf("ingest tier: %w", err)
	}

	f.StorageKey = tier.ObjectKey(f.ID.String(), f.Filename)
	res, err := ingest.Upload(ctx, f.StorageKey, content, tier.UploadOptions{
		ContentType: meta.MimeType,
		Public:      f.Visibility == models.VisibilityPublic,
	})
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}
	f.SizeBytes = res.Size
	f.Checksum = res.Checksum
	if f.MimeType == "" {
		f.MimeType = res.MimeType
	}

	var enqueued int
	err = r.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Files().Create(ctx, f); err != nil {
			return fmt.Errorf("create file: %w", err)
		}
		loc := models.FileLocation{FileID: f.ID, Tier: r.cfg.Ingest, PlacedAt: r.now()}
		if err := tx.Files().AddLocation(ctx, loc); err != nil {
			return fmt.Errorf("record location: %w", err)
		}
		q := r.queue.WithStore(tx)
		for _, target := range r.placementTargets(f) {
			if _, err := q.Enqueue(ctx, f.ID, models.OpUpload, r.cfg.Ingest, target.tier, target.priority); err != nil {
				return err
			}
			enqueued++
		}
		return nil
	})
	if err != nil {
		if derr := ingest.Delete(context.WithoutCancel(ctx), f.StorageKey); derr != nil {
			r.logger.Warn("remove orphaned upload failed", "key", f.StorageKey, "error", derr)
		}
		return nil, err
	}

	filesCreated.Inc()
	uploadBytes.Add(float64(f.SizeBytes))
	r.logger.Info("file uploaded", "file_id", f.ID, "filename", f.Filename, "size", f.SizeBytes, "replicas", enqueued)

	if r.discovery != nil {
		if _, err := r.discovery.Submit(ctx, f.ID); err != nil {
			r.logger.Warn("submit for discovery failed", "file_id", f.ID, "error", err)
		}
	}
	return f, nil
}

type placement struct {
	tier     models.Tier
	priority int
}

// placementTargets lists the registered tiers an upload is replicated to.
// Public files go to the public tier ahead of the regular replicas.
func (r *Registry) placementTargets(f *models.FileRecord) []placement {
	var out []placement
	seen := map[models.Tier]bool{r.cfg.Ingest: true}
	add := func(t models.Tier, priority int) {
		if t == "" || seen[t] {
			return
		}
		seen[t] = true
		if !r.tiers.Has(t) {
			r.logger.Warn("replica tier not configured, skipping", "tier", t, "file_id", f.ID)
			return
		}
		out = append(out, placement{tier: t, priority: priority})
	}

	if f.Visibility == models.VisibilityPublic {
		add(r.cfg.PublicTo, models.PriorityHigh)
	}
	for _, t := range r.cfg.Replicas {
		add(t, models.PriorityNormal)
	}
	return out
}

// Get returns a live FileRecord; soft-deleted files are not found.
func (r *Registry) Get(ctx context.Context, id uuid.UUID) (*models.FileRecord, error) {
	f, err := r.store.Files().Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if f.Deleted() {
		return nil, store.ErrNotFound
	}
	return f, nil
}

func (r *Registry) Locations(ctx context.Context, id uuid.UUID) ([]models.FileLocation, error) {
	if _, err := r.Get(ctx, id); err != nil {
		return nil, err
	}
	return r.store.Files().Locations(ctx, id)
}

func validatePatch(p models.FilePatch) error {
	if p.Filename != nil && strings.TrimSpace(*p.Filename) == "" {
		return invalid("filename must not be empty")
	}
	if p.Category != nil {
		c, err := models.ParseCategory(string(*p.Category))
		if err != nil {
			return invalid("%v", err)
		}
		*p.Category = c
	}
	if p.Visibility != nil {
		v, err := models.ParseVisibility(string(*p.Visibility))
		if err != nil {
			return invalid("%v", err)
		}
		*p.Visibility = v
	}
	if p.DocumentStatus != nil {
		s, err := models.ParseDocumentStatus(string(*p.DocumentStatus))
		if err != nil {
			return invalid("%v", err)
		}
		*p.DocumentStatus = s
	}
	return nil
}

func (r *Registry) Update(ctx context.Context, id uuid.UUID, patch models.FilePatch) (*models.FileRecord, error) {
	if err := validatePatch(patch); err != nil {
		return nil, err
	}

	var out *models.FileRecord
	err := r.store.WithTx(ctx, func(tx store.Store) error {
		f, err := tx.Files().Get(ctx, id)
		if err != nil {
			return err
		}
		if f.Deleted() {
			return store.ErrNotFound
		}
		patch.Apply(f)
		f.UpdatedAt = r.now()
		if err := tx.Files().Update(ctx, f); err != nil {
			return fmt.Errorf("update file: %w", err)
		}
		out = f
		return nil
	})
	if err != nil {
		return nil, err
	}
	r.onChange(id)
	return out, nil
}

func (r *Registry) SetPhysicalCopy(ctx context.Context, id uuid.UUID, has bool) (*models.FileRecord, error) {
	return r.Update(ctx, id, models.FilePatch{HasPhysicalCopy: &has})
}

// Delete soft-deletes the file and, in the same transaction, enqueues one
// critical delete item for every tier that holds a copy. It returns the
// number of items enqueued.
func (r *Registry) Delete(ctx context.Context, id uuid.UUID) (int, error) {
	var enqueued int
	err := r.store.WithTx(ctx, func(tx store.Store) error {
		// Tombstone first: the row lock makes any in-flight AddLocation either
		// land before the listing below or fail against the tombstone.
		if err := tx.Files().SoftDelete(ctx, id, r.now()); err != nil {
			return err
		}
		locs, err := tx.Files().Locations(ctx, id)
		if err != nil {
			return fmt.Errorf("list locations: %w", err)
		}
		if err := tx.Cache().Delete(ctx, id); err != nil {
			return fmt.Errorf("drop cache entry: %w", err)
		}
		q := r.queue.WithStore(tx)
		for _, loc := range locs {
			if _, err := q.Enqueue(ctx, id, models.OpDelete, loc.Tier, loc.Tier, models.PriorityCritical); err != nil {
				return err
			}
			enqueued++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	filesDeleted.Inc()
	r.onChange(id)
	r.logger.Info("file deleted", "file_id", id, "cleanup_items", enqueued)
	return enqueued, nil
}

type SearchQuery struct {
	Category   string
	Visibility string
	Status     string
	Text       string
	Page       int
	PerPage    int
}

func (r *Registry) Search(ctx context.Context, q SearchQuery) (models.Page[models.FileRecord], error) {
	var empty models.Page[models.FileRecord]
	if err := models.ValidatePage(q.Page, q.PerPage); err != nil {
		return empty, fmt.Errorf("%w: %w", ErrValidation, err)
	}

	filter := store.FileFilter{
		Text:   strings.TrimSpace(q.Text),
		Limit:  q.PerPage,
		Offset: models.Offset(q.Page, q.PerPage),
	}
	if q.Category != "" {
		c, err := models.ParseCategory(q.Category)
		if err != nil {
			return empty, invalid("%v", err)
		}
		filter.Category = &c
	}
	if q.Visibility != "" {
		v, err := models.ParseVisibility(q.Visibility)
		if err != nil {
			return empty, invalid("%v", err)
		}
		filter.Visibility = &v
	}
	if q.Status != "" {
		s, err := models.ParseDocumentStatus(q.Status)
		if err != nil {
			return empty, invalid("%v", err)
		}
		filter.Status = &s
	}

	files, total, err := r.store.Files().Search(ctx, filter)
	if err != nil {
		return empty, fmt.Errorf("search files: %w", err)
	}
	return models.NewPage(files, total, q.Page, q.PerPage), nil
}

// TierUsage reports one tier's capacity. Error is set instead of failing the
// whole report when a backend cannot be reached.
type TierUsage struct {
	Tier    models.Tier `json:"tier"`
	Backend string      `json:"backend"`
	tier.Usage
	Error string `json:"error,omitempty"`
}

// Usage queries every registered tier concurrently.
func (r *Registry) Usage(ctx context.Context) []TierUsage {
	tiers := r.tiers.Tiers()
	out := make([]TierUsage, len(tiers))

	var g errgroup.Group
	for i, t := range tiers {
		g.Go(func() error {
			out[i] = TierUsage{Tier: t}
			a, err := r.tiers.Get(t)
			if err != nil {
				out[i].Error = err.Error()
				return nil
			}
			out[i].Backend = a.Name()
			u, err := a.Usage(ctx)
			if err != nil {
				out[i].Error = err.Error()
				return nil
			}
			out[i].Usage = *u
			return nil
		})
	}
	_ = g.Wait()
	return out
}
