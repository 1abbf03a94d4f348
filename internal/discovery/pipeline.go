// Package discovery classifies stored documents with an AI model and stages
// the suggestions for operator review.
package discovery

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/store"
	"github.com/nonprofitsuite/storagecore/internal/tier"
	"github.com/nonprofitsuite/storagecore/pkg/textextract"
	"github.com/nonprofitsuite/storagecore/pkg/tokenizer"
)

// ErrInvalidTransition is returned when a record is not in the state the
// requested operation starts from, e.g. accepting an already reviewed record.
var ErrInvalidTransition = errors.New("invalid discovery state transition")

// Document is what the classifier gets to see of a file.
type Document struct {
	Filename string
	MimeType string
	Text     string
	// Truncated is set when Text was cut to fit the token budget.
	Truncated bool
}

// Analysis is the classifier output for one document.
type Analysis struct {
	Category     string
	Subcategory  string
	Tags         []string
	Entities     models.KeyEntities
	KeyPoints    []string
	Summary      string
	DocumentDate *time.Time
	Confidence   float64
	Provider     string
}

type Classifier interface {
	Classify(ctx context.Context, doc Document) (*Analysis, error)
}

// Dispatcher schedules Process for a file off the request path.
type Dispatcher interface {
	DispatchDiscovery(ctx context.Context, fileID uuid.UUID) error
}

type Config struct {
	Thresholds       models.Thresholds
	AutoAccept       bool
	MaxContentTokens int
	// MaxContentBytes caps how much of a file is read for extraction.
	MaxContentBytes int64
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// WithFileChangeHook registers fn to run after a discovery result is written
// onto a FileRecord.
func WithFileChangeHook(fn func(uuid.UUID)) Option {
	return func(p *Pipeline) { p.onFileChange = fn }
}

type Pipeline struct {
	store        store.Store
	tiers        *tier.Registry
	classifier   Classifier
	dispatcher   Dispatcher
	cfg          Config
	now          func() time.Time
	onFileChange func(uuid.UUID)
	logger       *slog.Logger
}

func NewPipeline(st store.Store, tiers *tier.Registry, classifier Classifier, dispatcher Dispatcher, cfg Config, logger *slog.Logger, opts ...Option) *Pipeline {
	if cfg.Thresholds == (models.Thresholds{}) {
		cfg.Thresholds = models.DefaultThresholds()
	}
	if cfg.MaxContentBytes <= 0 {
		cfg.MaxContentBytes = 25 << 20
	}
	p := &Pipeline{
		store:        st,
		tiers:        tiers,
		classifier:   classifier,
		dispatcher:   dispatcher,
		cfg:          cfg,
		now:          func() time.Time { return time.Now().UTC() },
		onFileChange: func(uuid.UUID) {},
		logger:       logger.With("component", "discovery"),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

func (p *Pipeline) Thresholds() models.Thresholds { return p.cfg.Thresholds }

// Submit creates a pending record for fileID and schedules processing.
// Submitting a file that already has a record returns that record; pending
// records are dispatched again.
func (p *Pipeline) Submit(ctx context.Context, fileID uuid.UUID) (*models.DiscoveryRecord, error) {
	f, err := p.store.Files().Get(ctx, fileID)
	if err != nil {
		return nil, err
	}
	if f.Deleted() {
		return nil, store.ErrNotFound
	}

	rec := &models.DiscoveryRecord{
		FileID:      fileID,
		Status:      models.DiscoveryPending,
		AutoTags:    []string{},
		SubmittedAt: p.now(),
	}
	err = p.store.Discovery().Insert(ctx, rec)
	switch {
	case errors.Is(err, store.ErrConflict):
		existing, err := p.store.Discovery().Get(ctx, fileID)
		if err != nil {
			return nil, err
		}
		if existing.Status == models.DiscoveryPending {
			p.dispatch(ctx, fileID)
		}
		return existing, nil
	case err != nil:
		return nil, fmt.Errorf("create discovery record: %w", err)
	}

	submitted.Inc()
	p.dispatch(ctx, fileID)
	return rec, nil
}

// dispatch failures are not fatal: the record stays pending and the
// maintenance sweep dispatches it again.
func (p *Pipeline) dispatch(ctx context.Context, fileID uuid.UUID) {
	if p.dispatcher == nil {
		return
	}
	if err := p.dispatcher.DispatchDiscovery(ctx, fileID); err != nil {
		p.logger.Warn("dispatch discovery failed", "file_id", fileID, "error", err)
	}
}

// Process classifies a pending record. Classification failures return the
// record to pending with the error stored; the caller may retry.
func (p *Pipeline) Process(ctx context.Context, fileID uuid.UUID) (*models.DiscoveryRecord, error) {
	start := time.Now()
	rec, err := p.store.Discovery().Claim(ctx, fileID, p.now())
	if errors.Is(err, store.ErrStateChanged) {
		return nil, fmt.Errorf("%w: record is not pending", ErrInvalidTransition)
	}
	if err != nil {
		return nil, err
	}
	logger := p.logger.With("file_id", fileID)

	f, err := p.store.Files().Get(ctx, fileID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, p.release(ctx, fileID, fmt.Errorf("load file: %w", err))
	}
	if err != nil || f.Deleted() {
		// nothing left to classify; close the record out
		now := p.now()
		rejected := models.DecisionRejected
		rec.Status = models.DiscoveryReviewed
		rec.Decision = &rejected
		rec.ReviewedAt = &now
		rec.ProcessedAt = &now
		rec.LastError = "file deleted"
		if err := p.store.Discovery().SaveResult(ctx, rec); err != nil {
			return nil, fmt.Errorf("close discovery record: %w", err)
		}
		processed.WithLabelValues("file_deleted").Inc()
		return rec, nil
	}

	doc, err := p.document(ctx, f)
	if err != nil {
		return nil, p.release(ctx, fileID, err)
	}

	analysis, err := p.classifier.Classify(ctx, *doc)
	if err != nil {
		return nil, p.release(ctx, fileID, fmt.Errorf("classify: %w", err))
	}

	p.applyAnalysis(rec, analysis)
	now := p.now()
	rec.ProcessedAt = &now
	rec.LastError = ""

	score := *rec.ConfidenceScore
	if score < p.cfg.Thresholds.High || !p.cfg.AutoAccept {
		rec.Status = models.DiscoveryNeedsReview
		if err := p.store.Discovery().SaveResult(ctx, rec); err != nil {
			return nil, fmt.Errorf("save discovery result: %w", err)
		}
		processed.WithLabelValues("needs_review").Inc()
		processDuration.Observe(time.Since(start).Seconds())
		logger.Info("discovery staged for review", "category", *rec.DiscoveredCategory, "confidence", score)
		return rec, nil
	}

	auto := models.DecisionAutoAccepted
	rec.Status = models.DiscoveryReviewed
	rec.Decision = &auto
	rec.ReviewedAt = &now
	err = p.store.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Discovery().SaveResult(ctx, rec); err != nil {
			return err
		}
		return p.applyToFile(ctx, tx, rec)
	})
	if err != nil {
		return nil, fmt.Errorf("auto accept discovery result: %w", err)
	}
	p.onFileChange(fileID)

	processed.WithLabelValues("auto_accepted").Inc()
	processDuration.Observe(time.Since(start).Seconds())
	logger.Info("discovery auto accepted", "category", *rec.DiscoveredCategory, "confidence", score)
	return rec, nil
}

func (p *Pipeline) release(ctx context.Context, fileID uuid.UUID, cause error) error {
	processed.WithLabelValues("failed").Inc()
	p.logger.Warn("discovery attempt failed", "file_id", fileID, "error", cause)
	if err := p.store.Discovery().Release(ctx, fileID, cause.Error(), p.now()); err != nil {
		return errors.Join(cause, fmt.Errorf("release discovery record: %w", err))
	}
	return cause
}

// document reads f from the first tier holding it and extracts its text.
// Formats without an extractor are classified on name and type alone.
func (p *Pipeline) document(ctx context.Context, f *models.FileRecord) (*Document, error) {
	doc := &Document{Filename: f.Filename, MimeType: f.MimeType}

	kind, err := textextract.KindFor(f.Filename, f.MimeType)
	if err != nil {
		return doc, nil
	}

	locs, err := p.store.Files().Locations(ctx, f.ID)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	held := make([]models.Tier, 0, len(locs))
	for _, l := range locs {
		held = append(held, l.Tier)
	}

	rc, _, err := p.tiers.OpenFirst(ctx, f.StorageKey, held)
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}
	defer rc.Close()

	data, err := io.ReadAll(io.LimitReader(rc, p.cfg.MaxContentBytes))
	if err != nil {
		return nil, fmt.Errorf("read content: %w", err)
	}

	out, err := textextract.Extract(bytes.NewReader(data), int64(len(data)), kind)
	if err != nil {
		p.logger.Warn("text extraction failed", "file_id", f.ID, "kind", kind, "error", err)
		return doc, nil
	}
	doc.Text, doc.Truncated = tokenizer.Truncate(out.Content, p.cfg.MaxContentTokens)
	return doc, nil
}

func (p *Pipeline) applyAnalysis(rec *models.DiscoveryRecord, a *Analysis) {
	category := models.NormalizeCategory(a.Category)
	score := min(max(a.Confidence, 0), 1)

	rec.DiscoveredCategory = &category
	rec.DiscoveredSubcategory = strings.TrimSpace(a.Subcategory)
	rec.ConfidenceScore = &score
	rec.ContentSummary = strings.TrimSpace(a.Summary)
	rec.KeyPoints = a.KeyPoints
	rec.AutoTags = NormalizeTags(a.Tags)
	rec.KeyEntities = a.Entities
	rec.DocumentDate = a.DocumentDate
	rec.Provider = a.Provider
}

// NormalizeTags lowercases, trims and de-duplicates tags, keeping order.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || slices.Contains(out, t) {
			continue
		}
		out = append(out, t)
	}
	return out
}

// applyToFile copies the discovered classification onto the FileRecord.
func (p *Pipeline) applyToFile(ctx context.Context, st store.Store, rec *models.DiscoveryRecord) error {
	f, err := st.Files().Get(ctx, rec.FileID)
	if err != nil {
		return fmt.Errorf("load file: %w", err)
	}
	if f.Deleted() {
		return fmt.Errorf("file %s is deleted: %w", f.ID, store.ErrNotFound)
	}
	if rec.DiscoveredCategory != nil {
		f.Category = *rec.DiscoveredCategory
	}
	if rec.DiscoveredSubcategory != "" {
		f.Subcategory = rec.DiscoveredSubcategory
	}
	for _, t := range rec.AutoTags {
		if !slices.Contains(f.Tags, t) {
			f.Tags = append(f.Tags, t)
		}
	}
	if f.Description == "" {
		f.Description = rec.ContentSummary
	}
	f.UpdatedAt = p.now()
	if err := st.Files().Update(ctx, f); err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	return nil
}

// Accept applies the suggestions to the FileRecord and marks the record
// reviewed, atomically.
func (p *Pipeline) Accept(ctx context.Context, fileID uuid.UUID) (*models.DiscoveryRecord, error) {
	var out *models.DiscoveryRecord
	err := p.store.WithTx(ctx, func(tx store.Store) error {
		rec, err := p.review(ctx, tx, fileID, models.DecisionAccepted)
		if err != nil {
			return err
		}
		out = rec
		return p.applyToFile(ctx, tx, rec)
	})
	if err != nil {
		return nil, err
	}
	p.onFileChange(fileID)
	reviewed.WithLabelValues(string(models.DecisionAccepted)).Inc()
	p.logger.Info("discovery accepted", "file_id", fileID)
	return out, nil
}

// Reject marks the record reviewed and leaves the FileRecord untouched.
func (p *Pipeline) Reject(ctx context.Context, fileID uuid.UUID) (*models.DiscoveryRecord, error) {
	rec, err := p.review(ctx, p.store, fileID, models.DecisionRejected)
	if err != nil {
		return nil, err
	}
	reviewed.WithLabelValues(string(models.DecisionRejected)).Inc()
	p.logger.Info("discovery rejected", "file_id", fileID)
	return rec, nil
}

func (p *Pipeline) review(ctx context.Context, st store.Store, fileID uuid.UUID, decision models.ReviewDecision) (*models.DiscoveryRecord, error) {
	rec, err := st.Discovery().Review(ctx, fileID, decision, p.now())
	if errors.Is(err, store.ErrStateChanged) {
		return nil, fmt.Errorf("%w: record is not awaiting review", ErrInvalidTransition)
	}
	return rec, err
}

func (p *Pipeline) Get(ctx context.Context, fileID uuid.UUID) (models.DiscoveryView, error) {
	rec, err := p.store.Discovery().Get(ctx, fileID)
	if err != nil {
		return models.DiscoveryView{}, err
	}
	return rec.View(p.cfg.Thresholds), nil
}

type Query struct {
	Status      *models.DiscoveryStatus
	NeedsReview *bool
	Band        models.ConfidenceBand
	Page        int
	PerPage     int
}

func (p *Pipeline) List(ctx context.Context, q Query) (models.Page[models.DiscoveryView], error) {
	if err := models.ValidatePage(q.Page, q.PerPage); err != nil {
		return models.Page[models.DiscoveryView]{}, err
	}
	recs, total, err := p.store.Discovery().List(ctx, store.DiscoveryFilter{
		Status:      q.Status,
		NeedsReview: q.NeedsReview,
		Band:        q.Band,
		Thresholds:  p.cfg.Thresholds,
		Limit:       q.PerPage,
		Offset:      models.Offset(q.Page, q.PerPage),
	})
	if err != nil {
		return models.Page[models.DiscoveryView]{}, fmt.Errorf("list discovery records: %w", err)
	}
	views := make([]models.DiscoveryView, len(recs))
	for i := range recs {
		views[i] = recs[i].View(p.cfg.Thresholds)
	}
	return models.NewPage(views, total, q.Page, q.PerPage), nil
}

func (p *Pipeline) Stats(ctx context.Context) (models.DiscoveryStats, error) {
	s, err := p.store.Discovery().Stats(ctx, p.cfg.Thresholds)
	if err != nil {
		return s, fmt.Errorf("discovery stats: %w", err)
	}
	awaitingReview.Set(float64(s.NeedsReview))
	return s, nil
}

// ReapStuck returns records stuck in processing for longer than timeout to
// pending.
func (p *Pipeline) ReapStuck(ctx context.Context, timeout time.Duration) (int, error) {
	now := p.now()
	n, err := p.store.Discovery().ReapStuck(ctx, now.Add(-timeout), now)
	if err != nil {
		return 0, fmt.Errorf("reap discovery records: %w", err)
	}
	if n > 0 {
		p.logger.Warn("released stuck discovery records", "count", n, "timeout", timeout)
	}
	return n, nil
}

// MaxAutoAttempts bounds how often Redispatch retries a record on its own.
// Records past it wait for an operator to trigger processing.
const MaxAutoAttempts = 5

// Redispatch schedules up to limit pending records again.
func (p *Pipeline) Redispatch(ctx context.Context, limit int) (int, error) {
	if p.dispatcher == nil || limit <= 0 {
		return 0, nil
	}
	pending := models.DiscoveryPending
	recs, _, err := p.store.Discovery().List(ctx, store.DiscoveryFilter{Status: &pending, Thresholds: p.cfg.Thresholds, Limit: limit})
	if err != nil {
		return 0, fmt.Errorf("list pending discovery records: %w", err)
	}
	n := 0
	for _, r := range recs {
		if r.Attempts >= MaxAutoAttempts {
			continue
		}
		if err := p.dispatcher.DispatchDiscovery(ctx, r.FileID); err != nil {
			p.logger.Warn("redispatch discovery failed", "file_id", r.FileID, "error", err)
			continue
		}
		n++
	}
	return n, nil
}
