package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/store"
)

const discoveryColumns = `file_id, discovery_status, discovered_category, discovered_subcategory,
	confidence_score, content_summary, key_points, auto_tags, key_entities, document_date,
	provider, attempts, last_error, review_decision, submitted_at, claimed_at, processed_at, reviewed_at`

type discoveryRepo struct {
	db DBTX
}

func scanDiscovery(row pgx.Row) (*models.DiscoveryRecord, error) {
	d := &models.DiscoveryRecord{}
	err := row.Scan(
		&d.FileID, &d.Status, &d.DiscoveredCategory, &d.DiscoveredSubcategory,
		&d.ConfidenceScore, &d.ContentSummary, &d.KeyPoints, &d.AutoTags, &d.KeyEntities, &d.DocumentDate,
		&d.Provider, &d.Attempts, &d.LastError, &d.Decision, &d.SubmittedAt, &d.ClaimedAt, &d.ProcessedAt, &d.ReviewedAt,
	)
	if err != nil {
		return nil, err
	}
	return d, nil
}

func (r *discoveryRepo) Insert(ctx context.Context, d *models.DiscoveryRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO discovery_records (`+discoveryColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		d.FileID, d.Status, d.DiscoveredCategory, d.DiscoveredSubcategory,
		d.ConfidenceScore, d.ContentSummary, textArray(d.KeyPoints), textArray(d.AutoTags), d.KeyEntities, d.DocumentDate,
		d.Provider, d.Attempts, d.LastError, d.Decision, d.SubmittedAt, d.ClaimedAt, d.ProcessedAt, d.ReviewedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("insert discovery record: %w", err)
	}
	return nil
}

func (r *discoveryRepo) Get(ctx context.Context, fileID uuid.UUID) (*models.DiscoveryRecord, error) {
	d, err := scanDiscovery(r.db.QueryRow(ctx, `SELECT `+discoveryColumns+` FROM discovery_records WHERE file_id = $1`, fileID))
	if err != nil {
		return nil, notFound(err)
	}
	return d, nil
}

func (r *discoveryRepo) stateChanged(ctx context.Context, fileID uuid.UUID) error {
	if _, err := r.Get(ctx, fileID); err != nil {
		return err
	}
	return store.ErrStateChanged
}

func (r *discoveryRepo) Claim(ctx context.Context, fileID uuid.UUID, now time.Time) (*models.DiscoveryRecord, error) {
	d, err := scanDiscovery(r.db.QueryRow(ctx, `
		UPDATE discovery_records SET discovery_status = 'processing', claimed_at = $2
		WHERE file_id = $1 AND discovery_status = 'pending'
		RETURNING `+discoveryColumns, fileID, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.stateChanged(ctx, fileID)
		}
		return nil, fmt.Errorf("claim discovery record: %w", err)
	}
	return d, nil
}

func (r *discoveryRepo) Release(ctx context.Context, fileID uuid.UUID, msg string, _ time.Time) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE discovery_records
		SET discovery_status = 'pending', attempts = attempts + 1, last_error = $2, claimed_at = NULL
		WHERE file_id = $1 AND discovery_status = 'processing'`, fileID, msg)
	if err != nil {
		return fmt.Errorf("release discovery record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.stateChanged(ctx, fileID)
	}
	return nil
}

func (r *discoveryRepo) SaveResult(ctx context.Context, d *models.DiscoveryRecord) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE discovery_records SET
			discovery_status = $2, discovered_category = $3, discovered_subcategory = $4,
			confidence_score = $5, content_summary = $6, key_points = $7, auto_tags = $8,
			key_entities = $9, document_date = $10, provider = $11, attempts = $12, last_error = $13,
			review_decision = $14, processed_at = $15, reviewed_at = $16, claimed_at = NULL
		WHERE file_id = $1 AND discovery_status = 'processing'`,
		d.FileID, d.Status, d.DiscoveredCategory, d.DiscoveredSubcategory,
		d.ConfidenceScore, d.ContentSummary, textArray(d.KeyPoints), textArray(d.AutoTags),
		d.KeyEntities, d.DocumentDate, d.Provider, d.Attempts, d.LastError,
		d.Decision, d.ProcessedAt, d.ReviewedAt,
	)
	if err != nil {
		return fmt.Errorf("save discovery result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.stateChanged(ctx, d.FileID)
	}
	return nil
}

func (r *discoveryRepo) Review(ctx context.Context, fileID uuid.UUID, decision models.ReviewDecision, now time.Time) (*models.DiscoveryRecord, error) {
	d, err := scanDiscovery(r.db.QueryRow(ctx, `
		UPDATE discovery_records SET discovery_status = 'reviewed', review_decision = $2, reviewed_at = $3
		WHERE file_id = $1 AND discovery_status = 'needs_review' AND reviewed_at IS NULL
		RETURNING `+discoveryColumns, fileID, decision, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.stateChanged(ctx, fileID)
		}
		return nil, fmt.Errorf("review discovery record: %w", err)
	}
	return d, nil
}

// needsReviewExpr mirrors models.DiscoveryRecord.NeedsReview; %[1]s is the
// high threshold placeholder.
const needsReviewExpr = `(reviewed_at IS NULL AND discovery_status <> 'reviewed' AND
	(discovery_status = 'needs_review' OR (confidence_score IS NOT NULL AND confidence_score < %[1]s)))`

func buildDiscoveryWhere(filter store.DiscoveryFilter) (string, []any) {
	var conditions []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Status != nil {
		conditions = append(conditions, "discovery_status = "+arg(*filter.Status))
	}
	if filter.NeedsReview != nil {
		expr := fmt.Sprintf(needsReviewExpr, arg(filter.Thresholds.High))
		if !*filter.NeedsReview {
			expr = "NOT " + expr
		}
		conditions = append(conditions, expr)
	}
	switch filter.Band {
	case models.BandHigh:
		conditions = append(conditions, "confidence_score >= "+arg(filter.Thresholds.High))
	case models.BandMedium:
		conditions = append(conditions, fmt.Sprintf("confidence_score >= %s AND confidence_score < %s",
			arg(filter.Thresholds.Medium), arg(filter.Thresholds.High)))
	case models.BandLow:
		conditions = append(conditions, "confidence_score < "+arg(filter.Thresholds.Medium))
	}

	where := ""
	if len(conditions) > 0 {
		where = "WHERE " + strings.Join(conditions, " AND ")
	}
	return where, args
}

func (r *discoveryRepo) List(ctx context.Context, filter store.DiscoveryFilter) ([]models.DiscoveryRecord, int, error) {
	where, args := buildDiscoveryWhere(filter)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM discovery_records `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count discovery records: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM discovery_records %s ORDER BY submitted_at DESC, file_id LIMIT $%d OFFSET $%d`,
		discoveryColumns, where, n+1, n+2)
	rows, err := r.db.Query(ctx, query, append(args, limitArg(filter.Limit), filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list discovery records: %w", err)
	}
	defer rows.Close()

	var out []models.DiscoveryRecord
	for rows.Next() {
		d, err := scanDiscovery(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan discovery record: %w", err)
		}
		out = append(out, *d)
	}
	return out, total, rows.Err()
}

func (r *discoveryRepo) ReapStuck(ctx context.Context, claimedBefore, _ time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE discovery_records
		SET discovery_status = 'pending', attempts = attempts + 1,
			last_error = 'visibility timeout expired', claimed_at = NULL
		WHERE discovery_status = 'processing' AND claimed_at < $1`, claimedBefore)
	if err != nil {
		return 0, fmt.Errorf("reap discovery records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *discoveryRepo) Stats(ctx context.Context, t models.Thresholds) (models.DiscoveryStats, error) {
	var s models.DiscoveryStats
	err := r.db.QueryRow(ctx, fmt.Sprintf(`
		SELECT
			count(*) FILTER (WHERE discovery_status = 'pending'),
			count(*) FILTER (WHERE discovery_status = 'processing'),
			count(*) FILTER (WHERE %s),
			count(*) FILTER (WHERE discovery_status = 'reviewed'),
			count(*) FILTER (WHERE confidence_score >= $1),
			count(*) FILTER (WHERE confidence_score >= $2 AND confidence_score < $1),
			count(*) FILTER (WHERE confidence_score < $2)
		FROM discovery_records`, fmt.Sprintf(needsReviewExpr, "$1")), t.High, t.Medium).
		Scan(&s.Pending, &s.Processing, &s.NeedsReview, &s.Reviewed, &s.High, &s.Medium, &s.Low)
	if err != nil {
		return s, fmt.Errorf("discovery stats: %w", err)
	}
	return s, nil
}
