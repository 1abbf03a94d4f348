package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/store"
)

const fileColumns = `file_id, filename, mime_type, size_bytes, checksum, storage_key,
	category, subcategory, tags, description, visibility, document_author,
	document_status, has_physical_copy, access_count, last_accessed_at,
	created_at, updated_at, deleted_at`

type fileRepo struct {
	db DBTX
}

func scanFile(row pgx.Row) (*models.FileRecord, error) {
	f := &models.FileRecord{}
	err := row.Scan(
		&f.ID, &f.Filename, &f.MimeType, &f.SizeBytes, &f.Checksum, &f.StorageKey,
		&f.Category, &f.Subcategory, &f.Tags, &f.Description, &f.Visibility, &f.DocumentAuthor,
		&f.DocumentStatus, &f.HasPhysicalCopy, &f.AccessCount, &f.LastAccessedAt,
		&f.CreatedAt, &f.UpdatedAt, &f.DeletedAt,
	)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func collectFiles(rows pgx.Rows) ([]models.FileRecord, error) {
	defer rows.Close()
	var out []models.FileRecord
	for rows.Next() {
		f, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("scan file: %w", err)
		}
		out = append(out, *f)
	}
	return out, rows.Err()
}

func (r *fileRepo) Create(ctx context.Context, f *models.FileRecord) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO files (`+fileColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		f.ID, f.Filename, f.MimeType, f.SizeBytes, f.Checksum, f.StorageKey,
		f.Category, f.Subcategory, textArray(f.Tags), f.Description, f.Visibility, f.DocumentAuthor,
		f.DocumentStatus, f.HasPhysicalCopy, f.AccessCount, f.LastAccessedAt,
		f.CreatedAt, f.UpdatedAt, f.DeletedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("insert file: %w", err)
	}
	return nil
}

func (r *fileRepo) Get(ctx context.Context, id uuid.UUID) (*models.FileRecord, error) {
	f, err := scanFile(r.db.QueryRow(ctx, `SELECT `+fileColumns+` FROM files WHERE file_id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return f, nil
}

func (r *fileRepo) Update(ctx context.Context, f *models.FileRecord) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE files SET filename = $2, mime_type = $3, size_bytes = $4, checksum = $5,
			category = $6, subcategory = $7, tags = $8, description = $9, visibility = $10,
			document_author = $11, document_status = $12, has_physical_copy = $13, updated_at = $14
		WHERE file_id = $1`,
		f.ID, f.Filename, f.MimeType, f.SizeBytes, f.Checksum,
		f.Category, f.Subcategory, textArray(f.Tags), f.Description, f.Visibility,
		f.DocumentAuthor, f.DocumentStatus, f.HasPhysicalCopy, f.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *fileRepo) SoftDelete(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE files SET deleted_at = $2, updated_at = $2 WHERE file_id = $1 AND deleted_at IS NULL`, id, at)
	if err != nil {
		return fmt.Errorf("soft delete file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func buildFileWhere(filter store.FileFilter) (string, []any) {
	conditions := []string{"deleted_at IS NULL"}
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if filter.Category != nil {
		conditions = append(conditions, "category = "+arg(*filter.Category))
	}
	if filter.Visibility != nil {
		conditions = append(conditions, "visibility = "+arg(*filter.Visibility))
	}
	if filter.Status != nil {
		conditions = append(conditions, "document_status = "+arg(*filter.Status))
	}
	if filter.Text != "" {
		p := arg("%" + filter.Text + "%")
		conditions = append(conditions, fmt.Sprintf(
			"(filename ILIKE %[1]s OR description ILIKE %[1]s OR subcategory ILIKE %[1]s OR document_author ILIKE %[1]s OR array_to_string(tags, ' ') ILIKE %[1]s)", p))
	}
	return "WHERE " + strings.Join(conditions, " AND "), args
}

func (r *fileRepo) Search(ctx context.Context, filter store.FileFilter) ([]models.FileRecord, int, error) {
	where, args := buildFileWhere(filter)

	var total int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM files `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count files: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM files %s ORDER BY created_at DESC, file_id LIMIT $%d OFFSET $%d`,
		fileColumns, where, n+1, n+2)
	rows, err := r.db.Query(ctx, query, append(args, limitArg(filter.Limit), filter.Offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("search files: %w", err)
	}
	files, err := collectFiles(rows)
	if err != nil {
		return nil, 0, err
	}
	return files, total, nil
}

func (r *fileRepo) TouchAccess(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE files SET access_count = access_count + 1, last_accessed_at = $2 WHERE file_id = $1`, id, at)
	if err != nil {
		return fmt.Errorf("touch file: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *fileRepo) WarmCandidates(ctx context.Context, limit int, now time.Time) ([]models.FileRecord, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+fileColumns+` FROM files f
		WHERE f.deleted_at IS NULL
			AND NOT EXISTS (
				SELECT 1 FROM cache_entries c WHERE c.file_id = f.file_id AND c.expires_at >= $1
			)
		ORDER BY f.access_count DESC, f.last_accessed_at DESC NULLS LAST, f.created_at DESC, f.file_id
		LIMIT $2`, now, limitArg(limit))
	if err != nil {
		return nil, fmt.Errorf("list warm candidates: %w", err)
	}
	return collectFiles(rows)
}

// AddLocation refuses deleted files. The share lock on the file row orders
// it against a concurrent SoftDelete, so Delete either sees the new row or
// this insert sees the tombstone.
func (r *fileRepo) AddLocation(ctx context.Context, loc models.FileLocation) error {
	tag, err := r.db.Exec(ctx, `
		INSERT INTO file_locations (file_id, tier, placed_at, verified_at)
		SELECT f.file_id, $2::text, $3::timestamptz, $4::timestamptz
		FROM files f
		WHERE f.file_id = $1 AND f.deleted_at IS NULL
		FOR SHARE
		ON CONFLICT (file_id, tier) DO UPDATE
			SET placed_at = EXCLUDED.placed_at, verified_at = EXCLUDED.verified_at`,
		loc.FileID, loc.Tier, loc.PlacedAt, loc.VerifiedAt)
	if err != nil {
		return fmt.Errorf("add location: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *fileRepo) RemoveLocation(ctx context.Context, id uuid.UUID, tier models.Tier) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM file_locations WHERE file_id = $1 AND tier = $2`, id, tier); err != nil {
		return fmt.Errorf("remove location: %w", err)
	}
	return nil
}

func (r *fileRepo) Locations(ctx context.Context, id uuid.UUID) ([]models.FileLocation, error) {
	rows, err := r.db.Query(ctx,
		`SELECT file_id, tier, placed_at, verified_at FROM file_locations WHERE file_id = $1 ORDER BY tier`, id)
	if err != nil {
		return nil, fmt.Errorf("list locations: %w", err)
	}
	defer rows.Close()

	var out []models.FileLocation
	for rows.Next() {
		var loc models.FileLocation
		if err := rows.Scan(&loc.FileID, &loc.Tier, &loc.PlacedAt, &loc.VerifiedAt); err != nil {
			return nil, fmt.Errorf("scan location: %w", err)
		}
		out = append(out, loc)
	}
	return out, rows.Err()
}

func (r *fileRepo) MarkVerified(ctx context.Context, id uuid.UUID, tier models.Tier, at time.Time) error {
	tag, err := r.db.Exec(ctx,
		`UPDATE file_locations SET verified_at = $3 WHERE file_id = $1 AND tier = $2`, id, tier, at)
	if err != nil {
		return fmt.Errorf("mark verified: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}
