package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/nonprofitsuite/storagecore/internal/models"
	"github.com/nonprofitsuite/storagecore/internal/store"
)

const queueColumns = `id, operation, file_id, from_tier, to_tier, priority, attempts, status,
	queued_at, claimed_at, last_attempt_at, completed_at, error_message`

type queueRepo struct {
	db DBTX
}

func scanQueueItem(row pgx.Row) (*models.SyncQueueItem, error) {
	it := &models.SyncQueueItem{}
	err := row.Scan(
		&it.ID, &it.Operation, &it.FileID, &it.FromTier, &it.ToTier, &it.Priority, &it.Attempts, &it.Status,
		&it.QueuedAt, &it.ClaimedAt, &it.LastAttemptAt, &it.CompletedAt, &it.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (r *queueRepo) Insert(ctx context.Context, it *models.SyncQueueItem) error {
	_, err := r.db.Exec(ctx, `
		INSERT INTO sync_queue (`+queueColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		it.ID, it.Operation, it.FileID, it.FromTier, it.ToTier, it.Priority, it.Attempts, it.Status,
		it.QueuedAt, it.ClaimedAt, it.LastAttemptAt, it.CompletedAt, it.ErrorMessage,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return store.ErrConflict
		}
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

func (r *queueRepo) Get(ctx context.Context, id uuid.UUID) (*models.SyncQueueItem, error) {
	it, err := scanQueueItem(r.db.QueryRow(ctx, `SELECT `+queueColumns+` FROM sync_queue WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return it, nil
}

// ClaimNext locks the head of the pending set with SKIP LOCKED so concurrent
// callers each take a different row.
func (r *queueRepo) ClaimNext(ctx context.Context, now time.Time) (*models.SyncQueueItem, error) {
	it, err := scanQueueItem(r.db.QueryRow(ctx, `
		UPDATE sync_queue SET status = 'processing', claimed_at = $1, last_attempt_at = $1
		WHERE id = (
			SELECT id FROM sync_queue
			WHERE status = 'pending'
			ORDER BY priority, queued_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+queueColumns, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("claim queue item: %w", err)
	}
	return it, nil
}

// stateChanged resolves a conditional update that matched no row.
func (r *queueRepo) stateChanged(ctx context.Context, id uuid.UUID) error {
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	return store.ErrStateChanged
}

func (r *queueRepo) Complete(ctx context.Context, id uuid.UUID, now time.Time) (*models.SyncQueueItem, error) {
	it, err := scanQueueItem(r.db.QueryRow(ctx, `
		UPDATE sync_queue SET status = 'completed', completed_at = $2, claimed_at = NULL, error_message = ''
		WHERE id = $1 AND status = 'processing'
		RETURNING `+queueColumns, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.stateChanged(ctx, id)
		}
		return nil, fmt.Errorf("complete queue item: %w", err)
	}
	return it, nil
}

const failAttemptSet = `
	attempts = LEAST(attempts + 1, $2),
	status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
	error_message = $3, last_attempt_at = $4, claimed_at = NULL`

func (r *queueRepo) RecordFailure(ctx context.Context, id uuid.UUID, msg string, maxAttempts int, now time.Time) (*models.SyncQueueItem, error) {
	it, err := scanQueueItem(r.db.QueryRow(ctx, `
		UPDATE sync_queue SET `+failAttemptSet+`
		WHERE id = $1 AND status = 'processing'
		RETURNING `+queueColumns, id, maxAttempts, msg, now))
	if err == nil {
		return it, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("record queue failure: %w", err)
	}

	cur, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cur.Status == models.SyncFailed {
		return cur, nil
	}
	return nil, store.ErrStateChanged
}

func (r *queueRepo) Retry(ctx context.Context, id uuid.UUID, now time.Time) (*models.SyncQueueItem, error) {
	it, err := scanQueueItem(r.db.QueryRow(ctx, `
		UPDATE sync_queue SET status = 'pending', attempts = 0, queued_at = $2, claimed_at = NULL,
			error_message = '', seq = nextval(pg_get_serial_sequence('sync_queue', 'seq'))
		WHERE id = $1 AND status = 'failed'
		RETURNING `+queueColumns, id, now))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, r.stateChanged(ctx, id)
		}
		return nil, fmt.Errorf("retry queue item: %w", err)
	}
	return it, nil
}

func (r *queueRepo) ReapStuck(ctx context.Context, claimedBefore time.Time, maxAttempts int, now time.Time) (int, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE sync_queue SET
			attempts = LEAST(attempts + 1, $2),
			status = CASE WHEN attempts + 1 >= $2 THEN 'failed' ELSE 'pending' END,
			error_message = 'visibility timeout expired', last_attempt_at = $3, claimed_at = NULL
		WHERE status = 'processing' AND claimed_at < $1`, claimedBefore, maxAttempts, now)
	if err != nil {
		return 0, fmt.Errorf("reap queue items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *queueRepo) List(ctx context.Context, status *models.SyncStatus, limit, offset int) ([]models.SyncQueueItem, int, error) {
	where := ""
	var args []any
	if status != nil {
		where = "WHERE status = $1"
		args = append(args, *status)
	}

	var total int
	if err := r.db.QueryRow(ctx, `SELECT count(*) FROM sync_queue `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count queue items: %w", err)
	}

	n := len(args)
	query := fmt.Sprintf(`SELECT %s FROM sync_queue %s ORDER BY priority, queued_at, seq LIMIT $%d OFFSET $%d`,
		queueColumns, where, n+1, n+2)
	rows, err := r.db.Query(ctx, query, append(args, limitArg(limit), offset)...)
	if err != nil {
		return nil, 0, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var out []models.SyncQueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan queue item: %w", err)
		}
		out = append(out, *it)
	}
	return out, total, rows.Err()
}

func (r *queueRepo) Stats(ctx context.Context) (models.SyncStats, error) {
	var s models.SyncStats
	err := r.db.QueryRow(ctx, `
		SELECT
			count(*) FILTER (WHERE status = 'pending'),
			count(*) FILTER (WHERE status = 'processing'),
			count(*) FILTER (WHERE status = 'completed'),
			count(*) FILTER (WHERE status = 'failed')
		FROM sync_queue`).Scan(&s.Pending, &s.Processing, &s.Completed, &s.Failed)
	if err != nil {
		return s, fmt.Errorf("queue stats: %w", err)
	}
	return s, nil
}
