package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fabrica3d/fabrica/internal/core/domain"
)

func (r *Repository) CreateOrphanedFile(ctx context.Context, o domain.OrphanedFile) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO orphaned_files (id, s3_key, request_id, retry_count, last_error, created_at, deleted_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		o.ID, o.S3Key, o.RequestID, o.RetryCount, o.LastError, o.CreatedAt, o.DeletedAt)
	if err != nil {
		return fmt.Errorf("failed to insert orphaned file: %w", err)
	}
	return nil
}

func (r *Repository) ListDueOrphans(ctx context.Context, limit, maxRetries int) ([]domain.OrphanedFile, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, s3_key, request_id, retry_count, last_error, created_at, deleted_at
		 FROM orphaned_files
		 WHERE deleted_at IS NULL AND retry_count < ?
		 ORDER BY created_at ASC LIMIT ?`,
		maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orphaned files: %w", err)
	}
	defer rows.Close()

	var out []domain.OrphanedFile
	for rows.Next() {
		var o domain.OrphanedFile
		var id, requestID string
		var lastError sql.NullString
		var deletedAt sql.NullTime

		if err := rows.Scan(&id, &o.S3Key, &requestID, &o.RetryCount, &lastError, &o.CreatedAt, &deletedAt); err != nil {
			return nil, err
		}
		o.ID = domain.OrphanID(id)
		o.RequestID = domain.RequestID(requestID)
		if lastError.Valid {
			o.LastError = &lastError.String
		}
		if deletedAt.Valid {
			t := deletedAt.Time
			o.DeletedAt = &t
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (r *Repository) MarkOrphanDeleted(ctx context.Context, id domain.OrphanID, deletedAt time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orphaned_files SET deleted_at = ? WHERE id = ?`, deletedAt, id)
	if err != nil {
		return fmt.Errorf("failed to mark orphan deleted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrOrphanNotFound
	}
	return nil
}

func (r *Repository) MarkOrphanFailed(ctx context.Context, id domain.OrphanID, lastError string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE orphaned_files SET retry_count = retry_count + 1, last_error = ? WHERE id = ?`,
		lastError, id)
	if err != nil {
		return fmt.Errorf("failed to mark orphan failed: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrOrphanNotFound
	}
	return nil
}
