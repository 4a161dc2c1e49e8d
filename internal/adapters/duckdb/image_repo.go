package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fabrica3d/fabrica/internal/core/domain"
)

const imageColumns = `id, request_id, idx, image_url, image_prompt, image_status, error_message, created_at, updated_at, completed_at`

func (r *Repository) GetImage(ctx context.Context, id domain.ImageID) (domain.Image, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+imageColumns+` FROM images WHERE id = ?`, id)
	img, err := scanImage(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Image{}, domain.ErrImageNotFound
		}
		return domain.Image{}, fmt.Errorf("failed to load image %s: %w", id, err)
	}
	return img, nil
}

func (r *Repository) ListRequestImages(ctx context.Context, requestID domain.RequestID) ([]domain.Image, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+imageColumns+` FROM images WHERE request_id = ? ORDER BY idx ASC`, requestID)
	if err != nil {
		return nil, fmt.Errorf("failed to list images: %w", err)
	}
	defer rows.Close()

	var out []domain.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, img)
	}
	return out, rows.Err()
}

func (r *Repository) SetImagePrompt(ctx context.Context, id domain.ImageID, prompt string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE images SET image_prompt = ?, updated_at = ? WHERE id = ?`,
		prompt, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set image prompt: %w", err)
	}
	return nil
}

func (r *Repository) MarkImageGenerating(ctx context.Context, id domain.ImageID) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE images SET image_status = ?, updated_at = ? WHERE id = ? AND image_status = ?`,
		domain.ImageStatusGenerating, time.Now().UTC(), id, domain.ImageStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark image generating: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) CompleteImage(ctx context.Context, id domain.ImageID, jobID domain.JobID, imageURL string, completedAt time.Time) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE images SET image_url = ?, image_status = ?, error_message = NULL, updated_at = ?, completed_at = ? WHERE id = ?`,
			imageURL, domain.ImageStatusCompleted, completedAt, completedAt, id)
		if err != nil {
			return fmt.Errorf("failed to complete image: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrImageNotFound
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE image_jobs SET status = ?, error_message = NULL, updated_at = ? WHERE id = ?`,
			domain.JobStatusCompleted, completedAt, jobID)
		if err != nil {
			return fmt.Errorf("failed to complete image job: %w", err)
		}
		return nil
	})
}

func (r *Repository) FailImage(ctx context.Context, id domain.ImageID, jobID domain.JobID, errMsg string) error {
	now := time.Now().UTC()
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE images SET image_status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			domain.ImageStatusFailed, errMsg, now, id)
		if err != nil {
			return fmt.Errorf("failed to fail image: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrImageNotFound
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE image_jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			domain.JobStatusFailed, errMsg, now, jobID)
		if err != nil {
			return fmt.Errorf("failed to fail image job: %w", err)
		}
		return nil
	})
}

func scanImage(row rowScanner) (domain.Image, error) {
	var img domain.Image
	var id, requestID, status string
	var url, prompt, errMsg sql.NullString
	var completedAt sql.NullTime

	if err := row.Scan(&id, &requestID, &img.Index, &url, &prompt, &status, &errMsg, &img.CreatedAt, &img.UpdatedAt, &completedAt); err != nil {
		return domain.Image{}, err
	}

	img.ID = domain.ImageID(id)
	img.RequestID = domain.RequestID(requestID)
	img.Status = domain.ImageStatus(status)
	if url.Valid {
		img.ImageURL = &url.String
	}
	if prompt.Valid {
		img.ImagePrompt = &prompt.String
	}
	if errMsg.Valid {
		img.ErrorMessage = &errMsg.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		img.CompletedAt = &t
	}
	return img, nil
}
