package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fabrica3d/fabrica/internal/core/domain"
)

const requestColumns = `id, external_user_id, original_prompt, status, phase, selected_image_index, created_at, updated_at, completed_at`

func (r *Repository) CreateRequestTree(ctx context.Context, req domain.Request, images []domain.Image, jobs []domain.ImageJob) error {
	if len(images) != domain.ImagesPerRequest || len(jobs) != domain.ImagesPerRequest {
		return fmt.Errorf("request tree must carry exactly %d images and jobs", domain.ImagesPerRequest)
	}

	return r.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.ExternalUserID, req.OriginalPrompt, req.Status, req.Phase,
			req.SelectedImageIndex, req.CreatedAt, req.UpdatedAt, req.CompletedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert request: %w", err)
		}

		for _, img := range images {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO images (id, request_id, idx, image_url, image_prompt, image_status, error_message, created_at, updated_at, completed_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				img.ID, img.RequestID, img.Index, img.ImageURL, img.ImagePrompt,
				img.Status, img.ErrorMessage, img.CreatedAt, img.UpdatedAt, img.CompletedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert image %d: %w", img.Index, err)
			}
		}

		for _, job := range jobs {
			_, err := tx.ExecContext(ctx,
				`INSERT INTO image_jobs (id, image_id, status, priority, retry_count, max_retries, next_retry_at, timeout_at, provider_name, error_message, created_at, updated_at)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				job.ID, job.ImageID, job.Status, job.Priority, job.RetryCount, job.MaxRetries,
				job.NextRetryAt, job.TimeoutAt, job.ProviderName, job.ErrorMessage,
				job.CreatedAt, job.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert image job: %w", err)
			}
		}
		return nil
	})
}

func (r *Repository) GetRequest(ctx context.Context, id domain.RequestID) (domain.Request, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	req, err := scanRequest(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Request{}, domain.ErrRequestNotFound
		}
		return domain.Request{}, fmt.Errorf("failed to load request %s: %w", id, err)
	}
	return req, nil
}

func (r *Repository) ListUserRequests(ctx context.Context, externalUserID string, limit int) ([]domain.Request, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE external_user_id = ? ORDER BY created_at DESC LIMIT ?`,
		externalUserID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list requests: %w", err)
	}
	defer rows.Close()

	var out []domain.Request
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

func (r *Repository) AdvanceRequestStatus(ctx context.Context, id domain.RequestID, from, to domain.RequestStatus) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, updated_at = ? WHERE id = ? AND status = ?`,
		to, time.Now().UTC(), id, from,
	)
	if err != nil {
		return false, fmt.Errorf("failed to advance request status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) CompleteImagePhase(ctx context.Context, id domain.RequestID) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, phase = ?, updated_at = ?
		 WHERE id = ? AND phase = ? AND status IN (?, ?)`,
		domain.RequestStatusImageCompleted, domain.PhaseAwaitingSelection, time.Now().UTC(),
		id, domain.PhaseImageGeneration,
		domain.RequestStatusImagePending, domain.RequestStatusImageGenerating,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete image phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) FailImagePhase(ctx context.Context, id domain.RequestID) (bool, error) {
	// Phase deliberately stays IMAGE_GENERATION; only the status records failure.
	res, err := r.db.ExecContext(ctx,
		`UPDATE requests SET status = ?, updated_at = ?
		 WHERE id = ? AND phase = ? AND status IN (?, ?)`,
		domain.RequestStatusImageFailed, time.Now().UTC(),
		id, domain.PhaseImageGeneration,
		domain.RequestStatusImagePending, domain.RequestStatusImageGenerating,
	)
	if err != nil {
		return false, fmt.Errorf("failed to fail image phase: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) SelectImageForModel(ctx context.Context, id domain.RequestID, index int, model domain.Model, job domain.ModelJob) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE requests SET selected_image_index = ?, phase = ?, status = ?, updated_at = ?
			 WHERE id = ? AND phase = ?`,
			index, domain.PhaseModelGeneration, domain.RequestStatusModelPending, time.Now().UTC(),
			id, domain.PhaseAwaitingSelection,
		)
		if err != nil {
			return fmt.Errorf("failed to record selection: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return fmt.Errorf("request %s left AWAITING_SELECTION concurrently: %w", id, domain.ErrInvalidState)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO models (id, external_user_id, source, request_id, source_image_id, name, model_url, mtl_url, texture_url, preview_image_url, format, file_size, visibility, published_at, view_count, like_count, favorite_count, download_count, slice_task_id, print_status, error_message, created_at, updated_at, completed_at, failed_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			model.ID, model.ExternalUserID, model.Source, model.RequestID, model.SourceImageID,
			model.Name, model.ModelURL, model.MTLURL, model.TextureURL, model.PreviewImageURL,
			model.Format, model.FileSize, model.Visibility, model.PublishedAt,
			model.ViewCount, model.LikeCount, model.FavoriteCount, model.DownloadCount,
			model.SliceTaskID, model.PrintStatus, model.ErrorMessage,
			model.CreatedAt, model.UpdatedAt, model.CompletedAt, model.FailedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert model: %w", err)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO model_jobs (id, model_id, status, priority, progress, retry_count, max_retries, next_retry_at, timeout_at, provider_name, provider_job_id, error_message, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.ModelID, job.Status, job.Priority, job.Progress,
			job.RetryCount, job.MaxRetries, job.NextRetryAt, job.TimeoutAt,
			job.ProviderName, job.ProviderJobID, job.ErrorMessage, job.CreatedAt, job.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert model job: %w", err)
		}
		return nil
	})
}

func (r *Repository) DeleteRequestCascade(ctx context.Context, id domain.RequestID) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM model_jobs WHERE model_id IN (SELECT id FROM models WHERE request_id = ?)`, id); err != nil {
			return fmt.Errorf("failed to delete model jobs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM models WHERE request_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete model: %w", err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM image_jobs WHERE image_id IN (SELECT id FROM images WHERE request_id = ?)`, id); err != nil {
			return fmt.Errorf("failed to delete image jobs: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM images WHERE request_id = ?`, id); err != nil {
			return fmt.Errorf("failed to delete images: %w", err)
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM requests WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete request: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return domain.ErrRequestNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRequest(row rowScanner) (domain.Request, error) {
	var req domain.Request
	var id, userID, status, phase string
	var selIdx sql.NullInt64
	var completedAt sql.NullTime

	if err := row.Scan(&id, &userID, &req.OriginalPrompt, &status, &phase, &selIdx, &req.CreatedAt, &req.UpdatedAt, &completedAt); err != nil {
		return domain.Request{}, err
	}

	req.ID = domain.RequestID(id)
	req.ExternalUserID = userID
	req.Status = domain.RequestStatus(status)
	req.Phase = domain.RequestPhase(phase)
	if selIdx.Valid {
		idx := int(selIdx.Int64)
		req.SelectedImageIndex = &idx
	}
	if completedAt.Valid {
		t := completedAt.Time
		req.CompletedAt = &t
	}
	return req, nil
}
