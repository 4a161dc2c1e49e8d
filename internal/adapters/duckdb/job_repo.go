package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fabrica3d/fabrica/internal/core/domain"
)

const imageJobColumns = `id, image_id, status, priority, retry_count, max_retries, next_retry_at, timeout_at, provider_name, error_message, created_at, updated_at`

const modelJobColumns = `id, model_id, status, priority, progress, retry_count, max_retries, next_retry_at, timeout_at, provider_name, provider_job_id, error_message, created_at, updated_at`

func (r *Repository) GetImageJob(ctx context.Context, id domain.JobID) (domain.ImageJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+imageJobColumns+` FROM image_jobs WHERE id = ?`, id)
	job, err := scanImageJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ImageJob{}, domain.ErrJobNotFound
		}
		return domain.ImageJob{}, fmt.Errorf("failed to load image job %s: %w", id, err)
	}
	return job, nil
}

func (r *Repository) MarkImageJobRunning(ctx context.Context, id domain.JobID, timeoutAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE image_jobs SET status = ?, timeout_at = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		domain.JobStatusRunning, timeoutAt, time.Now().UTC(), id,
		domain.JobStatusPending, domain.JobStatusRetrying)
	if err != nil {
		return false, fmt.Errorf("failed to mark image job running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) MarkImageJobRetrying(ctx context.Context, id domain.JobID, nextRetryAt time.Time, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE image_jobs SET status = ?, retry_count = retry_count + 1, next_retry_at = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		domain.JobStatusRetrying, nextRetryAt, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark image job retrying: %w", err)
	}
	return nil
}

func (r *Repository) GetModelJob(ctx context.Context, id domain.JobID) (domain.ModelJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+modelJobColumns+` FROM model_jobs WHERE id = ?`, id)
	job, err := scanModelJob(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.ModelJob{}, domain.ErrJobNotFound
		}
		return domain.ModelJob{}, fmt.Errorf("failed to load model job %s: %w", id, err)
	}
	return job, nil
}

func (r *Repository) MarkModelJobRunning(ctx context.Context, id domain.JobID, timeoutAt time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE model_jobs SET status = ?, timeout_at = ?, updated_at = ? WHERE id = ? AND status IN (?, ?)`,
		domain.JobStatusRunning, timeoutAt, time.Now().UTC(), id,
		domain.JobStatusPending, domain.JobStatusRetrying)
	if err != nil {
		return false, fmt.Errorf("failed to mark model job running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *Repository) MarkModelJobRetrying(ctx context.Context, id domain.JobID, nextRetryAt time.Time, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE model_jobs SET status = ?, retry_count = retry_count + 1, next_retry_at = ?, error_message = ?, updated_at = ? WHERE id = ?`,
		domain.JobStatusRetrying, nextRetryAt, errMsg, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark model job retrying: %w", err)
	}
	return nil
}

func (r *Repository) SetModelJobProvider(ctx context.Context, id domain.JobID, providerName, providerJobID string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE model_jobs SET provider_name = ?, provider_job_id = ?, updated_at = ? WHERE id = ?`,
		providerName, providerJobID, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set model job provider: %w", err)
	}
	return nil
}

func (r *Repository) UpdateModelJobProgress(ctx context.Context, id domain.JobID, progress int) error {
	// Monotonic guard: a stale poll or retried attempt never lowers progress.
	_, err := r.db.ExecContext(ctx,
		`UPDATE model_jobs SET progress = ?, updated_at = ? WHERE id = ? AND progress <= ?`,
		progress, time.Now().UTC(), id, progress)
	if err != nil {
		return fmt.Errorf("failed to update model job progress: %w", err)
	}
	return nil
}

func scanImageJob(row rowScanner) (domain.ImageJob, error) {
	var job domain.ImageJob
	var id, imageID, status string
	var providerName, errMsg sql.NullString
	var nextRetryAt, timeoutAt sql.NullTime

	if err := row.Scan(&id, &imageID, &status, &job.Priority, &job.RetryCount, &job.MaxRetries,
		&nextRetryAt, &timeoutAt, &providerName, &errMsg, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return domain.ImageJob{}, err
	}

	job.ID = domain.JobID(id)
	job.ImageID = domain.ImageID(imageID)
	job.Status = domain.JobStatus(status)
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		job.NextRetryAt = &t
	}
	if timeoutAt.Valid {
		t := timeoutAt.Time
		job.TimeoutAt = &t
	}
	if providerName.Valid {
		job.ProviderName = &providerName.String
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	return job, nil
}

func scanModelJob(row rowScanner) (domain.ModelJob, error) {
	var job domain.ModelJob
	var id, modelID, status string
	var providerName, providerJobID, errMsg sql.NullString
	var nextRetryAt, timeoutAt sql.NullTime

	if err := row.Scan(&id, &modelID, &status, &job.Priority, &job.Progress, &job.RetryCount, &job.MaxRetries,
		&nextRetryAt, &timeoutAt, &providerName, &providerJobID, &errMsg, &job.CreatedAt, &job.UpdatedAt); err != nil {
		return domain.ModelJob{}, err
	}

	job.ID = domain.JobID(id)
	job.ModelID = domain.ModelID(modelID)
	job.Status = domain.JobStatus(status)
	if nextRetryAt.Valid {
		t := nextRetryAt.Time
		job.NextRetryAt = &t
	}
	if timeoutAt.Valid {
		t := timeoutAt.Time
		job.TimeoutAt = &t
	}
	if providerName.Valid {
		job.ProviderName = &providerName.String
	}
	if providerJobID.Valid {
		job.ProviderJobID = &providerJobID.String
	}
	if errMsg.Valid {
		job.ErrorMessage = &errMsg.String
	}
	return job, nil
}
