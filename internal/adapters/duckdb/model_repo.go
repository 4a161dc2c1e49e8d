package duckdb

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/fabrica3d/fabrica/internal/core/domain"
)

const modelColumns = `id, external_user_id, source, request_id, source_image_id, name, model_url, mtl_url, texture_url, preview_image_url, format, file_size, visibility, published_at, view_count, like_count, favorite_count, download_count, slice_task_id, print_status, error_message, created_at, updated_at, completed_at, failed_at`

func (r *Repository) GetModel(ctx context.Context, id domain.ModelID) (domain.Model, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE id = ?`, id)
	m, err := scanModel(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Model{}, domain.ErrModelNotFound
		}
		return domain.Model{}, fmt.Errorf("failed to load model %s: %w", id, err)
	}
	return m, nil
}

func (r *Repository) GetModelByRequest(ctx context.Context, requestID domain.RequestID) (domain.Model, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+modelColumns+` FROM models WHERE request_id = ?`, requestID)
	m, err := scanModel(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.Model{}, domain.ErrModelNotFound
		}
		return domain.Model{}, fmt.Errorf("failed to load model for request %s: %w", requestID, err)
	}
	return m, nil
}

func (r *Repository) MarkModelGenerating(ctx context.Context, id domain.ModelID) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE models SET updated_at = ? WHERE id = ?`, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to touch model: %w", err)
	}
	return nil
}

func (r *Repository) CompleteModel(ctx context.Context, m domain.Model, jobID domain.JobID, completedAt time.Time) error {
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE models SET model_url = ?, mtl_url = ?, texture_url = ?, preview_image_url = ?, format = ?, file_size = ?, error_message = NULL, updated_at = ?, completed_at = ? WHERE id = ?`,
			m.ModelURL, m.MTLURL, m.TextureURL, m.PreviewImageURL, m.Format, m.FileSize,
			completedAt, completedAt, m.ID)
		if err != nil {
			return fmt.Errorf("failed to complete model: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrModelNotFound
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE model_jobs SET status = ?, progress = 100, error_message = NULL, updated_at = ? WHERE id = ?`,
			domain.JobStatusCompleted, completedAt, jobID)
		if err != nil {
			return fmt.Errorf("failed to complete model job: %w", err)
		}

		if m.RequestID != nil {
			_, err = tx.ExecContext(ctx,
				`UPDATE requests SET status = ?, phase = ?, updated_at = ?, completed_at = ? WHERE id = ?`,
				domain.RequestStatusModelCompleted, domain.PhaseCompleted, completedAt, completedAt, *m.RequestID)
			if err != nil {
				return fmt.Errorf("failed to complete request: %w", err)
			}
		}
		return nil
	})
}

func (r *Repository) FailModel(ctx context.Context, id domain.ModelID, jobID domain.JobID, requestID domain.RequestID, errMsg string) error {
	now := time.Now().UTC()
	return r.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE models SET error_message = ?, failed_at = ?, updated_at = ? WHERE id = ?`,
			errMsg, now, now, id)
		if err != nil {
			return fmt.Errorf("failed to fail model: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrModelNotFound
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE model_jobs SET status = ?, error_message = ?, updated_at = ? WHERE id = ?`,
			domain.JobStatusFailed, errMsg, now, jobID)
		if err != nil {
			return fmt.Errorf("failed to fail model job: %w", err)
		}

		// Phase stays MODEL_GENERATION; only the status records failure.
		_, err = tx.ExecContext(ctx,
			`UPDATE requests SET status = ?, updated_at = ? WHERE id = ? AND phase = ?`,
			domain.RequestStatusModelFailed, now, requestID, domain.PhaseModelGeneration)
		if err != nil {
			return fmt.Errorf("failed to fail request: %w", err)
		}
		return nil
	})
}

func (r *Repository) SetModelPrintTask(ctx context.Context, id domain.ModelID, sliceTaskID string, status domain.PrintStatus) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE models SET slice_task_id = ?, print_status = ?, updated_at = ? WHERE id = ?`,
		sliceTaskID, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to set print task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrModelNotFound
	}
	return nil
}

func scanModel(row rowScanner) (domain.Model, error) {
	var m domain.Model
	var id, userID, source, format, visibility, printStatus string
	var requestID, sourceImageID, modelURL, mtlURL, textureURL, previewURL, sliceTaskID, errMsg sql.NullString
	var fileSize sql.NullInt64
	var publishedAt, completedAt, failedAt sql.NullTime

	if err := row.Scan(&id, &userID, &source, &requestID, &sourceImageID, &m.Name,
		&modelURL, &mtlURL, &textureURL, &previewURL, &format, &fileSize, &visibility,
		&publishedAt, &m.ViewCount, &m.LikeCount, &m.FavoriteCount, &m.DownloadCount,
		&sliceTaskID, &printStatus, &errMsg, &m.CreatedAt, &m.UpdatedAt, &completedAt, &failedAt); err != nil {
		return domain.Model{}, err
	}

	m.ID = domain.ModelID(id)
	m.ExternalUserID = userID
	m.Source = domain.ModelSource(source)
	m.Format = format
	m.Visibility = domain.Visibility(visibility)
	m.PrintStatus = domain.PrintStatus(printStatus)
	if requestID.Valid {
		rid := domain.RequestID(requestID.String)
		m.RequestID = &rid
	}
	if sourceImageID.Valid {
		iid := domain.ImageID(sourceImageID.String)
		m.SourceImageID = &iid
	}
	if modelURL.Valid {
		m.ModelURL = &modelURL.String
	}
	if mtlURL.Valid {
		m.MTLURL = &mtlURL.String
	}
	if textureURL.Valid {
		m.TextureURL = &textureURL.String
	}
	if previewURL.Valid {
		m.PreviewImageURL = &previewURL.String
	}
	if fileSize.Valid {
		m.FileSize = &fileSize.Int64
	}
	if publishedAt.Valid {
		t := publishedAt.Time
		m.PublishedAt = &t
	}
	if sliceTaskID.Valid {
		m.SliceTaskID = &sliceTaskID.String
	}
	if errMsg.Valid {
		m.ErrorMessage = &errMsg.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		m.CompletedAt = &t
	}
	if failedAt.Valid {
		t := failedAt.Time
		m.FailedAt = &t
	}
	return m, nil
}
