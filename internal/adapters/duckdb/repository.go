package duckdb

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/marcboeker/go-duckdb"

	"github.com/fabrica3d/fabrica/internal/core/ports"
)

// Repository implements ports.Repository on an embedded DuckDB database.
type Repository struct {
	db *sql.DB
}

var _ ports.Repository = (*Repository)(nil)

func NewRepository(path string) (*Repository, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open duckdb at %s: %w", path, err)
	}

	r := &Repository{db: db}
	if err := r.migrate(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run schema migration: %w", err)
	}
	return r, nil
}

func (r *Repository) Close() error {
	return r.db.Close()
}

func (r *Repository) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS requests (
			id                   VARCHAR PRIMARY KEY,
			external_user_id     VARCHAR NOT NULL,
			original_prompt      VARCHAR NOT NULL,
			status               VARCHAR NOT NULL,
			phase                VARCHAR NOT NULL,
			selected_image_index INTEGER,
			created_at           TIMESTAMP NOT NULL,
			updated_at           TIMESTAMP NOT NULL,
			completed_at         TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS images (
			id            VARCHAR PRIMARY KEY,
			request_id    VARCHAR NOT NULL,
			idx           INTEGER NOT NULL,
			image_url     VARCHAR,
			image_prompt  VARCHAR,
			image_status  VARCHAR NOT NULL,
			error_message VARCHAR,
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL,
			completed_at  TIMESTAMP,
			UNIQUE (request_id, idx)
		)`,
		`CREATE TABLE IF NOT EXISTS image_jobs (
			id            VARCHAR PRIMARY KEY,
			image_id      VARCHAR NOT NULL UNIQUE,
			status        VARCHAR NOT NULL,
			priority      INTEGER NOT NULL,
			retry_count   INTEGER NOT NULL,
			max_retries   INTEGER NOT NULL,
			next_retry_at TIMESTAMP,
			timeout_at    TIMESTAMP,
			provider_name VARCHAR,
			error_message VARCHAR,
			created_at    TIMESTAMP NOT NULL,
			updated_at    TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS models (
			id                VARCHAR PRIMARY KEY,
			external_user_id  VARCHAR NOT NULL,
			source            VARCHAR NOT NULL,
			request_id        VARCHAR UNIQUE,
			source_image_id   VARCHAR,
			name              VARCHAR NOT NULL,
			model_url         VARCHAR,
			mtl_url           VARCHAR,
			texture_url       VARCHAR,
			preview_image_url VARCHAR,
			format            VARCHAR NOT NULL,
			file_size         BIGINT,
			visibility        VARCHAR NOT NULL,
			published_at      TIMESTAMP,
			view_count        INTEGER NOT NULL DEFAULT 0,
			like_count        INTEGER NOT NULL DEFAULT 0,
			favorite_count    INTEGER NOT NULL DEFAULT 0,
			download_count    INTEGER NOT NULL DEFAULT 0,
			slice_task_id     VARCHAR,
			print_status      VARCHAR NOT NULL,
			error_message     VARCHAR,
			created_at        TIMESTAMP NOT NULL,
			updated_at        TIMESTAMP NOT NULL,
			completed_at      TIMESTAMP,
			failed_at         TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS model_jobs (
			id              VARCHAR PRIMARY KEY,
			model_id        VARCHAR NOT NULL UNIQUE,
			status          VARCHAR NOT NULL,
			priority        INTEGER NOT NULL,
			progress        INTEGER NOT NULL DEFAULT 0,
			retry_count     INTEGER NOT NULL,
			max_retries     INTEGER NOT NULL,
			next_retry_at   TIMESTAMP,
			timeout_at      TIMESTAMP,
			provider_name   VARCHAR,
			provider_job_id VARCHAR,
			error_message   VARCHAR,
			created_at      TIMESTAMP NOT NULL,
			updated_at      TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS orphaned_files (
			id          VARCHAR PRIMARY KEY,
			s3_key      VARCHAR NOT NULL,
			request_id  VARCHAR NOT NULL,
			retry_count INTEGER NOT NULL DEFAULT 0,
			last_error  VARCHAR,
			created_at  TIMESTAMP NOT NULL,
			deleted_at  TIMESTAMP
		)`,
		// DuckDB executes an UPDATE of an ART-indexed column as a delete
		// plus re-insert, which trips the primary key's eager duplicate
		// check on the same row. Indexes may therefore only cover columns
		// no UPDATE ever touches; status, phase and the retry bookkeeping
		// stay unindexed.
		`CREATE INDEX IF NOT EXISTS idx_requests_user_created ON requests (external_user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_images_request ON images (request_id)`,
		`CREATE INDEX IF NOT EXISTS idx_image_jobs_prio ON image_jobs (priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_model_jobs_prio ON model_jobs (priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_models_user_created ON models (external_user_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_models_visibility ON models (visibility, published_at)`,
		`CREATE INDEX IF NOT EXISTS idx_orphans_request ON orphaned_files (request_id)`,
	}

	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// withTx runs fn inside a transaction, rolling back on error.
func (r *Repository) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
