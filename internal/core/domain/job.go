package domain

import (
	"errors"
	"time"
)

type JobID string

type JobStatus string

const (
	JobStatusPending   JobStatus = "PENDING"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusRetrying  JobStatus = "RETRYING"
	JobStatusCompleted JobStatus = "COMPLETED"
	JobStatusFailed    JobStatus = "FAILED"
	JobStatusCancelled JobStatus = "CANCELLED"
	JobStatusTimeout   JobStatus = "TIMEOUT"
)

const DefaultMaxRetries = 3

// ImageJob is the queued unit of work for exactly one Image.
type ImageJob struct {
	ID           JobID      `json:"id"`
	ImageID      ImageID    `json:"image_id"`
	Status       JobStatus  `json:"status"`
	Priority     int        `json:"priority"`
	RetryCount   int        `json:"retry_count"`
	MaxRetries   int        `json:"max_retries"`
	NextRetryAt  *time.Time `json:"next_retry_at,omitempty"`
	TimeoutAt    *time.Time `json:"timeout_at,omitempty"`
	ProviderName *string    `json:"provider_name,omitempty"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// ModelJob is the queued unit of work for exactly one Model. Progress is
// monotonically non-decreasing within one job execution.
type ModelJob struct {
	ID            JobID      `json:"id"`
	ModelID       ModelID    `json:"model_id"`
	Status        JobStatus  `json:"status"`
	Priority      int        `json:"priority"`
	Progress      int        `json:"progress"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	TimeoutAt     *time.Time `json:"timeout_at,omitempty"`
	ProviderName  *string    `json:"provider_name,omitempty"`
	ProviderJobID *string    `json:"provider_job_id,omitempty"`
	ErrorMessage  *string    `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

var ErrJobNotFound = errors.New("job not found")

// Backoff returns the exponential retry delay for the given attempt,
// base 2s: 2s, 4s, 8s, ...
func Backoff(retryCount int) time.Duration {
	if retryCount < 1 {
		retryCount = 1
	}
	return (2 * time.Second) << (retryCount - 1)
}
