package domain

import (
	"errors"
	"time"
)

type OrphanID string

// OrphanedFile records an object-storage key whose owning DB row was
// deleted but whose blob deletion failed. The sweeper retries these.
type OrphanedFile struct {
	ID         OrphanID   `json:"id"`
	S3Key      string     `json:"s3_key"`
	RequestID  RequestID  `json:"request_id"`
	RetryCount int        `json:"retry_count"`
	LastError  *string    `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
}

// OrphanMaxRetries is how often the sweeper retries a key before leaving
// it for an operator.
const OrphanMaxRetries = 10

var ErrOrphanNotFound = errors.New("orphaned file not found")
