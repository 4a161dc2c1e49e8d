package domain

import (
	"errors"
	"time"
)

type ImageID string

type ImageStatus string

const (
	ImageStatusPending    ImageStatus = "PENDING"
	ImageStatusGenerating ImageStatus = "GENERATING"
	ImageStatusCompleted  ImageStatus = "COMPLETED"
	ImageStatusFailed     ImageStatus = "FAILED"
)

// Image is one of the four candidate artifacts of a request.
// (request_id, index) is unique; ImageURL is non-nil iff status is COMPLETED.
type Image struct {
	ID           ImageID     `json:"id"`
	RequestID    RequestID   `json:"request_id"`
	Index        int         `json:"index"`
	ImageURL     *string     `json:"image_url,omitempty"`
	ImagePrompt  *string     `json:"image_prompt,omitempty"`
	Status       ImageStatus `json:"image_status"`
	ErrorMessage *string     `json:"error_message,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
}

// Terminal reports whether the image can no longer change state.
func (i Image) Terminal() bool {
	return i.Status == ImageStatusCompleted || i.Status == ImageStatusFailed
}

var ErrImageNotFound = errors.New("image not found")
