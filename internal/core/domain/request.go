package domain

import (
	"errors"
	"strings"
	"time"
)

type RequestID string

// RequestPhase is the coarse, monotonically advancing state of a request.
type RequestPhase string

const (
	PhaseImageGeneration   RequestPhase = "IMAGE_GENERATION"
	PhaseAwaitingSelection RequestPhase = "AWAITING_SELECTION"
	PhaseModelGeneration   RequestPhase = "MODEL_GENERATION"
	PhaseCompleted         RequestPhase = "COMPLETED"
)

// RequestStatus reflects current activity or terminal failure within a phase.
type RequestStatus string

const (
	RequestStatusImagePending    RequestStatus = "IMAGE_PENDING"
	RequestStatusImageGenerating RequestStatus = "IMAGE_GENERATING"
	RequestStatusImageCompleted  RequestStatus = "IMAGE_COMPLETED"
	RequestStatusImageFailed     RequestStatus = "IMAGE_FAILED"
	RequestStatusModelPending    RequestStatus = "MODEL_PENDING"
	RequestStatusModelGenerating RequestStatus = "MODEL_GENERATING"
	RequestStatusModelCompleted  RequestStatus = "MODEL_COMPLETED"
	RequestStatusModelFailed     RequestStatus = "MODEL_FAILED"
	RequestStatusCompleted       RequestStatus = "COMPLETED"
	RequestStatusFailed          RequestStatus = "FAILED"
	RequestStatusCancelled       RequestStatus = "CANCELLED"
)

const (
	// ImagesPerRequest is fixed: every request that passes creation owns
	// exactly four candidate images, indexed 0..3.
	ImagesPerRequest = 4

	MaxPromptLength = 500
)

// Request is the top-level workflow unit created from a user prompt.
// It exclusively owns its four Images (and their jobs) and, once an
// image is selected, one Model (and its job).
type Request struct {
	ID                 RequestID     `json:"id"`
	ExternalUserID     string        `json:"external_user_id"`
	OriginalPrompt     string        `json:"original_prompt"`
	Status             RequestStatus `json:"status"`
	Phase              RequestPhase  `json:"phase"`
	SelectedImageIndex *int          `json:"selected_image_index,omitempty"`
	CreatedAt          time.Time     `json:"created_at"`
	UpdatedAt          time.Time     `json:"updated_at"`
	CompletedAt        *time.Time    `json:"completed_at,omitempty"`
}

var (
	ErrRequestNotFound = errors.New("request not found")
	ErrEmptyPrompt     = errors.New("prompt must not be empty")
	ErrPromptTooLong   = errors.New("prompt exceeds 500 characters")
)

// ValidatePrompt enforces the creation bound: 1..500 chars after trimming.
func ValidatePrompt(prompt string) error {
	trimmed := strings.TrimSpace(prompt)
	if trimmed == "" {
		return ErrEmptyPrompt
	}
	if len(trimmed) > MaxPromptLength {
		return ErrPromptTooLong
	}
	return nil
}
