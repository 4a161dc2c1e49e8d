package domain

import (
	"errors"
	"time"
)

type ModelID string

type ModelSource string

const (
	ModelSourceAIGenerated  ModelSource = "AI_GENERATED"
	ModelSourceUserUploaded ModelSource = "USER_UPLOADED"
)

type Visibility string

const (
	VisibilityPrivate Visibility = "PRIVATE"
	VisibilityPublic  Visibility = "PUBLIC"
)

type PrintStatus string

const (
	PrintStatusNotStarted    PrintStatus = "NOT_STARTED"
	PrintStatusSlicing       PrintStatus = "SLICING"
	PrintStatusSliceComplete PrintStatus = "SLICE_COMPLETE"
	PrintStatusPrinting      PrintStatus = "PRINTING"
	PrintStatusPrintComplete PrintStatus = "PRINT_COMPLETE"
	PrintStatusFailed        PrintStatus = "FAILED"
)

// PrintProgress maps a print status to a derived percentage for clients.
func PrintProgress(s PrintStatus) int {
	switch s {
	case PrintStatusSlicing:
		return 30
	case PrintStatusSliceComplete:
		return 50
	case PrintStatusPrinting:
		return 75
	case PrintStatusPrintComplete:
		return 100
	default:
		return 0
	}
}

// Model is the 3D artifact produced from a chosen image. At most one
// Model exists per request; for AI_GENERATED models both RequestID and
// SourceImageID are set.
type Model struct {
	ID              ModelID     `json:"id"`
	ExternalUserID  string      `json:"external_user_id"`
	Source          ModelSource `json:"source"`
	RequestID       *RequestID  `json:"request_id,omitempty"`
	SourceImageID   *ImageID    `json:"source_image_id,omitempty"`
	Name            string      `json:"name"`
	ModelURL        *string     `json:"model_url,omitempty"`
	MTLURL          *string     `json:"mtl_url,omitempty"`
	TextureURL      *string     `json:"texture_url,omitempty"`
	PreviewImageURL *string     `json:"preview_image_url,omitempty"`
	Format          string      `json:"format"`
	FileSize        *int64      `json:"file_size,omitempty"`
	Visibility      Visibility  `json:"visibility"`
	PublishedAt     *time.Time  `json:"published_at,omitempty"`
	ViewCount       int         `json:"view_count"`
	LikeCount       int         `json:"like_count"`
	FavoriteCount   int         `json:"favorite_count"`
	DownloadCount   int         `json:"download_count"`
	SliceTaskID     *string     `json:"slice_task_id,omitempty"`
	PrintStatus     PrintStatus `json:"print_status"`
	ErrorMessage    *string     `json:"error_message,omitempty"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
	CompletedAt     *time.Time  `json:"completed_at,omitempty"`
	FailedAt        *time.Time  `json:"failed_at,omitempty"`
}

const DefaultModelFormat = "OBJ"

var ErrModelNotFound = errors.New("model not found")
