package ports

import (
	"context"
	"time"

	"github.com/fabrica3d/fabrica/internal/core/domain"
)

// Repository abstracts the persistent storage (DuckDB). Every method that
// mutates more than one entity runs inside a single transaction. Missing
// rows surface as the domain Err*NotFound sentinels, never as generic
// errors.
type Repository interface {
	// Requests.
	//
	// CreateRequestTree inserts the request, its four PENDING images and
	// their four PENDING jobs atomically.
	CreateRequestTree(ctx context.Context, req domain.Request, images []domain.Image, jobs []domain.ImageJob) error
	GetRequest(ctx context.Context, id domain.RequestID) (domain.Request, error)
	ListUserRequests(ctx context.Context, externalUserID string, limit int) ([]domain.Request, error)
	// AdvanceRequestStatus is a conditional update (WHERE status = from);
	// it reports whether this caller won the transition.
	AdvanceRequestStatus(ctx context.Context, id domain.RequestID, from, to domain.RequestStatus) (bool, error)
	// CompleteImagePhase moves the request into AWAITING_SELECTION once all
	// four images completed. Conditional on phase IMAGE_GENERATION.
	CompleteImagePhase(ctx context.Context, id domain.RequestID) (bool, error)
	// FailImagePhase sets status IMAGE_FAILED; phase stays IMAGE_GENERATION.
	FailImagePhase(ctx context.Context, id domain.RequestID) (bool, error)
	// SelectImageForModel atomically records the selection on the request
	// and inserts the model and its job.
	SelectImageForModel(ctx context.Context, id domain.RequestID, index int, model domain.Model, job domain.ModelJob) error
	// DeleteRequestCascade removes the request together with its images,
	// jobs and model in one transaction.
	DeleteRequestCascade(ctx context.Context, id domain.RequestID) error

	// Images.
	GetImage(ctx context.Context, id domain.ImageID) (domain.Image, error)
	ListRequestImages(ctx context.Context, requestID domain.RequestID) ([]domain.Image, error)
	SetImagePrompt(ctx context.Context, id domain.ImageID, prompt string) error
	MarkImageGenerating(ctx context.Context, id domain.ImageID) (bool, error)
	// CompleteImage sets URL + COMPLETED on the image and COMPLETED on its
	// job in one transaction.
	CompleteImage(ctx context.Context, id domain.ImageID, jobID domain.JobID, imageURL string, completedAt time.Time) error
	// FailImage sets FAILED + error message on the image and its job.
	FailImage(ctx context.Context, id domain.ImageID, jobID domain.JobID, errMsg string) error

	// Image jobs.
	GetImageJob(ctx context.Context, id domain.JobID) (domain.ImageJob, error)
	MarkImageJobRunning(ctx context.Context, id domain.JobID, timeoutAt time.Time) (bool, error)
	MarkImageJobRetrying(ctx context.Context, id domain.JobID, nextRetryAt time.Time, errMsg string) error

	// Models.
	GetModel(ctx context.Context, id domain.ModelID) (domain.Model, error)
	GetModelByRequest(ctx context.Context, requestID domain.RequestID) (domain.Model, error)
	MarkModelGenerating(ctx context.Context, id domain.ModelID) error
	// CompleteModel sets the artifact URLs on the model, COMPLETED/100 on
	// its job and MODEL_COMPLETED/COMPLETED on the request, all in one
	// transaction.
	CompleteModel(ctx context.Context, m domain.Model, jobID domain.JobID, completedAt time.Time) error
	// FailModel sets FAILED on job and model and MODEL_FAILED on the request.
	FailModel(ctx context.Context, id domain.ModelID, jobID domain.JobID, requestID domain.RequestID, errMsg string) error
	SetModelPrintTask(ctx context.Context, id domain.ModelID, sliceTaskID string, status domain.PrintStatus) error

	// Model jobs.
	GetModelJob(ctx context.Context, id domain.JobID) (domain.ModelJob, error)
	MarkModelJobRunning(ctx context.Context, id domain.JobID, timeoutAt time.Time) (bool, error)
	MarkModelJobRetrying(ctx context.Context, id domain.JobID, nextRetryAt time.Time, errMsg string) error
	SetModelJobProvider(ctx context.Context, id domain.JobID, providerName, providerJobID string) error
	// UpdateModelJobProgress only ever raises progress (WHERE progress <= ?).
	UpdateModelJobProgress(ctx context.Context, id domain.JobID, progress int) error

	// Orphaned files.
	CreateOrphanedFile(ctx context.Context, o domain.OrphanedFile) error
	ListDueOrphans(ctx context.Context, limit, maxRetries int) ([]domain.OrphanedFile, error)
	MarkOrphanDeleted(ctx context.Context, id domain.OrphanID, deletedAt time.Time) error
	MarkOrphanFailed(ctx context.Context, id domain.OrphanID, lastError string) error
}

// BlobStore is the keyed binary store for generated artifacts. The store
// owns content-type selection based on the key's extension.
type BlobStore interface {
	// Upload writes data under key and returns the stable canonical URL.
	Upload(ctx context.Context, key string, data []byte) (string, error)
	Download(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Presign(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Verdict is what a queue handler reports back for a delivered payload.
type Verdict int

const (
	VerdictSuccess Verdict = iota
	VerdictRetry
	VerdictFatal
)

// Payload is the small ids-only map carried by queue jobs; never entities.
type Payload map[string]string

// Handler executes one job. The returned error is classified by
// domain.Classify to derive the verdict.
type Handler func(ctx context.Context, p Payload) error

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	Priority int
	Attempts int // default 3
}

// DeadLetter is a job whose attempts were exhausted, retained for operators.
type DeadLetter struct {
	JobKey    string    `json:"job_key"`
	Payload   Payload   `json:"payload"`
	LastError string    `json:"last_error"`
	Attempts  int       `json:"attempts"`
	DeadAt    time.Time `json:"dead_at"`
}

// Queue is one durable FIFO-with-priority queue (image or model).
// Delivery is at-least-once; handlers must be idempotent on entity id.
type Queue interface {
	Enqueue(ctx context.Context, jobKey string, payload Payload, opts EnqueueOptions) error
	// Consume blocks running the handler with the queue's bounded
	// concurrency until ctx is cancelled.
	Consume(ctx context.Context, handler Handler) error
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
}

// Bus is the cross-process best-effort broadcast channel for progress events.
type Bus interface {
	Publish(ctx context.Context, e domain.Event) error
	// Subscribe blocks delivering every bus event to fn until ctx is
	// cancelled. fn must not block.
	Subscribe(ctx context.Context, fn func(domain.Event)) error
}

// ImageProvider generates one image per call and returns a URL to fetch it.
type ImageProvider interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// MeshJobStatus is the state reported by the 3D provider for a submitted job.
type MeshJobStatus struct {
	Done      bool
	Failed    bool
	Progress  *int
	ResultURL string
	Message   string
}

// MeshProvider converts a source image into a 3D model asynchronously.
type MeshProvider interface {
	Name() string
	Submit(ctx context.Context, imageURL string) (string, error)
	Poll(ctx context.Context, providerJobID string) (MeshJobStatus, error)
	// PreviewURL returns where the provider serves the render preview for
	// a finished job, or "" when none exists.
	PreviewURL(ctx context.Context, providerJobID string) (string, error)
}

// PromptProvider is the LLM used for prompt refinement.
type PromptProvider interface {
	Chat(ctx context.Context, system, user string) (string, error)
	// Variants returns exactly four style-variant prompts for one input.
	Variants(ctx context.Context, prompt string) ([]string, error)
}

// SliceTaskStatus is the slicer's view of a submitted task.
type SliceTaskStatus struct {
	Status   domain.PrintStatus
	Progress *int
	GCodeURL string
}

// Slicer submits finished models downstream for slicing and printing.
type Slicer interface {
	CreateSliceTask(ctx context.Context, objectURL, fileName string) (string, error)
	GetSliceTaskStatus(ctx context.Context, taskID string) (SliceTaskStatus, error)
}
