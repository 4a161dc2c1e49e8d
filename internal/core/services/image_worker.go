package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/fabrica3d/fabrica/internal/core/domain"
	"github.com/fabrica3d/fabrica/internal/core/ports"
)

// Payload keys shared by the orchestrator (producer) and workers
// (consumers). Payloads carry ids only, never entities.
const (
	payloadJobID     = "job_id"
	payloadImageID   = "image_id"
	payloadModelID   = "model_id"
	payloadRequestID = "request_id"
	payloadUserID    = "user_id"
	payloadPrompt    = "prompt"
	payloadImageURL  = "image_url"
)

// ImageWorker consumes the image queue: one external image call per job,
// upload, state transition, events. Handlers are idempotent on image id;
// a missing row means the request was deleted and the job is a no-op.
type ImageWorker struct {
	logger       *slog.Logger
	repo         ports.Repository
	blobs        ports.BlobStore
	provider     ports.ImageProvider
	bus          ports.Bus
	proxy        *ProxyRewriter
	jobTimeout   time.Duration
	providerName string
}

func NewImageWorker(
	logger *slog.Logger,
	repo ports.Repository,
	blobs ports.BlobStore,
	provider ports.ImageProvider,
	bus ports.Bus,
	proxy *ProxyRewriter,
	jobTimeout time.Duration,
) *ImageWorker {
	if jobTimeout <= 0 {
		jobTimeout = 10 * time.Minute
	}
	return &ImageWorker{
		logger:       logger,
		repo:         repo,
		blobs:        blobs,
		provider:     provider,
		bus:          bus,
		proxy:        proxy,
		jobTimeout:   jobTimeout,
		providerName: "openai",
	}
}

// Handle executes one image job delivered by the queue.
func (w *ImageWorker) Handle(ctx context.Context, p ports.Payload) error {
	jobID := domain.JobID(p[payloadJobID])
	imageID := domain.ImageID(p[payloadImageID])
	requestID := domain.RequestID(p[payloadRequestID])
	prompt := p[payloadPrompt]

	job, err := w.repo.GetImageJob(ctx, jobID)
	if err != nil {
		if domain.IsNotFound(err) {
			w.logger.Info("image job row gone, treating as cancelled", "job_id", jobID)
			return nil
		}
		return domain.Retryable(err)
	}
	img, err := w.repo.GetImage(ctx, imageID)
	if err != nil {
		if domain.IsNotFound(err) {
			w.logger.Info("image row gone, treating as cancelled", "image_id", imageID)
			return nil
		}
		return domain.Retryable(err)
	}
	if img.Status == domain.ImageStatusCompleted {
		// Re-delivered after completion; nothing to do.
		return nil
	}

	if _, err := w.repo.MarkImageJobRunning(ctx, jobID, time.Now().Add(w.jobTimeout)); err != nil {
		return domain.Retryable(err)
	}
	if _, err := w.repo.MarkImageGenerating(ctx, imageID); err != nil {
		return domain.Retryable(err)
	}
	// Only the first runner for the request wins this transition.
	if _, err := w.repo.AdvanceRequestStatus(ctx, requestID,
		domain.RequestStatusImagePending, domain.RequestStatusImageGenerating); err != nil {
		w.logger.Error("failed to advance request status", "request_id", requestID, "error", err)
	}

	w.publish(ctx, requestID, domain.EventImageGenerating, map[string]any{
		"imageId": string(imageID),
		"index":   img.Index,
		"prompt":  prompt,
	})

	if err := w.generate(ctx, requestID, img, job, prompt); err != nil {
		return w.fail(ctx, requestID, img, job, err)
	}
	return nil
}

// generate drives the external call, upload and completion transition.
func (w *ImageWorker) generate(ctx context.Context, requestID domain.RequestID, img domain.Image, job domain.ImageJob, prompt string) error {
	rawURL, err := w.provider.Generate(ctx, prompt)
	if err != nil {
		return err
	}

	data, err := fetchBytes(ctx, rawURL)
	if err != nil {
		return err
	}

	ext := extensionFromURL(rawURL, "png")
	key := imageKey(img.ID, img.Index, ext)
	storedURL, err := w.blobs.Upload(ctx, key, data)
	if err != nil {
		return domain.Retryable(fmt.Errorf("failed to upload image: %w", err))
	}

	completedAt := time.Now().UTC()
	if err := w.repo.CompleteImage(ctx, img.ID, job.ID, storedURL, completedAt); err != nil {
		if domain.IsNotFound(err) {
			w.logger.Info("image deleted mid-flight, dropping result", "image_id", img.ID)
			return nil
		}
		return domain.Retryable(err)
	}

	w.publish(ctx, requestID, domain.EventImageCompleted, map[string]any{
		"imageId":     string(img.ID),
		"index":       img.Index,
		"imageUrl":    w.proxy.ImageURL(storedURL),
		"completedAt": completedAt.Format(time.RFC3339),
	})

	w.settleRequest(ctx, requestID)
	return nil
}

// fail applies the retry/dead-letter policy and mirrors it in the rows.
func (w *ImageWorker) fail(ctx context.Context, requestID domain.RequestID, img domain.Image, job domain.ImageJob, cause error) error {
	if domain.Classify(cause) == domain.KindRetryable && job.RetryCount < job.MaxRetries {
		nextRetry := time.Now().Add(domain.Backoff(job.RetryCount + 1))
		if err := w.repo.MarkImageJobRetrying(ctx, job.ID, nextRetry, cause.Error()); err != nil {
			w.logger.Error("failed to record retry", "job_id", job.ID, "error", err)
		}
		return domain.Retryable(cause)
	}

	w.logger.Error("image job failed permanently", "image_id", img.ID, "error", cause)
	if err := w.repo.FailImage(ctx, img.ID, job.ID, cause.Error()); err != nil && !domain.IsNotFound(err) {
		w.logger.Error("failed to mark image failed", "image_id", img.ID, "error", err)
	}

	w.publish(ctx, requestID, domain.EventImageFailed, map[string]any{
		"imageId":      string(img.ID),
		"index":        img.Index,
		"errorMessage": cause.Error(),
	})

	w.settleRequest(ctx, requestID)
	return domain.Fatal(cause)
}

// settleRequest re-reads the four images and, when they are all
// terminal, advances the request exactly once via conditional updates.
func (w *ImageWorker) settleRequest(ctx context.Context, requestID domain.RequestID) {
	images, err := w.repo.ListRequestImages(ctx, requestID)
	if err != nil {
		w.logger.Error("failed to list request images", "request_id", requestID, "error", err)
		return
	}
	if len(images) != domain.ImagesPerRequest {
		return
	}

	completed, failed := 0, 0
	for _, img := range images {
		switch img.Status {
		case domain.ImageStatusCompleted:
			completed++
		case domain.ImageStatusFailed:
			failed++
		}
	}
	if completed+failed != domain.ImagesPerRequest {
		return
	}

	var won bool
	if failed == 0 {
		won, err = w.repo.CompleteImagePhase(ctx, requestID)
	} else {
		won, err = w.repo.FailImagePhase(ctx, requestID)
	}
	if err != nil {
		w.logger.Error("failed to settle request", "request_id", requestID, "error", err)
		return
	}
	if !won {
		return
	}

	req, err := w.repo.GetRequest(ctx, requestID)
	if err != nil {
		return
	}
	w.publish(ctx, requestID, domain.EventTaskUpdated, map[string]any{
		"requestId": string(requestID),
		"status":    string(req.Status),
		"phase":     string(req.Phase),
	})
}

func (w *ImageWorker) publish(ctx context.Context, requestID domain.RequestID, t domain.EventType, data map[string]any) {
	err := w.bus.Publish(ctx, domain.Event{TaskID: string(requestID), Type: t, Data: data})
	if err != nil {
		// Best-effort: the datastore stays authoritative.
		w.logger.Warn("failed to publish event", "event_type", t, "request_id", requestID, "error", err)
	}
}

// fetchBytes downloads a provider result with a bounded timeout.
func fetchBytes(ctx context.Context, url string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, domain.Fatal(fmt.Errorf("failed to create download request: %w", err))
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("failed to download %s: %w", url, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := fmt.Errorf("download of %s returned status %d", url, resp.StatusCode)
		if resp.StatusCode >= 500 {
			return nil, domain.Retryable(err)
		}
		return nil, domain.Fatal(err)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, domain.Retryable(fmt.Errorf("failed to read download body: %w", err))
	}
	return data, nil
}

func extensionFromURL(rawURL, fallback string) string {
	trimmed := rawURL
	if i := strings.IndexAny(trimmed, "?#"); i >= 0 {
		trimmed = trimmed[:i]
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(trimmed)), ".")
	switch ext {
	case "png", "jpg", "jpeg", "webp", "glb", "zip", "obj":
		return ext
	default:
		return fallback
	}
}
