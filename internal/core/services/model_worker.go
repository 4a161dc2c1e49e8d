package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fabrica3d/fabrica/internal/core/domain"
	"github.com/fabrica3d/fabrica/internal/core/ports"
)

// ModelWorker consumes the model queue. Each job submits the selected
// image to the 3D provider, polls until the provider settles, unpacks
// and re-uploads the artifacts and completes the request. Like the
// image worker it treats missing rows as a cancelled request.
type ModelWorker struct {
	logger       *slog.Logger
	repo         ports.Repository
	blobs        ports.BlobStore
	provider     ports.MeshProvider
	bus          ports.Bus
	proxy        *ProxyRewriter
	jobTimeout   time.Duration
	pollInterval time.Duration
}

func NewModelWorker(
	logger *slog.Logger,
	repo ports.Repository,
	blobs ports.BlobStore,
	provider ports.MeshProvider,
	bus ports.Bus,
	proxy *ProxyRewriter,
	jobTimeout time.Duration,
) *ModelWorker {
	if jobTimeout <= 0 {
		jobTimeout = 30 * time.Minute
	}
	return &ModelWorker{
		logger:       logger,
		repo:         repo,
		blobs:        blobs,
		provider:     provider,
		bus:          bus,
		proxy:        proxy,
		jobTimeout:   jobTimeout,
		pollInterval: 5 * time.Second,
	}
}

// Handle executes one model job delivered by the queue.
func (w *ModelWorker) Handle(ctx context.Context, p ports.Payload) error {
	jobID := domain.JobID(p[payloadJobID])
	modelID := domain.ModelID(p[payloadModelID])
	requestID := domain.RequestID(p[payloadRequestID])
	sourceURL := p[payloadImageURL]

	job, err := w.repo.GetModelJob(ctx, jobID)
	if err != nil {
		if domain.IsNotFound(err) {
			w.logger.Info("model job row gone, treating as cancelled", "job_id", jobID)
			return nil
		}
		return domain.Retryable(err)
	}
	m, err := w.repo.GetModel(ctx, modelID)
	if err != nil {
		if domain.IsNotFound(err) {
			w.logger.Info("model row gone, treating as cancelled", "model_id", modelID)
			return nil
		}
		return domain.Retryable(err)
	}
	if m.ModelURL != nil {
		return nil
	}

	if _, err := w.repo.MarkModelJobRunning(ctx, jobID, time.Now().Add(w.jobTimeout)); err != nil {
		return domain.Retryable(err)
	}
	if err := w.repo.MarkModelGenerating(ctx, modelID); err != nil && !domain.IsNotFound(err) {
		return domain.Retryable(err)
	}
	if _, err := w.repo.AdvanceRequestStatus(ctx, requestID,
		domain.RequestStatusModelPending, domain.RequestStatusModelGenerating); err != nil {
		w.logger.Error("failed to advance request status", "request_id", requestID, "error", err)
	}

	w.publish(ctx, requestID, domain.EventModelGenerating, map[string]any{
		"modelId": string(modelID),
	})

	if err := w.generate(ctx, requestID, m, job, sourceURL); err != nil {
		return w.fail(ctx, requestID, m, job, err)
	}
	return nil
}

func (w *ModelWorker) generate(ctx context.Context, requestID domain.RequestID, m domain.Model, job domain.ModelJob, sourceURL string) error {
	providerJobID, err := w.submitOnce(ctx, job, sourceURL)
	if err != nil {
		return err
	}

	status, err := w.poll(ctx, requestID, job, providerJobID)
	if err != nil {
		return err
	}
	if status.ResultURL == "" {
		return domain.Fatal(fmt.Errorf("provider %s reported success without a result url", w.provider.Name()))
	}

	return w.finalize(ctx, requestID, m, job, providerJobID, status.ResultURL)
}

// submitOnce reuses the provider job recorded by an earlier attempt so
// a retry resumes polling instead of paying for a second generation.
func (w *ModelWorker) submitOnce(ctx context.Context, job domain.ModelJob, sourceURL string) (string, error) {
	if job.ProviderJobID != nil && *job.ProviderJobID != "" {
		return *job.ProviderJobID, nil
	}
	providerJobID, err := w.provider.Submit(ctx, sourceURL)
	if err != nil {
		return "", err
	}
	if err := w.repo.SetModelJobProvider(ctx, job.ID, w.provider.Name(), providerJobID); err != nil {
		w.logger.Error("failed to record provider job id", "job_id", job.ID, "error", err)
	}
	return providerJobID, nil
}

// poll blocks until the provider job settles or ctx expires. Progress
// is pushed to the row and the bus only when it actually advances.
func (w *ModelWorker) poll(ctx context.Context, requestID domain.RequestID, job domain.ModelJob, providerJobID string) (ports.MeshJobStatus, error) {
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	lastProgress := job.Progress
	for {
		select {
		case <-ctx.Done():
			return ports.MeshJobStatus{}, domain.Retryable(ctx.Err())
		case <-ticker.C:
		}

		status, err := w.provider.Poll(ctx, providerJobID)
		if err != nil {
			if domain.Classify(err) == domain.KindRetryable {
				// Transient poll hiccup; the job keeps running remotely.
				w.logger.Warn("model poll failed, will retry", "provider_job_id", providerJobID, "error", err)
				continue
			}
			return ports.MeshJobStatus{}, err
		}

		if status.Failed {
			msg := status.Message
			if msg == "" {
				msg = "provider reported failure"
			}
			return ports.MeshJobStatus{}, domain.Fatal(fmt.Errorf("model generation failed: %s", msg))
		}

		if status.Progress != nil && *status.Progress > lastProgress {
			lastProgress = *status.Progress
			if err := w.repo.UpdateModelJobProgress(ctx, job.ID, lastProgress); err != nil {
				w.logger.Error("failed to update progress", "job_id", job.ID, "error", err)
			}
			w.publish(ctx, requestID, domain.EventModelProgress, map[string]any{
				"modelId":  string(job.ModelID),
				"progress": lastProgress,
			})
		}

		if status.Done {
			return status, nil
		}
	}
}

// finalize downloads the provider artifact, splits it into the stored
// OBJ/MTL/texture layout and completes the model and its request.
func (w *ModelWorker) finalize(ctx context.Context, requestID domain.RequestID, m domain.Model, job domain.ModelJob, providerJobID, resultURL string) error {
	data, err := fetchBytes(ctx, resultURL)
	if err != nil {
		return err
	}

	// An OBJ-declared model must arrive as an archive; a bare payload
	// under that declaration is a provider decode error, and letting it
	// through would store a mesh with no material or texture.
	if IsZIPArchive(data) || strings.EqualFold(m.Format, "OBJ") {
		arc, err := UnpackOBJArchive(data)
		if err != nil {
			return err
		}
		modelURL, err := w.blobs.Upload(ctx, modelKey(m.ID, "obj"), arc.OBJ)
		if err != nil {
			return domain.Retryable(fmt.Errorf("failed to upload model: %w", err))
		}
		mtlURL, err := w.blobs.Upload(ctx, materialKey(m.ID), arc.MTL)
		if err != nil {
			return domain.Retryable(fmt.Errorf("failed to upload material: %w", err))
		}
		textureURL, err := w.blobs.Upload(ctx, textureKey(m.ID, arc.TextureExt), arc.Texture)
		if err != nil {
			return domain.Retryable(fmt.Errorf("failed to upload texture: %w", err))
		}
		size := int64(len(arc.OBJ))
		m.ModelURL = &modelURL
		m.MTLURL = &mtlURL
		m.TextureURL = &textureURL
		m.FileSize = &size
		m.Format = "OBJ"
	} else {
		ext := extensionFromURL(resultURL, strings.ToLower(m.Format))
		modelURL, err := w.blobs.Upload(ctx, modelKey(m.ID, ext), data)
		if err != nil {
			return domain.Retryable(fmt.Errorf("failed to upload model: %w", err))
		}
		size := int64(len(data))
		m.ModelURL = &modelURL
		m.FileSize = &size
		m.Format = strings.ToUpper(ext)
	}

	w.attachPreview(ctx, &m, providerJobID)

	completedAt := time.Now().UTC()
	if err := w.repo.CompleteModel(ctx, m, job.ID, completedAt); err != nil {
		if domain.IsNotFound(err) {
			w.logger.Info("model deleted mid-flight, dropping result", "model_id", m.ID)
			return nil
		}
		return domain.Retryable(err)
	}

	rewritten := w.proxy.RewriteModel(m)
	w.publish(ctx, requestID, domain.EventModelCompleted, map[string]any{
		"modelId":         string(m.ID),
		"modelUrl":        deref(rewritten.ModelURL),
		"mtlUrl":          deref(rewritten.MTLURL),
		"textureUrl":      deref(rewritten.TextureURL),
		"previewImageUrl": deref(rewritten.PreviewImageURL),
		"format":          m.Format,
		"completedAt":     completedAt.Format(time.RFC3339),
	})
	w.publish(ctx, requestID, domain.EventTaskUpdated, map[string]any{
		"requestId": string(requestID),
		"status":    string(domain.RequestStatusCompleted),
		"phase":     string(domain.PhaseCompleted),
	})
	return nil
}

// attachPreview is best-effort: a model without a preview render is
// still a completed model.
func (w *ModelWorker) attachPreview(ctx context.Context, m *domain.Model, providerJobID string) {
	previewURL, err := w.provider.PreviewURL(ctx, providerJobID)
	if err != nil || previewURL == "" {
		if err != nil {
			w.logger.Warn("failed to resolve preview url", "model_id", m.ID, "error", err)
		}
		return
	}
	data, err := fetchBytes(ctx, previewURL)
	if err != nil {
		w.logger.Warn("failed to download preview", "model_id", m.ID, "error", err)
		return
	}
	stored, err := w.blobs.Upload(ctx, previewKey(m.ID), data)
	if err != nil {
		w.logger.Warn("failed to upload preview", "model_id", m.ID, "error", err)
		return
	}
	m.PreviewImageURL = &stored
}

func (w *ModelWorker) fail(ctx context.Context, requestID domain.RequestID, m domain.Model, job domain.ModelJob, cause error) error {
	if domain.Classify(cause) == domain.KindRetryable && job.RetryCount < job.MaxRetries {
		nextRetry := time.Now().Add(domain.Backoff(job.RetryCount + 1))
		if err := w.repo.MarkModelJobRetrying(ctx, job.ID, nextRetry, cause.Error()); err != nil {
			w.logger.Error("failed to record retry", "job_id", job.ID, "error", err)
		}
		return domain.Retryable(cause)
	}

	w.logger.Error("model job failed permanently", "model_id", m.ID, "error", cause)
	if err := w.repo.FailModel(ctx, m.ID, job.ID, requestID, cause.Error()); err != nil && !domain.IsNotFound(err) {
		w.logger.Error("failed to mark model failed", "model_id", m.ID, "error", err)
	}

	w.publish(ctx, requestID, domain.EventModelFailed, map[string]any{
		"modelId":      string(m.ID),
		"errorMessage": cause.Error(),
	})
	w.publish(ctx, requestID, domain.EventTaskUpdated, map[string]any{
		"requestId": string(requestID),
		"status":    string(domain.RequestStatusModelFailed),
		"phase":     string(domain.PhaseModelGeneration),
	})
	return domain.Fatal(cause)
}

func (w *ModelWorker) publish(ctx context.Context, requestID domain.RequestID, t domain.EventType, data map[string]any) {
	err := w.bus.Publish(ctx, domain.Event{TaskID: string(requestID), Type: t, Data: data})
	if err != nil {
		w.logger.Warn("failed to publish event", "event_type", t, "request_id", requestID, "error", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
