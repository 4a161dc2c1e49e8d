package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fabrica3d/fabrica/internal/core/domain"
	"github.com/fabrica3d/fabrica/internal/core/ports"
)

// Queue names; the request id doubles as the job key prefix so one
// request's jobs are traceable in the queue introspection output.
const (
	imageJobKeyPrefix = "image"
	modelJobKeyPrefix = "model"
)

// RequestSnapshot is the full read model of one request: the request
// row, its four images and the model once one exists. All URLs are
// already rewritten for client use.
type RequestSnapshot struct {
	Request domain.Request `json:"request"`
	Images  []domain.Image `json:"images"`
	Model   *domain.Model  `json:"model,omitempty"`
}

// DeleteSummary reports what a cascade delete removed and what it could
// not remove from storage (those keys go to the orphan table).
type DeleteSummary struct {
	ImagesDeleted   int `json:"images_deleted"`
	ModelDeleted    int `json:"model_deleted"`
	StorageFailures int `json:"storage_failures"`
}

// PrintStatusView is the client view of a model's print pipeline state.
type PrintStatusView struct {
	ModelID     domain.ModelID     `json:"model_id"`
	SliceTaskID *string            `json:"slice_task_id,omitempty"`
	PrintStatus domain.PrintStatus `json:"print_status"`
	Progress    int                `json:"progress"`
	GCodeURL    string             `json:"gcode_url,omitempty"`
}

// RequestService is the orchestrator: it owns every user-facing
// operation on requests and is the only producer for both job queues.
type RequestService struct {
	logger         *slog.Logger
	repo           ports.Repository
	blobs          ports.BlobStore
	imageQueue     ports.Queue
	modelQueue     ports.Queue
	prompts        ports.PromptProvider
	slicer         ports.Slicer
	proxy          *ProxyRewriter
	variantTimeout time.Duration

	// dispatchWG tracks the in-flight prompt-variant side-tasks so
	// shutdown (and tests) can wait for them.
	dispatchWG sync.WaitGroup
}

func NewRequestService(
	logger *slog.Logger,
	repo ports.Repository,
	blobs ports.BlobStore,
	imageQueue ports.Queue,
	modelQueue ports.Queue,
	prompts ports.PromptProvider,
	slicer ports.Slicer,
	proxy *ProxyRewriter,
	variantTimeout time.Duration,
) *RequestService {
	if variantTimeout <= 0 {
		variantTimeout = 15 * time.Second
	}
	return &RequestService{
		logger:         logger,
		repo:           repo,
		blobs:          blobs,
		imageQueue:     imageQueue,
		modelQueue:     modelQueue,
		prompts:        prompts,
		slicer:         slicer,
		proxy:          proxy,
		variantTimeout: variantTimeout,
	}
}

// CreateRequest validates the prompt and persists the request with its
// four pending images and jobs in one transaction. Prompt refinement and
// the enqueues happen on a detached side-task; the call returns as soon
// as the tree is committed.
func (s *RequestService) CreateRequest(ctx context.Context, externalUserID, prompt string) (domain.Request, error) {
	if err := domain.ValidatePrompt(prompt); err != nil {
		return domain.Request{}, err
	}
	prompt = strings.TrimSpace(prompt)

	now := time.Now().UTC()
	req := domain.Request{
		ID:             domain.RequestID(uuid.NewString()),
		ExternalUserID: externalUserID,
		OriginalPrompt: prompt,
		Status:         domain.RequestStatusImagePending,
		Phase:          domain.PhaseImageGeneration,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	images := make([]domain.Image, domain.ImagesPerRequest)
	jobs := make([]domain.ImageJob, domain.ImagesPerRequest)
	for i := range images {
		images[i] = domain.Image{
			ID:        domain.ImageID(uuid.NewString()),
			RequestID: req.ID,
			Index:     i,
			Status:    domain.ImageStatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		jobs[i] = domain.ImageJob{
			ID:         domain.JobID(uuid.NewString()),
			ImageID:    images[i].ID,
			Status:     domain.JobStatusPending,
			MaxRetries: domain.DefaultMaxRetries,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}

	if err := s.repo.CreateRequestTree(ctx, req, images, jobs); err != nil {
		return domain.Request{}, fmt.Errorf("failed to create request: %w", err)
	}

	// Prompt refinement can take seconds; it runs as a side-task on a
	// detached context so creation returns as soon as the tree commits
	// and an aborted HTTP request cannot strand the jobs unenqueued.
	s.dispatchWG.Add(1)
	go func(ctx context.Context) {
		defer s.dispatchWG.Done()
		s.dispatchImageJobs(ctx, req, images, jobs)
	}(context.WithoutCancel(ctx))

	return req, nil
}

// Wait blocks until every in-flight dispatch side-task has finished.
func (s *RequestService) Wait() {
	s.dispatchWG.Wait()
}

// dispatchImageJobs resolves the four per-image prompts and enqueues one
// job per image. The request is already committed, so prompt refinement
// failures degrade to the original prompt instead of failing creation.
func (s *RequestService) dispatchImageJobs(ctx context.Context, req domain.Request, images []domain.Image, jobs []domain.ImageJob) {
	prompts := s.resolveVariants(ctx, req.OriginalPrompt)

	for i, img := range images {
		if err := s.repo.SetImagePrompt(ctx, img.ID, prompts[i]); err != nil {
			s.logger.Error("failed to store image prompt", "image_id", img.ID, "error", err)
		}
		payload := ports.Payload{
			payloadJobID:     string(jobs[i].ID),
			payloadImageID:   string(img.ID),
			payloadRequestID: string(req.ID),
			payloadUserID:    req.ExternalUserID,
			payloadPrompt:    prompts[i],
		}
		jobKey := fmt.Sprintf("%s:%s:%d", imageJobKeyPrefix, req.ID, i)
		err := s.imageQueue.Enqueue(ctx, jobKey, payload, ports.EnqueueOptions{Attempts: domain.DefaultMaxRetries + 1})
		if err != nil {
			s.logger.Error("failed to enqueue image job", "job_id", jobs[i].ID, "error", err)
		}
	}
}

// resolveVariants asks the prompt provider for four style variants. Any
// failure or timeout falls back to the original prompt for all four.
func (s *RequestService) resolveVariants(ctx context.Context, prompt string) [domain.ImagesPerRequest]string {
	var out [domain.ImagesPerRequest]string
	for i := range out {
		out[i] = prompt
	}

	vctx, cancel := context.WithTimeout(ctx, s.variantTimeout)
	defer cancel()

	variants, err := s.prompts.Variants(vctx, prompt)
	if err != nil {
		s.logger.Warn("prompt variants unavailable, using original prompt", "error", err)
		return out
	}
	if len(variants) < domain.ImagesPerRequest {
		s.logger.Warn("prompt provider returned too few variants, using original prompt", "count", len(variants))
		return out
	}
	for i := range out {
		out[i] = variants[i]
	}
	return out
}

// GetRequest returns the full snapshot, enforcing ownership.
func (s *RequestService) GetRequest(ctx context.Context, externalUserID string, id domain.RequestID) (RequestSnapshot, error) {
	snap, err := s.Snapshot(ctx, id)
	if err != nil {
		return RequestSnapshot{}, err
	}
	if snap.Request.ExternalUserID != externalUserID {
		return RequestSnapshot{}, domain.ErrForbidden
	}
	return snap, nil
}

// Snapshot builds the read model without an ownership check; the event
// stream attach path uses it after the transport authenticated the
// subscriber.
func (s *RequestService) Snapshot(ctx context.Context, id domain.RequestID) (RequestSnapshot, error) {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return RequestSnapshot{}, err
	}
	images, err := s.repo.ListRequestImages(ctx, id)
	if err != nil {
		return RequestSnapshot{}, err
	}
	for i := range images {
		images[i] = s.proxy.RewriteImage(images[i])
	}

	snap := RequestSnapshot{Request: req, Images: images}
	m, err := s.repo.GetModelByRequest(ctx, id)
	switch {
	case err == nil:
		rewritten := s.proxy.RewriteModel(m)
		snap.Model = &rewritten
	case domain.IsNotFound(err):
		// No model yet; fine.
	default:
		return RequestSnapshot{}, err
	}
	return snap, nil
}

// ListRequests returns the caller's requests, newest first.
func (s *RequestService) ListRequests(ctx context.Context, externalUserID string, limit int) ([]domain.Request, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	return s.repo.ListUserRequests(ctx, externalUserID, limit)
}

// SelectImageAndGenerateModel records the user's choice of candidate
// image and enqueues the model job. The selection transaction is
// conditional on phase AWAITING_SELECTION, so concurrent selections
// for one request resolve to exactly one model.
func (s *RequestService) SelectImageAndGenerateModel(ctx context.Context, externalUserID string, id domain.RequestID, index int) (domain.Model, error) {
	if index < 0 || index >= domain.ImagesPerRequest {
		return domain.Model{}, domain.Ef(domain.KindValidation, "image index %d out of range [0,%d)", index, domain.ImagesPerRequest)
	}

	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return domain.Model{}, err
	}
	if req.ExternalUserID != externalUserID {
		return domain.Model{}, domain.ErrForbidden
	}
	if req.Phase != domain.PhaseAwaitingSelection {
		return domain.Model{}, fmt.Errorf("request %s is in phase %s: %w", id, req.Phase, domain.ErrInvalidState)
	}

	images, err := s.repo.ListRequestImages(ctx, id)
	if err != nil {
		return domain.Model{}, err
	}
	var selected *domain.Image
	for i := range images {
		if images[i].Index == index {
			selected = &images[i]
			break
		}
	}
	if selected == nil || selected.Status != domain.ImageStatusCompleted || selected.ImageURL == nil {
		return domain.Model{}, domain.Ef(domain.KindInvalidState, "image at index %d is not a completed candidate", index)
	}

	if _, err := s.repo.GetModelByRequest(ctx, id); err == nil {
		return domain.Model{}, fmt.Errorf("request %s already has a model: %w", id, domain.ErrInvalidState)
	} else if !domain.IsNotFound(err) {
		return domain.Model{}, err
	}

	now := time.Now().UTC()
	m := domain.Model{
		ID:             domain.ModelID(uuid.NewString()),
		ExternalUserID: externalUserID,
		Source:         domain.ModelSourceAIGenerated,
		RequestID:      &id,
		SourceImageID:  &selected.ID,
		Name:           truncateName(req.OriginalPrompt, 80),
		Format:         domain.DefaultModelFormat,
		Visibility:     domain.VisibilityPublic,
		PublishedAt:    &now,
		PrintStatus:    domain.PrintStatusNotStarted,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	job := domain.ModelJob{
		ID:         domain.JobID(uuid.NewString()),
		ModelID:    m.ID,
		Status:     domain.JobStatusPending,
		MaxRetries: domain.DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.repo.SelectImageForModel(ctx, id, index, m, job); err != nil {
		return domain.Model{}, err
	}

	payload := ports.Payload{
		payloadJobID:     string(job.ID),
		payloadModelID:   string(m.ID),
		payloadRequestID: string(id),
		payloadUserID:    externalUserID,
		payloadImageURL:  *selected.ImageURL,
	}
	jobKey := fmt.Sprintf("%s:%s", modelJobKeyPrefix, id)
	err = s.modelQueue.Enqueue(ctx, jobKey, payload, ports.EnqueueOptions{Attempts: domain.DefaultMaxRetries + 1})
	if err != nil {
		s.logger.Error("failed to enqueue model job", "job_id", job.ID, "error", err)
	}
	return m, nil
}

// DeleteRequest removes the request tree from the database and its
// artifacts from storage. Storage deletions are attempted first;
// failures are recorded as orphans so the sweeper can finish the job,
// and never block the row delete.
func (s *RequestService) DeleteRequest(ctx context.Context, externalUserID string, id domain.RequestID) (DeleteSummary, error) {
	req, err := s.repo.GetRequest(ctx, id)
	if err != nil {
		return DeleteSummary{}, err
	}
	if req.ExternalUserID != externalUserID {
		return DeleteSummary{}, domain.ErrForbidden
	}

	images, err := s.repo.ListRequestImages(ctx, id)
	if err != nil {
		return DeleteSummary{}, err
	}

	var summary DeleteSummary
	for _, img := range images {
		if img.ImageURL == nil {
			continue
		}
		key := imageKey(img.ID, img.Index, extensionFromURL(*img.ImageURL, "png"))
		if s.deleteBlob(ctx, id, key) {
			summary.ImagesDeleted++
		} else {
			summary.StorageFailures++
		}
	}

	m, err := s.repo.GetModelByRequest(ctx, id)
	switch {
	case err == nil:
		if m.ModelURL != nil {
			deleted := true
			for _, key := range modelKeys(m.ID, m.Format) {
				if !s.deleteBlob(ctx, id, key) {
					deleted = false
					summary.StorageFailures++
				}
			}
			if deleted {
				summary.ModelDeleted = 1
			}
		}
	case domain.IsNotFound(err):
	default:
		return DeleteSummary{}, err
	}

	if err := s.repo.DeleteRequestCascade(ctx, id); err != nil {
		return DeleteSummary{}, err
	}
	return summary, nil
}

// deleteBlob deletes one key, parking it in the orphan table on failure.
// It reports whether the key is gone.
func (s *RequestService) deleteBlob(ctx context.Context, requestID domain.RequestID, key string) bool {
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Warn("storage delete failed, recording orphan", "key", key, "error", err)
		msg := err.Error()
		orphan := domain.OrphanedFile{
			ID:        domain.OrphanID(uuid.NewString()),
			S3Key:     key,
			RequestID: requestID,
			LastError: &msg,
			CreatedAt: time.Now().UTC(),
		}
		if oerr := s.repo.CreateOrphanedFile(ctx, orphan); oerr != nil {
			s.logger.Error("failed to record orphaned file", "key", key, "error", oerr)
		}
		return false
	}
	return true
}

// SubmitPrintTask sends a completed model downstream for slicing.
func (s *RequestService) SubmitPrintTask(ctx context.Context, externalUserID string, modelID domain.ModelID) (PrintStatusView, error) {
	m, err := s.repo.GetModel(ctx, modelID)
	if err != nil {
		return PrintStatusView{}, err
	}
	if m.ExternalUserID != externalUserID {
		return PrintStatusView{}, domain.ErrForbidden
	}
	if m.RequestID != nil {
		req, err := s.repo.GetRequest(ctx, *m.RequestID)
		if err != nil {
			return PrintStatusView{}, err
		}
		if req.Phase != domain.PhaseModelGeneration && req.Phase != domain.PhaseCompleted {
			return PrintStatusView{}, fmt.Errorf("request %s is in phase %s: %w", req.ID, req.Phase, domain.ErrInvalidState)
		}
	}
	if m.ModelURL == nil {
		return PrintStatusView{}, fmt.Errorf("model %s has no artifact yet: %w", modelID, domain.ErrInvalidState)
	}
	if m.SliceTaskID != nil && m.PrintStatus != domain.PrintStatusFailed {
		return PrintStatusView{}, fmt.Errorf("model %s already has print task %s: %w", modelID, *m.SliceTaskID, domain.ErrInvalidState)
	}

	fileName := fmt.Sprintf("%s.%s", m.ID, strings.ToLower(m.Format))
	taskID, err := s.slicer.CreateSliceTask(ctx, *m.ModelURL, fileName)
	if err != nil {
		return PrintStatusView{}, err
	}
	if err := s.repo.SetModelPrintTask(ctx, modelID, taskID, domain.PrintStatusSlicing); err != nil {
		return PrintStatusView{}, err
	}

	return PrintStatusView{
		ModelID:     modelID,
		SliceTaskID: &taskID,
		PrintStatus: domain.PrintStatusSlicing,
		Progress:    domain.PrintProgress(domain.PrintStatusSlicing),
	}, nil
}

// GetPrintStatus reads the slicer's view of the model's print task and
// mirrors status changes back onto the model row.
func (s *RequestService) GetPrintStatus(ctx context.Context, externalUserID string, modelID domain.ModelID) (PrintStatusView, error) {
	m, err := s.repo.GetModel(ctx, modelID)
	if err != nil {
		return PrintStatusView{}, err
	}
	if m.ExternalUserID != externalUserID {
		return PrintStatusView{}, domain.ErrForbidden
	}
	view := PrintStatusView{
		ModelID:     modelID,
		SliceTaskID: m.SliceTaskID,
		PrintStatus: m.PrintStatus,
		Progress:    domain.PrintProgress(m.PrintStatus),
	}
	if m.SliceTaskID == nil {
		return view, nil
	}

	status, err := s.slicer.GetSliceTaskStatus(ctx, *m.SliceTaskID)
	if err != nil {
		// Stale local state is better than a failed read.
		s.logger.Warn("slicer status unavailable, serving stored state", "model_id", modelID, "error", err)
		return view, nil
	}

	if status.Status != m.PrintStatus {
		if err := s.repo.SetModelPrintTask(ctx, modelID, *m.SliceTaskID, status.Status); err != nil {
			s.logger.Error("failed to store print status", "model_id", modelID, "error", err)
		}
	}
	view.PrintStatus = status.Status
	view.Progress = domain.PrintProgress(status.Status)
	if status.Progress != nil {
		view.Progress = *status.Progress
	}
	view.GCodeURL = status.GCodeURL
	return view, nil
}

// DeadLetters exposes the exhausted jobs of both queues for operators.
func (s *RequestService) DeadLetters(ctx context.Context, limit int) (map[string][]ports.DeadLetter, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	imageDead, err := s.imageQueue.DeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	modelDead, err := s.modelQueue.DeadLetters(ctx, limit)
	if err != nil {
		return nil, err
	}
	return map[string][]ports.DeadLetter{
		"image": imageDead,
		"model": modelDead,
	}, nil
}

func truncateName(s string, max int) string {
	s = strings.TrimSpace(s)
	if len(s) <= max {
		return s
	}
	return s[:max]
}
