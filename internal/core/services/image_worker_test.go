package services

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fabrica3d/fabrica/internal/core/domain"
	"github.com/fabrica3d/fabrica/internal/core/ports"
)

var pngBytes = []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A}

func imagePayload(req domain.Request, img domain.Image, job domain.ImageJob) ports.Payload {
	return ports.Payload{
		payloadJobID:     string(job.ID),
		payloadImageID:   string(img.ID),
		payloadRequestID: string(req.ID),
		payloadUserID:    req.ExternalUserID,
		payloadPrompt:    "a ceramic teapot",
	}
}

func newImageWorkerHarness(t *testing.T, provider ports.ImageProvider) (*ImageWorker, ports.Repository, *fakeBlobStore, *fakeBus) {
	t.Helper()
	repo := newServiceRepo(t)
	blobs := newFakeBlobStore()
	bus := &fakeBus{}
	w := NewImageWorker(slog.New(slog.NewTextHandler(io.Discard, nil)), repo, blobs, provider, bus,
		NewProxyRewriter("https://api.test"), time.Minute)
	return w, repo, blobs, bus
}

func TestImageWorker_HappyPath(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngBytes)
	}))
	defer srv.Close()

	w, repo, blobs, bus := newImageWorkerHarness(t, &fakeImageProvider{url: srv.URL + "/out.png"})
	ctx := context.Background()
	req, images, jobs := seedRequestTree(t, repo, "user-1", "a ceramic teapot")

	require.NoError(t, w.Handle(ctx, imagePayload(req, images[0], jobs[0])))

	img, err := repo.GetImage(ctx, images[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ImageStatusCompleted, img.Status)
	require.NotNil(t, img.ImageURL)
	assert.True(t, blobs.has(imageKey(img.ID, 0, "png")))

	job, err := repo.GetImageJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)

	got, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusImageGenerating, got.Status)
	assert.Equal(t, domain.PhaseImageGeneration, got.Phase)

	require.Len(t, bus.byType(domain.EventImageGenerating), 1)
	completed := bus.byType(domain.EventImageCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, string(req.ID), completed[0].TaskID)
	assert.Contains(t, completed[0].Data["imageUrl"], "/proxy/image?url=")
}

func TestImageWorker_LastCompletionSettlesRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(pngBytes)
	}))
	defer srv.Close()

	w, repo, _, bus := newImageWorkerHarness(t, &fakeImageProvider{url: srv.URL + "/out.png"})
	ctx := context.Background()
	req, images, jobs := seedRequestTree(t, repo, "user-1", "a ceramic teapot")
	completeImages(t, repo, images, jobs, 3)

	require.NoError(t, w.Handle(ctx, imagePayload(req, images[3], jobs[3])))

	got, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusImageCompleted, got.Status)
	assert.Equal(t, domain.PhaseAwaitingSelection, got.Phase)

	updated := bus.byType(domain.EventTaskUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, string(domain.PhaseAwaitingSelection), updated[0].Data["phase"])
}

func TestImageWorker_FatalFailureMarksImageFailed(t *testing.T) {
	provider := &fakeImageProvider{err: domain.Fatal(assert.AnError)}
	w, repo, _, bus := newImageWorkerHarness(t, provider)
	ctx := context.Background()
	req, images, jobs := seedRequestTree(t, repo, "user-1", "a ceramic teapot")

	err := w.Handle(ctx, imagePayload(req, images[0], jobs[0]))
	require.Error(t, err)
	assert.Equal(t, domain.KindFatal, domain.Classify(err))

	img, err := repo.GetImage(ctx, images[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ImageStatusFailed, img.Status)
	require.NotNil(t, img.ErrorMessage)

	job, err := repo.GetImageJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)

	require.Len(t, bus.byType(domain.EventImageFailed), 1)
}

func TestImageWorker_PartialFailureSettlesAsImageFailed(t *testing.T) {
	provider := &fakeImageProvider{err: domain.Fatal(assert.AnError)}
	w, repo, _, bus := newImageWorkerHarness(t, provider)
	ctx := context.Background()
	req, images, jobs := seedRequestTree(t, repo, "user-1", "a ceramic teapot")
	completeImages(t, repo, images, jobs, 3)

	err := w.Handle(ctx, imagePayload(req, images[3], jobs[3]))
	require.Error(t, err)

	got, err := repo.GetRequest(ctx, req.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.RequestStatusImageFailed, got.Status)
	// Failed requests stay in the image phase; selection is never reachable.
	assert.Equal(t, domain.PhaseImageGeneration, got.Phase)

	updated := bus.byType(domain.EventTaskUpdated)
	require.Len(t, updated, 1)
	assert.Equal(t, string(domain.RequestStatusImageFailed), updated[0].Data["status"])
}

func TestImageWorker_RetryableFailureSchedulesRetry(t *testing.T) {
	provider := &fakeImageProvider{err: domain.Retryable(assert.AnError)}
	w, repo, _, bus := newImageWorkerHarness(t, provider)
	ctx := context.Background()
	req, images, jobs := seedRequestTree(t, repo, "user-1", "a ceramic teapot")

	err := w.Handle(ctx, imagePayload(req, images[0], jobs[0]))
	require.Error(t, err)
	assert.Equal(t, domain.KindRetryable, domain.Classify(err))

	job, err := repo.GetImageJob(ctx, jobs[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRetrying, job.Status)
	assert.Equal(t, 1, job.RetryCount)
	require.NotNil(t, job.NextRetryAt)

	// Image stays non-terminal so the redelivered job can finish it.
	img, err := repo.GetImage(ctx, images[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ImageStatusGenerating, img.Status)
	assert.Empty(t, bus.byType(domain.EventImageFailed))
}

func TestImageWorker_ExhaustedRetriesFailPermanently(t *testing.T) {
	provider := &fakeImageProvider{err: domain.Retryable(assert.AnError)}
	w, repo, _, _ := newImageWorkerHarness(t, provider)
	ctx := context.Background()
	req, images, jobs := seedRequestTree(t, repo, "user-1", "a ceramic teapot")

	for i := 0; i < domain.DefaultMaxRetries; i++ {
		err := w.Handle(ctx, imagePayload(req, images[0], jobs[0]))
		require.Error(t, err)
		require.Equal(t, domain.KindRetryable, domain.Classify(err))
	}

	err := w.Handle(ctx, imagePayload(req, images[0], jobs[0]))
	require.Error(t, err)
	assert.Equal(t, domain.KindFatal, domain.Classify(err))

	img, err := repo.GetImage(ctx, images[0].ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ImageStatusFailed, img.Status)
}

func TestImageWorker_MissingRowsAreANoOp(t *testing.T) {
	w, _, _, bus := newImageWorkerHarness(t, &fakeImageProvider{})
	ctx := context.Background()

	err := w.Handle(ctx, ports.Payload{
		payloadJobID:     "gone-job",
		payloadImageID:   "gone-image",
		payloadRequestID: "gone-request",
	})
	require.NoError(t, err)
	assert.Empty(t, bus.events)
}

func TestImageWorker_CompletedImageIsNotRegenerated(t *testing.T) {
	provider := &fakeImageProvider{url: "http://unused.test/out.png"}
	w, repo, _, bus := newImageWorkerHarness(t, provider)
	ctx := context.Background()
	req, images, jobs := seedRequestTree(t, repo, "user-1", "a ceramic teapot")
	completeImages(t, repo, images, jobs)

	require.NoError(t, w.Handle(ctx, imagePayload(req, images[0], jobs[0])))
	assert.Zero(t, provider.gens)
	assert.Empty(t, bus.events)
}
