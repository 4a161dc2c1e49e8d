package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/fabrica3d/fabrica/internal/adapters/duckdb"
	"github.com/fabrica3d/fabrica/internal/core/domain"
	"github.com/fabrica3d/fabrica/internal/core/ports"
)

func newServiceRepo(t *testing.T) *duckdb.Repository {
	t.Helper()
	repo, err := duckdb.NewRepository(t.TempDir() + "/test.db")
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

// seedRequestTree inserts one request with its four pending images and
// jobs, mirroring what CreateRequest persists.
func seedRequestTree(t *testing.T, repo ports.Repository, userID, prompt string) (domain.Request, []domain.Image, []domain.ImageJob) {
	t.Helper()
	now := time.Now().UTC()
	req := domain.Request{
		ID:             domain.RequestID(uuid.NewString()),
		ExternalUserID: userID,
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
	require.NoError(t, repo.CreateRequestTree(context.Background(), req, images, jobs))
	return req, images, jobs
}

// completeImages drives every image except the given indexes to
// COMPLETED through the repository, the way the worker does.
func completeImages(t *testing.T, repo ports.Repository, images []domain.Image, jobs []domain.ImageJob, skip ...int) {
	t.Helper()
	skipped := make(map[int]bool, len(skip))
	for _, i := range skip {
		skipped[i] = true
	}
	for i := range images {
		if skipped[i] {
			continue
		}
		url := "https://blobs.test/images/" + string(images[i].ID) + "/" + "0.png"
		err := repo.CompleteImage(context.Background(), images[i].ID, jobs[i].ID, url, time.Now().UTC())
		require.NoError(t, err)
	}
}

type fakeBlobStore struct {
	mu         sync.Mutex
	objects    map[string][]byte
	deleted    []string
	uploadErr  error
	deleteErr  error
	deleteFail map[string]bool // per-key failures
}

func newFakeBlobStore() *fakeBlobStore {
	return &fakeBlobStore{objects: map[string][]byte{}, deleteFail: map[string]bool{}}
}

func (b *fakeBlobStore) Upload(ctx context.Context, key string, data []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.uploadErr != nil {
		return "", b.uploadErr
	}
	b.objects[key] = data
	return "https://blobs.test/" + key, nil
}

func (b *fakeBlobStore) Download(ctx context.Context, key string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	data, ok := b.objects[key]
	if !ok {
		return nil, domain.ErrOrphanNotFound
	}
	return data, nil
}

func (b *fakeBlobStore) Delete(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deleteErr != nil {
		return b.deleteErr
	}
	if b.deleteFail[key] {
		return domain.Retryable(context.DeadlineExceeded)
	}
	delete(b.objects, key)
	b.deleted = append(b.deleted, key)
	return nil
}

func (b *fakeBlobStore) Presign(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://blobs.test/" + key + "?signed=1", nil
}

func (b *fakeBlobStore) has(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.objects[key]
	return ok
}

type fakeBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *fakeBus) Publish(ctx context.Context, e domain.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, fn func(domain.Event)) error {
	<-ctx.Done()
	return nil
}

func (b *fakeBus) byType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type enqueued struct {
	JobKey  string
	Payload ports.Payload
	Opts    ports.EnqueueOptions
}

type fakeQueue struct {
	mu         sync.Mutex
	jobs       []enqueued
	enqueueErr error
	dead       []ports.DeadLetter
}

func (q *fakeQueue) Enqueue(ctx context.Context, jobKey string, payload ports.Payload, opts ports.EnqueueOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.jobs = append(q.jobs, enqueued{JobKey: jobKey, Payload: payload, Opts: opts})
	return nil
}

func (q *fakeQueue) Consume(ctx context.Context, handler ports.Handler) error {
	<-ctx.Done()
	return nil
}

func (q *fakeQueue) DeadLetters(ctx context.Context, limit int) ([]ports.DeadLetter, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dead, nil
}

func (q *fakeQueue) all() []enqueued {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]enqueued, len(q.jobs))
	copy(out, q.jobs)
	return out
}

type fakeImageProvider struct {
	url  string
	err  error
	mu   sync.Mutex
	gens int
}

func (p *fakeImageProvider) Generate(ctx context.Context, prompt string) (string, error) {
	p.mu.Lock()
	p.gens++
	p.mu.Unlock()
	if p.err != nil {
		return "", p.err
	}
	return p.url, nil
}

type fakeMeshProvider struct {
	mu        sync.Mutex
	jobID     string
	submitErr error
	submits   int
	polls     int
	statuses  []ports.MeshJobStatus // consumed one per poll; last repeats
	pollErrs  []error
	preview   string
}

func (p *fakeMeshProvider) Name() string { return "tripo" }

func (p *fakeMeshProvider) Submit(ctx context.Context, imageURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.submits++
	if p.submitErr != nil {
		return "", p.submitErr
	}
	return p.jobID, nil
}

func (p *fakeMeshProvider) Poll(ctx context.Context, providerJobID string) (ports.MeshJobStatus, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.polls
	p.polls++
	if i < len(p.pollErrs) && p.pollErrs[i] != nil {
		return ports.MeshJobStatus{}, p.pollErrs[i]
	}
	if len(p.statuses) == 0 {
		return ports.MeshJobStatus{Done: true}, nil
	}
	if i >= len(p.statuses) {
		i = len(p.statuses) - 1
	}
	return p.statuses[i], nil
}

func (p *fakeMeshProvider) PreviewURL(ctx context.Context, providerJobID string) (string, error) {
	return p.preview, nil
}

type fakePrompts struct {
	variants []string
	err      error
	// block, when set, holds Variants until closed so tests can observe
	// callers that must not wait on the provider.
	block chan struct{}
}

func (p *fakePrompts) Chat(ctx context.Context, system, user string) (string, error) {
	return "", p.err
}

func (p *fakePrompts) Variants(ctx context.Context, prompt string) ([]string, error) {
	if p.block != nil {
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if p.err != nil {
		return nil, p.err
	}
	return p.variants, nil
}

type fakeSlicer struct {
	taskID    string
	createErr error
	status    ports.SliceTaskStatus
	statusErr error
	mu        sync.Mutex
	creates   int
}

func (s *fakeSlicer) CreateSliceTask(ctx context.Context, objectURL, fileName string) (string, error) {
	s.mu.Lock()
	s.creates++
	s.mu.Unlock()
	if s.createErr != nil {
		return "", s.createErr
	}
	return s.taskID, nil
}

func (s *fakeSlicer) GetSliceTaskStatus(ctx context.Context, taskID string) (ports.SliceTaskStatus, error) {
	if s.statusErr != nil {
		return ports.SliceTaskStatus{}, s.statusErr
	}
	return s.status, nil
}
