package worker

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/basel-ax/stickergen/internal/domain"
	"github.com/basel-ax/stickergen/internal/repository"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memoryRepo struct {
	mu     sync.Mutex
	jobs   map[int64]*domain.StickerJob
	nextID int64
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{jobs: map[int64]*domain.StickerJob{}}
}

func (m *memoryRepo) EnsureSchema(ctx context.Context) error { return nil }

func (m *memoryRepo) Enqueue(ctx context.Context, req domain.GenerationRequest) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	now := time.Now()
	m.jobs[m.nextID] = &domain.StickerJob{ID: m.nextID, Prompt: req.Prompt, Steps: req.Steps, Size: req.Width, Status: domain.JobStatusQueued, CreatedAt: now, UpdatedAt: now}
	return m.nextID, nil
}

func (m *memoryRepo) Get(ctx context.Context, id int64) (*domain.StickerJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrJobNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memoryRepo) byStatus(status domain.JobStatus, limit int) []domain.StickerJob {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.StickerJob
	for _, job := range m.jobs {
		if job.Status == status {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *memoryRepo) GetReadyToSubmit(ctx context.Context, limit int) ([]domain.StickerJob, error) {
	return m.byStatus(domain.JobStatusQueued, limit), nil
}

func (m *memoryRepo) GetReadyToCheck(ctx context.Context, limit int) ([]domain.StickerJob, error) {
	return m.byStatus(domain.JobStatusPending, limit), nil
}

func (m *memoryRepo) update(id int64, fn func(j *domain.StickerJob)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repository.ErrJobNotFound
	}
	fn(job)
	job.UpdatedAt = time.Now()
	return nil
}

func (m *memoryRepo) MarkSubmitted(ctx context.Context, id int64, predictionID string) error {
	return m.update(id, func(j *domain.StickerJob) { j.Status = domain.JobStatusPending; j.PredictionID = predictionID })
}

func (m *memoryRepo) MarkSucceeded(ctx context.Context, id int64, imageURL, filePath string) error {
	return m.update(id, func(j *domain.StickerJob) {
		j.Status = domain.JobStatusSucceeded
		j.ImageURL = imageURL
		j.FilePath = filePath
	})
}

func (m *memoryRepo) MarkFailed(ctx context.Context, id int64, message string) error {
	return m.update(id, func(j *domain.StickerJob) { j.Status = domain.JobStatusFailed; j.Error = message })
}

type fakeGenerator struct {
	mu        sync.Mutex
	submitErr error
	statuses  map[string]*domain.GenerationJob
	checkErrs map[string]error
	checked   []string
	artifact  []byte
	fetchErr  error
	creds     []domain.Credential
	submitted int
}

func (f *fakeGenerator) Submit(ctx context.Context, req domain.GenerationRequest, cred domain.Credential) (*domain.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = append(f.creds, cred)
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	f.submitted++
	return &domain.JobHandle{ID: "pred-" + req.Prompt, Status: domain.JobStatusPending}, nil
}

func (f *fakeGenerator) CheckStatus(ctx context.Context, handle *domain.JobHandle, cred domain.Credential) (*domain.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds = append(f.creds, cred)
	f.checked = append(f.checked, handle.ID)
	if err, ok := f.checkErrs[handle.ID]; ok {
		return nil, err
	}
	if job, ok := f.statuses[handle.ID]; ok {
		return job, nil
	}
	return &domain.GenerationJob{ID: handle.ID, Status: domain.JobStatusPending}, nil
}

func (f *fakeGenerator) FetchArtifact(ctx context.Context, url string) ([]byte, error) {
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.artifact, nil
}

func enqueue(t *testing.T, repo *memoryRepo, prompt string) int64 {
	t.Helper()
	req, err := domain.NewGenerationRequest(prompt, 20, domain.SizeMedium)
	require.NoError(t, err)
	id, err := repo.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return id
}

func TestWorkerMovesJobsToTerminalStates(t *testing.T) {
	repo := newMemoryRepo()
	foxID := enqueue(t, repo, "fox")
	owlID := enqueue(t, repo, "owl")
	catID := enqueue(t, repo, "cat")

	gen := &fakeGenerator{
		statuses: map[string]*domain.GenerationJob{
			"pred-fox": {ID: "pred-fox", Status: domain.JobStatusSucceeded, ImageURL: "https://cdn.example.com/fox.png"},
			"pred-owl": {ID: "pred-owl", Status: domain.JobStatusFailed, Error: "NSFW content detected"},
		},
		artifact: []byte("\x89PNG fox"),
	}
	outDir := t.TempDir()
	w := New(repo, gen, "r8_worker", Config{OutputDir: outDir}, zerolog.Nop())

	require.NoError(t, w.RunOnce(context.Background()))

	fox, err := repo.Get(context.Background(), foxID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, fox.Status)
	assert.Equal(t, "https://cdn.example.com/fox.png", fox.ImageURL)
	assert.Equal(t, filepath.Join(outDir, "sticker_1_pred-fox.png"), fox.FilePath)
	data, err := os.ReadFile(fox.FilePath)
	require.NoError(t, err)
	assert.Equal(t, []byte("\x89PNG fox"), data)

	owl, err := repo.Get(context.Background(), owlID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, owl.Status)
	assert.Equal(t, "NSFW content detected", owl.Error)

	cat, err := repo.Get(context.Background(), catID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, cat.Status)
	assert.Equal(t, "pred-cat", cat.PredictionID)

	for _, cred := range gen.creds {
		assert.Equal(t, domain.Credential("r8_worker"), cred)
	}
}

func TestWorkerStopsOnRejectedCredential(t *testing.T) {
	repo := newMemoryRepo()
	id := enqueue(t, repo, "fox")
	enqueue(t, repo, "owl")

	gen := &fakeGenerator{submitErr: domain.NewAuthError("create prediction", 401, "Invalid token.")}
	w := New(repo, gen, "r8_revoked", Config{OutputDir: t.TempDir()}, zerolog.Nop())

	err := w.SubmitQueued(context.Background())
	assert.ErrorIs(t, err, domain.ErrAuth)
	assert.Len(t, gen.creds, 1)

	job, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
}

func TestWorkerKeepsJobQueuedOnTransportError(t *testing.T) {
	repo := newMemoryRepo()
	id := enqueue(t, repo, "fox")

	gen := &fakeGenerator{submitErr: domain.NewTransportError("create prediction", 0, context.DeadlineExceeded)}
	w := New(repo, gen, "r8_worker", Config{OutputDir: t.TempDir()}, zerolog.Nop())

	require.NoError(t, w.SubmitQueued(context.Background()))
	job, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
}

func TestWorkerFailsInvalidStoredRequest(t *testing.T) {
	repo := newMemoryRepo()
	repo.jobs[1] = &domain.StickerJob{ID: 1, Prompt: "fox", Steps: 99, Size: 768, Status: domain.JobStatusQueued}
	repo.nextID = 1

	gen := &fakeGenerator{}
	w := New(repo, gen, "r8_worker", Config{OutputDir: t.TempDir()}, zerolog.Nop())

	require.NoError(t, w.SubmitQueued(context.Background()))
	job, err := repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Zero(t, gen.submitted)
}

func TestWorkerMarksMissingArtifactFailed(t *testing.T) {
	repo := newMemoryRepo()
	id := enqueue(t, repo, "fox")
	require.NoError(t, repo.MarkSubmitted(context.Background(), id, "pred-fox"))

	gen := &fakeGenerator{
		statuses: map[string]*domain.GenerationJob{
			"pred-fox": {ID: "pred-fox", Status: domain.JobStatusSucceeded, ImageURL: "https://cdn.example.com/fox.png"},
		},
		fetchErr: domain.NewArtifactFetchError("download artifact", 404, "received non-200 status code: 404"),
	}
	w := New(repo, gen, "r8_worker", Config{OutputDir: t.TempDir()}, zerolog.Nop())

	require.NoError(t, w.CheckPending(context.Background()))
	job, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Contains(t, job.Error, "404")
}

func TestWorkerRunStopsWithContext(t *testing.T) {
	repo := newMemoryRepo()
	w := New(repo, &fakeGenerator{}, "r8_worker", Config{OutputDir: t.TempDir()}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, w.Run(ctx))
}

func TestWorkerRunRejectsBadSchedule(t *testing.T) {
	w := New(newMemoryRepo(), &fakeGenerator{}, "r8_worker", Config{SubmitSchedule: "not a schedule"}, zerolog.Nop())
	assert.Error(t, w.Run(context.Background()))
}

func storePending(repo *memoryRepo, id int64, predictionID string, since time.Time) {
	repo.mu.Lock()
	defer repo.mu.Unlock()
	repo.jobs[id] = &domain.StickerJob{
		ID: id, Prompt: predictionID, Steps: 20, Size: 768,
		Status: domain.JobStatusPending, PredictionID: predictionID,
		CreatedAt: since, UpdatedAt: since,
	}
	if id > repo.nextID {
		repo.nextID = id
	}
}

func TestWorkerFailsStalePendingJobs(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemoryRepo()
	storePending(repo, 1, "pred-stuck", now.Add(-48*time.Hour))
	storePending(repo, 2, "pred-fresh", now.Add(-time.Minute))

	gen := &fakeGenerator{
		statuses: map[string]*domain.GenerationJob{
			"pred-fresh": {ID: "pred-fresh", Status: domain.JobStatusSucceeded, ImageURL: "https://cdn.example.com/fresh.png"},
		},
		artifact: []byte("\x89PNG fresh"),
	}
	w := New(repo, gen, "r8_worker", Config{OutputDir: t.TempDir(), BatchSize: 1, JobTimeout: 5 * time.Minute}, zerolog.Nop())
	w.now = func() time.Time { return now }

	require.NoError(t, w.CheckPending(context.Background()))
	require.NoError(t, w.CheckPending(context.Background()))

	stuck, err := repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stuck.Status)
	assert.Contains(t, stuck.Error, "still pending")

	fresh, err := repo.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, fresh.Status)
	assert.Equal(t, []string{"pred-stuck", "pred-fresh"}, gen.checked)
}

func TestWorkerFailsStaleJobAfterTransportErrors(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	repo := newMemoryRepo()
	storePending(repo, 1, "pred-gone", now.Add(-10*time.Minute))
	storePending(repo, 2, "pred-flaky", now.Add(-time.Minute))

	notFound := domain.NewTransportError("get prediction", 404, errors.New("unexpected status code: 404"))
	gen := &fakeGenerator{checkErrs: map[string]error{"pred-gone": notFound, "pred-flaky": notFound}}
	w := New(repo, gen, "r8_worker", Config{OutputDir: t.TempDir(), JobTimeout: 5 * time.Minute}, zerolog.Nop())
	w.now = func() time.Time { return now }

	require.NoError(t, w.CheckPending(context.Background()))

	gone, err := repo.Get(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, gone.Status)

	flaky, err := repo.Get(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusPending, flaky.Status)
}
