package domain

import "time"

// JobStatusQueued marks a stored request that has not been submitted yet.
// It only appears in the job queue, never in a service response.
const JobStatusQueued JobStatus = "queued"

// StickerJob is a generation request stored in the job queue
type StickerJob struct {
	ID           int64
	Prompt       string
	Steps        int
	Size         int
	Status       JobStatus
	PredictionID string
	ImageURL     string
	FilePath     string
	Error        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Request rebuilds the generation request for a stored job.
func (j StickerJob) Request(negativePrompt string) (GenerationRequest, error) {
	req, err := NewGenerationRequest(j.Prompt, j.Steps, Size(j.Size))
	if err != nil {
		return GenerationRequest{}, err
	}
	return req.WithNegativePrompt(negativePrompt), nil
}

// Handle returns the service handle of a submitted job.
func (j StickerJob) Handle() *JobHandle {
	return &JobHandle{ID: j.PredictionID, Status: JobStatusPending}
}
