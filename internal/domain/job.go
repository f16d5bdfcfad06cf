package domain

import (
	"context"
	"strings"
	"unicode"
)

// JobStatus enumerates the lifecycle of a generation job.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

// ParseJobStatus maps the service spelling onto the three job states.
// Unknown spellings are treated as still running.
func ParseJobStatus(s string) JobStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "succeeded", "success", "done":
		return JobStatusSucceeded
	case "failed", "fail", "canceled", "cancelled", "aborted":
		return JobStatusFailed
	default:
		return JobStatusPending
	}
}

// Credential is the caller's bearer token for the generation service.
type Credential string

// Check rejects a missing or malformed token before it reaches the wire.
func (c Credential) Check() error {
	const op = "check credential"

	if c == "" {
		return NewAuthError(op, 0, "credential is required")
	}
	for _, r := range string(c) {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return NewValidationError(op, "credential contains whitespace or control characters")
		}
	}
	return nil
}

// String hides the token from logs and formatted errors.
func (c Credential) String() string {
	if c == "" {
		return ""
	}
	return "[redacted]"
}

// JobHandle identifies a submitted job.
type JobHandle struct {
	ID     string
	Status JobStatus
}

// GenerationJob is the state observed for one job.
type GenerationJob struct {
	ID       string
	Status   JobStatus
	ImageURL string
	Error    string
}

// GenerationResult is the terminal outcome of a successful job.
type GenerationResult struct {
	JobID    string
	Status   JobStatus
	ImageURL string
}

// Sticker is a generated image retrieved from the service.
type Sticker struct {
	JobID       string
	ImageURL    string
	ContentType string
	Data        []byte
}

// GenerationClient is the transport used to talk to the generation service.
type GenerationClient interface {
	// CreatePrediction submits the request and returns the initial job state
	CreatePrediction(ctx context.Context, req GenerationRequest, cred Credential) (*GenerationJob, error)

	// GetPrediction fetches the current job state by identifier
	GetPrediction(ctx context.Context, id string, cred Credential) (*GenerationJob, error)

	// Download retrieves an artifact by URL
	Download(ctx context.Context, url string) ([]byte, string, error)
}
