package replicate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/basel-ax/stickergen/internal/domain"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "https://api.replicate.com"

	// DefaultModelVersion is the fofr/sticker-maker release the app targets.
	DefaultModelVersion = "fofr/sticker-maker:4acb778eb059772225ec213948f0660867b2e03f277448f18cf1800b96a65a1a"

	// MaxArtifactSize caps artifact downloads at 32 MiB.
	MaxArtifactSize = 32 << 20
)

// Options configures the Replicate client
type Options struct {
	BaseURL      string
	ModelVersion string
	HTTPClient   *http.Client
	Timeout      time.Duration
}

// Client represents the Replicate predictions API client
type Client struct {
	httpClient *http.Client
	baseURL    string
	version    string
}

// NewClient creates a new Replicate API client
func NewClient(opts Options) *Client {
	base := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	version := strings.TrimSpace(opts.ModelVersion)
	if version == "" {
		version = DefaultModelVersion
	}
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Client{
		httpClient: client,
		baseURL:    base,
		version:    versionHash(version),
	}
}

// versionHash strips an "owner/model:" prefix, the predictions endpoint wants the bare hash.
func versionHash(v string) string {
	if idx := strings.LastIndex(v, ":"); idx != -1 {
		return v[idx+1:]
	}
	return v
}

type predictionRequest struct {
	Version string                   `json:"version"`
	Input   domain.GenerationRequest `json:"input"`
}

// CreatePrediction submits a sticker generation request
func (c *Client) CreatePrediction(ctx context.Context, req domain.GenerationRequest, cred domain.Credential) (*domain.GenerationJob, error) {
	const op = "create prediction"

	body, err := json.Marshal(predictionRequest{Version: c.version, Input: req})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/predictions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.authorize(httpReq, cred)

	status, respBody, err := c.do(httpReq)
	if err != nil {
		return nil, domain.NewTransportError(op, 0, err)
	}

	switch {
	case status == http.StatusOK || status == http.StatusCreated:
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return nil, domain.NewAuthError(op, status, errorDetail(respBody))
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return nil, &domain.Error{Kind: domain.KindValidation, Op: op, StatusCode: status, Detail: errorDetail(respBody)}
	default:
		return nil, domain.NewTransportError(op, status, fmt.Errorf("unexpected status code: %d, body: %s", status, errorDetail(respBody)))
	}

	job, err := decodePrediction(respBody)
	if err != nil {
		return nil, domain.NewTransportError(op, status, err)
	}
	if job.ID == "" {
		return nil, domain.NewTransportError(op, status, fmt.Errorf("prediction id is empty, body: %s", respBody))
	}
	return job, nil
}

// GetPrediction checks the status of a prediction
func (c *Client) GetPrediction(ctx context.Context, id string, cred domain.Credential) (*domain.GenerationJob, error) {
	const op = "get prediction"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/predictions/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	c.authorize(httpReq, cred)

	status, respBody, err := c.do(httpReq)
	if err != nil {
		return nil, domain.NewTransportError(op, 0, err)
	}

	switch status {
	case http.StatusOK:
	case http.StatusUnauthorized, http.StatusForbidden:
		return nil, domain.NewAuthError(op, status, errorDetail(respBody))
	default:
		return nil, domain.NewTransportError(op, status, fmt.Errorf("unexpected status code: %d, body: %s", status, errorDetail(respBody)))
	}

	job, err := decodePrediction(respBody)
	if err != nil {
		return nil, domain.NewTransportError(op, status, err)
	}
	if job.ID == "" {
		job.ID = id
	}
	return job, nil
}

// Download performs a plain GET of an artifact URL and returns the body and its content type
func (c *Client) Download(ctx context.Context, rawURL string) ([]byte, string, error) {
	const op = "download artifact"

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, "", domain.NewArtifactFetchError(op, 0, fmt.Sprintf("invalid url: %v", err))
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, "", domain.NewTransportError(op, 0, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, "", domain.NewArtifactFetchError(op, resp.StatusCode, fmt.Sprintf("received non-200 status code: %d", resp.StatusCode))
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxArtifactSize+1))
	if err != nil {
		return nil, "", domain.NewTransportError(op, resp.StatusCode, fmt.Errorf("failed to read body: %w", err))
	}
	if len(data) > MaxArtifactSize {
		return nil, "", domain.NewArtifactFetchError(op, resp.StatusCode, fmt.Sprintf("artifact larger than %d bytes", MaxArtifactSize))
	}

	return data, resp.Header.Get("Content-Type"), nil
}

func (c *Client) authorize(req *http.Request, cred domain.Credential) {
	req.Header.Set("Authorization", "Bearer "+string(cred))
	req.Header.Set("Accept", "application/json")
}

func (c *Client) do(req *http.Request) (int, []byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, fmt.Errorf("failed to read response: %w", err)
	}
	return resp.StatusCode, body, nil
}

// decodePrediction reads a prediction document. output may be a list of URLs or a
// single URL; error may be a string or an object.
func decodePrediction(body []byte) (*domain.GenerationJob, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("failed to decode response: invalid json: %s", truncate(string(body), 256))
	}
	res := gjson.ParseBytes(body)

	job := &domain.GenerationJob{
		ID:     res.Get("id").String(),
		Status: domain.ParseJobStatus(res.Get("status").String()),
	}

	output := res.Get("output")
	switch {
	case output.IsArray():
		for _, item := range output.Array() {
			if u := strings.TrimSpace(item.String()); u != "" {
				job.ImageURL = u
				break
			}
		}
	case output.Type == gjson.String:
		job.ImageURL = strings.TrimSpace(output.String())
	}

	job.Error = predictionError(res.Get("error"))
	return job, nil
}

func predictionError(v gjson.Result) string {
	if !v.Exists() || v.Type == gjson.Null {
		return ""
	}
	if v.IsObject() {
		for _, key := range []string{"message", "detail", "code"} {
			if s := strings.TrimSpace(v.Get(key).String()); s != "" {
				return s
			}
		}
		return v.Raw
	}
	return strings.TrimSpace(v.String())
}

func errorDetail(body []byte) string {
	if gjson.ValidBytes(body) {
		res := gjson.ParseBytes(body)
		for _, key := range []string{"detail", "title", "error.message", "error"} {
			if s := strings.TrimSpace(res.Get(key).String()); s != "" {
				return s
			}
		}
	}
	return truncate(strings.TrimSpace(string(body)), 512)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
