package meshgen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fabrica3d/fabrica/internal/core/domain"
	"github.com/fabrica3d/fabrica/internal/core/ports"
)

// TripoProvider drives an asynchronous image-to-3D service with a
// Tripo-style API: POST a task, then poll it by id until it reports a
// result archive URL.
type TripoProvider struct {
	client        *http.Client
	baseURL       string
	apiKey        string
	submitTimeout time.Duration
	pollTimeout   time.Duration
}

var _ ports.MeshProvider = (*TripoProvider)(nil)

func NewTripoProvider(baseURL, apiKey string, submitTimeout, pollTimeout time.Duration) *TripoProvider {
	if submitTimeout <= 0 {
		submitTimeout = 60 * time.Second
	}
	if pollTimeout <= 0 {
		pollTimeout = 15 * time.Second
	}
	return &TripoProvider{
		client:        &http.Client{},
		baseURL:       strings.TrimRight(baseURL, "/"),
		apiKey:        apiKey,
		submitTimeout: submitTimeout,
		pollTimeout:   pollTimeout,
	}
}

func (p *TripoProvider) Name() string { return "tripo" }

func (p *TripoProvider) Submit(ctx context.Context, imageURL string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.submitTimeout)
	defer cancel()

	payload := map[string]any{
		"type": "image_to_model",
		"file": map[string]any{
			"type": "url",
			"url":  imageURL,
		},
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal submit payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/task", bytes.NewReader(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", domain.Retryable(fmt.Errorf("failed to submit mesh task: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", classifyStatus(resp.StatusCode, fmt.Errorf("mesh submit returned status %d: %s", resp.StatusCode, string(body)))
	}

	var result struct {
		Data struct {
			TaskID string `json:"task_id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", domain.Fatal(fmt.Errorf("failed to decode submit response: %w", err))
	}
	if result.Data.TaskID == "" {
		return "", domain.Fatal(fmt.Errorf("mesh submit returned no task id"))
	}
	return result.Data.TaskID, nil
}

func (p *TripoProvider) Poll(ctx context.Context, providerJobID string) (ports.MeshJobStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/task/"+providerJobID, nil)
	if err != nil {
		return ports.MeshJobStatus{}, fmt.Errorf("failed to create poll request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return ports.MeshJobStatus{}, domain.Retryable(fmt.Errorf("failed to poll mesh task: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return ports.MeshJobStatus{}, classifyStatus(resp.StatusCode, fmt.Errorf("mesh poll returned status %d: %s", resp.StatusCode, string(body)))
	}

	var result struct {
		Data struct {
			Status   string `json:"status"`
			Progress *int   `json:"progress,omitempty"`
			Output   struct {
				Model         string `json:"model"`
				RenderedImage string `json:"rendered_image"`
			} `json:"output"`
			Message string `json:"message"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ports.MeshJobStatus{}, domain.Fatal(fmt.Errorf("failed to decode poll response: %w", err))
	}

	st := ports.MeshJobStatus{
		Progress: result.Data.Progress,
		Message:  result.Data.Message,
	}
	switch result.Data.Status {
	case "success":
		st.Done = true
		st.ResultURL = result.Data.Output.Model
		if st.ResultURL == "" {
			return ports.MeshJobStatus{}, domain.Fatal(fmt.Errorf("mesh task succeeded without a result URL"))
		}
	case "failed", "cancelled", "banned", "expired":
		st.Failed = true
	}
	return st, nil
}

func (p *TripoProvider) PreviewURL(ctx context.Context, providerJobID string) (string, error) {
	st, err := p.pollRaw(ctx, providerJobID)
	if err != nil {
		return "", err
	}
	return st, nil
}

// pollRaw re-reads the task to extract the rendered preview image.
func (p *TripoProvider) pollRaw(ctx context.Context, providerJobID string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, p.pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/task/"+providerJobID, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create preview request: %w", err)
	}
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", domain.Retryable(fmt.Errorf("failed to fetch preview: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", classifyStatus(resp.StatusCode, fmt.Errorf("preview fetch returned status %d: %s", resp.StatusCode, string(body)))
	}

	var result struct {
		Data struct {
			Output struct {
				RenderedImage string `json:"rendered_image"`
			} `json:"output"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", domain.Fatal(fmt.Errorf("failed to decode preview response: %w", err))
	}
	return result.Data.Output.RenderedImage, nil
}

func classifyStatus(code int, err error) error {
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return domain.Retryable(err)
	}
	return domain.Fatal(err)
}
