package imagegen

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

// OpenAIProvider generates one image per call via an OpenAI-compatible API.
// Expected endpoint: POST {baseURL}/images/generations
// Expected response: {"data":[{"url":"https://..."}]}
type OpenAIProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

var _ ports.ImageProvider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(baseURL, apiKey, model string, timeout time.Duration) *OpenAIProvider {
	if model == "" {
		model = "gpt-image-1"
	}
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &OpenAIProvider{
		client:  &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

func (p *OpenAIProvider) Generate(ctx context.Context, prompt string) (string, error) {
	payload := map[string]any{
		"model":  p.model,
		"prompt": prompt,
		"n":      1,
		"size":   "1024x1024",
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/images/generations", bytes.NewReader(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", domain.Retryable(fmt.Errorf("failed to call image API: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", classifyStatus(resp.StatusCode, fmt.Errorf("image API returned status %d: %s", resp.StatusCode, string(body)))
	}

	var result struct {
		Data []struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", domain.Fatal(fmt.Errorf("failed to decode image API response: %w", err))
	}

	if len(result.Data) == 0 || strings.TrimSpace(result.Data[0].URL) == "" {
		return "", domain.Fatal(fmt.Errorf("image API returned no image URL"))
	}
	return result.Data[0].URL, nil
}

// classifyStatus maps provider HTTP statuses onto the retry policy:
// 5xx, timeouts and rate limits are transient; other 4xx are fatal.
func classifyStatus(code int, err error) error {
	if code >= 500 || code == http.StatusTooManyRequests || code == http.StatusRequestTimeout {
		return domain.Retryable(err)
	}
	return domain.Fatal(err)
}
