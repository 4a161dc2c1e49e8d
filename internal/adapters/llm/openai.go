package llm

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

const variantSystemPrompt = `You rewrite a 3D-asset prompt into four style variants.
Reply with a JSON array of exactly four strings and nothing else.
Each variant keeps the subject but applies a distinct visual style
(e.g. realistic, cartoon, low-poly, clay).`

// OpenAIProvider implements prompt refinement via an OpenAI-compatible
// chat completions API.
type OpenAIProvider struct {
	client  *http.Client
	baseURL string
	apiKey  string
	model   string
}

var _ ports.PromptProvider = (*OpenAIProvider)(nil)

func NewOpenAIProvider(baseURL, apiKey, model string) *OpenAIProvider {
	if model == "" {
		model = "gpt-4o-mini"
	}
	return &OpenAIProvider{
		client:  &http.Client{Timeout: 60 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, system, user string) (string, error) {
	payload := map[string]any{
		"model": p.model,
		"messages": []map[string]string{
			{"role": "system", "content": system},
			{"role": "user", "content": user},
		},
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal chat payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("llm returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode llm response: %w", err)
	}
	if len(result.Choices) == 0 {
		return "", fmt.Errorf("llm returned no choices")
	}
	return result.Choices[0].Message.Content, nil
}

// Variants asks the model for four style-variant prompts. The caller
// degrades to the original prompt when this fails.
func (p *OpenAIProvider) Variants(ctx context.Context, prompt string) ([]string, error) {
	raw, err := p.Chat(ctx, variantSystemPrompt, prompt)
	if err != nil {
		return nil, err
	}
	variants, err := ParseVariants(raw)
	if err != nil {
		return nil, err
	}
	return variants, nil
}

// ParseVariants extracts exactly four prompts from the model output.
// It accepts a plain JSON array or one wrapped in a code fence, and
// falls back to non-empty lines.
func ParseVariants(raw string) ([]string, error) {
	text := strings.TrimSpace(raw)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}

	var variants []string
	if err := json.Unmarshal([]byte(text), &variants); err != nil {
		for _, line := range strings.Split(text, "\n") {
			line = strings.TrimSpace(strings.TrimLeft(line, "-*0123456789. "))
			if line != "" {
				variants = append(variants, line)
			}
		}
	}

	cleaned := make([]string, 0, domain.ImagesPerRequest)
	for _, v := range variants {
		if v = strings.TrimSpace(v); v != "" {
			cleaned = append(cleaned, v)
		}
	}
	if len(cleaned) < domain.ImagesPerRequest {
		return nil, fmt.Errorf("expected %d prompt variants, got %d", domain.ImagesPerRequest, len(cleaned))
	}
	return cleaned[:domain.ImagesPerRequest], nil
}
