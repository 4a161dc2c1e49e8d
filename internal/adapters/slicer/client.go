package slicer

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

// Client talks to the downstream slicing service. The core only hands it
// file URLs; slicing and printing themselves are out of scope.
type Client struct {
	client  *http.Client
	baseURL string
	apiKey  string
}

var _ ports.Slicer = (*Client)(nil)

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
	}
}

func (c *Client) CreateSliceTask(ctx context.Context, objectURL, fileName string) (string, error) {
	payload := map[string]string{
		"object_url": objectURL,
		"file_name":  fileName,
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal slice payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/slice-tasks", bytes.NewReader(payloadBytes))
	if err != nil {
		return "", fmt.Errorf("failed to create slice request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("slicer connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		body, _ := io.ReadAll(resp.Body)
		return "", fmt.Errorf("slicer returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("failed to decode slicer response: %w", err)
	}
	if result.TaskID == "" {
		return "", fmt.Errorf("slicer returned no task id")
	}
	return result.TaskID, nil
}

func (c *Client) GetSliceTaskStatus(ctx context.Context, taskID string) (ports.SliceTaskStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/slice-tasks/"+taskID, nil)
	if err != nil {
		return ports.SliceTaskStatus{}, fmt.Errorf("failed to create status request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return ports.SliceTaskStatus{}, fmt.Errorf("slicer connection failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return ports.SliceTaskStatus{}, fmt.Errorf("slicer returned status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Status   string `json:"status"`
		Progress *int   `json:"progress,omitempty"`
		GCodeURL string `json:"gcode_url,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return ports.SliceTaskStatus{}, fmt.Errorf("failed to decode status response: %w", err)
	}

	return ports.SliceTaskStatus{
		Status:   domain.PrintStatus(result.Status),
		Progress: result.Progress,
		GCodeURL: result.GCodeURL,
	}, nil
}
