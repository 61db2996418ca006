// internal/client/api.go
// Package client provides API client functionality for the ztex-miner status API
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"ztexminer/internal/miner"
	"ztexminer/internal/status"
)

// APIClient represents a client for the ztex-miner status API
type APIClient struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewAPIClient creates a new API client. addr may be "host:port" or a full URL.
func NewAPIClient(addr string) *APIClient {
	base := addr
	if strings.HasPrefix(base, ":") {
		base = "localhost" + base
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &APIClient{
		BaseURL: strings.TrimRight(base, "/"),
		HTTPClient: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

// GetHealth fetches the miner health. A miner with no enabled slice answers
// 503 with a regular body, which is returned without error.
func (c *APIClient) GetHealth() (*status.HealthResponse, error) {
	var result status.HealthResponse
	if err := c.get("/api/v1/health", &result, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetSlices fetches one snapshot per slice.
func (c *APIClient) GetSlices() ([]miner.Snapshot, error) {
	var result []miner.Snapshot
	if err := c.get("/api/v1/slices", &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *APIClient) get(endpoint string, out interface{}, acceptStatus ...int) error {
	resp, err := c.HTTPClient.Get(c.BaseURL + endpoint)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	// Read response body first to provide better error messages
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	for _, code := range acceptStatus {
		if resp.StatusCode == code {
			ok = true
		}
	}
	if !ok {
		var errResp struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(respBody, &errResp) == nil && errResp.Error != "" {
			return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
		}
		// Truncate response for error message
		preview := string(respBody)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, preview)
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
