package cli

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

	"github.com/worldland/worldland-broker/internal/api"
	"github.com/worldland/worldland-broker/internal/broker"
	"github.com/worldland/worldland-broker/internal/domain"
)

// BrokerClient wraps the broker REST API.
type BrokerClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewBrokerClient creates a new broker API client. A nil httpClient gets a
// plain client with a 30s timeout.
func NewBrokerClient(baseURL string, httpClient *http.Client) *BrokerClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &BrokerClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// APIError is a non-2xx answer from the broker. It unwraps to the matching
// domain sentinel so callers can use errors.Is.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("API error %d (%s): %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("API error %d: %s", e.StatusCode, e.Message)
}

func (e *APIError) Unwrap() error {
	switch e.Code {
	case "NODE_NOT_FOUND", "GPU_NOT_FOUND", "RESERVATION_NOT_FOUND":
		return domain.ErrNotFound
	case "INSUFFICIENT_MEMORY":
		return domain.ErrInsufficientMemory
	case "NO_CAPACITY":
		return domain.ErrNoCapacity
	case "STORE_UNAVAILABLE":
		return domain.ErrStoreUnavailable
	case "INVALID_REQUEST":
		return domain.ErrInvalidRequest
	}
	return nil
}

// --- Broker API ---

// Nodes returns the cluster view.
func (c *BrokerClient) Nodes(ctx context.Context) (*api.ClusterResponse, error) {
	var resp api.ClusterResponse
	if err := c.do(ctx, http.MethodGet, "/api/v1/nodes", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Find asks for the best-fit GPU without reserving it.
func (c *BrokerClient) Find(ctx context.Context, req broker.FindRequest) (*broker.Candidate, error) {
	var cand broker.Candidate
	if err := c.do(ctx, http.MethodPost, "/api/v1/gpus/find", req, &cand); err != nil {
		return nil, err
	}
	return &cand, nil
}

// Reserve commits a reservation on a specific GPU.
func (c *BrokerClient) Reserve(ctx context.Context, req broker.ReserveRequest) (*broker.Reserved, error) {
	var reserved broker.Reserved
	if err := c.do(ctx, http.MethodPost, "/api/v1/reservations", req, &reserved); err != nil {
		return nil, err
	}
	return &reserved, nil
}

// Finish releases a reservation.
func (c *BrokerClient) Finish(ctx context.Context, req broker.FinishRequest) (*broker.Freed, error) {
	var freed broker.Freed
	if err := c.do(ctx, http.MethodPost, "/api/v1/reservations/finish", req, &freed); err != nil {
		return nil, err
	}
	return &freed, nil
}

// Reset drops every active reservation and process list.
func (c *BrokerClient) Reset(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/v1/reset", nil, nil)
}

// History returns archived reservations of one GPU.
func (c *BrokerClient) History(ctx context.Context, nodeID, gpuID string) (*api.HistoryResponse, error) {
	var resp api.HistoryResponse
	path := fmt.Sprintf("/api/v1/nodes/%s/gpus/%s/history", url.PathEscape(nodeID), url.PathEscape(gpuID))
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PushStatus sends a node telemetry report.
func (c *BrokerClient) PushStatus(ctx context.Context, status domain.NodeStatus) error {
	return c.do(ctx, http.MethodPost, "/api/v1/nodes/status", status, nil)
}

// --- HTTP helpers ---

func (c *BrokerClient) do(ctx context.Context, method, path string, payload, result any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var er api.ErrorResponse
		if json.Unmarshal(data, &er) == nil && er.Error != "" {
			apiErr.Code, apiErr.Message = er.Code, er.Error
		}
		return apiErr
	}

	if result != nil && len(data) > 0 {
		if err := json.Unmarshal(data, result); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}
