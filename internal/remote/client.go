// Package remote provides the client for the tilldesk backend service.
//
// The backend exposes authenticated JSON endpoints per collection
// (list/create/update/delete) and a WebSocket push channel delivering
// per-record change notifications. This package owns transport concerns
// only; queueing, caching, and conflict policy live in the orchestrator
// and its collaborators.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/tilldesk/tilldesk/internal/record"
)

// TokenFunc supplies the bearer token for a request. Authentication
// itself is an external collaborator; this layer only attaches the
// token it is handed.
type TokenFunc func(ctx context.Context) (string, error)

// APIError is a rejection from the backend (validation failure,
// authorization failure, conflict). Distinct from transport errors,
// which surface as wrapped net/http errors.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("backend rejected request (status %d): %s", e.Status, e.Message)
}

// Config holds client configuration.
type Config struct {
	// BaseURL of the backend, e.g. "https://api.tilldesk.io".
	BaseURL string

	// Token supplies the bearer token per request. Optional.
	Token TokenFunc

	// HTTPClient overrides the default client. Optional.
	HTTPClient *http.Client

	// OnlineTTL is how long a connectivity verdict is reused before
	// re-probing (default 5s).
	OnlineTTL time.Duration

	// Logger for client activity (default: stderr logger).
	Logger *log.Logger
}

// Client talks to the tilldesk backend.
type Client struct {
	baseURL string
	token   TokenFunc
	http    *http.Client
	logger  *log.Logger

	onlineTTL    time.Duration
	onlineMu     sync.Mutex
	online       bool
	onlineProbed time.Time
}

// NewClient creates a backend client.
func NewClient(config *Config) (*Client, error) {
	if config == nil || config.BaseURL == "" {
		return nil, fmt.Errorf("backend base URL is required")
	}

	logger := config.Logger
	if logger == nil {
		logger = log.New(os.Stderr, "[remote] ", log.LstdFlags)
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}

	onlineTTL := config.OnlineTTL
	if onlineTTL == 0 {
		onlineTTL = 5 * time.Second
	}

	return &Client{
		baseURL:   strings.TrimRight(config.BaseURL, "/"),
		token:     config.Token,
		http:      httpClient,
		logger:    logger,
		onlineTTL: onlineTTL,
	}, nil
}

// listResponse is the backend's shape for collection reads.
type listResponse struct {
	Collection []*record.Record `json:"collection"`
	Error      string           `json:"error,omitempty"`
}

// recordResponse is the backend's shape for single-record mutations.
type recordResponse struct {
	Record *record.Record `json:"record"`
	Error  string         `json:"error,omitempty"`
}

// List fetches the full remote set of a collection for the tenant.
func (c *Client) List(ctx context.Context, tenantID, collection string) ([]*record.Record, error) {
	endpoint := fmt.Sprintf("%s/api/v1/%s?tenant_id=%s",
		c.baseURL, url.PathEscape(collection), url.QueryEscape(tenantID))

	var resp listResponse
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &APIError{Status: http.StatusOK, Message: resp.Error}
	}

	// Backend payloads never carry local flags, but a hostile or buggy
	// response must not mark replica rows dirty.
	for _, rec := range resp.Collection {
		rec.Collection = collection
		rec.ClearFlags()
	}

	return resp.Collection, nil
}

// Create submits a new record and returns the authoritative result.
func (c *Client) Create(ctx context.Context, rec *record.Record) (*record.Record, error) {
	endpoint := fmt.Sprintf("%s/api/v1/%s", c.baseURL, url.PathEscape(rec.Collection))
	return c.mutate(ctx, http.MethodPost, endpoint, rec)
}

// Update submits changed fields and returns the authoritative result.
func (c *Client) Update(ctx context.Context, rec *record.Record) (*record.Record, error) {
	endpoint := fmt.Sprintf("%s/api/v1/%s/%s",
		c.baseURL, url.PathEscape(rec.Collection), url.PathEscape(rec.ID))
	return c.mutate(ctx, http.MethodPut, endpoint, rec)
}

// Delete removes a record on the backend.
func (c *Client) Delete(ctx context.Context, tenantID, collection, id string) error {
	endpoint := fmt.Sprintf("%s/api/v1/%s/%s?tenant_id=%s",
		c.baseURL, url.PathEscape(collection), url.PathEscape(id), url.QueryEscape(tenantID))

	var resp recordResponse
	if err := c.do(ctx, http.MethodDelete, endpoint, nil, &resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return &APIError{Status: http.StatusOK, Message: resp.Error}
	}
	return nil
}

// Ping probes the backend's health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to build ping request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("backend unreachable: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("backend unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// Online reports connectivity using a short-lived cached Ping verdict,
// so hot read paths don't probe on every call.
func (c *Client) Online(ctx context.Context) bool {
	c.onlineMu.Lock()
	if time.Since(c.onlineProbed) < c.onlineTTL {
		online := c.online
		c.onlineMu.Unlock()
		return online
	}
	c.onlineMu.Unlock()

	probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	err := c.Ping(probeCtx)
	cancel()

	c.onlineMu.Lock()
	c.online = err == nil
	c.onlineProbed = time.Now()
	online := c.online
	c.onlineMu.Unlock()

	return online
}

// MarkOffline discards the cached connectivity verdict after a request
// failure, so the next Online call re-probes immediately.
func (c *Client) MarkOffline() {
	c.onlineMu.Lock()
	c.online = false
	c.onlineProbed = time.Time{}
	c.onlineMu.Unlock()
}

// mutate sends a write and decodes the single-record response.
func (c *Client) mutate(ctx context.Context, method, endpoint string, rec *record.Record) (*record.Record, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}

	var resp recordResponse
	if err := c.do(ctx, method, endpoint, body, &resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, &APIError{Status: http.StatusOK, Message: resp.Error}
	}
	if resp.Record == nil {
		return nil, fmt.Errorf("backend returned no record")
	}

	resp.Record.Collection = rec.Collection
	resp.Record.ClearFlags()
	return resp.Record, nil
}

// do executes an authenticated JSON request.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != nil {
		token, err := c.token(ctx)
		if err != nil {
			return fmt.Errorf("failed to obtain token: %w", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.MarkOffline()
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		// Try to extract the backend's error message.
		var apiResp recordResponse
		msg := strings.TrimSpace(string(data))
		if json.Unmarshal(data, &apiResp) == nil && apiResp.Error != "" {
			msg = apiResp.Error
		}
		return &APIError{Status: resp.StatusCode, Message: msg}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}
