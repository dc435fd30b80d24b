package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client provides typed access to the FindMyCat tracking API.
type Client struct {
	baseURL     string
	deviceToken string
	httpClient  *http.Client
}

// ErrSessionExpired signals that the server rejected our credentials. The
// caller decides whether to re-authenticate, retry, or stop; the client never
// triggers hidden side effects on auth failure.
var ErrSessionExpired = errors.New("api: session expired")

// Option customises client instantiation.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithDeviceToken attaches a device token to ingest requests.
func WithDeviceToken(token string) Option {
	return func(c *Client) {
		c.deviceToken = strings.TrimSpace(token)
	}
}

// New constructs a Client pointing at the provided API base URL.
func New(base string, opts ...Option) (*Client, error) {
	trimmed := strings.TrimSpace(base)
	if trimmed == "" {
		trimmed = "http://localhost:4000"
	}
	if !strings.HasPrefix(trimmed, "http://") && !strings.HasPrefix(trimmed, "https://") {
		trimmed = "http://" + trimmed
	}
	if _, err := url.Parse(trimmed); err != nil {
		return nil, fmt.Errorf("invalid api base url: %w", err)
	}
	cli := &Client{
		baseURL:    strings.TrimRight(trimmed, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(cli)
	}
	return cli, nil
}

// APIError represents an error response from the API.
type APIError struct {
	Status  int
	Message string
}

func (e APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api request failed with status %d", e.Status)
	}
	return fmt.Sprintf("api request failed (%d): %s", e.Status, e.Message)
}

// Location is the wire shape of a stored sample.
type Location struct {
	DeviceID  string   `json:"deviceId"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Timestamp string   `json:"timestamp"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Speed     *float64 `json:"speed,omitempty"`
	Heading   *float64 `json:"heading,omitempty"`
}

// UpdateResult is the response of a single location upload.
type UpdateResult struct {
	Success  bool      `json:"success"`
	Location *Location `json:"location"`
	IsNew    bool      `json:"isNew"`
}

// BatchResult is the response of a batch upload.
type BatchResult struct {
	Success      bool `json:"success"`
	Processed    int  `json:"processed"`
	NewLocations int  `json:"newLocations"`
}

// Health checks server reachability before the polling loop starts.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// UpdateLocation uploads a single sample.
func (c *Client) UpdateLocation(ctx context.Context, loc Location) (UpdateResult, error) {
	var result UpdateResult
	err := c.do(ctx, http.MethodPost, "/api/locations/update", loc, &result)
	return result, err
}

// BatchUpdate uploads several samples in one request.
func (c *Client) BatchUpdate(ctx context.Context, locs []Location) (BatchResult, error) {
	var result BatchResult
	err := c.do(ctx, http.MethodPost, "/api/locations/batch-update", locs, &result)
	return result, err
}

// LatestLocations fetches the latest-per-device snapshot.
func (c *Client) LatestLocations(ctx context.Context) ([]Location, error) {
	var locations []Location
	err := c.do(ctx, http.MethodGet, "/api/locations/latest", nil, &locations)
	return locations, err
}

// LocationHistory fetches stored samples, newest first.
func (c *Client) LocationHistory(ctx context.Context, deviceID string, limit int) ([]Location, error) {
	query := url.Values{}
	if deviceID != "" {
		query.Set("deviceId", deviceID)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/locations/history"
	if encoded := query.Encode(); encoded != "" {
		path += "?" + encoded
	}
	var locations []Location
	err := c.do(ctx, http.MethodGet, path, nil, &locations)
	return locations, err
}

// DeviceStatus is the derived per-device liveness view.
type DeviceStatus struct {
	DeviceID  string  `json:"deviceId"`
	LastSeen  string  `json:"lastSeen"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Online    bool    `json:"online"`
}

// DeviceStatuses fetches the derived device status list.
func (c *Client) DeviceStatuses(ctx context.Context) ([]DeviceStatus, error) {
	var statuses []DeviceStatus
	err := c.do(ctx, http.MethodGet, "/api/devices/status", nil, &statuses)
	return statuses, err
}

func (c *Client) do(ctx context.Context, method, path string, body any, v any) error {
	if c == nil {
		return fmt.Errorf("client is nil")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	endpoint := c.baseURL + path
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.deviceToken != "" {
		req.Header.Set("X-Device-Token", c.deviceToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: %s", ErrSessionExpired, extractError(resp.Body))
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return APIError{Status: resp.StatusCode, Message: extractError(resp.Body)}
	}

	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func extractError(body io.Reader) string {
	if body == nil {
		return ""
	}
	var payload struct {
		Error string `json:"error"`
	}
	raw, err := io.ReadAll(io.LimitReader(body, 4096))
	if err != nil {
		return ""
	}
	if err := json.Unmarshal(raw, &payload); err == nil && payload.Error != "" {
		return payload.Error
	}
	return strings.TrimSpace(string(raw))
}
