package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/filemonitor/filemon/internal/service"
)

// ErrInstallRejected is returned by Client.Start when the service could not
// install the watch (HTTP 422).
var ErrInstallRejected = errors.New("api: watch install rejected")

// Client calls a running filemon service over its control API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient returns a Client for the service at baseURL (for example
// "http://127.0.0.1:7070"). token, when set, is sent as a Bearer token.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// State returns the current snapshot.
func (c *Client) State(ctx context.Context) (service.Snapshot, error) {
	return c.do(ctx, http.MethodGet, nil)
}

// Start asks the service to watch path.
func (c *Client) Start(ctx context.Context, path string) (service.Snapshot, error) {
	body, err := json.Marshal(WatchRequest{Path: path})
	if err != nil {
		return service.Snapshot{}, fmt.Errorf("api: encode request: %w", err)
	}
	return c.do(ctx, http.MethodPut, body)
}

// Stop asks the service to stop watching.
func (c *Client) Stop(ctx context.Context) (service.Snapshot, error) {
	return c.do(ctx, http.MethodDelete, nil)
}

func (c *Client) do(ctx context.Context, method string, body []byte) (service.Snapshot, error) {
	var snap service.Snapshot

	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/api/v1/watch", rd)
	if err != nil {
		return snap, fmt.Errorf("api: build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return snap, fmt.Errorf("api: %s /api/v1/watch: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		if resp.StatusCode == http.StatusUnprocessableEntity {
			return snap, fmt.Errorf("%w: %s", ErrInstallRejected, e.Error)
		}
		return snap, fmt.Errorf("api: %s /api/v1/watch: %s: %s", method, resp.Status, e.Error)
	}

	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return snap, fmt.Errorf("api: decode snapshot: %w", err)
	}
	return snap, nil
}
