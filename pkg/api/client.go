package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethpandaops/cloudarchive/pkg/archiver"
	"github.com/ethpandaops/cloudarchive/pkg/history"
	"github.com/ethpandaops/cloudarchive/pkg/status"
)

const defaultClientTimeout = 30 * time.Second

// Client talks to a running API server.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBasicAuth sets credentials sent with every request.
func WithBasicAuth(username, password string) ClientOption {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.http = hc
	}
}

// NewClient creates a client for addr, which may be a bare host:port or a
// full URL.
func NewClient(addr string, opts ...ClientOption) *Client {
	base := strings.TrimRight(addr, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}

	c := &Client{
		baseURL: base + "/api/v1",
		http:    &http.Client{Timeout: defaultClientTimeout},
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Status fetches the pipeline status.
func (c *Client) Status(ctx context.Context) (status.Snapshot, error) {
	var snap status.Snapshot

	err := c.do(ctx, http.MethodGet, "/status", nil, &snap)

	return snap, err
}

// Start asks the server to begin watching. An empty dir uses the server's
// configured directory.
func (c *Client) Start(ctx context.Context, dir string) (archiver.Result, error) {
	var res archiver.Result

	err := c.do(ctx, http.MethodPost, "/start", startRequest{OutputDir: dir}, &res)

	return res, err
}

// Stop asks the server to stop watching.
func (c *Client) Stop(ctx context.Context) (archiver.Result, error) {
	var res archiver.Result

	err := c.do(ctx, http.MethodPost, "/stop", nil, &res)

	return res, err
}

// Upload queues a file that exists on the server host.
func (c *Client) Upload(ctx context.Context, path string) (archiver.Result, error) {
	var res archiver.Result

	err := c.do(ctx, http.MethodPost, "/upload", uploadRequest{FilePath: path}, &res)

	return res, err
}

// History lists recorded uploads.
func (c *Client) History(ctx context.Context, limit int, all bool) ([]history.Entry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}

	if all {
		q.Set("all", "true")
	}

	path := "/history"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var resp historyResponse
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}

	return resp.Entries, nil
}

// do sends a request and decodes the JSON response into out. Non-2xx
// responses are returned as errors, using the server's message when present.
func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader

	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}

		reader = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Message: responseMessage(data)}
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}

	return nil
}

// StatusError is a non-2xx API response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("api returned %d", e.Code)
	}

	return fmt.Sprintf("api returned %d: %s", e.Code, e.Message)
}

// responseMessage extracts the message or error field from a JSON body.
func responseMessage(data []byte) string {
	var msg struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}

	if err := json.Unmarshal(data, &msg); err != nil {
		return strings.TrimSpace(string(data))
	}

	if msg.Message != "" {
		return msg.Message
	}

	return msg.Error
}
