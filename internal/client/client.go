// Package client talks to a running toolbridge over its HTTP API and its
// WebSocket push channel.
//
// Example usage:
//
//	c, err := client.New("http://localhost:8080", client.DefaultConfig())
//	if err != nil {
//		return err
//	}
//	result, err := c.CallTool(ctx, "echo", json.RawMessage(`{"msg":"hi"}`))
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bebsworthy/toolbridge/internal/errors"
	"github.com/bebsworthy/toolbridge/internal/protocol"
	"github.com/bebsworthy/toolbridge/internal/server"
)

// Config contains client options.
type Config struct {
	HTTPTimeout time.Duration

	// Push channel settings.
	ReconnectDelay       time.Duration
	MaxReconnectDelay    time.Duration
	MaxReconnectAttempts int
	WriteTimeout         time.Duration
	ReadTimeout          time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		HTTPTimeout:          60 * time.Second,
		ReconnectDelay:       500 * time.Millisecond,
		MaxReconnectDelay:    10 * time.Second,
		MaxReconnectAttempts: 5,
		WriteTimeout:         10 * time.Second,
		ReadTimeout:          90 * time.Second,
	}
}

// APIError is a non-2xx answer from the bridge.
type APIError struct {
	Status  int
	Code    interface{}
	Message string
	Data    json.RawMessage
}

func (e *APIError) Error() string {
	return fmt.Sprintf("toolbridge returned %d: %v: %s", e.Status, e.Code, e.Message)
}

// Client is an HTTP client for one bridge. It lazily creates a session on
// the first tool call.
type Client struct {
	baseURL *url.URL
	config  Config
	http    *http.Client
	logger  *slog.Logger

	mu      sync.Mutex
	session *server.SessionResponse
}

// New creates a client for the bridge at baseURL.
func New(baseURL string, config Config) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, errors.ValidationError("INVALID_URL", fmt.Sprintf("invalid bridge URL %q", baseURL), err)
	}
	defaults := DefaultConfig()
	if config.HTTPTimeout <= 0 {
		config.HTTPTimeout = defaults.HTTPTimeout
	}
	if config.ReconnectDelay <= 0 {
		config.ReconnectDelay = defaults.ReconnectDelay
	}
	if config.MaxReconnectDelay <= 0 {
		config.MaxReconnectDelay = defaults.MaxReconnectDelay
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = defaults.WriteTimeout
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = defaults.ReadTimeout
	}
	u.Path = strings.TrimSuffix(u.Path, "/")

	return &Client{
		baseURL: u,
		config:  config,
		http:    &http.Client{Timeout: config.HTTPTimeout},
		logger:  slog.Default().With(slog.String("component", "client")),
	}, nil
}

// SetLogger sets the logger for client output
func (c *Client) SetLogger(logger *slog.Logger) {
	c.logger = logger
}

// endpoint joins an escaped path, with optional query, onto the base URL.
func (c *Client) endpoint(path string) (string, error) {
	ref, err := url.Parse(path)
	if err != nil {
		return "", errors.ValidationError(errors.CodeInvalidInput, "invalid request path", err)
	}
	u := *c.baseURL
	u.Path = strings.TrimSuffix(u.Path, "/") + ref.Path
	u.RawPath = ""
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

// do sends a request and decodes a 2xx body into out when out is non-nil.
func (c *Client) do(ctx context.Context, method, path string, header http.Header, body []byte, out interface{}) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	target, err := c.endpoint(path)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errors.ConnectionLostError("toolbridge unreachable", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return errors.ConnectionLostError("failed to read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		var envelope struct {
			Error server.ErrorBody `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error.Message != "" {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Data = envelope.Error.Data
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return errors.ProtocolError(errors.CodeInvalidEnvelope, "unexpected response body", err)
	}
	return nil
}

// Health fetches GET /health.
func (c *Client) Health(ctx context.Context) (*server.HealthResponse, error) {
	var h server.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// CreateSession allocates a new session and makes it the client's session.
func (c *Client) CreateSession(ctx context.Context) (*server.SessionResponse, error) {
	var s server.SessionResponse
	if err := c.do(ctx, http.MethodPost, "/session", nil, nil, &s); err != nil {
		return nil, err
	}
	c.mu.Lock()
	c.session = &s
	c.mu.Unlock()

	c.logger.Debug("Session created", slog.String("session_id", s.SessionID))
	return &s, nil
}

// Session returns the current session, creating one if needed.
func (c *Client) Session(ctx context.Context) (*server.SessionResponse, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s != nil {
		return s, nil
	}
	return c.CreateSession(ctx)
}

// ListTools fetches the tool server's tools.
func (c *Client) ListTools(ctx context.Context) ([]protocol.ToolDescriptor, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, "/tools", nil, nil, &raw); err != nil {
		return nil, err
	}
	return protocol.ParseToolsList(raw)
}

// CallTool invokes a tool with a JSON object of arguments. Empty args are
// sent as {}.
func (c *Client) CallTool(ctx context.Context, name string, args json.RawMessage) (json.RawMessage, error) {
	s, err := c.Session(ctx)
	if err != nil {
		return nil, err
	}
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	header := http.Header{}
	header.Set(server.SessionHeader, s.SessionID)

	var result json.RawMessage
	if err := c.do(ctx, http.MethodPost, "/tools/"+url.PathEscape(name), header, args, &result); err != nil {
		return nil, err
	}
	return result, nil
}

// Reconnect asks the bridge to restart its tool server.
func (c *Client) Reconnect(ctx context.Context) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	if err := c.do(ctx, http.MethodPost, "/reconnect", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Message, nil
}

// LogQuery filters Logs. Zero values mean no filter.
type LogQuery struct {
	Lines   int
	Pattern string
	Since   time.Time
}

// Logs fetches the tail of the tool server's stderr.
func (c *Client) Logs(ctx context.Context, q LogQuery) (*server.LogsResponse, error) {
	query := url.Values{}
	if q.Lines > 0 {
		query.Set("lines", strconv.Itoa(q.Lines))
	}
	if q.Pattern != "" {
		query.Set("pattern", q.Pattern)
	}
	if !q.Since.IsZero() {
		query.Set("since", q.Since.Format(time.RFC3339))
	}
	path := "/logs"
	if len(query) > 0 {
		path += "?" + query.Encode()
	}

	var resp server.LogsResponse
	if err := c.do(ctx, http.MethodGet, path, nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}
