// Package ollama talks to a local Ollama server over its HTTP API.
package ollama

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
)

const defaultBaseURL = "http://127.0.0.1:11434"

// Client is safe for concurrent use.
type Client struct {
	baseURL      string
	defaultModel string
	httpClient   *http.Client
	streamClient *http.Client
}

// NewClient returns a client for baseURL. timeout bounds non-streaming calls;
// streaming calls are bounded only by their context.
func NewClient(baseURL, defaultModel string, timeout time.Duration) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		defaultModel: defaultModel,
		httpClient:   &http.Client{Timeout: timeout},
		streamClient: &http.Client{},
	}
}

// DefaultModel returns the model used when a request names none.
func (c *Client) DefaultModel() string {
	return c.defaultModel
}

// CheckRunning verifies that Ollama answers on its base URL.
func (c *Client) CheckRunning(ctx context.Context) error {
	resp, err := c.do(ctx, c.httpClient, http.MethodGet, "/", nil)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "unexpected status from ollama: " + resp.Status}
	}
	return nil
}

// ListModels returns the locally available models (GET /api/tags).
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var out listModelsResponse
	if err := c.getJSON(ctx, "/api/tags", &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Running returns the models currently loaded in memory (GET /api/ps).
func (c *Client) Running(ctx context.Context) ([]RunningModel, error) {
	var out runningModelsResponse
	if err := c.getJSON(ctx, "/api/ps", &out); err != nil {
		return nil, err
	}
	return out.Models, nil
}

// Chat sends a non-streaming chat request.
func (c *Client) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	req.Stream = false
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	resp, err := c.postJSON(ctx, c.httpClient, "/api/chat", req)
	if err != nil {
		return nil, err
	}
	defer drainAndClose(resp.Body)

	var out ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ClientError{Type: ErrTypeInvalidResponse, Message: "decode chat response", Cause: err}
	}
	return &out, nil
}

// StreamCallback receives chunks in arrival order.
type StreamCallback func(chunk StreamChunk) error

// ChatStream sends a streaming chat request and invokes cb for every chunk
// until the final one. A callback error stops the stream and is returned.
// Cancelling ctx aborts the request and returns ctx.Err().
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, cb StreamCallback) error {
	req.Stream = true
	if req.Model == "" {
		req.Model = c.defaultModel
	}
	resp, err := c.postJSON(ctx, c.streamClient, "/api/chat", req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return NewStreamReader(resp.Body).Process(ctx, cb)
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	resp, err := c.do(ctx, c.httpClient, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	if err := checkStatus(resp); err != nil {
		return err
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: "decode " + path, Cause: err}
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, hc *http.Client, path string, body interface{}) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	resp, err := c.do(ctx, hc, http.MethodPost, path, payload)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		drainAndClose(resp.Body)
		return nil, err
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, hc *http.Client, method, path string, payload []byte) (*http.Response, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	return resp, nil
}

func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &ClientError{Type: ErrTypeTimeout, Message: ErrTimeout.Message, Cause: err}
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &ClientError{Type: ErrTypeTimeout, Message: ErrTimeout.Message, Cause: err}
	}
	return &ClientError{Type: ErrTypeNotRunning, Message: ErrNotRunning.Message, Cause: err}
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode == http.StatusOK {
		return nil
	}
	var apiErr errorResponse
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
	if resp.StatusCode == http.StatusNotFound {
		msg := ErrModelNotFound.Message
		if apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &ClientError{Type: ErrTypeModelNotFound, Message: msg}
	}
	if apiErr.Error != "" {
		return &ClientError{Type: ErrTypeInvalidResponse, Message: apiErr.Error}
	}
	return &ClientError{Type: ErrTypeInvalidResponse, Message: "ollama request failed: " + resp.Status}
}

func drainAndClose(r io.ReadCloser) {
	_, _ = io.Copy(io.Discard, r)
	r.Close()
}
