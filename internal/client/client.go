// Package client talks to the chat server and keeps the local client state.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"ollamachat/internal/models"
	"ollamachat/internal/ollama"
)

const defaultRequestTimeout = 30 * time.Second

// Client is a typed API client. Requests are authenticated with the token
// held in its Store.
type Client struct {
	baseURL string
	// httpClient has no timeout so streams can run long; non-streaming
	// calls are bounded by defaultRequestTimeout instead.
	httpClient *http.Client
	store      *Store
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// New creates a client for the server at baseURL. A nil store keeps state in
// memory.
func New(baseURL string, store *Store, opts ...Option) *Client {
	if store == nil {
		store, _ = OpenStore("")
	}
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		store:      store,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Store() *Store {
	return c.store
}

// Account is the logged-in user with today's message usage.
type Account struct {
	User           *models.User `json:"user"`
	DailyLimit     int          `json:"daily_limit"`
	DailyUsed      int          `json:"daily_used"`
	DailyRemaining int          `json:"daily_remaining"`
}

// GPUStats lists the models Ollama holds in memory.
type GPUStats struct {
	Models    []ollama.RunningModel `json:"models"`
	TotalSize int64                 `json:"total_size"`
	TotalVRAM int64                 `json:"total_vram"`
}

// Health is the server's liveness answer.
type Health struct {
	Status      string `json:"status"`
	Ollama      string `json:"ollama"`
	OllamaError string `json:"ollama_error,omitempty"`
}

// Export is a downloaded session.
type Export struct {
	FileName    string
	ContentType string
	Data        []byte
}

func (c *Client) Health(ctx context.Context) (*Health, error) {
	var out Health
	if err := c.doJSON(ctx, http.MethodGet, "/api/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Register(ctx context.Context, username, email, password string) (*models.User, error) {
	body := map[string]string{"username": username, "email": email, "password": password}
	var out models.User
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/register", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Login authenticates with a username or email and stores the token.
func (c *Client) Login(ctx context.Context, identifier, password string) (*models.User, error) {
	body := map[string]string{"username": identifier, "password": password}
	var out struct {
		User      *models.User `json:"user"`
		AuthToken string       `json:"auth_token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/login", body, &out); err != nil {
		return nil, err
	}
	if out.User == nil || out.AuthToken == "" {
		return nil, errors.New("login response missing user or token")
	}
	if err := c.store.SetLogin(out.User, out.AuthToken); err != nil {
		return nil, err
	}
	return out.User, nil
}

// Logout revokes the token server-side. Local credentials are cleared even
// when the server call fails.
func (c *Client) Logout(ctx context.Context) error {
	err := c.doJSON(ctx, http.MethodPost, "/api/auth/logout", nil, nil)
	if clearErr := c.store.ClearAuth(); clearErr != nil && err == nil {
		err = clearErr
	}
	if errors.Is(err, ErrUnauthorized) {
		return nil
	}
	return err
}

func (c *Client) Me(ctx context.Context) (*Account, error) {
	var out Account
	if err := c.doJSON(ctx, http.MethodGet, "/api/auth/me", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteAccount(ctx context.Context) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/api/auth/me", nil, nil); err != nil {
		return err
	}
	return c.store.ClearAuth()
}

// StartGuest obtains a guest token and syncs the local guest counter with the
// server's remaining budget.
func (c *Client) StartGuest(ctx context.Context) (int, error) {
	var out struct {
		GuestToken string `json:"guest_token"`
		Remaining  int    `json:"remaining"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/guest", nil, &out); err != nil {
		return 0, err
	}
	if err := c.store.Update(func(st *State) {
		st.GuestToken = out.GuestToken
		if used := GuestMessageLimit - out.Remaining; used > st.GuestMessages {
			st.GuestMessages = used
		}
	}); err != nil {
		return 0, err
	}
	return c.store.GuestRemaining(), nil
}

func (c *Client) Sessions(ctx context.Context) ([]models.Session, error) {
	var out struct {
		Sessions []models.Session `json:"sessions"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/sessions", nil, &out); err != nil {
		return nil, err
	}
	return out.Sessions, nil
}

func (c *Client) CreateSession(ctx context.Context, title string) (*models.Session, error) {
	var out models.Session
	if err := c.doJSON(ctx, http.MethodPost, "/api/sessions", map[string]string{"title": title}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Session returns a session with its messages in order.
func (c *Client) Session(ctx context.Context, id int64) (*models.Session, []*models.Message, error) {
	var out struct {
		Session  *models.Session   `json:"session"`
		Messages []*models.Message `json:"messages"`
	}
	if err := c.doJSON(ctx, http.MethodGet, fmt.Sprintf("/api/sessions/%d", id), nil, &out); err != nil {
		return nil, nil, err
	}
	return out.Session, out.Messages, nil
}

func (c *Client) RenameSession(ctx context.Context, id int64, title string) (*models.Session, error) {
	var out models.Session
	if err := c.doJSON(ctx, http.MethodPatch, fmt.Sprintf("/api/sessions/%d", id), map[string]string{"title": title}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) DeleteSession(ctx context.Context, id int64) error {
	if err := c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/sessions/%d", id), nil, nil); err != nil {
		return err
	}
	return c.store.DropLocal(id)
}

func (c *Client) ClearSession(ctx context.Context, id int64) error {
	return c.doJSON(ctx, http.MethodDelete, fmt.Sprintf("/api/sessions/%d/messages", id), nil, nil)
}

// ExportSession downloads a session as json, md or xlsx.
func (c *Client) ExportSession(ctx context.Context, id int64, format string) (*Export, error) {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	path := fmt.Sprintf("/api/sessions/%d/export?format=%s", id, url.QueryEscape(format))
	resp, err := c.send(ctx, http.MethodGet, path, nil, "", c.store.AuthToken())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read export: %w", err)
	}
	out := &Export{ContentType: resp.Header.Get("Content-Type"), Data: data}
	if _, params, err := mime.ParseMediaType(resp.Header.Get("Content-Disposition")); err == nil {
		out.FileName = params["filename"]
	}
	if out.FileName == "" {
		out.FileName = fmt.Sprintf("session_%d.%s", id, format)
	}
	return out, nil
}

// Upload sends a local file as an attachment of the session.
func (c *Client) Upload(ctx context.Context, sessionID int64, path string) (*models.Attachment, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if err := mw.WriteField("session_id", fmt.Sprint(sessionID)); err != nil {
		return nil, err
	}
	part, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(part, f); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	resp, err := c.send(ctx, http.MethodPost, "/api/upload", &buf, mw.FormDataContentType(), c.store.AuthToken())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return nil, err
	}
	var out struct {
		Attachment *models.Attachment `json:"attachment"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode upload response: %w", err)
	}
	return out.Attachment, nil
}

// Models lists the models installed on the server's Ollama and its default.
func (c *Client) Models(ctx context.Context) ([]ollama.ModelInfo, string, error) {
	var out struct {
		Models  []ollama.ModelInfo `json:"models"`
		Default string             `json:"default"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/models", nil, &out); err != nil {
		return nil, "", err
	}
	return out.Models, out.Default, nil
}

func (c *Client) GPUStats(ctx context.Context) (*GPUStats, error) {
	var out GPUStats
	if err := c.doJSON(ctx, http.MethodGet, "/api/gpu-stats", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ModelParameters fetches the saved defaults and caches them in the store.
func (c *Client) ModelParameters(ctx context.Context) (*models.ModelParameters, error) {
	var out models.ModelParameters
	if err := c.doJSON(ctx, http.MethodGet, "/api/settings/model-parameters", nil, &out); err != nil {
		return nil, err
	}
	if err := c.store.Update(func(st *State) { p := out; st.ModelParameters = &p }); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetModelParameters(ctx context.Context, params *models.ModelParameters) (*models.ModelParameters, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	var out models.ModelParameters
	if err := c.doJSON(ctx, http.MethodPut, "/api/settings/model-parameters", params, &out); err != nil {
		return nil, err
	}
	if err := c.store.Update(func(st *State) { p := out; st.ModelParameters = &p }); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Keys(ctx context.Context) ([]models.APIKey, error) {
	var out struct {
		Keys []models.APIKey `json:"keys"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/keys", nil, &out); err != nil {
		return nil, err
	}
	return out.Keys, nil
}

func (c *Client) SetKey(ctx context.Context, provider, key string) error {
	return c.doJSON(ctx, http.MethodPut, "/api/keys", map[string]string{"provider": provider, "key": key}, nil)
}

func (c *Client) DeleteKey(ctx context.Context, provider string) error {
	return c.doJSON(ctx, http.MethodDelete, "/api/keys?provider="+url.QueryEscape(provider), nil, nil)
}

// doJSON sends body as JSON with the user token and decodes a JSON answer
// into out when out is non-nil.
func (c *Client) doJSON(ctx context.Context, method, path string, body, out interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, defaultRequestTimeout)
	defer cancel()
	var (
		reader      io.Reader
		contentType string
	)
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
		contentType = "application/json"
	}
	resp, err := c.send(ctx, method, path, reader, contentType, c.store.AuthToken())
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := c.checkStatus(resp); err != nil {
		return err
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, path string, body io.Reader, contentType, token string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	return resp, nil
}

// checkStatus turns non-2xx answers into *APIError. A 401 on a user request
// clears the stored credentials.
func (c *Client) checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	var body struct {
		Error string `json:"error"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: body.Error}
	if resp.StatusCode == http.StatusUnauthorized && c.store.AuthToken() != "" &&
		resp.Request != nil && resp.Request.Header.Get("Authorization") == "Bearer "+c.store.AuthToken() {
		_ = c.store.ClearAuth()
	}
	return apiErr
}
