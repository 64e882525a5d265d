// Package client provides an HTTP client for the agentchat REST API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ashureev/agentchat/internal/domain"
	"github.com/ashureev/agentchat/internal/identity"
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	var payload struct {
		Error string `json:"error"`
	}
	if json.Unmarshal([]byte(e.Body), &payload) == nil && payload.Error != "" {
		return fmt.Sprintf("HTTP %d: %s", e.Code, payload.Error)
	}
	if body := strings.TrimSpace(e.Body); body != "" {
		return fmt.Sprintf("HTTP %d: %s", e.Code, body)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, http.StatusText(e.Code))
}

// Client is an HTTP client for the agentchat REST API.
type Client struct {
	baseURL    string
	userID     string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithUser sends every request as the given user.
func WithUser(userID string) Option {
	return func(c *Client) { c.userID = userID }
}

// New creates a client for the server at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// CreateSession calls POST /api/sessions.
func (c *Client) CreateSession(ctx context.Context, agentType, modelID string) (*domain.Session, error) {
	req := map[string]string{"agent_type": agentType}
	if modelID != "" {
		req["model_id"] = modelID
	}
	var sess domain.Session
	if err := c.do(ctx, http.MethodPost, "/api/sessions", req, &sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &sess, nil
}

// ListSessions calls GET /api/sessions. An empty agentType lists all.
func (c *Client) ListSessions(ctx context.Context, agentType string) ([]domain.SessionSummary, error) {
	path := "/api/sessions"
	if agentType != "" {
		path += "?agent_type=" + url.QueryEscape(agentType)
	}
	var resp struct {
		Sessions []domain.SessionSummary `json:"sessions"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return resp.Sessions, nil
}

// GetSession calls GET /api/sessions/{agent_type}/{session_id}.
func (c *Client) GetSession(ctx context.Context, agentType, sessionID string) (*domain.Session, error) {
	var sess domain.Session
	if err := c.do(ctx, http.MethodGet, sessionPath(agentType, sessionID, ""), nil, &sess); err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &sess, nil
}

// DeleteSession calls DELETE /api/sessions/{agent_type}/{session_id}.
func (c *Client) DeleteSession(ctx context.Context, agentType, sessionID string) error {
	if err := c.do(ctx, http.MethodDelete, sessionPath(agentType, sessionID, ""), nil, nil); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// ListFiles calls GET /api/sessions/{agent_type}/{session_id}/files.
func (c *Client) ListFiles(ctx context.Context, agentType, sessionID string) (*domain.SessionFiles, error) {
	var files domain.SessionFiles
	if err := c.do(ctx, http.MethodGet, sessionPath(agentType, sessionID, "/files"), nil, &files); err != nil {
		return nil, fmt.Errorf("list files: %w", err)
	}
	return &files, nil
}

// Logs calls GET /api/sessions/{agent_type}/{session_id}/logs.
func (c *Client) Logs(ctx context.Context, agentType, sessionID string) ([]domain.LogEntry, error) {
	var resp struct {
		Logs []domain.LogEntry `json:"logs"`
	}
	if err := c.do(ctx, http.MethodGet, sessionPath(agentType, sessionID, "/logs"), nil, &resp); err != nil {
		return nil, fmt.Errorf("list logs: %w", err)
	}
	return resp.Logs, nil
}

// UploadResult is the server's answer to an upload.
type UploadResult struct {
	Filename string `json:"filename"`
	Path     string `json:"path"`
}

// Upload sends r as a multipart file to the session's input directory.
func (c *Client) Upload(ctx context.Context, agentType, sessionID, filename string, r io.Reader) (*UploadResult, error) {
	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile("file", filename)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	path := "/api/upload/" + url.PathEscape(agentType) + "/" + url.PathEscape(sessionID)
	httpReq, err := c.newRequest(ctx, http.MethodPost, path, pr)
	if err != nil {
		_ = pr.Close()
		return nil, fmt.Errorf("upload %s: %w", filename, err)
	}
	httpReq.Header.Set("Content-Type", mw.FormDataContentType())

	var res UploadResult
	if err := c.send(httpReq, &res); err != nil {
		return nil, fmt.Errorf("upload %s: %w", filename, err)
	}
	return &res, nil
}

// Agents calls GET /api/agents.
func (c *Client) Agents(ctx context.Context) ([]domain.AgentInfo, error) {
	var resp struct {
		Agents []domain.AgentInfo `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/agents", nil, &resp); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return resp.Agents, nil
}

// Models calls GET /api/models. An empty provider lists all.
func (c *Client) Models(ctx context.Context, provider string) ([]domain.ModelSpec, error) {
	path := "/api/models"
	if provider != "" {
		path += "?provider=" + url.QueryEscape(provider)
	}
	var resp struct {
		Models []domain.ModelSpec `json:"models"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("list models: %w", err)
	}
	return resp.Models, nil
}

func sessionPath(agentType, sessionID, suffix string) string {
	return "/api/sessions/" + url.PathEscape(agentType) + "/" + url.PathEscape(sessionID) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.send(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.userID != "" {
		req.Header.Set(identity.UserHeaderName, c.userID)
	}
	return req, nil
}

func (c *Client) send(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return &StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
