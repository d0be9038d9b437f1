package automation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const defaultTimeout = 15 * time.Second

// StartRequest describes the session to open on the automation backend.
type StartRequest struct {
	APIKey string `json:"api_key"`
	Prompt string `json:"prompt"`
	Repo   string `json:"repo,omitempty"`
	Branch string `json:"branch,omitempty"`
	Model  string `json:"model,omitempty"`
	TaskID string `json:"task_id"`
}

// SessionStatus is the backend's view of a running session.
type SessionStatus struct {
	SessionID string `json:"session_id"`
	State     string `json:"state" enum:"running,succeeded,failed"`
	ResultURL string `json:"result_url,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Backend starts and inspects automation sessions.
type Backend interface {
	StartSession(ctx context.Context, req StartRequest) (string, error)
	Session(ctx context.Context, sessionID string) (SessionStatus, error)
}

// Client talks to the automation backend over HTTP. Transient transport
// failures on StartSession are retried with bounded exponential backoff;
// HTTP-level rejections are not retried.
type Client struct {
	BaseURL string
	Secret  string
	HTTP    *http.Client
}

func NewClient(baseURL, secret string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Secret:  secret,
		HTTP:    &http.Client{Timeout: defaultTimeout},
	}
}

// BackendError reports a non-2xx response from the backend.
type BackendError struct {
	Status int
	Body   string
}

func (e BackendError) Error() string {
	return fmt.Sprintf("automation: status %d: %s", e.Status, e.Body)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Secret != "" {
		req.Header.Set("X-Codecat-Secret", c.Secret)
	}
	res, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		// Permanent: a rejected request will not succeed on retry.
		return backoff.Permanent(BackendError{Status: res.StatusCode, Body: strings.TrimSpace(string(data))})
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// StartSession opens a session and returns its ID.
func (c *Client) StartSession(ctx context.Context, req StartRequest) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	op := func() error {
		return c.do(ctx, http.MethodPost, "/sessions", req, &out)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(op, policy); err != nil {
		return "", err
	}
	if out.SessionID == "" {
		return "", fmt.Errorf("automation: backend returned no session id")
	}
	return out.SessionID, nil
}

// Session fetches the current state of a session.
func (c *Client) Session(ctx context.Context, sessionID string) (SessionStatus, error) {
	var status SessionStatus
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID, nil, &status); err != nil {
		return SessionStatus{}, err
	}
	return status, nil
}
