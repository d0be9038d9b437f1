package codecatsdk

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
)

// Client is a minimal CodeCat HTTP API client. The Discord bot relay
// authenticates with an API key and names the platform user it acts for on
// each call; dashboard callers authenticate with a bearer token and act as
// themselves.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Guild is a registered guild's configuration.
type Guild struct {
	ID             string   `json:"id"`
	GuildID        string   `json:"guild_id"`
	Name           string   `json:"name,omitempty"`
	OwnerDiscordID string   `json:"owner_discord_id,omitempty"`
	CreateRoleIDs  []string `json:"create_role_ids"`
	ConfirmRoleIDs []string `json:"confirm_role_ids"`
	HasDefaultKey  bool     `json:"has_default_key"`
	DefaultRepo    *string  `json:"default_repo,omitempty"`
	DefaultBranch  *string  `json:"default_branch,omitempty"`
	DefaultModel   *string  `json:"default_model,omitempty"`
}

// GuildRef is a guild as seen in the caller's guild list.
type GuildRef struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Owner bool   `json:"owner"`
}

// GuildList is the guild listing together with its credential state.
type GuildList struct {
	Guilds       []GuildRef `json:"guilds"`
	NoToken      bool       `json:"no_token"`
	Unauthorized bool       `json:"unauthorized"`
}

// Task is the API task model.
type Task struct {
	ID            string  `json:"id"`
	GuildID       string  `json:"guild_id"`
	DiscordUserID string  `json:"discord_user_id"`
	Prompt        string  `json:"prompt"`
	Status        string  `json:"status"`
	ResultURL     *string `json:"result_url,omitempty"`
	SessionID     *string `json:"session_id,omitempty"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

// Capabilities is a user's authorization verdict in a guild.
type Capabilities struct {
	CanCreate  bool `json:"can_create"`
	CanConfirm bool `json:"can_confirm"`
	Degraded   bool `json:"degraded"`
}

// Role is an entry from the merged role view.
type Role struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position,omitempty"`
	Verified bool   `json:"verified"`
}

// RoleList is the merged role view for a guild.
type RoleList struct {
	Roles    []Role `json:"roles"`
	Degraded bool   `json:"degraded"`
}

// User is a stored user profile.
type User struct {
	ID              string  `json:"id"`
	DiscordID       string  `json:"discord_id"`
	DiscordUsername string  `json:"discord_username,omitempty"`
	HasKey          bool    `json:"has_key"`
	GithubUsername  *string `json:"github_username,omitempty"`
}

// Event is a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	GuildID    string         `json:"guild_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code carries the error envelope's code
// when the body parses, so callers can branch on forbidden, stale_transition,
// or no_key_available without string matching.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ListGuilds returns the guilds visible to the bearer caller.
func (c *Client) ListGuilds(ctx context.Context) (GuildList, error) {
	var resp GuildList
	err := c.do(ctx, http.MethodGet, "guilds", nil, &resp)
	return resp, err
}

// SelectGuild registers a guild for task automation.
func (c *Client) SelectGuild(ctx context.Context, guildID string) (Guild, error) {
	var resp Guild
	err := c.do(ctx, http.MethodPost, c.guildPath(guildID, "select"), map[string]any{}, &resp)
	return resp, err
}

// GetGuild fetches a guild's configuration.
func (c *Client) GetGuild(ctx context.Context, guildID string) (Guild, error) {
	var resp Guild
	err := c.do(ctx, http.MethodGet, c.guildPath(guildID, ""), nil, &resp)
	return resp, err
}

// UpdatePermissions replaces the create and confirm role lists.
// discordUserID names the acting platform user for API-key callers.
func (c *Client) UpdatePermissions(ctx context.Context, guildID, discordUserID string, createRoles, confirmRoles []string) (Guild, error) {
	body := map[string]any{
		"create_role_ids":  createRoles,
		"confirm_role_ids": confirmRoles,
	}
	if discordUserID != "" {
		body["discord_user_id"] = discordUserID
	}
	var resp Guild
	err := c.do(ctx, http.MethodPatch, c.guildPath(guildID, "permissions"), body, &resp)
	return resp, err
}

// Capabilities resolves a user's capabilities in a guild.
func (c *Client) Capabilities(ctx context.Context, guildID, discordUserID string) (Capabilities, error) {
	endpoint := c.guildPath(guildID, "capabilities")
	if discordUserID != "" {
		endpoint += "?discord_user_id=" + url.QueryEscape(discordUserID)
	}
	var resp Capabilities
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GuildRoles returns the merged role view for a guild.
func (c *Client) GuildRoles(ctx context.Context, guildID string) (RoleList, error) {
	var resp RoleList
	err := c.do(ctx, http.MethodGet, c.guildPath(guildID, "roles"), nil, &resp)
	return resp, err
}

// CreateTaskRequest carries task creation parameters.
type CreateTaskRequest struct {
	Description   string `json:"description"`
	Repo          string `json:"repo,omitempty"`
	Branch        string `json:"branch,omitempty"`
	Model         string `json:"model,omitempty"`
	DiscordUserID string `json:"discord_user_id,omitempty"`
}

// CreateTask creates a task in a guild.
func (c *Client) CreateTask(ctx context.Context, guildID string, req CreateTaskRequest) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodPost, c.guildPath(guildID, "tasks"), req, &resp)
	return resp, err
}

// ListTasks lists a guild's tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, guildID, status string, limit int) ([]Task, error) {
	endpoint := c.guildPath(guildID, "tasks")
	params := url.Values{}
	if status != "" {
		params.Set("status", status)
	}
	if limit > 0 {
		params.Set("limit", fmt.Sprint(limit))
	}
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetTask fetches a task by ID.
func (c *Client) GetTask(ctx context.Context, taskID string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "tasks/"+url.PathEscape(taskID), nil, &resp)
	return resp, err
}

// ConfirmTask confirms a pending task as the named user.
func (c *Client) ConfirmTask(ctx context.Context, taskID, discordUserID string) (Task, error) {
	return c.moderate(ctx, taskID, "confirm", discordUserID)
}

// RejectTask rejects a pending task as the named user.
func (c *Client) RejectTask(ctx context.Context, taskID, discordUserID string) (Task, error) {
	return c.moderate(ctx, taskID, "reject", discordUserID)
}

func (c *Client) moderate(ctx context.Context, taskID, action, discordUserID string) (Task, error) {
	body := map[string]any{}
	if discordUserID != "" {
		body["discord_user_id"] = discordUserID
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "tasks/"+url.PathEscape(taskID)+"/"+action, body, &resp)
	return resp, err
}

// Me returns the caller's stored profile.
func (c *Client) Me(ctx context.Context, discordUserID string) (User, error) {
	endpoint := "users/me"
	if discordUserID != "" {
		endpoint += "?discord_user_id=" + url.QueryEscape(discordUserID)
	}
	var resp User
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// SetUserKey sets or clears the user's automation key. A nil key clears it.
func (c *Client) SetUserKey(ctx context.Context, discordUserID string, key *string) (User, error) {
	body := map[string]any{"automation_key": key}
	if discordUserID != "" {
		body["discord_user_id"] = discordUserID
	}
	var resp User
	err := c.do(ctx, http.MethodPut, "users/me/key", body, &resp)
	return resp, err
}

// ConnectGithub stores the user's source-control connection.
func (c *Client) ConnectGithub(ctx context.Context, discordUserID, accessToken, username string) (User, error) {
	body := map[string]any{"access_token": accessToken}
	if username != "" {
		body["username"] = username
	}
	if discordUserID != "" {
		body["discord_user_id"] = discordUserID
	}
	var resp User
	err := c.do(ctx, http.MethodPut, "users/me/github", body, &resp)
	return resp, err
}

// Events returns recent audit events for a guild.
func (c *Client) Events(ctx context.Context, guildID string, limit int) ([]Event, error) {
	endpoint := c.guildPath(guildID, "events")
	if limit > 0 {
		endpoint += fmt.Sprintf("?limit=%d", limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) guildPath(guildID, rest string) string {
	p := "guilds/" + url.PathEscape(guildID)
	if rest != "" {
		p += "/" + rest
	}
	return p
}

// base returns the configured base URL without a trailing slash. BaseURL
// includes the API base path, e.g. http://127.0.0.1:8787/api/v1.
func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
