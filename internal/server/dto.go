package server

import (
	"encoding/json"

	"codecat/internal/credentials"
	"codecat/internal/domain"
	"codecat/internal/permissions"
)

// Request payloads

type UpdatePermissionsRequest struct {
	CreateRoleIDs  []string `json:"create_role_ids"`
	ConfirmRoleIDs []string `json:"confirm_role_ids"`
}

type UpdateDefaultsRequest struct {
	AutomationKey *string `json:"automation_key,omitempty"`
	Repo          *string `json:"repo,omitempty"`
	Branch        *string `json:"branch,omitempty"`
	Model         *string `json:"model,omitempty"`
}

type CreateTaskRequest struct {
	Description string `json:"description"`
	Repo        string `json:"repo,omitempty"`
	Branch      string `json:"branch,omitempty"`
	Model       string `json:"model,omitempty"`
}

type SetUserKeyRequest struct {
	AutomationKey *string `json:"automation_key"`
}

type ConnectGithubRequest struct {
	AccessToken string `json:"access_token"`
	Username    string `json:"username,omitempty"`
}

type CompletionSignalRequest struct {
	TaskID    string `json:"task_id"`
	Status    string `json:"status" enum:"succeeded,failed"`
	ResultURL string `json:"result_url,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Response payloads

type GuildResponse struct {
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
	CreatedAt      string   `json:"created_at" format:"date-time"`
}

type GuildListResponse struct {
	Guilds       []credentials.GuildRef `json:"guilds"`
	NoToken      bool                   `json:"no_token"`
	Unauthorized bool                   `json:"unauthorized"`
}

type RoleResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position,omitempty"`
	Verified bool   `json:"verified"`
}

type RoleListResponse struct {
	Roles    []RoleResponse `json:"roles"`
	Degraded bool           `json:"degraded"`
}

type CapabilitiesResponse struct {
	CanCreate  bool `json:"can_create"`
	CanConfirm bool `json:"can_confirm"`
	Degraded   bool `json:"degraded"`
}

type TaskResponse struct {
	ID            string  `json:"id"`
	GuildID       string  `json:"guild_id"`
	DiscordUserID string  `json:"discord_user_id"`
	Prompt        string  `json:"prompt"`
	Status        string  `json:"status" enum:"pending_confirmation,in_progress,completed,rejected"`
	ResultURL     *string `json:"result_url,omitempty"`
	SessionID     *string `json:"session_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

type UserResponse struct {
	ID              string  `json:"id"`
	DiscordID       string  `json:"discord_id"`
	DiscordUsername string  `json:"discord_username,omitempty"`
	HasKey          bool    `json:"has_key"`
	GithubUsername  *string `json:"github_username,omitempty"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	GuildID    string         `json:"guild_id,omitempty"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// Conversion helpers

func guildResponse(g domain.Guild) GuildResponse {
	return GuildResponse{
		ID:             g.ID,
		GuildID:        g.GuildID,
		Name:           g.Name,
		OwnerDiscordID: g.OwnerDiscordID,
		CreateRoleIDs:  nonNilSlice(g.Permissions.CreateRoleIDs),
		ConfirmRoleIDs: nonNilSlice(g.Permissions.ConfirmRoleIDs),
		HasDefaultKey:  g.DefaultAutomationKey != nil && *g.DefaultAutomationKey != "",
		DefaultRepo:    g.DefaultRepo,
		DefaultBranch:  g.DefaultBranch,
		DefaultModel:   g.DefaultModel,
		CreatedAt:      g.CreatedAt,
	}
}

func taskResponse(t domain.Task) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		GuildID:       t.GuildID,
		DiscordUserID: t.DiscordUserID,
		Prompt:        t.Prompt,
		Status:        t.Status,
		ResultURL:     t.ResultURL,
		SessionID:     t.SessionID,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

func mapTasks(tasks []domain.Task) []TaskResponse {
	res := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskResponse(t))
	}
	return res
}

func userResponse(u domain.User) UserResponse {
	return UserResponse{
		ID:              u.ID,
		DiscordID:       u.DiscordID,
		DiscordUsername: u.DiscordUsername,
		HasKey:          u.AutomationKey != nil && *u.AutomationKey != "",
		GithubUsername:  u.GithubUsername,
	}
}

func roleListResponse(r permissions.RoleListResult) RoleListResponse {
	roles := make([]RoleResponse, 0, len(r.Roles))
	for _, role := range r.Roles {
		roles = append(roles, RoleResponse(role))
	}
	return RoleListResponse{Roles: roles, Degraded: r.Degraded}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		GuildID:    e.GuildID,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
