package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"codecat/internal/app"
	"codecat/internal/automation"
	"codecat/internal/credentials"
	"codecat/internal/discord"
	"codecat/internal/domain"
	"codecat/internal/engine"
	"codecat/internal/events"
	"codecat/internal/permissions"
	"codecat/internal/repo"
)

// ChatService is the chat-platform surface the API depends on.
type ChatService interface {
	UserGuilds(ctx context.Context, token string) ([]credentials.GuildRef, error)
	Guild(ctx context.Context, guildID string) (discord.Guild, error)
	GuildRoles(ctx context.Context, guildID string) ([]discord.Role, error)
	GuildMember(ctx context.Context, guildID, userID string) (discord.Member, error)
}

// Config for the HTTP API handler.
type Config struct {
	Engine        engine.Engine
	Chat          ChatService
	Sessions      credentials.SessionStore
	BasePath      string
	Auth          AuthConfig
	WebhookSecret string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"stale_transition"`
	Message string         `json:"message" example:"task status changed concurrently"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the CodeCat API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	// Override Huma errors to use the envelope shape.
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("CodeCat API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	perms := permissions.Reconciler{Chat: cfg.Chat}

	registerDocs(router, basePath)
	registerHealth(group)
	registerGuilds(group, cfg, perms)
	registerTasks(group, cfg)
	registerUsers(group, cfg)
	registerEvents(group, cfg)
	registerWebhook(group, cfg)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var fe permissions.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"capability": fe.Capability})
	}
	if errors.Is(err, engine.ErrStaleTransition) {
		return newAPIError(http.StatusConflict, "stale_transition", err.Error(), nil)
	}
	if errors.Is(err, engine.ErrNoKeyAvailable) {
		return newAPIError(http.StatusUnprocessableEntity, "no_key_available", err.Error(), nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	var unauth discord.ErrUnauthorized
	if errors.As(err, &unauth) {
		return newAPIError(http.StatusBadGateway, "upstream_unavailable", "chat platform rejected service credentials", nil)
	}
	var upstream discord.UpstreamError
	if errors.As(err, &upstream) {
		return newAPIError(http.StatusBadGateway, "upstream_unavailable", err.Error(), nil)
	}
	var backend automation.BackendError
	if errors.As(err, &backend) {
		return newAPIError(http.StatusBadGateway, "upstream_unavailable", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	if strings.Contains(lowered, "invalid") || strings.Contains(lowered, "missing") || strings.Contains(lowered, "required") {
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusBadGateway:
		return "upstream_unavailable"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

// platformUserID picks the platform user an operation acts for: the session's
// own identity, or the explicitly named user when a trusted API-key caller
// (the bot) relays an interaction.
func platformUserID(ctx context.Context, explicit string) (string, huma.StatusError) {
	p, ok := principalFromContext(ctx)
	if !ok {
		return "", newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
	}
	if p.Source == "api_key" && explicit != "" {
		return explicit, nil
	}
	if p.DiscordID != "" {
		return p.DiscordID, nil
	}
	if explicit != "" {
		return explicit, nil
	}
	return "", newAPIError(http.StatusBadRequest, "bad_request", "discord user id required", nil)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerGuilds(api huma.API, cfg Config, perms permissions.Reconciler) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "list-guilds",
		Method:      http.MethodGet,
		Path:        "/guilds",
		Summary:     "List the caller's guilds",
		Errors:      []int{http.StatusBadGateway},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body GuildListResponse `json:"body"`
	}, error) {
		p, ok := principalFromContext(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		ac := accountContext(p)
		sessions := cfg.Sessions
		if sessions == nil {
			sessions = credentials.StaticStore{Session: ac.Session}
		}
		res, err := credentials.ListGuildsWithRetry(ctx, "discord", sessions, ac, cfg.Chat)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuildListResponse `json:"body"`
		}{Body: GuildListResponse{
			Guilds:       res.Guilds,
			NoToken:      res.NoToken,
			Unauthorized: res.Unauthorized,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "select-guild",
		Method:        http.MethodPost,
		Path:          "/guilds/{guild_id}/select",
		Summary:       "Register a guild for task automation",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
	}) (*struct {
		Body GuildResponse `json:"body"`
	}, error) {
		// Guild metadata is advisory; registration proceeds without it when
		// the platform lookup fails.
		name, owner := "", ""
		if meta, err := cfg.Chat.Guild(ctx, input.GuildID); err == nil {
			name, owner = meta.Name, meta.OwnerID
		}
		g, registered, err := app.ResolveGuild(ctx, e.Repo, input.GuildID, name, owner)
		if err != nil {
			return nil, handleError(err)
		}
		if registered {
			actorID, _ := actorIDFromContext(ctx)
			if tx, err := e.DB.BeginTx(ctx, nil); err == nil {
				if err := e.Events.Append(ctx, tx, events.GuildRegistered, g.ID, "guild", g.ID, actorID, events.EventPayload{
					"guild_id": g.GuildID,
					"name":     g.Name,
				}); err == nil {
					_ = tx.Commit()
				} else {
					_ = tx.Rollback()
				}
			}
		}
		return &struct {
			Body GuildResponse `json:"body"`
		}{Body: guildResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-guild",
		Method:      http.MethodGet,
		Path:        "/guilds/{guild_id}",
		Summary:     "Get guild configuration",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
	}) (*struct {
		Body GuildResponse `json:"body"`
	}, error) {
		g, err := e.Repo.GetGuildByDiscordID(ctx, input.GuildID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuildResponse `json:"body"`
		}{Body: guildResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-guild-permissions",
		Method:      http.MethodPatch,
		Path:        "/guilds/{guild_id}/permissions",
		Summary:     "Update create/confirm role lists",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
		Body    struct {
			UpdatePermissionsRequest
			DiscordUserID string `json:"discord_user_id,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body GuildResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID, authErr := platformUserID(ctx, input.Body.DiscordUserID)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.Repo.GetGuildByDiscordID(ctx, input.GuildID)
		if err != nil {
			return nil, handleError(err)
		}
		caps, err := perms.ResolveCapabilities(ctx, g, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if !caps.CanConfirm {
			return nil, handleError(permissions.ForbiddenError{Capability: "confirm"})
		}
		newPerms := domain.GuildPermissions{
			CreateRoleIDs:  nonNilSlice(input.Body.CreateRoleIDs),
			ConfirmRoleIDs: nonNilSlice(input.Body.ConfirmRoleIDs),
		}
		tx, err := e.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, handleError(err)
		}
		defer tx.Rollback()
		if err := e.Repo.UpdateGuildPermissions(ctx, tx, g.ID, newPerms); err != nil {
			return nil, handleError(err)
		}
		if err := e.Events.Append(ctx, tx, events.GuildPermsUpdated, g.ID, "guild", g.ID, actorID, events.EventPayload{
			"create_role_ids":  newPerms.CreateRoleIDs,
			"confirm_role_ids": newPerms.ConfirmRoleIDs,
		}); err != nil {
			return nil, handleError(err)
		}
		if err := tx.Commit(); err != nil {
			return nil, handleError(err)
		}
		g.Permissions = newPerms
		return &struct {
			Body GuildResponse `json:"body"`
		}{Body: guildResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "update-guild-defaults",
		Method:      http.MethodPatch,
		Path:        "/guilds/{guild_id}/defaults",
		Summary:     "Update guild defaults",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
		Body    struct {
			UpdateDefaultsRequest
			DiscordUserID string `json:"discord_user_id,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body GuildResponse `json:"body"`
	}, error) {
		userID, authErr := platformUserID(ctx, input.Body.DiscordUserID)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.Repo.GetGuildByDiscordID(ctx, input.GuildID)
		if err != nil {
			return nil, handleError(err)
		}
		// The default automation key decides whose credential sessions run
		// under, so changing it takes the same capability as the role lists.
		caps, err := perms.ResolveCapabilities(ctx, g, userID)
		if err != nil {
			return nil, handleError(err)
		}
		if !caps.CanConfirm {
			return nil, handleError(permissions.ForbiddenError{Capability: "confirm"})
		}
		d := repo.GuildDefaults{
			AutomationKey: input.Body.AutomationKey,
			Repo:          input.Body.Repo,
			Branch:        input.Body.Branch,
			Model:         input.Body.Model,
		}
		if err := e.Repo.UpdateGuildDefaults(ctx, g.ID, d); err != nil {
			return nil, handleError(err)
		}
		g, err = e.Repo.GetGuild(ctx, g.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body GuildResponse `json:"body"`
		}{Body: guildResponse(g)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-guild-roles",
		Method:      http.MethodGet,
		Path:        "/guilds/{guild_id}/roles",
		Summary:     "List guild roles",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
	}) (*struct {
		Body RoleListResponse `json:"body"`
	}, error) {
		g, err := e.Repo.GetGuildByDiscordID(ctx, input.GuildID)
		if err != nil {
			return nil, handleError(err)
		}
		res, err := perms.MergeRoles(ctx, g)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RoleListResponse `json:"body"`
		}{Body: roleListResponse(res)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-capabilities",
		Method:      http.MethodGet,
		Path:        "/guilds/{guild_id}/capabilities",
		Summary:     "Resolve the caller's capabilities in a guild",
		Errors:      []int{http.StatusNotFound, http.StatusBadGateway},
	}, func(ctx context.Context, input *struct {
		GuildID       string `path:"guild_id"`
		DiscordUserID string `query:"discord_user_id"`
	}) (*struct {
		Body CapabilitiesResponse `json:"body"`
	}, error) {
		userID, authErr := platformUserID(ctx, input.DiscordUserID)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.Repo.GetGuildByDiscordID(ctx, input.GuildID)
		if err != nil {
			return nil, handleError(err)
		}
		caps, err := perms.ResolveCapabilities(ctx, g, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CapabilitiesResponse `json:"body"`
		}{Body: CapabilitiesResponse(caps)}, nil
	})
}

func registerTasks(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/guilds/{guild_id}/tasks",
		Summary:       "Create a task",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
		Body    struct {
			CreateTaskRequest
			DiscordUserID string `json:"discord_user_id,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID, authErr := platformUserID(ctx, input.Body.DiscordUserID)
		if authErr != nil {
			return nil, authErr
		}
		g, err := e.Repo.GetGuildByDiscordID(ctx, input.GuildID)
		if err != nil {
			return nil, handleError(err)
		}
		t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
			GuildID:       g.ID,
			DiscordUserID: userID,
			Description:   input.Body.Description,
			Repo:          input.Body.Repo,
			Branch:        input.Body.Branch,
			Model:         input.Body.Model,
			ActorID:       actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/guilds/{guild_id}/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
		Status  string `query:"status"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []TaskResponse `json:"body"`
	}, error) {
		g, err := e.Repo.GetGuildByDiscordID(ctx, input.GuildID)
		if err != nil {
			return nil, handleError(err)
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{
			GuildID: g.ID,
			Status:  input.Status,
			Limit:   normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []TaskResponse `json:"body"`
		}{Body: mapTasks(tasks)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		t, err := e.Repo.GetTask(ctx, input.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	type moderationBody struct {
		DiscordUserID string `json:"discord_user_id,omitempty"`
	}

	huma.Register(api, huma.Operation{
		OperationID: "confirm-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/confirm",
		Summary:     "Confirm a pending task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body moderationBody `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID, authErr := platformUserID(ctx, input.Body.DiscordUserID)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.ConfirmTask(ctx, input.ID, userID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "reject-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{id}/reject",
		Summary:     "Reject a pending task",
		Errors: []int{
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusBadGateway,
		},
	}, func(ctx context.Context, input *struct {
		ID   string         `path:"id"`
		Body moderationBody `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		userID, authErr := platformUserID(ctx, input.Body.DiscordUserID)
		if authErr != nil {
			return nil, authErr
		}
		t, err := e.RejectTask(ctx, input.ID, userID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerUsers(api huma.API, cfg Config) {
	e := cfg.Engine

	huma.Register(api, huma.Operation{
		OperationID: "get-me",
		Method:      http.MethodGet,
		Path:        "/users/me",
		Summary:     "Get the caller's stored profile",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DiscordUserID string `query:"discord_user_id"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		userID, authErr := platformUserID(ctx, input.DiscordUserID)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.Repo.GetUserByDiscordID(ctx, userID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-user-key",
		Method:      http.MethodPut,
		Path:        "/users/me/key",
		Summary:     "Set or clear the caller's automation key",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			SetUserKeyRequest
			DiscordUserID string `json:"discord_user_id,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		userID, authErr := platformUserID(ctx, input.Body.DiscordUserID)
		if authErr != nil {
			return nil, authErr
		}
		u, err := app.ResolveUser(ctx, e.Repo, userID, "")
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.Repo.SetUserAutomationKey(ctx, u.ID, input.Body.AutomationKey); err != nil {
			return nil, handleError(err)
		}
		u, err = e.Repo.GetUser(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "connect-github",
		Method:      http.MethodPut,
		Path:        "/users/me/github",
		Summary:     "Store the caller's source-control connection",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			ConnectGithubRequest
			DiscordUserID string `json:"discord_user_id,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body UserResponse `json:"body"`
	}, error) {
		if strings.TrimSpace(input.Body.AccessToken) == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "access_token is required", nil)
		}
		userID, authErr := platformUserID(ctx, input.Body.DiscordUserID)
		if authErr != nil {
			return nil, authErr
		}
		u, err := app.ResolveUser(ctx, e.Repo, userID, input.Body.Username)
		if err != nil {
			return nil, handleError(err)
		}
		var username *string
		if input.Body.Username != "" {
			username = &input.Body.Username
		}
		if err := e.Repo.SetUserGithubConnection(ctx, u.ID, &input.Body.AccessToken, username); err != nil {
			return nil, handleError(err)
		}
		u, err = e.Repo.GetUser(ctx, u.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UserResponse `json:"body"`
		}{Body: userResponse(u)}, nil
	})
}

func registerEvents(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/guilds/{guild_id}/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		GuildID string `path:"guild_id"`
		Type    string `query:"type"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		g, err := e.Repo.GetGuildByDiscordID(ctx, input.GuildID)
		if err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.LatestEvents(ctx, normalizeLimit(input.Limit), g.ID, input.Type, "", "")
		if err != nil {
			return nil, handleError(err)
		}
		res := make([]EventResponse, 0, len(items))
		for _, evt := range items {
			res = append(res, eventResponse(evt))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: res}, nil
	})
}

func registerWebhook(api huma.API, cfg Config) {
	e := cfg.Engine
	huma.Register(api, huma.Operation{
		OperationID: "automation-webhook",
		Method:      http.MethodPost,
		Path:        "/webhooks/automation",
		Summary:     "Apply an automation completion signal",
		Errors: []int{
			http.StatusUnauthorized,
			http.StatusBadRequest,
			http.StatusNotFound,
			http.StatusConflict,
		},
	}, func(ctx context.Context, input *struct {
		Secret string                  `header:"X-Codecat-Secret"`
		Body   CompletionSignalRequest `json:"body"`
	}) (*struct {
		Body TaskResponse `json:"body"`
	}, error) {
		if cfg.WebhookSecret == "" || input.Secret != cfg.WebhookSecret {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "invalid webhook secret", nil)
		}
		if input.Body.TaskID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "task_id is required", nil)
		}
		outcome := engine.CompletionOutcome{
			Success:   input.Body.Status == "succeeded",
			ResultURL: input.Body.ResultURL,
			Reason:    input.Body.Reason,
		}
		t, err := e.ApplyCompletionSignal(ctx, input.Body.TaskID, outcome)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskResponse `json:"body"`
		}{Body: taskResponse(t)}, nil
	})
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	openPaths := map[string]bool{
		joinPath(basePath, "health"):              true,
		joinPath(basePath, "webhooks/automation"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if openPaths[route] {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func joinPath(base, rest string) string {
	joined := path.Join(base, rest)
	if !strings.HasPrefix(joined, "/") {
		joined = "/" + joined
	}
	return joined
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>CodeCat API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}
