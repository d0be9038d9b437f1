package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"codecat/internal/credentials"
)

const defaultTimeout = 10 * time.Second

// Administrator bit in the permissions bitfield.
const permissionAdministrator = 1 << 3

// Client is a minimal REST client for the guild surface the service needs.
// BotToken authorizes guild-scoped lookups; user-scoped lookups pass the
// user's own bearer token per call.
type Client struct {
	BaseURL  string
	BotToken string
	HTTP     *http.Client
}

func NewClient(baseURL, botToken string) *Client {
	return &Client{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		BotToken: botToken,
		HTTP:     &http.Client{Timeout: defaultTimeout},
	}
}

// ErrUnauthorized reports a rejected token. It satisfies the Unauthorized
// marker the credential retry protocol checks for.
type ErrUnauthorized struct {
	Status int
}

func (e ErrUnauthorized) Error() string {
	return fmt.Sprintf("discord: unauthorized (status %d)", e.Status)
}

func (e ErrUnauthorized) Unauthorized() bool { return true }

// ErrMemberNotFound reports a definitive answer from the member endpoint:
// the user is not in the guild. It is a successful lookup, not an outage.
var ErrMemberNotFound = errors.New("discord: member not found")

// UpstreamError reports any other upstream failure.
type UpstreamError struct {
	Status int
	Body   string
}

func (e UpstreamError) Error() string {
	if e.Status == 0 {
		return fmt.Sprintf("discord: %s", e.Body)
	}
	return fmt.Sprintf("discord: status %d: %s", e.Status, e.Body)
}

type Role struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Position    int    `json:"position"`
	Permissions string `json:"permissions"`
}

type Member struct {
	RoleIDs     []string
	Admin       bool
	Permissions string
}

type Guild struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
}

func (c *Client) get(ctx context.Context, path, auth string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)
	res, err := c.HTTP.Do(req)
	if err != nil {
		return UpstreamError{Body: err.Error()}
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		return ErrUnauthorized{Status: res.StatusCode}
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return UpstreamError{Status: res.StatusCode, Body: strings.TrimSpace(string(body))}
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// UserGuilds lists the guilds visible to a user bearer token.
func (c *Client) UserGuilds(ctx context.Context, token string) ([]credentials.GuildRef, error) {
	var guilds []credentials.GuildRef
	if err := c.get(ctx, "/users/@me/guilds", "Bearer "+token, &guilds); err != nil {
		return nil, err
	}
	return guilds, nil
}

// Guild fetches guild metadata, including the owner.
func (c *Client) Guild(ctx context.Context, guildID string) (Guild, error) {
	var g Guild
	err := c.get(ctx, "/guilds/"+guildID, "Bot "+c.BotToken, &g)
	return g, err
}

// GuildRoles lists the guild's live role set.
func (c *Client) GuildRoles(ctx context.Context, guildID string) ([]Role, error) {
	var roles []Role
	if err := c.get(ctx, "/guilds/"+guildID+"/roles", "Bot "+c.BotToken, &roles); err != nil {
		return nil, err
	}
	return roles, nil
}

// GuildMember fetches a member's role IDs and whether their resolved
// permissions carry the administrator bit.
func (c *Client) GuildMember(ctx context.Context, guildID, userID string) (Member, error) {
	var raw struct {
		Roles       []string `json:"roles"`
		Permissions string   `json:"permissions"`
	}
	if err := c.get(ctx, "/guilds/"+guildID+"/members/"+userID, "Bot "+c.BotToken, &raw); err != nil {
		var ue UpstreamError
		if errors.As(err, &ue) && ue.Status == http.StatusNotFound {
			return Member{}, ErrMemberNotFound
		}
		return Member{}, err
	}
	m := Member{RoleIDs: raw.Roles, Permissions: raw.Permissions}
	if m.RoleIDs == nil {
		m.RoleIDs = []string{}
	}
	m.Admin = hasAdminBit(raw.Permissions)
	return m, nil
}

func hasAdminBit(permissions string) bool {
	if permissions == "" {
		return false
	}
	bits, err := strconv.ParseUint(permissions, 10, 64)
	if err != nil {
		return false
	}
	return bits&permissionAdministrator != 0
}
