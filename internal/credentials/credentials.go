package credentials

import (
	"context"
	"errors"
	"fmt"
)

// Session is an authenticated platform session. ProviderTokens carries
// provider access tokens minted alongside the session, keyed by provider.
type Session struct {
	UserID         string
	ProviderTokens map[string]string
}

// Identity is an external identity linked to an account. Data holds the raw
// payload the identity provider returned at link time; token field names vary
// between providers, so extraction probes a fixed candidate list.
type Identity struct {
	Provider string
	Data     map[string]any
}

// AccountContext bundles everything token extraction may draw from.
type AccountContext struct {
	Session    *Session
	Metadata   map[string]any
	Identities []Identity
}

// SessionStore supplies the current session and can mint a fresh one.
type SessionStore interface {
	GetSession(ctx context.Context) (*Session, error)
	RefreshSession(ctx context.Context) (*Session, error)
}

// StaticStore wraps a session that cannot be refreshed. Callers holding only
// a bearer-carried session use it; the retry protocol then reports
// Unauthorized instead of attempting a second call with the same token.
type StaticStore struct {
	Session *Session
}

func (s StaticStore) GetSession(ctx context.Context) (*Session, error) {
	return s.Session, nil
}

func (s StaticStore) RefreshSession(ctx context.Context) (*Session, error) {
	return nil, errors.New("session refresh not available")
}

var tokenFields = []string{"access_token", "provider_token", "token", "oauth_token"}

type extractor func(provider string, ac AccountContext) string

func fromSession(provider string, ac AccountContext) string {
	if ac.Session == nil {
		return ""
	}
	return ac.Session.ProviderTokens[provider]
}

func fromMetadata(provider string, ac AccountContext) string {
	if ac.Metadata == nil {
		return ""
	}
	v, _ := ac.Metadata[provider+"_token"].(string)
	return v
}

func fromIdentities(provider string, ac AccountContext) string {
	for _, id := range ac.Identities {
		if id.Provider != provider {
			continue
		}
		for _, field := range tokenFields {
			if v, _ := id.Data[field].(string); v != "" {
				return v
			}
		}
	}
	return ""
}

// Extraction order is fixed: a session token always wins over account
// metadata, which wins over linked-identity payloads.
var extractors = []extractor{fromSession, fromMetadata, fromIdentities}

// Resolve returns the freshest token available for a provider, or "" when the
// account has no credential for it. A missing token is a normal outcome, not
// an error.
func Resolve(provider string, ac AccountContext) string {
	for _, ex := range extractors {
		if tok := ex(provider, ac); tok != "" {
			return tok
		}
	}
	return ""
}

// GuildLister lists the guilds visible to a platform user token.
type GuildLister interface {
	UserGuilds(ctx context.Context, token string) ([]GuildRef, error)
}

// GuildRef is a guild as seen in the user's guild list.
type GuildRef struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Owner       bool   `json:"owner"`
	Permissions string `json:"permissions"`
}

// GuildListResult reports the guild list together with the credential state
// that produced it, so callers can distinguish "connect your account" from
// "reconnect your account".
type GuildListResult struct {
	Guilds       []GuildRef
	NoToken      bool
	Unauthorized bool
}

// unauthorizedError marks upstream errors that mean the presented token was
// rejected, as opposed to the upstream being unreachable.
type unauthorizedError interface {
	Unauthorized() bool
}

func isUnauthorized(err error) bool {
	var ue unauthorizedError
	if errors.As(err, &ue) {
		return ue.Unauthorized()
	}
	return false
}

// ListGuildsWithRetry fetches the user's guild list with a bounded recovery
// protocol: on a rejected token it refreshes the session exactly once and
// retries exactly once. At most two upstream calls are made in all cases.
// Non-auth upstream failures are returned as-is without retry.
func ListGuildsWithRetry(ctx context.Context, provider string, sessions SessionStore, ac AccountContext, lister GuildLister) (GuildListResult, error) {
	token := Resolve(provider, ac)
	if token == "" {
		return GuildListResult{NoToken: true}, nil
	}
	guilds, err := lister.UserGuilds(ctx, token)
	if err == nil {
		return GuildListResult{Guilds: guilds}, nil
	}
	if !isUnauthorized(err) {
		return GuildListResult{}, fmt.Errorf("list guilds: %w", err)
	}

	fresh, refreshErr := sessions.RefreshSession(ctx)
	if refreshErr != nil {
		return GuildListResult{Unauthorized: true}, nil
	}
	ac.Session = fresh
	token = Resolve(provider, ac)
	if token == "" {
		return GuildListResult{NoToken: true}, nil
	}
	guilds, err = lister.UserGuilds(ctx, token)
	if err == nil {
		return GuildListResult{Guilds: guilds}, nil
	}
	if isUnauthorized(err) {
		return GuildListResult{Unauthorized: true}, nil
	}
	return GuildListResult{}, fmt.Errorf("list guilds: %w", err)
}
