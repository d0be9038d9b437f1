package credentials_test

import (
	"context"
	"errors"
	"testing"

	"codecat/internal/credentials"
)

func sessionWith(provider, token string) *credentials.Session {
	return &credentials.Session{
		UserID:         "u1",
		ProviderTokens: map[string]string{provider: token},
	}
}

func TestResolvePrefersSessionToken(t *testing.T) {
	ac := credentials.AccountContext{
		Session:  sessionWith("discord", "session-tok"),
		Metadata: map[string]any{"discord_token": "meta-tok"},
		Identities: []credentials.Identity{
			{Provider: "discord", Data: map[string]any{"access_token": "identity-tok"}},
		},
	}
	if got := credentials.Resolve("discord", ac); got != "session-tok" {
		t.Fatalf("got %q, want session token", got)
	}
}

func TestResolveFallsBackToMetadata(t *testing.T) {
	ac := credentials.AccountContext{
		Session:  &credentials.Session{UserID: "u1"},
		Metadata: map[string]any{"discord_token": "meta-tok"},
		Identities: []credentials.Identity{
			{Provider: "discord", Data: map[string]any{"access_token": "identity-tok"}},
		},
	}
	if got := credentials.Resolve("discord", ac); got != "meta-tok" {
		t.Fatalf("got %q, want metadata token", got)
	}
}

func TestResolveIdentityFieldOrder(t *testing.T) {
	ac := credentials.AccountContext{
		Identities: []credentials.Identity{
			{Provider: "github", Data: map[string]any{"token": "third", "oauth_token": "fourth"}},
		},
	}
	if got := credentials.Resolve("github", ac); got != "third" {
		t.Fatalf("got %q, want token before oauth_token", got)
	}
	ac.Identities[0].Data["provider_token"] = "second"
	if got := credentials.Resolve("github", ac); got != "second" {
		t.Fatalf("got %q, want provider_token before token", got)
	}
	ac.Identities[0].Data["access_token"] = "first"
	if got := credentials.Resolve("github", ac); got != "first" {
		t.Fatalf("got %q, want access_token first", got)
	}
}

func TestResolveSkipsEmptyAndWrongProvider(t *testing.T) {
	ac := credentials.AccountContext{
		Session:  sessionWith("discord", ""),
		Metadata: map[string]any{"discord_token": ""},
		Identities: []credentials.Identity{
			{Provider: "github", Data: map[string]any{"access_token": "github-tok"}},
			{Provider: "discord", Data: map[string]any{"access_token": "", "token": "identity-tok"}},
		},
	}
	if got := credentials.Resolve("discord", ac); got != "identity-tok" {
		t.Fatalf("got %q, want non-empty identity token", got)
	}
	if got := credentials.Resolve("gitlab", ac); got != "" {
		t.Fatalf("got %q, want empty for unknown provider", got)
	}
}

type authError struct{}

func (authError) Error() string      { return "401" }
func (authError) Unauthorized() bool { return true }

type countingLister struct {
	calls   int
	rejects map[string]bool
	err     error
}

func (l *countingLister) UserGuilds(_ context.Context, token string) ([]credentials.GuildRef, error) {
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	if l.rejects[token] {
		return nil, authError{}
	}
	return []credentials.GuildRef{{ID: "g1", Name: "Guild One"}}, nil
}

type refreshStore struct {
	next *credentials.Session
	err  error
}

func (s refreshStore) GetSession(context.Context) (*credentials.Session, error) { return nil, nil }
func (s refreshStore) RefreshSession(context.Context) (*credentials.Session, error) {
	return s.next, s.err
}

func TestListGuildsNoToken(t *testing.T) {
	lister := &countingLister{}
	res, err := credentials.ListGuildsWithRetry(context.Background(), "discord", refreshStore{}, credentials.AccountContext{}, lister)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !res.NoToken {
		t.Fatal("want NoToken")
	}
	if lister.calls != 0 {
		t.Fatalf("made %d upstream calls, want 0", lister.calls)
	}
}

func TestListGuildsFirstCallSucceeds(t *testing.T) {
	lister := &countingLister{}
	ac := credentials.AccountContext{Session: sessionWith("discord", "tok")}
	res, err := credentials.ListGuildsWithRetry(context.Background(), "discord", refreshStore{}, ac, lister)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if len(res.Guilds) != 1 || res.Guilds[0].ID != "g1" {
		t.Fatalf("guilds = %v", res.Guilds)
	}
	if lister.calls != 1 {
		t.Fatalf("made %d upstream calls, want 1", lister.calls)
	}
}

func TestListGuildsRefreshRecovers(t *testing.T) {
	lister := &countingLister{rejects: map[string]bool{"stale": true}}
	store := refreshStore{next: sessionWith("discord", "fresh")}
	ac := credentials.AccountContext{Session: sessionWith("discord", "stale")}
	res, err := credentials.ListGuildsWithRetry(context.Background(), "discord", store, ac, lister)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if res.Unauthorized || len(res.Guilds) != 1 {
		t.Fatalf("result = %+v, want recovered guild list", res)
	}
	if lister.calls != 2 {
		t.Fatalf("made %d upstream calls, want exactly 2", lister.calls)
	}
}

func TestListGuildsRefreshFailureIsUnauthorized(t *testing.T) {
	lister := &countingLister{rejects: map[string]bool{"stale": true}}
	store := refreshStore{err: errors.New("refresh unavailable")}
	ac := credentials.AccountContext{Session: sessionWith("discord", "stale")}
	res, err := credentials.ListGuildsWithRetry(context.Background(), "discord", store, ac, lister)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !res.Unauthorized {
		t.Fatal("want Unauthorized after failed refresh")
	}
	if lister.calls != 1 {
		t.Fatalf("made %d upstream calls, want 1", lister.calls)
	}
}

func TestListGuildsSecondRejectionIsUnauthorized(t *testing.T) {
	lister := &countingLister{rejects: map[string]bool{"stale": true, "also-stale": true}}
	store := refreshStore{next: sessionWith("discord", "also-stale")}
	ac := credentials.AccountContext{Session: sessionWith("discord", "stale")}
	res, err := credentials.ListGuildsWithRetry(context.Background(), "discord", store, ac, lister)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !res.Unauthorized {
		t.Fatal("want Unauthorized after second rejection")
	}
	if lister.calls != 2 {
		t.Fatalf("made %d upstream calls, want exactly 2", lister.calls)
	}
}

func TestListGuildsFreshSessionWithoutTokenIsNoToken(t *testing.T) {
	lister := &countingLister{rejects: map[string]bool{"stale": true}}
	store := refreshStore{next: &credentials.Session{UserID: "u1"}}
	ac := credentials.AccountContext{Session: sessionWith("discord", "stale")}
	res, err := credentials.ListGuildsWithRetry(context.Background(), "discord", store, ac, lister)
	if err != nil {
		t.Fatalf("err: %v", err)
	}
	if !res.NoToken {
		t.Fatalf("result = %+v, want NoToken", res)
	}
	if lister.calls != 1 {
		t.Fatalf("made %d upstream calls, want 1", lister.calls)
	}
}

func TestListGuildsNonAuthFailureIsError(t *testing.T) {
	lister := &countingLister{err: errors.New("connection refused")}
	ac := credentials.AccountContext{Session: sessionWith("discord", "tok")}
	_, err := credentials.ListGuildsWithRetry(context.Background(), "discord", refreshStore{}, ac, lister)
	if err == nil {
		t.Fatal("want error for non-auth upstream failure")
	}
	if lister.calls != 1 {
		t.Fatalf("made %d upstream calls, want 1 (no retry)", lister.calls)
	}
}

func TestStaticStoreCannotRefresh(t *testing.T) {
	store := credentials.StaticStore{Session: sessionWith("discord", "tok")}
	s, err := store.GetSession(context.Background())
	if err != nil || s == nil {
		t.Fatalf("get: %v", err)
	}
	if _, err := store.RefreshSession(context.Background()); err == nil {
		t.Fatal("refresh must fail for a static session")
	}
}
