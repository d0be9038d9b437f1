package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"codecat/internal/automation"
	"codecat/internal/config"
	"codecat/internal/db"
	"codecat/internal/domain"
	"codecat/internal/engine"
	"codecat/internal/migrate"
	"codecat/internal/permissions"
	"codecat/internal/repo"
)

type fakeResolver struct {
	caps map[string]permissions.Capabilities
	err  error
}

func (f fakeResolver) ResolveCapabilities(_ context.Context, _ domain.Guild, discordUserID string) (permissions.Capabilities, error) {
	if f.err != nil {
		return permissions.Capabilities{}, f.err
	}
	return f.caps[discordUserID], nil
}

type fakeBackend struct {
	mu       sync.Mutex
	starts   []automation.StartRequest
	started  chan automation.StartRequest
	startErr error
	sessions map[string]automation.SessionStatus
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		started:  make(chan automation.StartRequest, 8),
		sessions: map[string]automation.SessionStatus{},
	}
}

func (b *fakeBackend) StartSession(_ context.Context, req automation.StartRequest) (string, error) {
	b.mu.Lock()
	b.starts = append(b.starts, req)
	err := b.startErr
	b.mu.Unlock()
	b.started <- req
	if err != nil {
		return "", err
	}
	return "sess-" + req.TaskID, nil
}

func (b *fakeBackend) Session(_ context.Context, sessionID string) (automation.SessionStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.sessions[sessionID]
	if !ok {
		return automation.SessionStatus{}, automation.BackendError{Status: 404}
	}
	return s, nil
}

func (b *fakeBackend) waitStart(t *testing.T) automation.StartRequest {
	t.Helper()
	select {
	case req := <-b.started:
		return req
	case <-time.After(2 * time.Second):
		t.Fatal("automation start not observed")
		return automation.StartRequest{}
	}
}

type testEnv struct {
	Engine   engine.Engine
	Backend  *fakeBackend
	Resolver *fakeResolver
	Ctx      context.Context
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := &config.Config{}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("config: %v", err)
	}
	resolver := &fakeResolver{caps: map[string]permissions.Capabilities{}}
	backend := newFakeBackend()
	eng := engine.New(conn, cfg, resolver, backend)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return &testEnv{Engine: eng, Backend: backend, Resolver: resolver, Ctx: context.Background()}
}

func (env *testEnv) seedGuild(t *testing.T, defaultKey string) domain.Guild {
	t.Helper()
	g := domain.Guild{
		ID:      uuid.NewString(),
		GuildID: "guild-" + uuid.NewString()[:8],
		Name:    "Test Guild",
		Permissions: domain.GuildPermissions{
			CreateRoleIDs:  []string{"role-create"},
			ConfirmRoleIDs: []string{"role-confirm"},
		},
		CreatedAt: "2025-06-01T00:00:00Z",
	}
	if defaultKey != "" {
		g.DefaultAutomationKey = &defaultKey
	}
	g, _, err := env.Engine.Repo.EnsureGuild(env.Ctx, g)
	if err != nil {
		t.Fatalf("seed guild: %v", err)
	}
	return g
}

func (env *testEnv) seedUser(t *testing.T, discordID, key string) domain.User {
	t.Helper()
	u := domain.User{ID: uuid.NewString(), DiscordID: discordID}
	u, err := env.Engine.Repo.EnsureUser(env.Ctx, u)
	if err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if key != "" {
		if err := env.Engine.Repo.SetUserAutomationKey(env.Ctx, u.ID, &key); err != nil {
			t.Fatalf("set key: %v", err)
		}
	}
	return u
}

func TestCreateTaskAutoAdvancesForConfirmer(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGuild(t, "guild-key")
	env.Resolver.caps["mod"] = permissions.Capabilities{CanCreate: true, CanConfirm: true}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		GuildID:       g.ID,
		DiscordUserID: "mod",
		Description:   "fix the login flow",
		Repo:          "acme/web",
		Branch:        "main",
		ActorID:       "mod",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != domain.TaskInProgress {
		t.Fatalf("status = %s, want in_progress", task.Status)
	}
	want := "Repo: acme/web\nBranch: main\nTask: fix the login flow"
	if task.Prompt != want {
		t.Fatalf("prompt = %q, want %q", task.Prompt, want)
	}

	req := env.Backend.waitStart(t)
	if req.TaskID != task.ID {
		t.Fatalf("started task %s, want %s", req.TaskID, task.ID)
	}
	if req.APIKey != "guild-key" {
		t.Fatalf("api key = %q, want guild default", req.APIKey)
	}
}

func TestCreateTaskPendingForCreatorOnly(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGuild(t, "guild-key")
	env.Resolver.caps["member"] = permissions.Capabilities{CanCreate: true}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		GuildID:       g.ID,
		DiscordUserID: "member",
		Description:   "add dark mode",
		ActorID:       "member",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if task.Status != domain.TaskPendingConfirmation {
		t.Fatalf("status = %s, want pending_confirmation", task.Status)
	}
	select {
	case <-env.Backend.started:
		t.Fatal("automation must not start for a pending task")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestCreateTaskForbiddenWritesNothing(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGuild(t, "guild-key")

	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		GuildID:       g.ID,
		DiscordUserID: "stranger",
		Description:   "do something",
		ActorID:       "stranger",
	})
	var fe permissions.ForbiddenError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want ForbiddenError", err)
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{GuildID: g.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 0 {
		t.Fatalf("got %d tasks, want 0", len(tasks))
	}
}

func TestCreateTaskRequiresDescription(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGuild(t, "guild-key")
	env.Resolver.caps["member"] = permissions.Capabilities{CanCreate: true}

	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		GuildID:       g.ID,
		DiscordUserID: "member",
		Description:   "   ",
		ActorID:       "member",
	})
	if err == nil {
		t.Fatal("expected error for blank description")
	}
}

func TestCreateTaskNoKeyAvailable(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGuild(t, "")
	env.Resolver.caps["member"] = permissions.Capabilities{CanCreate: true}

	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		GuildID:       g.ID,
		DiscordUserID: "member",
		Description:   "needs a key",
		ActorID:       "member",
	})
	if !errors.Is(err, engine.ErrNoKeyAvailable) {
		t.Fatalf("err = %v, want ErrNoKeyAvailable", err)
	}
}

func TestPersonalKeyBeatsGuildDefault(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGuild(t, "guild-key")
	env.seedUser(t, "mod", "personal-key")
	env.Resolver.caps["mod"] = permissions.Capabilities{CanCreate: true, CanConfirm: true}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		GuildID:       g.ID,
		DiscordUserID: "mod",
		Description:   "uses my key",
		ActorID:       "mod",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	req := env.Backend.waitStart(t)
	if req.APIKey != "personal-key" {
		t.Fatalf("api key = %q, want personal key", req.APIKey)
	}
	if task.UserID == nil {
		t.Fatal("task should be linked to the stored user")
	}
}

func TestConfirmStartsSession(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGuild(t, "guild-key")
	env.Resolver.caps["member"] = permissions.Capabilities{CanCreate: true}
	env.Resolver.caps["mod"] = permissions.Capabilities{CanConfirm: true}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		GuildID:       g.ID,
		DiscordUserID: "member",
		Description:   "needs review",
		ActorID:       "member",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	task, err = env.Engine.ConfirmTask(env.Ctx, task.ID, "mod", "mod")
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if task.Status != domain.TaskInProgress {
		t.Fatalf("status = %s, want in_progress", task.Status)
	}
	env.Backend.waitStart(t)
}

func TestConfirmRequiresConfirmCapability(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGuild(t, "guild-key")
	env.Resolver.caps["member"] = permissions.Capabilities{CanCreate: true}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		GuildID:       g.ID,
		DiscordUserID: "member",
		Description:   "needs review",
		ActorID:       "member",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	_, err = env.Engine.ConfirmTask(env.Ctx, task.ID, "member", "member")
	var fe permissions.ForbiddenError
	if !errors.As(err, &fe) || fe.Capability != "confirm" {
		t.Fatalf("err = %v, want confirm ForbiddenError", err)
	}
}

func TestRejectAfterConfirmIsStale(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGuild(t, "guild-key")
	env.Resolver.caps["member"] = permissions.Capabilities{CanCreate: true}
	env.Resolver.caps["mod"] = permissions.Capabilities{CanConfirm: true}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		GuildID:       g.ID,
		DiscordUserID: "member",
		Description:   "contested task",
		ActorID:       "member",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := env.Engine.ConfirmTask(env.Ctx, task.ID, "mod", "mod"); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	_, err = env.Engine.RejectTask(env.Ctx, task.ID, "mod", "mod")
	if !errors.Is(err, engine.ErrStaleTransition) {
		t.Fatalf("err = %v, want ErrStaleTransition", err)
	}
	got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.TaskInProgress {
		t.Fatalf("status = %s, want in_progress preserved", got.Status)
	}
}

func TestConcurrentModerationExactlyOneWins(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGuild(t, "guild-key")
	env.Resolver.caps["member"] = permissions.Capabilities{CanCreate: true}
	env.Resolver.caps["mod-a"] = permissions.Capabilities{CanConfirm: true}
	env.Resolver.caps["mod-b"] = permissions.Capabilities{CanConfirm: true}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		GuildID:       g.ID,
		DiscordUserID: "member",
		Description:   "raced task",
		ActorID:       "member",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	wg.Add(2)
	go func() {
		defer wg.Done()
		_, errs[0] = env.Engine.ConfirmTask(env.Ctx, task.ID, "mod-a", "mod-a")
	}()
	go func() {
		defer wg.Done()
		_, errs[1] = env.Engine.RejectTask(env.Ctx, task.ID, "mod-b", "mod-b")
	}()
	wg.Wait()

	wins, stale := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, engine.ErrStaleTransition):
			stale++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if wins != 1 || stale != 1 {
		t.Fatalf("wins=%d stale=%d, want exactly one winner", wins, stale)
	}
}

func TestApplyCompletionSignal(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGuild(t, "guild-key")
	env.Resolver.caps["mod"] = permissions.Capabilities{CanCreate: true, CanConfirm: true}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		GuildID:       g.ID,
		DiscordUserID: "mod",
		Description:   "ship it",
		ActorID:       "mod",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.Backend.waitStart(t)

	task, err = env.Engine.ApplyCompletionSignal(env.Ctx, task.ID, engine.CompletionOutcome{
		Success:   true,
		ResultURL: "https://github.com/acme/web/pull/42",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("status = %s, want completed", task.Status)
	}
	if task.ResultURL == nil || *task.ResultURL != "https://github.com/acme/web/pull/42" {
		t.Fatalf("result url not recorded: %v", task.ResultURL)
	}

	// duplicate delivery
	_, err = env.Engine.ApplyCompletionSignal(env.Ctx, task.ID, engine.CompletionOutcome{Success: true})
	if !errors.Is(err, engine.ErrStaleTransition) {
		t.Fatalf("duplicate err = %v, want ErrStaleTransition", err)
	}
}

func TestApplyCompletionFailureRejects(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGuild(t, "guild-key")
	env.Resolver.caps["mod"] = permissions.Capabilities{CanCreate: true, CanConfirm: true}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		GuildID:       g.ID,
		DiscordUserID: "mod",
		Description:   "doomed task",
		ActorID:       "mod",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.Backend.waitStart(t)

	task, err = env.Engine.ApplyCompletionSignal(env.Ctx, task.ID, engine.CompletionOutcome{Reason: "merge conflict"})
	if err != nil {
		t.Fatalf("fail signal: %v", err)
	}
	if task.Status != domain.TaskRejected {
		t.Fatalf("status = %s, want rejected", task.Status)
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, 5, g.ID, "task.failed", "", "")
	if err != nil {
		t.Fatalf("events: %v", err)
	}
	if len(evts) != 1 {
		t.Fatalf("got %d task.failed events, want 1", len(evts))
	}
}

func TestStartFailureRejectsTask(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGuild(t, "guild-key")
	env.Resolver.caps["mod"] = permissions.Capabilities{CanCreate: true, CanConfirm: true}
	env.Backend.startErr = automation.BackendError{Status: 503, Body: "overloaded"}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		GuildID:       g.ID,
		DiscordUserID: "mod",
		Description:   "will not start",
		ActorID:       "mod",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.Backend.waitStart(t)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.Status == domain.TaskRejected {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %s, want rejected after start failure", got.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestStartAutomationRecordsSession(t *testing.T) {
	env := newTestEnv(t)
	g := env.seedGuild(t, "guild-key")
	env.Resolver.caps["mod"] = permissions.Capabilities{CanCreate: true, CanConfirm: true}

	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		GuildID:       g.ID,
		DiscordUserID: "mod",
		Description:   "session tracking",
		ActorID:       "mod",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	env.Backend.waitStart(t)

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if got.SessionID != nil && *got.SessionID == "sess-"+task.ID {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("session id never recorded")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestResolveAutomationKeyOrder(t *testing.T) {
	personal := "personal"
	guildKey := "guild"
	empty := ""
	g := domain.Guild{DefaultAutomationKey: &guildKey}

	key, err := engine.ResolveAutomationKey(&domain.User{AutomationKey: &personal}, g)
	if err != nil || key != "personal" {
		t.Fatalf("got %q/%v, want personal key", key, err)
	}
	key, err = engine.ResolveAutomationKey(&domain.User{AutomationKey: &empty}, g)
	if err != nil || key != "guild" {
		t.Fatalf("got %q/%v, want guild key for empty personal key", key, err)
	}
	key, err = engine.ResolveAutomationKey(nil, g)
	if err != nil || key != "guild" {
		t.Fatalf("got %q/%v, want guild key for unknown user", key, err)
	}
	_, err = engine.ResolveAutomationKey(nil, domain.Guild{})
	if !errors.Is(err, engine.ErrNoKeyAvailable) {
		t.Fatalf("err = %v, want ErrNoKeyAvailable", err)
	}
}
