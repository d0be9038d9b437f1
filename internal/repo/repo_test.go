package repo

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"codecat/internal/db"
	"codecat/internal/domain"
	"codecat/internal/migrate"
)

func newTestRepo(t *testing.T) Repo {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return Repo{DB: conn}
}

func ts() string { return time.Now().UTC().Format(time.RFC3339) }

func seedGuild(t *testing.T, r Repo) domain.Guild {
	t.Helper()
	g, _, err := r.EnsureGuild(context.Background(), domain.Guild{
		ID:      uuid.NewString(),
		GuildID: "g-100",
		Name:    "Test Guild",
		Permissions: domain.GuildPermissions{
			CreateRoleIDs:  []string{"role-create"},
			ConfirmRoleIDs: []string{"role-confirm"},
		},
		CreatedAt: ts(),
	})
	if err != nil {
		t.Fatalf("seed guild: %v", err)
	}
	return g
}

func seedTask(t *testing.T, r Repo, guildID, status string) domain.Task {
	t.Helper()
	ctx := context.Background()
	task := domain.Task{
		ID:            uuid.NewString(),
		GuildID:       guildID,
		DiscordUserID: "creator",
		Prompt:        "Repo: acme/web\nBranch: main\nTask: fix it",
		Status:        status,
		CreatedAt:     ts(),
		UpdatedAt:     ts(),
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	if err := r.InsertTask(ctx, tx, task); err != nil {
		t.Fatalf("insert task: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	return task
}

func TestEnsureGuildIdempotent(t *testing.T) {
	r := newTestRepo(t)

	first, inserted, err := r.EnsureGuild(context.Background(), domain.Guild{
		ID:      uuid.NewString(),
		GuildID: "g-100",
		Name:    "Test Guild",
		Permissions: domain.GuildPermissions{
			CreateRoleIDs:  []string{"role-create"},
			ConfirmRoleIDs: []string{"role-confirm"},
		},
		CreatedAt: ts(),
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !inserted {
		t.Fatal("first ensure did not report insertion")
	}

	second, inserted, err := r.EnsureGuild(context.Background(), domain.Guild{
		ID:        uuid.NewString(),
		GuildID:   first.GuildID,
		Name:      "Different Name",
		CreatedAt: ts(),
	})
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if inserted {
		t.Fatal("second ensure reported insertion")
	}
	if second.ID != first.ID {
		t.Fatalf("second ensure created a new row: %s vs %s", second.ID, first.ID)
	}
	if second.Name != first.Name {
		t.Fatalf("second ensure overwrote name: %s", second.Name)
	}
}

func TestGuildRoleListsNeverNil(t *testing.T) {
	r := newTestRepo(t)
	g, _, err := r.EnsureGuild(context.Background(), domain.Guild{
		ID:        uuid.NewString(),
		GuildID:   "g-empty",
		CreatedAt: ts(),
	})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if g.Permissions.CreateRoleIDs == nil || g.Permissions.ConfirmRoleIDs == nil {
		t.Fatalf("role lists = %+v, want empty slices", g.Permissions)
	}
}

func TestUpdateGuildPermissionsRoundTrip(t *testing.T) {
	r := newTestRepo(t)
	g := seedGuild(t, r)
	ctx := context.Background()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	perms := domain.GuildPermissions{
		CreateRoleIDs:  []string{"role-a", "role-b"},
		ConfirmRoleIDs: []string{},
	}
	if err := r.UpdateGuildPermissions(ctx, tx, g.ID, perms); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	got, err := r.GetGuild(ctx, g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Permissions.CreateRoleIDs) != 2 || got.Permissions.CreateRoleIDs[0] != "role-a" {
		t.Fatalf("create roles = %v", got.Permissions.CreateRoleIDs)
	}
	if got.Permissions.ConfirmRoleIDs == nil || len(got.Permissions.ConfirmRoleIDs) != 0 {
		t.Fatalf("confirm roles = %v, want empty non-nil", got.Permissions.ConfirmRoleIDs)
	}
}

func TestUpdateGuildDefaultsPartial(t *testing.T) {
	r := newTestRepo(t)
	g := seedGuild(t, r)
	ctx := context.Background()

	repoName := "acme/web"
	if err := r.UpdateGuildDefaults(ctx, g.ID, GuildDefaults{Repo: &repoName}); err != nil {
		t.Fatalf("set repo: %v", err)
	}
	key := "guild-key"
	if err := r.UpdateGuildDefaults(ctx, g.ID, GuildDefaults{AutomationKey: &key}); err != nil {
		t.Fatalf("set key: %v", err)
	}

	got, err := r.GetGuild(ctx, g.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DefaultRepo == nil || *got.DefaultRepo != "acme/web" {
		t.Fatalf("default repo = %v, second update must not clear it", got.DefaultRepo)
	}
	if got.DefaultAutomationKey == nil || *got.DefaultAutomationKey != "guild-key" {
		t.Fatalf("default key = %v", got.DefaultAutomationKey)
	}

	// Clearing uses an explicit empty string, which stores NULL.
	empty := ""
	if err := r.UpdateGuildDefaults(ctx, g.ID, GuildDefaults{AutomationKey: &empty}); err != nil {
		t.Fatalf("clear key: %v", err)
	}
	got, _ = r.GetGuild(ctx, g.ID)
	if got.DefaultAutomationKey != nil {
		t.Fatalf("default key = %v, want cleared", got.DefaultAutomationKey)
	}
}

func TestUpdateTaskStatusIfDistinguishesStaleFromMissing(t *testing.T) {
	r := newTestRepo(t)
	g := seedGuild(t, r)
	task := seedTask(t, r, g.ID, domain.TaskPendingConfirmation)
	ctx := context.Background()

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := r.UpdateTaskStatusIf(ctx, tx, task.ID, domain.TaskPendingConfirmation, domain.TaskInProgress, ts()); err != nil {
		t.Fatalf("first transition: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}

	tx, err = r.DB.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	defer tx.Rollback()
	err = r.UpdateTaskStatusIf(ctx, tx, task.ID, domain.TaskPendingConfirmation, domain.TaskRejected, ts())
	if !errors.Is(err, ErrStaleStatus) {
		t.Fatalf("err = %v, want ErrStaleStatus", err)
	}
	err = r.UpdateTaskStatusIf(ctx, tx, uuid.NewString(), domain.TaskPendingConfirmation, domain.TaskRejected, ts())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListTasksFilters(t *testing.T) {
	r := newTestRepo(t)
	g := seedGuild(t, r)
	seedTask(t, r, g.ID, domain.TaskPendingConfirmation)
	seedTask(t, r, g.ID, domain.TaskInProgress)
	seedTask(t, r, g.ID, domain.TaskInProgress)
	ctx := context.Background()

	all, err := r.ListTasks(ctx, TaskFilters{GuildID: g.ID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("got %d tasks, want 3", len(all))
	}

	running, err := r.ListTasks(ctx, TaskFilters{GuildID: g.ID, Status: domain.TaskInProgress})
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(running) != 2 {
		t.Fatalf("got %d in_progress tasks, want 2", len(running))
	}

	limited, err := r.ListTasks(ctx, TaskFilters{GuildID: g.ID, Limit: 1})
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 1 {
		t.Fatalf("got %d tasks, want 1", len(limited))
	}
}

func TestEnsureUserKeyedByDiscordID(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	first, err := r.EnsureUser(ctx, domain.User{ID: uuid.NewString(), DiscordID: "d-1", CreatedAt: ts()})
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	second, err := r.EnsureUser(ctx, domain.User{ID: uuid.NewString(), DiscordID: "d-1", CreatedAt: ts()})
	if err != nil {
		t.Fatalf("ensure again: %v", err)
	}
	if second.ID != first.ID {
		t.Fatalf("duplicate discord id created a new row")
	}

	key := "sk-personal"
	if err := r.SetUserAutomationKey(ctx, first.ID, &key); err != nil {
		t.Fatalf("set key: %v", err)
	}
	got, err := r.GetUserByDiscordID(ctx, "d-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AutomationKey == nil || *got.AutomationKey != key {
		t.Fatalf("key = %v", got.AutomationKey)
	}

	if err := r.SetUserAutomationKey(ctx, first.ID, nil); err != nil {
		t.Fatalf("clear key: %v", err)
	}
	got, _ = r.GetUserByDiscordID(ctx, "d-1")
	if got.AutomationKey != nil {
		t.Fatalf("key = %v, want cleared", got.AutomationKey)
	}
}

func TestAPIKeyLookupByHash(t *testing.T) {
	r := newTestRepo(t)
	ctx := context.Background()

	raw := "bot-secret-key"
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{
		ID:      uuid.NewString(),
		ActorID: "bot",
		Name:    "relay",
		KeyHash: HashAPIKey(raw),
	}); err != nil {
		t.Fatalf("insert: %v", err)
	}

	key, err := r.GetAPIKeyByHash(ctx, HashAPIKey(raw))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if key.ActorID != "bot" {
		t.Fatalf("actor = %s", key.ActorID)
	}
	if _, err := r.GetAPIKeyByHash(ctx, HashAPIKey("wrong")); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}
