package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"codecat/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrStaleStatus is returned by conditional task updates when the row exists
// but its status no longer matches the expected value.
var ErrStaleStatus = errors.New("stale status")

func rolesJSON(ids []string) string {
	if ids == nil {
		ids = []string{}
	}
	data, _ := json.Marshal(ids)
	return string(data)
}

func rolesFromJSON(raw string) []string {
	var ids []string
	if raw != "" {
		_ = json.Unmarshal([]byte(raw), &ids)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids
}

const guildColumns = `id,guild_id,name,owner_discord_id,create_role_ids,confirm_role_ids,default_automation_key,default_repo,default_branch,default_model,created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGuild(row rowScanner) (domain.Guild, error) {
	var g domain.Guild
	var createRoles, confirmRoles string
	var defaultKey, defaultRepo, defaultBranch, defaultModel sql.NullString
	err := row.Scan(&g.ID, &g.GuildID, &g.Name, &g.OwnerDiscordID, &createRoles, &confirmRoles,
		&defaultKey, &defaultRepo, &defaultBranch, &defaultModel, &g.CreatedAt)
	if err == sql.ErrNoRows {
		return g, ErrNotFound
	}
	if err != nil {
		return g, err
	}
	g.Permissions.CreateRoleIDs = rolesFromJSON(createRoles)
	g.Permissions.ConfirmRoleIDs = rolesFromJSON(confirmRoles)
	if defaultKey.Valid {
		g.DefaultAutomationKey = &defaultKey.String
	}
	if defaultRepo.Valid {
		g.DefaultRepo = &defaultRepo.String
	}
	if defaultBranch.Valid {
		g.DefaultBranch = &defaultBranch.String
	}
	if defaultModel.Valid {
		g.DefaultModel = &defaultModel.String
	}
	return g, nil
}

// EnsureGuild registers a guild if it is not already known. Registering an
// already-known guild is a no-op and returns the existing record. The bool
// reports whether this call inserted the row; under concurrent registration
// of the same guild exactly one caller sees true.
func (r Repo) EnsureGuild(ctx context.Context, g domain.Guild) (domain.Guild, bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO guilds(id,guild_id,name,owner_discord_id,create_role_ids,confirm_role_ids,default_automation_key,default_repo,default_branch,default_model,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		g.ID, g.GuildID, g.Name, g.OwnerDiscordID, rolesJSON(g.Permissions.CreateRoleIDs), rolesJSON(g.Permissions.ConfirmRoleIDs),
		nullableStringPtr(g.DefaultAutomationKey), nullableStringPtr(g.DefaultRepo), nullableStringPtr(g.DefaultBranch), nullableStringPtr(g.DefaultModel), g.CreatedAt)
	if err != nil {
		return domain.Guild{}, false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Guild{}, false, err
	}
	stored, err := r.GetGuildByDiscordID(ctx, g.GuildID)
	if err != nil {
		return domain.Guild{}, false, err
	}
	return stored, n > 0, nil
}

func (r Repo) GetGuild(ctx context.Context, id string) (domain.Guild, error) {
	return scanGuild(r.DB.QueryRowContext(ctx, `SELECT `+guildColumns+` FROM guilds WHERE id=?`, id))
}

func (r Repo) GetGuildByDiscordID(ctx context.Context, guildID string) (domain.Guild, error) {
	return scanGuild(r.DB.QueryRowContext(ctx, `SELECT `+guildColumns+` FROM guilds WHERE guild_id=?`, guildID))
}

func (r Repo) ListGuilds(ctx context.Context) ([]domain.Guild, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+guildColumns+` FROM guilds ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Guild
	for rows.Next() {
		g, err := scanGuild(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, nil
}

func (r Repo) UpdateGuildPermissions(ctx context.Context, tx *sql.Tx, id string, perms domain.GuildPermissions) error {
	res, err := tx.ExecContext(ctx, `UPDATE guilds SET create_role_ids=?, confirm_role_ids=? WHERE id=?`,
		rolesJSON(perms.CreateRoleIDs), rolesJSON(perms.ConfirmRoleIDs), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type GuildDefaults struct {
	AutomationKey *string
	Repo          *string
	Branch        *string
	Model         *string
	Name          *string
	OwnerID       *string
}

func (r Repo) UpdateGuildDefaults(ctx context.Context, id string, d GuildDefaults) error {
	var (
		fields []string
		args   []any
	)
	if d.AutomationKey != nil {
		fields = append(fields, "default_automation_key=?")
		args = append(args, nullable(*d.AutomationKey))
	}
	if d.Repo != nil {
		fields = append(fields, "default_repo=?")
		args = append(args, nullable(*d.Repo))
	}
	if d.Branch != nil {
		fields = append(fields, "default_branch=?")
		args = append(args, nullable(*d.Branch))
	}
	if d.Model != nil {
		fields = append(fields, "default_model=?")
		args = append(args, nullable(*d.Model))
	}
	if d.Name != nil {
		fields = append(fields, "name=?")
		args = append(args, *d.Name)
	}
	if d.OwnerID != nil {
		fields = append(fields, "owner_discord_id=?")
		args = append(args, *d.OwnerID)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	res, err := r.DB.ExecContext(ctx, fmt.Sprintf(`UPDATE guilds SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const userColumns = `id,discord_id,discord_username,automation_key,github_token,github_username,created_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var automationKey, githubToken, githubUsername sql.NullString
	err := row.Scan(&u.ID, &u.DiscordID, &u.DiscordUsername, &automationKey, &githubToken, &githubUsername, &u.CreatedAt)
	if err == sql.ErrNoRows {
		return u, ErrNotFound
	}
	if err != nil {
		return u, err
	}
	if automationKey.Valid {
		u.AutomationKey = &automationKey.String
	}
	if githubToken.Valid {
		u.GithubToken = &githubToken.String
	}
	if githubUsername.Valid {
		u.GithubUsername = &githubUsername.String
	}
	return u, nil
}

func (r Repo) GetUser(ctx context.Context, id string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=?`, id))
}

func (r Repo) GetUserByDiscordID(ctx context.Context, discordID string) (domain.User, error) {
	return scanUser(r.DB.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE discord_id=?`, discordID))
}

// EnsureUser inserts a user keyed by discord ID, returning the stored record.
func (r Repo) EnsureUser(ctx context.Context, u domain.User) (domain.User, error) {
	_, err := r.DB.ExecContext(ctx, `INSERT OR IGNORE INTO users(id,discord_id,discord_username,automation_key,github_token,github_username,created_at)
VALUES (?,?,?,?,?,?,?)`,
		u.ID, u.DiscordID, u.DiscordUsername, nullableStringPtr(u.AutomationKey), nullableStringPtr(u.GithubToken), nullableStringPtr(u.GithubUsername), u.CreatedAt)
	if err != nil {
		return domain.User{}, err
	}
	return r.GetUserByDiscordID(ctx, u.DiscordID)
}

func (r Repo) SetUserAutomationKey(ctx context.Context, id string, key *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET automation_key=? WHERE id=?`, nullableStringPtr(key), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetUserGithubConnection(ctx context.Context, id string, token, username *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE users SET github_token=?, github_username=? WHERE id=?`,
		nullableStringPtr(token), nullableStringPtr(username), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const taskColumns = `id,guild_id,discord_user_id,user_id,prompt,status,result_url,session_id,created_at,updated_at`

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var userID, resultURL, sessionID sql.NullString
	err := row.Scan(&t.ID, &t.GuildID, &t.DiscordUserID, &userID, &t.Prompt, &t.Status, &resultURL, &sessionID, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if userID.Valid {
		t.UserID = &userID.String
	}
	if resultURL.Valid {
		t.ResultURL = &resultURL.String
	}
	if sessionID.Valid {
		t.SessionID = &sessionID.String
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id,guild_id,discord_user_id,user_id,prompt,status,result_url,session_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.GuildID, t.DiscordUserID, nullableStringPtr(t.UserID), t.Prompt, t.Status,
		nullableStringPtr(t.ResultURL), nullableStringPtr(t.SessionID), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	GuildID       string
	Status        string
	DiscordUserID string
	Limit         int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	var clauses []string
	var args []any
	if f.GuildID != "" {
		clauses = append(clauses, "guild_id=?")
		args = append(args, f.GuildID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.DiscordUserID != "" {
		clauses = append(clauses, "discord_user_id=?")
		args = append(args, f.DiscordUserID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + taskColumns + ` FROM tasks ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, nil
}

func (r Repo) ListTasksByStatus(ctx context.Context, status string) ([]domain.Task, error) {
	return r.ListTasks(ctx, TaskFilters{Status: status})
}

// UpdateTaskStatusIf performs the guarded transition as a single conditional
// write. When zero rows are affected it distinguishes a missing row
// (ErrNotFound) from a concurrent transition that already moved the task off
// the expected status (ErrStaleStatus).
func (r Repo) UpdateTaskStatusIf(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, updated_at=? WHERE id=? AND status=?`,
		toStatus, updatedAt, id, fromStatus)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		var exists int
		if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, id).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		} else if err != nil {
			return err
		}
		return ErrStaleStatus
	}
	return nil
}

func (r Repo) SetTaskSession(ctx context.Context, id string, sessionID *string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET session_id=? WHERE id=?`, nullableStringPtr(sessionID), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetTaskResult(ctx context.Context, tx *sql.Tx, id string, resultURL *string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET result_url=? WHERE id=?`, nullableStringPtr(resultURL), id)
	return err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, guildID, evtType, entityKind, entityID string) ([]domain.Event, error) {
	clauses := []string{"1=1"}
	var args []any
	if guildID != "" {
		clauses = append(clauses, "guild_id=?")
		args = append(args, guildID)
	}
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,guild_id,entity_kind,entity_id,actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var guild, entity, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &guild, &e.EntityKind, &entity, &e.ActorID, &payload); err != nil {
			return nil, err
		}
		if guild.Valid {
			e.GuildID = guild.String
		}
		if entity.Valid {
			e.EntityID = entity.String
		}
		if payload.Valid {
			e.Payload = payload.String
		}
		res = append(res, e)
	}
	return res, nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}
