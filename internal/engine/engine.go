package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"codecat/internal/automation"
	"codecat/internal/config"
	"codecat/internal/domain"
	"codecat/internal/events"
	"codecat/internal/permissions"
	"codecat/internal/repo"
)

// ErrStaleTransition reports a guarded transition that lost to a concurrent
// one: the task exists but is no longer in the expected status.
var ErrStaleTransition = errors.New("task status changed concurrently")

// ErrNoKeyAvailable reports that neither the user nor the guild has an
// automation key configured.
var ErrNoKeyAvailable = errors.New("no automation key available")

// CapabilityResolver answers whether a user may create or confirm tasks in a
// guild.
type CapabilityResolver interface {
	ResolveCapabilities(ctx context.Context, g domain.Guild, discordUserID string) (permissions.Capabilities, error)
}

type Engine struct {
	DB         *sql.DB
	Repo       repo.Repo
	Events     events.Writer
	Perms      CapabilityResolver
	Automation automation.Backend
	Config     *config.Config
	Now        func() time.Time

	// StartTimeout bounds the asynchronous automation start call.
	StartTimeout time.Duration
}

func New(db *sql.DB, cfg *config.Config, perms CapabilityResolver, backend automation.Backend) Engine {
	return Engine{
		DB:           db,
		Repo:         repo.Repo{DB: db},
		Events:       events.Writer{DB: db},
		Perms:        perms,
		Automation:   backend,
		Config:       cfg,
		Now:          time.Now,
		StartTimeout: 30 * time.Second,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ResolveAutomationKey picks the key a task's session will run under:
// the user's personal key when present, otherwise the guild default.
// Guild-level configuration never shadows a personal key.
func ResolveAutomationKey(u *domain.User, g domain.Guild) (string, error) {
	if u != nil && u.AutomationKey != nil && *u.AutomationKey != "" {
		return *u.AutomationKey, nil
	}
	if g.DefaultAutomationKey != nil && *g.DefaultAutomationKey != "" {
		return *g.DefaultAutomationKey, nil
	}
	return "", ErrNoKeyAvailable
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	GuildID       string
	DiscordUserID string
	Description   string
	Repo          string
	Branch        string
	Model         string
	ActorID       string
}

// CreateTask authorizes, persists and possibly auto-starts a task.
// A requester with confirm capability skips moderation: the task is created
// directly in in_progress and its automation session starts in the
// background. A requester with only create capability produces a
// pending_confirmation task. A requester with neither gets a ForbiddenError
// and no task row is written.
func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if strings.TrimSpace(opts.Description) == "" {
		return domain.Task{}, errors.New("description is required")
	}
	g, err := e.Repo.GetGuild(ctx, opts.GuildID)
	if err != nil {
		return domain.Task{}, err
	}
	caps, err := e.Perms.ResolveCapabilities(ctx, g, opts.DiscordUserID)
	if err != nil {
		return domain.Task{}, err
	}
	if !caps.CanCreate && !caps.CanConfirm {
		return domain.Task{}, permissions.ForbiddenError{Capability: "create"}
	}

	var user *domain.User
	var userID *string
	if u, err := e.Repo.GetUserByDiscordID(ctx, opts.DiscordUserID); err == nil {
		user = &u
		userID = &u.ID
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Task{}, err
	}
	key, err := ResolveAutomationKey(user, g)
	if err != nil {
		return domain.Task{}, err
	}

	status := domain.TaskPendingConfirmation
	if caps.CanConfirm {
		status = domain.TaskInProgress
	}
	now := e.now().UTC().Format(time.RFC3339)
	t := domain.Task{
		ID:            uuid.NewString(),
		GuildID:       g.ID,
		DiscordUserID: opts.DiscordUserID,
		UserID:        userID,
		Prompt:        buildPrompt(g, opts),
		Status:        status,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TaskCreated, g.ID, "task", t.ID, opts.ActorID, events.EventPayload{
		"status":   t.Status,
		"degraded": caps.Degraded,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}

	if t.Status == domain.TaskInProgress {
		e.startAutomationAsync(t, g, key, opts.Model)
	}
	return t, nil
}

func buildPrompt(g domain.Guild, opts TaskCreateOptions) string {
	repoName := opts.Repo
	if repoName == "" && g.DefaultRepo != nil {
		repoName = *g.DefaultRepo
	}
	branch := opts.Branch
	if branch == "" && g.DefaultBranch != nil {
		branch = *g.DefaultBranch
	}
	return fmt.Sprintf("Repo: %s\nBranch: %s\nTask: %s", repoName, branch, opts.Description)
}

// ConfirmTask moves a pending task to in_progress and starts its session.
// The transition is a single conditional write, so of two concurrent
// moderator actions exactly one wins and the other sees ErrStaleTransition.
func (e Engine) ConfirmTask(ctx context.Context, taskID, discordUserID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	g, err := e.Repo.GetGuild(ctx, t.GuildID)
	if err != nil {
		return domain.Task{}, err
	}
	caps, err := e.Perms.ResolveCapabilities(ctx, g, discordUserID)
	if err != nil {
		return domain.Task{}, err
	}
	if !caps.CanConfirm {
		return domain.Task{}, permissions.ForbiddenError{Capability: "confirm"}
	}

	var user *domain.User
	if t.UserID != nil {
		if u, err := e.Repo.GetUser(ctx, *t.UserID); err == nil {
			user = &u
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, err
		}
	}
	key, err := ResolveAutomationKey(user, g)
	if err != nil {
		return domain.Task{}, err
	}

	t, err = e.transition(ctx, t.ID, domain.TaskPendingConfirmation, domain.TaskInProgress, events.TaskConfirmed, actorID, nil)
	if err != nil {
		return domain.Task{}, err
	}
	e.startAutomationAsync(t, g, key, "")
	return t, nil
}

// RejectTask moves a pending task to rejected.
func (e Engine) RejectTask(ctx context.Context, taskID, discordUserID, actorID string) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	g, err := e.Repo.GetGuild(ctx, t.GuildID)
	if err != nil {
		return domain.Task{}, err
	}
	caps, err := e.Perms.ResolveCapabilities(ctx, g, discordUserID)
	if err != nil {
		return domain.Task{}, err
	}
	if !caps.CanConfirm {
		return domain.Task{}, permissions.ForbiddenError{Capability: "confirm"}
	}
	return e.transition(ctx, t.ID, domain.TaskPendingConfirmation, domain.TaskRejected, events.TaskRejected, actorID, nil)
}

// CompletionOutcome is the automation backend's terminal report for a task.
type CompletionOutcome struct {
	Success   bool
	ResultURL string
	Reason    string
}

// ApplyCompletionSignal closes an in_progress task. Success lands on
// completed with the result reference attached; failure lands on rejected.
// Signals for tasks not in in_progress return ErrStaleTransition, which makes
// duplicate deliveries harmless.
func (e Engine) ApplyCompletionSignal(ctx context.Context, taskID string, outcome CompletionOutcome) (domain.Task, error) {
	target := domain.TaskRejected
	evtType := events.TaskFailed
	payload := events.EventPayload{"reason": outcome.Reason}
	var resultURL *string
	if outcome.Success {
		target = domain.TaskCompleted
		evtType = events.TaskCompleted
		payload = events.EventPayload{"result_url": outcome.ResultURL}
		if outcome.ResultURL != "" {
			resultURL = &outcome.ResultURL
		}
	}
	return e.transition(ctx, taskID, domain.TaskInProgress, target, evtType, "automation", func(tx *sql.Tx) error {
		if resultURL == nil {
			return nil
		}
		return e.Repo.SetTaskResult(ctx, tx, taskID, resultURL)
	}, payload)
}

// transition performs one guarded status move with its audit event in a
// single transaction.
func (e Engine) transition(ctx context.Context, taskID, from, to, evtType, actorID string, extra func(tx *sql.Tx) error, payload ...events.EventPayload) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC().Format(time.RFC3339)
	if err := e.Repo.UpdateTaskStatusIf(ctx, tx, taskID, from, to, now); err != nil {
		if errors.Is(err, repo.ErrStaleStatus) {
			return domain.Task{}, ErrStaleTransition
		}
		return domain.Task{}, err
	}
	if extra != nil {
		if err := extra(tx); err != nil {
			return domain.Task{}, err
		}
	}
	t, err := e.Repo.GetTaskTx(ctx, tx, taskID)
	if err != nil {
		return domain.Task{}, err
	}
	p := events.EventPayload{"from": from, "to": to}
	if len(payload) > 0 {
		for k, v := range payload[0] {
			p[k] = v
		}
	}
	if err := e.Events.Append(ctx, tx, evtType, t.GuildID, "task", t.ID, actorID, p); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

// startAutomationAsync opens the automation session in the background so the
// caller's response never waits on the backend. A start failure is folded
// back through the normal failure signal.
func (e Engine) startAutomationAsync(t domain.Task, g domain.Guild, key, model string) {
	if e.Automation == nil {
		return
	}
	go func() {
		timeout := e.StartTimeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := e.StartAutomation(ctx, t, g, key, model); err != nil {
			log.Printf("engine: start automation for task %s failed: %v", t.ID, err)
		}
	}()
}

// StartAutomation opens the session for a task and records its ID.
func (e Engine) StartAutomation(ctx context.Context, t domain.Task, g domain.Guild, key, model string) error {
	if model == "" {
		if g.DefaultModel != nil && *g.DefaultModel != "" {
			model = *g.DefaultModel
		} else if e.Config != nil {
			model = e.Config.Defaults.Model
		}
	}
	req := automation.StartRequest{
		APIKey: key,
		Prompt: t.Prompt,
		Model:  model,
		TaskID: t.ID,
	}
	if g.DefaultRepo != nil {
		req.Repo = *g.DefaultRepo
	}
	if g.DefaultBranch != nil {
		req.Branch = *g.DefaultBranch
	}
	sessionID, err := e.Automation.StartSession(ctx, req)
	if err != nil {
		if _, sigErr := e.ApplyCompletionSignal(ctx, t.ID, CompletionOutcome{Reason: "automation start failed: " + err.Error()}); sigErr != nil && !errors.Is(sigErr, ErrStaleTransition) {
			log.Printf("engine: record start failure for task %s: %v", t.ID, sigErr)
		}
		return err
	}
	return e.Repo.SetTaskSession(ctx, t.ID, &sessionID)
}
