package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"codecat/internal/domain"
	"codecat/internal/repo"
)

// ResolveGuild returns the stored guild for a platform guild ID, registering
// it with empty permission lists if it is not yet known. Registration is
// idempotent; a concurrent or repeated registration returns the existing row.
// The bool reports whether this call registered the guild, derived from the
// insert outcome so concurrent callers cannot both see true.
func ResolveGuild(ctx context.Context, r repo.Repo, guildID, name, ownerDiscordID string) (domain.Guild, bool, error) {
	if guildID == "" {
		return domain.Guild{}, false, fmt.Errorf("guild id required")
	}
	g, err := r.GetGuildByDiscordID(ctx, guildID)
	if err == nil {
		g, err = refreshGuildMeta(ctx, r, g, name, ownerDiscordID)
		return g, false, err
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Guild{}, false, err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	seed := domain.Guild{
		ID:             uuid.NewString(),
		GuildID:        guildID,
		Name:           name,
		OwnerDiscordID: ownerDiscordID,
		Permissions: domain.GuildPermissions{
			CreateRoleIDs:  []string{},
			ConfirmRoleIDs: []string{},
		},
		CreatedAt: now,
	}
	return r.EnsureGuild(ctx, seed)
}

// ResolveUser returns the stored user for a platform user ID, registering it
// if it is not yet known.
func ResolveUser(ctx context.Context, r repo.Repo, discordID, username string) (domain.User, error) {
	if discordID == "" {
		return domain.User{}, fmt.Errorf("discord user id required")
	}
	u, err := r.GetUserByDiscordID(ctx, discordID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.User{}, err
	}
	seed := domain.User{
		ID:              uuid.NewString(),
		DiscordID:       discordID,
		DiscordUsername: username,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
	}
	return r.EnsureUser(ctx, seed)
}

// refreshGuildMeta updates the cached name and owner when the platform
// reports newer values. Both are advisory metadata, never authorization input
// on their own.
func refreshGuildMeta(ctx context.Context, r repo.Repo, g domain.Guild, name, ownerDiscordID string) (domain.Guild, error) {
	var d repo.GuildDefaults
	changed := false
	if name != "" && name != g.Name {
		d.Name = &name
		g.Name = name
		changed = true
	}
	if ownerDiscordID != "" && ownerDiscordID != g.OwnerDiscordID {
		d.OwnerID = &ownerDiscordID
		g.OwnerDiscordID = ownerDiscordID
		changed = true
	}
	if !changed {
		return g, nil
	}
	if err := r.UpdateGuildDefaults(ctx, g.ID, d); err != nil {
		return domain.Guild{}, err
	}
	return g, nil
}
