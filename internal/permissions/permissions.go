package permissions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sort"

	"codecat/internal/discord"
	"codecat/internal/domain"
)

// Capabilities is the authorization verdict for one user in one guild.
// Degraded is set when the role source was unreachable and the verdict was
// computed from configured role IDs alone.
type Capabilities struct {
	CanCreate  bool `json:"can_create"`
	CanConfirm bool `json:"can_confirm"`
	Degraded   bool `json:"degraded"`
}

// ForbiddenError reports a user holding neither capability for an action.
type ForbiddenError struct {
	Capability string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("missing capability %s", e.Capability)
}

// MemberSource answers member and role questions for a guild.
type MemberSource interface {
	GuildMember(ctx context.Context, guildID, userID string) (discord.Member, error)
	GuildRoles(ctx context.Context, guildID string) ([]discord.Role, error)
}

type Reconciler struct {
	Chat MemberSource
}

// ResolveCapabilities intersects the member's live roles with the guild's
// configured create and confirm role lists. The guild owner and members with
// the administrator bit hold both capabilities regardless of configuration.
// A user the platform reports as not in the guild holds nothing. Only when
// the member lookup fails upstream does the verdict degrade: the user is
// treated as holding every configured role ID and Degraded is set, so a chat
// outage slows moderation down instead of locking everyone out.
func (r Reconciler) ResolveCapabilities(ctx context.Context, g domain.Guild, discordUserID string) (Capabilities, error) {
	if g.OwnerDiscordID != "" && discordUserID == g.OwnerDiscordID {
		return Capabilities{CanCreate: true, CanConfirm: true}, nil
	}
	member, err := r.Chat.GuildMember(ctx, g.GuildID, discordUserID)
	if err != nil {
		if isMemberNotFound(err) {
			// Not in the guild. A definitive answer, so no capability and
			// no degraded fallback.
			return Capabilities{}, nil
		}
		var unauth discord.ErrUnauthorized
		if errors.As(err, &unauth) {
			// Bot token rejected is a deployment problem, not a member outage.
			return Capabilities{}, err
		}
		log.Printf("permissions: member lookup for %s in guild %s failed, degrading: %v", discordUserID, g.GuildID, err)
		// Assume the user holds every configured role rather than none.
		return Capabilities{
			CanCreate:  len(g.Permissions.CreateRoleIDs) > 0,
			CanConfirm: len(g.Permissions.ConfirmRoleIDs) > 0,
			Degraded:   true,
		}, nil
	}
	if member.Admin {
		return Capabilities{CanCreate: true, CanConfirm: true}, nil
	}
	return Capabilities{
		CanCreate:  intersects(member.RoleIDs, g.Permissions.CreateRoleIDs),
		CanConfirm: intersects(member.RoleIDs, g.Permissions.ConfirmRoleIDs),
	}, nil
}

// isMemberNotFound recognizes the platform's "not in this guild" answer,
// whether the source maps it to the sentinel or forwards the raw 404.
func isMemberNotFound(err error) bool {
	if errors.Is(err, discord.ErrMemberNotFound) {
		return true
	}
	var ue discord.UpstreamError
	return errors.As(err, &ue) && ue.Status == http.StatusNotFound
}

func intersects(held, wanted []string) bool {
	if len(held) == 0 || len(wanted) == 0 {
		return false
	}
	set := make(map[string]struct{}, len(held))
	for _, id := range held {
		set[id] = struct{}{}
	}
	for _, id := range wanted {
		if _, ok := set[id]; ok {
			return true
		}
	}
	return false
}

// RoleListResult is the merged role view for a guild.
type RoleListResult struct {
	Roles    []domain.Role `json:"roles"`
	Degraded bool          `json:"degraded"`
}

// MergeRoles returns the guild's live role list when the platform is
// reachable. On upstream failure it synthesizes unverified placeholder roles
// from the configured role IDs, labeled by the raw ID, so permission
// management stays usable during an outage.
func (r Reconciler) MergeRoles(ctx context.Context, g domain.Guild) (RoleListResult, error) {
	live, err := r.Chat.GuildRoles(ctx, g.GuildID)
	if err != nil {
		var unauth discord.ErrUnauthorized
		if errors.As(err, &unauth) {
			return RoleListResult{}, err
		}
		log.Printf("permissions: role list for guild %s failed, degrading: %v", g.GuildID, err)
		return RoleListResult{Roles: placeholderRoles(g), Degraded: true}, nil
	}
	roles := make([]domain.Role, 0, len(live))
	for _, role := range live {
		roles = append(roles, domain.Role{
			ID:       role.ID,
			Name:     role.Name,
			Position: role.Position,
			Verified: true,
		})
	}
	sort.Slice(roles, func(i, j int) bool { return roles[i].Position > roles[j].Position })
	return RoleListResult{Roles: roles}, nil
}

func placeholderRoles(g domain.Guild) []domain.Role {
	seen := make(map[string]struct{})
	var roles []domain.Role
	for _, id := range append(append([]string{}, g.Permissions.CreateRoleIDs...), g.Permissions.ConfirmRoleIDs...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		roles = append(roles, domain.Role{ID: id, Name: id, Verified: false})
	}
	if roles == nil {
		roles = []domain.Role{}
	}
	return roles
}
