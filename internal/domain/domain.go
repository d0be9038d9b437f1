package domain

// GuildPermissions holds the role IDs allowed to create and confirm tasks.
// Both slices are always non-nil once a guild is loaded from the store.
type GuildPermissions struct {
	CreateRoleIDs  []string `json:"create_role_ids"`
	ConfirmRoleIDs []string `json:"confirm_role_ids"`
}

type Guild struct {
	ID                   string           `json:"id"`
	GuildID              string           `json:"guild_id"`
	Name                 string           `json:"name,omitempty"`
	OwnerDiscordID       string           `json:"owner_discord_id,omitempty"`
	Permissions          GuildPermissions `json:"permissions"`
	DefaultAutomationKey *string          `json:"default_automation_key,omitempty"`
	DefaultRepo          *string          `json:"default_repo,omitempty"`
	DefaultBranch        *string          `json:"default_branch,omitempty"`
	DefaultModel         *string          `json:"default_model,omitempty"`
	CreatedAt            string           `json:"created_at" format:"date-time"`
}

type User struct {
	ID              string  `json:"id"`
	DiscordID       string  `json:"discord_id"`
	DiscordUsername string  `json:"discord_username,omitempty"`
	AutomationKey   *string `json:"automation_key,omitempty"`
	GithubToken     *string `json:"github_token,omitempty"`
	GithubUsername  *string `json:"github_username,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
}

type Task struct {
	ID            string  `json:"id"`
	GuildID       string  `json:"guild_id"`
	DiscordUserID string  `json:"discord_user_id"`
	UserID        *string `json:"user_id,omitempty"`
	Prompt        string  `json:"prompt"`
	Status        string  `json:"status" enum:"pending_confirmation,in_progress,completed,rejected"`
	ResultURL     *string `json:"result_url,omitempty"`
	SessionID     *string `json:"session_id,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	UpdatedAt     string  `json:"updated_at" format:"date-time"`
}

const (
	TaskPendingConfirmation = "pending_confirmation"
	TaskInProgress          = "in_progress"
	TaskCompleted           = "completed"
	TaskRejected            = "rejected"
)

// Role is a guild role as reported by the chat platform, or a placeholder
// synthesized from a configured role ID when the platform is unreachable.
type Role struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Position int    `json:"position,omitempty"`
	Verified bool   `json:"verified"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	GuildID    string `json:"guild_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
