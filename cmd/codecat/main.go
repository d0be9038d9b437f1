package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"codecat/internal/app"
	"codecat/internal/automation"
	"codecat/internal/config"
	"codecat/internal/db"
	"codecat/internal/discord"
	"codecat/internal/domain"
	"codecat/internal/engine"
	"codecat/internal/migrate"
	"codecat/internal/permissions"
	"codecat/internal/repo"
	"codecat/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "codecat",
	Short: "CodeCat CLI",
	Long: `CodeCat turns Discord guilds into a front desk for automated code changes.
- Guilds register once and configure which roles may request and which may approve work.
- Tasks go pending_confirmation -> in_progress -> completed/rejected; a second pair of eyes confirms unless the creator may approve their own request.
- Automation sessions run on the backend under the requester's API key, falling back to the guild default key.
- The event log records every registration, moderation call, and completion.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("CODECAT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-admin", "actor identifier for the event log")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(guildCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
}

func initCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
				if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", cfgPath)
			}
			fmt.Printf("Workspace ready at %s\n", workspace)
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			if cfg.Server.JWTSecret == "" {
				cfg.Server.JWTSecret = os.Getenv("CODECAT_JWT_SECRET")
			}
			if cfg.Server.JWTSecret == "" {
				return fmt.Errorf("server.jwt_secret (or CODECAT_JWT_SECRET) is required for bearer auth")
			}
			chat := discord.NewClient(cfg.Discord.APIBase, cfg.Discord.BotToken)
			var backend automation.Backend
			if cfg.Automation.BaseURL != "" {
				backend = automation.NewClient(cfg.Automation.BaseURL, cfg.Automation.Secret)
			}
			e := engine.New(conn, cfg, permissions.Reconciler{Chat: chat}, backend)
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if addr == "" {
				addr = "127.0.0.1:8787"
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			handler, err := server.New(server.Config{
				Engine:        e,
				Chat:          chat,
				BasePath:      basePath,
				Auth:          server.AuthConfig{JWTSecret: cfg.Server.JWTSecret},
				WebhookSecret: cfg.Automation.Secret,
			})
			if err != nil {
				return err
			}
			server.StartCompletionPoller(e, backend, cfg.Automation.PollEvery)
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving CodeCat API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config server.base_path)")
	return cmd
}

func guildCmd() *cobra.Command {
	guild := &cobra.Command{
		Use:   "guild",
		Short: "Manage registered guilds",
	}
	guild.AddCommand(guildListCmd())
	guild.AddCommand(guildShowCmd())
	guild.AddCommand(guildRegisterCmd())
	guild.AddCommand(guildSetPermsCmd())
	guild.AddCommand(guildSetDefaultsCmd())
	return guild
}

func guildListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List registered guilds",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				guilds, err := r.ListGuilds(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(guilds)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Guild ID", "Name", "Create Roles", "Confirm Roles", "Default Key"})
				for _, g := range guilds {
					hasKey := "no"
					if g.DefaultAutomationKey != nil && *g.DefaultAutomationKey != "" {
						hasKey = "yes"
					}
					tw.AppendRow(table.Row{
						g.GuildID, g.Name,
						strings.Join(g.Permissions.CreateRoleIDs, ","),
						strings.Join(g.Permissions.ConfirmRoleIDs, ","),
						hasKey,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func guildShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <guild-id>",
		Short: "Show a guild",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				g, err := r.GetGuildByDiscordID(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	return cmd
}

func guildRegisterCmd() *cobra.Command {
	var name, owner string
	cmd := &cobra.Command{
		Use:   "register <guild-id>",
		Short: "Register a guild",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				g, registered, err := app.ResolveGuild(ctx, r, args[0], name, owner)
				if err != nil {
					return err
				}
				if !registered {
					fmt.Fprintln(cmd.ErrOrStderr(), "guild already registered")
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "guild name")
	cmd.Flags().StringVar(&owner, "owner-id", "", "guild owner discord user id")
	return cmd
}

func guildSetPermsCmd() *cobra.Command {
	var createRoles, confirmRoles []string
	cmd := &cobra.Command{
		Use:   "set-perms <guild-id>",
		Short: "Set create/confirm role lists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				g, err := r.GetGuildByDiscordID(ctx, args[0])
				if err != nil {
					return err
				}
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				perms := domain.GuildPermissions{
					CreateRoleIDs:  createRoles,
					ConfirmRoleIDs: confirmRoles,
				}
				if err := r.UpdateGuildPermissions(ctx, tx, g.ID, perms); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				g.Permissions = perms
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringArrayVar(&createRoles, "create-role", []string{}, "role id allowed to create tasks (repeatable)")
	cmd.Flags().StringArrayVar(&confirmRoles, "confirm-role", []string{}, "role id allowed to confirm tasks (repeatable)")
	return cmd
}

func guildSetDefaultsCmd() *cobra.Command {
	var key, repoName, branch, model string
	cmd := &cobra.Command{
		Use:   "set-defaults <guild-id>",
		Short: "Set guild default key, repo, branch, or model",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				g, err := r.GetGuildByDiscordID(ctx, args[0])
				if err != nil {
					return err
				}
				var d repo.GuildDefaults
				if cmd.Flags().Changed("default-key") {
					d.AutomationKey = &key
				}
				if cmd.Flags().Changed("repo") {
					d.Repo = &repoName
				}
				if cmd.Flags().Changed("branch") {
					d.Branch = &branch
				}
				if cmd.Flags().Changed("model") {
					d.Model = &model
				}
				if err := r.UpdateGuildDefaults(ctx, g.ID, d); err != nil {
					return err
				}
				g, err = r.GetGuild(ctx, g.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(g)
			})
		},
	}
	cmd.Flags().StringVar(&key, "default-key", "", "guild default automation key (empty clears)")
	cmd.Flags().StringVar(&repoName, "repo", "", "default repository")
	cmd.Flags().StringVar(&branch, "branch", "", "default branch")
	cmd.Flags().StringVar(&model, "model", "", "default model")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow pending_confirmation -> in_progress -> completed/rejected. Creation and moderation check the caller's guild roles against the configured lists; confirm starts an automation session.",
	}
	task.AddCommand(taskCreateCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskConfirmCmd())
	task.AddCommand(taskRejectCmd())
	return task
}

func taskCreateCmd() *cobra.Command {
	var guildID, asUser, description, repoName, branch, model string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			if guildID == "" || asUser == "" || description == "" {
				return fmt.Errorf("--guild, --as-user and --description required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				g, err := e.Repo.GetGuildByDiscordID(ctx, guildID)
				if err != nil {
					return err
				}
				t, err := e.CreateTask(ctx, engine.TaskCreateOptions{
					GuildID:       g.ID,
					DiscordUserID: asUser,
					Description:   description,
					Repo:          repoName,
					Branch:        branch,
					Model:         model,
					ActorID:       viper.GetString("actor-id"),
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "discord guild id")
	cmd.Flags().StringVar(&asUser, "as-user", "", "requesting discord user id")
	cmd.Flags().StringVar(&description, "description", "", "what to change")
	cmd.Flags().StringVar(&repoName, "repo", "", "repository (defaults to guild default)")
	cmd.Flags().StringVar(&branch, "branch", "", "branch (defaults to guild default)")
	cmd.Flags().StringVar(&model, "model", "", "model (defaults to guild default)")
	return cmd
}

func taskListCmd() *cobra.Command {
	var guildID, status string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				f := repo.TaskFilters{Status: status, Limit: limit}
				if guildID != "" {
					g, err := r.GetGuildByDiscordID(ctx, guildID)
					if err != nil {
						return err
					}
					f.GuildID = g.ID
				}
				tasks, err := r.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Status", "Requester", "Session", "Updated"})
				for _, t := range tasks {
					session := ""
					if t.SessionID != nil {
						session = *t.SessionID
					}
					tw.AppendRow(table.Row{t.ID, t.Status, t.DiscordUserID, session, t.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&guildID, "guild", "", "discord guild id")
	cmd.Flags().StringVar(&status, "status", "", "status filter")
	cmd.Flags().IntVar(&limit, "limit", 50, "max results")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskConfirmCmd() *cobra.Command {
	var asUser string
	cmd := &cobra.Command{
		Use:   "confirm <id>",
		Short: "Confirm a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if asUser == "" {
				return fmt.Errorf("--as-user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.ConfirmTask(ctx, args[0], asUser, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&asUser, "as-user", "", "confirming discord user id")
	return cmd
}

func taskRejectCmd() *cobra.Command {
	var asUser string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if asUser == "" {
				return fmt.Errorf("--as-user required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.RejectTask(ctx, args[0], asUser, viper.GetString("actor-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&asUser, "as-user", "", "rejecting discord user id")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	user.AddCommand(userShowCmd())
	user.AddCommand(userSetKeyCmd())
	user.AddCommand(userConnectCmd())
	return user
}

func userConnectCmd() *cobra.Command {
	var token, username string
	cmd := &cobra.Command{
		Use:   "connect <discord-id>",
		Short: "Store a user's source-control connection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if token == "" {
				return fmt.Errorf("--token required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := app.ResolveUser(ctx, r, args[0], "")
				if err != nil {
					return err
				}
				var usernamePtr *string
				if username != "" {
					usernamePtr = &username
				}
				if err := r.SetUserGithubConnection(ctx, u.ID, &token, usernamePtr); err != nil {
					return err
				}
				fmt.Printf("Connected GitHub for %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "GitHub access token")
	cmd.Flags().StringVar(&username, "username", "", "GitHub username")
	return cmd
}

func userShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <discord-id>",
		Short: "Show a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := r.GetUserByDiscordID(ctx, args[0])
				if err != nil {
					return err
				}
				// Secrets stay out of CLI output.
				u.AutomationKey = nil
				u.GithubToken = nil
				return printJSONOrTable(u)
			})
		},
	}
	return cmd
}

func userSetKeyCmd() *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "set-key <discord-id>",
		Short: "Set or clear a user's automation key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				u, err := app.ResolveUser(ctx, r, args[0], "")
				if err != nil {
					return err
				}
				var keyPtr *string
				if key != "" {
					keyPtr = &key
				}
				if err := r.SetUserAutomationKey(ctx, u.ID, keyPtr); err != nil {
					return err
				}
				if key == "" {
					fmt.Printf("Cleared automation key for %s\n", args[0])
				} else {
					fmt.Printf("Set automation key for %s\n", args[0])
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "automation API key (empty clears)")
	return cmd
}

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apikey",
		Short: "Manage service API keys",
		Long:  "Service API keys authenticate bot and relay callers on the HTTP API. The raw key is printed once at creation; only its hash is stored.",
	}
	cmd.AddCommand(apikeyCreateCmd())
	cmd.AddCommand(apikeyListCmd())
	cmd.AddCommand(apikeyDeleteCmd())
	return cmd
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key",
		RunE: func(cmd *cobra.Command, args []string) error {
			if actorID == "" {
				return fmt.Errorf("--actor required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString()
				key := domain.APIKey{
					ID:      uuid.NewString(),
					ActorID: actorID,
					Name:    name,
					KeyHash: repo.HashAPIKey(raw),
				}
				if err := r.InsertAPIKey(ctx, nil, key); err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]string{"id": key.ID, "actor_id": actorID, "key": raw})
				}
				fmt.Printf("API key created for %s\nKey (store it now, it is not shown again): %s\n", actorID, raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "actor id the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	var actorID string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, actorID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(keys)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Actor", "Name", "Created"})
				for _, k := range keys {
					tw.AppendRow(table.Row{k.ID, k.ActorID, k.Name, k.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor", "", "filter by actor id")
	return cmd
}

func apikeyDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	}
	return cmd
}

func logCmd() *cobra.Command {
	log := &cobra.Command{
		Use:   "log",
		Short: "Event log",
	}
	log.AddCommand(logTailCmd())
	return log
}

func logTailCmd() *cobra.Command {
	var n int
	var guildID, evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				guildRowID := ""
				if guildID != "" {
					g, err := r.GetGuildByDiscordID(ctx, guildID)
					if err != nil {
						return err
					}
					guildRowID = g.ID
				}
				events, err := r.LatestEvents(ctx, n, guildRowID, evtType, "", "")
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"TS", "Type", "Entity", "Actor"})
				for _, e := range events {
					tw.AppendRow(table.Row{e.TS, e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&guildID, "guild", "", "discord guild id filter")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	chat := discord.NewClient(cfg.Discord.APIBase, cfg.Discord.BotToken)
	var backend automation.Backend
	if cfg.Automation.BaseURL != "" {
		backend = automation.NewClient(cfg.Automation.BaseURL, cfg.Automation.Secret)
	}
	e := engine.New(conn, cfg, permissions.Reconciler{Chat: chat}, backend)
	return fn(ctx, e)
}

func withRepo(ctx context.Context, fn func(context.Context, repo.Repo) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, repo.Repo{DB: conn})
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
