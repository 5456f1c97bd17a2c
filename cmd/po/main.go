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

	"projectops/internal/app"
	"projectops/internal/config"
	"projectops/internal/db"
	"projectops/internal/domain"
	"projectops/internal/engine"
	"projectops/internal/logger"
	"projectops/internal/migrate"
	"projectops/internal/repo"
	"projectops/internal/server"
	"projectops/internal/tenant"
)

var rootCmd = &cobra.Command{
	Use:   "po",
	Short: "Projectops CLI",
	Long: `Projectops tracks work items through a configurable approval workflow.
Core concepts:
- Workspace: the .projectops directory holding the database; tenant configs live in the DB.
- Tenant: an isolated customer space that owns work items, members, rules and its audit trail.
- Work items: move through tenant-configured statuses (draft -> submitted -> in_review -> approved/rejected by default).
- Transition rules: per-tenant edges saying which status changes are allowed; a tenant with no rules allows any change within its status set.
- Reviewers: assigned per item; when every reviewer approves the item moves to the approved status, one rejection sends it back to rework and resets the other decisions.
- Audit trail: every mutation writes an entry in the same transaction; view with 'po log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		workspace := viper.GetString("workspace")
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return err
		}
		return nil
	},
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
	viper.SetEnvPrefix("PROJECTOPS")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("user-id", "local-user", "acting user identifier")
	rootCmd.PersistentFlags().Bool("superuser", false, "act as superuser (local CLI only)")
	rootCmd.PersistentFlags().String("tenant", "", "tenant id (defaults to the user's single membership)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("user-id", rootCmd.PersistentFlags().Lookup("user-id"))
	_ = viper.BindPFlag("superuser", rootCmd.PersistentFlags().Lookup("superuser"))
	_ = viper.BindPFlag("tenant", rootCmd.PersistentFlags().Lookup("tenant"))
}

func registerCommands() {
	rootCmd.AddCommand(tenantCmd())
	rootCmd.AddCommand(itemCmd())
	rootCmd.AddCommand(reviewerCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(serveCmd())
}

func principal() tenant.Principal {
	return tenant.Principal{
		UserID:    viper.GetString("user-id"),
		Superuser: viper.GetBool("superuser"),
	}
}

// --- tenant ---

func tenantCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "tenant", Short: "Manage tenants"}
	cmd.AddCommand(tenantCreateCmd())
	cmd.AddCommand(tenantListCmd())
	cmd.AddCommand(tenantShowCmd())
	cmd.AddCommand(tenantStatusCmd())
	cmd.AddCommand(tenantSetStatusCmd())
	cmd.AddCommand(tenantMemberCmd())
	cmd.AddCommand(tenantConfigCmd())
	return cmd
}

func tenantCreateCmd() *cobra.Command {
	var id, name, configPath string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create tenant",
		RunE: func(cmd *cobra.Command, args []string) error {
			if id == "" {
				return fmt.Errorf("--id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var cfg *config.Config
				if configPath != "" {
					data, err := os.ReadFile(configPath)
					if err != nil {
						return err
					}
					cfg, err = config.FromYAMLForTenant(data, id)
					if err != nil {
						return err
					}
				}
				t, err := e.CreateTenant(ctx, engine.TenantCreateOptions{
					ID:      id,
					Name:    name,
					Config:  cfg,
					ActorID: principal().UserID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "tenant id")
	cmd.Flags().StringVar(&name, "name", "", "tenant name")
	cmd.Flags().StringVar(&configPath, "config", "", "workflow config YAML file")
	return cmd
}

func tenantListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List tenants",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tenants, err := r.ListTenants(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tenants)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, t := range tenants {
					tw.AppendRow(table.Row{t.ID, t.Name, t.Status, t.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func tenantShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show tenant",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				t, err := r.GetTenant(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func tenantStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Tenant summary with item counts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, r, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				t, err := r.GetTenant(ctx, tenantID)
				if err != nil {
					return err
				}
				counts, err := r.CountItemsByStatus(ctx, tenantID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"tenant":      t,
					"item_counts": counts,
				})
			})
		},
	}
}

func tenantSetStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set-status <id> <active|suspended|archived>",
		Short: "Activate, suspend or archive a tenant",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.SetTenantStatus(ctx, args[0], args[1], principal().UserID)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
}

func tenantMemberCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "member", Short: "Manage tenant members"}

	var role string
	add := &cobra.Command{
		Use:   "add <user-id>",
		Short: "Add or update a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, e.Repo, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				return e.AddMember(ctx, tenantID, args[0], role, principal().UserID)
			})
		},
	}
	add.Flags().StringVar(&role, "role", "member", "role id")
	cmd.AddCommand(add)

	cmd.AddCommand(&cobra.Command{
		Use:   "remove <user-id>",
		Short: "Remove a member",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, e.Repo, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				return e.RemoveMember(ctx, tenantID, args[0], principal().UserID)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List members",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, r, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				members, err := r.ListMemberships(ctx, tenantID)
				if err != nil {
					return err
				}
				return printJSONOrTable(members)
			})
		},
	})
	return cmd
}

func tenantConfigCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage tenant workflow config"}

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show stored config",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				_, cfg, err := app.ResolveTenantAndConfig(ctx, r, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				return printJSON(cfg)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "import <file>",
		Short: "Import config YAML",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, r, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				data, err := os.ReadFile(args[0])
				if err != nil {
					return err
				}
				cfg, err := config.FromYAMLForTenant(data, tenantID)
				if err != nil {
					return err
				}
				if err := r.UpsertTenantConfig(ctx, tenantID, cfg); err != nil {
					return err
				}
				fmt.Println("config imported for", tenantID)
				return nil
			})
		},
	})

	var out string
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default config YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			tenantID := viper.GetString("tenant")
			if tenantID == "" {
				tenantID = "example"
			}
			yamlText := config.GenerateDefault(tenantID)
			if out == "" {
				fmt.Print(yamlText)
				return nil
			}
			return os.WriteFile(out, []byte(yamlText), 0o644)
		},
	}
	initCmd.Flags().StringVar(&out, "out", "", "output file (stdout when empty)")
	cmd.AddCommand(initCmd)
	return cmd
}

// --- item ---

func itemCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "item", Short: "Manage work items"}
	cmd.AddCommand(itemCreateCmd())
	cmd.AddCommand(itemListCmd())
	cmd.AddCommand(itemGetCmd())
	cmd.AddCommand(itemMoveCmd())
	cmd.AddCommand(itemArchiveCmd())
	cmd.AddCommand(itemCommentCmd())
	return cmd
}

func itemCreateCmd() *cobra.Command {
	var id, title, description, owner string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create work item",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, e.Repo, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				it, err := e.CreateItem(ctx, engine.ItemCreateOptions{
					ID:          id,
					TenantID:    tenantID,
					Title:       title,
					Description: description,
					OwnerID:     owner,
					ActorID:     principal().UserID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
	cmd.Flags().StringVar(&id, "id", "", "item id (generated when empty)")
	cmd.Flags().StringVar(&title, "title", "", "item title")
	cmd.Flags().StringVar(&description, "description", "", "item description")
	cmd.Flags().StringVar(&owner, "owner", "", "owner user id")
	return cmd
}

func itemListCmd() *cobra.Command {
	var f repo.ItemFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List work items",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, r, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				f.TenantID = tenantID
				items, err := r.ListItems(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Status", "Owner", "Archived"})
				for _, it := range items {
					owner := ""
					if it.OwnerID != nil {
						owner = *it.OwnerID
					}
					tw.AppendRow(table.Row{it.ID, it.Title, it.Status, owner, it.Archived})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.OwnerID, "owner", "", "owner filter")
	cmd.Flags().BoolVar(&f.IncludeArchived, "include-archived", false, "include archived items")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max items")
	return cmd
}

func itemGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get work item with assignments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, e.Repo, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				it, err := e.Repo.GetItem(ctx, args[0])
				if err != nil {
					return err
				}
				if it.TenantID != tenantID {
					return repo.ErrNotFound
				}
				assignments, err := e.Repo.ListAssignments(ctx, it.ID)
				if err != nil {
					return err
				}
				comments, err := e.Repo.ListComments(ctx, it.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{
					"item":        it,
					"assignments": assignments,
					"aggregate":   engine.Aggregate(assignments),
					"comments":    comments,
				})
			})
		},
	}
}

func itemMoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "move <id> <target-status>",
		Short: "Move work item to a new status",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, e.Repo, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				it, err := e.Transition(ctx, engine.TransitionOptions{
					TenantID: tenantID,
					ItemID:   args[0],
					Target:   args[1],
					ActorID:  principal().UserID,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func itemArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, e.Repo, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				it, err := e.ArchiveItem(ctx, tenantID, args[0], principal().UserID)
				if err != nil {
					return err
				}
				return printJSONOrTable(it)
			})
		},
	}
}

func itemCommentCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "comment <id> <body>",
		Short: "Comment on a work item",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, e.Repo, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				c, err := e.AddComment(ctx, tenantID, args[0], principal().UserID, args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(c)
			})
		},
	}
}

// --- reviewer ---

func reviewerCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "reviewer", Short: "Manage reviewers and decisions"}
	cmd.AddCommand(reviewerAssignCmd())
	cmd.AddCommand(reviewerUnassignCmd())
	cmd.AddCommand(reviewerDecideCmd())
	cmd.AddCommand(reviewerStatusCmd())
	return cmd
}

func reviewerAssignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assign <item-id> <reviewer-id>",
		Short: "Assign a reviewer",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, e.Repo, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				return e.AssignReviewer(ctx, tenantID, args[0], args[1], principal().UserID)
			})
		},
	}
}

func reviewerUnassignCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unassign <item-id> <reviewer-id>",
		Short: "Remove a reviewer assignment",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, e.Repo, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				return e.UnassignReviewer(ctx, tenantID, args[0], args[1], principal().UserID)
			})
		},
	}
}

func reviewerDecideCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "decide <item-id> <approved|rejected>",
		Short: "Record the acting user's decision",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, e.Repo, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				res, err := e.RecordDecision(ctx, engine.DecisionOptions{
					TenantID:   tenantID,
					ItemID:     args[0],
					ReviewerID: principal().UserID,
					Decision:   args[1],
					Note:       note,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(res)
			})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "decision note")
	return cmd
}

func reviewerStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status <item-id>",
		Short: "Approval aggregate for a work item",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, e.Repo, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				status, err := e.ApprovalStatus(ctx, tenantID, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(status)
			})
		},
	}
}

// --- rule ---

func ruleCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "rule", Short: "Manage transition rules"}
	cmd.AddCommand(ruleListCmd())
	cmd.AddCommand(ruleSetCmd())
	cmd.AddCommand(ruleRemoveCmd())
	return cmd
}

func ruleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List transition rules",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, r, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				rules, err := r.ListRules(ctx, tenantID)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(rules)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"From", "To", "Enabled"})
				for _, rule := range rules {
					tw.AppendRow(table.Row{rule.From, rule.To, rule.Enabled})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func ruleSetCmd() *cobra.Command {
	var disabled bool
	cmd := &cobra.Command{
		Use:   "set <from> <to>",
		Short: "Enable or disable a transition rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, e.Repo, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				rule := domain.TransitionRule{TenantID: tenantID, From: args[0], To: args[1], Enabled: !disabled}
				if err := e.SetRule(ctx, rule, principal().UserID); err != nil {
					return err
				}
				return printJSONOrTable(rule)
			})
		},
	}
	cmd.Flags().BoolVar(&disabled, "disabled", false, "store the rule as disabled")
	return cmd
}

func ruleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <from> <to>",
		Short: "Remove a transition rule",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, e.Repo, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				return e.RemoveRule(ctx, tenantID, args[0], args[1], principal().UserID)
			})
		},
	}
}

// --- log ---

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Inspect the audit trail"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var n int
	var action, entityKind, entityID, actor string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail audit entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, r, principal(), viper.GetString("tenant"))
				if err != nil {
					return err
				}
				entries, err := r.LatestEntries(ctx, repo.AuditFilters{
					TenantID:   tenantID,
					Action:     action,
					EntityKind: entityKind,
					EntityID:   entityID,
					ActorID:    actor,
					Limit:      n,
				})
				if err != nil {
					return err
				}
				return printJSONOrTable(entries)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&action, "action", "", "action filter")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	cmd.Flags().StringVar(&actor, "actor", "", "actor filter")
	return cmd
}

// --- apikey ---

func apikeyCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "apikey", Short: "Manage API keys"}

	var name string
	create := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString() + uuid.NewString()
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureUser(ctx, tx, principal().UserID, now); err != nil {
					return err
				}
				if err := tx.Commit(); err != nil {
					return err
				}
				key := domain.APIKey{
					ID:        uuid.NewString(),
					UserID:    principal().UserID,
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: now,
				}
				if err := r.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				// The raw key is shown once and never stored.
				return printJSON(map[string]string{"id": key.ID, "key": raw})
			})
		},
	}
	create.Flags().StringVar(&name, "name", "", "key label")
	cmd.AddCommand(create)

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List the acting user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				keys, err := r.ListAPIKeys(ctx, principal().UserID)
				if err != nil {
					return err
				}
				return printJSONOrTable(keys)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				return r.DeleteAPIKey(ctx, args[0])
			})
		},
	})
	return cmd
}

// --- user ---

func userCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "user", Short: "Manage users"}
	cmd.AddCommand(userSuperuserCmd("promote", true))
	cmd.AddCommand(userSuperuserCmd("demote", false))
	return cmd
}

func userSuperuserCmd(use string, superuser bool) *cobra.Command {
	short := "Grant superuser"
	if !superuser {
		short = "Revoke superuser"
	}
	return &cobra.Command{
		Use:   use + " <user-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				now := time.Now().UTC().Format(time.RFC3339)
				tx, err := r.DB.BeginTx(ctx, nil)
				if err != nil {
					return err
				}
				defer tx.Rollback()
				if err := r.EnsureUser(ctx, tx, args[0], now); err != nil {
					return err
				}
				if err := r.SetSuperuser(ctx, tx, args[0], superuser); err != nil {
					return err
				}
				return tx.Commit()
			})
		},
	}
}

// --- serve ---

func serveCmd() *cobra.Command {
	var addr, basePath, env string
	var devLogin bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
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
			log := logger.New(env)
			e := engine.New(conn)
			authCfg := server.AuthConfig{
				JWTSecret:      os.Getenv("PROJECTOPS_JWT_SECRET"),
				EnableDevLogin: devLogin,
				Logger:         log,
			}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("PROJECTOPS_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth:     authCfg,
				Logger:   log,
			})
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			log.Info().Str("addr", addr).Str("base_path", basePath).Msg("serving Projectops API")
			fmt.Printf("Serving Projectops API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().StringVar(&env, "env", "dev", "environment (dev uses console logging)")
	cmd.Flags().BoolVar(&devLogin, "dev-login", false, "expose POST /auth/dev/login for minting JWTs")
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	return fn(ctx, engine.New(conn))
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
