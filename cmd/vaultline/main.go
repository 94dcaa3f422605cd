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

	"vaultline/internal/config"
	"vaultline/internal/db"
	"vaultline/internal/dispatch"
	"vaultline/internal/domain"
	"vaultline/internal/engine"
	"vaultline/internal/migrate"
	"vaultline/internal/repo"
	"vaultline/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "vaultline",
	Short: "Vaultline CLI",
	Long: `Vaultline tracks package requests against an archive of intellectual entities.
Core concepts:
- Account: the institution that owns entities; contacts only see their own account.
- Agent: an authenticated caller. Operators can do anything; contacts act within
  their account and granted permissions (disseminate, withdraw, peek, submit).
- Request: an enqueued ask to disseminate, withdraw, or peek at one entity.
  At most one pending request per (entity, type); withdrawals need a second
  operator's approval before dispatch.
- Dispatch: a batch run that turns authorized pending requests into workspace
  work items, exactly once each, then marks them released.
- Event log: the audit diary of submissions, approvals, deletions, releases;
  view with 'vaultline log tail'.`,
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
	viper.SetEnvPrefix("VAULTLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "operator", "acting agent identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
}

func registerCommands() {
	rootCmd.AddCommand(accountCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(entityCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func accountCmd() *cobra.Command {
	acct := &cobra.Command{Use: "account", Short: "Manage accounts"}
	acct.AddCommand(accountCreateCmd())
	acct.AddCommand(accountListCmd())
	return acct
}

func accountCreateCmd() *cobra.Command {
	var code, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create account",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				a := domain.Account{Code: code, Name: name}
				if err := r.InsertAccount(ctx, a); err != nil {
					return err
				}
				created, err := r.GetAccount(ctx, code)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&code, "code", "", "account code")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	_ = cmd.MarkFlagRequired("code")
	return cmd
}

func accountListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAccounts(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	return cmd
}

func agentCmd() *cobra.Command {
	agent := &cobra.Command{
		Use:   "agent",
		Short: "Manage agents",
		Long:  "Agents are the callers: operators, account contacts, services, programs. Each gets a generated secret, shown once at creation; only its hash is stored.",
	}
	agent.AddCommand(agentCreateCmd())
	agent.AddCommand(agentListCmd())
	return agent
}

func agentCreateCmd() *cobra.Command {
	var identifier, account, role, secret, activeFrom, activeTo string
	var perms []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !domain.ValidRole(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			generated := false
			if secret == "" {
				secret = uuid.NewString()
				generated = true
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetAccount(ctx, account); err != nil {
					return fmt.Errorf("account %s: %w", account, err)
				}
				a := domain.Agent{
					Identifier:  identifier,
					AccountCode: account,
					Role:        role,
					KeyHash:     repo.HashSecret(secret),
					ActiveFrom:  optionalString(activeFrom),
					ActiveTo:    optionalString(activeTo),
					Permissions: perms,
				}
				if err := r.InsertAgent(ctx, a); err != nil {
					return err
				}
				out := map[string]any{
					"identifier":  identifier,
					"account":     account,
					"role":        role,
					"permissions": perms,
				}
				if generated {
					out["secret"] = secret
				}
				return printJSONOrTable(out)
			})
		},
	}
	cmd.Flags().StringVar(&identifier, "id", "", "agent identifier")
	cmd.Flags().StringVar(&account, "account", "", "account code")
	cmd.Flags().StringVar(&role, "role", domain.RoleContact, "role (operator, contact, service, program)")
	cmd.Flags().StringVar(&secret, "secret", "", "credential (generated if omitted)")
	cmd.Flags().StringVar(&activeFrom, "active-from", "", "RFC3339 start of active window")
	cmd.Flags().StringVar(&activeTo, "active-to", "", "RFC3339 end of active window")
	cmd.Flags().StringArrayVar(&perms, "permission", []string{}, "permission (repeatable: disseminate, withdraw, peek, submit)")
	_ = cmd.MarkFlagRequired("id")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func agentListCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAgents(ctx, account)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Identifier", "Account", "Role", "Permissions"})
				for _, a := range items {
					tw.AppendRow(table.Row{a.Identifier, a.AccountCode, a.Role, strings.Join(a.Permissions, ",")})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account filter")
	return cmd
}

func entityCmd() *cobra.Command {
	ent := &cobra.Command{Use: "entity", Short: "Manage archived entities"}
	ent.AddCommand(entityRegisterCmd())
	ent.AddCommand(entityListCmd())
	return ent
}

func entityRegisterCmd() *cobra.Command {
	var ieid, account, project string
	cmd := &cobra.Command{
		Use:   "register",
		Short: "Register an archived entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if _, err := r.GetAccount(ctx, account); err != nil {
					return fmt.Errorf("account %s: %w", account, err)
				}
				e := domain.Entity{IEID: ieid, AccountCode: account, Project: project}
				if err := r.InsertEntity(ctx, e); err != nil {
					return err
				}
				created, err := r.GetEntity(ctx, ieid)
				if err != nil {
					return err
				}
				return printJSONOrTable(created)
			})
		},
	}
	cmd.Flags().StringVar(&ieid, "ieid", "", "entity identifier")
	cmd.Flags().StringVar(&account, "account", "", "owning account code")
	cmd.Flags().StringVar(&project, "project", "", "project code")
	_ = cmd.MarkFlagRequired("ieid")
	_ = cmd.MarkFlagRequired("account")
	return cmd
}

func entityListCmd() *cobra.Command {
	var account string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List entities",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListEntities(ctx, account)
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account filter")
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage package requests",
		Long:  "Requests flow enqueued -> released_to_workspace. Only one pending request per entity and type; withdrawals stay unauthorized until a second operator approves.",
	}
	req.AddCommand(requestSubmitCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestApproveCmd())
	req.AddCommand(requestDeleteCmd())
	req.AddCommand(requestListCmd())
	return req
}

func requestSubmitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "submit <type> <ieid> [ieid...]",
		Short: "Submit requests for one or more entities",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			reqType := args[0]
			ieids := args[1:]
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agentID := viper.GetString("agent-id")
				out := map[string]any{}
				for _, ieid := range ieids {
					res, err := e.Enqueue(ctx, agentID, reqType, ieid)
					switch {
					case errors.Is(err, engine.ErrInvalidRequestType):
						return err
					case err != nil:
						out[ieid] = map[string]any{"error": err.Error()}
					case res.Duplicate:
						out[ieid] = map[string]any{"duplicate": true}
					default:
						out[ieid] = map[string]any{"request_id": res.RequestID}
					}
				}
				return printJSONOrTable(out)
			})
		},
	}
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <ieid> <type>",
		Short: "Show the pending request for an entity and type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				req, err := e.Query(ctx, viper.GetString("agent-id"), args[0], args[1])
				if err != nil {
					return err
				}
				return printJSONOrTable(req)
			})
		},
	}
	return cmd
}

func requestApproveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "approve <ieid> <type>",
		Short: "Approve a pending withdrawal",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agentID := viper.GetString("agent-id")
				req, err := e.Query(ctx, agentID, args[0], args[1])
				if err != nil {
					return err
				}
				if err := e.Approve(ctx, req.ID, agentID); err != nil {
					return err
				}
				approved, err := e.Repo.GetRequest(ctx, req.ID)
				if err != nil {
					return err
				}
				return printJSONOrTable(approved)
			})
		},
	}
	return cmd
}

func requestDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <ieid> <type>",
		Short: "Cancel the pending request for an entity and type",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return e.Delete(ctx, viper.GetString("agent-id"), args[0], args[1])
			})
		},
	}
	return cmd
}

func requestListCmd() *cobra.Command {
	var account, ieid string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests by account or entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (account == "") == (ieid == "") {
				return fmt.Errorf("exactly one of --account or --ieid required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				agentID := viper.GetString("agent-id")
				var items []domain.Request
				var err error
				if account != "" {
					items, err = e.QueryAccount(ctx, agentID, account)
				} else {
					items, err = e.QueryIEID(ctx, agentID, ieid)
				}
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "IEID", "Type", "Authorized", "Status", "Agent", "Created"})
				for _, r := range items {
					tw.AppendRow(table.Row{r.ID, r.IEID, r.Type, r.IsAuthorized, r.Status, r.AgentID, r.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&account, "account", "", "account code")
	cmd.Flags().StringVar(&ieid, "ieid", "", "entity identifier")
	return cmd
}

func dispatchCmd() *cobra.Command {
	d := &cobra.Command{
		Use:   "dispatch",
		Short: "Reconcile requests into workspace work items",
	}
	d.AddCommand(dispatchRunCmd())
	return d
}

func dispatchRunCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run one reconciliation pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rec := dispatch.Reconciler{
					Engine: e,
					Sink: dispatch.Workspace{
						Root:     e.Config.Dispatch.Workspace,
						DropPath: e.Config.Dispatch.DropPath,
					},
					AgentID: e.Config.Dispatch.Agent,
				}
				result, err := rec.Run(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(result)
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
	var evtType, ieid string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.LatestEvents(ctx, n, evtType, ieid)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&ieid, "ieid", "", "entity filter")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show loaded config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrTable(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate workspace config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			conn, err := db.Open(db.Config{Workspace: workspace})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			cfg, err := config.Load(workspace)
			if err != nil {
				return err
			}
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			e := engine.New(conn, cfg)
			jwtSecret := os.Getenv("VAULTLINE_JWT_SECRET")
			if jwtSecret == "" {
				jwtSecret = cfg.Auth.JWTSecret
			}
			rec := &dispatch.Reconciler{
				Engine: e,
				Sink: dispatch.Workspace{
					Root:     cfg.Dispatch.Workspace,
					DropPath: cfg.Dispatch.DropPath,
				},
				AgentID: cfg.Dispatch.Agent,
			}
			handler, err := server.New(server.Config{
				Engine:     e,
				Reconciler: rec,
				BasePath:   basePath,
				Auth:       server.AuthConfig{JWTSecret: jwtSecret},
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
			fmt.Printf("Serving Vaultline API on http://%s%s (OpenAPI at /openapi.json)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to config)")
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
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	e := engine.New(conn, cfg)
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

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
