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

	"github.com/Katsud0n0/final-jd-21/internal/app"
	"github.com/Katsud0n0/final-jd-21/internal/config"
	"github.com/Katsud0n0/final-jd-21/internal/db"
	"github.com/Katsud0n0/final-jd-21/internal/domain"
	"github.com/Katsud0n0/final-jd-21/internal/engine"
	"github.com/Katsud0n0/final-jd-21/internal/migrate"
	"github.com/Katsud0n0/final-jd-21/internal/repo"
	"github.com/Katsud0n0/final-jd-21/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "jd",
	Short: "JD request lifecycle CLI",
	Long: `JD tracks cross-department requests through their whole lifecycle.
Requests start Pending, move to In Process once enough users accept,
and end Completed or Rejected. A background sweeper expires stale
records and archives old projects before deleting them.`,
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
	viper.SetEnvPrefix("JD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().StringP("username", "u", "admin", "acting username")
	rootCmd.PersistentFlags().String("department", "", "acting user's department")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("username", rootCmd.PersistentFlags().Lookup("username"))
	_ = viper.BindPFlag("department", rootCmd.PersistentFlags().Lookup("department"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(departmentCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(initCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize a workspace with schema and seed data",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := app.Seed(ctx, r); err != nil {
					return err
				}
				cfgPath := config.Path(viper.GetString("workspace"))
				if _, err := os.Stat(cfgPath); errors.Is(err, os.ErrNotExist) {
					if err := os.WriteFile(cfgPath, []byte(config.GenerateDefault()), 0o644); err != nil {
						return err
					}
					fmt.Println("wrote", cfgPath)
				}
				fmt.Println("workspace ready:", db.Path(viper.GetString("workspace")))
				return nil
			})
		},
	}
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
			r := repo.Repo{DB: conn}
			if err := app.Seed(cmd.Context(), r); err != nil {
				return err
			}
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			if secret := os.Getenv("JD_JWT_SECRET"); secret != "" {
				cfg.Auth.JWTSecret = secret
			}
			if strings.TrimSpace(cfg.Auth.JWTSecret) == "" {
				return fmt.Errorf("jwt secret required: set auth.jwt_secret in jd.yml or JD_JWT_SECRET")
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: cfg.Server.BasePath,
				Auth: server.AuthConfig{
					JWTSecret:               cfg.Auth.JWTSecret,
					TokenTTL:                cfg.TokenTTL(),
					AllowLegacyUserHeader:   cfg.Auth.AllowLegacyUserHeader,
					AllowPasswordlessLogins: cfg.Auth.AllowPasswordlessLogins,
				},
			})
			if err != nil {
				return err
			}
			stopSweeper := server.StartSweepLoop(e)
			defer stopSweeper()
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving JD API on http://%s%s (OpenAPI at %s/openapi.json)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{Use: "request", Short: "Manage requests"}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestGetCmd())
	req.AddCommand(requestMineCmd())
	req.AddCommand(requestAcceptCmd())
	req.AddCommand(requestCompleteCmd())
	req.AddCommand(requestAbandonCmd())
	req.AddCommand(requestRejectCmd())
	req.AddCommand(requestArchiveCmd())
	req.AddCommand(requestUnarchiveCmd())
	req.AddCommand(requestDeleteCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	var departments []string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				opts.Creator = viper.GetString("username")
				opts.Departments = departments
				if user, err := e.Repo.GetUserByUsername(ctx, opts.Creator); err == nil {
					opts.CreatorDepartment = user.Department
					opts.CreatorRole = user.Role
				}
				r, err := e.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Title, "title", "", "request title")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().StringVar(&opts.Department, "target", "", "target department")
	cmd.Flags().StringSliceVar(&departments, "departments", nil, "required departments (multi)")
	cmd.Flags().StringVar(&opts.Type, "type", "request", "request or project")
	cmd.Flags().BoolVar(&opts.MultiDepartment, "multi", false, "multi-department request")
	cmd.Flags().IntVar(&opts.UsersNeeded, "users-needed", 1, "acceptance quorum")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority label")
	cmd.Flags().StringVar(&opts.RelatedProject, "related-project", "", "related project id")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func requestListCmd() *cobra.Command {
	var criteria engine.FilterCriteria
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests, optionally filtered",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Filter(ctx, criteria)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderRequestTable(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&criteria.Department, "target", "", "department filter")
	cmd.Flags().StringVar(&criteria.Status, "status", "", "status filter (use All for every status)")
	cmd.Flags().StringVar(&criteria.Type, "type", "", "type filter")
	cmd.Flags().BoolVar(&criteria.MultiDepartment, "multi", false, "only multi-department requests")
	cmd.Flags().StringVar(&criteria.Search, "search", "", "free text search")
	return cmd
}

func requestGetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "get <id>",
		Short: "Show one request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Get(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestMineCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mine",
		Short: "List requests you created or accepted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListForUser(ctx, viper.GetString("username"))
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				renderRequestTable(items)
				return nil
			})
		},
	}
	return cmd
}

func requestAcceptCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				username := viper.GetString("username")
				department := viper.GetString("department")
				if department == "" {
					if user, err := e.Repo.GetUserByUsername(ctx, username); err == nil {
						department = user.Department
					}
				}
				r, err := e.Accept(ctx, args[0], username, department)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestCompleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Mark your part of a request finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Complete(ctx, args[0], viper.GetString("username"))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestAbandonCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abandon <id>",
		Short: "Walk away from an accepted request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Abandon(ctx, args[0], viper.GetString("username"))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Reject(ctx, args[0], viper.GetString("username"), reason)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason")
	return cmd
}

func requestArchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "archive <id>",
		Short: "Archive a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Archive(ctx, args[0], viper.GetString("username"))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestUnarchiveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "unarchive <id>",
		Short: "Restore an archived request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				r, err := e.Unarchive(ctx, args[0], viper.GetString("username"))
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestDeleteCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				if err := e.Delete(ctx, args[0], viper.GetString("username")); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
	return cmd
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one expiry and archival pass",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				summary, err := e.Sweep(ctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(summary)
			})
		},
	}
}

func userCmd() *cobra.Command {
	user := &cobra.Command{Use: "user", Short: "Manage users"}
	user.AddCommand(userListCmd())
	user.AddCommand(userCreateCmd())
	user.AddCommand(userLoginCmd())
	return user
}

func userListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				users, err := r.ListUsers(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(users)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Username", "Full name", "Department", "Role"})
				for _, u := range users {
					tw.AppendRow(table.Row{u.Username, u.FullName, u.Department, u.Role})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func userCreateCmd() *cobra.Command {
	var u domain.User
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if u.Username == "" || u.Department == "" {
					return fmt.Errorf("--username and --department required")
				}
				u.ID = uuid.NewString()
				u.CreatedAt = time.Now().UTC().Format(time.RFC3339)
				if err := r.InsertUser(ctx, u); err != nil {
					return err
				}
				return printJSONOrTable(u)
			})
		},
	}
	cmd.Flags().StringVar(&u.Username, "username", "", "username")
	cmd.Flags().StringVar(&u.FullName, "full-name", "", "full name")
	cmd.Flags().StringVar(&u.Department, "department", "", "department")
	cmd.Flags().StringVar(&u.Role, "role", "", "role")
	cmd.Flags().StringVar(&u.Email, "email", "", "email")
	cmd.Flags().StringVar(&u.Password, "password", "", "password")
	return cmd
}

func userLoginCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Print a signed API token for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			cfg, err := config.LoadOptional(workspace)
			if err != nil {
				return err
			}
			if secret := os.Getenv("JD_JWT_SECRET"); secret != "" {
				cfg.Auth.JWTSecret = secret
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				username := viper.GetString("username")
				user, err := r.GetUserByUsername(ctx, username)
				if err != nil {
					return err
				}
				if user.Password != password && !(user.Password == "" && cfg.Auth.AllowPasswordlessLogins) {
					return fmt.Errorf("invalid credentials")
				}
				token, err := server.IssueToken(user.Username, cfg.Auth.JWTSecret, cfg.TokenTTL())
				if err != nil {
					return err
				}
				fmt.Println(token)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "password")
	return cmd
}

func departmentCmd() *cobra.Command {
	dept := &cobra.Command{Use: "department", Short: "Department directory"}
	dept.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List departments",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListDepartments(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Icon", "Description"})
				for _, d := range items {
					tw.AppendRow(table.Row{d.Name, d.Icon, d.Description})
				}
				tw.Render()
				return nil
			})
		},
	})
	return dept
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyRevokeCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key for the acting user",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				raw := uuid.NewString()
				k := domain.APIKey{
					ID:        uuid.NewString(),
					Username:  viper.GetString("username"),
					Name:      name,
					KeyHash:   repo.HashAPIKey(raw),
					CreatedAt: time.Now().UTC().Format(time.RFC3339),
				}
				if err := r.InsertAPIKey(ctx, k); err != nil {
					return err
				}
				fmt.Println(raw)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "key label")
	return cmd
}

func apikeyListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the acting user's API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				items, err := r.ListAPIKeys(ctx, viper.GetString("username"))
				if err != nil {
					return err
				}
				return printJSONOrTable(items)
			})
		},
	}
}

func apikeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				if err := r.DeleteAPIKey(ctx, args[0]); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func logCmd() *cobra.Command {
	logRoot := &cobra.Command{Use: "log", Short: "Event log"}
	logRoot.AddCommand(logTailCmd())
	return logRoot
}

func logTailCmd() *cobra.Command {
	var n int
	var evtType, requestID string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.LatestEvents(ctx, n, evtType, requestID)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type filter")
	cmd.Flags().StringVar(&requestID, "request-id", "", "request id filter")
	return cmd
}

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
	cfg, err := config.LoadOptional(workspace)
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

func renderRequestTable(items []domain.Request) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Type", "Department", "Creator", "Accepted"})
	for _, r := range items {
		dept := r.Department
		if len(r.Departments) > 0 {
			dept = strings.Join(r.Departments, ",")
		}
		tw.AppendRow(table.Row{
			r.ID, r.Title, r.Status, r.Type, dept, r.Creator,
			fmt.Sprintf("%d/%d", r.UsersAccepted, r.UsersNeeded),
		})
	}
	tw.Render()
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
