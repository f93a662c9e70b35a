package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"onecost/internal/app"
	"onecost/internal/config"
	"onecost/internal/db"
	"onecost/internal/domain"
	"onecost/internal/engine"
	"onecost/internal/migrate"
	"onecost/internal/repo"
	"onecost/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "oc",
	Short: "OneCost CLI",
	Long: `OneCost tracks cost requests through their robot and treatment lifecycle.
Core concepts:
- Cost request: one reimbursement request a user registered and wants tracked on the external portal.
- Robot status: what the polling robot last saw (pending -> confirming -> finalized, or error); each report overwrites the previous observation.
- Reset: send a request back to pending so the robot re-examines it; treatment history and attachments survive.
- Treatment: an admin marks a finalized request as processed downstream, at most once.
- Archive: an admin parks a request; archived requests are frozen until unarchived.
- Event log: diary of every change, view with 'oc log tail'.`,
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
	viper.SetEnvPrefix("ONECOST")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor", "local-admin", "actor identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor", rootCmd.PersistentFlags().Lookup("actor"))
}

func registerCommands() {
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(requestCmd())
	rootCmd.AddCommand(robotCmd())
	rootCmd.AddCommand(userCmd())
	rootCmd.AddCommand(apikeyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show active request counts per robot status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				counts, err := r.CountRequestsByStatus(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(counts)
				}
				fmt.Println("Active requests:")
				for _, s := range []domain.RobotStatus{domain.StatusPending, domain.StatusConfirming, domain.StatusFinalized, domain.StatusError} {
					fmt.Printf("  %s: %d\n", s, counts[string(s)])
				}
				return nil
			})
		},
	}
	return cmd
}

func requestCmd() *cobra.Command {
	req := &cobra.Command{
		Use:   "request",
		Short: "Manage cost requests",
	}
	req.AddCommand(requestCreateCmd())
	req.AddCommand(requestListCmd())
	req.AddCommand(requestShowCmd())
	req.AddCommand(requestResetCmd())
	req.AddCommand(requestTreatCmd())
	req.AddCommand(requestArchiveCmd())
	req.AddCommand(requestUnarchiveCmd())
	return req
}

func requestCreateCmd() *cobra.Command {
	var opts engine.CreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a cost request",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e.Repo)
				if err != nil {
					return err
				}
				opts.Actor = actor
				r, err := e.Create(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&opts.CaseReference, "case", "", "case reference")
	cmd.Flags().StringVar(&opts.ProcessNumber, "process", "", "judicial process number")
	cmd.Flags().StringVar(&opts.RequestNumber, "request-number", "", "portal request number")
	cmd.Flags().StringVar(&opts.Amount, "amount", "", "amount, e.g. 1234.56 or 1234,56")
	cmd.Flags().StringVar(&opts.RequestedDate, "date", "", "requested date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&opts.UserConfirmationRequested, "confirm", false, "request user confirmation on the portal")
	_ = cmd.MarkFlagRequired("case")
	_ = cmd.MarkFlagRequired("request-number")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("date")
	return cmd
}

func requestListCmd() *cobra.Command {
	var f engine.ListFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List cost requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListRequests(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Case", "Request #", "Amount", "Status", "Treated By", "Archived"})
				for _, r := range items {
					treated := ""
					if r.TreatedByName != nil {
						treated = *r.TreatedByName
					}
					tw.AppendRow(table.Row{r.ID, r.CaseReference, r.RequestNumber, r.Amount, r.RobotStatus, treated, r.Archived})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&f.IncludeArchived, "include-archived", false, "include archived requests")
	cmd.Flags().StringVar(&f.Status, "status", "", "comma-separated robot status filter, e.g. pending,error")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows (0 = all)")
	return cmd
}

func requestShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one cost request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				v, err := e.GetRequest(ctx, id)
				if err != nil {
					return err
				}
				return printJSONOrTable(v)
			})
		},
	}
	return cmd
}

func requestResetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset <id>",
		Short: "Send a request back to pending for the robot to re-examine",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e.Repo)
				if err != nil {
					return err
				}
				r, err := e.ResetToPending(ctx, id, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestTreatCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "treat <id>",
		Short: "Mark a finalized request as treated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e.Repo)
				if err != nil {
					return err
				}
				r, err := e.MarkTreated(ctx, id, actor)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	return cmd
}

func requestArchiveCmd() *cobra.Command {
	return archiveToggleCmd("archive", "Archive a request", true)
}

func requestUnarchiveCmd() *cobra.Command {
	return archiveToggleCmd("unarchive", "Unarchive a request", false)
}

func archiveToggleCmd(use, short string, archived bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e.Repo)
				if err != nil {
					return err
				}
				r, err := e.SetArchived(ctx, id, actor, archived)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
}

func robotCmd() *cobra.Command {
	robot := &cobra.Command{
		Use:   "robot",
		Short: "Robot-side operations",
	}
	robot.AddCommand(robotReportCmd())
	return robot
}

func robotReportCmd() *cobra.Command {
	var opts engine.RobotReportOptions
	var status string
	cmd := &cobra.Command{
		Use:   "report <id>",
		Short: "Record a portal observation for a request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			opts.ID = id
			opts.RobotStatus = domain.RobotStatus(status)
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e.Repo)
				if err != nil {
					return err
				}
				opts.Actor = actor
				r, err := e.ReportRobotObservation(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(r)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "robot status (pending, confirming, finalized, error)")
	cmd.Flags().StringVar(&opts.PortalStatus, "portal-status", "", "raw portal status text")
	cmd.Flags().StringVar(&opts.CheckedAt, "checked-at", "", "observation time (RFC 3339, default now)")
	cmd.Flags().StringVar(&opts.ConfirmedBy, "confirmed-by", "", "who confirmed on the portal")
	cmd.Flags().StringArrayVar(&opts.Attachments, "attachment", []string{}, "attachment reference (repeatable)")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func userCmd() *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Manage actors",
	}
	user.AddCommand(userCreateCmd())
	user.AddCommand(userListCmd())
	user.AddCommand(userPasswdCmd())
	return user
}

func userPasswdCmd() *cobra.Command {
	var password string
	cmd := &cobra.Command{
		Use:   "passwd <id>",
		Short: "Set an actor's password",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				return fmt.Errorf("--password required")
			}
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
				if err != nil {
					return err
				}
				if err := r.UpdateActorPassword(ctx, args[0], string(hash)); err != nil {
					return err
				}
				fmt.Println("password updated for", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&password, "password", "", "new password")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func userCreateCmd() *cobra.Command {
	var opts engine.ActorCreateOptions
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				actor, err := resolveActor(ctx, e.Repo)
				if err != nil {
					return err
				}
				opts.Actor = actor
				a, err := e.CreateActor(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(a)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "actor id")
	cmd.Flags().StringVar(&opts.DisplayName, "name", "", "display name")
	cmd.Flags().StringVar(&opts.Role, "role", domain.RoleUser, "role (user, admin, robot)")
	cmd.Flags().StringVar(&opts.Password, "password", "", "login password (optional for robot)")
	_ = cmd.MarkFlagRequired("id")
	return cmd
}

func userListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List actors",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				actors, err := r.ListActors(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(actors)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Role", "Created"})
				for _, a := range actors {
					tw.AppendRow(table.Row{a.ID, a.DisplayName, a.Role, a.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func apikeyCmd() *cobra.Command {
	key := &cobra.Command{
		Use:   "apikey",
		Short: "Manage API keys",
	}
	key.AddCommand(apikeyCreateCmd())
	key.AddCommand(apikeyListCmd())
	key.AddCommand(apikeyDeleteCmd())
	return key
}

func apikeyCreateCmd() *cobra.Command {
	var actorID, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Issue an API key for an actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				issuer, err := resolveActor(ctx, e.Repo)
				if err != nil {
					return err
				}
				key, plain, err := e.IssueAPIKey(ctx, actorID, name, issuer)
				if err != nil {
					return err
				}
				out := map[string]any{
					"id":       key.ID,
					"actor_id": key.ActorID,
					"name":     key.Name,
					"key":      plain,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("API key %s for %s\n", key.ID, key.ActorID)
				fmt.Printf("Key (shown once): %s\n", plain)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&actorID, "actor-id", "", "actor the key authenticates as")
	cmd.Flags().StringVar(&name, "name", "", "key label")
	_ = cmd.MarkFlagRequired("actor-id")
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
	cmd.Flags().StringVar(&actorID, "actor-id", "", "filter by actor")
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
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Tail events, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				events, err := r.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				return printJSONOrTable(events)
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().Int64Var(&f.RequestID, "request", 0, "request id filter")
	cmd.Flags().Int64Var(&f.Cursor, "cursor", 0, "return events below this id")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect workspace config",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default onecost.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
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
			r := repo.Repo{DB: conn}
			adminID, err := app.EnsureInitialAdmin(cmd.Context(), r, os.Getenv("ONECOST_ADMIN_ID"), "", os.Getenv("ONECOST_ADMIN_PASSWORD"))
			if err != nil {
				if os.Getenv("ONECOST_ADMIN_PASSWORD") != "" {
					return err
				}
				fmt.Println("warning:", err)
			}
			if adminID != "" {
				fmt.Println("seeded initial admin:", adminID)
			}
			secret := cfg.Auth.JWTSecret
			if env := os.Getenv("ONECOST_JWT_SECRET"); env != "" {
				secret = env
			}
			if secret == "" {
				return fmt.Errorf("jwt secret required: set auth.jwt_secret in onecost.yml or ONECOST_JWT_SECRET")
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			e := engine.New(conn, cfg)
			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              secret,
					TokenTTL:               time.Duration(cfg.Auth.TokenTTLMinutes) * time.Minute,
					AllowLegacyActorHeader: cfg.Auth.AllowLegacyActorHeader,
				},
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
			fmt.Printf("Serving OneCost API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
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
	return fn(ctx, engine.New(conn, cfg))
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

// resolveActor maps --actor to a stored actor. An empty workspace trusts the
// local operator as admin so the first real actors can be created; after that
// an unknown id only gets user rights.
func resolveActor(ctx context.Context, r repo.Repo) (domain.Actor, error) {
	id := viper.GetString("actor")
	a, err := r.GetActor(ctx, id)
	if err == nil {
		return a, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Actor{}, err
	}
	n, err := r.CountActors(ctx)
	if err != nil {
		return domain.Actor{}, err
	}
	role := domain.RoleUser
	if n == 0 {
		role = domain.RoleAdmin
	}
	return domain.Actor{ID: id, DisplayName: id, Role: role}, nil
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid request id %q", s)
	}
	return id, nil
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
