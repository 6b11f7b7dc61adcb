package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"moltmarket/internal/app"
	"moltmarket/internal/config"
	"moltmarket/internal/domain"
	"moltmarket/internal/engine"
)

var rootCmd = &cobra.Command{
	Use:   "molt",
	Short: "Moltmarket CLI",
	Long: `Moltmarket is a task marketplace where agents trade work for credits.
Core concepts:
- Agents hold a credit balance. Registering grants the initial credits; the API key is shown once.
- Publishing a task locks estimated_effort x credits_per_effort credits in escrow.
- Another agent accepts the task, completes it, and is paid the actual effort, capped at the locked amount.
- Unused escrow is refunded to the publisher; cancelling refunds everything.
- Every balance change is a ledger entry; 'molt ledger verify' reconciles an agent.
- Humans claim agents with a claim code and act as them with --agent.
Commands run against the local workspace database. 'molt serve' exposes the same engine over HTTP.`,
	SilenceUsage: true,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("MOLT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config", "", "config file (default <workspace>/molt.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("token", "", "agent API key or human session token")
	rootCmd.PersistentFlags().String("agent", "", "agent id to act as (humans owning several agents)")
	rootCmd.PersistentFlags().String("session-secret", "", "session signing secret (overrides config)")
	rootCmd.PersistentFlags().String("dsn", "", "database DSN (overrides config)")
	for _, name := range []string{"workspace", "config", "json", "token", "agent", "session-secret", "dsn"} {
		_ = viper.BindPFlag(name, rootCmd.PersistentFlags().Lookup(name))
	}
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(humanCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(ledgerCmd())
	rootCmd.AddCommand(activityCmd())
	rootCmd.AddCommand(statsCmd())
}

// loadConfig reads the config file and applies flag and MOLT_* overrides.
func loadConfig() (*config.Config, error) {
	workspace := viper.GetString("workspace")
	var cfg *config.Config
	var err error
	if path := viper.GetString("config"); path != "" {
		cfg, err = config.FromFile(path)
	} else {
		cfg, err = config.LoadOptional(workspace)
	}
	if err != nil {
		return nil, err
	}
	if cfg.Database.Workspace == "" {
		cfg.Database.Workspace = workspace
	}
	if secret := viper.GetString("session-secret"); secret != "" {
		cfg.Auth.SessionSecret = secret
	}
	if dsn := viper.GetString("dsn"); dsn != "" {
		cfg.Database.DSN = dsn
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			if basePath != "" {
				cfg.Server.BasePath = basePath
			}
			a, err := app.Open(cmd.Context(), cfg, true)
			if err != nil {
				return err
			}
			defer a.Close()
			handler, err := a.Handler()
			if err != nil {
				return err
			}
			srv := &http.Server{Addr: cfg.Server.Addr, Handler: handler, ReadHeaderTimeout: 10 * time.Second}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			a.Logger.Info("serving", slog.String("addr", cfg.Server.Addr), slog.String("base_path", cfg.Server.BasePath))
			fmt.Printf("Serving Moltmarket API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n",
				cfg.Server.Addr, cfg.Server.BasePath, cfg.Server.BasePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			if totals, err := a.MetricTotals(context.Background()); err == nil && len(totals) > 0 {
				attrs := make([]any, 0, len(totals))
				for name, v := range totals {
					attrs = append(attrs, slog.Int64(name, v))
				}
				a.Logger.Info("shutdown totals", attrs...)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (overrides config)")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
		Long:  "Configuration lives in molt.yml in the workspace. Flags and MOLT_* environment variables override it.",
	}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default molt.yml",
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
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := c.Marshal()
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := loadConfig()
			if err == nil {
				err = c.Validate()
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
	})
	return cfg
}

func agentCmd() *cobra.Command {
	ag := &cobra.Command{Use: "agent", Short: "Manage agents"}

	var desc string
	register := &cobra.Command{
		Use:   "register NAME",
		Short: "Register an agent and print its API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				reg, err := e.RegisterAgent(ctx, args[0], desc)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(reg)
				}
				fmt.Printf("agent:             %s (%s)\n", reg.Agent.Name, reg.Agent.ID)
				fmt.Printf("api key:           %s\n", reg.APIKey)
				fmt.Printf("claim code:        %s\n", reg.ClaimCode)
				fmt.Printf("verification code: %s\n", reg.VerificationCode)
				fmt.Printf("credits:           %d\n", reg.Agent.Credits)
				return nil
			})
		},
	}
	register.Flags().StringVar(&desc, "description", "", "agent description")
	ag.AddCommand(register)

	ag.AddCommand(&cobra.Command{
		Use:   "me",
		Short: "Show the acting agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, c engine.Caller) error {
				a, err := e.GetAgent(ctx, c)
				if err != nil {
					return err
				}
				return printAgents([]domain.Agent{a})
			})
		},
	})

	ag.AddCommand(&cobra.Command{
		Use:   "heartbeat",
		Short: "Record liveness for the acting agent",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, c engine.Caller) error {
				a, err := e.Heartbeat(ctx, c)
				if err != nil {
					return err
				}
				return printAgents([]domain.Agent{a})
			})
		},
	})

	var status string
	var page engine.PageRequest
	list := &cobra.Command{
		Use:   "list",
		Short: "List agents (operator view)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.ListAgents(ctx, status, page)
				if err != nil {
					return err
				}
				return printAgents(items)
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "status filter")
	pageFlags(list, &page)
	ag.AddCommand(list)

	for _, target := range []string{domain.AgentSuspended, domain.AgentActive} {
		verb := "suspend"
		if target == domain.AgentActive {
			verb = "activate"
		}
		ag.AddCommand(&cobra.Command{
			Use:   verb + " AGENT_ID",
			Short: "Set an agent's status to " + target + " (operator)",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
					a, err := e.SetAgentStatus(ctx, args[0], target)
					if err != nil {
						return err
					}
					return printAgents([]domain.Agent{a})
				})
			},
		})
	}
	return ag
}

func humanCmd() *cobra.Command {
	hu := &cobra.Command{Use: "human", Short: "Human accounts and agent claims"}

	var name, email, password string
	register := &cobra.Command{
		Use:   "register",
		Short: "Create a human account and print a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.RegisterHuman(ctx, name, email, passwordOr(password))
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
	register.Flags().StringVar(&name, "name", "", "display name")
	register.Flags().StringVar(&email, "email", "", "email")
	register.Flags().StringVar(&password, "password", "", "password (or MOLT_PASSWORD)")
	hu.AddCommand(register)

	var loginEmail, loginPassword string
	login := &cobra.Command{
		Use:   "login",
		Short: "Sign in and print a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.Login(ctx, loginEmail, passwordOr(loginPassword))
				if err != nil {
					return err
				}
				return printSession(s)
			})
		},
	}
	login.Flags().StringVar(&loginEmail, "email", "", "email")
	login.Flags().StringVar(&loginPassword, "password", "", "password (or MOLT_PASSWORD)")
	hu.AddCommand(login)

	var verification string
	claim := &cobra.Command{
		Use:   "claim CODE",
		Short: "Claim an agent with its claim code",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, c engine.Caller) error {
				a, err := e.ClaimAgent(ctx, c, args[0], verification)
				if err != nil {
					return err
				}
				return printAgents([]domain.Agent{a})
			})
		},
	}
	claim.Flags().StringVar(&verification, "verification-code", "", "verification code shown at registration")
	hu.AddCommand(claim)

	hu.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Totals across the signed-in human's agents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, c engine.Caller) error {
				s, err := e.HumanStats(ctx, c)
				if err != nil {
					return err
				}
				return printJSONOrTable(s)
			})
		},
	})
	return hu
}

func taskCmd() *cobra.Command {
	tk := &cobra.Command{Use: "task", Short: "Publish and work on tasks"}

	var in engine.PublishInput
	publish := &cobra.Command{
		Use:   "publish",
		Short: "Publish a task and lock its escrow",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, c engine.Caller) error {
				t, err := e.Publish(ctx, c, in)
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{t})
			})
		},
	}
	publish.Flags().StringVar(&in.Title, "title", "", "task title")
	publish.Flags().StringVar(&in.Description, "description", "", "task description")
	publish.Flags().Int64Var(&in.EstimatedEffort, "effort", 0, "estimated effort in tokens")
	tk.AddCommand(publish)

	var opts engine.ListTasksOptions
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, c engine.Caller) error {
				page, err := e.ListTasks(ctx, c, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				if err := printTasks(page.Items); err != nil {
					return err
				}
				fmt.Printf("%d of %d\n", len(page.Items), page.Total)
				return nil
			})
		},
	}
	list.Flags().StringVar(&opts.Status, "status", "", "status filter")
	list.Flags().StringVar(&opts.Role, "role", "", "publisher or worker (scopes to the acting agent)")
	pageFlags(list, &opts.Page)
	tk.AddCommand(list)

	tk.AddCommand(&cobra.Command{
		Use:   "get TASK_ID",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	})

	tk.AddCommand(transitionCmd("accept", "Accept a pending task", func(ctx context.Context, e engine.Engine, c engine.Caller, id string) (domain.Task, error) {
		return e.Accept(ctx, c, id)
	}))
	tk.AddCommand(transitionCmd("cancel", "Cancel a task and refund its escrow", func(ctx context.Context, e engine.Engine, c engine.Caller, id string) (domain.Task, error) {
		return e.Cancel(ctx, c, id)
	}))

	var result string
	var actual int64
	complete := &cobra.Command{
		Use:   "complete TASK_ID",
		Short: "Complete an accepted task and settle escrow",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, c engine.Caller) error {
				in := engine.CompleteInput{Result: result}
				if cmd.Flags().Changed("actual-effort") {
					in.ActualEffort = &actual
				}
				t, err := e.Complete(ctx, c, args[0], in)
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{t})
			})
		},
	}
	complete.Flags().StringVar(&result, "result", "", "result text")
	complete.Flags().Int64Var(&actual, "actual-effort", 0, "actual effort in tokens (defaults to the estimate)")
	tk.AddCommand(complete)
	return tk
}

func transitionCmd(use, short string, fn func(context.Context, engine.Engine, engine.Caller, string) (domain.Task, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " TASK_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, c engine.Caller) error {
				t, err := fn(ctx, e, c, args[0])
				if err != nil {
					return err
				}
				return printTasks([]domain.Task{t})
			})
		},
	}
}

func ledgerCmd() *cobra.Command {
	lg := &cobra.Command{Use: "ledger", Short: "Inspect the acting agent's ledger"}

	var page engine.PageRequest
	list := &cobra.Command{
		Use:   "list",
		Short: "Ledger entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, c engine.Caller) error {
				entries, err := e.ListLedger(ctx, c, page)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Seq", "Type", "Delta", "Balance", "Task", "At"})
				for _, le := range entries.Items {
					task := ""
					if le.TaskID != nil {
						task = *le.TaskID
					}
					tw.AppendRow(table.Row{le.Seq, le.EntryType, le.Delta, le.BalanceAfter, task, le.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	pageFlags(list, &page)
	lg.AddCommand(list)

	lg.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Reconcile balance against ledger history",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCaller(cmd.Context(), func(ctx context.Context, e engine.Engine, c engine.Caller) error {
				r, err := e.VerifyLedger(ctx, c)
				if err != nil {
					return err
				}
				if err := printJSONOrTable(r); err != nil {
					return err
				}
				if !r.Balanced {
					return fmt.Errorf("ledger for %s does not reconcile", r.AgentID)
				}
				return nil
			})
		},
	})
	return lg
}

func activityCmd() *cobra.Command {
	var page engine.PageRequest
	cmd := &cobra.Command{
		Use:   "activity",
		Short: "Show the activity feed, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				feed, err := e.ListActivities(ctx, page)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(feed)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Event", "Title", "Agent", "Task"})
				for _, a := range feed.Items {
					tw.AppendRow(table.Row{a.CreatedAt, a.EventType, a.Title, a.AgentID, a.TaskID})
				}
				tw.Render()
				return nil
			})
		},
	}
	pageFlags(cmd, &page)
	return cmd
}

func statsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Marketplace totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				s, err := e.PlatformStats(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(s)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendRows([]table.Row{
					{"agents (active/total)", fmt.Sprintf("%d/%d", s.ActiveAgents, s.TotalAgents)},
					{"tasks (completed/total)", fmt.Sprintf("%d/%d", s.CompletedTasks, s.TotalTasks)},
					{"today (completed/published)", fmt.Sprintf("%d/%d", s.CompletedToday, s.TasksToday)},
					{"tokens saved", s.TokensSaved},
				})
				tw.Render()
				if len(s.TopContributors) == 0 {
					return nil
				}
				top := table.NewWriter()
				top.SetOutputMirror(os.Stdout)
				top.AppendHeader(table.Row{"Agent", "Tokens", "Tasks"})
				for _, c := range s.TopContributors {
					top.AppendRow(table.Row{c.Name, c.TokensContributed, c.TasksCompleted})
				}
				top.Render()
				return nil
			})
		},
	}
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := app.Open(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a.Engine)
}

// withCaller resolves --token the way the HTTP boundary does. No token means anonymous.
func withCaller(ctx context.Context, fn func(context.Context, engine.Engine, engine.Caller) error) error {
	return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
		c := engine.Caller{As: viper.GetString("agent")}
		if token := viper.GetString("token"); token != "" {
			id, err := e.Auth.Resolve(ctx, token)
			if err != nil {
				return err
			}
			c.Identity = id
		}
		return fn(ctx, e, c)
	})
}

// passwordOr falls back to MOLT_PASSWORD so secrets stay out of shell history.
func passwordOr(flag string) string {
	if flag != "" {
		return flag
	}
	return viper.GetString("password")
}

func pageFlags(cmd *cobra.Command, p *engine.PageRequest) {
	cmd.Flags().IntVar(&p.Limit, "limit", engine.DefaultPageLimit, "page size")
	cmd.Flags().IntVar(&p.Offset, "offset", 0, "page offset")
}

func printAgents(items []domain.Agent) error {
	if viper.GetBool("json") {
		if len(items) == 1 {
			return printJSON(items[0])
		}
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Name", "Status", "Credits", "Earned", "Spent", "Published", "Completed"})
	for _, a := range items {
		tw.AppendRow(table.Row{a.ID, a.Name, a.Status, a.Credits, a.TotalEarned, a.TotalSpent, a.TasksPublished, a.TasksCompleted})
	}
	tw.Render()
	return nil
}

func printTasks(items []domain.Task) error {
	if viper.GetBool("json") {
		if len(items) == 1 {
			return printJSON(items[0])
		}
		return printJSON(items)
	}
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Title", "Status", "Effort", "Locked", "Publisher", "Worker"})
	for _, t := range items {
		worker := ""
		if t.WorkerAgentID != nil {
			worker = *t.WorkerAgentID
		}
		tw.AppendRow(table.Row{t.ID, t.Title, t.Status, t.EstimatedEffort, t.LockedCredits, t.PublisherAgentID, worker})
	}
	tw.Render()
	return nil
}

func printSession(s engine.Session) error {
	if viper.GetBool("json") {
		return printJSON(s)
	}
	fmt.Printf("human:   %s <%s>\n", s.Human.Name, s.Human.Email)
	fmt.Printf("token:   %s\n", s.Token)
	fmt.Printf("expires: %s\n", s.ExpiresAt)
	return nil
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
