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

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"corehub/internal/agent"
	"corehub/internal/config"
	"corehub/internal/db"
	"corehub/internal/dispatch"
	"corehub/internal/migrate"
	"corehub/internal/repo"
	"corehub/internal/scheduler"
	"corehub/internal/server"
	corehubsdk "corehub/sdk/go"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "corehub",
	Short: "CoreHub task orchestration",
	Long: `CoreHub coordinates autonomous agents around a shared task queue.
- Workspace: the .corehub directory holding the SQLite store and reports.
- Tasks: prioritized work items flowing todo -> in_progress -> done/blocked.
- Dispatch: agents claim the next eligible task atomically; a pause flag
  gates all claims.
- Runs and events: every execution is recorded with cost and duration, and
  every state change lands in an append-only event log.
- Agent: 'corehub agent loop' polls a hub, executes tasks through a
  plan/act/verify pipeline and reports back, with circuit breakers around
  the hub and the action runner.`,
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
	viper.SetEnvPrefix("COREHUB")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("agent-id", "local-agent", "agent identifier")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("agent-id", rootCmd.PersistentFlags().Lookup("agent-id"))
}

func registerCommands() {
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(agentCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(adminCmd())
	rootCmd.AddCommand(eventsCmd())
	rootCmd.AddCommand(reportCmd())
	rootCmd.AddCommand(versionCmd())
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the API server and scheduler",
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
			d := dispatch.New(conn, cfg)
			handler, err := server.New(server.Config{Dispatch: d, BasePath: basePath})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			if !noScheduler {
				s := scheduler.New(conn, cfg, workspace)
				go s.Run(ctx)
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				srv.Shutdown(shutdownCtx)
			}()
			fmt.Printf("Serving CoreHub API on http://%s%s (OpenAPI at /openapi.json, Swagger UI at /docs)\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1:8080", "listen address")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "serve the API without background jobs")
	return cmd
}

func agentCmd() *cobra.Command {
	a := &cobra.Command{
		Use:   "agent",
		Short: "Run an execution agent against a hub",
	}
	a.AddCommand(agentRunCmd())
	a.AddCommand(agentLoopCmd())
	return a
}

func newAgent(serverURL string) (*agent.Agent, error) {
	workspace := viper.GetString("workspace")
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, err
	}
	hub := corehubsdk.New(serverURL)
	runner := &agent.WorkspaceRunner{Workspace: workspace}
	return agent.New(viper.GetString("agent-id"), hub, runner, cfg), nil
}

func agentRunCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a single task and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAgent(serverURL)
			if err != nil {
				return err
			}
			worked, err := a.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if !worked {
				fmt.Println("no work available")
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "hub base URL")
	return cmd
}

func agentLoopCmd() *cobra.Command {
	var serverURL string
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Poll the hub until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newAgent(serverURL)
			if err != nil {
				return err
			}
			err = a.Loop(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&serverURL, "server", "http://127.0.0.1:8080", "hub base URL")
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks flow todo -> in_progress -> done/blocked. Claims are atomic; blocked tasks need a human to requeue them with 'task status'.",
	}
	task.AddCommand(taskAddCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskNextCmd())
	task.AddCommand(taskStatusCmd())
	return task
}

func taskAddCmd() *cobra.Command {
	var opts dispatch.TaskCreateOptions
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create a task",
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.AgentID = viper.GetString("agent-id")
			return withDispatcher(cmd.Context(), func(ctx context.Context, d dispatch.Dispatcher) error {
				t, err := d.CreateTask(ctx, opts)
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&opts.ID, "id", "", "task id (optional, generated if omitted)")
	cmd.Flags().StringVar(&opts.Title, "title", "", "title")
	cmd.Flags().StringVar(&opts.Type, "type", "dev", "task type (dev, ops, test)")
	cmd.Flags().IntVar(&opts.Priority, "priority", 0, "priority 1..5 (1 is most urgent)")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), func(ctx context.Context, d dispatch.Dispatcher) error {
				tasks, err := d.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Title", "Type", "Prio", "Status", "Retries"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Title, t.Type, t.Priority, t.Status, t.Retries})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Type, "type", "", "type filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max tasks")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), func(ctx context.Context, d dispatch.Dispatcher) error {
				t, err := d.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskNextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "next",
		Short: "Claim the next eligible task",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), func(ctx context.Context, d dispatch.Dispatcher) error {
				t, err := d.ClaimNext(ctx, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				if t == nil {
					fmt.Println("no eligible task")
					return nil
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func taskStatusCmd() *cobra.Command {
	var status, reason string
	cmd := &cobra.Command{
		Use:   "status <id>",
		Short: "Report a claimed task's outcome (done, blocked, todo)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var outcome dispatch.Outcome
			switch status {
			case "done":
				outcome = dispatch.Completed()
			case "blocked":
				outcome = dispatch.Blocked(reason)
			case "todo":
				outcome = dispatch.FailedRetryable(reason)
			default:
				return fmt.Errorf("invalid --status %q, want done, blocked or todo", status)
			}
			return withDispatcher(cmd.Context(), func(ctx context.Context, d dispatch.Dispatcher) error {
				t, err := d.ReleaseOrComplete(ctx, args[0], outcome, viper.GetString("agent-id"))
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "target status")
	cmd.Flags().StringVar(&reason, "reason", "", "reason for blocked/todo outcomes")
	_ = cmd.MarkFlagRequired("status")
	return cmd
}

func adminCmd() *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Operational controls",
	}
	admin.AddCommand(adminPauseCmd())
	admin.AddCommand(adminResumeCmd())
	admin.AddCommand(adminFlagsCmd())
	return admin
}

func adminPauseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pause",
		Short: "Pause dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), func(ctx context.Context, d dispatch.Dispatcher) error {
				if err := d.SetSystemPaused(ctx, true, viper.GetString("agent-id")); err != nil {
					return err
				}
				fmt.Println("system paused")
				return nil
			})
		},
	}
	return cmd
}

func adminResumeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Resume dispatch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), func(ctx context.Context, d dispatch.Dispatcher) error {
				if err := d.SetSystemPaused(ctx, false, viper.GetString("agent-id")); err != nil {
					return err
				}
				fmt.Println("system resumed")
				return nil
			})
		},
	}
	return cmd
}

func adminFlagsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flags",
		Short: "List flags",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), func(ctx context.Context, d dispatch.Dispatcher) error {
				flags, err := d.Repo.ListFlags(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(flags)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Key", "Value", "Description", "Updated"})
				for _, f := range flags {
					tw.AppendRow(table.Row{f.Key, f.Value, f.Description, f.UpdatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func eventsCmd() *cobra.Command {
	events := &cobra.Command{
		Use:   "events",
		Short: "Event log",
	}
	events.AddCommand(eventsTailCmd())
	return events
}

func eventsTailCmd() *cobra.Command {
	var f repo.EventFilters
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDispatcher(cmd.Context(), func(ctx context.Context, d dispatch.Dispatcher) error {
				total, err := d.Repo.CountEvents(ctx, repo.EventFilters{Agent: f.Agent, Type: f.Type, TaskID: f.TaskID})
				if err != nil {
					return err
				}
				if f.Limit > 0 && total > f.Limit {
					f.Offset = total - f.Limit
				}
				items, err := d.Repo.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Time", "Agent", "Type", "Payload"})
				for _, e := range items {
					agentID := ""
					if e.Agent != nil {
						agentID = *e.Agent
					}
					tw.AppendRow(table.Row{e.ID, e.CreatedAt, agentID, e.Type, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.Agent, "agent", "", "agent filter")
	cmd.Flags().StringVar(&f.TaskID, "task", "", "task id filter")
	return cmd
}

func reportCmd() *cobra.Command {
	report := &cobra.Command{
		Use:   "report",
		Short: "Activity reports",
	}
	report.AddCommand(reportDailyCmd())
	return report
}

func reportDailyCmd() *cobra.Command {
	var date string
	var write bool
	cmd := &cobra.Command{
		Use:   "daily",
		Short: "Daily activity report (defaults to yesterday)",
		RunE: func(cmd *cobra.Command, args []string) error {
			day := time.Now().UTC().AddDate(0, 0, -1)
			if date != "" {
				parsed, err := time.Parse("2006-01-02", date)
				if err != nil {
					return fmt.Errorf("invalid --date %q, want YYYY-MM-DD", date)
				}
				day = parsed
			}
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
			s := scheduler.New(conn, cfg, workspace)
			if write {
				path, err := s.RunDailyReport(cmd.Context(), day)
				if err != nil {
					return err
				}
				fmt.Println(path)
				return nil
			}
			rep, err := scheduler.BuildDailyReport(cmd.Context(), s.Repo, day)
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(rep)
			}
			fmt.Print(rep.Markdown())
			return nil
		},
	}
	cmd.Flags().StringVar(&date, "date", "", "report date (YYYY-MM-DD)")
	cmd.Flags().BoolVar(&write, "write", false, "write the report file under the workspace")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("corehub", version)
		},
	}
}

// --- helpers ---

func withDispatcher(ctx context.Context, fn func(context.Context, dispatch.Dispatcher) error) error {
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
	return fn(ctx, dispatch.New(conn, cfg))
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
