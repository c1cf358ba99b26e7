package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ignatij/taskgraph/internal/agent"
	"github.com/ignatij/taskgraph/internal/config"
	internal_http "github.com/ignatij/taskgraph/internal/http"
	"github.com/ignatij/taskgraph/internal/log"
	"github.com/ignatij/taskgraph/internal/metrics"
	internal_storage "github.com/ignatij/taskgraph/internal/storage"
	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/service"
	"github.com/ignatij/taskgraph/pkg/storage"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// heartbeatGrace bounds how long a one-shot command waits for its activity updates.
const heartbeatGrace = 2 * time.Second

// StoreOpener connects the backend named in the configuration.
type StoreOpener func(ctx context.Context, cfg config.Config) (storage.Store, error)

type app struct {
	openStore StoreOpener
}

// SetupCLI registers the taskgraph commands and global flags on rootCmd.
func SetupCLI(rootCmd *cobra.Command) {
	setup(rootCmd, internal_storage.OpenStore)
}

func setup(rootCmd *cobra.Command, open StoreOpener) {
	a := &app{openStore: open}

	flags := rootCmd.PersistentFlags()
	flags.String("store", "", "Store backend: postgres, redis or memory (default from TASKGRAPH_STORE)")
	flags.String("db", "", "Postgres connection string (default from DATABASE_URL or DB_* env vars)")
	flags.String("redis", "", "Redis address or redis:// URL (default from REDIS_ADDR)")
	rootCmd.SilenceUsage = true

	planCmd := &cobra.Command{
		Use:   "plan [file]",
		Short: "Create a workflow from a YAML or JSON plan file",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, engine *service.Engine, args []string) error {
			plan, err := service.LoadPlan(args[0])
			if err != nil {
				return err
			}
			wf, err := engine.CreateWorkflow(cmd.Context(), plan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created workflow %s with %d task(s)\n", wf.ID, wf.TotalTasks)
			if ready, _ := cmd.Flags().GetBool("ready"); ready {
				n, err := engine.MarkTasksReady(cmd.Context(), wf.ID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Promoted %d task(s) to READY\n", n)
			}
			return nil
		}),
	}
	planCmd.Flags().Bool("ready", false, "Promote the root tasks right away")

	statusCmd := &cobra.Command{
		Use:   "status [workflow-id]",
		Short: "Show a workflow and its tasks",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, engine *service.Engine, args []string) error {
			wf, err := engine.GetWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			tasks, err := engine.ListTasks(cmd.Context(), wf.ID)
			if err != nil {
				return err
			}
			printWorkflow(cmd.OutOrStdout(), wf, tasks)
			return nil
		}),
	}

	readyCmd := &cobra.Command{
		Use:   "ready [workflow-id]",
		Short: "Promote PENDING tasks whose dependencies are all COMPLETED",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, engine *service.Engine, args []string) error {
			if _, err := engine.GetWorkflow(cmd.Context(), args[0]); err != nil {
				return err
			}
			n, err := engine.MarkTasksReady(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Promoted %d task(s) to READY\n", n)
			return nil
		}),
	}

	refreshCmd := &cobra.Command{
		Use:   "refresh [workflow-id]",
		Short: "Recompute and store a workflow's progress",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, engine *service.Engine, args []string) error {
			if _, err := engine.GetWorkflow(cmd.Context(), args[0]); err != nil {
				return err
			}
			p, err := engine.RefreshWorkflowProgress(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Workflow %s is %s: %d/%d completed, %d failed, %d skipped, %d cancelled\n",
				args[0], p.Status, p.CompletedTasks, p.TotalTasks, p.FailedTasks, p.SkippedTasks, p.CancelledTasks)
			return nil
		}),
	}

	contextCmd := &cobra.Command{
		Use:   "context [workflow-id]",
		Short: "Print the execution context handed to agents, as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, engine *service.Engine, args []string) error {
			wctx, err := engine.BuildContext(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(wctx)
		}),
	}

	cancelCmd := &cobra.Command{
		Use:   "cancel [workflow-id]",
		Short: "Cancel a workflow and every task that has not started",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, engine *service.Engine, args []string) error {
			n, err := engine.CancelWorkflow(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled workflow %s (%d task(s) cancelled)\n", args[0], n)
			return nil
		}),
	}

	skipCmd := &cobra.Command{
		Use:   "skip [workflow-id]",
		Short: "Skip PENDING tasks that depend on a failed, skipped or cancelled task",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, engine *service.Engine, args []string) error {
			n, err := engine.SkipBlockedTasks(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Skipped %d task(s)\n", n)
			return nil
		}),
	}

	deadLetterCmd := &cobra.Command{
		Use:   "dead-letter [task-id]",
		Short: "Park a FAILED task for manual follow-up",
		Args:  cobra.ExactArgs(1),
		RunE: a.withEngine(func(cmd *cobra.Command, engine *service.Engine, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			moved, err := engine.DeadLetterTask(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			if !moved {
				return errors.Errorf("task %s is not FAILED", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Task %s moved to %s\n", args[0], models.DeadLetterTaskStatus)
			return nil
		}),
	}
	deadLetterCmd.Flags().String("reason", "", "Reason recorded on the task")

	staleCmd := &cobra.Command{
		Use:   "stale",
		Short: "List unfinished workflows with no recent activity",
		Args:  cobra.NoArgs,
		RunE: a.withEngine(func(cmd *cobra.Command, engine *service.Engine, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			workflows, err := engine.FindStaleWorkflows(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(workflows) == 0 {
				fmt.Fprintf(out, "No stale workflows.\n")
				return nil
			}
			fmt.Fprintf(out, "Stale workflows:\n")
			for _, wf := range workflows {
				fmt.Fprintf(out, "- ID: %s, Status: %s, Last activity: %s\n",
					wf.ID, wf.Status, wf.LastActivityAt.Format(time.RFC3339))
			}
			return nil
		}),
	}
	staleCmd.Flags().Duration("older-than", service.DefaultStaleAfter, "Inactivity threshold")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, the stale monitor and, with --agents, the worker pool",
		Args:  cobra.NoArgs,
		RunE:  a.serve,
	}
	serveCmd.Flags().Int("port", 0, "HTTP port (default from HTTP_PORT)")
	serveCmd.Flags().String("agents", "", "YAML agent registry; enables the worker pool")
	serveCmd.Flags().Int("workers", 0, "Concurrent task executions (default from WORKERS)")

	rootCmd.AddCommand(planCmd, statusCmd, readyCmd, refreshCmd, contextCmd, cancelCmd, skipCmd,
		deadLetterCmd, staleCmd, serveCmd)
}

// loadConfig layers the global flags over the environment.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	flags := cmd.Flags()
	cfg, err := config.Load(func(c *config.Config) {
		if v, _ := flags.GetString("store"); v != "" {
			c.Store = v
		}
		if v, _ := flags.GetString("db"); v != "" {
			c.DatabaseURL = v
		}
		if v, _ := flags.GetString("redis"); v != "" {
			c.RedisAddr = v
		}
		if flags.Lookup("port") != nil {
			if v, _ := flags.GetInt("port"); v > 0 {
				c.HTTPPort = v
			}
		}
		if flags.Lookup("workers") != nil {
			if v, _ := flags.GetInt("workers"); v > 0 {
				c.Workers = v
			}
		}
	})
	if err != nil {
		return cfg, err
	}
	if err := log.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		return cfg, err
	}
	return cfg, nil
}

type engineFunc func(cmd *cobra.Command, engine *service.Engine, args []string) error

// withEngine opens the configured store for the duration of one command.
func (a *app) withEngine(run engineFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.GetLogger().Debugf("Running %s with %s store", cmd.Name(), cfg.Store)
		store, err := a.openStore(cmd.Context(), cfg)
		if err != nil {
			log.GetLogger().Errorf("Failed to initialize store: %v", err)
			return err
		}
		defer store.Close()
		engine := service.NewEngine(store, log.GetLogger())
		err = run(cmd, engine, args)
		// let detached heartbeats land before the deferred Close
		waitCtx, cancel := context.WithTimeout(context.WithoutCancel(cmd.Context()), heartbeatGrace)
		defer cancel()
		if werr := engine.WaitHeartbeats(waitCtx); werr != nil {
			log.GetLogger().Debugf("Closing store with heartbeats in flight: %v", werr)
		}
		return err
	}
}

func (a *app) serve(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := a.openStore(ctx, cfg)
	if err != nil {
		log.GetLogger().Errorf("Failed to initialize store: %v", err)
		return err
	}
	defer store.Close()

	logger := log.GetLogger()
	collector := metrics.NewCollector()
	engine := service.NewEngine(store, logger, service.WithMetrics(collector))

	monitor := service.NewStaleMonitor(engine, logger, cfg.StaleAfter, cfg.StaleCheck,
		func(ctx context.Context, wf models.Workflow) {
			log.WithWorkflow(wf.ID).Warnf("No activity since %s", wf.LastActivityAt.Format(time.RFC3339))
			if _, err := engine.SkipBlockedTasks(ctx, wf.ID); err != nil {
				logger.Errorf("Failed to skip blocked tasks of workflow %s: %v", wf.ID, err)
			}
		})

	handles := []*service.Handle{monitor.Start(ctx)}
	if path, _ := cmd.Flags().GetString("agents"); path != "" {
		registry, err := agent.LoadRegistry(path)
		if err != nil {
			return err
		}
		executor := agent.NewHTTPExecutor(registry, nil, logger)
		pool := service.NewWorkerPool(engine, executor, logger, service.PoolConfig{
			Workers:      cfg.Workers,
			PollInterval: cfg.PollInterval,
			TaskTimeout:  cfg.TaskTimeout,
			Retries:      cfg.Retries,
		})
		handles = append(handles, pool.Start(ctx))
		logger.Infof("Worker pool started with %d worker(s) and %d agent(s)", cfg.Workers, len(registry.Agents))
	}

	g := new(errgroup.Group)
	g.Go(func() error {
		// the background loops follow the server down
		defer stop()
		return internal_http.NewServer(engine, store, collector).Start(ctx, cfg.HTTPPort)
	})
	for _, h := range handles {
		g.Go(h.Wait)
	}
	err = g.Wait()
	waitCtx, cancel := context.WithTimeout(context.Background(), heartbeatGrace)
	defer cancel()
	if werr := engine.WaitHeartbeats(waitCtx); werr != nil {
		logger.Debugf("Closing store with heartbeats in flight: %v", werr)
	}
	return err
}

func printWorkflow(out io.Writer, wf models.Workflow, tasks []models.Task) {
	fmt.Fprintf(out, "Workflow %s (user %s)\n", wf.ID, wf.UserID)
	fmt.Fprintf(out, "Status: %s, %d/%d completed, %d failed\n", wf.Status, wf.CompletedTasks, wf.TotalTasks, wf.FailedTasks)
	fmt.Fprintf(out, "Last activity: %s\n", wf.LastActivityAt.Format(time.RFC3339))
	tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "TASK\tAGENT\tSTATUS\tATTEMPTS\tDEPENDS ON")
	for _, t := range tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\n", t.ID, t.AgentSlug, t.Status, t.Attempts, len(t.DependsOnTaskIDs))
	}
	tw.Flush()
}
