package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/makex/orchestrator/internal/auth"
	"github.com/makex/orchestrator/internal/bootstrap"
	"github.com/makex/orchestrator/internal/config"
	"github.com/makex/orchestrator/internal/lifecycle"
	"github.com/makex/orchestrator/internal/logging"
	"github.com/makex/orchestrator/internal/queue"
	"github.com/makex/orchestrator/internal/sandbox"
	"github.com/makex/orchestrator/internal/store"
)

func main() {
	root := &cobra.Command{
		Use:          "makexctl",
		Short:        "Operate the MakeX sandbox orchestrator",
		SilenceUsage: true,
	}

	root.AddCommand(migrateCmd(), taskCmd(), cronCmd(), tokenCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logging.Init(cfg.Environment, cfg.LogLevel), nil
}

// withApp runs fn against a fully wired orchestrator, cancelled on SIGINT
func withApp(fn func(ctx context.Context, app *bootstrap.App) error) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	defer logging.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := bootstrap.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer app.Close()

	return fn(ctx, app)
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			defer logging.Sync()

			st, err := store.Open(cfg.Database)
			if err != nil {
				return err
			}
			defer st.Close()

			if err := store.Migrate(st.DB()); err != nil {
				return fmt.Errorf("migrating: %w", err)
			}
			logger.Info("migrations applied")
			return nil
		},
	}
}

func taskCmd() *cobra.Command {
	var (
		userID   string
		appID    string
		provider string
		inline   bool
	)

	cmd := &cobra.Command{
		Use:   "task <task-id>",
		Short: "Trigger a lifecycle task for an app",
		Long: fmt.Sprintf("Trigger one of %s, %s, %s or %s.",
			lifecycle.TaskCreate, lifecycle.TaskStart, lifecycle.TaskPause, lifecycle.TaskDelete),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p := queue.Payload{UserID: userID, AppID: appID, Provider: sandbox.ProviderName(provider)}
			return withApp(func(ctx context.Context, app *bootstrap.App) error {
				if inline {
					if err := queue.NewInlineDispatcher(app.Tasks).Run(ctx, args[0], p); err != nil {
						return err
					}
					fmt.Fprintf(cmd.OutOrStdout(), "%s finished\n", args[0])
					return nil
				}

				d, err := app.Dispatcher()
				if err != nil {
					return err
				}
				id, err := d.Trigger(ctx, args[0], p)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s queued as %s\n", args[0], id)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "owner of the app")
	cmd.Flags().StringVar(&appID, "app", "", "app ID")
	cmd.Flags().StringVar(&provider, "provider", "", "sandbox provider (defaults to the configured one)")
	cmd.Flags().BoolVar(&inline, "inline", false, "run the task in this process instead of queueing it")
	cmd.MarkFlagRequired("user")
	cmd.MarkFlagRequired("app")
	return cmd
}

func cronCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cron <job>",
		Short: "Run a maintenance job once",
		Long: fmt.Sprintf("Run one of %s, %s, %s or %s immediately. The job lock is still honored.",
			lifecycle.JobAutoPause, lifecycle.JobAutoKill, lifecycle.JobResetStuck, lifecycle.JobSandboxStats),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, app *bootstrap.App) error {
				s := lifecycle.NewScheduler(app.Locker, app.Logger.Named("cron"), app.Lifecycle.Jobs()...)
				s.SetRecorder(app.Metrics)
				if err := s.RunOnce(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s done\n", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	var (
		userID string
		role   string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an API token",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			a, err := auth.NewJWTAuth(cfg.Auth)
			if err != nil {
				return err
			}
			token, err := a.GenerateToken(userID, role)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}

	cmd.Flags().StringVar(&userID, "user", "", "user ID carried in the token")
	cmd.Flags().StringVar(&role, "role", "authenticated", fmt.Sprintf("token role, %q for sandbox agents", auth.RoleService))
	cmd.MarkFlagRequired("user")
	return cmd
}
