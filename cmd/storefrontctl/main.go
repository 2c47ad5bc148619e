package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cardvault/storefront/cmd/storefrontctl/cli"
	"github.com/cardvault/storefront/internal/app"
	"github.com/cardvault/storefront/internal/operator"
	"github.com/cardvault/storefront/internal/platform/db"
	"github.com/cardvault/storefront/internal/shared"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := &cobra.Command{
		Use:           "storefrontctl",
		Short:         "Operate the Cardvault storefront",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(operatorCmd(), jobsCmd())

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*app.Config, *slog.Logger, error) {
	cfg, err := app.LoadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, app.NewLogger(cfg), nil
}

func operatorCmd() *cobra.Command {
	var actor string
	cmd := &cobra.Command{
		Use:   "operator",
		Short: "Grant, revoke and list operators",
	}
	cmd.PersistentFlags().StringVar(&actor, "actor", "storefrontctl", "identity recorded in the audit log")

	withOperators := func(run func(ctx context.Context, c *cli.OperatorsCLI) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig()
			if err != nil {
				return err
			}
			pool, err := db.New(cmd.Context(), cfg.PGDSN, db.PoolOptions{MaxConns: 2})
			if err != nil {
				return err
			}
			defer pool.Close()
			repo := operator.NewRepository(pool, shared.NewAuditLogger())
			return run(cmd.Context(), cli.NewOperatorsCLI(repo, actor))
		}
	}

	var role string
	grant := &cobra.Command{
		Use:   "grant <user-id>",
		Short: "Make a user an operator",
		Args:  cobra.ExactArgs(1),
	}
	grant.Flags().StringVar(&role, "role", string(operator.RoleAdmin), "admin or super_admin")
	grant.RunE = func(cmd *cobra.Command, args []string) error {
		return withOperators(func(ctx context.Context, c *cli.OperatorsCLI) error {
			return c.Grant(ctx, cmd.OutOrStdout(), args[0], role)
		})(cmd, args)
	}

	revoke := &cobra.Command{
		Use:   "revoke <user-id>",
		Short: "Remove a user's operator access",
		Args:  cobra.ExactArgs(1),
	}
	revoke.RunE = func(cmd *cobra.Command, args []string) error {
		return withOperators(func(ctx context.Context, c *cli.OperatorsCLI) error {
			return c.Revoke(ctx, cmd.OutOrStdout(), args[0])
		})(cmd, args)
	}

	var (
		listRole string
		asJSON   bool
	)
	list := &cobra.Command{
		Use:   "list",
		Short: "List operators",
		Args:  cobra.NoArgs,
	}
	list.Flags().StringVar(&listRole, "role", "", "only list this role")
	list.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	list.RunE = func(cmd *cobra.Command, args []string) error {
		return withOperators(func(ctx context.Context, c *cli.OperatorsCLI) error {
			return c.List(ctx, cmd.OutOrStdout(), listRole, asJSON)
		})(cmd, args)
	}

	cmd.AddCommand(grant, revoke, list)
	return cmd
}

func jobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Trigger and inspect background jobs",
	}

	withJobs := func(run func(ctx context.Context, c *cli.JobsCLI) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			c, err := cli.NewJobsCLI(cfg.RedisAddr)
			if err != nil {
				return err
			}
			defer func() {
				if err := c.Close(); err != nil {
					logger.Warn("jobs cli close", slog.Any("error", err))
				}
			}()
			return run(cmd.Context(), c)
		}
	}

	trigger := &cobra.Command{
		Use:   "trigger <task-type>",
		Short: "Enqueue a job with its default payload",
		Args:  cobra.ExactArgs(1),
	}
	trigger.RunE = func(cmd *cobra.Command, args []string) error {
		return withJobs(func(ctx context.Context, c *cli.JobsCLI) error {
			info, err := c.Trigger(ctx, args[0])
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "enqueued %s as %s on %s\n", info.Type, info.ID, info.Queue)
			return err
		})(cmd, args)
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show default queue state",
		Args:  cobra.NoArgs,
	}
	stats.RunE = func(cmd *cobra.Command, args []string) error {
		return withJobs(func(ctx context.Context, c *cli.JobsCLI) error {
			s, err := c.InspectQueue(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		})(cmd, args)
	}

	cmd.AddCommand(trigger, stats)
	return cmd
}
