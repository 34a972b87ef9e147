package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"repohealth/config"
	"repohealth/db"
	"repohealth/logger"
	"repohealth/models"
	"repohealth/service"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run the fallback scan scheduler.",
	Args:  cobra.NoArgs,
	RunE: func(*cobra.Command, []string) error {
		if cfg.Store == config.StorePostgres {
			if err := db.Migrate(cfg.PostgresDSN, -1); err != nil {
				return err
			}
		}

		s, err := newService(true)
		if err != nil {
			return err
		}
		defer func() {
			if err := s.Close(); err != nil {
				logger.Error("Error during service shutdown", zap.Error(err))
			}
		}()
		return s.Start()
	},
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <owner/project>",
	Short: "Analyze a repository now and print its score.",
	Example: `  repohealth analyze golang/go
  repohealth analyze golang/go --force`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		owner, name, _, err := models.ParseSlug(args[0])
		if err != nil {
			return err
		}
		force, err := cmd.Flags().GetBool("force")
		if err != nil {
			return err
		}

		s, err := newService(true)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		ctx, stop := signalContext()
		defer stop()

		st, err := s.Analyze(ctx, owner, name, force)
		if err != nil {
			return err
		}
		return printStatus(os.Stdout, st)
	},
}

var statusCmd = &cobra.Command{
	Use:   "status <owner/project>",
	Short: "Print the latest stored status of a repository.",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		owner, name, fullName, err := models.ParseSlug(args[0])
		if err != nil {
			return err
		}

		s, err := newService(false)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		st, err := s.Status(context.Background(), owner, name)
		if service.IsNotFound(err) {
			return fmt.Errorf("%s has not been analyzed yet", fullName)
		}
		if err != nil {
			return err
		}
		return printStatus(os.Stdout, st)
	},
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Resume due retries and stalled runs once.",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return err
		}

		s, err := newService(true)
		if err != nil {
			return err
		}
		defer func() { _ = s.Close() }()

		ctx, stop := signalContext()
		defer stop()

		n, err := s.Scan(ctx, limit)
		fmt.Fprintf(os.Stdout, "Resumed %d run(s)\n", n)
		return err
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run Postgres schema migrations.",
	Example: `  # Migrate to latest version (default)
  repohealth migrate

  # Rollback to the initial state
  repohealth migrate --target-version 0`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		if cfg.Store != config.StorePostgres {
			return fmt.Errorf("migrations only apply to the %s store; the %s store migrates on open", config.StorePostgres, config.StoreSQLite)
		}
		target, err := cmd.Flags().GetInt("target-version")
		if err != nil {
			return err
		}
		return db.Migrate(cfg.PostgresDSN, target)
	},
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
