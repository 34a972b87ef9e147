package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"repohealth/config"
	"repohealth/logger"
	"repohealth/service"
)

// Set by the build.
var version = "dev"

// configFile is read before viper exists, so it is not bound.
var configFile string

// cfg holds the validated configuration of the running command.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:               "repohealth",
	Short:             "Score how actively maintained a GitHub repository is.",
	Long:              `repohealth collects repository facts from GitHub, scores maintenance health with an explainable breakdown and tracks every analysis as a resumable run.`,
	Version:           version,
	SilenceErrors:     true,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		logger.Sync()
	},
	Run: func(cmd *cobra.Command, _ []string) {
		_ = cmd.Help()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(scanCmd)
	rootCmd.AddCommand(migrateCmd)

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "Path to config file (default .repohealth.yaml in . or $HOME)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level: debug or info or warn or error")
	rootCmd.PersistentFlags().String("store", config.StorePostgres, "Store backend: postgres, sqlite or memory")
	rootCmd.PersistentFlags().String("postgres-dsn", "", "Postgres connection string")
	rootCmd.PersistentFlags().String("sqlite-path", "repohealth.db", "SQLite database file for the sqlite store")

	serveCmd.Flags().String("http-addr", ":8080", "HTTP listen address")

	analyzeCmd.Flags().Bool("force", false, "Start a new run even if a recent complete run exists")
	scanCmd.Flags().Int("limit", 0, "Maximum runs to resume (0 uses scan-limit)")
	migrateCmd.Flags().Int("target-version", -1, "Target migration version (-1 means latest, 0 means rollback to initial state)")
}

// setup loads configuration and the logger for every subcommand.
func setup(cmd *cobra.Command, _ []string) error {
	v, err := config.NewViper(configFile)
	if err != nil {
		return err
	}
	if err := bindFlags(v, cmd); err != nil {
		return err
	}

	cfg, err = config.Load(v)
	if err != nil {
		return err
	}
	return logger.Initialize(cfg.LogLevel)
}

// bindFlags binds the flags that share a name with a config key.
func bindFlags(v *viper.Viper, cmd *cobra.Command) error {
	for _, name := range []string{"log-level", "store", "postgres-dsn", "sqlite-path", "http-addr"} {
		flag := cmd.Flags().Lookup(name)
		if flag == nil {
			continue
		}
		if err := v.BindPFlag(name, flag); err != nil {
			return fmt.Errorf("error binding flag %s: %w", name, err)
		}
	}
	return nil
}

// newService builds the service, requiring a GitHub token when online.
func newService(online bool) (*service.Service, error) {
	if online {
		if err := cfg.RequireGitHubToken(); err != nil {
			return nil, err
		}
	}
	return service.New(cfg, service.Deps{})
}
