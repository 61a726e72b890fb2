package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	dbembed "github.com/nsnw/yahk/db"
	"github.com/nsnw/yahk/internal/config"
	"github.com/nsnw/yahk/internal/db"
	"github.com/nsnw/yahk/internal/logger"
	"github.com/nsnw/yahk/internal/version"
)

type cliOptions struct {
	configPath string
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{}
	root := &cobra.Command{
		Use:          "yahk",
		Short:        "Relay chat between IRC, Slack, Discord and Telegram",
		SilenceUsage: true,
		PersistentPreRun: func(*cobra.Command, []string) {
			// A .env file is optional; real environment variables win.
			_ = godotenv.Load()
			if opts.configPath == "" {
				opts.configPath = os.Getenv("CONFIG_PATH")
			}
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "path to config.toml (default $CONFIG_PATH or ./config.toml)")

	root.AddCommand(
		newServeCommand(opts),
		newMigrateCommand(opts),
		newVersionCommand(),
	)
	return root
}

func newServeCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Connect every enabled service and relay until shut down",
		Args:  cobra.NoArgs,
		RunE: func(*cobra.Command, []string) error {
			return runServe(opts.configPath)
		},
	}
}

func newMigrateCommand(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:       "migrate {up|down|version|force N}",
		Short:     "Apply or roll back database migrations",
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: []string{"up", "down", "version", "force"},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger.Init(cfg.Log.Level, cfg.Log.Format)
			return db.RunMigrate(cmd.Context(), logger.L, cfg.Database, dbembed.MigrationsFS, args[0], args[1:])
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the build version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "yahk %s\n", version.GetInfo())
		},
	}
}

func loadConfig(path string) (config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// migrateUp brings a SQL backend to the latest schema before serving.
func migrateUp(ctx context.Context, cfg config.Config) error {
	if cfg.Database.Driver == "memory" {
		return nil
	}
	return db.RunMigrate(ctx, logger.L, cfg.Database, dbembed.MigrationsFS, "up", nil)
}
