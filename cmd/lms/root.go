package main

import (
	"context"

	"github.com/spf13/cobra"

	"lms/internal/config"
	"lms/internal/logging"
	"lms/internal/server"
)

// cli carries state shared by every subcommand.
type cli struct {
	cfg    *config.Config
	logger logging.Logger

	storage     string
	databaseURL string
	logLevel    string
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:           "lms",
		Short:         "Library management system: catalog, members and loans",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return c.load(cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&c.storage, "storage", "", "storage driver: memory or postgres (env LMS_STORAGE)")
	flags.StringVar(&c.databaseURL, "database-url", "", "PostgreSQL DSN (env DATABASE_URL)")
	flags.StringVar(&c.logLevel, "log-level", "", "debug, info, warn or error (env LMS_LOG_LEVEL)")

	root.AddCommand(
		newServeCmd(c),
		newMigrateCmd(c),
		newCatalogCmd(c),
		newMemberCmd(c),
		newChaosCmd(c),
	)
	return root
}

// load layers flags that were set explicitly over defaults and environment.
func (c *cli) load(cmd *cobra.Command) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	flags := cmd.Flags()
	if flags.Changed("storage") {
		cfg.StorageDriver = c.storage
	}
	if flags.Changed("database-url") {
		cfg.DatabaseURL = c.databaseURL
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = c.logLevel
	}
	c.cfg = cfg
	c.logger = logging.NewJSONLogger(cfg.LogLevel)
	return nil
}

// app opens the configured storage; the caller must Close it.
func (c *cli) app(ctx context.Context, opts ...server.Option) (*server.App, error) {
	if err := c.cfg.Validate(); err != nil {
		return nil, err
	}
	return server.New(ctx, c.cfg, c.logger, opts...)
}
