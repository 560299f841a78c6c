package main

import (
	"context"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"

	mcptools "github.com/djlord-it/easy-jobs/internal/mcp"
)

func newMCPCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve job tools over the Model Context Protocol (stdio)",
		Long: `Serve job tools over the Model Context Protocol on stdin/stdout.

The rule engine and dispatcher run in-process, so jobs created through the
tools execute without a separate "serve" instance. Logs go to stderr.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck
			logConfigWarnings(cfg, logger)

			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.DBOpTimeout*4)
			rt, err := buildRuntime(ctx, cfg, logger, nil)
			cancel()
			if err != nil {
				return err
			}
			defer rt.close()

			rt.start()
			defer rt.shutdown()

			srv := mcptools.NewServer(rt.jobs, rt.ledger, rt.parser).WithLogger(logger.Named("mcp"))
			if err := srv.ServeStdio(version); err != nil {
				return errors.Wrap(err, "mcp stdio")
			}
			return nil
		},
	}
}
