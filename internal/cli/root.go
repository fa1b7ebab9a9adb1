// Package cli implements the diarysync commands: the daemon itself and the
// one-shot commands that work on the local store directly.
package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/diarysync/internal/app"
	"github.com/dmitrijs2005/diarysync/internal/config"
	"github.com/dmitrijs2005/diarysync/internal/logging"
)

type env struct {
	flags  *config.Flags
	format string
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	e := &env{}
	root := &cobra.Command{
		Use:           "diarysync",
		Short:         "Offline-first sync and request cache for the diary app",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	e.flags = config.RegisterFlags(root.PersistentFlags())
	root.PersistentFlags().StringVarP(&e.format, "format", "f", "text", "output format: text or json")

	root.AddCommand(
		e.runCmd(),
		e.enqueueCmd(),
		e.listCmd(),
		e.retryCmd(),
		e.removeCmd(),
		e.syncCmd(),
		e.statusCmd(),
		e.loginCmd(),
		e.logoutCmd(),
		e.cacheCmd(),
	)
	return root
}

// withApp opens the store and the components for one command. One-shot
// commands only log when a log file is configured so stdout stays clean.
func (e *env) withApp(cmd *cobra.Command, daemon bool, fn func(ctx context.Context, a *app.App) error) error {
	cfg, err := e.flags.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	var logger logging.Logger = logging.Discard()
	if daemon || cfg.LogFile != "" {
		logger = logging.New(cfg.LogLevel, cfg.LogFile)
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.NewApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func (e *env) runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the sync daemon with its local HTTP surface",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withApp(cmd, true, func(ctx context.Context, a *app.App) error {
				return a.Run(ctx)
			})
		},
	}
}
