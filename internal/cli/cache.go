package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/diarysync/internal/app"
)

func (e *env) cacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the request cache",
	}
	cmd.AddCommand(
		e.cacheListCmd(),
		e.cacheStatsCmd(),
		e.cacheClearCmd(),
		e.cacheRemoveCmd(),
		e.cacheInvalidateAPICmd(),
		e.cacheInvalidateURLCmd(),
		e.cachePreloadCmd(),
	)
	return cmd
}

func (e *env) cacheListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "List cache partitions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				parts := a.Cache.ListPartitions(ctx)
				return e.render(cmd, parts, func(w io.Writer) {
					fmt.Fprintln(w, "PARTITION\tENTRIES\tBYTES")
					for _, p := range parts {
						fmt.Fprintf(w, "%s\t%d\t%d\n", p.Name, p.EntryCount, p.ByteSize)
					}
				})
			})
		},
	}
}

func (e *env) cacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show cache totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				s := a.Cache.Stats(ctx)
				return e.render(cmd, s, func(w io.Writer) {
					fmt.Fprintf(w, "partitions\t%d\nentries\t%d\nbytes\t%d\n", s.Partitions, s.Entries, s.Bytes)
				})
			})
		},
	}
}

func (e *env) cacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every cache partition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				n := a.Cache.DeleteAll(ctx)
				return e.render(cmd, map[string]int{"deleted": n}, func(w io.Writer) {
					fmt.Fprintf(w, "deleted\t%d\n", n)
				})
			})
		},
	}
}

// deleted renders the outcome of a single deletion.
func (e *env) deleted(cmd *cobra.Command, ok bool) error {
	return e.render(cmd, map[string]bool{"deleted": ok}, func(w io.Writer) {
		fmt.Fprintf(w, "deleted\t%t\n", ok)
	})
}

func (e *env) cacheRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <partition>",
		Short: "Delete one cache partition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				return e.deleted(cmd, a.Cache.DeletePartition(ctx, args[0]))
			})
		},
	}
}

func (e *env) cacheInvalidateAPICmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate-api",
		Short: "Drop all cached API reads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				return e.deleted(cmd, a.Cache.InvalidateAPI(ctx))
			})
		},
	}
}

func (e *env) cacheInvalidateURLCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate-url <url>",
		Short: "Drop the cached response for one URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				return e.deleted(cmd, a.Cache.InvalidateURL(ctx, args[0]))
			})
		},
	}
}

func (e *env) cachePreloadCmd() *cobra.Command {
	var partition string
	cmd := &cobra.Command{
		Use:   "preload <url>...",
		Short: "Fetch URLs and store them in the cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				res := a.Cache.Preload(ctx, partition, args)
				if err := e.render(cmd, res, func(w io.Writer) {
					for _, u := range res.Stored {
						fmt.Fprintf(w, "stored\t%s\n", u)
					}
					failed := make([]string, 0, len(res.Failed))
					for u := range res.Failed {
						failed = append(failed, u)
					}
					sort.Strings(failed)
					for _, u := range failed {
						fmt.Fprintf(w, "failed\t%s\t%s\n", u, res.Failed[u])
					}
				}); err != nil {
					return err
				}
				if len(res.Failed) > 0 {
					return fmt.Errorf("%d of %d urls failed", len(res.Failed), len(args))
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&partition, "partition", "p", "", "target partition (default: by resource class)")
	return cmd
}
