package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/diarysync/internal/app"
	"github.com/dmitrijs2005/diarysync/internal/models"
)

var whenParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseWhen accepts RFC 3339 or English like "yesterday 8pm".
func parseWhen(s string, now time.Time) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	r, err := whenParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("occurred-at %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("occurred-at %q: not a time", s)
	}
	return r.Time, nil
}

// userFor returns the explicit user or the one of the stored session.
func userFor(ctx context.Context, a *app.App, explicit string) (string, error) {
	if explicit != "" {
		return explicit, nil
	}
	return a.Sessions.UserID(ctx)
}

func (e *env) enqueueCmd() *cobra.Command {
	var (
		user       string
		p          models.Payload
		media      []string
		occurredAt string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue a diary entry for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if occurredAt != "" {
				t, err := parseWhen(occurredAt, time.Now())
				if err != nil {
					return err
				}
				p.OccurredAt = t
			}
			for _, m := range media {
				p.Media = append(p.Media, models.MediaRef{URL: m})
			}

			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				userID, err := userFor(ctx, a, user)
				if err != nil {
					return err
				}
				entry, err := a.Queue.Enqueue(ctx, userID, p)
				if err != nil {
					return err
				}
				return e.render(cmd, entry, func(w io.Writer) {
					fmt.Fprintf(w, "queued\t%s\n", entry.ID)
				})
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "owner of the entry (default: signed-in user)")
	cmd.Flags().StringVarP(&p.Text, "text", "t", "", "entry text")
	cmd.Flags().StringVar(&p.Category, "category", "", "entry category")
	cmd.Flags().StringSliceVar(&media, "media", nil, "media URL, repeatable")
	cmd.Flags().StringVar(&occurredAt, "occurred-at", "", "when the entry happened: RFC 3339 or e.g. \"yesterday 8pm\"")
	return cmd
}

func (e *env) listCmd() *cobra.Command {
	var user string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List queued entries, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				userID, err := userFor(ctx, a, user)
				if err != nil {
					return err
				}
				entries, err := a.Queue.List(ctx, userID)
				if err != nil {
					return err
				}
				if entries == nil {
					entries = []*models.PendingEntry{}
				}
				return e.render(cmd, entries, func(w io.Writer) {
					fmt.Fprintln(w, "ID\tSTATUS\tRETRIES\tCREATED\tTEXT\tERROR")
					for _, en := range entries {
						fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n", en.ID, en.Status, en.RetryCount,
							formatTime(en.CreatedAt), truncate(en.Payload.Text, 40), truncate(en.LastError, 40))
					}
				})
			})
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "owner of the entries (default: signed-in user)")
	return cmd
}

func (e *env) retryCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Put a failed entry back into the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				return a.Status.Retry(ctx, args[0])
			})
		},
	}
}

func (e *env) removeCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "remove <id>",
		Aliases: []string{"rm"},
		Short:   "Drop an entry from the queue without delivering it",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				return a.Status.Remove(ctx, args[0])
			})
		},
	}
}

func (e *env) syncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Probe the backend and run one sync pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				a.Monitor.Probe(ctx)
				res, err := a.Syncer.SyncNow(ctx)
				if err != nil {
					return err
				}
				return e.render(cmd, res, func(w io.Writer) {
					fmt.Fprintf(w, "synced\t%d\nfailed\t%d\nskipped\t%d\n", res.Synced, res.Failed, res.Skipped)
				})
			})
		},
	}
}

func (e *env) statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show connectivity, queue and sync state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				snap := a.Status.Refresh(ctx)
				return e.render(cmd, snap, func(w io.Writer) {
					fmt.Fprintf(w, "online\t%t\n", snap.IsOnline)
					fmt.Fprintf(w, "last online\t%s\n", formatTimePtr(snap.LastOnline))
					fmt.Fprintf(w, "pending\t%d\n", snap.PendingCount)
					fmt.Fprintf(w, "last sync\t%s\n", formatTimePtr(snap.LastSyncAt))
				})
			})
		},
	}
}
