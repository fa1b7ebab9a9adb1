package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/dmitrijs2005/diarysync/internal/app"
)

// readToken prompts without echo on a terminal and reads one line
// otherwise.
func readToken(cmd *cobra.Command) (string, error) {
	in := cmd.InOrStdin()
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(cmd.ErrOrStderr(), "-Enter access token: ")
		b, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(cmd.ErrOrStderr())
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(b)), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

func (e *env) loginCmd() *cobra.Command {
	var token string
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store the access token used for delivery",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if token == "" {
				t, err := readToken(cmd)
				if err != nil {
					return err
				}
				token = t
			}
			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				s, err := a.Sessions.Login(ctx, token)
				if err != nil {
					return err
				}
				return e.render(cmd, map[string]any{"userId": s.UserID, "expiresAt": s.ExpiresAt}, func(w io.Writer) {
					fmt.Fprintf(w, "signed in as\t%s\n", s.UserID)
					fmt.Fprintf(w, "expires\t%s\n", formatTime(s.ExpiresAt))
				})
			})
		},
	}
	cmd.Flags().StringVar(&token, "token", "", "access token (prompted when empty)")
	return cmd
}

func (e *env) logoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return e.withApp(cmd, false, func(ctx context.Context, a *app.App) error {
				return a.Sessions.Logout(ctx)
			})
		},
	}
}
