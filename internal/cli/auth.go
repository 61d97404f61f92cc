package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/localsync/internal/session"
)

// AuthOptions holds flags for the auth commands.
type AuthOptions struct {
	*RootOptions
	Username string
	Password string
}

// NewAuthCommand creates the auth command group.
func NewAuthCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &AuthOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Manage the account on the sync server",
		Long: `Create an account, sign in and inspect the session on the sync
server at remote.url.

Username and password default to auth.username and auth.password from the
config file. Sync commands sign in on their own when a password is
configured; signin prints a token that can be set as auth.token instead.`,
	}

	cmd.PersistentFlags().StringVarP(&opts.Username, "username", "u", "", "account name (default: auth.username)")
	cmd.PersistentFlags().StringVarP(&opts.Password, "password", "p", "", "account password (default: auth.password)")

	cmd.AddCommand(&cobra.Command{
		Use:   "signup",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			username, password, err := opts.account()
			if err != nil {
				return err
			}
			p, err := opts.provider()
			if err != nil {
				return err
			}
			if err := p.SignUp(cmd.Context(), username, password); err != nil {
				return err
			}
			return newFormatter(opts.RootOptions, cmd).Render(map[string]string{"username": username}, func(w io.Writer) {
				fmt.Fprintf(w, "Account %s created\n", username)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "signin",
		Short: "Sign in and print the session token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			username, password, err := opts.account()
			if err != nil {
				return err
			}
			p, err := opts.provider()
			if err != nil {
				return err
			}
			creds, err := p.SignIn(cmd.Context(), username, password)
			if err != nil {
				return err
			}
			return newFormatter(opts.RootOptions, cmd).Render(creds, func(w io.Writer) {
				fmt.Fprintf(w, "Signed in as %s\n", creds.UserID)
				fmt.Fprintf(w, "Token:   %s\n", creds.Token)
				fmt.Fprintf(w, "Expires: %s\n", creds.ExpiresAt.Format(time.RFC3339))
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "session",
		Short: "Show the current session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := opts.provider()
			if err != nil {
				return err
			}
			// Signs in first when only a password is configured.
			if _, err := p.CurrentCredentials(cmd.Context()); err != nil {
				opts.Logger.Debug("no credentials", "error", err)
			}
			info, err := p.FetchSession(cmd.Context())
			if err != nil {
				return err
			}
			return newFormatter(opts.RootOptions, cmd).Render(info, func(w io.Writer) {
				writeSession(w, info)
			})
		},
	})

	return cmd
}

// account returns the flag values, falling back to the config file.
func (o *AuthOptions) account() (string, string, error) {
	username, password := o.Username, o.Password
	if username == "" {
		username = o.Config.Auth.Username
	}
	if password == "" {
		password = o.Config.Auth.Password
	}
	if username == "" || password == "" {
		return "", "", NewExitError(ExitCommandError, "username and password are required (--username/--password or auth in config)")
	}
	return username, password, nil
}

func writeSession(w io.Writer, info session.Info) {
	if !info.SignedIn {
		fmt.Fprintln(w, "Signed out")
		return
	}
	fmt.Fprintf(w, "Signed in as %s\n", info.UserID)
	if !info.ExpiresAt.IsZero() {
		fmt.Fprintf(w, "Expires: %s\n", info.ExpiresAt.Format(time.RFC3339))
	}
}
