package cli

import (
	"fmt"
	"io"
	"time"

	"github.com/qcom/jwtauth/internal/client"
	"github.com/qcom/jwtauth/internal/models"
	"github.com/spf13/cobra"
)

func newLoginCommand(opts *options) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in and store the refresh token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api(cmd)
			if err != nil {
				return err
			}
			session, err := api.Login(cmd.Context(), email, password)
			if err != nil {
				return err
			}
			return opts.print(cmd, session.User, func(w io.Writer) {
				fmt.Fprintf(w, "Logged in as %s\n", formatUser(session.User))
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("password")
	return cmd
}

func newRegisterCommand(opts *options) *cobra.Command {
	var email, password, name string

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account and log in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api(cmd)
			if err != nil {
				return err
			}
			session, err := api.Register(cmd.Context(), email, password, name)
			if err != nil {
				return err
			}
			return opts.print(cmd, session.User, func(w io.Writer) {
				fmt.Fprintf(w, "Registered %s\n", formatUser(session.User))
			})
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "account email")
	cmd.Flags().StringVar(&password, "password", "", "account password (at least 6 characters)")
	cmd.Flags().StringVar(&name, "name", "", "display name")
	cmd.MarkFlagRequired("email")
	cmd.MarkFlagRequired("password")
	cmd.MarkFlagRequired("name")
	return cmd
}

func newMeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "me",
		Short: "Show the logged-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api(cmd)
			if err != nil {
				return err
			}
			user, err := api.Me(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd, user, func(w io.Writer) {
				fmt.Fprintln(w, formatUser(*user))
			})
		},
	}
}

func newStatsCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show dashboard statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api(cmd)
			if err != nil {
				return err
			}
			stats, err := api.DashboardStats(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd, stats, func(w io.Writer) {
				fmt.Fprintf(w, "Total users:  %d\nActive users: %d\nProjects:     %d\nCompleted:    %d\n",
					stats.TotalUsers, stats.ActiveUsers, stats.Projects, stats.Completed)
			})
		},
	}
}

func newActivityCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "activity",
		Short: "Show recent dashboard activity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api(cmd)
			if err != nil {
				return err
			}
			activity, err := api.DashboardActivity(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd, activity, func(w io.Writer) {
				for _, a := range activity {
					fmt.Fprintf(w, "%s %-32s %s\n", a.Icon, a.Title, a.Time)
				}
			})
		},
	}
}

func newUsersCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "users",
		Short: "List all users (admin only)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api(cmd)
			if err != nil {
				return err
			}
			users, err := api.Users(cmd.Context())
			if err != nil {
				return err
			}
			return opts.print(cmd, users, func(w io.Writer) {
				for _, u := range users {
					fmt.Fprintln(w, formatUser(u))
				}
			})
		},
	}
}

func newLogoutCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Revoke the session and forget the stored token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			api, err := opts.api(cmd)
			if err != nil {
				return err
			}

			if err := api.Logout(cmd.Context()); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "Warning: server logout failed: %v\n", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Logged out")
			return nil
		},
	}
}

type statusOutput struct {
	LoggedIn  bool      `json:"loggedIn"`
	TokenFile string    `json:"tokenFile"`
	Email     string    `json:"email,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Expired   bool      `json:"expired"`
}

func newStatusCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the stored session without contacting the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, err := opts.tokenPath()
			if err != nil {
				return err
			}

			token, err := client.NewFileStorage(path).Load()
			if err != nil {
				return err
			}

			status := statusOutput{TokenFile: path, LoggedIn: token != ""}
			if token != "" {
				claims, err := client.DecodeToken(token)
				if err != nil {
					return fmt.Errorf("stored token is unreadable: %w", err)
				}
				status.Email = claims.Email
				status.ExpiresAt = &claims.ExpiresAt
				status.Expired = client.IsTokenExpired(token, time.Now())
			}

			return opts.print(cmd, status, func(w io.Writer) {
				if !status.LoggedIn {
					fmt.Fprintf(w, "Not logged in (token file %s)\n", status.TokenFile)
					return
				}
				state := "valid"
				if status.Expired {
					state = "expired"
				}
				fmt.Fprintf(w, "Logged in as %s\nRefresh token %s until %s\n",
					status.Email, state, status.ExpiresAt.Local().Format(time.RFC1123))
			})
		},
	}
}

func formatUser(u models.PublicUser) string {
	return fmt.Sprintf("%s <%s> (%s)", u.Name, u.Email, u.Role)
}
