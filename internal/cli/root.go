// Package cli implements the authctl command tree.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/qcom/jwtauth/internal/client"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

const defaultServer = "http://localhost:3000/api"

type options struct {
	server     string
	tokenFile  string
	timeout    time.Duration
	jsonOutput bool
	verbose    bool
}

// NewRootCommand builds authctl. Output goes to out, diagnostics to errOut.
func NewRootCommand(out, errOut io.Writer) *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:   "authctl",
		Short: "Command-line client for the JWT auth API",
		Long: `authctl logs in against the auth API and calls protected endpoints.

The refresh token is kept in a file between runs, so every new invocation
starts without an access token and refreshes it transparently.

Environment Variables:
  AUTHCTL_SERVER      API base URL including /api (default: ` + defaultServer + `)
  AUTHCTL_TOKEN_FILE  Refresh token file (default: <user config dir>/authctl/refresh-token)`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetOut(out)
	root.SetErr(errOut)

	flags := root.PersistentFlags()
	flags.StringVar(&opts.server, "server", "", "API base URL (overrides AUTHCTL_SERVER)")
	flags.StringVar(&opts.tokenFile, "token-file", "", "refresh token file (overrides AUTHCTL_TOKEN_FILE)")
	flags.DurationVar(&opts.timeout, "timeout", client.DefaultTimeout, "per-request timeout")
	flags.BoolVar(&opts.jsonOutput, "json", false, "print JSON instead of text")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "log token lifecycle events to stderr")

	root.AddCommand(
		newLoginCommand(opts),
		newRegisterCommand(opts),
		newMeCommand(opts),
		newStatsCommand(opts),
		newActivityCommand(opts),
		newUsersCommand(opts),
		newLogoutCommand(opts),
		newStatusCommand(opts),
	)

	return root
}

// Execute runs authctl with the process arguments.
func Execute(ctx context.Context) error {
	root := NewRootCommand(os.Stdout, os.Stderr)
	return root.ExecuteContext(ctx)
}

func (o *options) serverURL() string {
	if o.server != "" {
		return o.server
	}
	if env := os.Getenv("AUTHCTL_SERVER"); env != "" {
		return env
	}
	return defaultServer
}

func (o *options) tokenPath() (string, error) {
	if o.tokenFile != "" {
		return o.tokenFile, nil
	}
	if env := os.Getenv("AUTHCTL_TOKEN_FILE"); env != "" {
		return env, nil
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("cannot locate config directory, set AUTHCTL_TOKEN_FILE: %w", err)
	}
	return filepath.Join(dir, "authctl", "refresh-token"), nil
}

func (o *options) logger(cmd *cobra.Command) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(cmd.ErrOrStderr())
	logger.SetLevel(logrus.WarnLevel)
	if o.verbose {
		logger.SetLevel(logrus.DebugLevel)
	}
	return logger
}

func (o *options) api(cmd *cobra.Command) (*client.API, error) {
	path, err := o.tokenPath()
	if err != nil {
		return nil, err
	}

	logger := o.logger(cmd)
	tokens := client.NewTokenManager(client.NewFileStorage(path), logger)
	tokens.SubscribeLogout(func() {
		fmt.Fprintln(cmd.ErrOrStderr(), "Session expired, please log in again.")
	})

	return client.NewAPI(client.Config{
		BaseURL: o.serverURL(),
		Timeout: o.timeout,
		Logger:  logger,
	}, tokens), nil
}

func (o *options) print(cmd *cobra.Command, v interface{}, human func(w io.Writer)) error {
	w := cmd.OutOrStdout()
	if o.jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	human(w)
	return nil
}
