package cli

import (
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/listsync/internal/realtime"
)

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	User string
	TTL  time.Duration
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a realtime token for a user",
		Long: `Sign a token with token_secret that lets a user subscribe to the
realtime hub.

Example:
  listsync token --user alice --ttl 1h`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user the token is for (overrides config user_id)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", DefaultTokenTTL, "token lifetime")

	return cmd
}

func runToken(opts *TokenOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(opts.User, true)
	if err != nil {
		return err
	}
	if cfg.TokenSecret == "" {
		return NewExitError(ExitCommandError, "token_secret is not configured")
	}
	if opts.TTL <= 0 {
		return NewExitError(ExitCommandError, "--ttl must be positive")
	}

	now := time.Now()
	token, err := realtime.IssueToken([]byte(cfg.TokenSecret), cfg.UserID, now, opts.TTL)
	if err != nil {
		return WrapExitError(ExitFailure, "failed to mint token", err)
	}

	f := opts.formatter(cmd)
	if f.Format == "json" {
		return f.Success(map[string]any{
			"user_id":    cfg.UserID,
			"token":      token,
			"expires_at": now.Add(opts.TTL).UTC().Format(time.RFC3339),
		})
	}
	return f.Success(token)
}
