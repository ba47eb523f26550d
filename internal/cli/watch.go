package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/listsync/internal/cache"
	"github.com/roach88/listsync/internal/config"
	"github.com/roach88/listsync/internal/engine"
	"github.com/roach88/listsync/internal/model"
	"github.com/roach88/listsync/internal/realtime"
	"github.com/roach88/listsync/internal/remote"
	"github.com/roach88/listsync/internal/store"
)

// DefaultTokenTTL is the lifetime of tokens minted by the CLI.
const DefaultTokenTTL = 24 * time.Hour

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	User     string
	Token    string
	Location string
	Category string
	Once     bool
	NoColor  bool
}

// View is what watch prints for one render.
type View struct {
	Private []model.Entity        `json:"private"`
	Shared  []model.Entity        `json:"shared"`
	Notices []engine.Notification `json:"notices,omitempty"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the sync engine and render both collections",
		Long: `Run the sync engine for one user against the list store and print the
private and shared collections whenever they change.

Changes are pushed from the realtime hub when realtime_url is set, and
otherwise by tailing the database's change log in-process. Snapshots are
cached under cache_dir so the next start renders immediately.

Examples:
  listsync watch --user alice
  listsync watch --category food --once --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user to sync as (overrides config user_id)")
	cmd.Flags().StringVar(&opts.Token, "token", "", "realtime token (minted from token_secret when empty)")
	cmd.Flags().StringVar(&opts.Location, "location", "", "location prefix filter")
	cmd.Flags().StringVar(&opts.Category, "category", "", "category filter")
	cmd.Flags().BoolVar(&opts.Once, "once", false, "render once the first sync settles, then exit")
	cmd.Flags().BoolVar(&opts.NoColor, "no-color", false, "disable colored output")

	return cmd
}

func runWatch(opts *WatchOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(opts.User, true)
	if err != nil {
		return err
	}
	logger := opts.logger(cmd.ErrOrStderr())

	st, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			logger.Error("error closing database", "error", closeErr)
		}
	}()

	ctx, cancel := signalContext(cmd.Context(), logger)
	defer cancel()

	sub, err := opts.subscriber(ctx, cfg, st, logger)
	if err != nil {
		return err
	}

	e := engine.New(st.Session(cfg.UserID), sub, cfg.Engine(),
		engine.WithLogger(logger),
		engine.WithCache(cache.Open(cfg.CacheDir)),
	)
	engineDone := make(chan error, 1)
	go func() {
		engineDone <- e.Run(ctx)
	}()
	defer func() {
		cancel()
		<-engineDone
	}()

	if opts.Location != "" || opts.Category != "" {
		f := model.Filter{LocationText: opts.Location, Category: opts.Category}
		e.SetFilter(model.CollectionPrivate, f)
		e.SetFilter(model.CollectionShared, f)
	}

	out := cmd.OutOrStdout()
	if opts.Once {
		settleCtx, done := context.WithTimeout(ctx, cfg.Engine().FetchTimeout+cfg.Engine().Debounce+time.Second)
		defer done()
		if err := e.Settle(settleCtx); err != nil {
			return WrapExitError(ExitFailure, "sync did not settle", err)
		}
		return opts.render(out, e)
	}

	logger.Info("watching", "user_id", cfg.UserID, "realtime", cfg.RealtimeURL != "")
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-engineDone:
			engineDone <- err
			if err != nil && ctx.Err() == nil {
				return WrapExitError(ExitFailure, "engine error", err)
			}
			return nil
		case <-e.Changed():
			if err := opts.render(out, e); err != nil {
				return err
			}
		}
	}
}

// subscriber picks the push transport: the realtime hub when configured,
// otherwise a broker tailing the local change log.
func (opts *WatchOptions) subscriber(ctx context.Context, cfg *config.Config, st *store.Store, logger *slog.Logger) (remote.Subscriber, error) {
	if cfg.RealtimeURL != "" {
		token := opts.Token
		if token == "" {
			if cfg.TokenSecret == "" {
				return nil, NewExitError(ExitCommandError, "realtime_url needs --token or token_secret")
			}
			var err error
			token, err = realtime.IssueToken([]byte(cfg.TokenSecret), cfg.UserID, time.Now(), DefaultTokenTTL)
			if err != nil {
				return nil, WrapExitError(ExitCommandError, "failed to mint token", err)
			}
		}
		return realtime.NewClient(cfg.RealtimeURL, token, realtime.WithClientLogger(logger)), nil
	}

	broker, err := store.NewBroker(ctx, st,
		store.WithPollInterval(cfg.PollInterval()),
		store.WithBrokerLogger(logger),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to start broker", err)
	}
	go func() { _ = broker.Run(ctx) }()
	return broker, nil
}

func (opts *WatchOptions) render(w io.Writer, e *engine.Engine) error {
	private := e.State(model.CollectionPrivate)
	shared := e.State(model.CollectionShared)
	notices := e.Notifications()

	if opts.Format == "json" {
		f := &OutputFormatter{Format: "json", Writer: w}
		return f.Success(View{Private: private.Entities, Shared: shared.Entities, Notices: notices})
	}

	r := &Renderer{W: w, Color: !opts.NoColor}
	r.State(private)
	r.State(shared)
	r.Notices(notices)
	fmt.Fprintln(w, "--")
	return nil
}
