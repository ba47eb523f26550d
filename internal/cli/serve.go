package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/listsync/internal/config"
	"github.com/roach88/listsync/internal/realtime"
	"github.com/roach88/listsync/internal/store"
)

// RealtimePath is where serve mounts the realtime hub.
const RealtimePath = "/realtime"

const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Listen string

	// Ready, when set, receives the bound address once the server accepts
	// connections.
	Ready func(addr net.Addr)
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Publish the store's change feed over websockets",
		Long: `Tail the change log of the list store and relay it to realtime
clients.

Clients connect to ws://<listen>/realtime with a token minted by
"listsync token" and subscribe to their own rows. token_secret must be
configured.

Example:
  listsync serve --listen 127.0.0.1:8787`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Listen, "listen", "", "address to listen on (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig("", false)
	if err != nil {
		return err
	}
	if opts.Listen != "" {
		cfg.Listen = opts.Listen
	}
	if cfg.TokenSecret == "" {
		return NewExitError(ExitCommandError, "token_secret is required to serve")
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

	broker, err := store.NewBroker(ctx, st,
		store.WithPollInterval(cfg.PollInterval()),
		store.WithBrokerLogger(logger),
	)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start broker", err)
	}
	brokerDone := make(chan struct{})
	go func() {
		defer close(brokerDone)
		_ = broker.Run(ctx)
	}()

	mux := http.NewServeMux()
	mux.Handle(RealtimePath, realtime.NewHub(broker, []byte(cfg.TokenSecret), realtime.WithHubLogger(logger)))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "ok subscribers=%d\n", broker.Subscribers())
	})

	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		cancel()
		<-brokerDone
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve(ln)
	}()

	logger.Info("serving", "addr", ln.Addr().String(), "db", cfg.Database)
	fmt.Fprintf(cmd.OutOrStdout(), "Listening on ws://%s%s\n", ln.Addr(), RealtimePath)
	if opts.Ready != nil {
		opts.Ready(ln.Addr())
	}

	select {
	case <-ctx.Done():
	case err = <-serveErr:
	}
	cancel()

	shutdownCtx, done := context.WithTimeout(context.Background(), shutdownTimeout)
	defer done()
	if shutErr := srv.Shutdown(shutdownCtx); shutErr != nil {
		logger.Warn("server shutdown", "error", shutErr)
	}
	<-brokerDone

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return WrapExitError(ExitFailure, "server error", err)
	}
	logger.Info("server stopped gracefully")
	return nil
}

// openStore opens the configured database, creating its directory.
func openStore(cfg *config.Config, logger *slog.Logger) (*store.Store, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Database), 0o755); err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to create database directory", err)
	}
	logger.Debug("opening database", "path", cfg.Database)
	st, err := store.Open(cfg.Database)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}
	return st, nil
}

// signalContext is cancelled on SIGINT or SIGTERM, or when parent is done.
func signalContext(parent context.Context, logger *slog.Logger) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		defer signal.Stop(sigChan)
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
