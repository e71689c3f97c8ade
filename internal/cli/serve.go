package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/harborview/ledgersync/internal/api"
	"github.com/harborview/ledgersync/internal/config"
	"github.com/harborview/ledgersync/internal/engine"
	"github.com/harborview/ledgersync/internal/gateway"
	"github.com/harborview/ledgersync/internal/hub"
	"github.com/harborview/ledgersync/internal/intent"
	"github.com/harborview/ledgersync/internal/record"
)

// shutdownTimeout bounds how long in-flight HTTP requests may run after
// a termination signal.
const shutdownTimeout = 5 * time.Second

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Config  string
	Latency time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the reconciliation service",
		Long: `Start the ledgersync reconciliation service.

The service loads provisioned actors from the config file, opens the
metadata store (SQLite if a database path is configured, in-memory
otherwise), and starts the request surface, the reconciliation loop,
and the orphan sweep.

Example:
  ledgersync serve --config ./ledgersync.yaml
  ledgersync serve --config ./ledgersync.yaml --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Config, "config", "", "path to YAML config file (required)")
	cmd.Flags().DurationVar(&opts.Latency, "latency", 50*time.Millisecond, "simulated ledger confirmation latency")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	setupLogging(opts.RootOptions)

	slog.Info("loading config", "path", opts.Config)
	cfg, err := config.Load(opts.Config)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	slog.Info("config loaded", "actors", len(cfg.Actors), "listen", cfg.Listen)

	// Metadata store: SQLite when a path is configured, memory otherwise.
	var records record.Store
	if cfg.Database != "" {
		slog.Info("opening metadata database", "path", cfg.Database)
		st, err := record.OpenSQLite(cfg.Database)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open database", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				slog.Error("error closing database", "error", closeErr)
			}
		}()
		records = st
	} else {
		slog.Warn("no database configured, metadata is in-memory only")
		records = record.NewMemoryStore()
	}

	intents := intent.NewStore()
	broadcast := hub.New()
	defer broadcast.Close()

	gw := gateway.NewSim(cfg.Registry(), gateway.WithLatency(opts.Latency))
	defer gw.Abort()

	eng := engine.New(intents, records, broadcast)
	sweeper := engine.NewSweeper(intents, broadcast, cfg.IntentExpiry, cfg.SweepInterval)

	srv := api.New(gw, gw, intents, records, broadcast)
	httpSrv := &http.Server{
		Addr:              cfg.Listen,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Signal handling for graceful shutdown. Use the command's context
	// when present so tests can cancel from outside.
	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	go eng.Feed(gw.Events())
	go sweeper.Run(ctx)

	httpErr := make(chan error, 1)
	go func() {
		slog.Info("request surface listening", "addr", cfg.Listen)
		if err := httpSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			httpErr <- err
		}
	}()

	fmt.Fprintf(cmd.OutOrStdout(), "ledgersync listening on %s. Press Ctrl-C to stop.\n", cfg.Listen)

	runErr := make(chan error, 1)
	go func() {
		runErr <- eng.Run(ctx)
	}()

	select {
	case err := <-httpErr:
		cancel()
		return WrapExitError(ExitFailure, "http server error", err)
	case err := <-runErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return WrapExitError(ExitFailure, "engine error", err)
		}
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown error", "error", err)
	}

	slog.Info("service stopped gracefully")
	return nil
}
