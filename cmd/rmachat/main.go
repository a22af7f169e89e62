// Package main provides the rmachat binary entry point.
// rmachat is a terminal chat client for the RMA inventory platform: it keeps
// a local copy of every conversation and reconciles it with the chat broker.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/c360studio/rmachat/config"
)

const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "rmachat"
)

func main() {
	// Add panic recovery
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := rootCmd(os.Stdin, os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type globalFlags struct {
	configPath  string
	logLevel    string
	identity    string
	metricsAddr string
	ephemeral   bool
}

func rootCmd(in io.Reader, out io.Writer) *cobra.Command {
	var flags globalFlags

	cmd := &cobra.Command{
		Use:   appName,
		Short: "Terminal chat client for the RMA platform",
		Long: `rmachat is a terminal chat client for the RMA inventory platform.

It connects to the chat broker as the configured identity, keeps contacts,
history and unread counts locally, and reconnects automatically when the
broker goes away.

Configuration is read from ~/.config/rmachat/config.yaml, rmachat.yaml in
the current or a parent directory, --config, and the RMACHAT_IDENTITY,
RMACHAT_API_URL, RMACHAT_API_TOKEN and NATS_URL environment variables.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChat(cmd.Context(), flags, in, out)
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVarP(&flags.configPath, "config", "c", "", "Config file path (YAML)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	pf.StringVarP(&flags.identity, "identity", "u", "", "Local identity (overrides config)")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address")
	pf.BoolVar(&flags.ephemeral, "ephemeral", false, "Keep conversation state in memory only")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "chat",
			Short: "Start the interactive chat (default)",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runChat(cmd.Context(), flags, in, out)
			},
		},
		&cobra.Command{
			Use:   "contacts",
			Short: "List stored contacts and unread counts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOffline(cmd.Context(), flags, func(app *App) error {
					printContacts(out, app.store.Contacts(), app.store.UnreadCounts())
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "history <peer>",
			Short: "Print the stored conversation with a peer",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return runOffline(cmd.Context(), flags, func(app *App) error {
					printHistory(out, args[0], app.store.History(args[0]))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "version",
			Short: "Print version information",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(out, "%s version %s (build: %s)\n", appName, Version, BuildTime)
			},
		},
	)

	return cmd
}

// setup loads configuration, applies flag overrides and configures logging.
func setup(flags globalFlags) (*config.Config, *slog.Logger, error) {
	// Log config loading at the requested level before the config says otherwise.
	logger := newLogger(flags.logLevel)

	cfg, err := config.NewLoader(logger, config.WithFile(flags.configPath)).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	if flags.identity != "" {
		cfg.Identity.Username = flags.identity
	}
	if flags.metricsAddr != "" {
		cfg.Metrics.Addr = flags.metricsAddr
	}
	if flags.ephemeral {
		cfg.Storage.Driver = config.DriverMemory
	}
	if flags.logLevel == "" {
		logger = newLogger(cfg.Log.Level)
	}
	slog.SetDefault(logger)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if strings.TrimSpace(cfg.Identity.Username) == "" {
		return nil, nil, fmt.Errorf("no identity configured: use --identity or %s", config.EnvIdentity)
	}
	return cfg, logger, nil
}

func newLogger(level string) *slog.Logger {
	lvl := slog.LevelInfo
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func runChat(ctx context.Context, flags globalFlags, in io.Reader, out io.Writer) error {
	cfg, logger, err := setup(flags)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(cfg, logger, out)
	if err != nil {
		return err
	}
	defer app.Shutdown(5 * time.Second)

	if err := app.Start(signalCtx); err != nil {
		return err
	}

	return app.RunREPL(signalCtx, in)
}

func runOffline(ctx context.Context, flags globalFlags, fn func(*App) error) error {
	cfg, logger, err := setup(flags)
	if err != nil {
		return err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	app, err := NewApp(cfg, logger, io.Discard)
	if err != nil {
		return err
	}
	defer app.Shutdown(5 * time.Second)

	if err := app.OpenStore(ctx); err != nil {
		return err
	}
	return fn(app)
}
