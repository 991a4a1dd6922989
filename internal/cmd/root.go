// Package cmd implements the studiosync CLI.
package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pixelforge/studiosync/internal/config"
	"github.com/pixelforge/studiosync/internal/observability"
	"github.com/pixelforge/studiosync/pkg/studio"
	"github.com/pixelforge/studiosync/pkg/studioapi"
)

var rootCmd = &cobra.Command{
	Use:   "studiosync",
	Short: "Client for the image-generation studio backend",
	Long: `studiosync keeps a local mirror of generation jobs and results in
sync with a studio backend over a websocket push channel, with HTTP polling
as a fallback, and exposes the state on the command line.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var (
	flagConfigPath string
	flagServerURL  string
	flagPushURL    string
	flagVerbose    bool
)

// cfg is resolved once per invocation in the persistent pre-run.
var cfg *config.Config

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "Path to config file")
	rootCmd.PersistentFlags().StringVar(&flagServerURL, "server", "", "Backend base URL (overrides config)")
	rootCmd.PersistentFlags().StringVar(&flagPushURL, "push-url", "", "Push channel websocket URL (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, _ []string) error {
		observability.SetVerbose(flagVerbose)

		loaded, err := config.Load(cmd.Context(), flagConfigPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if flagServerURL != "" {
			loaded.API.BaseURL = flagServerURL
		}
		if flagPushURL != "" {
			loaded.Push.URL = flagPushURL
		}
		cfg = loaded
		return nil
	}
}

// Execute runs the CLI with signal-aware context cancellation.
func Execute() error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer observability.Sync()
	return rootCmd.ExecuteContext(ctx)
}

// newAPIClient builds the REST client from the resolved config.
func newAPIClient() (*studioapi.Client, error) {
	return studioapi.New(studioapi.Config{
		BaseURL:       cfg.API.BaseURL,
		APIPrefix:     cfg.API.Prefix,
		Timeout:       cfg.API.Timeout,
		RetryAttempts: cfg.API.RetryAttempts,
		RateLimit:     cfg.API.RateLimit,
		Logger:        observability.Component("api"),
	})
}

// newStudio builds the orchestrator with a stderr notifier. Extra options
// are appended after the defaults so callers can override them.
func newStudio(opts ...studio.Option) (*studio.Studio, error) {
	api, err := newAPIClient()
	if err != nil {
		return nil, err
	}

	notifier := studio.NotifierFunc(func(level studio.Level, message string) {
		logger := observability.CLILogger
		switch level {
		case studio.LevelError:
			logger.Error(message)
		case studio.LevelWarn:
			logger.Warn(message)
		default:
			logger.Info(message)
		}
	})

	all := append([]studio.Option{
		studio.WithNotifier(notifier),
		studio.WithLogger(observability.Component("studio")),
	}, opts...)

	return studio.New(studio.Config{
		PushURL:                  cfg.Push.URL,
		PushInitialBackoff:       cfg.Push.InitialBackoff,
		PushMaxBackoff:           cfg.Push.MaxBackoff,
		PushMaxReconnectAttempts: cfg.Push.MaxReconnectAttempts,
		PollInterval:             cfg.Poll.Interval,
		HistoryView:              cfg.Studio.HistoryView,
		StuckJobThreshold:        cfg.Studio.StuckJobThreshold,
		SystemStaleAfter:         cfg.Studio.SystemStaleAfter,
	}, api, all...), nil
}
