package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/user/sdbus/internal/bus"
	"github.com/user/sdbus/internal/config"
	"github.com/user/sdbus/internal/state"
	"github.com/user/sdbus/pkg/logger"
)

var (
	cfgPath  string
	logLevel string

	cfg *config.Config
	log *logger.Logger
)

var rootCmd = &cobra.Command{
	Use:           "sdbus",
	Short:         "Session event bus for local developer tools",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if logLevel != "" {
			loaded.LogLevel = logLevel
		}
		if err := loaded.EnsureDirs(); err != nil {
			return err
		}

		l, err := logger.New(loaded.LogLevel)
		if err != nil {
			return fmt.Errorf("create logger: %w", err)
		}
		logger.SetGlobal(l)

		cfg, log = loaded, l
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if log != nil {
			_ = log.Sync()
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", config.DefaultPath(), "config file path (JSONC)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
}

// exitCodeError carries a child process exit code out of a command.
type exitCodeError struct {
	code int
}

func (e *exitCodeError) Error() string {
	return fmt.Sprintf("exit status %d", e.code)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		var exitErr *exitCodeError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newEventLog() *state.EventLog {
	opts := []state.EventLogOption{state.WithLogger(log)}
	if cfg.SessionFile != "" {
		opts = append(opts, state.WithPathOverride(cfg.SessionFile))
	}
	return state.NewEventLog(cfg.SessionsDir, opts...)
}

func newRegistry() *state.Registry {
	return state.NewRegistry(cfg.IndexPath(), log)
}

func newClient(events bus.EventLog) *bus.Client {
	var transport bus.Transport = bus.DisabledTransport{}
	if !cfg.Hub.Disabled {
		transport = bus.NewWebSocketTransport(cfg.Hub.URL)
	}
	return bus.NewClient(events,
		bus.WithTransport(transport),
		bus.WithLogger(log),
		bus.WithReconnectDelay(cfg.Client.ReconnectDelay.Std()),
		bus.WithSendTimeout(cfg.Client.SendTimeout.Std()),
	)
}
