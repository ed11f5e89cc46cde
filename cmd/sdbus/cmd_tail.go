package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/sdbus/internal/bus"
	"github.com/user/sdbus/internal/types"
)

var (
	tailPoll     bool
	tailInterval time.Duration
)

func init() {
	rootCmd.AddCommand(tailCmd)
	tailCmd.Flags().BoolVar(&tailPoll, "poll", false, "follow the log file instead of the hub")
	tailCmd.Flags().DurationVar(&tailInterval, "interval", 0, "poll interval (default from config)")
}

var tailCmd = &cobra.Command{
	Use:   "tail [session-id]",
	Short: "Print a session's events as JSON lines, then follow it",
	Long: "Print every event of a session followed by live events. Without a\n" +
		"session id, $SD_SESSION_ID or the most recently active session is used.",
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sessionID, err := tailTarget(cmd.Context(), args)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		client := newClient(newEventLog())
		defer client.Close()

		onEvent := printEvent(cmd.OutOrStdout())
		interval := tailInterval
		if interval <= 0 {
			interval = cfg.Client.FollowInterval.Std()
		}

		if tailPoll || cfg.Hub.Disabled {
			err = client.Follow(ctx, sessionID, interval, onEvent)
		} else {
			err = client.Subscribe(ctx, sessionID, onEvent)
			if errors.Is(err, bus.ErrHubDisabled) {
				err = client.Follow(ctx, sessionID, interval, onEvent)
			}
		}
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func tailTarget(ctx context.Context, args []string) (types.SessionID, error) {
	if len(args) == 1 {
		return types.SessionID(args[0]), nil
	}
	if cfg.SessionID != "" {
		return types.SessionID(cfg.SessionID), nil
	}
	sessions, err := newRegistry().List(ctx, 1)
	if err != nil {
		return "", err
	}
	if len(sessions) == 0 {
		return "", fmt.Errorf("no session id given and no sessions registered")
	}
	return sessions[0].SessionID, nil
}

func printEvent(w io.Writer) func(*types.Event) {
	return func(event *types.Event) {
		data, err := json.Marshal(event)
		if err != nil {
			log.Debug("skipping unprintable event", zap.Error(err))
			return
		}
		fmt.Fprintln(w, string(data))
	}
}
