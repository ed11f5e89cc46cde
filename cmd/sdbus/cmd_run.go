package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/user/sdbus/internal/runner"
	"github.com/user/sdbus/internal/types"
)

var (
	runSession string
	runName    string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&runSession, "session", "", "session id (default $SD_SESSION_ID, else a new id)")
	runCmd.Flags().StringVar(&runName, "name", "", "session name (default derived from the working directory)")
	// Everything after the command name belongs to the child.
	runCmd.Flags().SetInterspersed(false)
}

var runCmd = &cobra.Command{
	Use:   "run -- <command> [args...]",
	Short: "Run a command and stream its output into a session",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		cwd, _ := os.Getwd()
		sessionID := resolveSession(runSession)
		name := runName
		if name == "" {
			name = types.DefaultSessionName(cwd)
		}
		if _, err := newRegistry().Register(ctx, sessionID, name, cwd); err != nil {
			log.WithSession(string(sessionID)).Warn("failed to register session", zap.Error(err))
		}

		client := newClient(newEventLog())
		defer client.Close()

		code, err := runner.Run(ctx, client, sessionID, args[0], args[1:], runner.Options{
			Dir:    cwd,
			Stdout: cmd.OutOrStdout(),
			Stderr: cmd.ErrOrStderr(),
		})
		if err != nil {
			return err
		}
		if code != 0 {
			return &exitCodeError{code: code}
		}
		return nil
	},
}
