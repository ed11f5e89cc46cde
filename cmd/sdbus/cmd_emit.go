package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/sdbus/internal/types"
)

var (
	emitSession string
	emitSource  string
	emitPayload string
)

func init() {
	rootCmd.AddCommand(emitCmd)
	emitCmd.Flags().StringVar(&emitSession, "session", "", "session id (default $SD_SESSION_ID, else a new id)")
	emitCmd.Flags().StringVar(&emitSource, "source", "sd", "event source")
	emitCmd.Flags().StringVar(&emitPayload, "payload", "{}", "event payload as a JSON object")
}

var emitCmd = &cobra.Command{
	Use:   "emit <type>",
	Short: "Append an event to a session and publish it",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var payload map[string]any
		if err := json.Unmarshal([]byte(emitPayload), &payload); err != nil {
			return fmt.Errorf("payload must be a JSON object: %w", err)
		}

		sessionID := resolveSession(emitSession)
		client := newClient(newEventLog())
		defer client.Close()

		result := client.Emit(cmd.Context(), sessionID, args[0], emitSource, payload)
		if result.PersistErr != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "warning: event not persisted: %v\n", result.PersistErr)
		}

		out, err := json.Marshal(result.Event)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

// resolveSession picks the flag value, then SD_SESSION_ID, then a new id.
func resolveSession(flag string) types.SessionID {
	if flag != "" {
		return types.ResolveSessionID(flag)
	}
	return types.ResolveSessionID(cfg.SessionID)
}
