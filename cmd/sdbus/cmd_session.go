package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/user/sdbus/internal/types"
)

var (
	sessionListLimit int
	sessionNewName   string
)

func init() {
	rootCmd.AddCommand(sessionCmd)
	sessionCmd.AddCommand(sessionListCmd, sessionNewCmd)
	sessionListCmd.Flags().IntVar(&sessionListLimit, "limit", 200, "maximum sessions to show")
	sessionNewCmd.Flags().StringVar(&sessionNewName, "name", "", "session name (default derived from the working directory)")
}

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Manage sessions",
}

var sessionListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sessions, most recently active first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		list, err := newRegistry().List(ctx, sessionListLimit)
		if err != nil {
			return fmt.Errorf("list sessions: %w", err)
		}

		out := cmd.OutOrStdout()
		if len(list) == 0 {
			fmt.Fprintln(out, "No sessions found.")
			return nil
		}

		events := newEventLog()
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tEVENTS\tUPDATED\tCWD")
		for _, s := range list {
			count, err := events.Count(ctx, s.SessionID)
			if err != nil {
				count = 0
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
				s.SessionID,
				s.Name,
				count,
				s.UpdatedAt.Local().Format("2006-01-02 15:04:05"),
				s.CWD,
			)
		}
		return w.Flush()
	},
}

var sessionNewCmd = &cobra.Command{
	Use:   "new",
	Short: "Register a new session and print its id",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cwd, _ := os.Getwd()
		name := sessionNewName
		if name == "" {
			name = types.DefaultSessionName(cwd)
		}
		session, err := newRegistry().Register(cmd.Context(), types.NewSessionID(), name, cwd)
		if err != nil {
			return fmt.Errorf("register session: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), session.SessionID)
		return nil
	},
}
