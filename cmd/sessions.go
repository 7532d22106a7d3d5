package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/SaneDevelopers/GhostFS/internal/session"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Manage persisted scan sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := session.Open(cfg.SessionStorePath)
		if err != nil {
			return err
		}
		defer store.Close()

		sessions, err := store.List()
		if err != nil {
			return err
		}
		if len(sessions) == 0 {
			fmt.Println("No persisted sessions.")
			return nil
		}
		for _, s := range sessions {
			fmt.Printf("%s  %-6s %s  %d candidates (%d recoverable)\n",
				s.ID, s.FsType, s.CreatedAt.Format("2006-01-02 15:04:05"), s.FilesFound, s.RecoverableFiles)
		}
		return nil
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <session-id>",
	Short: "Delete a persisted session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			usageErr("invalid session id %q", args[0])
		}
		store, err := session.Open(cfg.SessionStorePath)
		if err != nil {
			return err
		}
		defer store.Close()
		return store.Delete(id)
	},
}

func init() {
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd, sessionsDeleteCmd)
}
