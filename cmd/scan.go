package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SaneDevelopers/GhostFS/internal/services"
	"github.com/SaneDevelopers/GhostFS/internal/session"
	"github.com/SaneDevelopers/GhostFS/internal/types"
)

var (
	scanFsType string
	scanSave   bool
)

var scanCmd = &cobra.Command{
	Use:   "scan <image>",
	Short: "Enumerate recoverable deleted files",
	Long: `Scan an image for deleted files. The filesystem is auto-detected
unless --fs names one of xfs, btrfs, exfat.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, ok := parseFsFlag(scanFsType)
		if !ok {
			usageErr("unknown filesystem %q (want xfs, btrfs or exfat)", scanFsType)
		}

		result, err := services.Scan(cmd.Context(), args[0], kind, threshold)
		if err != nil {
			return err
		}

		fmt.Printf("Session %s (%s)\n", result.ID, result.FsType)
		fmt.Printf("  %d candidates, %d recoverable (threshold %.2f, %s)\n",
			result.FilesFound, result.RecoverableFiles, result.ConfidenceThreshold, result.ScanDuration)
		for _, c := range result.Candidates {
			name := c.OriginalPath
			if name == "" {
				name = fmt.Sprintf("<unnamed %d>", c.NativeID)
			}
			marker := " "
			if c.IsRecoverable {
				marker = "*"
			}
			fmt.Printf("  %s [%4d] %-40s %8d bytes  conf %.2f\n", marker, c.ID, name, c.Size, c.Confidence)
		}

		if scanSave {
			store, err := session.Open(cfg.SessionStorePath)
			if err != nil {
				return err
			}
			defer store.Close()
			if err := store.Save(result); err != nil {
				return err
			}
			fmt.Printf("Saved session %s\n", result.ID)
		}
		return nil
	},
}

func parseFsFlag(s string) (types.FilesystemKind, bool) {
	switch s {
	case "", "auto":
		return "", true
	case "xfs":
		return types.FilesystemXFS, true
	case "btrfs":
		return types.FilesystemBtrfs, true
	case "exfat":
		return types.FilesystemExFAT, true
	default:
		return "", false
	}
}

func init() {
	rootCmd.AddCommand(scanCmd)
	scanCmd.Flags().StringVar(&scanFsType, "fs", "auto", "filesystem type (auto, xfs, btrfs, exfat)")
	scanCmd.Flags().BoolVar(&scanSave, "save", false, "persist the session to the session store")
}
