// Package cmd is the cobra command surface wrapping the recovery library.
package cmd

import (
	"fmt"
	"os"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"github.com/SaneDevelopers/GhostFS/internal/config"
)

// Exit codes recommended for wrapping scripts.
const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

var (
	verbose   bool
	threshold float64
	cfg       *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ghostfs",
	Short: "Recover deleted files from XFS, Btrfs and exFAT disk images",
	Long: `ghostfs is a read-only forensic recovery tool for unmounted disk
images. It parses each filesystem's native structures, finds files that
were unlinked but whose data has not been overwritten, scores every
candidate by a confidence estimate, and can materialize selected
candidates with a full audit trail and hash manifest.

Commands:
  detect     Identify the filesystem in an image
  scan       Enumerate recoverable deleted files
  recover    Write selected candidates to an output directory
  sessions   Manage persisted scan sessions`,
	Version: "1.0.0",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load()
		if err != nil {
			return err
		}
		cfg = loaded
		level := loaded.LogLevel
		if verbose {
			level = "debug"
		}
		return log.SetLevel(level)
	},
}

// Execute runs the root command, mapping failures to the documented exit
// codes.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
	os.Exit(exitOK)
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().Float64VarP(&threshold, "threshold", "t", 0.5, "confidence threshold for recoverability")
}

// usageErr reports a usage problem and exits with the usage code.
func usageErr(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "Usage error: %s\n", fmt.Sprintf(format, args...))
	os.Exit(exitUsage)
}
