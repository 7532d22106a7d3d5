package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/SaneDevelopers/GhostFS/internal/services"
)

var detectCmd = &cobra.Command{
	Use:   "detect <image>",
	Short: "Identify the filesystem in an image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind, err := services.Detect(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", args[0], kind)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(detectCmd)
}
