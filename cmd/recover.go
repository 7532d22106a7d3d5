package cmd

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/SaneDevelopers/GhostFS/internal/forensics"
	"github.com/SaneDevelopers/GhostFS/internal/services"
	"github.com/SaneDevelopers/GhostFS/internal/session"
	"github.com/SaneDevelopers/GhostFS/internal/types"
)

var (
	recoverOutDir    string
	recoverIDs       []uint
	recoverForensics bool
	recoverSession   string
	recoverFsType    string
)

var recoverCmd = &cobra.Command{
	Use:   "recover <image>",
	Short: "Write selected candidates to an output directory",
	Long: `Recover deleted files from an image. Without --session a fresh scan
runs first; with --session the persisted scan is replayed. Without --id
every recoverable candidate is written.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if recoverOutDir == "" {
			usageErr("--dest is required")
		}

		var scanResult *types.RecoverySession
		if recoverSession != "" {
			id, err := uuid.Parse(recoverSession)
			if err != nil {
				usageErr("invalid session id %q", recoverSession)
			}
			store, err := session.Open(cfg.SessionStorePath)
			if err != nil {
				return err
			}
			defer store.Close()
			scanResult, err = store.Load(id)
			if err != nil {
				return err
			}
		} else {
			kind, ok := parseFsFlag(recoverFsType)
			if !ok {
				usageErr("unknown filesystem %q (want xfs, btrfs or exfat)", recoverFsType)
			}
			var err error
			scanResult, err = services.Scan(cmd.Context(), args[0], kind, threshold)
			if err != nil {
				return err
			}
		}

		fcfg := forensics.Config{}
		if recoverForensics {
			fcfg = forensics.FullForensics(recoverOutDir)
		}

		ids := make([]uint64, 0, len(recoverIDs))
		for _, id := range recoverIDs {
			ids = append(ids, uint64(id))
		}
		report, err := services.Recover(cmd.Context(), scanResult, recoverOutDir, ids, fcfg)
		if err != nil {
			return err
		}
		fmt.Printf("Recovered %d, partial %d, reconstructed %d, skipped %d, failed %d\n",
			report.Recovered, report.Partial, report.Reconstructed, report.Skipped, report.Failed)
		for _, f := range report.Files {
			line := fmt.Sprintf("  [%4d] %-13s %s", f.FileID, f.Status, f.OutputPath)
			if f.Error != "" {
				line += " (" + f.Error + ")"
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(recoverCmd)
	recoverCmd.Flags().StringVarP(&recoverOutDir, "dest", "d", "", "output directory (required)")
	recoverCmd.Flags().UintSliceVar(&recoverIDs, "id", nil, "candidate ids to recover (repeatable)")
	recoverCmd.Flags().BoolVar(&recoverForensics, "forensics", false, "enable audit log and hash manifest")
	recoverCmd.Flags().StringVar(&recoverSession, "session", "", "recover from a persisted session id")
	recoverCmd.Flags().StringVar(&recoverFsType, "fs", "auto", "filesystem type (auto, xfs, btrfs, exfat)")
}
