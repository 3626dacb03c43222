package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanq16/torboost/internal/output"
	"github.com/tanq16/torboost/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean [URL]",
		Short: "Remove saved chunks for a URL, or all chunks and Tor data directories",
		Args:  cobra.MaximumNArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd, nil, false)
			defer closeLog()
			if len(args) == 1 {
				if err := utils.CleanSession(cfg.DownloadsDir, utils.URLHash(args[0])); err != nil {
					fatal("Error cleaning up chunks", err)
				}
				output.PrintSuccess("Chunks removed for " + args[0])
				return
			}
			removed, err := utils.CleanAll(cfg.DownloadsDir, cfg.WorkersDir)
			if err != nil {
				fatal("Error cleaning up temporary files", err)
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d chunk directories and Tor data", removed))
		},
	}
}
