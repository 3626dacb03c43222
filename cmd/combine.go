package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tanq16/torboost/internal/config"
	"github.com/tanq16/torboost/internal/engine"
	"github.com/tanq16/torboost/internal/output"
	"github.com/tanq16/torboost/internal/utils"
)

func newCombineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "combine URL",
		Short: "Combine the chunks downloaded so far for a URL",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			cfg := loadConfig(cmd, args, true)
			defer closeLog()
			runCombine(cfg)
		},
	}
}

func runCombine(cfg *config.Config) {
	res, err := engine.CombineOnly(cfg)
	if err != nil {
		fatal("Combining chunks failed", err)
	}
	output.PrintSuccess(fmt.Sprintf("Saved %s (%s)", res.OutputPath, utils.FormatBytes(res.Size)))
}
