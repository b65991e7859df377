package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/hlsdl/internal/output"
	"github.com/tanq16/hlsdl/internal/utils"
)

func newCleanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Remove segments left behind by failed downloads",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			removed, err := utils.CleanTemp(cfg.TempDir, nil)
			if err != nil {
				output.PrintError(fmt.Sprintf("Error cleaning %s: %v", cfg.TempDir, err))
				os.Exit(1)
			}
			output.PrintSuccess(fmt.Sprintf("Removed %d temporary download(s) from %s", removed, cfg.TempDir))
		},
	}
}
