package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/hlsdl/internal/output"
	"github.com/tanq16/hlsdl/internal/task"
)

func newGetCmd() *cobra.Command {
	var name string

	cmd := &cobra.Command{
		Use:   "get [URL] [--name NAME]",
		Short: "Download an HLS stream and merge it into one file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			req := task.Request{
				URL:            args[0],
				DisplayName:    name,
				DestinationDir: cfg.Output,
			}
			if failed := runDownloads([]task.Request{req}); failed > 0 {
				output.PrintError("Download did not complete")
				os.Exit(1)
			}
		},
	}

	cmd.Flags().StringVarP(&name, "name", "n", "", "Output name without extension (default: manifest name)")
	return cmd
}
