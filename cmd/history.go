package cmd

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/tanq16/hlsdl/internal/output"
	"github.com/tanq16/hlsdl/internal/utils"
)

func newHistoryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "history [list|clear]",
		Short:     "Show or clear the list of completed downloads",
		Args:      cobra.MaximumNArgs(1),
		ValidArgs: []string{"list", "clear"},
		Run: func(cmd *cobra.Command, args []string) {
			ctx := context.Background()
			store := cfg.HistoryStore(ctx)
			if closer, ok := store.(io.Closer); ok {
				defer closer.Close()
			}
			action := "list"
			if len(args) == 1 {
				action = args[0]
			}
			switch action {
			case "clear":
				if err := store.Clear(ctx); err != nil {
					output.PrintError(fmt.Sprintf("Error clearing history: %v", err))
					os.Exit(1)
				}
				output.PrintSuccess("History cleared")
			case "list":
				records, err := store.List(ctx)
				if err != nil {
					output.PrintError(fmt.Sprintf("Error reading history: %v", err))
					os.Exit(1)
				}
				if len(records) == 0 {
					output.PrintInfo("No completed downloads yet")
					return
				}
				output.PrintHeader(fmt.Sprintf("%d completed download(s)", len(records)))
				for _, rec := range records {
					location := rec.FinalPath
					if st, err := os.Stat(rec.FinalPath); err == nil {
						location = fmt.Sprintf("%s (%s)", rec.FinalPath, utils.FormatBytes(uint64(st.Size())))
					}
					fmt.Printf("%s %s\n    %s\n", output.FSuccess(rec.CompletedAt.Local().Format("2006-01-02 15:04")), rec.DisplayName, output.FDebug(location))
				}
			default:
				output.PrintError(fmt.Sprintf("Unknown history action %q, use list or clear", action))
				os.Exit(1)
			}
		},
	}
	return cmd
}
