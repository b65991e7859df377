package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/tanq16/hlsdl/internal/output"
	"github.com/tanq16/hlsdl/internal/task"
	"gopkg.in/yaml.v3"
)

type BatchFile struct {
	Downloads []task.Request `yaml:"downloads"`
}

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch [YAML_FILE] [OPTIONS]",
		Short: "Process multiple downloads from a YAML file",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			reqs, err := readBatchFile(args[0])
			if err != nil {
				output.PrintError(err.Error())
				os.Exit(1)
			}
			if failed := runDownloads(reqs); failed > 0 {
				output.PrintError(fmt.Sprintf("%d of %d downloads did not complete", failed, len(reqs)))
				os.Exit(1)
			}
		},
	}
	return cmd
}

// readBatchFile loads the download list, skipping entries without a URL.
func readBatchFile(path string) ([]task.Request, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading YAML file: %w", err)
	}
	var batch BatchFile
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return nil, fmt.Errorf("error parsing YAML file: %w", err)
	}
	var reqs []task.Request
	for i, entry := range batch.Downloads {
		if strings.TrimSpace(entry.URL) == "" {
			output.PrintWarning(fmt.Sprintf("Entry %d has no url, skipping", i+1))
			continue
		}
		if entry.DestinationDir == "" {
			entry.DestinationDir = cfg.Output
		}
		reqs = append(reqs, entry)
	}
	if len(reqs) == 0 {
		return nil, fmt.Errorf("no valid downloads found in %s", path)
	}
	return reqs, nil
}
