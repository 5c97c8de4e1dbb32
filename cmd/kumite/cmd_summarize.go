package main

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"

	"github.com/spboyer/kumite/internal/models"
	"github.com/spboyer/kumite/internal/orchestration"
	"github.com/spboyer/kumite/internal/results"
	"github.com/spf13/cobra"
)

func newSummarizeCommand() *cobra.Command {
	var (
		scoreMode string
		write     bool
	)

	cmd := &cobra.Command{
		Use:   "summarize <result-file-or-dir>...",
		Short: "Recompute summaries for saved experiment files",
		Long: `Load saved experiment files and recompute their summaries from the
per-example results. Directories are searched (non-recursively) for
.json and .json.gz experiment files.

With --write the recomputed summary replaces the one stored in each file.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			paths, err := collectResultFiles(args)
			if err != nil {
				return err
			}
			if len(paths) == 0 {
				return fmt.Errorf("no experiment files found in %v", args)
			}

			rep := newReporter(cmd.OutOrStdout(), false)
			var experiments []*models.Experiment
			for _, path := range paths {
				exp, err := results.Load(path)
				if err != nil {
					return fmt.Errorf("%s: %w", path, err)
				}

				mode := exp.Config.Run.ScoreMode
				if cmd.Flags().Changed("score-mode") {
					mode = models.ScoreMode(scoreMode)
				}
				exp.Summary = orchestration.Summarize(exp.Results, mode)
				rep.printSummary(exp)

				if write {
					data, err := results.Encode(exp, isCompressed(path))
					if err != nil {
						return err
					}
					if err := os.WriteFile(path, data, 0o644); err != nil {
						return fmt.Errorf("writing %s: %w", path, err)
					}
					rep.printf("Updated: %s\n", path)
				}
				experiments = append(experiments, exp)
			}

			if len(experiments) > 1 {
				rep.printComparison(experiments)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&scoreMode, "score-mode", "", "Score used for avg_score: normalized or raw (default: as recorded)")
	cmd.Flags().BoolVar(&write, "write", false, "Write the recomputed summary back to each file")

	return cmd
}

// collectResultFiles expands directories into the experiment files they
// contain. Explicit file arguments are kept as given.
func collectResultFiles(args []string) ([]string, error) {
	var paths []string
	for _, arg := range args {
		info, err := os.Stat(arg)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			paths = append(paths, arg)
			continue
		}

		entries, err := os.ReadDir(arg)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", arg, err)
		}
		for _, e := range entries {
			if !e.IsDir() && results.IsResultFile(e.Name()) {
				paths = append(paths, filepath.Join(arg, e.Name()))
			}
		}
	}
	slices.Sort(paths)
	return slices.Compact(paths), nil
}

func isCompressed(path string) bool {
	return filepath.Ext(path) == ".gz"
}
