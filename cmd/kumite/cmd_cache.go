package main

import (
	"fmt"
	"path/filepath"

	"github.com/spboyer/kumite/internal/cache"
	"github.com/spboyer/kumite/internal/projectconfig"
	"github.com/spf13/cobra"
)

func newCacheCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the example result cache",
	}
	cmd.AddCommand(newCacheClearCommand())
	return cmd
}

func newCacheClearCommand() *cobra.Command {
	var cacheDir string

	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove all cached example results",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := cacheDir
			if !cmd.Flags().Changed("cache-dir") {
				proj, err := projectconfig.Load(".")
				if err != nil {
					return err
				}
				dir = proj.Cache.Dir
			}

			absDir, err := filepath.Abs(dir)
			if err != nil {
				return fmt.Errorf("resolving cache directory: %w", err)
			}
			if err := cache.New(absDir).Clear(); err != nil {
				return fmt.Errorf("failed to clear cache: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cache cleared: %s\n", absDir) //nolint:errcheck
			return nil
		},
	}

	cmd.Flags().StringVar(&cacheDir, "cache-dir", projectconfig.DefaultCacheDir, "Cache directory to clear")
	return cmd
}
