package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newCacheCommand(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Maintain the local message cache",
	}
	cmd.AddCommand(newCacheClearCommand(opts))
	cmd.AddCommand(newCacheInvalidateCommand(opts))
	return cmd
}

func newCacheClearCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Delete every cached message",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadCache()
			if err != nil {
				return err
			}
			eng, s, err := openEngine(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer s.Close()
			defer eng.Shutdown()

			if err := eng.ClearCache(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "cache cleared")
			return nil
		},
	}
}

func newCacheInvalidateCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate",
		Short: "Trim the cache to its capacity, keeping the newest messages",
		Long: `Trim the cache to CACHE_CAPACITY messages (200 by default).

Intended to be run daily by an external scheduler, e.g.

  0 3 * * * chat cache invalidate`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadCache()
			if err != nil {
				return err
			}
			eng, s, err := openEngine(cfg, newLogger(cfg))
			if err != nil {
				return err
			}
			defer s.Close()
			defer eng.Shutdown()

			n, err := eng.InvalidateCache(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "evicted %s messages\n", humanize.Comma(int64(n)))
			return nil
		},
	}
}
