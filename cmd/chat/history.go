package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/devaloi/chatsync/internal/domain"
	"github.com/devaloi/chatsync/internal/store"
)

func newHistoryCommand(opts *rootOptions) *cobra.Command {
	var (
		asJSON bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print cached messages, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadCache()
			if err != nil {
				return err
			}
			s, err := store.NewSQLite(cfg.DBPath)
			if err != nil {
				return fmt.Errorf("open cache: %w", err)
			}
			defer s.Close()

			msgs, err := s.ScanAll(cmd.Context())
			if err != nil {
				return err
			}
			msgs = domain.NewestFirst(msgs)
			if limit > 0 && len(msgs) > limit {
				msgs = msgs[:limit]
			}

			out := cmd.OutOrStdout()
			if len(msgs) == 0 && !asJSON {
				fmt.Fprintln(out, "There are no messages yet")
				return nil
			}
			for _, m := range msgs {
				if asJSON {
					data, err := domain.Encode(m)
					if err != nil {
						return err
					}
					fmt.Fprintln(out, string(data))
					continue
				}
				fmt.Fprintln(out, formatMessage(m))
			}
			if !asJSON {
				fmt.Fprintf(out, "%s cached messages\n", humanize.Comma(int64(len(msgs))))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print one JSON object per line")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "print at most n messages")
	return cmd
}
