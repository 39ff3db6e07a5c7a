package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lfkvdb/lfkv"
)

func newCompactCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "compact <path>",
		Short: "Force one garbage-collection sweep and checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			e, err := lfkv.Bootstrap(lfkv.Config{Path: args[0], Logger: logger})
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			defer e.Close()

			stats, err := e.Compact(context.Background())
			if err != nil {
				return fmt.Errorf("compact: %w", err)
			}
			fmt.Printf("leaves scanned:   %d\n", stats.LeavesScanned)
			fmt.Printf("versions pruned:  %d\n", stats.VersionsPruned)
			fmt.Printf("entries dropped:  %d\n", stats.EntriesDropped)
			return nil
		},
	}
}
