package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lfkvdb/lfkv"
)

func newCheckCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "check <path>",
		Short: "Open a store, replay its WAL, and report its recovered state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger()
			e, err := lfkv.Bootstrap(lfkv.Config{Path: args[0], Logger: logger})
			if err != nil {
				return fmt.Errorf("bootstrap: %w", err)
			}
			defer e.Close()

			stats := e.Stats()
			fmt.Printf("root page:        %d\n", stats.Root)
			fmt.Printf("free list head:   %d\n", stats.FreeListHead)
			fmt.Printf("next txid:        %d\n", stats.NextTxID)
			fmt.Printf("next commit ts:   %d\n", stats.NextCommitTS)
			fmt.Printf("last checkpoint:  %d\n", stats.LastCheckpoint)
			fmt.Printf("durable LSN:      %d\n", stats.DurableLSN)
			fmt.Printf("allocated pages:  %d\n", stats.AllocatedPages)
			fmt.Printf("wal dir:          %s\n", stats.WALDir)
			return nil
		},
	}
}
