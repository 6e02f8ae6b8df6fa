package main

import (
	"context"
	"fmt"
	"time"

	"ecrecv/internal/model"
	"ecrecv/internal/store"

	"github.com/spf13/cobra"
)

var purgeOlderThan time.Duration

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "Drop finished records older than a cutoff",
	RunE: func(cmd *cobra.Command, args []string) error {
		if purgeOlderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}

		st, err := store.Open(cfg.Store.Backend, cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		n, err := st.Purge(context.Background(), time.Now().Add(-purgeOlderThan), model.StateReady, model.StateFailedTerminal)
		if err != nil {
			return err
		}
		fmt.Printf("purged %d records\n", n)
		return nil
	},
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 72*time.Hour, "age of the records to drop")
	rootCmd.AddCommand(purgeCmd)
}
