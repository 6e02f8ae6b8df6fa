package main

import (
	"encoding/json"
	"os"

	"ecrecv/internal/spool"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue-size QUEUE DEST",
	Short: "Print file counts and sizes of the spool and output directories as JSON",
	Args:  cobra.ExactArgs(2),
	// runs from metric collectors without a config
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		fs := afero.NewOsFs()

		queue, err := spool.QueueSize(fs, args[0])
		if err != nil {
			return err
		}
		dest, err := spool.QueueSize(fs, args[1])
		if err != nil {
			return err
		}

		return json.NewEncoder(os.Stdout).Encode(map[string]spool.QueueStats{
			"queue":       queue,
			"destination": dest,
		})
	},
}

func init() {
	rootCmd.AddCommand(queueCmd)
}
