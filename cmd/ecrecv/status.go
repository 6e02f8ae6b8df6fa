package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"ecrecv/internal/model"
	"ecrecv/internal/store"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	statusStates []string
	statusJSON   bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "List transfer records from the state store",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := store.Open(cfg.Store.Backend, cfg.Store.Path)
		if err != nil {
			return err
		}
		defer st.Close()

		var states []model.State
		for _, s := range statusStates {
			state := model.State(s)
			if !state.Valid() {
				return fmt.Errorf("unknown state %q", s)
			}
			states = append(states, state)
		}

		recs, err := st.List(context.Background(), states...)
		if err != nil {
			return err
		}

		if statusJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(recs)
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSTATE\tATTEMPTS\tRECEIVED\tUPDATED\tLAST ERROR")
		for _, r := range recs {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
				r.ID, r.State, r.Attempts, humanize.IBytes(uint64(r.Ranges.Covered())),
				humanize.Time(r.UpdatedAt), r.LastError)
		}
		return w.Flush()
	},
}

func init() {
	statusCmd.Flags().StringSliceVar(&statusStates, "state", nil, "only records in these states")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print records as JSON")
	rootCmd.AddCommand(statusCmd)
}
