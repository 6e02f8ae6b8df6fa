package main

import (
	"fmt"
	"os"

	"ecrecv/internal/config"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	cfgFile string
	// flag defaults; the effective configuration is cfg
	flagCfg = config.Default()
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:           "ecrecv",
	Short:         "Receive, validate and hand over ECMWF dissemination files",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		// flags given on the command line win over the file and the environment
		over := pflag.NewFlagSet("overrides", pflag.ContinueOnError)
		config.BindFlags(over, &loaded)
		cmd.Flags().Visit(func(f *pflag.Flag) {
			if over.Lookup(f.Name) == nil || err != nil {
				return
			}
			err = over.Set(f.Name, f.Value.String())
		})
		if err != nil {
			return err
		}

		cfg = loaded
		return cfg.Validate()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "path to the YAML config file")
	config.BindFlags(rootCmd.PersistentFlags(), &flagCfg)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ecrecv:", err)
		os.Exit(1)
	}
}
