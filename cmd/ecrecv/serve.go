package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ecrecv/internal/metrics"
	"ecrecv/internal/pipeline"

	"github.com/google/uuid"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the receiver daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		log := cfg.Log.Logger(os.Stderr).With(slog.String("instance", uuid.NewString()))

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		m, err := metrics.New()
		if err != nil {
			return err
		}

		d, err := pipeline.New(ctx, cfg, pipeline.Env{
			Fs:      afero.NewOsFs(),
			Metrics: m,
			Log:     log,
		})
		if err != nil {
			return err
		}
		defer d.Close()

		log.Info("ecrecv starting",
			slog.String("spool", cfg.Spool.Dir),
			slog.String("output", cfg.Sink.OutputDir),
			slog.String("db", cfg.Store.Path))

		if err := d.Run(ctx); err != nil {
			log.Error("Receiver stopped", slog.Any("error", err))
			return err
		}
		log.Info("Receiver stopped")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
