package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"ecrecv/internal/model"
	"ecrecv/internal/spool"
	"ecrecv/internal/tracker"

	"github.com/spf13/afero"
)

// ecwatch prints what the receiver would see in a spool directory, without
// tracking or validating anything.

type printer struct{}

func (printer) Observe(_ context.Context, id model.ID, ev tracker.Event) error {
	fmt.Printf("[%s] %s\n", id, ev)
	return nil
}

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: ecwatch DIR")
		os.Exit(2)
	}

	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	s := spool.New(afero.NewOsFs(), os.Args[1], printer{}, log)
	if err := s.Watch(ctx); err != nil {
		log.Error("Watch failed", slog.Any("error", err))
		os.Exit(1)
	}
}
