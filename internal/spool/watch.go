package spool

import (
	"context"
	"log/slog"
	"path/filepath"

	"ecrecv/internal/dataset"
	"ecrecv/internal/model"

	"github.com/fsnotify/fsnotify"
)

// Watch reports files written into the spool directory. Upstream writes
// name.tmp and renames it into place, then does the same for name.md5,
// whose arrival ends the transfer.
func (s *Spool) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(s.dir); err != nil {
		return err
	}
	s.log.Info("Watching spool", slog.String("dir", s.dir))

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			s.handle(ctx, ev)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			s.log.Error("Watcher error", slog.Any("error", err))
		}
	}
}

func (s *Spool) handle(ctx context.Context, ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if err := s.observePath(ctx, ev.Name); err != nil && ctx.Err() == nil {
		s.log.Error("Cannot report spool event", slog.String("event", ev.String()), slog.Any("error", err))
	}
}

func (s *Spool) observePath(ctx context.Context, path string) error {
	name := filepath.Base(path)
	switch {
	case dataset.IsTempPath(name):
		return nil
	case dataset.IsChecksumPath(name):
		data, err := dataset.DataPath(name)
		if err != nil {
			return err
		}
		return s.complete(ctx, data)
	}

	info, err := s.fs.Stat(path)
	if err != nil {
		// renamed away or removed since the event
		s.log.Debug("Spool file vanished", slog.String("path", path), slog.Any("error", err))
		return nil
	}
	if info.IsDir() || info.Size() == 0 {
		return nil
	}
	if s.stale(name) {
		s.log.Info("Stale copy waiting for refetch ignored", slog.String("name", name))
		return nil
	}
	return s.segment(ctx, name, 0, info.Size(), model.UnknownSize)
}
