// Package spool is the transport side of the daemon: it turns files landing
// in the spool directory, by local writes or HTTP uploads, into tracker
// events, and serves refetch requests by clearing stale files.
package spool

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ecrecv/internal/dataset"
	"ecrecv/internal/model"
	"ecrecv/internal/shardmap"
	"ecrecv/internal/tracker"

	"github.com/spf13/afero"
)

const (
	ModeWatch = "watch"
	ModeHTTP  = "http"
)

type Observer interface {
	Observe(ctx context.Context, id model.ID, ev tracker.Event) error
}

type Config struct {
	Dir    string `yaml:"dir"`
	Mode   string `yaml:"mode"`
	Listen string `yaml:"listen"`
}

type Spool struct {
	fs  afero.Fs
	dir string
	obs Observer

	// provider name -> identifier, fixed at first sight
	ids *shardmap.Map[model.ID]
	// names whose stale copy was removed, waiting for the new delivery
	refetch *shardmap.Map[time.Time]
	// names whose sidecar arrived before the data
	early *shardmap.Map[struct{}]

	now func() time.Time
	log *slog.Logger
}

func New(fs afero.Fs, dir string, obs Observer, log *slog.Logger) *Spool {
	return &Spool{
		fs:      fs,
		dir:     dir,
		obs:     obs,
		ids:     shardmap.New[model.ID](0),
		refetch: shardmap.New[time.Time](0),
		early:   shardmap.New[struct{}](0),
		now:     time.Now,
		log:     log.With(slog.String("stage", "spool")),
	}
}

// ID returns the identifier for a provider file name.
func (s *Spool) ID(name string) model.ID {
	var id model.ID
	s.ids.Update(name, func(cur model.ID, ok bool) (model.ID, bool) {
		if !ok {
			cur, _ = dataset.DeriveID(name, s.now())
		}
		id = cur
		return cur, true
	})
	return id
}

// Remember pins the identifier of a name restored from the store. A file
// waiting for a retry keeps waiting for its new delivery: copies older than
// the failure are stale, anything newer opens the next attempt.
func (s *Spool) Remember(rec model.FileTransfer) {
	s.ids.SetIfAbsent(rec.Name, rec.ID)
	if rec.State == model.StateRetryScheduled || rec.State == model.StateFailedRetry {
		s.refetch.SetIfAbsent(rec.Name, rec.UpdatedAt)
	}
}

// stale reports whether the copy of name in the spool predates a pending
// refetch.
func (s *Spool) stale(name string) bool {
	since, pending := s.refetch.Get(name)
	if !pending {
		return false
	}
	info, err := s.fs.Stat(s.path(name))
	return err == nil && info.ModTime().Before(since)
}

func (s *Spool) path(name string) string {
	return filepath.Join(s.dir, name)
}

func validName(name string) error {
	switch {
	case name == "", name == ".", name == "..":
		return errors.New("empty file name")
	case strings.ContainsAny(name, `/\`):
		return fmt.Errorf("file name %q contains a path separator", name)
	case dataset.IsTempPath(name), dataset.IsChecksumPath(name):
		return fmt.Errorf("file name %q has a reserved suffix", name)
	}
	return nil
}

// segment reports bytes [start,end) of name, opening a new attempt first
// when the name was refetched.
func (s *Spool) segment(ctx context.Context, name string, start, end, total int64) error {
	id := s.ID(name)
	path := s.path(name)

	if _, pending := s.refetch.Get(name); pending {
		s.refetch.Delete(name)
		s.log.Info("Refetched file arriving", slog.String("file", string(id)))
		if err := s.obs.Observe(ctx, id, tracker.NewAttempt(name, path)); err != nil {
			return err
		}
	}

	if err := s.obs.Observe(ctx, id, tracker.Segment(name, path, start, end, total)); err != nil {
		return err
	}

	if _, ok := s.early.Get(name); ok {
		s.early.Delete(name)
		return s.complete(ctx, name)
	}
	return nil
}

// complete reports that the sender signalled the end of name.
func (s *Spool) complete(ctx context.Context, name string) error {
	if _, err := s.fs.Stat(s.path(name)); errors.Is(err, fs.ErrNotExist) {
		s.log.Debug("Checksum before data, waiting", slog.String("name", name))
		s.early.Set(name, struct{}{})
		return nil
	}
	if s.stale(name) {
		s.log.Debug("Completion of stale copy ignored", slog.String("name", name))
		return nil
	}
	return s.obs.Observe(ctx, s.ID(name), tracker.Complete(name, s.path(name)))
}

// RequestRefetch drops the stale copy of a file so the next delivery of the
// same name starts a new attempt.
func (s *Spool) RequestRefetch(_ context.Context, id model.ID, path string) error {
	name := filepath.Base(path)
	if path == "" {
		name = dataset.NameOf(id)
	}

	if _, pending := s.refetch.Get(name); pending && !s.stale(name) {
		if ok, _ := afero.Exists(s.fs, s.path(name)); ok {
			// redelivered while the daemon was down; the scan reports it
			s.log.Info("Refetched copy already in spool", slog.String("file", string(id)), slog.String("name", name))
			return nil
		}
	}

	for _, p := range []string{s.path(name), dataset.ChecksumPath(s.path(name))} {
		if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: remove %s: %v", model.ErrTransport, p, err)
		}
	}
	s.early.Delete(name)
	s.refetch.Set(name, s.now())

	s.log.Warn("Refetch requested, waiting for upstream to deliver again", slog.String("file", string(id)), slog.String("name", name))
	return nil
}

type PendingRefetch struct {
	Name  string    `json:"name"`
	Since time.Time `json:"since"`
}

func (s *Spool) PendingRefetches() []PendingRefetch {
	var out []PendingRefetch
	s.refetch.Range(func(name string, since time.Time) bool {
		out = append(out, PendingRefetch{Name: name, Since: since})
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Run watches the spool in watch mode or serves uploads in http mode until
// ctx is done.
func (s *Spool) Run(ctx context.Context, cfg Config, status StatusFunc) error {
	switch cfg.Mode {
	case "", ModeWatch:
		if err := s.Scan(ctx); err != nil {
			return fmt.Errorf("scan spool: %w", err)
		}
		return s.Watch(ctx)
	case ModeHTTP:
		return Serve(ctx, cfg.Listen, s.Handler(status), s.log)
	}
	return fmt.Errorf("unknown spool mode %q", cfg.Mode)
}
