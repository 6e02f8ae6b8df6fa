package spool

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"ecrecv/internal/dataset"

	"github.com/spf13/afero"
)

// Scan reports files that landed in the spool while the daemon was down:
// every data file as one segment, and its completion if the checksum
// sidecar is already there.
func (s *Spool) Scan(ctx context.Context) error {
	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}

	var names []string
	err := afero.Walk(s.fs, s.dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			if path != s.dir {
				return filepath.SkipDir
			}
			return nil
		}

		name := info.Name()
		if dataset.IsTempPath(name) || dataset.IsChecksumPath(name) {
			return nil
		}
		names = append(names, name)
		return nil
	})
	if err != nil {
		return err
	}

	sort.Strings(names)
	for _, name := range names {
		if err := s.observePath(ctx, s.path(name)); err != nil {
			return err
		}
		if ok, _ := afero.Exists(s.fs, dataset.ChecksumPath(s.path(name))); ok {
			if err := s.complete(ctx, name); err != nil {
				return err
			}
		}
	}

	s.log.Info("Spool scanned", slog.Int("files", len(names)))
	return nil
}
