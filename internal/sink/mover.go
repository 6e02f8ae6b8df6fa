package sink

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"ecrecv/internal/copyutil"
	"ecrecv/internal/dataset"
	"ecrecv/internal/model"

	"github.com/spf13/afero"
)

// Mover moves the data file and its checksum sidecar into an output
// directory.
type Mover struct {
	fs  afero.Fs
	dir string
}

func NewMover(fs afero.Fs, dir string) *Mover {
	return &Mover{fs: fs, dir: dir}
}

func (m *Mover) Name() string {
	return "mover"
}

func (m *Mover) Accept(ctx context.Context, d *Delivery) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := filepath.Join(m.dir, filepath.Base(d.Path))
	if err := copyutil.Move(m.fs, d.Path, dst); err != nil {
		return fmt.Errorf("%w: move %s: %v", model.ErrDownstreamUnavailable, d.Path, err)
	}

	// data first: once it is in place a missing sidecar only costs the md5
	sidecar := dataset.ChecksumPath(d.Path)
	err := copyutil.Move(m.fs, sidecar, dataset.ChecksumPath(dst))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("%w: move %s: %v", model.ErrDownstreamUnavailable, sidecar, err)
	}

	d.Path = dst
	d.Locations = append(d.Locations, dst)
	return nil
}
