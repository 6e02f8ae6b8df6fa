package validate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"

	"ecrecv/internal/dataset"
	"ecrecv/internal/hash"
	"ecrecv/internal/model"

	"github.com/spf13/afero"
)

const md5HexLen = 32

// Checksum compares a data file against the MD5 in its .md5 sidecar.
type Checksum struct {
	fs       afero.Fs
	required bool
}

func NewChecksum(fs afero.Fs, required bool) *Checksum {
	return &Checksum{fs: fs, required: required}
}

func (c *Checksum) Name() string {
	return "md5"
}

func (c *Checksum) Check(ctx context.Context, path string) (model.Outcome, error) {
	expected, err := c.readSidecar(dataset.ChecksumPath(path))
	switch {
	case errors.Is(err, fs.ErrNotExist) && !c.required:
		return model.OutcomeValid, nil
	case errors.Is(err, model.ErrCorrupt):
		return model.OutcomeCorrupt, err
	case err != nil:
		return model.OutcomeUnreadable, err
	}

	if err := ctx.Err(); err != nil {
		return model.OutcomeUnreadable, err
	}

	sum, err := hash.Compute(c.fs, path)
	if err != nil {
		return model.OutcomeUnreadable, err
	}
	if sum.MD5 != expected {
		return model.OutcomeCorrupt, fmt.Errorf("md5sum mismatch: data=%s, control=%s", sum.MD5, expected)
	}
	return model.OutcomeValid, nil
}

func (c *Checksum) readSidecar(path string) (string, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	buf := make([]byte, md5HexLen)
	n, err := io.ReadFull(f, buf)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	if n < md5HexLen {
		return "", fmt.Errorf("%w: md5sum file is less than %d bytes", model.ErrCorrupt, md5HexLen)
	}
	return strings.ToLower(string(buf)), nil
}
