package copyutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"
)

// CopyAtomic copies src to dst through a temporary file that is synced and
// renamed into place, so readers of dst never see a partial file.
func CopyAtomic(afs afero.Fs, src, dst string) error {
	if err := afs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	tmp := dst + ".tmp"

	in, err := afs.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := afs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}

	_, copyErr := io.Copy(out, in)
	syncErr := out.Sync()
	closeErr := out.Close()

	if err := errors.Join(copyErr, syncErr, closeErr); err != nil {
		_ = afs.Remove(tmp)
		return err
	}

	if err := afs.Rename(tmp, dst); err != nil {
		_ = afs.Remove(tmp)
		return fmt.Errorf("rename tmp->final: %w", err)
	}
	return nil
}

// Move renames src to dst, falling back to copy and remove when they are on
// different devices. Moving a file that is already at dst is a no-op.
func Move(afs afero.Fs, src, dst string) error {
	if _, err := afs.Stat(src); errors.Is(err, fs.ErrNotExist) {
		if _, derr := afs.Stat(dst); derr == nil {
			return nil
		}
		return err
	}

	if err := afs.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}

	err := afs.Rename(src, dst)
	if err == nil || !errors.Is(err, syscall.EXDEV) {
		return err
	}

	if err := CopyAtomic(afs, src, dst); err != nil {
		return err
	}
	return afs.Remove(src)
}
