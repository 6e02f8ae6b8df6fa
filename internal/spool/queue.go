package spool

import (
	"os"
	"path/filepath"

	"ecrecv/internal/dataset"

	"github.com/spf13/afero"
)

// Counts tallies the files of one directory by kind.
type Counts struct {
	Data int `json:"data"`
	Tmp  int `json:"tmp"`
	MD5  int `json:"md5"`
}

type QueueStats struct {
	Count Counts `json:"count"`
	Size  int64  `json:"size"`
}

// QueueSize counts the files directly below dir and their total size. A
// missing directory is an empty queue.
func QueueSize(fs afero.Fs, dir string) (QueueStats, error) {
	var st QueueStats
	if ok, err := afero.DirExists(fs, dir); err != nil || !ok {
		return st, err
	}

	err := afero.Walk(fs, dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != dir {
				return filepath.SkipDir
			}
			return nil
		}

		switch name := info.Name(); {
		case dataset.IsTempPath(name):
			st.Count.Tmp++
		case dataset.IsChecksumPath(name):
			st.Count.MD5++
		default:
			st.Count.Data++
		}
		st.Size += info.Size()
		return nil
	})
	return st, err
}
