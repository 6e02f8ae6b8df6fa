package hash

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"hash/crc32"
	"io"

	"github.com/spf13/afero"
)

// util package to compute the digests a dissemination file is checked and shipped with

type Result struct {
	Size   int64
	MD5    string
	SHA256 string
	CRC32C uint32
}

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func Compute(fs afero.Fs, path string) (Result, error) {
	f, err := fs.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	return ComputeReader(f)
}

func ComputeReader(r io.Reader) (Result, error) {
	m := md5.New()
	h := sha256.New()
	crc := crc32.New(castagnoli)

	// Copy once, update every digest
	n, err := io.Copy(io.MultiWriter(m, h, crc), r)
	if err != nil {
		return Result{}, err
	}

	return Result{
		Size:   n,
		MD5:    hex.EncodeToString(m.Sum(nil)),
		SHA256: hex.EncodeToString(h.Sum(nil)),
		CRC32C: crc.Sum32(),
	}, nil
}
