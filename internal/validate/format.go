package validate

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"ecrecv/internal/model"

	"github.com/spf13/afero"
)

var errEdition = errors.New("unsupported edition")

var (
	magicGRIB  = []byte("GRIB")
	magicBUFR  = []byte("BUFR")
	endSection = []byte("7777")
)

// Format walks every GRIB (edition 1 or 2) or BUFR message in a file and
// checks its framing: magic, declared length inside the file, and the
// trailing 7777 marker.
type Format struct {
	fs afero.Fs
}

func NewFormat(fs afero.Fs) *Format {
	return &Format{fs: fs}
}

func (c *Format) Name() string {
	return "format"
}

func (c *Format) Check(ctx context.Context, path string) (model.Outcome, error) {
	f, err := c.fs.Open(path)
	if err != nil {
		return model.OutcomeUnreadable, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return model.OutcomeUnreadable, err
	}
	size := info.Size()
	if size == 0 {
		return model.OutcomeCorrupt, errors.New("empty file")
	}

	var (
		off      int64
		messages int
		header   = make([]byte, 16)
	)
	for off < size {
		if err := ctx.Err(); err != nil {
			return model.OutcomeUnreadable, err
		}

		if messages > 0 {
			// zero padding between messages is tolerated
			if off, err = skipZeros(f, off, size); err != nil {
				return model.OutcomeUnreadable, err
			}
			if off >= size {
				break
			}
		}

		n, err := f.ReadAt(header, off)
		if err != nil && !errors.Is(err, io.EOF) {
			return model.OutcomeUnreadable, err
		}
		head := header[:n]

		if len(head) < 4 || !(bytes.Equal(head[:4], magicGRIB) || bytes.Equal(head[:4], magicBUFR)) {
			if messages == 0 {
				return model.OutcomeUnsupported, fmt.Errorf("unknown magic %q", head[:min(4, len(head))])
			}
			return model.OutcomeCorrupt, fmt.Errorf("garbage after message %d at offset %d", messages, off)
		}

		length, err := messageLength(head)
		if errors.Is(err, errEdition) && messages == 0 {
			return model.OutcomeUnsupported, err
		}
		if err != nil {
			return model.OutcomeCorrupt, fmt.Errorf("message %d at offset %d: %w", messages+1, off, err)
		}
		if off+length > size {
			return model.OutcomeCorrupt, fmt.Errorf("message %d at offset %d truncated: length %d, %d bytes left",
				messages+1, off, length, size-off)
		}

		tail := make([]byte, 4)
		if _, err := f.ReadAt(tail, off+length-4); err != nil {
			return model.OutcomeUnreadable, err
		}
		if !bytes.Equal(tail, endSection) {
			return model.OutcomeCorrupt, fmt.Errorf("message %d at offset %d lacks end section", messages+1, off)
		}

		off += length
		messages++
	}

	return model.OutcomeValid, nil
}

// messageLength reads the total length of the message starting at head.
func messageLength(head []byte) (int64, error) {
	if len(head) < 8 {
		return 0, errors.New("short header")
	}
	edition := head[7]

	var length int64
	switch {
	case bytes.Equal(head[:4], magicGRIB) && edition == 2:
		if len(head) < 16 {
			return 0, errors.New("short GRIB2 header")
		}
		length = int64(binary.BigEndian.Uint64(head[8:16]))
	case bytes.Equal(head[:4], magicGRIB) && edition == 1,
		bytes.Equal(head[:4], magicBUFR) && edition >= 2 && edition <= 4:
		length = int64(head[4])<<16 | int64(head[5])<<8 | int64(head[6])
	default:
		return 0, fmt.Errorf("%s: %w %d", head[:4], errEdition, edition)
	}

	if length < 12 {
		return 0, fmt.Errorf("implausible length %d", length)
	}
	return length, nil
}

func skipZeros(r io.ReaderAt, off, size int64) (int64, error) {
	buf := make([]byte, 512)
	for off < size {
		n, err := r.ReadAt(buf, off)
		for i := 0; i < n; i++ {
			if buf[i] != 0 {
				return off + int64(i), nil
			}
		}
		off += int64(n)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return off, nil
			}
			return off, err
		}
	}
	return off, nil
}
