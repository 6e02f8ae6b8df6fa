package dataset

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	ChecksumSuffix = ".md5"
	TempSuffix     = ".tmp"

	blankStamp = "________"
	blankClock = "____"
)

var ErrInvalidFilename = errors.New("filename does not match dissemination format")

// Name holds the components of a dissemination file name such as
// BFS11120600111511001:
//
//	BF        stream definition name
//	S         stream use
//	11120600  analysis start time, MMDDHHMM
//	11151100  analysis end time, MMDDHHMM
//	1         dataset version
//
// The hour and minute may be "____" and a whole stamp may be "________".
type Name struct {
	Stream    string
	StreamUse string
	Start     time.Time // zero when blank
	End       time.Time // zero when blank
	Version   int
}

// Parse splits a dissemination file name. The year is not part of the name;
// it is taken from now, moved one year back or forward when the stamp's
// month is adjacent to now's month across a year boundary.
func Parse(filename string, now time.Time) (Name, error) {
	if len(filename) < 20 {
		return Name{}, fmt.Errorf("%w: %s", ErrInvalidFilename, filename)
	}

	start, err := parseStamp(filename[3:11], now)
	if err != nil {
		return Name{}, fmt.Errorf("%w: %s: %v", ErrInvalidFilename, filename, err)
	}
	end, err := parseStamp(filename[11:19], now)
	if err != nil {
		return Name{}, fmt.Errorf("%w: %s: %v", ErrInvalidFilename, filename, err)
	}
	version, err := strconv.Atoi(filename[19:])
	if err != nil {
		return Name{}, fmt.Errorf("%w: %s: version: %v", ErrInvalidFilename, filename, err)
	}

	return Name{
		Stream:    filename[0:2],
		StreamUse: filename[2:3],
		Start:     start,
		End:       end,
		Version:   version,
	}, nil
}

// Product is the stream name including its use letter.
func (n Name) Product() string {
	return n.Stream + n.StreamUse
}

func parseStamp(stamp string, now time.Time) (time.Time, error) {
	if stamp == blankStamp {
		return time.Time{}, nil
	}

	month, err := field(stamp[0:2], 1, 12)
	if err != nil {
		return time.Time{}, err
	}
	day, err := field(stamp[2:4], 1, 31)
	if err != nil {
		return time.Time{}, err
	}
	hour, minute := 0, 0
	if stamp[4:] != blankClock {
		if hour, err = field(stamp[4:6], 0, 23); err != nil {
			return time.Time{}, err
		}
		if minute, err = field(stamp[6:8], 0, 59); err != nil {
			return time.Time{}, err
		}
	}

	now = now.UTC()
	year := now.Year()
	for _, delta := range []int{-1, 1} {
		alt := time.Date(now.Year(), now.Month()+time.Month(delta), 1, 0, 0, 0, 0, time.UTC)
		if int(alt.Month()) == month {
			year = alt.Year()
		}
	}

	return time.Date(year, time.Month(month), day, hour, minute, 0, 0, time.UTC), nil
}

func field(s string, lo, hi int) (int, error) {
	v, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%q out of range %d..%d", s, lo, hi)
	}
	return v, nil
}

func IsChecksumPath(path string) bool {
	return strings.HasSuffix(path, ChecksumSuffix)
}

func IsTempPath(path string) bool {
	return strings.HasSuffix(path, TempSuffix)
}

// ChecksumPath returns the md5 sidecar that accompanies a data file.
func ChecksumPath(dataPath string) string {
	return dataPath + ChecksumSuffix
}

// DataPath returns the data file an md5 sidecar belongs to.
func DataPath(checksumPath string) (string, error) {
	if !IsChecksumPath(checksumPath) {
		return "", fmt.Errorf("cannot derive a data path from %s", checksumPath)
	}
	return strings.TrimSuffix(checksumPath, ChecksumSuffix), nil
}
