package dataset

import (
	"fmt"
	"strings"
	"time"

	"ecrecv/internal/model"
)

type Epoch string

const (
	EpochAnalysis Epoch = "analysis_start"
	EpochArrival  Epoch = "arrival_day"
)

// DeriveID picks a stable identifier for a provider file name using:
// 1) the analysis start time encoded in a dissemination name
// 2) the UTC day the file first arrived
//
// Redeliveries of the same product share an identifier either way, which is
// what lets the tracker and coordinator spot duplicates.
func DeriveID(name string, arrival time.Time) (model.ID, Epoch) {
	name = sanitize(name)
	if n, err := Parse(name, arrival); err == nil && !n.Start.IsZero() {
		return model.ID(fmt.Sprintf("%s@%d", name, n.Start.Unix())), EpochAnalysis
	}

	day := arrival.UTC().Truncate(24 * time.Hour)
	return model.ID(fmt.Sprintf("%s@%d", name, day.Unix())), EpochArrival
}

// NameOf returns the provider name part of an identifier.
func NameOf(id model.ID) string {
	s := string(id)
	if i := strings.LastIndexByte(s, '@'); i >= 0 {
		return s[:i]
	}
	return s
}

func sanitize(s string) string {
	// Keep it path-safe for the spool and object prefixes.
	s = strings.TrimSpace(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "\\", "_")
	return s
}
