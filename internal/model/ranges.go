package model

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Range is a half-open byte span [Start, End).
type Range struct {
	Start int64 `json:"start"`
	End   int64 `json:"end"`
}

func (r Range) Len() int64 {
	return r.End - r.Start
}

func (r Range) String() string {
	return fmt.Sprintf("%d-%d", r.Start, r.End)
}

// RangeSet is kept sorted, disjoint and merged: adjacent or overlapping
// spans are coalesced on insert.
type RangeSet []Range

// Add merges r into the set and reports whether coverage grew.
func (s *RangeSet) Add(r Range) bool {
	if r.End <= r.Start || r.Start < 0 {
		return false
	}
	before := s.Covered()

	cur := *s
	i := sort.Search(len(cur), func(i int) bool { return cur[i].End >= r.Start })
	j := i
	for j < len(cur) && cur[j].Start <= r.End {
		if cur[j].Start < r.Start {
			r.Start = cur[j].Start
		}
		if cur[j].End > r.End {
			r.End = cur[j].End
		}
		j++
	}

	out := make(RangeSet, 0, len(cur)-(j-i)+1)
	out = append(out, cur[:i]...)
	out = append(out, r)
	out = append(out, cur[j:]...)
	*s = out

	return s.Covered() != before
}

// Covered returns the number of bytes held by the set.
func (s RangeSet) Covered() int64 {
	var n int64
	for _, r := range s {
		n += r.Len()
	}
	return n
}

// Covers reports whether [0, size) is fully present.
func (s RangeSet) Covers(size int64) bool {
	if size == 0 {
		return true
	}
	return len(s) == 1 && s[0].Start == 0 && s[0].End >= size
}

// End returns the highest byte offset seen.
func (s RangeSet) End() int64 {
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1].End
}

func (s RangeSet) Clone() RangeSet {
	if s == nil {
		return nil
	}
	out := make(RangeSet, len(s))
	copy(out, s)
	return out
}

func (s RangeSet) String() string {
	parts := make([]string, len(s))
	for i, r := range s {
		parts[i] = r.String()
	}
	return strings.Join(parts, ",")
}

// ParseRangeSet reads the form produced by RangeSet.String.
func ParseRangeSet(s string) (RangeSet, error) {
	var out RangeSet
	if s == "" {
		return out, nil
	}
	for _, part := range strings.Split(s, ",") {
		a, b, ok := strings.Cut(part, "-")
		if !ok {
			return nil, fmt.Errorf("range %q: missing '-'", part)
		}
		start, err := strconv.ParseInt(a, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("range %q: %w", part, err)
		}
		end, err := strconv.ParseInt(b, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("range %q: %w", part, err)
		}
		out.Add(Range{Start: start, End: end})
	}
	return out, nil
}
