package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRangeSetAdd(t *testing.T) {
	testCases := []struct {
		name   string
		add    []Range
		expect RangeSet
	}{
		{
			name:   "single",
			add:    []Range{{0, 10}},
			expect: RangeSet{{0, 10}},
		},
		{
			name:   "disjoint kept apart",
			add:    []Range{{20, 30}, {0, 10}},
			expect: RangeSet{{0, 10}, {20, 30}},
		},
		{
			name:   "adjacent coalesce",
			add:    []Range{{0, 10}, {10, 20}},
			expect: RangeSet{{0, 20}},
		},
		{
			name:   "overlap bridges gap",
			add:    []Range{{0, 5}, {10, 15}, {20, 25}, {3, 22}},
			expect: RangeSet{{0, 25}},
		},
		{
			name:   "contained is no-op",
			add:    []Range{{0, 100}, {10, 20}},
			expect: RangeSet{{0, 100}},
		},
		{
			name:   "empty and negative ignored",
			add:    []Range{{5, 5}, {-1, 3}, {4, 2}},
			expect: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var s RangeSet
			for _, r := range tc.add {
				s.Add(r)
			}
			assert.Equal(t, tc.expect, s)
		})
	}
}

func TestRangeSetAddReportsGrowth(t *testing.T) {
	var s RangeSet
	require.True(t, s.Add(Range{0, 10}))
	require.False(t, s.Add(Range{2, 8}))
	require.False(t, s.Add(Range{0, 10}))
	require.True(t, s.Add(Range{5, 12}))
	assert.Equal(t, int64(12), s.Covered())
}

func TestRangeSetCovers(t *testing.T) {
	var s RangeSet
	assert.True(t, s.Covers(0))
	assert.False(t, s.Covers(10))

	s.Add(Range{5, 10})
	assert.False(t, s.Covers(10))

	s.Add(Range{0, 5})
	assert.True(t, s.Covers(10))
	assert.False(t, s.Covers(11))
}

func TestParseRangeSet(t *testing.T) {
	var s RangeSet
	s.Add(Range{0, 10})
	s.Add(Range{20, 35})

	got, err := ParseRangeSet(s.String())
	require.NoError(t, err)
	assert.Equal(t, s, got)

	got, err = ParseRangeSet("")
	require.NoError(t, err)
	assert.Empty(t, got)

	_, err = ParseRangeSet("0-x")
	assert.Error(t, err)
	_, err = ParseRangeSet("17")
	assert.Error(t, err)
}
