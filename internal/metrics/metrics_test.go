package metrics

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-thin/thin-merge-go/internal/merge"
)

type fakeSource struct {
	ranges []merge.Range
	pos    int
}

func (s *fakeSource) NextRange() (*merge.Range, error) {
	if s.pos >= len(s.ranges) {
		return nil, nil
	}
	r := s.ranges[s.pos]
	s.pos++
	return &r, nil
}

func TestCollectorWrapRecordsRangeLengths(t *testing.T) {
	c := NewCollector()
	wrapped := c.Wrap(&fakeSource{ranges: []merge.Range{
		{Key: 0, Len: 4},
		{Key: 10, Len: 6},
	}})

	for {
		r, err := wrapped.NextRange()
		require.NoError(t, err)
		if r == nil {
			break
		}
	}

	require.Equal(t, []float64{4, 6}, c.batchSizes)

	var buf bytes.Buffer
	require.NoError(t, c.DumpText(&buf))
	require.Contains(t, buf.String(), "thin_merge_ranges_emitted_total 2")
	require.Contains(t, buf.String(), "batch latency")
}
