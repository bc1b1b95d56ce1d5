package merge

import (
	"fmt"
	"strconv"
	"strings"
	"testing"

	"github.com/cockroachdb/datadriven"
	"github.com/stretchr/testify/require"

	"github.com/dm-thin/thin-merge-go/internal/pdata"
)

// parseRangeLine reads "key len block time" into a Range, the format the
// range_merge datadriven tests use for both input sections and expected
// output.
func parseRangeLine(t *testing.T, line string) Range {
	fields := strings.Fields(line)
	require.Len(t, fields, 4, "expected 'key len block time', got %q", line)
	key, err := strconv.ParseUint(fields[0], 10, 64)
	require.NoError(t, err)
	length, err := strconv.ParseUint(fields[1], 10, 64)
	require.NoError(t, err)
	block, err := strconv.ParseUint(fields[2], 10, 64)
	require.NoError(t, err)
	tm, err := strconv.ParseUint(fields[3], 10, 32)
	require.NoError(t, err)
	return Range{Key: key, Value: pdata.BlockTime{Block: block, Time: uint32(tm)}, Len: length}
}

// parseSections splits a datadriven input block into its "base" and
// "overlay" range lists.
func parseSections(t *testing.T, input string) (base, overlay []Range) {
	var cur *[]Range
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch line {
		case "base":
			cur = &base
			continue
		case "overlay":
			cur = &overlay
			continue
		}
		require.NotNil(t, cur, "range line %q before a base/overlay header", line)
		*cur = append(*cur, parseRangeLine(t, line))
	}
	return base, overlay
}

func formatRange(r Range) string {
	return fmt.Sprintf("%d %d %d %d\n", r.Key, r.Len, r.Value.Block, r.Value.Time)
}

func TestRangeMerge(t *testing.T) {
	datadriven.RunTest(t, "testdata/merge", func(d *datadriven.TestData) string {
		switch d.Cmd {
		case "merge":
			baseRanges, overlayRanges := parseSections(t, d.Input)
			base, err := NewMappingStream(&fakeSequence{ranges: baseRanges})
			require.NoError(t, err)
			overlay, err := NewMappingStream(&fakeSequence{ranges: overlayRanges})
			require.NoError(t, err)

			rm := NewRangeMergeIterator(base, overlay)
			var out strings.Builder
			for {
				r, err := rm.NextRange()
				require.NoError(t, err)
				if r == nil {
					break
				}
				out.WriteString(formatRange(*r))
			}
			return out.String()
		default:
			t.Fatalf("unknown command %q", d.Cmd)
			return ""
		}
	})
}
