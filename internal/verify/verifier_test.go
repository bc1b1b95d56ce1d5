package verify

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-thin/thin-merge-go/internal/thin"
	thinxml "github.com/dm-thin/thin-merge-go/internal/thin/xml"
)

func dumpXML(t *testing.T, sb thin.IRSuperblock, devices []thin.IRDevice, maps [][]thin.IRMap) []byte {
	var buf bytes.Buffer
	w := thinxml.NewWriter(&buf)
	_, err := w.SuperblockBegin(&sb)
	require.NoError(t, err)
	for i, d := range devices {
		_, err := w.DeviceBegin(&d)
		require.NoError(t, err)
		for _, m := range maps[i] {
			_, err := w.Map(&m)
			require.NoError(t, err)
		}
		_, err = w.DeviceEnd()
		require.NoError(t, err)
	}
	_, err = w.SuperblockEnd()
	require.NoError(t, err)
	_, err = w.EOF()
	require.NoError(t, err)
	return buf.Bytes()
}

func TestVerifyMergeResultsAcceptsCorrectMerge(t *testing.T) {
	sb := thin.IRSuperblock{Time: 1, Transaction: 9, DataBlockSize: 128, NrDataBlocks: 10000}

	before := dumpXML(t, sb,
		[]thin.IRDevice{
			{DevID: 0, MappedBlocks: 5, Transaction: 1, CreationTime: 10},
			{DevID: 1, MappedBlocks: 2, Transaction: 2, CreationTime: 20},
		},
		[][]thin.IRMap{
			{{ThinBegin: 0, DataBegin: 100, Len: 5, Time: 0}},
			{{ThinBegin: 2, DataBegin: 900, Len: 2, Time: 9}},
		},
	)

	after := dumpXML(t, sb,
		[]thin.IRDevice{
			{DevID: 0, MappedBlocks: 5, Transaction: 1, CreationTime: 10},
		},
		[][]thin.IRMap{
			{
				{ThinBegin: 0, DataBegin: 100, Len: 2, Time: 0},
				{ThinBegin: 2, DataBegin: 900, Len: 2, Time: 9},
				{ThinBegin: 4, DataBegin: 104, Len: 1, Time: 0},
			},
		},
	)

	err := VerifyMergeResults(bytes.NewReader(before), bytes.NewReader(after), 0, 1, false)
	require.NoError(t, err)
}

func TestVerifyMergeResultsRejectsWrongMapping(t *testing.T) {
	sb := thin.IRSuperblock{Time: 1, Transaction: 9, DataBlockSize: 128, NrDataBlocks: 10000}

	before := dumpXML(t, sb,
		[]thin.IRDevice{
			{DevID: 0, MappedBlocks: 5, Transaction: 1, CreationTime: 10},
			{DevID: 1, MappedBlocks: 2, Transaction: 2, CreationTime: 20},
		},
		[][]thin.IRMap{
			{{ThinBegin: 0, DataBegin: 100, Len: 5, Time: 0}},
			{{ThinBegin: 2, DataBegin: 900, Len: 2, Time: 9}},
		},
	)

	// missing the snapshot's override entirely; a correct merge must not
	// match this.
	after := dumpXML(t, sb,
		[]thin.IRDevice{
			{DevID: 0, MappedBlocks: 5, Transaction: 1, CreationTime: 10},
		},
		[][]thin.IRMap{
			{{ThinBegin: 0, DataBegin: 100, Len: 5, Time: 0}},
		},
	)

	err := VerifyMergeResults(bytes.NewReader(before), bytes.NewReader(after), 0, 1, false)
	require.Error(t, err)
}

func TestMergeMappingsMatchesRangeMergeIteratorCases(t *testing.T) {
	// an overlay strictly inside one base range; the expected output is
	// what internal/merge's RangeMergeIterator emits for the same inputs
	// (its case 3, then case 4), checked here through the independent
	// oracle.
	origin := []rangeMap{{ThinBegin: 0, DataBegin: 100, Len: 10, Time: 0}}
	snap := []rangeMap{{ThinBegin: 3, DataBegin: 900, Len: 2, Time: 5}}

	merged, mapped := mergeMappings(origin, snap)
	require.Equal(t, uint64(10), mapped)
	require.Equal(t, []rangeMap{
		{ThinBegin: 0, DataBegin: 100, Len: 3, Time: 0},
		{ThinBegin: 3, DataBegin: 900, Len: 2, Time: 5},
		{ThinBegin: 5, DataBegin: 105, Len: 5, Time: 0},
	}, merged)
}
