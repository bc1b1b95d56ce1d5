package merge

import (
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/require"

	"github.com/dm-thin/thin-merge-go/internal/blockio"
	"github.com/dm-thin/thin-merge-go/internal/pdata"
)

// memEngine is a tiny in-memory blockio.Engine for exercising the merge
// package's B-tree consumers without a real metadata device.
type memEngine struct {
	blocks       map[uint64][]byte
	batchSize    int
	nrBlocksHint uint64 // when nonzero, reported by GetNrBlocks instead of len(blocks)
}

func newMemEngine() *memEngine {
	return &memEngine{blocks: make(map[uint64][]byte), batchSize: 2}
}

func (e *memEngine) ReadBlock(block uint64) ([]byte, error) {
	data, ok := e.blocks[block]
	if !ok {
		return nil, errors.Newf("memEngine: no block %d", block)
	}
	return data, nil
}

func (e *memEngine) ReadMany(blocks []uint64) ([]blockio.Block, error) {
	out := make([]blockio.Block, len(blocks))
	for i, b := range blocks {
		data, err := e.ReadBlock(b)
		if err != nil {
			return nil, err
		}
		out[i] = blockio.Block{Number: b, Data: data}
	}
	return out, nil
}

func (e *memEngine) Write(b blockio.Block) error {
	e.blocks[b.Number] = b.Data
	return nil
}

func (e *memEngine) GetNrBlocks() uint64 {
	if e.nrBlocksHint != 0 {
		return e.nrBlocksHint
	}
	return uint64(len(e.blocks))
}
func (e *memEngine) GetBatchSize() int   { return e.batchSize }
func (e *memEngine) Close() error        { return nil }

func putLeaf(e *memEngine, block uint64, keys []uint64, values []pdata.BlockTime) {
	data := make([]byte, blockio.BlockSize)
	pdata.EncodeLeaf(data, block, 128, keys, values, pdata.BlockTimeCodec{})
	e.blocks[block] = data
}

func TestMappingIteratorCoalescesWithinAndAcrossLeaves(t *testing.T) {
	e := newMemEngine()
	// leaf 1: a run of 3 contiguous entries, then a disjoint single entry.
	putLeaf(e, 1,
		[]uint64{0, 1, 2, 10},
		[]pdata.BlockTime{{Block: 100, Time: 5}, {Block: 101, Time: 5}, {Block: 102, Time: 5}, {Block: 500, Time: 5}},
	)
	// leaf 2: continues the disjoint entry's run across the leaf boundary,
	// then an entry with a different time that must not coalesce.
	putLeaf(e, 2,
		[]uint64{11, 12},
		[]pdata.BlockTime{{Block: 501, Time: 5}, {Block: 900, Time: 9}},
	)

	it, err := NewMappingIterator(e, []uint64{1, 2})
	require.NoError(t, err)

	r, err := it.NextRange()
	require.NoError(t, err)
	require.Equal(t, &Range{Key: 0, Value: pdata.BlockTime{Block: 100, Time: 5}, Len: 3}, r)

	r, err = it.NextRange()
	require.NoError(t, err)
	require.Equal(t, &Range{Key: 10, Value: pdata.BlockTime{Block: 500, Time: 5}, Len: 2}, r)

	r, err = it.NextRange()
	require.NoError(t, err)
	require.Equal(t, &Range{Key: 12, Value: pdata.BlockTime{Block: 900, Time: 9}, Len: 1}, r)

	r, err = it.NextRange()
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestMappingIteratorSkipsEmptyLeaves(t *testing.T) {
	e := newMemEngine()
	putLeaf(e, 1, []uint64{0}, []pdata.BlockTime{{Block: 10, Time: 1}})
	putLeaf(e, 2, nil, nil)
	putLeaf(e, 3, []uint64{1}, []pdata.BlockTime{{Block: 11, Time: 1}})

	it, err := NewMappingIterator(e, []uint64{1, 2, 3})
	require.NoError(t, err)

	r, err := it.NextRange()
	require.NoError(t, err)
	require.Equal(t, &Range{Key: 0, Value: pdata.BlockTime{Block: 10, Time: 1}, Len: 2}, r)

	r, err = it.NextRange()
	require.NoError(t, err)
	require.Nil(t, r)
}

func TestCollectLeaves(t *testing.T) {
	e := newMemEngine()
	putLeaf(e, 5, []uint64{0}, []pdata.BlockTime{{Block: 1, Time: 0}})
	data := make([]byte, blockio.BlockSize)
	pdata.EncodeInternal(data, 9, 128, []uint64{0}, []uint64{5})
	e.blocks[9] = data

	leaves, err := CollectLeaves(e, 9)
	require.NoError(t, err)
	require.Equal(t, []uint64{5}, leaves)
}
