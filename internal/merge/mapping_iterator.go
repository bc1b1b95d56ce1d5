package merge

import (
	"github.com/cockroachdb/errors"
	"github.com/dm-thin/thin-merge-go/internal/blockio"
	"github.com/dm-thin/thin-merge-go/internal/pdata"
)

// Range is one run of consecutive thin keys mapping to consecutive data
// blocks at a single time value (spec section 3, "Mapping (range)").
type Range struct {
	Key   uint64
	Value pdata.BlockTime
	Len   uint64
}

// End returns the exclusive end of the range's key interval.
func (r Range) End() uint64 { return r.Key + r.Len }

// MappingIterator streams a device's point mappings out of its leaf
// sequence in bounded prefetch batches and coalesces contiguous entries
// into runs (spec section 4.2). It never re-reads a block: batches are
// fetched strictly in the order leaves are consumed.
type MappingIterator struct {
	engine blockio.Engine
	leaves []uint64

	batchSize  int
	batchStart int
	batchNodes []pdata.Node[pdata.BlockTime]

	leafIdx  int
	entryIdx int
}

func NewMappingIterator(engine blockio.Engine, leaves []uint64) (*MappingIterator, error) {
	bs := engine.GetBatchSize()
	if bs <= 0 {
		bs = blockio.DefaultBatchSize
	}
	it := &MappingIterator{engine: engine, leaves: leaves, batchSize: bs, batchStart: -1}
	if len(leaves) > 0 {
		if err := it.loadBatch(0); err != nil {
			return nil, err
		}
	}
	return it, nil
}

func (it *MappingIterator) loadBatch(leafIdx int) error {
	start := (leafIdx / it.batchSize) * it.batchSize
	end := start + it.batchSize
	if end > len(it.leaves) {
		end = len(it.leaves)
	}
	blocks, err := it.engine.ReadMany(it.leaves[start:end])
	if err != nil {
		return errors.Wrap(err, "merge: reading leaf batch")
	}
	nodes := make([]pdata.Node[pdata.BlockTime], len(blocks))
	for i, b := range blocks {
		n, err := pdata.DecodeNode(b.Data, pdata.BlockTimeCodec{})
		if err != nil {
			return errors.Wrapf(err, "merge: decoding leaf block %d", b.Number)
		}
		nodes[i] = n
	}
	it.batchStart = start
	it.batchNodes = nodes
	return nil
}

func (it *MappingIterator) currentNode() (pdata.Node[pdata.BlockTime], error) {
	if it.leafIdx < it.batchStart || it.leafIdx >= it.batchStart+len(it.batchNodes) {
		if err := it.loadBatch(it.leafIdx); err != nil {
			return pdata.Node[pdata.BlockTime]{}, err
		}
	}
	return it.batchNodes[it.leafIdx-it.batchStart], nil
}

// skipEmpty advances past exhausted or empty leaves so current() always
// points at a real entry or end-of-stream.
func (it *MappingIterator) skipEmpty() error {
	for it.leafIdx < len(it.leaves) {
		node, err := it.currentNode()
		if err != nil {
			return err
		}
		if it.entryIdx < len(node.Keys) {
			return nil
		}
		it.leafIdx++
		it.entryIdx = 0
	}
	return nil
}

// current returns the point mapping the cursor sits on, or ok=false at
// end of stream.
func (it *MappingIterator) current() (key uint64, value pdata.BlockTime, ok bool, err error) {
	if err := it.skipEmpty(); err != nil {
		return 0, pdata.BlockTime{}, false, err
	}
	if it.leafIdx >= len(it.leaves) {
		return 0, pdata.BlockTime{}, false, nil
	}
	node, err := it.currentNode()
	if err != nil {
		return 0, pdata.BlockTime{}, false, err
	}
	return node.Keys[it.entryIdx], node.Values[it.entryIdx], true, nil
}

func (it *MappingIterator) step() {
	it.entryIdx++
}

// NextRange returns the next coalesced run, or nil at end of stream.
func (it *MappingIterator) NextRange() (*Range, error) {
	k0, v0, ok, err := it.current()
	if err != nil || !ok {
		return nil, err
	}
	length := uint64(1)
	it.step()

	for {
		k1, v1, ok, err := it.current()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		if k1 == k0+length && v1.Block == v0.Block+length && v1.Time == v0.Time {
			length++
			it.step()
			continue
		}
		break
	}

	return &Range{Key: k0, Value: v0, Len: length}, nil
}
