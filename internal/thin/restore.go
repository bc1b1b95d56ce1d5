package thin

import (
	"github.com/cockroachdb/errors"
	"github.com/dm-thin/thin-merge-go/internal/blockio"
	"github.com/dm-thin/thin-merge-go/internal/pdata"
	"github.com/dm-thin/thin-merge-go/internal/report"
)

// nodeHeaderSize must match pdata's private constant of the same name;
// it is duplicated here only because the restorer needs it to size
// leaves before pdata.EncodeLeaf does the actual packing.
const nodeHeaderSize = 32

const (
	mappingEntrySize = 16 // BlockTime leaf: 8-byte key + 8-byte packed value
	detailEntrySize  = 32 // DeviceDetail leaf: 8-byte key + 24-byte value
	rootEntrySize    = 16 // top-level device-id -> root leaf: 8 + 8
)

func maxEntriesFor(entrySize int) int {
	return (blockio.BlockSize - nodeHeaderSize) / entrySize
}

// Restorer drives a WriteBatcher to build a fresh mapping B-tree, details
// leaf and superblock from a MetadataVisitor call sequence (spec section
// 4.5). It is the merge/dump pipeline's consumer-side collaborator: the
// producer emits IRMap ranges, the Restorer expands each into point
// (key, BlockTime) leaf entries and packs them into blocks.
type Restorer struct {
	wb     *WriteBatcher
	report *report.Report

	sb      IRSuperblock
	curDev  IRDevice
	keys    []uint64
	values  []pdata.BlockTime
	leaves  []childRef // (first key, block) of each flushed mapping leaf

	mappingRoot  uint64
	detailsRoot  uint64
	detailsBlock uint64 // block number of the (single-entry) details leaf, for the later in-place patch
}

type childRef struct {
	key   uint64
	block uint64
}

func NewRestorer(wb *WriteBatcher, rep *report.Report) *Restorer {
	return &Restorer{wb: wb, report: rep}
}

func (r *Restorer) SuperblockBegin(sb *IRSuperblock) (Visit, error) {
	r.sb = *sb
	return VisitContinue, nil
}

func (r *Restorer) DeviceBegin(d *IRDevice) (Visit, error) {
	r.curDev = *d
	r.keys = r.keys[:0]
	r.values = r.values[:0]
	r.leaves = r.leaves[:0]
	return VisitContinue, nil
}

func (r *Restorer) Map(m *IRMap) (Visit, error) {
	if m.Len == 0 {
		return VisitContinue, errors.New("thin: zero-length mapping reached the restorer")
	}
	for i := uint64(0); i < m.Len; i++ {
		r.keys = append(r.keys, m.ThinBegin+i)
		r.values = append(r.values, pdata.BlockTime{Block: m.DataBegin + i, Time: m.Time})
		if len(r.keys) == maxEntriesFor(mappingEntrySize) {
			if err := r.flushMappingLeaf(); err != nil {
				return VisitContinue, err
			}
		}
	}
	return VisitContinue, nil
}

func (r *Restorer) flushMappingLeaf() error {
	if len(r.keys) == 0 {
		return nil
	}
	block, err := r.wb.Alloc()
	if err != nil {
		return err
	}
	data := make([]byte, blockio.BlockSize)
	pdata.EncodeLeaf(data, block, uint32(maxEntriesFor(mappingEntrySize)), r.keys, r.values, pdata.BlockTimeCodec{})
	if err := r.wb.QueueWrite(blockio.Block{Number: block, Data: data}); err != nil {
		return err
	}
	r.leaves = append(r.leaves, childRef{key: r.keys[0], block: block})
	r.keys = r.keys[:0]
	r.values = r.values[:0]
	return nil
}

func (r *Restorer) DeviceEnd() (Visit, error) {
	if err := r.flushMappingLeaf(); err != nil {
		return VisitContinue, err
	}

	perDeviceRoot, err := r.buildIndex(r.leaves, maxEntriesFor(rootEntrySize))
	if err != nil {
		return VisitContinue, err
	}

	// The superblock's mapping root is a dev-id -> dev-mapping-root tree,
	// one level above the per-device tree built above. With a single
	// surviving device that top level is itself a single-entry leaf,
	// mirroring the details-tree wrapper below.
	topLevelKeys := []uint64{uint64(r.curDev.DevID)}
	topLevelValues := []uint64{perDeviceRoot}
	topLevelBlock, err := r.wb.Alloc()
	if err != nil {
		return VisitContinue, err
	}
	topLevelData := make([]byte, blockio.BlockSize)
	pdata.EncodeLeaf(topLevelData, topLevelBlock, uint32(maxEntriesFor(rootEntrySize)), topLevelKeys, topLevelValues, pdata.Uint64Codec{})
	if err := r.wb.QueueWrite(blockio.Block{Number: topLevelBlock, Data: topLevelData}); err != nil {
		return VisitContinue, err
	}
	r.mappingRoot = topLevelBlock

	detailsLeafKeys := []uint64{uint64(r.curDev.DevID)}
	detailsValues := []DeviceDetail{{
		MappedBlocks:    r.curDev.MappedBlocks,
		TransactionID:   r.curDev.Transaction,
		CreationTime:    r.curDev.CreationTime,
		SnapshottedTime: r.curDev.SnapTime,
	}}
	detailsBlock, err := r.wb.Alloc()
	if err != nil {
		return VisitContinue, err
	}
	data := make([]byte, blockio.BlockSize)
	pdata.EncodeLeaf(data, detailsBlock, uint32(maxEntriesFor(detailEntrySize)), detailsLeafKeys, detailsValues, DeviceDetailCodec{})
	if err := r.wb.QueueWrite(blockio.Block{Number: detailsBlock, Data: data}); err != nil {
		return VisitContinue, err
	}
	r.detailsBlock = detailsBlock

	// the top-level details tree has exactly one device in it, so its
	// root is this single leaf.
	r.detailsRoot = detailsBlock

	return VisitContinue, nil
}

// buildIndex folds a list of (firstKey, block) leaf references into a
// single-root tree, inserting internal levels as needed. If there is
// exactly one leaf, it is itself the root.
func (r *Restorer) buildIndex(children []childRef, maxEntries int) (uint64, error) {
	if len(children) == 0 {
		// an empty device still needs a root: an empty leaf.
		block, err := r.wb.Alloc()
		if err != nil {
			return 0, err
		}
		data := make([]byte, blockio.BlockSize)
		pdata.EncodeLeaf[pdata.BlockTime](data, block, uint32(maxEntriesFor(mappingEntrySize)), nil, nil, pdata.BlockTimeCodec{})
		if err := r.wb.QueueWrite(blockio.Block{Number: block, Data: data}); err != nil {
			return 0, err
		}
		return block, nil
	}
	if len(children) == 1 {
		return children[0].block, nil
	}

	level := children
	for len(level) > 1 {
		var next []childRef
		for start := 0; start < len(level); start += maxEntries {
			end := start + maxEntries
			if end > len(level) {
				end = len(level)
			}
			group := level[start:end]
			keys := make([]uint64, len(group))
			vals := make([]uint64, len(group))
			for i, c := range group {
				keys[i] = c.key
				vals[i] = c.block
			}
			block, err := r.wb.Alloc()
			if err != nil {
				return 0, err
			}
			data := make([]byte, blockio.BlockSize)
			pdata.EncodeInternal(data, block, uint32(maxEntries), keys, vals)
			if err := r.wb.QueueWrite(blockio.Block{Number: block, Data: data}); err != nil {
				return 0, err
			}
			next = append(next, childRef{key: keys[0], block: block})
		}
		level = next
	}
	return level[0].block, nil
}

func (r *Restorer) SuperblockEnd() (Visit, error) {
	return VisitContinue, nil
}

func (r *Restorer) EOF() (Visit, error) {
	return VisitContinue, r.wb.Flush()
}

// MappingRoot and DetailsRoot are valid once DeviceEnd has run; the
// orchestrator uses them to write the output superblock.
func (r *Restorer) MappingRoot() uint64  { return r.mappingRoot }
func (r *Restorer) DetailsRoot() uint64  { return r.detailsRoot }
func (r *Restorer) DetailsBlock() uint64 { return r.detailsBlock }
