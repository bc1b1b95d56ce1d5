package thin

import (
	"github.com/cockroachdb/errors"
	"github.com/dm-thin/thin-merge-go/internal/blockio"
)

// CoreMetadataSpaceMap is a bump allocator over the output device's free
// blocks. It tracks only metadata-block allocation for the freshly
// written B-tree — never data-block reference counts, matching the
// spec's Non-goal of not recomputing the data-space-map's ref counts.
type CoreMetadataSpaceMap struct {
	next     uint64
	nrBlocks uint64
}

// NewCoreMetadataSpaceMap reserves the first `reserved` blocks (the
// superblock and anything else the caller has already claimed) and hands
// out every block after that in order.
func NewCoreMetadataSpaceMap(nrBlocks, reserved uint64) *CoreMetadataSpaceMap {
	return &CoreMetadataSpaceMap{next: reserved, nrBlocks: nrBlocks}
}

func (sm *CoreMetadataSpaceMap) Alloc() (uint64, error) {
	if sm.next >= sm.nrBlocks {
		return 0, errors.Mark(
			errors.Newf("thin: output device exhausted at %d blocks", sm.nrBlocks),
			ErrOutOfMetadataSpace,
		)
	}
	b := sm.next
	sm.next++
	return b, nil
}

// WriteBatcher accumulates freshly allocated node blocks and flushes them
// to the output engine in fixed-size batches (spec section 5: "write
// batch = 32 nodes"). A flush still writes the batch one block at a time.
type WriteBatcher struct {
	engine    blockio.Engine
	sm        *CoreMetadataSpaceMap
	batchSize int
	pending   []blockio.Block
}

func NewWriteBatcher(engine blockio.Engine, sm *CoreMetadataSpaceMap, batchSize int) *WriteBatcher {
	return &WriteBatcher{engine: engine, sm: sm, batchSize: batchSize}
}

// Alloc reserves a fresh block number without writing anything to it yet.
func (wb *WriteBatcher) Alloc() (uint64, error) {
	return wb.sm.Alloc()
}

// QueueWrite stages a fully-encoded block for writing, flushing the batch
// once it reaches batchSize.
func (wb *WriteBatcher) QueueWrite(b blockio.Block) error {
	wb.pending = append(wb.pending, b)
	if len(wb.pending) >= wb.batchSize {
		return wb.Flush()
	}
	return nil
}

// Flush writes every staged block to the output engine.
func (wb *WriteBatcher) Flush() error {
	for _, b := range wb.pending {
		if err := wb.engine.Write(b); err != nil {
			return errors.Mark(err, ErrOutOfMetadataSpace)
		}
	}
	wb.pending = wb.pending[:0]
	return nil
}
