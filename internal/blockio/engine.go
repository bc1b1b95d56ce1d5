// Package blockio implements the fixed-block-size IO engines the merge
// pipeline reads its B-trees through and writes its restored metadata
// device to. It mirrors the shape of pebble's vfs.FS/vfs.File split: a
// thin file abstraction underneath, and an Engine on top that knows about
// block numbers and batched reads.
package blockio

import "github.com/dm-thin/thin-merge-go/internal/pdata"

// BlockSize is the fixed block size of a thin-provisioning metadata
// device. Every superblock, B-tree node and details leaf occupies exactly
// one block.
const BlockSize = 4096

// DefaultBatchSize is the natural prefetch window MappingIterator reads
// ahead by when an engine doesn't report one of its own.
const DefaultBatchSize = 64

// Block is one fixed-size block read from or destined for a metadata
// device.
type Block struct {
	Number uint64
	Data   []byte
}

// Engine is the IO surface the merge engine depends on: batched,
// forward-only reads of the input device, and block writes to the output
// device. A single Engine value is shared read-only across the producer
// and consumer goroutines of the restore pipeline (spec section 5); only
// ReadBlock and ReadMany are called concurrently, and both must be safe for it.
type Engine interface {
	pdata.BlockReader

	ReadMany(blocks []uint64) ([]Block, error)
	Write(b Block) error
	GetNrBlocks() uint64
	GetBatchSize() int
	Close() error
}

// readBlockData reads a single block through Engine.ReadMany.
func readBlockData(e Engine, block uint64) ([]byte, error) {
	b, err := e.ReadMany([]uint64{block})
	if err != nil {
		return nil, err
	}
	return b[0].Data, nil
}
