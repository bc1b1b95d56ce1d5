package thin

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/dm-thin/thin-merge-go/internal/blockio"
	"github.com/dm-thin/thin-merge-go/internal/pdata"
)

// SuperblockLocation is the fixed block the pool superblock always lives
// at.
const SuperblockLocation uint64 = 0

const superblockSize = 200

// SMRoot is the packed summary of a space map's own on-disk state: how
// many blocks it tracks, how many are allocated, and the roots of its own
// bitmap/ref-count trees. The merge engine only ever reads the data space
// map's root to recover nr_data_blocks for the output superblock — it
// never touches ref counts (spec Non-goals).
type SMRoot struct {
	NrBlocks     uint64
	NrAllocated  uint64
	BitmapRoot   uint64
	RefCountRoot uint64
}

const smRootSize = 32

func unpackSMRoot(b []byte) SMRoot {
	return SMRoot{
		NrBlocks:     binary.LittleEndian.Uint64(b[0:8]),
		NrAllocated:  binary.LittleEndian.Uint64(b[8:16]),
		BitmapRoot:   binary.LittleEndian.Uint64(b[16:24]),
		RefCountRoot: binary.LittleEndian.Uint64(b[24:32]),
	}
}

func packSMRoot(r SMRoot, b []byte) {
	binary.LittleEndian.PutUint64(b[0:8], r.NrBlocks)
	binary.LittleEndian.PutUint64(b[8:16], r.NrAllocated)
	binary.LittleEndian.PutUint64(b[16:24], r.BitmapRoot)
	binary.LittleEndian.PutUint64(b[24:32], r.RefCountRoot)
}

// Superblock is the decoded pool superblock (spec section 3).
type Superblock struct {
	Version       uint32
	Time          uint32
	TransactionID uint64
	DataBlockSize uint32
	DataSMRoot    [smRootSize]byte
	MappingRoot   uint64
	DetailsRoot   uint64
	MetadataSnap  uint64 // 0 means "none"
}

// DataSpaceMapRoot unpacks the data space map's root, used to recover
// nr_data_blocks for the output superblock.
func (sb Superblock) DataSpaceMapRoot() SMRoot {
	return unpackSMRoot(sb.DataSMRoot[:])
}

// ReadSuperblock decodes the superblock at block, verifying its checksum.
func ReadSuperblock(r pdata.BlockReader, block uint64) (Superblock, error) {
	data, err := r.ReadBlock(block)
	if err != nil {
		return Superblock{}, errors.Wrapf(err, "thin: reading superblock at block %d", block)
	}
	if len(data) < superblockSize {
		return Superblock{}, errors.New("thin: superblock block is too small")
	}
	if err := pdata.VerifyChecksum(data); err != nil {
		return Superblock{}, errors.WithMessage(err, "thin: bad superblock checksum")
	}

	var sb Superblock
	off := 8 // skip checksum+flags, matching node header convention
	sb.Version = binary.LittleEndian.Uint32(data[off:])
	off += 4
	sb.Time = binary.LittleEndian.Uint32(data[off:])
	off += 4
	sb.TransactionID = binary.LittleEndian.Uint64(data[off:])
	off += 8
	sb.DataBlockSize = binary.LittleEndian.Uint32(data[off:])
	off += 4
	copy(sb.DataSMRoot[:], data[off:off+smRootSize])
	off += smRootSize
	sb.MappingRoot = binary.LittleEndian.Uint64(data[off:])
	off += 8
	sb.DetailsRoot = binary.LittleEndian.Uint64(data[off:])
	off += 8
	sb.MetadataSnap = binary.LittleEndian.Uint64(data[off:])

	return sb, nil
}

// WriteSuperblock encodes sb to block 0 of w.
func WriteSuperblock(w blockio.Engine, sb Superblock) error {
	data := make([]byte, blockio.BlockSize)
	off := 8
	binary.LittleEndian.PutUint32(data[off:], sb.Version)
	off += 4
	binary.LittleEndian.PutUint32(data[off:], sb.Time)
	off += 4
	binary.LittleEndian.PutUint64(data[off:], sb.TransactionID)
	off += 8
	binary.LittleEndian.PutUint32(data[off:], sb.DataBlockSize)
	off += 4
	copy(data[off:off+smRootSize], sb.DataSMRoot[:])
	off += smRootSize
	binary.LittleEndian.PutUint64(data[off:], sb.MappingRoot)
	off += 8
	binary.LittleEndian.PutUint64(data[off:], sb.DetailsRoot)
	off += 8
	binary.LittleEndian.PutUint64(data[off:], sb.MetadataSnap)

	pdata.WriteChecksum(data)
	return w.Write(blockio.Block{Number: SuperblockLocation, Data: data})
}
