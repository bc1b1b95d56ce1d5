package pdata

import "github.com/cockroachdb/errors"

// nodeHeaderSize is the fixed header every leaf and internal node carries
// ahead of its key/value arrays: checksum, flags, the node's own block
// number (for self-consistency checking), entry counts and the packed
// value size.
const nodeHeaderSize = 32

const (
	flagLeaf     uint32 = 1
	flagInternal uint32 = 0
)

// NodeHeader is the fixed-size prefix of every on-disk B-tree node.
type NodeHeader struct {
	Checksum    uint32
	Flags       uint32
	BlockNr     uint64
	NrEntries   uint32
	MaxEntries  uint32
	ValueSize   uint32
}

func (h NodeHeader) IsLeaf() bool { return h.Flags&flagLeaf != 0 }

// ValueCodec packs and unpacks a leaf value to/from its fixed-width wire
// representation; every mapping-tree and details-tree value type has one.
type ValueCodec[V any] interface {
	Size() int
	Encode(v V, dst []byte)
	Decode(src []byte) V
}

// Node is a decoded B-tree node. Internal nodes are represented as
// Node[uint64], whose values are child block addresses; leaf nodes are
// Node[V] for whatever value type the tree holds (BlockTime for mapping
// trees, DeviceDetail for the details tree, uint64 for the top-level
// device-id -> root maps).
type Node[V any] struct {
	Header NodeHeader
	Keys   []uint64
	Values []V
}

// DecodeNode parses a raw block's bytes into a Node using codec for its
// value type. Values are read with codec.Size() as the stride; the
// header's ValueSize field is not checked. Internal nodes are rejected.
func DecodeNode[V any](data []byte, codec ValueCodec[V]) (Node[V], error) {
	var n Node[V]
	if len(data) < nodeHeaderSize {
		return n, errors.Newf("pdata: node block too small (%d bytes)", len(data))
	}
	if err := VerifyChecksum(data); err != nil {
		return n, err
	}

	h := NodeHeader{
		Checksum:   getUint32(data[0:4]),
		Flags:      getUint32(data[4:8]),
		BlockNr:    getUint64(data[8:16]),
		NrEntries:  getUint32(data[16:20]),
		MaxEntries: getUint32(data[20:24]),
		ValueSize:  getUint32(data[24:28]),
	}
	n.Header = h

	off := nodeHeaderSize
	keys := make([]uint64, h.NrEntries)
	for i := range keys {
		if off+8 > len(data) {
			return n, errors.Newf("pdata: truncated key array in block %d", h.BlockNr)
		}
		keys[i] = getUint64(data[off : off+8])
		off += 8
	}
	n.Keys = keys

	if h.IsLeaf() {
		vsize := codec.Size()
		values := make([]V, h.NrEntries)
		for i := range values {
			if off+vsize > len(data) {
				return n, errors.Newf("pdata: truncated value array in block %d", h.BlockNr)
			}
			values[i] = codec.Decode(data[off : off+vsize])
			off += vsize
		}
		n.Values = values
	} else {
		return n, errors.New("pdata: DecodeNode called on an internal node with a leaf codec")
	}

	return n, nil
}

// DecodeInternal parses a raw block as an internal node, whose values are
// always 8-byte child block addresses regardless of the tree's leaf value
// type.
func DecodeInternal(data []byte) (Node[uint64], error) {
	var n Node[uint64]
	if len(data) < nodeHeaderSize {
		return n, errors.Newf("pdata: node block too small (%d bytes)", len(data))
	}
	if err := VerifyChecksum(data); err != nil {
		return n, err
	}
	h := NodeHeader{
		Checksum:   getUint32(data[0:4]),
		Flags:      getUint32(data[4:8]),
		BlockNr:    getUint64(data[8:16]),
		NrEntries:  getUint32(data[16:20]),
		MaxEntries: getUint32(data[20:24]),
		ValueSize:  getUint32(data[24:28]),
	}
	if h.IsLeaf() {
		return n, errors.New("pdata: DecodeInternal called on a leaf node")
	}
	n.Header = h

	off := nodeHeaderSize
	keys := make([]uint64, h.NrEntries)
	values := make([]uint64, h.NrEntries)
	for i := range keys {
		keys[i] = getUint64(data[off : off+8])
		off += 8
	}
	for i := range values {
		values[i] = getUint64(data[off : off+8])
		off += 8
	}
	n.Keys = keys
	n.Values = values
	return n, nil
}

// IsLeafBlock peeks at a raw block's flags word without fully decoding it
// or verifying its checksum.
func IsLeafBlock(data []byte) (bool, error) {
	if len(data) < nodeHeaderSize {
		return false, errors.Newf("pdata: node block too small (%d bytes)", len(data))
	}
	return getUint32(data[4:8])&flagLeaf != 0, nil
}

// EncodeLeaf serializes a leaf node's keys/values into dst (which must be
// at least nodeHeaderSize + len(keys)*8 + len(keys)*codec.Size() bytes) and
// writes a fresh checksum. The block number and max-entries fields are
// supplied by the writer, which owns block allocation.
func EncodeLeaf[V any](dst []byte, blockNr uint64, maxEntries uint32, keys []uint64, values []V, codec ValueCodec[V]) {
	putUint32(dst[4:8], flagLeaf)
	putUint64(dst[8:16], blockNr)
	putUint32(dst[16:20], uint32(len(keys)))
	putUint32(dst[20:24], maxEntries)
	putUint32(dst[24:28], uint32(codec.Size()))

	off := nodeHeaderSize
	for _, k := range keys {
		putUint64(dst[off:off+8], k)
		off += 8
	}
	for _, v := range values {
		codec.Encode(v, dst[off:off+codec.Size()])
		off += codec.Size()
	}
	WriteChecksum(dst)
}

// EncodeInternal serializes an internal node's (key, child-block) pairs
// into dst and writes a fresh checksum.
func EncodeInternal(dst []byte, blockNr uint64, maxEntries uint32, keys []uint64, children []uint64) {
	putUint32(dst[4:8], flagInternal)
	putUint64(dst[8:16], blockNr)
	putUint32(dst[16:20], uint32(len(keys)))
	putUint32(dst[20:24], maxEntries)
	putUint32(dst[24:28], 8)

	off := nodeHeaderSize
	for _, k := range keys {
		putUint64(dst[off:off+8], k)
		off += 8
	}
	for _, c := range children {
		putUint64(dst[off:off+8], c)
		off += 8
	}
	WriteChecksum(dst)
}

func getUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
