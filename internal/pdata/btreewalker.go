package pdata

import "github.com/cockroachdb/errors"

// BlockReader is the minimal read surface the leaf walker needs; the
// concrete implementation lives in internal/blockio and is shared
// read-only across the producer and consumer goroutines of the restore
// pipeline.
type BlockReader interface {
	ReadBlock(block uint64) ([]byte, error)
}

// LeafVisitor receives every leaf block address the walker finds, in key
// order.
type LeafVisitor interface {
	Visit(kr KeyRange, block uint64) error
	VisitAgain(block uint64) error
	EndWalk() error
}

// SpaceMap is the ref-count collaborator the real B-tree walker consults
// to avoid re-descending into a subtree it has already charged. The merge
// engine only needs a permissive stand-in: snapshots legitimately share
// nodes with their origin, and a single device's own tree is walked once
// per LeafCollector call, so there is nothing to deduplicate here.
type SpaceMap interface {
	Seen(block uint64) bool
	MarkSeen(block uint64)
}

// NoopSpaceMap never rejects a visit. It exists so LeafWalker has the same
// shape as the real tool's, which plugs in a ref-counted space map for
// other walks; thin-merge's leaf collection pass never needs to skip a
// previously-visited block.
type NoopSpaceMap struct{ nrBlocks uint64 }

func NewNoopSpaceMap(nrBlocks uint64) *NoopSpaceMap { return &NoopSpaceMap{nrBlocks: nrBlocks} }
func (*NoopSpaceMap) Seen(uint64) bool              { return false }
func (*NoopSpaceMap) MarkSeen(uint64)               {}

// LeafWalker descends a mapping or details B-tree from its root, calling
// visitor.Visit for every leaf in key order. It does not decode leaf
// values — only enough of each node's header and key array to find its
// children or report its key range — so it works identically for mapping
// trees, details trees and the top-level device-id maps.
type LeafWalker struct {
	Reader BlockReader
	SM     SpaceMap
}

func NewLeafWalker(reader BlockReader, sm SpaceMap) *LeafWalker {
	return &LeafWalker{Reader: reader, SM: sm}
}

// Walk descends from root, visiting every leaf exactly once (or twice, via
// VisitAgain, if the space map reports it as already seen).
func (w *LeafWalker) Walk(root uint64, visitor LeafVisitor) error {
	if err := w.walk(root, KeyRange{}, visitor); err != nil {
		return err
	}
	return visitor.EndWalk()
}

func (w *LeafWalker) walk(block uint64, kr KeyRange, visitor LeafVisitor) error {
	data, err := w.Reader.ReadBlock(block)
	if err != nil {
		return errors.Wrapf(err, "pdata: reading node block %d", block)
	}

	header, keys, children, err := peekNode(data)
	if err != nil {
		return errors.Wrapf(err, "pdata: decoding node block %d", block)
	}

	if header.IsLeaf() {
		if w.SM.Seen(block) {
			return visitor.VisitAgain(block)
		}
		w.SM.MarkSeen(block)
		return visitor.Visit(kr, block)
	}

	for i, child := range children {
		childKR := KeyRange{Start: keys[i], End: kr.End}
		if i+1 < len(keys) {
			end := keys[i+1]
			childKR.End = &end
		}
		if err := w.walk(child, childKR, visitor); err != nil {
			return err
		}
	}
	return nil
}

// peekNode reads just the header and key array of a node, plus child
// block addresses if it is internal. It never needs the leaf value codec.
func peekNode(data []byte) (NodeHeader, []uint64, []uint64, error) {
	if len(data) < nodeHeaderSize {
		return NodeHeader{}, nil, nil, errors.Newf("pdata: node block too small (%d bytes)", len(data))
	}
	if err := VerifyChecksum(data); err != nil {
		return NodeHeader{}, nil, nil, err
	}
	h := NodeHeader{
		Checksum:   getUint32(data[0:4]),
		Flags:      getUint32(data[4:8]),
		BlockNr:    getUint64(data[8:16]),
		NrEntries:  getUint32(data[16:20]),
		MaxEntries: getUint32(data[20:24]),
		ValueSize:  getUint32(data[24:28]),
	}

	off := nodeHeaderSize
	keys := make([]uint64, h.NrEntries)
	for i := range keys {
		if off+8 > len(data) {
			return h, nil, nil, errors.Newf("pdata: truncated key array in block %d", h.BlockNr)
		}
		keys[i] = getUint64(data[off : off+8])
		off += 8
	}

	if h.IsLeaf() {
		return h, keys, nil, nil
	}

	children := make([]uint64, h.NrEntries)
	for i := range children {
		if off+8 > len(data) {
			return h, nil, nil, errors.Newf("pdata: truncated child array in block %d", h.BlockNr)
		}
		children[i] = getUint64(data[off : off+8])
		off += 8
	}
	return h, keys, children, nil
}

// BtreeToMap walks a top-level device-id -> value B-tree (used for both
// the mapping-tree root map and the details-tree map) and collects every
// (key, value) pair into an in-memory map. It decodes full leaves since
// the caller needs the values, unlike the leaf-address-only LeafWalker.
func BtreeToMap[V any](reader BlockReader, root uint64, codec ValueCodec[V]) (map[uint64]V, error) {
	out := make(map[uint64]V)
	var walk func(block uint64) error
	walk = func(block uint64) error {
		data, err := reader.ReadBlock(block)
		if err != nil {
			return errors.Wrapf(err, "pdata: reading node block %d", block)
		}
		header, keys, children, err := peekNode(data)
		if err != nil {
			return err
		}
		if !header.IsLeaf() {
			for _, child := range children {
				if err := walk(child); err != nil {
					return err
				}
			}
			return nil
		}
		leaf, err := DecodeNode(data, codec)
		if err != nil {
			return err
		}
		for i, k := range keys {
			out[k] = leaf.Values[i]
		}
		return nil
	}
	if err := walk(root); err != nil {
		return nil, err
	}
	return out, nil
}
