package pdata

// BlockTimeCodec packs/unpacks the 8-byte BlockTime values stored in a
// mapping-tree leaf.
type BlockTimeCodec struct{}

func (BlockTimeCodec) Size() int { return 8 }

func (BlockTimeCodec) Encode(v BlockTime, dst []byte) {
	putUint64(dst, PackBlockTime(v))
}

func (BlockTimeCodec) Decode(src []byte) BlockTime {
	return UnpackBlockTime(getUint64(src))
}

// Uint64Codec packs/unpacks the plain 8-byte values used by the top-level
// device-id -> mapping-root and device-id -> details-root maps.
type Uint64Codec struct{}

func (Uint64Codec) Size() int { return 8 }

func (Uint64Codec) Encode(v uint64, dst []byte) { putUint64(dst, v) }
func (Uint64Codec) Decode(src []byte) uint64     { return getUint64(src) }
