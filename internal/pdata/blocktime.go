// Package pdata decodes and encodes the on-disk B-tree nodes used by the
// thin-provisioning metadata format: fixed-width leaf/internal nodes with a
// checksummed header, walked the same way across every device's mapping
// tree and details tree.
package pdata

import "encoding/binary"

// BlockTime packs a data block number and a transaction time into the
// 64-bit value stored against each thin key in a mapping-tree leaf. The
// pool format steals the low 24 bits for the time and leaves the remaining
// 40 bits for the block number, but callers only ever see them unpacked.
type BlockTime struct {
	Block uint64
	Time  uint32
}

const timeMask = (uint64(1) << 24) - 1

// PackBlockTime folds a BlockTime into its 64-bit on-disk representation.
func PackBlockTime(bt BlockTime) uint64 {
	return (bt.Block << 24) | (uint64(bt.Time) & timeMask)
}

// UnpackBlockTime is the inverse of PackBlockTime.
func UnpackBlockTime(v uint64) BlockTime {
	return BlockTime{
		Block: v >> 24,
		Time:  uint32(v & timeMask),
	}
}

// Equal reports whether two BlockTime values carry the same block and time.
func (bt BlockTime) Equal(other BlockTime) bool {
	return bt.Block == other.Block && bt.Time == other.Time
}

func getUint64(b []byte) uint64 { return binary.LittleEndian.Uint64(b) }
func putUint64(b []byte, v uint64) { binary.LittleEndian.PutUint64(b, v) }
