package pdata

import (
	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
)

// Every node's checksum covers the block after the 4-byte checksum field
// itself, salted so a zeroed block never looks valid.
const checksumSalt = 0x3141592653589793

// WriteChecksum recomputes and stores the checksum for a node block in
// place, matching EncodeLeaf's and the details-patch in-place update's
// need to re-checksum after mutating a single field.
func WriteChecksum(data []byte) {
	sum := computeChecksum(data)
	putUint32(data[0:4], sum)
}

// VerifyChecksum reports a corruption error if data's stored checksum does
// not match its contents.
func VerifyChecksum(data []byte) error {
	want := getUint32(data[0:4])
	got := computeChecksum(data)
	if want != got {
		return errors.Newf("pdata: checksum mismatch (stored %08x, computed %08x)", want, got)
	}
	return nil
}

func computeChecksum(data []byte) uint32 {
	h := xxhash.New()
	_, _ = h.Write(data[4:])
	sum := h.Sum64() ^ checksumSalt
	return uint32(sum)
}
