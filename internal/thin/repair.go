package thin

import (
	"github.com/cockroachdb/errors"
	"github.com/dm-thin/thin-merge-go/internal/pdata"
)

// IsSuperblockConsistent performs the sanity checks the orchestrator runs
// before trusting a superblock enough to walk its trees (spec section
// 4.6: "Validates superblock consistency via the external checker"). It
// does not walk the B-trees themselves — that's the job of the full
// `thin_check` tool this repo treats as an external collaborator — it
// only validates the superblock's own fields are self-consistent.
func IsSuperblockConsistent(sb Superblock, r pdata.BlockReader) error {
	if sb.DataBlockSize == 0 {
		return errors.WithMessage(ErrBadSuperblockChecksum, "thin: superblock has a zero data block size")
	}
	if sb.MappingRoot == 0 {
		return errors.WithMessage(ErrBadSuperblockChecksum, "thin: superblock has no mapping-tree root")
	}
	if sb.DetailsRoot == 0 {
		return errors.WithMessage(ErrBadSuperblockChecksum, "thin: superblock has no details-tree root")
	}
	// touch both roots so an unreadable root surfaces here rather than
	// mid-walk; the blocks are read but not decoded.
	if _, err := r.ReadBlock(sb.MappingRoot); err != nil {
		return errors.WithMessage(err, "thin: mapping-tree root is unreadable")
	}
	if _, err := r.ReadBlock(sb.DetailsRoot); err != nil {
		return errors.WithMessage(err, "thin: details-tree root is unreadable")
	}
	return nil
}
