package thin

import (
	"strconv"

	"github.com/cockroachdb/errors"
)

// Sentinel errors marking the conditions spec section 7 names, so callers
// can tell them apart with errors.Is instead of string-matching error
// text. The cmd/thin_merge entrypoint prints errors as they are.
var (
	ErrBadSuperblockChecksum = errors.New("thin: bad superblock checksum")
	ErrNoMetadataSnap        = errors.New("thin: no current metadata snap")
	ErrOutOfMetadataSpace    = errors.New("thin: out of metadata space")
	ErrDeltaTooLarge         = errors.New("thin: delta too large")
)

// ErrMissingDevice reports that dev was not found in a device-id -> X map
// (the mapping-tree roots or the details tree), matching the original
// tool's "Unable to find mapping tree for the device <id>" diagnostic.
type ErrMissingDevice struct {
	Kind string // "mapping tree" or "details"
	Dev  uint64
}

func (e *ErrMissingDevice) Error() string {
	return "Unable to find " + e.Kind + " for the device " + strconv.FormatUint(e.Dev, 10)
}
