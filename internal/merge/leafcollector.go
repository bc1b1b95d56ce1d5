// Package merge implements the CORE of thin_merge: the algorithm and
// pipeline that overlay a snapshot device's range-mappings on top of its
// origin device's, and feed the result into a restore pipeline.
package merge

import (
	"github.com/cockroachdb/errors"
	"golang.org/x/exp/slices"

	"github.com/dm-thin/thin-merge-go/internal/pdata"
)

type collectLeaves struct {
	leaves []uint64
}

func (c *collectLeaves) Visit(_ pdata.KeyRange, block uint64) error {
	c.leaves = append(c.leaves, block)
	return nil
}

func (c *collectLeaves) VisitAgain(block uint64) error {
	c.leaves = append(c.leaves, block)
	return nil
}

func (c *collectLeaves) EndWalk() error { return nil }

// CollectLeaves walks root's mapping B-tree with a permissive space map
// (snapshots legitimately share nodes with their origin, spec section
// 4.1) and returns every leaf block address in key order.
func CollectLeaves(reader pdata.BlockReader, root uint64) ([]uint64, error) {
	sm := pdata.NewNoopSpaceMap(0)
	w := pdata.NewLeafWalker(reader, sm)
	v := &collectLeaves{}
	if err := w.Walk(root, v); err != nil {
		return nil, errors.Wrapf(err, "merge: collecting leaves under root %d", root)
	}
	// The no-op space map never reports a block as seen, so VisitAgain does
	// not fire here; a leaf that the tree references twice in a row (a
	// diamond-shaped share) is reported twice through Visit instead.
	// Leaves come out in key order, so a plain Compact folds such repeats.
	return slices.Compact(v.leaves), nil
}
