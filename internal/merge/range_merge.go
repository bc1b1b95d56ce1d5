package merge

import "github.com/cockroachdb/errors"

// RangeMergeIterator is the interval-merge state machine that overlays
// an overlay stream's ranges onto a base stream's, snapshot-wins (spec
// section 4.4). In a normal merge, base is the origin device and
// overlay is the snapshot; in rebase mode the caller swaps them before
// construction and the algorithm is unchanged.
type RangeMergeIterator struct {
	base    *MappingStream
	overlay *MappingStream
}

func NewRangeMergeIterator(base, overlay *MappingStream) *RangeMergeIterator {
	return &RangeMergeIterator{base: base, overlay: overlay}
}

func addOverflowCheck(a, b uint64) (uint64, error) {
	s := a + b
	if s < a {
		return 0, errors.New("merge: range arithmetic overflowed a uint64")
	}
	return s, nil
}

// NextRange emits the next range of the merged stream, or nil at end of
// both streams. Each call strictly shrinks the combined remaining
// length of base and overlay, so repeated calls terminate.
func (m *RangeMergeIterator) NextRange() (*Range, error) {
	for {
		ob, obOK := m.overlay.Peek()
		bb, bbOK := m.base.Peek()

		switch {
		case !obOK && !bbOK:
			return nil, nil
		case !obOK:
			r, err := m.base.ConsumeAll()
			return &r, err
		case !bbOK:
			r, err := m.overlay.ConsumeAll()
			return &r, err
		}

		b0, bl := bb.Key, bb.Len
		o0, ol := ob.Key, ob.Len

		baseEnd, err := addOverflowCheck(b0, bl)
		if err != nil {
			return nil, err
		}
		overlayEnd, err := addOverflowCheck(o0, ol)
		if err != nil {
			return nil, err
		}

		switch {
		case overlayEnd <= b0:
			// disjoint, overlay first.
			r, err := m.overlay.ConsumeAll()
			return &r, err

		case baseEnd <= o0:
			// disjoint, base first.
			r, err := m.base.ConsumeAll()
			return &r, err

		case b0 < o0:
			// overlap, base starts earlier: emit the base prefix that
			// precedes the overlay, then re-examine on the next call.
			r, err := m.base.Consume(o0 - b0)
			return &r, err

		case overlayEnd < baseEnd:
			// overlap, overlay ends before base: drop the overlaid
			// portion of base, then emit the whole overlay.
			if err := m.base.Skip(overlayEnd - b0); err != nil {
				return nil, err
			}
			r, err := m.overlay.Consume(ol)
			return &r, err

		default:
			// overlay covers base head-to-end-or-beyond: drop the
			// covered base range entirely and loop to re-examine,
			// since a single overlay range may cover several base
			// ranges in a row.
			if err := m.base.SkipAll(); err != nil {
				return nil, err
			}
		}
	}
}
