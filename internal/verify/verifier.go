// Package verify is an independent check on a merge result: it re-derives
// the expected merged mapping set directly from a before/after XML dump
// pair using its own interval-merge implementation, deliberately kept
// separate from internal/merge's RangeMergeIterator so the two can't share
// a bug (spec section 8). Its only callers are this package's tests; the
// "thin_merge check" subcommand does not use it.
package verify

import (
	"io"

	"github.com/cockroachdb/errors"

	"github.com/dm-thin/thin-merge-go/internal/thin"
	thinxml "github.com/dm-thin/thin-merge-go/internal/thin/xml"
)

// rangeMap is this package's own copy of an (origin, data, len, time)
// mapping, independent of internal/merge.Range.
type rangeMap struct {
	ThinBegin uint64
	DataBegin uint64
	Time      uint32
	Len       uint64
}

func (m rangeMap) isEmpty() bool { return m.Len == 0 }
func (m rangeMap) end() uint64   { return m.ThinBegin + m.Len }

func (m *rangeMap) merge(rhs rangeMap) bool {
	if rhs.ThinBegin == m.ThinBegin+m.Len && rhs.DataBegin == m.DataBegin+m.Len && rhs.Time == m.Time {
		m.Len += rhs.Len
		return true
	}
	return false
}

// split divides m at key, returning the (possibly empty) portions before
// and from key onward.
func (m rangeMap) split(key uint64) (rangeMap, rangeMap) {
	if key <= m.ThinBegin {
		return rangeMap{}, m
	}
	if key >= m.ThinBegin+m.Len {
		return m, rangeMap{}
	}
	lhs := rangeMap{ThinBegin: m.ThinBegin, DataBegin: m.DataBegin, Time: m.Time, Len: key - m.ThinBegin}
	rhs := rangeMap{ThinBegin: key, DataBegin: m.DataBegin + lhs.Len, Time: m.Time, Len: m.Len - lhs.Len}
	return lhs, rhs
}

func endsBeforeStarted(a, b rangeMap) bool { return a.ThinBegin+a.Len <= b.ThinBegin }
func intersectsTail(a, b rangeMap) bool    { return a.ThinBegin < b.ThinBegin }
func intersectsHead(a, b rangeMap) bool    { return a.ThinBegin+a.Len < b.ThinBegin+b.Len }

// pushCompact appends src to dest, coalescing it into the last entry when
// adjacent. XML dumps and merge output are not guaranteed to be maximally
// compacted, so every consumer of a mapping list needs this.
func pushCompact(dest []rangeMap, src rangeMap) []rangeMap {
	if n := len(dest); n > 0 && dest[n-1].merge(src) {
		return dest
	}
	return append(dest, src)
}

// metadata is the flattened, in-memory form of a parsed XML dump: superblock
// plus a mapping list per device id.
type metadata struct {
	sb       thin.IRSuperblock
	devices  map[uint32]thin.IRDevice
	mappings map[uint32][]rangeMap

	curDev  thin.IRDevice
	hasCur  bool
	curMaps []rangeMap
}

func newMetadata() *metadata {
	return &metadata{devices: make(map[uint32]thin.IRDevice), mappings: make(map[uint32][]rangeMap)}
}

func (m *metadata) SuperblockBegin(sb *thin.IRSuperblock) (thin.Visit, error) {
	m.sb = *sb
	return thin.VisitContinue, nil
}

func (m *metadata) SuperblockEnd() (thin.Visit, error) { return thin.VisitContinue, nil }

func (m *metadata) DeviceBegin(d *thin.IRDevice) (thin.Visit, error) {
	m.curDev = *d
	m.hasCur = true
	m.curMaps = nil
	return thin.VisitContinue, nil
}

func (m *metadata) DeviceEnd() (thin.Visit, error) {
	if !m.hasCur {
		return thin.VisitContinue, errors.New("verify: device_e without a matching device_b")
	}
	m.devices[m.curDev.DevID] = m.curDev
	m.mappings[m.curDev.DevID] = m.curMaps
	m.hasCur = false
	return thin.VisitContinue, nil
}

func (m *metadata) Map(irm *thin.IRMap) (thin.Visit, error) {
	if !m.hasCur {
		return thin.VisitContinue, errors.New("verify: map without a matching device_b")
	}
	m.curMaps = pushCompact(m.curMaps, rangeMap{ThinBegin: irm.ThinBegin, DataBegin: irm.DataBegin, Time: irm.Time, Len: irm.Len})
	return thin.VisitContinue, nil
}

func (m *metadata) EOF() (thin.Visit, error) { return thin.VisitContinue, nil }

func parseXML(r io.Reader) (*metadata, error) {
	m := newMetadata()
	if err := thinxml.Read(r, m); err != nil {
		return nil, errors.Wrap(err, "verify: parsing xml dump")
	}
	return m, nil
}

// mergeMappings is the reference interval merge: same inputs and
// invariants as internal/merge.RangeMergeIterator, but case-split
// differently (split-and-advance rather than consume/skip on streams) so
// the two implementations cannot share a logic bug.
func mergeMappings(origin, snap []rangeMap) ([]rangeMap, uint64) {
	oi, si := 0, 0
	next := func(s []rangeMap, i *int) rangeMap {
		if *i >= len(s) {
			return rangeMap{}
		}
		v := s[*i]
		*i++
		return v
	}

	o := next(origin, &oi)
	s := next(snap, &si)
	var merged []rangeMap
	var mappedBlocks uint64

	for !o.isEmpty() && !s.isEmpty() {
		switch {
		case endsBeforeStarted(s, o):
			mappedBlocks += s.Len
			merged = pushCompact(merged, s)
			s = next(snap, &si)
		case endsBeforeStarted(o, s):
			mappedBlocks += o.Len
			merged = pushCompact(merged, o)
			o = next(origin, &oi)
		case intersectsTail(o, s):
			front, back := o.split(s.ThinBegin)
			mappedBlocks += front.Len
			merged = pushCompact(merged, front)
			o = back
		case intersectsHead(s, o):
			_, back := o.split(s.end())
			o = back
			mappedBlocks += s.Len
			merged = pushCompact(merged, s)
			s = next(snap, &si)
		default:
			for !o.isEmpty() && o.end() <= s.end() {
				o = next(origin, &oi)
			}
		}
	}

	for !o.isEmpty() {
		mappedBlocks += o.Len
		merged = pushCompact(merged, o)
		o = next(origin, &oi)
	}
	for !s.isEmpty() {
		mappedBlocks += s.Len
		merged = pushCompact(merged, s)
		s = next(snap, &si)
	}

	return merged, mappedBlocks
}

func mergeThins(src *metadata, origin, snapshot uint32, rebase bool) (*metadata, error) {
	originMaps, ok := src.mappings[origin]
	if !ok {
		return nil, errors.Newf("verify: no device %d in source metadata", origin)
	}
	snapMaps, ok := src.mappings[snapshot]
	if !ok {
		return nil, errors.Newf("verify: no device %d in source metadata", snapshot)
	}

	merged, mappedBlocks := mergeMappings(originMaps, snapMaps)

	preservedID := origin
	if rebase {
		preservedID = snapshot
	}
	dev, ok := src.devices[preservedID]
	if !ok {
		return nil, errors.Newf("verify: no device %d in source metadata", preservedID)
	}
	dev.MappedBlocks = mappedBlocks

	out := newMetadata()
	out.sb = src.sb
	out.devices[dev.DevID] = dev
	out.mappings[dev.DevID] = merged
	return out, nil
}

func sameMapping(a, b []rangeMap) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// VerifyMergeResults re-derives the expected merge output from the
// pre-merge XML dump and checks it against the post-merge XML dump,
// independent of how the merge itself was computed. Returns a descriptive
// error identifying the first mismatch found.
func VerifyMergeResults(before, after io.Reader, origin, snapshot uint32, rebase bool) error {
	metaBefore, err := parseXML(before)
	if err != nil {
		return err
	}
	metaAfter, err := parseXML(after)
	if err != nil {
		return err
	}

	expected, err := mergeThins(metaBefore, origin, snapshot, rebase)
	if err != nil {
		return err
	}

	if expected.sb != metaAfter.sb {
		return errors.Newf("verify: merged superblock mismatch: expected %+v, got %+v", expected.sb, metaAfter.sb)
	}
	if len(expected.devices) != len(metaAfter.devices) {
		return errors.Newf("verify: merged device count mismatch: expected %d, got %d", len(expected.devices), len(metaAfter.devices))
	}
	for id, dev := range expected.devices {
		got, ok := metaAfter.devices[id]
		if !ok {
			return errors.Newf("verify: expected device %d missing from merged output", id)
		}
		if dev != got {
			return errors.Newf("verify: device %d mismatch: expected %+v, got %+v", id, dev, got)
		}
		if !sameMapping(expected.mappings[id], metaAfter.mappings[id]) {
			return errors.Newf("verify: device %d mapping mismatch: expected %v, got %v", id, expected.mappings[id], metaAfter.mappings[id])
		}
	}

	return nil
}
