package merge

import (
	"github.com/cockroachdb/errors"

	"github.com/dm-thin/thin-merge-go/internal/pdata"
	"github.com/dm-thin/thin-merge-go/internal/thin"
)

// ErrStreamExhausted marks consume/skip calls made after a MappingStream
// has already reported end of stream via Peek.
var ErrStreamExhausted = errors.New("merge: mapping stream exhausted")

// rangeSequence is the minimal surface MappingStream needs from whatever
// produces its ranges; MappingIterator is the only production
// implementation, but tests supply simpler ones.
type rangeSequence interface {
	NextRange() (*Range, error)
}

// MappingStream wraps a rangeSequence (a MappingIterator in production)
// with one-element lookahead so the merge state machine (spec section
// 4.4) can inspect the head range before deciding how much of it to
// consume. Ranges may be partially consumed; the remainder stays
// buffered as the new head.
type MappingStream struct {
	it  rangeSequence
	cur *Range
}

func NewMappingStream(it rangeSequence) (*MappingStream, error) {
	s := &MappingStream{it: it}
	if err := s.fill(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *MappingStream) fill() error {
	r, err := s.it.NextRange()
	if err != nil {
		return err
	}
	s.cur = r
	return nil
}

// Peek returns the current head range without consuming it. ok is false
// once the underlying iterator is exhausted.
func (s *MappingStream) Peek() (r Range, ok bool) {
	if s.cur == nil {
		return Range{}, false
	}
	return *s.cur, true
}

// Consume takes the first delta keys off the head range and returns them
// as their own range, refilling the head from the iterator if it is
// fully consumed.
func (s *MappingStream) Consume(delta uint64) (Range, error) {
	if s.cur == nil {
		return Range{}, ErrStreamExhausted
	}
	if delta == 0 || delta > s.cur.Len {
		return Range{}, errors.Mark(
			errors.Newf("merge: consume(%d) out of range for head of length %d", delta, s.cur.Len),
			thin.ErrDeltaTooLarge,
		)
	}
	out := Range{Key: s.cur.Key, Value: s.cur.Value, Len: delta}
	if delta == s.cur.Len {
		if err := s.fill(); err != nil {
			return Range{}, err
		}
	} else {
		s.cur = &Range{
			Key:   s.cur.Key + delta,
			Value: pdata.BlockTime{Block: s.cur.Value.Block + delta, Time: s.cur.Value.Time},
			Len:   s.cur.Len - delta,
		}
	}
	return out, nil
}

// Skip discards the first delta keys off the head range without
// returning them.
func (s *MappingStream) Skip(delta uint64) error {
	_, err := s.Consume(delta)
	return err
}

// ConsumeAll takes the entire head range and advances to the next one.
func (s *MappingStream) ConsumeAll() (Range, error) {
	if s.cur == nil {
		return Range{}, ErrStreamExhausted
	}
	return s.Consume(s.cur.Len)
}

// SkipAll discards the entire head range and advances to the next one.
func (s *MappingStream) SkipAll() error {
	_, err := s.ConsumeAll()
	return err
}
