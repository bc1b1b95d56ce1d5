package pdata

// KeyRange is the half-open [Start, End) key interval a subtree covers,
// handed to a LeafVisitor so it can report which keys a leaf claims.
// A nil End means "unbounded".
type KeyRange struct {
	Start uint64
	End   *uint64
}
