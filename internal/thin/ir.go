package thin

// ir mirrors thinp's thin::ir module: the intermediate representation the
// restore pipeline and the XML dump/restore tooling both speak, decoupled
// from the on-disk block format.

// Visit is the visitor-continuation signal a MetadataVisitor callback
// returns.
type Visit int

const (
	VisitContinue Visit = iota
	VisitStop
)

// IRSuperblock is the output device's top-level metadata, independent of
// any one device's mappings.
type IRSuperblock struct {
	UUID           string
	Time           uint32
	Transaction    uint64
	Version        uint32
	DataBlockSize  uint32
	NrDataBlocks   uint64
	MetadataSnap   uint64
}

// IRDevice is one thin device's details, in restore order: device_b opens
// it, a sequence of Map calls describe its mappings, device_e closes it.
type IRDevice struct {
	DevID        uint32
	MappedBlocks uint64
	Transaction  uint64
	CreationTime uint32
	SnapTime     uint32
}

// IRMap is one range mapping: ThinBegin..ThinBegin+Len maps to
// DataBegin..DataBegin+Len, all sharing Time.
type IRMap struct {
	ThinBegin uint64
	DataBegin uint64
	Time      uint32
	Len       uint64
}

// MetadataVisitor receives a well-formed sequence of calls describing one
// superblock and the devices nested inside it: SuperblockBegin, then for
// each device DeviceBegin, zero or more Map, DeviceEnd, finally
// SuperblockEnd and EOF. The restore pipeline driver (spec section 4.5)
// and the XML writer are both implementations.
type MetadataVisitor interface {
	SuperblockBegin(sb *IRSuperblock) (Visit, error)
	SuperblockEnd() (Visit, error)
	DeviceBegin(d *IRDevice) (Visit, error)
	DeviceEnd() (Visit, error)
	Map(m *IRMap) (Visit, error)
	EOF() (Visit, error)
}
