// Package xml implements the thin-provisioning metadata XML dump/restore
// format thin_merge uses for its external test fixtures and the
// reference verifier (spec section 6: "XML dump/restore for external
// testing"). It streams rather than buffers the whole document, since a
// device's mapping list is exactly the thing the rest of this repo is
// careful never to hold in memory all at once.
package xml

import (
	"encoding/xml"
	"io"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/dm-thin/thin-merge-go/internal/thin"
)

// Writer streams a thin.MetadataVisitor call sequence out as XML,
// emitting one <range_mapping> element per Map call rather than
// accumulating a device's mappings before writing anything.
type Writer struct {
	enc *xml.Encoder
}

func NewWriter(w io.Writer) *Writer {
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	return &Writer{enc: enc}
}

func attr(name, value string) xml.Attr {
	return xml.Attr{Name: xml.Name{Local: name}, Value: value}
}

func u64attr(name string, v uint64) xml.Attr { return attr(name, strconv.FormatUint(v, 10)) }
func u32attr(name string, v uint32) xml.Attr { return attr(name, strconv.FormatUint(uint64(v), 10)) }

func (w *Writer) SuperblockBegin(sb *thin.IRSuperblock) (thin.Visit, error) {
	start := xml.StartElement{
		Name: xml.Name{Local: "superblock"},
		Attr: []xml.Attr{
			attr("uuid", sb.UUID),
			u32attr("time", sb.Time),
			u64attr("transaction", sb.Transaction),
			u32attr("data_block_size", sb.DataBlockSize),
			u64attr("nr_data_blocks", sb.NrDataBlocks),
		},
	}
	if sb.MetadataSnap != 0 {
		start.Attr = append(start.Attr, u64attr("metadata_snap", sb.MetadataSnap))
	}
	if err := w.enc.EncodeToken(start); err != nil {
		return thin.VisitContinue, errors.Wrap(err, "xml: writing superblock open tag")
	}
	return thin.VisitContinue, nil
}

func (w *Writer) SuperblockEnd() (thin.Visit, error) {
	if err := w.enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: "superblock"}}); err != nil {
		return thin.VisitContinue, errors.Wrap(err, "xml: writing superblock close tag")
	}
	return thin.VisitContinue, nil
}

func (w *Writer) DeviceBegin(d *thin.IRDevice) (thin.Visit, error) {
	start := xml.StartElement{
		Name: xml.Name{Local: "device"},
		Attr: []xml.Attr{
			u32attr("dev_id", d.DevID),
			u64attr("mapped_blocks", d.MappedBlocks),
			u64attr("transaction", d.Transaction),
			u32attr("creation_time", d.CreationTime),
			u32attr("snap_time", d.SnapTime),
		},
	}
	if err := w.enc.EncodeToken(start); err != nil {
		return thin.VisitContinue, errors.Wrap(err, "xml: writing device open tag")
	}
	return thin.VisitContinue, nil
}

func (w *Writer) DeviceEnd() (thin.Visit, error) {
	if err := w.enc.EncodeToken(xml.EndElement{Name: xml.Name{Local: "device"}}); err != nil {
		return thin.VisitContinue, errors.Wrap(err, "xml: writing device close tag")
	}
	return thin.VisitContinue, nil
}

func (w *Writer) Map(m *thin.IRMap) (thin.Visit, error) {
	start := xml.StartElement{
		Name: xml.Name{Local: "range_mapping"},
		Attr: []xml.Attr{
			u64attr("origin_begin", m.ThinBegin),
			u64attr("data_begin", m.DataBegin),
			u64attr("length", m.Len),
			u32attr("time", m.Time),
		},
	}
	if err := w.enc.EncodeToken(start); err != nil {
		return thin.VisitContinue, errors.Wrap(err, "xml: writing range_mapping")
	}
	if err := w.enc.EncodeToken(xml.EndElement{Name: start.Name}); err != nil {
		return thin.VisitContinue, errors.Wrap(err, "xml: writing range_mapping")
	}
	return thin.VisitContinue, nil
}

func (w *Writer) EOF() (thin.Visit, error) {
	if err := w.enc.Flush(); err != nil {
		return thin.VisitContinue, errors.Wrap(err, "xml: flushing")
	}
	return thin.VisitContinue, nil
}

// Reader parses an XML dump and replays it as thin.MetadataVisitor calls,
// one token at a time.
type Reader struct {
	dec *xml.Decoder
}

func NewReader(r io.Reader) *Reader {
	return &Reader{dec: xml.NewDecoder(r)}
}

func findAttr(attrs []xml.Attr, name string) (string, bool) {
	for _, a := range attrs {
		if a.Name.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

func mustU64(attrs []xml.Attr, name string) (uint64, error) {
	v, ok := findAttr(attrs, name)
	if !ok {
		return 0, errors.Newf("xml: missing attribute %q", name)
	}
	return strconv.ParseUint(v, 10, 64)
}

func mustU32(attrs []xml.Attr, name string) (uint32, error) {
	v, err := mustU64(attrs, name)
	return uint32(v), err
}

func optU64(attrs []xml.Attr, name string) uint64 {
	v, ok := findAttr(attrs, name)
	if !ok {
		return 0
	}
	n, _ := strconv.ParseUint(v, 10, 64)
	return n
}

// Read drives visitor through the full document: SuperblockBegin, then
// per device DeviceBegin/Map*/DeviceEnd, finally SuperblockEnd and EOF.
func Read(r io.Reader, visitor thin.MetadataVisitor) error {
	rd := NewReader(r)
	for {
		tok, err := rd.dec.Token()
		if err == io.EOF {
			_, err := visitor.EOF()
			return err
		}
		if err != nil {
			return errors.Wrap(err, "xml: reading token")
		}

		switch el := tok.(type) {
		case xml.StartElement:
			if v, err := rd.handleStart(el, visitor); err != nil {
				return err
			} else if v == thin.VisitStop {
				return nil
			}
		case xml.EndElement:
			if v, err := rd.handleEnd(el, visitor); err != nil {
				return err
			} else if v == thin.VisitStop {
				return nil
			}
		}
	}
}

func (rd *Reader) handleStart(el xml.StartElement, visitor thin.MetadataVisitor) (thin.Visit, error) {
	switch el.Name.Local {
	case "superblock":
		sb, err := decodeSuperblock(el.Attr)
		if err != nil {
			return thin.VisitContinue, err
		}
		return visitor.SuperblockBegin(&sb)
	case "device":
		d, err := decodeDevice(el.Attr)
		if err != nil {
			return thin.VisitContinue, err
		}
		return visitor.DeviceBegin(&d)
	case "range_mapping":
		m, err := decodeRangeMapping(el.Attr)
		if err != nil {
			return thin.VisitContinue, err
		}
		return visitor.Map(&m)
	case "single_mapping":
		m, err := decodeSingleMapping(el.Attr)
		if err != nil {
			return thin.VisitContinue, err
		}
		return visitor.Map(&m)
	}
	return thin.VisitContinue, nil
}

func (rd *Reader) handleEnd(el xml.EndElement, visitor thin.MetadataVisitor) (thin.Visit, error) {
	switch el.Name.Local {
	case "device":
		return visitor.DeviceEnd()
	case "superblock":
		return visitor.SuperblockEnd()
	}
	return thin.VisitContinue, nil
}

func decodeSuperblock(attrs []xml.Attr) (thin.IRSuperblock, error) {
	var sb thin.IRSuperblock
	uuid, _ := findAttr(attrs, "uuid")
	sb.UUID = uuid
	var err error
	if sb.Time, err = mustU32(attrs, "time"); err != nil {
		return sb, err
	}
	if sb.Transaction, err = mustU64(attrs, "transaction"); err != nil {
		return sb, err
	}
	if sb.DataBlockSize, err = mustU32(attrs, "data_block_size"); err != nil {
		return sb, err
	}
	sb.NrDataBlocks = optU64(attrs, "nr_data_blocks")
	sb.MetadataSnap = optU64(attrs, "metadata_snap")
	return sb, nil
}

func decodeDevice(attrs []xml.Attr) (thin.IRDevice, error) {
	var d thin.IRDevice
	var err error
	if d.DevID, err = mustU32(attrs, "dev_id"); err != nil {
		return d, err
	}
	d.MappedBlocks = optU64(attrs, "mapped_blocks")
	if d.Transaction, err = mustU64(attrs, "transaction"); err != nil {
		return d, err
	}
	if d.CreationTime, err = mustU32(attrs, "creation_time"); err != nil {
		return d, err
	}
	if d.SnapTime, err = mustU32(attrs, "snap_time"); err != nil {
		return d, err
	}
	return d, nil
}

func decodeRangeMapping(attrs []xml.Attr) (thin.IRMap, error) {
	var m thin.IRMap
	var err error
	if m.ThinBegin, err = mustU64(attrs, "origin_begin"); err != nil {
		return m, err
	}
	if m.DataBegin, err = mustU64(attrs, "data_begin"); err != nil {
		return m, err
	}
	if m.Len, err = mustU64(attrs, "length"); err != nil {
		return m, err
	}
	if m.Time, err = mustU32(attrs, "time"); err != nil {
		return m, err
	}
	return m, nil
}

func decodeSingleMapping(attrs []xml.Attr) (thin.IRMap, error) {
	var m thin.IRMap
	var err error
	if m.ThinBegin, err = mustU64(attrs, "origin_block"); err != nil {
		return m, err
	}
	if m.DataBegin, err = mustU64(attrs, "data_block"); err != nil {
		return m, err
	}
	if m.Time, err = mustU32(attrs, "time"); err != nil {
		return m, err
	}
	m.Len = 1
	return m, nil
}
