package thin

import "encoding/binary"

// DeviceDetail is the per-device record stored in the details tree (spec
// section 3).
type DeviceDetail struct {
	MappedBlocks     uint64
	TransactionID    uint64
	CreationTime     uint32
	SnapshottedTime  uint32
}

const deviceDetailSize = 24

// DeviceDetailCodec implements pdata.ValueCodec[DeviceDetail].
type DeviceDetailCodec struct{}

func (DeviceDetailCodec) Size() int { return deviceDetailSize }

func (DeviceDetailCodec) Encode(v DeviceDetail, dst []byte) {
	binary.LittleEndian.PutUint64(dst[0:8], v.MappedBlocks)
	binary.LittleEndian.PutUint64(dst[8:16], v.TransactionID)
	binary.LittleEndian.PutUint32(dst[16:20], v.CreationTime)
	binary.LittleEndian.PutUint32(dst[20:24], v.SnapshottedTime)
}

func (DeviceDetailCodec) Decode(src []byte) DeviceDetail {
	return DeviceDetail{
		MappedBlocks:    binary.LittleEndian.Uint64(src[0:8]),
		TransactionID:   binary.LittleEndian.Uint64(src[8:16]),
		CreationTime:    binary.LittleEndian.Uint32(src[16:20]),
		SnapshottedTime: binary.LittleEndian.Uint32(src[20:24]),
	}
}
