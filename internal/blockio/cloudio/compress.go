package cloudio

import (
	"github.com/DataDog/zstd"
	"github.com/cockroachdb/errors"
	"github.com/golang/snappy"
	"github.com/klauspost/compress/s2"
)

// Codec is the archive compression format applied to the metadata image
// before it is mirrored to S3. thin-merge's own block format never uses
// compression (fixed block addressing depends on it not shrinking), so
// these only ever apply to the uploaded copy.
type Codec string

const (
	CodecNone   Codec = ""
	CodecSnappy Codec = "snappy"
	CodecS2     Codec = "s2"
	CodecZstd   Codec = "zstd"
)

func (c Codec) valid() bool {
	switch c {
	case CodecNone, CodecSnappy, CodecS2, CodecZstd:
		return true
	}
	return false
}

// compress returns data compressed under c, or data unchanged for
// CodecNone. The returned slice is always safe to use independently of
// data.
func compress(c Codec, data []byte) ([]byte, error) {
	switch c {
	case CodecNone:
		return append([]byte(nil), data...), nil
	case CodecSnappy:
		return snappy.Encode(nil, data), nil
	case CodecS2:
		return s2.Encode(nil, data), nil
	case CodecZstd:
		out, err := zstd.Compress(nil, data)
		if err != nil {
			return nil, errors.Wrap(err, "cloudio: zstd compress")
		}
		return out, nil
	default:
		return nil, errors.Newf("cloudio: unknown compression codec %q", c)
	}
}

// suffix returns the object-key suffix a codec's compressed output is
// conventionally given, empty for CodecNone.
func (c Codec) suffix() string {
	switch c {
	case CodecSnappy:
		return ".snappy"
	case CodecS2:
		return ".s2"
	case CodecZstd:
		return ".zst"
	default:
		return ""
	}
}
