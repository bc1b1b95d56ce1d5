package cloudio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompressAppliesEachCodec(t *testing.T) {
	data := []byte("thin-merge-go metadata archive payload, repeated repeated repeated")

	for _, c := range []Codec{CodecNone, CodecSnappy, CodecS2, CodecZstd} {
		packed, err := compress(c, data)
		require.NoErrorf(t, err, "codec %s", c)
		if c == CodecNone {
			require.Equal(t, data, packed)
			continue
		}
		require.NotEqual(t, data, packed)
	}
}

func TestCompressRejectsUnknownCodec(t *testing.T) {
	_, err := compress(Codec("lz4"), []byte("x"))
	require.Error(t, err)
}

func TestKeySuffixMatchesCodec(t *testing.T) {
	opts := Options{Bucket: "b", Prefix: "p", Compression: CodecZstd}
	require.Equal(t, "p/image.zst", opts.Key("image"))
}
