package merge

import (
	"bytes"
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dm-thin/thin-merge-go/internal/blockio"
	"github.com/dm-thin/thin-merge-go/internal/pdata"
	"github.com/dm-thin/thin-merge-go/internal/report"
	"github.com/dm-thin/thin-merge-go/internal/thin"
)

// buildMetadataDevice writes a minimal but complete thin-provisioning
// metadata image: a superblock, a one-device top-level mapping and
// details tree, and a single mapping leaf for that device.
func buildMetadataDevice(t *testing.T, path string, devID uint32, keys []uint64, values []pdata.BlockTime, detail thin.DeviceDetail) {
	require.NoError(t, os.Truncate(path, 16*blockio.BlockSize))
	e, err := blockio.OpenSync(path, true, false)
	require.NoError(t, err)
	defer e.Close()

	const (
		devLeafBlock    = 1
		mappingTopBlock = 2
		detailsTopBlock = 3
	)

	devLeaf := make([]byte, blockio.BlockSize)
	pdata.EncodeLeaf(devLeaf, devLeafBlock, 128, keys, values, pdata.BlockTimeCodec{})
	require.NoError(t, e.Write(blockio.Block{Number: devLeafBlock, Data: devLeaf}))

	mappingTop := make([]byte, blockio.BlockSize)
	pdata.EncodeLeaf(mappingTop, mappingTopBlock, 128, []uint64{uint64(devID)}, []uint64{devLeafBlock}, pdata.Uint64Codec{})
	require.NoError(t, e.Write(blockio.Block{Number: mappingTopBlock, Data: mappingTop}))

	detailsTop := make([]byte, blockio.BlockSize)
	pdata.EncodeLeaf(detailsTop, detailsTopBlock, 128, []uint64{uint64(devID)}, []thin.DeviceDetail{detail}, thin.DeviceDetailCodec{})
	require.NoError(t, e.Write(blockio.Block{Number: detailsTopBlock, Data: detailsTop}))

	sb := thin.Superblock{
		Version:       2,
		Time:          999,
		TransactionID: 5,
		DataBlockSize: 128,
		MappingRoot:   mappingTopBlock,
		DetailsRoot:   detailsTopBlock,
	}
	require.NoError(t, thin.WriteSuperblock(e, sb))
}

func tempDevice(t *testing.T) string {
	f, err := os.CreateTemp(t.TempDir(), "thin-*.bin")
	require.NoError(t, err)
	require.NoError(t, f.Close())
	require.NoError(t, os.Truncate(f.Name(), 16*blockio.BlockSize))
	return f.Name()
}

func TestOrchestratorDumpsSingleDevice(t *testing.T) {
	in := tempDevice(t)
	buildMetadataDevice(t, in, 0,
		[]uint64{0, 1, 2},
		[]pdata.BlockTime{{Block: 10, Time: 1}, {Block: 11, Time: 1}, {Block: 12, Time: 1}},
		thin.DeviceDetail{TransactionID: 5, CreationTime: 100},
	)
	out := tempDevice(t)

	rep := report.New(&bytes.Buffer{})
	o := NewOrchestrator(rep)
	err := o.Run(context.Background(), Options{
		InputPath:  in,
		OutputPath: out,
		OriginID:   0,
	})
	require.NoError(t, err)

	oe, err := blockio.OpenSync(out, false, false)
	require.NoError(t, err)
	defer oe.Close()

	outSB, err := thin.ReadSuperblock(oe, thin.SuperblockLocation)
	require.NoError(t, err)

	mappingRoots, err := pdata.BtreeToMap[uint64](oe, outSB.MappingRoot, pdata.Uint64Codec{})
	require.NoError(t, err)
	perDeviceRoot, ok := mappingRoots[0]
	require.True(t, ok)

	details, err := pdata.BtreeToMap[thin.DeviceDetail](oe, outSB.DetailsRoot, thin.DeviceDetailCodec{})
	require.NoError(t, err)
	require.Equal(t, uint64(3), details[0].MappedBlocks)

	leafData, err := oe.ReadBlock(perDeviceRoot)
	require.NoError(t, err)
	leaf, err := pdata.DecodeNode(leafData, pdata.BlockTimeCodec{})
	require.NoError(t, err)
	require.Equal(t, []uint64{0, 1, 2}, leaf.Keys)
	require.Equal(t, pdata.BlockTime{Block: 10, Time: 1}, leaf.Values[0])
}

func TestOrchestratorMergesSnapshotOntoOrigin(t *testing.T) {
	in := tempDevice(t)
	require.NoError(t, os.Truncate(in, 16*blockio.BlockSize))
	e, err := blockio.OpenSync(in, true, false)
	require.NoError(t, err)

	originLeaf := make([]byte, blockio.BlockSize)
	pdata.EncodeLeaf(originLeaf, 1, 128,
		[]uint64{0, 1, 2, 3, 4},
		[]pdata.BlockTime{{Block: 100, Time: 0}, {Block: 101, Time: 0}, {Block: 102, Time: 0}, {Block: 103, Time: 0}, {Block: 104, Time: 0}},
		pdata.BlockTimeCodec{})
	require.NoError(t, e.Write(blockio.Block{Number: 1, Data: originLeaf}))

	snapLeaf := make([]byte, blockio.BlockSize)
	pdata.EncodeLeaf(snapLeaf, 2, 128,
		[]uint64{2, 3},
		[]pdata.BlockTime{{Block: 900, Time: 9}, {Block: 901, Time: 9}},
		pdata.BlockTimeCodec{})
	require.NoError(t, e.Write(blockio.Block{Number: 2, Data: snapLeaf}))

	mappingTop := make([]byte, blockio.BlockSize)
	pdata.EncodeLeaf(mappingTop, 3, 128, []uint64{0, 1}, []uint64{1, 2}, pdata.Uint64Codec{})
	require.NoError(t, e.Write(blockio.Block{Number: 3, Data: mappingTop}))

	detailsTop := make([]byte, blockio.BlockSize)
	pdata.EncodeLeaf(detailsTop, 4, 128,
		[]uint64{0, 1},
		[]thin.DeviceDetail{{TransactionID: 1, CreationTime: 10}, {TransactionID: 2, CreationTime: 20}},
		thin.DeviceDetailCodec{})
	require.NoError(t, e.Write(blockio.Block{Number: 4, Data: detailsTop}))

	require.NoError(t, thin.WriteSuperblock(e, thin.Superblock{
		Version: 2, Time: 1, TransactionID: 1, DataBlockSize: 64,
		MappingRoot: 3, DetailsRoot: 4,
	}))
	require.NoError(t, e.Close())

	out := tempDevice(t)
	rep := report.New(&bytes.Buffer{})
	o := NewOrchestrator(rep)
	snapID := uint32(1)
	err = o.Run(context.Background(), Options{
		InputPath:  in,
		OutputPath: out,
		OriginID:   0,
		SnapshotID: &snapID,
	})
	require.NoError(t, err)

	oe, err := blockio.OpenSync(out, false, false)
	require.NoError(t, err)
	defer oe.Close()
	outSB, err := thin.ReadSuperblock(oe, thin.SuperblockLocation)
	require.NoError(t, err)
	mappingRoots, err := pdata.BtreeToMap[uint64](oe, outSB.MappingRoot, pdata.Uint64Codec{})
	require.NoError(t, err)
	root := mappingRoots[0] // merged device keeps the origin's id
	leafData, err := oe.ReadBlock(root)
	require.NoError(t, err)
	leaf, err := pdata.DecodeNode(leafData, pdata.BlockTimeCodec{})
	require.NoError(t, err)

	require.Equal(t, []uint64{0, 1, 2, 3, 4}, leaf.Keys)
	require.Equal(t, pdata.BlockTime{Block: 100, Time: 0}, leaf.Values[0])
	require.Equal(t, pdata.BlockTime{Block: 101, Time: 0}, leaf.Values[1])
	require.Equal(t, pdata.BlockTime{Block: 900, Time: 9}, leaf.Values[2])
	require.Equal(t, pdata.BlockTime{Block: 901, Time: 9}, leaf.Values[3])
	require.Equal(t, pdata.BlockTime{Block: 104, Time: 0}, leaf.Values[4])
}
