package merge

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/dm-thin/thin-merge-go/internal/pdata"
	"github.com/dm-thin/thin-merge-go/internal/report"
	"github.com/dm-thin/thin-merge-go/internal/thin"
)

func TestRunPipelineSingleDevice(t *testing.T) {
	out := newMemEngine()
	out.nrBlocksHint = 64
	sm := thin.NewCoreMetadataSpaceMap(out.nrBlocksHint, 1)
	wb := thin.NewWriteBatcher(out, sm, 4)
	rep := report.New(&bytes.Buffer{})
	restorer := thin.NewRestorer(wb, rep)

	source := &fakeSequence{ranges: []Range{
		{Key: 0, Value: pdata.BlockTime{Block: 1000, Time: 3}, Len: 4},
		{Key: 10, Value: pdata.BlockTime{Block: 2000, Time: 3}, Len: 6},
	}}

	sb := thin.IRSuperblock{Time: 42, Transaction: 7, DataBlockSize: 128}
	dev := DeviceMeta{DevID: 3, Transaction: 1, CreationTime: 10, SnapTime: 0}

	mapped, err := RunPipeline(context.Background(), source, sb, dev, restorer, rep)
	require.NoError(t, err)
	require.Equal(t, uint64(10), mapped)
	require.NotZero(t, restorer.MappingRoot())
	require.NotZero(t, restorer.DetailsRoot())

	require.NoError(t, PatchMappedBlocks(out, restorer.DetailsBlock(), mapped))

	data, err := out.ReadBlock(restorer.DetailsBlock())
	require.NoError(t, err)
	node, err := pdata.DecodeNode(data, thin.DeviceDetailCodec{})
	require.NoError(t, err)
	require.Len(t, node.Values, 1)
	require.Equal(t, uint64(10), node.Values[0].MappedBlocks)
}

// TestRunPipelineConsumerErrorDoesNotDeadlock covers scenario S6: the
// output device has no room for the mapping leaf the consumer must flush,
// so restorer.Map fails with ErrOutOfMetadataSpace partway through the
// run. The producer still has far more ranges queued up than the bounded
// channel can hold; without a context-guarded send this test would hang
// forever instead of returning the consumer's error.
func TestRunPipelineConsumerErrorDoesNotDeadlock(t *testing.T) {
	out := newMemEngine()
	// Only the single reserved block exists, so the first mapping-leaf
	// flush (triggered partway through the very first oversized range)
	// fails immediately.
	sm := thin.NewCoreMetadataSpaceMap(1, 1)
	wb := thin.NewWriteBatcher(out, sm, 4)
	rep := report.New(&bytes.Buffer{})
	restorer := thin.NewRestorer(wb, rep)

	// QueueDepth+2 batches: one the consumer takes before failing, QueueDepth
	// that fill the channel, and one more the producer must block on.
	ranges := make([]Range, 0, (QueueDepth+2)*RangeBatchSize)
	// Large enough on its own to force a leaf flush mid-Map.
	ranges = append(ranges, Range{Key: 0, Value: pdata.BlockTime{Block: 0, Time: 0}, Len: 300})
	for key := uint64(300); len(ranges) < cap(ranges); key++ {
		ranges = append(ranges, Range{Key: key, Value: pdata.BlockTime{Block: key, Time: 0}, Len: 1})
	}
	source := &fakeSequence{ranges: ranges}

	sb := thin.IRSuperblock{Time: 42, Transaction: 7, DataBlockSize: 128}
	dev := DeviceMeta{DevID: 3, Transaction: 1, CreationTime: 10, SnapTime: 0}

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = RunPipeline(context.Background(), source, sb, dev, restorer, rep)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunPipeline did not return: producer deadlocked behind a full queue")
	}

	require.Error(t, err)
	require.ErrorIs(t, err, thin.ErrOutOfMetadataSpace)
}
