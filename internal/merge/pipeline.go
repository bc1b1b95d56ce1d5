package merge

import (
	"context"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"

	"github.com/dm-thin/thin-merge-go/internal/blockio"
	"github.com/dm-thin/thin-merge-go/internal/pdata"
	"github.com/dm-thin/thin-merge-go/internal/report"
	"github.com/dm-thin/thin-merge-go/internal/thin"
)

const (
	// QueueDepth is the bounded FIFO's capacity in batches (spec section 5).
	QueueDepth = 4
	// RangeBatchSize is the number of ranges packed per batch before the
	// producer hands it to the consumer.
	RangeBatchSize = 1024
)

// RangeSource is whatever feeds the restore pipeline: a RangeMergeIterator
// for two-device merges, or a MappingIterator directly for the
// single-device dump path.
type RangeSource interface {
	NextRange() (*Range, error)
}

// DeviceMeta carries the identity of whichever device survives the merge
// (the origin in a normal merge, the snapshot in rebase mode). It has no
// mapped-blocks field, so the IRDevice built from it carries zero: the
// restorer does not know the true count until the pipeline finishes, and
// PatchMappedBlocks fixes it up in place.
type DeviceMeta struct {
	DevID        uint32
	Transaction  uint64
	CreationTime uint32
	SnapTime     uint32
}

// RunPipeline drives source through restorer using the two-task
// producer/consumer model of spec section 4.5. The producer packages
// emitted ranges into batches over a bounded channel; the consumer applies
// each batch to restorer and tallies the mapped block count. A producer
// error is surfaced after the consumer drains whatever is already queued;
// a consumer error stops the producer's next send.
func RunPipeline(ctx context.Context, source RangeSource, sb thin.IRSuperblock, dev DeviceMeta, restorer *thin.Restorer, rep *report.Report) (uint64, error) {
	batches := make(chan []Range, QueueDepth)
	g, ctx := errgroup.WithContext(ctx)

	send := func(buf []Range) error {
		select {
		case batches <- buf:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.Go(func() error {
		defer close(batches)
		buf := make([]Range, 0, RangeBatchSize)
		for {
			r, err := source.NextRange()
			if err != nil {
				return errors.Wrap(err, "merge: producer")
			}
			if r == nil {
				if len(buf) > 0 {
					if err := send(buf); err != nil {
						return err
					}
				}
				return nil
			}
			buf = append(buf, *r)
			if len(buf) == RangeBatchSize {
				if err := send(buf); err != nil {
					return err
				}
				buf = make([]Range, 0, RangeBatchSize)
			}
		}
	})

	var mappedBlocks uint64
	g.Go(func() error {
		if _, err := restorer.SuperblockBegin(&sb); err != nil {
			return errors.Wrap(err, "merge: consumer superblock_b")
		}
		d := &thin.IRDevice{
			DevID:        dev.DevID,
			Transaction:  dev.Transaction,
			CreationTime: dev.CreationTime,
			SnapTime:     dev.SnapTime,
		}
		if _, err := restorer.DeviceBegin(d); err != nil {
			return errors.Wrap(err, "merge: consumer device_b")
		}
		for batch := range batches {
			for _, rg := range batch {
				m := &thin.IRMap{ThinBegin: rg.Key, DataBegin: rg.Value.Block, Time: rg.Value.Time, Len: rg.Len}
				if _, err := restorer.Map(m); err != nil {
					return errors.Wrap(err, "merge: consumer map")
				}
				mappedBlocks += rg.Len
			}
		}
		if _, err := restorer.DeviceEnd(); err != nil {
			return errors.Wrap(err, "merge: consumer device_e")
		}
		if _, err := restorer.SuperblockEnd(); err != nil {
			return errors.Wrap(err, "merge: consumer superblock_e")
		}
		if _, err := restorer.EOF(); err != nil {
			return errors.Wrap(err, "merge: consumer eof")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		rep.Fatal(err)
		return mappedBlocks, err
	}
	return mappedBlocks, nil
}

// PatchMappedBlocks rewrites the single-entry details leaf's mapped_blocks
// field once the pipeline has finished and the true count is known (spec
// section 4.5: restore doesn't know the total ahead of time, so the
// output's details leaf starts at zero and is patched in place here).
func PatchMappedBlocks(engine blockio.Engine, detailsBlock uint64, mappedBlocks uint64) error {
	data, err := engine.ReadBlock(detailsBlock)
	if err != nil {
		return errors.Wrap(err, "merge: reading details leaf for patch")
	}
	codec := thin.DeviceDetailCodec{}
	node, err := pdata.DecodeNode(data, codec)
	if err != nil {
		return errors.Wrap(err, "merge: decoding details leaf for patch")
	}
	if len(node.Values) != 1 {
		return errors.Newf("merge: expected a single-entry details leaf, found %d entries", len(node.Values))
	}
	node.Values[0].MappedBlocks = mappedBlocks

	pdata.EncodeLeaf(data, detailsBlock, node.Header.MaxEntries, node.Keys, node.Values, codec)
	if err := engine.Write(blockio.Block{Number: detailsBlock, Data: data}); err != nil {
		return errors.Wrap(err, "merge: writing patched details leaf")
	}
	return nil
}
