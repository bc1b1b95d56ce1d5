package blockio

import (
	"context"
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// maxConcurrentReads bounds how many blocks an AsyncEngine will have
// in flight at once inside a single ReadMany call.
const maxConcurrentReads = 16

// AsyncEngine reads ahead with a bounded worker pool instead of issuing
// blocking reads one at a time. The orchestrator uses it for the input
// only when Options.AsyncInput is set (spec section 6: "input engine may
// be async or sync"); the producer is the only caller and can tolerate
// out-of-order completion within a batch. It is read-only.
type AsyncEngine struct {
	f         *os.File
	nrBlocks  uint64
	batchSize int
	sem       *semaphore.Weighted
}

func OpenAsync(path string) (*AsyncEngine, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "blockio: opening %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, err
	}
	if info.Size() < BlockSize {
		f.Close()
		return nil, errors.Newf("blockio: %s is too small to be a metadata device", path)
	}
	return &AsyncEngine{
		f:         f,
		nrBlocks:  uint64(info.Size()) / BlockSize,
		batchSize: DefaultBatchSize,
		sem:       semaphore.NewWeighted(maxConcurrentReads),
	}, nil
}

func (e *AsyncEngine) ReadBlock(block uint64) ([]byte, error) {
	buf := make([]byte, BlockSize)
	if _, err := e.f.ReadAt(buf, int64(block)*BlockSize); err != nil {
		return nil, errors.Wrapf(err, "blockio: reading block %d", block)
	}
	return buf, nil
}

// ReadMany fans the batch out across a bounded pool of goroutines and
// returns results in request order, regardless of completion order.
func (e *AsyncEngine) ReadMany(blocks []uint64) ([]Block, error) {
	out := make([]Block, len(blocks))
	g, ctx := errgroup.WithContext(context.Background())
	for i, b := range blocks {
		i, b := i, b
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer e.sem.Release(1)
			data, err := e.ReadBlock(b)
			if err != nil {
				return err
			}
			out[i] = Block{Number: b, Data: data}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (e *AsyncEngine) Write(Block) error {
	return errors.New("blockio: AsyncEngine is read-only")
}

func (e *AsyncEngine) GetNrBlocks() uint64 { return e.nrBlocks }
func (e *AsyncEngine) GetBatchSize() int   { return e.batchSize }
func (e *AsyncEngine) Close() error        { return e.f.Close() }
