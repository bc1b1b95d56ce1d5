package blockio

import (
	"os"

	"github.com/cockroachdb/errors"
	"golang.org/x/sys/unix"
)

// SyncEngine is a plain os.File-backed Engine that fsyncs after every
// write. It is always used for the output device during a merge (spec
// section 6: "output engine is forced to synchronous writes for the
// duration of the merge to keep the details patch correctly ordered after
// the restore").
type SyncEngine struct {
	f         *os.File
	nrBlocks  uint64
	batchSize int
	exclusive bool
}

// OpenSync opens path as a synchronous block engine. When exclusive is
// true an advisory flock is taken on the file, matching the orchestrator's
// "exclusive unless reading via a metadata snapshot" rule.
func OpenSync(path string, write, exclusive bool) (*SyncEngine, error) {
	flag := os.O_RDONLY
	if write {
		flag = os.O_RDWR
	}
	f, err := os.OpenFile(path, flag, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "blockio: opening %s", path)
	}

	if exclusive {
		if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
			f.Close()
			return nil, errors.Wrapf(err, "blockio: %s is in use by another process", path)
		}
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

	return &SyncEngine{
		f:         f,
		nrBlocks:  uint64(info.Size()) / BlockSize,
		batchSize: DefaultBatchSize,
		exclusive: exclusive,
	}, nil
}

func (e *SyncEngine) ReadBlock(block uint64) ([]byte, error) {
	buf := make([]byte, BlockSize)
	if _, err := e.f.ReadAt(buf, int64(block)*BlockSize); err != nil {
		return nil, errors.Wrapf(err, "blockio: reading block %d", block)
	}
	return buf, nil
}

func (e *SyncEngine) ReadMany(blocks []uint64) ([]Block, error) {
	out := make([]Block, len(blocks))
	for i, b := range blocks {
		data, err := e.ReadBlock(b)
		if err != nil {
			return nil, err
		}
		out[i] = Block{Number: b, Data: data}
	}
	return out, nil
}

func (e *SyncEngine) Write(b Block) error {
	if len(b.Data) != BlockSize {
		return errors.Newf("blockio: write of %d bytes is not block-sized", len(b.Data))
	}
	if _, err := e.f.WriteAt(b.Data, int64(b.Number)*BlockSize); err != nil {
		return errors.Wrapf(err, "blockio: writing block %d", b.Number)
	}
	return e.f.Sync()
}

func (e *SyncEngine) GetNrBlocks() uint64 { return e.nrBlocks }
func (e *SyncEngine) GetBatchSize() int   { return e.batchSize }

func (e *SyncEngine) Close() error {
	if e.exclusive {
		_ = unix.Flock(int(e.f.Fd()), unix.LOCK_UN)
	}
	return e.f.Close()
}
