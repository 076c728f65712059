// Package file implements an nvm.Backend over a host-OS file, giving
// the composing layers a backend that survives process restarts for
// desktop simulation of the higher layers, the same role
// mendersoftware/mender's BlockDevice plays for an actual block device
// node but aimed at an ordinary regular file used as a flash image.
package file

import (
	"io"
	"os"
	"sync"

	"github.com/mendersoftware/log"
	"github.com/pkg/errors"

	"github.com/lilvinz/gonvm/nvm"
)

// Config describes the geometry of the image stored in the file and
// which path to open it at.
type Config struct {
	Path           string
	SectorSize     uint32
	SectorCount    uint32
	Identification [3]byte
}

// Backend is a byte-granular nvm.Backend backed by an *os.File.
type Backend struct {
	cfg Config

	mu    sync.Mutex
	state nvm.State
	f     *os.File
}

// New returns a Backend for cfg. The file is not opened until Start.
func New(cfg Config) *Backend {
	return &Backend{cfg: cfg}
}

func (b *Backend) capacity() int64 {
	return int64(b.cfg.SectorSize) * int64(b.cfg.SectorCount)
}

// Start opens the image file, creating it if necessary and growing it
// to the configured capacity, filling any newly added region with 0xff
// per the erased-state contract -- the host-simulation analogue of
// provisioning a blank flash chip.
func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	const op = "file.Start"
	f, err := os.OpenFile(b.cfg.Path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nvm.NewError(nvm.KindIoFailure, op, errors.Wrap(err, "open"))
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nvm.NewError(nvm.KindIoFailure, op, errors.Wrap(err, "stat"))
	}
	if want := b.capacity(); fi.Size() < want {
		log.Debugf("file.Start: growing %s from %d to %d bytes", b.cfg.Path, fi.Size(), want)
		if err := fillErased(f, fi.Size(), want); err != nil {
			f.Close()
			return nvm.NewError(nvm.KindIoFailure, op, err)
		}
	}

	b.f = f
	b.state = nvm.StateReady
	return nil
}

// fillErased appends (want-from) bytes of 0xff to f, which must be
// positioned such that its current size is from.
func fillErased(f *os.File, from, want int64) error {
	if _, err := f.Seek(from, io.SeekStart); err != nil {
		return errors.Wrap(err, "seek")
	}
	const chunkSize = 64 * 1024
	chunk := make([]byte, chunkSize)
	for i := range chunk {
		chunk[i] = 0xff
	}
	remaining := want - from
	for remaining > 0 {
		n := int64(chunkSize)
		if remaining < n {
			n = remaining
		}
		if _, err := f.Write(chunk[:n]); err != nil {
			return errors.Wrap(err, "write")
		}
		remaining -= n
	}
	return nil
}

func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	const op = "file.Stop"
	if b.f == nil {
		b.state = nvm.StateStop
		return nil
	}
	err := b.f.Close()
	b.f = nil
	b.state = nvm.StateStop
	if err != nil {
		return nvm.NewError(nvm.KindIoFailure, op, err)
	}
	return nil
}

func (b *Backend) checkReady(op string) error {
	if b.state != nvm.StateReady || b.f == nil {
		return nvm.NewError(nvm.KindInvalidState, op, nil)
	}
	return nil
}

func (b *Backend) checkRange(op string, start int64, n int64) error {
	if n == 0 {
		return nil
	}
	cap := b.capacity()
	if start < 0 || start > cap || n > cap-start {
		return nvm.NewError(nvm.KindInvalidArgument, op, nil)
	}
	return nil
}

func (b *Backend) Read(start uint32, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	const op = "file.Read"
	if err := b.checkReady(op); err != nil {
		return err
	}
	if err := b.checkRange(op, int64(start), int64(len(p))); err != nil {
		return err
	}
	if _, err := b.f.ReadAt(p, int64(start)); err != nil {
		return nvm.NewError(nvm.KindIoFailure, op, err)
	}
	return nil
}

func (b *Backend) Write(start uint32, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	const op = "file.Write"
	if err := b.checkReady(op); err != nil {
		return err
	}
	if err := b.checkRange(op, int64(start), int64(len(p))); err != nil {
		return err
	}
	if _, err := b.f.WriteAt(p, int64(start)); err != nil {
		return nvm.NewError(nvm.KindIoFailure, op, err)
	}
	return nil
}

func (b *Backend) Erase(start, n uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	const op = "file.Erase"
	if err := b.checkReady(op); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if start%b.cfg.SectorSize != 0 || n%b.cfg.SectorSize != 0 {
		return nvm.NewError(nvm.KindInvalidArgument, op, nil)
	}
	if err := b.checkRange(op, int64(start), int64(n)); err != nil {
		return err
	}
	fill := make([]byte, n)
	for i := range fill {
		fill[i] = 0xff
	}
	if _, err := b.f.WriteAt(fill, int64(start)); err != nil {
		return nvm.NewError(nvm.KindIoFailure, op, err)
	}
	return nil
}

func (b *Backend) MassErase() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	const op = "file.MassErase"
	if err := b.checkReady(op); err != nil {
		return err
	}
	fill := make([]byte, 64*1024)
	for i := range fill {
		fill[i] = 0xff
	}
	remaining := b.capacity()
	off := int64(0)
	for remaining > 0 {
		n := int64(len(fill))
		if remaining < n {
			n = remaining
		}
		if _, err := b.f.WriteAt(fill[:n], off); err != nil {
			return nvm.NewError(nvm.KindIoFailure, op, err)
		}
		off += n
		remaining -= n
	}
	return nil
}

func (b *Backend) Sync() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	const op = "file.Sync"
	if err := b.checkReady(op); err != nil {
		return err
	}
	if err := b.f.Sync(); err != nil {
		return nvm.NewError(nvm.KindIoFailure, op, err)
	}
	return nil
}

func (b *Backend) GetInfo() (nvm.Info, error) {
	return nvm.Info{
		SectorSize:     b.cfg.SectorSize,
		SectorCount:    b.cfg.SectorCount,
		Identification: b.cfg.Identification,
		WriteAlignment: 0,
	}, nil
}

func (b *Backend) WriteProtect(start, n uint32) error   { return nil }
func (b *Backend) MassWriteProtect() error              { return nil }
func (b *Backend) WriteUnprotect(start, n uint32) error { return nil }
func (b *Backend) MassWriteUnprotect() error            { return nil }

func (b *Backend) Acquire() error { return nil }
func (b *Backend) Release() error { return nil }

var _ nvm.Backend = (*Backend)(nil)
