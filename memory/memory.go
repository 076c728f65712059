// Package memory implements an nvm.Backend over a byte buffer that New
// allocates internally; a caller cannot supply its own buffer, and
// Bytes exposes the allocated one. It exists to give the composing
// layers (partition, mirror, fee) a fast, deterministic backend for
// unit tests and desktop simulation, mirroring the role BlockDevicer
// fakes play for mendersoftware/mender's installer package.
package memory

import (
	"sync"

	"github.com/lilvinz/gonvm/nvm"
)

// Config describes the geometry memory.Backend should present.
type Config struct {
	SectorSize     uint32
	SectorCount    uint32
	Identification [3]byte
}

// Backend is a byte-granular nvm.Backend backed by a []byte held
// entirely in process memory.
type Backend struct {
	cfg Config
	buf []byte

	mu    sync.Mutex
	state nvm.State
}

// New allocates a fresh Backend, pre-filled with 0xff per the erased
// state contract.
func New(cfg Config) *Backend {
	b := &Backend{
		cfg: cfg,
		buf: make([]byte, cfg.SectorSize*cfg.SectorCount),
	}
	for i := range b.buf {
		b.buf[i] = 0xff
	}
	return b
}

// Bytes exposes the backing buffer directly, for tests that need to
// inspect or corrupt raw contents.
func (b *Backend) Bytes() []byte { return b.buf }

func (b *Backend) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = nvm.StateReady
	return nil
}

func (b *Backend) Stop() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = nvm.StateStop
	return nil
}

func (b *Backend) checkReady(op string) error {
	if b.state != nvm.StateReady {
		return nvm.NewError(nvm.KindInvalidState, op, nil)
	}
	return nil
}

func (b *Backend) checkRange(op string, start, n uint32) error {
	if n == 0 {
		return nil
	}
	capacity := b.cfg.SectorSize * b.cfg.SectorCount
	if start > capacity || n > capacity-start {
		return nvm.NewError(nvm.KindInvalidArgument, op, nil)
	}
	return nil
}

func (b *Backend) Read(start uint32, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	const op = "memory.Read"
	if err := b.checkReady(op); err != nil {
		return err
	}
	if err := b.checkRange(op, start, uint32(len(p))); err != nil {
		return err
	}
	copy(p, b.buf[start:start+uint32(len(p))])
	return nil
}

func (b *Backend) Write(start uint32, p []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	const op = "memory.Write"
	if err := b.checkReady(op); err != nil {
		return err
	}
	if err := b.checkRange(op, start, uint32(len(p))); err != nil {
		return err
	}
	copy(b.buf[start:start+uint32(len(p))], p)
	return nil
}

func (b *Backend) Erase(start, n uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	const op = "memory.Erase"
	if err := b.checkReady(op); err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if start%b.cfg.SectorSize != 0 || n%b.cfg.SectorSize != 0 {
		return nvm.NewError(nvm.KindInvalidArgument, op, nil)
	}
	if err := b.checkRange(op, start, n); err != nil {
		return err
	}
	for i := start; i < start+n; i++ {
		b.buf[i] = 0xff
	}
	return nil
}

func (b *Backend) MassErase() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	const op = "memory.MassErase"
	if err := b.checkReady(op); err != nil {
		return err
	}
	for i := range b.buf {
		b.buf[i] = 0xff
	}
	return nil
}

func (b *Backend) Sync() error {
	const op = "memory.Sync"
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.checkReady(op)
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
