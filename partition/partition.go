// Package partition exposes a contiguous sector window of an
// underlying nvm.Backend as its own standalone backend, translating
// every address by the window's origin and bounds-checking against its
// extent. It is the simplest composing layer in the stack and the
// pattern the heavier layers (mirror, fee) reuse for their own
// sub-windowing of an underlying backend.
package partition

import (
	"github.com/lilvinz/gonvm/nvm"
)

// Config describes the window to expose.
type Config struct {
	// SectorOffset is the first sector of underlying this partition
	// exposes.
	SectorOffset uint32
	// SectorCount is the number of sectors the window spans.
	SectorCount uint32
}

// Backend is an nvm.Backend that restricts access to a window of an
// underlying nvm.Backend.
type Backend struct {
	underlying nvm.Backend
	cfg        Config

	info nvm.Info
}

// New returns a Backend exposing cfg's window of underlying. The window
// is not validated against underlying's geometry until Start, since
// GetInfo on the underlying backend may not be legal until then.
func New(underlying nvm.Backend, cfg Config) *Backend {
	return &Backend{underlying: underlying, cfg: cfg}
}

func (p *Backend) Start() error {
	const op = "partition.Start"
	if err := p.underlying.Start(); err != nil {
		return nvm.Propagate(op, err)
	}
	info, err := p.underlying.GetInfo()
	if err != nil {
		return nvm.Propagate(op, err)
	}
	if p.cfg.SectorOffset+p.cfg.SectorCount > info.SectorCount {
		return nvm.NewError(nvm.KindInvalidArgument, op, nil)
	}
	p.info = nvm.Info{
		SectorSize:     info.SectorSize,
		SectorCount:    p.cfg.SectorCount,
		Identification: info.Identification,
		WriteAlignment: info.WriteAlignment,
	}
	return nil
}

func (p *Backend) Stop() error {
	return nvm.Propagate("partition.Stop", p.underlying.Stop())
}

// translate converts a window-relative address into an underlying
// address, failing if [start, start+n) would escape the window.
func (p *Backend) translate(op string, start, n uint32) (uint32, error) {
	windowBytes := p.cfg.SectorCount * p.info.SectorSize
	if n > windowBytes || start > windowBytes-n {
		return 0, nvm.NewError(nvm.KindInvalidArgument, op, nil)
	}
	base := p.cfg.SectorOffset * p.info.SectorSize
	return base + start, nil
}

func (p *Backend) Read(start uint32, buf []byte) error {
	const op = "partition.Read"
	addr, err := p.translate(op, start, uint32(len(buf)))
	if err != nil {
		return err
	}
	return nvm.Propagate(op, p.underlying.Read(addr, buf))
}

func (p *Backend) Write(start uint32, buf []byte) error {
	const op = "partition.Write"
	addr, err := p.translate(op, start, uint32(len(buf)))
	if err != nil {
		return err
	}
	return nvm.Propagate(op, p.underlying.Write(addr, buf))
}

func (p *Backend) Erase(start, n uint32) error {
	const op = "partition.Erase"
	addr, err := p.translate(op, start, n)
	if err != nil {
		return err
	}
	return nvm.Propagate(op, p.underlying.Erase(addr, n))
}

// MassErase erases only the window's own sectors, never the
// underlying's sectors outside it.
func (p *Backend) MassErase() error {
	const op = "partition.MassErase"
	return nvm.Propagate(op, p.underlying.Erase(p.cfg.SectorOffset*p.info.SectorSize, p.cfg.SectorCount*p.info.SectorSize))
}

func (p *Backend) Sync() error {
	return nvm.Propagate("partition.Sync", p.underlying.Sync())
}

func (p *Backend) GetInfo() (nvm.Info, error) {
	return p.info, nil
}

func (p *Backend) WriteProtect(start, n uint32) error {
	const op = "partition.WriteProtect"
	addr, err := p.translate(op, start, n)
	if err != nil {
		return err
	}
	return nvm.Propagate(op, p.underlying.WriteProtect(addr, n))
}

func (p *Backend) MassWriteProtect() error {
	const op = "partition.MassWriteProtect"
	return nvm.Propagate(op, p.underlying.WriteProtect(p.cfg.SectorOffset*p.info.SectorSize, p.cfg.SectorCount*p.info.SectorSize))
}

func (p *Backend) WriteUnprotect(start, n uint32) error {
	const op = "partition.WriteUnprotect"
	addr, err := p.translate(op, start, n)
	if err != nil {
		return err
	}
	return nvm.Propagate(op, p.underlying.WriteUnprotect(addr, n))
}

func (p *Backend) MassWriteUnprotect() error {
	const op = "partition.MassWriteUnprotect"
	return nvm.Propagate(op, p.underlying.WriteUnprotect(p.cfg.SectorOffset*p.info.SectorSize, p.cfg.SectorCount*p.info.SectorSize))
}

func (p *Backend) Acquire() error { return nvm.Propagate("partition.Acquire", p.underlying.Acquire()) }
func (p *Backend) Release() error { return nvm.Propagate("partition.Release", p.underlying.Release()) }

var _ nvm.Backend = (*Backend)(nil)
