// Package mirror implements a power-fail-atomic two-copy layer over an
// underlying nvm.Backend: every mutation is applied to two redundant
// copies (A and B) in a fixed order recorded by a small header of
// monotonic state marks, so an interruption at any point leaves the
// header pointing unambiguously at either the pre- or post-mutation
// image, and Start can always recover to a consistent SYNCED state.
//
// The state-mark encoding mirrors the same bit-clear-only trick the
// underlying raw backends rely on for their own write semantics: each
// legal mark is reached from the previous one by clearing more bits,
// never setting any, so advancing the header never needs an erase
// mid-mutation.
package mirror

import (
	"bytes"

	"github.com/lilvinz/gonvm/nvm"
)

const stateEntrySize = 8

type stateMark int

const (
	stateUnused stateMark = iota
	stateDirtyA
	stateDirtyB
	stateSynced
	stateInvalid
)

func (s stateMark) String() string {
	switch s {
	case stateUnused:
		return "UNUSED"
	case stateDirtyA:
		return "DIRTY_A"
	case stateDirtyB:
		return "DIRTY_B"
	case stateSynced:
		return "SYNCED"
	default:
		return "INVALID"
	}
}

var statePatterns = map[stateMark][stateEntrySize]byte{
	stateUnused: {0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	stateDirtyA: {0x00, 0x00, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
	stateDirtyB: {0x00, 0x00, 0x00, 0x00, 0xff, 0xff, 0xff, 0xff},
	stateSynced: {0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xff, 0xff},
}

func classify(entry []byte) stateMark {
	for _, s := range [...]stateMark{stateUnused, stateDirtyA, stateDirtyB, stateSynced} {
		pattern := statePatterns[s]
		if bytes.Equal(entry, pattern[:]) {
			return s
		}
	}
	return stateInvalid
}

// Config describes how the underlying backend is split between header
// and the two mirrored copies.
type Config struct {
	// HeaderSectorCount is the number of leading underlying sectors
	// reserved for the state-mark header; must be at least 1. The
	// remaining sectors split evenly between Mirror A and Mirror B.
	HeaderSectorCount uint32
}

// Backend is an nvm.Backend presenting a single logical address space
// backed by two redundant copies of an underlying nvm.Backend.
type Backend struct {
	underlying nvm.Backend
	cfg        Config
	info       nvm.Info

	headerBytes uint32
	mirrorBytes uint32
	offsetA     uint32
	offsetB     uint32

	stateOffset uint32
	state       stateMark
}

// New returns a Backend mirroring writes across two copies of
// underlying's address space, reserving cfg.HeaderSectorCount leading
// sectors for recovery bookkeeping.
func New(underlying nvm.Backend, cfg Config) *Backend {
	return &Backend{underlying: underlying, cfg: cfg}
}

func (b *Backend) Start() error {
	const op = "mirror.Start"
	if err := b.underlying.Start(); err != nil {
		return nvm.Propagate(op, err)
	}
	info, err := b.underlying.GetInfo()
	if err != nil {
		return nvm.Propagate(op, err)
	}
	if b.cfg.HeaderSectorCount < 1 {
		return nvm.NewError(nvm.KindInvalidArgument, op, nil)
	}
	remaining := info.SectorCount - b.cfg.HeaderSectorCount
	if info.SectorCount <= b.cfg.HeaderSectorCount || remaining%2 != 0 {
		return nvm.NewError(nvm.KindInvalidArgument, op, nil)
	}
	mirrorSectors := remaining / 2

	b.headerBytes = b.cfg.HeaderSectorCount * info.SectorSize
	b.mirrorBytes = mirrorSectors * info.SectorSize
	b.offsetA = b.headerBytes
	b.offsetB = b.headerBytes + b.mirrorBytes

	b.info = nvm.Info{
		SectorSize:     info.SectorSize,
		SectorCount:    mirrorSectors,
		Identification: info.Identification,
		WriteAlignment: info.WriteAlignment,
	}

	offset, state, invalid, err := b.scanHeader()
	if err != nil {
		return nvm.Propagate(op, err)
	}
	b.stateOffset = offset
	b.state = state
	if invalid {
		b.state = stateInvalid
	}

	if err := b.recover(); err != nil {
		return nvm.Propagate(op, err)
	}
	return nil
}

func (b *Backend) Stop() error {
	return nvm.Propagate("mirror.Stop", b.underlying.Stop())
}

// scanHeader walks the header's fixed-size entries in order, stopping
// at the first UNUSED entry. The last recognized entry before it is the
// current state pointer; an unrecognized pattern before it marks the
// whole header invalid.
func (b *Backend) scanHeader() (offset uint32, state stateMark, invalid bool, err error) {
	buf := make([]byte, b.headerBytes)
	if err := b.underlying.Read(0, buf); err != nil {
		return 0, stateUnused, false, err
	}
	state = stateUnused
	offset = 0
	for pos := uint32(0); pos+stateEntrySize <= b.headerBytes; pos += stateEntrySize {
		entry := buf[pos : pos+stateEntrySize]
		s := classify(entry)
		if s == stateUnused {
			break
		}
		if s == stateInvalid {
			return pos, stateUnused, true, nil
		}
		offset = pos
		state = s
	}
	return offset, state, false, nil
}

// recover brings the mirror to SYNCED following spec's recovery table,
// restoring whichever copy the interrupted mutation had not yet
// reached.
func (b *Backend) recover() error {
	switch b.state {
	case stateSynced:
		return nil
	case stateDirtyA:
		if err := b.copySectors(b.offsetB, b.offsetA); err != nil {
			return err
		}
		return b.writeMarkDirect(b.stateOffset, stateSynced)
	case stateDirtyB:
		if err := b.copySectors(b.offsetA, b.offsetB); err != nil {
			return err
		}
		return b.writeMarkDirect(b.stateOffset, stateSynced)
	default: // stateUnused (pristine) or stateInvalid
		if err := b.underlying.Erase(0, b.headerBytes); err != nil {
			return err
		}
		b.stateOffset = 0
		if err := b.copySectors(b.offsetA, b.offsetB); err != nil {
			return err
		}
		return b.writeMarkDirect(0, stateSynced)
	}
}

// copySectors copies mirrorBytes worth of data from src to dst,
// erasing each destination sector just before it is overwritten.
func (b *Backend) copySectors(src, dst uint32) error {
	sectorSize := b.info.SectorSize
	buf := make([]byte, sectorSize)
	for off := uint32(0); off < b.mirrorBytes; off += sectorSize {
		if err := b.underlying.Read(src+off, buf); err != nil {
			return err
		}
		if err := b.underlying.Erase(dst+off, sectorSize); err != nil {
			return err
		}
		if err := b.underlying.Write(dst+off, buf); err != nil {
			return err
		}
	}
	return nil
}

// writeMarkDirect writes mark's pattern at the given header offset
// without advancing to a new entry, then syncs. Used by recovery,
// which always finishes an in-flight entry rather than starting one.
func (b *Backend) writeMarkDirect(offset uint32, mark stateMark) error {
	pattern := statePatterns[mark]
	if err := b.underlying.Write(offset, pattern[:]); err != nil {
		return err
	}
	if err := b.underlying.Sync(); err != nil {
		return err
	}
	b.stateOffset = offset
	b.state = mark
	return nil
}

// advance moves the header to mark, starting a fresh entry (wrapping
// the header with an erase if necessary) whenever the current entry is
// already SYNCED, and reusing the current entry otherwise -- the
// ordinary case for the three intra-mutation steps DIRTY_A, DIRTY_B,
// SYNCED, each a strict bit-clear superset of the last.
func (b *Backend) advance(mark stateMark) error {
	offset := b.stateOffset
	if b.state == stateSynced {
		offset += stateEntrySize
		if offset+stateEntrySize > b.headerBytes {
			if err := b.underlying.Erase(0, b.headerBytes); err != nil {
				return err
			}
			offset = 0
		}
	}
	return b.writeMarkDirect(offset, mark)
}

func (b *Backend) checkRange(op string, start, n uint32) error {
	if n > b.mirrorBytes || start > b.mirrorBytes-n {
		return nvm.NewError(nvm.KindInvalidArgument, op, nil)
	}
	return nil
}

// mutate drives the five-step write/erase state machine common to
// every mutation: DIRTY_A, apply to A, DIRTY_B, apply to B, SYNCED.
func (b *Backend) mutate(op string, apply func(base uint32) error) error {
	if err := b.advance(stateDirtyA); err != nil {
		return nvm.Propagate(op, err)
	}
	if err := apply(b.offsetA); err != nil {
		return nvm.Propagate(op, err)
	}
	if err := b.advance(stateDirtyB); err != nil {
		return nvm.Propagate(op, err)
	}
	if err := apply(b.offsetB); err != nil {
		return nvm.Propagate(op, err)
	}
	if err := b.advance(stateSynced); err != nil {
		return nvm.Propagate(op, err)
	}
	return nil
}

// Read delegates to Mirror A only, and only in SYNCED: any other
// state means a mutation was interrupted and Start has not yet run to
// resolve it.
func (b *Backend) Read(start uint32, p []byte) error {
	const op = "mirror.Read"
	if b.state != stateSynced {
		return nvm.NewError(nvm.KindInvalidState, op, nil)
	}
	if err := b.checkRange(op, start, uint32(len(p))); err != nil {
		return err
	}
	return nvm.Propagate(op, b.underlying.Read(b.offsetA+start, p))
}

func (b *Backend) Write(start uint32, p []byte) error {
	const op = "mirror.Write"
	if err := b.checkRange(op, start, uint32(len(p))); err != nil {
		return err
	}
	return b.mutate(op, func(base uint32) error {
		return b.underlying.Write(base+start, p)
	})
}

func (b *Backend) Erase(start, n uint32) error {
	const op = "mirror.Erase"
	if err := b.checkRange(op, start, n); err != nil {
		return err
	}
	return b.mutate(op, func(base uint32) error {
		return b.underlying.Erase(base+start, n)
	})
}

func (b *Backend) MassErase() error {
	const op = "mirror.MassErase"
	return b.mutate(op, func(base uint32) error {
		return b.underlying.Erase(base, b.mirrorBytes)
	})
}

func (b *Backend) Sync() error {
	return nvm.Propagate("mirror.Sync", b.underlying.Sync())
}

func (b *Backend) GetInfo() (nvm.Info, error) {
	return b.info, nil
}

func (b *Backend) WriteProtect(start, n uint32) error {
	const op = "mirror.WriteProtect"
	if err := b.checkRange(op, start, n); err != nil {
		return err
	}
	if err := b.underlying.WriteProtect(b.offsetA+start, n); err != nil {
		return nvm.Propagate(op, err)
	}
	return nvm.Propagate(op, b.underlying.WriteProtect(b.offsetB+start, n))
}

func (b *Backend) MassWriteProtect() error {
	return nvm.Propagate("mirror.MassWriteProtect", b.underlying.MassWriteProtect())
}

func (b *Backend) WriteUnprotect(start, n uint32) error {
	const op = "mirror.WriteUnprotect"
	if err := b.checkRange(op, start, n); err != nil {
		return err
	}
	if err := b.underlying.WriteUnprotect(b.offsetA+start, n); err != nil {
		return nvm.Propagate(op, err)
	}
	return nvm.Propagate(op, b.underlying.WriteUnprotect(b.offsetB+start, n))
}

func (b *Backend) MassWriteUnprotect() error {
	return nvm.Propagate("mirror.MassWriteUnprotect", b.underlying.MassWriteUnprotect())
}

func (b *Backend) Acquire() error { return nvm.Propagate("mirror.Acquire", b.underlying.Acquire()) }
func (b *Backend) Release() error { return nvm.Propagate("mirror.Release", b.underlying.Release()) }

var _ nvm.Backend = (*Backend)(nil)
