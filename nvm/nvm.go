// Package nvm defines the contract shared by every non-volatile-memory
// backend in the stack: raw backends (memory, file, jedecspi), and the
// composing layers stacked on top of them (partition, mirror, fee).
//
// A Backend is byte-addressable for reads and (subject to its reported
// write alignment) for writes, but only sector-addressable for erase.
// Every address is relative to the backend's own origin; a composing
// layer translates addresses before delegating to its underlying
// Backend, never the other way around.
package nvm

import "fmt"

// State is a backend's position in its Start/Stop lifecycle.
type State int

const (
	StateStop State = iota
	StateReady
	StateReading
	StateWriting
	StateErasing
)

func (s State) String() string {
	switch s {
	case StateStop:
		return "stop"
	case StateReady:
		return "ready"
	case StateReading:
		return "reading"
	case StateWriting:
		return "writing"
	case StateErasing:
		return "erasing"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Info describes the fixed geometry of a backend.
type Info struct {
	// SectorSize is the smallest erasable unit, in bytes.
	SectorSize uint32
	// SectorCount is the number of sectors the backend exposes.
	SectorCount uint32
	// Identification is a three-byte chip/backend identity, e.g. a
	// JEDEC manufacturer/device ID for jedecspi, or zero for backends
	// that have none.
	Identification [3]byte
	// WriteAlignment is 0 for byte-granular backends, or n if writes
	// must start at a multiple of n bytes and cover a multiple of n
	// bytes.
	WriteAlignment uint32
}

// Capacity returns the backend's total addressable size in bytes.
func (i Info) Capacity() uint32 {
	return i.SectorSize * i.SectorCount
}

// Backend is the contract every NVM layer implements and, except for the
// raw backends, also consumes from an underlying Backend of its own.
//
// All operations are synchronous. They are only legal while the backend
// is in StateReady (Start/Stop aside); calling one on a stopped backend
// returns an *Error with Kind KindInvalidState.
type Backend interface {
	// Start transitions StateStop -> StateReady, performing whatever
	// recovery a layer requires before its state is consistent.
	Start() error
	// Stop transitions StateReady -> StateStop. A stopped backend must
	// be Start-ed again before further use.
	Stop() error

	// Read copies len(p) bytes starting at start into p.
	Read(start uint32, p []byte) error
	// Write stores p starting at start, subject to GetInfo's
	// WriteAlignment.
	Write(start uint32, p []byte) error
	// Erase resets n bytes starting at start to the erased state
	// (0xff). start and n must describe whole sectors.
	Erase(start, n uint32) error
	// MassErase resets everything this backend owns to the erased
	// state.
	MassErase() error
	// Sync blocks until all prior writes and erases are durable.
	Sync() error

	// GetInfo reports the backend's geometry.
	GetInfo() (Info, error)

	// WriteProtect, MassWriteProtect, WriteUnprotect and
	// MassWriteUnprotect are optional; a backend that cannot enforce
	// write protection may implement them as a successful no-op.
	WriteProtect(start, n uint32) error
	MassWriteProtect() error
	WriteUnprotect(start, n uint32) error
	MassWriteUnprotect() error

	// Acquire and Release take/give up an optional lock guarding the
	// backend instance. Composing layers forward both calls to their
	// underlying backend so a whole stack can be locked atomically by
	// acquiring the top.
	Acquire() error
	Release() error
}
