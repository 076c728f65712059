// Package jedecspi implements the command engine for JEDEC-compatible
// SPI NOR flash chips: read, page-program, sector-erase, block
// protection, and RDID identification, sequenced over an abstract SPI
// transport. It does not perform the concrete hardware bring-up (USB,
// FTDI enumeration, bus selection) that a production driver needs —
// that is the out-of-scope "concrete raw-device driver" collaborator;
// this package only needs something that can clock a byte-duplex SPI
// transaction and drive a chip-select line, which is exactly the shape
// of periph.io/x/conn/v3's spi.Conn and gpio.PinOut.
//
// The command sequencing here is ported from the same family of chips
// gentam/gice's Flash type drives (Micron N25Q / Winbond W25Q), but
// generalized to the Config below instead of a fixed chip table, and
// extended with AAI auto-address-increment program chunks and
// configurable block-protect bit counts.
package jedecspi

import (
	"time"

	"periph.io/x/conn/v3/gpio"

	"github.com/lilvinz/gonvm/nvm"
)

// cmdAutoIncrementProgram is the AAI (Auto Address Increment word
// program) opcode some chips use in place of an ordinary page-program
// opcode; it toggles between "first write" (opcode + 3-byte address +
// 2 data bytes) and "continuation write" (opcode + 2 data bytes) and
// requires an explicit write-disable once the caller is done.
const cmdAutoIncrementProgram = 0xad

// Standard JEDEC opcodes assumed present on every supported chip; only
// read/erase/program are per-chip configurable per §6.3.
const (
	cmdWriteEnable         = 0x06
	cmdWriteDisable        = 0x04
	cmdReadStatusRegister  = 0x05
	cmdWriteStatusRegister = 0x01
	cmdReadID              = 0x9f
	cmdFastRead            = 0x0b
)

// Config enumerates the chip-specific parameters a JedecSpi instance
// is built from (spec §6.3).
type Config struct {
	SectorCount uint32
	SectorSize  uint32

	PageSize uint32
	// PageAlignment is the granularity program requests must align to;
	// 0 means byte-granular (no padding needed). Must be <= PageSize
	// and a power of two when nonzero.
	PageAlignment uint32

	// AddrBytes is 3 or 4.
	AddrBytes int

	// BPBits is the number of block-protect bits in the status
	// register, 0-3.
	BPBits int

	CmdRead        byte
	CmdSectorErase byte // 0 means "no erase opcode": emulate via page-program of 0xff
	CmdPageProgram byte // cmdAutoIncrementProgram (0xad) selects AAI mode

	// WaitBusyTimeout bounds how long BusyWait polls before giving up
	// with nvm.KindTimeout. Zero means wait indefinitely, matching
	// spec.md's BusyWait description.
	WaitBusyTimeout time.Duration
	// WaitBusyInterval is the polling interval after the fast-path
	// immediate poll fails.
	WaitBusyInterval time.Duration
}

// spiTx is the minimal SPI transaction surface jedecspi needs.
// periph.io/x/conn/v3/spi.Conn satisfies it structurally.
type spiTx interface {
	Tx(w, r []byte) error
}

// csOut is the minimal chip-select surface jedecspi needs.
// periph.io/x/conn/v3/gpio.PinOut satisfies it structurally.
type csOut interface {
	Out(l gpio.Level) error
}

// Backend is an nvm.Backend implemented as a JEDEC SPI NOR command
// engine.
type Backend struct {
	conn spiTx
	cs   csOut
	cfg  Config

	state nvm.State
	id    [3]byte
}

// New returns a Backend driving chip cs/conn per cfg. Start performs
// the RDID identification read.
func New(conn spiTx, cs csOut, cfg Config) *Backend {
	if cfg.WaitBusyInterval == 0 {
		cfg.WaitBusyInterval = 100 * time.Microsecond
	}
	return &Backend{conn: conn, cs: cs, cfg: cfg}
}

func (b *Backend) tx(buf []byte) (err error) {
	if err = b.cs.Out(gpio.Low); err != nil {
		return err
	}
	defer func() {
		if csErr := b.cs.Out(gpio.High); csErr != nil && err == nil {
			err = csErr
		}
	}()
	return b.conn.Tx(buf, buf)
}

func (b *Backend) Start() error {
	const op = "jedecspi.Start"
	id, err := b.readID()
	if err != nil {
		return nvm.NewError(nvm.KindIoFailure, op, err)
	}
	b.id = id
	b.state = nvm.StateReady
	return nil
}

func (b *Backend) Stop() error {
	b.state = nvm.StateStop
	return nil
}

func (b *Backend) checkReady(op string) error {
	if b.state != nvm.StateReady {
		return nvm.NewError(nvm.KindInvalidState, op, nil)
	}
	return nil
}

// readID issues RDID and skips any leading 0x7f JEDEC continuation
// bytes before taking the next three bytes as the identification.
func (b *Backend) readID() ([3]byte, error) {
	buf := make([]byte, 1+16)
	buf[0] = cmdReadID
	if err := b.tx(buf); err != nil {
		return [3]byte{}, err
	}
	data := buf[1:]
	i := 0
	for i < len(data) && data[i] == 0x7f {
		i++
	}
	if i+3 > len(data) {
		return [3]byte{}, nvm.NewError(nvm.KindIoFailure, "jedecspi.readID", nil)
	}
	return [3]byte(data[i : i+3]), nil
}

func (b *Backend) putAddr(buf []byte, addr uint32) {
	switch b.cfg.AddrBytes {
	case 4:
		buf[0] = byte(addr >> 24)
		buf[1] = byte(addr >> 16)
		buf[2] = byte(addr >> 8)
		buf[3] = byte(addr)
	default:
		buf[0] = byte(addr >> 16)
		buf[1] = byte(addr >> 8)
		buf[2] = byte(addr)
	}
}

func (b *Backend) addrBytes() int {
	if b.cfg.AddrBytes == 4 {
		return 4
	}
	return 3
}

func (b *Backend) capacity() uint32 {
	return b.cfg.SectorSize * b.cfg.SectorCount
}

func (b *Backend) checkRange(op string, start, n uint32) error {
	if n == 0 {
		return nil
	}
	capacity := b.capacity()
	if start > capacity || n > capacity-start {
		return nvm.NewError(nvm.KindInvalidArgument, op, nil)
	}
	return nil
}

// Read performs a read, injecting one dummy byte for the fast-read
// (0x0b) opcode.
func (b *Backend) Read(start uint32, p []byte) error {
	const op = "jedecspi.Read"
	if err := b.checkReady(op); err != nil {
		return err
	}
	if err := b.checkRange(op, start, uint32(len(p))); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}

	ab := b.addrBytes()
	dummy := 0
	if b.cfg.CmdRead == cmdFastRead {
		dummy = 1
	}
	buf := make([]byte, 1+ab+dummy+len(p))
	buf[0] = b.cfg.CmdRead
	b.putAddr(buf[1:], start)

	if err := b.tx(buf); err != nil {
		return nvm.NewError(nvm.KindIoFailure, op, err)
	}
	copy(p, buf[1+ab+dummy:])
	return nil
}

func (b *Backend) writeEnable() error {
	return b.tx([]byte{cmdWriteEnable})
}

func (b *Backend) writeDisable() error {
	return b.tx([]byte{cmdWriteDisable})
}

// BusyWait polls the status register's busy bit (bit 0), yielding to
// the scheduler between polls, until it clears or cfg.WaitBusyTimeout
// elapses.
func (b *Backend) BusyWait() error {
	sr, err := b.ReadStatusRegister()
	if err != nil {
		return err
	}
	if !sr.Busy() {
		return nil
	}

	var deadline <-chan time.Time
	if b.cfg.WaitBusyTimeout > 0 {
		timer := time.NewTimer(b.cfg.WaitBusyTimeout)
		defer timer.Stop()
		deadline = timer.C
	}
	ticker := time.NewTicker(b.cfg.WaitBusyInterval)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			return nvm.NewError(nvm.KindTimeout, "jedecspi.BusyWait", nil)
		case <-ticker.C:
			sr, err := b.ReadStatusRegister()
			if err != nil {
				return err
			}
			if !sr.Busy() {
				return nil
			}
		}
	}
}

// pageProgram writes data (which must fit within a single page
// starting at addr) using either an ordinary page-program opcode or
// the AAI auto-increment sequence.
func (b *Backend) pageProgram(addr uint32, data []byte) error {
	if err := b.writeEnable(); err != nil {
		return err
	}

	if b.cfg.CmdPageProgram == cmdAutoIncrementProgram {
		return b.pageProgramAAI(addr, data)
	}

	ab := b.addrBytes()
	buf := make([]byte, 1+ab+len(data))
	buf[0] = b.cfg.CmdPageProgram
	b.putAddr(buf[1:], addr)
	copy(buf[1+ab:], data)

	if err := b.tx(buf); err != nil {
		return err
	}
	return b.BusyWait()
}

// pageProgramAAI drives the Auto-Address-Increment program sequence: a
// first write carrying the address and the first two bytes, then
// further two-byte writes with no address, finished by an explicit
// write-disable (some chips clear WEL on completion by themselves, but
// AAI chips require the disable be issued regardless per spec.md §4.3).
func (b *Backend) pageProgramAAI(addr uint32, data []byte) error {
	ab := b.addrBytes()
	off := 0
	for off < len(data) {
		chunk := data[off : off+min(2, len(data)-off)]
		var buf []byte
		if off == 0 {
			buf = make([]byte, 1+ab+len(chunk))
			buf[0] = cmdAutoIncrementProgram
			b.putAddr(buf[1:], addr)
			copy(buf[1+ab:], chunk)
		} else {
			if err := b.writeEnable(); err != nil {
				return err
			}
			buf = make([]byte, 1+len(chunk))
			buf[0] = cmdAutoIncrementProgram
			copy(buf[1:], chunk)
		}
		if err := b.tx(buf); err != nil {
			return err
		}
		if err := b.BusyWait(); err != nil {
			return err
		}
		off += len(chunk)
	}
	return b.writeDisable()
}

// Write splits the request on page boundaries and, when PageAlignment
// is configured, pads the leading/trailing partial chunk with 0xff so
// every on-wire program request is PageAlignment-sized; 0xff padding
// never clears a bit that was not already supposed to change, since an
// erased or already-written 0xff byte is a write no-op under the
// monotonic-write rule.
func (b *Backend) Write(start uint32, p []byte) error {
	const op = "jedecspi.Write"
	if err := b.checkReady(op); err != nil {
		return err
	}
	if err := b.checkRange(op, start, uint32(len(p))); err != nil {
		return err
	}
	if len(p) == 0 {
		return nil
	}
	addr := start
	off := 0
	for off < len(p) {
		pageBase := addr - addr%b.cfg.PageSize
		pageEnd := pageBase + b.cfg.PageSize
		chunkLen := pageEnd - addr
		if rem := uint32(len(p) - off); chunkLen > rem {
			chunkLen = rem
		}
		chunk := p[off : off+int(chunkLen)]

		writeAddr := addr
		writeChunk := chunk
		if align := b.cfg.PageAlignment; align > 0 {
			leadPad := addr % align
			tailLen := uint32(len(chunk)) + leadPad
			tailPad := (align - tailLen%align) % align
			if leadPad != 0 || tailPad != 0 {
				padded := make([]byte, leadPad+uint32(len(chunk))+tailPad)
				for i := range padded {
					padded[i] = 0xff
				}
				copy(padded[leadPad:], chunk)
				writeAddr = addr - leadPad
				writeChunk = padded
			}
		}

		if err := b.pageProgram(writeAddr, writeChunk); err != nil {
			return nvm.Propagate(op, err)
		}

		addr += chunkLen
		off += int(chunkLen)
	}
	return nil
}

// Erase erases [start, start+n), which must describe whole sectors. If
// the chip has no erase opcode configured, erase is emulated by
// page-programming the range to 0xff.
func (b *Backend) Erase(start, n uint32) error {
	const op = "jedecspi.Erase"
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

	if b.cfg.CmdSectorErase == 0 {
		return b.eraseByProgramming(start, n)
	}

	ab := b.addrBytes()
	for off := uint32(0); off < n; off += b.cfg.SectorSize {
		if err := b.writeEnable(); err != nil {
			return nvm.NewError(nvm.KindIoFailure, op, err)
		}
		buf := make([]byte, 1+ab)
		buf[0] = b.cfg.CmdSectorErase
		b.putAddr(buf[1:], start+off)
		if err := b.tx(buf); err != nil {
			return nvm.NewError(nvm.KindIoFailure, op, err)
		}
		if err := b.BusyWait(); err != nil {
			return nvm.Propagate(op, err)
		}
	}
	return nil
}

func (b *Backend) eraseByProgramming(start, n uint32) error {
	fill := make([]byte, b.cfg.PageSize)
	for i := range fill {
		fill[i] = 0xff
	}
	for off := uint32(0); off < n; off += b.cfg.PageSize {
		chunk := fill
		if remaining := n - off; remaining < b.cfg.PageSize {
			chunk = fill[:remaining]
		}
		if err := b.pageProgram(start+off, chunk); err != nil {
			return nvm.Propagate("jedecspi.Erase", err)
		}
	}
	return nil
}

func (b *Backend) MassErase() error {
	return b.Erase(0, b.capacity())
}

func (b *Backend) Sync() error {
	const op = "jedecspi.Sync"
	return b.checkReady(op)
}

// GetInfo reports byte-granular write alignment: page_alignment padding
// (if configured) is handled internally by Write, so callers never need
// to align their requests to it.
func (b *Backend) GetInfo() (nvm.Info, error) {
	return nvm.Info{
		SectorSize:     b.cfg.SectorSize,
		SectorCount:    b.cfg.SectorCount,
		Identification: b.id,
		WriteAlignment: 0,
	}, nil
}

func (b *Backend) Acquire() error { return nil }
func (b *Backend) Release() error { return nil }

var _ nvm.Backend = (*Backend)(nil)
