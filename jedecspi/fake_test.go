package jedecspi

import (
	"fmt"

	"periph.io/x/conn/v3/gpio"
)

// fakeChip is a software model of a JEDEC SPI NOR flash chip, enough of
// one to drive Backend's command sequencing end to end without any
// real hardware. It mirrors the role distributed-i2cm's PVT24 fake
// transactor plays for eeprom24_test.go: a deterministic stand-in that
// remembers byte state and replies the way real silicon would.
type fakeChip struct {
	mem    []byte
	id     [3]byte
	sr     StatusRegister
	bpBits int
	busy   int // remaining status-register reads that report BUSY

	cmdRead        byte
	cmdSectorErase byte
	cmdPageProgram byte
	addrBytes      int
	sectorSize     uint32
	pageSize       uint32

	// aaiCursor tracks the write address for AAI continuation chunks,
	// which carry no address of their own.
	aaiCursor uint32

	calls []string
}

func newFakeChip(size int, addrBytes int, bpBits int) *fakeChip {
	mem := make([]byte, size)
	for i := range mem {
		mem[i] = 0xff
	}
	return &fakeChip{mem: mem, id: [3]byte{0x20, 0xba, 0x18}, addrBytes: addrBytes, bpBits: bpBits}
}

func (f *fakeChip) addr(buf []byte) uint32 {
	var a uint32
	for _, b := range buf {
		a = a<<8 | uint32(b)
	}
	return a
}

// program writes data at addr. Chips with a real sector-erase opcode
// can only clear bits (AND semantics); chips configured with
// CmdSectorErase == 0 are modeled as true-overwrite storage (e.g.
// FRAM/MRAM behind the same command set), since "erase via
// programming 0xff" is only physically meaningful for such chips.
func (f *fakeChip) program(addr uint32, data []byte) {
	for i, d := range data {
		if f.cmdSectorErase == 0 {
			f.mem[int(addr)+i] = d
		} else {
			f.mem[int(addr)+i] &= d
		}
	}
}

func (f *fakeChip) Tx(w, r []byte) error {
	f.calls = append(f.calls, fmt.Sprintf("%#x", w[0]))
	op := w[0]
	switch {
	case op == cmdReadID:
		copy(r[1:], []byte{f.id[0], f.id[1], f.id[2]})
	case op == cmdReadStatusRegister:
		r[1] = byte(f.sr)
		if f.busy > 0 {
			f.busy--
			r[1] |= 1 << 0
		}
	case op == cmdWriteStatusRegister:
		f.sr = StatusRegister(w[1])
	case op == cmdWriteEnable:
		f.sr |= 1 << 1
	case op == cmdWriteDisable:
		f.sr &^= 1 << 1
	case op == cmdAutoIncrementProgram && f.cmdPageProgram == cmdAutoIncrementProgram:
		var addr uint32
		var data []byte
		// A first AAI chunk carries an address (length > addrBytes+1);
		// continuation chunks carry only up to two data bytes.
		if len(w)-1 > f.addrBytes {
			addr = f.addr(w[1 : 1+f.addrBytes])
			data = w[1+f.addrBytes:]
		} else {
			data = w[1:]
			addr = f.aaiCursor
		}
		f.program(addr, data)
		f.aaiCursor = addr + uint32(len(data))
		f.sr &^= 1 << 1
	case op == f.cmdPageProgram:
		addr := f.addr(w[1 : 1+f.addrBytes])
		data := w[1+f.addrBytes:]
		f.program(addr, data)
		f.sr &^= 1 << 1
	case f.cmdSectorErase != 0 && op == f.cmdSectorErase:
		addr := f.addr(w[1 : 1+f.addrBytes])
		for i := uint32(0); i < f.sectorSize; i++ {
			f.mem[int(addr)+int(i)] = 0xff
		}
		f.sr &^= 1 << 1
	case op == f.cmdRead:
		addr := f.addr(w[1 : 1+f.addrBytes])
		dummy := 0
		if f.cmdRead == cmdFastRead {
			dummy = 1
		}
		copy(r[1+f.addrBytes+dummy:], f.mem[addr:])
	default:
		return fmt.Errorf("fakeChip: unhandled opcode %#x", w[0])
	}
	return nil
}

type fakeCS struct {
	level gpio.Level
}

func (c *fakeCS) Out(l gpio.Level) error {
	c.level = l
	return nil
}
