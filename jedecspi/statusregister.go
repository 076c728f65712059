package jedecspi

import (
	"fmt"
	"strings"

	"github.com/lilvinz/gonvm/nvm"
)

// StatusRegister mirrors the layout gentam/gice's Flash type decodes,
// generalized so the block-protect field width follows Config.BPBits
// instead of being fixed at three bits.
//
//	Bit | Meaning (typical N25Q/W25Q layout)
//	----+------------------------------------
//	7   | Status register write enable/disable (SRP)
//	6   | Reserved / sector protect
//	5   | Top/bottom protect
//	4:2 | Block protect bits (width varies by chip, Config.BPBits)
//	1   | Write enable latch (WEL)
//	0   | Write in progress (BUSY)
type StatusRegister byte

func (sr StatusRegister) Busy() bool         { return sr&(1<<0) != 0 }
func (sr StatusRegister) WriteEnabled() bool { return sr&(1<<1) != 0 }

func (sr StatusRegister) String() string {
	b := fmt.Sprintf("%08b", byte(sr))
	var parts []string
	if sr.WriteEnabled() {
		parts = append(parts, "WEL")
	}
	if sr.Busy() {
		parts = append(parts, "BUSY")
	}
	if len(parts) == 0 {
		return b
	}
	return b + " " + strings.Join(parts, ",")
}

// bpMask covers the BPBits-wide block-protect field starting at bit 2.
func bpMask(bpBits int) byte {
	return byte((1<<uint(bpBits))-1) << 2
}

// bpValue extracts the current BP field value (0..2^BPBits-1).
func bpValue(sr StatusRegister, bpBits int) byte {
	return (byte(sr) & bpMask(bpBits)) >> 2
}

func (b *Backend) ReadStatusRegister() (StatusRegister, error) {
	buf := []byte{cmdReadStatusRegister, 0}
	if err := b.tx(buf); err != nil {
		return 0, err
	}
	return StatusRegister(buf[1]), nil
}

func (b *Backend) writeStatusRegister(sr StatusRegister) error {
	if err := b.writeEnable(); err != nil {
		return err
	}
	return b.tx([]byte{cmdWriteStatusRegister, byte(sr)})
}

func (b *Backend) setBP(bp byte) error {
	sr, err := b.ReadStatusRegister()
	if err != nil {
		return err
	}
	next := StatusRegister(byte(sr)&^bpMask(b.cfg.BPBits) | (bp<<2)&bpMask(b.cfg.BPBits))
	return b.writeStatusRegister(next)
}

// firstProtectedAddress returns the first byte address the currently
// configured BP value protects, or capacity (nothing protected) for
// bp == 0. Per spec §4.4 the protected region is a suffix of size
// capacity * 2^(bp-1) / 2^bpBits.
func (b *Backend) firstProtectedAddress(bp byte) uint32 {
	if bp == 0 {
		return b.capacity()
	}
	cap64 := uint64(b.capacity())
	protected := (cap64 * (uint64(1) << (bp - 1))) >> uint(b.cfg.BPBits)
	return b.capacity() - uint32(protected)
}

func (b *Backend) maxBP() byte {
	return byte(1<<uint(b.cfg.BPBits)) - 1
}

// WriteProtect increments BP until first_protected_address <= addr,
// matching spec.md's chosen boundary convention (§9 design notes).
func (b *Backend) WriteProtect(addr, n uint32) error {
	const op = "jedecspi.WriteProtect"
	if b.cfg.BPBits == 0 {
		return nil
	}
	sr, err := b.ReadStatusRegister()
	if err != nil {
		return nvm.NewError(nvm.KindIoFailure, op, err)
	}
	bp := bpValue(sr, b.cfg.BPBits)
	for bp < b.maxBP() && b.firstProtectedAddress(bp) > addr {
		bp++
	}
	if err := b.setBP(bp); err != nil {
		return nvm.NewError(nvm.KindIoFailure, op, err)
	}
	return nil
}

// WriteUnprotect decrements BP until first_protected_address >= addr+n.
func (b *Backend) WriteUnprotect(addr, n uint32) error {
	const op = "jedecspi.WriteUnprotect"
	if b.cfg.BPBits == 0 {
		return nil
	}
	sr, err := b.ReadStatusRegister()
	if err != nil {
		return nvm.NewError(nvm.KindIoFailure, op, err)
	}
	bp := bpValue(sr, b.cfg.BPBits)
	end := addr + n
	for bp > 0 && b.firstProtectedAddress(bp) < end {
		bp--
	}
	if err := b.setBP(bp); err != nil {
		return nvm.NewError(nvm.KindIoFailure, op, err)
	}
	return nil
}

func (b *Backend) MassWriteProtect() error {
	const op = "jedecspi.MassWriteProtect"
	if b.cfg.BPBits == 0 {
		return nil
	}
	if err := b.setBP(b.maxBP()); err != nil {
		return nvm.NewError(nvm.KindIoFailure, op, err)
	}
	return nil
}

func (b *Backend) MassWriteUnprotect() error {
	const op = "jedecspi.MassWriteUnprotect"
	if b.cfg.BPBits == 0 {
		return nil
	}
	if err := b.setBP(0); err != nil {
		return nvm.NewError(nvm.KindIoFailure, op, err)
	}
	return nil
}
