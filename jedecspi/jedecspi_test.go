package jedecspi

import (
	"bytes"
	"testing"

	"github.com/lilvinz/gonvm/nvm"
)

func newTestBackend(t *testing.T, chip *fakeChip, cfg Config) (*Backend, *fakeCS) {
	t.Helper()
	cs := &fakeCS{}
	cfg.CmdRead = chip.cmdRead
	cfg.CmdSectorErase = chip.cmdSectorErase
	cfg.CmdPageProgram = chip.cmdPageProgram
	cfg.AddrBytes = chip.addrBytes
	b := New(chip, cs, cfg)
	if err := b.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return b, cs
}

func TestJedecSpiIdentification(t *testing.T) {
	chip := newFakeChip(4096, 3, 2)
	chip.cmdRead = 0x03
	chip.sectorSize = 256
	chip.pageSize = 256

	b, _ := newTestBackend(t, chip, Config{SectorCount: 16, SectorSize: 256, PageSize: 256, BPBits: 2})
	info, err := b.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.Identification != chip.id {
		t.Fatalf("identification mismatch: got %v want %v", info.Identification, chip.id)
	}
	if info.WriteAlignment != 0 {
		t.Fatalf("expected byte-granular WriteAlignment, got %d", info.WriteAlignment)
	}
}

// TestJedecSpiWriteSplitsOnPageBoundary is spec scenario S6: a 300-byte
// write at offset 100 against a 256-byte page size must split into two
// PROG commands (one finishing the first page, one starting the
// second), and readback must match across the whole range.
func TestJedecSpiWriteSplitsOnPageBoundary(t *testing.T) {
	chip := newFakeChip(4096, 3, 2)
	chip.cmdRead = 0x03
	chip.cmdPageProgram = 0x02
	chip.sectorSize = 256
	chip.pageSize = 256

	b, _ := newTestBackend(t, chip, Config{SectorCount: 16, SectorSize: 256, PageSize: 256, BPBits: 2})

	data := bytes.Repeat([]byte{0x5a}, 300)
	if err := b.Write(100, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	progCount := 0
	for _, c := range chip.calls {
		if c == "0x2" {
			progCount++
		}
	}
	if progCount != 2 {
		t.Fatalf("expected 2 PROG commands, got %d (calls: %v)", progCount, chip.calls)
	}

	readBack := make([]byte, 300)
	if err := b.Read(100, readBack); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(readBack, data) {
		t.Fatalf("readback mismatch")
	}
}

func TestJedecSpiAAIProgram(t *testing.T) {
	chip := newFakeChip(4096, 3, 0)
	chip.cmdRead = 0x03
	chip.cmdPageProgram = cmdAutoIncrementProgram
	chip.sectorSize = 256
	chip.pageSize = 256

	b, _ := newTestBackend(t, chip, Config{SectorCount: 16, SectorSize: 256, PageSize: 256, CmdPageProgram: cmdAutoIncrementProgram})

	data := []byte{0x11, 0x22, 0x33, 0x44, 0x55}
	if err := b.Write(10, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	readBack := make([]byte, len(data))
	if err := b.Read(10, readBack); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(readBack, data) {
		t.Fatalf("AAI readback mismatch: got % x want % x", readBack, data)
	}
}

func TestJedecSpiPageAlignmentPadding(t *testing.T) {
	chip := newFakeChip(4096, 3, 0)
	chip.cmdRead = 0x03
	chip.cmdPageProgram = 0x02
	chip.sectorSize = 256
	chip.pageSize = 256

	b, _ := newTestBackend(t, chip, Config{
		SectorCount: 16, SectorSize: 256, PageSize: 256, PageAlignment: 4,
	})

	if err := b.Write(5, []byte{0xaa, 0xbb}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	// Bytes 4 and 7 must remain erased (0xff): the on-wire program was
	// padded to [4, 8) but only [5, 7) came from the caller.
	buf := make([]byte, 4)
	if err := b.Read(4, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	want := []byte{0xff, 0xaa, 0xbb, 0xff}
	if !bytes.Equal(buf, want) {
		t.Fatalf("padding mismatch: got % x want % x", buf, want)
	}
}

func TestJedecSpiEraseRequiresSectorAlignment(t *testing.T) {
	chip := newFakeChip(4096, 3, 0)
	chip.cmdRead = 0x03
	chip.cmdSectorErase = 0xd8
	chip.sectorSize = 256
	chip.pageSize = 256

	b, _ := newTestBackend(t, chip, Config{SectorCount: 16, SectorSize: 256, PageSize: 256, CmdSectorErase: 0xd8})
	if err := b.Erase(1, 256); err == nil {
		t.Fatalf("expected alignment error")
	}
	if err := b.Erase(0, 256); err != nil {
		t.Fatalf("Erase: %v", err)
	}
}

func TestJedecSpiEraseEmulatedByProgramming(t *testing.T) {
	chip := newFakeChip(4096, 3, 0)
	chip.cmdRead = 0x03
	chip.cmdPageProgram = 0x02
	chip.sectorSize = 256
	chip.pageSize = 256

	b, _ := newTestBackend(t, chip, Config{SectorCount: 16, SectorSize: 256, PageSize: 256})
	if err := b.Write(0, bytes.Repeat([]byte{0x00}, 256)); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := b.Erase(0, 256); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	buf := make([]byte, 256)
	if err := b.Read(0, buf); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(buf, bytes.Repeat([]byte{0xff}, 256)) {
		t.Fatalf("emulated erase did not restore 0xff")
	}
}

// TestJedecSpiBlockProtect exercises the BP-bit algorithm from spec
// §4.3: write_protect raises BP until the protected suffix covers the
// requested address, write_unprotect lowers it back down, and mass
// operations set/clear the whole field.
func TestJedecSpiBlockProtect(t *testing.T) {
	chip := newFakeChip(4096, 3, 2)
	chip.cmdRead = 0x03
	chip.cmdPageProgram = 0x02
	chip.sectorSize = 256
	chip.pageSize = 256

	b, _ := newTestBackend(t, chip, Config{SectorCount: 16, SectorSize: 256, PageSize: 256, BPBits: 2})

	capacity := b.capacity()
	if err := b.WriteProtect(capacity-256, 256); err != nil {
		t.Fatalf("WriteProtect: %v", err)
	}
	sr, err := b.ReadStatusRegister()
	if err != nil {
		t.Fatalf("ReadStatusRegister: %v", err)
	}
	bp := bpValue(sr, 2)
	if bp == 0 {
		t.Fatalf("expected BP to be raised, got 0")
	}
	if got := b.firstProtectedAddress(bp); got > capacity-256 {
		t.Fatalf("protected region does not cover requested address: first=%d", got)
	}

	if err := b.MassWriteUnprotect(); err != nil {
		t.Fatalf("MassWriteUnprotect: %v", err)
	}
	sr, _ = b.ReadStatusRegister()
	if bpValue(sr, 2) != 0 {
		t.Fatalf("expected BP cleared after MassWriteUnprotect")
	}

	if err := b.MassWriteProtect(); err != nil {
		t.Fatalf("MassWriteProtect: %v", err)
	}
	sr, _ = b.ReadStatusRegister()
	if bpValue(sr, 2) != b.maxBP() {
		t.Fatalf("expected BP at max after MassWriteProtect")
	}
}

func TestJedecSpiOutOfRangeRejected(t *testing.T) {
	chip := newFakeChip(4096, 3, 0)
	chip.cmdRead = 0x03
	chip.sectorSize = 256
	chip.pageSize = 256
	b, _ := newTestBackend(t, chip, Config{SectorCount: 16, SectorSize: 256, PageSize: 256})

	buf := make([]byte, 1)
	err := b.Read(4096, buf)
	if err == nil {
		t.Fatalf("expected out-of-range error")
	}
	if kerr, ok := err.(*nvm.Error); !ok || kerr.Kind != nvm.KindInvalidArgument {
		t.Fatalf("expected KindInvalidArgument, got %v", err)
	}
}
