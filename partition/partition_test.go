package partition

import (
	"bytes"
	"testing"

	"github.com/lilvinz/gonvm/memory"
	"github.com/lilvinz/gonvm/nvm"
)

// TestPartitionBasics is spec scenario S1: a Partition over 16
// sectors x 256 bytes, windowing sectors [4, 12), writes inside the
// window land at the corresponding underlying offset, and bytes
// outside the window are untouched.
func TestPartitionBasics(t *testing.T) {
	under := memory.New(memory.Config{SectorSize: 256, SectorCount: 16})
	if err := under.Start(); err != nil {
		t.Fatalf("underlying Start: %v", err)
	}

	p := New(under, Config{SectorOffset: 4, SectorCount: 8})
	if err := p.Start(); err != nil {
		t.Fatalf("partition Start: %v", err)
	}

	info, err := p.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.Capacity() != 2048 {
		t.Fatalf("unexpected capacity: %d", info.Capacity())
	}

	data := bytes.Repeat([]byte{0x55}, 100)
	if err := p.Write(10, data); err != nil {
		t.Fatalf("Write: %v", err)
	}

	underlyingBuf := make([]byte, 100)
	// sector 4 starts at byte 4*256 = 1024, so offset 10 in the
	// partition lands at underlying offset 1024+10 = 1034.
	if err := under.Read(1024+10, underlyingBuf); err != nil {
		t.Fatalf("underlying Read: %v", err)
	}
	if !bytes.Equal(underlyingBuf, data) {
		t.Fatalf("underlying bytes not written through: % x", underlyingBuf)
	}

	untouched := make([]byte, 1)
	if err := under.Read(0, untouched); err != nil {
		t.Fatalf("underlying Read: %v", err)
	}
	if untouched[0] != 0xff {
		t.Fatalf("sector 0 should be untouched, got %#x", untouched[0])
	}
}

func TestPartitionRejectsOutOfWindowAccess(t *testing.T) {
	under := memory.New(memory.Config{SectorSize: 256, SectorCount: 16})
	if err := under.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	p := New(under, Config{SectorOffset: 4, SectorCount: 8})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	buf := make([]byte, 1)
	if err := p.Read(2048, buf); err == nil {
		t.Fatalf("expected out-of-window read to fail")
	} else if kerr, ok := err.(*nvm.Error); !ok || kerr.Kind != nvm.KindInvalidArgument {
		t.Fatalf("expected KindInvalidArgument, got %v", err)
	}
}

func TestPartitionMassEraseOnlyErasesWindow(t *testing.T) {
	under := memory.New(memory.Config{SectorSize: 256, SectorCount: 16})
	if err := under.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := under.Write(0, bytes.Repeat([]byte{0x11}, 16*256)); err != nil {
		t.Fatalf("seed write: %v", err)
	}

	p := New(under, Config{SectorOffset: 4, SectorCount: 8})
	if err := p.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := p.MassErase(); err != nil {
		t.Fatalf("MassErase: %v", err)
	}

	before := make([]byte, 256)
	if err := under.Read(0, before); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(before, bytes.Repeat([]byte{0x11}, 256)) {
		t.Fatalf("sector outside window should be untouched")
	}

	inside := make([]byte, 256)
	if err := under.Read(4*256, inside); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(inside, bytes.Repeat([]byte{0xff}, 256)) {
		t.Fatalf("sector inside window should be erased")
	}
}
