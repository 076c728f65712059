package mirror

import (
	"bytes"
	"testing"

	"github.com/lilvinz/gonvm/memory"
	"github.com/lilvinz/gonvm/nvm"
	"github.com/lilvinz/gonvm/nvm/nvmtest"
)

func newUnderlying(t *testing.T) *memory.Backend {
	t.Helper()
	m := memory.New(memory.Config{SectorSize: 64, SectorCount: 33})
	if err := m.Start(); err != nil {
		t.Fatalf("underlying Start: %v", err)
	}
	return m
}

func TestMirrorBasicWriteRead(t *testing.T) {
	under := newUnderlying(t)
	m := New(under, Config{HeaderSectorCount: 1})
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	info, err := m.GetInfo()
	if err != nil {
		t.Fatalf("GetInfo: %v", err)
	}
	if info.Capacity() != 1024 {
		t.Fatalf("unexpected capacity: %d", info.Capacity())
	}

	data := bytes.Repeat([]byte{0xaa}, 32)
	if err := m.Write(0, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
	readBack := make([]byte, 32)
	if err := m.Read(0, readBack); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(readBack, data) {
		t.Fatalf("readback mismatch: % x", readBack)
	}

	// Both copies must agree.
	var a, b [32]byte
	if err := under.Read(m.offsetA, a[:]); err != nil {
		t.Fatalf("read A: %v", err)
	}
	if err := under.Read(m.offsetB, b[:]); err != nil {
		t.Fatalf("read B: %v", err)
	}
	if a != b {
		t.Fatalf("mirror copies diverged")
	}
}

// TestMirrorRecoversFromInterruptedStepTwo is spec scenario S2: power
// loss after Mirror A is written but before the state advances to
// DIRTY_B. Restart must recover by copying B (the pre-image) back over
// A, discarding the partially-applied write; a subsequent successful
// write must then read back correctly.
func TestMirrorRecoversFromInterruptedStepTwo(t *testing.T) {
	raw := newUnderlying(t)
	inj := nvmtest.NewInjector(raw)

	m := New(inj, Config{HeaderSectorCount: 1})
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Sequence of mutating underlying calls for one Write: Write(header
	// DIRTY_A), Sync, Write(mirror A), Write(header DIRTY_B), Sync,
	// Write(mirror B), Write(header SYNCED), Sync. Fail on the 4th call
	// (DIRTY_B header write), i.e. let 3 through first.
	inj.FailAfter = 3
	data := bytes.Repeat([]byte{0xaa}, 32)
	if err := m.Write(0, data); err == nil {
		t.Fatalf("expected injected fault to surface")
	}

	m2 := New(raw, Config{HeaderSectorCount: 1})
	if err := m2.Start(); err != nil {
		t.Fatalf("restart Start: %v", err)
	}
	readBack := make([]byte, 32)
	if err := m2.Read(0, readBack); err != nil {
		t.Fatalf("Read after recovery: %v", err)
	}
	if !bytes.Equal(readBack, bytes.Repeat([]byte{0xff}, 32)) {
		t.Fatalf("expected pre-write image (0xff) after DIRTY_A recovery, got % x", readBack)
	}

	if err := m2.Write(0, data); err != nil {
		t.Fatalf("re-issued Write: %v", err)
	}
	if err := m2.Read(0, readBack); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(readBack, data) {
		t.Fatalf("final readback mismatch: % x", readBack)
	}
}

// TestMirrorRecoversFromInterruptedStepFour is spec scenario S3: power
// loss after Mirror A is written and the state reached DIRTY_B, but
// before Mirror B is written. Restart must recover by copying A (now
// authoritative) over B and advancing to SYNCED.
func TestMirrorRecoversFromInterruptedStepFour(t *testing.T) {
	raw := newUnderlying(t)
	inj := nvmtest.NewInjector(raw)

	m := New(inj, Config{HeaderSectorCount: 1})
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	// Let through: Write(header DIRTY_A), Sync, Write(mirror A),
	// Write(header DIRTY_B), Sync -- 5 calls -- then fail the 6th
	// (mirror B write).
	inj.FailAfter = 5
	data := bytes.Repeat([]byte{0xaa}, 32)
	if err := m.Write(0, data); err == nil {
		t.Fatalf("expected injected fault to surface")
	}

	m2 := New(raw, Config{HeaderSectorCount: 1})
	if err := m2.Start(); err != nil {
		t.Fatalf("restart Start: %v", err)
	}
	readBack := make([]byte, 32)
	if err := m2.Read(0, readBack); err != nil {
		t.Fatalf("Read after recovery: %v", err)
	}
	if !bytes.Equal(readBack, data) {
		t.Fatalf("expected post-write image after DIRTY_B recovery, got % x", readBack)
	}
}

func TestMirrorReadRejectedOutsideSynced(t *testing.T) {
	raw := newUnderlying(t)
	m := New(raw, Config{HeaderSectorCount: 1})
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	m.state = stateDirtyA
	buf := make([]byte, 1)
	err := m.Read(0, buf)
	if err == nil {
		t.Fatalf("expected read to be rejected outside SYNCED")
	}
	if kerr, ok := err.(*nvm.Error); !ok || kerr.Kind != nvm.KindInvalidState {
		t.Fatalf("expected KindInvalidState, got %v", err)
	}
}

func TestMirrorHeaderWraps(t *testing.T) {
	raw := newUnderlying(t)
	m := New(raw, Config{HeaderSectorCount: 1})
	if err := m.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// header is 64 bytes / 8-byte entries = 8 entries; issue enough
	// writes to force a wrap-around erase.
	data := []byte{0x01}
	for i := 0; i < 10; i++ {
		if err := m.Write(0, data); err != nil {
			t.Fatalf("Write %d: %v", i, err)
		}
	}
	readBack := make([]byte, 1)
	if err := m.Read(0, readBack); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if readBack[0] != 0x01 {
		t.Fatalf("unexpected final value: %#x", readBack[0])
	}
}
