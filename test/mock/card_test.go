package mock

import (
	"bytes"
	"testing"
	"time"

	"git.srvlab.io/whiskey/sd-mount-helper/pkg/board"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/sdcard"
)

func TestOpenerCounts(t *testing.T) {
	o := NewOpener(DefaultMockCardConfig())
	cfg := board.Default()

	bus, err := o.OpenBus(cfg)
	if err != nil {
		t.Fatalf("OpenBus failed: %v", err)
	}
	if _, err := o.OpenCard(bus, cfg); err != nil {
		t.Fatalf("OpenCard failed: %v", err)
	}

	if o.BusOpens() != 1 || o.CardOpens() != 1 {
		t.Errorf("Opens = %d/%d, want 1/1", o.BusOpens(), o.CardOpens())
	}
	if o.LastBus() == nil || o.LastCard() == nil {
		t.Error("Last handles not recorded")
	}
}

func TestCardBlockCount(t *testing.T) {
	card := NewCard(MockCardConfig{SizeMB: 128})

	count, err := card.BlockCount()
	if err != nil {
		t.Fatalf("BlockCount failed: %v", err)
	}
	if want := uint64(128 * 1024 * 1024 / sdcard.BlockSize); count != want {
		t.Errorf("BlockCount = %d, want %d", count, want)
	}
}

func TestCardReadWriteRoundTrip(t *testing.T) {
	card := NewCard(DefaultMockCardConfig())

	want := bytes.Repeat([]byte{0xA7}, 2*sdcard.BlockSize)
	if err := card.WriteBlocks(10, want); err != nil {
		t.Fatalf("WriteBlocks failed: %v", err)
	}

	got := make([]byte, 2*sdcard.BlockSize)
	if err := card.ReadBlocks(10, got); err != nil {
		t.Fatalf("ReadBlocks failed: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Error("Read data does not match written data")
	}
}

func TestCardUnwrittenBlocksReadZero(t *testing.T) {
	card := NewCard(DefaultMockCardConfig())

	buf := bytes.Repeat([]byte{0xFF}, sdcard.BlockSize)
	if err := card.ReadBlocks(100, buf); err != nil {
		t.Fatalf("ReadBlocks failed: %v", err)
	}
	if !bytes.Equal(buf, make([]byte, sdcard.BlockSize)) {
		t.Error("Unwritten block did not read as zero")
	}
}

func TestCardSpanValidation(t *testing.T) {
	card := NewCard(MockCardConfig{SizeMB: 1})
	count := uint64(1 * 1024 * 1024 / sdcard.BlockSize)

	if err := card.ReadBlocks(0, make([]byte, sdcard.BlockSize-1)); err == nil {
		t.Error("Partial block read accepted")
	}
	if err := card.ReadBlocks(count, make([]byte, sdcard.BlockSize)); err == nil {
		t.Error("Out-of-range read accepted")
	}
}

func TestErrorAfterN(t *testing.T) {
	card := NewCard(MockCardConfig{ErrorMode: "read_fail", ErrorAfterN: 2})
	buf := make([]byte, sdcard.BlockSize)

	if err := card.ReadBlocks(0, buf); err != nil {
		t.Fatalf("Read 1 failed early: %v", err)
	}
	if err := card.ReadBlocks(0, buf); err != nil {
		t.Fatalf("Read 2 failed early: %v", err)
	}
	if err := card.ReadBlocks(0, buf); err == nil {
		t.Fatal("Read 3 did not fail")
	}
}

func TestRealisticTiming(t *testing.T) {
	card := NewCard(MockCardConfig{RealisticTiming: true, BlockCountDelayMs: 50})

	start := time.Now()
	if _, err := card.BlockCount(); err != nil {
		t.Fatalf("BlockCount failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("BlockCount returned after %v, want at least 50ms", elapsed)
	}
}

func TestTimingDisabledByDefault(t *testing.T) {
	card := NewCard(MockCardConfig{BlockCountDelayMs: 500})

	start := time.Now()
	if _, err := card.BlockCount(); err != nil {
		t.Fatalf("BlockCount failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("Delay applied without RealisticTiming (%v)", elapsed)
	}
}

func TestFilesystemReadOnly(t *testing.T) {
	fs := NewFilesystem()
	if err := fs.Mount("/dev/mock-sd", "/sd", true); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	if err := fs.WriteFile("/sd/test.txt", []byte("x")); err == nil {
		t.Error("Write to read-only mount accepted")
	}

	// Paths outside the read-only mount are writable.
	if err := fs.WriteFile("/tmp/other.txt", []byte("x")); err != nil {
		t.Errorf("Write outside mount failed: %v", err)
	}
}

func TestFilesystemStatfsTracksUsage(t *testing.T) {
	fs := NewFilesystem()
	if err := fs.Mount("/dev/mock-sd", "/sd", false); err != nil {
		t.Fatalf("Mount failed: %v", err)
	}

	before, err := fs.Statfs("/sd")
	if err != nil {
		t.Fatalf("Statfs failed: %v", err)
	}

	if err := fs.WriteFile("/sd/big.bin", make([]byte, 1024*1024)); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	after, err := fs.Statfs("/sd")
	if err != nil {
		t.Fatalf("Statfs failed: %v", err)
	}
	if after.FreeBlocks >= before.FreeBlocks {
		t.Errorf("FreeBlocks did not drop: %d -> %d", before.FreeBlocks, after.FreeBlocks)
	}
	if after.TotalBlocks != before.TotalBlocks {
		t.Errorf("TotalBlocks changed: %d -> %d", before.TotalBlocks, after.TotalBlocks)
	}
}
