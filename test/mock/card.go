package mock

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"git.srvlab.io/whiskey/sd-mount-helper/pkg/board"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/sdcard"
)

// Opener constructs mock buses and cards and counts how many of each were
// opened, so tests can assert handle reuse and release.
type Opener struct {
	Config MockCardConfig

	// OpenBusError and OpenCardError, when set, fail the respective call.
	OpenBusError  error
	OpenCardError error

	mu        sync.Mutex
	busOpens  int
	cardOpens int
	lastBus   *Bus
	lastCard  *Card
}

// NewOpener creates an Opener producing cards with the given config.
func NewOpener(cfg MockCardConfig) *Opener {
	if cfg.SizeMB == 0 {
		cfg.SizeMB = 64
	}
	return &Opener{Config: cfg}
}

func (o *Opener) OpenBus(cfg board.Config) (sdcard.Bus, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.OpenBusError != nil {
		return nil, o.OpenBusError
	}
	o.busOpens++
	bus := &Bus{}
	o.lastBus = bus
	return bus, nil
}

func (o *Opener) OpenCard(bus sdcard.Bus, cfg board.Config) (sdcard.Card, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.OpenCardError != nil {
		return nil, o.OpenCardError
	}
	o.cardOpens++
	card := NewCard(o.Config)
	o.lastCard = card
	return card, nil
}

// BusOpens returns the number of successful OpenBus calls.
func (o *Opener) BusOpens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.busOpens
}

// CardOpens returns the number of successful OpenCard calls.
func (o *Opener) CardOpens() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cardOpens
}

// LastBus returns the most recently opened bus.
func (o *Opener) LastBus() *Bus {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastBus
}

// LastCard returns the most recently opened card.
func (o *Opener) LastCard() *Card {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastCard
}

// Bus is a mock bus handle.
type Bus struct {
	mu     sync.Mutex
	closed bool
}

func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// Closed reports whether Close was called.
func (b *Bus) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// Card is an in-memory block device. Blocks are stored sparsely; unwritten
// blocks read as zero except block 0, which carries a synthetic boot sector.
type Card struct {
	cfg MockCardConfig

	mu              sync.Mutex
	blocks          map[uint64][]byte
	closed          bool
	blockCountCalls int
	readCalls       int
	writeCalls      int
}

// NewCard creates a mock card. Block 0 is populated with a valid boot
// signature and a FAT32 LBA partition type unless ErrorMode is
// "bad_signature".
func NewCard(cfg MockCardConfig) *Card {
	if cfg.SizeMB == 0 {
		cfg.SizeMB = 64
	}
	c := &Card{cfg: cfg, blocks: map[uint64][]byte{}}

	mbr := make([]byte, sdcard.BlockSize)
	mbr[450] = 0x0C
	if cfg.ErrorMode != "bad_signature" {
		binary.LittleEndian.PutUint16(mbr[510:512], 0xAA55)
	}
	c.blocks[0] = mbr

	block1 := make([]byte, sdcard.BlockSize)
	copy(block1, []byte("mock card data"))
	c.blocks[1] = block1

	return c
}

func (c *Card) BlockCount() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.delay(c.cfg.BlockCountDelayMs)
	c.blockCountCalls++
	if c.cfg.ErrorMode == "block_count_fail" && c.blockCountCalls > c.cfg.ErrorAfterN {
		return 0, fmt.Errorf("no response from SD card")
	}
	return c.cfg.SizeMB * 1024 * 1024 / sdcard.BlockSize, nil
}

func (c *Card) ReadBlocks(start uint64, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.delay(c.cfg.ReadDelayMs)
	c.readCalls++
	if c.cfg.ErrorMode == "read_fail" && c.readCalls > c.cfg.ErrorAfterN {
		return fmt.Errorf("input/output error reading block %d", start)
	}
	if err := c.checkSpan(start, buf); err != nil {
		return err
	}

	for i := 0; i < len(buf)/sdcard.BlockSize; i++ {
		blk := c.blocks[start+uint64(i)]
		dst := buf[i*sdcard.BlockSize : (i+1)*sdcard.BlockSize]
		if blk == nil {
			for j := range dst {
				dst[j] = 0
			}
		} else {
			copy(dst, blk)
		}
	}
	return nil
}

func (c *Card) WriteBlocks(start uint64, buf []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.delay(c.cfg.WriteDelayMs)
	c.writeCalls++
	if c.cfg.ErrorMode == "write_fail" && c.writeCalls > c.cfg.ErrorAfterN {
		return fmt.Errorf("input/output error writing block %d", start)
	}
	if err := c.checkSpan(start, buf); err != nil {
		return err
	}

	for i := 0; i < len(buf)/sdcard.BlockSize; i++ {
		blk := make([]byte, sdcard.BlockSize)
		copy(blk, buf[i*sdcard.BlockSize:(i+1)*sdcard.BlockSize])
		c.blocks[start+uint64(i)] = blk
	}
	return nil
}

func (c *Card) DevicePath() string {
	return "/dev/mock-sd"
}

func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Card) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Card) checkSpan(start uint64, buf []byte) error {
	if len(buf) == 0 || len(buf)%sdcard.BlockSize != 0 {
		return fmt.Errorf("buffer length %d is not a multiple of %d", len(buf), sdcard.BlockSize)
	}
	count := c.cfg.SizeMB * 1024 * 1024 / sdcard.BlockSize
	if start+uint64(len(buf)/sdcard.BlockSize) > count {
		return fmt.Errorf("block range [%d, %d) beyond card size %d", start, start+uint64(len(buf)/sdcard.BlockSize), count)
	}
	return nil
}

func (c *Card) delay(ms int) {
	if c.cfg.RealisticTiming && ms > 0 {
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}
