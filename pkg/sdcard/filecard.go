package sdcard

import (
	"fmt"
	"os"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/sd-mount-helper/pkg/board"
)

// FileOpener backs the card with a block device node or a raw card image,
// for running diagnostics on a host where the card is exposed as a file.
type FileOpener struct {
	// Path is the device node or image file, e.g. /dev/mmcblk0 or sd.img.
	Path string
}

// fileBus owns the open file. The card reads through it; Close releases it.
type fileBus struct {
	f      *os.File
	closed bool
}

func (b *fileBus) Close() error {
	if b.closed {
		return nil
	}
	b.closed = true
	return b.f.Close()
}

type fileCard struct {
	f      *os.File
	path   string
	blocks uint64
}

// OpenBus opens the backing file. The bus handle owns it.
func (o FileOpener) OpenBus(cfg board.Config) (Bus, error) {
	f, err := os.OpenFile(o.Path, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to open card image %s: %w", o.Path, err)
	}
	klog.V(4).Infof("Opened card image %s (sck=%s mosi=%s miso=%s cs=%s)",
		o.Path, cfg.SCK, cfg.MOSI, cfg.MISO, cfg.CS)
	return &fileBus{f: f}, nil
}

// OpenCard sizes the image and hands out a block-level view of it.
func (o FileOpener) OpenCard(bus Bus, cfg board.Config) (Card, error) {
	fb, ok := bus.(*fileBus)
	if !ok {
		return nil, fmt.Errorf("bus was not opened by this opener")
	}

	st, err := fb.f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat card image: %w", err)
	}

	blocks := uint64(st.Size()) / BlockSize
	if blocks == 0 {
		return nil, fmt.Errorf("card image %s holds no full %d-byte block", o.Path, BlockSize)
	}

	klog.V(2).Infof("Opened SD card image %s: %d blocks at %d Hz", o.Path, blocks, cfg.ClockHz)
	return &fileCard{f: fb.f, path: o.Path, blocks: blocks}, nil
}

func (c *fileCard) BlockCount() (uint64, error) {
	return c.blocks, nil
}

func (c *fileCard) ReadBlocks(start uint64, buf []byte) error {
	if err := checkSpan(start, buf, c.blocks); err != nil {
		return err
	}
	if _, err := c.f.ReadAt(buf, int64(start)*BlockSize); err != nil {
		return fmt.Errorf("read of %d block(s) at %d failed: %w", len(buf)/BlockSize, start, err)
	}
	return nil
}

func (c *fileCard) WriteBlocks(start uint64, buf []byte) error {
	if err := checkSpan(start, buf, c.blocks); err != nil {
		return err
	}
	if _, err := c.f.WriteAt(buf, int64(start)*BlockSize); err != nil {
		return fmt.Errorf("write of %d block(s) at %d failed: %w", len(buf)/BlockSize, start, err)
	}
	return nil
}

func (c *fileCard) DevicePath() string {
	return c.path
}

// Close is a no-op: the file is owned by the bus handle.
func (c *fileCard) Close() error {
	return nil
}

func checkSpan(start uint64, buf []byte, blocks uint64) error {
	if len(buf) == 0 || len(buf)%BlockSize != 0 {
		return fmt.Errorf("buffer length %d is not a multiple of the %d-byte block size", len(buf), BlockSize)
	}
	n := uint64(len(buf)) / BlockSize
	if start+n > blocks {
		return fmt.Errorf("blocks %d..%d out of range (card has %d)", start, start+n-1, blocks)
	}
	return nil
}
