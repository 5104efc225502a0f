// Package sdcard defines the bus and card handles the mount helper consumes,
// plus a file-image-backed implementation for host-side diagnostics. The real
// SPI card driver is an external collaborator behind the Opener interface.
package sdcard

import (
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/board"
)

// BlockSize is the logical block size of SD cards in SPI mode.
const BlockSize = 512

// Bus is an exclusive handle on the SPI bus the card is attached to.
type Bus interface {
	// Close releases the bus lines. Closing an already-released bus is
	// tolerated.
	Close() error
}

// Card is a block-level handle on an initialized SD card.
type Card interface {
	// BlockCount returns the number of logical blocks on the card.
	BlockCount() (uint64, error)

	// ReadBlocks reads len(buf)/BlockSize blocks starting at block start.
	// len(buf) must be a multiple of BlockSize.
	ReadBlocks(start uint64, buf []byte) error

	// WriteBlocks writes len(buf)/BlockSize blocks starting at block start.
	WriteBlocks(start uint64, buf []byte) error

	// DevicePath is the path the filesystem layer mounts from.
	DevicePath() string

	// Close releases the card handle. The bus is released separately.
	Close() error
}

// Opener constructs bus and card handles from board configuration.
type Opener interface {
	OpenBus(cfg board.Config) (Bus, error)
	OpenCard(bus Bus, cfg board.Config) (Card, error)
}
