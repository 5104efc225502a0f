// Package diag implements the advisory pre-mount checks: boot-sector
// inspection and a sustained-read smoke test. A failed check downgrades
// confidence in the card but never aborts a mount.
package diag

import (
	"encoding/binary"
	"fmt"
	"strings"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/sd-mount-helper/pkg/sdcard"
)

const (
	// BootSignature is the two-byte magic closing a valid boot sector.
	BootSignature = 0xAA55

	// bootSignatureOffset is where the magic lives in block 0.
	bootSignatureOffset = 510

	// partitionTypeOffset is the type byte of the first partition entry.
	partitionTypeOffset = 450

	// sustainedReadHead is how much of block 1 is reported for diagnostics.
	sustainedReadHead = 16
)

// BootSectorInfo summarizes block 0 for diagnostic output.
type BootSectorInfo struct {
	Signature      uint16
	SignatureValid bool
	PartitionType  byte
}

// PartitionLabel returns the human label for the first partition's type byte.
func (i *BootSectorInfo) PartitionLabel() string {
	return PartitionTypeLabel(i.PartitionType)
}

var partitionTypes = map[byte]string{
	0x01: "FAT12",
	0x04: "FAT16 <32MB",
	0x06: "FAT16",
	0x07: "NTFS/exFAT",
	0x0B: "FAT32",
	0x0C: "FAT32 LBA",
	0x0E: "FAT16 LBA",
	0x83: "Linux",
}

// PartitionTypeLabel maps an MBR partition type code to a human label.
// Unknown codes are reported with their hex value.
func PartitionTypeLabel(code byte) string {
	if name, ok := partitionTypes[code]; ok {
		return name
	}
	return fmt.Sprintf("Unknown (0x%02X)", code)
}

// InspectBootSector reads block 0 and decodes the boot signature and first
// partition type. A missing signature is reported in the result rather than
// as an error; an error means the block could not be read at all.
func InspectBootSector(card sdcard.Card) (*BootSectorInfo, error) {
	buf := make([]byte, sdcard.BlockSize)
	if err := card.ReadBlocks(0, buf); err != nil {
		return nil, fmt.Errorf("boot sector read failed: %w", err)
	}

	info := &BootSectorInfo{
		Signature:     binary.LittleEndian.Uint16(buf[bootSignatureOffset:]),
		PartitionType: buf[partitionTypeOffset],
	}
	info.SignatureValid = info.Signature == BootSignature

	klog.V(4).Infof("Boot sector signature bytes: 0x%02X 0x%02X",
		buf[bootSignatureOffset], buf[bootSignatureOffset+1])
	return info, nil
}

// CheckSustainedRead reads block 1, exercising a read past the boot sector,
// and returns its first bytes for diagnostic output.
func CheckSustainedRead(card sdcard.Card) ([]byte, error) {
	buf := make([]byte, sdcard.BlockSize)
	if err := card.ReadBlocks(1, buf); err != nil {
		return nil, fmt.Errorf("sustained read failed: %w", err)
	}

	head := buf[:sustainedReadHead]
	klog.V(4).Infof("Block 1 first %d bytes: %s", sustainedReadHead, HexDump(head))
	return head, nil
}

// HexDump formats bytes as space-separated hex pairs.
func HexDump(b []byte) string {
	parts := make([]string, len(b))
	for i, v := range b {
		parts[i] = fmt.Sprintf("%02X", v)
	}
	return strings.Join(parts, " ")
}
