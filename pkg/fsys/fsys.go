// Package fsys is the filesystem surface consumed by the mount helper: the
// boot-sector-aware mount call plus the file operations the query surface
// wraps. The host implementation shells out to mount(8); test doubles live
// in test/mock.
package fsys

// VolumeStats holds per-volume filesystem statistics.
type VolumeStats struct {
	// BlockSize is the filesystem block size in bytes
	BlockSize uint64

	// TotalBlocks is the volume size in blocks
	TotalBlocks uint64

	// FreeBlocks is the unallocated space in blocks
	FreeBlocks uint64
}

// TotalBytes returns the volume size in bytes.
func (s *VolumeStats) TotalBytes() uint64 {
	return s.BlockSize * s.TotalBlocks
}

// FreeBytes returns the unallocated space in bytes.
func (s *VolumeStats) FreeBytes() uint64 {
	return s.BlockSize * s.FreeBlocks
}

// UsedBytes returns the allocated space in bytes.
func (s *VolumeStats) UsedBytes() uint64 {
	return s.TotalBytes() - s.FreeBytes()
}

// Filesystem handles mount, unmount, and file operations on the card's
// volume.
type Filesystem interface {
	// Mount mounts device at target. The volume is mounted read-only unless
	// readonly is false.
	Mount(device, target string, readonly bool) error

	// Unmount unmounts target. Unmounting a path that is not mounted is not
	// an error.
	Unmount(target string) error

	// IsLikelyMountPoint checks if a path is a mount point
	IsLikelyMountPoint(path string) (bool, error)

	// Statfs returns filesystem statistics for the volume at path
	Statfs(path string) (*VolumeStats, error)

	// ReadDir lists the names of the entries in path
	ReadDir(path string) ([]string, error)

	// File operations on the mounted volume
	ReadFile(path string) ([]byte, error)
	WriteFile(path string, data []byte) error
	AppendFile(path string, data []byte) error
	Remove(path string) error
}
