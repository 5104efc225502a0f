package fsys

import (
	"fmt"
	"os"
	"os/exec"

	"github.com/moby/sys/mountinfo"
	"golang.org/x/sys/unix"
	"k8s.io/klog/v2"
)

// fsType is the filesystem type of SD card volumes.
const fsType = "vfat"

// hostFilesystem implements Filesystem using system commands and syscalls.
type hostFilesystem struct {
	execCommand func(name string, args ...string) *exec.Cmd
	mounted     func(path string) (bool, error)
}

// NewHostFilesystem creates a Filesystem backed by the host kernel's mount
// table. The card must be visible as a block device.
func NewHostFilesystem() Filesystem {
	return &hostFilesystem{
		execCommand: exec.Command,
		mounted:     mountinfo.Mounted,
	}
}

// Mount mounts device at target as a vfat volume.
func (h *hostFilesystem) Mount(device, target string, readonly bool) error {
	klog.V(2).Infof("Mounting %s to %s (readonly: %v)", device, target, readonly)

	// Create the mount point if it doesn't exist
	if err := os.MkdirAll(target, 0750); err != nil {
		return fmt.Errorf("failed to create mount point: %w", err)
	}

	args := []string{"-t", fsType}
	if readonly {
		args = append(args, "-o", "ro")
	}
	args = append(args, device, target)

	cmd := h.execCommand("mount", args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("mount failed: %w, output: %s", err, string(output))
	}

	klog.V(5).Infof("mount output: %s", string(output))
	klog.V(2).Infof("Successfully mounted %s to %s", device, target)
	return nil
}

// Unmount unmounts the target path. A path that is not mounted is treated as
// already unmounted.
func (h *hostFilesystem) Unmount(target string) error {
	klog.V(2).Infof("Unmounting %s", target)

	mounted, err := h.IsLikelyMountPoint(target)
	if err != nil {
		return fmt.Errorf("failed to check if mounted: %w", err)
	}

	if !mounted {
		klog.V(2).Infof("Path %s is not mounted, nothing to unmount", target)
		return nil
	}

	cmd := h.execCommand("umount", target)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("umount failed: %w, output: %s", err, string(output))
	}

	klog.V(5).Infof("umount output: %s", string(output))
	klog.V(2).Infof("Successfully unmounted %s", target)
	return nil
}

// IsLikelyMountPoint checks the kernel mount table for path.
func (h *hostFilesystem) IsLikelyMountPoint(path string) (bool, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return false, nil
	}

	mounted, err := h.mounted(path)
	if err != nil {
		klog.V(5).Infof("mountinfo lookup for %s failed: %v", path, err)
		return false, nil
	}
	return mounted, nil
}

// Statfs returns filesystem statistics for the volume at path.
func (h *hostFilesystem) Statfs(path string) (*VolumeStats, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return nil, fmt.Errorf("statfs %s failed: %w", path, err)
	}

	return &VolumeStats{
		BlockSize:   uint64(st.Bsize),
		TotalBlocks: st.Blocks,
		FreeBlocks:  st.Bfree,
	}, nil
}

// ReadDir lists the entry names in path.
func (h *hostFilesystem) ReadDir(path string) ([]string, error) {
	entries, err := os.ReadDir(path)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

func (h *hostFilesystem) ReadFile(path string) ([]byte, error) {
	return os.ReadFile(path)
}

func (h *hostFilesystem) WriteFile(path string, data []byte) error {
	return os.WriteFile(path, data, 0644)
}

func (h *hostFilesystem) AppendFile(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func (h *hostFilesystem) Remove(path string) error {
	return os.Remove(path)
}
