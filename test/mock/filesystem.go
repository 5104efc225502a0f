package mock

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"git.srvlab.io/whiskey/sd-mount-helper/pkg/fsys"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/utils"
)

type mountState struct {
	device   string
	readonly bool
}

// Filesystem is an in-memory fsys.Filesystem. Mounts are tracked by target
// path and files by full path; nothing touches the host.
type Filesystem struct {
	// SizeMB is the reported volume capacity (default 64).
	SizeMB uint64

	// Injected errors, applied when set.
	MountError   error
	UnmountError error
	StatfsError  error
	ReadError    error
	WriteError   error

	mu     sync.Mutex
	mounts map[string]*mountState
	files  map[string][]byte
}

// NewFilesystem creates an empty in-memory filesystem.
func NewFilesystem() *Filesystem {
	return &Filesystem{
		SizeMB: 64,
		mounts: map[string]*mountState{},
		files:  map[string][]byte{},
	}
}

func (f *Filesystem) Mount(device, target string, readonly bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.MountError != nil {
		return f.MountError
	}
	if _, ok := f.mounts[target]; ok {
		return fmt.Errorf("%s is already mounted", target)
	}
	f.mounts[target] = &mountState{device: device, readonly: readonly}
	return nil
}

func (f *Filesystem) Unmount(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.UnmountError != nil {
		return f.UnmountError
	}
	// Unmounting an unmounted path is tolerated, like the host version.
	delete(f.mounts, target)
	return nil
}

func (f *Filesystem) IsLikelyMountPoint(path string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.mounts[path]
	return ok, nil
}

// IsReadOnly reports whether target is mounted read-only.
func (f *Filesystem) IsReadOnly(target string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	m, ok := f.mounts[target]
	return ok && m.readonly
}

func (f *Filesystem) Statfs(path string) (*fsys.VolumeStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.StatfsError != nil {
		return nil, f.StatfsError
	}
	if _, ok := f.mounts[path]; !ok {
		return nil, fmt.Errorf("statfs %s: not mounted", path)
	}

	const blockSize = 4096
	total := f.SizeMB * 1024 * 1024 / blockSize
	var used uint64
	for _, data := range f.files {
		used += (uint64(len(data)) + blockSize - 1) / blockSize
	}
	if used > total {
		used = total
	}
	return &fsys.VolumeStats{
		BlockSize:   blockSize,
		TotalBlocks: total,
		FreeBlocks:  total - used,
	}, nil
}

func (f *Filesystem) ReadDir(path string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReadError != nil {
		return nil, f.ReadError
	}
	if _, ok := f.mounts[path]; !ok {
		return nil, fmt.Errorf("readdir %s: not mounted", path)
	}

	prefix := strings.TrimSuffix(path, "/") + "/"
	var names []string
	for p := range f.files {
		if rest, ok := strings.CutPrefix(p, prefix); ok && !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *Filesystem) ReadFile(path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.ReadError != nil {
		return nil, f.ReadError
	}
	data, ok := f.files[path]
	if !ok {
		return nil, fmt.Errorf("open %s: no such file", path)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

func (f *Filesystem) WriteFile(path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.writableLocked(path); err != nil {
		return err
	}
	f.files[path] = append([]byte(nil), data...)
	return nil
}

func (f *Filesystem) AppendFile(path string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.writableLocked(path); err != nil {
		return err
	}
	f.files[path] = append(f.files[path], data...)
	return nil
}

func (f *Filesystem) Remove(path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.writableLocked(path); err != nil {
		return err
	}
	if _, ok := f.files[path]; !ok {
		return fmt.Errorf("remove %s: no such file", path)
	}
	delete(f.files, path)
	return nil
}

// SeedFile places a file on the volume bypassing the read-only check.
func (f *Filesystem) SeedFile(path string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[path] = append([]byte(nil), data...)
}

func (f *Filesystem) writableLocked(path string) error {
	if f.WriteError != nil {
		return f.WriteError
	}
	for target, m := range f.mounts {
		if strings.HasPrefix(path, strings.TrimSuffix(target, "/")+"/") && m.readonly {
			return fmt.Errorf("write %s: %w", path, utils.ErrReadOnly)
		}
	}
	return nil
}
