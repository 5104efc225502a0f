package stability_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.srvlab.io/whiskey/sd-mount-helper/pkg/fsys"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/stability"
	"git.srvlab.io/whiskey/sd-mount-helper/test/mock"
)

func newMountedFS(t *testing.T) *mock.Filesystem {
	t.Helper()
	fs := mock.NewFilesystem()
	require.NoError(t, fs.Mount("/dev/mock-sd", "/sd", true))
	fs.SeedFile("/sd/boot.log", []byte("ok"))
	fs.SeedFile("/sd/data.csv", []byte("1,2,3"))
	return fs
}

func TestRunAllCyclesPass(t *testing.T) {
	fs := newMountedFS(t)
	v := stability.NewVerifier(fs, stability.Config{
		MountPath:  "/sd",
		Iterations: 3,
		Pause:      time.Millisecond,
	})

	report, err := v.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, report.Failures)
	assert.Equal(t, 6, report.FilesRead, "2 files x 3 cycles")
	assert.NotEmpty(t, report.RunID)
}

// flakyFS fails the first N Statfs calls, then behaves normally.
type flakyFS struct {
	*mock.Filesystem

	mu       sync.Mutex
	failLeft int
}

func (f *flakyFS) Statfs(path string) (*fsys.VolumeStats, error) {
	f.mu.Lock()
	fail := f.failLeft > 0
	if fail {
		f.failLeft--
	}
	f.mu.Unlock()

	if fail {
		return nil, errors.New("input/output error")
	}
	return f.Filesystem.Statfs(path)
}

func TestRunRecoversFromTransientFailure(t *testing.T) {
	fs := &flakyFS{Filesystem: newMountedFS(t), failLeft: 2}
	v := stability.NewVerifier(fs, stability.Config{
		MountPath:   "/sd",
		Iterations:  2,
		Pause:       time.Millisecond,
		CycleBudget: 5 * time.Second,
	})

	report, err := v.Run(context.Background())
	require.NoError(t, err, "transient failures must be absorbed by retries")
	assert.Zero(t, report.Failures)
}

func TestRunReportsPersistentFailure(t *testing.T) {
	fs := newMountedFS(t)
	fs.StatfsError = errors.New("input/output error")

	v := stability.NewVerifier(fs, stability.Config{
		MountPath:  "/sd",
		Iterations: 2,
		Pause:      time.Millisecond,
		// Small enough that no retry fits, so each cycle fails after one
		// attempt.
		CycleBudget: 10 * time.Millisecond,
	})

	report, err := v.Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, 2, report.Failures)
}

func TestRunRejectsZeroCapacity(t *testing.T) {
	fs := mock.NewFilesystem()
	fs.SizeMB = 0
	require.NoError(t, fs.Mount("/dev/mock-sd", "/sd", true))

	v := stability.NewVerifier(fs, stability.Config{
		MountPath:   "/sd",
		Iterations:  1,
		Pause:       time.Millisecond,
		CycleBudget: 10 * time.Millisecond,
	})

	_, err := v.Run(context.Background())
	require.Error(t, err)
}

func TestRunIDsAreUnique(t *testing.T) {
	fs := newMountedFS(t)
	a := stability.NewVerifier(fs, stability.Config{MountPath: "/sd"})
	b := stability.NewVerifier(fs, stability.Config{MountPath: "/sd"})
	assert.NotEqual(t, a.RunID(), b.RunID())
}
