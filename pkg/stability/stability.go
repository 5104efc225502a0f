// Package stability verifies that a mounted SD card keeps answering over
// repeated query cycles. Cards that pass a single mount but drop off the bus
// under sustained access show up here.
package stability

import (
	"context"
	"errors"
	"fmt"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/sd-mount-helper/pkg/fsys"
)

const (
	// DefaultIterations is the number of verification cycles per run.
	DefaultIterations = 10

	// loopPause is the spacing between cycles. It stays above the card's
	// minimum inter-operation interval so the run itself never provokes the
	// instability it is measuring.
	loopPause = 500 * time.Millisecond

	// cycleMaxElapsed bounds the retries within one cycle.
	cycleMaxElapsed = 10 * time.Second
)

// Config controls a verification run.
type Config struct {
	// MountPath is the mounted card root to verify.
	MountPath string

	// Iterations is the number of cycles (default DefaultIterations).
	Iterations int

	// Pause is the spacing between cycles (default 500ms).
	Pause time.Duration

	// CycleBudget bounds the retries within one cycle (default 10s).
	CycleBudget time.Duration
}

// Report summarizes a completed run.
type Report struct {
	RunID      string
	Iterations int
	Failures   int
	FilesRead  int
	Elapsed    time.Duration
}

// Verifier runs repeated stat/list/read cycles against a mounted card. Each
// cycle retries transient failures with exponential backoff before counting
// the cycle as failed.
type Verifier struct {
	fs    fsys.Filesystem
	cfg   Config
	runID string
}

// NewVerifier creates a Verifier over the given filesystem. Zero config
// fields take defaults.
func NewVerifier(fs fsys.Filesystem, cfg Config) *Verifier {
	if cfg.Iterations <= 0 {
		cfg.Iterations = DefaultIterations
	}
	if cfg.Pause <= 0 {
		cfg.Pause = loopPause
	}
	if cfg.CycleBudget <= 0 {
		cfg.CycleBudget = cycleMaxElapsed
	}
	return &Verifier{
		fs:    fs,
		cfg:   cfg,
		runID: uuid.New().String(),
	}
}

// RunID identifies this run in logs.
func (v *Verifier) RunID() string {
	return v.runID
}

// Run executes the configured number of cycles and reports the outcome. A
// run with any failed cycle returns an error alongside the report. Cancelling
// ctx stops the run between retries.
func (v *Verifier) Run(ctx context.Context) (*Report, error) {
	start := time.Now()
	report := &Report{RunID: v.runID, Iterations: v.cfg.Iterations}

	klog.Infof("Stability run %s: %d iterations over %s", v.runID, v.cfg.Iterations, v.cfg.MountPath)

	for i := 1; i <= v.cfg.Iterations; i++ {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		read, err := v.cycleWithRetry(ctx, i)
		report.FilesRead += read
		if err != nil {
			report.Failures++
			klog.Errorf("Stability run %s: cycle %d/%d failed: %v", v.runID, i, v.cfg.Iterations, err)
		} else {
			klog.V(2).Infof("Stability run %s: cycle %d/%d ok (%d files)", v.runID, i, v.cfg.Iterations, read)
		}

		if i < v.cfg.Iterations {
			time.Sleep(v.cfg.Pause)
		}
	}

	report.Elapsed = time.Since(start)
	if report.Failures > 0 {
		return report, fmt.Errorf("stability run %s: %d/%d cycles failed", v.runID, report.Failures, report.Iterations)
	}
	klog.Infof("Stability run %s: all %d cycles passed in %.1fs", v.runID, report.Iterations, report.Elapsed.Seconds())
	return report, nil
}

// cycleWithRetry runs one cycle, retrying transient failures with
// exponential backoff up to cycleMaxElapsed.
func (v *Verifier) cycleWithRetry(ctx context.Context, iteration int) (int, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = 2 * time.Second
	bo.MaxElapsedTime = v.cfg.CycleBudget

	var filesRead int
	err := backoff.Retry(func() error {
		n, err := v.cycle()
		filesRead = n
		if err != nil {
			klog.V(4).Infof("Stability run %s: cycle %d attempt failed, backing off: %v", v.runID, iteration, err)
		}
		return err
	}, backoff.WithContext(bo, ctx))
	return filesRead, err
}

// cycle performs one verification pass: stat the volume, list the root, and
// read back every entry.
func (v *Verifier) cycle() (int, error) {
	vs, err := v.fs.Statfs(v.cfg.MountPath)
	if err != nil {
		return 0, fmt.Errorf("statfs: %w", err)
	}
	if vs.TotalBlocks == 0 {
		return 0, fmt.Errorf("statfs reported zero capacity")
	}

	names, err := v.fs.ReadDir(v.cfg.MountPath)
	if err != nil {
		return 0, fmt.Errorf("list: %w", err)
	}

	read := 0
	for _, name := range names {
		_, err := v.fs.ReadFile(v.cfg.MountPath + "/" + name)
		if err != nil {
			if errors.Is(err, syscall.EISDIR) {
				continue
			}
			return read, fmt.Errorf("read %s: %w", name, err)
		}
		read++
	}
	return read, nil
}
