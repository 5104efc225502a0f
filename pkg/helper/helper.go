package helper

import (
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/sd-mount-helper/pkg/board"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/circuitbreaker"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/diag"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/fsys"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/observability"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/sdcard"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/throttle"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/utils"
)

const (
	// DefaultMountTimeout bounds the sum of completed mount phases.
	DefaultMountTimeout = 10 * time.Second

	// SettleDelay is the pause after a successful filesystem mount. The
	// electrical/firmware layer needs it to stabilize; it is a hardware
	// timing requirement, not a tunable.
	SettleDelay = 200 * time.Millisecond

	// ReleaseDelay is the pause after unmount before the bus lines may be
	// re-acquired. Immediate re-acquisition without it fails on some boards.
	ReleaseDelay = 500 * time.Millisecond

	// testPayload is the content round-tripped by the quick smoke test.
	testPayload = "Hello from sd-helper\n"
)

// Phase identifies a step of the mount sequence.
type Phase string

const (
	PhaseAcquiringBus Phase = "acquiring_bus"
	PhaseValidating   Phase = "validating"
	PhaseMounting     Phase = "mounting"
	PhaseSettling     Phase = "settling"
)

// MountError reports which phase failed and how long the attempt ran.
type MountError struct {
	Phase   Phase
	Elapsed time.Duration
	Err     error
}

func (e *MountError) Error() string {
	return fmt.Sprintf("mount failed in phase %s after %.1fs: %v", e.Phase, e.Elapsed.Seconds(), e.Err)
}

func (e *MountError) Unwrap() error {
	return e.Err
}

// Stats reports volume capacity in whole megabytes.
type Stats struct {
	TotalMB uint64
	UsedMB  uint64
	FreeMB  uint64
}

// MountOptions configures a single mount attempt.
type MountOptions struct {
	// Timeout bounds the sum of completed phases; zero means
	// DefaultMountTimeout. A phase already blocked inside a driver call is
	// not interrupted; only phase boundaries are checked.
	Timeout time.Duration

	// Verbosity overrides the helper's level for this call only. The
	// previous level is restored when the call returns.
	Verbosity Verbosity

	// Writable mounts the filesystem read-write. The default is read-only
	// for stability.
	Writable bool
}

// TestOptions configures the write/read smoke test.
type TestOptions struct {
	// Slow runs repeated timed appends instead of a single round trip.
	Slow bool

	// Count is the number of writes in slow mode (default 60).
	Count int

	// Interval is the spacing between slow writes (default 1s).
	Interval time.Duration
}

// Helper owns the session: the bus and card handles, the mounted flag, and
// the throttle. The design assumes one logical caller at a time; the mutex
// only keeps re-entrant tooling honest.
type Helper struct {
	cfg      board.Config
	opener   sdcard.Opener
	fs       fsys.Filesystem
	throttle *throttle.Throttle
	breaker  *circuitbreaker.MountBreaker
	metrics  *observability.Metrics
	out      io.Writer

	mu        sync.Mutex
	bus       sdcard.Bus
	card      sdcard.Card
	mounted   bool
	verbosity Verbosity
}

// Option customizes a Helper.
type Option func(*Helper)

// WithFilesystem replaces the host filesystem implementation.
func WithFilesystem(fs fsys.Filesystem) Option {
	return func(h *Helper) { h.fs = fs }
}

// WithThrottleFloor sets the minimum spacing between storage operations.
func WithThrottleFloor(floor time.Duration) Option {
	return func(h *Helper) { h.throttle = throttle.New(floor) }
}

// WithMetrics attaches a Prometheus metrics recorder.
func WithMetrics(m *observability.Metrics) Option {
	return func(h *Helper) { h.metrics = m }
}

// WithOutput redirects PrintInfo output (default os.Stdout).
func WithOutput(w io.Writer) Option {
	return func(h *Helper) { h.out = w }
}

// New creates a Helper for the given board wiring. The opener constructs the
// bus and card handles; the filesystem defaults to the host implementation
// and the throttle to the diagnostic floor.
func New(cfg board.Config, opener sdcard.Opener, opts ...Option) *Helper {
	h := &Helper{
		cfg:       cfg,
		opener:    opener,
		fs:        fsys.NewHostFilesystem(),
		throttle:  throttle.New(throttle.DiagnosticFloor),
		out:       os.Stdout,
		verbosity: VerbosityDiags,
	}
	for _, o := range opts {
		o(h)
	}
	h.breaker = circuitbreaker.NewMountBreaker(cfg.MountPath)
	return h
}

// SetVerbosity sets the output level. VerbosityUnspecified is rejected.
func (h *Helper) SetVerbosity(v Verbosity) {
	if v == VerbosityUnspecified {
		klog.Warningf("Invalid verbosity level, keeping %s", h.Verbosity())
		return
	}
	h.mu.Lock()
	h.verbosity = v
	h.mu.Unlock()
	klog.V(2).Infof("Verbosity: %s", v)
}

// Verbosity returns the current output level.
func (h *Helper) Verbosity() Verbosity {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.verbosity
}

// IsMounted reports whether the card is currently mounted.
func (h *Helper) IsMounted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.mounted
}

// Mount mounts the SD card with deadline protection and pre-validation.
// Mounting while already mounted is a no-op. On failure no filesystem is
// left attached and no handles are retained.
func (h *Helper) Mount(opts MountOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if opts.Timeout <= 0 {
		opts.Timeout = DefaultMountTimeout
	}

	if opts.Verbosity != VerbosityUnspecified {
		prev := h.verbosity
		h.verbosity = opts.Verbosity
		defer func() { h.verbosity = prev }()
	}

	if h.mounted {
		h.debugf("SD card already mounted")
		return nil
	}

	start := time.Now()
	err := h.breaker.Execute(func() error {
		return h.mountLocked(start, opts)
	})

	if h.metrics != nil {
		phase := ""
		var merr *MountError
		if errors.As(err, &merr) {
			phase = string(merr.Phase)
		}
		h.metrics.RecordMount(err, phase, time.Since(start))
	}
	return err
}

// mountLocked runs the phase sequence. Phases in order: acquire the bus and
// card handles, validate communication, run the advisory checks, mount the
// filesystem read-only, settle, and pass the final deadline gate.
func (h *Helper) mountLocked(start time.Time, opts MountOptions) error {
	h.diagf("Initializing SD card (timeout %v)...", opts.Timeout)

	if err := h.acquireLocked(); err != nil {
		return h.failLocked(PhaseAcquiringBus, start, err)
	}
	if err := h.checkDeadlineLocked(PhaseAcquiringBus, start, opts.Timeout, "SD card init"); err != nil {
		return err
	}

	h.diagf("Testing SD card communication...")
	count, err := h.card.BlockCount()
	if err != nil {
		return h.failLocked(PhaseValidating, start, fmt.Errorf("%w: %v", utils.ErrNoCommunication, err))
	}
	capacityMB := float64(count) * sdcard.BlockSize / (1024 * 1024)
	h.diagf("Block count: %d", count)
	h.diagf("Capacity: %.2f MB (%.2f GB)", capacityMB, capacityMB/1024)

	h.runAdvisoryChecksLocked()

	if err := h.checkDeadlineLocked(PhaseValidating, start, opts.Timeout, "pre-validation"); err != nil {
		return err
	}

	h.debugf("Mounting %s at %s (readonly=%v)...", h.card.DevicePath(), h.cfg.MountPath, !opts.Writable)
	if err := h.fs.Mount(h.card.DevicePath(), h.cfg.MountPath, !opts.Writable); err != nil {
		return h.failLocked(PhaseMounting, start, fmt.Errorf("%w: %v", utils.ErrMountFailed, err))
	}

	h.debugf("Waiting %v for electrical settling", SettleDelay)
	time.Sleep(SettleDelay)

	if elapsed := time.Since(start); elapsed > opts.Timeout {
		// Past the deadline at the last gate: reverse the mount before
		// reporting failure.
		if uerr := h.fs.Unmount(h.cfg.MountPath); uerr != nil {
			klog.Warningf("Unmount after deadline overrun failed: %v", uerr)
		}
		return h.failLocked(PhaseSettling, start, utils.ErrMountTimeout)
	}

	h.mounted = true
	klog.Infof("SD card mounted at %s in %.1fs", h.cfg.MountPath, time.Since(start).Seconds())
	return nil
}

// acquireLocked constructs the bus and card handles, reusing live ones left
// by a previous attempt.
func (h *Helper) acquireLocked() error {
	if h.bus != nil && h.card != nil {
		h.debugf("Reusing existing bus and card handles")
		return nil
	}

	h.diagf("Initializing SPI (sck=%s mosi=%s miso=%s cs=%s)...",
		h.cfg.SCK, h.cfg.MOSI, h.cfg.MISO, h.cfg.CS)
	bus, err := h.opener.OpenBus(h.cfg)
	if err != nil {
		return fmt.Errorf("%w: %v", utils.ErrCardInit, err)
	}

	h.diagf("Initializing SD card at %d Hz...", h.cfg.ClockHz)
	card, err := h.opener.OpenCard(bus, h.cfg)
	if err != nil {
		if cerr := bus.Close(); cerr != nil {
			klog.V(4).Infof("Bus close after failed card init: %v", cerr)
		}
		return fmt.Errorf("%w: %v", utils.ErrCardInit, err)
	}

	h.bus, h.card = bus, card
	return nil
}

// runAdvisoryChecksLocked runs the boot-sector and sustained-read checks.
// Failures here are warnings: the mount proceeds regardless.
func (h *Helper) runAdvisoryChecksLocked() {
	h.diagf("Reading boot sector (block 0)...")
	info, err := diag.InspectBootSector(h.card)
	switch {
	case err != nil:
		klog.Warningf("Boot sector check failed, attempting mount anyway: %v", err)
		h.recordAdvisory("boot_sector")
	case !info.SignatureValid:
		klog.Warningf("Invalid boot sector signature 0x%04X (expected 0x%04X), attempting mount anyway",
			info.Signature, diag.BootSignature)
		h.recordAdvisory("boot_sector")
	default:
		h.diagf("Valid boot sector signature: 0x%04X", info.Signature)
		h.diagf("Partition type: %s", info.PartitionLabel())
	}

	h.diagf("Testing sustained read (block 1)...")
	if _, err := diag.CheckSustainedRead(h.card); err != nil {
		klog.Warningf("Sustained read failed, attempting mount anyway: %v", err)
		h.recordAdvisory("sustained_read")
	} else {
		h.diagf("Sustained read successful")
	}
}

// checkDeadlineLocked enforces the attempt deadline at a phase boundary. It
// only bounds the sum of completed phases; a call already blocked inside the
// driver is not interrupted.
func (h *Helper) checkDeadlineLocked(phase Phase, start time.Time, timeout time.Duration, what string) error {
	elapsed := time.Since(start)
	if elapsed > timeout {
		return h.failLocked(phase, start, fmt.Errorf("%w: %s took too long", utils.ErrMountTimeout, what))
	}
	h.debugf("%s: %.3fs elapsed", what, elapsed.Seconds())
	return nil
}

// failLocked releases any partially acquired handles and reports the failed
// phase with the elapsed time. Callers that already mounted the filesystem
// reverse that before coming here, so no mount is ever left attached.
func (h *Helper) failLocked(phase Phase, start time.Time, err error) error {
	h.releaseHandlesLocked()
	merr := &MountError{Phase: phase, Elapsed: time.Since(start), Err: err}
	klog.Errorf("%v", merr)
	return merr
}

func (h *Helper) releaseHandlesLocked() {
	if h.card != nil {
		if err := h.card.Close(); err != nil {
			klog.V(4).Infof("Card close: %v", err)
		}
		h.card = nil
	}
	if h.bus != nil {
		if err := h.bus.Close(); err != nil {
			klog.V(4).Infof("Bus close: %v", err)
		}
		h.bus = nil
	}
}

// Unmount releases the filesystem, the card, and the bus. Already-unmounted
// paths and already-released handles are tolerated. Returns only after
// ReleaseDelay so the hardware has let go of the bus lines before any
// re-mount.
func (h *Helper) Unmount() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.mounted {
		klog.V(2).Info("SD card not mounted, nothing to do")
		return nil
	}

	err := h.fs.Unmount(h.cfg.MountPath)
	if err != nil {
		klog.Errorf("Unmount failed: %v", err)
		err = fmt.Errorf("%w: %v", utils.ErrUnmountFailed, err)
	}

	// Force cleanup even when the unmount call failed.
	h.releaseHandlesLocked()
	h.mounted = false
	h.throttle.Reset()

	// Collect now so finalizer-held pin references are gone before the bus
	// is reopened.
	runtime.GC()

	h.debugf("Waiting %v for the hardware to release the bus lines", ReleaseDelay)
	time.Sleep(ReleaseDelay)

	if h.metrics != nil {
		h.metrics.RecordUnmount()
	}
	if err == nil {
		klog.Infof("SD card unmounted")
	}
	return err
}

// beginOpLocked guards the query surface: fail fast when not mounted, then
// pace the operation through the throttle.
func (h *Helper) beginOpLocked() error {
	if !h.mounted {
		return utils.ErrNotMounted
	}

	t0 := time.Now()
	h.throttle.Wait()
	if h.metrics != nil {
		h.metrics.RecordThrottleWait(time.Since(t0))
	}
	return nil
}

// GetStats returns total/used/free capacity in whole megabytes.
func (h *Helper) GetStats() (*Stats, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.beginOpLocked(); err != nil {
		return nil, err
	}

	vs, err := h.fs.Statfs(h.cfg.MountPath)
	if err != nil {
		klog.Errorf("Error getting stats: %v", err)
		return nil, err
	}

	const mb = 1024 * 1024
	total := vs.TotalBytes() / mb
	free := vs.FreeBytes() / mb
	return &Stats{TotalMB: total, UsedMB: total - free, FreeMB: free}, nil
}

// ListFiles lists entry names in path, defaulting to the configured mount
// path.
func (h *Helper) ListFiles(path string) ([]string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.beginOpLocked(); err != nil {
		return nil, err
	}

	if path == "" {
		path = h.cfg.MountPath
	}

	names, err := h.fs.ReadDir(path)
	if err != nil {
		klog.Errorf("Error listing files: %v", err)
		return nil, err
	}
	return names, nil
}

// PrintInfo writes card capacity and the file list to the helper's output.
func (h *Helper) PrintInfo() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.beginOpLocked(); err != nil {
		return err
	}

	vs, err := h.fs.Statfs(h.cfg.MountPath)
	if err != nil {
		return err
	}

	const mb = 1024 * 1024
	total := float64(vs.TotalBytes()) / mb
	free := float64(vs.FreeBytes()) / mb

	fmt.Fprintf(h.out, "\nSD Card:\n")
	fmt.Fprintf(h.out, "  Total: %.2f MB\n", total)
	fmt.Fprintf(h.out, "  Used:  %.2f MB\n", total-free)
	fmt.Fprintf(h.out, "  Free:  %.2f MB\n", free)

	names, err := h.fs.ReadDir(h.cfg.MountPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(h.out, "\nFiles:\n")
	if len(names) == 0 {
		fmt.Fprintf(h.out, "  (empty)\n")
	}
	for _, name := range names {
		fmt.Fprintf(h.out, "  - %s\n", name)
	}
	return nil
}

// TestSD round-trips a short write through the card. In slow mode it appends
// Count lines Interval apart instead. A write rejected by a read-only mount
// is reported as utils.ErrReadOnly, which is expected behavior on the
// default mount.
func (h *Helper) TestSD(opts TestOptions) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if err := h.beginOpLocked(); err != nil {
		return err
	}

	if opts.Count <= 0 {
		opts.Count = 60
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}

	path := h.cfg.TestFile()
	mode := "quick"
	if opts.Slow {
		mode = "slow"
	}

	err := h.runSmokeTestLocked(path, opts)
	if h.metrics != nil {
		h.metrics.RecordSmokeTest(mode, err)
	}
	return err
}

func (h *Helper) runSmokeTestLocked(path string, opts TestOptions) error {
	if opts.Slow {
		h.diagf("Starting slow SD test (%d writes, %v interval)", opts.Count, opts.Interval)
		for i := 1; i <= opts.Count; i++ {
			line := fmt.Sprintf("Slow test %d/%d\n", i, opts.Count)
			if err := h.fs.AppendFile(path, []byte(line)); err != nil {
				return h.classifyWriteError(err)
			}
			h.diagf("Write %d/%d", i, opts.Count)
			time.Sleep(opts.Interval)
		}
		klog.Infof("Slow SD test completed")
		return nil
	}

	h.diagf("Testing write...")
	if err := h.fs.WriteFile(path, []byte(testPayload)); err != nil {
		return h.classifyWriteError(err)
	}
	h.diagf("Write successful")

	h.diagf("Testing read...")
	content, err := h.fs.ReadFile(path)
	if err != nil {
		klog.Errorf("Read back failed: %v", err)
		return fmt.Errorf("read back failed: %w", err)
	}
	if string(content) != testPayload {
		err := fmt.Errorf("read back mismatch: got %q, want %q", content, testPayload)
		klog.Errorf("%v", err)
		return err
	}
	h.diagf("Read successful: %s", strings.TrimSpace(string(content)))
	return nil
}

// classifyWriteError separates the expected read-only rejection from
// genuine I/O failures.
func (h *Helper) classifyWriteError(err error) error {
	if utils.IsReadOnlyError(err) {
		klog.Errorf("Write test failed: SD card is mounted read-only (this is normal on the default mount)")
		return fmt.Errorf("%w: remount with Writable to run the write test", utils.ErrReadOnly)
	}
	klog.Errorf("Write test failed: %v", err)
	return err
}

// ReadMBR inspects the boot sector without mounting, for debugging cards
// that refuse to mount. Handles acquired here stay in the session for reuse
// by a following Mount.
func (h *Helper) ReadMBR() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	klog.Info("Testing boot sector read (no mount required)")
	if err := h.acquireLocked(); err != nil {
		return err
	}

	count, err := h.card.BlockCount()
	if err != nil {
		return fmt.Errorf("%w: %v", utils.ErrNoCommunication, err)
	}
	h.diagf("Block count: %d", count)

	info, err := diag.InspectBootSector(h.card)
	if err != nil {
		return err
	}
	if !info.SignatureValid {
		return fmt.Errorf("invalid boot sector signature 0x%04X (expected 0x%04X)",
			info.Signature, diag.BootSignature)
	}

	h.diagf("Partition type: %s", info.PartitionLabel())
	klog.Info("Boot sector read successful")
	return nil
}

func (h *Helper) recordAdvisory(check string) {
	if h.metrics != nil {
		h.metrics.RecordAdvisoryWarning(check)
	}
}

// diagf prints when the level is diags or debug.
func (h *Helper) diagf(format string, args ...interface{}) {
	if h.verbosity >= VerbosityDiags {
		klog.InfofDepth(1, format, args...)
	}
}

// debugf prints only at debug level.
func (h *Helper) debugf(format string, args ...interface{}) {
	if h.verbosity >= VerbosityDebug {
		klog.InfofDepth(1, format, args...)
	}
}
