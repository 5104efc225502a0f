package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/sd-mount-helper/pkg/board"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/fsys"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/helper"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/observability"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/sdcard"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/stability"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/throttle"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/utils"
)

var (
	// Board configuration
	boardName = flag.String("board", "feather-s3", "Board preset: feather-s3 or huzzah-esp32")
	image     = flag.String("image", "", "Block device or image file backing the card (required)")
	mountPath = flag.String("mount-path", "", "Mount point override (default from board preset)")

	// Mount behavior
	timeout      = flag.Duration("timeout", helper.DefaultMountTimeout, "Mount attempt deadline")
	verbosityStr = flag.String("verbosity", "diags", "Output level: silent, diags, or debug")
	writable     = flag.Bool("writable", false, "Mount read-write instead of read-only")
	leanThrottle = flag.Bool("lean-throttle", false, "Use the lean 250ms operation floor instead of 500ms")
	retry        = flag.Bool("retry", false, "Retry a failed mount with exponential backoff")

	// Observability
	metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9810)")

	// Stability and test knobs
	iterations = flag.Int("iterations", stability.DefaultIterations, "Stability run iterations")
	slow       = flag.Bool("slow", false, "Run the slow timed smoke test")
	count      = flag.Int("count", 60, "Slow test write count")
	interval   = flag.Duration("interval", time.Second, "Slow test write interval")
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [flags] <command>\n\nCommands:\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  mount       Mount the SD card\n")
	fmt.Fprintf(os.Stderr, "  unmount     Unmount and release the card\n")
	fmt.Fprintf(os.Stderr, "  info        Print capacity and file list\n")
	fmt.Fprintf(os.Stderr, "  stats       Print capacity numbers\n")
	fmt.Fprintf(os.Stderr, "  list        List files on the card\n")
	fmt.Fprintf(os.Stderr, "  test        Run the write/read smoke test\n")
	fmt.Fprintf(os.Stderr, "  mbr         Read the boot sector without mounting\n")
	fmt.Fprintf(os.Stderr, "  stability   Run repeated verification cycles\n\nFlags:\n")
	flag.PrintDefaults()
}

func main() {
	klog.InitFlags(nil)
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)

	if *image == "" {
		klog.Fatal("--image is required")
	}

	cfg, err := boardConfig(*boardName)
	if err != nil {
		klog.Fatalf("Invalid board: %v", err)
	}
	if *mountPath != "" {
		cfg.MountPath = *mountPath
	}

	level, err := helper.ParseVerbosity(*verbosityStr)
	if err != nil {
		klog.Fatalf("Invalid verbosity: %v", err)
	}

	fs := fsys.NewHostFilesystem()
	opener := &sdcard.FileOpener{Path: *image}

	opts := []helper.Option{helper.WithFilesystem(fs)}
	if *leanThrottle {
		opts = append(opts, helper.WithThrottleFloor(throttle.LeanFloor))
	}

	var metrics *observability.Metrics
	if *metricsAddr != "" {
		metrics = observability.NewMetrics()
		opts = append(opts, helper.WithMetrics(metrics))
		go func() {
			klog.Infof("Serving metrics on %s", *metricsAddr)
			if err := metrics.Serve(*metricsAddr); err != nil {
				klog.Errorf("Metrics server stopped: %v", err)
			}
		}()
	}

	h := helper.New(cfg, opener, opts...)
	h.SetVerbosity(level)

	if err := run(h, fs, cfg, command); err != nil {
		klog.Errorf("%s failed: %v", command, err)
		os.Exit(1)
	}
}

func run(h *helper.Helper, fs fsys.Filesystem, cfg board.Config, command string) error {
	mountOpts := helper.MountOptions{Timeout: *timeout, Writable: *writable}

	switch command {
	case "mount":
		return mount(h, mountOpts)

	case "unmount":
		// Mount state does not persist across processes, so pick it up from
		// the kernel mount table before unmounting.
		if err := mount(h, mountOpts); err != nil {
			return err
		}
		return h.Unmount()

	case "info":
		if err := mount(h, mountOpts); err != nil {
			return err
		}
		return h.PrintInfo()

	case "stats":
		if err := mount(h, mountOpts); err != nil {
			return err
		}
		stats, err := h.GetStats()
		if err != nil {
			return err
		}
		fmt.Printf("Total: %d MB\nUsed:  %d MB\nFree:  %d MB\n", stats.TotalMB, stats.UsedMB, stats.FreeMB)
		return nil

	case "list":
		if err := mount(h, mountOpts); err != nil {
			return err
		}
		names, err := h.ListFiles("")
		if err != nil {
			return err
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return nil

	case "test":
		if err := mount(h, mountOpts); err != nil {
			return err
		}
		return h.TestSD(helper.TestOptions{Slow: *slow, Count: *count, Interval: *interval})

	case "mbr":
		return h.ReadMBR()

	case "stability":
		if err := mount(h, mountOpts); err != nil {
			return err
		}
		v := stability.NewVerifier(fs, stability.Config{
			MountPath:  cfg.MountPath,
			Iterations: *iterations,
		})
		report, err := v.Run(context.Background())
		if report != nil {
			fmt.Printf("Run %s: %d/%d cycles passed, %d files read, %.1fs\n",
				report.RunID, report.Iterations-report.Failures, report.Iterations,
				report.FilesRead, report.Elapsed.Seconds())
		}
		return err

	default:
		return fmt.Errorf("unknown command %q", command)
	}
}

// mount performs a single attempt, or a backoff-wrapped series when --retry
// is set. The helper itself never retries; that stays a caller decision.
func mount(h *helper.Helper, opts helper.MountOptions) error {
	if !*retry {
		return h.Mount(opts)
	}

	return utils.RetryWithBackoff(context.Background(), utils.DefaultBackoffConfig(), func() error {
		return h.Mount(opts)
	})
}

func boardConfig(name string) (board.Config, error) {
	switch name {
	case "feather-s3":
		return board.FeatherS3(), nil
	case "huzzah-esp32":
		return board.HuzzahESP32(), nil
	default:
		return board.Config{}, fmt.Errorf("unknown board %q: use feather-s3 or huzzah-esp32", name)
	}
}
