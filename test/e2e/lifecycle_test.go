package e2e

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"k8s.io/klog/v2"

	"git.srvlab.io/whiskey/sd-mount-helper/pkg/helper"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/stability"
	"git.srvlab.io/whiskey/sd-mount-helper/pkg/utils"
	"git.srvlab.io/whiskey/sd-mount-helper/test/mock"
)

var _ = Describe("Card Lifecycle", func() {
	It("should complete a full mount, query, test, unmount cycle", func() {
		h, opener, fs := newHelper(mock.DefaultMockCardConfig())

		By("Step 1: Mounting the card")
		Expect(h.Mount(helper.MountOptions{})).To(Succeed())
		Expect(h.IsMounted()).To(BeTrue())

		DeferCleanup(func() {
			_ = h.Unmount()
		})

		By("Step 2: Verifying the filesystem is mounted read-only")
		mounted, err := fs.IsLikelyMountPoint("/sd")
		Expect(err).NotTo(HaveOccurred())
		Expect(mounted).To(BeTrue())
		Expect(fs.IsReadOnly("/sd")).To(BeTrue())

		By("Step 3: Reading capacity stats")
		stats, err := h.GetStats()
		Expect(err).NotTo(HaveOccurred())
		Expect(stats.TotalMB).To(Equal(uint64(64)))
		Expect(stats.UsedMB + stats.FreeMB).To(Equal(stats.TotalMB))

		By("Step 4: Listing files on the card")
		fs.SeedFile("/sd/boot.log", []byte("ok"))
		names, err := h.ListFiles("")
		Expect(err).NotTo(HaveOccurred())
		Expect(names).To(ContainElement("boot.log"))

		By("Step 5: Smoke test is rejected on the read-only mount")
		err = h.TestSD(helper.TestOptions{})
		Expect(errors.Is(err, utils.ErrReadOnly)).To(BeTrue())

		By("Step 6: Unmounting releases the hardware")
		Expect(h.Unmount()).To(Succeed())
		Expect(h.IsMounted()).To(BeFalse())
		Expect(opener.LastCard().Closed()).To(BeTrue())
		Expect(opener.LastBus().Closed()).To(BeTrue())

		klog.Infof("Card lifecycle completed")
	})

	It("should handle mount idempotency", func() {
		h, opener, _ := newHelper(mock.DefaultMockCardConfig())

		Expect(h.Mount(helper.MountOptions{})).To(Succeed())
		Expect(h.Mount(helper.MountOptions{})).To(Succeed())
		Expect(opener.CardOpens()).To(Equal(1))

		DeferCleanup(func() {
			_ = h.Unmount()
		})
	})

	It("should support a writable remount and a passing smoke test", func() {
		h, _, fs := newHelper(mock.DefaultMockCardConfig())

		By("Mounting read-write")
		Expect(h.Mount(helper.MountOptions{Writable: true})).To(Succeed())
		Expect(fs.IsReadOnly("/sd")).To(BeFalse())

		DeferCleanup(func() {
			_ = h.Unmount()
		})

		By("Running the quick smoke test")
		Expect(h.TestSD(helper.TestOptions{})).To(Succeed())

		data, err := fs.ReadFile("/sd/test.txt")
		Expect(err).NotTo(HaveOccurred())
		Expect(data).NotTo(BeEmpty())
	})
})

var _ = Describe("Mount Failure Handling", func() {
	It("should time out on a card that answers too slowly", func() {
		h, _, fs := newHelper(mock.MockCardConfig{
			RealisticTiming:   true,
			BlockCountDelayMs: 100,
		})

		err := h.Mount(helper.MountOptions{Timeout: 20 * time.Millisecond})
		Expect(errors.Is(err, utils.ErrMountTimeout)).To(BeTrue())
		Expect(h.IsMounted()).To(BeFalse())

		mounted, _ := fs.IsLikelyMountPoint("/sd")
		Expect(mounted).To(BeFalse())
	})

	It("should mount despite an invalid boot signature", func() {
		h, _, _ := newHelper(mock.MockCardConfig{ErrorMode: "bad_signature"})

		Expect(h.Mount(helper.MountOptions{})).To(Succeed())
		DeferCleanup(func() {
			_ = h.Unmount()
		})
	})

	It("should open the breaker after repeated failures", func() {
		h, opener, _ := newHelper(mock.MockCardConfig{ErrorMode: "block_count_fail"})

		for i := 0; i < 3; i++ {
			Expect(h.Mount(helper.MountOptions{})).NotTo(Succeed())
		}

		err := h.Mount(helper.MountOptions{})
		Expect(errors.Is(err, utils.ErrBreakerOpen)).To(BeTrue())
		Expect(opener.CardOpens()).To(Equal(3))
	})
})

var _ = Describe("Stability Verification", func() {
	It("should pass repeated verification cycles on a healthy card", func() {
		h, _, fs := newHelper(mock.DefaultMockCardConfig())

		Expect(h.Mount(helper.MountOptions{})).To(Succeed())
		DeferCleanup(func() {
			_ = h.Unmount()
		})

		fs.SeedFile("/sd/boot.log", []byte("ok"))
		fs.SeedFile("/sd/data.csv", []byte("1,2,3"))

		v := stability.NewVerifier(fs, stability.Config{
			MountPath:  "/sd",
			Iterations: 3,
			Pause:      time.Millisecond,
		})

		report, err := v.Run(context.Background())
		Expect(err).NotTo(HaveOccurred())
		Expect(report.Failures).To(BeZero())
		Expect(report.FilesRead).To(Equal(6))
	})
})
