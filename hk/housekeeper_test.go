package hk_test

import (
	"sync/atomic"
	"time"

	"github.com/richard-shepherd/MessagingMesh/hk"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
)

var _ = Describe("Housekeeper", func() {
	AfterEach(func() {
		hk.Unreg("job-a")
		hk.Unreg("job-b")
	})

	It("fires a registered job repeatedly at its own interval", func() {
		var count int32
		hk.Reg("job-a", func(time.Time) time.Duration {
			atomic.AddInt32(&count, 1)
			return 20 * time.Millisecond
		}, time.Millisecond)

		Eventually(func() int32 { return atomic.LoadInt32(&count) }, 2*time.Second, 10*time.Millisecond).
			Should(BeNumerically(">=", 3))
	})

	It("stops rescheduling once the job returns UnregisterInterval", func() {
		var count int32
		hk.Reg("job-b", func(time.Time) time.Duration {
			atomic.AddInt32(&count, 1)
			return hk.UnregisterInterval
		}, time.Millisecond)

		Eventually(func() int32 { return atomic.LoadInt32(&count) }, time.Second, 10*time.Millisecond).
			Should(Equal(int32(1)))

		Consistently(func() int32 { return atomic.LoadInt32(&count) }, 200*time.Millisecond, 20*time.Millisecond).
			Should(Equal(int32(1)))
	})

	It("does not invoke an unregistered job", func() {
		var count int32
		hk.Reg("job-a", func(time.Time) time.Duration {
			atomic.AddInt32(&count, 1)
			return 10 * time.Millisecond
		}, 10*time.Millisecond)
		hk.Unreg("job-a")

		Consistently(func() int32 { return atomic.LoadInt32(&count) }, 100*time.Millisecond, 10*time.Millisecond).
			Should(Equal(int32(0)))
	})
})
