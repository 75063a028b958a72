package queue

import (
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Queue", func() {
	var q *Queue[int]

	BeforeEach(func() {
		q = New[int](2)
	})

	It("should push and pop in FIFO order", func() {
		Expect(q.Cap()).To(Equal(2))

		_, err := q.TryPush(1)
		Expect(err).NotTo(HaveOccurred())
		_, err = q.TryPush(2)
		Expect(err).NotTo(HaveOccurred())
		Expect(q.Len()).To(Equal(2))

		_, err = q.TryPush(3)
		Expect(err).To(MatchError(ErrFull))

		Expect(q.Pop(NoWait)).To(Equal(1))
		Expect(q.Pop(NoWait)).To(Equal(2))
		Expect(q.Len()).To(Equal(0))
	})

	It("should not block with NoWait", func() {
		_, err := q.Pop(NoWait)
		Expect(err).To(MatchError(ErrEmpty))
	})

	It("should time out", func() {
		start := time.Now()
		_, err := q.Pop(20 * time.Millisecond)
		Expect(err).To(MatchError(ErrTimeout))
		Expect(time.Since(start)).To(BeNumerically(">=", 20*time.Millisecond))
	})

	It("should wake a blocked consumer on push and report it", func() {
		got := make(chan int, 1)
		go func() {
			defer GinkgoRecover()
			v, err := q.Pop(Forever)
			Expect(err).NotTo(HaveOccurred())
			got <- v
		}()

		Eventually(q.Waiting).Should(Equal(1))
		woke, err := q.TryPush(7)
		Expect(err).NotTo(HaveOccurred())
		Expect(woke).To(BeTrue())
		Eventually(got).Should(Receive(Equal(7)))
	})

	It("should wake a blocked consumer on close", func() {
		errs := make(chan error, 1)
		go func() {
			_, err := q.Pop(Forever)
			errs <- err
		}()

		Eventually(q.Waiting).Should(Equal(1))
		Expect(q.Close()).To(BeEmpty())
		Eventually(errs).Should(Receive(MatchError(ErrClosed)))
	})

	It("should return queued items on close and refuse pushes", func() {
		_, _ = q.TryPush(1)
		_, _ = q.TryPush(2)

		Expect(q.Close()).To(Equal([]int{1, 2}))
		Expect(q.Closed()).To(BeTrue())

		_, err := q.TryPush(3)
		Expect(err).To(MatchError(ErrClosed))
		_, err = q.Pop(NoWait)
		Expect(err).To(MatchError(ErrClosed))
	})

	It("should drain remaining items after shutdown", func() {
		_, _ = q.TryPush(5)
		Expect(q.Shutdown()).To(BeTrue())
		Expect(q.Shutdown()).To(BeFalse())

		Expect(q.Pop(Forever)).To(Equal(5))
		_, err := q.Pop(Forever)
		Expect(err).To(MatchError(ErrClosed))
	})
})
