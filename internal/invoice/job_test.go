package invoice

import (
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("ImportJob", func() {
	var (
		job *ImportJob
		now time.Time
	)

	BeforeEach(func() {
		now = time.Date(2024, 3, 20, 10, 0, 0, 0, time.UTC)
		job = &ImportJob{ID: "job-1", Filename: "facture.pdf", State: StateDraft}
	})

	errored := func(retries int) *ImportJob {
		return &ImportJob{ID: "job-1", State: StateErrored, RetryCount: retries, ErrorMessage: "boom", ErrorKind: "timeout"}
	}

	It("has a display name", func() {
		Expect(job.Name()).To(Equal("Job #job-1 - facture.pdf"))
	})

	Describe("the happy path", func() {
		It("walks draft, pending, processing, done", func() {
			Expect(job.Submit(now)).To(Succeed())
			Expect(job.State).To(Equal(StatePending))
			Expect(job.NextAttemptAt).To(Equal(now))

			Expect(job.Start(now)).To(Succeed())
			Expect(job.State).To(Equal(StateProcessing))

			Expect(job.MarkDone(now)).To(Succeed())
			Expect(job.State).To(Equal(StateDone))
			Expect(job.IsFinal()).To(BeTrue())
			Expect(job.Events).To(HaveLen(3))
		})
	})

	Describe("illegal transitions", func() {
		It("refuses to process a draft", func() {
			err := job.Start(now)
			var stateErr *StateError
			Expect(errors.As(err, &stateErr)).To(BeTrue())
			Expect(stateErr.From).To(Equal(StateDraft))
			Expect(job.State).To(Equal(StateDraft))
		})

		It("refuses to submit a done job", func() {
			job.State = StateDone
			Expect(job.Submit(now)).To(MatchError(ContainSubstring("cannot submit job in state done")))
		})

		It("refuses to fail a processing job directly", func() {
			job.State = StateProcessing
			Expect(job.MarkFailed(now)).NotTo(Succeed())
		})
	})

	Describe("MarkError", func() {
		It("records the message and kind", func() {
			job.State = StateProcessing
			Expect(job.MarkError("read timeout", "timeout", now)).To(Succeed())
			Expect(job.State).To(Equal(StateErrored))
			Expect(job.ErrorMessage).To(Equal("read timeout"))
			Expect(job.ErrorKind).To(Equal("timeout"))
		})
	})

	Describe("Retry", func() {
		It("goes back to pending with the first delay", func() {
			job = errored(0)
			Expect(job.CanRetry()).To(BeTrue())

			delay, err := job.Retry(now)
			Expect(err).NotTo(HaveOccurred())
			Expect(delay).To(Equal(5 * time.Second))
			Expect(job.State).To(Equal(StatePending))
			Expect(job.RetryCount).To(Equal(1))
			Expect(job.ErrorMessage).To(BeEmpty())
			Expect(job.NextAttemptAt).To(Equal(now.Add(5 * time.Second)))
		})

		It("uses the delay of the current retry count", func() {
			job = errored(1)
			delay, err := job.Retry(now)
			Expect(err).NotTo(HaveOccurred())
			Expect(delay).To(Equal(15 * time.Second))

			job = errored(2)
			delay, err = job.Retry(now)
			Expect(err).NotTo(HaveOccurred())
			Expect(delay).To(Equal(30 * time.Second))
		})

		It("refuses once retries are exhausted", func() {
			job = errored(MaxRetries)
			Expect(job.CanRetry()).To(BeFalse())

			_, err := job.Retry(now)
			Expect(err).To(MatchError(ErrRetryExhausted))
			Expect(job.State).To(Equal(StateErrored))
			Expect(job.RetryCount).To(Equal(MaxRetries))
		})

		It("refuses outside the error state", func() {
			job.State = StatePending
			_, err := job.Retry(now)
			var stateErr *StateError
			Expect(errors.As(err, &stateErr)).To(BeTrue())
		})
	})

	Describe("NextRetryDelay", func() {
		It("clamps to the last delay", func() {
			job.RetryCount = 7
			Expect(job.NextRetryDelay()).To(Equal(30 * time.Second))
		})
	})

	Describe("Cancel", func() {
		DescribeTable("resets unfinished jobs to draft",
			func(from State) {
				job = &ImportJob{State: from, RetryCount: 2, ErrorMessage: "boom", ErrorKind: "timeout", NextAttemptAt: now}
				Expect(job.Cancel(now)).To(Succeed())
				Expect(job.State).To(Equal(StateDraft))
				Expect(job.RetryCount).To(BeZero())
				Expect(job.ErrorMessage).To(BeEmpty())
				Expect(job.ErrorKind).To(BeEmpty())
				Expect(job.NextAttemptAt.IsZero()).To(BeTrue())
			},
			Entry("draft", StateDraft),
			Entry("pending", StatePending),
			Entry("processing", StateProcessing),
		)

		DescribeTable("refuses finished or errored jobs",
			func(from State) {
				job.State = from
				Expect(job.Cancel(now)).NotTo(Succeed())
				Expect(job.State).To(Equal(from))
			},
			Entry("done", StateDone),
			Entry("error", StateErrored),
			Entry("failed", StateFailed),
		)
	})

	Describe("Copy", func() {
		It("creates a fresh draft for the same document", func() {
			job.State = StateFailed
			job.RetryCount = 3
			job.SourcePath = "job-1_facture.pdf"
			job.ExtractedText = "text"

			c := job.Copy("job-2", now)
			Expect(c.ID).To(Equal("job-2"))
			Expect(c.State).To(Equal(StateDraft))
			Expect(c.RetryCount).To(BeZero())
			Expect(c.Filename).To(Equal("facture.pdf"))
			Expect(c.Language).To(Equal("fr"))
			Expect(c.ExtractedText).To(BeEmpty())
			Expect(c.Events[0].Message).To(ContainSubstring("job-1"))
		})
	})

	Describe("ConfidenceMap", func() {
		It("decodes stored confidence", func() {
			job.Confidence = []byte(`{"supplier": {"value": "Service A", "confidence": 95}}`)
			conf, err := job.ConfidenceMap()
			Expect(err).NotTo(HaveOccurred())
			Expect(conf["supplier"].Confidence).To(Equal(95))
		})

		It("rejects malformed confidence", func() {
			job.Confidence = []byte(`{"supplier": {"value": "x", "confidence": 140}}`)
			_, err := job.ConfidenceMap()
			Expect(err).To(HaveOccurred())
		})
	})
})
