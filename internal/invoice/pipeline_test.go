package invoice

import (
	"context"
	"errors"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-ocr/internal/extraction"
	"github.com/zombor/invoice-ocr/internal/ledger"
	"github.com/zombor/invoice-ocr/internal/prediction"
	"github.com/zombor/invoice-ocr/internal/scanning"
)

var timeoutErr = &scanning.Error{Kind: scanning.KindTimeout, Message: "request timed out"}

var _ = Describe("Pipeline", func() {
	var (
		env *testEnv
		ctx context.Context
	)

	BeforeEach(func() {
		env = newTestEnv()
		ctx = context.Background()
	})

	entryOf := func(job *ImportJob) *ledger.Entry {
		entry, err := env.service.GetEntry(job.EntryID)
		Expect(err).NotTo(HaveOccurred())
		return entry
	}

	Describe("ProcessJob", func() {
		When("the invoice is untaxed and balanced", func() {
			It("creates a draft entry without adjustment", func() {
				job := env.submitted("facture.pdf")

				job, err := env.service.ProcessJob(ctx, job.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(job.State).To(Equal(StateDone))
				Expect(job.RetryCount).To(BeZero())
				Expect(job.SupplierID).To(Equal("sup-a"))
				Expect(job.Invoice.InvoiceDate).To(Equal("2024-03-15"))
				Expect(job.ArchivePath).To(Equal(filepath.Join(env.cfg.SuccessFolder, "facture.pdf")))
				Expect(job.ArchivePath).To(BeAnExistingFile())

				entry := entryOf(job)
				Expect(entry.State).To(Equal(ledger.EntryDraft))
				Expect(entry.Ref).To(Equal("F-2024-001"))
				Expect(entry.AmountMismatch).To(BeFalse())
				Expect(entry.SourcePath).To(Equal(job.ArchivePath))
				Expect(entry.Lines).To(HaveLen(1))
				Expect(entry.Lines[0].PriceUnit).To(Equal(50.0))
				Expect(entry.Lines[0].Quantity).To(Equal(2.0))
				Expect(entry.Lines[0].AccountID).To(Equal("acc-6570"))
				Expect(entry.Lines[0].AccountSource).To(Equal(string(prediction.SourceDefault)))
				Expect(entry.Lines[0].AccountConfidence).To(Equal(prediction.DefaultConfidence))

				total, err := env.service.EntryTotal(entry)
				Expect(err).NotTo(HaveOccurred())
				Expect(total).To(Equal(100.0))
				Expect(env.notifier.sent).To(BeEmpty())
			})
		})

		When("the lines carry the tax-included price", func() {
			It("converts the prices to untaxed amounts", func() {
				_, err := env.service.predictor.Record("sup-b", "Abonnement mobile", "acc-6510")
				Expect(err).NotTo(HaveOccurred())
				env.backend.answers = []any{`{
					"supplier_name": "Swisscom SA",
					"invoice_number": "T-88",
					"lines": [{"description": "Abonnement mobile", "quantity": 1, "unit_price": 108.10}],
					"amount_untaxed": 100.00,
					"amount_tax": 8.10,
					"amount_total": 108.10
				}`}
				job := env.submitted("swisscom.pdf")

				job, err = env.service.ProcessJob(ctx, job.ID)
				Expect(err).NotTo(HaveOccurred())

				entry := entryOf(job)
				Expect(entry.SupplierID).To(Equal("sup-b"))
				Expect(entry.Lines[0].AccountID).To(Equal("acc-6510"))
				Expect(entry.Lines[0].AccountSource).To(Equal(string(prediction.SourcePattern)))
				Expect(entry.Lines[0].AccountConfidence).To(Equal(80))
				Expect(entry.Lines[0].PriceUnit).To(Equal(100.0))
				Expect(entry.AmountMismatch).To(BeFalse())
			})
		})

		When("the computed total does not match", func() {
			It("flags the entry and lowers the total confidence", func() {
				env.backend.answers = []any{`{
					"supplier_name": "Service A",
					"lines": [{"description": "Conseil", "quantity": 1, "unit_price": 100}],
					"amount_untaxed": 100,
					"amount_total": 150
				}`}
				job := env.submitted("facture.pdf")

				job, err := env.service.ProcessJob(ctx, job.ID)
				Expect(err).NotTo(HaveOccurred())

				entry := entryOf(job)
				Expect(entry.AmountMismatch).To(BeTrue())
				confidence, ok, err := env.service.FieldConfidence(entry.ID, scanning.FieldTotal)
				Expect(err).NotTo(HaveOccurred())
				Expect(ok).To(BeTrue())
				Expect(confidence).To(Equal(30))

				low, err := env.service.LowConfidenceFields(entry.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(low).To(ContainElement(scanning.FieldTotal))
				Expect(low).NotTo(ContainElement(scanning.FieldGlobal))
			})
		})

		When("the total is above the alert threshold", func() {
			It("sends an amount alert", func() {
				env.backend.answers = []any{`{
					"supplier_name": "Service A",
					"lines": [{"description": "Serveur", "quantity": 1, "unit_price": 12000}],
					"amount_untaxed": 12000,
					"amount_total": 12000
				}`}
				job := env.submitted("serveur.pdf")

				_, err := env.service.ProcessJob(ctx, job.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(env.notifier.Subjects()).To(ConsistOf("JSOCR: Montant eleve - serveur.pdf"))
			})
		})

		When("the supplier is unknown", func() {
			It("still creates an entry on the first expense account", func() {
				env.backend.answers = []any{`{
					"supplier_name": "Inconnu SARL",
					"lines": [{"description": "Divers", "quantity": 1, "unit_price": 10}],
					"amount_total": 10
				}`}
				job := env.submitted("inconnu.pdf")

				job, err := env.service.ProcessJob(ctx, job.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(job.SupplierID).To(BeEmpty())
				Expect(entryOf(job).Lines[0].AccountID).To(Equal("acc-6500"))
			})
		})

		When("the AI answer is not JSON", func() {
			It("fails the job without retrying", func() {
				env.backend.answers = []any{"Je ne peux pas lire cette facture."}
				job := env.submitted("facture.pdf")

				job, err := env.service.ProcessJob(ctx, job.ID)
				Expect(err).To(HaveOccurred())
				Expect(job.State).To(Equal(StateFailed))
				Expect(job.RetryCount).To(BeZero())
				Expect(job.ErrorKind).To(Equal(string(scanning.KindParse)))
				Expect(job.ArchivePath).To(Equal(filepath.Join(env.cfg.ErrorFolder, "facture.pdf")))
				Expect(env.notifier.Subjects()).To(ConsistOf("JSOCR: Echec traitement - facture.pdf"))

				stored, err := env.service.GetJob(job.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(stored.State).To(Equal(StateFailed))
			})
		})

		When("the backend times out twice", func() {
			It("retries and completes", func() {
				env.backend.answers = []any{timeoutErr, timeoutErr, serviceAAnswer}
				job := env.submitted("facture.pdf")

				job, err := env.service.ProcessJob(ctx, job.ID)
				Expect(err).To(HaveOccurred())
				Expect(job.State).To(Equal(StatePending))
				Expect(job.RetryCount).To(Equal(1))
				Expect(job.ErrorMessage).To(HavePrefix("Retry 1/3: "))
				Expect(job.ErrorKind).To(Equal(string(scanning.KindTimeout)))
				Expect(job.NextAttemptAt).To(Equal(env.clock.Now().Add(5 * time.Second)))

				env.clock.Advance(5 * time.Second)
				job, err = env.service.ProcessJob(ctx, job.ID)
				Expect(err).To(HaveOccurred())
				Expect(job.RetryCount).To(Equal(2))
				Expect(job.NextAttemptAt).To(Equal(env.clock.Now().Add(15 * time.Second)))

				env.clock.Advance(15 * time.Second)
				job, err = env.service.ProcessJob(ctx, job.ID)
				Expect(err).NotTo(HaveOccurred())
				Expect(job.State).To(Equal(StateDone))
				Expect(job.RetryCount).To(Equal(2))

				Expect(env.extractor.calls).To(Equal(1))
				Expect(env.backend.calls).To(Equal(3))
			})
		})

		When("the backend keeps timing out", func() {
			It("fails after the last retry", func() {
				env.backend.answers = []any{timeoutErr}
				job := env.submitted("facture.pdf")

				for i := 0; i < MaxRetries; i++ {
					var err error
					job, err = env.service.ProcessJob(ctx, job.ID)
					Expect(err).To(HaveOccurred())
					Expect(job.State).To(Equal(StatePending))
				}

				job, err := env.service.ProcessJob(ctx, job.ID)
				Expect(err).To(HaveOccurred())
				Expect(job.State).To(Equal(StateFailed))
				Expect(job.RetryCount).To(Equal(MaxRetries))
				Expect(job.ErrorMessage).To(HavePrefix("Max retries exceeded: "))
				Expect(env.notifier.sent).To(HaveLen(1))
			})
		})

		DescribeTable("routes text extraction failures",
			func(extractErr error, text string, want State, kind string) {
				env.extractor.err = extractErr
				env.extractor.text = text
				job := env.submitted("facture.pdf")

				job, err := env.service.ProcessJob(ctx, job.ID)
				Expect(err).To(HaveOccurred())
				Expect(job.State).To(Equal(want))
				Expect(job.ErrorKind).To(Equal(kind))
			},
			Entry("password protected", extraction.ErrPasswordProtected, "", StateFailed, KindExtraction),
			Entry("corrupted", extraction.ErrInvalidDocument, "", StateFailed, KindExtraction),
			Entry("empty document", extraction.ErrEmptyDocument, "", StateFailed, string(scanning.KindValidation)),
			Entry("no text", nil, "   ", StateFailed, string(scanning.KindValidation)),
			Entry("unexpected", errors.New("tesseract crashed"), "", StatePending, KindProcessing),
		)

		It("refuses a job that was not submitted", func() {
			job, err := env.service.CreateJob("facture.pdf", []byte("%PDF"))
			Expect(err).NotTo(HaveOccurred())

			_, err = env.service.ProcessJob(ctx, job.ID)
			var stateErr *StateError
			Expect(errors.As(err, &stateErr)).To(BeTrue())
			Expect(env.backend.calls).To(BeZero())
		})
	})

	Describe("RunBatch", func() {
		It("processes due jobs and continues past failures", func() {
			env.backend.answers = []any{"pas de json", serviceAAnswer}
			first := env.submitted("a.pdf")
			env.clock.Advance(time.Second)
			second := env.submitted("b.pdf")

			summary, err := env.service.RunBatch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Processed).To(Equal(2))
			Expect(summary.Done).To(Equal(1))
			Expect(summary.Failures).To(HaveLen(1))
			Expect(summary.Failures[0].JobID).To(Equal(first.ID))

			job, err := env.service.GetJob(second.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.State).To(Equal(StateDone))
		})

		It("skips jobs waiting for their retry delay", func() {
			env.backend.answers = []any{timeoutErr, serviceAAnswer}
			job := env.submitted("a.pdf")

			summary, err := env.service.RunBatch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Processed).To(Equal(1))

			summary, err = env.service.RunBatch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Processed).To(BeZero())

			env.clock.Advance(5 * time.Second)
			summary, err = env.service.RunBatch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Done).To(Equal(1))

			job, err = env.service.GetJob(job.ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(job.RetryCount).To(Equal(1))
		})

		It("limits the batch size", func() {
			env.service.cfg.BatchSize = 2
			for _, name := range []string{"a.pdf", "b.pdf", "c.pdf"} {
				env.submitted(name)
				env.clock.Advance(time.Second)
			}

			summary, err := env.service.RunBatch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Processed).To(Equal(2))
		})

		It("ignores drafts", func() {
			_, err := env.service.CreateJob("a.pdf", []byte("%PDF"))
			Expect(err).NotTo(HaveOccurred())

			summary, err := env.service.RunBatch(ctx)
			Expect(err).NotTo(HaveOccurred())
			Expect(summary.Processed).To(BeZero())
		})
	})
})
