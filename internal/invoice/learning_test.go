package invoice

import (
	"context"
	"errors"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/zombor/invoice-ocr/internal/ledger"
	"github.com/zombor/invoice-ocr/internal/prediction"
)

var _ = Describe("Learning", func() {
	var (
		env *testEnv
		ctx context.Context
	)

	BeforeEach(func() {
		env = newTestEnv()
		ctx = context.Background()
	})

	// processed runs a Service A invoice through the pipeline
	processed := func(name string) *ImportJob {
		job := env.submitted(name)
		job, err := env.service.ProcessJob(ctx, job.ID)
		Expect(err).NotTo(HaveOccurred())
		env.clock.Advance(time.Minute)
		return job
	}

	correctionKinds := func(jobID string) []CorrectionKind {
		corrections, err := env.service.ListCorrections(jobID)
		Expect(err).NotTo(HaveOccurred())
		kinds := make([]CorrectionKind, 0, len(corrections))
		for _, c := range corrections {
			kinds = append(kinds, c.Detail.Kind())
		}
		return kinds
	}

	Describe("PostEntry", func() {
		It("posts the entry with the reviewer's accounts", func() {
			job := processed("facture.pdf")

			entry, err := env.service.PostEntry(ctx, job.EntryID, PostRequest{Accounts: map[int]string{0: "acc-6500"}, Author: "marie"})
			Expect(err).NotTo(HaveOccurred())
			Expect(entry.State).To(Equal(ledger.EntryPosted))
			Expect(entry.PostedAt).NotTo(BeNil())
			Expect(entry.Lines[0].AccountID).To(Equal("acc-6500"))
			Expect(entry.Lines[0].PredictedAccountID).To(Equal("acc-6570"))
		})

		It("refuses to post twice", func() {
			job := processed("facture.pdf")
			_, err := env.service.PostEntry(ctx, job.EntryID, PostRequest{})
			Expect(err).NotTo(HaveOccurred())

			_, err = env.service.PostEntry(ctx, job.EntryID, PostRequest{})
			Expect(err).To(MatchError(ErrAlreadyPosted))
		})

		It("rejects an out of range line", func() {
			job := processed("facture.pdf")
			_, err := env.service.PostEntry(ctx, job.EntryID, PostRequest{Accounts: map[int]string{3: "acc-6500"}})
			Expect(err).To(MatchError(ContainSubstring("line 3 out of range")))
		})

		It("fails for an unknown entry", func() {
			_, err := env.service.PostEntry(ctx, "missing", PostRequest{})
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})

		When("the reviewer changes a line account", func() {
			var job *ImportJob

			BeforeEach(func() {
				job = processed("facture.pdf")
				_, err := env.service.PostEntry(ctx, job.EntryID, PostRequest{Accounts: map[int]string{0: "acc-6500"}, Author: "marie"})
				Expect(err).NotTo(HaveOccurred())
			})

			It("makes the account the supplier default", func() {
				supplier, err := env.db.GetSupplier("sup-a")
				Expect(err).NotTo(HaveOccurred())
				Expect(supplier.DefaultAccountID).To(Equal("acc-6500"))
			})

			It("records the default account and line corrections", func() {
				Expect(correctionKinds(job.ID)).To(ConsistOf(CorrectionDefaultAccount, CorrectionLineAccount))

				corrections, err := env.service.ListCorrections(job.ID)
				Expect(err).NotTo(HaveOccurred())
				for _, c := range corrections {
					Expect(c.Author).To(Equal("marie"))
					switch d := c.Detail.(type) {
					case DefaultAccountCorrection:
						Expect(d.OldCode).To(Equal("6570"))
						Expect(d.NewCode).To(Equal("6500"))
					case LineAccountCorrection:
						Expect(d.Description).To(Equal("Conseil informatique"))
						Expect(d.OldCode).To(Equal("6570"))
						Expect(d.NewCode).To(Equal("6500"))
					}
				}
			})

			It("predicts the corrected account for the next invoice", func() {
				next := processed("facture2.pdf")
				entry, err := env.service.GetEntry(next.EntryID)
				Expect(err).NotTo(HaveOccurred())
				Expect(entry.Lines[0].AccountID).To(Equal("acc-6500"))
				Expect(entry.Lines[0].AccountSource).To(Equal(string(prediction.SourcePattern)))
				Expect(entry.Lines[0].AccountConfidence).To(Equal(80))
			})
		})

		When("the reviewer picks another supplier", func() {
			It("teaches that supplier the extracted name", func() {
				job := processed("facture.pdf")
				_, err := env.service.PostEntry(ctx, job.EntryID, PostRequest{SupplierID: "sup-b"})
				Expect(err).NotTo(HaveOccurred())

				supplier, err := env.db.GetSupplier("sup-b")
				Expect(err).NotTo(HaveOccurred())
				Expect(supplier.Aliases).To(ContainElement("Service A"))
				Expect(supplier.DefaultAccountID).To(Equal("acc-6570"))
				Expect(correctionKinds(job.ID)).To(ContainElements(CorrectionAlias, CorrectionDefaultAccount))

				corrections, err := env.service.ListCorrections(job.ID)
				Expect(err).NotTo(HaveOccurred())
				for _, c := range corrections {
					if d, ok := c.Detail.(DefaultAccountCorrection); ok {
						Expect(d.OldCode).To(Equal("none"))
					}
				}
			})
		})

		When("the entry was not imported", func() {
			It("learns nothing", func() {
				entry := &ledger.Entry{
					ID:         "manual-1",
					SupplierID: "sup-a",
					State:      ledger.EntryDraft,
					Lines:      []ledger.Line{{Description: "Papier", Quantity: 1, PriceUnit: 20, AccountID: "acc-6500"}},
				}
				Expect(env.db.SaveEntry(entry)).To(Succeed())

				_, err := env.service.PostEntry(ctx, "manual-1", PostRequest{})
				Expect(err).NotTo(HaveOccurred())

				patterns, err := env.db.ListPatterns("sup-a")
				Expect(err).NotTo(HaveOccurred())
				Expect(patterns).To(BeEmpty())
			})
		})
	})

	Describe("supplier masks", func() {
		post := func() {
			job := processed("facture.pdf")
			_, err := env.service.PostEntry(ctx, job.EntryID, PostRequest{})
			Expect(err).NotTo(HaveOccurred())
		}

		It("builds a mask once three imported entries are posted", func() {
			post()
			post()
			mask, err := env.db.ActiveMask("sup-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(mask).To(BeNil())

			post()
			mask, err = env.db.ActiveMask("sup-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(mask).NotTo(BeNil())
			Expect(mask.Name).To(Equal("Auto - Service A"))
			Expect(mask.UsageCount).To(Equal(3))
			Expect(mask.Data.Version).To(Equal("1.0"))
			Expect(mask.Data.AutoGenerated).To(BeTrue())
			Expect(mask.Data.SourceInvoiceCount).To(Equal(3))
			Expect(mask.Data.Fields.SupplierRefFrequency).To(Equal(1.0))
			Expect(mask.Data.Fields.AvgLineCount).To(Equal(1.0))
			Expect(mask.Data.CommonAccounts).To(Equal(map[string]int{"6570": 3}))
		})

		It("counts later uses of the mask", func() {
			for i := 0; i < 4; i++ {
				post()
			}
			mask, err := env.db.ActiveMask("sup-a")
			Expect(err).NotTo(HaveOccurred())
			Expect(mask.UsageCount).To(Equal(4))
		})
	})

	Describe("RecordCorrection", func() {
		var job *ImportJob

		BeforeEach(func() {
			job = processed("facture.pdf")
		})

		It("stores a field correction", func() {
			c, applied, err := env.service.RecordCorrection(job.ID, "marie", FieldCorrection{Field: "invoice_number", Original: "F-2024-001", Corrected: "F-2024-011"})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeTrue())
			Expect(c.JobID).To(Equal(job.ID))
			Expect(correctionKinds(job.ID)).To(ConsistOf(CorrectionField))
		})

		It("adds a supplier alias", func() {
			_, applied, err := env.service.RecordCorrection(job.ID, "marie", AliasCorrection{SupplierID: "sup-b", SupplierName: "Swisscom SA", Alias: "SWISSCOM (SUISSE) SA"})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeTrue())

			supplier, err := env.db.GetSupplier("sup-b")
			Expect(err).NotTo(HaveOccurred())
			Expect(supplier.HasAlias("SWISSCOM (SUISSE) SA")).To(BeTrue())
		})

		It("does not apply a known alias twice", func() {
			detail := AliasCorrection{SupplierID: "sup-b", SupplierName: "Swisscom SA", Alias: "Swisscom Mobile"}
			_, _, err := env.service.RecordCorrection(job.ID, "", detail)
			Expect(err).NotTo(HaveOccurred())

			_, applied, err := env.service.RecordCorrection(job.ID, "", detail)
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeFalse())
		})

		It("sets an expense default account", func() {
			_, applied, err := env.service.RecordCorrection(job.ID, "", DefaultAccountCorrection{SupplierID: "sup-b", AccountID: "acc-6510", OldCode: "none", NewCode: "6510"})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeTrue())

			supplier, err := env.db.GetSupplier("sup-b")
			Expect(err).NotTo(HaveOccurred())
			Expect(supplier.DefaultAccountID).To(Equal("acc-6510"))
		})

		It("ignores a non-expense default account", func() {
			_, applied, err := env.service.RecordCorrection(job.ID, "", DefaultAccountCorrection{SupplierID: "sup-b", AccountID: "acc-2000", OldCode: "none", NewCode: "2000"})
			Expect(err).NotTo(HaveOccurred())
			Expect(applied).To(BeFalse())

			supplier, err := env.db.GetSupplier("sup-b")
			Expect(err).NotTo(HaveOccurred())
			Expect(supplier.DefaultAccountID).To(BeEmpty())
		})

		It("fails for an unknown job", func() {
			_, _, err := env.service.RecordCorrection("missing", "", FieldCorrection{Field: "date"})
			Expect(errors.Is(err, ErrNotFound)).To(BeTrue())
		})
	})
})
