package scanning

import (
	"encoding/json"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("Score", func() {
	var (
		now  time.Time
		data map[string]any
		m    ConfidenceMap
	)

	BeforeEach(func() {
		now = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
		data = map[string]any{
			"supplier_name":  "Swisscom AG",
			"invoice_date":   "2025-05-20",
			"invoice_number": "F-2025-001",
			"lines": []any{
				map[string]any{"description": "Abonnement", "quantity": 1.0, "unit_price": 100.0, "amount": 100.0},
			},
			"amount_untaxed": 100.0,
			"amount_tax":     8.1,
			"amount_total":   108.1,
		}
	})

	JustBeforeEach(func() {
		m = Score(data, now)
	})

	When("every field is present and coherent", func() {
		It("should score each field", func() {
			Expect(m[FieldSupplier].Confidence).To(Equal(60))
			Expect(m[FieldDate].Confidence).To(Equal(95))
			Expect(m[FieldInvoiceNumber].Confidence).To(Equal(90))
			Expect(m[FieldLines].Confidence).To(Equal(100))
			Expect(m[FieldAmountUntaxed].Confidence).To(Equal(98))
			Expect(m[FieldAmountTax].Confidence).To(Equal(98))
			Expect(m[FieldAmountTotal].Confidence).To(Equal(98))
		})

		It("should compute the weighted global score", func() {
			// (60*15 + 95*10 + 90*10 + 100*25 + 98*15 + 98*10 + 98*15) / 100
			Expect(m.Global()).To(Equal(91))
			Expect(m[FieldGlobal].Value).To(Equal(91))
		})

		It("should be deterministic", func() {
			Expect(Score(data, now)).To(Equal(m))
		})
	})

	When("the supplier name is short", func() {
		BeforeEach(func() {
			data["supplier_name"] = "AB"
		})

		It("should score 40", func() {
			Expect(m[FieldSupplier].Confidence).To(Equal(40))
		})
	})

	When("the short supplier name has accents", func() {
		BeforeEach(func() {
			data["supplier_name"] = "Éa"
		})

		It("should count characters rather than bytes", func() {
			Expect(m[FieldSupplier].Confidence).To(Equal(40))
		})
	})

	When("nothing was extracted", func() {
		BeforeEach(func() {
			data = map[string]any{}
		})

		It("should score every field 0", func() {
			for _, name := range []string{FieldSupplier, FieldDate, FieldInvoiceNumber, FieldLines, FieldAmountUntaxed, FieldAmountTax, FieldAmountTotal, FieldGlobal} {
				Expect(m[name].Confidence).To(Equal(0), name)
			}
		})
	})

	DescribeTable("date scoring",
		func(value any, expected int) {
			data["invoice_date"] = value
			Expect(Score(data, now)[FieldDate].Confidence).To(Equal(expected))
		},
		Entry("recent ISO date", "2025-01-10", 95),
		Entry("ISO date in the previous year window", "2024-01-10", 80),
		Entry("old ISO date", "2020-01-10", 60),
		Entry("European date", "20.05.2025", 70),
		Entry("short European date", "20/05/25", 70),
		Entry("text month", "20 mai 2025", 70),
		Entry("unrecognized", "le vingt mai", 30),
		Entry("absent", nil, 0),
		Entry("not a string", 20250520.0, 0),
	)

	DescribeTable("lines scoring",
		func(lines any, expected int) {
			data["lines"] = lines
			Expect(Score(data, now)[FieldLines].Confidence).To(Equal(expected))
		},
		Entry("empty", []any{}, 0),
		Entry("half valid", []any{
			map[string]any{"description": "A", "amount": 1.0},
			map[string]any{"description": "B"},
		}, 75),
		Entry("valid via quantity and price", []any{
			map[string]any{"description": "A", "quantity": 1.0, "unit_price": 2.0},
		}, 100),
		Entry("none valid", []any{
			map[string]any{"amount": 1.0},
		}, 20),
	)

	DescribeTable("amount coherence",
		func(untaxed, tax, total any, expected int) {
			data["amount_untaxed"] = untaxed
			data["amount_tax"] = tax
			data["amount_total"] = total
			Expect(Score(data, now)[FieldAmountTotal].Confidence).To(Equal(expected))
		},
		Entry("total absent", 100.0, 8.1, nil, 0),
		Entry("only total", nil, nil, 108.1, 50),
		Entry("tax missing", 100.0, nil, 108.1, 60),
		Entry("within 1%", 100.0, 8.0, 108.9, 90),
		Entry("within 5%", 100.0, 4.0, 108.1, 70),
		Entry("far off", 50.0, 4.0, 108.1, 40),
		Entry("all zero", 0.0, 0.0, 0.0, 90),
		Entry("zero total with components", 10.0, 0.0, 0.0, 30),
		Entry("Swiss formatted strings", "1'000,00", "81,00", "1'081.00", 98),
	)
})

var _ = Describe("ConfidenceMap", func() {
	var m ConfidenceMap

	BeforeEach(func() {
		m = ConfidenceMap{
			FieldSupplier: {Value: "Coop", Confidence: 60},
			FieldDate:     {Value: "2025-01-01", Confidence: 95},
		}
	})

	Describe("Set", func() {
		It("should reject out of range scores", func() {
			Expect(m.Set(FieldTotal, 10.0, 101)).To(HaveOccurred())
			Expect(m.Set(FieldTotal, 10.0, -1)).To(HaveOccurred())
		})

		It("should store valid scores", func() {
			Expect(m.Set(FieldTotal, 10.0, 50)).To(Succeed())
			conf, ok := m.Get(FieldTotal)
			Expect(ok).To(BeTrue())
			Expect(conf).To(Equal(50))
		})
	})

	Describe("LowFields", func() {
		It("should list fields under the threshold", func() {
			Expect(m.LowFields(LowConfidenceThreshold)).To(Equal([]string{FieldSupplier}))
		})
	})

	Describe("ParseConfidenceMap", func() {
		It("should round trip a valid map", func() {
			data, err := json.Marshal(m)
			Expect(err).NotTo(HaveOccurred())
			parsed, err := ParseConfidenceMap(data)
			Expect(err).NotTo(HaveOccurred())
			Expect(parsed[FieldDate].Confidence).To(Equal(95))
		})

		It("should reject a confidence above 100", func() {
			_, err := ParseConfidenceMap([]byte(`{"supplier": {"value": "x", "confidence": 150}}`))
			Expect(err).To(HaveOccurred())
		})

		It("should reject a fractional confidence", func() {
			_, err := ParseConfidenceMap([]byte(`{"supplier": {"value": "x", "confidence": 60.5}}`))
			Expect(err).To(HaveOccurred())
		})

		It("should reject entries that are not objects", func() {
			_, err := ParseConfidenceMap([]byte(`{"supplier": 60}`))
			Expect(err).To(HaveOccurred())
		})

		It("should reject malformed JSON", func() {
			_, err := ParseConfidenceMap([]byte(`{"supplier":`))
			Expect(err).To(HaveOccurred())
		})

		It("should treat empty data as an empty map", func() {
			parsed, err := ParseConfidenceMap(nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(parsed).To(BeEmpty())
		})
	})

	DescribeTable("Badge",
		func(conf int, colour string) {
			Expect(Badge(conf)).To(Equal(colour))
		},
		Entry("high", 80, "green"),
		Entry("medium", 50, "orange"),
		Entry("medium upper", 79, "orange"),
		Entry("low", 49, "red"),
	)
})
