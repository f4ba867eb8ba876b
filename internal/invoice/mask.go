package invoice

import (
	"math"
	"sort"
	"time"

	"github.com/zombor/invoice-ocr/internal/ledger"
)

const (
	maskVersion        = "1.0"
	maskMinInvoices    = 3
	maskSourceInvoices = 10
	maskTopAccounts    = 5
)

// Mask captures the recurring shape of a supplier's invoices
type Mask struct {
	ID         string    `json:"id"`
	SupplierID string    `json:"supplier_id"`
	Name       string    `json:"name"`
	Data       MaskData  `json:"data"`
	Active     bool      `json:"active"`
	UsageCount int       `json:"usage_count"`
	CreatedAt  time.Time `json:"created_at"`
}

type MaskData struct {
	Version            string         `json:"version"`
	AutoGenerated      bool           `json:"auto_generated"`
	SourceInvoiceCount int            `json:"source_invoice_count"`
	Fields             MaskFields     `json:"fields"`
	CommonAccounts     map[string]int `json:"common_accounts"`
	LinePatterns       []string       `json:"line_patterns"`
}

type MaskFields struct {
	SupplierRefFrequency float64 `json:"supplier_ref_frequency"`
	AvgLineCount         float64 `json:"avg_line_count"`
}

func round(v float64, places int) float64 {
	p := math.Pow(10, float64(places))
	return math.Round(v*p) / p
}

// buildMaskData summarizes posted entries. accounts indexes the chart by ID.
func buildMaskData(entries []*ledger.Entry, accounts map[string]*ledger.Account) MaskData {
	withRef := 0
	expenseLines := 0
	counts := make(map[string]int)
	for _, e := range entries {
		if e.Ref != "" {
			withRef++
		}
		for _, l := range e.Lines {
			acc, ok := accounts[l.AccountID]
			if !ok || !acc.IsExpense() {
				continue
			}
			expenseLines++
			counts[acc.Code]++
		}
	}

	codes := make([]string, 0, len(counts))
	for code := range counts {
		codes = append(codes, code)
	}
	sort.Slice(codes, func(i, j int) bool {
		if counts[codes[i]] != counts[codes[j]] {
			return counts[codes[i]] > counts[codes[j]]
		}
		return codes[i] < codes[j]
	})
	if len(codes) > maskTopAccounts {
		codes = codes[:maskTopAccounts]
	}
	common := make(map[string]int, len(codes))
	for _, code := range codes {
		common[code] = counts[code]
	}

	n := float64(len(entries))
	return MaskData{
		Version:            maskVersion,
		AutoGenerated:      true,
		SourceInvoiceCount: len(entries),
		Fields: MaskFields{
			SupplierRefFrequency: round(float64(withRef)/n, 2),
			AvgLineCount:         round(float64(expenseLines)/n, 1),
		},
		CommonAccounts: common,
		LinePatterns:   []string{},
	}
}
