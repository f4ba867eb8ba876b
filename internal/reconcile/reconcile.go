// Package reconcile works out whether extracted invoice amounts include tax
// and brings line prices in line with the tax configured on their account.
package reconcile

import (
	"github.com/shopspring/decimal"

	"github.com/zombor/invoice-ocr/internal/ledger"
	"github.com/zombor/invoice-ocr/internal/scanning"
)

// AmountType tells whether extracted line prices include tax
type AmountType string

const (
	Exclusive AmountType = "exclusive"
	Inclusive AmountType = "inclusive"
	Unknown   AmountType = "unknown"
)

// Tolerance is the absolute currency gap under which two amounts agree
var Tolerance = decimal.RequireFromString("0.03")

var hundred = decimal.NewFromInt(100)

func within(a, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// LinesSum is the sum of |unit price x quantity|. Credit notes carry
// negative quantities.
func LinesSum(lines []scanning.Line) decimal.Decimal {
	sum := decimal.Zero
	for _, l := range lines {
		sum = sum.Add(decimal.NewFromFloat(l.UnitPrice).Mul(decimal.NewFromFloat(l.Quantity)).Abs())
	}
	return sum
}

// DetectAmountType compares the line sum against the untaxed total first,
// then the total. A zero total counts as missing.
func DetectAmountType(lines []scanning.Line, untaxed, total float64) AmountType {
	if len(lines) == 0 || (untaxed == 0 && total == 0) {
		return Unknown
	}
	sum := LinesSum(lines)

	if untaxed != 0 && within(sum, decimal.NewFromFloat(untaxed)) {
		return Exclusive
	}
	if total != 0 && within(sum, decimal.NewFromFloat(total)) {
		return Inclusive
	}
	return Unknown
}

// TaxInfo is the combined purchase tax of an account
type TaxInfo struct {
	Rate             float64
	ExpectsInclusive bool
}

// TaxForAccount sums the purchase tax rates configured on the account.
// Returns nil when the account has none.
func TaxForAccount(account *ledger.Account, taxes map[string]*ledger.Tax) *TaxInfo {
	if account == nil {
		return nil
	}
	var info *TaxInfo
	rate := decimal.Zero
	for _, id := range account.TaxIDs {
		t, ok := taxes[id]
		if !ok || t.Use != ledger.TaxPurchase {
			continue
		}
		if info == nil {
			info = &TaxInfo{}
		}
		rate = rate.Add(decimal.NewFromFloat(t.Rate))
		if t.ExpectsInclusive() {
			info.ExpectsInclusive = true
		}
	}
	if info != nil {
		info.Rate = rate.InexactFloat64()
	}
	return info
}

// AdjustPrice converts a price to the convention the tax expects. The
// boolean reports whether the price changed; adjusted prices are rounded
// to 2 decimals.
func AdjustPrice(price float64, amountType AmountType, tax *TaxInfo) (float64, bool) {
	if tax == nil || amountType == Unknown {
		return price, false
	}
	factor := decimal.NewFromInt(1).Add(decimal.NewFromFloat(tax.Rate).Div(hundred))
	if !factor.IsPositive() {
		return price, false
	}

	p := decimal.NewFromFloat(price)
	switch {
	case amountType == Exclusive && tax.ExpectsInclusive:
		p = p.Mul(factor)
	case amountType == Inclusive && !tax.ExpectsInclusive:
		p = p.Div(factor)
	default:
		return price, false
	}
	return p.Round(2).InexactFloat64(), true
}

// LineTotal is the tax-included amount of an entry line
func LineTotal(line ledger.Line, tax *TaxInfo) decimal.Decimal {
	base := decimal.NewFromFloat(line.PriceUnit).Mul(decimal.NewFromFloat(line.Quantity))
	if tax == nil || tax.ExpectsInclusive {
		return base.Round(2)
	}
	amount := base.Mul(decimal.NewFromFloat(tax.Rate)).Div(hundred).Round(2)
	return base.Round(2).Add(amount)
}

// EntryTotal sums the tax-included amounts of an entry's lines
func EntryTotal(entry *ledger.Entry, taxFor func(accountID string) *TaxInfo) float64 {
	total := decimal.Zero
	for _, line := range entry.Lines {
		total = total.Add(LineTotal(line, taxFor(line.AccountID)))
	}
	return total.InexactFloat64()
}

// TotalCheck is the result of comparing an entry total with the extracted one
type TotalCheck struct {
	Valid bool
	Gap   float64
	// Confidence is the reduced "total" confidence on mismatch, else 0
	Confidence int
}

// ValidateTotal compares the computed entry total with the extracted total.
// A missing or zero extracted total is valid.
func ValidateTotal(computed, extracted float64) TotalCheck {
	if extracted == 0 {
		return TotalCheck{Valid: true}
	}
	gap := decimal.NewFromFloat(computed).Sub(decimal.NewFromFloat(extracted)).Abs()
	if gap.LessThanOrEqual(Tolerance) {
		return TotalCheck{Valid: true, Gap: gap.InexactFloat64()}
	}
	confidence := 30
	if gap.LessThan(decimal.NewFromInt(1)) {
		confidence = 50
	}
	return TotalCheck{Gap: gap.InexactFloat64(), Confidence: confidence}
}
