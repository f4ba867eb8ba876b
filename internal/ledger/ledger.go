package ledger

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"
)

// AccountType classifies an account in the chart
type AccountType string

const (
	AccountExpense             AccountType = "expense"
	AccountExpenseDepreciation AccountType = "expense_depreciation"
	AccountExpenseDirectCost   AccountType = "expense_direct_cost"
	AccountAssetCurrent        AccountType = "asset_current"
	AccountLiabilityPayable    AccountType = "liability_payable"
	AccountIncome              AccountType = "income"
)

// ExpenseCodePrefix is the conventional first digit of expense account codes
const ExpenseCodePrefix = "6"

// Account is an entry of the chart of accounts
type Account struct {
	ID     string      `json:"id"`
	Code   string      `json:"code"`
	Name   string      `json:"name"`
	Type   AccountType `json:"type"`
	TaxIDs []string    `json:"tax_ids,omitempty"` // default taxes applied to lines on this account
}

// IsExpense reports whether the account is one of the expense types
func (a *Account) IsExpense() bool {
	switch a.Type {
	case AccountExpense, AccountExpenseDepreciation, AccountExpenseDirectCost:
		return true
	}
	return false
}

// TaxUse tells whether a tax applies to purchases or sales
type TaxUse string

const (
	TaxPurchase TaxUse = "purchase"
	TaxSale     TaxUse = "sale"
	TaxNone     TaxUse = "none"
)

// Inclusion is an explicit override of a tax's price-includes-tax flag
type Inclusion string

const (
	InclusionDefault  Inclusion = ""
	InclusionIncluded Inclusion = "tax_included"
	InclusionExcluded Inclusion = "tax_excluded"
)

// Tax is a percentage tax
type Tax struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Rate            float64   `json:"rate"` // percent, e.g. 8.1
	Use             TaxUse    `json:"use"`
	PriceInclude    bool      `json:"price_include"`
	IncludeOverride Inclusion `json:"include_override,omitempty"`
}

// ExpectsInclusive reports whether prices on lines carrying this tax are
// read as tax-inclusive. The override wins over the generic flag.
func (t *Tax) ExpectsInclusive() bool {
	switch t.IncludeOverride {
	case InclusionIncluded:
		return true
	case InclusionExcluded:
		return false
	}
	return t.PriceInclude
}

// Supplier is a vendor that sends invoices
type Supplier struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Aliases          []string `json:"aliases,omitempty"`
	DefaultAccountID string   `json:"default_account_id,omitempty"`
}

func (s *Supplier) HasAlias(alias string) bool {
	alias = strings.TrimSpace(alias)
	for _, a := range s.Aliases {
		if a == alias {
			return true
		}
	}
	return false
}

// AddAlias records an alternative name. Returns false when the alias is
// empty or already known.
func (s *Supplier) AddAlias(alias string) bool {
	alias = strings.TrimSpace(alias)
	if alias == "" || s.HasAlias(alias) {
		return false
	}
	s.Aliases = append(s.Aliases, alias)
	return true
}

func (s *Supplier) RemoveAlias(alias string) bool {
	alias = strings.TrimSpace(alias)
	for i, a := range s.Aliases {
		if a == alias {
			s.Aliases = append(s.Aliases[:i], s.Aliases[i+1:]...)
			return true
		}
	}
	return false
}

// MatchKind tells how MatchSupplier found a supplier
type MatchKind string

const (
	MatchNone    MatchKind = ""
	MatchExact   MatchKind = "exact"
	MatchPartial MatchKind = "partial"
	MatchAlias   MatchKind = "alias"
)

// MatchSupplier resolves an extracted supplier name: case-insensitive exact
// name first, then case-insensitive substring of the name, then exact alias.
func MatchSupplier(suppliers []*Supplier, name string) (*Supplier, MatchKind) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, MatchNone
	}
	lower := strings.ToLower(name)

	for _, s := range suppliers {
		if strings.ToLower(s.Name) == lower {
			return s, MatchExact
		}
	}
	for _, s := range suppliers {
		if strings.Contains(strings.ToLower(s.Name), lower) {
			return s, MatchPartial
		}
	}
	for _, s := range suppliers {
		if s.HasAlias(name) {
			return s, MatchAlias
		}
	}
	return nil, MatchNone
}

// EntryState is the posting state of an accounting entry
type EntryState string

const (
	EntryDraft  EntryState = "draft"
	EntryPosted EntryState = "posted"
)

// Line is one line of a vendor bill
type Line struct {
	Description        string  `json:"description"`
	Quantity           float64 `json:"quantity"`
	PriceUnit          float64 `json:"price_unit"`
	AccountID          string  `json:"account_id,omitempty"`
	PredictedAccountID string  `json:"predicted_account_id,omitempty"`
	AccountConfidence  int     `json:"account_confidence"`
	AccountSource      string  `json:"account_source,omitempty"`
}

// Entry is a vendor bill produced from an import job
type Entry struct {
	ID             string          `json:"id"`
	JobID          string          `json:"job_id,omitempty"`
	SupplierID     string          `json:"supplier_id,omitempty"`
	InvoiceDate    string          `json:"invoice_date,omitempty"`
	Ref            string          `json:"ref,omitempty"`
	State          EntryState      `json:"state"`
	Lines          []Line          `json:"lines"`
	AmountMismatch bool            `json:"amount_mismatch"`
	Confidence     json.RawMessage `json:"confidence,omitempty"`
	SourcePath     string          `json:"source_path,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	PostedAt       *time.Time      `json:"posted_at,omitempty"`
}

// FromImport reports whether the entry was produced by an import job
func (e *Entry) FromImport() bool {
	return e.JobID != ""
}

// Chart is a seed of accounts, taxes and suppliers
type Chart struct {
	Accounts  []*Account  `json:"accounts"`
	Taxes     []*Tax      `json:"taxes"`
	Suppliers []*Supplier `json:"suppliers"`
}

// LoadChart decodes a chart from JSON
func LoadChart(r io.Reader) (*Chart, error) {
	var c Chart
	if err := json.NewDecoder(r).Decode(&c); err != nil {
		return nil, fmt.Errorf("failed to decode chart: %w", err)
	}
	for _, a := range c.Accounts {
		if a.ID == "" || a.Code == "" {
			return nil, fmt.Errorf("account without id or code: %q", a.Name)
		}
	}
	for _, t := range c.Taxes {
		if t.ID == "" {
			return nil, fmt.Errorf("tax without id: %q", t.Name)
		}
		if t.Use == "" {
			t.Use = TaxPurchase
		}
	}
	for _, s := range c.Suppliers {
		if s.ID == "" || s.Name == "" {
			return nil, fmt.Errorf("supplier without id or name")
		}
	}
	return &c, nil
}
