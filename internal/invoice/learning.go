package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/zombor/invoice-ocr/internal/ledger"
)

// ErrAlreadyPosted is returned when posting an entry twice
var ErrAlreadyPosted = errors.New("entry already posted")

// PostRequest carries the reviewer's final choices for an entry
type PostRequest struct {
	SupplierID string         `json:"supplier_id,omitempty"`
	Accounts   map[int]string `json:"accounts,omitempty"` // line index -> account ID
	Author     string         `json:"author,omitempty"`
}

// PostEntry confirms a draft entry and learns from the differences
// between what the pipeline proposed and what was posted. Learning
// failures are logged and never fail the posting.
func (s *Service) PostEntry(ctx context.Context, id string, req PostRequest) (*ledger.Entry, error) {
	entry, err := s.db.GetEntry(id)
	if err != nil {
		return nil, fmt.Errorf("getting entry: %w", err)
	}
	if entry.State == ledger.EntryPosted {
		return nil, ErrAlreadyPosted
	}

	if req.SupplierID != "" {
		entry.SupplierID = req.SupplierID
	}
	for i, accountID := range req.Accounts {
		if i < 0 || i >= len(entry.Lines) {
			return nil, fmt.Errorf("line %d out of range", i)
		}
		entry.Lines[i].AccountID = accountID
	}

	now := s.timeSource.Now()
	entry.State = ledger.EntryPosted
	entry.PostedAt = &now
	if err := s.db.SaveEntry(entry); err != nil {
		return nil, fmt.Errorf("saving entry: %w", err)
	}
	slog.Info("Entry posted", "entry_id", entry.ID)

	if entry.FromImport() {
		s.learn(ctx, entry, req.Author)
	}
	return entry, nil
}

func (s *Service) learn(ctx context.Context, entry *ledger.Entry, author string) {
	job, err := s.db.GetJob(entry.JobID)
	if err != nil {
		slog.Error("Failed to load job for learning", "entry_id", entry.ID, "error", err)
		return
	}

	if err := s.learnSupplierAlias(job, entry, author); err != nil {
		slog.Error("Failed to learn supplier alias", "entry_id", entry.ID, "error", err)
	}
	if entry.SupplierID == "" {
		return
	}
	accounts, err := s.accountIndex()
	if err != nil {
		slog.Error("Failed to load accounts for learning", "entry_id", entry.ID, "error", err)
		return
	}
	if err := s.learnDefaultAccount(job, entry, accounts, author); err != nil {
		slog.Error("Failed to learn default account", "entry_id", entry.ID, "error", err)
	}
	if err := s.learnLineAccounts(job, entry, accounts, author); err != nil {
		slog.Error("Failed to learn line accounts", "entry_id", entry.ID, "error", err)
	}
	if err := s.updateMask(entry.SupplierID, accounts); err != nil {
		slog.Error("Failed to update supplier mask", "entry_id", entry.ID, "error", err)
	}
}

func (s *Service) accountIndex() (map[string]*ledger.Account, error) {
	list, err := s.db.ListAccounts()
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	index := make(map[string]*ledger.Account, len(list))
	for _, a := range list {
		index[a.ID] = a
	}
	return index, nil
}

func (s *Service) saveCorrection(jobID, author string, detail CorrectionDetail) (*Correction, error) {
	c := &Correction{
		ID:        s.idGenerator.Generate(),
		JobID:     jobID,
		Author:    author,
		CreatedAt: s.timeSource.Now(),
		Detail:    detail,
	}
	if err := s.db.SaveCorrection(c); err != nil {
		return nil, fmt.Errorf("saving correction: %w", err)
	}
	return c, nil
}

// learnSupplierAlias adds the extracted name as an alias when the posted
// supplier is not the one the pipeline resolved
func (s *Service) learnSupplierAlias(job *ImportJob, entry *ledger.Entry, author string) error {
	if entry.SupplierID == "" || job.Invoice == nil || job.Invoice.SupplierName == "" {
		return nil
	}
	if job.SupplierID == entry.SupplierID {
		return nil
	}

	supplier, err := s.db.GetSupplier(entry.SupplierID)
	if err != nil {
		return err
	}
	if supplier.AddAlias(job.Invoice.SupplierName) {
		if err := s.db.SaveSupplier(supplier); err != nil {
			return fmt.Errorf("saving supplier: %w", err)
		}
	}
	_, err = s.saveCorrection(job.ID, author, AliasCorrection{
		SupplierID:   supplier.ID,
		SupplierName: supplier.Name,
		Alias:        job.Invoice.SupplierName,
	})
	if err == nil {
		slog.Info("Learned supplier alias", "supplier_id", supplier.ID)
	}
	return err
}

// learnDefaultAccount makes the most used expense account of the entry
// the supplier's default
func (s *Service) learnDefaultAccount(job *ImportJob, entry *ledger.Entry, accounts map[string]*ledger.Account, author string) error {
	counts := make(map[string]int)
	var order []string
	for _, l := range entry.Lines {
		acc, ok := accounts[l.AccountID]
		if !ok || !acc.IsExpense() {
			continue
		}
		if counts[acc.ID] == 0 {
			order = append(order, acc.ID)
		}
		counts[acc.ID]++
	}
	if len(order) == 0 {
		return nil
	}
	// ties go to the account seen first
	best := order[0]
	for _, id := range order[1:] {
		if counts[id] > counts[best] {
			best = id
		}
	}

	supplier, err := s.db.GetSupplier(entry.SupplierID)
	if err != nil {
		return err
	}
	if supplier.DefaultAccountID == best {
		return nil
	}

	oldCode := "none"
	if old, ok := accounts[supplier.DefaultAccountID]; ok {
		oldCode = old.Code
	}
	supplier.DefaultAccountID = best
	if err := s.db.SaveSupplier(supplier); err != nil {
		return fmt.Errorf("saving supplier: %w", err)
	}
	_, err = s.saveCorrection(job.ID, author, DefaultAccountCorrection{
		SupplierID: supplier.ID,
		AccountID:  best,
		OldCode:    oldCode,
		NewCode:    accounts[best].Code,
	})
	if err == nil {
		slog.Info("Updated supplier default account", "supplier_id", supplier.ID, "account", accounts[best].Code)
	}
	return err
}

// learnLineAccounts upserts a pattern for every posted expense line and
// records the lines whose account differs from the prediction
func (s *Service) learnLineAccounts(job *ImportJob, entry *ledger.Entry, accounts map[string]*ledger.Account, author string) error {
	var errs []error
	for _, l := range entry.Lines {
		acc, ok := accounts[l.AccountID]
		if l.Description == "" || !ok || !acc.IsExpense() {
			continue
		}
		if _, err := s.predictor.Record(entry.SupplierID, l.Description, acc.ID); err != nil {
			errs = append(errs, err)
			continue
		}

		if l.PredictedAccountID == "" || l.PredictedAccountID == l.AccountID {
			continue
		}
		oldCode := l.PredictedAccountID
		if predicted, ok := accounts[l.PredictedAccountID]; ok {
			oldCode = predicted.Code
		}
		_, err := s.saveCorrection(job.ID, author, LineAccountCorrection{
			Description: l.Description,
			OldCode:     oldCode,
			NewCode:     acc.Code,
		})
		if err != nil {
			errs = append(errs, err)
			continue
		}
		slog.Info("Learned line account correction", "entry_id", entry.ID, "from", oldCode, "to", acc.Code)
	}
	return errors.Join(errs...)
}

// updateMask bumps the supplier's active mask, or builds one once enough
// imported entries are posted
func (s *Service) updateMask(supplierID string, accounts map[string]*ledger.Account) error {
	mask, err := s.db.ActiveMask(supplierID)
	if err != nil {
		return err
	}
	if mask != nil {
		mask.UsageCount++
		return s.db.SaveMask(mask)
	}

	posted, err := s.db.PostedEntries(supplierID, 0)
	if err != nil {
		return err
	}
	imported := make([]*ledger.Entry, 0, len(posted))
	for _, e := range posted {
		if e.FromImport() {
			imported = append(imported, e)
		}
	}
	if len(imported) < maskMinInvoices {
		return nil
	}
	if len(imported) > maskSourceInvoices {
		imported = imported[:maskSourceInvoices]
	}

	supplier, err := s.db.GetSupplier(supplierID)
	if err != nil {
		return err
	}
	mask = &Mask{
		ID:         s.idGenerator.Generate(),
		SupplierID: supplierID,
		Name:       "Auto - " + supplier.Name,
		Data:       buildMaskData(imported, accounts),
		Active:     true,
		UsageCount: len(imported),
		CreatedAt:  s.timeSource.Now(),
	}
	if err := s.db.SaveMask(mask); err != nil {
		return fmt.Errorf("saving mask: %w", err)
	}
	slog.Info("Generated supplier mask", "supplier_id", supplierID, "invoices", len(imported))
	return nil
}

// RecordCorrection stores a user correction for a job and applies it
func (s *Service) RecordCorrection(jobID, author string, detail CorrectionDetail) (*Correction, bool, error) {
	if _, err := s.db.GetJob(jobID); err != nil {
		return nil, false, fmt.Errorf("getting job: %w", err)
	}
	c, err := s.saveCorrection(jobID, author, detail)
	if err != nil {
		return nil, false, err
	}
	applied, err := s.ApplyCorrection(c)
	return c, applied, err
}

// ApplyCorrection feeds a correction back into the supplier data. Field
// and line corrections are records only. The boolean reports whether
// anything changed.
func (s *Service) ApplyCorrection(c *Correction) (bool, error) {
	switch d := c.Detail.(type) {
	case AliasCorrection:
		supplier, err := s.db.GetSupplier(d.SupplierID)
		if err != nil {
			return false, err
		}
		if !supplier.AddAlias(d.Alias) {
			return false, nil
		}
		if err := s.db.SaveSupplier(supplier); err != nil {
			return false, fmt.Errorf("saving supplier: %w", err)
		}
		return true, nil

	case DefaultAccountCorrection:
		account, err := s.db.GetAccount(d.AccountID)
		if err != nil {
			return false, err
		}
		if !account.IsExpense() {
			slog.Warn("Correction account is not an expense account", "correction_id", c.ID, "account", account.Code)
			return false, nil
		}
		supplier, err := s.db.GetSupplier(d.SupplierID)
		if err != nil {
			return false, err
		}
		supplier.DefaultAccountID = account.ID
		if err := s.db.SaveSupplier(supplier); err != nil {
			return false, fmt.Errorf("saving supplier: %w", err)
		}
		return true, nil

	case FieldCorrection, LineAccountCorrection:
		return true, nil
	}
	return false, fmt.Errorf("unknown correction %T", c.Detail)
}

// ListCorrections returns the corrections of a job
func (s *Service) ListCorrections(jobID string) ([]*Correction, error) {
	corrections, err := s.db.ListCorrections(jobID)
	if err != nil {
		return nil, fmt.Errorf("listing corrections: %w", err)
	}
	return corrections, nil
}
