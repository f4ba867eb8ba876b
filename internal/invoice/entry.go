package invoice

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/zombor/invoice-ocr/internal/ledger"
	"github.com/zombor/invoice-ocr/internal/reconcile"
	"github.com/zombor/invoice-ocr/internal/scanning"
)

func entryConfidence(e *ledger.Entry) (scanning.ConfidenceMap, error) {
	m, err := scanning.ParseConfidenceMap(e.Confidence)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", e.ID, err)
	}
	if m == nil {
		m = scanning.ConfidenceMap{}
	}
	return m, nil
}

func setEntryConfidence(e *ledger.Entry, m scanning.ConfidenceMap) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshaling confidence: %w", err)
	}
	e.Confidence = data
	return nil
}

// applyTotalCheck sets or clears the mismatch flag and lowers the total
// confidence on mismatch
func applyTotalCheck(e *ledger.Entry, conf scanning.ConfidenceMap, check reconcile.TotalCheck, extracted float64) error {
	if check.Valid {
		e.AmountMismatch = false
	} else {
		e.AmountMismatch = true
		if err := conf.Set(scanning.FieldTotal, extracted, check.Confidence); err != nil {
			return err
		}
		slog.Warn("Entry total mismatch", "entry_id", e.ID, "gap", check.Gap)
	}
	return setEntryConfidence(e, conf)
}

// GetEntry retrieves an entry by ID
func (s *Service) GetEntry(id string) (*ledger.Entry, error) {
	entry, err := s.db.GetEntry(id)
	if err != nil {
		return nil, fmt.Errorf("getting entry: %w", err)
	}
	return entry, nil
}

// EntryTotal computes the tax-included total of an entry
func (s *Service) EntryTotal(entry *ledger.Entry) (float64, error) {
	taxFor, err := s.taxLookup()
	if err != nil {
		return 0, err
	}
	return reconcile.EntryTotal(entry, taxFor), nil
}

// RevalidateTotal compares an edited entry with the total its job extracted
func (s *Service) RevalidateTotal(id string) (*ledger.Entry, error) {
	entry, err := s.db.GetEntry(id)
	if err != nil {
		return nil, fmt.Errorf("getting entry: %w", err)
	}

	extracted := 0.0
	if entry.JobID != "" {
		job, err := s.db.GetJob(entry.JobID)
		if err != nil {
			return nil, fmt.Errorf("getting job: %w", err)
		}
		if job.Invoice != nil {
			extracted = job.Invoice.AmountTotal
		}
	}

	total, err := s.EntryTotal(entry)
	if err != nil {
		return nil, err
	}
	conf, err := entryConfidence(entry)
	if err != nil {
		return nil, err
	}
	if err := applyTotalCheck(entry, conf, reconcile.ValidateTotal(total, extracted), extracted); err != nil {
		return nil, err
	}
	if err := s.db.SaveEntry(entry); err != nil {
		return nil, fmt.Errorf("saving entry: %w", err)
	}
	return entry, nil
}

// FieldConfidence returns the confidence of one field of an entry
func (s *Service) FieldConfidence(entryID, field string) (int, bool, error) {
	entry, err := s.db.GetEntry(entryID)
	if err != nil {
		return 0, false, fmt.Errorf("getting entry: %w", err)
	}
	conf, err := entryConfidence(entry)
	if err != nil {
		return 0, false, err
	}
	c, ok := conf.Get(field)
	return c, ok, nil
}

// SetFieldConfidence overrides the confidence of one field of an entry
func (s *Service) SetFieldConfidence(entryID, field string, value any, confidence int) error {
	entry, err := s.db.GetEntry(entryID)
	if err != nil {
		return fmt.Errorf("getting entry: %w", err)
	}
	conf, err := entryConfidence(entry)
	if err != nil {
		return err
	}
	if err := conf.Set(field, value, confidence); err != nil {
		return err
	}
	if err := setEntryConfidence(entry, conf); err != nil {
		return err
	}
	return s.db.SaveEntry(entry)
}

// LowConfidenceFields lists the entry fields under the review threshold
func (s *Service) LowConfidenceFields(entryID string) ([]string, error) {
	entry, err := s.db.GetEntry(entryID)
	if err != nil {
		return nil, fmt.Errorf("getting entry: %w", err)
	}
	conf, err := entryConfidence(entry)
	if err != nil {
		return nil, err
	}
	delete(conf, scanning.FieldGlobal)
	return conf.LowFields(scanning.LowConfidenceThreshold), nil
}
