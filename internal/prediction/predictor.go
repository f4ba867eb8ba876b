package prediction

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/invoice-ocr/internal/ledger"
)

// Source tells which strategy produced a prediction
type Source string

const (
	SourcePattern Source = "pattern"
	SourceHistory Source = "history"
	SourceDefault Source = "default"
)

const (
	// MinConfidence is the lowest confidence an exact pattern or history
	// match is accepted with
	MinConfidence = 30
	// DefaultConfidence is assigned to fallback predictions
	DefaultConfidence = 10

	partialPatternLimit = 20
	historyEntryLimit   = 10
)

// Pattern is a learned association between a supplier's normalized line
// description and an account
type Pattern struct {
	ID         string    `json:"id"`
	SupplierID string    `json:"supplier_id"`
	Keywords   string    `json:"keywords"`
	AccountID  string    `json:"account_id"`
	UsageCount int       `json:"usage_count"`
	LastUsed   time.Time `json:"last_used"`
}

// Prediction is the account chosen for one invoice line
type Prediction struct {
	AccountID  string `json:"account_id"`
	Confidence int    `json:"confidence"`
	Source     Source `json:"source"`
}

// Store is the persistence the predictor reads from and learns into
type Store interface {
	ListPatterns(supplierID string) ([]*Pattern, error)
	SavePattern(p *Pattern) error
	// PostedEntries returns the supplier's posted entries, most recent first
	PostedEntries(supplierID string, limit int) ([]*ledger.Entry, error)
	ListAccounts() ([]*ledger.Account, error)
	GetSupplier(id string) (*ledger.Supplier, error)
}

// Predictor assigns expense accounts to invoice lines
type Predictor struct {
	store Store
	now   func() time.Time
	newID func() string
}

func NewPredictor(store Store) *Predictor {
	return NewPredictorWithDeps(store, time.Now, uuid.NewString)
}

func NewPredictorWithDeps(store Store, now func() time.Time, newID func() string) *Predictor {
	return &Predictor{store: store, now: now, newID: newID}
}

// Predict picks an account for a line. Strategies are tried in order:
// exact pattern, partial pattern, supplier history, fallback. The boolean
// is false when not even a fallback account exists.
func (p *Predictor) Predict(supplierID, description string) (Prediction, bool) {
	keywords := Normalize(description)

	if supplierID != "" && keywords != "" {
		patterns, err := p.store.ListPatterns(supplierID)
		if err != nil {
			slog.Warn("Failed to load patterns", "supplier_id", supplierID, "error", err)
		} else {
			if pred, ok := exactMatch(patterns, keywords); ok {
				return pred, true
			}
			if pred, ok := partialMatch(patterns, keywords); ok {
				return pred, true
			}
		}

		if pred, ok, err := p.historyMatch(supplierID, keywords); err != nil {
			slog.Warn("Failed to analyze history", "supplier_id", supplierID, "error", err)
		} else if ok {
			return pred, true
		}
	}

	return p.fallback(supplierID)
}

func exactMatch(patterns []*Pattern, keywords string) (Prediction, bool) {
	for _, pat := range patterns {
		if pat.Keywords != keywords {
			continue
		}
		confidence := min(70+pat.UsageCount*10, 100)
		if confidence < MinConfidence {
			return Prediction{}, false
		}
		return Prediction{AccountID: pat.AccountID, Confidence: confidence, Source: SourcePattern}, true
	}
	return Prediction{}, false
}

func partialMatch(patterns []*Pattern, keywords string) (Prediction, bool) {
	top := make([]*Pattern, len(patterns))
	copy(top, patterns)
	sort.SliceStable(top, func(i, j int) bool {
		return top[i].UsageCount > top[j].UsageCount
	})
	if len(top) > partialPatternLimit {
		top = top[:partialPatternLimit]
	}

	var best *Pattern
	bestScore := 0.0
	for _, pat := range top {
		similarity := Jaccard(keywords, pat.Keywords)
		if similarity <= SimilarityThreshold {
			continue
		}
		score := similarity * (1 + float64(min(pat.UsageCount, 10))*0.05)
		if score > bestScore {
			best, bestScore = pat, score
		}
	}
	if best == nil {
		return Prediction{}, false
	}
	return Prediction{
		AccountID:  best.AccountID,
		Confidence: int(math.Min(bestScore*80, 85)),
		Source:     SourcePattern,
	}, true
}

func (p *Predictor) historyMatch(supplierID, keywords string) (Prediction, bool, error) {
	entries, err := p.store.PostedEntries(supplierID, historyEntryLimit)
	if err != nil {
		return Prediction{}, false, fmt.Errorf("failed to load posted entries: %w", err)
	}
	if len(entries) == 0 {
		return Prediction{}, false, nil
	}
	accounts, err := p.accountIndex()
	if err != nil {
		return Prediction{}, false, err
	}

	similarities := make(map[string][]float64)
	var order []string
	total := 0
	for _, e := range entries {
		for _, line := range e.Lines {
			acc, ok := accounts[line.AccountID]
			if !ok || !acc.IsExpense() {
				continue
			}
			sim := Jaccard(keywords, Normalize(line.Description))
			if sim <= SimilarityThreshold {
				continue
			}
			if _, seen := similarities[acc.ID]; !seen {
				order = append(order, acc.ID)
			}
			similarities[acc.ID] = append(similarities[acc.ID], sim)
			total++
		}
	}
	if total == 0 {
		return Prediction{}, false, nil
	}

	bestAccount := ""
	bestScore := 0.0
	for _, id := range order {
		sims := similarities[id]
		sum := 0.0
		for _, s := range sims {
			sum += s
		}
		score := float64(len(sims)) / float64(total) * (sum / float64(len(sims)))
		if score > bestScore {
			bestAccount, bestScore = id, score
		}
	}

	confidence := int(math.Min(30+10*float64(min(total, 5))+20*bestScore, 95))
	if confidence < MinConfidence {
		return Prediction{}, false, nil
	}
	return Prediction{AccountID: bestAccount, Confidence: confidence, Source: SourceHistory}, true, nil
}

func (p *Predictor) accountIndex() (map[string]*ledger.Account, error) {
	list, err := p.store.ListAccounts()
	if err != nil {
		return nil, fmt.Errorf("failed to load accounts: %w", err)
	}
	index := make(map[string]*ledger.Account, len(list))
	for _, a := range list {
		index[a.ID] = a
	}
	return index, nil
}

func (p *Predictor) fallback(supplierID string) (Prediction, bool) {
	if supplierID != "" {
		supplier, err := p.store.GetSupplier(supplierID)
		if err != nil {
			slog.Warn("Failed to load supplier", "supplier_id", supplierID, "error", err)
		} else if supplier.DefaultAccountID != "" {
			return defaultPrediction(supplier.DefaultAccountID), true
		}
	}

	accounts, err := p.store.ListAccounts()
	if err != nil {
		slog.Error("Failed to load accounts", "error", err)
		return Prediction{}, false
	}
	sorted := make([]*ledger.Account, len(accounts))
	copy(sorted, accounts)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Code < sorted[j].Code })

	for _, a := range sorted {
		if strings.HasPrefix(a.Code, ledger.ExpenseCodePrefix) {
			return defaultPrediction(a.ID), true
		}
	}
	for _, a := range sorted {
		if a.IsExpense() {
			return defaultPrediction(a.ID), true
		}
	}
	return Prediction{}, false
}

func defaultPrediction(accountID string) Prediction {
	return Prediction{AccountID: accountID, Confidence: DefaultConfidence, Source: SourceDefault}
}

// Record upserts the pattern for a confirmed line: a new pattern starts at
// usage 1, an existing one is pointed at the account and its usage grows.
// Descriptions without keywords yield no pattern.
func (p *Predictor) Record(supplierID, description, accountID string) (*Pattern, error) {
	keywords := Normalize(description)
	if keywords == "" || supplierID == "" || accountID == "" {
		return nil, nil
	}

	patterns, err := p.store.ListPatterns(supplierID)
	if err != nil {
		return nil, fmt.Errorf("failed to load patterns: %w", err)
	}

	var pattern *Pattern
	for _, pat := range patterns {
		if pat.Keywords == keywords {
			pattern = pat
			break
		}
	}
	if pattern == nil {
		pattern = &Pattern{
			ID:         p.newID(),
			SupplierID: supplierID,
			Keywords:   keywords,
		}
	}
	pattern.AccountID = accountID
	pattern.UsageCount++
	pattern.LastUsed = p.now()

	if err := p.store.SavePattern(pattern); err != nil {
		return nil, fmt.Errorf("failed to save pattern: %w", err)
	}
	slog.Info("Recorded account pattern", "supplier_id", supplierID, "usage_count", pattern.UsageCount)
	return pattern, nil
}
