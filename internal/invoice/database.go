package invoice

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.etcd.io/bbolt"

	"github.com/zombor/invoice-ocr/internal/ledger"
	"github.com/zombor/invoice-ocr/internal/prediction"
)

const (
	jobsBucket        = "jobs"
	patternsBucket    = "patterns"
	correctionsBucket = "corrections"
	suppliersBucket   = "suppliers"
	accountsBucket    = "accounts"
	taxesBucket       = "taxes"
	entriesBucket     = "entries"
	masksBucket       = "masks"
)

var allBuckets = []string{
	jobsBucket, patternsBucket, correctionsBucket, suppliersBucket,
	accountsBucket, taxesBucket, entriesBucket, masksBucket,
}

// ErrNotFound is wrapped by every lookup miss
var ErrNotFound = errors.New("not found")

// DB defines the interface for database operations
type DB interface {
	prediction.Store

	SaveJob(job *ImportJob) error
	GetJob(id string) (*ImportJob, error)
	ListJobs() ([]*ImportJob, error)
	// DeleteJob removes a job and its corrections
	DeleteJob(id string) error

	SaveCorrection(c *Correction) error
	// ListCorrections returns the corrections of a job, or all of them
	// when jobID is empty, oldest first
	ListCorrections(jobID string) ([]*Correction, error)

	SaveSupplier(s *ledger.Supplier) error
	ListSuppliers() ([]*ledger.Supplier, error)
	// DeleteSupplier removes a supplier with its patterns and masks
	DeleteSupplier(id string) error

	SaveAccount(a *ledger.Account) error
	GetAccount(id string) (*ledger.Account, error)
	SaveTax(t *ledger.Tax) error
	ListTaxes() ([]*ledger.Tax, error)

	SaveEntry(e *ledger.Entry) error
	GetEntry(id string) (*ledger.Entry, error)

	SaveMask(m *Mask) error
	// ActiveMask returns the supplier's most used active mask, or nil
	ActiveMask(supplierID string) (*Mask, error)

	// SeedChart stores a chart of accounts, taxes and suppliers
	SeedChart(chart *ledger.Chart) error

	Close() error
}

// BoltDB implements the DB interface using BoltDB
type BoltDB struct {
	db *bbolt.DB
}

// NewBoltDB creates a new BoltDB instance
func NewBoltDB(path string) (*BoltDB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening boltdb: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return &BoltDB{db: db}, nil
}

func put(tx *bbolt.Tx, bucket, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", bucket, err)
	}
	return tx.Bucket([]byte(bucket)).Put([]byte(id), data)
}

func (b *BoltDB) save(bucket, id string, v any) error {
	if id == "" {
		return fmt.Errorf("saving %s: empty id", bucket)
	}
	return b.db.Update(func(tx *bbolt.Tx) error {
		return put(tx, bucket, id, v)
	})
}

func get[T any](b *BoltDB, bucket, kind, id string) (*T, error) {
	var v *T
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(bucket)).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("%s %w: %s", kind, ErrNotFound, id)
		}
		return json.Unmarshal(data, &v)
	})
	if err != nil {
		return nil, err
	}
	return v, nil
}

func list[T any](b *BoltDB, bucket string, keep func(*T) bool) ([]*T, error) {
	items := make([]*T, 0)
	err := b.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucket)).ForEach(func(k, v []byte) error {
			var item T
			if err := json.Unmarshal(v, &item); err != nil {
				return fmt.Errorf("unmarshaling %s %s: %w", bucket, k, err)
			}
			if keep == nil || keep(&item) {
				items = append(items, &item)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return items, nil
}

// deleteWhere removes the records of bucket for which match is true
func deleteWhere[T any](tx *bbolt.Tx, bucket string, match func(*T) bool) error {
	bkt := tx.Bucket([]byte(bucket))
	var keys [][]byte
	err := bkt.ForEach(func(k, v []byte) error {
		var item T
		if err := json.Unmarshal(v, &item); err != nil {
			return fmt.Errorf("unmarshaling %s %s: %w", bucket, k, err)
		}
		if match(&item) {
			keys = append(keys, append([]byte(nil), k...))
		}
		return nil
	})
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := bkt.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

func (b *BoltDB) SaveJob(job *ImportJob) error {
	return b.save(jobsBucket, job.ID, job)
}

func (b *BoltDB) GetJob(id string) (*ImportJob, error) {
	return get[ImportJob](b, jobsBucket, "job", id)
}

// ListJobs returns all jobs, oldest first
func (b *BoltDB) ListJobs() ([]*ImportJob, error) {
	jobs, err := list[ImportJob](b, jobsBucket, nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})
	return jobs, nil
}

func (b *BoltDB) DeleteJob(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(jobsBucket)).Get([]byte(id)) == nil {
			return fmt.Errorf("job %w: %s", ErrNotFound, id)
		}
		err := deleteWhere(tx, correctionsBucket, func(c *Correction) bool {
			return c.JobID == id
		})
		if err != nil {
			return fmt.Errorf("deleting corrections: %w", err)
		}
		return tx.Bucket([]byte(jobsBucket)).Delete([]byte(id))
	})
}

func (b *BoltDB) ListPatterns(supplierID string) ([]*prediction.Pattern, error) {
	return list(b, patternsBucket, func(p *prediction.Pattern) bool {
		return p.SupplierID == supplierID
	})
}

func (b *BoltDB) SavePattern(p *prediction.Pattern) error {
	return b.save(patternsBucket, p.ID, p)
}

func (b *BoltDB) SaveCorrection(c *Correction) error {
	return b.save(correctionsBucket, c.ID, c)
}

func (b *BoltDB) ListCorrections(jobID string) ([]*Correction, error) {
	corrections, err := list(b, correctionsBucket, func(c *Correction) bool {
		return jobID == "" || c.JobID == jobID
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(corrections, func(i, j int) bool {
		return corrections[i].CreatedAt.Before(corrections[j].CreatedAt)
	})
	return corrections, nil
}

func (b *BoltDB) SaveSupplier(s *ledger.Supplier) error {
	return b.save(suppliersBucket, s.ID, s)
}

func (b *BoltDB) GetSupplier(id string) (*ledger.Supplier, error) {
	return get[ledger.Supplier](b, suppliersBucket, "supplier", id)
}

func (b *BoltDB) ListSuppliers() ([]*ledger.Supplier, error) {
	return list[ledger.Supplier](b, suppliersBucket, nil)
}

func (b *BoltDB) DeleteSupplier(id string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(suppliersBucket)).Get([]byte(id)) == nil {
			return fmt.Errorf("supplier %w: %s", ErrNotFound, id)
		}
		err := deleteWhere(tx, patternsBucket, func(p *prediction.Pattern) bool {
			return p.SupplierID == id
		})
		if err != nil {
			return fmt.Errorf("deleting patterns: %w", err)
		}
		err = deleteWhere(tx, masksBucket, func(m *Mask) bool {
			return m.SupplierID == id
		})
		if err != nil {
			return fmt.Errorf("deleting masks: %w", err)
		}
		return tx.Bucket([]byte(suppliersBucket)).Delete([]byte(id))
	})
}

func (b *BoltDB) SaveAccount(a *ledger.Account) error {
	return b.save(accountsBucket, a.ID, a)
}

func (b *BoltDB) GetAccount(id string) (*ledger.Account, error) {
	return get[ledger.Account](b, accountsBucket, "account", id)
}

// ListAccounts returns the chart of accounts ordered by code
func (b *BoltDB) ListAccounts() ([]*ledger.Account, error) {
	accounts, err := list[ledger.Account](b, accountsBucket, nil)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(accounts, func(i, j int) bool {
		return accounts[i].Code < accounts[j].Code
	})
	return accounts, nil
}

func (b *BoltDB) SaveTax(t *ledger.Tax) error {
	return b.save(taxesBucket, t.ID, t)
}

func (b *BoltDB) ListTaxes() ([]*ledger.Tax, error) {
	return list[ledger.Tax](b, taxesBucket, nil)
}

func (b *BoltDB) SaveEntry(e *ledger.Entry) error {
	return b.save(entriesBucket, e.ID, e)
}

func (b *BoltDB) GetEntry(id string) (*ledger.Entry, error) {
	return get[ledger.Entry](b, entriesBucket, "entry", id)
}

// PostedEntries returns the supplier's posted entries, latest invoice date
// first. A limit of 0 or less returns all of them.
func (b *BoltDB) PostedEntries(supplierID string, limit int) ([]*ledger.Entry, error) {
	entries, err := list(b, entriesBucket, func(e *ledger.Entry) bool {
		return e.SupplierID == supplierID && e.State == ledger.EntryPosted
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].InvoiceDate != entries[j].InvoiceDate {
			return entries[i].InvoiceDate > entries[j].InvoiceDate
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (b *BoltDB) SaveMask(m *Mask) error {
	return b.save(masksBucket, m.ID, m)
}

func (b *BoltDB) ActiveMask(supplierID string) (*Mask, error) {
	masks, err := list(b, masksBucket, func(m *Mask) bool {
		return m.SupplierID == supplierID && m.Active
	})
	if err != nil {
		return nil, err
	}
	if len(masks) == 0 {
		return nil, nil
	}
	sort.SliceStable(masks, func(i, j int) bool {
		return masks[i].UsageCount > masks[j].UsageCount
	})
	return masks[0], nil
}

func (b *BoltDB) SeedChart(chart *ledger.Chart) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		for _, a := range chart.Accounts {
			if err := put(tx, accountsBucket, a.ID, a); err != nil {
				return err
			}
		}
		for _, t := range chart.Taxes {
			if err := put(tx, taxesBucket, t.ID, t); err != nil {
				return err
			}
		}
		for _, s := range chart.Suppliers {
			if err := put(tx, suppliersBucket, s.ID, s); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the database connection
func (b *BoltDB) Close() error {
	return b.db.Close()
}
