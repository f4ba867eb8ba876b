package invoice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/invoice-ocr/internal/extraction"
	"github.com/zombor/invoice-ocr/internal/ledger"
	"github.com/zombor/invoice-ocr/internal/reconcile"
	"github.com/zombor/invoice-ocr/internal/scanning"
)

// Failure kinds raised by the pipeline itself. AI failures carry the
// other scanning.ErrorKind values.
const (
	KindExtraction = string(scanning.KindExtraction)
	KindProcessing = string(scanning.KindProcessing)
)

type pipelineError struct {
	kind string
	err  error
}

func (e *pipelineError) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *pipelineError) Unwrap() error {
	return e.err
}

func failureKind(err error) string {
	var pe *pipelineError
	if errors.As(err, &pe) {
		return pe.kind
	}
	if kind := scanning.KindOf(err); kind != "" {
		return string(kind)
	}
	return KindProcessing
}

// isPermanent reports whether a failure kind goes straight to failed
func isPermanent(kind string) bool {
	return scanning.ErrorKind(kind).Permanent()
}

func classifyExtraction(err error) error {
	switch {
	case errors.Is(err, extraction.ErrEmptyDocument):
		return &pipelineError{kind: string(scanning.KindValidation), err: err}
	case errors.Is(err, extraction.ErrInvalidDocument),
		errors.Is(err, extraction.ErrPasswordProtected),
		errors.Is(err, extraction.ErrOCRUnavailable):
		return &pipelineError{kind: KindExtraction, err: err}
	}
	return &pipelineError{kind: KindProcessing, err: fmt.Errorf("text extraction: %w", err)}
}

// JobFailure is a job a batch could not complete
type JobFailure struct {
	JobID string
	Err   error
}

// Summary reports one batch run
type Summary struct {
	Processed int
	Done      int
	Failures  []JobFailure
}

// ProcessJob runs the full pipeline for a pending job: text extraction,
// AI extraction, supplier resolution, draft entry with predicted accounts
// and tax-adjusted prices, total validation. A failure is routed to a
// retry or to failed and returned.
func (s *Service) ProcessJob(ctx context.Context, id string) (*ImportJob, error) {
	job, err := s.db.GetJob(id)
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	if err := job.Start(s.timeSource.Now()); err != nil {
		return job, err
	}
	if err := s.db.SaveJob(job); err != nil {
		return nil, fmt.Errorf("saving job: %w", err)
	}

	slog.Info("Processing job", "job_id", job.ID, "attempt", job.RetryCount+1)

	data, err := s.runPipeline(ctx, job)
	if err != nil {
		slog.Error("Job processing failed", "job_id", job.ID, "kind", failureKind(err), "error", err)
		s.handleFailure(ctx, job, err)
		if saveErr := s.db.SaveJob(job); saveErr != nil {
			slog.Error("Failed to save job", "job_id", job.ID, "error", saveErr)
		}
		return job, fmt.Errorf("processing job %s: %w", job.ID, err)
	}

	now := s.timeSource.Now()
	if err := job.MarkDone(now); err != nil {
		return job, err
	}
	s.archiveSuccess(job, data)
	job.log(now, "draft entry %s ready for review", job.EntryID)

	if err := s.db.SaveJob(job); err != nil {
		return job, fmt.Errorf("saving job: %w", err)
	}
	slog.Info("Job done", "job_id", job.ID, "entry_id", job.EntryID)
	return job, nil
}

func (s *Service) runPipeline(ctx context.Context, job *ImportJob) (data []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &pipelineError{kind: KindProcessing, err: fmt.Errorf("panic: %v", r)}
		}
	}()

	data, err = s.storage.Get(job.SourcePath)
	if err != nil {
		return nil, &pipelineError{kind: string(scanning.KindValidation), err: err}
	}

	if job.ExtractedText == "" {
		text, err := s.extractor.ExtractText(data)
		if err != nil {
			return data, classifyExtraction(err)
		}
		if strings.TrimSpace(text) == "" {
			return data, &pipelineError{kind: string(scanning.KindValidation), err: errors.New("no text extracted from document")}
		}
		job.ExtractedText = text
		job.Language = ""
	}
	if job.Language == "" {
		job.Language = extraction.DetectLanguage(job.ExtractedText)
	}
	// keep the text so a retry skips extraction
	if err := s.db.SaveJob(job); err != nil {
		slog.Warn("Failed to save extracted text", "job_id", job.ID, "error", err)
	}

	result, err := s.ai.Extract(ctx, job.ExtractedText, job.Language)
	if err != nil {
		return data, err
	}
	job.RawResponse = result.RawResponse
	job.Invoice = &result.Invoice
	if job.Confidence, err = json.Marshal(result.Confidence); err != nil {
		return data, &pipelineError{kind: KindProcessing, err: err}
	}

	if err := s.resolveSupplier(job); err != nil {
		return data, &pipelineError{kind: KindProcessing, err: err}
	}

	entry, err := s.createEntry(ctx, job, result.Confidence)
	if err != nil {
		return data, &pipelineError{kind: KindProcessing, err: err}
	}
	job.EntryID = entry.ID
	return data, nil
}

func (s *Service) resolveSupplier(job *ImportJob) error {
	suppliers, err := s.db.ListSuppliers()
	if err != nil {
		return fmt.Errorf("listing suppliers: %w", err)
	}
	supplier, kind := ledger.MatchSupplier(suppliers, job.Invoice.SupplierName)
	if supplier == nil {
		job.SupplierID = ""
		return nil
	}
	job.SupplierID = supplier.ID
	slog.Info("Supplier resolved", "job_id", job.ID, "supplier_id", supplier.ID, "match", kind)
	return nil
}

func (s *Service) taxLookup() (func(accountID string) *reconcile.TaxInfo, error) {
	accounts, err := s.db.ListAccounts()
	if err != nil {
		return nil, fmt.Errorf("listing accounts: %w", err)
	}
	taxList, err := s.db.ListTaxes()
	if err != nil {
		return nil, fmt.Errorf("listing taxes: %w", err)
	}

	byID := make(map[string]*ledger.Account, len(accounts))
	for _, a := range accounts {
		byID[a.ID] = a
	}
	taxes := make(map[string]*ledger.Tax, len(taxList))
	for _, t := range taxList {
		taxes[t.ID] = t
	}
	return func(accountID string) *reconcile.TaxInfo {
		return reconcile.TaxForAccount(byID[accountID], taxes)
	}, nil
}

func (s *Service) createEntry(ctx context.Context, job *ImportJob, confidence scanning.ConfidenceMap) (*ledger.Entry, error) {
	inv := job.Invoice
	taxFor, err := s.taxLookup()
	if err != nil {
		return nil, err
	}

	amountType := reconcile.DetectAmountType(inv.Lines, inv.AmountUntaxed, inv.AmountTotal)
	slog.Info("Amount type detected", "job_id", job.ID, "type", amountType)

	entry := &ledger.Entry{
		ID:             s.idGenerator.Generate(),
		JobID:          job.ID,
		SupplierID:     job.SupplierID,
		InvoiceDate:    inv.InvoiceDate,
		Ref:            inv.InvoiceNumber,
		State:          ledger.EntryDraft,
		Lines:          make([]ledger.Line, 0, len(inv.Lines)),
		AmountMismatch: amountType == reconcile.Unknown,
		CreatedAt:      s.timeSource.Now(),
	}

	for i, l := range inv.Lines {
		line := ledger.Line{
			Description: l.Description,
			Quantity:    l.Quantity,
			PriceUnit:   l.UnitPrice,
		}
		pred, ok := s.predictor.Predict(job.SupplierID, l.Description)
		if !ok {
			slog.Warn("No account found for line", "job_id", job.ID, "line", i)
			entry.Lines = append(entry.Lines, line)
			continue
		}
		line.AccountID = pred.AccountID
		line.PredictedAccountID = pred.AccountID
		line.AccountConfidence = pred.Confidence
		line.AccountSource = string(pred.Source)

		if price, adjusted := reconcile.AdjustPrice(line.PriceUnit, amountType, taxFor(pred.AccountID)); adjusted {
			slog.Info("Line price adjusted", "job_id", job.ID, "line", i, "type", amountType)
			line.PriceUnit = price
		}
		entry.Lines = append(entry.Lines, line)
	}

	conf := confidence.Clone()
	total := reconcile.EntryTotal(entry, taxFor)
	if err := applyTotalCheck(entry, conf, reconcile.ValidateTotal(total, inv.AmountTotal), inv.AmountTotal); err != nil {
		return nil, err
	}

	if err := s.db.SaveEntry(entry); err != nil {
		return nil, fmt.Errorf("saving entry: %w", err)
	}
	job.log(s.timeSource.Now(), "draft entry %s created with %d line(s)", entry.ID, len(entry.Lines))

	if total > s.cfg.AlertAmountThreshold {
		s.alerts.AmountExceeded(ctx, job, total, s.cfg.AlertAmountThreshold)
	}
	return entry, nil
}

func (s *Service) handleFailure(ctx context.Context, job *ImportJob, err error) {
	now := s.timeSource.Now()
	kind := failureKind(err)
	msg := err.Error()

	if markErr := job.MarkError(msg, kind, now); markErr != nil {
		slog.Error("Failed to mark job error", "job_id", job.ID, "error", markErr)
		return
	}

	switch {
	case isPermanent(kind):
		slog.Warn("Job permanent error", "job_id", job.ID, "kind", kind)
		s.fail(ctx, job, msg, now)
	case job.RetryCount < MaxRetries:
		delay, retryErr := job.Retry(now)
		if retryErr != nil {
			slog.Error("Failed to retry job", "job_id", job.ID, "error", retryErr)
			return
		}
		job.ErrorMessage = fmt.Sprintf("Retry %d/%d: %s", job.RetryCount, MaxRetries, msg)
		job.ErrorKind = kind
		slog.Info("Job scheduled for retry", "job_id", job.ID, "retry_count", job.RetryCount, "delay", delay)
	default:
		s.fail(ctx, job, "Max retries exceeded: "+msg, now)
	}
}

func (s *Service) fail(ctx context.Context, job *ImportJob, message string, now time.Time) {
	job.ErrorMessage = message
	if err := job.MarkFailed(now); err != nil {
		slog.Error("Failed to mark job failed", "job_id", job.ID, "error", err)
		return
	}
	slog.Warn("Job failed", "job_id", job.ID, "retry_count", job.RetryCount)

	if data, err := s.storage.Get(job.SourcePath); err != nil {
		slog.Error("Failed to read job file", "job_id", job.ID, "error", err)
	} else if path, err := s.archive.Store(AreaError, job.Filename, data); err != nil {
		slog.Error("Failed to archive job file", "job_id", job.ID, "error", err)
	} else {
		job.ArchivePath = path
	}

	s.alerts.JobFailed(ctx, job)
}

func (s *Service) archiveSuccess(job *ImportJob, data []byte) {
	path, err := s.archive.Store(AreaSuccess, job.Filename, data)
	if err != nil {
		slog.Error("Failed to archive job file", "job_id", job.ID, "error", err)
		return
	}
	job.ArchivePath = path

	entry, err := s.db.GetEntry(job.EntryID)
	if err != nil {
		slog.Error("Failed to load entry", "job_id", job.ID, "error", err)
		return
	}
	entry.SourcePath = path
	if err := s.db.SaveEntry(entry); err != nil {
		slog.Error("Failed to save entry", "job_id", job.ID, "error", err)
	}
}

// RunBatch processes up to BatchSize pending jobs that are due, one at a
// time. A failing job never stops the batch.
func (s *Service) RunBatch(ctx context.Context) (Summary, error) {
	jobs, err := s.db.ListJobs()
	if err != nil {
		return Summary{}, fmt.Errorf("listing jobs: %w", err)
	}

	now := s.timeSource.Now()
	due := make([]*ImportJob, 0, s.cfg.BatchSize)
	for _, job := range jobs {
		if job.State != StatePending || job.NextAttemptAt.After(now) {
			continue
		}
		due = append(due, job)
		if len(due) == s.cfg.BatchSize {
			break
		}
	}

	var summary Summary
	for _, job := range due {
		if ctx.Err() != nil {
			break
		}
		summary.Processed++
		processed, err := s.ProcessJob(ctx, job.ID)
		if err != nil {
			summary.Failures = append(summary.Failures, JobFailure{JobID: job.ID, Err: err})
			continue
		}
		if processed.State == StateDone {
			summary.Done++
		}
	}

	if summary.Processed > 0 {
		slog.Info("Batch complete", "processed", summary.Processed, "done", summary.Done, "failed", len(summary.Failures))
	}
	return summary, nil
}
