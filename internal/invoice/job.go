package invoice

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/zombor/invoice-ocr/internal/scanning"
)

// State is the lifecycle state of an import job
type State string

const (
	StateDraft      State = "draft"
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateErrored    State = "error"
	StateFailed     State = "failed"
)

// MaxRetries bounds the automatic and manual retries of a job
const MaxRetries = 3

// RetryDelays is the advisory backoff indexed by the retry count before
// the retry, clamped to the last value
var RetryDelays = []time.Duration{5 * time.Second, 15 * time.Second, 30 * time.Second}

// ErrRetryExhausted is returned when retrying a job that used all retries
var ErrRetryExhausted = errors.New("maximum retries exceeded")

// StateError is an illegal transition attempt
type StateError struct {
	Op   string
	From State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s job in state %s", e.Op, e.From)
}

// Event is an entry of a job's activity log
type Event struct {
	Timestamp time.Time `json:"timestamp"`
	Message   string    `json:"message"`
}

// ImportJob tracks one PDF through extraction and entry creation
type ImportJob struct {
	ID            string            `json:"id"`
	Filename      string            `json:"filename"`
	SourcePath    string            `json:"source_path"` // file name in storage
	State         State             `json:"state"`
	RetryCount    int               `json:"retry_count"`
	ErrorMessage  string            `json:"error_message,omitempty"`
	ErrorKind     string            `json:"error_kind,omitempty"`
	ExtractedText string            `json:"extracted_text,omitempty"`
	Language      string            `json:"language,omitempty"`
	RawResponse   string            `json:"raw_response,omitempty"`
	Confidence    json.RawMessage   `json:"confidence,omitempty"`
	Invoice       *scanning.Invoice `json:"invoice,omitempty"`
	SupplierID    string            `json:"supplier_id,omitempty"`
	EntryID       string            `json:"entry_id,omitempty"`
	ArchivePath   string            `json:"archive_path,omitempty"`
	NextAttemptAt time.Time         `json:"next_attempt_at"`
	Events        []Event           `json:"events,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// Name is the display name of the job
func (j *ImportJob) Name() string {
	return fmt.Sprintf("Job #%s - %s", j.ID, j.Filename)
}

// CanRetry reports whether a manual retry is allowed
func (j *ImportJob) CanRetry() bool {
	return j.State == StateErrored && j.RetryCount < MaxRetries
}

// IsFinal reports whether the job reached done or failed
func (j *ImportJob) IsFinal() bool {
	return j.State == StateDone || j.State == StateFailed
}

// NextRetryDelay is the backoff for the next retry
func (j *ImportJob) NextRetryDelay() time.Duration {
	i := j.RetryCount
	if i >= len(RetryDelays) {
		i = len(RetryDelays) - 1
	}
	if i < 0 {
		i = 0
	}
	return RetryDelays[i]
}

// ConfidenceMap decodes the stored confidence data
func (j *ImportJob) ConfidenceMap() (scanning.ConfidenceMap, error) {
	return scanning.ParseConfidenceMap(j.Confidence)
}

func (j *ImportJob) log(now time.Time, format string, args ...any) {
	j.Events = append(j.Events, Event{Timestamp: now, Message: fmt.Sprintf(format, args...)})
	j.UpdatedAt = now
}

func (j *ImportJob) transition(op string, to State, now time.Time, from ...State) error {
	for _, s := range from {
		if j.State == s {
			prev := j.State
			j.State = to
			j.log(now, "%s: %s -> %s", op, prev, to)
			return nil
		}
	}
	return &StateError{Op: op, From: j.State}
}

// Submit queues a draft job
func (j *ImportJob) Submit(now time.Time) error {
	if err := j.transition("submit", StatePending, now, StateDraft); err != nil {
		return err
	}
	j.NextAttemptAt = now
	return nil
}

// Start moves a pending job into processing
func (j *ImportJob) Start(now time.Time) error {
	return j.transition("process", StateProcessing, now, StatePending)
}

func (j *ImportJob) MarkDone(now time.Time) error {
	return j.transition("mark done", StateDone, now, StateProcessing)
}

// MarkError records a processing failure without deciding on a retry
func (j *ImportJob) MarkError(message, kind string, now time.Time) error {
	if err := j.transition("mark error", StateErrored, now, StateProcessing); err != nil {
		return err
	}
	j.ErrorMessage = message
	j.ErrorKind = kind
	return nil
}

// Retry sends an errored job back to pending and returns the advisory
// delay before it should run again.
func (j *ImportJob) Retry(now time.Time) (time.Duration, error) {
	if j.State != StateErrored {
		return 0, &StateError{Op: "retry", From: j.State}
	}
	if j.RetryCount >= MaxRetries {
		return 0, ErrRetryExhausted
	}
	delay := j.NextRetryDelay()
	j.RetryCount++
	j.ErrorMessage = ""
	j.ErrorKind = ""
	if err := j.transition("retry", StatePending, now, StateErrored); err != nil {
		return 0, err
	}
	j.NextAttemptAt = now.Add(delay)
	return delay, nil
}

func (j *ImportJob) MarkFailed(now time.Time) error {
	return j.transition("mark failed", StateFailed, now, StateErrored)
}

// Cancel resets a job that has not finished to draft
func (j *ImportJob) Cancel(now time.Time) error {
	if err := j.transition("cancel", StateDraft, now, StateDraft, StatePending, StateProcessing); err != nil {
		return err
	}
	j.RetryCount = 0
	j.ErrorMessage = ""
	j.ErrorKind = ""
	j.NextAttemptAt = time.Time{}
	return nil
}

// Copy duplicates the job's source document into a new draft job
func (j *ImportJob) Copy(id string, now time.Time) *ImportJob {
	c := &ImportJob{
		ID:         id,
		Filename:   j.Filename,
		SourcePath: j.SourcePath,
		State:      StateDraft,
		Language:   "fr",
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	c.log(now, "copied from job %s", j.ID)
	return c
}
