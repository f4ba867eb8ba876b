package invoice

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zombor/invoice-ocr/internal/prediction"
	"github.com/zombor/invoice-ocr/internal/scanning"
)

// ErrEmptySource is returned when a job is created without document bytes
var ErrEmptySource = errors.New("empty source document")

// IDGenerator generates unique IDs for records
type IDGenerator interface {
	Generate() string
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultIDGenerator struct{}

func (g *defaultIDGenerator) Generate() string {
	return uuid.NewString()
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// TextExtractor turns PDF bytes into text
type TextExtractor interface {
	ExtractText(data []byte) (string, error)
}

// FieldExtractor reads invoice fields out of text
type FieldExtractor interface {
	Extract(ctx context.Context, text string, language string) (*scanning.Result, error)
	TestConnection(ctx context.Context) (bool, string, []string)
}

// Service runs import jobs from intake to posted entries
type Service struct {
	cfg         Config
	db          DB
	storage     Storage
	archive     *Archive
	extractor   TextExtractor
	ai          FieldExtractor
	alerts      *Alerter
	predictor   *prediction.Predictor
	idGenerator IDGenerator
	timeSource  TimeSource

	scanMu sync.Mutex // serializes watch folder scans
}

// NewService creates a new Service with default ID generator and time source
func NewService(cfg Config, db DB, storage Storage, archive *Archive, extractor TextExtractor, ai FieldExtractor, alerts *Alerter) *Service {
	return NewServiceWithDeps(cfg, db, storage, archive, extractor, ai, alerts, &defaultIDGenerator{}, &defaultTimeSource{})
}

// NewServiceWithDeps creates a new Service with custom dependencies for testing
func NewServiceWithDeps(cfg Config, db DB, storage Storage, archive *Archive, extractor TextExtractor, ai FieldExtractor, alerts *Alerter, idGen IDGenerator, timeSrc TimeSource) *Service {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Service{
		cfg:         cfg,
		db:          db,
		storage:     storage,
		archive:     archive,
		extractor:   extractor,
		ai:          ai,
		alerts:      alerts,
		predictor:   prediction.NewPredictorWithDeps(db, timeSrc.Now, idGen.Generate),
		idGenerator: idGen,
		timeSource:  timeSrc,
	}
}

var (
	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9\s\-_]`)
	spaces      = regexp.MustCompile(`\s+`)
)

// sanitizeFilename cleans up a filename by removing special characters and truncating length
func sanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	ext := filepath.Ext(filename)
	base := strings.TrimSuffix(filename, ext)

	base = unsafeChars.ReplaceAllString(base, "")
	base = strings.TrimSpace(spaces.ReplaceAllString(base, " "))

	if len(base) > 50 {
		base = base[:50]
	}
	if base == "" {
		base = "invoice"
	}
	return base + strings.ToLower(ext)
}

// CreateJob stores the document and creates a draft job for it
func (s *Service) CreateJob(filename string, data []byte) (*ImportJob, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("creating job for %s: %w", filename, ErrEmptySource)
	}

	id := s.idGenerator.Generate()
	now := s.timeSource.Now()

	savedPath, err := s.storage.Save(fmt.Sprintf("%s_%s", id, sanitizeFilename(filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}

	job := &ImportJob{
		ID:         id,
		Filename:   filepath.Base(filename),
		SourcePath: savedPath,
		State:      StateDraft,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	job.log(now, "job created for %s", job.Filename)

	if err := s.db.SaveJob(job); err != nil {
		s.storage.Delete(savedPath)
		return nil, fmt.Errorf("saving job to database: %w", err)
	}

	slog.Info("Job created", "job_id", id, "filename", job.Filename)
	return job, nil
}

// GetJob retrieves a job by ID
func (s *Service) GetJob(id string) (*ImportJob, error) {
	job, err := s.db.GetJob(id)
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return job, nil
}

// ListJobs returns all jobs
func (s *Service) ListJobs() ([]*ImportJob, error) {
	jobs, err := s.db.ListJobs()
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	return jobs, nil
}

// update loads a job, applies a transition and saves it
func (s *Service) update(id string, apply func(job *ImportJob, now time.Time) error) (*ImportJob, error) {
	job, err := s.db.GetJob(id)
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	if err := apply(job, s.timeSource.Now()); err != nil {
		return nil, err
	}
	if err := s.db.SaveJob(job); err != nil {
		return nil, fmt.Errorf("saving job: %w", err)
	}
	return job, nil
}

// SubmitJob queues a draft job for processing
func (s *Service) SubmitJob(id string) (*ImportJob, error) {
	return s.update(id, func(job *ImportJob, now time.Time) error {
		return job.Submit(now)
	})
}

// CancelJob resets a job to draft
func (s *Service) CancelJob(id string) (*ImportJob, error) {
	return s.update(id, func(job *ImportJob, now time.Time) error {
		return job.Cancel(now)
	})
}

// RetryJob sends an errored job back to pending
func (s *Service) RetryJob(id string) (*ImportJob, error) {
	return s.update(id, func(job *ImportJob, now time.Time) error {
		delay, err := job.Retry(now)
		if err != nil {
			return err
		}
		slog.Info("Job retry scheduled", "job_id", job.ID, "retry_count", job.RetryCount, "delay", delay)
		return nil
	})
}

// CopyJob creates a new draft job for the same document
func (s *Service) CopyJob(id string) (*ImportJob, error) {
	job, err := s.db.GetJob(id)
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	data, err := s.storage.Get(job.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("getting job file: %w", err)
	}

	copied := job.Copy(s.idGenerator.Generate(), s.timeSource.Now())
	copied.SourcePath, err = s.storage.Save(fmt.Sprintf("%s_%s", copied.ID, sanitizeFilename(job.Filename)), data)
	if err != nil {
		return nil, fmt.Errorf("saving file: %w", err)
	}
	if err := s.db.SaveJob(copied); err != nil {
		s.storage.Delete(copied.SourcePath)
		return nil, fmt.Errorf("saving job to database: %w", err)
	}
	return copied, nil
}

// DeleteJob removes a job, its corrections and its stored document
func (s *Service) DeleteJob(id string) error {
	job, err := s.db.GetJob(id)
	if err != nil {
		return fmt.Errorf("getting job for deletion: %w", err)
	}

	if err := s.storage.Delete(job.SourcePath); err != nil {
		slog.Warn("Failed to delete file", "filename", job.SourcePath, "error", err)
	}

	if err := s.db.DeleteJob(id); err != nil {
		return fmt.Errorf("deleting job from database: %w", err)
	}
	return nil
}

// GetJobFile retrieves the source document of a job
func (s *Service) GetJobFile(id string) ([]byte, error) {
	job, err := s.db.GetJob(id)
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	data, err := s.storage.Get(job.SourcePath)
	if err != nil {
		return nil, fmt.Errorf("getting job file: %w", err)
	}
	return data, nil
}

// BackendStatus probes the AI backend
func (s *Service) BackendStatus(ctx context.Context) (bool, string, []string) {
	return s.ai.TestConnection(ctx)
}
