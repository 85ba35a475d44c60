// Package orchestrator exposes the operations of the document batch service
// to transports. Every call is scoped to one owner.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/docbatch/internal/archive"
	"github.com/kiranshivaraju/docbatch/internal/batch"
	"github.com/kiranshivaraju/docbatch/internal/resume"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/internal/summary"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// DefaultListLimit caps ListJobs when the caller gives no limit.
const DefaultListLimit = 500

// Store is the persistence the service reads directly.
type Store interface {
	store.JobRecordStore
	store.CompanyStore
}

// StartBatchRequest starts one fetch job per company.
type StartBatchRequest struct {
	CompanyIDs []uuid.UUID
	Kind       models.JobKind
	Mode       models.WindowMode
	Window     models.Window
}

// ListJobsFilter narrows ListJobs.
type ListJobsFilter struct {
	ClientID *uuid.UUID
	Statuses []models.JobStatus
	Since    time.Time
	Limit    int
}

// JobView is a record plus its derived display fields.
type JobView struct {
	*models.JobRecord
	Percent int  `json:"percent"`
	Active  bool `json:"active"`
}

// Service wires the coordinator, the auto-resume registry and the archive engine.
type Service struct {
	store    Store
	coord    *batch.Coordinator
	registry *resume.Registry
	archives *archive.Engine
	logger   *slog.Logger
	now      func() time.Time
}

func New(st Store, coord *batch.Coordinator, registry *resume.Registry, archives *archive.Engine, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:    st,
		coord:    coord,
		registry: registry,
		archives: archives,
		logger:   logger.With("component", "orchestrator"),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// StartBatch creates and schedules the batch. Starting work re-arms auto-resume.
func (s *Service) StartBatch(ctx context.Context, ownerID uuid.UUID, req StartBatchRequest) ([]*models.JobRecord, error) {
	records, err := s.coord.Start(ctx, batch.StartRequest{
		OwnerID:    ownerID,
		CompanyIDs: req.CompanyIDs,
		Kind:       req.Kind,
		Mode:       req.Mode,
		Window:     req.Window,
	})
	if err != nil {
		return nil, err
	}
	s.registry.Arm(ownerID)
	return records, nil
}

// ListJobs returns the owner's records, newest first.
func (s *Service) ListJobs(ctx context.Context, ownerID uuid.UUID, f ListJobsFilter) ([]JobView, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = DefaultListLimit
	}
	records, err := s.store.ListJobRecords(ctx, store.JobFilter{
		OwnerID:  ownerID,
		ClientID: f.ClientID,
		Statuses: f.Statuses,
		Since:    f.Since,
		Limit:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list job records: %w", err)
	}
	active := make(map[uuid.UUID]bool)
	for _, id := range s.coord.ActiveIDs(ownerID) {
		active[id] = true
	}
	views := make([]JobView, len(records))
	for i, r := range records {
		views[i] = JobView{JobRecord: r, Percent: r.Percent(), Active: active[r.ID]}
	}
	return views, nil
}

// GetJob returns one of the owner's records.
func (s *Service) GetJob(ctx context.Context, ownerID, jobID uuid.UUID) (*models.JobRecord, error) {
	rec, err := s.store.GetJobRecord(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.OwnerID != ownerID {
		return nil, store.ErrNotFound
	}
	return rec, nil
}

// CancelOne requests cancellation of one record. It reports false for
// records that were already terminal.
func (s *Service) CancelOne(ctx context.Context, ownerID, jobID uuid.UUID) (bool, error) {
	if _, err := s.GetJob(ctx, ownerID, jobID); err != nil {
		return false, err
	}
	return s.coord.Cancel(ctx, jobID)
}

// CancelAll cancels every active record of the owner and stops auto-resume
// so the cancelled records are not picked up again.
func (s *Service) CancelAll(ctx context.Context, ownerID uuid.UUID) (int, error) {
	s.registry.Stop(ownerID)
	return s.coord.CancelAll(ctx, ownerID)
}

// RetryOne resumes a failed or cancelled record with its original window.
func (s *Service) RetryOne(ctx context.Context, ownerID, jobID uuid.UUID) (*models.JobRecord, error) {
	if _, err := s.GetJob(ctx, ownerID, jobID); err != nil {
		return nil, err
	}
	if err := s.coord.Resume(ctx, jobID); err != nil {
		return nil, err
	}
	s.registry.Arm(ownerID)
	return s.store.GetJobRecord(ctx, jobID)
}

// RetryAll resumes every retry target of the owner. Certificate-expired
// failures are skipped.
func (s *Service) RetryAll(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error) {
	ids, err := s.coord.RetryAll(ctx, ownerID)
	if err != nil {
		return ids, err
	}
	s.registry.Arm(ownerID)
	return ids, nil
}

// ClearHistory deletes the owner's finished records.
func (s *Service) ClearHistory(ctx context.Context, ownerID uuid.UUID) (int, error) {
	n, err := s.store.DeleteJobRecords(ctx, ownerID, []models.JobStatus{
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled,
	})
	if err != nil {
		return 0, fmt.Errorf("delete job records: %w", err)
	}
	s.logger.Info("job history cleared", "owner_id", ownerID, "deleted", n)
	return n, nil
}

// SummaryScope selects what GetBatchSummary aggregates. The zero value
// covers the latest batch and anything still in flight.
type SummaryScope struct {
	// Since overrides the latest batch's start.
	Since time.Time
	// All aggregates every record the owner has kept.
	All bool
}

// GetBatchSummary aggregates the owner's records within scope.
func (s *Service) GetBatchSummary(ctx context.Context, ownerID uuid.UUID, scope SummaryScope) (summary.Summary, error) {
	records, err := s.store.ListJobRecords(ctx, store.JobFilter{OwnerID: ownerID})
	if err != nil {
		return summary.Summary{}, fmt.Errorf("list job records: %w", err)
	}
	if !scope.All {
		since := scope.Since
		if since.IsZero() {
			since = summary.LatestBatchStart(records)
		}
		records = summary.Since(records, since)
	}
	return summary.Compute(ownerID, records, s.coord.ActiveIDs(ownerID), s.now()), nil
}

func (s *Service) GetAutoResumeStatus(_ context.Context, ownerID uuid.UUID) resume.Status {
	return s.registry.Status(ownerID)
}

func (s *Service) GetAutoResumePolicy(_ context.Context, ownerID uuid.UUID) resume.Policy {
	return s.registry.Controller(ownerID).Policy()
}

func (s *Service) SetAutoResumePolicy(_ context.Context, ownerID uuid.UUID, p resume.Policy) (resume.Status, error) {
	if err := s.registry.SetPolicy(ownerID, p); err != nil {
		return resume.Status{}, err
	}
	return s.registry.Status(ownerID), nil
}

// StartArchiveJob packages documents inline or as a background job.
func (s *Service) StartArchiveJob(ctx context.Context, ownerID uuid.UUID, req archive.Request) (*archive.Result, error) {
	req.OwnerID = ownerID
	return s.archives.Start(ctx, req)
}

func (s *Service) GetArchiveJobStatus(ctx context.Context, ownerID, jobID uuid.UUID) (*models.ArchiveJob, error) {
	return s.archives.Status(ctx, ownerID, jobID)
}

func (s *Service) CancelArchiveJob(ctx context.Context, ownerID, jobID uuid.UUID) (*models.ArchiveJob, error) {
	return s.archives.Cancel(ctx, ownerID, jobID)
}

func (s *Service) OpenArchive(ctx context.Context, ownerID, jobID uuid.UUID) (io.ReadCloser, *models.ArchiveJob, error) {
	return s.archives.Open(ctx, ownerID, jobID)
}

// CreateCompany registers a client company for the owner.
func (s *Service) CreateCompany(ctx context.Context, ownerID uuid.UUID, name, taxID, certificateRef string) (*models.Company, error) {
	now := s.now()
	c := &models.Company{
		ID:             uuid.New(),
		OwnerID:        ownerID,
		Name:           name,
		TaxID:          taxID,
		CertificateRef: certificateRef,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := s.store.CreateCompany(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

func (s *Service) ListCompanies(ctx context.Context, ownerID uuid.UUID) ([]*models.Company, error) {
	return s.store.ListCompanies(ctx, ownerID)
}

// Subscribe streams coordinator events. Callers filter by owner.
func (s *Service) Subscribe() <-chan batch.Event { return s.coord.Subscribe() }

func (s *Service) Unsubscribe(ch <-chan batch.Event) { s.coord.Unsubscribe(ch) }

// IsNotFound reports errors that mean the owner cannot see the resource.
func IsNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound) || errors.Is(err, archive.ErrJobNotFound)
}
