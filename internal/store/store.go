package store

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// DefaultOwnerName is the owner seeded by the initial migration.
const DefaultOwnerName = "default"

// Store is the data access interface. All persistence goes through here.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	OwnerStore
	KeyStore
	CompanyStore
	JobRecordStore
	DocumentStore
}

type OwnerStore interface {
	GetDefaultOwner(ctx context.Context) (*models.Owner, error)
	CreateOwner(ctx context.Context, owner *models.Owner) error
}

// KeyStore is the subset of Store used by API key authentication and administration.
type KeyStore interface {
	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error
}

type CompanyStore interface {
	CreateCompany(ctx context.Context, c *models.Company) error
	GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error)
	ListCompanies(ctx context.Context, ownerID uuid.UUID) ([]*models.Company, error)
}

// JobRecordStore persists job records. Updates are field-level merges expressed
// as models.JobPatch; a record's mode and window are written once by
// CreateJobRecords and never again.
type JobRecordStore interface {
	CreateJobRecords(ctx context.Context, records []*models.JobRecord) error
	GetJobRecord(ctx context.Context, id uuid.UUID) (*models.JobRecord, error)
	// PatchJobRecord applies p atomically and returns the updated record.
	// A status change not allowed by models.CanTransition fails with ErrInvalidTransition.
	PatchJobRecord(ctx context.Context, id uuid.UUID, p models.JobPatch) (*models.JobRecord, error)
	ListJobRecords(ctx context.Context, filter JobFilter) ([]*models.JobRecord, error)
	// DeleteJobRecords removes the owner's records in the given statuses and
	// returns how many were removed.
	DeleteJobRecords(ctx context.Context, ownerID uuid.UUID, statuses []models.JobStatus) (int, error)
}

// DocumentStore persists fetched documents and serves them to the archive engine.
type DocumentStore interface {
	// SaveDocuments stores docs, skipping ones already stored under the same
	// owner and access key. Returns the number of new documents.
	SaveDocuments(ctx context.Context, docs []models.Document) (int, error)
	ListDocuments(ctx context.Context, filter models.DocumentFilter) ([]models.Document, error)
}

// JobFilter selects job records. A nil OwnerID matches every owner.
type JobFilter struct {
	OwnerID  uuid.UUID
	ClientID *uuid.UUID
	Statuses []models.JobStatus
	Since    time.Time
	Limit    int
}

func (f JobFilter) matches(r *models.JobRecord) bool {
	if f.OwnerID != uuid.Nil && r.OwnerID != f.OwnerID {
		return false
	}
	if f.ClientID != nil && (r.ClientID == nil || *r.ClientID != *f.ClientID) {
		return false
	}
	if !f.Since.IsZero() && r.CreatedAt.Before(f.Since) {
		return false
	}
	if len(f.Statuses) > 0 && !hasStatus(f.Statuses, r.Status) {
		return false
	}
	return true
}

func hasStatus(statuses []models.JobStatus, s models.JobStatus) bool {
	for _, v := range statuses {
		if v == s {
			return true
		}
	}
	return false
}

// sortAndLimit orders records newest first, then by id, and applies the filter limit.
func sortAndLimit(out []*models.JobRecord, limit int) []*models.JobRecord {
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// applyPatch validates the status change and merges p into r.
func applyPatch(r *models.JobRecord, p models.JobPatch, now time.Time) error {
	if p.Status != nil && !models.CanTransition(r.Status, *p.Status) {
		return errTransition(r.Status, *p.Status)
	}
	p.Apply(r, now)
	return nil
}

func errTransition(from, to models.JobStatus) error {
	return &transitionError{from: from, to: to}
}

type transitionError struct {
	from, to models.JobStatus
}

func (e *transitionError) Error() string {
	return ErrInvalidTransition.Error() + ": " + string(e.from) + " -> " + string(e.to)
}

func (e *transitionError) Unwrap() error { return ErrInvalidTransition }
