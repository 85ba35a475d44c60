package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	ArchiveStatusRunning   = "running"
	ArchiveStatusCompleted = "completed"
	ArchiveStatusFailed    = "failed"
	ArchiveStatusCancelled = "cancelled"
)

// ArchiveJob tracks the packaging of many companies' documents into one zip.
// The API returns the job id on POST /api/v1/archives when the request is too
// large to build inline; the client polls GET /api/v1/archives/{id} until the
// status is terminal.
type ArchiveJob struct {
	ID                        uuid.UUID `json:"id"`
	OwnerID                   uuid.UUID `json:"owner_id"`
	Status                    string    `json:"status"`
	TotalCompanies            int       `json:"total_companies"`
	ProcessedCompanies        int       `json:"processed_companies"`
	CurrentCompany            string    `json:"current_company,omitempty"`
	CompaniesWithDocuments    int       `json:"companies_with_documents"`
	CompaniesWithoutDocuments int       `json:"companies_without_documents"`
	DocumentCount             int       `json:"document_count"`
	ErrorCount                int       `json:"error_count"`
	DownloadURL               string    `json:"download_url,omitempty"`
	FileName                  string    `json:"file_name,omitempty"`
	Message                   string    `json:"message,omitempty"`
	CreatedAt                 time.Time `json:"created_at"`
	UpdatedAt                 time.Time `json:"updated_at"`
}

// IsTerminal reports whether the job has stopped.
func (j *ArchiveJob) IsTerminal() bool {
	return j.Status != ArchiveStatusRunning
}
