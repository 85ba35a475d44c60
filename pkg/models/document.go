package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	DocumentTypeServiceInvoice = "service_invoice"
	DocumentTypeWaybill        = "waybill"
)

// Document is a tax document fetched from the government source. AccessKey is
// unique per owner; refetching an existing document does not create a new row.
type Document struct {
	ID         uuid.UUID `db:"id"          json:"id"`
	OwnerID    uuid.UUID `db:"owner_id"    json:"owner_id"`
	ClientID   uuid.UUID `db:"client_id"   json:"client_id"`
	Type       string    `db:"type"        json:"type"`
	AccessKey  string    `db:"access_key"  json:"access_key"`
	Number     string    `db:"number"      json:"number"`
	Competence string    `db:"competence"  json:"competence"`
	IssueDate  string    `db:"issue_date"  json:"issue_date"`
	Payload    []byte    `db:"payload"     json:"payload,omitempty"`
	Attachment []byte    `db:"attachment"  json:"attachment,omitempty"`
	FetchedAt  time.Time `db:"fetched_at"  json:"fetched_at"`
}

// DocumentFilter selects documents for listing and archiving.
// Zero-valued fields do not restrict the result.
type DocumentFilter struct {
	OwnerID         uuid.UUID
	ClientID        uuid.UUID
	Types           []string
	StartCompetence string
	EndCompetence   string
	StartDate       string
	EndDate         string
}

// Matches reports whether d passes the filter. Owner and client are expected
// to have been applied by the caller's query.
func (f DocumentFilter) Matches(d Document) bool {
	if len(f.Types) > 0 {
		ok := false
		for _, t := range f.Types {
			if t == d.Type {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.StartCompetence != "" && d.Competence < f.StartCompetence {
		return false
	}
	if f.EndCompetence != "" && d.Competence > f.EndCompetence {
		return false
	}
	if f.StartDate != "" && d.IssueDate < f.StartDate {
		return false
	}
	if f.EndDate != "" && d.IssueDate > f.EndDate {
		return false
	}
	return true
}
