package models

import (
	"time"

	"github.com/google/uuid"
)

// Company is a client company of an owner. Documents are fetched on its behalf
// using the digital certificate referenced by CertificateRef.
type Company struct {
	ID             uuid.UUID `db:"id"              json:"id"`
	OwnerID        uuid.UUID `db:"owner_id"        json:"owner_id"`
	Name           string    `db:"name"            json:"name"`
	TaxID          string    `db:"tax_id"          json:"tax_id"`
	CertificateRef string    `db:"certificate_ref" json:"certificate_ref"`
	CreatedAt      time.Time `db:"created_at"      json:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"      json:"updated_at"`
}
