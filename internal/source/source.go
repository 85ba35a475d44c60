// Package source talks to the government document API and the certificate
// service on behalf of one client company at a time.
package source

import (
	"context"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// CertificateStatus is the state of a company's digital certificate.
type CertificateStatus string

const (
	CertificateValid   CertificateStatus = "valid"
	CertificateExpired CertificateStatus = "expired"
	CertificateMissing CertificateStatus = "missing"
)

// FetchRequest asks for one page of a company's documents. Window is nil for
// incremental fetches; a fixed-range fetch carries the same window on every page.
type FetchRequest struct {
	OwnerID        uuid.UUID
	ClientID       uuid.UUID
	CertificateRef string
	Mode           models.WindowMode
	Window         *models.Window
	Cursor         string
	PageSize       int
}

// Page is one page of documents. An empty NextCursor means the last page.
type Page struct {
	Documents          []models.Document
	NextCursor         string
	ExpectedTotal      int
	AttachmentsFetched int
	AttachmentErrors   int
}

// Source fetches document pages.
type Source interface {
	Fetch(ctx context.Context, req FetchRequest) (*Page, error)
}

// CertificateProvider reports whether a company's certificate can be used.
type CertificateProvider interface {
	Status(ctx context.Context, clientID uuid.UUID, certificateRef string) (CertificateStatus, error)
}
