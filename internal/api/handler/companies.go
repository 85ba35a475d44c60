package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/docbatch/internal/api/response"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

type CompanyService interface {
	CreateCompany(ctx context.Context, ownerID uuid.UUID, name, taxID, certificateRef string) (*models.Company, error)
	ListCompanies(ctx context.Context, ownerID uuid.UUID) ([]*models.Company, error)
}

type CompaniesHandler struct {
	svc    CompanyService
	logger *slog.Logger
}

func NewCompaniesHandler(svc CompanyService, logger *slog.Logger) *CompaniesHandler {
	return &CompaniesHandler{svc: svc, logger: orDefault(logger).With("component", "companies_handler")}
}

type createCompanyBody struct {
	Name           string `json:"name"            validate:"required,max=200"`
	TaxID          string `json:"tax_id"          validate:"required,numeric,min=11,max=14"`
	CertificateRef string `json:"certificate_ref" validate:"max=500"`
}

// Create handles POST /api/v1/companies.
func (h *CompaniesHandler) Create(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	var body createCompanyBody
	if !decodeBody(w, r, &body) {
		return
	}
	c, err := h.svc.CreateCompany(r.Context(), ownerID, body.Name, body.TaxID, body.CertificateRef)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	response.Created(w, c)
}

// List handles GET /api/v1/companies.
func (h *CompaniesHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	companies, err := h.svc.ListCompanies(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if companies == nil {
		companies = []*models.Company{}
	}
	response.JSON(w, companies)
}
