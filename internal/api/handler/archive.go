package handler

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/docbatch/internal/api/response"
	"github.com/kiranshivaraju/docbatch/internal/archive"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// ArchiveService is the part of the orchestrator the archive endpoints use.
type ArchiveService interface {
	StartArchiveJob(ctx context.Context, ownerID uuid.UUID, req archive.Request) (*archive.Result, error)
	GetArchiveJobStatus(ctx context.Context, ownerID, jobID uuid.UUID) (*models.ArchiveJob, error)
	CancelArchiveJob(ctx context.Context, ownerID, jobID uuid.UUID) (*models.ArchiveJob, error)
	OpenArchive(ctx context.Context, ownerID, jobID uuid.UUID) (io.ReadCloser, *models.ArchiveJob, error)
}

type ArchiveHandler struct {
	svc    ArchiveService
	logger *slog.Logger
}

func NewArchiveHandler(svc ArchiveService, logger *slog.Logger) *ArchiveHandler {
	return &ArchiveHandler{svc: svc, logger: orDefault(logger).With("component", "archive_handler")}
}

type startArchiveBody struct {
	CompanyIDs         []uuid.UUID `json:"company_ids"         validate:"max=1000"`
	Window             *windowBody `json:"window"`
	Types              []string    `json:"types"               validate:"omitempty,dive,oneof=service_invoice waybill"`
	IncludeAttachments bool        `json:"include_attachments"`
}

// Start handles POST /api/v1/archives. Small requests are answered with the
// zip itself; larger ones return 202 and a job to poll.
func (h *ArchiveHandler) Start(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	var body startArchiveBody
	if !decodeBody(w, r, &body) {
		return
	}

	res, err := h.svc.StartArchiveJob(r.Context(), ownerID, archive.Request{
		ClientIDs:          body.CompanyIDs,
		Window:             body.Window.model(),
		Types:              body.Types,
		IncludeAttachments: body.IncludeAttachments,
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}

	if !res.Sync {
		response.Accepted(w, res.Job)
		return
	}
	if res.DocumentCount == 0 || len(res.Data) == 0 {
		response.JSON(w, map[string]any{
			"document_count": 0,
			"message":        archive.NoDocumentsMessage,
		})
		return
	}
	if err := response.Zip(w, res.FileName, res.Data); err != nil {
		h.logger.Warn("write archive body", "owner_id", ownerID, "error", err)
	}
}

// Status handles GET /api/v1/archives/{jobID}.
func (h *ArchiveHandler) Status(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	jobID, ok := uuidParam(w, r, "jobID", "INVALID_JOB_ID")
	if !ok {
		return
	}
	job, err := h.svc.GetArchiveJobStatus(r.Context(), ownerID, jobID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	response.JSON(w, job)
}

// Cancel handles POST /api/v1/archives/{jobID}/cancel.
func (h *ArchiveHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	jobID, ok := uuidParam(w, r, "jobID", "INVALID_JOB_ID")
	if !ok {
		return
	}
	job, err := h.svc.CancelArchiveJob(r.Context(), ownerID, jobID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	response.JSON(w, job)
}

// Download handles GET /api/v1/archives/{jobID}/download.
func (h *ArchiveHandler) Download(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	jobID, ok := uuidParam(w, r, "jobID", "INVALID_JOB_ID")
	if !ok {
		return
	}
	rc, job, err := h.svc.OpenArchive(r.Context(), ownerID, jobID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	defer rc.Close()

	response.ZipHeader(w, job.FileName, -1)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("stream archive", "job_id", jobID, "error", err)
	}
}
