package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/docbatch/internal/api/response"
	"github.com/kiranshivaraju/docbatch/internal/orchestrator"
	"github.com/kiranshivaraju/docbatch/internal/summary"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// BatchService is the part of the orchestrator the batch endpoints use.
type BatchService interface {
	StartBatch(ctx context.Context, ownerID uuid.UUID, req orchestrator.StartBatchRequest) ([]*models.JobRecord, error)
	ListJobs(ctx context.Context, ownerID uuid.UUID, f orchestrator.ListJobsFilter) ([]orchestrator.JobView, error)
	GetJob(ctx context.Context, ownerID, jobID uuid.UUID) (*models.JobRecord, error)
	CancelOne(ctx context.Context, ownerID, jobID uuid.UUID) (bool, error)
	CancelAll(ctx context.Context, ownerID uuid.UUID) (int, error)
	RetryOne(ctx context.Context, ownerID, jobID uuid.UUID) (*models.JobRecord, error)
	RetryAll(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error)
	ClearHistory(ctx context.Context, ownerID uuid.UUID) (int, error)
	GetBatchSummary(ctx context.Context, ownerID uuid.UUID, scope orchestrator.SummaryScope) (summary.Summary, error)
}

// BatchHandler serves /batches and /jobs.
type BatchHandler struct {
	svc    BatchService
	logger *slog.Logger
}

func NewBatchHandler(svc BatchService, logger *slog.Logger) *BatchHandler {
	return &BatchHandler{svc: svc, logger: orDefault(logger).With("component", "batch_handler")}
}

type windowBody struct {
	StartCompetence *string `json:"start_competence"`
	EndCompetence   *string `json:"end_competence"`
	StartDate       *string `json:"start_date"`
	EndDate         *string `json:"end_date"`
}

func (b *windowBody) model() models.Window {
	if b == nil {
		return models.Window{}
	}
	return models.Window{
		StartCompetence: b.StartCompetence,
		EndCompetence:   b.EndCompetence,
		StartDate:       b.StartDate,
		EndDate:         b.EndDate,
	}
}

type startBatchBody struct {
	CompanyIDs []uuid.UUID `json:"company_ids" validate:"max=1000"`
	Kind       string      `json:"kind"        validate:"omitempty,oneof=manual scheduled"`
	Mode       string      `json:"mode"        validate:"omitempty,oneof=incremental fixed_range"`
	Window     *windowBody `json:"window"`
}

// Start handles POST /api/v1/batches.
func (h *BatchHandler) Start(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	var body startBatchBody
	if !decodeBody(w, r, &body) {
		return
	}

	records, err := h.svc.StartBatch(r.Context(), ownerID, orchestrator.StartBatchRequest{
		CompanyIDs: body.CompanyIDs,
		Kind:       models.JobKind(body.Kind),
		Mode:       models.WindowMode(body.Mode),
		Window:     body.Window.model(),
	})
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	response.Created(w, records)
}

// List handles GET /api/v1/jobs?client_id=&status=a,b&since=RFC3339&limit=.
func (h *BatchHandler) List(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var f orchestrator.ListJobsFilter

	if v := q.Get("client_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "client_id must be a UUID", nil)
			return
		}
		f.ClientID = &id
	}
	if v := q.Get("status"); v != "" {
		for _, s := range strings.Split(v, ",") {
			status := models.JobStatus(strings.TrimSpace(s))
			if !knownStatus(status) {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status "+string(status), nil)
				return
			}
			f.Statuses = append(f.Statuses, status)
		}
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be a valid RFC3339 timestamp", nil)
			return
		}
		f.Since = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > orchestrator.DefaultListLimit {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST",
				"limit must be between 1 and "+strconv.Itoa(orchestrator.DefaultListLimit), nil)
			return
		}
		f.Limit = n
	}

	views, err := h.svc.ListJobs(r.Context(), ownerID, f)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if views == nil {
		views = []orchestrator.JobView{}
	}
	limit := f.Limit
	if limit == 0 {
		limit = orchestrator.DefaultListLimit
	}
	response.List(w, views, response.ListMeta{
		Limit:     limit,
		Count:     len(views),
		Truncated: len(views) == limit,
	})
}

// Get handles GET /api/v1/jobs/{jobID}.
func (h *BatchHandler) Get(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	jobID, ok := uuidParam(w, r, "jobID", "INVALID_JOB_ID")
	if !ok {
		return
	}
	rec, err := h.svc.GetJob(r.Context(), ownerID, jobID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	response.JSON(w, orchestrator.JobView{JobRecord: rec, Percent: rec.Percent()})
}

// Cancel handles POST /api/v1/jobs/{jobID}/cancel.
func (h *BatchHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	jobID, ok := uuidParam(w, r, "jobID", "INVALID_JOB_ID")
	if !ok {
		return
	}
	cancelled, err := h.svc.CancelOne(r.Context(), ownerID, jobID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	response.JSON(w, map[string]any{"job_id": jobID, "cancelled": cancelled})
}

// CancelAll handles POST /api/v1/jobs/cancel-all.
func (h *BatchHandler) CancelAll(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	n, err := h.svc.CancelAll(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	response.JSON(w, map[string]int{"cancelled": n})
}

// Retry handles POST /api/v1/jobs/{jobID}/retry.
func (h *BatchHandler) Retry(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	jobID, ok := uuidParam(w, r, "jobID", "INVALID_JOB_ID")
	if !ok {
		return
	}
	rec, err := h.svc.RetryOne(r.Context(), ownerID, jobID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	response.Accepted(w, rec)
}

// RetryFailed handles POST /api/v1/jobs/retry-failed.
func (h *BatchHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	ids, err := h.svc.RetryAll(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	if ids == nil {
		ids = []uuid.UUID{}
	}
	response.Accepted(w, map[string]any{"resumed": len(ids), "job_ids": ids})
}

// ClearHistory handles DELETE /api/v1/jobs.
func (h *BatchHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	n, err := h.svc.ClearHistory(r.Context(), ownerID)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	response.JSON(w, map[string]int{"deleted": n})
}

// Summary handles GET /api/v1/batches/summary. By default it covers the
// latest batch; ?since=<RFC3339> or ?all=true widen it.
func (h *BatchHandler) Summary(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	var scope orchestrator.SummaryScope
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "since must be a valid RFC3339 timestamp", nil)
			return
		}
		scope.Since = t
	}
	if v := q.Get("all"); v != "" {
		all, err := strconv.ParseBool(v)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "all must be true or false", nil)
			return
		}
		scope.All = all
	}
	s, err := h.svc.GetBatchSummary(r.Context(), ownerID, scope)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	response.JSON(w, s)
}

func knownStatus(s models.JobStatus) bool {
	switch s {
	case models.JobStatusQueued, models.JobStatusRunning, models.JobStatusResuming,
		models.JobStatusCompleted, models.JobStatusFailed, models.JobStatusCancelled:
		return true
	}
	return false
}
