package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mw "github.com/kiranshivaraju/docbatch/internal/api/middleware"
	"github.com/kiranshivaraju/docbatch/internal/archive"
	"github.com/kiranshivaraju/docbatch/internal/batch"
	"github.com/kiranshivaraju/docbatch/internal/orchestrator"
	"github.com/kiranshivaraju/docbatch/internal/period"
	"github.com/kiranshivaraju/docbatch/internal/resume"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/internal/summary"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// --- mock service ---

type mockService struct {
	StartBatchFunc      func(ctx context.Context, ownerID uuid.UUID, req orchestrator.StartBatchRequest) ([]*models.JobRecord, error)
	ListJobsFunc        func(ctx context.Context, ownerID uuid.UUID, f orchestrator.ListJobsFilter) ([]orchestrator.JobView, error)
	GetJobFunc          func(ctx context.Context, ownerID, jobID uuid.UUID) (*models.JobRecord, error)
	CancelOneFunc       func(ctx context.Context, ownerID, jobID uuid.UUID) (bool, error)
	CancelAllFunc       func(ctx context.Context, ownerID uuid.UUID) (int, error)
	RetryOneFunc        func(ctx context.Context, ownerID, jobID uuid.UUID) (*models.JobRecord, error)
	RetryAllFunc        func(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error)
	ClearHistoryFunc    func(ctx context.Context, ownerID uuid.UUID) (int, error)
	GetBatchSummaryFunc func(ctx context.Context, ownerID uuid.UUID, scope orchestrator.SummaryScope) (summary.Summary, error)

	Policy           resume.Policy
	SetPolicyFunc    func(ctx context.Context, ownerID uuid.UUID, p resume.Policy) (resume.Status, error)
	StartArchiveFunc func(ctx context.Context, ownerID uuid.UUID, req archive.Request) (*archive.Result, error)
	ArchiveFunc      func(ctx context.Context, ownerID, jobID uuid.UUID) (*models.ArchiveJob, error)
	OpenArchiveFunc  func(ctx context.Context, ownerID, jobID uuid.UUID) (io.ReadCloser, *models.ArchiveJob, error)
}

func (m *mockService) StartBatch(ctx context.Context, ownerID uuid.UUID, req orchestrator.StartBatchRequest) ([]*models.JobRecord, error) {
	return m.StartBatchFunc(ctx, ownerID, req)
}
func (m *mockService) ListJobs(ctx context.Context, ownerID uuid.UUID, f orchestrator.ListJobsFilter) ([]orchestrator.JobView, error) {
	return m.ListJobsFunc(ctx, ownerID, f)
}
func (m *mockService) GetJob(ctx context.Context, ownerID, jobID uuid.UUID) (*models.JobRecord, error) {
	return m.GetJobFunc(ctx, ownerID, jobID)
}
func (m *mockService) CancelOne(ctx context.Context, ownerID, jobID uuid.UUID) (bool, error) {
	return m.CancelOneFunc(ctx, ownerID, jobID)
}
func (m *mockService) CancelAll(ctx context.Context, ownerID uuid.UUID) (int, error) {
	return m.CancelAllFunc(ctx, ownerID)
}
func (m *mockService) RetryOne(ctx context.Context, ownerID, jobID uuid.UUID) (*models.JobRecord, error) {
	return m.RetryOneFunc(ctx, ownerID, jobID)
}
func (m *mockService) RetryAll(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error) {
	return m.RetryAllFunc(ctx, ownerID)
}
func (m *mockService) ClearHistory(ctx context.Context, ownerID uuid.UUID) (int, error) {
	return m.ClearHistoryFunc(ctx, ownerID)
}
func (m *mockService) GetBatchSummary(ctx context.Context, ownerID uuid.UUID, scope orchestrator.SummaryScope) (summary.Summary, error) {
	return m.GetBatchSummaryFunc(ctx, ownerID, scope)
}
func (m *mockService) GetAutoResumeStatus(_ context.Context, ownerID uuid.UUID) resume.Status {
	return resume.Status{OwnerID: ownerID, Phase: resume.PhaseIdle, MaxRounds: m.Policy.MaxRounds, ActiveJobIDs: []uuid.UUID{}}
}
func (m *mockService) GetAutoResumePolicy(_ context.Context, _ uuid.UUID) resume.Policy {
	return m.Policy
}
func (m *mockService) SetAutoResumePolicy(ctx context.Context, ownerID uuid.UUID, p resume.Policy) (resume.Status, error) {
	return m.SetPolicyFunc(ctx, ownerID, p)
}
func (m *mockService) StartArchiveJob(ctx context.Context, ownerID uuid.UUID, req archive.Request) (*archive.Result, error) {
	return m.StartArchiveFunc(ctx, ownerID, req)
}
func (m *mockService) GetArchiveJobStatus(ctx context.Context, ownerID, jobID uuid.UUID) (*models.ArchiveJob, error) {
	return m.ArchiveFunc(ctx, ownerID, jobID)
}
func (m *mockService) CancelArchiveJob(ctx context.Context, ownerID, jobID uuid.UUID) (*models.ArchiveJob, error) {
	return m.ArchiveFunc(ctx, ownerID, jobID)
}
func (m *mockService) OpenArchive(ctx context.Context, ownerID, jobID uuid.UUID) (io.ReadCloser, *models.ArchiveJob, error) {
	return m.OpenArchiveFunc(ctx, ownerID, jobID)
}

var (
	_ BatchService      = (*mockService)(nil)
	_ AutoResumeService = (*mockService)(nil)
	_ ArchiveService    = (*mockService)(nil)
)

// --- helpers ---

var testOwner = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newReq(t *testing.T, method, target string, body any, params map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		switch b := body.(type) {
		case string:
			buf.WriteString(b)
		default:
			require.NoError(t, json.NewEncoder(&buf).Encode(b))
		}
	}
	r := httptest.NewRequest(method, target, &buf)
	r.Header.Set("Content-Type", "application/json")
	ctx := mw.SetOwnerID(r.Context(), testOwner)
	if len(params) > 0 {
		rctx := chi.NewRouteContext()
		for k, v := range params {
			rctx.URLParams.Add(k, v)
		}
		ctx = context.WithValue(ctx, chi.RouteCtxKey, rctx)
	}
	return r.WithContext(ctx)
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, dst any) {
	t.Helper()
	env := struct {
		Data any `json:"data"`
	}{Data: dst}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return env.Error.Code
}

// --- error mapping ---

func TestWriteServiceError(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{archive.ErrJobNotFound, http.StatusNotFound, "NOT_FOUND"},
		{batch.ErrNoCompanies, http.StatusBadRequest, "NO_COMPANIES"},
		{fmt.Errorf("%w: x", batch.ErrUnknownCompany), http.StatusBadRequest, "UNKNOWN_COMPANY"},
		{period.ErrMissingStart, http.StatusBadRequest, "INVALID_WINDOW"},
		{fmt.Errorf("%w: 2024-13", period.ErrBadCompetence), http.StatusBadRequest, "INVALID_WINDOW"},
		{resume.ErrInvalidPolicy, http.StatusBadRequest, "INVALID_POLICY"},
		{batch.ErrNotRetryable, http.StatusConflict, "NOT_RETRYABLE"},
		{archive.ErrNotReady, http.StatusConflict, "ARCHIVE_NOT_READY"},
		{store.ErrDuplicateKey, http.StatusConflict, "DUPLICATE"},
		{batch.ErrShuttingDown, http.StatusServiceUnavailable, "SHUTTING_DOWN"},
		{errors.New("boom"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code+"/"+tt.err.Error(), func(t *testing.T) {
			rec := httptest.NewRecorder()
			writeServiceError(rec, quietLogger(), tt.err)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

func TestOwnerMissing_Unauthorized(t *testing.T) {
	h := NewBatchHandler(&mockService{}, quietLogger())
	r := httptest.NewRequest(http.MethodGet, "/api/v1/batches/summary", nil)
	rec := httptest.NewRecorder()
	h.Summary(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

// --- batches ---

func TestStartBatch_Created(t *testing.T) {
	companyID := uuid.New()
	var got orchestrator.StartBatchRequest
	svc := &mockService{StartBatchFunc: func(_ context.Context, ownerID uuid.UUID, req orchestrator.StartBatchRequest) ([]*models.JobRecord, error) {
		assert.Equal(t, testOwner, ownerID)
		got = req
		return []*models.JobRecord{{ID: uuid.New(), OwnerID: ownerID, ClientID: &companyID, Mode: req.Mode, Window: req.Window, Status: models.JobStatusQueued}}, nil
	}}
	h := NewBatchHandler(svc, quietLogger())

	rec := httptest.NewRecorder()
	h.Start(rec, newReq(t, http.MethodPost, "/api/v1/batches", map[string]any{
		"company_ids": []string{companyID.String()},
		"mode":        "fixed_range",
		"window":      map[string]string{"start_competence": "2024-01", "end_competence": "2024-03"},
	}, nil))

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, models.ModeFixedRange, got.Mode)
	require.NotNil(t, got.Window.StartCompetence)
	assert.Equal(t, "2024-01", *got.Window.StartCompetence)
	assert.Equal(t, "2024-03", *got.Window.EndCompetence)
	assert.Equal(t, []uuid.UUID{companyID}, got.CompanyIDs)

	var records []models.JobRecord
	decodeData(t, rec, &records)
	require.Len(t, records, 1)
	assert.Equal(t, models.JobStatusQueued, records[0].Status)
}

func TestStartBatch_ValidationFailed(t *testing.T) {
	h := NewBatchHandler(&mockService{}, quietLogger())

	rec := httptest.NewRecorder()
	h.Start(rec, newReq(t, http.MethodPost, "/api/v1/batches", map[string]any{
		"company_ids": []string{uuid.NewString()},
		"mode":        "monthly",
	}, nil))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, rec))
}

func TestStartBatch_InvalidJSON(t *testing.T) {
	h := NewBatchHandler(&mockService{}, quietLogger())
	rec := httptest.NewRecorder()
	h.Start(rec, newReq(t, http.MethodPost, "/api/v1/batches", "{not json", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))
}

func TestStartBatch_ServiceErrors(t *testing.T) {
	for _, tc := range []struct {
		err  error
		code string
	}{
		{batch.ErrNoCompanies, "NO_COMPANIES"},
		{period.ErrMissingStart, "INVALID_WINDOW"},
	} {
		svc := &mockService{StartBatchFunc: func(context.Context, uuid.UUID, orchestrator.StartBatchRequest) ([]*models.JobRecord, error) {
			return nil, tc.err
		}}
		rec := httptest.NewRecorder()
		NewBatchHandler(svc, quietLogger()).Start(rec, newReq(t, http.MethodPost, "/api/v1/batches", map[string]any{}, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Equal(t, tc.code, errorCode(t, rec))
	}
}

func TestListJobs_ParsesFilter(t *testing.T) {
	clientID := uuid.New()
	var got orchestrator.ListJobsFilter
	svc := &mockService{ListJobsFunc: func(_ context.Context, _ uuid.UUID, f orchestrator.ListJobsFilter) ([]orchestrator.JobView, error) {
		got = f
		return nil, nil
	}}
	h := NewBatchHandler(svc, quietLogger())

	target := "/api/v1/jobs?client_id=" + clientID.String() + "&status=failed,cancelled&since=2024-05-01T00:00:00Z&limit=20"
	rec := httptest.NewRecorder()
	h.List(rec, newReq(t, http.MethodGet, target, nil, nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, got.ClientID)
	assert.Equal(t, clientID, *got.ClientID)
	assert.Equal(t, []models.JobStatus{models.JobStatusFailed, models.JobStatusCancelled}, got.Statuses)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), got.Since)
	assert.Equal(t, 20, got.Limit)

	var views []orchestrator.JobView
	decodeData(t, rec, &views)
	assert.Empty(t, views)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestListJobs_BadQuery(t *testing.T) {
	h := NewBatchHandler(&mockService{}, quietLogger())
	for _, q := range []string{"client_id=nope", "status=done", "since=yesterday", "limit=0", "limit=100000"} {
		t.Run(q, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.List(rec, newReq(t, http.MethodGet, "/api/v1/jobs?"+q, nil, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGetJob_NotFound(t *testing.T) {
	svc := &mockService{GetJobFunc: func(context.Context, uuid.UUID, uuid.UUID) (*models.JobRecord, error) {
		return nil, store.ErrNotFound
	}}
	rec := httptest.NewRecorder()
	NewBatchHandler(svc, quietLogger()).Get(rec, newReq(t, http.MethodGet, "/", nil, map[string]string{"jobID": uuid.NewString()}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetJob_BadID(t *testing.T) {
	rec := httptest.NewRecorder()
	NewBatchHandler(&mockService{}, quietLogger()).Get(rec, newReq(t, http.MethodGet, "/", nil, map[string]string{"jobID": "abc"}))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_JOB_ID", errorCode(t, rec))
}

func TestGetJob_IncludesPercent(t *testing.T) {
	jobID := uuid.New()
	svc := &mockService{GetJobFunc: func(_ context.Context, _ uuid.UUID, id uuid.UUID) (*models.JobRecord, error) {
		return &models.JobRecord{ID: id, Status: models.JobStatusRunning, Progress: 5, ExpectedTotal: 20}, nil
	}}
	rec := httptest.NewRecorder()
	NewBatchHandler(svc, quietLogger()).Get(rec, newReq(t, http.MethodGet, "/", nil, map[string]string{"jobID": jobID.String()}))

	require.Equal(t, http.StatusOK, rec.Code)
	var view map[string]any
	decodeData(t, rec, &view)
	assert.Equal(t, jobID.String(), view["id"])
	assert.EqualValues(t, 25, view["percent"])
}

func TestCancelJob(t *testing.T) {
	jobID := uuid.New()
	svc := &mockService{CancelOneFunc: func(_ context.Context, _ uuid.UUID, id uuid.UUID) (bool, error) {
		assert.Equal(t, jobID, id)
		return false, nil
	}}
	rec := httptest.NewRecorder()
	NewBatchHandler(svc, quietLogger()).Cancel(rec, newReq(t, http.MethodPost, "/", nil, map[string]string{"jobID": jobID.String()}))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decodeData(t, rec, &body)
	assert.Equal(t, false, body["cancelled"])
}

func TestCancelAll(t *testing.T) {
	svc := &mockService{CancelAllFunc: func(context.Context, uuid.UUID) (int, error) { return 5, nil }}
	rec := httptest.NewRecorder()
	NewBatchHandler(svc, quietLogger()).CancelAll(rec, newReq(t, http.MethodPost, "/", nil, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]int
	decodeData(t, rec, &body)
	assert.Equal(t, 5, body["cancelled"])
}

func TestRetryJob_Conflict(t *testing.T) {
	svc := &mockService{RetryOneFunc: func(context.Context, uuid.UUID, uuid.UUID) (*models.JobRecord, error) {
		return nil, fmt.Errorf("%w: job is completed", batch.ErrNotRetryable)
	}}
	rec := httptest.NewRecorder()
	NewBatchHandler(svc, quietLogger()).Retry(rec, newReq(t, http.MethodPost, "/", nil, map[string]string{"jobID": uuid.NewString()}))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "NOT_RETRYABLE", errorCode(t, rec))
}

func TestRetryJob_Accepted(t *testing.T) {
	svc := &mockService{RetryOneFunc: func(_ context.Context, _ uuid.UUID, id uuid.UUID) (*models.JobRecord, error) {
		return &models.JobRecord{ID: id, Status: models.JobStatusResuming, Attempts: 2}, nil
	}}
	rec := httptest.NewRecorder()
	NewBatchHandler(svc, quietLogger()).Retry(rec, newReq(t, http.MethodPost, "/", nil, map[string]string{"jobID": uuid.NewString()}))
	require.Equal(t, http.StatusAccepted, rec.Code)
	var got models.JobRecord
	decodeData(t, rec, &got)
	assert.Equal(t, models.JobStatusResuming, got.Status)
}

func TestRetryFailed_EmptyList(t *testing.T) {
	svc := &mockService{RetryAllFunc: func(context.Context, uuid.UUID) ([]uuid.UUID, error) { return nil, nil }}
	rec := httptest.NewRecorder()
	NewBatchHandler(svc, quietLogger()).RetryFailed(rec, newReq(t, http.MethodPost, "/", nil, nil))
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), `"job_ids":[]`)
	assert.Contains(t, rec.Body.String(), `"resumed":0`)
}

func TestClearHistory(t *testing.T) {
	svc := &mockService{ClearHistoryFunc: func(context.Context, uuid.UUID) (int, error) { return 3, nil }}
	rec := httptest.NewRecorder()
	NewBatchHandler(svc, quietLogger()).ClearHistory(rec, newReq(t, http.MethodDelete, "/", nil, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"deleted":3`)
}

func TestSummary(t *testing.T) {
	svc := &mockService{GetBatchSummaryFunc: func(_ context.Context, ownerID uuid.UUID, scope orchestrator.SummaryScope) (summary.Summary, error) {
		assert.Equal(t, orchestrator.SummaryScope{}, scope)
		return summary.Compute(ownerID, []*models.JobRecord{
			{ID: uuid.New(), Status: models.JobStatusFailed, CertificateExpired: true},
			{ID: uuid.New(), Status: models.JobStatusCompleted, DocumentsFetched: 10, ExpectedTotal: 10},
		}, nil, time.Now()), nil
	}}
	rec := httptest.NewRecorder()
	NewBatchHandler(svc, quietLogger()).Summary(rec, newReq(t, http.MethodGet, "/", nil, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var got summary.Summary
	decodeData(t, rec, &got)
	assert.Equal(t, 1, got.CertificateExpired)
	assert.Equal(t, 1, got.CompletedWithDocuments)
}

func TestSummary_Scope(t *testing.T) {
	var got orchestrator.SummaryScope
	svc := &mockService{GetBatchSummaryFunc: func(_ context.Context, _ uuid.UUID, scope orchestrator.SummaryScope) (summary.Summary, error) {
		got = scope
		return summary.Summary{}, nil
	}}
	h := NewBatchHandler(svc, quietLogger())

	rec := httptest.NewRecorder()
	h.Summary(rec, newReq(t, http.MethodGet, "/api/v1/batches/summary?since=2024-05-01T00:00:00Z&all=true", nil, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, got.All)
	assert.Equal(t, time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), got.Since.UTC())

	for _, q := range []string{"since=yesterday", "all=maybe"} {
		rec := httptest.NewRecorder()
		h.Summary(rec, newReq(t, http.MethodGet, "/api/v1/batches/summary?"+q, nil, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

// --- auto-resume ---

func TestAutoResumeStatus(t *testing.T) {
	svc := &mockService{Policy: resume.DefaultPolicy()}
	rec := httptest.NewRecorder()
	NewAutoResumeHandler(svc, quietLogger()).Status(rec, newReq(t, http.MethodGet, "/", nil, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	decodeData(t, rec, &body)
	assert.Equal(t, "idle", body["phase"])
	policy := body["policy"].(map[string]any)
	assert.EqualValues(t, 2, policy["grace_delay_seconds"])
	assert.EqualValues(t, 3, policy["max_rounds"])
}

func TestSetAutoResumePolicy_MergesFields(t *testing.T) {
	var got resume.Policy
	svc := &mockService{
		Policy: resume.DefaultPolicy(),
		SetPolicyFunc: func(_ context.Context, ownerID uuid.UUID, p resume.Policy) (resume.Status, error) {
			got = p
			return resume.Status{OwnerID: ownerID, Phase: resume.PhaseIdle, MaxRounds: p.Ceiling(), Unbounded: p.Unbounded}, nil
		},
	}
	rec := httptest.NewRecorder()
	NewAutoResumeHandler(svc, quietLogger()).SetPolicy(rec, newReq(t, http.MethodPut, "/", `{"round_delay":"1m","grace_delay":5,"unbounded":true}`, nil))

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, time.Minute, got.RoundDelay)
	assert.Equal(t, 5*time.Second, got.GraceDelay)
	assert.True(t, got.Unbounded)
	assert.Equal(t, 3, got.MaxRounds)
}

func TestSetAutoResumePolicy_Invalid(t *testing.T) {
	svc := &mockService{Policy: resume.DefaultPolicy()}
	h := NewAutoResumeHandler(svc, quietLogger())

	rec := httptest.NewRecorder()
	h.SetPolicy(rec, newReq(t, http.MethodPut, "/", `{"max_rounds":11}`, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, rec))

	rec = httptest.NewRecorder()
	h.SetPolicy(rec, newReq(t, http.MethodPut, "/", `{"round_delay":"soon"}`, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))
}

func TestSetAutoResumePolicy_ServiceRejects(t *testing.T) {
	svc := &mockService{
		Policy: resume.DefaultPolicy(),
		SetPolicyFunc: func(context.Context, uuid.UUID, resume.Policy) (resume.Status, error) {
			return resume.Status{}, fmt.Errorf("%w: delays must not be negative", resume.ErrInvalidPolicy)
		},
	}
	rec := httptest.NewRecorder()
	NewAutoResumeHandler(svc, quietLogger()).SetPolicy(rec, newReq(t, http.MethodPut, "/", `{"grace_delay":-1}`, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_POLICY", errorCode(t, rec))
}

// --- archives ---

func TestStartArchive_SyncZip(t *testing.T) {
	svc := &mockService{StartArchiveFunc: func(_ context.Context, _ uuid.UUID, req archive.Request) (*archive.Result, error) {
		assert.True(t, req.IncludeAttachments)
		assert.Equal(t, []string{models.DocumentTypeWaybill}, req.Types)
		return &archive.Result{Sync: true, Data: []byte("PK\x03\x04zip"), FileName: "documents-20240101-120000.zip", DocumentCount: 3}, nil
	}}
	rec := httptest.NewRecorder()
	NewArchiveHandler(svc, quietLogger()).Start(rec, newReq(t, http.MethodPost, "/", map[string]any{
		"company_ids":         []string{uuid.NewString()},
		"types":               []string{"waybill"},
		"include_attachments": true,
	}, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="documents-20240101-120000.zip"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "PK\x03\x04zip", rec.Body.String())
}

func TestStartArchive_SyncNoDocuments(t *testing.T) {
	svc := &mockService{StartArchiveFunc: func(context.Context, uuid.UUID, archive.Request) (*archive.Result, error) {
		return &archive.Result{Sync: true}, nil
	}}
	rec := httptest.NewRecorder()
	NewArchiveHandler(svc, quietLogger()).Start(rec, newReq(t, http.MethodPost, "/", map[string]any{"company_ids": []string{uuid.NewString()}}, nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), archive.NoDocumentsMessage)
}

func TestStartArchive_Async(t *testing.T) {
	jobID := uuid.New()
	svc := &mockService{StartArchiveFunc: func(_ context.Context, ownerID uuid.UUID, _ archive.Request) (*archive.Result, error) {
		return &archive.Result{Job: &models.ArchiveJob{ID: jobID, OwnerID: ownerID, Status: models.ArchiveStatusRunning, TotalCompanies: 12}}, nil
	}}
	rec := httptest.NewRecorder()
	NewArchiveHandler(svc, quietLogger()).Start(rec, newReq(t, http.MethodPost, "/", map[string]any{"company_ids": []string{uuid.NewString()}}, nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var job models.ArchiveJob
	decodeData(t, rec, &job)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, 12, job.TotalCompanies)
}

func TestStartArchive_UnknownType(t *testing.T) {
	rec := httptest.NewRecorder()
	NewArchiveHandler(&mockService{}, quietLogger()).Start(rec, newReq(t, http.MethodPost, "/", map[string]any{
		"company_ids": []string{uuid.NewString()},
		"types":       []string{"receipt"},
	}, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "VALIDATION_FAILED", errorCode(t, rec))
}

func TestArchiveStatus_NotFound(t *testing.T) {
	svc := &mockService{ArchiveFunc: func(context.Context, uuid.UUID, uuid.UUID) (*models.ArchiveJob, error) {
		return nil, archive.ErrJobNotFound
	}}
	rec := httptest.NewRecorder()
	NewArchiveHandler(svc, quietLogger()).Status(rec, newReq(t, http.MethodGet, "/", nil, map[string]string{"jobID": uuid.NewString()}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelArchive(t *testing.T) {
	svc := &mockService{ArchiveFunc: func(_ context.Context, _ uuid.UUID, id uuid.UUID) (*models.ArchiveJob, error) {
		return &models.ArchiveJob{ID: id, Status: models.ArchiveStatusCancelled, Message: "cancelled after 3 of 12 companies"}, nil
	}}
	rec := httptest.NewRecorder()
	NewArchiveHandler(svc, quietLogger()).Cancel(rec, newReq(t, http.MethodPost, "/", nil, map[string]string{"jobID": uuid.NewString()}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "cancelled after 3 of 12 companies")
}

func TestDownloadArchive(t *testing.T) {
	svc := &mockService{OpenArchiveFunc: func(_ context.Context, _ uuid.UUID, id uuid.UUID) (io.ReadCloser, *models.ArchiveJob, error) {
		return io.NopCloser(strings.NewReader("zipbytes")), &models.ArchiveJob{ID: id, FileName: "documents.zip"}, nil
	}}
	rec := httptest.NewRecorder()
	NewArchiveHandler(svc, quietLogger()).Download(rec, newReq(t, http.MethodGet, "/", nil, map[string]string{"jobID": uuid.NewString()}))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "zipbytes", rec.Body.String())
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "documents.zip")
}

func TestDownloadArchive_NotReady(t *testing.T) {
	svc := &mockService{OpenArchiveFunc: func(context.Context, uuid.UUID, uuid.UUID) (io.ReadCloser, *models.ArchiveJob, error) {
		return nil, nil, archive.ErrNotReady
	}}
	rec := httptest.NewRecorder()
	NewArchiveHandler(svc, quietLogger()).Download(rec, newReq(t, http.MethodGet, "/", nil, map[string]string{"jobID": uuid.NewString()}))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

// --- keys ---

func TestKeys_CreateListRevoke(t *testing.T) {
	st := store.NewMemoryStore()
	h := NewKeysHandler(st, quietLogger())
	h.cost = 4

	rec := httptest.NewRecorder()
	h.Create(rec, newReq(t, http.MethodPost, "/", map[string]any{"name": "ci", "scopes": []string{"read"}}, nil))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var created map[string]any
	decodeData(t, rec, &created)
	raw := created["key"].(string)
	assert.True(t, strings.HasPrefix(raw, KeyPrefix))
	assert.Equal(t, raw[:mw.KeyPrefixLen], created["key_prefix"])
	assert.NotContains(t, rec.Body.String(), "key_hash")

	keys, err := st.GetAPIKeyByPrefix(context.Background(), raw[:mw.KeyPrefixLen])
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.Equal(t, testOwner, keys[0].OwnerID)

	rec = httptest.NewRecorder()
	h.List(rec, newReq(t, http.MethodGet, "/", nil, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var listed []map[string]any
	decodeData(t, rec, &listed)
	assert.Len(t, listed, 1)

	rec = httptest.NewRecorder()
	h.Revoke(rec, newReq(t, http.MethodDelete, "/", nil, map[string]string{"keyID": keys[0].ID.String()}))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.Revoke(rec, newReq(t, http.MethodDelete, "/", nil, map[string]string{"keyID": keys[0].ID.String()}))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "KEY_NOT_FOUND", errorCode(t, rec))
}

func TestKeys_CreateRequiresName(t *testing.T) {
	h := NewKeysHandler(store.NewMemoryStore(), quietLogger())
	rec := httptest.NewRecorder()
	h.Create(rec, newReq(t, http.MethodPost, "/", map[string]any{"scopes": []string{"read"}}, nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- health ---

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

func TestHealth(t *testing.T) {
	tests := []struct {
		name   string
		db, c  error
		status int
	}{
		{"all ok", nil, nil, http.StatusOK},
		{"database degraded", errors.New("connection refused"), nil, http.StatusServiceUnavailable},
		{"cache degraded", nil, errors.New("redis down"), http.StatusServiceUnavailable},
		{"both degraded", errors.New("db down"), errors.New("redis down"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			Health(pinger{tt.db}, pinger{tt.c})(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
			assert.Equal(t, tt.status, rec.Code)
		})
	}
}
