// Package client is a typed client for the docbatch HTTP API, used by the CLI.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/docbatch/internal/poll"
	"github.com/kiranshivaraju/docbatch/internal/summary"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// ErrUnreachable is returned when the server cannot be contacted.
var ErrUnreachable = errors.New("docbatch server unreachable")

// APIError is a non-2xx answer carrying the server's error envelope.
type APIError struct {
	Status  int
	Code    string
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s (%d): %s", e.Code, e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// Client talks to one docbatch server with one API key.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a client. baseURL is the server root, e.g. http://localhost:8080.
func New(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		http:    &http.Client{Timeout: timeout},
	}
}

// StartBatchRequest mirrors the POST /batches body.
type StartBatchRequest struct {
	CompanyIDs []uuid.UUID    `json:"company_ids"`
	Kind       string         `json:"kind,omitempty"`
	Mode       string         `json:"mode,omitempty"`
	Window     *models.Window `json:"window,omitempty"`
}

// ArchiveRequest mirrors the POST /archives body.
type ArchiveRequest struct {
	CompanyIDs         []uuid.UUID    `json:"company_ids"`
	Window             *models.Window `json:"window,omitempty"`
	Types              []string       `json:"types,omitempty"`
	IncludeAttachments bool           `json:"include_attachments,omitempty"`
}

// ArchiveResult is the answer to StartArchive: either the zip itself or a job.
type ArchiveResult struct {
	Data     []byte
	FileName string
	Message  string
	Job      *models.ArchiveJob
}

// JobView is a job record as listed by the API.
type JobView struct {
	models.JobRecord
	Percent int  `json:"percent"`
	Active  bool `json:"active"`
}

// AutoResume is the GET /auto-resume payload.
type AutoResume struct {
	Phase         string      `json:"phase"`
	Round         int         `json:"round"`
	MaxRounds     int         `json:"max_rounds"`
	Unbounded     bool        `json:"unbounded"`
	ResumedCount  int         `json:"resumed_count"`
	FailedCount   int         `json:"failed_count"`
	PendingCount  int         `json:"pending_count"`
	ActiveJobIDs  []uuid.UUID `json:"active_job_ids"`
	NextAttemptAt *time.Time  `json:"next_attempt_at,omitempty"`
}

func (c *Client) StartBatch(ctx context.Context, req StartBatchRequest) ([]models.JobRecord, error) {
	var out []models.JobRecord
	err := c.do(ctx, http.MethodPost, "/api/v1/batches", req, &out)
	return out, err
}

func (c *Client) ListJobs(ctx context.Context, statuses []models.JobStatus, limit int) ([]JobView, error) {
	q := url.Values{}
	if len(statuses) > 0 {
		parts := make([]string, len(statuses))
		for i, s := range statuses {
			parts[i] = string(s)
		}
		q.Set("status", strings.Join(parts, ","))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/api/v1/jobs"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []JobView
	err := c.do(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

func (c *Client) CancelJob(ctx context.Context, id uuid.UUID) (bool, error) {
	var out struct {
		Cancelled bool `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+id.String()+"/cancel", nil, &out)
	return out.Cancelled, err
}

func (c *Client) CancelAll(ctx context.Context) (int, error) {
	var out struct {
		Cancelled int `json:"cancelled"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs/cancel-all", nil, &out)
	return out.Cancelled, err
}

func (c *Client) RetryJob(ctx context.Context, id uuid.UUID) (*models.JobRecord, error) {
	var out models.JobRecord
	if err := c.do(ctx, http.MethodPost, "/api/v1/jobs/"+id.String()+"/retry", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RetryFailed(ctx context.Context) ([]uuid.UUID, error) {
	var out struct {
		JobIDs []uuid.UUID `json:"job_ids"`
	}
	err := c.do(ctx, http.MethodPost, "/api/v1/jobs/retry-failed", nil, &out)
	return out.JobIDs, err
}

// ClearHistory deletes the owner's finished job records.
func (c *Client) ClearHistory(ctx context.Context) (int, error) {
	var out struct {
		Deleted int `json:"deleted"`
	}
	err := c.do(ctx, http.MethodDelete, "/api/v1/jobs", nil, &out)
	return out.Deleted, err
}

// Summary returns the summary of the latest batch.
func (c *Client) Summary(ctx context.Context) (*summary.Summary, error) {
	return c.summary(ctx, "/api/v1/batches/summary")
}

// SummaryAll aggregates every job record the server still keeps.
func (c *Client) SummaryAll(ctx context.Context) (*summary.Summary, error) {
	return c.summary(ctx, "/api/v1/batches/summary?all=true")
}

func (c *Client) summary(ctx context.Context, path string) (*summary.Summary, error) {
	var out summary.Summary
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AutoResume(ctx context.Context) (*AutoResume, error) {
	var out AutoResume
	if err := c.do(ctx, http.MethodGet, "/api/v1/auto-resume", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompanyRequest mirrors the POST /companies body.
type CompanyRequest struct {
	Name           string `json:"name"`
	TaxID          string `json:"tax_id"`
	CertificateRef string `json:"certificate_ref,omitempty"`
}

func (c *Client) CreateCompany(ctx context.Context, req CompanyRequest) (*models.Company, error) {
	var out models.Company
	if err := c.do(ctx, http.MethodPost, "/api/v1/companies", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListCompanies(ctx context.Context) ([]models.Company, error) {
	var out []models.Company
	err := c.do(ctx, http.MethodGet, "/api/v1/companies", nil, &out)
	return out, err
}

// WaitBatch polls the summary until nothing is left to process.
func (c *Client) WaitBatch(ctx context.Context, opts poll.Options) (*summary.Summary, error) {
	return poll.Until(ctx, opts, c.Summary, func(s *summary.Summary) bool {
		return s.StillToProcess == 0
	})
}

// StartArchive asks for a zip. Small requests are answered inline.
func (c *Client) StartArchive(ctx context.Context, req ArchiveRequest) (*ArchiveResult, error) {
	resp, err := c.send(ctx, http.MethodPost, "/api/v1/archives", req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.Header.Get("Content-Type") == "application/zip" {
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("reading archive: %w", err)
		}
		return &ArchiveResult{Data: data, FileName: fileNameOf(resp)}, nil
	}

	if resp.StatusCode == http.StatusAccepted {
		var job models.ArchiveJob
		if err := decodeData(resp.Body, &job); err != nil {
			return nil, err
		}
		return &ArchiveResult{Job: &job}, nil
	}

	var msg struct {
		Message string `json:"message"`
	}
	if err := decodeData(resp.Body, &msg); err != nil {
		return nil, err
	}
	return &ArchiveResult{Message: msg.Message}, nil
}

func (c *Client) ArchiveStatus(ctx context.Context, id uuid.UUID) (*models.ArchiveJob, error) {
	var out models.ArchiveJob
	if err := c.do(ctx, http.MethodGet, "/api/v1/archives/"+id.String(), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) CancelArchive(ctx context.Context, id uuid.UUID) (*models.ArchiveJob, error) {
	var out models.ArchiveJob
	if err := c.do(ctx, http.MethodPost, "/api/v1/archives/"+id.String()+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitArchive polls an archive job until it is terminal.
func (c *Client) WaitArchive(ctx context.Context, id uuid.UUID, opts poll.Options) (*models.ArchiveJob, error) {
	return poll.Until(ctx, opts,
		func(ctx context.Context) (*models.ArchiveJob, error) { return c.ArchiveStatus(ctx, id) },
		func(j *models.ArchiveJob) bool { return j.IsTerminal() },
	)
}

// DownloadArchive copies a finished archive into w.
func (c *Client) DownloadArchive(ctx context.Context, id uuid.UUID, w io.Writer) (string, error) {
	resp, err := c.send(ctx, http.MethodGet, "/api/v1/archives/"+id.String()+"/download", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if _, err := io.Copy(w, resp.Body); err != nil {
		return "", fmt.Errorf("downloading archive: %w", err)
	}
	return fileNameOf(resp), nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	resp, err := c.send(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return decodeData(resp.Body, out)
}

// send performs the request and turns non-2xx answers into *APIError.
func (c *Client) send(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var rdr io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		rdr = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()

	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	apiErr := &APIError{Status: resp.StatusCode, Code: "HTTP_ERROR", Message: resp.Status}
	if json.NewDecoder(resp.Body).Decode(&env) == nil && env.Error.Code != "" {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return nil, apiErr
}

func decodeData(r io.Reader, out any) error {
	env := struct {
		Data any `json:"data"`
	}{Data: out}
	if err := json.NewDecoder(r).Decode(&env); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func fileNameOf(resp *http.Response) string {
	cd := resp.Header.Get("Content-Disposition")
	if i := strings.Index(cd, "filename="); i >= 0 {
		if name, err := strconv.Unquote(cd[i+len("filename="):]); err == nil {
			return name
		}
		return strings.Trim(cd[i+len("filename="):], `"`)
	}
	return ""
}
