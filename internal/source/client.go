package source

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/internal/failure"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// HTTPClient implements Source and CertificateProvider over the document API.
type HTTPClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewHTTPClient creates a new document API client.
func NewHTTPClient(baseURL, token string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPClient) Fetch(ctx context.Context, req FetchRequest) (*Page, error) {
	params := url.Values{}
	mode := req.Mode
	if mode == "" {
		mode = models.ModeIncremental
	}
	params.Set("mode", string(mode))
	if req.Window != nil {
		setParam(params, "start_competence", req.Window.StartCompetence)
		setParam(params, "end_competence", req.Window.EndCompetence)
		setParam(params, "start_date", req.Window.StartDate)
		setParam(params, "end_date", req.Window.EndDate)
	}
	if req.Cursor != "" {
		params.Set("cursor", req.Cursor)
	}
	if req.PageSize > 0 {
		params.Set("page_size", strconv.Itoa(req.PageSize))
	}

	u := fmt.Sprintf("%s/v1/clients/%s/documents?%s", c.baseURL, req.ClientID, params.Encode())
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq, req.CertificateRef)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, classifyError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, statusError(resp)
	}

	var body documentsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, errors.Wrap(failure.ErrTransient, "decoding documents response: "+err.Error())
	}
	return body.toPage(req.OwnerID, req.ClientID), nil
}

func (c *HTTPClient) Status(ctx context.Context, clientID uuid.UUID, certificateRef string) (CertificateStatus, error) {
	u := fmt.Sprintf("%s/v1/clients/%s/certificate", c.baseURL, clientID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq, certificateRef)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyError(ctx, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return CertificateMissing, nil
	case resp.StatusCode != http.StatusOK:
		return "", statusError(resp)
	}

	var body certificateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decoding certificate response: %w", err)
	}
	switch CertificateStatus(body.Status) {
	case CertificateValid, CertificateExpired, CertificateMissing:
		return CertificateStatus(body.Status), nil
	}
	return "", fmt.Errorf("unknown certificate status %q", body.Status)
}

// Ready checks that the document API answers.
func (c *HTTPClient) Ready(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/ready", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq, "")

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return errors.Wrap(failure.ErrUpstreamUnavailable, err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Wrapf(failure.ErrUpstreamUnavailable, "not ready (status %d)", resp.StatusCode)
	}
	return nil
}

func (c *HTTPClient) setHeaders(req *http.Request, certificateRef string) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if certificateRef != "" {
		req.Header.Set("X-Certificate-Ref", certificateRef)
	}
	req.Header.Set("Accept", "application/json")
}

// statusError maps a non-200 response onto the failure taxonomy.
func statusError(resp *http.Response) error {
	var body errorResponse
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	_ = json.Unmarshal(raw, &body)

	if body.Error.Code == "certificate_expired" {
		return errors.WithHint(
			errors.Wrapf(failure.ErrCertificateExpired, "status %d", resp.StatusCode),
			"Renew the company certificate before retrying")
	}

	code := resp.StatusCode
	switch {
	case code == http.StatusTooManyRequests:
		return errors.WithHint(
			errors.Wrapf(failure.ErrRateLimited, "status %d", code),
			"The document source is throttling requests")
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return errors.WithHint(
			errors.Wrapf(failure.ErrUnauthorized, "status %d", code),
			"The document source denied access for this company")
	case code >= 500:
		return errors.WithHint(
			errors.Wrapf(failure.ErrUpstreamUnavailable, "status %d", code),
			"The document source is unavailable")
	}
	msg := body.Error.Message
	if msg == "" {
		msg = http.StatusText(code)
	}
	return errors.Newf("document source returned status %d: %s", code, msg)
}

// classifyError maps transport-level errors to failure sentinels. A cancelled
// caller context is returned as is.
func classifyError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(failure.ErrTransient, err.Error())
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errors.Wrap(failure.ErrTransient, err.Error())
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return errors.Wrap(failure.ErrUpstreamUnavailable, err.Error())
	}

	return errors.Wrap(failure.ErrTransient, err.Error())
}

func setParam(v url.Values, key string, s *string) {
	if s != nil && *s != "" {
		v.Set(key, *s)
	}
}

// --- API response types ---

type documentsResponse struct {
	Documents  []documentJSON `json:"documents"`
	NextCursor string         `json:"next_cursor"`
	Total      int            `json:"total"`
}

type documentJSON struct {
	Type            string `json:"type"`
	AccessKey       string `json:"access_key"`
	Number          string `json:"number"`
	Competence      string `json:"competence"`
	IssueDate       string `json:"issue_date"`
	XML             []byte `json:"xml"`
	PDF             []byte `json:"pdf"`
	AttachmentError bool   `json:"attachment_error"`
}

type certificateResponse struct {
	Status    string `json:"status"`
	ExpiresAt string `json:"expires_at"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (r documentsResponse) toPage(ownerID, clientID uuid.UUID) *Page {
	p := &Page{
		Documents:     make([]models.Document, 0, len(r.Documents)),
		NextCursor:    r.NextCursor,
		ExpectedTotal: r.Total,
	}
	now := time.Now().UTC()
	for _, d := range r.Documents {
		if len(d.PDF) > 0 {
			p.AttachmentsFetched++
		}
		if d.AttachmentError {
			p.AttachmentErrors++
		}
		p.Documents = append(p.Documents, models.Document{
			OwnerID:    ownerID,
			ClientID:   clientID,
			Type:       d.Type,
			AccessKey:  d.AccessKey,
			Number:     d.Number,
			Competence: d.Competence,
			IssueDate:  d.IssueDate,
			Payload:    d.XML,
			Attachment: d.PDF,
			FetchedAt:  now,
		})
	}
	return p
}

// Compile-time checks that HTTPClient implements both collaborators.
var (
	_ Source              = (*HTTPClient)(nil)
	_ CertificateProvider = (*HTTPClient)(nil)
)
