package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/internal/source"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// Source satisfies source.Source for testing and records every request.
type Source struct {
	FetchFunc func(ctx context.Context, req source.FetchRequest) (*source.Page, error)

	mu    sync.Mutex
	calls []source.FetchRequest
}

func (m *Source) Fetch(ctx context.Context, req source.FetchRequest) (*source.Page, error) {
	rec := req
	if req.Window != nil {
		w := req.Window.Clone()
		rec.Window = &w
	}
	m.mu.Lock()
	m.calls = append(m.calls, rec)
	m.mu.Unlock()

	if m.FetchFunc != nil {
		return m.FetchFunc(ctx, req)
	}
	return &source.Page{}, nil
}

// Calls returns every request seen so far.
func (m *Source) Calls() []source.FetchRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]source.FetchRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallsFor returns the requests made for one client company.
func (m *Source) CallsFor(clientID uuid.UUID) []source.FetchRequest {
	var out []source.FetchRequest
	for _, c := range m.Calls() {
		if c.ClientID == clientID {
			out = append(out, c)
		}
	}
	return out
}

// Paged returns a FetchFunc serving total generated documents per company,
// pageSize at a time. The cursor is the offset of the next page.
func Paged(total, pageSize int) func(context.Context, source.FetchRequest) (*source.Page, error) {
	return func(_ context.Context, req source.FetchRequest) (*source.Page, error) {
		offset := 0
		if req.Cursor != "" {
			n, err := strconv.Atoi(req.Cursor)
			if err != nil {
				return nil, fmt.Errorf("bad cursor %q", req.Cursor)
			}
			offset = n
		}
		end := offset + pageSize
		if end > total {
			end = total
		}
		p := &source.Page{ExpectedTotal: total}
		for i := offset; i < end; i++ {
			p.Documents = append(p.Documents, models.Document{
				OwnerID:    req.OwnerID,
				ClientID:   req.ClientID,
				Type:       models.DocumentTypeServiceInvoice,
				AccessKey:  fmt.Sprintf("%s-%04d", req.ClientID, i),
				Number:     strconv.Itoa(i + 1),
				Competence: "2024-01",
				IssueDate:  "2024-01-15",
				Payload:    []byte("<nfse/>"),
			})
		}
		if end < total {
			p.NextCursor = strconv.Itoa(end)
		}
		return p, nil
	}
}

// Certificates satisfies source.CertificateProvider. Statuses not listed in
// ByClient are valid.
type Certificates struct {
	StatusFunc func(ctx context.Context, clientID uuid.UUID, ref string) (source.CertificateStatus, error)

	mu       sync.Mutex
	byClient map[uuid.UUID]source.CertificateStatus
}

// Set fixes the status reported for a client.
func (m *Certificates) Set(clientID uuid.UUID, s source.CertificateStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byClient == nil {
		m.byClient = make(map[uuid.UUID]source.CertificateStatus)
	}
	m.byClient[clientID] = s
}

func (m *Certificates) Status(ctx context.Context, clientID uuid.UUID, ref string) (source.CertificateStatus, error) {
	if m.StatusFunc != nil {
		return m.StatusFunc(ctx, clientID, ref)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.byClient[clientID]; ok {
		return s, nil
	}
	return source.CertificateValid, nil
}

var (
	_ source.Source              = (*Source)(nil)
	_ source.CertificateProvider = (*Certificates)(nil)
)
