package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// MemoryStore is a process-local Store. Records are cloned on every read and
// write so callers never share state with the store.
type MemoryStore struct {
	mu        sync.RWMutex
	owners    map[uuid.UUID]*models.Owner
	keys      map[uuid.UUID]*models.APIKey
	companies map[uuid.UUID]*models.Company
	jobs      map[uuid.UUID]*models.JobRecord
	docs      map[string]models.Document
	now       func() time.Time
}

// NewMemoryStore returns an empty store seeded with the default owner.
func NewMemoryStore() *MemoryStore {
	now := time.Now().UTC()
	def := &models.Owner{ID: uuid.New(), Name: DefaultOwnerName, CreatedAt: now, UpdatedAt: now}
	return &MemoryStore{
		owners:    map[uuid.UUID]*models.Owner{def.ID: def},
		keys:      make(map[uuid.UUID]*models.APIKey),
		companies: make(map[uuid.UUID]*models.Company),
		jobs:      make(map[uuid.UUID]*models.JobRecord),
		docs:      make(map[string]models.Document),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
func (s *MemoryStore) Close() error               { return nil }

func (s *MemoryStore) GetDefaultOwner(context.Context) (*models.Owner, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, o := range s.owners {
		if o.Name == DefaultOwnerName {
			c := *o
			return &c, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) CreateOwner(_ context.Context, o *models.Owner) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.owners {
		if existing.ID == o.ID || existing.Name == o.Name {
			return ErrDuplicateKey
		}
	}
	c := *o
	s.owners[o.ID] = &c
	return nil
}

func (s *MemoryStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *MemoryStore) UpdateAPIKeyLastUsed(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := s.now()
		k.LastUsedAt = &now
		k.UpdatedAt = now
	}
	return nil
}

func (s *MemoryStore) CreateAPIKey(_ context.Context, key *models.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range s.keys {
		if k.ID == key.ID || k.KeyHash == key.KeyHash {
			return ErrDuplicateKey
		}
	}
	c := *key
	s.keys[key.ID] = &c
	return nil
}

func (s *MemoryStore) ListAPIKeys(_ context.Context, ownerID uuid.UUID) ([]*models.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.APIKey
	for _, k := range s.keys {
		if k.OwnerID == ownerID && k.DeletedAt == nil {
			c := *k
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) RevokeAPIKey(_ context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.OwnerID != ownerID || k.DeletedAt != nil {
		return ErrNotFound
	}
	now := s.now()
	k.DeletedAt = &now
	k.UpdatedAt = now
	return nil
}

func (s *MemoryStore) CreateCompany(_ context.Context, c *models.Company) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.companies {
		if existing.ID == c.ID || (existing.OwnerID == c.OwnerID && existing.TaxID == c.TaxID) {
			return ErrDuplicateKey
		}
	}
	cp := *c
	s.companies[c.ID] = &cp
	return nil
}

func (s *MemoryStore) GetCompany(_ context.Context, id uuid.UUID) (*models.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.companies[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *MemoryStore) ListCompanies(_ context.Context, ownerID uuid.UUID) ([]*models.Company, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*models.Company
	for _, c := range s.companies {
		if c.OwnerID == ownerID {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *MemoryStore) CreateJobRecords(_ context.Context, records []*models.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range records {
		if _, ok := s.jobs[r.ID]; ok {
			return ErrDuplicateKey
		}
	}
	for _, r := range records {
		s.jobs[r.ID] = r.Clone()
	}
	return nil
}

func (s *MemoryStore) GetJobRecord(_ context.Context, id uuid.UUID) (*models.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (s *MemoryStore) PatchJobRecord(_ context.Context, id uuid.UUID, p models.JobPatch) (*models.JobRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := applyPatch(r, p, s.now()); err != nil {
		return nil, err
	}
	return r.Clone(), nil
}

func (s *MemoryStore) ListJobRecords(_ context.Context, filter JobFilter) ([]*models.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []*models.JobRecord{}
	for _, r := range s.jobs {
		if filter.matches(r) {
			out = append(out, r.Clone())
		}
	}
	return sortAndLimit(out, filter.Limit), nil
}

func (s *MemoryStore) DeleteJobRecords(_ context.Context, ownerID uuid.UUID, statuses []models.JobStatus) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, r := range s.jobs {
		if r.OwnerID == ownerID && hasStatus(statuses, r.Status) {
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) SaveDocuments(_ context.Context, docs []models.Document) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, d := range docs {
		k := documentKey(d.OwnerID, d.AccessKey)
		if _, ok := s.docs[k]; ok {
			continue
		}
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		if d.FetchedAt.IsZero() {
			d.FetchedAt = s.now()
		}
		s.docs[k] = d
		n++
	}
	return n, nil
}

func (s *MemoryStore) ListDocuments(_ context.Context, f models.DocumentFilter) ([]models.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []models.Document{}
	for _, d := range s.docs {
		if d.OwnerID != f.OwnerID {
			continue
		}
		if f.ClientID != uuid.Nil && d.ClientID != f.ClientID {
			continue
		}
		if f.Matches(d) {
			out = append(out, d)
		}
	}
	sortDocuments(out)
	return out, nil
}

func documentKey(ownerID uuid.UUID, accessKey string) string {
	return ownerID.String() + ":" + accessKey
}

func sortDocuments(docs []models.Document) {
	sort.Slice(docs, func(i, j int) bool {
		a, b := docs[i], docs[j]
		if a.Competence != b.Competence {
			return a.Competence < b.Competence
		}
		if a.IssueDate != b.IssueDate {
			return a.IssueDate < b.IssueDate
		}
		return a.AccessKey < b.AccessKey
	})
}
