package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// key prefixes
const (
	keyPrefixOwner   = "owner:"
	keyPrefixAPIKey  = "apikey:"
	keyPrefixCompany = "company:"
	keyPrefixJob     = "job:"
	keyPrefixDoc     = "doc:"
)

// BadgerStore implements Store on an embedded BadgerDB. Values are JSON.
// It serves single-node deployments that do not run PostgreSQL.
type BadgerStore struct {
	db  *badger.DB
	now func() time.Time
}

// storedAPIKey keeps the fields models.APIKey hides from JSON.
type storedAPIKey struct {
	models.APIKey
	KeyHash   string     `json:"key_hash"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// NewBadgerStore opens (or creates) the database at dir. An empty dir opens
// an in-memory database.
func NewBadgerStore(dir string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s := &BadgerStore{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := s.seedDefaultOwner(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BadgerStore) Ping(context.Context) error {
	if s.db.IsClosed() {
		return errors.New("badger is closed")
	}
	return nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func (s *BadgerStore) seedDefaultOwner() error {
	ctx := context.Background()
	if _, err := s.GetDefaultOwner(ctx); err == nil {
		return nil
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	now := s.now()
	return s.CreateOwner(ctx, &models.Owner{ID: uuid.New(), Name: DefaultOwnerName, CreatedAt: now, UpdatedAt: now})
}

// retryUpdate retries an update on transaction conflicts.
func (s *BadgerStore) retryUpdate(ctx context.Context, fn func(txn *badger.Txn) error) error {
	const maxRetries = 50
	const retryDelay = time.Millisecond

	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		if attempt > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			time.Sleep(retryDelay)
		}
		err := s.db.Update(fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, badger.ErrConflict) {
			lastErr = err
			continue
		}
		return err
	}
	return fmt.Errorf("transaction conflict after %d retries: %w", maxRetries, lastErr)
}

func getJSON(txn *badger.Txn, key string, v any) error {
	item, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return item.Value(func(val []byte) error {
		return json.Unmarshal(val, v)
	})
}

func setJSON(txn *badger.Txn, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return txn.Set([]byte(key), data)
}

func exists(txn *badger.Txn, key string) (bool, error) {
	_, err := txn.Get([]byte(key))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

// scanPrefix decodes every value under prefix with decode.
func (s *BadgerStore) scanPrefix(prefix string, decode func(val []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(prefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			if err := it.Item().Value(decode); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Owners ---

func (s *BadgerStore) GetDefaultOwner(context.Context) (*models.Owner, error) {
	var found *models.Owner
	err := s.scanPrefix(keyPrefixOwner, func(val []byte) error {
		var o models.Owner
		if err := json.Unmarshal(val, &o); err != nil {
			return err
		}
		if o.Name == DefaultOwnerName {
			found = &o
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get default owner: %w", err)
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found, nil
}

func (s *BadgerStore) CreateOwner(ctx context.Context, o *models.Owner) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		ok, err := exists(txn, keyPrefixOwner+o.ID.String())
		if err != nil {
			return err
		}
		if ok {
			return ErrDuplicateKey
		}
		return setJSON(txn, keyPrefixOwner+o.ID.String(), o)
	})
}

// --- API Keys ---

func (s *BadgerStore) listAPIKeys(match func(*models.APIKey) bool) ([]*models.APIKey, error) {
	var out []*models.APIKey
	err := s.scanPrefix(keyPrefixAPIKey, func(val []byte) error {
		var sk storedAPIKey
		if err := json.Unmarshal(val, &sk); err != nil {
			return err
		}
		k := sk.APIKey
		k.KeyHash = sk.KeyHash
		k.DeletedAt = sk.DeletedAt
		if k.DeletedAt == nil && match(&k) {
			out = append(out, &k)
		}
		return nil
	})
	return out, err
}

func (s *BadgerStore) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	keys, err := s.listAPIKeys(func(k *models.APIKey) bool { return k.KeyPrefix == prefix })
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return keys, nil
}

func (s *BadgerStore) updateAPIKey(ctx context.Context, id uuid.UUID, fn func(*storedAPIKey) error) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		var sk storedAPIKey
		if err := getJSON(txn, keyPrefixAPIKey+id.String(), &sk); err != nil {
			return err
		}
		if err := fn(&sk); err != nil {
			return err
		}
		return setJSON(txn, keyPrefixAPIKey+id.String(), sk)
	})
}

func (s *BadgerStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	err := s.updateAPIKey(ctx, id, func(sk *storedAPIKey) error {
		now := s.now()
		sk.LastUsedAt = &now
		sk.UpdatedAt = now
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *BadgerStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		ok, err := exists(txn, keyPrefixAPIKey+key.ID.String())
		if err != nil {
			return err
		}
		if ok {
			return ErrDuplicateKey
		}
		return setJSON(txn, keyPrefixAPIKey+key.ID.String(), storedAPIKey{APIKey: *key, KeyHash: key.KeyHash})
	})
}

func (s *BadgerStore) ListAPIKeys(_ context.Context, ownerID uuid.UUID) ([]*models.APIKey, error) {
	keys, err := s.listAPIKeys(func(k *models.APIKey) bool { return k.OwnerID == ownerID })
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].CreatedAt.After(keys[j].CreatedAt) })
	return keys, nil
}

func (s *BadgerStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	return s.updateAPIKey(ctx, id, func(sk *storedAPIKey) error {
		if sk.OwnerID != ownerID || sk.DeletedAt != nil {
			return ErrNotFound
		}
		now := s.now()
		sk.DeletedAt = &now
		sk.UpdatedAt = now
		return nil
	})
}

// --- Companies ---

func (s *BadgerStore) CreateCompany(ctx context.Context, c *models.Company) error {
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		ok, err := exists(txn, keyPrefixCompany+c.ID.String())
		if err != nil {
			return err
		}
		if ok {
			return ErrDuplicateKey
		}
		return setJSON(txn, keyPrefixCompany+c.ID.String(), c)
	})
}

func (s *BadgerStore) GetCompany(_ context.Context, id uuid.UUID) (*models.Company, error) {
	var c models.Company
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyPrefixCompany+id.String(), &c)
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *BadgerStore) ListCompanies(_ context.Context, ownerID uuid.UUID) ([]*models.Company, error) {
	var out []*models.Company
	err := s.scanPrefix(keyPrefixCompany, func(val []byte) error {
		var c models.Company
		if err := json.Unmarshal(val, &c); err != nil {
			return err
		}
		if c.OwnerID == ownerID {
			out = append(out, &c)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// --- Job Records ---

func (s *BadgerStore) CreateJobRecords(ctx context.Context, records []*models.JobRecord) error {
	if len(records) == 0 {
		return nil
	}
	return s.retryUpdate(ctx, func(txn *badger.Txn) error {
		for _, r := range records {
			ok, err := exists(txn, keyPrefixJob+r.ID.String())
			if err != nil {
				return err
			}
			if ok {
				return ErrDuplicateKey
			}
			if err := setJSON(txn, keyPrefixJob+r.ID.String(), r); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) GetJobRecord(_ context.Context, id uuid.UUID) (*models.JobRecord, error) {
	var r models.JobRecord
	err := s.db.View(func(txn *badger.Txn) error {
		return getJSON(txn, keyPrefixJob+id.String(), &r)
	})
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *BadgerStore) PatchJobRecord(ctx context.Context, id uuid.UUID, p models.JobPatch) (*models.JobRecord, error) {
	var out *models.JobRecord
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		var r models.JobRecord
		if err := getJSON(txn, keyPrefixJob+id.String(), &r); err != nil {
			return err
		}
		if err := applyPatch(&r, p, s.now()); err != nil {
			return err
		}
		out = &r
		return setJSON(txn, keyPrefixJob+id.String(), &r)
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BadgerStore) ListJobRecords(_ context.Context, filter JobFilter) ([]*models.JobRecord, error) {
	out := []*models.JobRecord{}
	err := s.scanPrefix(keyPrefixJob, func(val []byte) error {
		var r models.JobRecord
		if err := json.Unmarshal(val, &r); err != nil {
			return err
		}
		if filter.matches(&r) {
			out = append(out, &r)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list job records: %w", err)
	}
	return sortAndLimit(out, filter.Limit), nil
}

func (s *BadgerStore) DeleteJobRecords(ctx context.Context, ownerID uuid.UUID, statuses []models.JobStatus) (int, error) {
	records, err := s.ListJobRecords(ctx, JobFilter{OwnerID: ownerID, Statuses: statuses})
	if err != nil {
		return 0, err
	}
	n := 0
	err = s.retryUpdate(ctx, func(txn *badger.Txn) error {
		n = 0
		for _, r := range records {
			if err := txn.Delete([]byte(keyPrefixJob + r.ID.String())); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("delete job records: %w", err)
	}
	return n, nil
}

// --- Documents ---

func docKey(ownerID uuid.UUID, accessKey string) string {
	return keyPrefixDoc + ownerID.String() + ":" + accessKey
}

func (s *BadgerStore) SaveDocuments(ctx context.Context, docs []models.Document) (int, error) {
	inserted := 0
	err := s.retryUpdate(ctx, func(txn *badger.Txn) error {
		inserted = 0
		for _, d := range docs {
			key := docKey(d.OwnerID, d.AccessKey)
			ok, err := exists(txn, key)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			if d.ID == uuid.Nil {
				d.ID = uuid.New()
			}
			if d.FetchedAt.IsZero() {
				d.FetchedAt = s.now()
			}
			if err := setJSON(txn, key, d); err != nil {
				return err
			}
			inserted++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("save documents: %w", err)
	}
	return inserted, nil
}

func (s *BadgerStore) ListDocuments(_ context.Context, f models.DocumentFilter) ([]models.Document, error) {
	out := []models.Document{}
	err := s.scanPrefix(keyPrefixDoc+f.OwnerID.String()+":", func(val []byte) error {
		var d models.Document
		if err := json.Unmarshal(val, &d); err != nil {
			return err
		}
		if (f.ClientID == uuid.Nil || d.ClientID == f.ClientID) && f.Matches(d) {
			out = append(out, d)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	sortDocuments(out)
	return out, nil
}
