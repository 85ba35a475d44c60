package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// --- Owners ---

func (s *PostgresStore) GetDefaultOwner(ctx context.Context) (*models.Owner, error) {
	var o models.Owner
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, created_at, updated_at FROM owners WHERE name = $1 LIMIT 1`, DefaultOwnerName,
	).Scan(&o.ID, &o.Name, &o.CreatedAt, &o.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default owner: %w", err)
	}
	return &o, nil
}

func (s *PostgresStore) CreateOwner(ctx context.Context, o *models.Owner) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO owners (id, name, created_at, updated_at) VALUES ($1, $2, $3, $4)`,
		o.ID, o.Name, o.CreatedAt, o.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create owner: %w", err)
	}
	return nil
}

// --- API Keys ---

const apiKeyColumns = `id, owner_id, name, key_hash, key_prefix, scopes, last_used_at, deleted_at, created_at, updated_at`

func scanAPIKeys(rows pgx.Rows) ([]*models.APIKey, error) {
	defer rows.Close()
	var keys []*models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.OwnerID, &k.Name, &k.KeyHash, &k.KeyPrefix, &k.Scopes,
			&k.LastUsedAt, &k.DeletedAt, &k.CreatedAt, &k.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, &k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE key_prefix = $1 AND deleted_at IS NULL`, prefix)
	if err != nil {
		return nil, fmt.Errorf("get api key by prefix: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET last_used_at = NOW(), updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("update api key last used: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateAPIKey(ctx context.Context, key *models.APIKey) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO api_keys (id, owner_id, name, key_hash, key_prefix, scopes, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		key.ID, key.OwnerID, key.Name, key.KeyHash, key.KeyPrefix, key.Scopes, key.CreatedAt, key.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create api key: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAPIKeys(ctx context.Context, ownerID uuid.UUID) ([]*models.APIKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+apiKeyColumns+` FROM api_keys WHERE owner_id = $1 AND deleted_at IS NULL ORDER BY created_at DESC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list api keys: %w", err)
	}
	return scanAPIKeys(rows)
}

func (s *PostgresStore) RevokeAPIKey(ctx context.Context, id uuid.UUID, ownerID uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_keys SET deleted_at = NOW(), updated_at = NOW()
		 WHERE id = $1 AND owner_id = $2 AND deleted_at IS NULL`, id, ownerID)
	if err != nil {
		return fmt.Errorf("revoke api key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Companies ---

func (s *PostgresStore) CreateCompany(ctx context.Context, c *models.Company) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO companies (id, owner_id, name, tax_id, certificate_ref, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.OwnerID, c.Name, c.TaxID, c.CertificateRef, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create company: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCompany(ctx context.Context, id uuid.UUID) (*models.Company, error) {
	var c models.Company
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, tax_id, certificate_ref, created_at, updated_at FROM companies WHERE id = $1`, id,
	).Scan(&c.ID, &c.OwnerID, &c.Name, &c.TaxID, &c.CertificateRef, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get company: %w", err)
	}
	return &c, nil
}

func (s *PostgresStore) ListCompanies(ctx context.Context, ownerID uuid.UUID) ([]*models.Company, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, name, tax_id, certificate_ref, created_at, updated_at
		 FROM companies WHERE owner_id = $1 ORDER BY name`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("list companies: %w", err)
	}
	defer rows.Close()

	var out []*models.Company
	for rows.Next() {
		var c models.Company
		if err := rows.Scan(&c.ID, &c.OwnerID, &c.Name, &c.TaxID, &c.CertificateRef, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan company: %w", err)
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// --- Job Records ---

const jobColumns = `id, owner_id, client_id, kind, mode, start_competence, end_competence, start_date, end_date,
	status, step, progress, expected_total, documents_fetched, attachments_fetched, attachment_errors,
	new_documents, certificate_expired, error_message, failure_kind, attempts, started_at, finished_at,
	created_at, updated_at`

func scanJobRecord(row pgx.Row) (*models.JobRecord, error) {
	var r models.JobRecord
	err := row.Scan(&r.ID, &r.OwnerID, &r.ClientID, &r.Kind, &r.Mode,
		&r.Window.StartCompetence, &r.Window.EndCompetence, &r.Window.StartDate, &r.Window.EndDate,
		&r.Status, &r.Step, &r.Progress, &r.ExpectedTotal, &r.DocumentsFetched, &r.AttachmentsFetched,
		&r.AttachmentErrors, &r.NewDocuments, &r.CertificateExpired, &r.ErrorMessage, &r.FailureKind,
		&r.Attempts, &r.StartedAt, &r.FinishedAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *PostgresStore) CreateJobRecords(ctx context.Context, records []*models.JobRecord) error {
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, r := range records {
		batch.Queue(
			`INSERT INTO job_records (id, owner_id, client_id, kind, mode, start_competence, end_competence,
			   start_date, end_date, status, step, created_at, updated_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
			r.ID, r.OwnerID, r.ClientID, r.Kind, r.Mode, r.Window.StartCompetence, r.Window.EndCompetence,
			r.Window.StartDate, r.Window.EndDate, r.Status, r.Step, r.CreatedAt, r.UpdatedAt)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job records: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job records: %w", err)
	}
	return tx.Commit(ctx)
}

func (s *PostgresStore) GetJobRecord(ctx context.Context, id uuid.UUID) (*models.JobRecord, error) {
	r, err := scanJobRecord(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM job_records WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job record: %w", err)
	}
	return r, nil
}

// PatchJobRecord locks the row, validates the status change, and updates only
// the columns the patch sets.
func (s *PostgresStore) PatchJobRecord(ctx context.Context, id uuid.UUID, p models.JobPatch) (*models.JobRecord, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin patch job record: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var current models.JobStatus
	err = tx.QueryRow(ctx, `SELECT status FROM job_records WHERE id = $1 FOR UPDATE`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job record status: %w", err)
	}
	if p.Status != nil && !models.CanTransition(current, *p.Status) {
		return nil, errTransition(current, *p.Status)
	}

	now := time.Now().UTC()
	sets := []string{"updated_at = $2"}
	args := []any{id, now}
	argIdx := 3
	set := func(col string, v any) {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, argIdx))
		args = append(args, v)
		argIdx++
	}

	if p.Status != nil {
		set("status", *p.Status)
	}
	if p.Step != nil {
		set("step", *p.Step)
	}
	if p.Progress != nil {
		set("progress", *p.Progress)
	}
	if p.ExpectedTotal != nil {
		set("expected_total", *p.ExpectedTotal)
	}
	if p.DocumentsFetched != nil {
		set("documents_fetched", *p.DocumentsFetched)
	}
	if p.AttachmentsFetched != nil {
		set("attachments_fetched", *p.AttachmentsFetched)
	}
	if p.AttachmentErrors != nil {
		set("attachment_errors", *p.AttachmentErrors)
	}
	if p.NewDocuments != nil {
		set("new_documents", *p.NewDocuments)
	}
	if p.CertificateExpired != nil {
		set("certificate_expired", *p.CertificateExpired)
	}
	if p.ErrorMessage != nil {
		if *p.ErrorMessage == "" {
			sets = append(sets, "error_message = NULL")
		} else {
			set("error_message", *p.ErrorMessage)
		}
	}
	if p.FailureKind != nil {
		set("failure_kind", *p.FailureKind)
	}
	if p.IncrementAttempts {
		sets = append(sets, "attempts = attempts + 1")
	}
	if p.StartedAt != nil {
		set("started_at", *p.StartedAt)
	}
	if p.FinishedAt != nil {
		set("finished_at", *p.FinishedAt)
	} else if p.ClearFinishedAt {
		sets = append(sets, "finished_at = NULL")
	}

	query := `UPDATE job_records SET ` + strings.Join(sets, ", ") + ` WHERE id = $1 RETURNING ` + jobColumns
	r, err := scanJobRecord(tx.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, fmt.Errorf("patch job record: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit patch job record: %w", err)
	}
	return r, nil
}

func (s *PostgresStore) ListJobRecords(ctx context.Context, filter JobFilter) ([]*models.JobRecord, error) {
	conditions := []string{"TRUE"}
	var args []any
	argIdx := 1

	if filter.OwnerID != uuid.Nil {
		conditions = append(conditions, fmt.Sprintf("owner_id = $%d", argIdx))
		args = append(args, filter.OwnerID)
		argIdx++
	}
	if filter.ClientID != nil {
		conditions = append(conditions, fmt.Sprintf("client_id = $%d", argIdx))
		args = append(args, *filter.ClientID)
		argIdx++
	}
	if len(filter.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", argIdx))
		args = append(args, statusStrings(filter.Statuses))
		argIdx++
	}
	if !filter.Since.IsZero() {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, filter.Since)
		argIdx++
	}

	query := `SELECT ` + jobColumns + ` FROM job_records WHERE ` + strings.Join(conditions, " AND ") +
		` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, filter.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list job records: %w", err)
	}
	defer rows.Close()

	out := []*models.JobRecord{}
	for rows.Next() {
		r, err := scanJobRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job record: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DeleteJobRecords(ctx context.Context, ownerID uuid.UUID, statuses []models.JobStatus) (int, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM job_records WHERE owner_id = $1 AND status = ANY($2)`, ownerID, statusStrings(statuses))
	if err != nil {
		return 0, fmt.Errorf("delete job records: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// --- Documents ---

func (s *PostgresStore) SaveDocuments(ctx context.Context, docs []models.Document) (int, error) {
	if len(docs) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, d := range docs {
		id := d.ID
		if id == uuid.Nil {
			id = uuid.New()
		}
		fetchedAt := d.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = time.Now().UTC()
		}
		batch.Queue(
			`INSERT INTO documents (id, owner_id, client_id, type, access_key, number, competence, issue_date,
			   payload, attachment, fetched_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
			 ON CONFLICT (owner_id, access_key) DO NOTHING`,
			id, d.OwnerID, d.ClientID, d.Type, d.AccessKey, d.Number, d.Competence, d.IssueDate,
			d.Payload, d.Attachment, fetchedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	inserted := 0
	for range docs {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("save document: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

func (s *PostgresStore) ListDocuments(ctx context.Context, f models.DocumentFilter) ([]models.Document, error) {
	conditions := []string{"owner_id = $1"}
	args := []any{f.OwnerID}
	argIdx := 2
	add := func(cond string, v any) {
		conditions = append(conditions, fmt.Sprintf(cond, argIdx))
		args = append(args, v)
		argIdx++
	}

	if f.ClientID != uuid.Nil {
		add("client_id = $%d", f.ClientID)
	}
	if len(f.Types) > 0 {
		add("type = ANY($%d)", f.Types)
	}
	if f.StartCompetence != "" {
		add("competence >= $%d", f.StartCompetence)
	}
	if f.EndCompetence != "" {
		add("competence <= $%d", f.EndCompetence)
	}
	if f.StartDate != "" {
		add("issue_date >= $%d", f.StartDate)
	}
	if f.EndDate != "" {
		add("issue_date <= $%d", f.EndDate)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, owner_id, client_id, type, access_key, number, competence, issue_date, payload, attachment, fetched_at
		 FROM documents WHERE `+strings.Join(conditions, " AND ")+` ORDER BY competence, issue_date, access_key`, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	out := []models.Document{}
	for rows.Next() {
		var d models.Document
		if err := rows.Scan(&d.ID, &d.OwnerID, &d.ClientID, &d.Type, &d.AccessKey, &d.Number, &d.Competence,
			&d.IssueDate, &d.Payload, &d.Attachment, &d.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func statusStrings(statuses []models.JobStatus) []string {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// isDuplicateKeyError checks if a pgx error is a unique constraint violation.
func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" // unique_violation
	}
	return false
}
