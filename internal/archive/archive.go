// Package archive packages fetched documents of many companies into zip files.
// Small requests are built inline; larger ones run as background jobs that
// are polled for progress.
package archive

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kiranshivaraju/docbatch/internal/cache"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

var (
	ErrJobNotFound    = errors.New("archive job not found")
	ErrNoCompanies    = errors.New("no companies selected")
	ErrUnknownCompany = errors.New("company does not belong to owner")
	ErrNotReady       = errors.New("archive is not ready for download")
)

// NoDocumentsMessage is reported when no document matched the request.
const NoDocumentsMessage = "no documents matched"

// Store is what the engine reads.
type Store interface {
	store.CompanyStore
	store.DocumentStore
}

// Request selects the documents to package.
type Request struct {
	OwnerID            uuid.UUID
	ClientIDs          []uuid.UUID
	Window             models.Window
	Types              []string
	IncludeAttachments bool
}

// Result is returned by Start. Sync results carry the zip bytes; async
// results carry the job to poll.
type Result struct {
	Sync          bool
	Data          []byte
	FileName      string
	DocumentCount int
	Job           *models.ArchiveJob
}

// Options configures an Engine.
type Options struct {
	SyncThreshold int
	Dir           string
	TTL           time.Duration
	// MaxRunning bounds concurrently building async jobs.
	MaxRunning int
	Cache      cache.Cache
	Logger     *slog.Logger
	Now        func() time.Time
}

type jobState struct {
	mu        sync.Mutex
	job       models.ArchiveJob
	path      string
	cancelled atomic.Bool

	// wake releases a job still waiting for a build slot.
	wake context.Context
	stop context.CancelFunc
}

func (s *jobState) cancel() {
	s.cancelled.Store(true)
	s.stop()
}

func (s *jobState) snapshot() *models.ArchiveJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.job
	return &j
}

func (s *jobState) update(fn func(j *models.ArchiveJob), now time.Time) *models.ArchiveJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.job)
	s.job.UpdatedAt = now
	j := s.job
	return &j
}

// Engine runs archive jobs. Jobs live in process memory and are mirrored to
// the cache so any instance can answer status polls.
type Engine struct {
	store  Store
	opts   Options
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu   sync.Mutex
	jobs map[uuid.UUID]*jobState
	wg   sync.WaitGroup
}

// NewEngine creates an Engine. The archive directory is created if missing.
func NewEngine(st Store, opts Options) (*Engine, error) {
	if opts.SyncThreshold < 0 {
		opts.SyncThreshold = 0
	}
	if opts.Dir == "" {
		opts.Dir = os.TempDir()
	}
	if opts.TTL <= 0 {
		opts.TTL = 24 * time.Hour
	}
	if opts.MaxRunning < 1 {
		opts.MaxRunning = 2
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewMemoryCache()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	if err := os.MkdirAll(opts.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &Engine{
		store:  st,
		opts:   opts,
		logger: opts.Logger.With("component", "archive"),
		sem:    semaphore.NewWeighted(int64(opts.MaxRunning)),
		jobs:   make(map[uuid.UUID]*jobState),
	}, nil
}

// Start validates the request and either builds the archive inline (at most
// SyncThreshold companies) or starts a background job.
func (e *Engine) Start(ctx context.Context, req Request) (*Result, error) {
	companies, err := e.companies(ctx, req)
	if err != nil {
		return nil, err
	}

	if len(companies) <= e.opts.SyncThreshold {
		return e.buildSync(ctx, req, companies)
	}

	now := e.opts.Now()
	wake, stop := context.WithCancel(context.Background())
	st := &jobState{wake: wake, stop: stop, job: models.ArchiveJob{
		ID:             uuid.New(),
		OwnerID:        req.OwnerID,
		Status:         models.ArchiveStatusRunning,
		TotalCompanies: len(companies),
		CreatedAt:      now,
		UpdatedAt:      now,
	}}
	e.mu.Lock()
	e.jobs[st.job.ID] = st
	e.mu.Unlock()

	job := st.snapshot()
	e.mirror(ctx, job)
	e.logger.Info("archive job started", "job_id", job.ID, "owner_id", req.OwnerID, "companies", len(companies))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer st.stop()
		e.run(st, req, companies)
	}()
	return &Result{Job: job}, nil
}

func (e *Engine) companies(ctx context.Context, req Request) ([]*models.Company, error) {
	if len(req.ClientIDs) == 0 {
		return nil, ErrNoCompanies
	}
	seen := make(map[uuid.UUID]bool, len(req.ClientIDs))
	out := make([]*models.Company, 0, len(req.ClientIDs))
	for _, id := range req.ClientIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		c, err := e.store.GetCompany(ctx, id)
		if errors.Is(err, store.ErrNotFound) || (err == nil && c.OwnerID != req.OwnerID) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCompany, id)
		}
		if err != nil {
			return nil, fmt.Errorf("get company %s: %w", id, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) buildSync(ctx context.Context, req Request, companies []*models.Company) (*Result, error) {
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	docs := 0
	for _, c := range companies {
		n, err := e.writeCompany(ctx, zw, req, c, nil)
		if err != nil {
			return nil, err
		}
		docs += n
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("close zip: %w", err)
	}
	res := &Result{Sync: true, DocumentCount: docs}
	if docs > 0 {
		res.Data = buf.Bytes()
		res.FileName = fileName(e.opts.Now())
	}
	return res, nil
}

// run builds an async archive one company at a time.
func (e *Engine) run(st *jobState, req Request, companies []*models.Company) {
	ctx := context.Background()
	id := st.snapshot().ID
	logger := e.logger.With("job_id", id)

	if err := e.sem.Acquire(st.wake, 1); err != nil {
		e.markCancelled(st, 0, len(companies))
		return
	}
	defer e.sem.Release(1)

	tmp, err := os.CreateTemp(e.opts.Dir, "archive-*.zip.tmp")
	if err != nil {
		e.fail(st, fmt.Errorf("create temp file: %w", err))
		return
	}
	tmpName := tmp.Name()
	discard := func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}

	zw := zip.NewWriter(tmp)
	docs := 0
	processed := 0
	for _, c := range companies {
		if st.cancelled.Load() {
			break
		}
		e.publish(st, func(j *models.ArchiveJob) { j.CurrentCompany = c.Name })

		n, err := e.writeCompany(ctx, zw, req, c, &st.cancelled)
		if errors.Is(err, errCancelled) {
			break
		}
		var writeErr *writeError
		if errors.As(err, &writeErr) {
			discard()
			e.fail(st, err)
			return
		}

		if err != nil {
			logger.Warn("archive: read documents", "company_id", c.ID, "error", err)
		}
		docs += n
		processed++
		e.publish(st, func(j *models.ArchiveJob) {
			j.ProcessedCompanies = processed
			j.DocumentCount = docs
			switch {
			case err != nil:
				j.ErrorCount++
			case n > 0:
				j.CompaniesWithDocuments++
			default:
				j.CompaniesWithoutDocuments++
			}
		})
	}

	// A cancel that arrives once every company is written is too late to matter.
	if processed < len(companies) && st.cancelled.Load() {
		discard()
		e.markCancelled(st, processed, len(companies))
		return
	}

	if err := zw.Close(); err != nil {
		discard()
		e.fail(st, fmt.Errorf("close zip: %w", err))
		return
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		e.fail(st, fmt.Errorf("close temp file: %w", err))
		return
	}

	job := st.snapshot()
	if job.ErrorCount == len(companies) {
		_ = os.Remove(tmpName)
		e.fail(st, errors.New("documents could not be read for any company"))
		return
	}
	if docs == 0 {
		_ = os.Remove(tmpName)
		e.publish(st, func(j *models.ArchiveJob) {
			j.Status = models.ArchiveStatusCompleted
			j.CurrentCompany = ""
			j.Message = NoDocumentsMessage
		})
		logger.Info("archive job completed without documents")
		return
	}

	final := filepath.Join(e.opts.Dir, id.String()+".zip")
	if err := os.Rename(tmpName, final); err != nil {
		_ = os.Remove(tmpName)
		e.fail(st, fmt.Errorf("move archive into place: %w", err))
		return
	}
	st.mu.Lock()
	st.path = final
	st.mu.Unlock()

	name := fileName(job.CreatedAt)
	e.publish(st, func(j *models.ArchiveJob) {
		j.Status = models.ArchiveStatusCompleted
		j.CurrentCompany = ""
		j.FileName = name
		j.DownloadURL = DownloadPath(id)
	})
	logger.Info("archive job completed", "documents", docs, "companies", processed)
}

var errCancelled = errors.New("archive cancelled")

// writeError marks failures writing the zip itself, which abort the job.
// Failures reading one company's documents only count against that company.
type writeError struct{ err error }

func (w *writeError) Error() string { return "write archive: " + w.err.Error() }
func (w *writeError) Unwrap() error { return w.err }

// writeCompany adds one company's matching documents under a folder named
// after the company. cancelled is checked between documents.
func (e *Engine) writeCompany(ctx context.Context, zw *zip.Writer, req Request, c *models.Company, cancelled *atomic.Bool) (int, error) {
	docs, err := e.store.ListDocuments(ctx, filterFor(req, c.ID))
	if err != nil {
		return 0, err
	}
	dir := folderName(c)
	for _, d := range docs {
		if cancelled != nil && cancelled.Load() {
			return 0, errCancelled
		}
		base := fmt.Sprintf("%s/%s/%s/%s", dir, d.Type, safeSegment(d.Competence), safeSegment(d.AccessKey))
		if err := writeEntry(zw, base+".xml", d.Payload, d.FetchedAt); err != nil {
			return 0, &writeError{err}
		}
		if req.IncludeAttachments && len(d.Attachment) > 0 {
			if err := writeEntry(zw, base+".pdf", d.Attachment, d.FetchedAt); err != nil {
				return 0, &writeError{err}
			}
		}
	}
	return len(docs), nil
}

func writeEntry(zw *zip.Writer, name string, data []byte, modified time.Time) error {
	w, err := zw.CreateHeader(&zip.FileHeader{Name: name, Method: zip.Deflate, Modified: modified})
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

func filterFor(req Request, clientID uuid.UUID) models.DocumentFilter {
	f := models.DocumentFilter{OwnerID: req.OwnerID, ClientID: clientID, Types: req.Types}
	if req.Window.StartCompetence != nil {
		f.StartCompetence = *req.Window.StartCompetence
	}
	if req.Window.EndCompetence != nil {
		f.EndCompetence = *req.Window.EndCompetence
	}
	if req.Window.StartDate != nil {
		f.StartDate = *req.Window.StartDate
	}
	if req.Window.EndDate != nil {
		f.EndDate = *req.Window.EndDate
	}
	return f
}

var reUnsafe = regexp.MustCompile(`[^A-Za-z0-9._-]+`)

func safeSegment(s string) string {
	s = strings.Trim(reUnsafe.ReplaceAllString(s, "_"), "_.")
	if s == "" {
		return "unnamed"
	}
	return s
}

func folderName(c *models.Company) string {
	if c.TaxID == "" {
		return safeSegment(c.Name)
	}
	return safeSegment(c.Name) + "_" + safeSegment(c.TaxID)
}

func fileName(t time.Time) string {
	return "documents-" + t.UTC().Format("20060102-150405") + ".zip"
}

// DownloadPath is the API path serving a finished archive.
func DownloadPath(id uuid.UUID) string {
	return "/api/v1/archives/" + id.String() + "/download"
}

func (e *Engine) markCancelled(st *jobState, processed, total int) {
	job := e.publish(st, func(j *models.ArchiveJob) {
		j.Status = models.ArchiveStatusCancelled
		j.CurrentCompany = ""
		j.Message = fmt.Sprintf("cancelled after %d of %d companies", processed, total)
	})
	e.logger.Info("archive job cancelled", "job_id", job.ID, "processed", processed)
}

func (e *Engine) fail(st *jobState, err error) {
	job := e.publish(st, func(j *models.ArchiveJob) {
		j.Status = models.ArchiveStatusFailed
		j.CurrentCompany = ""
		j.Message = err.Error()
	})
	e.logger.Error("archive job failed", "job_id", job.ID, "error", err)
}

func (e *Engine) publish(st *jobState, fn func(j *models.ArchiveJob)) *models.ArchiveJob {
	job := st.update(fn, e.opts.Now())
	e.mirror(context.Background(), job)
	return job
}

// mirror writes the job snapshot to the cache. Failures only cost
// cross-instance visibility, so they are logged.
func (e *Engine) mirror(ctx context.Context, job *models.ArchiveJob) {
	b, err := json.Marshal(job)
	if err != nil {
		e.logger.Error("archive: encode snapshot", "job_id", job.ID, "error", err)
		return
	}
	if err := e.opts.Cache.SetArchiveJob(ctx, job.ID, b, e.opts.TTL); err != nil {
		e.logger.Warn("archive: mirror snapshot", "job_id", job.ID, "error", err)
	}
}

func (e *Engine) local(id uuid.UUID) *jobState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.jobs[id]
}

// Status returns the job's current state. Jobs owned by another owner are
// reported as not found.
func (e *Engine) Status(ctx context.Context, ownerID, id uuid.UUID) (*models.ArchiveJob, error) {
	var job *models.ArchiveJob
	if st := e.local(id); st != nil {
		job = st.snapshot()
	} else {
		b, ok, err := e.opts.Cache.GetArchiveJob(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read archive job: %w", err)
		}
		if !ok {
			return nil, ErrJobNotFound
		}
		job = &models.ArchiveJob{}
		if err := json.Unmarshal(b, job); err != nil {
			return nil, fmt.Errorf("decode archive job: %w", err)
		}
	}
	if job.OwnerID != ownerID {
		return nil, ErrJobNotFound
	}
	return job, nil
}

// Cancel asks a running job to stop after the current document. Cancelling a
// finished job is a no-op that returns its final state.
func (e *Engine) Cancel(ctx context.Context, ownerID, id uuid.UUID) (*models.ArchiveJob, error) {
	st := e.local(id)
	if st == nil {
		// Owned by another instance or already evicted.
		return e.Status(ctx, ownerID, id)
	}
	job := st.snapshot()
	if job.OwnerID != ownerID {
		return nil, ErrJobNotFound
	}
	if !job.IsTerminal() {
		st.cancel()
		e.logger.Info("archive cancel requested", "job_id", id)
	}
	return job, nil
}

// Open returns the finished archive for download. The caller closes it.
func (e *Engine) Open(ctx context.Context, ownerID, id uuid.UUID) (io.ReadCloser, *models.ArchiveJob, error) {
	job, err := e.Status(ctx, ownerID, id)
	if err != nil {
		return nil, nil, err
	}
	st := e.local(id)
	if job.Status != models.ArchiveStatusCompleted || job.DownloadURL == "" || st == nil {
		return nil, job, ErrNotReady
	}
	st.mu.Lock()
	path := st.path
	st.mu.Unlock()
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, job, ErrNotReady
	}
	if err != nil {
		return nil, job, fmt.Errorf("open archive: %w", err)
	}
	return f, job, nil
}

// Cleanup evicts finished jobs last updated before cutoff and removes their
// files. It returns how many jobs were evicted.
func (e *Engine) Cleanup(ctx context.Context, cutoff time.Time) int {
	e.mu.Lock()
	var stale []*jobState
	for id, st := range e.jobs {
		job := st.snapshot()
		if job.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			stale = append(stale, st)
			delete(e.jobs, id)
		}
	}
	e.mu.Unlock()

	for _, st := range stale {
		st.mu.Lock()
		path, id := st.path, st.job.ID
		st.mu.Unlock()
		if path != "" {
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				e.logger.Warn("archive cleanup: remove file", "job_id", id, "error", err)
			}
		}
		if err := e.opts.Cache.Delete(ctx, cache.ArchiveJobKey(id)); err != nil {
			e.logger.Warn("archive cleanup: drop snapshot", "job_id", id, "error", err)
		}
	}
	if len(stale) > 0 {
		e.logger.Info("archive cleanup", "evicted", len(stale))
	}
	return len(stale)
}

// RunCleanup evicts expired jobs every interval until ctx ends.
func (e *Engine) RunCleanup(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			e.Cleanup(ctx, e.opts.Now().Add(-e.opts.TTL))
		}
	}
}

// Shutdown cancels running jobs and waits for them to stop.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	for _, st := range e.jobs {
		st.cancel()
	}
	e.mu.Unlock()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
