// Package batch runs one fetch execution per client company with bounded
// concurrency, cooperative cancellation and per-company failure isolation.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kiranshivaraju/docbatch/internal/failure"
	"github.com/kiranshivaraju/docbatch/internal/period"
	"github.com/kiranshivaraju/docbatch/internal/source"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

var (
	ErrNoCompanies    = errors.New("no companies selected")
	ErrUnknownCompany = errors.New("company does not belong to owner")
	ErrNotRetryable   = errors.New("job record is not failed or cancelled")
	ErrShuttingDown   = errors.New("coordinator is shutting down")
)

const (
	// MaxOrphansToRecover caps startup recovery so a huge backlog cannot stall boot.
	MaxOrphansToRecover = 1000

	interruptedMessage = "interrupted by restart"
)

// Store is the persistence the coordinator needs.
type Store interface {
	store.JobRecordStore
	store.CompanyStore
	store.DocumentStore
}

// Options configures a Coordinator.
type Options struct {
	Concurrency int
	PageSize    int
	Logger      *slog.Logger
	Now         func() time.Time
}

// StartRequest describes a new batch: one job record per company, all sharing
// the same mode and window.
type StartRequest struct {
	OwnerID    uuid.UUID
	CompanyIDs []uuid.UUID
	Kind       models.JobKind
	Mode       models.WindowMode
	Window     models.Window
}

// Coordinator schedules and runs job record executions. It is the only writer
// of the active-execution set.
type Coordinator struct {
	store  Store
	src    source.Source
	certs  source.CertificateProvider
	sem    *semaphore.Weighted
	logger *slog.Logger
	now    func() time.Time

	pageSize int

	// hardCtx is cancelled only when Shutdown gives up waiting; in-flight
	// fetches use it so a cancel request lets the current page finish.
	hardCtx    context.Context
	hardCancel context.CancelFunc
	stopping   atomic.Bool

	mu      sync.Mutex
	execs   map[uuid.UUID]*execution
	pending map[uuid.UUID]int
	wg      sync.WaitGroup

	events *broadcaster

	settleMu sync.Mutex
	settles  []*settleQueue
}

// execution is one scheduled run of a job record.
type execution struct {
	id      uuid.UUID
	ownerID uuid.UUID

	// wake is cancelled by Cancel and Shutdown to release a queued execution.
	wake     context.Context
	stopWait context.CancelFunc

	cancelRequested atomic.Bool
	active          atomic.Bool
	done            chan struct{}

	counts counts
}

// counts are the progress counters of the current attempt.
type counts struct {
	progress, expected, docs, attachments, attachmentErrors, newDocs int
}

func (c counts) patch() models.JobPatch {
	return models.JobPatch{
		Progress:           models.Ptr(c.progress),
		ExpectedTotal:      models.Ptr(c.expected),
		DocumentsFetched:   models.Ptr(c.docs),
		AttachmentsFetched: models.Ptr(c.attachments),
		AttachmentErrors:   models.Ptr(c.attachmentErrors),
		NewDocuments:       models.Ptr(c.newDocs),
	}
}

// NewCoordinator creates a Coordinator. Sources are called with at most
// opts.Concurrency executions in flight.
func NewCoordinator(st Store, src source.Source, certs source.CertificateProvider, opts Options) *Coordinator {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	hardCtx, hardCancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:      st,
		src:        src,
		certs:      certs,
		sem:        semaphore.NewWeighted(int64(opts.Concurrency)),
		logger:     opts.Logger.With("component", "batch"),
		now:        opts.Now,
		pageSize:   opts.PageSize,
		hardCtx:    hardCtx,
		hardCancel: hardCancel,
		execs:      make(map[uuid.UUID]*execution),
		pending:    make(map[uuid.UUID]int),
		events:     newBroadcaster(),
	}
}

// Subscribe returns a channel of coordinator events. Call Unsubscribe to release it.
func (c *Coordinator) Subscribe() <-chan Event {
	return c.events.subscribe()
}

// SubscribeSettled returns a channel receiving every owner_settled event.
// Unlike Subscribe it never drops an event; undelivered events queue until
// read. The channel is closed by Unsubscribe or Shutdown.
func (c *Coordinator) SubscribeSettled() <-chan Event {
	q := newSettleQueue()
	c.settleMu.Lock()
	c.settles = append(c.settles, q)
	c.settleMu.Unlock()
	return q.out
}

// Unsubscribe stops delivery to ch and closes it.
func (c *Coordinator) Unsubscribe(ch <-chan Event) {
	c.settleMu.Lock()
	for i, q := range c.settles {
		if (<-chan Event)(q.out) == ch {
			c.settles = append(c.settles[:i], c.settles[i+1:]...)
			c.settleMu.Unlock()
			q.close()
			return
		}
	}
	c.settleMu.Unlock()

	c.events.mu.RLock()
	var match chan Event
	for sub := range c.events.subs {
		if (<-chan Event)(sub) == ch {
			match = sub
			break
		}
	}
	c.events.mu.RUnlock()
	if match != nil {
		c.events.unsubscribe(match)
	}
}

// Start creates one queued record per company and schedules them.
func (c *Coordinator) Start(ctx context.Context, req StartRequest) ([]*models.JobRecord, error) {
	if c.stopping.Load() {
		return nil, ErrShuttingDown
	}
	if len(req.CompanyIDs) == 0 {
		return nil, ErrNoCompanies
	}
	mode := req.Mode
	if mode == "" {
		mode = models.ModeIncremental
	}
	if err := period.Validate(mode, req.Window); err != nil {
		return nil, err
	}
	kind := req.Kind
	if kind == "" {
		kind = models.JobKindManual
	}

	now := c.now()
	seen := make(map[uuid.UUID]bool, len(req.CompanyIDs))
	records := make([]*models.JobRecord, 0, len(req.CompanyIDs))
	for _, companyID := range req.CompanyIDs {
		if seen[companyID] {
			continue
		}
		seen[companyID] = true

		company, err := c.store.GetCompany(ctx, companyID)
		if errors.Is(err, store.ErrNotFound) || (err == nil && company.OwnerID != req.OwnerID) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownCompany, companyID)
		}
		if err != nil {
			return nil, fmt.Errorf("get company %s: %w", companyID, err)
		}

		clientID := company.ID
		records = append(records, &models.JobRecord{
			ID:        uuid.New(),
			OwnerID:   req.OwnerID,
			ClientID:  &clientID,
			Kind:      kind,
			Mode:      mode,
			Window:    req.Window.Clone(),
			Status:    models.JobStatusQueued,
			Step:      "queued",
			CreatedAt: now,
			UpdatedAt: now,
		})
	}

	if err := c.store.CreateJobRecords(ctx, records); err != nil {
		return nil, fmt.Errorf("create job records: %w", err)
	}

	c.logger.Info("batch started",
		"owner_id", req.OwnerID, "jobs", len(records), "kind", kind, "mode", mode)

	// Reserve every record before launching any so the owner cannot settle
	// halfway through the batch.
	execs := make([]*execution, 0, len(records))
	for _, r := range records {
		if exec, ok := c.reserve(r.ID, r.OwnerID); ok {
			execs = append(execs, exec)
		}
		c.publish(r)
	}
	for _, exec := range execs {
		c.launch(exec)
	}
	return records, nil
}

// Resume moves a failed or cancelled record to resuming and schedules it.
// The record's mode and window are reused unchanged. Resuming a record that
// is already scheduled is a no-op.
func (c *Coordinator) Resume(ctx context.Context, id uuid.UUID) error {
	if c.stopping.Load() {
		return ErrShuttingDown
	}
	rec, err := c.store.GetJobRecord(ctx, id)
	if err != nil {
		return err
	}
	if rec.IsActive() {
		return nil
	}
	if !rec.IsResumable() {
		return fmt.Errorf("%w: %s is %s", ErrNotRetryable, id, rec.Status)
	}

	exec, ok := c.reserve(rec.ID, rec.OwnerID)
	if !ok {
		return nil
	}

	updated, err := c.store.PatchJobRecord(ctx, id, models.JobPatch{
		Status:             models.Ptr(models.JobStatusResuming),
		Step:               models.Ptr("resuming"),
		Progress:           models.Ptr(0),
		ExpectedTotal:      models.Ptr(0),
		DocumentsFetched:   models.Ptr(0),
		AttachmentsFetched: models.Ptr(0),
		AttachmentErrors:   models.Ptr(0),
		NewDocuments:       models.Ptr(0),
		CertificateExpired: models.Ptr(false),
		ErrorMessage:       models.Ptr(""),
		FailureKind:        models.Ptr(""),
		ClearFinishedAt:    true,
	})
	if err != nil {
		c.release(exec)
		if errors.Is(err, store.ErrInvalidTransition) {
			return nil
		}
		return fmt.Errorf("mark resuming: %w", err)
	}

	res := period.ExtractWindow(updated)
	c.logger.Info("resuming job",
		"job_id", id, "owner_id", updated.OwnerID, "windowed", res.IsWindowed, "attempts", updated.Attempts)

	c.publish(updated)
	c.launch(exec)
	return nil
}

// Cancel requests cooperative cancellation. A running execution stops at the
// next page boundary with its partial counts kept. Cancelling a terminal
// record is a no-op and returns false.
func (c *Coordinator) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	rec, err := c.store.GetJobRecord(ctx, id)
	if err != nil {
		return false, err
	}
	if rec.IsTerminal() {
		return false, nil
	}

	c.mu.Lock()
	exec := c.execs[id]
	c.mu.Unlock()
	if exec != nil {
		exec.cancelRequested.Store(true)
		if !exec.active.Load() {
			exec.stopWait()
		}
		return true, nil
	}

	// Active in storage but not scheduled here: left behind by a dead process.
	now := c.now()
	updated, err := c.store.PatchJobRecord(ctx, id, models.JobPatch{
		Status:     models.Ptr(models.JobStatusCancelled),
		Step:       models.Ptr("cancelled"),
		FinishedAt: &now,
	})
	if errors.Is(err, store.ErrInvalidTransition) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("cancel job record: %w", err)
	}
	c.publish(updated)
	return true, nil
}

// CancelAll cancels every queued, running or resuming record of the owner and
// returns how many were cancelled.
func (c *Coordinator) CancelAll(ctx context.Context, ownerID uuid.UUID) (int, error) {
	records, err := c.store.ListJobRecords(ctx, store.JobFilter{OwnerID: ownerID, Statuses: models.ActiveStatuses})
	if err != nil {
		return 0, err
	}
	n := 0
	for _, r := range records {
		ok, err := c.Cancel(ctx, r.ID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return n, err
		}
		if ok {
			n++
		}
	}
	c.logger.Info("cancel all", "owner_id", ownerID, "cancelled", n)
	return n, nil
}

// RetryTargets lists the owner's records eligible for automatic or bulk retry.
func (c *Coordinator) RetryTargets(ctx context.Context, ownerID uuid.UUID) ([]*models.JobRecord, error) {
	records, err := c.store.ListJobRecords(ctx, store.JobFilter{
		OwnerID:  ownerID,
		Statuses: []models.JobStatus{models.JobStatusFailed, models.JobStatusCancelled},
	})
	if err != nil {
		return nil, err
	}
	out := records[:0]
	for _, r := range records {
		if r.IsAutoRetryTarget() {
			out = append(out, r)
		}
	}
	return out, nil
}

// RetryAll resumes every retry target of the owner. Certificate-expired
// failures are left alone. Returns the resumed ids.
func (c *Coordinator) RetryAll(ctx context.Context, ownerID uuid.UUID) ([]uuid.UUID, error) {
	targets, err := c.RetryTargets(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(targets))
	for _, r := range targets {
		if err := c.Resume(ctx, r.ID); err != nil {
			if errors.Is(err, ErrNotRetryable) {
				continue
			}
			return ids, err
		}
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// RecoverOrphans marks records left active by a previous process as failed
// and resumes them. At most 1000 records are recovered per call.
func (c *Coordinator) RecoverOrphans(ctx context.Context) (int, error) {
	records, err := c.store.ListJobRecords(ctx, store.JobFilter{
		Statuses: models.ActiveStatuses,
		Limit:    MaxOrphansToRecover,
	})
	if err != nil {
		return 0, fmt.Errorf("list orphaned records: %w", err)
	}

	recovered := 0
	for _, r := range records {
		if c.isScheduled(r.ID) {
			continue
		}
		now := c.now()
		_, err := c.store.PatchJobRecord(ctx, r.ID, models.JobPatch{
			Status:       models.Ptr(models.JobStatusFailed),
			Step:         models.Ptr("interrupted"),
			ErrorMessage: models.Ptr(interruptedMessage),
			FailureKind:  models.Ptr(string(failure.KindTransient)),
			FinishedAt:   &now,
		})
		if err != nil {
			c.logger.Warn("orphan recovery: mark failed", "job_id", r.ID, "error", err)
			continue
		}
		if err := c.Resume(ctx, r.ID); err != nil {
			c.logger.Warn("orphan recovery: resume", "job_id", r.ID, "error", err)
			continue
		}
		recovered++
	}
	if recovered > 0 {
		c.logger.Info("recovered orphaned jobs", "count", recovered)
	}
	return recovered, nil
}

// Wait blocks until the record's current execution settles or ctx ends.
// It returns immediately when nothing is scheduled for id.
func (c *Coordinator) Wait(ctx context.Context, id uuid.UUID) error {
	c.mu.Lock()
	exec := c.execs[id]
	c.mu.Unlock()
	if exec == nil {
		return nil
	}
	select {
	case <-exec.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitOwner blocks until the owner has no scheduled executions or ctx ends.
func (c *Coordinator) WaitOwner(ctx context.Context, ownerID uuid.UUID) error {
	for {
		c.mu.Lock()
		var next *execution
		for _, e := range c.execs {
			if e.ownerID == ownerID {
				next = e
				break
			}
		}
		c.mu.Unlock()
		if next == nil {
			return nil
		}
		select {
		case <-next.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ActiveIDs returns the ids of the owner's records holding a worker slot.
func (c *Coordinator) ActiveIDs(ownerID uuid.UUID) []uuid.UUID {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []uuid.UUID
	for id, e := range c.execs {
		if e.ownerID == ownerID && e.active.Load() {
			ids = append(ids, id)
		}
	}
	return ids
}

// Busy reports whether the owner has scheduled executions.
func (c *Coordinator) Busy(ownerID uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pending[ownerID] > 0
}

// Shutdown stops executions at their next page boundary without changing
// their status, so the next process recovers them. If ctx ends first,
// in-flight fetches are aborted.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.stopping.Store(true)
	c.settleMu.Lock()
	for _, q := range c.settles {
		q.close()
	}
	c.settles = nil
	c.settleMu.Unlock()
	c.mu.Lock()
	for _, e := range c.execs {
		e.stopWait()
	}
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.hardCancel()
		return nil
	case <-ctx.Done():
		c.hardCancel()
		<-done
		return ctx.Err()
	}
}

func (c *Coordinator) isScheduled(id uuid.UUID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.execs[id]
	return ok
}

// reserve registers an execution for id unless one already exists.
func (c *Coordinator) reserve(id, ownerID uuid.UUID) (*execution, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.execs[id]; ok {
		return nil, false
	}
	wake, stop := context.WithCancel(context.Background())
	e := &execution{id: id, ownerID: ownerID, wake: wake, stopWait: stop, done: make(chan struct{})}
	c.execs[id] = e
	c.pending[ownerID]++
	c.wg.Add(1)
	return e, true
}

// release undoes a reservation that never launched.
func (c *Coordinator) release(e *execution) {
	c.finish(e)
}

func (c *Coordinator) launch(e *execution) {
	go c.run(e)
}

// finish removes e from the active set and announces the owner as settled
// when it was the owner's last execution.
func (c *Coordinator) finish(e *execution) {
	c.mu.Lock()
	delete(c.execs, e.id)
	c.pending[e.ownerID]--
	settled := c.pending[e.ownerID] <= 0
	if settled {
		delete(c.pending, e.ownerID)
	}
	c.mu.Unlock()

	// Stamp before waking waiters so the event orders before anything they do next.
	at := c.now()
	e.stopWait()
	close(e.done)
	c.wg.Done()

	if settled && !c.stopping.Load() {
		ev := Event{Type: EventOwnerSettled, OwnerID: e.ownerID, At: at}
		c.settleMu.Lock()
		for _, q := range c.settles {
			q.push(ev)
		}
		c.settleMu.Unlock()
		c.events.publish(ev)
	}
}

func (c *Coordinator) publish(r *models.JobRecord) {
	c.events.publish(Event{Type: EventRecordUpdated, OwnerID: r.OwnerID, Record: r.Clone(), At: c.now()})
}
