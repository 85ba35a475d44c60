package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/docbatch/internal/failure"
	"github.com/kiranshivaraju/docbatch/internal/period"
	"github.com/kiranshivaraju/docbatch/internal/source"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// persistTimeout bounds final writes made after the worker stopped fetching.
const persistTimeout = 10 * time.Second

// outcome is how an execution stopped.
type outcome int

const (
	outcomeCompleted outcome = iota
	outcomeFailed
	outcomeCancelled
	outcomeStopped
)

func (c *Coordinator) run(e *execution) {
	defer c.finish(e)

	if err := c.sem.Acquire(e.wake, 1); err != nil {
		if e.cancelRequested.Load() {
			c.finalize(e, outcomeCancelled, nil)
		}
		return
	}
	defer c.sem.Release(1)
	e.active.Store(true)
	defer e.active.Store(false)

	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("job execution panicked", "job_id", e.id, "panic", r)
			c.finalize(e, outcomeFailed, fmt.Errorf("internal error: %v", r))
		}
	}()

	out, err := c.execute(e)
	c.finalize(e, out, err)
}

// execute fetches every page of the record's documents. It returns how the
// execution ended; counts are kept on e for finalize.
func (c *Coordinator) execute(e *execution) (outcome, error) {
	ctx := c.hardCtx

	rec, err := c.store.GetJobRecord(ctx, e.id)
	if err != nil {
		return outcomeFailed, fmt.Errorf("load job record: %w", err)
	}
	if rec.ClientID == nil {
		return outcomeFailed, errors.New("job record has no client company")
	}
	company, err := c.store.GetCompany(ctx, *rec.ClientID)
	if err != nil {
		return outcomeFailed, fmt.Errorf("load company: %w", err)
	}

	if out, ok := c.boundary(e); !ok {
		return out, nil
	}

	c.patch(ctx, e, models.JobPatch{Step: models.Ptr("checking certificate")})
	status, err := c.certs.Status(ctx, company.ID, company.CertificateRef)
	if err != nil {
		return outcomeFailed, fmt.Errorf("certificate check: %w", err)
	}
	switch status {
	case source.CertificateExpired:
		return outcomeFailed, failure.ErrCertificateExpired
	case source.CertificateMissing:
		return outcomeFailed, failure.ErrCertificateMissing
	}

	now := c.now()
	if _, err := c.patch(ctx, e, models.JobPatch{
		Status:            models.Ptr(models.JobStatusRunning),
		Step:              models.Ptr("fetching page 1"),
		StartedAt:         &now,
		ClearFinishedAt:   true,
		ErrorMessage:      models.Ptr(""),
		FailureKind:       models.Ptr(""),
		IncrementAttempts: true,
	}); err != nil {
		return outcomeFailed, fmt.Errorf("mark running: %w", err)
	}

	res := period.ExtractWindow(rec)
	c.logger.Debug("fetching documents",
		"job_id", e.id, "client_id", company.ID, "mode", rec.Mode, "windowed", res.IsWindowed)

	cursor := ""
	for page := 1; ; page++ {
		if out, ok := c.boundary(e); !ok {
			return out, nil
		}

		req := source.FetchRequest{
			OwnerID:        rec.OwnerID,
			ClientID:       company.ID,
			CertificateRef: company.CertificateRef,
			Mode:           rec.Mode,
			Cursor:         cursor,
			PageSize:       c.pageSize,
		}
		if res.IsWindowed {
			w := res.Window.Clone()
			req.Window = &w
		}

		p, err := c.src.Fetch(ctx, req)
		if err != nil {
			if c.stopping.Load() && errors.Is(err, context.Canceled) {
				return outcomeStopped, nil
			}
			return outcomeFailed, err
		}

		inserted, err := c.store.SaveDocuments(ctx, p.Documents)
		if err != nil {
			return outcomeFailed, fmt.Errorf("save documents: %w", err)
		}

		e.counts.docs += len(p.Documents)
		e.counts.newDocs += inserted
		e.counts.attachments += p.AttachmentsFetched
		e.counts.attachmentErrors += p.AttachmentErrors
		e.counts.progress = e.counts.docs
		e.counts.expected = max(p.ExpectedTotal, e.counts.docs)

		if p.NextCursor == "" {
			return outcomeCompleted, nil
		}
		cursor = p.NextCursor

		cp := e.counts.patch()
		cp.Step = models.Ptr(fmt.Sprintf("fetching page %d", page+1))
		c.patch(ctx, e, cp)
	}
}

// boundary checks for cancellation and shutdown between units of work.
func (c *Coordinator) boundary(e *execution) (outcome, bool) {
	if e.cancelRequested.Load() {
		return outcomeCancelled, false
	}
	if c.stopping.Load() {
		return outcomeStopped, false
	}
	return 0, true
}

// finalize persists the outcome together with the partial counts in one patch.
func (c *Coordinator) finalize(e *execution, out outcome, err error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(c.hardCtx), persistTimeout)
	defer cancel()

	p := e.counts.patch()
	now := c.now()

	switch out {
	case outcomeCompleted:
		p.Status = models.Ptr(models.JobStatusCompleted)
		p.Step = models.Ptr("done")
		if e.counts.docs == 0 && e.counts.expected == 0 {
			p.Step = models.Ptr("no documents")
		}
		p.FinishedAt = &now
	case outcomeCancelled:
		p.Status = models.Ptr(models.JobStatusCancelled)
		p.Step = models.Ptr("cancelled")
		p.FinishedAt = &now
	case outcomeFailed:
		kind := failure.Classify(err)
		p.Status = models.Ptr(models.JobStatusFailed)
		p.Step = models.Ptr("failed")
		p.ErrorMessage = models.Ptr(failure.Describe(err))
		p.FailureKind = models.Ptr(string(kind))
		p.CertificateExpired = models.Ptr(kind == failure.KindCertificateExpired)
		p.FinishedAt = &now
		c.logger.Warn("job failed", "job_id", e.id, "kind", kind, "error", err)
	case outcomeStopped:
		p.Step = models.Ptr("interrupted")
	}

	if _, perr := c.patch(ctx, e, p); perr != nil {
		c.logger.Error("persist job outcome", "job_id", e.id, "error", perr)
	}
}

// patch writes p and publishes the result. Errors are logged and returned.
func (c *Coordinator) patch(ctx context.Context, e *execution, p models.JobPatch) (*models.JobRecord, error) {
	updated, err := c.store.PatchJobRecord(ctx, e.id, p)
	if err != nil {
		c.logger.Warn("patch job record", "job_id", e.id, "error", err)
		return nil, err
	}
	c.publish(updated)
	return updated, nil
}
