package resume

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/docbatch/internal/batch"
	"github.com/kiranshivaraju/docbatch/internal/period"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// Phase is the state of a controller.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseWaiting   Phase = "waiting"
	PhaseResuming  Phase = "resuming"
	PhaseCompleted Phase = "completed"
)

// Status is a snapshot of a controller.
type Status struct {
	OwnerID       uuid.UUID   `json:"owner_id"`
	Phase         Phase       `json:"phase"`
	Round         int         `json:"round"`
	MaxRounds     int         `json:"max_rounds"`
	Unbounded     bool        `json:"unbounded"`
	ResumedCount  int         `json:"resumed_count"`
	FailedCount   int         `json:"failed_count"`
	PendingCount  int         `json:"pending_count"`
	ActiveJobIDs  []uuid.UUID `json:"active_job_ids"`
	NextAttemptAt *time.Time  `json:"next_attempt_at,omitempty"`
	UpdatedAt     time.Time   `json:"updated_at"`
}

// Coordinator is the part of batch.Coordinator the controller drives.
type Coordinator interface {
	RetryTargets(ctx context.Context, ownerID uuid.UUID) ([]*models.JobRecord, error)
	Resume(ctx context.Context, id uuid.UUID) error
	Wait(ctx context.Context, id uuid.UUID) error
	ActiveIDs(ownerID uuid.UUID) []uuid.UUID
}

// RecordReader reads job records after an execution settles.
type RecordReader interface {
	GetJobRecord(ctx context.Context, id uuid.UUID) (*models.JobRecord, error)
}

// SleepFunc waits d or until ctx ends.
type SleepFunc func(ctx context.Context, d time.Duration) error

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Controller runs auto-resume rounds for one owner. At most one loop runs at a time.
type Controller struct {
	ownerID uuid.UUID
	coord   Coordinator
	records RecordReader
	logger  *slog.Logger
	sleep   SleepFunc
	now     func() time.Time

	mu       sync.Mutex
	policy   Policy
	status   Status
	armed    bool
	running  bool
	cancel   context.CancelFunc
	done     chan struct{}
	lastDone time.Time
}

func newController(ownerID uuid.UUID, coord Coordinator, records RecordReader, policy Policy,
	logger *slog.Logger, sleep SleepFunc, now func() time.Time) *Controller {
	c := &Controller{
		ownerID: ownerID,
		coord:   coord,
		records: records,
		logger:  logger.With("owner_id", ownerID),
		sleep:   sleep,
		now:     now,
		policy:  policy,
		armed:   true,
	}
	c.status = Status{OwnerID: ownerID, Phase: PhaseIdle, UpdatedAt: now()}
	c.applyPolicyLocked()
	return c
}

// Status returns a snapshot. ActiveJobIDs is read live from the coordinator.
func (c *Controller) Status() Status {
	c.mu.Lock()
	s := c.status
	if s.NextAttemptAt != nil {
		t := *s.NextAttemptAt
		s.NextAttemptAt = &t
	}
	c.mu.Unlock()
	s.ActiveJobIDs = c.coord.ActiveIDs(c.ownerID)
	if s.ActiveJobIDs == nil {
		s.ActiveJobIDs = []uuid.UUID{}
	}
	return s
}

// Policy returns the controller's policy.
func (c *Controller) Policy() Policy {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.policy
}

// SetPolicy replaces the policy. A running loop picks it up at its next round.
func (c *Controller) SetPolicy(p Policy) error {
	if err := p.Validate(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.policy = p
	c.applyPolicyLocked()
	return nil
}

func (c *Controller) applyPolicyLocked() {
	c.status.MaxRounds = c.policy.Ceiling()
	c.status.Unbounded = c.policy.Unbounded
	c.status.UpdatedAt = c.now()
}

// Arm lets the next settle notification start a loop. Starting or retrying
// jobs arms the controller; Stop disarms it.
func (c *Controller) Arm() {
	c.mu.Lock()
	c.armed = true
	c.mu.Unlock()
}

// Notify reports that the owner's executions settled at time at. It starts a
// loop when the controller is armed, not already looping and at least one
// retry target exists. Settles caused by the controller's own rounds are
// ignored. Returns whether a loop was started.
func (c *Controller) Notify(ctx context.Context, at time.Time) bool {
	c.mu.Lock()
	if !c.armed || c.running || !at.After(c.lastDone) {
		c.mu.Unlock()
		return false
	}
	c.running = true
	c.mu.Unlock()

	targets, err := c.coord.RetryTargets(ctx, c.ownerID)
	if err != nil || len(targets) == 0 {
		if err != nil {
			c.logger.Warn("auto-resume: list retry targets", "error", err)
		}
		c.mu.Lock()
		c.running = false
		c.mu.Unlock()
		return false
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	c.mu.Lock()
	if !c.armed {
		c.running = false
		c.mu.Unlock()
		cancel()
		return false
	}
	c.cancel = cancel
	c.done = done
	c.status.Round = 0
	c.status.ResumedCount = 0
	c.status.FailedCount = len(targets)
	c.status.PendingCount = 0
	c.mu.Unlock()

	go func() {
		defer close(done)
		defer cancel()
		c.loop(loopCtx)
	}()
	return true
}

// Stop ends a running loop, leaves the controller idle and disarms it.
// Executions already resumed keep running.
func (c *Controller) Stop() {
	c.mu.Lock()
	c.armed = false
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}
}

// Wait blocks until the current loop, if any, returns.
func (c *Controller) Wait(ctx context.Context) error {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) loop(ctx context.Context) {
	final := PhaseCompleted
	defer func() {
		c.mu.Lock()
		c.status.Phase = final
		c.status.NextAttemptAt = nil
		c.status.PendingCount = 0
		c.status.UpdatedAt = c.now()
		c.running = false
		c.cancel = nil
		c.lastDone = c.now()
		c.mu.Unlock()
	}()

	if err := c.wait(ctx, c.Policy().GraceDelay); err != nil {
		final = PhaseIdle
		return
	}

	for round := 1; ; round++ {
		policy := c.Policy()
		if round > policy.Ceiling() {
			return
		}

		targets, err := c.coord.RetryTargets(ctx, c.ownerID)
		if err != nil {
			if ctx.Err() != nil {
				final = PhaseIdle
				return
			}
			c.logger.Error("auto-resume: list retry targets", "round", round, "error", err)
			return
		}
		if len(targets) == 0 {
			c.setFailed(0)
			return
		}

		resumed, failed, err := c.runRound(ctx, round, targets)
		c.mu.Lock()
		c.status.ResumedCount += resumed
		c.status.FailedCount = failed
		c.status.UpdatedAt = c.now()
		c.mu.Unlock()
		if err != nil {
			if ctx.Err() != nil {
				final = PhaseIdle
				return
			}
			c.logger.Error("auto-resume round aborted", "round", round, "error", err)
			return
		}

		c.logger.Info("auto-resume round finished",
			"round", round, "ceiling", policy.Ceiling(), "resumed", resumed, "failed", failed)

		if failed == 0 || round >= c.Policy().Ceiling() {
			return
		}
		if err := c.wait(ctx, c.Policy().RoundDelay); err != nil {
			final = PhaseIdle
			return
		}
	}
}

// wait enters the waiting phase for d.
func (c *Controller) wait(ctx context.Context, d time.Duration) error {
	next := c.now().Add(d)
	c.mu.Lock()
	c.status.Phase = PhaseWaiting
	c.status.NextAttemptAt = &next
	c.status.UpdatedAt = c.now()
	c.mu.Unlock()
	return c.sleep(ctx, d)
}

// runRound resumes every target concurrently and waits for each to settle.
// It returns how many were resumed and how many are still failed or cancelled.
func (c *Controller) runRound(ctx context.Context, round int, targets []*models.JobRecord) (int, int, error) {
	c.mu.Lock()
	c.status.Phase = PhaseResuming
	c.status.Round = round
	c.status.PendingCount = len(targets)
	c.status.NextAttemptAt = nil
	c.status.UpdatedAt = c.now()
	c.mu.Unlock()

	var resumed, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	for _, t := range targets {
		res := period.ExtractWindow(t)
		c.logger.Info("auto-resume: resuming job",
			"round", round, "job_id", t.ID, "mode", t.Mode, "windowed", res.IsWindowed)

		g.Go(func() error {
			defer c.settleOne()
			if err := c.coord.Resume(gctx, t.ID); err != nil {
				if errors.Is(err, batch.ErrNotRetryable) {
					return nil
				}
				return err
			}
			resumed.Add(1)
			if err := c.coord.Wait(gctx, t.ID); err != nil {
				return err
			}
			rec, err := c.records.GetJobRecord(gctx, t.ID)
			if err != nil {
				return err
			}
			if rec.IsAutoRetryTarget() {
				failed.Add(1)
			}
			return nil
		})
	}
	err := g.Wait()
	return int(resumed.Load()), int(failed.Load()), err
}

func (c *Controller) settleOne() {
	c.mu.Lock()
	if c.status.PendingCount > 0 {
		c.status.PendingCount--
	}
	c.status.UpdatedAt = c.now()
	c.mu.Unlock()
}

func (c *Controller) setFailed(n int) {
	c.mu.Lock()
	c.status.FailedCount = n
	c.mu.Unlock()
}
