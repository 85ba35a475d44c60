package resume

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/docbatch/internal/batch"
)

// Registry holds one Controller per owner.
type Registry struct {
	coord   Coordinator
	records RecordReader
	policy  Policy
	logger  *slog.Logger
	sleep   SleepFunc
	now     func() time.Time

	mu          sync.Mutex
	controllers map[uuid.UUID]*Controller
}

// Option customizes a Registry.
type Option func(*Registry)

// WithSleep replaces the delay function, mainly for tests.
func WithSleep(fn SleepFunc) Option {
	return func(r *Registry) { r.sleep = fn }
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(r *Registry) { r.now = now }
}

// NewRegistry creates a Registry whose new controllers start with policy.
func NewRegistry(coord Coordinator, records RecordReader, policy Policy, logger *slog.Logger, opts ...Option) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		coord:       coord,
		records:     records,
		policy:      policy,
		logger:      logger.With("component", "auto_resume"),
		sleep:       sleepCtx,
		now:         func() time.Time { return time.Now().UTC() },
		controllers: make(map[uuid.UUID]*Controller),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Controller returns the owner's controller, creating it on first use.
func (r *Registry) Controller(ownerID uuid.UUID) *Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.controllers[ownerID]
	if !ok {
		c = newController(ownerID, r.coord, r.records, r.policy, r.logger, r.sleep, r.now)
		r.controllers[ownerID] = c
	}
	return c
}

func (r *Registry) Status(ownerID uuid.UUID) Status {
	return r.Controller(ownerID).Status()
}

func (r *Registry) SetPolicy(ownerID uuid.UUID, p Policy) error {
	return r.Controller(ownerID).SetPolicy(p)
}

func (r *Registry) Arm(ownerID uuid.UUID) {
	r.Controller(ownerID).Arm()
}

// Stop stops and disarms the owner's controller.
func (r *Registry) Stop(ownerID uuid.UUID) {
	r.mu.Lock()
	c := r.controllers[ownerID]
	r.mu.Unlock()
	if c != nil {
		c.Stop()
	}
}

// Run feeds owner_settled events to the controllers until ctx ends or events
// is closed. events should come from Coordinator.SubscribeSettled. Each
// notification runs on its own goroutine so one owner's store read does not
// hold up another's.
func (r *Registry) Run(ctx context.Context, events <-chan batch.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if e.Type != batch.EventOwnerSettled {
				continue
			}
			go r.notify(ctx, e)
		}
	}
}

func (r *Registry) notify(ctx context.Context, e batch.Event) {
	if r.Controller(e.OwnerID).Notify(ctx, e.At) {
		r.logger.Info("auto-resume started", "owner_id", e.OwnerID)
	}
}

// Shutdown stops every controller.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	all := make([]*Controller, 0, len(r.controllers))
	for _, c := range r.controllers {
		all = append(all, c)
	}
	r.mu.Unlock()
	for _, c := range all {
		c.Stop()
	}
}
