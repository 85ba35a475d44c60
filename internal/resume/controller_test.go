package resume_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/kiranshivaraju/docbatch/internal/batch"
	"github.com/kiranshivaraju/docbatch/internal/resume"
	"github.com/kiranshivaraju/docbatch/internal/source"
	"github.com/kiranshivaraju/docbatch/internal/source/mock"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

var _ = Describe("Controller", func() {
	var (
		ctx      context.Context
		cancel   context.CancelFunc
		st       *store.MemoryStore
		src      *mock.Source
		certs    *mock.Certificates
		coord    *batch.Coordinator
		registry *resume.Registry
		ownerID  uuid.UUID
		logger   *slog.Logger
		events   <-chan batch.Event
	)

	newCompany := func(name string) uuid.UUID {
		c := &models.Company{ID: uuid.New(), OwnerID: ownerID, Name: name, TaxID: "tax-" + name, CertificateRef: "cert-" + name}
		Expect(st.CreateCompany(ctx, c)).To(Succeed())
		return c.ID
	}

	startRegistry := func(policy resume.Policy, opts ...resume.Option) {
		registry = resume.NewRegistry(coord, st, policy, logger, opts...)
		events = coord.SubscribeSettled()
		go registry.Run(ctx, events)
	}

	phase := func() resume.Phase { return registry.Status(ownerID).Phase }

	BeforeEach(func() {
		ctx, cancel = context.WithCancel(context.Background())
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
		st = store.NewMemoryStore()
		owner, err := st.GetDefaultOwner(ctx)
		Expect(err).NotTo(HaveOccurred())
		ownerID = owner.ID

		src = &mock.Source{FetchFunc: mock.Paged(3, 10)}
		certs = &mock.Certificates{}
		coord = batch.NewCoordinator(st, src, certs, batch.Options{Concurrency: 4, PageSize: 10, Logger: logger})
	})

	AfterEach(func() {
		if registry != nil {
			registry.Shutdown()
		}
		cancel()
		shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
		defer done()
		Expect(coord.Shutdown(shutdownCtx)).To(Succeed())
		if events != nil {
			coord.Unsubscribe(events)
		}
		registry, events = nil, nil
	})

	Describe("a fixed-range job that keeps failing", func() {
		It("retries it every round with the window it was created with", func() {
			// Given: a company whose document source always times out
			companyID := newCompany("acme")
			src.FetchFunc = func(context.Context, source.FetchRequest) (*source.Page, error) {
				return nil, errors.New("dial tcp: i/o timeout")
			}
			window := models.Window{StartCompetence: models.Ptr("2024-01"), EndCompetence: models.Ptr("2024-06")}
			startRegistry(resume.Policy{MaxRounds: 5}, resume.WithSleep(noSleep))

			// When: a fixed-range batch is started
			records, err := coord.Start(ctx, batch.StartRequest{
				OwnerID: ownerID, CompanyIDs: []uuid.UUID{companyID},
				Mode: models.ModeFixedRange, Window: window,
			})
			Expect(err).NotTo(HaveOccurred())

			// Then: five rounds run and the controller completes
			Eventually(phase, 10*time.Second, 10*time.Millisecond).Should(Equal(resume.PhaseCompleted))
			status := registry.Status(ownerID)
			Expect(status.Round).To(Equal(5))
			Expect(status.MaxRounds).To(Equal(5))
			Expect(status.ResumedCount).To(Equal(5))
			Expect(status.FailedCount).To(Equal(1))
			Expect(status.PendingCount).To(BeZero())
			Expect(status.ActiveJobIDs).To(BeEmpty())

			// And: every fetch carried the original window
			calls := src.CallsFor(companyID)
			Expect(calls).To(HaveLen(6))
			for _, c := range calls {
				Expect(c.Mode).To(Equal(models.ModeFixedRange))
				Expect(c.Window).NotTo(BeNil())
				Expect(c.Window.Equal(window)).To(BeTrue())
			}

			rec, err := st.GetJobRecord(ctx, records[0].ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Status).To(Equal(models.JobStatusFailed))
			Expect(rec.Attempts).To(Equal(6))
			Expect(rec.Window.Equal(window)).To(BeTrue())

			// And: the controller's own last settle does not start another loop
			Consistently(func() int { return len(src.CallsFor(companyID)) }, 200*time.Millisecond, 20*time.Millisecond).Should(Equal(6))
		})
	})

	Describe("a transient failure that clears up", func() {
		It("stops after the round in which everything succeeds", func() {
			companyID := newCompany("globex")
			var failures atomic.Int32
			failures.Store(2)
			paged := mock.Paged(4, 10)
			src.FetchFunc = func(ctx context.Context, req source.FetchRequest) (*source.Page, error) {
				if failures.Add(-1) >= 0 {
					return nil, fmt.Errorf("read tcp: connection reset by peer")
				}
				return paged(ctx, req)
			}
			startRegistry(resume.Policy{MaxRounds: 5}, resume.WithSleep(noSleep))

			records, err := coord.Start(ctx, batch.StartRequest{OwnerID: ownerID, CompanyIDs: []uuid.UUID{companyID}})
			Expect(err).NotTo(HaveOccurred())

			Eventually(phase, 10*time.Second, 10*time.Millisecond).Should(Equal(resume.PhaseCompleted))
			status := registry.Status(ownerID)
			Expect(status.Round).To(Equal(2))
			Expect(status.FailedCount).To(BeZero())
			Expect(status.ResumedCount).To(Equal(2))

			rec, err := st.GetJobRecord(ctx, records[0].ID)
			Expect(err).NotTo(HaveOccurred())
			Expect(rec.Status).To(Equal(models.JobStatusCompleted))
			Expect(rec.DocumentsFetched).To(Equal(4))
			for _, c := range src.CallsFor(companyID) {
				Expect(c.Window).To(BeNil())
			}
		})
	})

	Describe("certificate-expired failures", func() {
		It("never starts a loop", func() {
			companyID := newCompany("initech")
			certs.Set(companyID, source.CertificateExpired)
			startRegistry(resume.Policy{MaxRounds: 3}, resume.WithSleep(noSleep))

			_, err := coord.Start(ctx, batch.StartRequest{OwnerID: ownerID, CompanyIDs: []uuid.UUID{companyID}})
			Expect(err).NotTo(HaveOccurred())
			Expect(coord.WaitOwner(ctx, ownerID)).To(Succeed())

			Consistently(phase, 200*time.Millisecond, 20*time.Millisecond).Should(Equal(resume.PhaseIdle))
			Expect(src.Calls()).To(BeEmpty())
		})
	})

	Describe("stopping", func() {
		It("returns to idle while waiting and ignores later settles until armed", func() {
			companyID := newCompany("umbrella")
			src.FetchFunc = func(context.Context, source.FetchRequest) (*source.Page, error) {
				return nil, errors.New("503 service unavailable")
			}
			startRegistry(resume.Policy{MaxRounds: 3, GraceDelay: time.Hour})

			records, err := coord.Start(ctx, batch.StartRequest{OwnerID: ownerID, CompanyIDs: []uuid.UUID{companyID}})
			Expect(err).NotTo(HaveOccurred())

			Eventually(phase, 5*time.Second, 10*time.Millisecond).Should(Equal(resume.PhaseWaiting))
			Expect(registry.Status(ownerID).NextAttemptAt).NotTo(BeNil())

			registry.Stop(ownerID)
			Expect(phase()).To(Equal(resume.PhaseIdle))

			// A manual retry settles again, but the controller stays disarmed.
			Expect(coord.Resume(ctx, records[0].ID)).To(Succeed())
			Expect(coord.WaitOwner(ctx, ownerID)).To(Succeed())
			Consistently(phase, 200*time.Millisecond, 20*time.Millisecond).Should(Equal(resume.PhaseIdle))

			registry.Arm(ownerID)
			Expect(coord.Resume(ctx, records[0].ID)).To(Succeed())
			Eventually(phase, 5*time.Second, 10*time.Millisecond).Should(Equal(resume.PhaseWaiting))
		})
	})

	Describe("several owners settling at once", func() {
		It("resumes a large batch while another owner's target read is slow", func() {
			src.FetchFunc = func(context.Context, source.FetchRequest) (*source.Page, error) {
				return nil, errors.New("HTTP 429 too many requests")
			}
			slowOwner := &models.Owner{ID: uuid.New(), Name: "Slow & Co"}
			Expect(st.CreateOwner(ctx, slowOwner)).To(Succeed())
			slowCompany := &models.Company{ID: uuid.New(), OwnerID: slowOwner.ID, Name: "stuck", CertificateRef: "cert-stuck"}
			Expect(st.CreateCompany(ctx, slowCompany)).To(Succeed())

			slow := &slowTargets{Coordinator: coord, ownerID: slowOwner.ID, entered: make(chan struct{}), release: make(chan struct{})}
			defer close(slow.release)
			registry = resume.NewRegistry(slow, st, resume.Policy{MaxRounds: 1}, logger, resume.WithSleep(noSleep))
			events = coord.SubscribeSettled()
			go registry.Run(ctx, events)

			// Given: the first owner's retry-target read hangs
			_, err := coord.Start(ctx, batch.StartRequest{OwnerID: slowOwner.ID, CompanyIDs: []uuid.UUID{slowCompany.ID}})
			Expect(err).NotTo(HaveOccurred())
			Eventually(slow.entered, 5*time.Second).Should(BeClosed())

			// When: a second owner runs a batch large enough to flood the record stream
			ids := make([]uuid.UUID, 200)
			for i := range ids {
				ids[i] = newCompany(fmt.Sprintf("client-%03d", i))
			}
			_, err = coord.Start(ctx, batch.StartRequest{OwnerID: ownerID, CompanyIDs: ids})
			Expect(err).NotTo(HaveOccurred())

			// Then: its failures are still resumed
			Eventually(phase, 10*time.Second, 10*time.Millisecond).Should(Equal(resume.PhaseCompleted))
			status := registry.Status(ownerID)
			Expect(status.Round).To(Equal(1))
			Expect(status.ResumedCount).To(Equal(200))
			Expect(registry.Status(slowOwner.ID).Phase).To(Equal(resume.PhaseIdle))
		})
	})

	Describe("policy changes", func() {
		It("reports the new ceiling", func() {
			startRegistry(resume.DefaultPolicy())
			Expect(registry.Status(ownerID).MaxRounds).To(Equal(3))

			Expect(registry.SetPolicy(ownerID, resume.Policy{MaxRounds: 4, Unbounded: true})).To(Succeed())
			status := registry.Status(ownerID)
			Expect(status.Unbounded).To(BeTrue())
			Expect(status.MaxRounds).To(Equal(resume.UnboundedRounds))

			Expect(registry.SetPolicy(ownerID, resume.Policy{MaxRounds: 42})).To(MatchError(resume.ErrInvalidPolicy))
		})
	})
})

// slowTargets blocks RetryTargets for one owner until release is closed.
type slowTargets struct {
	*batch.Coordinator
	ownerID uuid.UUID
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *slowTargets) RetryTargets(ctx context.Context, ownerID uuid.UUID) ([]*models.JobRecord, error) {
	if ownerID == s.ownerID {
		s.once.Do(func() { close(s.entered) })
		select {
		case <-s.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return s.Coordinator.RetryTargets(ctx, ownerID)
}
