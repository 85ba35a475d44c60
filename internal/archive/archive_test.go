package archive_test

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/docbatch/internal/archive"
	"github.com/kiranshivaraju/docbatch/internal/cache"
	"github.com/kiranshivaraju/docbatch/internal/poll"
	"github.com/kiranshivaraju/docbatch/internal/store"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// slowStore delays document reads so progress can be observed.
type slowStore struct {
	*store.MemoryStore
	delay   time.Duration
	listErr func(clientID uuid.UUID) error
	// gate, when set, holds every read until it is closed.
	gate chan struct{}
}

func (s *slowStore) ListDocuments(ctx context.Context, f models.DocumentFilter) ([]models.Document, error) {
	time.Sleep(s.delay)
	if s.gate != nil {
		<-s.gate
	}
	if s.listErr != nil {
		if err := s.listErr(f.ClientID); err != nil {
			return nil, err
		}
	}
	return s.MemoryStore.ListDocuments(ctx, f)
}

type fixture struct {
	st      *slowStore
	cache   *cache.MemoryCache
	engine  *archive.Engine
	dir     string
	ownerID uuid.UUID

	maxRunning int
}

func newFixture(t *testing.T, delay time.Duration) *fixture {
	t.Helper()
	mem := store.NewMemoryStore()
	owner, err := mem.GetDefaultOwner(context.Background())
	require.NoError(t, err)

	f := &fixture{
		st:      &slowStore{MemoryStore: mem, delay: delay},
		cache:   cache.NewMemoryCache(),
		dir:     t.TempDir(),
		ownerID: owner.ID,
	}
	f.engine = f.newEngine(t)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = f.engine.Shutdown(ctx)
	})
	return f
}

func (f *fixture) newEngine(t *testing.T) *archive.Engine {
	t.Helper()
	e, err := archive.NewEngine(f.st, archive.Options{
		SyncThreshold: 10,
		MaxRunning:    f.maxRunning,
		Dir:           f.dir,
		Cache:         f.cache,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	require.NoError(t, err)
	return e
}

// companies creates n companies with docsEach documents apiece.
func (f *fixture) companies(t *testing.T, n, docsEach int) []uuid.UUID {
	t.Helper()
	ctx := context.Background()
	ids := make([]uuid.UUID, n)
	for i := range ids {
		c := &models.Company{ID: uuid.New(), OwnerID: f.ownerID, Name: fmt.Sprintf("Company %02d", i), TaxID: fmt.Sprintf("%014d", i)}
		require.NoError(t, f.st.CreateCompany(ctx, c))
		ids[i] = c.ID

		docs := make([]models.Document, docsEach)
		for j := range docs {
			docs[j] = models.Document{
				ID:         uuid.New(),
				OwnerID:    f.ownerID,
				ClientID:   c.ID,
				Type:       models.DocumentTypeServiceInvoice,
				AccessKey:  fmt.Sprintf("%s-%03d", c.ID, j),
				Competence: "2024-02",
				IssueDate:  "2024-02-10",
				Payload:    []byte("<nfse/>"),
				Attachment: []byte("%PDF"),
				FetchedAt:  time.Now().UTC(),
			}
		}
		if docsEach > 0 {
			_, err := f.st.SaveDocuments(ctx, docs)
			require.NoError(t, err)
		}
	}
	return ids
}

func (f *fixture) waitTerminal(t *testing.T, id uuid.UUID, seen func(*models.ArchiveJob)) *models.ArchiveJob {
	t.Helper()
	job, err := poll.Until(context.Background(), poll.Options{Interval: 2 * time.Millisecond, Timeout: 10 * time.Second},
		func(ctx context.Context) (*models.ArchiveJob, error) {
			j, err := f.engine.Status(ctx, f.ownerID, id)
			if err == nil && seen != nil {
				seen(j)
			}
			return j, err
		},
		func(j *models.ArchiveJob) bool { return j.IsTerminal() })
	require.NoError(t, err)
	return job
}

// waitBuilding waits until the job holds a build slot and has started on
// its first company.
func (f *fixture) waitBuilding(t *testing.T, id uuid.UUID) {
	t.Helper()
	require.Eventually(t, func() bool {
		j, err := f.engine.Status(context.Background(), f.ownerID, id)
		return err == nil && j.CurrentCompany != ""
	}, 5*time.Second, 2*time.Millisecond)
}

func zipNames(t *testing.T, data []byte) []string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	return names
}

func TestStart_RejectsEmptyAndForeign(t *testing.T) {
	f := newFixture(t, 0)
	_, err := f.engine.Start(context.Background(), archive.Request{OwnerID: f.ownerID})
	assert.ErrorIs(t, err, archive.ErrNoCompanies)

	_, err = f.engine.Start(context.Background(), archive.Request{OwnerID: f.ownerID, ClientIDs: []uuid.UUID{uuid.New()}})
	assert.ErrorIs(t, err, archive.ErrUnknownCompany)

	ids := f.companies(t, 1, 1)
	_, err = f.engine.Start(context.Background(), archive.Request{OwnerID: uuid.New(), ClientIDs: ids})
	assert.ErrorIs(t, err, archive.ErrUnknownCompany)
}

func TestStart_SmallRequestIsSync(t *testing.T) {
	f := newFixture(t, 0)
	ids := f.companies(t, 2, 3)

	res, err := f.engine.Start(context.Background(), archive.Request{OwnerID: f.ownerID, ClientIDs: ids, IncludeAttachments: true})
	require.NoError(t, err)
	assert.True(t, res.Sync)
	assert.Nil(t, res.Job)
	assert.Equal(t, 6, res.DocumentCount)
	assert.Contains(t, res.FileName, ".zip")

	names := zipNames(t, res.Data)
	assert.Len(t, names, 12, "xml and pdf per document")
	assert.Contains(t, names[0], "Company_0")
}

func TestStart_SyncFiltersByWindow(t *testing.T) {
	f := newFixture(t, 0)
	ids := f.companies(t, 1, 2)

	res, err := f.engine.Start(context.Background(), archive.Request{
		OwnerID: f.ownerID, ClientIDs: ids,
		Window: models.Window{StartCompetence: models.Ptr("2024-03")},
	})
	require.NoError(t, err)
	assert.True(t, res.Sync)
	assert.Zero(t, res.DocumentCount)
	assert.Nil(t, res.Data)
}

func TestStart_LargeRequestRunsAsJob(t *testing.T) {
	f := newFixture(t, 3*time.Millisecond)
	ids := f.companies(t, 12, 2)
	empty := f.companies(t, 1, 0)
	ids = append(ids, empty...)

	res, err := f.engine.Start(context.Background(), archive.Request{OwnerID: f.ownerID, ClientIDs: ids})
	require.NoError(t, err)
	require.False(t, res.Sync)
	require.NotNil(t, res.Job)
	assert.Equal(t, models.ArchiveStatusRunning, res.Job.Status)
	assert.Equal(t, 13, res.Job.TotalCompanies)

	last := 0
	job := f.waitTerminal(t, res.Job.ID, func(j *models.ArchiveJob) {
		assert.GreaterOrEqual(t, j.ProcessedCompanies, last, "progress never goes backwards")
		last = j.ProcessedCompanies
	})

	assert.Equal(t, models.ArchiveStatusCompleted, job.Status)
	assert.Equal(t, 13, job.ProcessedCompanies)
	assert.Equal(t, 12, job.CompaniesWithDocuments)
	assert.Equal(t, 1, job.CompaniesWithoutDocuments)
	assert.Equal(t, 24, job.DocumentCount)
	assert.Equal(t, archive.DownloadPath(job.ID), job.DownloadURL)
	assert.NotEmpty(t, job.FileName)
	assert.Empty(t, job.CurrentCompany)

	rc, opened, err := f.engine.Open(context.Background(), f.ownerID, job.ID)
	require.NoError(t, err)
	defer rc.Close()
	assert.Equal(t, job.FileName, opened.FileName)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Len(t, zipNames(t, data), 24)

	tmp, err := filepath.Glob(filepath.Join(f.dir, "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, tmp)
}

func TestStart_AsyncWithoutDocuments(t *testing.T) {
	f := newFixture(t, 0)
	ids := f.companies(t, 11, 0)

	res, err := f.engine.Start(context.Background(), archive.Request{OwnerID: f.ownerID, ClientIDs: ids})
	require.NoError(t, err)
	job := f.waitTerminal(t, res.Job.ID, nil)

	assert.Equal(t, models.ArchiveStatusCompleted, job.Status)
	assert.Empty(t, job.DownloadURL)
	assert.Equal(t, archive.NoDocumentsMessage, job.Message)

	_, _, err = f.engine.Open(context.Background(), f.ownerID, job.ID)
	assert.ErrorIs(t, err, archive.ErrNotReady)
}

func TestStart_AsyncCompanyErrorsAreIsolated(t *testing.T) {
	f := newFixture(t, 0)
	ids := f.companies(t, 11, 1)
	broken := ids[4]
	f.st.listErr = func(id uuid.UUID) error {
		if id == broken {
			return errors.New("disk read error")
		}
		return nil
	}

	res, err := f.engine.Start(context.Background(), archive.Request{OwnerID: f.ownerID, ClientIDs: ids})
	require.NoError(t, err)
	job := f.waitTerminal(t, res.Job.ID, nil)

	assert.Equal(t, models.ArchiveStatusCompleted, job.Status)
	assert.Equal(t, 1, job.ErrorCount)
	assert.Equal(t, 10, job.DocumentCount)
}

func TestStart_AsyncAllCompaniesFail(t *testing.T) {
	f := newFixture(t, 0)
	ids := f.companies(t, 11, 1)
	f.st.listErr = func(uuid.UUID) error { return errors.New("disk read error") }

	res, err := f.engine.Start(context.Background(), archive.Request{OwnerID: f.ownerID, ClientIDs: ids})
	require.NoError(t, err)
	job := f.waitTerminal(t, res.Job.ID, nil)

	assert.Equal(t, models.ArchiveStatusFailed, job.Status)
	assert.NotEmpty(t, job.Message)
}

func TestCancel_StopsBetweenCompanies(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	ids := f.companies(t, 12, 1)

	res, err := f.engine.Start(context.Background(), archive.Request{OwnerID: f.ownerID, ClientIDs: ids})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		j, err := f.engine.Status(context.Background(), f.ownerID, res.Job.ID)
		return err == nil && j.ProcessedCompanies >= 2
	}, 5*time.Second, 2*time.Millisecond)

	_, err = f.engine.Cancel(context.Background(), f.ownerID, res.Job.ID)
	require.NoError(t, err)
	job := f.waitTerminal(t, res.Job.ID, nil)

	assert.Equal(t, models.ArchiveStatusCancelled, job.Status)
	assert.Less(t, job.ProcessedCompanies, 12)
	assert.Equal(t, fmt.Sprintf("cancelled after %d of 12 companies", job.ProcessedCompanies), job.Message)
	assert.Empty(t, job.DownloadURL)

	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries, "partial archive removed")

	again, err := f.engine.Cancel(context.Background(), f.ownerID, res.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ArchiveStatusCancelled, again.Status)
}

func TestCancel_JobWaitingForBuildSlot(t *testing.T) {
	f := newFixture(t, 0)
	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	f.st.gate = gate
	f.maxRunning = 1
	f.engine = f.newEngine(t)
	ids := f.companies(t, 11, 1)
	ctx := context.Background()

	// The first job takes the only slot and blocks reading documents.
	first, err := f.engine.Start(ctx, archive.Request{OwnerID: f.ownerID, ClientIDs: ids})
	require.NoError(t, err)
	f.waitBuilding(t, first.Job.ID)
	queued, err := f.engine.Start(ctx, archive.Request{OwnerID: f.ownerID, ClientIDs: ids})
	require.NoError(t, err)

	_, err = f.engine.Cancel(ctx, f.ownerID, queued.Job.ID)
	require.NoError(t, err)
	job := f.waitTerminal(t, queued.Job.ID, nil)
	assert.Equal(t, models.ArchiveStatusCancelled, job.Status)
	assert.Equal(t, "cancelled after 0 of 11 companies", job.Message)
	assert.Zero(t, job.ProcessedCompanies)

	running, err := f.engine.Status(ctx, f.ownerID, first.Job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.ArchiveStatusRunning, running.Status)

	release()
	done := f.waitTerminal(t, first.Job.ID, nil)
	assert.Equal(t, models.ArchiveStatusCompleted, done.Status)
	assert.Equal(t, 11, done.DocumentCount)
}

func TestCancel_AfterLastCompanyKeepsArchive(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	ids := f.companies(t, 10, 1)
	empty := &models.Company{ID: uuid.New(), OwnerID: f.ownerID, Name: "Empty Co", TaxID: "99999999999999"}
	require.NoError(t, f.st.CreateCompany(ctx, empty))
	ids = append(ids, empty.ID)

	reached := make(chan struct{})
	proceed := make(chan struct{})
	f.st.listErr = func(clientID uuid.UUID) error {
		if clientID == empty.ID {
			close(reached)
			<-proceed
		}
		return nil
	}

	res, err := f.engine.Start(ctx, archive.Request{OwnerID: f.ownerID, ClientIDs: ids})
	require.NoError(t, err)
	select {
	case <-reached:
	case <-time.After(5 * time.Second):
		t.Fatal("last company never read")
	}

	// The last company has nothing left to write, so the cancel lands too late.
	_, err = f.engine.Cancel(ctx, f.ownerID, res.Job.ID)
	require.NoError(t, err)
	close(proceed)

	job := f.waitTerminal(t, res.Job.ID, nil)
	assert.Equal(t, models.ArchiveStatusCompleted, job.Status)
	assert.Equal(t, 11, job.ProcessedCompanies)
	assert.Equal(t, 10, job.DocumentCount)
	assert.Equal(t, archive.DownloadPath(res.Job.ID), job.DownloadURL)
}

func TestShutdown_ReleasesJobWaitingForSlot(t *testing.T) {
	f := newFixture(t, 0)
	gate := make(chan struct{})
	var once sync.Once
	release := func() { once.Do(func() { close(gate) }) }
	t.Cleanup(release)
	f.st.gate = gate
	f.maxRunning = 1
	f.engine = f.newEngine(t)
	ids := f.companies(t, 11, 1)
	ctx := context.Background()

	first, err := f.engine.Start(ctx, archive.Request{OwnerID: f.ownerID, ClientIDs: ids})
	require.NoError(t, err)
	f.waitBuilding(t, first.Job.ID)
	queued, err := f.engine.Start(ctx, archive.Request{OwnerID: f.ownerID, ClientIDs: ids})
	require.NoError(t, err)

	shutdownErr := make(chan error, 1)
	go func() {
		sctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		shutdownErr <- f.engine.Shutdown(sctx)
	}()

	job := f.waitTerminal(t, queued.Job.ID, nil)
	assert.Equal(t, models.ArchiveStatusCancelled, job.Status)

	release()
	require.NoError(t, <-shutdownErr)
}

func TestStatus_OwnerIsolationAndCacheMirror(t *testing.T) {
	f := newFixture(t, 0)
	ids := f.companies(t, 11, 1)

	res, err := f.engine.Start(context.Background(), archive.Request{OwnerID: f.ownerID, ClientIDs: ids})
	require.NoError(t, err)
	job := f.waitTerminal(t, res.Job.ID, nil)

	_, err = f.engine.Status(context.Background(), uuid.New(), job.ID)
	assert.ErrorIs(t, err, archive.ErrJobNotFound)
	_, err = f.engine.Status(context.Background(), f.ownerID, uuid.New())
	assert.ErrorIs(t, err, archive.ErrJobNotFound)

	// Another instance sharing the cache sees the same snapshot.
	other := f.newEngine(t)
	mirrored, err := other.Status(context.Background(), f.ownerID, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.Status, mirrored.Status)
	assert.Equal(t, job.ProcessedCompanies, mirrored.ProcessedCompanies)
}

func TestCleanup_EvictsFinishedJobs(t *testing.T) {
	f := newFixture(t, 0)
	ids := f.companies(t, 11, 1)

	res, err := f.engine.Start(context.Background(), archive.Request{OwnerID: f.ownerID, ClientIDs: ids})
	require.NoError(t, err)
	job := f.waitTerminal(t, res.Job.ID, nil)
	require.Equal(t, models.ArchiveStatusCompleted, job.Status)

	assert.Zero(t, f.engine.Cleanup(context.Background(), job.UpdatedAt.Add(-time.Second)))
	assert.Equal(t, 1, f.engine.Cleanup(context.Background(), job.UpdatedAt.Add(time.Second)))

	_, err = f.engine.Status(context.Background(), f.ownerID, job.ID)
	assert.ErrorIs(t, err, archive.ErrJobNotFound)
	entries, err := os.ReadDir(f.dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}
