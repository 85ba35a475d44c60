// Package summary computes the dashboard view of an owner's fetch jobs.
// Compute has no side effects and is cheap enough to run on every refresh.
package summary

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/docbatch/internal/failure"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

// Summary aggregates one owner's job records.
type Summary struct {
	OwnerID uuid.UUID `json:"owner_id"`
	Total   int       `json:"total"`

	Queued    int `json:"queued"`
	Running   int `json:"running"`
	Resuming  int `json:"resuming"`
	Completed int `json:"completed"`
	// Failed excludes certificate-expired failures, which are counted apart.
	Failed             int `json:"failed"`
	CertificateExpired int `json:"certificate_expired"`
	Cancelled          int `json:"cancelled"`

	CompletedWithDocuments    int `json:"completed_with_documents"`
	CompletedWithoutDocuments int `json:"completed_without_documents"`
	StillToProcess            int `json:"still_to_process"`
	RetryTargets              int `json:"retry_targets"`

	DocumentsFetched   int `json:"documents_fetched"`
	NewDocuments       int `json:"new_documents"`
	AttachmentsFetched int `json:"attachments_fetched"`
	AttachmentErrors   int `json:"attachment_errors"`

	SuccessPercent int           `json:"success_percent"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
	Elapsed        time.Duration `json:"-"`
	ElapsedSeconds int64         `json:"elapsed_seconds"`

	Failures   []failure.Group `json:"failures"`
	ComputedAt time.Time       `json:"computed_at"`
}

// Compute summarizes the owner's records. Records of other owners are
// skipped. A record that storage still reports as queued but whose id is in
// activeIDs is counted as running.
func Compute(ownerID uuid.UUID, records []*models.JobRecord, activeIDs []uuid.UUID, now time.Time) Summary {
	active := make(map[uuid.UUID]bool, len(activeIDs))
	for _, id := range activeIDs {
		active[id] = true
	}

	s := Summary{OwnerID: ownerID, ComputedAt: now}
	var occ []failure.Occurrence
	var start, end time.Time

	for _, r := range records {
		if r == nil || r.OwnerID != ownerID {
			continue
		}
		s.Total++

		switch r.Status {
		case models.JobStatusQueued:
			if active[r.ID] {
				s.Running++
			} else {
				s.Queued++
			}
		case models.JobStatusRunning:
			s.Running++
		case models.JobStatusResuming:
			s.Resuming++
		case models.JobStatusCompleted:
			s.Completed++
			if r.HasNoDocuments() {
				s.CompletedWithoutDocuments++
			} else {
				s.CompletedWithDocuments++
			}
		case models.JobStatusFailed:
			if r.CertificateExpired {
				s.CertificateExpired++
			} else {
				s.Failed++
			}
		case models.JobStatusCancelled:
			s.Cancelled++
		}
		if r.IsAutoRetryTarget() {
			s.RetryTargets++
		}

		s.DocumentsFetched += r.DocumentsFetched
		s.NewDocuments += r.NewDocuments
		s.AttachmentsFetched += r.AttachmentsFetched
		s.AttachmentErrors += r.AttachmentErrors

		if r.Status == models.JobStatusFailed && r.ErrorMessage != nil {
			at := r.UpdatedAt
			if r.FinishedAt != nil {
				at = *r.FinishedAt
			}
			occ = append(occ, failure.Occurrence{JobID: r.ID, Message: *r.ErrorMessage, At: at})
		}

		if start.IsZero() || r.CreatedAt.Before(start) {
			start = r.CreatedAt
		}
		if r.FinishedAt != nil && r.FinishedAt.After(end) {
			end = *r.FinishedAt
		}
	}

	s.StillToProcess = s.Queued + s.Running + s.Resuming
	if s.Total > 0 {
		s.SuccessPercent = int(math.Round(float64(s.Completed) / float64(s.Total) * 100))
	}

	if !start.IsZero() {
		s.StartedAt = &start
		stop := now
		if s.StillToProcess == 0 && !end.IsZero() {
			stop = end
			s.FinishedAt = &end
		}
		if stop.After(start) {
			s.Elapsed = stop.Sub(start)
		}
		s.ElapsedSeconds = int64(s.Elapsed / time.Second)
	}

	s.Failures = failure.GroupMessages(occ)
	return s
}

// LatestBatchStart returns when the owner's most recent batch was created.
// Records of one batch share their creation time. Zero when there are none.
func LatestBatchStart(records []*models.JobRecord) time.Time {
	var latest time.Time
	for _, r := range records {
		if r != nil && r.CreatedAt.After(latest) {
			latest = r.CreatedAt
		}
	}
	return latest
}

// Since keeps the records updated at or after since, plus every record still
// queued, running or resuming. Older settled records are left out.
func Since(records []*models.JobRecord, since time.Time) []*models.JobRecord {
	out := make([]*models.JobRecord, 0, len(records))
	for _, r := range records {
		if r == nil {
			continue
		}
		if r.IsActive() || !r.UpdatedAt.Before(since) {
			out = append(out, r)
		}
	}
	return out
}
