package models

import (
	"math"
	"time"

	"github.com/google/uuid"
)

// JobKind tells whether a batch was started by a user or by the scheduler.
type JobKind string

const (
	JobKindManual    JobKind = "manual"
	JobKindScheduled JobKind = "scheduled"
)

// WindowMode selects how the document source is queried.
// Records created before modes existed carry an empty mode and are treated as incremental.
type WindowMode string

const (
	ModeIncremental WindowMode = "incremental"
	ModeFixedRange  WindowMode = "fixed_range"
)

// JobStatus is the lifecycle state of a JobRecord.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusResuming  JobStatus = "resuming"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// ActiveStatuses are the statuses of records that still hold or wait for a worker.
var ActiveStatuses = []JobStatus{JobStatusQueued, JobStatusRunning, JobStatusResuming}

var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:    {JobStatusRunning, JobStatusCancelled, JobStatusFailed},
	JobStatusRunning:   {JobStatusCompleted, JobStatusFailed, JobStatusCancelled},
	JobStatusResuming:  {JobStatusRunning, JobStatusCancelled, JobStatusFailed},
	JobStatusFailed:    {JobStatusResuming},
	JobStatusCancelled: {JobStatusResuming},
}

// CanTransition reports whether a record may move from one status to another.
// Setting the same status again is always allowed.
func CanTransition(from, to JobStatus) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Window is the query period of a fixed-range job. Competences use YYYY-MM,
// dates use YYYY-MM-DD. A nil field is absent.
type Window struct {
	StartCompetence *string `json:"start_competence,omitempty"`
	EndCompetence   *string `json:"end_competence,omitempty"`
	StartDate       *string `json:"start_date,omitempty"`
	EndDate         *string `json:"end_date,omitempty"`
}

// IsEmpty reports whether no field of the window carries a value.
func (w Window) IsEmpty() bool {
	return isBlank(w.StartCompetence) && isBlank(w.EndCompetence) &&
		isBlank(w.StartDate) && isBlank(w.EndDate)
}

// Clone returns a copy that shares no pointers with w.
func (w Window) Clone() Window {
	return Window{
		StartCompetence: cloneString(w.StartCompetence),
		EndCompetence:   cloneString(w.EndCompetence),
		StartDate:       cloneString(w.StartDate),
		EndDate:         cloneString(w.EndDate),
	}
}

// Equal compares windows by value.
func (w Window) Equal(o Window) bool {
	return eqString(w.StartCompetence, o.StartCompetence) &&
		eqString(w.EndCompetence, o.EndCompetence) &&
		eqString(w.StartDate, o.StartDate) &&
		eqString(w.EndDate, o.EndDate)
}

// JobRecord is the persistent unit of work: one fetch of one client company's
// documents. Mode and Window are fixed at creation and never patched.
type JobRecord struct {
	ID                 uuid.UUID  `db:"id"                  json:"id"`
	OwnerID            uuid.UUID  `db:"owner_id"            json:"owner_id"`
	ClientID           *uuid.UUID `db:"client_id"           json:"client_id,omitempty"`
	Kind               JobKind    `db:"kind"                json:"kind"`
	Mode               WindowMode `db:"mode"                json:"mode,omitempty"`
	Window             Window     `json:"window"`
	Status             JobStatus  `db:"status"              json:"status"`
	Step               string     `db:"step"                json:"step"`
	Progress           int        `db:"progress"            json:"progress"`
	ExpectedTotal      int        `db:"expected_total"      json:"expected_total"`
	DocumentsFetched   int        `db:"documents_fetched"   json:"documents_fetched"`
	AttachmentsFetched int        `db:"attachments_fetched" json:"attachments_fetched"`
	AttachmentErrors   int        `db:"attachment_errors"   json:"attachment_errors"`
	NewDocuments       int        `db:"new_documents"       json:"new_documents"`
	CertificateExpired bool       `db:"certificate_expired" json:"certificate_expired"`
	ErrorMessage       *string    `db:"error_message"       json:"error_message,omitempty"`
	FailureKind        string     `db:"failure_kind"        json:"failure_kind,omitempty"`
	Attempts           int        `db:"attempts"            json:"attempts"`
	StartedAt          *time.Time `db:"started_at"          json:"started_at,omitempty"`
	FinishedAt         *time.Time `db:"finished_at"         json:"finished_at,omitempty"`
	CreatedAt          time.Time  `db:"created_at"          json:"created_at"`
	UpdatedAt          time.Time  `db:"updated_at"          json:"updated_at"`
}

// Percent is the displayed completion percentage.
func (r *JobRecord) Percent() int {
	if r.ExpectedTotal > 0 {
		p := int(math.Round(float64(r.Progress) / float64(r.ExpectedTotal) * 100))
		if p > 100 {
			p = 100
		}
		return p
	}
	if r.Status == JobStatusCompleted {
		return 100
	}
	return 0
}

// IsTerminal reports whether the record is completed, failed or cancelled.
func (r *JobRecord) IsTerminal() bool {
	switch r.Status {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// IsActive reports whether the record is queued, running or resuming.
func (r *JobRecord) IsActive() bool {
	return !r.IsTerminal()
}

// HasNoDocuments reports a successful run that found nothing to download.
func (r *JobRecord) HasNoDocuments() bool {
	return r.Status == JobStatusCompleted && r.ExpectedTotal == 0 && r.DocumentsFetched == 0
}

// IsAutoRetryTarget reports whether automatic and bulk retry may pick the record up.
// Certificate-expired failures need a human to renew the certificate first.
func (r *JobRecord) IsAutoRetryTarget() bool {
	return (r.Status == JobStatusFailed || r.Status == JobStatusCancelled) && !r.CertificateExpired
}

// IsResumable reports whether a single explicit retry is allowed.
func (r *JobRecord) IsResumable() bool {
	return r.Status == JobStatusFailed || r.Status == JobStatusCancelled
}

// Clone returns a deep copy of the record.
func (r *JobRecord) Clone() *JobRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.ClientID != nil {
		id := *r.ClientID
		c.ClientID = &id
	}
	c.Window = r.Window.Clone()
	c.ErrorMessage = cloneString(r.ErrorMessage)
	c.StartedAt = cloneTime(r.StartedAt)
	c.FinishedAt = cloneTime(r.FinishedAt)
	return &c
}

func isBlank(s *string) bool { return s == nil || *s == "" }

func cloneString(s *string) *string {
	if s == nil {
		return nil
	}
	v := *s
	return &v
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func eqString(a, b *string) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
