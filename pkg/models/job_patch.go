package models

import "time"

// JobPatch is a partial update of a JobRecord. Only non-nil fields are applied.
// It has no mode or window fields, so a patch can never rewrite a record's query window.
type JobPatch struct {
	Status             *JobStatus
	Step               *string
	Progress           *int
	ExpectedTotal      *int
	DocumentsFetched   *int
	AttachmentsFetched *int
	AttachmentErrors   *int
	NewDocuments       *int
	CertificateExpired *bool
	// ErrorMessage set to "" clears the stored message.
	ErrorMessage      *string
	FailureKind       *string
	IncrementAttempts bool
	StartedAt         *time.Time
	FinishedAt        *time.Time
	ClearFinishedAt   bool
}

// IsEmpty reports whether the patch changes nothing.
func (p JobPatch) IsEmpty() bool {
	return p.Status == nil && p.Step == nil && p.Progress == nil && p.ExpectedTotal == nil &&
		p.DocumentsFetched == nil && p.AttachmentsFetched == nil && p.AttachmentErrors == nil &&
		p.NewDocuments == nil && p.CertificateExpired == nil && p.ErrorMessage == nil &&
		p.FailureKind == nil && !p.IncrementAttempts && p.StartedAt == nil &&
		p.FinishedAt == nil && !p.ClearFinishedAt
}

// Apply merges the patch into r and stamps UpdatedAt.
func (p JobPatch) Apply(r *JobRecord, now time.Time) {
	if p.Status != nil {
		r.Status = *p.Status
	}
	if p.Step != nil {
		r.Step = *p.Step
	}
	setInt(&r.Progress, p.Progress)
	setInt(&r.ExpectedTotal, p.ExpectedTotal)
	setInt(&r.DocumentsFetched, p.DocumentsFetched)
	setInt(&r.AttachmentsFetched, p.AttachmentsFetched)
	setInt(&r.AttachmentErrors, p.AttachmentErrors)
	setInt(&r.NewDocuments, p.NewDocuments)
	if p.CertificateExpired != nil {
		r.CertificateExpired = *p.CertificateExpired
	}
	if p.ErrorMessage != nil {
		if *p.ErrorMessage == "" {
			r.ErrorMessage = nil
		} else {
			r.ErrorMessage = cloneString(p.ErrorMessage)
		}
	}
	if p.FailureKind != nil {
		r.FailureKind = *p.FailureKind
	}
	if p.IncrementAttempts {
		r.Attempts++
	}
	if p.StartedAt != nil {
		r.StartedAt = cloneTime(p.StartedAt)
	}
	if p.ClearFinishedAt {
		r.FinishedAt = nil
	}
	if p.FinishedAt != nil {
		r.FinishedAt = cloneTime(p.FinishedAt)
	}
	r.UpdatedAt = now
}

// Ptr returns a pointer to v. Handy for building patches.
func Ptr[T any](v T) *T { return &v }

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}
