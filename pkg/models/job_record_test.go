package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobRecord_Percent(t *testing.T) {
	tests := []struct {
		name string
		rec  JobRecord
		want int
	}{
		{"half", JobRecord{Status: JobStatusRunning, Progress: 5, ExpectedTotal: 10}, 50},
		{"rounds", JobRecord{Status: JobStatusRunning, Progress: 2, ExpectedTotal: 3}, 67},
		{"capped", JobRecord{Status: JobStatusRunning, Progress: 12, ExpectedTotal: 10}, 100},
		{"completed without total", JobRecord{Status: JobStatusCompleted}, 100},
		{"running without total", JobRecord{Status: JobStatusRunning, Progress: 4}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rec.Percent())
		})
	}
}

func TestCanTransition(t *testing.T) {
	assert.True(t, CanTransition(JobStatusQueued, JobStatusRunning))
	assert.True(t, CanTransition(JobStatusRunning, JobStatusCancelled))
	assert.True(t, CanTransition(JobStatusFailed, JobStatusResuming))
	assert.True(t, CanTransition(JobStatusCancelled, JobStatusResuming))
	assert.True(t, CanTransition(JobStatusResuming, JobStatusRunning))
	assert.True(t, CanTransition(JobStatusRunning, JobStatusRunning))

	assert.False(t, CanTransition(JobStatusCompleted, JobStatusResuming))
	assert.False(t, CanTransition(JobStatusCompleted, JobStatusRunning))
	assert.False(t, CanTransition(JobStatusFailed, JobStatusRunning))
	assert.False(t, CanTransition(JobStatusQueued, JobStatusCompleted))
}

func TestJobRecord_IsAutoRetryTarget(t *testing.T) {
	assert.True(t, (&JobRecord{Status: JobStatusFailed}).IsAutoRetryTarget())
	assert.True(t, (&JobRecord{Status: JobStatusCancelled}).IsAutoRetryTarget())
	assert.False(t, (&JobRecord{Status: JobStatusFailed, CertificateExpired: true}).IsAutoRetryTarget())
	assert.False(t, (&JobRecord{Status: JobStatusCompleted}).IsAutoRetryTarget())
	assert.False(t, (&JobRecord{Status: JobStatusRunning}).IsAutoRetryTarget())
}

func TestJobRecord_HasNoDocuments(t *testing.T) {
	assert.True(t, (&JobRecord{Status: JobStatusCompleted}).HasNoDocuments())
	assert.False(t, (&JobRecord{Status: JobStatusCompleted, DocumentsFetched: 3, ExpectedTotal: 3}).HasNoDocuments())
	assert.False(t, (&JobRecord{Status: JobStatusFailed}).HasNoDocuments())
}

func TestJobRecord_CloneIsDeep(t *testing.T) {
	r := &JobRecord{
		Mode:         ModeFixedRange,
		Window:       Window{StartCompetence: Ptr("2024-01"), EndCompetence: Ptr("2024-03")},
		ErrorMessage: Ptr("boom"),
	}
	c := r.Clone()
	*c.Window.StartCompetence = "1999-01"
	*c.ErrorMessage = "changed"

	assert.Equal(t, "2024-01", *r.Window.StartCompetence)
	assert.Equal(t, "boom", *r.ErrorMessage)
}

func TestJobPatch_ApplyNeverTouchesWindow(t *testing.T) {
	window := Window{StartDate: Ptr("2024-02-01"), EndDate: Ptr("2024-02-29")}
	r := &JobRecord{Mode: ModeFixedRange, Window: window.Clone(), Status: JobStatusQueued}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	patches := []JobPatch{
		{Status: Ptr(JobStatusRunning), StartedAt: &now, IncrementAttempts: true},
		{Progress: Ptr(10), ExpectedTotal: Ptr(40), Step: Ptr("fetching page 1")},
		{DocumentsFetched: Ptr(20), NewDocuments: Ptr(20)},
		{ErrorMessage: Ptr("timeout"), Status: Ptr(JobStatusFailed), FinishedAt: &now},
		{Status: Ptr(JobStatusResuming), ErrorMessage: Ptr(""), ClearFinishedAt: true},
	}
	for _, p := range patches {
		p.Apply(r, now)
		assert.Equal(t, ModeFixedRange, r.Mode)
		assert.True(t, window.Equal(r.Window))
	}

	assert.Equal(t, JobStatusResuming, r.Status)
	assert.Nil(t, r.ErrorMessage)
	assert.Nil(t, r.FinishedAt)
	assert.Equal(t, 1, r.Attempts)
	assert.Equal(t, 20, r.DocumentsFetched)
	assert.Equal(t, now, r.UpdatedAt)
}

func TestJobPatch_IsEmpty(t *testing.T) {
	assert.True(t, JobPatch{}.IsEmpty())
	assert.False(t, JobPatch{IncrementAttempts: true}.IsEmpty())
	assert.False(t, JobPatch{Step: Ptr("x")}.IsEmpty())
}

func TestDocumentFilter_Matches(t *testing.T) {
	doc := Document{Type: DocumentTypeWaybill, Competence: "2024-05", IssueDate: "2024-05-10"}

	require.True(t, DocumentFilter{}.Matches(doc))
	assert.True(t, DocumentFilter{Types: []string{DocumentTypeWaybill}}.Matches(doc))
	assert.False(t, DocumentFilter{Types: []string{DocumentTypeServiceInvoice}}.Matches(doc))
	assert.True(t, DocumentFilter{StartCompetence: "2024-05", EndCompetence: "2024-05"}.Matches(doc))
	assert.False(t, DocumentFilter{StartCompetence: "2024-06"}.Matches(doc))
	assert.False(t, DocumentFilter{EndDate: "2024-05-09"}.Matches(doc))
}
