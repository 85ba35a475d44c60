package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	mw "github.com/kiranshivaraju/docbatch/internal/api/middleware"
	"github.com/kiranshivaraju/docbatch/internal/api/response"
)

// Dependencies holds all handler and middleware dependencies for the router.
type Dependencies struct {
	Auth      *mw.Auth
	RateLimit *mw.RateLimit

	HealthHandler http.HandlerFunc

	StartBatch   http.HandlerFunc
	BatchSummary http.HandlerFunc
	BatchEvents  http.HandlerFunc

	ListJobs     http.HandlerFunc
	GetJob       http.HandlerFunc
	CancelJob    http.HandlerFunc
	CancelAll    http.HandlerFunc
	RetryJob     http.HandlerFunc
	RetryFailed  http.HandlerFunc
	ClearHistory http.HandlerFunc

	AutoResumeStatus http.HandlerFunc
	SetAutoResume    http.HandlerFunc

	StartArchive    http.HandlerFunc
	ArchiveStatus   http.HandlerFunc
	CancelArchive   http.HandlerFunc
	DownloadArchive http.HandlerFunc

	CreateCompany http.HandlerFunc
	ListCompanies http.HandlerFunc

	CreateKeyHandler http.HandlerFunc
	ListKeysHandler  http.HandlerFunc
	RevokeKeyHandler http.HandlerFunc
}

// NewRouter builds the Chi router with middleware stack and all routes.
func NewRouter(deps Dependencies) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(mw.Logger)
	r.Use(mw.Recovery)

	r.Get("/api/v1/health", orNotImplemented(deps.HealthHandler))

	r.Group(func(r chi.Router) {
		r.Use(deps.Auth.Authenticate)

		// Long-lived stream, not counted against the request rate.
		r.Get("/api/v1/batches/events", orNotImplemented(deps.BatchEvents))

		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimit.Limit)

			r.Post("/api/v1/batches", orNotImplemented(deps.StartBatch))
			r.Get("/api/v1/batches/summary", orNotImplemented(deps.BatchSummary))

			r.Get("/api/v1/jobs", orNotImplemented(deps.ListJobs))
			r.Delete("/api/v1/jobs", orNotImplemented(deps.ClearHistory))
			r.Post("/api/v1/jobs/cancel-all", orNotImplemented(deps.CancelAll))
			r.Post("/api/v1/jobs/retry-failed", orNotImplemented(deps.RetryFailed))
			r.Get("/api/v1/jobs/{jobID}", orNotImplemented(deps.GetJob))
			r.Post("/api/v1/jobs/{jobID}/cancel", orNotImplemented(deps.CancelJob))
			r.Post("/api/v1/jobs/{jobID}/retry", orNotImplemented(deps.RetryJob))

			r.Get("/api/v1/auto-resume", orNotImplemented(deps.AutoResumeStatus))
			r.Put("/api/v1/auto-resume/policy", orNotImplemented(deps.SetAutoResume))

			r.Post("/api/v1/archives", orNotImplemented(deps.StartArchive))
			r.Get("/api/v1/archives/{jobID}", orNotImplemented(deps.ArchiveStatus))
			r.Post("/api/v1/archives/{jobID}/cancel", orNotImplemented(deps.CancelArchive))
			r.Get("/api/v1/archives/{jobID}/download", orNotImplemented(deps.DownloadArchive))

			r.Get("/api/v1/companies", orNotImplemented(deps.ListCompanies))
			r.Post("/api/v1/companies", orNotImplemented(deps.CreateCompany))

			// Admin routes
			r.Group(func(r chi.Router) {
				r.Use(deps.Auth.RequireScope("admin"))

				r.Post("/api/v1/admin/keys", orNotImplemented(deps.CreateKeyHandler))
				r.Get("/api/v1/admin/keys", orNotImplemented(deps.ListKeysHandler))
				r.Delete("/api/v1/admin/keys/{keyID}", orNotImplemented(deps.RevokeKeyHandler))
			})
		})
	})

	return r
}

// orNotImplemented returns the handler if non-nil, or a 501 placeholder.
func orNotImplemented(h http.HandlerFunc) http.HandlerFunc {
	if h != nil {
		return h
	}
	return func(w http.ResponseWriter, r *http.Request) {
		response.Error(w, http.StatusNotImplemented, "NOT_IMPLEMENTED", "Endpoint not yet implemented", nil)
	}
}
