// Package handler implements the HTTP endpoints of the document batch API.
package handler

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	mw "github.com/kiranshivaraju/docbatch/internal/api/middleware"
	"github.com/kiranshivaraju/docbatch/internal/api/response"
	"github.com/kiranshivaraju/docbatch/internal/archive"
	"github.com/kiranshivaraju/docbatch/internal/batch"
	"github.com/kiranshivaraju/docbatch/internal/period"
	"github.com/kiranshivaraju/docbatch/internal/resume"
	"github.com/kiranshivaraju/docbatch/internal/store"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 1 << 20

var validate = validator.New()

func ownerOrReject(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	ownerID, ok := mw.GetOwnerID(r)
	if !ok {
		response.Error(w, http.StatusUnauthorized, "INVALID_TOKEN", "Missing owner", nil)
	}
	return ownerID, ok
}

// decodeBody reads a JSON body into dst and runs struct validation.
// It writes the error response itself and reports whether to continue.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid JSON body", nil)
		return false
	}
	if err := validate.Struct(dst); err != nil {
		response.Error(w, http.StatusBadRequest, "VALIDATION_FAILED", extractValidationErrors(err), nil)
		return false
	}
	return true
}

func extractValidationErrors(err error) string {
	var ve validator.ValidationErrors
	if errors.As(err, &ve) && len(ve) > 0 {
		return fmt.Sprintf("validation error: %s - %s", ve[0].Field(), ve[0].Tag())
	}
	return "validation error: invalid request"
}

func uuidParam(w http.ResponseWriter, r *http.Request, name, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		response.Error(w, http.StatusBadRequest, code, "Invalid id format", nil)
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps domain errors to the error envelope.
func writeServiceError(w http.ResponseWriter, logger *slog.Logger, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound), errors.Is(err, archive.ErrJobNotFound):
		response.Error(w, http.StatusNotFound, "NOT_FOUND", "Resource not found", nil)
	case errors.Is(err, batch.ErrNoCompanies), errors.Is(err, archive.ErrNoCompanies):
		response.Fail(w, http.StatusBadRequest, "NO_COMPANIES", err)
	case errors.Is(err, batch.ErrUnknownCompany), errors.Is(err, archive.ErrUnknownCompany):
		response.Fail(w, http.StatusBadRequest, "UNKNOWN_COMPANY", err)
	case errors.Is(err, period.ErrUnknownMode), errors.Is(err, period.ErrMissingStart),
		errors.Is(err, period.ErrBadCompetence), errors.Is(err, period.ErrBadDate),
		errors.Is(err, period.ErrInvertedWindow), errors.Is(err, period.ErrUnexpectedSpan):
		response.Fail(w, http.StatusBadRequest, "INVALID_WINDOW", err)
	case errors.Is(err, resume.ErrInvalidPolicy):
		response.Fail(w, http.StatusBadRequest, "INVALID_POLICY", err)
	case errors.Is(err, batch.ErrNotRetryable):
		response.Fail(w, http.StatusConflict, "NOT_RETRYABLE", err)
	case errors.Is(err, archive.ErrNotReady):
		response.Error(w, http.StatusConflict, "ARCHIVE_NOT_READY", "Archive is not ready for download", nil)
	case errors.Is(err, store.ErrDuplicateKey):
		response.Error(w, http.StatusConflict, "DUPLICATE", "Resource already exists", nil)
	case errors.Is(err, batch.ErrShuttingDown):
		response.Error(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "Server is shutting down", nil)
	default:
		logger.Error("request failed", "error", err)
		response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "An unexpected error occurred", nil)
	}
}

func orDefault(logger *slog.Logger) *slog.Logger {
	if logger == nil {
		return slog.Default()
	}
	return logger
}
