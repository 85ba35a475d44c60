package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/docbatch/internal/api/response"
	"github.com/kiranshivaraju/docbatch/internal/resume"
)

// AutoResumeService is the part of the orchestrator the auto-resume endpoints use.
type AutoResumeService interface {
	GetAutoResumeStatus(ctx context.Context, ownerID uuid.UUID) resume.Status
	GetAutoResumePolicy(ctx context.Context, ownerID uuid.UUID) resume.Policy
	SetAutoResumePolicy(ctx context.Context, ownerID uuid.UUID, p resume.Policy) (resume.Status, error)
}

type AutoResumeHandler struct {
	svc    AutoResumeService
	logger *slog.Logger
}

func NewAutoResumeHandler(svc AutoResumeService, logger *slog.Logger) *AutoResumeHandler {
	return &AutoResumeHandler{svc: svc, logger: orDefault(logger).With("component", "autoresume_handler")}
}

// duration accepts either a Go duration string ("30s") or a number of seconds.
type duration time.Duration

func (d *duration) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = duration(v)
		return nil
	}
	secs, err := strconv.ParseFloat(string(b), 64)
	if err != nil {
		return errors.New("duration must be a string like \"30s\" or a number of seconds")
	}
	*d = duration(time.Duration(secs * float64(time.Second)))
	return nil
}

type policyBody struct {
	GraceDelay *duration `json:"grace_delay"`
	RoundDelay *duration `json:"round_delay"`
	MaxRounds  *int      `json:"max_rounds" validate:"omitempty,min=1,max=10"`
	Unbounded  *bool     `json:"unbounded"`
}

type policyView struct {
	GraceDelaySeconds float64 `json:"grace_delay_seconds"`
	RoundDelaySeconds float64 `json:"round_delay_seconds"`
	MaxRounds         int     `json:"max_rounds"`
	Unbounded         bool    `json:"unbounded"`
}

type autoResumeView struct {
	resume.Status
	Policy policyView `json:"policy"`
}

func viewOf(st resume.Status, p resume.Policy) autoResumeView {
	return autoResumeView{
		Status: st,
		Policy: policyView{
			GraceDelaySeconds: p.GraceDelay.Seconds(),
			RoundDelaySeconds: p.RoundDelay.Seconds(),
			MaxRounds:         p.MaxRounds,
			Unbounded:         p.Unbounded,
		},
	}
}

// Status handles GET /api/v1/auto-resume.
func (h *AutoResumeHandler) Status(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	st := h.svc.GetAutoResumeStatus(r.Context(), ownerID)
	response.JSON(w, viewOf(st, h.svc.GetAutoResumePolicy(r.Context(), ownerID)))
}

// SetPolicy handles PUT /api/v1/auto-resume/policy. Omitted fields keep
// their current value.
func (h *AutoResumeHandler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	ownerID, ok := ownerOrReject(w, r)
	if !ok {
		return
	}
	var body policyBody
	if !decodeBody(w, r, &body) {
		return
	}

	p := h.svc.GetAutoResumePolicy(r.Context(), ownerID)
	if body.GraceDelay != nil {
		p.GraceDelay = time.Duration(*body.GraceDelay)
	}
	if body.RoundDelay != nil {
		p.RoundDelay = time.Duration(*body.RoundDelay)
	}
	if body.MaxRounds != nil {
		p.MaxRounds = *body.MaxRounds
	}
	if body.Unbounded != nil {
		p.Unbounded = *body.Unbounded
	}

	st, err := h.svc.SetAutoResumePolicy(r.Context(), ownerID, p)
	if err != nil {
		writeServiceError(w, h.logger, err)
		return
	}
	h.logger.Info("auto-resume policy updated", "owner_id", ownerID,
		"max_rounds", p.MaxRounds, "unbounded", p.Unbounded)
	response.JSON(w, viewOf(st, p))
}
