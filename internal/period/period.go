// Package period decides how a job record queries the document source.
//
// Every execution path (first run, single retry, bulk retry, auto-resume
// rounds and orphan recovery) derives the fetch window from the stored record
// through ExtractWindow, so a fixed-range job is retried with exactly the
// window it was created with.
package period

import (
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/docbatch/pkg/models"
)

const (
	competenceLayout = "2006-01"
	dateLayout       = "2006-01-02"
)

var (
	ErrUnknownMode    = errors.New("unknown window mode")
	ErrMissingStart   = errors.New("fixed_range window needs a start competence or start date")
	ErrBadCompetence  = errors.New("competence must be YYYY-MM")
	ErrBadDate        = errors.New("date must be YYYY-MM-DD")
	ErrInvertedWindow = errors.New("window start is after its end")
	ErrUnexpectedSpan = errors.New("incremental mode takes no window")
)

// Result is the outcome of ExtractWindow.
type Result struct {
	IsWindowed bool
	Window     models.Window
}

// ExtractWindow reads the query window of a stored record. A record is
// windowed when its mode is fixed_range and it carries a start competence or
// a start date. The returned window holds copies of the present fields only;
// it is empty when the record is not windowed. Legacy records without a mode
// are treated as incremental.
func ExtractWindow(r *models.JobRecord) Result {
	if r == nil || r.Mode != models.ModeFixedRange {
		return Result{}
	}
	w := r.Window
	if !present(w.StartCompetence) && !present(w.StartDate) {
		return Result{}
	}
	return Result{
		IsWindowed: true,
		Window: models.Window{
			StartCompetence: copyPresent(w.StartCompetence),
			EndCompetence:   copyPresent(w.EndCompetence),
			StartDate:       copyPresent(w.StartDate),
			EndDate:         copyPresent(w.EndDate),
		},
	}
}

// Validate checks the mode and window of a new batch request.
func Validate(mode models.WindowMode, w models.Window) error {
	switch mode {
	case "", models.ModeIncremental:
		if !w.IsEmpty() {
			return ErrUnexpectedSpan
		}
		return nil
	case models.ModeFixedRange:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}

	if !present(w.StartCompetence) && !present(w.StartDate) {
		return ErrMissingStart
	}
	if err := checkRange(w.StartCompetence, w.EndCompetence, competenceLayout, ErrBadCompetence); err != nil {
		return err
	}
	return checkRange(w.StartDate, w.EndDate, dateLayout, ErrBadDate)
}

func checkRange(start, end *string, layout string, formatErr error) error {
	var s, e time.Time
	var err error
	if present(start) {
		if s, err = time.Parse(layout, *start); err != nil {
			return fmt.Errorf("%w: %q", formatErr, *start)
		}
	}
	if present(end) {
		if e, err = time.Parse(layout, *end); err != nil {
			return fmt.Errorf("%w: %q", formatErr, *end)
		}
	}
	if present(start) && present(end) && s.After(e) {
		return fmt.Errorf("%w: %s > %s", ErrInvertedWindow, *start, *end)
	}
	return nil
}

func present(s *string) bool { return s != nil && *s != "" }

func copyPresent(s *string) *string {
	if !present(s) {
		return nil
	}
	v := *s
	return &v
}
