package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/pflag"

	"github.com/kiranshivaraju/docbatch/internal/poll"
	"github.com/kiranshivaraju/docbatch/pkg/models"
)

func newTable(w io.Writer) *tabwriter.Writer {
	return tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
}

func parseUUIDs(args []string) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, 0, len(args))
	for _, a := range args {
		id, err := uuid.Parse(a)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", a, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// windowFlags binds the period flags shared by batch and archive commands.
type windowFlags struct {
	startCompetence string
	endCompetence   string
	startDate       string
	endDate         string
}

func (f *windowFlags) bind(fs *pflag.FlagSet) {
	fs.StringVar(&f.startCompetence, "from", "", "First competence month, YYYY-MM")
	fs.StringVar(&f.endCompetence, "to", "", "Last competence month, YYYY-MM")
	fs.StringVar(&f.startDate, "from-date", "", "First issue date, YYYY-MM-DD")
	fs.StringVar(&f.endDate, "to-date", "", "Last issue date, YYYY-MM-DD")
}

// window returns nil when no period flag was given.
func (f *windowFlags) window() *models.Window {
	w := models.Window{}
	set := func(dst **string, v string) {
		if v != "" {
			s := v
			*dst = &s
		}
	}
	set(&w.StartCompetence, f.startCompetence)
	set(&w.EndCompetence, f.endCompetence)
	set(&w.StartDate, f.startDate)
	set(&w.EndDate, f.endDate)
	if w.IsEmpty() {
		return nil
	}
	return &w
}

// waitFlags binds the polling flags of --wait commands.
type waitFlags struct {
	wait     bool
	interval time.Duration
	timeout  time.Duration
}

func (f *waitFlags) bind(fs *pflag.FlagSet, what string) {
	fs.BoolVar(&f.wait, "wait", false, "Wait until the "+what+" finishes")
	fs.DurationVar(&f.interval, "poll-interval", 2*time.Second, "Polling interval with --wait")
	fs.DurationVar(&f.timeout, "wait-timeout", 30*time.Minute, "Give up waiting after this long")
}

func (f *waitFlags) options() poll.Options {
	return poll.Options{
		Interval:    f.interval,
		MaxInterval: 15 * time.Second,
		Exponential: true,
		Timeout:     f.timeout,
	}
}

func shortID(id uuid.UUID) string {
	return id.String()[:8]
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
