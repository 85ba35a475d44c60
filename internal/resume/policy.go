// Package resume re-runs an owner's failed fetch jobs automatically once a
// batch settles, in bounded or unbounded rounds.
package resume

import (
	"errors"
	"fmt"
	"time"
)

const (
	// UnboundedRounds is the round ceiling used when a policy is unbounded.
	UnboundedRounds = 999

	MinRounds = 1
	MaxRounds = 10
)

var ErrInvalidPolicy = errors.New("invalid auto-resume policy")

// Policy controls when and how often failed jobs are resumed.
type Policy struct {
	GraceDelay time.Duration `json:"grace_delay"`
	RoundDelay time.Duration `json:"round_delay"`
	MaxRounds  int           `json:"max_rounds"`
	Unbounded  bool          `json:"unbounded"`
}

// DefaultPolicy waits two seconds and runs up to three rounds.
func DefaultPolicy() Policy {
	return Policy{GraceDelay: 2 * time.Second, RoundDelay: 30 * time.Second, MaxRounds: 3}
}

// Ceiling is the highest round number the policy allows.
func (p Policy) Ceiling() int {
	if p.Unbounded {
		return UnboundedRounds
	}
	return p.MaxRounds
}

// Validate checks the policy bounds. MaxRounds is checked even when
// unbounded so switching back keeps a sane value.
func (p Policy) Validate() error {
	if p.MaxRounds < MinRounds || p.MaxRounds > MaxRounds {
		return fmt.Errorf("%w: max rounds must be between %d and %d, got %d",
			ErrInvalidPolicy, MinRounds, MaxRounds, p.MaxRounds)
	}
	if p.GraceDelay < 0 || p.RoundDelay < 0 {
		return fmt.Errorf("%w: delays must not be negative", ErrInvalidPolicy)
	}
	return nil
}
