package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrHarvestInProgress is returned when a harvest is already running.
	ErrHarvestInProgress = errors.New("harvest in progress")
	// ErrAlreadyHarvested is returned when a harvest of equal or greater
	// completeness already finished.
	ErrAlreadyHarvested = errors.New("already harvested")
	// ErrNotFound is returned for dataset ids unknown to the session or
	// missing from the cache.
	ErrNotFound = errors.New("dataset not found")
	// ErrNotComplete is returned when a result is requested before the
	// session or dataset finished harvesting.
	ErrNotComplete = errors.New("harvest not complete")
	// ErrNotStarted is returned by operations that need a prior harvest.
	ErrNotStarted = errors.New("harvest not started")
	// ErrNotHarvesting is returned by Pause when nothing is running.
	ErrNotHarvesting = errors.New("not harvesting")
	// ErrNotPaused is returned by Resume on a session that is not paused.
	ErrNotPaused = errors.New("not paused")
)

// Status is the state of a session or of one dataset within it.
type Status int

const (
	StatusCreated Status = iota
	StatusHarvesting
	StatusPaused
	StatusCompleted
	StatusFailed
)

var statusNames = [...]string{
	StatusCreated:    "CREATED",
	StatusHarvesting: "HARVESTING",
	StatusPaused:     "PAUSED",
	StatusCompleted:  "COMPLETED",
	StatusFailed:     "FAILED",
}

func (s Status) String() string {
	if s >= 0 && int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// ParseStatus parses a status name, case-insensitively.
func ParseStatus(name string) (Status, error) {
	for i, n := range statusNames {
		if strings.EqualFold(n, name) {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", name)
}

// Terminal reports whether a dataset in status s counts as processed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// MarshalText implements encoding.TextMarshaler.
func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Status) UnmarshalText(b []byte) error {
	v, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
