package download

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned for file ids the coordinator does not track.
	ErrNotFound = errors.New("download not found")
	// ErrNoSource is returned when no replica offers a usable service.
	ErrNoSource = errors.New("no download source")
	// ErrChecksumMismatch is returned when fetched bytes do not match the
	// published checksum.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrSizeMismatch is returned when the fetched size differs from the
	// published size.
	ErrSizeMismatch = errors.New("size mismatch")
	// ErrInvalidTransition is returned by Pause and Resume when the file is
	// not in a state they apply to.
	ErrInvalidTransition = errors.New("invalid download transition")
)

// Status is the state of one file download.
type Status int

const (
	StatusQueued Status = iota
	StatusDownloading
	StatusCompleted
	StatusFailed
	// StatusUnauthorized means every source that failed asked for
	// credentials. Reset after re-authenticating.
	StatusUnauthorized
	StatusPaused
)

var statusNames = [...]string{
	StatusQueued:       "QUEUED",
	StatusDownloading:  "DOWNLOADING",
	StatusCompleted:    "COMPLETED",
	StatusFailed:       "FAILED",
	StatusUnauthorized: "UNAUTHORIZED",
	StatusPaused:       "PAUSED",
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
	return 0, fmt.Errorf("unknown download status %q", name)
}

// Active reports whether a file in status s is waiting for or holding a
// pool slot.
func (s Status) Active() bool {
	return s == StatusQueued || s == StatusDownloading
}

// Terminal reports whether s ends a download attempt.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusUnauthorized
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
