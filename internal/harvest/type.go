package harvest

import (
	"fmt"
	"strings"

	"gridharvest/internal/descriptor"
	"gridharvest/internal/record"
)

// Type selects how much of a dataset a worker harvests.
type Type int

const (
	// Partial harvests identifiers, checksums, sizes, replica topology and
	// services: what downloads need.
	Partial Type = iota
	// Complete harvests the full metadata tree.
	Complete
)

func (t Type) String() string {
	switch t {
	case Partial:
		return "PARTIAL"
	case Complete:
		return "COMPLETE"
	}
	return fmt.Sprintf("type(%d)", int(t))
}

// ParseType parses a harvest type name, case-insensitively.
func ParseType(s string) (Type, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "PARTIAL":
		return Partial, nil
	case "COMPLETE":
		return Complete, nil
	}
	return 0, fmt.Errorf("unknown harvest type %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (t Type) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *Type) UnmarshalText(b []byte) error {
	v, err := ParseType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// Target is the dataset status a successful harvest of this type reaches.
func (t Type) Target() record.HarvestStatus {
	if t == Complete {
		return record.StatusHarvested
	}
	return record.StatusPartialHarvested
}

// SatisfiedBy reports whether a dataset at status s needs no further
// discovery for this type. HARVESTED satisfies both types.
func (t Type) SatisfiedBy(s record.HarvestStatus) bool {
	return s >= t.Target()
}

// Covers reports whether a harvest of type t makes a harvest of type o
// redundant.
func (t Type) Covers(o Type) bool {
	return t >= o
}

// Fields returns the fields requested from the grid during discovery.
func (t Type) Fields() []string {
	if t == Complete {
		return descriptor.AllFields
	}
	return descriptor.PartialFields
}
