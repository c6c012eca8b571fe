package record

import (
	"encoding/json"
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

var (
	_ json.Marshaler      = Metadata{}
	_ json.Unmarshaler    = (*Metadata)(nil)
	_ msgpack.Marshaler   = Metadata{}
	_ msgpack.Unmarshaler = (*Metadata)(nil)
)

// MarshalJSON encodes the bag as an object keyed by field name.
func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.ToMap())
}

// UnmarshalJSON decodes an object produced by MarshalJSON.
func (m *Metadata) UnmarshalJSON(b []byte) error {
	var raw map[string]Value
	if err := json.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	*m = MetadataFromMap(raw)
	return nil
}

// MarshalMsgpack encodes the bag as a map keyed by field name.
func (m Metadata) MarshalMsgpack() ([]byte, error) {
	return msgpack.Marshal(m.ToMap())
}

// UnmarshalMsgpack decodes a map produced by MarshalMsgpack.
func (m *Metadata) UnmarshalMsgpack(b []byte) error {
	var raw map[string]Value
	if err := msgpack.Unmarshal(b, &raw); err != nil {
		return fmt.Errorf("decode metadata: %w", err)
	}
	*m = MetadataFromMap(raw)
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (s HarvestStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *HarvestStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "EMPTY":
		*s = StatusEmpty
	case "PARTIAL_HARVESTED":
		*s = StatusPartialHarvested
	case "HARVESTED":
		*s = StatusHarvested
	default:
		return fmt.Errorf("unknown harvest status %q", b)
	}
	return nil
}
