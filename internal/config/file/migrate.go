package file

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// step upgrades a decoded config object by one document version.
type step func(cfg map[string]any) error

// steps[v] upgrades a version v document to v+1.
var steps = map[int]step{
	1: secondsToDurations,
}

// upgrade runs every step from version from to currentVersion and returns
// the re-encoded document.
func upgrade(data []byte, from int) ([]byte, error) {
	var doc struct {
		Config map[string]any `json:"config"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if doc.Config == nil {
		doc.Config = map[string]any{}
	}
	for v := from; v < currentVersion; v++ {
		fn, ok := steps[v]
		if !ok {
			return nil, fmt.Errorf("no migration path from version %d to %d", from, currentVersion)
		}
		if err := fn(doc.Config); err != nil {
			return nil, fmt.Errorf("migration v%d→v%d: %w", v, v+1, err)
		}
	}
	return json.MarshalIndent(map[string]any{
		"version": currentVersion,
		"config":  doc.Config,
	}, "", "  ")
}

// secondsToDurations replaces the version 1 integer second fields with
// duration strings.
func secondsToDurations(cfg map[string]any) error {
	renames := []struct{ from, to string }{
		{"lockPollSeconds", "lockPollInterval"},
		{"requestTimeoutSeconds", "requestTimeout"},
	}
	for _, r := range renames {
		raw, ok := cfg[r.from]
		if !ok {
			continue
		}
		delete(cfg, r.from)
		var secs float64
		switch v := raw.(type) {
		case float64:
			secs = v
		case string:
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return fmt.Errorf("%s: %w", r.from, err)
			}
			secs = f
		default:
			return fmt.Errorf("%s: unexpected type %T", r.from, raw)
		}
		cfg[r.to] = (time.Duration(secs * float64(time.Second))).String()
	}
	return nil
}
