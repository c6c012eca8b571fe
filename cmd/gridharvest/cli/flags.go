package cli

import (
	"fmt"
	"strconv"
	"strings"
)

// constraint is one --facet flag: a facet name and its values.
type constraint struct {
	name   string
	values []string
}

// parseConstraints parses --facet flags of the form name=v1,v2. Repeated
// names accumulate values in flag order.
func parseConstraints(flags []string) ([]constraint, error) {
	var out []constraint
	index := make(map[string]int)
	for _, f := range flags {
		name, vals, ok := strings.Cut(f, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid facet %q: want name=value[,value...]", f)
		}
		var values []string
		for _, v := range strings.Split(vals, ",") {
			if v = strings.TrimSpace(v); v != "" {
				values = append(values, v)
			}
		}
		if len(values) == 0 {
			return nil, fmt.Errorf("invalid facet %q: no values", f)
		}
		if i, ok := index[name]; ok {
			out[i].values = append(out[i].values, values...)
			continue
		}
		index[name] = len(out)
		out = append(out, constraint{name: name, values: values})
	}
	return out, nil
}

// parseTriState parses "true", "false" or "any" (nil).
func parseTriState(s string) (*bool, error) {
	if strings.EqualFold(s, "any") || s == "" {
		return nil, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return nil, fmt.Errorf("invalid value %q: want true, false or any", s)
	}
	return &b, nil
}
