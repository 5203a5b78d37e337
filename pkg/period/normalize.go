// Package period extracts billing period boundaries from provider resources
// whose shape changes between API versions.
package period

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

// millisThreshold separates unix seconds from unix milliseconds
const millisThreshold = 1e12

// Period holds the resolved boundaries. A nil bound means unknown, not zero.
type Period struct {
	Start *time.Time
	End   *time.Time
}

// StartISO returns the start as RFC 3339, or "" when unknown
func (p Period) StartISO() string {
	return iso(p.Start)
}

// EndISO returns the end as RFC 3339, or "" when unknown
func (p Period) EndISO() string {
	return iso(p.End)
}

func iso(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

// candidate locations, checked in order
var (
	startPaths = [][]string{
		{"current_period_start"},
		{"current_period", "start"},
		{"items", "data", "0", "current_period_start"},
	}
	endPaths = [][]string{
		{"current_period_end"},
		{"current_period", "end"},
		{"items", "data", "0", "current_period_end"},
	}
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Normalize resolves the period of a decoded resource object
func Normalize(obj map[string]any) Period {
	if obj == nil {
		return Period{}
	}
	return Period{
		Start: firstResolved(obj, startPaths),
		End:   firstResolved(obj, endPaths),
	}
}

// FromJSON decodes raw and normalizes it. Undecodable input yields an empty Period.
func FromJSON(raw []byte) Period {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&obj); err != nil {
		return Period{}
	}
	return Normalize(obj)
}

func firstResolved(obj map[string]any, paths [][]string) *time.Time {
	for _, path := range paths {
		v, ok := lookup(obj, path)
		if !ok {
			continue
		}
		if t := ParseTimestamp(v); t != nil {
			return t
		}
	}
	return nil
}

func lookup(obj map[string]any, path []string) (any, bool) {
	var cur any = obj
	for _, seg := range path {
		switch node := cur.(type) {
		case map[string]any:
			next, ok := node[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			cur = node[idx]
		default:
			return nil, false
		}
	}
	return cur, cur != nil
}

// ParseTimestamp converts a unix seconds/milliseconds number, a numeric
// string or a date string into a UTC time. It returns nil for anything else.
func ParseTimestamp(v any) *time.Time {
	switch val := v.(type) {
	case nil:
		return nil
	case float64:
		return fromNumber(val)
	case float32:
		return fromNumber(float64(val))
	case int:
		return fromNumber(float64(val))
	case int32:
		return fromNumber(float64(val))
	case int64:
		return fromNumber(float64(val))
	case uint64:
		return fromNumber(float64(val))
	case json.Number:
		return fromString(val.String())
	case string:
		return fromString(val)
	case time.Time:
		if val.IsZero() {
			return nil
		}
		t := val.UTC()
		return &t
	case *time.Time:
		if val == nil {
			return nil
		}
		return ParseTimestamp(*val)
	default:
		return nil
	}
}

func fromNumber(n float64) *time.Time {
	if math.IsNaN(n) || math.IsInf(n, 0) || n <= 0 {
		return nil
	}

	var t time.Time
	if n < millisThreshold {
		sec, frac := math.Modf(n)
		t = time.Unix(int64(sec), int64(frac*1e9))
	} else {
		if n >= math.MaxInt64 {
			return nil
		}
		t = time.UnixMilli(int64(n))
	}
	t = t.UTC()
	return &t
}

func fromString(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		return fromNumber(n)
	}

	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}
