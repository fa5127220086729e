package core

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// Payloads arrive schema-free; these accessors do the ad hoc validation each
// consumer needs.

// String returns the string at key, or "" when absent or not a string.
func String(p map[string]interface{}, key string) string {
	if p == nil {
		return ""
	}
	switch v := p[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case fmt.Stringer:
		return v.String()
	}
	return ""
}

// Float returns the finite numeric value at key. Numeric strings are
// accepted; NaN and infinities are not.
func Float(p map[string]interface{}, key string) (float64, bool) {
	f, ok := number(p, key)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func number(p map[string]interface{}, key string) (float64, bool) {
	if p == nil {
		return 0, false
	}
	switch v := p[key].(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

var timeLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04",
	"2006-01-02",
}

// Time parses the value at key. time.Time values pass through; strings are
// tried against the supported layouts. dateOnly reports a bare calendar date.
func Time(p map[string]interface{}, key string) (t time.Time, dateOnly bool, ok bool) {
	if p == nil {
		return time.Time{}, false, false
	}
	switch v := p[key].(type) {
	case time.Time:
		return v, false, !v.IsZero()
	case string:
		return ParseTime(v)
	}
	return time.Time{}, false, false
}

// ParseTime parses s against the supported layouts.
func ParseTime(s string) (t time.Time, dateOnly bool, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, false
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, s); err == nil {
			return parsed, layout == "2006-01-02", true
		}
	}
	return time.Time{}, false, false
}

// Map returns the nested object at key.
func Map(p map[string]interface{}, key string) (map[string]interface{}, bool) {
	if p == nil {
		return nil, false
	}
	m, ok := p[key].(map[string]interface{})
	return m, ok
}

// ToPayload converts a JSON-tagged value into a payload map.
func ToPayload(v interface{}) (map[string]interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("unmarshal payload: %w", err)
	}
	return out, nil
}
