// Package convert turns trimmed text tokens into typed scalar values.
// Conversion failures come back as plain errors; the parsers wrap them
// with a line number and the format-specific parse code.
package convert

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Kind is a field's declared value type.
type Kind string

const (
	KindString    Kind = "string"
	KindInt       Kind = "int"
	KindDouble    Kind = "double"
	KindTimestamp Kind = "timestamp"
)

// timestampLayouts are tried in order until one parses.
var timestampLayouts = []string{
	"2006-01-02 15:04:05",
	"2006-01-02",
	"20060102",
	"20060102150405",
}

// KindOf maps a declared field type string to a Kind. Unknown types fall
// back to string so a typo in field metadata degrades to text instead of
// failing every line.
func KindOf(fieldType string) Kind {
	switch Kind(strings.ToLower(strings.TrimSpace(fieldType))) {
	case KindInt:
		return KindInt
	case KindDouble:
		return KindDouble
	case KindTimestamp:
		return KindTimestamp
	default:
		return KindString
	}
}

// Value converts a token to the given kind. Empty or whitespace-only
// tokens become nil regardless of kind. The dynamic type of the result
// is string, int64, float64 or time.Time.
func Value(token string, kind Kind) (any, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	switch kind {
	case KindInt:
		n, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not an integer", token)
		}
		return n, nil
	case KindDouble:
		f, err := strconv.ParseFloat(token, 64)
		if err != nil {
			return nil, fmt.Errorf("%q is not a number", token)
		}
		return f, nil
	case KindTimestamp:
		return Timestamp(token)
	default:
		return token, nil
	}
}

// Timestamp parses a token against the supported layouts in order.
func Timestamp(token string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, token); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("%q matches no supported timestamp format", token)
}
