package domain

import (
	"fmt"
	"strings"
)

// KeyColumn is the canonical unique-key column joining source and target rows.
const KeyColumn = "MSID"

// Row is one record of an ingested dataset: column name to scalar value.
// Values are strings, numbers or nil.
type Row map[string]any

// Key returns the row's canonical key value as a trimmed string.
// The second return value is false when the row has no key column.
func (r Row) Key() (string, bool) {
	v, ok := r[KeyColumn]
	if !ok {
		return "", false
	}
	return ValueString(v), true
}

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// IsEmptyValue reports whether a cell value counts as empty: nil or a
// whitespace-only string.
func IsEmptyValue(v any) bool {
	switch val := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(val) == ""
	case []byte:
		return strings.TrimSpace(string(val)) == ""
	default:
		return false
	}
}

// ValueString renders a cell value for key comparison and prompts.
func ValueString(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(val)
	case []byte:
		return strings.TrimSpace(string(val))
	case float64:
		// JSON numbers decode as float64; keep integral keys readable.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprint(val)
	default:
		return strings.TrimSpace(fmt.Sprint(val))
	}
}

// JoinedRecord pairs a source row with the target row sharing its key.
// Created only by the matcher and never mutated afterwards.
type JoinedRecord struct {
	MSID   string `json:"msid"`
	Source Row    `json:"source"`
	Target Row    `json:"target"`
}

// DataMismatchEntry records an empty or absent field found at join time.
// Field is prefixed with SOURCE. or TARGET. to name the side.
type DataMismatchEntry struct {
	MSID  string `json:"msid"`
	Field string `json:"field"`
}

// Field prefixes for DataMismatchEntry.
const (
	SourceFieldPrefix = "SOURCE."
	TargetFieldPrefix = "TARGET."
)
