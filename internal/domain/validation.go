package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationKind tags a ValidationError.
type ValidationKind string

const (
	KindMissingKeyColumn  ValidationKind = "MissingKeyColumn"
	KindKeyParityMismatch ValidationKind = "KeyParityMismatch"
	KindDataMismatch      ValidationKind = "DataMismatch"
	KindDuplicateKey      ValidationKind = "DuplicateKey"
)

// Side names one of the two datasets.
type Side string

const (
	SideSource Side = "source"
	SideTarget Side = "target"
)

// Sentinels matched by errors.Is against a *ValidationError of the same kind.
var (
	ErrMissingKeyColumn  = errors.New("missing key column")
	ErrKeyParityMismatch = errors.New("key parity mismatch")
	ErrDataMismatch      = errors.New("data mismatch")
	ErrDuplicateKey      = errors.New("duplicate key")
)

// MissingKey names a key present on one side only.
type MissingKey struct {
	Key         string `json:"key"`
	MissingFrom Side   `json:"missingFrom"`
}

// ValidationError reports a structural problem with the uploaded datasets.
type ValidationError struct {
	Kind    ValidationKind `json:"kind"`
	Message string         `json:"message"`
	Side    Side           `json:"side,omitempty"`
	Missing []MissingKey   `json:"missing,omitempty"`
	Keys    []string       `json:"keys,omitempty"` // duplicate keys
}

func (e *ValidationError) Error() string {
	return e.Message
}

// Is lets errors.Is match the kind sentinels.
func (e *ValidationError) Is(target error) bool {
	switch target {
	case ErrMissingKeyColumn:
		return e.Kind == KindMissingKeyColumn
	case ErrKeyParityMismatch:
		return e.Kind == KindKeyParityMismatch
	case ErrDataMismatch:
		return e.Kind == KindDataMismatch
	case ErrDuplicateKey:
		return e.Kind == KindDuplicateKey
	}
	return false
}

// NewMissingKeyColumnError reports a dataset without a key column.
func NewMissingKeyColumnError(side Side) *ValidationError {
	return &ValidationError{
		Kind:    KindMissingKeyColumn,
		Side:    side,
		Message: fmt.Sprintf("%s dataset has no %s column", side, KeyColumn),
	}
}

// NewKeyParityError reports keys present on one side only.
func NewKeyParityError(missing []MissingKey) *ValidationError {
	var fromSource, fromTarget []string
	for _, m := range missing {
		if m.MissingFrom == SideSource {
			fromSource = append(fromSource, m.Key)
		} else {
			fromTarget = append(fromTarget, m.Key)
		}
	}
	var parts []string
	if len(fromTarget) > 0 {
		parts = append(parts, fmt.Sprintf("missing from target: %s", strings.Join(fromTarget, ", ")))
	}
	if len(fromSource) > 0 {
		parts = append(parts, fmt.Sprintf("missing from source: %s", strings.Join(fromSource, ", ")))
	}
	return &ValidationError{
		Kind:    KindKeyParityMismatch,
		Missing: missing,
		Message: fmt.Sprintf("%s values differ between datasets (%s)", KeyColumn, strings.Join(parts, "; ")),
	}
}

// NewDuplicateKeyError reports repeated key values within one dataset.
func NewDuplicateKeyError(side Side, keys []string) *ValidationError {
	return &ValidationError{
		Kind:    KindDuplicateKey,
		Side:    side,
		Keys:    keys,
		Message: fmt.Sprintf("%s dataset repeats %s values: %s", side, KeyColumn, strings.Join(keys, ", ")),
	}
}
