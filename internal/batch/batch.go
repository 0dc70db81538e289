// Package batch partitions joined records into bounded scoring batches.
package batch

import (
	"errors"
	"fmt"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// ErrInvalidBatchSize is returned for a non-positive batch size.
var ErrInvalidBatchSize = errors.New("batch size must be positive")

// Plan splits records into contiguous batches of at most size records,
// preserving order. The batches share the input's backing array.
func Plan(records []domain.JoinedRecord, size int) ([][]domain.JoinedRecord, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidBatchSize, size)
	}
	if len(records) == 0 {
		return nil, nil
	}

	batches := make([][]domain.JoinedRecord, 0, Count(len(records), size))
	for start := 0; start < len(records); start += size {
		end := min(start+size, len(records))
		batches = append(batches, records[start:end:end])
	}
	return batches, nil
}

// Count returns the number of batches Plan produces for n records.
func Count(n, size int) int {
	if n <= 0 || size <= 0 {
		return 0
	}
	return (n + size - 1) / size
}
