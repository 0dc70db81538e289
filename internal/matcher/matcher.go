// Package matcher joins a source and a target dataset on the MSID key.
package matcher

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Options controls join policy.
type Options struct {
	// RejectDuplicateKeys fails the join when a key repeats within one side.
	// When false the last row carrying a key wins and a warning is logged.
	RejectDuplicateKeys bool
}

// DefaultOptions returns the strict join policy.
func DefaultOptions() Options {
	return Options{RejectDuplicateKeys: true}
}

// MatchResult is the output of a successful join.
type MatchResult struct {
	Records    []domain.JoinedRecord      `json:"records"`
	Mismatches []domain.DataMismatchEntry `json:"mismatches"`
}

// Match joins source and target with the default options.
func Match(source, target []domain.Row) (*MatchResult, error) {
	return MatchWith(source, target, DefaultOptions())
}

// MatchWith joins source and target rows on the MSID column.
//
// The joined sequence follows target order. Structural problems are returned
// as *domain.ValidationError and no partial result is produced.
func MatchWith(source, target []domain.Row, opts Options) (*MatchResult, error) {
	source, err := canonicalize(source, domain.SideSource)
	if err != nil {
		return nil, err
	}
	target, err = canonicalize(target, domain.SideTarget)
	if err != nil {
		return nil, err
	}

	sourceKeys, sourceDups := collectKeys(source)
	targetKeys, targetDups := collectKeys(target)
	if len(sourceDups) > 0 || len(targetDups) > 0 {
		if opts.RejectDuplicateKeys {
			if len(sourceDups) > 0 {
				return nil, domain.NewDuplicateKeyError(domain.SideSource, sourceDups)
			}
			return nil, domain.NewDuplicateKeyError(domain.SideTarget, targetDups)
		}
		slog.Warn("duplicate keys in dataset, later rows win",
			"source_duplicates", sourceDups,
			"target_duplicates", targetDups,
		)
	}

	if missing := parityGaps(sourceKeys, targetKeys); len(missing) > 0 {
		return nil, domain.NewKeyParityError(missing)
	}

	index := make(map[string]domain.Row, len(source))
	for _, row := range source {
		key, _ := row.Key()
		index[key] = row
	}

	result := &MatchResult{
		Records:    make([]domain.JoinedRecord, 0, len(target)),
		Mismatches: []domain.DataMismatchEntry{},
	}
	for _, t := range target {
		key, _ := t.Key()
		s := index[key]
		result.Records = append(result.Records, domain.JoinedRecord{
			MSID:   key,
			Source: s,
			Target: t,
		})
		result.Mismatches = append(result.Mismatches, emptyFields(key, s, t)...)
	}

	return result, nil
}

// FindKeyColumn returns the column of row matching MSID case-insensitively.
// An exact match wins over a case-folded one.
func FindKeyColumn(row domain.Row) (string, bool) {
	if _, ok := row[domain.KeyColumn]; ok {
		return domain.KeyColumn, true
	}
	var candidates []string
	for col := range row {
		if strings.EqualFold(strings.TrimSpace(col), domain.KeyColumn) {
			candidates = append(candidates, col)
		}
	}
	if len(candidates) == 0 {
		return "", false
	}
	sort.Strings(candidates)
	return candidates[0], true
}

// canonicalize renames the key column to MSID in a copy of every row.
func canonicalize(rows []domain.Row, side domain.Side) ([]domain.Row, error) {
	if len(rows) == 0 {
		return rows, nil
	}
	col, ok := FindKeyColumn(rows[0])
	if !ok {
		return nil, domain.NewMissingKeyColumnError(side)
	}

	out := make([]domain.Row, len(rows))
	for i, row := range rows {
		if col == domain.KeyColumn {
			out[i] = row
			continue
		}
		renamed := row.Clone()
		if v, ok := renamed[col]; ok {
			delete(renamed, col)
			renamed[domain.KeyColumn] = v
		}
		out[i] = renamed
	}
	return out, nil
}

// collectKeys returns keys in first-occurrence order plus any repeated keys.
func collectKeys(rows []domain.Row) ([]string, []string) {
	seen := make(map[string]int, len(rows))
	keys := make([]string, 0, len(rows))
	var dups []string
	for _, row := range rows {
		key, _ := row.Key()
		seen[key]++
		switch seen[key] {
		case 1:
			keys = append(keys, key)
		case 2:
			dups = append(dups, key)
		}
	}
	return keys, dups
}

// parityGaps lists keys present on one side only, in order of first
// occurrence across source then target.
func parityGaps(sourceKeys, targetKeys []string) []domain.MissingKey {
	inSource := make(map[string]bool, len(sourceKeys))
	for _, k := range sourceKeys {
		inSource[k] = true
	}
	inTarget := make(map[string]bool, len(targetKeys))
	for _, k := range targetKeys {
		inTarget[k] = true
	}

	var missing []domain.MissingKey
	for _, k := range sourceKeys {
		if !inTarget[k] {
			missing = append(missing, domain.MissingKey{Key: k, MissingFrom: domain.SideTarget})
		}
	}
	for _, k := range targetKeys {
		if !inSource[k] {
			missing = append(missing, domain.MissingKey{Key: k, MissingFrom: domain.SideSource})
		}
	}
	return missing
}

// emptyFields reports fields that are empty on either side of a joined pair.
// A field absent from one row but present on the other counts as empty.
func emptyFields(msid string, source, target domain.Row) []domain.DataMismatchEntry {
	fields := make(map[string]struct{}, len(source)+len(target))
	for f := range source {
		fields[f] = struct{}{}
	}
	for f := range target {
		fields[f] = struct{}{}
	}
	names := make([]string, 0, len(fields))
	for f := range fields {
		names = append(names, f)
	}
	sort.Strings(names)

	var out []domain.DataMismatchEntry
	for _, f := range names {
		if domain.IsEmptyValue(source[f]) {
			out = append(out, domain.DataMismatchEntry{MSID: msid, Field: domain.SourceFieldPrefix + f})
		}
	}
	for _, f := range names {
		if domain.IsEmptyValue(target[f]) {
			out = append(out, domain.DataMismatchEntry{MSID: msid, Field: domain.TargetFieldPrefix + f})
		}
	}
	return out
}
