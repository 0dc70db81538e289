package domain

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// MaxShortNameLen bounds the derived KPI short name.
const MaxShortNameLen = 10

// KPI is a user-defined quality dimension scored 1-5 per record.
type KPI struct {
	ID          int    `json:"id" yaml:"id"`
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description" yaml:"description"` // what "good" vs "bad" looks like
	ShortName   string `json:"shortName,omitempty" yaml:"short_name,omitempty"`

	// Expression is an optional CEL expression used by the rules evaluator.
	Expression string `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// Configured reports whether the KPI has both a name and a description.
func (k KPI) Configured() bool {
	return strings.TrimSpace(k.Name) != "" && strings.TrimSpace(k.Description) != ""
}

// DeriveShortName builds an uppercase label of at most MaxShortNameLen
// characters from a KPI name, dropping anything that is not a letter or digit.
func DeriveShortName(name string) string {
	var b strings.Builder
	n := 0
	for _, r := range name {
		if n >= MaxShortNameLen {
			break
		}
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToUpper(r))
			n++
		}
	}
	return b.String()
}

// ErrInvalidKPI is returned by NormalizeKPIs for unusable definitions.
var ErrInvalidKPI = errors.New("invalid kpi")

// NormalizeKPIs validates a KPI list and fills derived short names.
// IDs must be positive and unique and every KPI must be configured.
// The returned slice is a copy.
func NormalizeKPIs(kpis []KPI) ([]KPI, error) {
	if len(kpis) == 0 {
		return nil, fmt.Errorf("%w: at least one kpi is required", ErrInvalidKPI)
	}
	seen := make(map[int]bool, len(kpis))
	out := make([]KPI, len(kpis))
	for i, k := range kpis {
		if k.ID <= 0 {
			return nil, fmt.Errorf("%w: kpi %q has non-positive id %d", ErrInvalidKPI, k.Name, k.ID)
		}
		if seen[k.ID] {
			return nil, fmt.Errorf("%w: duplicate kpi id %d", ErrInvalidKPI, k.ID)
		}
		seen[k.ID] = true
		if !k.Configured() {
			return nil, fmt.Errorf("%w: kpi %d needs a name and a description", ErrInvalidKPI, k.ID)
		}
		k.Name = strings.TrimSpace(k.Name)
		k.Description = strings.TrimSpace(k.Description)
		if k.ShortName == "" {
			k.ShortName = DeriveShortName(k.Name)
		} else {
			k.ShortName = DeriveShortName(k.ShortName)
		}
		out[i] = k
	}
	return out, nil
}
