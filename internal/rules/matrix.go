// Package rules decides which artifact types may be traced to which.
package rules

import "strings"

// Pair is an allowed source→target artifact type combination.
type Pair struct {
	Source string `mapstructure:"source" json:"source"`
	Target string `mapstructure:"target" json:"target"`
}

// Matrix is the trace direction admissibility table. An empty matrix allows
// every direction.
type Matrix struct {
	allowed map[Pair]struct{}
}

func NewMatrix(pairs []Pair) *Matrix {
	m := &Matrix{allowed: make(map[Pair]struct{}, len(pairs))}
	for _, pair := range pairs {
		m.allowed[normalize(pair)] = struct{}{}
	}
	return m
}

// IsLinkAllowedByType reports whether a link from sourceType to targetType
// is admissible. Type names compare case-insensitively and "*" matches any type.
func (m *Matrix) IsLinkAllowedByType(sourceType, targetType string) bool {
	if m == nil || len(m.allowed) == 0 {
		return true
	}
	candidate := normalize(Pair{Source: sourceType, Target: targetType})
	for _, pair := range []Pair{
		candidate,
		{Source: candidate.Source, Target: "*"},
		{Source: "*", Target: candidate.Target},
		{Source: "*", Target: "*"},
	} {
		if _, ok := m.allowed[pair]; ok {
			return true
		}
	}
	return false
}

func normalize(p Pair) Pair {
	return Pair{
		Source: strings.ToLower(strings.TrimSpace(p.Source)),
		Target: strings.ToLower(strings.TrimSpace(p.Target)),
	}
}
