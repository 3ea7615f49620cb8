package services

import (
	"slices"

	"github.com/ekaya-inc/ekaya-clinical/pkg/rowstate"
)

// Trust levels returned by GetTrustLevel.
const (
	TrustLevelUntrusted = 0
	TrustLevelTrusted   = 1
)

// TrustTable classifies source systems as trusted or untrusted.
// Trusted sources may overwrite stale or untrusted data; untrusted sources may
// only seed new records.
type TrustTable interface {
	rowstate.TrustChecker

	// GetTrustLevel returns the numeric trust level for a source.
	GetTrustLevel(source string) int

	// TrustedSources returns the configured trusted sources, sorted.
	TrustedSources() []string
}

type trustTable struct {
	trusted map[string]bool
}

// NewTrustTable builds the table once from configuration. It is never mutated
// afterwards, so it is safe for concurrent reads.
func NewTrustTable(trustedSources []string) TrustTable {
	trusted := make(map[string]bool, len(trustedSources))
	for _, source := range trustedSources {
		if source != "" {
			trusted[source] = true
		}
	}
	return &trustTable{trusted: trusted}
}

var _ TrustTable = (*trustTable)(nil)

// IsTrusted reports whether source is in the trusted set. Matching is exact.
func (t *trustTable) IsTrusted(source string) bool {
	return t.trusted[source]
}

func (t *trustTable) GetTrustLevel(source string) int {
	if t.IsTrusted(source) {
		return TrustLevelTrusted
	}
	return TrustLevelUntrusted
}

func (t *trustTable) TrustedSources() []string {
	out := make([]string, 0, len(t.trusted))
	for source := range t.trusted {
		out = append(out, source)
	}
	slices.Sort(out)
	return out
}
