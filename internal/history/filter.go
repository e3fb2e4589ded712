package history

import (
	"strings"
	"time"

	"github.com/dyluth/berth/internal/pipeline"
)

// Criteria defines filtering criteria for build records.
// All filters are ANDed together.
type Criteria struct {
	Since    time.Time // Zero = no lower bound
	Until    time.Time // Zero = no upper bound
	Linkage  string    // Exact linkage mode, empty = any
	Revision string    // Revision prefix, empty = any
}

// Matches returns true if the record matches all filter criteria
func (c *Criteria) Matches(rec *pipeline.Record) bool {
	if !c.Since.IsZero() && rec.FinishedAt.Before(c.Since) {
		return false
	}
	if !c.Until.IsZero() && rec.FinishedAt.After(c.Until) {
		return false
	}

	if c.Linkage != "" && rec.Linkage != c.Linkage {
		return false
	}

	if c.Revision != "" && !strings.HasPrefix(rec.Revision, c.Revision) {
		return false
	}

	return true
}

// HasFilters returns true if any filters are active
func (c *Criteria) HasFilters() bool {
	return !c.Since.IsZero() ||
		!c.Until.IsZero() ||
		c.Linkage != "" ||
		c.Revision != ""
}
