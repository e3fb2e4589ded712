package history

import (
	"errors"
	"fmt"
	"strings"

	"github.com/dyluth/berth/internal/pipeline"
	"github.com/google/uuid"
)

// MinShortIDLength is the minimum length of a run id prefix
const MinShortIDLength = 6

// NotFoundError reports a run id absent from the ledger
type NotFoundError struct {
	RunID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("build with run ID '%s' not found", e.RunID)
}

// AmbiguousError reports a prefix matching several runs
type AmbiguousError struct {
	Prefix  string
	Matches []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("ambiguous run ID '%s' matches %d builds", e.Prefix, len(e.Matches))
}

// IsNotFound returns true if the error is a NotFoundError
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsAmbiguous returns true if the error is an AmbiguousError
func IsAmbiguous(err error) bool {
	var ae *AmbiguousError
	return errors.As(err, &ae)
}

// Find returns the record of a full run id or of a unique run id prefix,
// such as the short id shown by the table output.
func Find(records []*pipeline.Record, runID string) (*pipeline.Record, error) {
	if _, err := uuid.Parse(runID); err == nil {
		for _, rec := range records {
			if rec.RunID == runID {
				return rec, nil
			}
		}
		return nil, &NotFoundError{RunID: runID}
	}

	if len(runID) < MinShortIDLength {
		return nil, fmt.Errorf("run ID prefix must be at least %d characters (got %d)", MinShortIDLength, len(runID))
	}

	var matches []*pipeline.Record
	for _, rec := range records {
		if strings.HasPrefix(rec.RunID, runID) {
			matches = append(matches, rec)
		}
	}

	switch len(matches) {
	case 0:
		return nil, &NotFoundError{RunID: runID}
	case 1:
		return matches[0], nil
	default:
		ids := make([]string, len(matches))
		for i, rec := range matches {
			ids[i] = rec.RunID
		}
		return nil, &AmbiguousError{Prefix: runID, Matches: ids}
	}
}

// FormatAmbiguous lists the matching run ids, up to 10
func FormatAmbiguous(err *AmbiguousError) string {
	var b strings.Builder
	fmt.Fprintf(&b, "run ID '%s' matches %d builds:\n", err.Prefix, len(err.Matches))

	shown := min(len(err.Matches), 10)
	for _, id := range err.Matches[:shown] {
		fmt.Fprintf(&b, "  %s\n", id)
	}
	if len(err.Matches) > shown {
		fmt.Fprintf(&b, "  ...and %d more\n", len(err.Matches)-shown)
	}

	return b.String()
}
