package history

import (
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/dyluth/berth/internal/pipeline"
	"github.com/dyluth/berth/internal/printer"
)

// OutputFormat specifies how to format the history listing
type OutputFormat string

const (
	// OutputFormatDefault uses a table with shortened digests
	OutputFormatDefault OutputFormat = "default"

	// OutputFormatJSONL outputs complete records as line-delimited JSON
	OutputFormatJSONL OutputFormat = "jsonl"
)

// Write renders records in the requested format
func Write(w io.Writer, records []*pipeline.Record, format OutputFormat, now time.Time) error {
	switch format {
	case OutputFormatDefault, "":
		return FormatTable(w, records, now)
	case OutputFormatJSONL:
		return FormatJSONL(w, records)
	default:
		return fmt.Errorf("unknown output format: %s (must be 'default' or 'jsonl')", format)
	}
}

// FormatTable writes records as a table, one row per build
func FormatTable(w io.Writer, records []*pipeline.Record, now time.Time) error {
	if len(records) == 0 {
		fmt.Fprintln(w, "No builds recorded")
		return nil
	}

	rows := make([][]string, 0, len(records))
	for _, rec := range records {
		rows = append(rows, []string{
			formatID(rec.RunID),
			rec.Linkage,
			formatRevision(rec.Revision),
			formatID(rec.Artifact.SHA256),
			formatSteps(rec.Steps),
			formatAge(rec.FinishedAt, now),
		})
	}
	if err := printer.Table(w, []string{"Run", "Linkage", "Revision", "SHA256", "Cached", "Age"}, rows); err != nil {
		return err
	}

	countMsg := "build"
	if len(records) != 1 {
		countMsg = "builds"
	}
	fmt.Fprintf(w, "\n%d %s found\n", len(records), countMsg)
	return nil
}

// FormatJSONL writes each record as a single JSON object on its own line
func FormatJSONL(w io.Writer, records []*pipeline.Record) error {
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("failed to marshal build record to JSON: %w", err)
		}
		if _, err := fmt.Fprintf(w, "%s\n", data); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatSingleJSON writes one record as pretty-printed JSON
func FormatSingleJSON(w io.Writer, rec *pipeline.Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal build record to JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

func formatID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// formatRevision shortens a commit to 12 characters; builds outside Git show "-"
func formatRevision(rev string) string {
	if rev == "" {
		return "-"
	}
	if len(rev) > 12 {
		return rev[:12]
	}
	return rev
}

// formatSteps shows how many steps were served from cache, e.g. "2/4"
func formatSteps(steps []pipeline.StepOutcome) string {
	if len(steps) == 0 {
		return "-"
	}
	cached := 0
	for _, s := range steps {
		if s.Cached {
			cached++
		}
	}
	return fmt.Sprintf("%d/%d", cached, len(steps))
}

// formatAge shows relative time like "2m ago", "1h ago"
func formatAge(t, now time.Time) string {
	if t.IsZero() {
		return "-"
	}

	diff := now.Sub(t)
	switch {
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}
