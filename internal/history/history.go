// Package history keeps a ledger of published builds next to the artifacts,
// one JSON record per line, and answers queries over it.
package history

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/dyluth/berth/internal/logging"
	"github.com/dyluth/berth/internal/pipeline"
)

// File is the ledger name inside the output directory
const File = "history.jsonl"

// Append adds rec to the ledger in outputDir
func Append(outputDir string, rec *pipeline.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode build record: %w", err)
	}

	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(outputDir, File), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open build history: %w", err)
	}
	defer f.Close()

	// One write per record keeps concurrent appends line-atomic
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to append build history: %w", err)
	}
	return f.Sync()
}

// Load reads every record in outputDir's ledger, oldest first.
// A missing ledger is empty. Malformed lines are skipped with a warning.
func Load(outputDir string) ([]*pipeline.Record, error) {
	path := filepath.Join(outputDir, File)
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open build history: %w", err)
	}
	defer f.Close()

	var records []*pipeline.Record
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}

		var rec pipeline.Record
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			slog.Warn("Skipping malformed build record", logging.Path(path), slog.Int("line", line), logging.Error(err))
			continue
		}
		records = append(records, &rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read build history: %w", err)
	}

	sort.SliceStable(records, func(i, j int) bool {
		return records[i].FinishedAt.Before(records[j].FinishedAt)
	})

	return records, nil
}

// Select returns the records matching criteria, keeping their order
func Select(records []*pipeline.Record, criteria *Criteria) []*pipeline.Record {
	if criteria == nil || !criteria.HasFilters() {
		return records
	}

	var selected []*pipeline.Record
	for _, rec := range records {
		if criteria.Matches(rec) {
			selected = append(selected, rec)
		}
	}
	return selected
}
