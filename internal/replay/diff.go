package replay

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"path"

	"marketlake/internal/objectstore"
	"marketlake/logger"
)

// Mismatch is one line-level difference between two recompute outputs.
type Mismatch struct {
	Line      int    `json:"line"`
	Baseline  string `json:"baseline,omitempty"`
	Candidate string `json:"candidate,omitempty"`
}

// Differ compares two recompute output roots.
type Differ struct {
	store objectstore.Store
	log   *logger.Log
}

func NewDiffer(store objectstore.Store, log *logger.Log) *Differ {
	return &Differ{store: store, log: log}
}

// Diff walks the sorted row files under two roots line by line. Both
// files are sorted by (received_ts, raw_ref) so a positional comparison
// is also a semantic one.
func (d *Differ) Diff(ctx context.Context, baselineRoot, candidateRoot string) ([]Mismatch, error) {
	baseline, err := d.readRows(ctx, baselineRoot)
	if err != nil {
		return nil, fmt.Errorf("read baseline: %w", err)
	}
	candidate, err := d.readRows(ctx, candidateRoot)
	if err != nil {
		return nil, fmt.Errorf("read candidate: %w", err)
	}

	var mismatches []Mismatch
	max := len(baseline)
	if len(candidate) > max {
		max = len(candidate)
	}
	for i := 0; i < max; i++ {
		var b, c string
		if i < len(baseline) {
			b = baseline[i]
		}
		if i < len(candidate) {
			c = candidate[i]
		}
		if b != c {
			mismatches = append(mismatches, Mismatch{Line: i + 1, Baseline: b, Candidate: c})
		}
	}

	d.log.WithComponent("diff").WithFields(logger.Fields{
		"baseline_rows":  len(baseline),
		"candidate_rows": len(candidate),
		"mismatches":     len(mismatches),
	}).Info("diff complete")
	return mismatches, nil
}

func (d *Differ) readRows(ctx context.Context, root string) ([]string, error) {
	data, err := d.store.Get(ctx, path.Join(root, "rows.jsonl"))
	if err != nil {
		return nil, err
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines, scanner.Err()
}
