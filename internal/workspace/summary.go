package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"path/filepath"

	"nnunetserver/internal/apperr"
)

const (
	SummaryCompleted = "completed"
	SummaryFailed    = "failed"
)

// Summary is the completion record the worker writes to outputs/summary.json.
type Summary struct {
	JobID       string `json:"job_id"`
	DatasetID   string `json:"dataset_id"`
	InputDir    string `json:"input_dir"`
	OutputDir   string `json:"output_dir"`
	CompletedAt string `json:"completed_at,omitempty"`
	Status      string `json:"status"`
	Reason      string `json:"reason,omitempty"`
	ExitCode    int    `json:"exit_code,omitempty"`
	Stderr      string `json:"stderr,omitempty"`
	Stdout      string `json:"stdout,omitempty"`
}

// ReadSummary loads outputs/summary.json; found is false when it is absent.
func ReadSummary(_ context.Context, ws *Workspace) (Summary, bool, error) {
	raw, err := ws.fs.ReadFile(filepath.Join(OutputsDir, SummaryFile))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Summary{}, false, nil
		}
		return Summary{}, false, apperr.Wrap(apperr.ErrStoreUnavailable, err, "read summary.json")
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return Summary{}, false, apperr.Wrap(apperr.ErrStoreUnavailable, err, "parse summary.json")
	}
	return s, true, nil
}
