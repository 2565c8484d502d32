// Package artifact computes request completion from the files present in a
// workspace. The filesystem is the status table: nothing here is cached.
package artifact

import (
	"context"
	"errors"
	"io/fs"
	"sort"

	"github.com/rs/zerolog"

	"nnunetserver/internal/apperr"
	"nnunetserver/internal/workspace"
)

type State string

const (
	StatePending   State = "pending"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Status is the completion view of one workspace.
type Status struct {
	InputImages    []string `json:"input_images"`
	ExpectedLabels []string `json:"expected_labels"`
	PresentLabels  []string `json:"output_labels"`
	Completed      bool     `json:"completed"`
	State          State    `json:"state"`
}

// Index derives Status values. VacuousCompletion decides how a workspace
// without any input images is reported.
type Index struct {
	VacuousCompletion bool
}

// Status enumerates inputs, derives the expected label of each input index
// and stats it under outputs/. Outputs are matched by expected name, never by
// zipping a listing of outputs/ against the inputs.
func (ix Index) Status(ctx context.Context, ws *workspace.Workspace, ext string) (Status, error) {
	entries, err := ws.FS().ReadDir(".")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Status{}, apperr.Errorf(apperr.ErrNotFound, "request %q not found", ws.ID)
		}
		return Status{}, apperr.Wrap(apperr.ErrStoreUnavailable, err, "list workspace")
	}

	st := Status{
		InputImages:    []string{},
		ExpectedLabels: []string{},
		PresentLabels:  []string{},
	}
	indices := make(map[int]struct{})
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		idx, _, ok := workspace.ParseInputImageName(e.Name(), ext)
		if !ok {
			continue
		}
		st.InputImages = append(st.InputImages, e.Name())
		indices[idx] = struct{}{}
	}
	sort.Strings(st.InputImages)

	ordered := make([]int, 0, len(indices))
	for idx := range indices {
		ordered = append(ordered, idx)
	}
	sort.Ints(ordered)

	for _, idx := range ordered {
		label := workspace.LabelName(idx, ext)
		st.ExpectedLabels = append(st.ExpectedLabels, label)
		ok, err := ws.FS().Exists(ws.OutputPath(label))
		if err != nil {
			return Status{}, apperr.Wrap(apperr.ErrStoreUnavailable, err, "stat "+label)
		}
		if ok {
			st.PresentLabels = append(st.PresentLabels, label)
		}
	}
	sort.Strings(st.PresentLabels)

	if len(st.ExpectedLabels) == 0 {
		st.Completed = ix.VacuousCompletion
	} else {
		st.Completed = len(st.PresentLabels) == len(st.ExpectedLabels)
	}

	st.State = StatePending
	if st.Completed {
		st.State = StateCompleted
		return st, nil
	}
	// summary.json only signals failure; an unreadable one leaves the
	// request pending.
	summary, found, err := workspace.ReadSummary(ctx, ws)
	if err != nil {
		zerolog.Ctx(ctx).Warn().Err(err).Str("req_id", ws.ID).Msg("ignoring unreadable summary")
		return st, nil
	}
	if found && summary.Status == workspace.SummaryFailed {
		st.State = StateFailed
	}
	return st, nil
}

// Finished reports whether the status can no longer change without outside
// intervention.
func (s Status) Finished() bool {
	return s.State == StateCompleted || s.State == StateFailed
}
