package artifact

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nnunetserver/internal/apperr"
	"nnunetserver/internal/workspace"
)

func newWorkspace(t *testing.T) (*workspace.Store, *workspace.Workspace) {
	t.Helper()
	s, err := workspace.NewStore(t.TempDir())
	require.NoError(t, err)
	ws, err := s.Create(context.Background(), "Dataset001_DS1")
	require.NoError(t, err)
	return s, ws
}

func touch(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
}

func TestStatusCompletesWhenLabelAppears(t *testing.T) {
	_, ws := newWorkspace(t)
	ctx := context.Background()
	touch(t, ws.Path("image_0_0000.mha"))

	st, err := Index{}.Status(ctx, ws, ".mha")
	require.NoError(t, err)
	assert.Equal(t, []string{"image_0_0000.mha"}, st.InputImages)
	assert.Equal(t, []string{"image_0.mha"}, st.ExpectedLabels)
	assert.Empty(t, st.PresentLabels)
	assert.False(t, st.Completed)
	assert.Equal(t, StatePending, st.State)

	require.NoError(t, os.Mkdir(ws.OutputsDir(), 0o755))
	touch(t, ws.OutputPath("image_0.mha"))

	st, err = Index{}.Status(ctx, ws, ".mha")
	require.NoError(t, err)
	assert.True(t, st.Completed)
	assert.Equal(t, StateCompleted, st.State)
	assert.Equal(t, []string{"image_0.mha"}, st.PresentLabels)
}

func TestStatusMatchesOutputsByName(t *testing.T) {
	_, ws := newWorkspace(t)
	touch(t, ws.Path("image_0_0000.nii.gz"))
	touch(t, ws.Path("image_0_0001.nii.gz"))
	touch(t, ws.Path("image_1_0000.nii.gz"))
	touch(t, ws.Path("notes.txt"))
	require.NoError(t, os.Mkdir(ws.OutputsDir(), 0o755))
	touch(t, ws.OutputPath("image_1.nii.gz"))
	touch(t, ws.OutputPath("image_1.nii.gz.1.nii.gz"))
	touch(t, ws.OutputPath("summary.json"))

	st, err := Index{}.Status(context.Background(), ws, ".nii.gz")
	require.NoError(t, err)
	assert.Len(t, st.InputImages, 3)
	assert.Equal(t, []string{"image_0.nii.gz", "image_1.nii.gz"}, st.ExpectedLabels)
	assert.Equal(t, []string{"image_1.nii.gz"}, st.PresentLabels)
	assert.False(t, st.Completed)
	assert.Equal(t, StatePending, st.State)
}

func TestStatusTruncatedSummaryStaysPending(t *testing.T) {
	_, ws := newWorkspace(t)
	ctx := context.Background()
	touch(t, ws.Path("image_0_0000.mha"))
	require.NoError(t, os.Mkdir(ws.OutputsDir(), 0o755))
	require.NoError(t, os.WriteFile(ws.OutputPath(workspace.SummaryFile), []byte(`{"job_id": "job_for_`), 0o644))

	st, err := Index{}.Status(ctx, ws, ".mha")
	require.NoError(t, err)
	assert.False(t, st.Completed)
	assert.Equal(t, StatePending, st.State)
	assert.False(t, st.Finished())

	touch(t, ws.OutputPath("image_0.mha"))
	st, err = Index{}.Status(ctx, ws, ".mha")
	require.NoError(t, err)
	assert.True(t, st.Completed)
	assert.Equal(t, StateCompleted, st.State)
}

func TestStatusZeroInputs(t *testing.T) {
	_, ws := newWorkspace(t)

	st, err := Index{}.Status(context.Background(), ws, ".mha")
	require.NoError(t, err)
	assert.False(t, st.Completed)
	assert.Empty(t, st.ExpectedLabels)

	st, err = Index{VacuousCompletion: true}.Status(context.Background(), ws, ".mha")
	require.NoError(t, err)
	assert.True(t, st.Completed)
	assert.Equal(t, StateCompleted, st.State)
}

func TestStatusFailedSummary(t *testing.T) {
	_, ws := newWorkspace(t)
	touch(t, ws.Path("image_0_0000.mha"))
	require.NoError(t, os.Mkdir(ws.OutputsDir(), 0o755))
	require.NoError(t, os.WriteFile(ws.OutputPath(workspace.SummaryFile),
		[]byte(`{"job_id":"job_for_x","status":"failed","reason":"exit status 1"}`), 0o644))

	st, err := Index{}.Status(context.Background(), ws, ".mha")
	require.NoError(t, err)
	assert.False(t, st.Completed)
	assert.Equal(t, StateFailed, st.State)
	assert.True(t, st.Finished())
}

func TestStatusDeletedWorkspace(t *testing.T) {
	s, ws := newWorkspace(t)
	require.NoError(t, s.Remove(ws))

	_, err := Index{}.Status(context.Background(), ws, ".mha")
	assert.ErrorIs(t, err, apperr.ErrNotFound)
}
