package derive

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nnunetserver/internal/apperr"
	"nnunetserver/internal/dataset"
	"nnunetserver/internal/imageio/mha"
	"nnunetserver/internal/workspace"
)

var ds1 = dataset.Dataset{
	ID:           "Dataset001_DS1",
	Name:         "DS1",
	FileEnding:   ".mha",
	ChannelNames: map[string]string{"0": "CT"},
	Labels: map[string]dataset.LabelValue{
		"background": {0},
		"bladder":    {1},
		"rectum":     {2},
	},
}

type countingExtractor struct {
	calls atomic.Int32
	err   error
	inner ContourExtractor
}

func (c *countingExtractor) Extract(ctx context.Context, mask *mha.Image) ([]IndexContour, error) {
	c.calls.Add(1)
	if c.err != nil {
		return nil, c.err
	}
	return c.inner.Extract(ctx, mask)
}

func labelImage() *mha.Image {
	g := mha.IdentityGeometry(4, 4, 2)
	g.Spacing = [3]float64{2, 2, 3}
	g.Origin = [3]float64{10, 20, 30}
	data := make([]byte, g.Len())
	for _, p := range [][2]int{{1, 1}, {2, 1}, {1, 2}, {2, 2}} {
		data[g.Offset(p[0], p[1], 0)] = 1
	}
	data[g.Offset(3, 0, 1)] = 2
	return &mha.Image{Geometry: g, ElementType: mha.MetUChar, Data: data}
}

func setup(t *testing.T) *workspace.Workspace {
	t.Helper()
	store, err := workspace.NewStore(t.TempDir())
	require.NoError(t, err)
	ws, err := store.Create(context.Background(), ds1.ID)
	require.NoError(t, err)
	require.NoError(t, os.Mkdir(ws.OutputsDir(), 0o755))

	var buf bytes.Buffer
	require.NoError(t, mha.Encode(&buf, labelImage(), true))
	require.NoError(t, os.WriteFile(ws.OutputPath("image_0.mha"), buf.Bytes(), 0o644))
	return ws
}

func outputNames(t *testing.T, ws *workspace.Workspace) []string {
	t.Helper()
	entries, err := os.ReadDir(ws.OutputsDir())
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestBinaryMaskIsStable(t *testing.T) {
	ws := setup(t)
	e := NewEngine()
	ctx := context.Background()

	path, err := e.BinaryMask(ctx, ws, ds1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, ws.OutputPath("image_0.mha.1.mha"), path)
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	_, err = e.BinaryMask(ctx, ws, ds1, 0, 1)
	require.NoError(t, err)
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	mask, err := mha.Decode(bytes.NewReader(first))
	require.NoError(t, err)
	assert.Equal(t, mha.MetUChar, mask.ElementType)
	assert.Equal(t, labelImage().Geometry, mask.Geometry)
	assert.Equal(t, 1.0, mask.Value(mask.Offset(2, 2, 0)))
	assert.Equal(t, 0.0, mask.Value(mask.Offset(3, 0, 1)))
	assert.NotContains(t, outputNames(t, ws), "image_0.mha.1.mha.lock")
}

func TestContoursExtractOnce(t *testing.T) {
	ws := setup(t)
	x := &countingExtractor{inner: MooreTracer{}}
	e := NewEngine(WithExtractor(x))
	ctx := context.Background()

	got, err := e.Contours(ctx, ws, ds1, 0, 1, []Tag{TagWorld})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.EqualValues(t, 1, x.calls.Load())

	for _, tag := range []string{"w", "o", "I"} {
		assert.FileExists(t, ws.OutputPath("image_0.mha.1.mha.points_"+tag+".json"))
	}
	before, err := os.ReadFile(ws.OutputPath("image_0.mha.1.mha.points_I.json"))
	require.NoError(t, err)

	all, err := e.Contours(ctx, ws, ds1, 0, 1, AllTags)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.EqualValues(t, 1, x.calls.Load())

	after, err := os.ReadFile(ws.OutputPath("image_0.mha.1.mha.points_I.json"))
	require.NoError(t, err)
	assert.Equal(t, before, after)

	assert.Equal(t, Points{{{1, 1, 0}, {2, 1, 0}, {2, 2, 0}, {1, 2, 0}}}, all[TagIndex])
	assert.Equal(t, got[TagWorld], all[TagWorld])
}

func TestContoursCoordinateSystems(t *testing.T) {
	ws := setup(t)
	got, err := NewEngine().Contours(context.Background(), ws, ds1, 0, 2, nil)
	require.NoError(t, err)

	assert.Equal(t, Points{{{3, 0, 1}}}, got[TagIndex])
	assert.Equal(t, Points{{{16, 20, 33}}}, got[TagWorld])
	assert.Equal(t, Points{{{-16, -20, 33}}}, got[TagRAS])
}

func TestConcurrentContoursShareOnePass(t *testing.T) {
	ws := setup(t)
	x := &countingExtractor{inner: MooreTracer{}}
	e := NewEngine(WithExtractor(x))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Contours(context.Background(), ws, ds1, 0, 1, AllTags)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.EqualValues(t, 1, x.calls.Load())
}

func TestContoursRegenerateWhenAnyTagFileIsMissing(t *testing.T) {
	ws := setup(t)
	x := &countingExtractor{inner: MooreTracer{}}
	e := NewEngine(WithExtractor(x))
	ctx := context.Background()

	_, err := e.Contours(ctx, ws, ds1, 0, 1, AllTags)
	require.NoError(t, err)
	index := ws.OutputPath("image_0.mha.1.mha.points_I.json")
	require.NoError(t, os.Remove(index))

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		tags := []Tag{TagWorld}
		if i%2 == 1 {
			tags = []Tag{TagIndex}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.Contours(ctx, ws, ds1, 0, 1, tags)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	assert.FileExists(t, index)
	assert.EqualValues(t, 2, x.calls.Load())
}

func TestUnknownLabelWritesNothing(t *testing.T) {
	ws := setup(t)
	e := NewEngine()

	_, err := e.Contours(context.Background(), ws, ds1, 0, 7, AllTags)
	assert.ErrorIs(t, err, apperr.ErrInvalidLabel)
	_, err = e.BinaryMask(context.Background(), ws, ds1, 0, 7)
	assert.ErrorIs(t, err, apperr.ErrInvalidLabel)

	assert.Equal(t, []string{"image_0.mha"}, outputNames(t, ws))
}

func TestMissingAndCorruptPrimary(t *testing.T) {
	ws := setup(t)
	e := NewEngine()

	_, err := e.BinaryMask(context.Background(), ws, ds1, 3, 1)
	assert.ErrorIs(t, err, apperr.ErrArtifactMissing)

	require.NoError(t, os.WriteFile(ws.OutputPath("image_1.mha"), []byte("not an image"), 0o644))
	_, err = e.BinaryMask(context.Background(), ws, ds1, 1, 1)
	assert.ErrorIs(t, err, apperr.ErrArtifactMissing)
	assert.FileExists(t, ws.OutputPath("image_1.mha"))
	assert.NoFileExists(t, ws.OutputPath("image_1.mha.1.mha"))
}

func TestExtractorFailureKeepsPrimary(t *testing.T) {
	ws := setup(t)
	x := &countingExtractor{err: errors.New("trace exploded")}
	e := NewEngine(WithExtractor(x))

	_, err := e.Contours(context.Background(), ws, ds1, 0, 1, AllTags)
	assert.ErrorIs(t, err, apperr.ErrDerivationFailed)
	assert.FileExists(t, ws.OutputPath("image_0.mha"))
	assert.NoFileExists(t, ws.OutputPath("image_0.mha.1.mha.points_w.json"))
	assert.NoFileExists(t, ws.OutputPath("image_0.mha.1.mha.points_w.json.lock"))
}

func TestNonMetaImageDatasetIsRejected(t *testing.T) {
	ws := setup(t)
	nii := ds1
	nii.FileEnding = ".nii.gz"
	_, err := NewEngine().BinaryMask(context.Background(), ws, nii, 0, 1)
	assert.ErrorIs(t, err, apperr.ErrValidationFailed)
}

func TestStaleLockIsTakenOver(t *testing.T) {
	ws := setup(t)
	lock := ws.OutputPath("image_0.mha.1.mha.lock")
	require.NoError(t, os.WriteFile(lock, []byte("4242\n"), 0o644))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(lock, old, old))

	e := NewEngine(WithLockTiming(time.Minute, 5*time.Millisecond))
	_, err := e.BinaryMask(context.Background(), ws, ds1, 0, 1)
	require.NoError(t, err)
	assert.NoFileExists(t, lock)
}

func TestBreakStaleLockSparesFreshHolder(t *testing.T) {
	ws := setup(t)
	rel := filepath.Join(workspace.OutputsDir, "image_0.mha.1.mha.lock")
	lock := ws.OutputPath("image_0.mha.1.mha.lock")
	require.NoError(t, os.WriteFile(lock, []byte("stale\n"), 0o644))
	stale, err := os.Stat(lock)
	require.NoError(t, err)

	// another waiter took the lock over and a fresh holder created it again
	require.NoError(t, os.Rename(lock, ws.Path("taken.lock")))
	require.NoError(t, os.WriteFile(lock, []byte("fresh\n"), 0o644))

	e := NewEngine()
	assert.False(t, e.breakStaleLock(ws.FS(), rel, stale))
	raw, err := os.ReadFile(lock)
	require.NoError(t, err)
	assert.Equal(t, "fresh\n", string(raw))

	current, err := os.Stat(lock)
	require.NoError(t, err)
	assert.True(t, e.breakStaleLock(ws.FS(), rel, current))
	assert.NoFileExists(t, lock)
	assert.Equal(t, []string{"image_0.mha"}, outputNames(t, ws))
}

func TestHeldLockWaitsForContext(t *testing.T) {
	ws := setup(t)
	require.NoError(t, os.WriteFile(ws.OutputPath("image_0.mha.1.mha.lock"), nil, 0o644))

	e := NewEngine(WithLockTiming(time.Hour, 5*time.Millisecond))
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := e.BinaryMask(ctx, ws, ds1, 0, 1)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.NoFileExists(t, filepath.Join(ws.OutputsDir(), "image_0.mha.1.mha"))
}

func TestParseTags(t *testing.T) {
	tags, err := ParseTags("")
	require.NoError(t, err)
	assert.Equal(t, AllTags, tags)

	tags, err = ParseTags("Iww")
	require.NoError(t, err)
	assert.Equal(t, []Tag{TagIndex, TagWorld}, tags)

	_, err = ParseTags("wx")
	assert.ErrorIs(t, err, apperr.ErrValidationFailed)
}

func TestMooreTracerSeparatesComponents(t *testing.T) {
	g := mha.IdentityGeometry(5, 3, 1)
	data := make([]byte, g.Len())
	// a horizontal bar and a lone voxel
	for i := 0; i < 3; i++ {
		data[g.Offset(i, 0, 0)] = 1
	}
	data[g.Offset(4, 2, 0)] = 1
	got, err := MooreTracer{}.Extract(context.Background(), &mha.Image{Geometry: g, ElementType: mha.MetUChar, Data: data})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, [][3]int{{0, 0, 0}, {1, 0, 0}, {2, 0, 0}, {1, 0, 0}}, got[0].Points)
	assert.Equal(t, [][3]int{{4, 2, 0}}, got[1].Points)
}
