// Package derive lazily produces and caches derived artifacts next to a
// primary label output: per-label binary masks and contour point sets.
package derive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"nnunetserver/internal/apperr"
	"nnunetserver/internal/dataset"
	"nnunetserver/internal/imageio/mha"
	"nnunetserver/internal/metrics"
	"nnunetserver/internal/safeio"
	"nnunetserver/internal/workspace"
)

// Tag selects the coordinate system of a contour point set.
type Tag byte

const (
	TagWorld Tag = 'w' // physical LPS
	TagRAS   Tag = 'o' // physical RAS: world with x and y negated
	TagIndex Tag = 'I' // voxel index
)

// AllTags is the default selection and the order files are written in.
var AllTags = []Tag{TagWorld, TagRAS, TagIndex}

// Key is the response key of a tag, e.g. points_w.
func (t Tag) Key() string { return "points_" + string(rune(t)) }

// ParseTags validates a selection such as "woI". Empty means all tags.
func ParseTags(s string) ([]Tag, error) {
	if s == "" {
		return AllTags, nil
	}
	var out []Tag
	seen := map[Tag]bool{}
	var invalid []string
	for _, r := range s {
		t := Tag(r)
		switch t {
		case TagWorld, TagRAS, TagIndex:
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		default:
			invalid = append(invalid, string(r))
		}
	}
	if len(invalid) > 0 {
		return nil, apperr.Errorf(apperr.ErrValidationFailed,
			"invalid coordinate system(s): %s. Allowed values are: w, o, I", strings.Join(invalid, ", "))
	}
	return out, nil
}

// Points is the on-disk and wire form of one tag: a list of closed contours,
// each a list of [x, y, z] points.
type Points [][][3]float64

const (
	DefaultLockStale = 2 * time.Minute
	DefaultLockPoll  = 100 * time.Millisecond
)

// Engine derives artifacts at most once per target. Concurrent callers in
// this process share one computation; other processes are excluded through
// <target>.lock files created with O_EXCL.
type Engine struct {
	extractor ContourExtractor
	group     singleflight.Group
	lockStale time.Duration
	lockPoll  time.Duration
	logger    zerolog.Logger
}

type Option func(*Engine)

func WithExtractor(x ContourExtractor) Option {
	return func(e *Engine) { e.extractor = x }
}

// WithLockTiming sets how old a foreign lock must be before it is taken over
// and how often a held lock is polled.
func WithLockTiming(stale, poll time.Duration) Option {
	return func(e *Engine) {
		e.lockStale = stale
		e.lockPoll = poll
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		extractor: MooreTracer{},
		lockStale: DefaultLockStale,
		lockPoll:  DefaultLockPoll,
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// BinaryMask ensures outputs/image_<index><ext>.<label><ext> exists and
// returns its absolute path.
func (e *Engine) BinaryMask(ctx context.Context, ws *workspace.Workspace, ds dataset.Dataset, index, label int) (string, error) {
	if !ds.HasLabel(label) {
		return "", apperr.Errorf(apperr.ErrInvalidLabel, "label %d is not in the label map of %s", label, ds.ID)
	}
	rel, err := e.ensureMask(ctx, ws, ds.FileEnding, index, label)
	if err != nil {
		return "", err
	}
	return ws.Path(rel), nil
}

// Contours returns the requested point sets of a label, deriving the mask and
// all three tag files in one pass when any of them is missing.
func (e *Engine) Contours(ctx context.Context, ws *workspace.Workspace, ds dataset.Dataset, index, label int, tags []Tag) (map[Tag]Points, error) {
	if !ds.HasLabel(label) {
		return nil, apperr.Errorf(apperr.ErrInvalidLabel, "contour number %d is not in the label map of %s", label, ds.ID)
	}
	if len(tags) == 0 {
		tags = AllTags
	}
	for _, t := range tags {
		if _, err := ParseTags(string(rune(t))); err != nil {
			return nil, err
		}
	}
	maskRel, err := e.ensureMask(ctx, ws, ds.FileEnding, index, label)
	if err != nil {
		return nil, err
	}

	all := make([]string, len(AllTags))
	for i, t := range AllTags {
		all[i] = contourRel(maskRel, t)
	}
	requested := make([]string, len(tags))
	for i, t := range tags {
		requested[i] = contourRel(maskRel, t)
	}

	// One pass writes every tag, so the flight checks all of them whatever
	// subset was requested.
	fsys := ws.FS()
	err = e.ensure(ctx, fsys, "contours", all[0], all, func() error {
		return e.writeContours(ctx, fsys, maskRel)
	})
	if err != nil {
		return nil, err
	}

	out := make(map[Tag]Points, len(tags))
	for i, t := range tags {
		raw, err := fsys.ReadFile(requested[i])
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err, "read "+filepath.Base(requested[i]))
		}
		var pts Points
		if err := json.Unmarshal(raw, &pts); err != nil {
			return nil, apperr.Wrap(apperr.ErrDerivationFailed, err, "parse "+filepath.Base(requested[i]))
		}
		out[t] = pts
	}
	return out, nil
}

func contourRel(maskRel string, t Tag) string {
	return workspace.ContourName(maskRel, byte(t))
}

func (e *Engine) ensureMask(ctx context.Context, ws *workspace.Workspace, ext string, index, label int) (string, error) {
	if !strings.EqualFold(ext, ".mha") {
		return "", apperr.Errorf(apperr.ErrValidationFailed, "derived artifacts require .mha outputs, dataset uses %q", ext)
	}
	if index < 0 {
		return "", apperr.Errorf(apperr.ErrValidationFailed, "image number must not be negative")
	}
	fsys := ws.FS()
	labelRel := filepath.Join(workspace.OutputsDir, workspace.LabelName(index, ext))
	ok, err := fsys.Exists(labelRel)
	if err != nil {
		return "", apperr.Wrap(apperr.ErrStoreUnavailable, err, "stat label image")
	}
	if !ok {
		return "", apperr.Errorf(apperr.ErrArtifactMissing, "label image not found: %s", filepath.Base(labelRel))
	}
	maskRel := filepath.Join(workspace.OutputsDir, workspace.MaskName(index, label, ext))
	err = e.ensure(ctx, fsys, "mask", maskRel, []string{maskRel}, func() error {
		return writeMask(fsys, labelRel, maskRel, label)
	})
	if err != nil {
		return "", err
	}
	return maskRel, nil
}

func writeMask(fsys *safeio.SafeFS, labelRel, maskRel string, label int) error {
	img, err := decode(fsys, labelRel)
	if err != nil {
		return apperr.Wrap(apperr.ErrArtifactMissing, err, "corrupt label image "+filepath.Base(labelRel))
	}
	mask := &mha.Image{
		Geometry:    img.Geometry,
		ElementType: mha.MetUChar,
		Data:        make([]byte, img.Len()),
	}
	want := float64(label)
	for n := range mask.Data {
		if img.Value(n) == want {
			mask.Data[n] = 1
		}
	}
	return fsys.WriteAtomic(maskRel, func(w io.Writer) error {
		return mha.Encode(w, mask, false)
	})
}

func (e *Engine) writeContours(ctx context.Context, fsys *safeio.SafeFS, maskRel string) error {
	mask, err := decode(fsys, maskRel)
	if err != nil {
		return apperr.Wrap(apperr.ErrDerivationFailed, err, "decode mask "+filepath.Base(maskRel))
	}
	contours, err := e.extractor.Extract(ctx, mask)
	if err != nil {
		return apperr.Wrap(apperr.ErrDerivationFailed, err, "extract contours")
	}
	sets := project(mask.Geometry, contours)
	for _, t := range AllTags {
		raw, err := json.Marshal(sets[t])
		if err != nil {
			return apperr.Wrap(apperr.ErrDerivationFailed, err, "encode "+t.Key())
		}
		if err := fsys.WriteFileAtomic(contourRel(maskRel, t), raw); err != nil {
			return apperr.Wrap(apperr.ErrStoreUnavailable, err, "write "+t.Key())
		}
	}
	return nil
}

// project expresses index contours in every coordinate system.
func project(g mha.Geometry, contours []IndexContour) map[Tag]Points {
	sets := map[Tag]Points{}
	for _, t := range AllTags {
		sets[t] = make(Points, 0, len(contours))
	}
	for _, c := range contours {
		world := make([][3]float64, len(c.Points))
		ras := make([][3]float64, len(c.Points))
		index := make([][3]float64, len(c.Points))
		for i, p := range c.Points {
			idx := [3]float64{float64(p[0]), float64(p[1]), float64(p[2])}
			w := g.Physical(idx)
			world[i] = w
			ras[i] = [3]float64{-w[0], -w[1], w[2]}
			index[i] = idx
		}
		sets[TagWorld] = append(sets[TagWorld], world)
		sets[TagRAS] = append(sets[TagRAS], ras)
		sets[TagIndex] = append(sets[TagIndex], index)
	}
	return sets
}

func decode(fsys *safeio.SafeFS, rel string) (*mha.Image, error) {
	f, err := fsys.Open(rel)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return mha.Decode(f)
}

// ensure runs produce unless every path in check already exists. lockRel
// names the target the lock file is derived from.
func (e *Engine) ensure(ctx context.Context, fsys *safeio.SafeFS, artifact, lockRel string, check []string, produce func() error) error {
	key := filepath.Join(fsys.Root(), lockRel)
	v, err, _ := e.group.Do(key, func() (any, error) {
		if done, err := allExist(fsys, check); err != nil || done {
			return false, err
		}
		release, err := e.lock(ctx, fsys, lockRel, check)
		if err != nil {
			return false, err
		}
		if release == nil {
			return false, nil
		}
		defer release()
		if done, err := allExist(fsys, check); err != nil || done {
			return false, err
		}
		start := time.Now()
		if err := produce(); err != nil {
			return false, err
		}
		metrics.RecordDerivation(artifact, "generated", time.Since(start))
		e.logger.Debug().Str("artifact", artifact).Str("target", key).Dur("took", time.Since(start)).Msg("derived artifact generated")
		return true, nil
	})
	if err != nil {
		metrics.RecordDerivation(artifact, "failed", 0)
		if apperr.KindOf(err) == nil {
			return apperr.Wrap(apperr.ErrDerivationFailed, err, artifact)
		}
		return err
	}
	if generated, _ := v.(bool); !generated {
		metrics.RecordDerivation(artifact, "cached", 0)
	}
	return nil
}

// lock acquires <lockRel>.lock. A nil release with a nil error means another
// holder finished the targets while this caller waited.
func (e *Engine) lock(ctx context.Context, fsys *safeio.SafeFS, lockRel string, check []string) (func(), error) {
	path := lockRel + ".lock"
	owner := []byte(fmt.Sprintf("%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano)))
	for {
		err := fsys.CreateExclusive(path, owner)
		if err == nil {
			return func() {
				if err := fsys.RemoveAll(path); err != nil {
					e.logger.Warn().Err(err).Str("lock", path).Msg("release derivation lock")
				}
			}, nil
		}
		if !errors.Is(err, fs.ErrExist) {
			return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err, "create lock "+filepath.Base(path))
		}
		if done, err := allExist(fsys, check); err != nil || done {
			return nil, err
		}
		if info, err := fsys.Stat(path); err == nil && time.Since(info.ModTime()) > e.lockStale {
			if e.breakStaleLock(fsys, path, info) {
				e.logger.Warn().Str("lock", path).Time("mtime", info.ModTime()).Msg("took over stale derivation lock")
			}
			continue
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(e.lockPoll):
		}
	}
}

// breakStaleLock removes the lock file described by stale. The file is first
// renamed aside so only one waiter can claim it; if the file moved is not the
// one judged stale, a fresh holder replaced it meanwhile and it is linked back.
func (e *Engine) breakStaleLock(fsys *safeio.SafeFS, path string, stale fs.FileInfo) bool {
	aside := fmt.Sprintf("%s.stale.%d.%d", path, os.Getpid(), time.Now().UnixNano())
	if err := fsys.Rename(path, aside); err != nil {
		return false
	}
	defer func() {
		if err := fsys.RemoveAll(aside); err != nil {
			e.logger.Warn().Err(err).Str("lock", aside).Msg("remove stale derivation lock")
		}
	}()
	moved, err := fsys.Stat(aside)
	if err == nil && os.SameFile(moved, stale) {
		return true
	}
	if err := fsys.Link(aside, path); err != nil && !errors.Is(err, fs.ErrExist) {
		e.logger.Warn().Err(err).Str("lock", path).Msg("restore derivation lock")
	}
	return false
}

func allExist(fsys *safeio.SafeFS, rels []string) (bool, error) {
	for _, rel := range rels {
		ok, err := fsys.Exists(rel)
		if err != nil {
			return false, apperr.Wrap(apperr.ErrStoreUnavailable, err, "stat "+filepath.Base(rel))
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}
