package prediction

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zip"

	"nnunetserver/internal/apperr"
	"nnunetserver/internal/gateway/repository/bundle"
	"nnunetserver/internal/workspace"
)

// Bundle is a temporary zip of the inputs and label of one image index. The
// caller owns it and must Close it, which removes the file.
type Bundle struct {
	Dataset string
	ReqID   string
	Name    string
	Path    string
	Size    int64
	Members []string
}

func (b *Bundle) Close() error {
	if b == nil || b.Path == "" {
		return nil
	}
	err := os.Remove(b.Path)
	b.Path = ""
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// BuildBundle zips every channel input image_<n>_<c><ext> and the label when
// it exists. A missing input is NotFound.
func (s *Service) BuildBundle(ctx context.Context, datasetID, reqID string, index int) (*Bundle, error) {
	ds, err := s.dataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	ws, err := s.store.Open(ctx, ds.ID, reqID)
	if err != nil {
		return nil, err
	}
	if index < 0 {
		return nil, apperr.Errorf(apperr.ErrValidationFailed, "image_number must not be negative")
	}

	var members []string
	for c := range ds.Channels() {
		name := workspace.InputImageName(index, c, ds.FileEnding)
		ok, err := ws.FS().Exists(name)
		if err != nil {
			return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err, "stat "+name)
		}
		if !ok {
			return nil, apperr.Errorf(apperr.ErrNotFound, "input image not found: %s", name)
		}
		members = append(members, name)
	}
	label := workspace.LabelName(index, ds.FileEnding)
	labelRel := filepath.Join(workspace.OutputsDir, label)
	hasLabel, err := ws.FS().Exists(labelRel)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err, "stat "+label)
	}

	tmp, err := os.CreateTemp("", "nnunet-bundle-*.zip")
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err, "create bundle")
	}
	b := &Bundle{
		Dataset: ds.ID,
		ReqID:   reqID,
		Name:    fmt.Sprintf("%s_image_%d.zip", reqID, index),
		Path:    tmp.Name(),
	}
	fail := func(err error) (*Bundle, error) {
		_ = tmp.Close()
		_ = b.Close()
		return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err, "write bundle")
	}

	zw := zip.NewWriter(tmp)
	for _, name := range members {
		if err := addFile(zw, ws, name, name); err != nil {
			return fail(err)
		}
	}
	if hasLabel {
		if err := addFile(zw, ws, labelRel, label); err != nil {
			return fail(err)
		}
		members = append(members, label)
	}
	if err := zw.Close(); err != nil {
		return fail(err)
	}
	info, err := tmp.Stat()
	if err != nil {
		return fail(err)
	}
	if err := tmp.Close(); err != nil {
		return fail(err)
	}
	b.Size = info.Size()
	b.Members = members
	return b, nil
}

func addFile(zw *zip.Writer, ws *workspace.Workspace, rel, arcname string) error {
	f, err := ws.FS().Open(rel)
	if err != nil {
		return err
	}
	defer f.Close()
	w, err := zw.Create(arcname)
	if err != nil {
		return err
	}
	_, err = io.Copy(w, f)
	return err
}

// PublishBundle uploads b to the bundle store and returns a presigned URL.
// A stored bundle of the same size is reused: inputs never change and the
// label only ever appears, which changes the archive size. ok is false when
// no bundle store is configured.
func (s *Service) PublishBundle(ctx context.Context, b *Bundle) (string, bool, error) {
	if s.bundles == nil {
		return "", false, nil
	}
	key := bundle.Key{Dataset: b.Dataset, ReqID: b.ReqID, Name: b.Name}
	size, err := s.bundles.Stat(ctx, key)
	switch {
	case err == nil && size == b.Size:
		s.logger.Debug().Str("object", key.Object()).Msg("reusing published bundle")
	case err == nil || errors.Is(err, bundle.ErrNotFound):
		if err := s.upload(ctx, key, b); err != nil {
			return "", false, err
		}
	default:
		return "", false, apperr.Wrap(apperr.ErrStoreUnavailable, err, "stat bundle")
	}
	u, err := s.bundles.URL(ctx, key, s.cfg.BundleExpiry)
	if err != nil {
		return "", false, apperr.Wrap(apperr.ErrStoreUnavailable, err, "presign bundle")
	}
	return u, true, nil
}

func (s *Service) upload(ctx context.Context, key bundle.Key, b *Bundle) error {
	f, err := os.Open(b.Path)
	if err != nil {
		return apperr.Wrap(apperr.ErrStoreUnavailable, err, "open bundle")
	}
	defer f.Close()
	if err := s.bundles.Put(ctx, key, f, b.Size); err != nil {
		return apperr.Wrap(apperr.ErrStoreUnavailable, err, "upload bundle")
	}
	return nil
}
