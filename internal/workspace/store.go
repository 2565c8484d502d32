// Package workspace owns the per-request directories under the predictions
// root: creation with exclusive semantics, req.json persistence, listing and
// deletion.
package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"

	"nnunetserver/internal/apperr"
	"nnunetserver/internal/dataset"
	"nnunetserver/internal/safeio"
)

// Workspace is a handle to one existing request directory.
type Workspace struct {
	Dataset string
	ID      string

	fs *safeio.SafeFS
}

// Dir is the absolute workspace directory.
func (w *Workspace) Dir() string { return w.fs.Root() }

func (w *Workspace) OutputsDir() string { return filepath.Join(w.fs.Root(), OutputsDir) }

// Path returns the absolute path of a file directly under the workspace.
func (w *Workspace) Path(name string) string { return filepath.Join(w.fs.Root(), name) }

// OutputPath returns the absolute path of a file under outputs/.
func (w *Workspace) OutputPath(name string) string {
	return filepath.Join(w.fs.Root(), OutputsDir, name)
}

// FS exposes the workspace-confined filesystem used for atomic writes.
func (w *Workspace) FS() *safeio.SafeFS { return w.fs }

// Store manages workspaces beneath <predictions>/<dataset>/.
type Store struct {
	fs    *safeio.SafeFS
	newID func() string
}

func NewStore(predictionsRoot string) (*Store, error) {
	sfs, err := safeio.NewSafeFS(predictionsRoot)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err, "open predictions root")
	}
	return &Store{
		fs:    sfs,
		newID: func() string { return idPrefix + uuid.NewString() },
	}, nil
}

// Root is the absolute predictions root.
func (s *Store) Root() string { return s.fs.Root() }

// Create allocates a fresh workspace. An existing directory with the
// generated id is treated as a fatal error rather than retried.
func (s *Store) Create(_ context.Context, datasetKey string) (*Workspace, error) {
	if !dataset.ValidKey(datasetKey) {
		return nil, apperr.Errorf(apperr.ErrValidationFailed, "invalid dataset key %q", datasetKey)
	}
	if _, err := s.fs.MkdirAll(datasetKey); err != nil {
		return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err, "create dataset predictions root")
	}
	id := s.newID()
	rel := filepath.Join(datasetKey, id)
	if _, err := s.fs.MkdirExclusive(rel); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return nil, apperr.Errorf(apperr.ErrStoreUnavailable, "workspace id collision: %s", id)
		}
		return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err, "create workspace directory")
	}
	sub, err := s.fs.Sub(rel)
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err, "open workspace directory")
	}
	return &Workspace{Dataset: datasetKey, ID: id, fs: sub}, nil
}

// Open returns a handle to an existing workspace.
func (s *Store) Open(_ context.Context, datasetKey, id string) (*Workspace, error) {
	if !dataset.ValidKey(datasetKey) || !ValidID(id) {
		return nil, apperr.Errorf(apperr.ErrNotFound, "request %q not found in dataset %q", id, datasetKey)
	}
	sub, err := s.fs.Sub(filepath.Join(datasetKey, id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, apperr.Errorf(apperr.ErrNotFound, "request %q not found in dataset %q", id, datasetKey)
		}
		return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err, "open workspace")
	}
	return &Workspace{Dataset: datasetKey, ID: id, fs: sub}, nil
}

// WriteMetadata persists req.json. It is only valid while the submission is
// being assembled, so it is refused once outputs/ exists.
func (s *Store) WriteMetadata(_ context.Context, ws *Workspace, meta Metadata) error {
	exists, err := ws.fs.Exists(OutputsDir)
	if err != nil {
		return apperr.Wrap(apperr.ErrStoreUnavailable, err, "inspect outputs")
	}
	if exists {
		return apperr.Errorf(apperr.ErrValidationFailed, "metadata of %s is frozen: outputs exist", ws.ID)
	}
	return s.writeMetadata(ws, meta)
}

// RecordJob stores the queue handle in req.json. It completes the initial
// submission and may run after a fast worker already created outputs/, but
// only once per workspace.
func (s *Store) RecordJob(ctx context.Context, ws *Workspace, jobID string) (Metadata, error) {
	meta, found, err := s.ReadMetadata(ctx, ws)
	if err != nil {
		return Metadata{}, err
	}
	if !found {
		return Metadata{}, apperr.Errorf(apperr.ErrNotFound, "metadata of %s not found", ws.ID)
	}
	if meta.JobID != "" && meta.JobID != jobID {
		return Metadata{}, apperr.Errorf(apperr.ErrValidationFailed, "job already recorded for %s", ws.ID)
	}
	meta.JobID = jobID
	if err := s.writeMetadata(ws, meta); err != nil {
		return Metadata{}, err
	}
	return meta, nil
}

func (s *Store) writeMetadata(ws *Workspace, meta Metadata) error {
	raw, err := json.MarshalIndent(meta, "", "    ")
	if err != nil {
		return err
	}
	if err := ws.fs.WriteFileAtomic(MetadataFile, raw); err != nil {
		return apperr.Wrap(apperr.ErrStoreUnavailable, err, "write req.json")
	}
	return nil
}

// ReadMetadata loads req.json. found is false when the file does not exist;
// a corrupt file is an error.
func (s *Store) ReadMetadata(_ context.Context, ws *Workspace) (Metadata, bool, error) {
	raw, err := ws.fs.ReadFile(MetadataFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Metadata{}, false, nil
		}
		return Metadata{}, false, apperr.Wrap(apperr.ErrStoreUnavailable, err, "read req.json")
	}
	var meta Metadata
	if err := json.Unmarshal(raw, &meta); err != nil {
		return Metadata{}, false, apperr.Wrap(apperr.ErrStoreUnavailable, err, "parse req.json")
	}
	return meta, true, nil
}

// List returns workspace ids for a dataset in lexicographic order. Entries
// that do not follow the id convention are skipped.
func (s *Store) List(_ context.Context, datasetKey string) ([]string, error) {
	if !dataset.ValidKey(datasetKey) {
		return nil, apperr.Errorf(apperr.ErrValidationFailed, "invalid dataset key %q", datasetKey)
	}
	entries, err := s.fs.ReadDir(datasetKey)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return []string{}, nil
		}
		return nil, apperr.Wrap(apperr.ErrStoreUnavailable, err, "list workspaces")
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !e.IsDir() || !strings.HasPrefix(name, idPrefix) || !ValidID(name) {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Delete removes a workspace recursively. Absent workspaces are NotFound.
func (s *Store) Delete(ctx context.Context, datasetKey, id string) error {
	ws, err := s.Open(ctx, datasetKey, id)
	if err != nil {
		return err
	}
	return s.Remove(ws)
}

// Remove deletes the directory behind an open handle.
func (s *Store) Remove(ws *Workspace) error {
	if err := s.fs.RemoveAll(filepath.Join(ws.Dataset, ws.ID)); err != nil {
		return apperr.Wrap(apperr.ErrStoreUnavailable, err, "remove workspace")
	}
	return nil
}
