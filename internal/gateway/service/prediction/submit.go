package prediction

import (
	"context"
	"encoding/json"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/zip"

	"nnunetserver/internal/apperr"
	"nnunetserver/internal/dataset"
	"nnunetserver/internal/metrics"
	"nnunetserver/internal/queue"
	"nnunetserver/internal/worker"
	"nnunetserver/internal/workspace"
)

// SubmitRequest carries exactly one of Image or Archive.
type SubmitRequest struct {
	DatasetID   string
	RequesterID string
	ImageIDs    []string
	Image       io.Reader
	Archive     io.Reader
	// Manifest optionally names, per image id, the archive member to use.
	Manifest []string
	Extra    map[string]string
}

func (r SubmitRequest) kind() string {
	if r.Archive != nil {
		return "archive"
	}
	return "single"
}

func (r SubmitRequest) validate() error {
	if strings.TrimSpace(r.RequesterID) == "" {
		return apperr.Errorf(apperr.ErrValidationFailed, "requester_id is required")
	}
	if len(r.ImageIDs) == 0 {
		return apperr.Errorf(apperr.ErrValidationFailed, "at least one image id is required")
	}
	for _, id := range r.ImageIDs {
		if strings.TrimSpace(id) == "" {
			return apperr.Errorf(apperr.ErrValidationFailed, "image ids must not be empty")
		}
	}
	switch {
	case r.Image != nil && r.Archive != nil:
		return apperr.Errorf(apperr.ErrValidationFailed, "submit either an image or an archive, not both")
	case r.Image == nil && r.Archive == nil:
		return apperr.Errorf(apperr.ErrValidationFailed, "an image or an archive is required")
	case r.Image != nil && len(r.ImageIDs) != 1:
		return apperr.Errorf(apperr.ErrValidationFailed, "a single image takes exactly one image id")
	case r.Image != nil && len(r.Manifest) > 0:
		return apperr.Errorf(apperr.ErrValidationFailed, "image_manifest applies to archives only")
	}
	if len(r.Manifest) > 0 && len(r.Manifest) != len(r.ImageIDs) {
		return apperr.Errorf(apperr.ErrValidationFailed,
			"image_manifest names %d members for %d image ids", len(r.Manifest), len(r.ImageIDs))
	}
	return nil
}

// Submit creates a workspace, materialises the inputs, persists req.json and
// enqueues one work item. On any failure after the workspace exists it is
// removed again, and an already accepted work item is cancelled.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (meta workspace.Metadata, err error) {
	defer func() { metrics.RecordSubmission(req.kind(), err) }()

	ds, err := s.dataset(ctx, req.DatasetID)
	if err != nil {
		return workspace.Metadata{}, err
	}
	if err := req.validate(); err != nil {
		return workspace.Metadata{}, err
	}

	ws, err := s.store.Create(ctx, ds.ID)
	if err != nil {
		return workspace.Metadata{}, err
	}
	log := s.logger.With().Str("dataset_id", ds.ID).Str("req_id", ws.ID).Logger()

	var jobID string
	defer func() {
		if err == nil {
			return
		}
		if jobID != "" {
			if cerr := s.queue.Cancel(context.WithoutCancel(ctx), jobID); cerr != nil {
				log.Warn().Err(cerr).Str("job_id", jobID).Msg("cancel work item during rollback")
			}
		}
		if rerr := s.store.Remove(ws); rerr != nil {
			log.Error().Err(rerr).Msg("remove workspace during rollback")
		}
		log.Warn().Err(err).Msg("submission rolled back")
	}()

	var members []string
	if req.Archive != nil {
		members, err = s.extractArchive(ws, ds, req)
	} else {
		err = s.writeInput(ws, workspace.InputImageName(0, 0, ds.FileEnding), req.Image)
	}
	if err != nil {
		return workspace.Metadata{}, err
	}

	meta = workspace.Metadata{
		RequesterID:    req.RequesterID,
		ImageIDs:       append([]string(nil), req.ImageIDs...),
		ReqID:          ws.ID,
		At:             s.now().UTC().Format(time.RFC3339),
		ArchiveMembers: members,
		Extra:          extraFields(req.Extra),
	}
	if err = s.store.WriteMetadata(ctx, ws, meta); err != nil {
		return workspace.Metadata{}, err
	}

	payload, err := json.Marshal(s.jobMetadata(ds, ws, req))
	if err != nil {
		return workspace.Metadata{}, apperr.Wrap(apperr.ErrQueueUnavailable, err, "encode job payload")
	}
	handle, err := s.queue.Enqueue(ctx, queue.Task{
		Function:  queue.FunctionPredict,
		Payload:   payload,
		Timeout:   s.cfg.JobTimeout,
		ResultTTL: s.cfg.ResultTTL,
	})
	if err != nil {
		if apperr.KindOf(err) == nil {
			err = apperr.Wrap(apperr.ErrQueueUnavailable, err, "enqueue")
		}
		return workspace.Metadata{}, err
	}
	jobID = handle.ID

	meta, err = s.store.RecordJob(ctx, ws, handle.ID)
	if err != nil {
		return workspace.Metadata{}, err
	}
	log.Info().Str("job_id", handle.ID).Int("images", len(req.ImageIDs)).Str("kind", req.kind()).Msg("prediction submitted")
	return meta, nil
}

func (s *Service) jobMetadata(ds dataset.Dataset, ws *workspace.Workspace, req SubmitRequest) worker.JobMetadata {
	requester := req.RequesterID
	if s.cfg.RequesterID != "" {
		requester = s.cfg.RequesterID
	}
	return worker.JobMetadata{
		JobID:         "job_for_" + ws.ID,
		DatasetID:     ds.ID,
		InputDir:      ws.Dir(),
		Configuration: s.cfg.Configuration,
		Device:        s.cfg.Device,
		Trainer:       s.cfg.Trainer,
		Plans:         s.cfg.Plans,
		RequesterID:   requester,
	}
}

func (s *Service) writeInput(ws *workspace.Workspace, name string, r io.Reader) error {
	err := ws.FS().WriteAtomic(name, func(w io.Writer) error {
		_, err := io.Copy(w, r)
		return err
	})
	if err != nil {
		return apperr.Wrap(apperr.ErrStoreUnavailable, err, "save "+name)
	}
	return nil
}

// extractArchive saves the upload as images.zip, maps its members onto the
// image ids and writes member i to image_<i>_0000<ext>. The archive is
// removed afterwards. The member order used is returned.
func (s *Service) extractArchive(ws *workspace.Workspace, ds dataset.Dataset, req SubmitRequest) ([]string, error) {
	if err := s.writeInput(ws, workspace.ArchiveFile, req.Archive); err != nil {
		return nil, err
	}
	defer func() { _ = ws.FS().RemoveAll(workspace.ArchiveFile) }()

	zr, err := zip.OpenReader(ws.Path(workspace.ArchiveFile))
	if err != nil {
		return nil, apperr.Wrap(apperr.ErrValidationFailed, err, "read images_zip")
	}
	defer zr.Close()

	files := make(map[string]*zip.File, len(zr.File))
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if !safeMemberName(f.Name) {
			return nil, apperr.Errorf(apperr.ErrValidationFailed, "unsafe archive member name %q", f.Name)
		}
		if !f.Mode().IsRegular() {
			continue
		}
		if _, dup := files[f.Name]; dup {
			return nil, apperr.Errorf(apperr.ErrValidationFailed, "duplicate archive member %q", f.Name)
		}
		files[f.Name] = f
		names = append(names, f.Name)
	}
	sort.Strings(names)

	order := names
	if len(req.Manifest) > 0 {
		order = make([]string, 0, len(req.Manifest))
		seen := make(map[string]bool, len(req.Manifest))
		for _, name := range req.Manifest {
			name = strings.TrimSpace(name)
			if _, ok := files[name]; !ok {
				return nil, apperr.Errorf(apperr.ErrValidationFailed, "image_manifest names missing member %q", name)
			}
			if seen[name] {
				return nil, apperr.Errorf(apperr.ErrValidationFailed, "image_manifest repeats member %q", name)
			}
			seen[name] = true
			order = append(order, name)
		}
	}
	if len(order) != len(req.ImageIDs) {
		return nil, apperr.Errorf(apperr.ErrValidationFailed,
			"mismatch between number of images (%d) and image_id_list (%d)", len(order), len(req.ImageIDs))
	}

	for i, name := range order {
		if err := s.extractMember(ws, files[name], workspace.InputImageName(i, 0, ds.FileEnding)); err != nil {
			return nil, err
		}
	}
	return order, nil
}

func (s *Service) extractMember(ws *workspace.Workspace, f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return apperr.Wrap(apperr.ErrValidationFailed, err, "open archive member "+f.Name)
	}
	defer rc.Close()
	err = ws.FS().WriteAtomic(target, func(w io.Writer) error {
		_, err := io.Copy(w, rc)
		return err
	})
	if err != nil {
		return apperr.Wrap(apperr.ErrValidationFailed, err, "extract archive member "+f.Name)
	}
	return nil
}

func safeMemberName(name string) bool {
	if name == "" || strings.Contains(name, "\\") || strings.HasPrefix(name, "/") {
		return false
	}
	clean := path.Clean(name)
	return clean != ".." && !strings.HasPrefix(clean, "../")
}

func extraFields(in map[string]string) map[string]string {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if workspace.Reserved(k) {
			continue
		}
		out[k] = v
	}
	return out
}
