package prediction

import (
	"context"
	"fmt"
	"net/url"

	"nnunetserver/internal/apperr"
	"nnunetserver/internal/artifact"
	"nnunetserver/internal/derive"
	"nnunetserver/internal/queue"
	"nnunetserver/internal/workspace"
)

// Item is the list and detail view of one request.
type Item struct {
	ReqID          string         `json:"req_id"`
	ReqInfo        any            `json:"req_info"`
	InputImages    []string       `json:"input_images"`
	ExpectedLabels []string       `json:"expected_labels"`
	Completed      bool           `json:"completed"`
	OutputLabels   []string       `json:"output_labels"`
	State          artifact.State `json:"state"`
}

func newItem(id string, meta workspace.Metadata, found bool, st artifact.Status) Item {
	item := Item{
		ReqID:          id,
		ReqInfo:        map[string]any{},
		InputImages:    st.InputImages,
		ExpectedLabels: st.ExpectedLabels,
		Completed:      st.Completed,
		OutputLabels:   st.PresentLabels,
		State:          st.State,
	}
	if found {
		item.ReqInfo = meta
	}
	return item
}

// List returns every request of a dataset that has readable metadata.
// Workspaces still being assembled have no req.json yet and are skipped.
func (s *Service) List(ctx context.Context, datasetID string) ([]Item, error) {
	ds, err := s.dataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	ids, err := s.store.List(ctx, ds.ID)
	if err != nil {
		return nil, err
	}
	items := make([]Item, 0, len(ids))
	for _, id := range ids {
		ws, err := s.store.Open(ctx, ds.ID, id)
		if err != nil {
			// deleted between listing and opening
			continue
		}
		meta, found, err := s.store.ReadMetadata(ctx, ws)
		if err != nil || !found {
			s.logger.Debug().Err(err).Str("req_id", id).Msg("skipping request without readable req.json")
			continue
		}
		st, err := s.index.Status(ctx, ws, ds.FileEnding)
		if err != nil {
			continue
		}
		items = append(items, newItem(id, meta, true, st))
	}
	return items, nil
}

// Get returns one request. A missing or corrupt req.json yields an empty
// req_info rather than an error.
func (s *Service) Get(ctx context.Context, datasetID, reqID string) (Item, error) {
	ds, err := s.dataset(ctx, datasetID)
	if err != nil {
		return Item{}, err
	}
	ws, err := s.store.Open(ctx, ds.ID, reqID)
	if err != nil {
		return Item{}, err
	}
	meta, found, err := s.store.ReadMetadata(ctx, ws)
	if err != nil {
		s.logger.Warn().Err(err).Str("req_id", reqID).Msg("unreadable req.json")
		found = false
	}
	st, err := s.index.Status(ctx, ws, ds.FileEnding)
	if err != nil {
		return Item{}, err
	}
	return newItem(reqID, meta, found, st), nil
}

// Delete removes a request. A recorded work item that has not run yet is
// cancelled best-effort.
func (s *Service) Delete(ctx context.Context, datasetID, reqID string) error {
	ws, err := s.store.Open(ctx, datasetID, reqID)
	if err != nil {
		return err
	}
	if meta, found, err := s.store.ReadMetadata(ctx, ws); err == nil && found && meta.JobID != "" {
		if cerr := s.queue.Cancel(ctx, meta.JobID); cerr != nil && apperr.KindOf(cerr) != apperr.ErrNotFound {
			s.logger.Warn().Err(cerr).Str("job_id", meta.JobID).Msg("cancel work item of deleted request")
		}
	}
	if err := s.store.Remove(ws); err != nil {
		return err
	}
	s.logger.Info().Str("dataset_id", datasetID).Str("req_id", reqID).Msg("request deleted")
	return nil
}

// Contours returns the requested contour point sets keyed by points_<tag>.
func (s *Service) Contours(ctx context.Context, datasetID, reqID string, index, label int, systems string) (map[string]derive.Points, error) {
	tags, err := derive.ParseTags(systems)
	if err != nil {
		return nil, err
	}
	ds, err := s.dataset(ctx, datasetID)
	if err != nil {
		return nil, err
	}
	ws, err := s.store.Open(ctx, ds.ID, reqID)
	if err != nil {
		return nil, err
	}
	sets, err := s.engine.Contours(ctx, ws, ds, index, label, tags)
	if err != nil {
		return nil, err
	}
	out := make(map[string]derive.Points, len(sets))
	for t, pts := range sets {
		out[t.Key()] = pts
	}
	return out, nil
}

// ImageLabelMetadata names the inputs and label of one image index.
type ImageLabelMetadata struct {
	ImageNames  []string `json:"image_names"`
	LabelName   string   `json:"label_name"`
	DownloadURL string   `json:"download_url"`
}

func (s *Service) ImageLabelMetadata(ctx context.Context, datasetID, reqID string, index int) (ImageLabelMetadata, error) {
	ds, err := s.dataset(ctx, datasetID)
	if err != nil {
		return ImageLabelMetadata{}, err
	}
	if _, err := s.store.Open(ctx, ds.ID, reqID); err != nil {
		return ImageLabelMetadata{}, err
	}
	if index < 0 {
		return ImageLabelMetadata{}, apperr.Errorf(apperr.ErrValidationFailed, "image_number must not be negative")
	}
	channels := ds.Channels()
	names := make([]string, len(channels))
	for c := range channels {
		names[c] = workspace.InputImageName(index, c, ds.FileEnding)
	}
	q := url.Values{}
	q.Set("dataset_id", ds.ID)
	q.Set("req_id", reqID)
	q.Set("image_number", fmt.Sprint(index))
	return ImageLabelMetadata{
		ImageNames:  names,
		LabelName:   workspace.LabelName(index, ds.FileEnding),
		DownloadURL: "/predictions/download_images_and_label_files?" + q.Encode(),
	}, nil
}

// JobStatus looks up the queue state of the work item recorded in req.json.
func (s *Service) JobStatus(ctx context.Context, datasetID, reqID string) (queue.JobStatus, error) {
	ws, err := s.store.Open(ctx, datasetID, reqID)
	if err != nil {
		return queue.JobStatus{}, err
	}
	meta, found, err := s.store.ReadMetadata(ctx, ws)
	if err != nil {
		return queue.JobStatus{}, err
	}
	if !found || meta.JobID == "" {
		return queue.JobStatus{}, apperr.Errorf(apperr.ErrNotFound, "no job recorded for %s", reqID)
	}
	return s.queue.FetchStatus(ctx, meta.JobID)
}
