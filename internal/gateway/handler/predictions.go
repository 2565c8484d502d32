package handler

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"nnunetserver/internal/apperr"
	"nnunetserver/internal/gateway/service/prediction"
)

// form fields with a meaning of their own; everything else is stored verbatim
var knownFormFields = map[string]bool{
	"dataset_id":     true,
	"requester_id":   true,
	"image_id":       true,
	"image_id_list":  true,
	"image_manifest": true,
}

func (h *Handler) parseForm(r *http.Request) error {
	if err := r.ParseMultipartForm(h.opts.MaxMemory); err != nil {
		return apperr.Wrap(apperr.ErrValidationFailed, err, "invalid multipart form")
	}
	return nil
}

func formValue(r *http.Request, key string) (string, error) {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return "", apperr.Errorf(apperr.ErrValidationFailed, "%s is required", key)
	}
	return v, nil
}

func formFile(r *http.Request, key string) (multipart.File, error) {
	f, _, err := r.FormFile(key)
	if err != nil {
		if errors.Is(err, http.ErrMissingFile) {
			return nil, apperr.Errorf(apperr.ErrValidationFailed, "%s is required", key)
		}
		return nil, apperr.Wrap(apperr.ErrValidationFailed, err, "read "+key)
	}
	return f, nil
}

func extraFormFields(r *http.Request) map[string]string {
	if r.MultipartForm == nil {
		return nil
	}
	out := make(map[string]string)
	for k, vs := range r.MultipartForm.Value {
		if knownFormFields[k] || len(vs) == 0 {
			continue
		}
		out[k] = vs[0]
	}
	return out
}

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// submitBase reads the fields shared by both submission routes.
func (h *Handler) submitBase(r *http.Request) (prediction.SubmitRequest, error) {
	if err := h.parseForm(r); err != nil {
		return prediction.SubmitRequest{}, err
	}
	datasetID, err := formValue(r, "dataset_id")
	if err != nil {
		return prediction.SubmitRequest{}, err
	}
	requester, err := formValue(r, "requester_id")
	if err != nil {
		return prediction.SubmitRequest{}, err
	}
	return prediction.SubmitRequest{
		DatasetID:   datasetID,
		RequesterID: requester,
		Extra:       extraFormFields(r),
	}, nil
}

// PostPrediction accepts one single-channel image.
func (h *Handler) PostPrediction(w http.ResponseWriter, r *http.Request) {
	req, err := h.submitBase(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	imageID, err := formValue(r, "image_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := formFile(r, "image")
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()
	req.ImageIDs = []string{imageID}
	req.Image = f

	meta, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

// PostPredictionZip accepts an archive of images and a "|" separated id list.
func (h *Handler) PostPredictionZip(w http.ResponseWriter, r *http.Request) {
	req, err := h.submitBase(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer r.MultipartForm.RemoveAll()

	ids, err := formValue(r, "image_id_list")
	if err != nil {
		writeError(w, r, err)
		return
	}
	f, err := formFile(r, "images_zip")
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer f.Close()
	req.ImageIDs = splitList(ids)
	req.Manifest = splitList(r.FormValue("image_manifest"))
	req.Archive = f

	meta, err := h.svc.Submit(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "success", "req": meta})
}

func (h *Handler) ListPredictions(w http.ResponseWriter, r *http.Request) {
	datasetID, err := requiredQuery(r, "dataset_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := h.svc.List(r.Context(), datasetID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, items)
}

func (h *Handler) GetPrediction(w http.ResponseWriter, r *http.Request) {
	datasetID, reqID, err := requestRef(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	item, err := h.svc.Get(r.Context(), datasetID, reqID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *Handler) DeletePrediction(w http.ResponseWriter, r *http.Request) {
	datasetID, reqID, err := requestRef(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := h.svc.Delete(r.Context(), datasetID, reqID); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "success",
		"message": fmt.Sprintf("Request '%s' deleted.", reqID),
	})
}

func (h *Handler) ContourPoints(w http.ResponseWriter, r *http.Request) {
	datasetID, reqID, err := requestRef(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	index, err := intQuery(r, "image_number")
	if err != nil {
		writeError(w, r, err)
		return
	}
	label, err := intQuery(r, "contour_number")
	if err != nil {
		writeError(w, r, err)
		return
	}
	systems := r.URL.Query().Get("coordinate_systems")
	if systems == "" {
		systems = "woI"
	}
	sets, err := h.svc.Contours(r.Context(), datasetID, reqID, index, label, systems)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sets)
}

func (h *Handler) ImageLabelMetadata(w http.ResponseWriter, r *http.Request) {
	datasetID, reqID, err := requestRef(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	index, err := intQuery(r, "image_number")
	if err != nil {
		writeError(w, r, err)
		return
	}
	md, err := h.svc.ImageLabelMetadata(r.Context(), datasetID, reqID, index)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

// Download streams the input and label bundle of one image index. With
// presign=1 and a bundle store configured it redirects to a presigned URL
// instead. The temporary archive never outlives the handler.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	datasetID, reqID, err := requestRef(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	index, err := intQuery(r, "image_number")
	if err != nil {
		writeError(w, r, err)
		return
	}
	b, err := h.svc.BuildBundle(r.Context(), datasetID, reqID, index)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer b.Close()

	if r.URL.Query().Get("presign") == "1" {
		u, ok, err := h.svc.PublishBundle(r.Context(), b)
		if err != nil {
			writeError(w, r, err)
			return
		}
		if ok {
			http.Redirect(w, r, u, http.StatusTemporaryRedirect)
			return
		}
	}

	f, err := os.Open(b.Path)
	if err != nil {
		writeError(w, r, apperr.Wrap(apperr.ErrStoreUnavailable, err, "open bundle"))
		return
	}
	defer f.Close()
	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, b.Name))
	w.Header().Set("Content-Length", fmt.Sprint(b.Size))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

func (h *Handler) JobStatus(w http.ResponseWriter, r *http.Request) {
	datasetID, reqID, err := requestRef(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	st, err := h.svc.JobStatus(r.Context(), datasetID, reqID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
