package handler

import (
	"encoding/json"
	"net/http"

	"nnunetserver/internal/apperr"
	"nnunetserver/internal/dataset"
)

func (h *Handler) ListDatasets(w http.ResponseWriter, r *http.Request) {
	list, err := h.datasets.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) ListDatasetIDs(w http.ResponseWriter, r *http.Request) {
	ids, err := h.datasets.IDs(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ids)
}

func (h *Handler) CreateDataset(w http.ResponseWriter, r *http.Request) {
	var def dataset.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		writeError(w, r, apperr.Wrap(apperr.ErrValidationFailed, err, "invalid JSON body"))
		return
	}
	ds, err := h.datasets.Create(r.Context(), def)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Dataset successfully created!",
		"dataset": ds,
	})
}
