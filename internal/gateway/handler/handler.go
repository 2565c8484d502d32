// Package handler exposes the prediction service over plain HTTP, JSON and
// multipart forms.
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"nnunetserver/internal/apperr"
	"nnunetserver/internal/dataset"
	"nnunetserver/internal/gateway/service/prediction"
)

// DatasetCatalog is the dataset directory as the HTTP surface sees it.
type DatasetCatalog interface {
	IDs(ctx context.Context) ([]string, error)
	List(ctx context.Context) ([]dataset.Dataset, error)
	Create(ctx context.Context, def dataset.Definition) (dataset.Dataset, error)
}

type Options struct {
	WatchInterval time.Duration
	// MaxMemory bounds the multipart bytes kept in memory; the rest spills to disk.
	MaxMemory int64
}

type Handler struct {
	svc      *prediction.Service
	datasets DatasetCatalog
	opts     Options
}

func New(svc *prediction.Service, datasets DatasetCatalog, opts Options) *Handler {
	if opts.MaxMemory <= 0 {
		opts.MaxMemory = 32 << 20
	}
	return &Handler{svc: svc, datasets: datasets, opts: opts}
}

func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	logger := zerolog.Ctx(r.Context())
	ev := logger.Warn()
	if status >= http.StatusInternalServerError {
		ev = logger.Error()
	}
	ev.Err(err).Int("status", status).Msg("request failed")
	writeJSON(w, status, map[string]string{"detail": err.Error()})
}

func requiredQuery(r *http.Request, key string) (string, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return "", apperr.Errorf(apperr.ErrValidationFailed, "%s is required", key)
	}
	return v, nil
}

func intQuery(r *http.Request, key string) (int, error) {
	raw, err := requiredQuery(r, key)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Errorf(apperr.ErrValidationFailed, "%s must be an integer", key)
	}
	return n, nil
}

// requestRef reads the dataset_id and req_id pair most routes take.
func requestRef(r *http.Request) (datasetID, reqID string, err error) {
	if datasetID, err = requiredQuery(r, "dataset_id"); err != nil {
		return "", "", err
	}
	if reqID, err = requiredQuery(r, "req_id"); err != nil {
		return "", "", err
	}
	return datasetID, reqID, nil
}
