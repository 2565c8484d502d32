package server

import (
	"net/http"

	"github.com/rs/zerolog"

	"nnunetserver/internal/gateway/handler"
	"nnunetserver/internal/gateway/middleware"
	"nnunetserver/internal/metrics"
)

func NewMux(h *handler.Handler, logger zerolog.Logger) http.Handler {
	mux := http.NewServeMux()

	// Predictions
	mux.HandleFunc("POST /predictions", h.PostPrediction)
	mux.HandleFunc("POST /predictions_zip", h.PostPredictionZip)
	mux.HandleFunc("GET /predictions", h.ListPredictions)
	mux.HandleFunc("DELETE /predictions", h.DeletePrediction)
	mux.HandleFunc("GET /prediction", h.GetPrediction)
	mux.HandleFunc("GET /predictions/contour_points", h.ContourPoints)
	mux.HandleFunc("GET /predictions/image_and_label_metadata", h.ImageLabelMetadata)
	mux.HandleFunc("GET /predictions/download_images_and_label_files", h.Download)
	mux.HandleFunc("GET /predictions/job_status", h.JobStatus)
	mux.HandleFunc("GET /predictions/watch", h.Watch)

	// Datasets
	mux.HandleFunc("GET /dataset_json/list", h.ListDatasets)
	mux.HandleFunc("GET /dataset_json/id-list", h.ListDatasetIDs)
	mux.HandleFunc("POST /dataset_json/new", h.CreateDataset)

	// Operations
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.Handle("GET /metrics", metrics.Handler())

	// Middleware
	return middleware.CORS(middleware.RequestLogger(logger)(mux))
}
