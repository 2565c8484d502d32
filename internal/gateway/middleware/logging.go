package middleware

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"nnunetserver/internal/metrics"
)

// statusRecorder captures the response status. It keeps Hijack and Flush
// reachable for websocket upgrades and streamed downloads.
type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(p)
	r.bytes += int64(n)
	return n, err
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	if r.status == 0 {
		r.status = http.StatusSwitchingProtocols
	}
	return h.Hijack()
}

func (r *statusRecorder) code() int {
	if r.status == 0 {
		return http.StatusOK
	}
	return r.status
}

// RequestLogger attaches a request-scoped logger to the context and logs
// one line per request. It also records the HTTP metrics.
func RequestLogger(base zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			reqID := strings.TrimSpace(r.Header.Get("X-Request-Id"))
			if reqID == "" {
				reqID = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", reqID)

			logger := base.With().Str("request_id", reqID).Logger()
			rec := &statusRecorder{ResponseWriter: w}
			req := r.WithContext(logger.WithContext(r.Context()))
			next.ServeHTTP(rec, req)

			elapsed := time.Since(start)
			metrics.RecordHTTPRequest(methodLabel(r.Method), routeLabel(req), rec.code(), elapsed)

			ev := logger.Info()
			if rec.code() >= http.StatusInternalServerError {
				ev = logger.Error()
			} else if r.URL.Path == "/healthz" || r.URL.Path == "/metrics" {
				ev = logger.Debug()
			}
			ev.Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.code()).
				Int64("bytes", rec.bytes).
				Dur("duration", elapsed).
				Msg("http request")
		})
	}
}

// routeLabel is the path of the ServeMux pattern that matched req, so metric
// labels stay bounded by the route table. The mux records the pattern on the
// request it was handed. Unmatched requests share one label.
func routeLabel(req *http.Request) string {
	if req.Pattern == "" {
		return "other"
	}
	if _, path, ok := strings.Cut(req.Pattern, " "); ok {
		return path
	}
	return req.Pattern
}

var knownMethods = map[string]struct{}{
	http.MethodGet:     {},
	http.MethodHead:    {},
	http.MethodPost:    {},
	http.MethodPut:     {},
	http.MethodPatch:   {},
	http.MethodDelete:  {},
	http.MethodOptions: {},
}

func methodLabel(method string) string {
	if _, ok := knownMethods[method]; ok {
		return method
	}
	return "other"
}
