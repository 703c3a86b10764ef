package api

import (
	"encoding/json"
	"net/http"
	"time"

	xerrors "SynthralOS/internal/errors"
	"SynthralOS/internal/observability/metrics"
)

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// instrument 记录每个路由的请求数与耗时。
func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// rateLimited 在超过速率限制时返回 429。
func (s *Server) rateLimited(name string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			metrics.ObserveRateLimited(name)
			w.Header().Set("Retry-After", "1")
			writeError(w, xerrors.New(xerrors.CodeRateLimited, "too many requests"))
			return
		}
		next(w, r)
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, xerrors.HTTPStatus(err), errorBody{
		Error: xerrors.MessageOf(err),
		Code:  string(xerrors.CodeOf(err)),
	})
}
