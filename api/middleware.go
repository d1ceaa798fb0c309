package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/leadfold/enrich/auth"
	"github.com/leadfold/enrich/metrics"
	"github.com/leadfold/enrich/ops"
)

// statusWriter captures the response code for logging and metrics.
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

// observe assigns the request's trace identity, preferring one the caller
// already carries, echoes it back, and records the served outcome.
func (a *API) observe(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var traceID = r.Header.Get("X-Request-Id")
		if traceID == "" {
			traceID = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", traceID)

		var ctx = ops.With(r.Context(), ops.WithTrace(traceID))
		var sw = &statusWriter{ResponseWriter: w, code: http.StatusOK}
		var started = time.Now()

		next.ServeHTTP(sw, r.WithContext(ctx))

		var route = "unrouted"
		if m := mux.CurrentRoute(r); m != nil && m.GetName() != "" {
			route = m.GetName()
		}
		metrics.APIRequests.WithLabelValues(route, strconv.Itoa(sw.code)).Inc()
		ops.Debug(ctx, "served request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.code,
			"tookMs", time.Since(started).Milliseconds(),
		)
	})
}

// authenticated wraps |next| with bearer verification. The verified subject
// rides the logging scope, not the handler arguments.
func (a *API) authenticated(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var token, err = auth.Bearer(r)
		if err != nil {
			writeError(w, http.StatusUnauthorized, err.Error())
			return
		}
		subject, err := a.verifier.Verify(r.Context(), token)
		if err != nil {
			ops.Warn(r.Context(), "rejected request authorization", "err", err)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		var ctx = ops.With(r.Context(), ops.WithTag("caller", subject))
		next(w, r.WithContext(ctx))
	})
}
