package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/leadfold/enrich/dispatch"
	"github.com/leadfold/enrich/ops"
)

// maxTaskBytes bounds an inbound delivery body. The managed queue caps
// task payloads at 1 MiB; anything larger is a misrouted request.
const maxTaskBytes = 1 << 20

// serveTask is the queue delivery endpoint. A 2xx acknowledges the
// delivery even when the handler reported failure; a 5xx tells the queue
// to redeliver.
func (a *API) serveTask(w http.ResponseWriter, r *http.Request) {
	var kind = mux.Vars(r)["taskKind"]

	var opts []ops.Option
	var retryCount = r.Header.Get("X-Task-Retry-Count")
	if retryCount != "" {
		opts = append(opts, ops.WithTag("queueRetry", retryCount))
	}
	if v := r.Header.Get("X-Task-Queue-Name"); v != "" {
		opts = append(opts, ops.WithTag("queue", v))
	}
	var ctx = ops.With(r.Context(), opts...)

	var body, err = io.ReadAll(http.MaxBytesReader(w, r.Body, maxTaskBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("reading task body: %v", err))
		return
	}
	payload, err := dispatch.ParsePayload(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if payload.TaskKind != "" && payload.TaskKind != kind {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("body task_kind %q does not match path %q", payload.TaskKind, kind))
		return
	}
	payload.Attempt, _ = strconv.Atoi(retryCount)

	summary, err := a.runner.Run(ctx, kind, payload)
	switch {
	case errors.Is(err, dispatch.ErrUnknownTask):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		ops.Error(ctx, "delivery was not completed and should be redelivered", "err", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, summary)
	}
}
