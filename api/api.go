// Package api serves the worker's inbound HTTP surface: the queue delivery
// endpoint, the status and admin API, and health.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.gazette.dev/core/server"

	"github.com/leadfold/enrich/auth"
	"github.com/leadfold/enrich/dispatch"
	"github.com/leadfold/enrich/queue"
	"github.com/leadfold/enrich/warehouse"
)

// API bundles the worker's request handlers and their dependencies.
type API struct {
	runner   *dispatch.Runner
	client   warehouse.Client
	enqueuer queue.Enqueuer
	verifier auth.Verifier
}

func New(runner *dispatch.Runner, client warehouse.Client, enqueuer queue.Enqueuer, verifier auth.Verifier) *API {
	return &API{
		runner:   runner,
		client:   client,
		enqueuer: enqueuer,
		verifier: verifier,
	}
}

// Router builds the route table. Every route but health requires a bearer
// token accepted by the configured verifier.
func (a *API) Router() *mux.Router {
	var router = mux.NewRouter()
	router.Use(a.observe)

	router.Path("/tasks/{taskKind}").Methods("POST").
		Handler(a.authenticated(a.serveTask)).Name("task")
	router.Path("/jobs/failed").Methods("GET").
		Handler(a.authenticated(a.serveFailedJobs)).Name("failedJobs")
	router.Path("/jobs/{jobID}/status").Methods("GET").
		Handler(a.authenticated(a.serveJobStatus)).Name("jobStatus")
	router.Path("/jobs/{jobID}/retry").Methods("POST").
		Handler(a.authenticated(a.serveRetry)).Name("jobRetry")
	router.Path("/healthz").Methods("GET").
		HandlerFunc(a.serveHealth).Name("health")

	return router
}

// RegisterAPIs mounts the API on the server's HTTP mux.
func RegisterAPIs(srv *server.Server, api *API) {
	srv.HTTPMux.Handle("/", api.Router())
}

func (a *API) serveHealth(w http.ResponseWriter, r *http.Request) {
	var ctx, cancel = context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := a.client.Ping(ctx); err != nil {
		writeError(w, http.StatusServiceUnavailable, fmt.Sprintf("warehouse: %v", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
