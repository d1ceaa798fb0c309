package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/dispatch"
	"github.com/leadfold/enrich/ops"
	"github.com/leadfold/enrich/queue"
	"github.com/leadfold/enrich/warehouse"
)

// TaskStatus is one row of the derived job view: the current state of one
// (task_kind, entity_id) of a job, assembled from the result store and the
// audit log. A key is completed once a stored result exists, failed when
// its newest terminal record is a failure, and processing otherwise.
type TaskStatus struct {
	TaskKind   string     `json:"task_kind"`
	EntityID   string     `json:"entity_id"`
	Status     string     `json:"status"`
	Attempts   int        `json:"attempts"`
	LastError  string     `json:"last_error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// JobStatus is the response of the status endpoint.
type JobStatus struct {
	JobID string       `json:"job_id"`
	Tasks []TaskStatus `json:"tasks"`
}

// FailedTask is one row of the failed-jobs listing.
type FailedTask struct {
	JobID     string    `json:"job_id"`
	TaskKind  string    `json:"task_kind"`
	EntityID  string    `json:"entity_id"`
	LastError string    `json:"last_error,omitempty"`
	FailedAt  time.Time `json:"failed_at"`
}

// RetriedTask reports one re-enqueued delivery and the worker's response.
type RetriedTask struct {
	TaskKind string          `json:"task_kind"`
	EntityID string          `json:"entity_id"`
	Attempt  int             `json:"attempt"`
	Response json.RawMessage `json:"response"`
}

type taskKey struct{ taskKind, jobID, entityID string }

func (a *API) serveJobStatus(w http.ResponseWriter, r *http.Request) {
	var jobID = mux.Vars(r)["jobID"]
	var ctx = ops.With(r.Context(), ops.WithJob(jobID))

	var tasks, err = a.jobView(ctx, jobID)
	if err != nil {
		ops.Error(ctx, "job view query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "job view query failed")
		return
	}
	if len(tasks) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no deliveries recorded for job %q", jobID))
		return
	}
	writeJSON(w, http.StatusOK, JobStatus{JobID: jobID, Tasks: tasks})
}

func (a *API) serveFailedJobs(w http.ResponseWriter, r *http.Request) {
	var ctx = r.Context()
	var query = r.URL.Query()

	var conditions = []string{"stage = ?"}
	var params = []interface{}{dispatch.StageFailure}
	if v := query.Get("since"); v != "" {
		since, err := parseSince(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		conditions = append(conditions, "created_at >= ?")
		params = append(params, since.UTC())
	}
	if v := query.Get("task_kind"); v != "" {
		conditions = append(conditions, "task_kind = ?")
		params = append(params, v)
	}

	var stmt = fmt.Sprintf(
		`SELECT job_id, task_kind, entity_id, error_json, created_at
			FROM %s WHERE %s ORDER BY created_at DESC`,
		a.client.Table(warehouse.TableRawData), strings.Join(conditions, " AND "))

	var rows, err = a.client.Query(ctx, stmt, params...)
	if err != nil {
		ops.Error(ctx, "failed-jobs query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed-jobs query failed")
		return
	}

	// Rows arrive newest first; the first row per key is its last failure.
	var newest = map[taskKey]warehouse.Row{}
	var jobIDs []string
	var seenJobs = map[string]bool{}
	for _, row := range rows {
		var key = taskKey{row.String("task_kind"), row.String("job_id"), row.String("entity_id")}
		if _, ok := newest[key]; ok {
			continue
		}
		newest[key] = row
		if !seenJobs[key.jobID] {
			seenJobs[key.jobID] = true
			jobIDs = append(jobIDs, key.jobID)
		}
	}

	// A key that later completed (an operator retry succeeded) is no
	// longer failed.
	completed, err := a.completedKeys(ctx, jobIDs)
	if err != nil {
		ops.Error(ctx, "failed-jobs query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "failed-jobs query failed")
		return
	}

	var failed = []FailedTask{}
	for key, row := range newest {
		if _, ok := completed[key]; ok {
			continue
		}
		failed = append(failed, FailedTask{
			JobID:     key.jobID,
			TaskKind:  key.taskKind,
			EntityID:  key.entityID,
			LastError: errorMessage(row.String("error_json")),
			FailedAt:  row.Time("created_at"),
		})
	}
	sort.Slice(failed, func(i, j int) bool {
		if !failed[i].FailedAt.Equal(failed[j].FailedAt) {
			return failed[i].FailedAt.After(failed[j].FailedAt)
		}
		return failed[i].JobID < failed[j].JobID
	})

	writeJSON(w, http.StatusOK, map[string]interface{}{"failed": failed})
}

func (a *API) serveRetry(w http.ResponseWriter, r *http.Request) {
	var jobID = mux.Vars(r)["jobID"]
	var ctx = ops.With(r.Context(), ops.WithJob(jobID))
	var query = r.URL.Query()

	var tasks, err = a.jobView(ctx, jobID)
	if err != nil {
		ops.Error(ctx, "job view query failed", "err", err)
		writeError(w, http.StatusInternalServerError, "job view query failed")
		return
	}
	if len(tasks) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no deliveries recorded for job %q", jobID))
		return
	}

	var targets []TaskStatus
	for _, task := range tasks {
		if v := query.Get("task_kind"); v != "" && task.TaskKind != v {
			continue
		}
		if v := query.Get("entity_id"); v != "" && task.EntityID != v {
			continue
		}
		if task.Status == string(callback.StatusFailed) {
			targets = append(targets, task)
		}
	}
	if len(targets) == 0 {
		writeError(w, http.StatusConflict, "no tasks of the job are in a failed state")
		return
	}

	var retried []RetriedTask
	for _, task := range targets {
		snapshot, err := a.deliverySnapshot(ctx, jobID, task)
		if err != nil {
			ops.Error(ctx, "reading delivery snapshot failed", "err", err)
			writeError(w, http.StatusInternalServerError, "reading delivery snapshot failed")
			return
		}
		if snapshot == nil {
			writeError(w, http.StatusConflict, fmt.Sprintf(
				"task (%s, %s) has no delivery payload snapshot to retry from",
				task.TaskKind, task.EntityID))
			return
		}

		response, err := a.enqueuer.Enqueue(ctx, queue.Delivery{
			TaskKind: task.TaskKind,
			Payload:  snapshot,
			Attempt:  task.Attempts,
		})
		if err != nil {
			ops.Error(ctx, "retry delivery failed", "err", err,
				"taskKind", task.TaskKind, "entity", task.EntityID)
			writeError(w, http.StatusBadGateway, fmt.Sprintf(
				"retry delivery of (%s, %s): %v", task.TaskKind, task.EntityID, err))
			return
		}
		retried = append(retried, RetriedTask{
			TaskKind: task.TaskKind,
			EntityID: task.EntityID,
			Attempt:  task.Attempts,
			Response: response,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"job_id": jobID, "retried": retried})
}

// jobView assembles the per-key status rows of one job.
func (a *API) jobView(ctx context.Context, jobID string) ([]TaskStatus, error) {
	var stmt = fmt.Sprintf(
		`SELECT task_kind, entity_id, stage, error_json, created_at
			FROM %s WHERE job_id = ? ORDER BY created_at ASC`,
		a.client.Table(warehouse.TableRawData))

	var raw, err = a.client.Query(ctx, stmt, jobID)
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	completed, err := a.completedKeys(ctx, []string{jobID})
	if err != nil {
		return nil, err
	}

	type agg struct {
		attempts  int
		startedAt time.Time
		lastError string
		failedAt  time.Time
	}
	var keys []taskKey
	var byKey = map[taskKey]*agg{}
	for _, row := range raw {
		var key = taskKey{row.String("task_kind"), jobID, row.String("entity_id")}
		var cur = byKey[key]
		if cur == nil {
			cur = &agg{startedAt: row.Time("created_at")}
			byKey[key] = cur
			keys = append(keys, key)
		}
		switch row.String("stage") {
		case dispatch.StageDelivery:
			cur.attempts++
		case dispatch.StageFailure:
			cur.lastError = errorMessage(row.String("error_json"))
			cur.failedAt = row.Time("created_at")
		}
	}
	// A stored result with no surviving audit rows still reports.
	for key := range completed {
		if byKey[key] == nil {
			byKey[key] = &agg{}
			keys = append(keys, key)
		}
	}

	var tasks []TaskStatus
	for _, key := range keys {
		var cur = byKey[key]
		var task = TaskStatus{
			TaskKind:  key.taskKind,
			EntityID:  key.entityID,
			Status:    string(callback.StatusProcessing),
			Attempts:  cur.attempts,
			StartedAt: cur.startedAt,
		}
		if at, ok := completed[key]; ok {
			task.Status = string(callback.StatusCompleted)
			task.FinishedAt = &at
		} else if !cur.failedAt.IsZero() {
			task.Status = string(callback.StatusFailed)
			task.LastError = cur.lastError
			task.FinishedAt = &cur.failedAt
		}
		tasks = append(tasks, task)
	}
	sort.Slice(tasks, func(i, j int) bool {
		if tasks[i].TaskKind != tasks[j].TaskKind {
			return tasks[i].TaskKind < tasks[j].TaskKind
		}
		return tasks[i].EntityID < tasks[j].EntityID
	})
	return tasks, nil
}

// completedKeys returns, per key of the given jobs, the created_at of its
// newest complete stored result. Groups with missing chunks (an
// interrupted writer) don't count.
func (a *API) completedKeys(ctx context.Context, jobIDs []string) (map[taskKey]time.Time, error) {
	if len(jobIDs) == 0 {
		return map[taskKey]time.Time{}, nil
	}
	var placeholders = strings.TrimSuffix(strings.Repeat("?,", len(jobIDs)), ",")
	var params = make([]interface{}, len(jobIDs))
	for i, id := range jobIDs {
		params[i] = id
	}

	var stmt = fmt.Sprintf(
		`SELECT task_kind, job_id, entity_id, chunk_index, chunk_count, created_at
			FROM %s WHERE job_id IN (%s)
			ORDER BY created_at DESC`,
		a.client.Table(warehouse.TableCallbacks), placeholders)

	var rows, err = a.client.Query(ctx, stmt, params...)
	if err != nil {
		return nil, fmt.Errorf("reading result store: %w", err)
	}

	type group struct {
		at    time.Time
		count int
		seen  map[int]bool
	}
	var groups = map[taskKey]*group{}
	var completed = map[taskKey]time.Time{}
	for _, row := range rows {
		var key = taskKey{row.String("task_kind"), row.String("job_id"), row.String("entity_id")}
		if _, ok := completed[key]; ok {
			continue
		}

		var at = row.Time("created_at")
		var cur = groups[key]
		if cur == nil || !cur.at.Equal(at) {
			// Rows are newest-first, so a new created_at starts the next
			// (older) group; an incomplete newer group is abandoned.
			cur = &group{at: at, count: int(row.Int("chunk_count")), seen: map[int]bool{}}
			groups[key] = cur
		}
		if int(row.Int("chunk_count")) != cur.count {
			continue
		}
		cur.seen[int(row.Int("chunk_index"))] = true
		if cur.count > 0 && len(cur.seen) == cur.count && allChunks(cur.seen, cur.count) {
			completed[key] = cur.at
		}
	}
	return completed, nil
}

func allChunks(seen map[int]bool, count int) bool {
	for i := 0; i < count; i++ {
		if !seen[i] {
			return false
		}
	}
	return true
}

// deliverySnapshot returns the newest recorded delivery payload for the
// key, or nil when none was captured.
func (a *API) deliverySnapshot(ctx context.Context, jobID string, task TaskStatus) (json.RawMessage, error) {
	var stmt = fmt.Sprintf(
		`SELECT data_json FROM %s
			WHERE job_id = ? AND task_kind = ? AND entity_id = ? AND stage = ?
			ORDER BY created_at DESC`,
		a.client.Table(warehouse.TableRawData))

	var rows, err = a.client.Query(ctx, stmt, jobID, task.TaskKind, task.EntityID, dispatch.StageDelivery)
	if err != nil {
		return nil, fmt.Errorf("reading delivery snapshots: %w", err)
	}
	for _, row := range rows {
		if data := row.String("data_json"); data != "" {
			return json.RawMessage(data), nil
		}
	}
	return nil, nil
}

// errorMessage extracts the human-readable message from a stored
// error_details record, falling back to the raw JSON.
func errorMessage(encoded string) string {
	if encoded == "" {
		return ""
	}
	var details callback.ErrorDetails
	if err := json.Unmarshal([]byte(encoded), &details); err == nil && details.Message != "" {
		return details.Message
	}
	return encoded
}

func parseSince(v string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02", v); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("since %q must be RFC 3339 or YYYY-MM-DD", v)
}
