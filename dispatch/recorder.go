package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/ops"
	"github.com/leadfold/enrich/warehouse"
)

// Stages written by the runner itself. Handlers record under their own
// stage names.
const (
	// StageDelivery marks the runner's snapshot of a delivery body. The
	// admin API counts these rows for attempts and re-enqueues failed
	// jobs from the newest one.
	StageDelivery = "delivery"
	// StageFailure marks the error details of a failed task.
	StageFailure = "failure"
)

// Recorder appends audit rows during execution. Identity columns come
// from the ops scope, so records land under whichever delivery is
// running. Append failures are logged and swallowed; audit must not
// fail a handler.
type Recorder struct {
	client warehouse.Client
}

func NewRecorder(client warehouse.Client) *Recorder {
	return &Recorder{client: client}
}

// Record appends one row of |data| under |stage|. Raw JSON is stored
// verbatim; other values are marshaled.
func (r *Recorder) Record(ctx context.Context, stage string, data interface{}) {
	var encoded json.RawMessage
	switch d := data.(type) {
	case nil:
	case json.RawMessage:
		encoded = d
	case []byte:
		encoded = d
	default:
		var err error
		if encoded, err = json.Marshal(data); err != nil {
			ops.Warn(ctx, "dropping unencodable audit record", "stage", stage, "error", err)
			return
		}
	}
	r.append(ctx, stage, encoded, nil)
}

// RecordFailure appends the error details of a failed task.
func (r *Recorder) RecordFailure(ctx context.Context, details *callback.ErrorDetails) {
	var encoded, err = json.Marshal(details)
	if err != nil {
		ops.Warn(ctx, "dropping unencodable failure record", "error", err)
		return
	}
	r.append(ctx, StageFailure, nil, encoded)
}

func (r *Recorder) append(ctx context.Context, stage string, data, errDetails json.RawMessage) {
	var scope = ops.ScopeOf(ctx)
	var row = warehouse.Row{
		"job_id":     scope.JobID,
		"entity_id":  scope.EntityID,
		"task_kind":  scope.TaskKind,
		"stage":      stage,
		"created_at": time.Now().UTC(),
	}
	if data != nil {
		row["data_json"] = string(data)
	}
	if errDetails != nil {
		row["error_json"] = string(errDetails)
	}

	if err := r.client.AppendRows(ctx, warehouse.TableRawData, []warehouse.Row{row}); err != nil {
		ops.Warn(ctx, "audit append failed", "stage", stage, "error", err)
	}
}
