package main

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/leadfold/enrich/api"
)

type cmdFailed struct {
	Worker   workerClient `group:"Worker" namespace:"worker" env-namespace:"WORKER"`
	Since    string       `long:"since" description:"Only failures at or after this time (RFC 3339 or YYYY-MM-DD)"`
	TaskKind string       `long:"task-kind" description:"Only failures of this task kind"`
}

func (cmd cmdFailed) Execute(_ []string) error {
	var ctx = context.Background()

	var query = url.Values{}
	if cmd.Since != "" {
		query.Set("since", cmd.Since)
	}
	if cmd.TaskKind != "" {
		query.Set("task_kind", cmd.TaskKind)
	}

	var reply struct {
		Failed []api.FailedTask `json:"failed"`
	}
	if err := cmd.Worker.get(ctx, "/jobs/failed", query, &reply); err != nil {
		return err
	}

	if len(reply.Failed) == 0 {
		fmt.Println(green("No failed tasks."))
		return nil
	}

	var out = columns{header: []string{"JOB", "TASK KIND", "ENTITY", "FAILED AT", "LAST ERROR"}}
	for _, task := range reply.Failed {
		out.add(
			plainCell(task.JobID),
			plainCell(task.TaskKind),
			plainCell(task.EntityID),
			plainCell(task.FailedAt.Local().Format(time.RFC3339)),
			cell{plain: task.LastError, colored: red(task.LastError)},
		)
	}
	out.print()
	fmt.Printf("\n%d failed task(s)\n", len(reply.Failed))
	return nil
}
