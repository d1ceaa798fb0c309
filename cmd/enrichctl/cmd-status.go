package main

import (
	"context"
	"fmt"
	"time"

	"github.com/leadfold/enrich/api"
)

type cmdStatus struct {
	Worker workerClient `group:"Worker" namespace:"worker" env-namespace:"WORKER"`
	JobID  string       `long:"job-id" required:"true" description:"Job to inspect"`
}

func (cmd cmdStatus) Execute(_ []string) error {
	var ctx = context.Background()

	var status api.JobStatus
	if err := cmd.Worker.get(ctx, "/jobs/"+cmd.JobID+"/status", nil, &status); err != nil {
		return err
	}

	fmt.Printf("Job %s:\n", status.JobID)

	var out = columns{header: []string{"TASK KIND", "ENTITY", "STATUS", "ATTEMPTS", "LAST ERROR", "FINISHED"}}
	for _, task := range status.Tasks {
		var finished string
		if task.FinishedAt != nil {
			finished = task.FinishedAt.Local().Format(time.RFC3339)
		}
		out.add(
			plainCell(task.TaskKind),
			plainCell(task.EntityID),
			cell{plain: task.Status, colored: coloredStatus(task.Status)},
			plainCell(fmt.Sprintf("%d", task.Attempts)),
			plainCell(task.LastError),
			plainCell(finished),
		)
	}
	out.print()
	return nil
}
