package main

import (
	"context"
	"fmt"
	"net/url"

	"github.com/leadfold/enrich/api"
)

type cmdRetry struct {
	Worker   workerClient `group:"Worker" namespace:"worker" env-namespace:"WORKER"`
	JobID    string       `long:"job-id" required:"true" description:"Job whose failed tasks are re-enqueued"`
	TaskKind string       `long:"task-kind" description:"Retry only this task kind"`
	EntityID string       `long:"entity-id" description:"Retry only this entity"`
}

func (cmd cmdRetry) Execute(_ []string) error {
	var ctx = context.Background()

	var query = url.Values{}
	if cmd.TaskKind != "" {
		query.Set("task_kind", cmd.TaskKind)
	}
	if cmd.EntityID != "" {
		query.Set("entity_id", cmd.EntityID)
	}

	var reply struct {
		JobID   string            `json:"job_id"`
		Retried []api.RetriedTask `json:"retried"`
	}
	if err := cmd.Worker.post(ctx, "/jobs/"+cmd.JobID+"/retry", query, &reply); err != nil {
		return err
	}

	for _, task := range reply.Retried {
		fmt.Printf("%s (%s, %s), attempt %d\n",
			green("requeued"), task.TaskKind, task.EntityID, task.Attempt+1)
	}
	fmt.Printf("\nRe-enqueued %d task(s) of job %s\n", len(reply.Retried), reply.JobID)
	return nil
}
