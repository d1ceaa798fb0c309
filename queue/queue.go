// Package queue originates task deliveries using the managed queue's own
// delivery contract. In production the queue schedules and redelivers on
// its own; this client covers the paths where the worker must create a
// delivery itself, namely the operator retry endpoint and local
// development where no queue exists.
package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/httpclient"
	"github.com/leadfold/enrich/metrics"
	"github.com/leadfold/enrich/ops"
	"github.com/leadfold/enrich/retry"
)

// Delivery is one task delivery to create.
type Delivery struct {
	TaskKind string
	// Payload is the verbatim envelope body. Re-enqueues pass the stored
	// delivery snapshot through unchanged.
	Payload json.RawMessage
	// Attempt is the delivery's position in its retry sequence, carried as
	// X-Task-Retry-Count. Re-enqueues increment the failed delivery's count.
	Attempt int
}

// Enqueuer creates task deliveries.
type Enqueuer interface {
	// Enqueue performs |d| and returns the worker's response body.
	// Deliveries are idempotent end to end, so callers may re-invoke it
	// freely.
	Enqueue(ctx context.Context, d Delivery) (json.RawMessage, error)
}

// Config locates the delivery target.
type Config struct {
	// TargetURL is the worker origin that receives deliveries, typically
	// the service's own inbound audience.
	TargetURL string
	// QueueName is carried as X-Task-Queue-Name on created deliveries.
	QueueName string
	Retry     retry.Policy
}

// HTTPEnqueuer delivers tasks by POSTing at the worker's task endpoint with
// a minted bearer token, exactly as the managed queue does.
type HTTPEnqueuer struct {
	target    *url.URL
	audience  string
	queueName string
	retry     retry.Policy
	pool      *httpclient.Pool
	minter    callback.TokenMinter
}

func NewHTTPEnqueuer(cfg Config, pool *httpclient.Pool, minter callback.TokenMinter) (*HTTPEnqueuer, error) {
	var target, err = url.Parse(cfg.TargetURL)
	if err != nil {
		return nil, fmt.Errorf("parsing target URL: %w", err)
	} else if !target.IsAbs() {
		return nil, fmt.Errorf("target URL %q is not absolute", cfg.TargetURL)
	}
	return &HTTPEnqueuer{
		target:    target,
		audience:  (&url.URL{Scheme: target.Scheme, Host: target.Host}).String(),
		queueName: cfg.QueueName,
		retry:     cfg.Retry,
		pool:      pool,
		minter:    minter,
	}, nil
}

// Enqueue POSTs |d| to /tasks/{task_kind} and waits out the delivery.
// Transient failures retry the whole delivery, which is safe because a
// completed key short-circuits to a stored-result resend on the far side.
func (e *HTTPEnqueuer) Enqueue(ctx context.Context, d Delivery) (json.RawMessage, error) {
	if d.TaskKind == "" {
		return nil, fmt.Errorf("delivery has an empty task kind")
	}
	var endpoint = e.target.JoinPath("tasks", d.TaskKind).String()

	var response json.RawMessage
	var err = retry.Do(ctx, e.retry, "task delivery", func(ctx context.Context) error {
		var body, err = e.post(ctx, endpoint, d)
		if err == nil {
			response = body
		}
		return err
	})
	if err != nil {
		metrics.Requeues.WithLabelValues(d.TaskKind, "error").Inc()
		return nil, fmt.Errorf("delivering task: %w", err)
	}
	metrics.Requeues.WithLabelValues(d.TaskKind, "ok").Inc()

	ops.Debug(ctx, "created task delivery",
		"taskKind", d.TaskKind,
		"attempt", d.Attempt,
	)
	return response, nil
}

func (e *HTTPEnqueuer) post(ctx context.Context, endpoint string, d Delivery) (json.RawMessage, error) {
	var client, release, err = e.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	token, err := e.minter.Token(ctx, e.audience)
	if err != nil {
		return nil, fmt.Errorf("minting delivery token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(d.Payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("X-Task-Retry-Count", strconv.Itoa(d.Attempt))
	if e.queueName != "" {
		req.Header.Set("X-Task-Queue-Name", e.queueName)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if err = httpclient.CheckResponse(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading delivery response: %w", err)
	}
	return body, nil
}
