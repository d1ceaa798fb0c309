package callback

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/leadfold/enrich/httpclient"
	"github.com/leadfold/enrich/metrics"
	"github.com/leadfold/enrich/ops"
	"github.com/leadfold/enrich/retry"
	"github.com/minio/highwayhash"
)

// TerminalError is a delivery the receiver definitively rejected (4xx
// other than 429). Retrying the page, or redelivering the task, won't
// change the outcome.
type TerminalError struct{ Err error }

func (e *TerminalError) Error() string { return e.Err.Error() }
func (e *TerminalError) Unwrap() error { return e.Err }

// Config locates the receiver.
type Config struct {
	// URL is the receiver endpoint payloads POST to.
	URL string
	// Retry bounds per-page delivery attempts. Zero values take the
	// package defaults (5 attempts, 500ms base, 30s cap).
	Retry retry.Policy
}

// Transport delivers payloads to the receiver: one authenticated POST per
// page, pages strictly in order, each page retried independently.
type Transport struct {
	url      *url.URL
	audience string
	retry    retry.Policy
	pool     *httpclient.Pool
	minter   TokenMinter
}

func NewTransport(cfg Config, pool *httpclient.Pool, minter TokenMinter) (*Transport, error) {
	var u, err = url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing callback URL: %w", err)
	} else if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("callback URL %q is not absolute", cfg.URL)
	}

	return &Transport{
		url:      u,
		audience: u.Scheme + "://" + u.Host,
		retry:    cfg.Retry,
		pool:     pool,
		minter:   minter,
	}, nil
}

// Send delivers |payload|, splitting oversized processed_data into pages.
// A later page is attempted only once the earlier page is acknowledged.
func (t *Transport) Send(ctx context.Context, payload *Payload) error {
	var pages, err = paginate(payload.ProcessedData)
	if err != nil {
		return &TerminalError{Err: fmt.Errorf("paginating result: %w", err)}
	}

	for i, processed := range pages {
		var body = page{
			Payload:   *payload,
			PageIndex: i,
			PageCount: len(pages),
			RequestID: requestID(payload.TaskKind, payload.JobID, payload.EntityID, i),
		}
		body.ProcessedData = processed

		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding page %d: %w", i, err)
		}

		var started = time.Now()
		var attempts int
		err = retry.Do(ctx, t.retry, "callback page", func(ctx context.Context) error {
			attempts++
			return t.post(ctx, encoded)
		})

		metrics.CallbackPageDuration.WithLabelValues(payload.TaskKind).Observe(time.Since(started).Seconds())
		if attempts > 1 {
			metrics.CallbackRetries.WithLabelValues(payload.TaskKind).Add(float64(attempts - 1))
		}

		if err != nil {
			metrics.CallbackPages.WithLabelValues(payload.TaskKind, "error").Inc()

			var status *httpclient.StatusError
			if errors.As(err, &status) && status.Code >= 400 && status.Code < 500 && status.Code != http.StatusTooManyRequests {
				return &TerminalError{Err: fmt.Errorf("page %d of %d rejected: %w", i, len(pages), err)}
			}
			return fmt.Errorf("delivering page %d of %d: %w", i, len(pages), err)
		}

		metrics.CallbackPages.WithLabelValues(payload.TaskKind, "ok").Inc()
		ops.Debug(ctx, "delivered callback page",
			"page", i,
			"pages", len(pages),
			"requestId", body.RequestID,
			"attempts", attempts,
		)
	}
	return nil
}

func (t *Transport) post(ctx context.Context, body []byte) error {
	var client, release, err = t.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	token, err := t.minter.Token(ctx, t.audience)
	if err != nil {
		return fmt.Errorf("minting callback token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", t.url.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building callback request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("posting callback: %w", err)
	}
	if err = httpclient.CheckResponse(resp); err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return resp.Body.Close()
}

// requestIDKey is a fixed 32 bytes (as required by HighwayHash) read from
// /dev/random. It must never change: receivers deduplicate on request_id,
// so the same page must hash identically across deliveries and deploys.
var requestIDKey, _ = hex.DecodeString("9f41caa8720b11be8ea68f5d5af29c38d5c76f73a6e00cf97e13b4a1f0b9265d")

// requestID is the stable identity of one page of one idempotency key.
func requestID(taskKind, jobID, entityID string, pageIndex int) string {
	var material = make([]byte, 0, 128)
	for _, part := range []string{taskKind, jobID, entityID} {
		material = append(material, part...)
		material = append(material, 0)
	}
	material = strconv.AppendInt(material, int64(pageIndex), 10)

	var sum = highwayhash.Sum(material, requestIDKey)
	return hex.EncodeToString(sum[:])
}
