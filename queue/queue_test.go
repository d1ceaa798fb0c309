package queue

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/httpclient"
	"github.com/leadfold/enrich/retry"
	"github.com/stretchr/testify/require"
)

var testSigningKey = []byte("0123456789abcdef0123456789abcdef")

var quickRetry = retry.Policy{
	MaxAttempts: 3,
	BaseDelay:   time.Millisecond,
	MaxDelay:    5 * time.Millisecond,
}

// worker records delivery requests and plays the part of the task endpoint.
type worker struct {
	mu      sync.Mutex
	paths   []string
	bodies  []string
	headers []http.Header
	respond func(n int) int
}

func (w *worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	var body, _ = io.ReadAll(r.Body)

	w.mu.Lock()
	w.paths = append(w.paths, r.URL.Path)
	w.bodies = append(w.bodies, string(body))
	w.headers = append(w.headers, r.Header.Clone())
	var n = len(w.paths)
	w.mu.Unlock()

	var status = http.StatusOK
	if w.respond != nil {
		status = w.respond(n)
	}
	if status != http.StatusOK {
		http.Error(rw, "unavailable", status)
		return
	}
	rw.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(rw, `{"status":"completed","delivery":%d}`, n)
}

func (w *worker) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.paths)
}

func newTestEnqueuer(t *testing.T, target string) *HTTPEnqueuer {
	var pool, err = httpclient.NewPool(httpclient.Config{MaxConnections: 4, PerHost: 4})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	minter, err := callback.NewHS256Minter("enrich-queue", testSigningKey)
	require.NoError(t, err)

	enq, err := NewHTTPEnqueuer(Config{
		TargetURL: target,
		QueueName: "enrichment-tasks",
		Retry:     quickRetry,
	}, pool, minter)
	require.NoError(t, err)
	return enq
}

func TestEnqueueDeliversWithQueueContract(t *testing.T) {
	var wrk = &worker{}
	var srv = httptest.NewServer(wrk)
	defer srv.Close()

	var enq = newTestEnqueuer(t, srv.URL)
	var payload = `{"job_id":"job-1","task_kind":"enhance","account_id":"acct-1"}`

	var response, err = enq.Enqueue(context.Background(), Delivery{
		TaskKind: "enhance",
		Payload:  []byte(payload),
		Attempt:  3,
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"completed","delivery":1}`, string(response))

	wrk.mu.Lock()
	defer wrk.mu.Unlock()
	require.Equal(t, []string{"/tasks/enhance"}, wrk.paths)
	require.Equal(t, payload, wrk.bodies[0])

	var hdr = wrk.headers[0]
	require.Equal(t, "application/json", hdr.Get("Content-Type"))
	require.Equal(t, "3", hdr.Get("X-Task-Retry-Count"))
	require.Equal(t, "enrichment-tasks", hdr.Get("X-Task-Queue-Name"))
}

func TestEnqueueBearsVerifiableToken(t *testing.T) {
	var wrk = &worker{}
	var srv = httptest.NewServer(wrk)
	defer srv.Close()

	var enq = newTestEnqueuer(t, srv.URL)
	var _, err = enq.Enqueue(context.Background(), Delivery{
		TaskKind: "enhance",
		Payload:  []byte(`{"job_id":"job-1","account_id":"acct-1"}`),
	})
	require.NoError(t, err)

	wrk.mu.Lock()
	var auth = wrk.headers[0].Get("Authorization")
	wrk.mu.Unlock()
	require.True(t, len(auth) > len("Bearer "))

	var claims jwt.RegisteredClaims
	_, err = jwt.ParseWithClaims(auth[len("Bearer "):], &claims,
		func(*jwt.Token) (interface{}, error) { return testSigningKey, nil },
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer("enrich-queue"),
		jwt.WithAudience(srv.URL),
	)
	require.NoError(t, err)
}

func TestEnqueueRetriesTransientFailures(t *testing.T) {
	var wrk = &worker{respond: func(n int) int {
		if n == 1 {
			return http.StatusServiceUnavailable
		}
		return http.StatusOK
	}}
	var srv = httptest.NewServer(wrk)
	defer srv.Close()

	var enq = newTestEnqueuer(t, srv.URL)
	var response, err = enq.Enqueue(context.Background(), Delivery{
		TaskKind: "enhance",
		Payload:  []byte(`{"job_id":"job-1","account_id":"acct-1"}`),
	})
	require.NoError(t, err)
	require.JSONEq(t, `{"status":"completed","delivery":2}`, string(response))
	require.Equal(t, 2, wrk.count())
}

func TestEnqueueDoesNotRetryRejections(t *testing.T) {
	var wrk = &worker{respond: func(int) int { return http.StatusBadRequest }}
	var srv = httptest.NewServer(wrk)
	defer srv.Close()

	var enq = newTestEnqueuer(t, srv.URL)
	var _, err = enq.Enqueue(context.Background(), Delivery{
		TaskKind: "enhance",
		Payload:  []byte(`not json`),
	})
	require.Error(t, err)
	require.Equal(t, 1, wrk.count())
}

func TestEnqueueRequiresTaskKind(t *testing.T) {
	var enq = newTestEnqueuer(t, "https://worker.example.com")
	var _, err = enq.Enqueue(context.Background(), Delivery{Payload: []byte(`{}`)})
	require.ErrorContains(t, err, "empty task kind")
}

func TestNewHTTPEnqueuerRejectsRelativeTarget(t *testing.T) {
	var pool, err = httpclient.NewPool(httpclient.Config{MaxConnections: 1, PerHost: 1})
	require.NoError(t, err)
	t.Cleanup(func() { _ = pool.Close(context.Background()) })

	minter, err := callback.NewHS256Minter("enrich-queue", testSigningKey)
	require.NoError(t, err)

	_, err = NewHTTPEnqueuer(Config{TargetURL: "/tasks"}, pool, minter)
	require.ErrorContains(t, err, "not absolute")
}
