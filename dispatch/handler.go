package dispatch

import (
	"context"
	"time"

	"github.com/leadfold/enrich/cache"
	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/httpclient"
)

// Summary is the small JSON document a delivery returns to the queue.
type Summary map[string]interface{}

// Handler implements one task kind.
type Handler interface {
	// Kind names the task kind this handler serves.
	Kind() string
	// Execute runs the enrichment. A nil result means no final callback
	// is due; otherwise the runner stores it (when completed) and
	// delivers it. A returned error, or a panic, becomes a failed
	// callback which is delivered but never stored.
	Execute(ctx context.Context, env *Env, payload *Payload) (*callback.Payload, Summary, error)
}

// ConcurrencyLimiter is implemented by handlers which bound their
// internal fan-out.
type ConcurrencyLimiter interface {
	ConcurrencyLimit() int
}

// DeadlineHint is implemented by handlers whose deliveries need a
// deadline other than the runner's default.
type DeadlineHint interface {
	DeliveryDeadline() time.Duration
}

// Env is the capability surface handlers execute against: the shared
// HTTP pool, the response caches, and the audit recorder. The result
// store and the callback transport are absent on purpose; only the
// runner touches them. Provider clients are bound at handler
// construction.
type Env struct {
	HTTP     *httpclient.Pool
	API      *cache.APICache
	AI       *cache.AICache
	Recorder *Recorder
}
