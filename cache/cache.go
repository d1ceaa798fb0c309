package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/leadfold/enrich/metrics"
	"github.com/leadfold/enrich/ops"
	"github.com/leadfold/enrich/warehouse"
)

// Entry is one cache hit.
type Entry struct {
	Body      json.RawMessage
	Meta      json.RawMessage
	CreatedAt time.Time
	TTL       time.Duration
}

// store is the shared warehouse-backed implementation. Reads degrade to
// misses and writes are swallowed on error: caching never fails a handler.
type store struct {
	name   string
	table  string
	client warehouse.Client
}

// Get returns the newest entry whose TTL has not lapsed, or nil. Expired
// entries are never returned, even when no live entry exists.
func (s *store) Get(ctx context.Context, key string) *Entry {
	var stmt = fmt.Sprintf(
		`SELECT response_json, meta_json, ttl_seconds, created_at
			FROM %s WHERE cache_key = ?
			ORDER BY created_at DESC LIMIT 16`,
		s.client.Table(s.table))

	var rows, err = s.client.Query(ctx, stmt, key)
	if err != nil {
		ops.Warn(ctx, "cache read failed, treating as miss",
			"store", s.name, "cacheKey", key, "error", err)
		metrics.CacheLookups.WithLabelValues(s.name, "error").Inc()
		return nil
	}

	var now = time.Now()
	var sawExpired bool
	for _, row := range rows {
		var ttl = time.Duration(row.Int("ttl_seconds")) * time.Second
		var created = row.Time("created_at")
		if !created.Add(ttl).After(now) {
			sawExpired = true
			continue
		}

		metrics.CacheLookups.WithLabelValues(s.name, "hit").Inc()
		var entry = &Entry{
			Body:      json.RawMessage(row.String("response_json")),
			CreatedAt: created,
			TTL:       ttl,
		}
		if meta := row.String("meta_json"); meta != "" {
			entry.Meta = json.RawMessage(meta)
		}
		return entry
	}

	if sawExpired {
		metrics.CacheLookups.WithLabelValues(s.name, "expired").Inc()
	} else {
		metrics.CacheLookups.WithLabelValues(s.name, "miss").Inc()
	}
	return nil
}

// put appends one row with the store-specific |extra| columns folded in.
func (s *store) put(ctx context.Context, key string, body []byte, ttl time.Duration, meta interface{}, extra warehouse.Row) {
	var row = warehouse.Row{
		"cache_key":     key,
		"response_json": string(body),
		"ttl_seconds":   int64(ttl / time.Second),
		"created_at":    time.Now(),
	}
	for col, v := range extra {
		row[col] = v
	}

	if meta != nil {
		if encoded, err := json.Marshal(meta); err != nil {
			ops.Warn(ctx, "cache meta not encodable, dropping from entry",
				"store", s.name, "cacheKey", key, "error", err)
		} else {
			row["meta_json"] = string(encoded)
		}
	}

	if err := s.client.AppendRows(ctx, s.table, []warehouse.Row{row}); err != nil {
		ops.Warn(ctx, "cache write failed, continuing without it",
			"store", s.name, "cacheKey", key, "error", err)
		metrics.CacheWrites.WithLabelValues(s.name, "error").Inc()
		return
	}
	metrics.CacheWrites.WithLabelValues(s.name, "ok").Inc()
}

// APICache stores external data-provider responses.
type APICache struct{ store }

func NewAPICache(client warehouse.Client) *APICache {
	return &APICache{store{name: "api", table: warehouse.TableAPICache, client: client}}
}

// Put appends one response row. |request| is retained (serialized) beside
// the response for offline debugging of provider behavior.
func (c *APICache) Put(ctx context.Context, key, provider string, request interface{}, body []byte, ttl time.Duration, meta interface{}) {
	var extra = warehouse.Row{"provider": provider}
	if request != nil {
		if encoded, err := json.Marshal(request); err == nil {
			extra["request_json"] = string(encoded)
		}
	}
	c.put(ctx, key, body, ttl, meta, extra)
}

// AICache stores model completions, keyed on the model and the prompt and
// configuration fingerprints folded into |key|.
type AICache struct{ store }

func NewAICache(client warehouse.Client) *AICache {
	return &AICache{store{name: "ai", table: warehouse.TableAICache, client: client}}
}

func (c *AICache) Put(ctx context.Context, key, model, promptFingerprint string, body []byte, ttl time.Duration, meta interface{}) {
	c.put(ctx, key, body, ttl, meta, warehouse.Row{
		"model":              model,
		"prompt_fingerprint": promptFingerprint,
	})
}
