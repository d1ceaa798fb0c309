// Package metrics holds the prometheus collectors shared across the worker.
// They're served from the debug listener stood up by mainboilerplate.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var DeliveriesStarted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enrich_dispatch_deliveries_started_total",
	Help: "counter of queue deliveries accepted for dispatch",
}, []string{"kind"})

var DeliveriesHandled = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enrich_dispatch_deliveries_handled_total",
	Help: "counter of queue deliveries handled, by terminal outcome",
}, []string{"kind", "outcome"})

var HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "enrich_dispatch_handler_duration_seconds",
	Help:    "histogram of handler execution durations",
	Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 180, 540},
}, []string{"kind"})

var CacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enrich_cache_lookups_total",
	Help: "counter of cache lookups, by store and result",
}, []string{"store", "result"})

var CacheWrites = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enrich_cache_writes_total",
	Help: "counter of cache writes, by store and status",
}, []string{"store", "status"})

var CallbackPages = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enrich_callback_pages_total",
	Help: "counter of callback pages posted to the receiver, by status",
}, []string{"kind", "status"})

var CallbackRetries = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enrich_callback_page_retries_total",
	Help: "counter of per-page callback delivery retries",
}, []string{"kind"})

var CallbackPageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "enrich_callback_page_duration_seconds",
	Help:    "histogram of time to deliver one callback page, retries included",
	Buckets: prometheus.DefBuckets,
}, []string{"kind"})

var WarehouseAppends = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enrich_warehouse_appends_total",
	Help: "counter of warehouse append batches, by table and status",
}, []string{"table", "status"})

var WarehouseBatchRows = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "enrich_warehouse_batch_rows",
	Help:    "histogram of rows per warehouse append batch",
	Buckets: []float64{1, 5, 10, 50, 100, 500, 1000, 5000},
}, []string{"table"})

var WarehouseSpills = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enrich_warehouse_spills_total",
	Help: "counter of append batches spilled to object storage load jobs",
}, []string{"table"})

var ProviderRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enrich_provider_requests_total",
	Help: "counter of outbound provider requests, by provider and status",
}, []string{"provider", "status"})

var TokensIssued = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enrich_auth_tokens_issued_total",
	Help: "counter of callback bearer tokens issued, by source",
}, []string{"source"})

var Requeues = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enrich_queue_requeues_total",
	Help: "counter of worker-originated task deliveries, by kind and status",
}, []string{"kind", "status"})

var APIRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "enrich_api_requests_total",
	Help: "counter of inbound API requests, by route and status code",
}, []string{"route", "code"})
