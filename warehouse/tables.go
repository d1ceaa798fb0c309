package warehouse

import "cloud.google.com/go/bigquery"

// Logical table names. Drivers qualify them via Client.Table.
const (
	// TableCallbacks is the idempotency store of completed callback
	// payloads, chunked under one created_at per logical write.
	TableCallbacks = "enrichment_callbacks"
	// TableRawData is the handler audit log, including the delivery
	// payload snapshots taken by the runner.
	TableRawData = "enrichment_raw_data"
	// TableAPICache holds cached external data-provider responses.
	TableAPICache = "api_request_cache"
	// TableAICache holds cached model completions.
	TableAICache = "ai_prompt_cache"
)

// TableNames lists every logical table, in creation order.
var TableNames = []string{TableCallbacks, TableRawData, TableAPICache, TableAICache}

var bigquerySchemas = map[string]bigquery.Schema{
	TableCallbacks: {
		{Name: "task_kind", Type: bigquery.StringFieldType, Required: true},
		{Name: "job_id", Type: bigquery.StringFieldType, Required: true},
		{Name: "entity_id", Type: bigquery.StringFieldType, Required: true},
		{Name: "chunk_index", Type: bigquery.IntegerFieldType, Required: true},
		{Name: "chunk_count", Type: bigquery.IntegerFieldType, Required: true},
		{Name: "payload_json", Type: bigquery.StringFieldType, Required: true},
		{Name: "created_at", Type: bigquery.TimestampFieldType, Required: true},
	},
	TableRawData: {
		{Name: "job_id", Type: bigquery.StringFieldType, Required: true},
		{Name: "entity_id", Type: bigquery.StringFieldType, Required: true},
		{Name: "task_kind", Type: bigquery.StringFieldType, Required: true},
		{Name: "stage", Type: bigquery.StringFieldType, Required: true},
		{Name: "data_json", Type: bigquery.StringFieldType},
		{Name: "error_json", Type: bigquery.StringFieldType},
		{Name: "created_at", Type: bigquery.TimestampFieldType, Required: true},
	},
	TableAPICache: {
		{Name: "cache_key", Type: bigquery.StringFieldType, Required: true},
		{Name: "provider", Type: bigquery.StringFieldType, Required: true},
		{Name: "request_json", Type: bigquery.StringFieldType},
		{Name: "response_json", Type: bigquery.StringFieldType, Required: true},
		{Name: "meta_json", Type: bigquery.StringFieldType},
		{Name: "ttl_seconds", Type: bigquery.IntegerFieldType, Required: true},
		{Name: "created_at", Type: bigquery.TimestampFieldType, Required: true},
	},
	TableAICache: {
		{Name: "cache_key", Type: bigquery.StringFieldType, Required: true},
		{Name: "model", Type: bigquery.StringFieldType, Required: true},
		{Name: "prompt_fingerprint", Type: bigquery.StringFieldType, Required: true},
		{Name: "response_json", Type: bigquery.StringFieldType, Required: true},
		{Name: "meta_json", Type: bigquery.StringFieldType},
		{Name: "ttl_seconds", Type: bigquery.IntegerFieldType, Required: true},
		{Name: "created_at", Type: bigquery.TimestampFieldType, Required: true},
	},
}

var sqliteDDL = map[string]string{
	TableCallbacks: `CREATE TABLE IF NOT EXISTS enrichment_callbacks (
		task_kind    TEXT NOT NULL,
		job_id       TEXT NOT NULL,
		entity_id    TEXT NOT NULL,
		chunk_index  INTEGER NOT NULL,
		chunk_count  INTEGER NOT NULL,
		payload_json TEXT NOT NULL,
		created_at   TIMESTAMP NOT NULL
	)`,
	TableRawData: `CREATE TABLE IF NOT EXISTS enrichment_raw_data (
		job_id     TEXT NOT NULL,
		entity_id  TEXT NOT NULL,
		task_kind  TEXT NOT NULL,
		stage      TEXT NOT NULL,
		data_json  TEXT,
		error_json TEXT,
		created_at TIMESTAMP NOT NULL
	)`,
	TableAPICache: `CREATE TABLE IF NOT EXISTS api_request_cache (
		cache_key     TEXT NOT NULL,
		provider      TEXT NOT NULL,
		request_json  TEXT,
		response_json TEXT NOT NULL,
		meta_json     TEXT,
		ttl_seconds   INTEGER NOT NULL,
		created_at    TIMESTAMP NOT NULL
	)`,
	TableAICache: `CREATE TABLE IF NOT EXISTS ai_prompt_cache (
		cache_key          TEXT NOT NULL,
		model              TEXT NOT NULL,
		prompt_fingerprint TEXT NOT NULL,
		response_json      TEXT NOT NULL,
		meta_json          TEXT,
		ttl_seconds        INTEGER NOT NULL,
		created_at         TIMESTAMP NOT NULL
	)`,
}

var sqliteIndexDDL = []string{
	`CREATE INDEX IF NOT EXISTS idx_callbacks_key
		ON enrichment_callbacks (task_kind, job_id, entity_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_raw_data_job
		ON enrichment_raw_data (job_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_api_cache_key
		ON api_request_cache (cache_key, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_ai_cache_key
		ON ai_prompt_cache (cache_key, created_at)`,
}
