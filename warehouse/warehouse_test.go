package warehouse

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) Client {
	var client, err = NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, client.EnsureTables(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestSQLiteAppendAndQuery(t *testing.T) {
	var client = newTestStore(t)
	var ctx = context.Background()

	var created = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, client.AppendRows(ctx, TableCallbacks, []Row{
		{
			"task_kind":    "enhance",
			"job_id":       "J1",
			"entity_id":    "A1",
			"chunk_index":  int64(0),
			"chunk_count":  int64(2),
			"payload_json": `{"part":"one"}`,
			"created_at":   created,
		},
		{
			"task_kind":    "enhance",
			"job_id":       "J1",
			"entity_id":    "A1",
			"chunk_index":  int64(1),
			"chunk_count":  int64(2),
			"payload_json": `{"part":"two"}`,
			"created_at":   created,
		},
	}))

	var rows, err = client.Query(ctx, fmt.Sprintf(
		`SELECT chunk_index, chunk_count, payload_json, created_at
			FROM %s WHERE task_kind = ? AND job_id = ? AND entity_id = ?
			ORDER BY chunk_index ASC`, client.Table(TableCallbacks)),
		"enhance", "J1", "A1")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	require.Equal(t, int64(0), rows[0].Int("chunk_index"))
	require.Equal(t, int64(1), rows[1].Int("chunk_index"))
	require.Equal(t, int64(2), rows[0].Int("chunk_count"))
	require.Equal(t, `{"part":"one"}`, rows[0].String("payload_json"))
	require.True(t, rows[0].Time("created_at").Equal(created))
}

func TestSQLiteNullableColumns(t *testing.T) {
	var client = newTestStore(t)
	var ctx = context.Background()

	// error_json is omitted entirely and lands as NULL.
	require.NoError(t, client.AppendRows(ctx, TableRawData, []Row{{
		"job_id":     "J2",
		"entity_id":  "L7",
		"task_kind":  "leadgen",
		"stage":      "provider_fetch",
		"data_json":  `{"rows":3}`,
		"created_at": time.Now(),
	}}))

	var rows, err = client.Query(ctx, fmt.Sprintf(
		`SELECT stage, data_json, error_json FROM %s WHERE job_id = ?`,
		client.Table(TableRawData)), "J2")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, "provider_fetch", rows[0].String("stage"))
	require.Equal(t, "", rows[0].String("error_json"))
	require.Nil(t, rows[0]["error_json"])
}

func TestSQLiteTimestampOrdering(t *testing.T) {
	var client = newTestStore(t)
	var ctx = context.Background()

	// Mixed zones and sub-second precision must still order correctly,
	// which is why the driver pins writes to UTC.
	var base = time.Date(2026, 5, 1, 9, 30, 0, 0, time.UTC)
	var zoned = base.Add(500 * time.Millisecond).In(time.FixedZone("CEST", 2*3600))
	var newest = base.Add(time.Second)

	for i, at := range []time.Time{base, zoned, newest} {
		require.NoError(t, client.AppendRows(ctx, TableAPICache, []Row{{
			"cache_key":     "K",
			"provider":      "peopledata",
			"response_json": fmt.Sprintf(`{"n":%d}`, i),
			"ttl_seconds":   int64(3600),
			"created_at":    at,
		}}))
	}

	var rows, err = client.Query(ctx, fmt.Sprintf(
		`SELECT response_json, created_at FROM %s
			WHERE cache_key = ? ORDER BY created_at DESC LIMIT 1`,
		client.Table(TableAPICache)), "K")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	require.Equal(t, `{"n":2}`, rows[0].String("response_json"))
	require.True(t, rows[0].Time("created_at").Equal(newest))
}

func TestRowCapIsEnforced(t *testing.T) {
	var client = newTestStore(t)

	var huge = Row{
		"job_id":     "J3",
		"entity_id":  "A3",
		"task_kind":  "enhance",
		"stage":      "delivery",
		"data_json":  strings.Repeat("x", MaxRowBytes),
		"created_at": time.Now(),
	}
	var err = client.AppendRows(context.Background(), TableRawData, []Row{huge})
	require.Error(t, err)
	require.Contains(t, err.Error(), "row cap")
}

func TestSplitBatches(t *testing.T) {
	var row = func(n int) Row { return Row{"payload_json": strings.Repeat("a", n)} }

	// Row-count splitting.
	var batches, total, err = splitBatches("t", []Row{row(10), row(10), row(10)}, 2, 1<<20)
	require.NoError(t, err)
	require.Len(t, batches, 2)
	require.Len(t, batches[0], 2)
	require.Len(t, batches[1], 1)
	require.NotZero(t, total)

	// Byte-size splitting: each encoded row is ~1000 bytes.
	batches, _, err = splitBatches("t", []Row{row(1000), row(1000), row(1000)}, 100, 2200)
	require.NoError(t, err)
	require.Len(t, batches, 2)

	// A single oversized row fails the append.
	_, _, err = splitBatches("t", []Row{row(MaxRowBytes + 1)}, 100, 1<<30)
	require.Error(t, err)

	// Empty input yields no batches.
	batches, total, err = splitBatches("t", nil, 10, 100)
	require.NoError(t, err)
	require.Empty(t, batches)
	require.Zero(t, total)
}

func TestRowAccessors(t *testing.T) {
	var at = time.Now()
	var row = Row{
		"s":  "text",
		"b":  []byte("bytes"),
		"i":  int64(7),
		"f":  float64(9),
		"t":  at,
		"nb": nil,
	}

	require.Equal(t, "text", row.String("s"))
	require.Equal(t, "bytes", row.String("b"))
	require.Equal(t, "", row.String("missing"))
	require.Equal(t, int64(7), row.Int("i"))
	require.Equal(t, int64(9), row.Int("f"))
	require.Equal(t, int64(0), row.Int("missing"))
	require.True(t, row.Time("t").Equal(at))
	require.True(t, row.Time("missing").IsZero())
}

func TestBigQueryTableQualification(t *testing.T) {
	var client = &bigqueryClient{cfg: BigQueryConfig{Project: "acme-data", Dataset: "enrichment"}}
	require.Equal(t, "`acme-data.enrichment.enrichment_callbacks`", client.Table(TableCallbacks))
}
