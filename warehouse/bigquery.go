package warehouse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"cloud.google.com/go/bigquery"
	"cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/leadfold/enrich/metrics"
	"github.com/leadfold/enrich/ops"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

const (
	// maxInsertRows and maxInsertBytes bound one streaming insert request.
	maxInsertRows  = 500
	maxInsertBytes = 8 << 20
	// spillBytes is the total batch size above which an append is routed
	// through object storage and a load job instead of streaming inserts.
	spillBytes = 16 << 20
)

// BigQueryConfig locates the production warehouse.
type BigQueryConfig struct {
	Project string
	Dataset string
	// SpillBucket receives oversized append batches as NDJSON objects
	// loaded via load jobs. Empty disables spilling.
	SpillBucket string
	// Options are passed to both the BigQuery and Storage clients.
	Options []option.ClientOption
}

type bigqueryClient struct {
	cfg BigQueryConfig
	bq  *bigquery.Client
	gcs *storage.Client
}

// NewBigQuery dials the production warehouse.
func NewBigQuery(ctx context.Context, cfg BigQueryConfig) (Client, error) {
	if cfg.Project == "" || cfg.Dataset == "" {
		return nil, errors.New("project and dataset are required")
	}

	var bq, err = bigquery.NewClient(ctx, cfg.Project, cfg.Options...)
	if err != nil {
		return nil, fmt.Errorf("building bigquery client: %w", err)
	}

	var gcs *storage.Client
	if cfg.SpillBucket != "" {
		if gcs, err = storage.NewClient(ctx, cfg.Options...); err != nil {
			_ = bq.Close()
			return nil, fmt.Errorf("building storage client: %w", err)
		}
	}

	return &bigqueryClient{cfg: cfg, bq: bq, gcs: gcs}, nil
}

// rowSaver adapts a Row to the streaming insert API.
type rowSaver struct{ row Row }

func (s rowSaver) Save() (map[string]bigquery.Value, string, error) {
	var out = make(map[string]bigquery.Value, len(s.row))
	for col, v := range s.row {
		out[col] = v
	}
	return out, bigquery.NoDedupeID, nil
}

func (c *bigqueryClient) AppendRows(ctx context.Context, table string, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	var batches, totalBytes, err = splitBatches(table, rows, maxInsertRows, maxInsertBytes)
	if err != nil {
		metrics.WarehouseAppends.WithLabelValues(table, "error").Inc()
		return err
	}

	if c.gcs != nil && totalBytes > spillBytes {
		if err = c.spill(ctx, table, rows); err != nil {
			metrics.WarehouseAppends.WithLabelValues(table, "error").Inc()
			return err
		}
		metrics.WarehouseAppends.WithLabelValues(table, "ok").Inc()
		return nil
	}

	var inserter = c.bq.Dataset(c.cfg.Dataset).Table(table).Inserter()
	for _, batch := range batches {
		var savers = make([]rowSaver, len(batch))
		for i, row := range batch {
			savers[i] = rowSaver{row: row}
		}
		if err = inserter.Put(ctx, savers); err != nil {
			metrics.WarehouseAppends.WithLabelValues(table, "error").Inc()
			return fmt.Errorf("streaming %d rows into %s: %w", len(batch), table, err)
		}
		metrics.WarehouseBatchRows.WithLabelValues(table).Observe(float64(len(batch)))
	}
	metrics.WarehouseAppends.WithLabelValues(table, "ok").Inc()
	return nil
}

// spill writes the batch to object storage as NDJSON and submits a load
// job, avoiding the streaming API's request limits for very large appends.
func (c *bigqueryClient) spill(ctx context.Context, table string, rows []Row) error {
	var object = fmt.Sprintf("spill/%s/%s.ndjson", table, uuid.NewString())
	var uri = fmt.Sprintf("gs://%s/%s", c.cfg.SpillBucket, object)

	var w = c.gcs.Bucket(c.cfg.SpillBucket).Object(object).NewWriter(ctx)
	var enc = json.NewEncoder(w)
	for i, row := range rows {
		if err := enc.Encode(row); err != nil {
			_ = w.Close()
			return fmt.Errorf("encoding spill row %d: %w", i, err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("writing spill object %s: %w", uri, err)
	}

	var ref = bigquery.NewGCSReference(uri)
	ref.SourceFormat = bigquery.JSON

	var loader = c.bq.Dataset(c.cfg.Dataset).Table(table).LoaderFrom(ref)
	loader.WriteDisposition = bigquery.WriteAppend

	job, err := loader.Run(ctx)
	if err != nil {
		return fmt.Errorf("starting load job for %s: %w", uri, err)
	}
	status, err := job.Wait(ctx)
	if err != nil {
		return fmt.Errorf("awaiting load job for %s: %w", uri, err)
	} else if err = status.Err(); err != nil {
		return fmt.Errorf("load job for %s: %w", uri, err)
	}

	// The loaded object is scratch; removal failures only leak storage.
	if err = c.gcs.Bucket(c.cfg.SpillBucket).Object(object).Delete(ctx); err != nil {
		ops.Warn(ctx, "failed to delete spill object", "uri", uri, "error", err)
	}

	metrics.WarehouseSpills.WithLabelValues(table).Inc()
	metrics.WarehouseBatchRows.WithLabelValues(table).Observe(float64(len(rows)))
	return nil
}

func (c *bigqueryClient) Query(ctx context.Context, stmt string, params ...interface{}) ([]Row, error) {
	var q = c.bq.Query(stmt)
	q.Parameters = make([]bigquery.QueryParameter, len(params))
	for i, p := range params {
		q.Parameters[i] = bigquery.QueryParameter{Value: p}
	}

	var it, err = q.Read(ctx)
	if err != nil {
		return nil, fmt.Errorf("running query: %w", err)
	}

	var out []Row
	for {
		var vals map[string]bigquery.Value
		if err = it.Next(&vals); err == iterator.Done {
			break
		} else if err != nil {
			return nil, fmt.Errorf("reading query results: %w", err)
		}

		var row = make(Row, len(vals))
		for col, v := range vals {
			row[col] = v
		}
		out = append(out, row)
	}
	return out, nil
}

func (c *bigqueryClient) Table(name string) string {
	return fmt.Sprintf("`%s.%s.%s`", c.cfg.Project, c.cfg.Dataset, name)
}

func (c *bigqueryClient) EnsureTables(ctx context.Context) error {
	var dataset = c.bq.Dataset(c.cfg.Dataset)
	if _, err := dataset.Metadata(ctx); isNotFound(err) {
		if err = dataset.Create(ctx, &bigquery.DatasetMetadata{}); err != nil && !isConflict(err) {
			return fmt.Errorf("creating dataset %s: %w", c.cfg.Dataset, err)
		}
	} else if err != nil {
		return fmt.Errorf("fetching dataset %s: %w", c.cfg.Dataset, err)
	}

	for _, name := range TableNames {
		var table = dataset.Table(name)
		var _, err = table.Metadata(ctx)
		if err == nil {
			continue
		} else if !isNotFound(err) {
			return fmt.Errorf("fetching table %s: %w", name, err)
		}

		err = table.Create(ctx, &bigquery.TableMetadata{
			Schema: bigquerySchemas[name],
			TimePartitioning: &bigquery.TimePartitioning{
				Type:  bigquery.DayPartitioningType,
				Field: "created_at",
			},
		})
		if err != nil && !isConflict(err) {
			return fmt.Errorf("creating table %s: %w", name, err)
		}
	}
	return nil
}

func (c *bigqueryClient) Ping(ctx context.Context) error {
	if _, err := c.bq.Dataset(c.cfg.Dataset).Metadata(ctx); err != nil {
		return fmt.Errorf("pinging warehouse: %w", err)
	}
	return nil
}

func (c *bigqueryClient) Close() error {
	var err = c.bq.Close()
	if c.gcs != nil {
		if gcsErr := c.gcs.Close(); err == nil {
			err = gcsErr
		}
	}
	return err
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

func isConflict(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 409
}
