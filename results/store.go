// Package results is the idempotency store: the append-only record of
// completed callback payloads, keyed on (task_kind, job_id, entity_id).
// A stored key means the work is done; later deliveries resend instead of
// re-running the handler.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/ops"
	"github.com/leadfold/enrich/warehouse"
)

// chunkBytes is the payload budget of one stored row, leaving headroom
// under the warehouse row cap for the key columns and encoding overhead.
const chunkBytes = 800_000

// Sender delivers a payload to the receiver. Satisfied by *callback.Transport.
type Sender interface {
	Send(ctx context.Context, payload *callback.Payload) error
}

// Store reads and writes the idempotency table.
type Store struct {
	client warehouse.Client
}

func NewStore(client warehouse.Client) *Store {
	return &Store{client: client}
}

// Put appends |payload| as one logical chunk group sharing a created_at.
// Only completed payloads are storable; anything else is a caller bug.
func (s *Store) Put(ctx context.Context, payload *callback.Payload) error {
	if payload.Status != callback.StatusCompleted {
		return fmt.Errorf("refusing to store %q payload: only completed results are stored", payload.Status)
	}

	var encoded, err = json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encoding payload: %w", err)
	}

	var chunks = splitChunks(encoded, chunkBytes)
	var createdAt = time.Now()
	var rows = make([]warehouse.Row, len(chunks))
	for i, chunk := range chunks {
		rows[i] = warehouse.Row{
			"task_kind":    payload.TaskKind,
			"job_id":       payload.JobID,
			"entity_id":    payload.EntityID,
			"chunk_index":  int64(i),
			"chunk_count":  int64(len(chunks)),
			"payload_json": string(chunk),
			"created_at":   createdAt,
		}
	}

	if err = s.client.AppendRows(ctx, warehouse.TableCallbacks, rows); err != nil {
		return fmt.Errorf("storing result: %w", err)
	}
	ops.Debug(ctx, "stored completed result", "chunks", len(chunks), "bytes", len(encoded))
	return nil
}

// Get returns the newest complete payload stored under the key, or nil.
// Chunk groups are identified by created_at; groups missing chunks (an
// interrupted or in-flight writer) are skipped in favor of older complete
// ones. Read errors surface: idempotency must not degrade to a miss.
func (s *Store) Get(ctx context.Context, taskKind, jobID, entityID string) (*callback.Payload, error) {
	var stmt = fmt.Sprintf(
		`SELECT chunk_index, chunk_count, payload_json, created_at
			FROM %s
			WHERE task_kind = ? AND job_id = ? AND entity_id = ?
			ORDER BY created_at DESC, chunk_index ASC`,
		s.client.Table(warehouse.TableCallbacks))

	var rows, err = s.client.Query(ctx, stmt, taskKind, jobID, entityID)
	if err != nil {
		return nil, fmt.Errorf("reading result store: %w", err)
	}

	for _, group := range groupByCreatedAt(rows) {
		var encoded, ok = reassemble(group)
		if !ok {
			continue
		}
		var payload = new(callback.Payload)
		if err = json.Unmarshal(encoded, payload); err != nil {
			return nil, fmt.Errorf("decoding stored payload for (%s, %s, %s): %w",
				taskKind, jobID, entityID, err)
		}
		return payload, nil
	}
	return nil, nil
}

// Resend fetches the stored payload for the key and redelivers it. The
// stored bytes are canonical, so pagination re-derives identically.
func (s *Store) Resend(ctx context.Context, taskKind, jobID, entityID string, sender Sender) error {
	var payload, err = s.Get(ctx, taskKind, jobID, entityID)
	if err != nil {
		return err
	} else if payload == nil {
		return fmt.Errorf("no stored result for (%s, %s, %s)", taskKind, jobID, entityID)
	}
	return sender.Send(ctx, payload)
}

// groupByCreatedAt partitions rows (already ordered newest first) into
// chunk groups.
func groupByCreatedAt(rows []warehouse.Row) [][]warehouse.Row {
	var groups [][]warehouse.Row
	var current []warehouse.Row
	var currentAt time.Time

	for _, row := range rows {
		var at = row.Time("created_at")
		if len(current) != 0 && !at.Equal(currentAt) {
			groups = append(groups, current)
			current = nil
		}
		current = append(current, row)
		currentAt = at
	}
	if len(current) != 0 {
		groups = append(groups, current)
	}
	return groups
}

// reassemble concatenates a group's chunks in index order, returning
// ok=false when any index is missing or duplicated-inconsistently.
func reassemble(group []warehouse.Row) ([]byte, bool) {
	var count = int(group[0].Int("chunk_count"))
	if count <= 0 {
		return nil, false
	}

	var chunks = make([]string, count)
	var seen = make([]bool, count)
	for _, row := range group {
		var idx = int(row.Int("chunk_index"))
		if idx < 0 || idx >= count || int(row.Int("chunk_count")) != count {
			return nil, false
		}
		if !seen[idx] {
			seen[idx] = true
			chunks[idx] = row.String("payload_json")
		}
	}
	for _, s := range seen {
		if !s {
			return nil, false
		}
	}

	var out []byte
	for _, chunk := range chunks {
		out = append(out, chunk...)
	}
	return out, true
}

// splitChunks cuts |b| into runs of at most |limit| bytes, never splitting
// a UTF-8 sequence (the warehouse requires valid strings per row).
func splitChunks(b []byte, limit int) [][]byte {
	if len(b) <= limit {
		return [][]byte{b}
	}

	var chunks [][]byte
	for len(b) > limit {
		var cut = limit
		for cut > 0 && !utf8.RuneStart(b[cut]) {
			cut--
		}
		if cut == 0 {
			cut = limit // Not valid UTF-8 anyway; split arbitrarily.
		}
		chunks = append(chunks, b[:cut])
		b = b[cut:]
	}
	return append(chunks, b)
}
