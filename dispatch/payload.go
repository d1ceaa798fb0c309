// Package dispatch executes queue deliveries. It parses the task
// envelope, resolves the registered handler, enforces idempotency
// against the result store, and drives callback delivery. Handlers plug
// in through the Handler interface and run against a capability surface
// which deliberately excludes the result store and the callback
// transport.
package dispatch

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Payload is one parsed task delivery. Raw retains the verbatim body:
// handler-specific and unknown fields survive the round trip through
// audit snapshots and the admin retry endpoint.
type Payload struct {
	JobID     string
	TaskKind  string
	AccountID string
	LeadID    string

	// Attempt is the queue's zero-based retry counter for this delivery.
	Attempt int

	// Raw is the verbatim delivery body.
	Raw json.RawMessage
}

// envelope is the wire form of the fields the core itself reads.
type envelope struct {
	JobID     string `json:"job_id"`
	TaskKind  string `json:"task_kind"`
	AccountID string `json:"account_id"`
	LeadID    string `json:"lead_id"`
}

// ParsePayload decodes and validates a delivery body.
func ParsePayload(body []byte) (*Payload, error) {
	var wire envelope
	if err := json.Unmarshal(body, &wire); err != nil {
		return nil, fmt.Errorf("decoding task payload: %w", err)
	}

	if wire.JobID == "" {
		return nil, errors.New("task payload is missing job_id")
	}
	if wire.AccountID == "" && wire.LeadID == "" {
		return nil, errors.New("task payload needs one of account_id or lead_id")
	}

	return &Payload{
		JobID:     wire.JobID,
		TaskKind:  wire.TaskKind,
		AccountID: wire.AccountID,
		LeadID:    wire.LeadID,
		Raw:       append(json.RawMessage(nil), body...),
	}, nil
}

// EntityID is the enrichment target: the account, or failing that the lead.
func (p *Payload) EntityID() string {
	if p.AccountID != "" {
		return p.AccountID
	}
	return p.LeadID
}

// Decode unmarshals the verbatim body into a handler's own parameter
// struct.
func (p *Payload) Decode(into interface{}) error {
	if err := json.Unmarshal(p.Raw, into); err != nil {
		return fmt.Errorf("decoding %s payload: %w", p.TaskKind, err)
	}
	return nil
}
