package dispatch

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParsePayload(t *testing.T) {
	var body = []byte(`{
		"job_id": "job-1",
		"task_kind": "enhance",
		"account_id": "acct-1",
		"custom_instructions": "focus on firmographics",
		"columns": [{"name": "industry"}]
	}`)

	var p, err = ParsePayload(body)
	require.NoError(t, err)
	require.Equal(t, "job-1", p.JobID)
	require.Equal(t, "enhance", p.TaskKind)
	require.Equal(t, "acct-1", p.AccountID)
	require.Equal(t, "acct-1", p.EntityID())

	// The verbatim body survives, unknown fields included.
	require.JSONEq(t, string(body), string(p.Raw))

	var params struct {
		Instructions string `json:"custom_instructions"`
		Columns      []struct {
			Name string `json:"name"`
		} `json:"columns"`
	}
	require.NoError(t, p.Decode(&params))
	require.Equal(t, "focus on firmographics", params.Instructions)
	require.Len(t, params.Columns, 1)
}

func TestParsePayloadLeadEntity(t *testing.T) {
	var p, err = ParsePayload([]byte(`{"job_id":"job-2","task_kind":"leadgen","lead_id":"lead-9"}`))
	require.NoError(t, err)
	require.Equal(t, "lead-9", p.EntityID())
}

func TestParsePayloadAccountWinsOverLead(t *testing.T) {
	var p, err = ParsePayload([]byte(`{"job_id":"job-3","task_kind":"enhance","account_id":"acct-3","lead_id":"lead-3"}`))
	require.NoError(t, err)
	require.Equal(t, "acct-3", p.EntityID())
}

func TestParsePayloadValidation(t *testing.T) {
	var cases = []struct {
		name string
		body string
		want string
	}{
		{"not json", `{"job_id":`, "decoding task payload"},
		{"missing job", `{"task_kind":"enhance","account_id":"a"}`, "missing job_id"},
		{"missing entity", `{"job_id":"j","task_kind":"enhance"}`, "one of account_id or lead_id"},
	}
	for _, tc := range cases {
		var _, err = ParsePayload([]byte(tc.body))
		require.ErrorContains(t, err, tc.want, tc.name)
	}
}
