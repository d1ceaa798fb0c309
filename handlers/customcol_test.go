package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/providers/ai"
)

func TestCustomColumnPatchesRecord(t *testing.T) {
	var completer = &stubCompleter{text: "Yes"}
	var handler = NewCustomColumn(completer)

	result, _, err := handler.Execute(context.Background(), newEnv(t), delivery(t, `{
		"job_id": "job-1", "task_kind": "customcol", "account_id": "acct-1",
		"column": {"name": "uses_kubernetes", "prompt": "Does the company run Kubernetes?", "type": "boolean"},
		"record": {"name": "Acme Corp", "custom_columns": {"funding_stage": "Series B"}},
		"payload_specific_fields": {"sheet": "q3"}
	}`))
	require.NoError(t, err)
	require.Equal(t, callback.StatusCompleted, result.Status)
	require.Equal(t, ai.Source, result.Source)

	require.Equal(t, "customcol/v1", completer.last.Version)
	require.Contains(t, completer.last.Prompt, "Does the company run Kubernetes?")
	require.Contains(t, completer.last.Prompt, `"name": "Acme Corp"`)

	var doc customcolDoc
	require.NoError(t, json.Unmarshal(result.ProcessedData, &doc))
	require.Equal(t, "uses_kubernetes", doc.Column)
	require.Equal(t, true, doc.Value)
	require.JSONEq(t, `{
		"name": "Acme Corp",
		"custom_columns": {"funding_stage": "Series B", "uses_kubernetes": true}
	}`, string(doc.Record))
	require.JSONEq(t, `{"sheet": "q3"}`, string(doc.Extra))
}

func TestCustomColumnStartsFromEmptyRecord(t *testing.T) {
	var handler = NewCustomColumn(&stubCompleter{text: " Enterprise manufacturing "})

	result, _, err := handler.Execute(context.Background(), newEnv(t), delivery(t, `{
		"job_id": "job-1", "task_kind": "customcol", "account_id": "acct-1",
		"column": {"name": "segment", "prompt": "Which market segment?"}
	}`))
	require.NoError(t, err)

	var doc customcolDoc
	require.NoError(t, json.Unmarshal(result.ProcessedData, &doc))
	require.Equal(t, "Enterprise manufacturing", doc.Value)
	require.JSONEq(t, `{"custom_columns": {"segment": "Enterprise manufacturing"}}`, string(doc.Record))
}

func TestCustomColumnRejectsUnparseableAnswer(t *testing.T) {
	var handler = NewCustomColumn(&stubCompleter{text: "around two hundred"})

	_, _, err := handler.Execute(context.Background(), newEnv(t), delivery(t, `{
		"job_id": "job-1", "task_kind": "customcol", "account_id": "acct-1",
		"column": {"name": "headcount", "prompt": "How many employees?", "type": "number"}
	}`))
	require.Equal(t, "parse", stageOf(t, err))
	require.ErrorContains(t, err, "number column")
}

func TestCustomColumnModelFailure(t *testing.T) {
	var handler = NewCustomColumn(&stubCompleter{err: errors.New("overloaded")})

	_, _, err := handler.Execute(context.Background(), newEnv(t), delivery(t, `{
		"job_id": "job-1", "task_kind": "customcol", "account_id": "acct-1",
		"column": {"name": "segment", "prompt": "Which segment?"}
	}`))
	require.Equal(t, "complete", stageOf(t, err))
}

func TestCustomColumnValidates(t *testing.T) {
	var handler = NewCustomColumn(&stubCompleter{text: "unused"})

	var cases = []struct {
		name, body, want string
	}{
		{"missing name", `{"job_id": "j", "account_id": "a", "column": {"prompt": "p"}}`, "column.name"},
		{"missing prompt", `{"job_id": "j", "account_id": "a", "column": {"name": "n"}}`, "column.prompt"},
		{"bad type", `{"job_id": "j", "account_id": "a", "column": {"name": "n", "prompt": "p", "type": "date"}}`, "not one of"},
		{"record not an object", `{"job_id": "j", "account_id": "a", "column": {"name": "n", "prompt": "p"}, "record": [1, 2]}`, "JSON object"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := handler.Execute(context.Background(), newEnv(t), delivery(t, tc.body))
			require.Equal(t, "validate", stageOf(t, err))
			require.ErrorContains(t, err, tc.want)
		})
	}
}

func TestParseCell(t *testing.T) {
	var cases = []struct {
		text, columnType string
		want             interface{}
		wantErr          bool
	}{
		{" hello ", "text", "hello", false},
		{"", "text", nil, true},
		{"42", "number", 42.0, false},
		{" 17.5% ", "number", 17.5, false},
		{"many", "number", nil, true},
		{"Yes", "boolean", true, false},
		{"FALSE", "boolean", false, false},
		{"maybe", "boolean", nil, true},
	}
	for _, tc := range cases {
		var got, err = parseCell(tc.text, tc.columnType)
		if tc.wantErr {
			require.Error(t, err, "parseCell(%q, %q)", tc.text, tc.columnType)
			continue
		}
		require.NoError(t, err, "parseCell(%q, %q)", tc.text, tc.columnType)
		require.Equal(t, tc.want, got)
	}
}
