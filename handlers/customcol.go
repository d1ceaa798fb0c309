package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/dispatch"
	"github.com/leadfold/enrich/providers/ai"
)

// customcolVersion rolls the completion cache when the cell prompts or
// parsing change.
const customcolVersion = "customcol/v1"

const customcolSystemPrompt = "You compute one cell of a spreadsheet column " +
	"about a company. Respond with only the cell value: no preamble, no markdown."

// CustomColumn computes one user-defined column value for an entity and
// merge-patches it into the entity's record under custom_columns.
type CustomColumn struct {
	completer Completer
}

func NewCustomColumn(completer Completer) *CustomColumn {
	return &CustomColumn{completer: completer}
}

var _ dispatch.Handler = (*CustomColumn)(nil)

func (h *CustomColumn) Kind() string { return "customcol" }

type customcolParams struct {
	Column struct {
		Name   string `json:"name"`
		Prompt string `json:"prompt"`
		Type   string `json:"type"`
	} `json:"column"`
	Record json.RawMessage `json:"record"`
	Extra  json.RawMessage `json:"payload_specific_fields"`
}

type customcolDoc struct {
	Record json.RawMessage `json:"record"`
	Column string          `json:"column"`
	Value  interface{}     `json:"value"`
	Model  string          `json:"model"`
	Extra  json.RawMessage `json:"payload_specific_fields,omitempty"`
}

func (h *CustomColumn) Execute(ctx context.Context, env *dispatch.Env, payload *dispatch.Payload) (*callback.Payload, dispatch.Summary, error) {
	var params customcolParams
	if err := payload.Decode(&params); err != nil {
		return nil, nil, invalid("%v", err)
	}
	if params.Column.Name == "" {
		return nil, nil, invalid("customcol requires column.name")
	}
	if params.Column.Prompt == "" {
		return nil, nil, invalid("customcol requires column.prompt")
	}
	switch params.Column.Type {
	case "":
		params.Column.Type = "text"
	case "text", "number", "boolean":
	default:
		return nil, nil, invalid("column.type %q is not one of text, number, boolean", params.Column.Type)
	}
	if len(params.Record) > 0 && !isJSONObject(params.Record) {
		return nil, nil, invalid("customcol record must be a JSON object")
	}

	var prompt strings.Builder
	prompt.WriteString(params.Column.Prompt)
	prompt.WriteString("\n\nThe value type is " + params.Column.Type + ".\n")
	if len(params.Record) > 0 {
		prompt.WriteString("\nEntity record:\n")
		prompt.Write(params.Record)
		prompt.WriteString("\n")
	}

	completion, err := h.completer.Complete(ctx, ai.Request{
		Version: customcolVersion,
		System:  customcolSystemPrompt,
		Prompt:  prompt.String(),
	})
	if err != nil {
		return nil, nil, stage("complete", err)
	}

	value, err := parseCell(completion.Text, params.Column.Type)
	if err != nil {
		return nil, nil, stage("parse", err)
	}
	env.Recorder.Record(ctx, "column", map[string]interface{}{
		"name":  params.Column.Name,
		"value": value,
	})

	patch, err := json.Marshal(map[string]interface{}{
		"custom_columns": map[string]interface{}{params.Column.Name: value},
	})
	if err != nil {
		return nil, nil, stage("patch", err)
	}
	var base = params.Record
	if len(base) == 0 {
		base = json.RawMessage("{}")
	}
	patched, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return nil, nil, stage("patch", fmt.Errorf("merging column into record: %w", err))
	}

	data, err := processed(&customcolDoc{
		Record: patched,
		Column: params.Column.Name,
		Value:  value,
		Model:  completion.Model,
		Extra:  params.Extra,
	})
	if err != nil {
		return nil, nil, stage("encode", err)
	}
	return &callback.Payload{
		Status:               callback.StatusCompleted,
		Source:               ai.Source,
		CompletionPercentage: 100,
		ProcessedData:        data,
	}, nil, nil
}

// parseCell coerces the model's answer to the column type.
func parseCell(text, columnType string) (interface{}, error) {
	var cell = strings.TrimSpace(text)
	switch columnType {
	case "number":
		var n, err = strconv.ParseFloat(strings.TrimSuffix(cell, "%"), 64)
		if err != nil {
			return nil, fmt.Errorf("model answered %q for a number column", cell)
		}
		return n, nil
	case "boolean":
		switch strings.ToLower(cell) {
		case "true", "yes":
			return true, nil
		case "false", "no":
			return false, nil
		}
		return nil, fmt.Errorf("model answered %q for a boolean column", cell)
	default:
		if cell == "" {
			return nil, fmt.Errorf("model answered nothing for a text column")
		}
		return cell, nil
	}
}

func isJSONObject(raw json.RawMessage) bool {
	var trimmed = bytes.TrimSpace(raw)
	return len(trimmed) > 0 && trimmed[0] == '{' && json.Valid(trimmed)
}
