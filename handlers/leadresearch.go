package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/dispatch"
	"github.com/leadfold/enrich/ops"
	"github.com/leadfold/enrich/providers/ai"
)

// leadresearchVersion rolls the completion cache when the prompts or the
// brief's shape change.
const leadresearchVersion = "leadresearch/v1"

const researchSystemPrompt = "You research companies for B2B sales teams. " +
	"Ground every statement in the provided context, and say so plainly when " +
	"the context does not answer a question."

// LeadResearch writes a research brief for one lead: firmographics and
// website content are gathered as context, then the model answers the
// payload's questions against it.
type LeadResearch struct {
	companies CompanyEnricher
	scanner   PageScanner
	completer Completer
}

func NewLeadResearch(companies CompanyEnricher, scanner PageScanner, completer Completer) *LeadResearch {
	return &LeadResearch{companies: companies, scanner: scanner, completer: completer}
}

var (
	_ dispatch.Handler      = (*LeadResearch)(nil)
	_ dispatch.DeadlineHint = (*LeadResearch)(nil)
)

func (h *LeadResearch) Kind() string { return "leadresearch" }

// DeliveryDeadline loosens the default: research rides two providers and
// a model call.
func (h *LeadResearch) DeliveryDeadline() time.Duration { return 10 * time.Minute }

type leadresearchParams struct {
	Domain    string          `json:"domain"`
	LeadName  string          `json:"lead_name"`
	LeadTitle string          `json:"lead_title"`
	Questions []string        `json:"questions"`
	Extra     json.RawMessage `json:"payload_specific_fields"`
}

type leadresearchDoc struct {
	Brief     string          `json:"brief"`
	Model     string          `json:"model"`
	Sources   []string        `json:"sources"`
	Questions []string        `json:"questions,omitempty"`
	Extra     json.RawMessage `json:"payload_specific_fields,omitempty"`
}

func (h *LeadResearch) Execute(ctx context.Context, env *dispatch.Env, payload *dispatch.Payload) (*callback.Payload, dispatch.Summary, error) {
	var params leadresearchParams
	if err := payload.Decode(&params); err != nil {
		return nil, nil, invalid("%v", err)
	}
	if params.Domain == "" {
		return nil, nil, invalid("leadresearch requires a domain")
	}

	// Context gathering degrades per source, but researching with no
	// context at all would just be the model guessing.
	var prompt strings.Builder
	var sources []string

	prompt.WriteString("Research the company at " + params.Domain + ".\n")
	if params.LeadName != "" {
		prompt.WriteString("The lead under research is " + params.LeadName)
		if params.LeadTitle != "" {
			prompt.WriteString(", " + params.LeadTitle)
		}
		prompt.WriteString(".\n")
	}

	if company, err := h.companies.EnrichCompany(ctx, params.Domain); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		ops.Warn(ctx, "no firmographic context", "domain", params.Domain, "error", err)
	} else if record, err := json.Marshal(company); err == nil {
		env.Recorder.Record(ctx, "company", company)
		sources = append(sources, "peopledata")
		prompt.WriteString("\nFirmographic record:\n")
		prompt.Write(record)
		prompt.WriteString("\n")
	}

	if page, err := h.scanner.Scan(ctx, siteURL(params.Domain)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		ops.Warn(ctx, "no website context", "domain", params.Domain, "error", err)
	} else {
		env.Recorder.Record(ctx, "scan", page)
		sources = append(sources, "webscan")
		if page.Title != "" {
			prompt.WriteString("\nWebsite title: " + page.Title + "\n")
		}
		if page.Text != "" {
			prompt.WriteString("Website text:\n" + clip(page.Text, 6000) + "\n")
		}
	}

	if len(sources) == 0 {
		return nil, nil, stage("context", errors.New("no company context could be gathered"))
	}

	if len(params.Questions) > 0 {
		prompt.WriteString("\nAnswer these questions:\n")
		for _, q := range params.Questions {
			prompt.WriteString("- " + q + "\n")
		}
	} else {
		prompt.WriteString("\nWrite a short research brief: what the company does, " +
			"who buys it, recent signals, and how to open a conversation.\n")
	}

	completion, err := h.completer.Complete(ctx, ai.Request{
		Version: leadresearchVersion,
		System:  researchSystemPrompt,
		Prompt:  prompt.String(),
	})
	if err != nil {
		return nil, nil, stage("research", err)
	}
	env.Recorder.Record(ctx, "research", completion)

	data, err := processed(&leadresearchDoc{
		Brief:     completion.Text,
		Model:     completion.Model,
		Sources:   sources,
		Questions: params.Questions,
		Extra:     params.Extra,
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

// clip truncates s to max bytes on a rune boundary.
func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}
