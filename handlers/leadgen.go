package handlers

import (
	"context"
	"encoding/json"

	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/dispatch"
	"github.com/leadfold/enrich/ops"
	"github.com/leadfold/enrich/providers/peopledata"
)

// LeadGen generates leads for an account: one contact search per
// requested title, fanned out against the provider, merged and deduped.
type LeadGen struct {
	contacts ContactSearcher
}

func NewLeadGen(contacts ContactSearcher) *LeadGen {
	return &LeadGen{contacts: contacts}
}

var (
	_ dispatch.Handler            = (*LeadGen)(nil)
	_ dispatch.ConcurrencyLimiter = (*LeadGen)(nil)
)

func (h *LeadGen) Kind() string { return "leadgen" }

// ConcurrencyLimit bounds concurrent title searches; the provider rate
// limits aggressively beyond that.
func (h *LeadGen) ConcurrencyLimit() int { return 4 }

type leadgenParams struct {
	Domain string          `json:"domain"`
	Titles []string        `json:"titles"`
	Limit  int             `json:"limit"`
	Extra  json.RawMessage `json:"payload_specific_fields"`
}

type leadgenDoc struct {
	Domain       string               `json:"domain"`
	Leads        []peopledata.Contact `json:"leads"`
	Titles       []string             `json:"titles_searched"`
	FailedTitles []string             `json:"titles_failed,omitempty"`
	Extra        json.RawMessage      `json:"payload_specific_fields,omitempty"`
}

func (h *LeadGen) Execute(ctx context.Context, env *dispatch.Env, payload *dispatch.Payload) (*callback.Payload, dispatch.Summary, error) {
	var params leadgenParams
	if err := payload.Decode(&params); err != nil {
		return nil, nil, invalid("%v", err)
	}
	if params.Domain == "" {
		return nil, nil, invalid("leadgen requires a domain")
	}
	if len(params.Titles) == 0 {
		return nil, nil, invalid("leadgen requires at least one title")
	}
	if params.Limit <= 0 {
		params.Limit = 25
	}

	var results = dispatch.Fanout(ctx, h.ConcurrencyLimit(), params.Titles,
		func(ctx context.Context, title string) ([]peopledata.Contact, error) {
			return h.contacts.SearchContacts(ctx, params.Domain, []string{title}, params.Limit)
		})

	var doc = leadgenDoc{
		Domain: params.Domain,
		Leads:  []peopledata.Contact{},
		Titles: params.Titles,
		Extra:  params.Extra,
	}
	var seen = map[string]bool{}
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			doc.FailedTitles = append(doc.FailedTitles, r.Item)
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		for _, contact := range r.Value {
			var key = contact.Email
			if key == "" {
				key = contact.FullName + "\x00" + contact.Title
			}
			if seen[key] || len(doc.Leads) >= params.Limit {
				continue
			}
			seen[key] = true
			doc.Leads = append(doc.Leads, contact)
		}
	}
	if len(doc.FailedTitles) == len(params.Titles) {
		return nil, nil, stage("search", firstErr)
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, nil, ctxErr
	}
	if len(doc.FailedTitles) > 0 {
		ops.Warn(ctx, "some title searches failed", "failed", doc.FailedTitles, "error", firstErr)
	}
	env.Recorder.Record(ctx, "leads", doc.Leads)

	data, err := processed(&doc)
	if err != nil {
		return nil, nil, stage("encode", err)
	}
	var searched = len(params.Titles) - len(doc.FailedTitles)
	return &callback.Payload{
		Status:               callback.StatusCompleted,
		Source:               peopledata.Source,
		CompletionPercentage: 100 * searched / len(params.Titles),
		ProcessedData:        data,
	}, nil, nil
}
