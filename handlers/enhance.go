package handlers

import (
	"context"
	"encoding/json"

	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/dispatch"
	"github.com/leadfold/enrich/ops"
	"github.com/leadfold/enrich/providers/peopledata"
)

// Enhance enriches an account with firmographics from the people-data
// provider, supplemented best-effort with signals scraped from the
// company's website and, on request, decision-maker contacts.
type Enhance struct {
	companies CompanyEnricher
	contacts  ContactSearcher
	scanner   PageScanner
}

func NewEnhance(companies CompanyEnricher, contacts ContactSearcher, scanner PageScanner) *Enhance {
	return &Enhance{companies: companies, contacts: contacts, scanner: scanner}
}

var _ dispatch.Handler = (*Enhance)(nil)

func (h *Enhance) Kind() string { return "enhance" }

type enhanceParams struct {
	Domain          string          `json:"domain"`
	IncludeContacts bool            `json:"include_contacts"`
	ContactTitles   []string        `json:"contact_titles"`
	Extra           json.RawMessage `json:"payload_specific_fields"`
}

type websiteSignals struct {
	URL         string   `json:"url"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Generator   string   `json:"generator,omitempty"`
	ScriptHosts []string `json:"script_hosts,omitempty"`
}

type enhanceDoc struct {
	Company  *peopledata.Company  `json:"company"`
	Website  *websiteSignals      `json:"website,omitempty"`
	Contacts []peopledata.Contact `json:"contacts,omitempty"`
	Extra    json.RawMessage      `json:"payload_specific_fields,omitempty"`
}

func (h *Enhance) Execute(ctx context.Context, env *dispatch.Env, payload *dispatch.Payload) (*callback.Payload, dispatch.Summary, error) {
	var params enhanceParams
	if err := payload.Decode(&params); err != nil {
		return nil, nil, invalid("%v", err)
	}
	if params.Domain == "" {
		return nil, nil, invalid("enhance requires a domain")
	}

	// The firmographic record is the point of the task. No record, no
	// enhancement.
	company, err := h.companies.EnrichCompany(ctx, params.Domain)
	if err != nil {
		return nil, nil, stage("company", err)
	}
	env.Recorder.Record(ctx, "company", company)

	// Website signals and contacts degrade: their absence trims the
	// completion percentage instead of failing the task.
	var sections, done = 1, 1
	var doc = enhanceDoc{Company: company, Extra: params.Extra}

	sections++
	if page, err := h.scanner.Scan(ctx, siteURL(params.Domain)); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		ops.Warn(ctx, "website scan failed, continuing without it", "domain", params.Domain, "error", err)
	} else {
		done++
		env.Recorder.Record(ctx, "scan", page)
		doc.Website = &websiteSignals{
			URL:         page.URL,
			Title:       page.Title,
			Description: page.Description,
			Generator:   page.Generator,
			ScriptHosts: page.ScriptHosts,
		}
	}

	if params.IncludeContacts {
		sections++
		if contacts, err := h.contacts.SearchContacts(ctx, params.Domain, params.ContactTitles, 0); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, nil, ctxErr
			}
			ops.Warn(ctx, "contact search failed, continuing without it", "domain", params.Domain, "error", err)
		} else {
			done++
			env.Recorder.Record(ctx, "contacts", contacts)
			doc.Contacts = contacts
		}
	}

	data, err := processed(&doc)
	if err != nil {
		return nil, nil, stage("encode", err)
	}
	return &callback.Payload{
		Status:               callback.StatusCompleted,
		Source:               peopledata.Source,
		CompletionPercentage: 100 * done / sections,
		ProcessedData:        data,
	}, nil, nil
}
