// Package handlers holds the task-kind plug-ins. Each handler validates
// its payload schema on entry, enriches through the provider clients it
// was constructed with, and returns a result document for the runner to
// store and deliver. Fields of the delivery the handler doesn't model
// ride through under payload_specific_fields untouched.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leadfold/enrich/dispatch"
	"github.com/leadfold/enrich/providers/ai"
	"github.com/leadfold/enrich/providers/peopledata"
	"github.com/leadfold/enrich/providers/webscan"
)

// CompanyEnricher resolves a domain to its firmographic record.
type CompanyEnricher interface {
	EnrichCompany(ctx context.Context, domain string) (*peopledata.Company, error)
}

// ContactSearcher finds people at a domain by title.
type ContactSearcher interface {
	SearchContacts(ctx context.Context, domain string, titles []string, limit int) ([]peopledata.Contact, error)
}

// PageScanner fetches and extracts one web page.
type PageScanner interface {
	Scan(ctx context.Context, pageURL string) (*webscan.Page, error)
}

// Completer answers one model prompt.
type Completer interface {
	Complete(ctx context.Context, req ai.Request) (*ai.Completion, error)
}

// invalid tags a payload schema violation with the validate stage.
func invalid(format string, args ...interface{}) error {
	return &dispatch.StageError{Stage: "validate", Err: fmt.Errorf(format, args...)}
}

// stage tags err with a handler pipeline stage.
func stage(name string, err error) error {
	return &dispatch.StageError{Stage: name, Err: err}
}

// processed marshals a handler's result document.
func processed(doc interface{}) (json.RawMessage, error) {
	var encoded, err = json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding result document: %w", err)
	}
	return encoded, nil
}

// siteURL turns a bare domain into a fetchable URL. Already-qualified
// URLs pass through.
func siteURL(domain string) string {
	if strings.Contains(domain, "://") {
		return domain
	}
	return "https://" + domain
}
