package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/providers/peopledata"
	"github.com/leadfold/enrich/providers/webscan"
)

func TestTechProfileDetectsTechnologies(t *testing.T) {
	var scanner = &stubScanner{pages: map[string]*webscan.Page{
		"https://acme.com": {
			URL:         "https://acme.com",
			Generator:   "WordPress 6.4",
			ScriptHosts: []string{"cdn.segment.com", "js.stripe.com", "unknown.example"},
		},
	}}
	var companies = &stubCompanies{company: &peopledata.Company{
		Domain:       "acme.com",
		Technologies: []string{"salesforce"},
	}}
	var handler = NewTechProfile(scanner, companies)

	result, _, err := handler.Execute(context.Background(), newEnv(t), delivery(t, `{
		"job_id": "job-1", "task_kind": "techprofile", "account_id": "acct-1",
		"domain": "acme.com", "payload_specific_fields": {"refresh": true}
	}`))
	require.NoError(t, err)
	require.Equal(t, callback.StatusCompleted, result.Status)
	require.Equal(t, webscan.Source, result.Source)
	require.Equal(t, 100, result.CompletionPercentage)

	var doc techprofileDoc
	require.NoError(t, json.Unmarshal(result.ProcessedData, &doc))
	require.Equal(t, []string{"https://acme.com"}, doc.PagesScanned)

	var names []string
	for _, tech := range doc.Technologies {
		names = append(names, tech.Name)
	}
	require.Equal(t, []string{"Segment", "Stripe", "WordPress", "salesforce"}, names)

	require.Equal(t, webscan.Source, doc.Technologies[0].Source)
	require.Equal(t, "cdn.segment.com", doc.Technologies[0].Evidence)
	require.Equal(t, "peopledata", doc.Technologies[3].Source)
	require.JSONEq(t, `{"refresh": true}`, string(doc.Extra))
}

func TestTechProfileScansRequestedPages(t *testing.T) {
	var scanner = &stubScanner{}
	var handler = NewTechProfile(scanner, &stubCompanies{company: &peopledata.Company{Domain: "acme.com"}})

	_, _, err := handler.Execute(context.Background(), newEnv(t), delivery(t, `{
		"job_id": "job-1", "task_kind": "techprofile", "account_id": "acct-1",
		"domain": "acme.com", "pages": ["/pricing", "/pricing", "/about", "mailto:x@acme.com", "/careers", "/blog"]
	}`))
	require.NoError(t, err)

	scanner.mu.Lock()
	defer scanner.mu.Unlock()
	require.ElementsMatch(t, []string{
		"https://acme.com",
		"https://acme.com/pricing",
		"https://acme.com/about",
		"https://acme.com/careers",
	}, scanner.urls)
}

func TestTechProfileSurvivesOnProviderDataAlone(t *testing.T) {
	var scanner = &stubScanner{err: errors.New("site unreachable")}
	var companies = &stubCompanies{company: &peopledata.Company{
		Domain:       "acme.com",
		Technologies: []string{"salesforce", "marketo"},
	}}
	var handler = NewTechProfile(scanner, companies)

	result, _, err := handler.Execute(context.Background(), newEnv(t), delivery(t, `{
		"job_id": "job-1", "task_kind": "techprofile", "account_id": "acct-1", "domain": "acme.com"
	}`))
	require.NoError(t, err)
	require.Equal(t, callback.StatusCompleted, result.Status)
	require.Equal(t, 50, result.CompletionPercentage)

	var doc techprofileDoc
	require.NoError(t, json.Unmarshal(result.ProcessedData, &doc))
	require.Empty(t, doc.PagesScanned)
	require.Len(t, doc.Technologies, 2)
}

func TestTechProfileFailsWhenNothingReachable(t *testing.T) {
	var handler = NewTechProfile(
		&stubScanner{err: errors.New("site unreachable")},
		&stubCompanies{err: peopledata.ErrNoRecord},
	)

	_, _, err := handler.Execute(context.Background(), newEnv(t), delivery(t, `{
		"job_id": "job-1", "task_kind": "techprofile", "account_id": "acct-1", "domain": "ghost.example"
	}`))
	require.Equal(t, "scan", stageOf(t, err))
	require.ErrorContains(t, err, "unreachable")
}

func TestTechProfileRequiresDomain(t *testing.T) {
	var handler = NewTechProfile(&stubScanner{}, &stubCompanies{})

	_, _, err := handler.Execute(context.Background(), newEnv(t), delivery(t, `{
		"job_id": "job-1", "task_kind": "techprofile", "account_id": "acct-1"
	}`))
	require.Equal(t, "validate", stageOf(t, err))
}

func TestCandidatePages(t *testing.T) {
	require.Equal(t, []string{"https://acme.com"}, candidatePages("acme.com", nil))
	require.Equal(t,
		[]string{"http://acme.com", "http://acme.com/pricing"},
		candidatePages("http://acme.com", []string{"/pricing"}))
	require.Len(t, candidatePages("acme.com", []string{"/a", "/b", "/c", "/d", "/e"}), maxProfilePages)
}
