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

func TestEnhanceMergesAllSections(t *testing.T) {
	var companies = &stubCompanies{company: &peopledata.Company{
		Domain:    "acme.com",
		Name:      "Acme Corp",
		Industry:  "Manufacturing",
		Employees: 250,
	}}
	var contacts = &stubContacts{byTitle: map[string][]peopledata.Contact{}}
	var scanner = &stubScanner{pages: map[string]*webscan.Page{
		"https://acme.com": {
			URL:         "https://acme.com",
			Title:       "Acme Corp",
			Description: "Industrial automation.",
			Generator:   "Hugo 0.125",
			ScriptHosts: []string{"cdn.segment.com"},
		},
	}}
	var handler = NewEnhance(companies, contacts, scanner)

	result, summary, err := handler.Execute(context.Background(), newEnv(t), delivery(t, `{
		"job_id": "job-1", "task_kind": "enhance", "account_id": "acct-1",
		"domain": "acme.com", "include_contacts": true,
		"payload_specific_fields": {"crm_id": "x7"}
	}`))
	require.NoError(t, err)
	require.Nil(t, summary)
	require.Equal(t, callback.StatusCompleted, result.Status)
	require.Equal(t, peopledata.Source, result.Source)
	require.Equal(t, 100, result.CompletionPercentage)

	var doc enhanceDoc
	require.NoError(t, json.Unmarshal(result.ProcessedData, &doc))
	require.Equal(t, "Acme Corp", doc.Company.Name)
	require.Equal(t, 250, doc.Company.Employees)
	require.Equal(t, "Industrial automation.", doc.Website.Description)
	require.Equal(t, []string{"cdn.segment.com"}, doc.Website.ScriptHosts)
	require.JSONEq(t, `{"crm_id": "x7"}`, string(doc.Extra))
}

func TestEnhanceDegradesWithoutWebsite(t *testing.T) {
	var companies = &stubCompanies{company: &peopledata.Company{Domain: "acme.com", Name: "Acme Corp"}}
	var scanner = &stubScanner{err: errors.New("site is down")}
	var handler = NewEnhance(companies, &stubContacts{}, scanner)

	result, _, err := handler.Execute(context.Background(), newEnv(t), delivery(t, `{
		"job_id": "job-1", "task_kind": "enhance", "account_id": "acct-1", "domain": "acme.com"
	}`))
	require.NoError(t, err)
	require.Equal(t, callback.StatusCompleted, result.Status)
	require.Equal(t, 50, result.CompletionPercentage)

	var doc enhanceDoc
	require.NoError(t, json.Unmarshal(result.ProcessedData, &doc))
	require.Equal(t, "Acme Corp", doc.Company.Name)
	require.Nil(t, doc.Website)
}

func TestEnhanceFailsWithoutCompanyRecord(t *testing.T) {
	var companies = &stubCompanies{err: peopledata.ErrNoRecord}
	var handler = NewEnhance(companies, &stubContacts{}, &stubScanner{})

	result, _, err := handler.Execute(context.Background(), newEnv(t), delivery(t, `{
		"job_id": "job-1", "task_kind": "enhance", "account_id": "acct-1", "domain": "ghost.example"
	}`))
	require.Nil(t, result)
	require.Equal(t, "company", stageOf(t, err))
	require.ErrorIs(t, err, peopledata.ErrNoRecord)
}

func TestEnhanceRequiresDomain(t *testing.T) {
	var handler = NewEnhance(&stubCompanies{}, &stubContacts{}, &stubScanner{})

	_, _, err := handler.Execute(context.Background(), newEnv(t), delivery(t, `{
		"job_id": "job-1", "task_kind": "enhance", "account_id": "acct-1"
	}`))
	require.Equal(t, "validate", stageOf(t, err))
}

func TestEnhanceSearchesRequestedTitles(t *testing.T) {
	var contacts = &stubContacts{byTitle: map[string][]peopledata.Contact{}}
	var handler = NewEnhance(
		&stubCompanies{company: &peopledata.Company{Domain: "acme.com"}},
		contacts,
		&stubScanner{},
	)

	_, _, err := handler.Execute(context.Background(), newEnv(t), delivery(t, `{
		"job_id": "job-1", "task_kind": "enhance", "account_id": "acct-1",
		"domain": "acme.com", "include_contacts": true, "contact_titles": ["CTO", "VP Engineering"]
	}`))
	require.NoError(t, err)
	require.Equal(t, []string{"CTO", "VP Engineering"}, contacts.titles)
}
