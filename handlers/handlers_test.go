package handlers

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/leadfold/enrich/dispatch"
	"github.com/leadfold/enrich/providers/ai"
	"github.com/leadfold/enrich/providers/peopledata"
	"github.com/leadfold/enrich/providers/webscan"
	"github.com/leadfold/enrich/warehouse"
)

type stubCompanies struct {
	mu      sync.Mutex
	company *peopledata.Company
	err     error
	domains []string
}

func (s *stubCompanies) EnrichCompany(_ context.Context, domain string) (*peopledata.Company, error) {
	s.mu.Lock()
	s.domains = append(s.domains, domain)
	s.mu.Unlock()
	return s.company, s.err
}

type stubContacts struct {
	mu      sync.Mutex
	byTitle map[string][]peopledata.Contact
	errFor  map[string]error
	titles  []string
}

func (s *stubContacts) SearchContacts(_ context.Context, domain string, titles []string, limit int) ([]peopledata.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.titles = append(s.titles, titles...)
	if len(titles) == 1 {
		if err, ok := s.errFor[titles[0]]; ok {
			return nil, err
		}
		return s.byTitle[titles[0]], nil
	}
	var all []peopledata.Contact
	for _, title := range titles {
		all = append(all, s.byTitle[title]...)
	}
	return all, nil
}

type stubScanner struct {
	mu    sync.Mutex
	pages map[string]*webscan.Page
	err   error
	urls  []string
}

func (s *stubScanner) Scan(_ context.Context, pageURL string) (*webscan.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.urls = append(s.urls, pageURL)
	if s.err != nil {
		return nil, s.err
	}
	if page, ok := s.pages[pageURL]; ok {
		return page, nil
	}
	return &webscan.Page{URL: pageURL}, nil
}

type stubCompleter struct {
	mu    sync.Mutex
	text  string
	model string
	err   error
	last  ai.Request
	calls int
}

func (s *stubCompleter) Complete(_ context.Context, req ai.Request) (*ai.Completion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.last = req
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	var model = s.model
	if model == "" {
		model = "claude-sonnet-4-0"
	}
	return &ai.Completion{Text: s.text, Model: model, StopReason: "end_turn"}, nil
}

func newEnv(t *testing.T) *dispatch.Env {
	var client, err = warehouse.NewSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, client.EnsureTables(context.Background()))
	t.Cleanup(func() { _ = client.Close() })
	return &dispatch.Env{Recorder: dispatch.NewRecorder(client)}
}

func delivery(t *testing.T, body string) *dispatch.Payload {
	var payload, err = dispatch.ParsePayload([]byte(body))
	require.NoError(t, err)
	return payload
}

// stageOf unwraps the failed pipeline stage from a handler error.
func stageOf(t *testing.T, err error) string {
	var staged *dispatch.StageError
	require.ErrorAs(t, err, &staged)
	return staged.Stage
}
