// Package peopledata is the client of the people-data provider: company
// firmographics and contact search. Responses are cached in the warehouse
// so repeated enrichments of one company don't re-spend provider credits.
package peopledata

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/leadfold/enrich/cache"
	"github.com/leadfold/enrich/httpclient"
	"github.com/leadfold/enrich/metrics"
	"github.com/leadfold/enrich/ops"
	"github.com/leadfold/enrich/retry"
)

// Source names this provider in callback payloads and cache rows.
const Source = "peopledata"

// version participates in cache keys. Bump it when the response mapping
// below changes shape, so stale cached shapes are not replayed.
const version = "v1"

// ErrNoRecord reports that the provider has no data for the entity. It is
// terminal: retrying the delivery won't invent a record.
var ErrNoRecord = errors.New("provider has no record")

// Company is the firmographic record of one company domain.
type Company struct {
	Domain       string   `json:"domain"`
	Name         string   `json:"name"`
	Industry     string   `json:"industry,omitempty"`
	Employees    int      `json:"employees,omitempty"`
	Revenue      string   `json:"revenue,omitempty"`
	Country      string   `json:"country,omitempty"`
	Description  string   `json:"description,omitempty"`
	Technologies []string `json:"technologies,omitempty"`
}

// Contact is one person surfaced by contact search.
type Contact struct {
	FullName   string `json:"full_name"`
	Title      string `json:"title"`
	Seniority  string `json:"seniority,omitempty"`
	Department string `json:"department,omitempty"`
	Email      string `json:"email,omitempty"`
	LinkedIn   string `json:"linkedin_url,omitempty"`
}

// Config locates and bounds the provider.
type Config struct {
	BaseURL string
	APIKey  string
	// CallTimeout bounds one attempt, not the whole retried call.
	CallTimeout time.Duration
	CacheTTL    time.Duration
	Retry       retry.Policy
}

type Client struct {
	base    *url.URL
	apiKey  string
	timeout time.Duration
	ttl     time.Duration
	retry   retry.Policy
	pool    *httpclient.Pool
	cache   *cache.APICache
}

func NewClient(cfg Config, pool *httpclient.Pool, apiCache *cache.APICache) (*Client, error) {
	var base, err = url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing provider URL: %w", err)
	} else if !base.IsAbs() {
		return nil, fmt.Errorf("provider URL %q is not absolute", cfg.BaseURL)
	}
	if cfg.APIKey == "" {
		return nil, errors.New("provider API key is required")
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 30 * time.Second
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	return &Client{
		base:    base,
		apiKey:  cfg.APIKey,
		timeout: cfg.CallTimeout,
		ttl:     cfg.CacheTTL,
		retry:   cfg.Retry,
		pool:    pool,
		cache:   apiCache,
	}, nil
}

// EnrichCompany returns the provider's record for |domain|, or ErrNoRecord.
func (c *Client) EnrichCompany(ctx context.Context, domain string) (*Company, error) {
	if domain == "" {
		return nil, errors.New("domain is required")
	}
	var request = map[string]interface{}{"domain": domain}

	var body, err = c.call(ctx, "company.enrich", http.MethodGet,
		c.base.JoinPath("v1", "companies", "enrich"), request)
	if err != nil {
		return nil, err
	}

	var company Company
	if err = json.Unmarshal(body, &company); err != nil {
		return nil, fmt.Errorf("decoding company record: %w", err)
	}
	return &company, nil
}

// SearchContacts returns up to |limit| contacts at |domain| matching the
// given titles. An empty result is not an error.
func (c *Client) SearchContacts(ctx context.Context, domain string, titles []string, limit int) ([]Contact, error) {
	if domain == "" {
		return nil, errors.New("domain is required")
	}
	if limit <= 0 {
		limit = 10
	}
	var request = map[string]interface{}{
		"domain": domain,
		"titles": titles,
		"limit":  limit,
	}

	var body, err = c.call(ctx, "contacts.search", http.MethodPost,
		c.base.JoinPath("v1", "contacts", "search"), request)
	if err != nil {
		return nil, err
	}

	var decoded struct {
		Contacts []Contact `json:"contacts"`
	}
	if err = json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("decoding contact search: %w", err)
	}
	return decoded.Contacts, nil
}

// call runs one cached provider request. GETs carry the request as query
// parameters, POSTs as a JSON body; either way the canonicalized request is
// the cache key material.
func (c *Client) call(ctx context.Context, method, httpMethod string, endpoint *url.URL, request map[string]interface{}) ([]byte, error) {
	var key, err = cache.Key(Source, method, version, request)
	if err != nil {
		return nil, err
	}
	if entry := c.cache.Get(ctx, key); entry != nil {
		metrics.ProviderRequests.WithLabelValues(Source, "cached").Inc()
		return entry.Body, nil
	}

	var body []byte
	err = retry.Do(ctx, c.retry, Source+" "+method, func(ctx context.Context) error {
		var attempt, err = c.attempt(ctx, httpMethod, endpoint, request)
		if err == nil {
			body = attempt
		}
		return err
	})
	if err != nil {
		var status *httpclient.StatusError
		if errors.As(err, &status) && status.Code == http.StatusNotFound {
			metrics.ProviderRequests.WithLabelValues(Source, "miss").Inc()
			return nil, fmt.Errorf("%w: %s", ErrNoRecord, method)
		}
		metrics.ProviderRequests.WithLabelValues(Source, "error").Inc()
		return nil, fmt.Errorf("%s %s: %w", Source, method, err)
	}
	metrics.ProviderRequests.WithLabelValues(Source, "ok").Inc()

	c.cache.Put(ctx, key, Source, request, body, c.ttl, map[string]interface{}{
		"method": method,
	})
	ops.Debug(ctx, "provider call served", "provider", Source, "method", method)
	return body, nil
}

func (c *Client) attempt(ctx context.Context, httpMethod string, endpoint *url.URL, request map[string]interface{}) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	client, release, err := c.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	var req *http.Request
	if httpMethod == http.MethodGet {
		var u = *endpoint
		var query = u.Query()
		for k, v := range request {
			query.Set(k, fmt.Sprint(v))
		}
		u.RawQuery = query.Encode()
		req, err = http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	} else {
		var encoded []byte
		if encoded, err = json.Marshal(request); err != nil {
			return nil, fmt.Errorf("encoding request: %w", err)
		}
		req, err = http.NewRequestWithContext(ctx, httpMethod, endpoint.String(), bytes.NewReader(encoded))
		if req != nil {
			req.Header.Set("Content-Type", "application/json")
		}
	}
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if err = httpclient.CheckResponse(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading provider response: %w", err)
	}
	return body, nil
}
