// Package webscan fetches a company's public website and extracts the
// signals handlers enrich from: page metadata, visible text, and the
// external script hosts that hint at the site's technology stack.
package webscan

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"

	"github.com/leadfold/enrich/dispatch"
	"github.com/leadfold/enrich/httpclient"
	"github.com/leadfold/enrich/metrics"
	"github.com/leadfold/enrich/retry"
)

// Source names this provider in callback payloads.
const Source = "webscan"

// Page is the extraction of one fetched document.
type Page struct {
	URL         string   `json:"url"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	SiteName    string   `json:"site_name,omitempty"`
	Generator   string   `json:"generator,omitempty"`
	Headings    []string `json:"headings,omitempty"`
	Text        string   `json:"text,omitempty"`
	Links       []string `json:"links,omitempty"`
	ScriptHosts []string `json:"script_hosts,omitempty"`
}

// Config bounds a scan.
type Config struct {
	// MaxBodyBytes caps how much of a document is read.
	MaxBodyBytes int64
	// MaxTextBytes caps extracted visible text.
	MaxTextBytes int
	FetchTimeout time.Duration
	UserAgent    string
	Retry        retry.Policy
}

type Scanner struct {
	pool *httpclient.Pool
	cfg  Config
}

func NewScanner(cfg Config, pool *httpclient.Pool) *Scanner {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 2 << 20
	}
	if cfg.MaxTextBytes <= 0 {
		cfg.MaxTextBytes = 20_000
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 20 * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "enrich-worker/1.0"
	}
	return &Scanner{pool: pool, cfg: cfg}
}

// Scan fetches |pageURL| and extracts it. The fetch draws from the shared
// pool with retries; tokenization runs on its own goroutine so a lapsed
// delivery deadline returns control promptly even mid-parse.
func (s *Scanner) Scan(ctx context.Context, pageURL string) (*Page, error) {
	var base, err = url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("parsing page URL: %w", err)
	} else if !base.IsAbs() {
		return nil, fmt.Errorf("page URL %q is not absolute", pageURL)
	}

	var body []byte
	err = retry.Do(ctx, s.cfg.Retry, "webscan fetch", func(ctx context.Context) error {
		var fetched, err = s.fetch(ctx, pageURL)
		if err == nil {
			body = fetched
		}
		return err
	})
	if err != nil {
		metrics.ProviderRequests.WithLabelValues(Source, "error").Inc()
		return nil, fmt.Errorf("fetching %s: %w", pageURL, err)
	}
	metrics.ProviderRequests.WithLabelValues(Source, "ok").Inc()

	return dispatch.Offload(ctx, func(context.Context) (*Page, error) {
		return s.extract(base, body), nil
	})
}

func (s *Scanner) fetch(ctx context.Context, pageURL string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.FetchTimeout)
	defer cancel()

	client, release, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", s.cfg.UserAgent)
	req.Header.Set("Accept", "text/html")
	req.Header.Set("Accept-Language", "en-US")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if err = httpclient.CheckResponse(resp); err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") && !strings.Contains(ct, "text") {
		return nil, fmt.Errorf("%w: content type %q", ErrUnscannable, ct)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, s.cfg.MaxBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("reading page body: %w", err)
	}
	return body, nil
}

// extract tokenizes the document. It never fails: a malformed document
// simply yields whatever was extracted before the tokenizer gave up.
func (s *Scanner) extract(base *url.URL, body []byte) *Page {
	var page = &Page{URL: base.String()}
	var z = html.NewTokenizer(bytes.NewReader(body))

	var text strings.Builder
	var inTitle, inHeading bool
	var skipDepth int
	var heading strings.Builder
	var seenLinks = map[string]bool{}
	var seenHosts = map[string]bool{}

	for {
		switch z.Next() {
		case html.ErrorToken:
			page.Text = collapseSpace(text.String())
			return page

		case html.StartTagToken, html.SelfClosingTagToken:
			var t = z.Token()
			var selfClosing = t.Type == html.SelfClosingTagToken
			switch t.Data {
			case "script", "style", "noscript":
				if t.Data == "script" {
					if host := scriptHost(t, base); host != "" && !seenHosts[host] {
						seenHosts[host] = true
						page.ScriptHosts = append(page.ScriptHosts, host)
					}
				}
				if !selfClosing {
					skipDepth++
				}
			case "title":
				inTitle = true
			case "h1", "h2":
				inHeading = true
				heading.Reset()
			case "meta":
				extractMeta(t, page)
			case "a":
				if link := hrefOf(t, base); link != "" && !seenLinks[link] && len(page.Links) < 100 {
					seenLinks[link] = true
					page.Links = append(page.Links, link)
				}
			}

		case html.EndTagToken:
			switch z.Token().Data {
			case "script", "style", "noscript":
				if skipDepth > 0 {
					skipDepth--
				}
			case "title":
				inTitle = false
			case "h1", "h2":
				inHeading = false
				if h := collapseSpace(heading.String()); h != "" && len(page.Headings) < 20 {
					page.Headings = append(page.Headings, h)
				}
			}

		case html.TextToken:
			var t = z.Token()
			if skipDepth > 0 {
				continue
			}
			if inTitle && page.Title == "" {
				page.Title = strings.TrimSpace(t.Data)
				continue
			}
			if inHeading {
				heading.WriteString(t.Data)
			}
			if text.Len() < s.cfg.MaxTextBytes {
				text.WriteString(t.Data)
				text.WriteByte(' ')
			}
		}
	}
}

func extractMeta(t html.Token, page *Page) {
	var name, property, content string
	for _, attr := range t.Attr {
		switch attr.Key {
		case "name":
			name = strings.ToLower(attr.Val)
		case "property":
			property = strings.ToLower(attr.Val)
		case "content":
			content = attr.Val
		}
	}
	if content == "" {
		return
	}
	switch {
	case name == "description" || property == "og:description":
		page.Description = content
	case property == "og:site_name":
		page.SiteName = content
	case name == "generator":
		page.Generator = content
	case property == "og:title" && page.Title == "":
		page.Title = content
	}
}

// scriptHost returns the host of an external script src, or "" for inline
// and same-host scripts.
func scriptHost(t html.Token, base *url.URL) string {
	for _, attr := range t.Attr {
		if attr.Key != "src" {
			continue
		}
		var u, err = base.Parse(attr.Val)
		if err != nil || u.Host == "" || u.Host == base.Host {
			return ""
		}
		return strings.ToLower(u.Host)
	}
	return ""
}

func hrefOf(t html.Token, base *url.URL) string {
	for _, attr := range t.Attr {
		if attr.Key != "href" {
			continue
		}
		var u, err = base.Parse(attr.Val)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return ""
		}
		u.Fragment = ""
		return u.String()
	}
	return ""
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// ErrUnscannable reports a document that isn't HTML. It is terminal for
// the page, though a handler may try another candidate URL.
var ErrUnscannable = errors.New("unscannable document")
