package handlers

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"strings"

	"github.com/leadfold/enrich/callback"
	"github.com/leadfold/enrich/dispatch"
	"github.com/leadfold/enrich/ops"
	"github.com/leadfold/enrich/providers/webscan"
)

// TechProfile detects the technologies behind a company's website:
// external script hosts and the generator meta tag are mapped through a
// product catalog, merged with the data provider's own technology list.
type TechProfile struct {
	scanner   PageScanner
	companies CompanyEnricher
}

func NewTechProfile(scanner PageScanner, companies CompanyEnricher) *TechProfile {
	return &TechProfile{scanner: scanner, companies: companies}
}

var (
	_ dispatch.Handler            = (*TechProfile)(nil)
	_ dispatch.ConcurrencyLimiter = (*TechProfile)(nil)
)

func (h *TechProfile) Kind() string { return "techprofile" }

func (h *TechProfile) ConcurrencyLimit() int { return 3 }

// maxProfilePages bounds how many pages one task fetches.
const maxProfilePages = 4

type techprofileParams struct {
	Domain string          `json:"domain"`
	Pages  []string        `json:"pages"`
	Extra  json.RawMessage `json:"payload_specific_fields"`
}

// Technology is one detected product.
type Technology struct {
	Name     string `json:"name"`
	Source   string `json:"source"`
	Evidence string `json:"evidence,omitempty"`
}

type techprofileDoc struct {
	Domain       string          `json:"domain"`
	Technologies []Technology    `json:"technologies"`
	PagesScanned []string        `json:"pages_scanned"`
	Extra        json.RawMessage `json:"payload_specific_fields,omitempty"`
}

func (h *TechProfile) Execute(ctx context.Context, env *dispatch.Env, payload *dispatch.Payload) (*callback.Payload, dispatch.Summary, error) {
	var params techprofileParams
	if err := payload.Decode(&params); err != nil {
		return nil, nil, invalid("%v", err)
	}
	if params.Domain == "" {
		return nil, nil, invalid("techprofile requires a domain")
	}

	var pages = candidatePages(params.Domain, params.Pages)
	var results = dispatch.Fanout(ctx, h.ConcurrencyLimit(), pages, h.scanner.Scan)

	var doc = techprofileDoc{
		Domain:       params.Domain,
		Technologies: []Technology{},
		PagesScanned: []string{},
		Extra:        params.Extra,
	}
	var seen = map[string]bool{}
	var firstErr error
	for _, r := range results {
		if r.Err != nil {
			if firstErr == nil {
				firstErr = r.Err
			}
			continue
		}
		doc.PagesScanned = append(doc.PagesScanned, r.Item)
		for _, tech := range pageTechnologies(r.Value) {
			if !seen[tech.Name] {
				seen[tech.Name] = true
				doc.Technologies = append(doc.Technologies, tech)
			}
		}
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, nil, ctxErr
	}

	// The data provider's list rounds out what scanning can see.
	var providerListed bool
	if company, err := h.companies.EnrichCompany(ctx, params.Domain); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, ctxErr
		}
		ops.Warn(ctx, "no provider technology list", "domain", params.Domain, "error", err)
		if len(doc.PagesScanned) == 0 {
			return nil, nil, stage("scan", firstErr)
		}
	} else {
		providerListed = true
		for _, name := range company.Technologies {
			if !seen[name] {
				seen[name] = true
				doc.Technologies = append(doc.Technologies, Technology{Name: name, Source: "peopledata"})
			}
		}
	}

	sort.Slice(doc.Technologies, func(i, j int) bool {
		return doc.Technologies[i].Name < doc.Technologies[j].Name
	})
	env.Recorder.Record(ctx, "technologies", doc.Technologies)

	data, err := processed(&doc)
	if err != nil {
		return nil, nil, stage("encode", err)
	}
	var done = len(doc.PagesScanned)
	if providerListed {
		done++
	}
	return &callback.Payload{
		Status:               callback.StatusCompleted,
		Source:               webscan.Source,
		CompletionPercentage: 100 * done / (len(pages) + 1),
		ProcessedData:        data,
	}, nil, nil
}

// candidatePages resolves the homepage plus requested paths, deduped and
// capped.
func candidatePages(domain string, paths []string) []string {
	var home = siteURL(domain)
	var pages = []string{home}
	var seen = map[string]bool{home: true}

	base, err := url.Parse(home)
	if err != nil {
		return pages
	}
	for _, p := range paths {
		if len(pages) == maxProfilePages {
			break
		}
		var resolved, err = base.Parse(p)
		if err != nil || (resolved.Scheme != "http" && resolved.Scheme != "https") {
			continue
		}
		var page = resolved.String()
		if !seen[page] {
			seen[page] = true
			pages = append(pages, page)
		}
	}
	return pages
}

// hostCatalog maps external script host suffixes to the product they
// betray.
var hostCatalog = []struct{ suffix, product string }{
	{"google-analytics.com", "Google Analytics"},
	{"googletagmanager.com", "Google Tag Manager"},
	{"segment.com", "Segment"},
	{"segment.io", "Segment"},
	{"hs-scripts.com", "HubSpot"},
	{"hsforms.net", "HubSpot"},
	{"hubspot.com", "HubSpot"},
	{"stripe.com", "Stripe"},
	{"intercom.io", "Intercom"},
	{"intercomcdn.com", "Intercom"},
	{"shopify.com", "Shopify"},
	{"klaviyo.com", "Klaviyo"},
	{"licdn.com", "LinkedIn Insight"},
	{"connect.facebook.net", "Meta Pixel"},
	{"amplitude.com", "Amplitude"},
	{"cloudflareinsights.com", "Cloudflare Analytics"},
	{"plausible.io", "Plausible"},
}

// generatorCatalog maps generator meta tags to site platforms.
var generatorCatalog = []struct{ marker, product string }{
	{"wordpress", "WordPress"},
	{"hugo", "Hugo"},
	{"shopify", "Shopify"},
	{"wix", "Wix"},
	{"squarespace", "Squarespace"},
	{"webflow", "Webflow"},
	{"drupal", "Drupal"},
	{"gatsby", "Gatsby"},
	{"next.js", "Next.js"},
	{"astro", "Astro"},
}

func pageTechnologies(page *webscan.Page) []Technology {
	var found []Technology
	for _, host := range page.ScriptHosts {
		for _, entry := range hostCatalog {
			if host == entry.suffix || strings.HasSuffix(host, "."+entry.suffix) {
				found = append(found, Technology{
					Name:     entry.product,
					Source:   webscan.Source,
					Evidence: host,
				})
				break
			}
		}
	}
	if page.Generator != "" {
		var generator = strings.ToLower(page.Generator)
		for _, entry := range generatorCatalog {
			if strings.Contains(generator, entry.marker) {
				found = append(found, Technology{
					Name:     entry.product,
					Source:   webscan.Source,
					Evidence: page.Generator,
				})
				break
			}
		}
	}
	return found
}
