// Package discovery turns scan targets into base requests: the target's own
// query string and POST data, plus the HTML forms found on the target page.
package discovery

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"blindscan/internal/models"
	"blindscan/internal/util"

	"github.com/PuerkitoBio/goquery"
	"github.com/rs/zerolog/log"
)

// Target is one user supplied entry point. Data is an
// application/x-www-form-urlencoded body. Forms asks for the HTML forms of
// the page to be audited too.
type Target struct {
	URL    string
	Method string
	Data   string
	Header http.Header
	Forms  bool
}

// PageFetcher loads a page for form extraction.
type PageFetcher interface {
	Get(ctx context.Context, rawURL string) (*models.Response, error)
}

// Extractor is responsible for finding injection points in targets and forms.
type Extractor struct {
	fetcher PageFetcher
}

// NewExtractor creates a new Extractor. fetcher may be nil when no target
// asks for forms.
func NewExtractor(fetcher PageFetcher) *Extractor {
	return &Extractor{fetcher: fetcher}
}

// FromTarget builds the base request for t. Query parameters come first,
// followed by the body parameters. A target without parameters yields a
// request with an empty Params list.
func FromTarget(t Target) (*models.Request, error) {
	u, err := url.Parse(strings.TrimSpace(t.URL))
	if err != nil {
		return nil, fmt.Errorf("parse target %q: %w", t.URL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("target %q: unsupported scheme %q", t.URL, u.Scheme)
	}
	u = util.SanitizeURL(u)

	method := strings.ToUpper(t.Method)
	if method == "" {
		method = http.MethodGet
		if t.Data != "" {
			method = http.MethodPost
		}
	}

	req := &models.Request{URL: u.String(), Method: method, Header: t.Header.Clone()}
	req.Params = append(req.Params, orderedParams(u.RawQuery, models.LocationQuery)...)

	if t.Data != "" {
		if _, err := url.ParseQuery(t.Data); err != nil {
			return nil, fmt.Errorf("parse post data: %w", err)
		}
		req.Params = append(req.Params, orderedParams(t.Data, models.LocationBody)...)
	}
	return req, nil
}

// orderedParams keeps the order in which parameters appear in raw, which
// url.Values loses. Repeated names keep their first value.
func orderedParams(raw string, loc models.Location) []models.Parameter {
	var params []models.Parameter
	seen := make(map[string]bool)
	for _, pair := range strings.Split(raw, "&") {
		if pair == "" {
			continue
		}
		k, v, _ := strings.Cut(pair, "=")
		name, err := url.QueryUnescape(k)
		if err != nil || name == "" || seen[name] {
			continue
		}
		value, err := url.QueryUnescape(v)
		if err != nil {
			value = v
		}
		seen[name] = true
		params = append(params, models.Parameter{Name: name, Value: value, Location: loc})
	}
	return params
}

// Discover expands targets into the deduplicated list of base requests to
// audit. Requests without parameters are dropped.
func (e *Extractor) Discover(ctx context.Context, targets []Target) ([]*models.Request, error) {
	var out []*models.Request
	seen := make(map[string]bool)
	add := func(r *models.Request) {
		if len(r.Params) == 0 {
			return
		}
		k := requestKey(r)
		if seen[k] {
			return
		}
		seen[k] = true
		out = append(out, r)
	}

	for _, t := range targets {
		base, err := FromTarget(t)
		if err != nil {
			return nil, err
		}
		add(base)

		if !t.Forms {
			continue
		}
		if e.fetcher == nil {
			return nil, fmt.Errorf("form discovery for %s needs a page fetcher", t.URL)
		}
		resp, err := e.fetcher.Get(ctx, base.URL)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			log.Warn().Err(err).Str("url", base.URL).Msg("Could not load page for form discovery")
			continue
		}
		forms, err := e.Forms(resp.URL, resp.Body)
		if err != nil {
			log.Warn().Err(err).Str("url", resp.URL).Msg("Could not parse page for form discovery")
			continue
		}
		for _, f := range forms {
			f.Header = t.Header.Clone()
			add(f)
		}
		log.Debug().Str("url", resp.URL).Int("forms", len(forms)).Msg("Forms extracted")
	}
	return out, nil
}

// Forms extracts one base request per HTML form of body. Forms pointing to
// another host are ignored.
func (e *Extractor) Forms(pageURL string, body []byte) ([]*models.Request, error) {
	baseURL, err := url.Parse(pageURL)
	if err != nil {
		return nil, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	results := make([]*models.Request, 0)
	doc.Find("form").Each(func(i int, form *goquery.Selection) {
		action, _ := form.Attr("action")
		method, _ := form.Attr("method")
		method = strings.ToUpper(strings.TrimSpace(method))
		if method != http.MethodPost {
			method = http.MethodGet
		}

		actionURL := util.ResolveURL(baseURL, action)
		if actionURL == nil {
			return
		}
		if !util.IsSameHost(baseURL, actionURL) {
			log.Debug().Str("action", actionURL.String()).Msg("Skipping form on another host")
			return
		}
		actionURL = util.SanitizeURL(actionURL)

		loc := models.LocationQuery
		if method == http.MethodPost {
			loc = models.LocationBody
		}

		var params []models.Parameter
		seen := make(map[string]bool)
		form.Find("input, textarea, select").Each(func(j int, input *goquery.Selection) {
			name, exists := input.Attr("name")
			if !exists || name == "" || seen[name] {
				return
			}
			inputType, _ := input.Attr("type")
			switch strings.ToLower(inputType) {
			case "submit", "reset", "button", "image", "file":
				return
			}

			value, _ := input.Attr("value")
			switch goquery.NodeName(input) {
			case "textarea":
				value = input.Text()
			case "select":
				value = selectedOption(input)
			}
			seen[name] = true
			params = append(params, models.Parameter{Name: name, Value: value, Location: loc})
		})

		if len(params) > 0 {
			results = append(results, &models.Request{
				URL:    actionURL.String(),
				Method: method,
				Params: params,
			})
		}
	})
	return results, nil
}

func selectedOption(sel *goquery.Selection) string {
	option := sel.Find("option[selected]").First()
	if option.Length() == 0 {
		option = sel.Find("option").First()
	}
	if v, ok := option.Attr("value"); ok {
		return v
	}
	return strings.TrimSpace(option.Text())
}

func requestKey(r *models.Request) string {
	names := make([]string, 0, len(r.Params))
	for _, p := range r.Params {
		names = append(names, string(p.Location)+":"+p.Name)
	}
	sort.Strings(names)
	return r.Method + " " + util.StripQuery(r.URL) + " " + strings.Join(names, ",")
}
