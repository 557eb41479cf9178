package plugins

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"blindscan/internal/kb"
	"blindscan/internal/metrics"
	"blindscan/internal/models"
	"blindscan/internal/util"

	"github.com/rs/zerolog/log"
)

// StrangeHeadersName is the registry name of the uncommon header plugin.
const StrangeHeadersName = "strange_headers"

// Response headers every server may send. Anything else is worth a note.
var commonHeaders = map[string]struct{}{
	"ACCEPT-RANGES":             {},
	"AGE":                       {},
	"ALLOW":                     {},
	"CACHE-CONTROL":             {},
	"CONNECTION":                {},
	"CONTENT-ENCODING":          {},
	"CONTENT-LANGUAGE":          {},
	"CONTENT-LENGTH":            {},
	"CONTENT-LOCATION":          {},
	"CONTENT-TYPE":              {},
	"DATE":                      {},
	"ETAG":                      {},
	"EXPIRES":                   {},
	"KEEP-ALIVE":                {},
	"LAST-MODIFIED":             {},
	"LOCATION":                  {},
	"PRAGMA":                    {},
	"PROXY-CONNECTION":          {},
	"PUBLIC":                    {},
	"SERVER":                    {},
	"SET-COOKIE":                {},
	"STRICT-TRANSPORT-SECURITY": {},
	"TRANSFER-ENCODING":         {},
	"VARY":                      {},
	"VIA":                       {},
	"WWW-AUTHENTICATE":          {},
	"X-ASPNET-VERSION":          {},
	"X-CACHE":                   {},
	"X-CONTENT-TYPE-OPTIONS":    {},
	"X-FRAME-OPTIONS":           {},
	"X-PAD":                     {},
	"X-POWERED-BY":              {},
	"X-UA-COMPATIBLE":           {},
	"X-XSS-PROTECTION":          {},
}

// StrangeHeaders records uncommon response headers, once per header name,
// and Content-Location headers sent outside a 3xx response.
type StrangeHeaders struct {
	store   kb.Store
	metrics *metrics.Recorder

	mu   sync.Mutex
	seen map[string]struct{}
}

// NewStrangeHeaders creates the plugin.
func NewStrangeHeaders(store kb.Store, m *metrics.Recorder) *StrangeHeaders {
	return &StrangeHeaders{store: store, metrics: m, seen: make(map[string]struct{})}
}

// Info implements GrepPlugin.
func (p *StrangeHeaders) Info() Info { return strangeHeadersInfo }

// Grep implements GrepPlugin.
func (p *StrangeHeaders) Grep(ctx context.Context, _ *http.Request, resp *models.Response) {
	url := util.StripQuery(resp.URL)

	for name, values := range resp.Header {
		canonical := http.CanonicalHeaderKey(name)
		if _, ok := commonHeaders[strings.ToUpper(canonical)]; ok {
			continue
		}
		if !p.firstSight("header|" + canonical) {
			continue
		}
		value := strings.Join(values, ", ")
		p.save(ctx, kb.NamespaceStrangeHeaders, kb.NewFinding(kb.Finding{
			Key:         canonical,
			Plugin:      StrangeHeadersName,
			Name:        "Strange header",
			Severity:    kb.SeverityInfo,
			URL:         url,
			Param:       canonical,
			Description: fmt.Sprintf("The remote web server sent the HTTP header: %q with value: %q.", canonical, value),
			Details:     map[string]string{"header_name": canonical, "header_value": value},
		}))
	}

	p.contentLocation(ctx, url, resp)
}

func (p *StrangeHeaders) contentLocation(ctx context.Context, url string, resp *models.Response) {
	loc := resp.Header.Get("Content-Location")
	if loc == "" || (resp.StatusCode >= 300 && resp.StatusCode < 310) {
		return
	}
	if !p.firstSight("anomaly|" + url) {
		return
	}
	desc := fmt.Sprintf("The URL %q sent the HTTP header \"Content-Location\" with value %q in a response with code %d, which violates the RFC.",
		url, loc, resp.StatusCode)
	p.save(ctx, kb.NamespaceAnomaly, kb.NewFinding(kb.Finding{
		Plugin:      StrangeHeadersName,
		Name:        "Content-Location HTTP header anomaly",
		Severity:    kb.SeverityInfo,
		URL:         url,
		Param:       "Content-Location",
		Description: desc,
		Details:     map[string]string{"header_value": loc, "status_code": strconv.Itoa(resp.StatusCode)},
	}))
}

func (p *StrangeHeaders) save(ctx context.Context, namespace string, f kb.Finding) {
	stored, err := p.store.AppendUnique(ctx, namespace, f)
	if err != nil {
		log.Debug().Err(err).Str("plugin", StrangeHeadersName).Msg("Failed to store finding")
		return
	}
	if stored {
		p.metrics.Finding(namespace)
		log.Info().Str("type", StrangeHeadersName).Str("url", f.URL).Str("header", f.Param).Msg(f.Name)
	}
}

func (p *StrangeHeaders) firstSight(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.seen[key]; ok {
		return false
	}
	p.seen[key] = struct{}{}
	return true
}
