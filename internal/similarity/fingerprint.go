// Package similarity reduces HTTP responses to comparable fingerprints and
// scores how alike two of them are.
package similarity

import (
	"bytes"
	"net/http"
	"sort"
	"strings"
	"unicode"

	"blindscan/internal/models"

	"github.com/PuerkitoBio/goquery"
	"github.com/cespare/xxhash/v2"
)

// DefaultVolatileHeaders are left out of every fingerprint. They change
// between two otherwise identical responses.
var DefaultVolatileHeaders = []string{
	"Age",
	"Cf-Ray",
	"Content-Length",
	"Date",
	"Etag",
	"Expires",
	"Last-Modified",
	"Nel",
	"Report-To",
	"Server-Timing",
	"Set-Cookie",
	"X-Amz-Request-Id",
	"X-Request-Id",
	"X-Runtime",
	"X-Trace-Id",
}

// Header is a single name/value pair kept in a fingerprint.
type Header struct {
	Name  string
	Value string
}

// Fingerprint is the comparable reduction of one response. It is never
// mutated after Fingerprinter.Fingerprint returns it.
type Fingerprint struct {
	StatusCode int
	Headers    []Header
	Text       string
	Tokens     []string
	Length     int
	Hash       uint64
	DOM        DOMVector
}

// Fingerprinter builds fingerprints with a fixed volatile header set, so all
// fingerprints of one scan share the same comparison basis.
type Fingerprinter struct {
	volatile map[string]struct{}
}

// NewFingerprinter creates a Fingerprinter that drops the given headers.
// A nil slice selects DefaultVolatileHeaders.
func NewFingerprinter(volatile []string) *Fingerprinter {
	if volatile == nil {
		volatile = DefaultVolatileHeaders
	}
	set := make(map[string]struct{}, len(volatile))
	for _, h := range volatile {
		set[http.CanonicalHeaderKey(strings.TrimSpace(h))] = struct{}{}
	}
	return &Fingerprinter{volatile: set}
}

// Volatile returns the sorted header names this fingerprinter ignores.
func (f *Fingerprinter) Volatile() []string {
	names := make([]string, 0, len(f.volatile))
	for name := range f.volatile {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fingerprint reduces resp. It is a pure function of the response.
func (f *Fingerprinter) Fingerprint(resp *models.Response) Fingerprint {
	fp := Fingerprint{StatusCode: resp.StatusCode}

	for name, values := range resp.Header {
		canonical := http.CanonicalHeaderKey(name)
		if _, skip := f.volatile[canonical]; skip {
			continue
		}
		fp.Headers = append(fp.Headers, Header{Name: canonical, Value: strings.Join(values, ", ")})
	}
	sort.Slice(fp.Headers, func(i, j int) bool { return fp.Headers[i].Name < fp.Headers[j].Name })

	if isHTML(resp) {
		fp.Text, fp.DOM = normalizeHTML(resp.Body)
	} else {
		fp.Text = collapseSpace(string(resp.Body))
		fp.DOM = textVector(string(resp.Body))
	}
	fp.Tokens = tokenize(fp.Text)
	fp.Length = len(fp.Text)
	fp.Hash = xxhash.Sum64String(fp.Text)
	return fp
}

func isHTML(resp *models.Response) bool {
	ct := strings.ToLower(resp.Header.Get("Content-Type"))
	if strings.Contains(ct, "html") {
		return true
	}
	if ct != "" {
		return false
	}
	trimmed := bytes.TrimSpace(resp.Body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

// normalizeHTML drops scripts, styles and hidden inputs (CSRF tokens, view
// state) before extracting the visible text.
func normalizeHTML(body []byte) (string, DOMVector) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return collapseSpace(string(body)), textVector(string(body))
	}
	doc.Find("script, style, noscript, input[type=hidden], meta[name=csrf-token]").Remove()
	var vector DOMVector
	if len(doc.Nodes) > 0 {
		vector = NewDOMVector(doc.Nodes[0])
	}
	return collapseSpace(doc.Text()), vector
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func tokenize(s string) []string {
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
