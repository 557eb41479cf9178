// Package mutant turns a base request into concrete probe requests, one
// parameter and one payload at a time.
package mutant

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"blindscan/internal/models"
	"blindscan/internal/util"
)

// Fuzzable identifies a single injectable location within a base request.
// It is immutable once created.
type Fuzzable struct {
	base  *models.Request
	index int
}

// URL returns the request URL without its query string. Findings are keyed
// on it together with the parameter name.
func (f Fuzzable) URL() string {
	return util.StripQuery(f.base.URL)
}

// Method returns the HTTP method of the base request.
func (f Fuzzable) Method() string {
	return f.base.Method
}

// Name returns the parameter name.
func (f Fuzzable) Name() string {
	return f.base.Params[f.index].Name
}

// Original returns the parameter value found in the base request.
func (f Fuzzable) Original() string {
	return f.base.Params[f.index].Value
}

// Location reports whether the parameter lives in the query or the body.
func (f Fuzzable) Location() models.Location {
	return f.base.Params[f.index].Location
}

// Key is the (URL, parameter) identity used for deduplication.
func (f Fuzzable) Key() string {
	return f.URL() + "|" + f.Name()
}

func (f Fuzzable) String() string {
	return fmt.Sprintf("%s %s [%s]", f.Method(), f.URL(), f.Name())
}

// Mutant is a Fuzzable bound to one payload value. The payload replaces the
// parameter value verbatim.
type Mutant struct {
	Param   Fuzzable
	Payload string
}

// New binds payload to param.
func New(param Fuzzable, payload string) Mutant {
	return Mutant{Param: param, Payload: payload}
}

// Parameters lists every fuzzable location of base.
func Parameters(base *models.Request) []Fuzzable {
	params := make([]Fuzzable, 0, len(base.Params))
	for i := range base.Params {
		if base.Params[i].Name == "" {
			continue
		}
		params = append(params, Fuzzable{base: base, index: i})
	}
	return params
}

// Generate yields one Mutant per fuzzable position per payload.
func Generate(base *models.Request, payloads []string) []Mutant {
	params := Parameters(base)
	mutants := make([]Mutant, 0, len(params)*len(payloads))
	for _, p := range params {
		for _, payload := range payloads {
			mutants = append(mutants, New(p, payload))
		}
	}
	return mutants
}

// Build creates the HTTP request for the mutant. Every other parameter keeps
// its original value.
func (m Mutant) Build(ctx context.Context) (*http.Request, error) {
	base := m.Param.base
	targetURL, err := url.Parse(base.URL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", base.URL, err)
	}

	// Parameters are re-added in order so repeated names keep every value
	// and only the one at the mutant's index changes.
	tracked := make(map[string]bool, len(base.Params))
	for _, p := range base.Params {
		if p.Location != models.LocationBody {
			tracked[p.Name] = true
		}
	}
	q := url.Values{}
	for name, values := range targetURL.Query() {
		if !tracked[name] {
			q[name] = values
		}
	}
	form := url.Values{}
	for i, p := range base.Params {
		value := p.Value
		if i == m.Param.index {
			value = m.Payload
		}
		switch p.Location {
		case models.LocationBody:
			form.Add(p.Name, value)
		default:
			q.Add(p.Name, value)
		}
	}
	targetURL.RawQuery = q.Encode()

	method := strings.ToUpper(base.Method)
	if method == "" {
		method = http.MethodGet
	}

	var req *http.Request
	if len(form) > 0 || method == http.MethodPost {
		req, err = http.NewRequestWithContext(ctx, method, targetURL.String(), strings.NewReader(form.Encode()))
		if err == nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
	} else {
		req, err = http.NewRequestWithContext(ctx, method, targetURL.String(), nil)
	}
	if err != nil {
		return nil, err
	}

	for k, values := range base.Header {
		for _, v := range values {
			req.Header.Add(k, v)
		}
	}
	return req, nil
}
