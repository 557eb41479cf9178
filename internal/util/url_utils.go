// Package util provides URL helpers shared by the scanner packages.
package util

import (
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"
)

// ResolveURL resolves a potentially relative URL against a base URL.
func ResolveURL(base *url.URL, href string) *url.URL {
	href = strings.TrimSpace(href)

	// Ignore javascript, mailto, or anchor links
	if strings.HasPrefix(href, "javascript:") || strings.HasPrefix(href, "mailto:") || strings.HasPrefix(href, "#") {
		return nil
	}
	if href == "" {
		return SanitizeURL(base)
	}

	rel, err := url.Parse(href)
	if err != nil {
		log.Debug().Str("href", href).Err(err).Msg("Failed to parse href")
		return nil
	}
	return base.ResolveReference(rel)
}

// IsSameHost checks if a given URL is on the same host as the base URL.
// It also allows subdomains of the base host.
func IsSameHost(base *url.URL, target *url.URL) bool {
	if target == nil {
		return false
	}
	baseHost := base.Hostname()
	targetHost := target.Hostname()
	return targetHost == baseHost || strings.HasSuffix(targetHost, "."+baseHost)
}

// SanitizeURL removes fragments.
func SanitizeURL(u *url.URL) *url.URL {
	if u == nil {
		return nil
	}
	sanitized := *u
	sanitized.Fragment = ""
	return &sanitized
}

// StripQuery returns raw without query string and fragment. Unparseable
// input is returned unchanged.
func StripQuery(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	return u.String()
}

// Host returns the host:port of raw, or raw itself when it cannot be parsed.
func Host(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	return u.Host
}
