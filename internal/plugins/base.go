// Package plugins holds the scanner's audit and grep plugins.
package plugins

import (
	"context"
	"net/http"

	"blindscan/internal/kb"
	"blindscan/internal/models"
)

// Kind separates plugins that send probes from plugins that only read
// responses.
type Kind string

const (
	KindAudit Kind = "audit"
	KindGrep  Kind = "grep"
)

// Info describes a plugin.
type Info struct {
	Name        string `json:"name"`
	Kind        Kind   `json:"kind"`
	Description string `json:"description"`
}

// AuditPlugin actively probes a base request.
type AuditPlugin interface {
	Info() Info
	// Audit checks base and returns the findings it stored. Findings also
	// surface through the knowledge base.
	Audit(ctx context.Context, base *models.Request) ([]kb.Finding, error)
}

// GrepPlugin passively inspects every response the scanner receives.
type GrepPlugin interface {
	Info() Info
	Grep(ctx context.Context, req *http.Request, resp *models.Response)
}

var (
	blindSQLiInfo = Info{
		Name:        BlindSQLiName,
		Kind:        KindAudit,
		Description: "Finds blind SQL injection through true/false response comparison and time delays.",
	}
	strangeHeadersInfo = Info{
		Name:        StrangeHeadersName,
		Kind:        KindGrep,
		Description: "Reports uncommon HTTP response headers and Content-Location protocol anomalies.",
	}
)

// Builtin lists every plugin the scanner ships, in run order.
func Builtin() []Info {
	return []Info{blindSQLiInfo, strangeHeadersInfo}
}
