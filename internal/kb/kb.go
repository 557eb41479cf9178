// Package kb is the knowledge base shared by all plugins of a scan. Findings
// live in namespaces and are keyed on (URL, parameter); they are appended,
// never modified.
package kb

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Well known namespaces.
const (
	NamespaceSQLi           = "sqli"
	NamespaceBlindSQLi      = "blind_sqli"
	NamespaceStrangeHeaders = "strange_headers"
	NamespaceAnomaly        = "anomaly"
)

// Severity levels.
const (
	SeverityHigh   = "high"
	SeverityMedium = "medium"
	SeverityLow    = "low"
	SeverityInfo   = "info"
)

// Finding is one stored result.
type Finding struct {
	ID          string            `json:"id"`
	Key         string            `json:"key"`
	Plugin      string            `json:"plugin"`
	Name        string            `json:"name"`
	Severity    string            `json:"severity"`
	URL         string            `json:"url"`
	Method      string            `json:"method,omitempty"`
	Param       string            `json:"param,omitempty"`
	Technique   string            `json:"technique,omitempty"`
	Payload     string            `json:"payload,omitempty"`
	Description string            `json:"description"`
	Evidence    []string          `json:"evidence,omitempty"`
	Details     map[string]string `json:"details,omitempty"`
	Timestamp   time.Time         `json:"timestamp"`
}

// Key builds the deduplication key for a URL and parameter.
func Key(url, param string) string {
	return url + "|" + param
}

// NewFinding fills in ID, Key and Timestamp.
func NewFinding(f Finding) Finding {
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if f.Key == "" {
		f.Key = Key(f.URL, f.Param)
	}
	if f.Timestamp.IsZero() {
		f.Timestamp = time.Now().UTC()
	}
	return f
}

// Store is the knowledge base contract. Implementations are safe for
// concurrent use, and AppendUnique is atomic per (namespace, key).
type Store interface {
	// Query returns the findings stored under key in namespace.
	Query(ctx context.Context, namespace, key string) ([]Finding, error)
	// All returns every finding of namespace.
	All(ctx context.Context, namespace string) ([]Finding, error)
	// Append stores f unconditionally.
	Append(ctx context.Context, namespace string, f Finding) error
	// AppendUnique stores f unless namespace already holds a finding with
	// the same key. It reports whether f was stored.
	AppendUnique(ctx context.Context, namespace string, f Finding) (bool, error)
	Close() error
}

// Open creates the store selected by backend: "memory", "bolt" or "redis".
func Open(ctx context.Context, backend, boltPath, redisURL string) (Store, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "bolt":
		return NewBoltStore(boltPath)
	case "redis":
		return NewRedisStore(ctx, redisURL, "")
	default:
		return nil, fmt.Errorf("unknown knowledge base backend %q", backend)
	}
}
