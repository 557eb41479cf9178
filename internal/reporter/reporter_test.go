package reporter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"blindscan/internal/blind"
	"blindscan/internal/config"
	"blindscan/internal/kb"
	"blindscan/internal/plugins"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleReport() Report {
	start := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	findings := map[string][]kb.Finding{
		kb.NamespaceBlindSQLi: {kb.NewFinding(kb.Finding{
			Plugin:      "blind_sqli",
			Name:        "Blind SQL injection",
			Severity:    kb.SeverityHigh,
			URL:         "http://shop.test/item",
			Method:      "GET",
			Param:       "id",
			Technique:   "differential",
			Payload:     "1 AND 7=7",
			Description: "Blind SQL injection in id",
			Evidence:    []string{"true/false similarity: 0.31"},
		})},
		kb.NamespaceStrangeHeaders: {
			kb.NewFinding(kb.Finding{Name: "Strange header", URL: "http://shop.test/", Key: "X-Backend"}),
			kb.NewFinding(kb.Finding{Name: "Strange header", URL: "http://shop.test/", Key: "X-Cache-Node"}),
		},
	}
	results := []plugins.ParamResult{
		{URL: "http://shop.test/item", Method: "GET", Param: "id", State: plugins.StateConfirmed},
		{URL: "http://shop.test/item", Method: "GET", Param: "sort", State: plugins.StateClean},
		{
			URL: "http://shop.test/search", Method: "POST", Param: "q", State: plugins.StateInconclusive,
			Verdicts: []blind.Verdict{{Outcome: blind.Inconclusive, Technique: blind.TechniqueTiming, Evidence: blind.Evidence{Reason: "ambient latency"}}},
		},
	}
	return NewReport([]string{"http://shop.test/item"}, start, start.Add(90*time.Second), findings, results)
}

func TestNewReportSummary(t *testing.T) {
	r := sampleReport()

	assert.Equal(t, 3, r.Summary.FindingsFound)
	assert.Equal(t, 1, r.Summary.ByNamespace[kb.NamespaceBlindSQLi])
	assert.Equal(t, 2, r.Summary.ByNamespace[kb.NamespaceStrangeHeaders])
	assert.Equal(t, "1m30s", r.Summary.TotalDuration)
	assert.Equal(t, map[string]int{"confirmed": 1, "clean": 1, "inconclusive": 1}, r.Summary.ParamStates)

	require.Len(t, r.Parameters, 3)
	assert.Equal(t, "timing", r.Parameters[2].Technique)
	assert.Equal(t, "ambient latency", r.Parameters[2].Reason)
}

func TestNewReportEmpty(t *testing.T) {
	now := time.Now()
	r := NewReport(nil, now, now, nil, nil)
	assert.Zero(t, r.Summary.FindingsFound)
	assert.Nil(t, r.Summary.ParamStates)
	assert.Empty(t, r.Parameters)
}

func TestJSONExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "findings.json")
	e, err := NewJSONExporter(path)
	require.NoError(t, err)

	r := sampleReport()
	r.Configuration = &config.Settings{}
	require.NoError(t, e.Export(r))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var decoded Report
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, 3, decoded.Summary.FindingsFound)
	require.Len(t, decoded.Findings[kb.NamespaceBlindSQLi], 1)
	assert.Equal(t, "1 AND 7=7", decoded.Findings[kb.NamespaceBlindSQLi][0].Payload)
	assert.NotNil(t, decoded.Configuration)
}

func TestTxtExporter(t *testing.T) {
	path := filepath.Join(t.TempDir(), "findings.txt")
	e, err := NewTxtExporter(path)
	require.NoError(t, err)

	r := sampleReport()
	r.Configuration = &config.Settings{
		Audit:   config.AuditConfig{EqLimit: 0.9, Similarity: "tokens"},
		Plugins: config.PluginsConfig{Enabled: []string{"blind_sqli"}},
	}
	require.NoError(t, e.Export(r))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	text := string(data)

	assert.Contains(t, text, "Findings Found:    3")
	assert.Contains(t, text, "Equality Limit:    0.90 (tokens)")
	assert.Contains(t, text, "Parameter:      id")
	assert.Contains(t, text, "Payload:        1 AND 7=7")
	assert.Contains(t, text, "  true/false similarity: 0.31")
	assert.Contains(t, text, "POST http://shop.test/search [q]: inconclusive (ambient latency)")
	assert.NotContains(t, text, "[sort]")
}

func TestTxtExporterNoFindings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "findings.txt")
	e, err := NewTxtExporter(path)
	require.NoError(t, err)

	now := time.Now()
	r := NewReport([]string{"http://a.test/"}, now, now, nil, nil)
	r.Summary.Cancelled = true
	require.NoError(t, e.Export(r))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "No findings.")
	assert.Contains(t, string(data), "cancelled")
}
