// Package reporter writes scan results to JSON and TXT files.
package reporter

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"blindscan/internal/config"
	"blindscan/internal/kb"
	"blindscan/internal/plugins"

	"github.com/rs/zerolog/log"
)

// ScanSummary provides a high-level overview of the scan results.
type ScanSummary struct {
	Targets       []string       `json:"targets"`
	ScanStartTime time.Time      `json:"scan_start_time"`
	ScanEndTime   time.Time      `json:"scan_end_time"`
	TotalDuration string         `json:"total_duration"`
	FindingsFound int            `json:"findings_found"`
	ByNamespace   map[string]int `json:"by_namespace"`
	ParamStates   map[string]int `json:"param_states,omitempty"`
	Cancelled     bool           `json:"cancelled,omitempty"`
}

// ParamOutcome is the reported state of one tested parameter.
type ParamOutcome struct {
	URL       string `json:"url"`
	Method    string `json:"method"`
	Param     string `json:"param"`
	State     string `json:"state"`
	Technique string `json:"technique,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// Report is the top-level structure for the final report.
type Report struct {
	Summary       ScanSummary             `json:"summary"`
	Configuration *config.Settings        `json:"configuration,omitempty"`
	Findings      map[string][]kb.Finding `json:"findings"`
	Parameters    []ParamOutcome          `json:"parameters,omitempty"`
}

// NewReport assembles a report from the findings of each namespace and the
// per-parameter results of the blind SQL injection plugin.
func NewReport(targets []string, start, end time.Time, findings map[string][]kb.Finding, results []plugins.ParamResult) Report {
	r := Report{
		Summary: ScanSummary{
			Targets:       targets,
			ScanStartTime: start,
			ScanEndTime:   end,
			TotalDuration: end.Sub(start).Round(time.Millisecond).String(),
			ByNamespace:   make(map[string]int),
		},
		Findings: findings,
	}
	for ns, list := range findings {
		r.Summary.ByNamespace[ns] = len(list)
		r.Summary.FindingsFound += len(list)
	}

	if len(results) > 0 {
		r.Summary.ParamStates = make(map[string]int)
	}
	for _, res := range results {
		r.Summary.ParamStates[res.State.String()]++
		out := ParamOutcome{URL: res.URL, Method: res.Method, Param: res.Param, State: res.State.String()}
		if n := len(res.Verdicts); n > 0 {
			last := res.Verdicts[n-1]
			out.Technique = string(last.Technique)
			out.Reason = last.Evidence.Reason
		}
		r.Parameters = append(r.Parameters, out)
	}
	return r
}

func (r Report) namespaces() []string {
	names := make([]string, 0, len(r.Findings))
	for ns := range r.Findings {
		names = append(names, ns)
	}
	sort.Strings(names)
	return names
}

// JSONExporter handles the creation of the JSON report file.
type JSONExporter struct {
	OutputPath string
}

// NewJSONExporter creates a new exporter that will write to the specified path.
func NewJSONExporter(outputPath string) (*JSONExporter, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &JSONExporter{OutputPath: outputPath}, nil
}

// Export generates and saves the JSON report.
func (e *JSONExporter) Export(report Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal report to JSON: %w", err)
	}
	if err := os.WriteFile(e.OutputPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write JSON report to file: %w", err)
	}

	log.Info().Str("path", e.OutputPath).Msg("JSON report saved successfully.")
	return nil
}

// TxtExporter handles the creation of the TXT report file.
type TxtExporter struct {
	OutputPath string
}

// NewTxtExporter creates a new exporter that will write to the specified path.
func NewTxtExporter(outputPath string) (*TxtExporter, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	return &TxtExporter{OutputPath: outputPath}, nil
}

const rule = "===================================\n"
const thinRule = "-----------------------------------\n"

// Export generates and saves the TXT report.
func (e *TxtExporter) Export(report Report) error {
	file, err := os.Create(e.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to create TXT report file: %w", err)
	}
	defer file.Close()

	w := bufio.NewWriter(file)

	s := report.Summary
	fmt.Fprint(w, "Scan Report\n", rule, "Summary\n", thinRule)
	fmt.Fprintf(w, "Targets:           %s\n", strings.Join(s.Targets, ", "))
	fmt.Fprintf(w, "Scan Start Time:   %s\n", s.ScanStartTime.Format(time.RFC3339))
	fmt.Fprintf(w, "Scan End Time:     %s\n", s.ScanEndTime.Format(time.RFC3339))
	fmt.Fprintf(w, "Total Duration:    %s\n", s.TotalDuration)
	fmt.Fprintf(w, "Findings Found:    %d\n", s.FindingsFound)
	if s.Cancelled {
		fmt.Fprint(w, "Status:            cancelled, results are partial\n")
	}
	fmt.Fprint(w, rule)

	if cfg := report.Configuration; cfg != nil {
		fmt.Fprint(w, "Configuration\n", thinRule)
		fmt.Fprintf(w, "Equality Limit:    %.2f (%s)\n", cfg.Audit.EqLimit, cfg.Audit.Similarity)
		fmt.Fprintf(w, "Expected Delay:    %s (tolerance %s, %d samples)\n", cfg.Timing.ExpectedDelay, cfg.Timing.Tolerance, cfg.Timing.SampleCount)
		fmt.Fprintf(w, "Request Rate Limit: %v/s\n", cfg.Scanner.RateLimit)
		fmt.Fprintf(w, "Request Timeout:   %s\n", cfg.Scanner.Timeout)
		fmt.Fprintf(w, "Max Concurrency:   %d\n", cfg.Scanner.Concurrency)
		fmt.Fprintf(w, "Plugins:           %s\n", strings.Join(cfg.Plugins.Enabled, ", "))
		fmt.Fprint(w, rule)
	}

	fmt.Fprint(w, "Findings\n", thinRule)
	if s.FindingsFound == 0 {
		fmt.Fprint(w, "\nNo findings.\n")
	}
	for _, ns := range report.namespaces() {
		for _, f := range report.Findings[ns] {
			fmt.Fprint(w, "\n")
			fmt.Fprintf(w, "Detection Time: %s\n", f.Timestamp.Format(time.RFC3339))
			fmt.Fprintf(w, "Finding:        %s [%s, %s]\n", f.Name, ns, f.Severity)
			fmt.Fprintf(w, "URL:            %s %s\n", f.Method, f.URL)
			if f.Param != "" {
				fmt.Fprintf(w, "Parameter:      %s\n", f.Param)
			}
			if f.Technique != "" {
				fmt.Fprintf(w, "Technique:      %s\n", f.Technique)
			}
			if f.Payload != "" {
				fmt.Fprintf(w, "Payload:        %s\n", f.Payload)
			}
			fmt.Fprintf(w, "Description:    %s\n", f.Description)
			for _, line := range f.Evidence {
				fmt.Fprintf(w, "  %s\n", line)
			}
			fmt.Fprint(w, thinRule)
		}
	}

	var inconclusive []ParamOutcome
	for _, p := range report.Parameters {
		if p.State == plugins.StateInconclusive.String() || p.State == plugins.StateSkipped.String() {
			inconclusive = append(inconclusive, p)
		}
	}
	if len(inconclusive) > 0 {
		fmt.Fprint(w, "\nUndetermined Parameters\n", thinRule)
		for _, p := range inconclusive {
			fmt.Fprintf(w, "%s %s [%s]: %s", p.Method, p.URL, p.Param, p.State)
			if p.Reason != "" {
				fmt.Fprintf(w, " (%s)", p.Reason)
			}
			fmt.Fprint(w, "\n")
		}
	}

	if err := w.Flush(); err != nil {
		return fmt.Errorf("failed to write TXT report: %w", err)
	}
	log.Info().Str("path", e.OutputPath).Msg("TXT report saved successfully.")
	return nil
}
