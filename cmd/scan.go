package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"blindscan/internal/core"
	"blindscan/internal/discovery"
	"blindscan/internal/kb"
	"blindscan/internal/plugins"
	"blindscan/internal/reporter"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var scanFlags struct {
	urls    []string
	data    string
	method  string
	headers []string
	forms   bool
	plugins []string
}

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Audit the parameters of one or more target requests",
	Long: `The scan command builds base requests from the given URLs, POST data and
(optionally) the HTML forms of the target pages, then audits every parameter
for blind SQL injection.`,
	Example: `  blindscan scan -u "http://shop.test/item.php?id=7"
  blindscan scan -u http://shop.test/login.php -d "user=a&pass=b"
  blindscan scan -u http://shop.test/ --forms -o out/`,
	RunE: runScan,
}

func init() {
	rootCmd.AddCommand(scanCmd)
	f := scanCmd.Flags()
	f.StringSliceVarP(&scanFlags.urls, "url", "u", nil, "Target URL to scan (repeatable)")
	f.StringVarP(&scanFlags.data, "data", "d", "", "URL-encoded POST data")
	f.StringVarP(&scanFlags.method, "method", "X", "", "HTTP method (default GET, or POST with --data)")
	f.StringArrayVarP(&scanFlags.headers, "header", "H", nil, `Extra request header "Name: value" (repeatable)`)
	f.BoolVar(&scanFlags.forms, "forms", false, "Also audit the HTML forms found on the target pages")
	f.StringSliceVarP(&scanFlags.plugins, "plugins", "p", nil, "Plugins to enable (overrides config)")
	_ = scanCmd.MarkFlagRequired("url")
}

func runScan(cmd *cobra.Command, args []string) error {
	header, err := parseHeaders(scanFlags.headers)
	if err != nil {
		return err
	}

	cfg, closeLog, err := loadSettings()
	if err != nil {
		return err
	}
	defer closeLog()
	if len(scanFlags.plugins) > 0 {
		cfg.Plugins.Enabled = scanFlags.plugins
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	orchestrator, err := core.NewOrchestrator(ctx, cfg)
	if err != nil {
		return err
	}
	defer orchestrator.Close()

	targets := make([]discovery.Target, 0, len(scanFlags.urls))
	for _, u := range scanFlags.urls {
		targets = append(targets, discovery.Target{
			URL:    u,
			Method: scanFlags.method,
			Data:   scanFlags.data,
			Header: header,
			Forms:  scanFlags.forms,
		})
	}

	report, err := orchestrator.Run(ctx, targets)
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if err != nil {
		log.Warn().Msg("Scan interrupted, results are partial")
	}
	printReport(cmd, report)
	return nil
}

func parseHeaders(raw []string) (http.Header, error) {
	header := http.Header{}
	for _, h := range raw {
		name, value, ok := strings.Cut(h, ":")
		if !ok || strings.TrimSpace(name) == "" {
			return nil, fmt.Errorf("invalid header %q, want \"Name: value\"", h)
		}
		header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
	}
	return header, nil
}

func printReport(cmd *cobra.Command, report reporter.Report) {
	out := cmd.OutOrStdout()
	bold := color.New(color.Bold)
	bold.Fprintf(out, "\nScan finished in %s\n", report.Summary.TotalDuration)

	vulns := report.Findings[kb.NamespaceBlindSQLi]
	if len(vulns) == 0 {
		color.New(color.FgGreen).Fprintln(out, "No blind SQL injection found.")
	}
	for _, f := range vulns {
		color.New(color.FgRed, color.Bold).Fprintf(out, "[%s] %s %s parameter %q\n", strings.ToUpper(f.Severity), f.Method, f.URL, f.Param)
		fmt.Fprintf(out, "    technique: %s\n    payload:   %s\n", f.Technique, f.Payload)
	}

	for _, ns := range []string{kb.NamespaceStrangeHeaders, kb.NamespaceAnomaly} {
		for _, f := range report.Findings[ns] {
			color.New(color.FgYellow).Fprintf(out, "[%s] %s: %s\n", ns, f.URL, f.Name)
		}
	}

	for _, p := range report.Parameters {
		if p.State == plugins.StateInconclusive.String() || p.State == plugins.StateSkipped.String() {
			color.New(color.FgCyan).Fprintf(out, "[%s] %s %s parameter %q: %s\n", p.State, p.Method, p.URL, p.Param, p.Reason)
		}
	}
}
