// Package core wires the scanner together: knowledge base, transport,
// plugins, discovery and reporting.
package core

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"blindscan/internal/blind"
	"blindscan/internal/config"
	"blindscan/internal/discovery"
	"blindscan/internal/kb"
	"blindscan/internal/metrics"
	"blindscan/internal/reporter"
	"blindscan/internal/requester"
	"blindscan/internal/similarity"
	"blindscan/internal/vulnscan"

	"github.com/rs/zerolog/log"
)

// reportedNamespaces are exported in this order.
var reportedNamespaces = []string{
	kb.NamespaceSQLi,
	kb.NamespaceBlindSQLi,
	kb.NamespaceStrangeHeaders,
	kb.NamespaceAnomaly,
}

// Orchestrator coordinates the entire scanning process.
type Orchestrator struct {
	config    *config.Settings
	store     kb.Store
	metrics   *metrics.Recorder
	client    *requester.HTTPClient
	engine    *vulnscan.Engine
	extractor *discovery.Extractor

	stopMetrics context.CancelFunc
}

// NewOrchestrator validates cfg and builds every component of a scan. The
// caller must Close the orchestrator.
func NewOrchestrator(ctx context.Context, cfg *config.Settings) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	registry := vulnscan.NewRegistry()
	if err := registry.Enable(cfg.Plugins.Enabled...); err != nil {
		return nil, err
	}

	metric, err := similarity.ParseMetric(cfg.Audit.Similarity)
	if err != nil {
		return nil, config.Errorf("audit.similarity", "%v", err)
	}
	payloads := blind.Payloads{}
	if cfg.Payloads.File != "" {
		payloads, err = blind.LoadPayloads(cfg.Payloads.File)
		if err != nil {
			return nil, err
		}
		log.Info().Str("file", cfg.Payloads.File).Int("dialects", len(payloads.Differential)).Int("delays", len(payloads.Timing)).Msg("Payloads loaded")
	}

	o := &Orchestrator{config: cfg, stopMetrics: func() {}}
	if cfg.Metrics.Enabled {
		o.metrics = metrics.New()
		mctx, cancel := context.WithCancel(context.Background())
		o.stopMetrics = cancel
		go func() {
			if err := o.metrics.Serve(mctx, cfg.Metrics.Addr); err != nil {
				log.Error().Err(err).Str("addr", cfg.Metrics.Addr).Msg("Metrics endpoint failed")
			}
		}()
	}

	o.store, err = kb.Open(ctx, cfg.Store.Backend, cfg.Store.Bolt.Path, cfg.Store.Redis.URL)
	if err != nil {
		o.stopMetrics()
		return nil, fmt.Errorf("failed to open knowledge base: %w", err)
	}
	log.Info().Str("backend", cfg.Store.Backend).Msg("Knowledge base ready")

	o.client = requester.NewHTTPClient(requester.Options{
		Timeout:    cfg.Scanner.Timeout,
		UserAgents: cfg.Scanner.UserAgents,
		Retries:    cfg.Scanner.Retries,
		RateLimit:  cfg.Scanner.RateLimit,
		Burst:      cfg.Scanner.Burst,
		Metrics:    o.metrics,
	})

	o.engine, err = vulnscan.NewEngine(vulnscan.Options{
		Client:   o.client,
		Store:    o.store,
		Registry: registry,
		Diff: blind.DiffConfig{
			EqLimit:       cfg.Audit.EqLimit,
			Metric:        metric,
			Fingerprinter: similarity.NewFingerprinter(cfg.Audit.VolatileHeaders),
			Dialects:      payloads.Differential,
		},
		Timing: blind.TimingConfig{
			SampleCount:   cfg.Timing.SampleCount,
			Tolerance:     cfg.Timing.Tolerance,
			ExpectedDelay: cfg.Timing.ExpectedDelay,
			Payloads:      payloads.Timing,
		},
		Concurrency: cfg.Scanner.Concurrency,
		Metrics:     o.metrics,
	})
	if err != nil {
		o.Close()
		return nil, err
	}

	o.extractor = discovery.NewExtractor(o.client)
	return o, nil
}

// Plugins returns the active plugin names.
func (o *Orchestrator) Plugins() []string {
	return o.engine.Plugins()
}

// Run discovers the base requests of targets, audits them and writes the
// reports. A cancelled scan still reports what was found so far.
func (o *Orchestrator) Run(ctx context.Context, targets []discovery.Target) (reporter.Report, error) {
	log.Info().Int("targets", len(targets)).Strs("plugins", o.Plugins()).Msg("Orchestrator starting...")
	startTime := time.Now()

	requests, err := o.extractor.Discover(ctx, targets)
	if err != nil && ctx.Err() == nil {
		return reporter.Report{}, fmt.Errorf("discovery failed: %w", err)
	}
	log.Info().Int("count", len(requests)).Msg("Discovery complete")
	if len(requests) == 0 && err == nil {
		log.Warn().Msg("No parameters to audit. Pass a URL with a query string, POST data or --forms.")
	}

	if err == nil {
		_, err = o.engine.Scan(ctx, requests)
	}
	cancelled := ctx.Err() != nil
	if err != nil && !cancelled {
		return reporter.Report{}, err
	}

	findings, ferr := o.findings(context.WithoutCancel(ctx))
	if ferr != nil {
		return reporter.Report{}, ferr
	}

	urls := make([]string, 0, len(targets))
	for _, t := range targets {
		urls = append(urls, t.URL)
	}
	report := reporter.NewReport(urls, startTime, time.Now(), findings, o.engine.Results())
	report.Configuration = o.config
	report.Summary.Cancelled = cancelled

	if err := o.export(report); err != nil {
		return report, err
	}
	log.Info().Int("findings", report.Summary.FindingsFound).Str("duration", report.Summary.TotalDuration).Msg("Orchestrator finished.")
	if cancelled {
		return report, ctx.Err()
	}
	return report, nil
}

func (o *Orchestrator) findings(ctx context.Context) (map[string][]kb.Finding, error) {
	out := make(map[string][]kb.Finding)
	for _, ns := range reportedNamespaces {
		list, err := o.store.All(ctx, ns)
		if err != nil {
			return nil, fmt.Errorf("read %s findings: %w", ns, err)
		}
		if len(list) > 0 {
			out[ns] = list
		}
	}
	return out, nil
}

func (o *Orchestrator) export(report reporter.Report) error {
	rc := o.config.Reporting
	if rc.JSONFile != "" {
		e, err := reporter.NewJSONExporter(filepath.Join(rc.Path, rc.JSONFile))
		if err != nil {
			return err
		}
		if err := e.Export(report); err != nil {
			return err
		}
	}
	if rc.TXTFile != "" {
		e, err := reporter.NewTxtExporter(filepath.Join(rc.Path, rc.TXTFile))
		if err != nil {
			return err
		}
		if err := e.Export(report); err != nil {
			return err
		}
	}
	return nil
}

// Close releases the knowledge base and stops the metrics endpoint.
func (o *Orchestrator) Close() error {
	o.stopMetrics()
	if o.store == nil {
		return nil
	}
	return o.store.Close()
}
