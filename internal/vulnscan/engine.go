package vulnscan

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"blindscan/internal/blind"
	"blindscan/internal/kb"
	"blindscan/internal/metrics"
	"blindscan/internal/models"
	"blindscan/internal/plugins"
	"blindscan/internal/requester"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// Options wires an Engine.
type Options struct {
	Client      *requester.HTTPClient
	Store       kb.Store
	Registry    *Registry
	Diff        blind.DiffConfig
	Timing      blind.TimingConfig
	Concurrency int
	Metrics     *metrics.Recorder
}

// Engine is the vulnerability scanning engine.
type Engine struct {
	audits      []plugins.AuditPlugin
	greps       []plugins.GrepPlugin
	blindSQLi   *plugins.BlindSQLi
	concurrency int
}

// NewEngine builds the enabled plugins. Grep plugins are attached to the
// client so they see every response, probes included.
func NewEngine(opts Options) (*Engine, error) {
	if opts.Client == nil || opts.Store == nil || opts.Registry == nil {
		return nil, fmt.Errorf("engine: client, store and registry are required")
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	e := &Engine{concurrency: opts.Concurrency}

	if opts.Registry.Enabled(plugins.BlindSQLiName) {
		gate := blind.NewHostGate()
		opts.Diff.Gate = gate
		opts.Timing.Gate = gate

		diff, err := blind.NewDiffAnalyzer(opts.Diff)
		if err != nil {
			return nil, err
		}
		timing, err := blind.NewTimingAnalyzer(opts.Timing)
		if err != nil {
			return nil, err
		}
		p, err := plugins.NewBlindSQLi(plugins.BlindSQLiOptions{
			Fetcher:     opts.Client,
			Store:       opts.Store,
			Diff:        diff,
			Timing:      timing,
			Concurrency: opts.Concurrency,
			Metrics:     opts.Metrics,
		})
		if err != nil {
			return nil, err
		}
		e.blindSQLi = p
		e.register(p)
	}

	if opts.Registry.Enabled(plugins.StrangeHeadersName) {
		g := plugins.NewStrangeHeaders(opts.Store, opts.Metrics)
		e.greps = append(e.greps, g)
		opts.Client.OnResponse(func(req *http.Request, resp *models.Response) {
			g.Grep(req.Context(), req, resp)
		})
		log.Info().Str("plugin", g.Info().Name).Msg("Plugin registered")
	}

	return e, nil
}

func (e *Engine) register(p plugins.AuditPlugin) {
	e.audits = append(e.audits, p)
	log.Info().Str("plugin", p.Info().Name).Msg("Plugin registered")
}

// Plugins returns the names of the active plugins.
func (e *Engine) Plugins() []string {
	var names []string
	for _, p := range e.audits {
		names = append(names, p.Info().Name)
	}
	for _, g := range e.greps {
		names = append(names, g.Info().Name)
	}
	return names
}

// Scan runs every audit plugin over every request. A failing plugin is
// logged and does not stop the others; only cancellation is returned.
func (e *Engine) Scan(ctx context.Context, requests []*models.Request) ([]kb.Finding, error) {
	var (
		mu       sync.Mutex
		findings []kb.Finding
	)

	wp := pool.New().WithMaxGoroutines(e.concurrency)
	for _, req := range requests {
		for _, p := range e.audits {
			wp.Go(func() {
				found, err := p.Audit(ctx, req)
				if err != nil && !errors.Is(err, context.Canceled) {
					log.Warn().Err(err).Str("plugin", p.Info().Name).Str("url", req.URL).Msg("Plugin scan failed")
				}
				mu.Lock()
				findings = append(findings, found...)
				mu.Unlock()
			})
		}
	}
	wp.Wait()

	return findings, ctx.Err()
}

// Results returns the per-parameter outcomes of the blind SQL injection
// plugin, or nil when it is disabled.
func (e *Engine) Results() []plugins.ParamResult {
	if e.blindSQLi == nil {
		return nil
	}
	return e.blindSQLi.Results()
}
