package plugins

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"blindscan/internal/blind"
	"blindscan/internal/config"
	"blindscan/internal/kb"
	"blindscan/internal/metrics"
	"blindscan/internal/models"
	"blindscan/internal/mutant"

	"github.com/fatih/color"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc/pool"
)

// BlindSQLiName is the registry name of the blind SQL injection plugin.
const BlindSQLiName = "blind_sqli"

// Analyzer is one detection technique. *blind.DiffAnalyzer and
// *blind.TimingAnalyzer implement it.
type Analyzer interface {
	IsInjectable(ctx context.Context, f blind.Fetcher, p mutant.Fuzzable) blind.Verdict
}

// ParamState is where a parameter ended up after Check.
type ParamState int

const (
	StateUnchecked ParamState = iota
	StateSkippedDuplicate
	StateConfirmed
	StateClean
	StateInconclusive
	// StateSkipped marks a parameter whose target could not be reached by
	// any probe.
	StateSkipped
)

func (s ParamState) String() string {
	switch s {
	case StateSkippedDuplicate:
		return "skipped_duplicate"
	case StateConfirmed:
		return "confirmed"
	case StateClean:
		return "clean"
	case StateInconclusive:
		return "inconclusive"
	case StateSkipped:
		return "skipped"
	default:
		return "unchecked"
	}
}

// ParamResult is the outcome for one parameter.
type ParamResult struct {
	URL      string
	Method   string
	Param    string
	State    ParamState
	Verdicts []blind.Verdict
	Finding  *kb.Finding
}

// BlindSQLiOptions wires the plugin's collaborators.
type BlindSQLiOptions struct {
	Fetcher     blind.Fetcher
	Store       kb.Store
	Diff        Analyzer
	Timing      Analyzer
	Concurrency int
	Metrics     *metrics.Recorder
}

// BlindSQLi finds blind SQL injection with the differential technique
// first and the timing technique second.
type BlindSQLi struct {
	fetcher     blind.Fetcher
	store       kb.Store
	analyzers   []Analyzer
	concurrency int
	metrics     *metrics.Recorder
	// slots bounds the parameters under analysis across every concurrent
	// Check call, so callers fanning out over requests stay within
	// concurrency.
	slots       chan struct{}

	mu      sync.Mutex
	results []ParamResult
}

// NewBlindSQLi validates opts and builds the plugin.
func NewBlindSQLi(opts BlindSQLiOptions) (*BlindSQLi, error) {
	if opts.Fetcher == nil || opts.Store == nil {
		return nil, fmt.Errorf("blind_sqli: fetcher and store are required")
	}
	if opts.Concurrency < 1 {
		return nil, config.Errorf("scanner.concurrency", "must be at least 1, got %d", opts.Concurrency)
	}
	var analyzers []Analyzer
	for _, a := range []Analyzer{opts.Diff, opts.Timing} {
		if a != nil {
			analyzers = append(analyzers, a)
		}
	}
	if len(analyzers) == 0 {
		return nil, fmt.Errorf("blind_sqli: no analyzer configured")
	}
	return &BlindSQLi{
		fetcher:     opts.Fetcher,
		store:       opts.Store,
		analyzers:   analyzers,
		concurrency: opts.Concurrency,
		metrics:     opts.Metrics,
		slots:       make(chan struct{}, opts.Concurrency),
	}, nil
}

// Info implements AuditPlugin.
func (p *BlindSQLi) Info() Info { return blindSQLiInfo }

// Audit implements AuditPlugin.
func (p *BlindSQLi) Audit(ctx context.Context, base *models.Request) ([]kb.Finding, error) {
	var findings []kb.Finding
	for _, r := range p.Check(ctx, base) {
		if r.State == StateConfirmed && r.Finding != nil {
			findings = append(findings, *r.Finding)
		}
	}
	return findings, ctx.Err()
}

// Results returns every ParamResult produced so far.
func (p *BlindSQLi) Results() []ParamResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ParamResult(nil), p.results...)
}

// Check runs the analyzers over every parameter of base. Parameters are
// checked in parallel, at most concurrency at a time for the whole plugin;
// the techniques for one parameter run in order.
func (p *BlindSQLi) Check(ctx context.Context, base *models.Request) []ParamResult {
	params := mutant.Parameters(base)
	results := make([]ParamResult, len(params))

	wp := pool.New().WithMaxGoroutines(p.concurrency)
	for i, fz := range params {
		wp.Go(func() {
			select {
			case p.slots <- struct{}{}:
			case <-ctx.Done():
				results[i] = ParamResult{URL: fz.URL(), Method: fz.Method(), Param: fz.Name(), State: StateInconclusive}
				return
			}
			defer func() { <-p.slots }()
			results[i] = p.checkParam(ctx, fz)
		})
	}
	wp.Wait()

	p.mu.Lock()
	p.results = append(p.results, results...)
	p.mu.Unlock()
	return results
}

func (p *BlindSQLi) checkParam(ctx context.Context, fz mutant.Fuzzable) ParamResult {
	res := ParamResult{URL: fz.URL(), Method: fz.Method(), Param: fz.Name(), State: StateUnchecked}
	logger := log.With().Str("plugin", BlindSQLiName).Str("param", fz.String()).Logger()

	// The neutral mutant carries the identity of the parameter only.
	neutral := mutant.New(fz, "")
	dup, err := p.alreadyReported(ctx, neutral)
	if err != nil {
		if ctx.Err() != nil {
			res.State = StateInconclusive
			return res
		}
		logger.Warn().Err(err).Msg("Knowledge base query failed, checking anyway")
	}
	if dup {
		logger.Debug().Msg("Already reported, skipping")
		res.State = StateSkippedDuplicate
		return res
	}

	exhausted := 0
	inconclusive := false
	for _, a := range p.analyzers {
		v := a.IsInjectable(ctx, p.fetcher, fz)
		if ctx.Err() != nil {
			logger.Debug().Msg("Scan cancelled, discarding evidence")
			res.State = StateInconclusive
			return res
		}
		res.Verdicts = append(res.Verdicts, v)
		p.metrics.Verdict(string(v.Technique), v.Outcome.String())

		switch {
		case v.Injectable():
			return p.record(ctx, fz, v, res)
		case v.Outcome == blind.Inconclusive:
			inconclusive = true
			logger.Info().Str("technique", string(v.Technique)).Str("reason", v.Evidence.Reason).Msg("Inconclusive")
		case v.Evidence.Exhausted:
			exhausted++
		}
	}

	switch {
	case inconclusive:
		res.State = StateInconclusive
	case exhausted == len(p.analyzers):
		logger.Warn().Msg("Target unreachable for every probe, parameter skipped")
		res.State = StateSkipped
	default:
		res.State = StateClean
	}
	return res
}

// alreadyReported reports whether a non-blind detector or an earlier run
// already holds a finding for this URL and parameter.
func (p *BlindSQLi) alreadyReported(ctx context.Context, m mutant.Mutant) (bool, error) {
	key := kb.Key(m.Param.URL(), m.Param.Name())
	for _, ns := range []string{kb.NamespaceSQLi, kb.NamespaceBlindSQLi} {
		found, err := p.store.Query(ctx, ns, key)
		if err != nil {
			return false, err
		}
		if len(found) > 0 {
			return true, nil
		}
	}
	return false, nil
}

func (p *BlindSQLi) record(ctx context.Context, fz mutant.Fuzzable, v blind.Verdict, res ParamResult) ParamResult {
	desc := fmt.Sprintf("Blind SQL injection was found at %q using the %s technique on parameter %q.",
		fz.URL(), v.Technique, fz.Name())
	f := kb.NewFinding(kb.Finding{
		Plugin:      BlindSQLiName,
		Name:        "Blind SQL injection",
		Severity:    kb.SeverityHigh,
		URL:         fz.URL(),
		Method:      fz.Method(),
		Param:       fz.Name(),
		Technique:   string(v.Technique),
		Payload:     v.Payload,
		Description: desc,
		Evidence:    v.Lines(),
		Details:     details(v),
	})

	// A finding the store rejected is still reported, flagged as not
	// persisted.
	stored, err := p.store.AppendUnique(ctx, kb.NamespaceBlindSQLi, f)
	switch {
	case err != nil:
		f.Details["stored"] = "false"
		log.Error().Err(err).Str("param", fz.String()).Msg("Failed to store finding, reporting it unpersisted")
	case !stored:
		res.State = StateSkippedDuplicate
		return res
	default:
		p.metrics.Finding(kb.NamespaceBlindSQLi)
	}

	log.Info().
		Str("type", BlindSQLiName).
		Str("url", fz.URL()).
		Str("param", fz.Name()).
		Str("technique", string(v.Technique)).
		Msg(color.RedString("Vulnerability Found!"))

	res.State = StateConfirmed
	res.Finding = &f
	return res
}

func details(v blind.Verdict) map[string]string {
	e := v.Evidence
	d := map[string]string{"outcome": v.Outcome.String()}
	switch v.Technique {
	case blind.TechniqueDifferential:
		d["dialect"] = e.Dialect
		d["true_payload"] = e.TruePayload
		d["false_payload"] = e.FalsePayload
		d["true_score"] = strconv.FormatFloat(e.TrueScore, 'f', 3, 64)
		d["false_score"] = strconv.FormatFloat(e.FalseScore, 'f', 3, 64)
		d["eq_limit"] = strconv.FormatFloat(e.EqLimit, 'f', 3, 64)
	case blind.TechniqueTiming:
		d["expected_delay"] = e.ExpectedDelay.String()
		d["tolerance"] = e.Tolerance.String()
		if n := len(e.Delayed); n > 0 {
			d["delayed_elapsed"] = e.Delayed[n-1].Elapsed.String()
		}
	}
	return d
}
