package blind

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"blindscan/internal/config"
	"blindscan/internal/mutant"
	"blindscan/internal/similarity"
	"blindscan/internal/util"

	"github.com/rs/zerolog/log"
)

// DefaultEqLimit is the similarity at or above which two responses count as
// equal.
const DefaultEqLimit = 0.9

// DiffConfig configures a DiffAnalyzer.
type DiffConfig struct {
	// EqLimit must lie in [0, 1]. Scores >= EqLimit are "equal".
	EqLimit       float64
	Metric        similarity.Metric
	Fingerprinter *similarity.Fingerprinter
	Dialects      []DialectPair
	Gate          *HostGate
	// Seed fixes the random operands of the dialect templates. Zero seeds
	// from the clock.
	Seed int64
}

// DiffAnalyzer detects boolean blind injection by comparing the responses
// to a true and a false statement against the original response.
type DiffAnalyzer struct {
	eqLimit  float64
	metric   similarity.Metric
	fp       *similarity.Fingerprinter
	dialects []DialectPair
	gate     *HostGate

	mu  sync.Mutex
	rng *rand.Rand
}

// NewDiffAnalyzer validates cfg and builds the analyzer.
func NewDiffAnalyzer(cfg DiffConfig) (*DiffAnalyzer, error) {
	if cfg.EqLimit < 0 || cfg.EqLimit > 1 {
		return nil, config.Errorf("audit.eq_limit", "%v is outside [0, 1]", cfg.EqLimit)
	}
	if cfg.Metric == nil {
		cfg.Metric = similarity.TokenRatio{}
	}
	if cfg.Fingerprinter == nil {
		cfg.Fingerprinter = similarity.NewFingerprinter(nil)
	}
	if cfg.Dialects == nil {
		cfg.Dialects = DefaultDialects()
	}
	if len(cfg.Dialects) == 0 {
		return nil, config.Errorf("payloads.differential", "no dialect pairs configured")
	}
	for _, d := range cfg.Dialects {
		if d.True == "" || d.False == "" || d.True == d.False {
			return nil, config.Errorf("payloads.differential", "dialect %q needs distinct true and false statements", d.Name)
		}
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DiffAnalyzer{
		eqLimit:  cfg.EqLimit,
		metric:   cfg.Metric,
		fp:       cfg.Fingerprinter,
		dialects: cfg.Dialects,
		gate:     cfg.Gate,
		rng:      rand.New(rand.NewSource(seed)),
	}, nil
}

// EqLimit returns the configured equality threshold.
func (a *DiffAnalyzer) EqLimit() float64 { return a.eqLimit }

// IsInjectable runs the true/false protocol against p. It stops at the
// first dialect whose divergence is confirmed by a second pair.
func (a *DiffAnalyzer) IsInjectable(ctx context.Context, f Fetcher, p mutant.Fuzzable) Verdict {
	logger := log.With().Str("param", p.String()).Str("technique", string(TechniqueDifferential)).Logger()

	base, v, ok := a.baseline(ctx, f, p)
	if !ok {
		return v
	}

	failures, silent := 0, 0
	for _, d := range a.dialects {
		tv, fv := a.render(d, p.Original())
		t, fl, answered, err := a.pair(ctx, f, p, tv, fv)
		if !answered {
			silent++
		}
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(TechniqueDifferential)
			}
			failures++
			logger.Debug().Err(err).Str("dialect", d.Name).Msg("Probe failed, skipping dialect")
			continue
		}
		dir, ts, fs := a.diverges(base, t, fl)
		if dir == 0 {
			continue
		}

		// The operands are random, so the second pair differs from the first.
		tv2, fv2 := a.render(d, p.Original())
		t2, f2, _, err := a.pair(ctx, f, p, tv2, fv2)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(TechniqueDifferential)
			}
			failures++
			logger.Debug().Err(err).Str("dialect", d.Name).Msg("Confirmation probe failed")
			continue
		}
		if dir2, _, _ := a.diverges(base, t2, f2); dir2 != dir {
			logger.Debug().Str("dialect", d.Name).Msg("Divergence did not reproduce")
			continue
		}

		return Verdict{
			Outcome:   Injectable,
			Technique: TechniqueDifferential,
			Payload:   tv,
			Evidence: Evidence{
				Dialect:      d.Name,
				TruePayload:  tv,
				FalsePayload: fv,
				Baseline:     &base,
				True:         &t,
				False:        &fl,
				TrueScore:    ts,
				FalseScore:   fs,
				EqLimit:      a.eqLimit,
				Failures:     failures,
			},
		}
	}

	// Exhausted only when no dialect got a single response back.
	if silent == len(a.dialects) {
		v := notInjectable(TechniqueDifferential, "every probe failed")
		v.Evidence.Exhausted = true
		v.Evidence.Failures = failures
		return v
	}
	v = notInjectable(TechniqueDifferential, "no diverging true/false pair")
	v.Evidence.Failures = failures
	v.Evidence.EqLimit = a.eqLimit
	return v
}

// baseline fetches the original value twice. A page that does not match
// itself cannot be judged.
func (a *DiffAnalyzer) baseline(ctx context.Context, f Fetcher, p mutant.Fuzzable) (similarity.Fingerprint, Verdict, bool) {
	first, err1 := a.fetch(ctx, f, p, p.Original())
	second, err2 := a.fetch(ctx, f, p, p.Original())
	if ctx.Err() != nil {
		return similarity.Fingerprint{}, cancelled(TechniqueDifferential), false
	}

	switch {
	case err1 != nil && err2 != nil:
		v := notInjectable(TechniqueDifferential, "baseline unreachable: "+err1.Error())
		v.Evidence.Exhausted = true
		v.Evidence.Failures = 2
		return similarity.Fingerprint{}, v, false
	case err1 != nil:
		return second, Verdict{}, true
	case err2 != nil:
		return first, Verdict{}, true
	}

	if score := similarity.Compare(a.metric, first, second); score < a.eqLimit {
		v := inconclusive(TechniqueDifferential, "unstable baseline")
		v.Evidence.Baseline = &first
		v.Evidence.TrueScore = score
		v.Evidence.EqLimit = a.eqLimit
		return similarity.Fingerprint{}, v, false
	}
	return first, Verdict{}, true
}

// diverges returns 1 when the true response matches the baseline and the
// false one does not, -1 for the symmetric case and 0 otherwise.
func (a *DiffAnalyzer) diverges(base, t, f similarity.Fingerprint) (int, float64, float64) {
	ts := similarity.Compare(a.metric, t, base)
	fs := similarity.Compare(a.metric, f, base)
	if similarity.Identical(t, f) {
		return 0, ts, fs
	}
	switch {
	case ts >= a.eqLimit && fs < a.eqLimit:
		return 1, ts, fs
	case fs >= a.eqLimit && ts < a.eqLimit:
		return -1, ts, fs
	}
	return 0, ts, fs
}

// pair fetches the true and false values. answered reports whether any
// fetch of the pair got a response.
func (a *DiffAnalyzer) pair(ctx context.Context, f Fetcher, p mutant.Fuzzable, tv, fv string) (similarity.Fingerprint, similarity.Fingerprint, bool, error) {
	t, err := a.fetch(ctx, f, p, tv)
	if err != nil {
		return similarity.Fingerprint{}, similarity.Fingerprint{}, false, err
	}
	fl, err := a.fetch(ctx, f, p, fv)
	if err != nil {
		return similarity.Fingerprint{}, similarity.Fingerprint{}, true, err
	}
	return t, fl, true, nil
}

func (a *DiffAnalyzer) fetch(ctx context.Context, f Fetcher, p mutant.Fuzzable, value string) (similarity.Fingerprint, error) {
	release := a.gate.Shared(util.Host(p.URL()))
	resp, err := f.Fetch(ctx, mutant.New(p, value))
	release()
	if err != nil {
		return similarity.Fingerprint{}, err
	}
	return a.fp.Fingerprint(resp), nil
}

func (a *DiffAnalyzer) render(d DialectPair, orig string) (string, string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return d.Render(orig, a.rng)
}

func cancelled(t Technique) Verdict {
	return inconclusive(t, "cancelled")
}
