package blind

import (
	"context"
	"errors"
	"time"

	"blindscan/internal/config"
	"blindscan/internal/mutant"
	"blindscan/internal/requester"
	"blindscan/internal/util"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSampleCount   = 3
	DefaultTolerance     = time.Second
	DefaultExpectedDelay = 5 * time.Second
)

// TimingConfig configures a TimingAnalyzer. Zero values select the
// defaults.
type TimingConfig struct {
	SampleCount   int
	Tolerance     time.Duration
	ExpectedDelay time.Duration
	Payloads      []DelayPayload
	Gate          *HostGate
}

// TimingAnalyzer detects blind injection through server-side delays.
type TimingAnalyzer struct {
	samples   int
	tolerance time.Duration
	expected  time.Duration
	payloads  []DelayPayload
	gate      *HostGate
}

// NewTimingAnalyzer validates cfg and builds the analyzer.
func NewTimingAnalyzer(cfg TimingConfig) (*TimingAnalyzer, error) {
	if cfg.SampleCount == 0 {
		cfg.SampleCount = DefaultSampleCount
	}
	if cfg.ExpectedDelay == 0 {
		cfg.ExpectedDelay = DefaultExpectedDelay
	}
	if cfg.Payloads == nil {
		cfg.Payloads = DefaultDelayPayloads()
	}

	switch {
	case cfg.SampleCount < 1:
		return nil, config.Errorf("timing.sample_count", "must be at least 1, got %d", cfg.SampleCount)
	case cfg.ExpectedDelay < 0:
		return nil, config.Errorf("timing.expected_delay", "must be positive, got %s", cfg.ExpectedDelay)
	case cfg.Tolerance < 0:
		return nil, config.Errorf("timing.tolerance", "must not be negative, got %s", cfg.Tolerance)
	case len(cfg.Payloads) == 0:
		return nil, config.Errorf("payloads.timing", "no delay payloads configured")
	}
	for _, p := range cfg.Payloads {
		if p.Value == "" {
			return nil, config.Errorf("payloads.timing", "payload %q is empty", p.Name)
		}
		if d := delayOf(p, cfg.ExpectedDelay); cfg.Tolerance >= d {
			return nil, config.Errorf("timing.tolerance", "%s leaves no margin below the %s delay of %q", cfg.Tolerance, d, p.Name)
		}
	}

	return &TimingAnalyzer{
		samples:   cfg.SampleCount,
		tolerance: cfg.Tolerance,
		expected:  cfg.ExpectedDelay,
		payloads:  cfg.Payloads,
		gate:      cfg.Gate,
	}, nil
}

// IsInjectable measures control and delay probes against p. A positive
// delay signal is only reported after a control recheck taken while no
// other probe to the host is in flight.
func (a *TimingAnalyzer) IsInjectable(ctx context.Context, f Fetcher, p mutant.Fuzzable) Verdict {
	logger := log.With().Str("param", p.String()).Str("technique", string(TechniqueTiming)).Logger()
	orig := p.Original()

	ev := Evidence{ExpectedDelay: a.expected, Tolerance: a.tolerance}
	var baseMax time.Duration
	for i := 0; i < a.samples; i++ {
		s, err := a.probe(ctx, f, p, orig, false)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(TechniqueTiming)
			}
			ev.Failures++
			logger.Debug().Err(err).Msg("Control probe failed")
			continue
		}
		ev.Control = append(ev.Control, s)
		if s.Elapsed > baseMax {
			baseMax = s.Elapsed
		}
	}
	if len(ev.Control) == 0 {
		ev.Reason = "no control sample could be taken"
		ev.Exhausted = true
		ev.Inconclusive = true
		return Verdict{Outcome: NotInjectable, Technique: TechniqueTiming, Evidence: ev}
	}

	for _, dp := range a.payloads {
		delay := delayOf(dp, a.expected)
		threshold := delay - a.tolerance
		value := dp.Render(orig, delay)

		s, positive, err := a.delayed(ctx, f, p, value, delay, baseMax, logger)
		if s.Payload != "" {
			ev.Delayed = append(ev.Delayed, s)
		}
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(TechniqueTiming)
			}
			ev.Failures++
			ev.Inconclusive = true
			logger.Debug().Err(err).Str("payload", dp.Name).Msg("Delay probe failed")
			continue
		}
		if !positive {
			continue
		}

		recheck, err := a.probe(ctx, f, p, orig, true)
		if err != nil {
			if ctx.Err() != nil {
				return cancelled(TechniqueTiming)
			}
			ev.Reason = "control recheck failed: " + err.Error()
			return Verdict{Outcome: Inconclusive, Technique: TechniqueTiming, Payload: value, Evidence: ev}
		}
		ev.Recheck = append(ev.Recheck, recheck)
		if recheck.Elapsed > baseMax {
			baseMax = recheck.Elapsed
		}
		if recheck.Elapsed >= threshold || s.Elapsed-baseMax < threshold {
			ev.Reason = "ambient latency: control recheck took " + recheck.Elapsed.Round(time.Millisecond).String()
			logger.Info().Dur("recheck", recheck.Elapsed).Msg("Delay signal withdrawn")
			return Verdict{Outcome: Inconclusive, Technique: TechniqueTiming, Payload: value, Evidence: ev}
		}

		ev.ExpectedDelay = delay
		ev.Reason = ""
		return Verdict{Outcome: Injectable, Technique: TechniqueTiming, Payload: value, Evidence: ev}
	}

	ev.Reason = "no delay beyond the control baseline"
	return Verdict{Outcome: NotInjectable, Technique: TechniqueTiming, Evidence: ev}
}

// delayed issues the delay probe. A timeout at or beyond the expected delay
// is only weak evidence and needs a second independent probe.
func (a *TimingAnalyzer) delayed(ctx context.Context, f Fetcher, p mutant.Fuzzable, value string, delay, baseMax time.Duration, logger zerolog.Logger) (TimingSample, bool, error) {
	threshold := delay - a.tolerance

	s, err := a.probe(ctx, f, p, value, false)
	if err == nil {
		return s, s.Elapsed-baseMax >= threshold, nil
	}
	if !s.TimedOut || s.Elapsed < delay {
		return s, false, err
	}

	logger.Debug().Dur("elapsed", s.Elapsed).Msg("Delay probe timed out, probing again")
	again, err := a.probe(ctx, f, p, value, false)
	switch {
	case err == nil:
		return again, again.Elapsed-baseMax >= threshold, nil
	case again.TimedOut && again.Elapsed >= delay:
		return again, true, nil
	}
	return again, false, err
}

// probe fetches one value and measures it. Timeouts come back as a sample
// with TimedOut set alongside the error.
func (a *TimingAnalyzer) probe(ctx context.Context, f Fetcher, p mutant.Fuzzable, value string, exclusive bool) (TimingSample, error) {
	host := util.Host(p.URL())
	var release func()
	if exclusive {
		release = a.gate.Exclusive(host)
	} else {
		release = a.gate.Shared(host)
	}
	defer release()

	start := time.Now()
	resp, err := f.Fetch(ctx, mutant.New(p, value))
	if err != nil {
		var rerr *requester.Error
		if errors.As(err, &rerr) && rerr.Timeout && ctx.Err() == nil {
			return TimingSample{Payload: value, Elapsed: rerr.Elapsed, TimedOut: true}, err
		}
		return TimingSample{}, err
	}
	elapsed := resp.Elapsed
	if elapsed == 0 {
		elapsed = time.Since(start)
	}
	return TimingSample{Payload: value, Elapsed: elapsed}, nil
}

func delayOf(p DelayPayload, fallback time.Duration) time.Duration {
	if p.Delay > 0 {
		return p.Delay
	}
	return fallback
}
