package blind

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"blindscan/internal/config"
	"blindscan/internal/models"
	"blindscan/internal/mutant"
	"blindscan/internal/requester"
	"blindscan/internal/similarity"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reply struct {
	status  int
	body    string
	elapsed time.Duration
	err     error
}

// fakeFetcher answers from a rule function keyed on the payload and counts
// calls per payload.
type fakeFetcher struct {
	mu    sync.Mutex
	calls map[string]int
	rule  func(payload string, n int) reply
}

func newFake(rule func(payload string, n int) reply) *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), rule: rule}
}

func (f *fakeFetcher) Fetch(ctx context.Context, m mutant.Mutant) (*models.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.calls[m.Payload]++
	n := f.calls[m.Payload]
	f.mu.Unlock()

	r := f.rule(m.Payload, n)
	if r.err != nil {
		return nil, r.err
	}
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return &models.Response{
		URL:        m.Param.URL(),
		StatusCode: status,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte(r.body),
		Elapsed:    r.elapsed,
	}, nil
}

func (f *fakeFetcher) total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		n += c
	}
	return n
}

func param(t *testing.T) mutant.Fuzzable {
	t.Helper()
	params := mutant.Parameters(&models.Request{
		URL:    "http://shop.test/item?id=1",
		Method: http.MethodGet,
		Params: []models.Parameter{{Name: "id", Value: "1", Location: models.LocationQuery}},
	})
	require.Len(t, params, 1)
	return params[0]
}

var andPair = DialectPair{Name: "and", True: "{orig} AND 1=1", False: "{orig} AND 1=2"}

func diffAnalyzer(t *testing.T, cfg DiffConfig) *DiffAnalyzer {
	t.Helper()
	if cfg.EqLimit == 0 {
		cfg.EqLimit = DefaultEqLimit
	}
	if cfg.Dialects == nil {
		cfg.Dialects = []DialectPair{andPair}
	}
	cfg.Seed = 42
	a, err := NewDiffAnalyzer(cfg)
	require.NoError(t, err)
	return a
}

func TestDiffInjectable(t *testing.T) {
	f := newFake(func(payload string, _ int) reply {
		if strings.HasSuffix(payload, "1=2") {
			return reply{body: "No results"}
		}
		return reply{body: "Product A"}
	})

	v := diffAnalyzer(t, DiffConfig{}).IsInjectable(context.Background(), f, param(t))

	require.Equal(t, Injectable, v.Outcome, v.Evidence.Reason)
	assert.Equal(t, TechniqueDifferential, v.Technique)
	assert.Equal(t, "1 AND 1=1", v.Payload)
	assert.Equal(t, 1.0, v.Evidence.TrueScore)
	assert.Equal(t, 0.0, v.Evidence.FalseScore)
	assert.Equal(t, "and", v.Evidence.Dialect)
	require.NotNil(t, v.Evidence.Baseline)
	assert.Equal(t, "Product A", v.Evidence.Baseline.Text)
	assert.NotEmpty(t, v.Lines())
}

func TestDiffSymmetricCase(t *testing.T) {
	f := newFake(func(payload string, _ int) reply {
		if strings.HasSuffix(payload, "1=1") {
			return reply{body: "No results"}
		}
		return reply{body: "Product A"}
	})

	v := diffAnalyzer(t, DiffConfig{}).IsInjectable(context.Background(), f, param(t))
	assert.Equal(t, Injectable, v.Outcome)
}

func TestDiffIdenticalTrueFalseIsNotInjectable(t *testing.T) {
	for name, body := range map[string]string{
		"same as baseline":      "Product A",
		"differs from baseline": "Internal error",
	} {
		t.Run(name, func(t *testing.T) {
			f := newFake(func(payload string, _ int) reply {
				if payload == "1" {
					return reply{body: "Product A"}
				}
				return reply{body: body}
			})
			v := diffAnalyzer(t, DiffConfig{}).IsInjectable(context.Background(), f, param(t))
			assert.Equal(t, NotInjectable, v.Outcome)
			assert.False(t, v.Evidence.Exhausted)
		})
	}
}

// fixedMetric scores a fingerprint by its text, whatever it is compared to.
type fixedMetric map[string]float64

func (fixedMetric) Name() string { return "fixed" }

func (m fixedMetric) Score(a, _ similarity.Fingerprint) float64 { return m[a.Text] }

func TestDiffThresholdBoundaryIsInclusive(t *testing.T) {
	f := newFake(func(payload string, _ int) reply {
		switch {
		case strings.HasSuffix(payload, "1=1"):
			return reply{body: "near"}
		case strings.HasSuffix(payload, "1=2"):
			return reply{body: "far"}
		}
		return reply{body: "base"}
	})

	equal := diffAnalyzer(t, DiffConfig{Metric: fixedMetric{"near": 0.9, "far": 0.1}})
	assert.Equal(t, Injectable, equal.IsInjectable(context.Background(), f, param(t)).Outcome)

	below := diffAnalyzer(t, DiffConfig{Metric: fixedMetric{"near": 0.89999, "far": 0.1}})
	assert.Equal(t, NotInjectable, below.IsInjectable(context.Background(), f, param(t)).Outcome)
}

func TestDiffSkipsFailedDialect(t *testing.T) {
	broken := DialectPair{Name: "broken", True: "{orig}' AND 'a'='a", False: "{orig}' AND 'a'='b"}
	f := newFake(func(payload string, _ int) reply {
		switch {
		case strings.Contains(payload, "'"):
			return reply{err: &requester.Error{Err: errors.New("connection reset")}}
		case strings.HasSuffix(payload, "1=2"):
			return reply{body: "No results"}
		}
		return reply{body: "Product A"}
	})

	v := diffAnalyzer(t, DiffConfig{Dialects: []DialectPair{broken, andPair}}).
		IsInjectable(context.Background(), f, param(t))
	assert.Equal(t, Injectable, v.Outcome)
	assert.Equal(t, 1, v.Evidence.Failures)
	assert.Equal(t, "and", v.Evidence.Dialect)
}

func TestDiffAllRequestsFailedIsExhausted(t *testing.T) {
	f := newFake(func(payload string, _ int) reply {
		if payload == "1" {
			return reply{body: "Product A"}
		}
		return reply{err: &requester.Error{Timeout: true, Elapsed: time.Second, Err: context.DeadlineExceeded}}
	})

	v := diffAnalyzer(t, DiffConfig{}).IsInjectable(context.Background(), f, param(t))
	assert.Equal(t, NotInjectable, v.Outcome)
	assert.True(t, v.Evidence.Exhausted)
	assert.Equal(t, 1, v.Evidence.Failures)
}

func TestDiffAnsweredDialectIsNotExhausted(t *testing.T) {
	broken := DialectPair{Name: "broken", True: "{orig}' AND 'a'='a", False: "{orig}' AND 'a'='b"}
	f := newFake(func(payload string, n int) reply {
		switch {
		case strings.Contains(payload, "'"):
			return reply{err: &requester.Error{Err: errors.New("connection reset")}}
		case payload != "1" && n > 1:
			return reply{err: &requester.Error{Timeout: true, Elapsed: time.Second, Err: context.DeadlineExceeded}}
		case strings.HasSuffix(payload, "1=2"):
			return reply{body: "No results"}
		}
		return reply{body: "Product A"}
	})

	v := diffAnalyzer(t, DiffConfig{Dialects: []DialectPair{andPair, broken}}).
		IsInjectable(context.Background(), f, param(t))
	assert.Equal(t, NotInjectable, v.Outcome)
	assert.False(t, v.Evidence.Exhausted)
	assert.Equal(t, 2, v.Evidence.Failures)
}

func TestDiffUnreachableBaseline(t *testing.T) {
	f := newFake(func(string, int) reply {
		return reply{err: &requester.Error{Err: errors.New("connection refused")}}
	})

	v := diffAnalyzer(t, DiffConfig{}).IsInjectable(context.Background(), f, param(t))
	assert.Equal(t, NotInjectable, v.Outcome)
	assert.True(t, v.Evidence.Exhausted)
	assert.Equal(t, 2, f.total())
}

func TestDiffUnstableBaseline(t *testing.T) {
	f := newFake(func(payload string, n int) reply {
		if payload == "1" && n == 2 {
			return reply{body: "completely different page"}
		}
		return reply{body: "Product A"}
	})

	v := diffAnalyzer(t, DiffConfig{}).IsInjectable(context.Background(), f, param(t))
	assert.Equal(t, Inconclusive, v.Outcome)
	assert.Equal(t, "unstable baseline", v.Evidence.Reason)
}

func TestDiffDivergenceMustReproduce(t *testing.T) {
	f := newFake(func(payload string, n int) reply {
		if strings.HasSuffix(payload, "1=2") && n == 1 {
			return reply{body: "No results"}
		}
		return reply{body: "Product A"}
	})

	v := diffAnalyzer(t, DiffConfig{}).IsInjectable(context.Background(), f, param(t))
	assert.Equal(t, NotInjectable, v.Outcome)
}

func TestDiffCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	f := newFake(func(string, int) reply { return reply{body: "Product A"} })

	v := diffAnalyzer(t, DiffConfig{}).IsInjectable(ctx, f, param(t))
	assert.Equal(t, Inconclusive, v.Outcome)
	assert.Equal(t, "cancelled", v.Evidence.Reason)
}

func TestNewDiffAnalyzerValidation(t *testing.T) {
	for _, eq := range []float64{-0.1, 1.5} {
		_, err := NewDiffAnalyzer(DiffConfig{EqLimit: eq})
		var cerr *config.Error
		require.ErrorAs(t, err, &cerr)
		assert.Equal(t, "audit.eq_limit", cerr.Field)
	}

	_, err := NewDiffAnalyzer(DiffConfig{EqLimit: 0.9, Dialects: []DialectPair{}})
	assert.Error(t, err)

	_, err = NewDiffAnalyzer(DiffConfig{EqLimit: 0.9, Dialects: []DialectPair{{True: "x", False: "x"}}})
	assert.Error(t, err)

	a, err := NewDiffAnalyzer(DiffConfig{EqLimit: 1})
	require.NoError(t, err)
	assert.Equal(t, 1.0, a.EqLimit())
}

var sleepPayload = DelayPayload{Name: "mysql", Value: "{orig} AND SLEEP({delay})"}

func timingAnalyzer(t *testing.T) *TimingAnalyzer {
	t.Helper()
	a, err := NewTimingAnalyzer(TimingConfig{
		SampleCount:   3,
		Tolerance:     time.Second,
		ExpectedDelay: 5 * time.Second,
		Payloads:      []DelayPayload{sleepPayload},
		Gate:          NewHostGate(),
	})
	require.NoError(t, err)
	return a
}

func sleepy(control, delayed time.Duration) *fakeFetcher {
	return newFake(func(payload string, _ int) reply {
		if strings.Contains(payload, "SLEEP") {
			return reply{body: "ok", elapsed: delayed}
		}
		return reply{body: "ok", elapsed: control}
	})
}

func TestTimingShortOfThreshold(t *testing.T) {
	v := timingAnalyzer(t).IsInjectable(context.Background(), sleepy(300*time.Millisecond, 4200*time.Millisecond), param(t))
	assert.Equal(t, NotInjectable, v.Outcome)
	assert.False(t, v.Evidence.Inconclusive)
	assert.Len(t, v.Evidence.Control, 3)
	assert.Len(t, v.Evidence.Delayed, 1)
}

func TestTimingInjectable(t *testing.T) {
	v := timingAnalyzer(t).IsInjectable(context.Background(), sleepy(300*time.Millisecond, 5100*time.Millisecond), param(t))
	require.Equal(t, Injectable, v.Outcome, v.Evidence.Reason)
	assert.Equal(t, TechniqueTiming, v.Technique)
	assert.Equal(t, "1 AND SLEEP(5)", v.Payload)
	assert.Len(t, v.Evidence.Recheck, 1)
	assert.NotEmpty(t, v.Lines())
}

func TestTimingComparesAgainstSlowestControl(t *testing.T) {
	f := newFake(func(payload string, n int) reply {
		if strings.Contains(payload, "SLEEP") {
			return reply{elapsed: 5100 * time.Millisecond}
		}
		if n == 2 {
			return reply{elapsed: 1500 * time.Millisecond}
		}
		return reply{elapsed: 300 * time.Millisecond}
	})

	v := timingAnalyzer(t).IsInjectable(context.Background(), f, param(t))
	assert.Equal(t, NotInjectable, v.Outcome)
}

func TestTimingRecheckWithdrawsVerdict(t *testing.T) {
	f := newFake(func(payload string, n int) reply {
		if strings.Contains(payload, "SLEEP") {
			return reply{elapsed: 5100 * time.Millisecond}
		}
		if n > 3 {
			return reply{elapsed: 4500 * time.Millisecond}
		}
		return reply{elapsed: 300 * time.Millisecond}
	})

	v := timingAnalyzer(t).IsInjectable(context.Background(), f, param(t))
	assert.Equal(t, Inconclusive, v.Outcome)
	assert.Contains(t, v.Evidence.Reason, "ambient latency")
	assert.False(t, v.Injectable())
}

func TestTimingSlowRecheckWithdrawsLongDelay(t *testing.T) {
	f := newFake(func(payload string, n int) reply {
		if strings.Contains(payload, "SLEEP") {
			return reply{elapsed: 10 * time.Second}
		}
		if n > 3 {
			return reply{elapsed: 4500 * time.Millisecond}
		}
		return reply{elapsed: 200 * time.Millisecond}
	})

	v := timingAnalyzer(t).IsInjectable(context.Background(), f, param(t))
	assert.Equal(t, Inconclusive, v.Outcome)
	assert.Contains(t, v.Evidence.Reason, "ambient latency")
	assert.Len(t, v.Evidence.Recheck, 1)
	assert.False(t, v.Injectable())
}

func TestTimingTimeoutNeedsSecondRequest(t *testing.T) {
	timeout := &requester.Error{Timeout: true, Elapsed: 6 * time.Second, Err: context.DeadlineExceeded}

	t.Run("confirmed", func(t *testing.T) {
		f := newFake(func(payload string, _ int) reply {
			if strings.Contains(payload, "SLEEP") {
				return reply{err: timeout}
			}
			return reply{elapsed: 200 * time.Millisecond}
		})
		v := timingAnalyzer(t).IsInjectable(context.Background(), f, param(t))
		assert.Equal(t, Injectable, v.Outcome)
		assert.Equal(t, 2, f.calls["1 AND SLEEP(5)"])
	})

	t.Run("not reproduced", func(t *testing.T) {
		f := newFake(func(payload string, n int) reply {
			if strings.Contains(payload, "SLEEP") {
				if n == 1 {
					return reply{err: timeout}
				}
				return reply{elapsed: 250 * time.Millisecond}
			}
			return reply{elapsed: 200 * time.Millisecond}
		})
		v := timingAnalyzer(t).IsInjectable(context.Background(), f, param(t))
		assert.Equal(t, NotInjectable, v.Outcome)
	})
}

func TestTimingHardErrorIsFlagged(t *testing.T) {
	f := newFake(func(payload string, _ int) reply {
		if strings.Contains(payload, "SLEEP") {
			return reply{err: &requester.Error{Err: errors.New("connection refused")}}
		}
		return reply{elapsed: 200 * time.Millisecond}
	})

	v := timingAnalyzer(t).IsInjectable(context.Background(), f, param(t))
	assert.Equal(t, NotInjectable, v.Outcome)
	assert.True(t, v.Evidence.Inconclusive)
	assert.Equal(t, 1, v.Evidence.Failures)
}

func TestTimingCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	v := timingAnalyzer(t).IsInjectable(ctx, sleepy(0, 6*time.Second), param(t))
	assert.Equal(t, Inconclusive, v.Outcome)
}

func TestNewTimingAnalyzerValidation(t *testing.T) {
	cases := map[string]TimingConfig{
		"negative samples":   {SampleCount: -1},
		"negative tolerance": {Tolerance: -time.Second},
		"tolerance too wide": {Tolerance: 5 * time.Second, ExpectedDelay: 5 * time.Second},
		"no payloads":        {Payloads: []DelayPayload{}},
		"empty payload":      {Payloads: []DelayPayload{{Name: "x"}}},
	}
	for name, cfg := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewTimingAnalyzer(cfg)
			var cerr *config.Error
			assert.ErrorAs(t, err, &cerr)
		})
	}

	a, err := NewTimingAnalyzer(TimingConfig{})
	require.NoError(t, err)
	assert.Equal(t, DefaultSampleCount, a.samples)
	assert.Equal(t, DefaultExpectedDelay, a.expected)
}

func TestHostGateExclusiveWaitsForShared(t *testing.T) {
	g := NewHostGate()
	release := g.Shared("shop.test")

	acquired := make(chan struct{})
	go func() {
		done := g.Exclusive("shop.test")
		close(acquired)
		done()
	}()

	// Other hosts are not affected.
	g.Shared("other.test")()

	select {
	case <-acquired:
		t.Fatal("exclusive acquired while a shared probe was in flight")
	case <-time.After(30 * time.Millisecond):
	}

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("exclusive never acquired")
	}

	var nilGate *HostGate
	nilGate.Exclusive("x")()
	nilGate.Shared("x")()
}
