package plugins

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"blindscan/internal/blind"
	"blindscan/internal/kb"
	"blindscan/internal/models"
	"blindscan/internal/mutant"
	"blindscan/internal/requester"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// shop simulates a product page whose "id" parameter is injectable in the
// way selected by mode.
type shop struct {
	mode  string
	calls atomic.Int64
}

func (s *shop) Fetch(ctx context.Context, m mutant.Mutant) (*models.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.calls.Add(1)
	if s.mode == "offline" {
		return nil, &requester.Error{URL: m.Param.URL(), Err: errors.New("connection refused")}
	}

	resp := &models.Response{
		URL:        m.Param.URL(),
		StatusCode: http.StatusOK,
		Header:     http.Header{"Content-Type": {"text/plain"}},
		Body:       []byte("Product A"),
		Elapsed:    200 * time.Millisecond,
	}
	if m.Param.Name() != "id" || m.Payload == m.Param.Original() {
		return resp, nil
	}

	switch s.mode {
	case "boolean":
		if strings.HasSuffix(m.Payload, "1=2") {
			resp.Body = []byte("No results")
		}
	case "sleep":
		resp.StatusCode = http.StatusInternalServerError
		resp.Body = []byte("Error")
		if strings.Contains(m.Payload, "SLEEP(5)") {
			resp.Elapsed = 5300 * time.Millisecond
		}
	case "flaky":
		return nil, &requester.Error{URL: resp.URL, Err: errors.New("connection reset")}
	}
	return resp, nil
}

func baseRequest() *models.Request {
	return &models.Request{
		URL:    "http://shop.test/item?id=1&lang=en",
		Method: http.MethodGet,
		Params: []models.Parameter{
			{Name: "id", Value: "1", Location: models.LocationQuery},
			{Name: "lang", Value: "en", Location: models.LocationQuery},
		},
	}
}

func newPlugin(t *testing.T, f blind.Fetcher, store kb.Store) *BlindSQLi {
	t.Helper()
	diff, err := blind.NewDiffAnalyzer(blind.DiffConfig{
		EqLimit:  blind.DefaultEqLimit,
		Dialects: []blind.DialectPair{{Name: "and", True: "{orig} AND 1=1", False: "{orig} AND 1=2"}},
		Seed:     1,
	})
	require.NoError(t, err)
	timing, err := blind.NewTimingAnalyzer(blind.TimingConfig{
		SampleCount:   2,
		Tolerance:     time.Second,
		ExpectedDelay: 5 * time.Second,
		Payloads:      []blind.DelayPayload{{Name: "mysql", Value: "{orig} AND SLEEP({delay})"}},
	})
	require.NoError(t, err)

	p, err := NewBlindSQLi(BlindSQLiOptions{
		Fetcher:     f,
		Store:       store,
		Diff:        diff,
		Timing:      timing,
		Concurrency: 2,
	})
	require.NoError(t, err)
	return p
}

func stateOf(t *testing.T, results []ParamResult, param string) ParamState {
	t.Helper()
	for _, r := range results {
		if r.Param == param {
			return r.State
		}
	}
	t.Fatalf("no result for %s", param)
	return StateUnchecked
}

func TestBlindSQLiDifferentialFinding(t *testing.T) {
	ctx := context.Background()
	store := kb.NewMemoryStore()
	p := newPlugin(t, &shop{mode: "boolean"}, store)

	findings, err := p.Audit(ctx, baseRequest())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "differential", findings[0].Technique)
	assert.Equal(t, "id", findings[0].Param)
	assert.Equal(t, "http://shop.test/item", findings[0].URL)

	stored, err := store.Query(ctx, kb.NamespaceBlindSQLi, kb.Key("http://shop.test/item", "id"))
	require.NoError(t, err)
	assert.Len(t, stored, 1)

	results := p.Results()
	assert.Equal(t, StateConfirmed, stateOf(t, results, "id"))
	assert.Equal(t, StateClean, stateOf(t, results, "lang"))
}

func TestBlindSQLiTimingFinding(t *testing.T) {
	p := newPlugin(t, &shop{mode: "sleep"}, kb.NewMemoryStore())

	findings, err := p.Audit(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "timing", findings[0].Technique)
	assert.Equal(t, "1 AND SLEEP(5)", findings[0].Payload)

	results := p.Results()
	for _, r := range results {
		if r.Param == "id" {
			require.Len(t, r.Verdicts, 2)
			assert.Equal(t, blind.NotInjectable, r.Verdicts[0].Outcome)
			assert.Equal(t, blind.Injectable, r.Verdicts[1].Outcome)
		}
	}
}

func TestBlindSQLiIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := kb.NewMemoryStore()
	target := &shop{mode: "boolean"}
	p := newPlugin(t, target, store)

	_, err := p.Audit(ctx, baseRequest())
	require.NoError(t, err)
	findings, err := p.Audit(ctx, baseRequest())
	require.NoError(t, err)
	assert.Empty(t, findings)

	all, err := store.All(ctx, kb.NamespaceBlindSQLi)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, StateSkippedDuplicate, stateOf(t, p.Results()[2:], "id"))
}

func TestBlindSQLiConcurrentRunsStoreOnce(t *testing.T) {
	ctx := context.Background()
	store := kb.NewMemoryStore()

	var runs []*BlindSQLi
	for i := 0; i < 4; i++ {
		runs = append(runs, newPlugin(t, &shop{mode: "boolean"}, store))
	}

	var wg sync.WaitGroup
	for _, p := range runs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Audit(ctx, baseRequest())
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	all, err := store.All(ctx, kb.NamespaceBlindSQLi)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestBlindSQLiSkipsNonBlindFindings(t *testing.T) {
	ctx := context.Background()
	store := kb.NewMemoryStore()
	require.NoError(t, store.Append(ctx, kb.NamespaceSQLi, kb.NewFinding(kb.Finding{
		Plugin: "sqli",
		URL:    "http://shop.test/item",
		Param:  "id",
	})))

	target := &shop{mode: "boolean"}
	p := newPlugin(t, target, store)
	findings, err := p.Audit(ctx, baseRequest())
	require.NoError(t, err)
	assert.Empty(t, findings)
	assert.Equal(t, StateSkippedDuplicate, stateOf(t, p.Results(), "id"))
}

func TestBlindSQLiUnreachableIsSkipped(t *testing.T) {
	p := newPlugin(t, &shop{mode: "offline"}, kb.NewMemoryStore())
	results := p.Check(context.Background(), baseRequest())

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, StateSkipped, r.State)
		require.Len(t, r.Verdicts, 2)
		assert.True(t, r.Verdicts[0].Evidence.Exhausted)
		assert.True(t, r.Verdicts[1].Evidence.Exhausted)
	}
}

func TestBlindSQLiFailedRequestsAreNotFatal(t *testing.T) {
	p := newPlugin(t, &shop{mode: "flaky"}, kb.NewMemoryStore())
	findings, err := p.Audit(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Empty(t, findings)

	for _, r := range p.Results() {
		if r.Param != "id" {
			continue
		}
		assert.Equal(t, StateClean, r.State)
		require.Len(t, r.Verdicts, 2)
		assert.True(t, r.Verdicts[0].Evidence.Exhausted)
		assert.True(t, r.Verdicts[1].Evidence.Inconclusive)
	}
}

func TestBlindSQLiCancelledRecordsNothing(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := kb.NewMemoryStore()
	p := newPlugin(t, &shop{mode: "boolean"}, store)

	findings, err := p.Audit(ctx, baseRequest())
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, findings)
	for _, r := range p.Results() {
		assert.Equal(t, StateInconclusive, r.State)
	}

	all, err := store.All(context.Background(), kb.NamespaceBlindSQLi)
	require.NoError(t, err)
	assert.Empty(t, all)
}

// brokenStore answers queries but rejects every write.
type brokenStore struct {
	*kb.MemoryStore
}

func (brokenStore) AppendUnique(context.Context, string, kb.Finding) (bool, error) {
	return false, errors.New("disk full")
}

func TestBlindSQLiUnpersistedFindingIsFlagged(t *testing.T) {
	store := brokenStore{kb.NewMemoryStore()}
	p := newPlugin(t, &shop{mode: "boolean"}, store)

	findings, err := p.Audit(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.Equal(t, "false", findings[0].Details["stored"])

	results := p.Results()
	assert.Equal(t, StateConfirmed, stateOf(t, results, "id"))
	all, err := store.All(context.Background(), kb.NamespaceBlindSQLi)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestBlindSQLiStoredFindingIsNotFlagged(t *testing.T) {
	p := newPlugin(t, &shop{mode: "boolean"}, kb.NewMemoryStore())

	findings, err := p.Audit(context.Background(), baseRequest())
	require.NoError(t, err)
	require.Len(t, findings, 1)
	assert.NotContains(t, findings[0].Details, "stored")
}

type stubAnalyzer struct {
	verdict blind.Verdict
	calls   atomic.Int64
}

func (s *stubAnalyzer) IsInjectable(context.Context, blind.Fetcher, mutant.Fuzzable) blind.Verdict {
	s.calls.Add(1)
	return s.verdict
}

func TestBlindSQLiShortCircuitsTiming(t *testing.T) {
	diff := &stubAnalyzer{verdict: blind.Verdict{Outcome: blind.Injectable, Technique: blind.TechniqueDifferential, Payload: "x"}}
	timing := &stubAnalyzer{verdict: blind.Verdict{Outcome: blind.Injectable, Technique: blind.TechniqueTiming}}

	p, err := NewBlindSQLi(BlindSQLiOptions{
		Fetcher:     &shop{},
		Store:       kb.NewMemoryStore(),
		Diff:        diff,
		Timing:      timing,
		Concurrency: 1,
	})
	require.NoError(t, err)

	findings, err := p.Audit(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Len(t, findings, 2)
	assert.EqualValues(t, 2, diff.calls.Load())
	assert.EqualValues(t, 0, timing.calls.Load())
}

func TestBlindSQLiInconclusiveState(t *testing.T) {
	diff := &stubAnalyzer{verdict: blind.Verdict{Outcome: blind.Inconclusive, Technique: blind.TechniqueDifferential}}
	timing := &stubAnalyzer{verdict: blind.Verdict{Outcome: blind.NotInjectable, Technique: blind.TechniqueTiming}}

	p, err := NewBlindSQLi(BlindSQLiOptions{Fetcher: &shop{}, Store: kb.NewMemoryStore(), Diff: diff, Timing: timing, Concurrency: 4})
	require.NoError(t, err)

	results := p.Check(context.Background(), baseRequest())
	for _, r := range results {
		assert.Equal(t, StateInconclusive, r.State)
	}
	assert.EqualValues(t, 2, timing.calls.Load())
}

func TestNewBlindSQLiValidation(t *testing.T) {
	a := &stubAnalyzer{}
	_, err := NewBlindSQLi(BlindSQLiOptions{Fetcher: &shop{}, Store: kb.NewMemoryStore(), Diff: a, Concurrency: 0})
	assert.Error(t, err)
	_, err = NewBlindSQLi(BlindSQLiOptions{Fetcher: &shop{}, Store: kb.NewMemoryStore(), Concurrency: 1})
	assert.Error(t, err)
	_, err = NewBlindSQLi(BlindSQLiOptions{Store: kb.NewMemoryStore(), Diff: a, Concurrency: 1})
	assert.Error(t, err)
}

func TestParamStateString(t *testing.T) {
	assert.Equal(t, "confirmed", StateConfirmed.String())
	assert.Equal(t, "skipped_duplicate", StateSkippedDuplicate.String())
	assert.Equal(t, "unchecked", StateUnchecked.String())
}

func TestStrangeHeaders(t *testing.T) {
	ctx := context.Background()
	store := kb.NewMemoryStore()
	p := NewStrangeHeaders(store, nil)

	resp := &models.Response{
		URL:        "http://shop.test/item?id=1",
		StatusCode: http.StatusOK,
		Header: http.Header{
			"Server":           {"nginx"},
			"X-Backend-Server": {"app-03"},
			"Content-Location": {"/item.php"},
		},
	}
	p.Grep(ctx, nil, resp)
	p.Grep(ctx, nil, resp)

	headers, err := store.All(ctx, kb.NamespaceStrangeHeaders)
	require.NoError(t, err)
	require.Len(t, headers, 1)
	assert.Equal(t, "X-Backend-Server", headers[0].Param)
	assert.Equal(t, "app-03", headers[0].Details["header_value"])
	assert.Equal(t, "http://shop.test/item", headers[0].URL)

	anomalies, err := store.All(ctx, kb.NamespaceAnomaly)
	require.NoError(t, err)
	require.Len(t, anomalies, 1)
	assert.Equal(t, "200", anomalies[0].Details["status_code"])
}

func TestStrangeHeadersContentLocationOnRedirect(t *testing.T) {
	ctx := context.Background()
	store := kb.NewMemoryStore()
	p := NewStrangeHeaders(store, nil)

	p.Grep(ctx, nil, &models.Response{
		URL:        "http://shop.test/old",
		StatusCode: http.StatusMovedPermanently,
		Header:     http.Header{"Content-Location": {"/new"}},
	})

	anomalies, err := store.All(ctx, kb.NamespaceAnomaly)
	require.NoError(t, err)
	assert.Empty(t, anomalies)
	assert.Equal(t, KindGrep, p.Info().Kind)
}
