// Package requester provides the HTTP client used for every probe.
package requester

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"blindscan/internal/metrics"
	"blindscan/internal/models"
	"blindscan/internal/mutant"

	"github.com/rs/zerolog/log"
)

// maxBodySize caps how much of a response body is kept.
const maxBodySize = 5 << 20

// Error is a transport failure for a single probe.
type Error struct {
	URL     string
	Timeout bool
	Elapsed time.Duration
	Err     error
}

func (e *Error) Error() string {
	kind := "request failed"
	if e.Timeout {
		kind = "request timed out"
	}
	return fmt.Sprintf("%s after %s: %s: %v", kind, e.Elapsed.Round(time.Millisecond), e.URL, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Observer receives every response the client fetches.
type Observer func(req *http.Request, resp *models.Response)

// Options configures an HTTPClient.
type Options struct {
	Timeout    time.Duration
	UserAgents []string
	Retries    int
	RetryDelay time.Duration
	// RateLimit is requests per second per host; zero disables limiting.
	RateLimit float64
	Burst     int
	Metrics   *metrics.Recorder
}

// HTTPClient is a wrapper around the standard http.Client that provides
// additional features like User-Agent rotation, per-host rate limiting and
// retries on connection errors.
type HTTPClient struct {
	client     *http.Client
	userAgents []string
	retries    int
	retryDelay time.Duration
	limiter    *HostLimiter
	metrics    *metrics.Recorder

	mu        sync.Mutex
	rand      *rand.Rand
	observers []Observer
}

// NewHTTPClient creates a new instance of our custom HTTPClient.
func NewHTTPClient(opts Options) *HTTPClient {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 2 * time.Second
	}
	return &HTTPClient{
		client: &http.Client{
			Timeout: opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		userAgents: opts.UserAgents,
		retries:    opts.Retries,
		retryDelay: opts.RetryDelay,
		limiter:    NewHostLimiter(opts.RateLimit, opts.Burst),
		metrics:    opts.Metrics,
		rand:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// OnResponse registers an observer. Observers run synchronously after each
// successful fetch.
func (c *HTTPClient) OnResponse(o Observer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Fetch sends the request described by m and reads the whole response.
// Elapsed covers the exchange only, not the time spent waiting on the rate
// limiter.
func (c *HTTPClient) Fetch(ctx context.Context, m mutant.Mutant) (*models.Response, error) {
	req, err := m.Build(ctx)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Get fetches rawURL.
func (c *HTTPClient) Get(ctx context.Context, rawURL string) (*models.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return c.Send(req)
}

// Send performs req with rate limiting, retries and observers.
func (c *HTTPClient) Send(req *http.Request) (*models.Response, error) {
	ctx := req.Context()
	if err := c.limiter.Wait(ctx, req.URL.Host); err != nil {
		return nil, err
	}

	start := time.Now()
	resp, err := c.Do(req)
	if err != nil {
		elapsed := time.Since(start)
		terr := &Error{URL: req.URL.String(), Timeout: isTimeout(err), Elapsed: elapsed, Err: err}
		if terr.Timeout {
			c.metrics.Probe("timeout", elapsed)
		} else {
			c.metrics.Probe("error", elapsed)
		}
		return nil, terr
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	elapsed := time.Since(start)
	if err != nil {
		c.metrics.Probe("error", elapsed)
		return nil, &Error{URL: req.URL.String(), Timeout: isTimeout(err), Elapsed: elapsed, Err: err}
	}
	c.metrics.Probe("ok", elapsed)

	out := &models.Response{
		URL:        req.URL.String(),
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       body,
		Elapsed:    elapsed,
	}

	c.mu.Lock()
	observers := append([]Observer(nil), c.observers...)
	c.mu.Unlock()
	for _, o := range observers {
		o(req, out)
	}
	return out, nil
}

// Do wraps the standard http.Client's Do method, adding a random User-Agent
// and retrying connection errors. Timeouts are never retried: a slow answer
// is a measurement, not a fault.
func (c *HTTPClient) Do(req *http.Request) (*http.Response, error) {
	if len(c.userAgents) > 0 {
		c.mu.Lock()
		ua := c.userAgents[c.rand.Intn(len(c.userAgents))]
		c.mu.Unlock()
		req.Header.Set("User-Agent", ua)
	}

	var bodyBytes []byte
	if req.Body != nil {
		bodyBytes, _ = io.ReadAll(req.Body)
		req.Body.Close()
	}

	var resp *http.Response
	var err error
	for i := 0; i <= c.retries; i++ {
		if i > 0 {
			select {
			case <-req.Context().Done():
				return nil, req.Context().Err()
			case <-time.After(c.retryDelay):
			}
			log.Debug().Str("url", req.URL.String()).Int("attempt", i+1).Msg("Retrying request")
		}

		clonedReq := req.Clone(req.Context())
		if bodyBytes != nil {
			clonedReq.Body = io.NopCloser(bytes.NewReader(bodyBytes))
			clonedReq.ContentLength = int64(len(bodyBytes))
		}

		resp, err = c.client.Do(clonedReq)
		if err == nil {
			return resp, nil
		}
		if isTimeout(err) || req.Context().Err() != nil {
			return nil, err
		}
	}
	return nil, err
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
