// Package metrics exposes scan counters for Prometheus scraping.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

// Recorder holds the scanner metrics. A nil *Recorder is valid and records
// nothing.
type Recorder struct {
	registry *prometheus.Registry

	probesTotal   *prometheus.CounterVec
	probeSeconds  prometheus.Histogram
	verdictsTotal *prometheus.CounterVec
	findingsTotal *prometheus.CounterVec
}

// New creates a Recorder backed by its own registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		probesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blindscan_probes_total",
				Help: "HTTP probes sent, by result",
			},
			[]string{"result"},
		),
		probeSeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "blindscan_probe_duration_seconds",
				Help:    "Wall-clock duration of HTTP probes",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 4, 6, 8, 12, 20},
			},
		),
		verdictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blindscan_verdicts_total",
				Help: "Analyzer verdicts, by technique and outcome",
			},
			[]string{"technique", "outcome"},
		),
		findingsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blindscan_findings_total",
				Help: "Findings stored in the knowledge base, by namespace",
			},
			[]string{"namespace"},
		),
	}
	r.registry.MustRegister(r.probesTotal, r.probeSeconds, r.verdictsTotal, r.findingsTotal)
	return r
}

// Probe records one transport call.
func (r *Recorder) Probe(result string, elapsed time.Duration) {
	if r == nil {
		return
	}
	r.probesTotal.WithLabelValues(result).Inc()
	r.probeSeconds.Observe(elapsed.Seconds())
}

// Verdict records one analyzer decision.
func (r *Recorder) Verdict(technique, outcome string) {
	if r == nil {
		return
	}
	r.verdictsTotal.WithLabelValues(technique, outcome).Inc()
}

// Finding records one stored finding.
func (r *Recorder) Finding(namespace string) {
	if r == nil {
		return
	}
	r.findingsTotal.WithLabelValues(namespace).Inc()
}

// Registry returns the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Serve exposes /metrics on addr until ctx is done.
func (r *Recorder) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
