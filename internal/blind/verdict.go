// Package blind decides whether a parameter is vulnerable to blind SQL
// injection. Two analyzers are provided: DiffAnalyzer compares responses to
// boolean true/false statements, TimingAnalyzer measures server-side delays.
package blind

import (
	"context"
	"fmt"
	"time"

	"blindscan/internal/models"
	"blindscan/internal/mutant"
	"blindscan/internal/similarity"
)

// Fetcher performs one probe. *requester.HTTPClient implements it.
type Fetcher interface {
	Fetch(ctx context.Context, m mutant.Mutant) (*models.Response, error)
}

// Outcome is the tag of a Verdict.
type Outcome int

const (
	NotInjectable Outcome = iota
	Injectable
	Inconclusive
)

func (o Outcome) String() string {
	switch o {
	case Injectable:
		return "injectable"
	case Inconclusive:
		return "inconclusive"
	default:
		return "not_injectable"
	}
}

// Technique names the analyzer that produced a verdict.
type Technique string

const (
	TechniqueDifferential Technique = "differential"
	TechniqueTiming       Technique = "timing"
)

// TimingSample is the elapsed time of one probe.
type TimingSample struct {
	Payload  string        `json:"payload"`
	Elapsed  time.Duration `json:"elapsed"`
	TimedOut bool          `json:"timed_out,omitempty"`
}

// Evidence is what a verdict is based on.
type Evidence struct {
	Reason string `json:"reason,omitempty"`
	// Exhausted is set when no probe could be fetched at all: absence of
	// evidence rather than a confirmed negative.
	Exhausted bool `json:"exhausted,omitempty"`
	// Inconclusive flags a NotInjectable verdict that rests on failed probes.
	Inconclusive bool `json:"inconclusive,omitempty"`
	Failures     int  `json:"failures,omitempty"`

	Dialect      string                  `json:"dialect,omitempty"`
	TruePayload  string                  `json:"true_payload,omitempty"`
	FalsePayload string                  `json:"false_payload,omitempty"`
	Baseline     *similarity.Fingerprint `json:"-"`
	True         *similarity.Fingerprint `json:"-"`
	False        *similarity.Fingerprint `json:"-"`
	TrueScore    float64                 `json:"true_score,omitempty"`
	FalseScore   float64                 `json:"false_score,omitempty"`
	EqLimit      float64                 `json:"eq_limit,omitempty"`

	Control       []TimingSample `json:"control,omitempty"`
	Delayed       []TimingSample `json:"delayed,omitempty"`
	Recheck       []TimingSample `json:"recheck,omitempty"`
	ExpectedDelay time.Duration  `json:"expected_delay,omitempty"`
	Tolerance     time.Duration  `json:"tolerance,omitempty"`
}

// Verdict is the result of one analyzer run over one parameter. "Not
// injectable" is an ordinary value, never an error.
type Verdict struct {
	Outcome   Outcome
	Technique Technique
	Payload   string
	Evidence  Evidence
}

// Injectable reports whether v confirms an injection.
func (v Verdict) Injectable() bool { return v.Outcome == Injectable }

func notInjectable(t Technique, reason string) Verdict {
	return Verdict{Outcome: NotInjectable, Technique: t, Evidence: Evidence{Reason: reason}}
}

func inconclusive(t Technique, reason string) Verdict {
	return Verdict{Outcome: Inconclusive, Technique: t, Evidence: Evidence{Reason: reason}}
}

// Lines renders the evidence for reports.
func (v Verdict) Lines() []string {
	e := v.Evidence
	var lines []string
	switch v.Technique {
	case TechniqueDifferential:
		lines = append(lines,
			fmt.Sprintf("dialect: %s", e.Dialect),
			fmt.Sprintf("true payload: %s (similarity to baseline %.3f)", e.TruePayload, e.TrueScore),
			fmt.Sprintf("false payload: %s (similarity to baseline %.3f)", e.FalsePayload, e.FalseScore),
			fmt.Sprintf("equality threshold: %.3f", e.EqLimit),
		)
		if e.Baseline != nil && e.True != nil && e.False != nil {
			lines = append(lines, fmt.Sprintf("status codes baseline/true/false: %d/%d/%d",
				e.Baseline.StatusCode, e.True.StatusCode, e.False.StatusCode))
		}
	case TechniqueTiming:
		lines = append(lines, fmt.Sprintf("expected delay: %s, tolerance: %s", e.ExpectedDelay, e.Tolerance))
		for _, s := range e.Control {
			lines = append(lines, fmt.Sprintf("control %q: %s", s.Payload, s.Elapsed.Round(time.Millisecond)))
		}
		for _, s := range e.Delayed {
			lines = append(lines, fmt.Sprintf("delay %q: %s timed_out=%t", s.Payload, s.Elapsed.Round(time.Millisecond), s.TimedOut))
		}
		for _, s := range e.Recheck {
			lines = append(lines, fmt.Sprintf("control recheck %q: %s", s.Payload, s.Elapsed.Round(time.Millisecond)))
		}
	}
	if e.Reason != "" {
		lines = append(lines, "reason: "+e.Reason)
	}
	return lines
}
