// Package warming re-primes cache entries after invalidation: a one-shot
// Engine that probes prioritised targets, and a Scheduler that re-warms
// targets on their own intervals.
package warming

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"revalidator/internal/config"
)

type Kind string

const (
	KindRoute    Kind = "route"
	KindAPI      Kind = "api"
	KindTag      Kind = "tag"
	KindFunction Kind = "function"
)

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

func (p Priority) rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// Target is one thing to pre-fetch. Routes and API endpoints are probed over
// HTTP, tags are invalidated, functions are looked up in the engine's
// registry by Identifier.
type Target struct {
	Kind       Kind
	Identifier string
	Priority   Priority

	// Interval > 0 makes the scheduler re-warm the target.
	Interval time.Duration
	// Retries overrides the engine default when set.
	Retries *int
	// Timeout overrides the engine default when > 0.
	Timeout time.Duration
	Headers map[string]string
	// Validate decides success from the probe response. Nil means any 2xx.
	Validate func(*http.Response) bool
}

func (t Target) key() string { return string(t.Kind) + ":" + t.Identifier }

func (t Target) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Kind            Kind     `json:"kind"`
		Identifier      string   `json:"identifier"`
		Priority        Priority `json:"priority"`
		IntervalSeconds float64  `json:"intervalSeconds,omitempty"`
		TimeoutMs       int64    `json:"timeoutMs,omitempty"`
		RetryCount      *int     `json:"retryCount,omitempty"`
	}{
		Kind:            t.Kind,
		Identifier:      t.Identifier,
		Priority:        t.Priority,
		IntervalSeconds: t.Interval.Seconds(),
		TimeoutMs:       t.Timeout.Milliseconds(),
		RetryCount:      t.Retries,
	})
}

// Result is the outcome of warming one target.
type Result struct {
	Target         Target    `json:"target"`
	Success        bool      `json:"success"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	HTTPStatus     int       `json:"httpStatus,omitempty"`
	Error          string    `json:"error,omitempty"`
	CacheHit       *bool     `json:"cacheHit,omitempty"`
	Attempts       int       `json:"attempts"`
	Timestamp      time.Time `json:"timestamp"`
}

type Summary struct {
	Total                 int     `json:"total"`
	Successful            int     `json:"successful"`
	Failed                int     `json:"failed"`
	Cached                int     `json:"cached"`
	AverageResponseTimeMs float64 `json:"averageResponseTimeMs"`
}

type SessionResult struct {
	SessionID       string    `json:"sessionId"`
	Start           time.Time `json:"start"`
	End             time.Time `json:"end"`
	TotalDurationMs int64     `json:"totalDurationMs"`
	Results         []Result  `json:"results"`
	Summary         Summary   `json:"summary"`
}

// Failed returns the identifiers of the targets that did not warm.
func (s SessionResult) Failed() []string {
	var out []string
	for _, r := range s.Results {
		if !r.Success {
			out = append(out, r.Target.Identifier)
		}
	}
	return out
}

// Succeeded returns the identifiers of the targets that warmed.
func (s SessionResult) Succeeded() []string {
	var out []string
	for _, r := range s.Results {
		if r.Success {
			out = append(out, r.Target.Identifier)
		}
	}
	return out
}

func summarize(results []Result) Summary {
	s := Summary{Total: len(results)}
	var total int64
	for _, r := range results {
		if r.Success {
			s.Successful++
		} else {
			s.Failed++
		}
		if r.CacheHit != nil && *r.CacheHit {
			s.Cached++
		}
		total += r.ResponseTimeMs
	}
	if len(results) > 0 {
		s.AverageResponseTimeMs = float64(total) / float64(len(results))
	}
	return s
}

// TargetsFromConfig converts the warming.targets section. The section is
// already validated by config.Load, so errors here mean the caller built the
// slice by hand.
func TargetsFromConfig(in []config.WarmTarget) ([]Target, error) {
	out := make([]Target, 0, len(in))
	for i, wt := range in {
		t := Target{
			Kind:       Kind(wt.Kind),
			Identifier: wt.Identifier,
			Priority:   Priority(wt.Priority),
			Retries:    wt.Retries,
			Headers:    wt.Headers,
		}
		if t.Priority == "" {
			t.Priority = PriorityNormal
		}
		switch t.Kind {
		case KindRoute, KindAPI, KindTag, KindFunction:
		default:
			return nil, fmt.Errorf("targets[%d]: unknown kind %q", i, wt.Kind)
		}
		var err error
		if wt.Interval != "" {
			if t.Interval, err = time.ParseDuration(wt.Interval); err != nil {
				return nil, fmt.Errorf("targets[%d].interval: %w", i, err)
			}
		}
		if wt.Timeout != "" {
			if t.Timeout, err = time.ParseDuration(wt.Timeout); err != nil {
				return nil, fmt.Errorf("targets[%d].timeout: %w", i, err)
			}
		}
		if wt.ExpectStatus != 0 {
			want := wt.ExpectStatus
			t.Validate = func(resp *http.Response) bool { return resp.StatusCode == want }
		}
		out = append(out, t)
	}
	return out, nil
}
