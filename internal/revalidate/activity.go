package revalidate

import (
	"strings"
	"sync"
	"time"
)

// ActivityLog keeps the most recent revalidation log entries in memory.
type ActivityLog struct {
	mu    sync.Mutex
	buf   []LogEntry
	start int
	n     int
	now   func() time.Time
}

func NewActivityLog(max int) *ActivityLog {
	if max <= 0 {
		max = 1000
	}
	return &ActivityLog{buf: make([]LogEntry, max), now: time.Now}
}

// Append adds e, evicting the oldest entry when full.
func (l *ActivityLog) Append(e LogEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = e
		l.n++
		return
	}
	l.buf[l.start] = e
	l.start = (l.start + 1) % len(l.buf)
}

func (l *ActivityLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.n
}

func (l *ActivityLog) Cap() int { return len(l.buf) }

func (l *ActivityLog) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	clear(l.buf)
	l.start, l.n = 0, 0
}

// Query filters the log. Zero fields do not filter.
type Query struct {
	Kind           Kind
	SourceContains string
	Since          time.Time
	Limit          int
}

// Query returns matching entries, most recent first.
func (l *ActivityLog) Query(q Query) []LogEntry {
	out := []LogEntry{}
	for _, e := range l.snapshot() {
		if q.Kind != "" && e.Kind != q.Kind {
			continue
		}
		if q.SourceContains != "" && !strings.Contains(strings.ToLower(e.Source), strings.ToLower(q.SourceContains)) {
			continue
		}
		if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out
}

// snapshot copies the entries newest first.
func (l *ActivityLog) snapshot() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogEntry, 0, l.n)
	for i := l.n - 1; i >= 0; i-- {
		out = append(out, l.buf[(l.start+i)%len(l.buf)])
	}
	return out
}

type Stats struct {
	Total                   int          `json:"total"`
	Successful              int          `json:"successful"`
	Partial                 int          `json:"partial"`
	Failed                  int          `json:"failed"`
	ByKind                  map[Kind]int `json:"byKind"`
	SuccessRate             float64      `json:"successRate"`
	AverageProcessingTimeMs float64      `json:"averageProcessingTimeMs"`
	LastActivity            *time.Time   `json:"lastActivity,omitempty"`
}

func (l *ActivityLog) Stats() Stats {
	return statsOf(l.snapshot())
}

func statsOf(entries []LogEntry) Stats {
	s := Stats{Total: len(entries), ByKind: map[Kind]int{}}
	var total int64
	for _, e := range entries {
		switch e.Result {
		case LogSuccess:
			s.Successful++
		case LogPartial:
			s.Partial++
		case LogFailed:
			s.Failed++
		}
		s.ByKind[e.Kind]++
		total += e.ProcessingTimeMs
	}
	if len(entries) > 0 {
		s.SuccessRate = 100 * float64(s.Successful) / float64(len(entries))
		s.AverageProcessingTimeMs = float64(total) / float64(len(entries))
		last := entries[0].Timestamp
		s.LastActivity = &last
	}
	return s
}

type HealthStatus string

const (
	Healthy   HealthStatus = "healthy"
	Degraded  HealthStatus = "degraded"
	Unhealthy HealthStatus = "unhealthy"
)

// healthSample is how many recent entries Health looks at.
const healthSample = 20

type Health struct {
	Status       HealthStatus `json:"status"`
	Sampled      int          `json:"sampled"`
	FailureRate  float64      `json:"failureRate"`
	LastFailure  *time.Time   `json:"lastFailure,omitempty"`
	LastActivity *time.Time   `json:"lastActivity,omitempty"`
}

// Health grades the most recent entries: unhealthy at half or more failing,
// degraded when any failed or partial entry is among them. Partial entries
// count half.
func (l *ActivityLog) Health() Health {
	recent := l.snapshot()
	if len(recent) > healthSample {
		recent = recent[:healthSample]
	}
	h := Health{Status: Healthy, Sampled: len(recent)}
	if len(recent) == 0 {
		return h
	}
	var bad float64
	for i := range recent {
		e := recent[i]
		switch e.Result {
		case LogFailed:
			bad++
		case LogPartial:
			bad += 0.5
		default:
			continue
		}
		if h.LastFailure == nil {
			ts := e.Timestamp
			h.LastFailure = &ts
		}
	}
	last := recent[0].Timestamp
	h.LastActivity = &last
	h.FailureRate = bad / float64(len(recent))
	switch {
	case h.FailureRate >= 0.5:
		h.Status = Unhealthy
	case bad > 0:
		h.Status = Degraded
	}
	return h
}

type TrendDirection string

const (
	Improving TrendDirection = "improving"
	Stable    TrendDirection = "stable"
	Degrading TrendDirection = "degrading"
)

type Trend struct {
	Direction     TrendDirection `json:"direction"`
	CurrentRate   float64        `json:"currentSuccessRate"`
	PreviousRate  float64        `json:"previousSuccessRate"`
	CurrentCount  int            `json:"currentCount"`
	PreviousCount int            `json:"previousCount"`
}

// trendThreshold is the success-rate change, in percentage points, needed to
// call a trend.
const trendThreshold = 5.0

// Trend compares the success rate of the last hour with the hour before.
// Without entries in both hours the trend is stable.
func (l *ActivityLog) Trend() Trend {
	now := l.now()
	var cur, prev []LogEntry
	for _, e := range l.snapshot() {
		age := now.Sub(e.Timestamp)
		switch {
		case age < time.Hour:
			cur = append(cur, e)
		case age < 2*time.Hour:
			prev = append(prev, e)
		}
	}
	t := Trend{
		Direction:     Stable,
		CurrentRate:   statsOf(cur).SuccessRate,
		PreviousRate:  statsOf(prev).SuccessRate,
		CurrentCount:  len(cur),
		PreviousCount: len(prev),
	}
	if len(cur) == 0 || len(prev) == 0 {
		return t
	}
	switch d := t.CurrentRate - t.PreviousRate; {
	case d > trendThreshold:
		t.Direction = Improving
	case d < -trendThreshold:
		t.Direction = Degrading
	}
	return t
}
