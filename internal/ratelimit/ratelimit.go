// Package ratelimit implements the fixed-window limiter guarding the
// revalidation endpoints.
package ratelimit

import (
	"sort"
	"strings"
	"sync"
	"time"
)

// Class separates limits by how a request reached the service.
type Class string

const (
	ClassManual  Class = "manual"
	ClassWebhook Class = "webhook"
	ClassAdmin   Class = "admin"
)

// ParseClass maps the ?type= query value to a Class. Unknown values fall back
// to manual, the strictest default limit.
func ParseClass(s string) Class {
	switch Class(strings.ToLower(strings.TrimSpace(s))) {
	case ClassWebhook:
		return ClassWebhook
	case ClassAdmin:
		return ClassAdmin
	default:
		return ClassManual
	}
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed   bool  `json:"allowed"`
	Limit     int   `json:"limit"`
	Remaining int   `json:"remaining"`
	ResetAtMs int64 `json:"resetAt"`
}

type window struct {
	count   int
	resetAt time.Time
}

// Limiter counts requests per (client, class) in fixed windows.
type Limiter struct {
	window time.Duration
	limits map[Class]int
	now    func() time.Time

	mu   sync.Mutex
	keys map[string]*window
}

// New builds a limiter. Classes missing from limits are not limited.
func New(windowLen time.Duration, limits map[Class]int) *Limiter {
	l := &Limiter{
		window: windowLen,
		limits: make(map[Class]int, len(limits)),
		now:    time.Now,
		keys:   map[string]*window{},
	}
	for c, n := range limits {
		l.limits[c] = n
	}
	return l
}

// FromConfig adapts the rateLimit.limits map (lowercase class names).
func FromConfig(windowLen time.Duration, limits map[string]int) *Limiter {
	m := make(map[Class]int, len(limits))
	for k, v := range limits {
		m[Class(k)] = v
	}
	return New(windowLen, m)
}

// Check records one request and decides whether it is allowed.
//
// The counter is consumed before the limit is checked, so with limit N the
// Nth request in a window is allowed and reports Remaining=0. Rejected
// requests do not advance the counter.
func (l *Limiter) Check(clientID string, class Class) Decision {
	limit, limited := l.limits[class]
	now := l.now()
	key := string(class) + "|" + clientID

	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.keys[key]
	if !ok || !now.Before(w.resetAt) {
		w = &window{count: 1, resetAt: now.Add(l.window)}
		l.keys[key] = w
		return decision(true, limit, limited, w)
	}
	if limited && w.count >= limit {
		return Decision{Allowed: false, Limit: limit, Remaining: 0, ResetAtMs: w.resetAt.UnixMilli()}
	}
	w.count++
	return decision(true, limit, limited, w)
}

func decision(allowed bool, limit int, limited bool, w *window) Decision {
	d := Decision{Allowed: allowed, Limit: limit, ResetAtMs: w.resetAt.UnixMilli()}
	if limited {
		d.Remaining = limit - w.count
		if d.Remaining < 0 {
			d.Remaining = 0
		}
	} else {
		d.Remaining = -1
	}
	return d
}

// Sweep drops windows that have already reset and returns how many were
// removed.
func (l *Limiter) Sweep() int {
	now := l.now()
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for k, w := range l.keys {
		if !now.Before(w.resetAt) {
			delete(l.keys, k)
			n++
		}
	}
	return n
}

// Limits returns the configured per-class limits, for the config endpoint.
func (l *Limiter) Limits() map[string]int {
	out := make(map[string]int, len(l.limits))
	for c, n := range l.limits {
		out[string(c)] = n
	}
	return out
}

func (l *Limiter) Window() time.Duration { return l.window }

// Clients lists the tracked keys, sorted. Intended for diagnostics.
func (l *Limiter) Clients() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.keys))
	for k := range l.keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
