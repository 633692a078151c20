package warming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"revalidator/internal/backend"
	"revalidator/internal/config"
	"revalidator/internal/metrics"
)

var tracer = otel.Tracer("revalidator.warming")

// ErrUnknownMode is returned by Run for a mode other than the Mode constants.
var ErrUnknownMode = errors.New("unknown warming mode")

// NamedFunc primes a server-side cache that is not reachable by URL.
type NamedFunc func(ctx context.Context) error

type Mode string

const (
	ModeCritical   Mode = "critical"
	ModeSmart      Mode = "smart"
	ModeDeployment Mode = "deployment"
	ModeAll        Mode = "all"
)

// Options controls one Warm session. A zero Concurrency uses the engine
// default; an empty PriorityFilter keeps every target.
type Options struct {
	Concurrency       int
	RespectPriorities bool
	PriorityFilter    []Priority
}

type Engine struct {
	baseURL          string
	client           *http.Client
	concurrency      int
	timeout          time.Duration
	retries          int
	retryDelay       time.Duration
	propagationDelay time.Duration
	stagger          map[Priority]time.Duration
	limiter          *rate.Limiter
	policy           RetryPolicy
	location         *time.Location
	businessHours    [2]int
	knownTags        []string

	invalidator backend.Backend
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time

	flight singleflight.Group

	mu      sync.RWMutex
	targets []Target
	funcs   map[string]NamedFunc
}

// NewEngine builds an engine from the warming section of cfg. inv is used
// for tag targets and deployment warming; it may be nil when neither is used.
func NewEngine(cfg config.Config, inv backend.Backend, m *metrics.Metrics, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	w := cfg.Warming
	targets, err := TargetsFromConfig(w.Targets)
	if err != nil {
		return nil, fmt.Errorf("warming.%w", err)
	}
	e := &Engine{
		baseURL:          strings.TrimRight(w.BaseURL, "/"),
		client:           &http.Client{},
		concurrency:      w.Concurrency,
		timeout:          w.TimeoutDur,
		retryDelay:       w.RetryDelayDur,
		propagationDelay: w.PropagationDelayDur,
		stagger:          map[Priority]time.Duration{},
		policy:           DefaultRetryPolicy(),
		location:         w.Location,
		businessHours:    w.BusinessHours,
		knownTags:        append([]string(nil), cfg.Revalidation.KnownTags...),
		invalidator:      inv,
		metrics:          m,
		logger:           logger,
		now:              time.Now,
		targets:          targets,
		funcs:            map[string]NamedFunc{},
	}
	if w.Retries != nil {
		e.retries = *w.Retries
	}
	for k, d := range w.StaggerDur {
		e.stagger[Priority(k)] = d
	}
	if w.MaxRPS > 0 {
		e.limiter = rate.NewLimiter(rate.Limit(w.MaxRPS), max(1, int(w.MaxRPS)))
	}
	if e.location == nil {
		e.location = time.Local
	}
	if e.concurrency <= 0 {
		e.concurrency = 1
	}
	return e, nil
}

// RegisterFunc binds a function target identifier to fn.
func (e *Engine) RegisterFunc(name string, fn NamedFunc) {
	e.mu.Lock()
	e.funcs[name] = fn
	e.mu.Unlock()
}

// Targets returns a copy of the registry.
func (e *Engine) Targets() []Target {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return append([]Target(nil), e.targets...)
}

// SetTargets replaces the registry, e.g. after a config reload.
func (e *Engine) SetTargets(ts []Target) {
	e.mu.Lock()
	e.targets = append([]Target(nil), ts...)
	e.mu.Unlock()
}

// Warm runs one session over targets. Every target is attempted and a
// report is always returned; cancelling ctx does not stop the session.
func (e *Engine) Warm(ctx context.Context, targets []Target, opts Options) SessionResult {
	ctx = context.WithoutCancel(ctx)
	sessionID := uuid.NewString()
	ctx, span := tracer.Start(ctx, "warming.Warm")
	defer span.End()

	list := filterByPriority(targets, opts.PriorityFilter)
	if opts.RespectPriorities {
		sort.SliceStable(list, func(i, j int) bool { return list[i].Priority.rank() < list[j].Priority.rank() })
	}
	conc := opts.Concurrency
	if conc <= 0 {
		conc = e.concurrency
	}
	span.SetAttributes(
		attribute.String("session_id", sessionID),
		attribute.Int("targets", len(list)),
		attribute.Int("concurrency", conc),
	)

	start := e.now()
	results := make([]Result, len(list))
	for lo := 0; lo < len(list); lo += conc {
		hi := min(lo+conc, len(list))
		var g errgroup.Group
		for i := lo; i < hi; i++ {
			t := list[i]
			delay := time.Duration(i-lo) * e.stagger[t.Priority]
			g.Go(func() error {
				if delay > 0 {
					_ = sleep(ctx, delay)
				}
				results[i] = e.WarmOne(ctx, t)
				return nil
			})
		}
		_ = g.Wait()
	}
	end := e.now()

	sess := SessionResult{
		SessionID:       sessionID,
		Start:           start,
		End:             end,
		TotalDurationMs: end.Sub(start).Milliseconds(),
		Results:         results,
		Summary:         summarize(results),
	}
	if sess.Summary.Failed > 0 {
		span.SetStatus(codes.Error, fmt.Sprintf("%d targets failed", sess.Summary.Failed))
	}
	e.logger.Info("warming session finished",
		"session_id", sessionID,
		"total", sess.Summary.Total,
		"successful", sess.Summary.Successful,
		"failed", sess.Summary.Failed,
		"cached", sess.Summary.Cached,
		"duration_ms", sess.TotalDurationMs,
	)
	return sess
}

// WarmOne warms a single target. Concurrent calls for the same target with
// the same effective timeout and retry count share one execution, and the
// joiners get the result produced under the first caller's context.
func (e *Engine) WarmOne(ctx context.Context, t Target) Result {
	v, _, _ := e.flight.Do(e.flightKey(t), func() (any, error) {
		return e.warmOne(ctx, t), nil
	})
	return v.(Result)
}

func (e *Engine) flightKey(t Target) string {
	return fmt.Sprintf("%s|%s|%d", t.key(), e.targetTimeout(t), e.targetRetries(t))
}

func (e *Engine) targetTimeout(t Target) time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return e.timeout
}

func (e *Engine) targetRetries(t Target) int {
	if t.Retries != nil {
		return *t.Retries
	}
	return e.retries
}

func (e *Engine) warmOne(ctx context.Context, t Target) Result {
	start := e.now()
	res := Result{Target: t, Timestamp: start.UTC(), Attempts: 1}

	var err error
	switch t.Kind {
	case KindFunction:
		e.mu.RLock()
		fn, ok := e.funcs[t.Identifier]
		e.mu.RUnlock()
		if !ok {
			err = fmt.Errorf("no function registered as %q", t.Identifier)
		} else {
			e.withRetry(ctx, t, &res, fn)
		}
	case KindTag:
		if e.invalidator == nil {
			err = errors.New("no invalidator configured for tag targets")
		} else {
			err = e.invalidator.InvalidateTag(ctx, t.Identifier)
		}
	case KindRoute, KindAPI:
		e.withRetry(ctx, t, &res, func(ctx context.Context) error {
			status, hit, err := e.probe(ctx, t)
			res.HTTPStatus, res.CacheHit = status, hit
			return err
		})
	default:
		err = fmt.Errorf("unknown target kind %q", t.Kind)
	}
	if t.Kind == KindTag || err != nil {
		res.Success = err == nil
		if err != nil {
			res.Error = err.Error()
		}
	}

	d := e.now().Sub(start)
	res.ResponseTimeMs = d.Milliseconds()
	e.metrics.ObserveWarming(string(t.Kind), string(t.Priority), res.Success, d)
	if !res.Success {
		e.logger.Warn("warming target failed",
			"target", t.Identifier, "kind", t.Kind, "attempt", res.Attempts, "error", res.Error)
	}
	return res
}

// withRetry runs attempt until it succeeds, the retry budget is spent or the
// policy calls the error terminal. It records attempts, success and the last
// error on res.
func (e *Engine) withRetry(ctx context.Context, t Target, res *Result, attempt func(context.Context) error) {
	retries := e.targetRetries(t)
	for i := 0; i <= retries; i++ {
		if i > 0 {
			if err := sleep(ctx, e.retryDelay); err != nil {
				break
			}
		}
		res.Attempts = i + 1
		err := attempt(ctx)
		if err == nil {
			res.Success = true
			res.Error = ""
			return
		}
		res.Error = err.Error()
		if !e.policy.retryable(err) {
			break
		}
	}
}

func (e *Engine) probe(ctx context.Context, t Target) (int, *bool, error) {
	timeout := e.targetTimeout(t)
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if e.limiter != nil {
		if err := e.limiter.Wait(pctx); err != nil {
			return 0, nil, fmt.Errorf("rate limit wait: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(pctx, http.MethodGet, e.baseURL+t.Identifier, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("User-Agent", "revalidator-warmer/1.0")
	req.Header.Set("X-Cache-Warming", "true")
	req.Header.Set("X-Warming-Priority", string(t.Priority))
	req.Header.Set("Cache-Control", "no-cache")
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		return 0, nil, timeoutErr(err, timeout)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return resp.StatusCode, nil, timeoutErr(err, timeout)
	}

	hit := cacheHit(resp.Header)
	ok := resp.StatusCode >= 200 && resp.StatusCode < 300
	if t.Validate != nil {
		ok = t.Validate(resp)
	}
	if !ok {
		return resp.StatusCode, hit, fmt.Errorf("validation failed: status %d", resp.StatusCode)
	}
	return resp.StatusCode, hit, nil
}

func timeoutErr(err error, timeout time.Duration) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("timeout after %s: %w", timeout, err)
	}
	return err
}

// cacheHit reads the X-Cache / CF-Cache-Status convention. Nil means the
// response carried neither header.
func cacheHit(h http.Header) *bool {
	for _, name := range []string{"X-Cache", "CF-Cache-Status"} {
		if v := h.Get(name); v != "" {
			hit := strings.Contains(strings.ToUpper(v), "HIT")
			return &hit
		}
	}
	return nil
}

func filterByPriority(targets []Target, keep []Priority) []Target {
	if len(keep) == 0 {
		return append([]Target(nil), targets...)
	}
	out := make([]Target, 0, len(targets))
	for _, t := range targets {
		for _, p := range keep {
			if t.Priority == p {
				out = append(out, t)
				break
			}
		}
	}
	return out
}

// WarmCritical warms the critical targets of the registry.
func (e *Engine) WarmCritical(ctx context.Context) SessionResult {
	return e.Warm(ctx, e.Targets(), Options{
		RespectPriorities: true,
		PriorityFilter:    []Priority{PriorityCritical},
	})
}

// SmartFilter picks the priorities worth warming at now: everything but low
// during weekday business hours, critical and high on weekday evenings,
// critical only at weekends.
func (e *Engine) SmartFilter(now time.Time) []Priority {
	t := now.In(e.location)
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return []Priority{PriorityCritical}
	}
	if h := t.Hour(); h >= e.businessHours[0] && h < e.businessHours[1] {
		return []Priority{PriorityCritical, PriorityHigh, PriorityNormal}
	}
	return []Priority{PriorityCritical, PriorityHigh}
}

func (e *Engine) WarmSmart(ctx context.Context) SessionResult {
	return e.Warm(ctx, e.Targets(), Options{
		RespectPriorities: true,
		PriorityFilter:    e.SmartFilter(e.now()),
	})
}

// WarmDeployment invalidates every known tag, waits for the purge to
// propagate, then warms critical and high targets at reduced concurrency.
func (e *Engine) WarmDeployment(ctx context.Context) SessionResult {
	ctx = context.WithoutCancel(ctx)
	if e.invalidator != nil {
		for _, tag := range e.knownTags {
			if err := e.invalidator.InvalidateTag(ctx, tag); err != nil {
				e.logger.Warn("deployment tag invalidation failed", "tag", tag, "error", err)
			}
		}
	}
	_ = sleep(ctx, e.propagationDelay)
	return e.Warm(ctx, e.Targets(), Options{
		Concurrency:       max(1, e.concurrency/2),
		RespectPriorities: true,
		PriorityFilter:    []Priority{PriorityCritical, PriorityHigh},
	})
}

func (e *Engine) WarmAll(ctx context.Context) SessionResult {
	return e.Warm(ctx, e.Targets(), Options{RespectPriorities: true})
}

// Run dispatches on a mode name as accepted by the API and CLI.
func (e *Engine) Run(ctx context.Context, mode Mode) (SessionResult, error) {
	switch mode {
	case ModeCritical:
		return e.WarmCritical(ctx), nil
	case ModeSmart:
		return e.WarmSmart(ctx), nil
	case ModeDeployment:
		return e.WarmDeployment(ctx), nil
	case ModeAll:
		return e.WarmAll(ctx), nil
	default:
		return SessionResult{}, fmt.Errorf("%w: %q", ErrUnknownMode, mode)
	}
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
