package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"revalidator/internal/cache"
	"revalidator/internal/ratelimit"
	"revalidator/internal/revalidate"
	"revalidator/internal/webhook"
)

const maxBodyBytes = 1 << 20

// revalidateBody accepts both the flat {path}|{tag} shape and the
// {targetType, targets, options} shape.
type revalidateBody struct {
	Path string `json:"path"`
	Tag  string `json:"tag"`

	Kind       revalidate.Kind       `json:"kind"`
	Source     string                `json:"source"`
	TargetType revalidate.TargetType `json:"targetType"`
	Targets    []string              `json:"targets"`
	Options    revalidate.Options    `json:"options"`
}

func (b revalidateBody) request(class ratelimit.Class) (revalidate.Request, error) {
	req := revalidate.Request{
		Kind:    revalidate.KindManual,
		Source:  b.Source,
		Options: b.Options,
	}
	switch {
	case b.TargetType != "":
		req.TargetType = b.TargetType
		req.Targets = b.Targets
	case b.Path != "":
		req.TargetType = revalidate.TargetPath
		req.Targets = []string{b.Path}
	case b.Tag != "":
		req.TargetType = revalidate.TargetTag
		req.Targets = []string{b.Tag}
	default:
		return req, fmt.Errorf("%w: one of path, tag or targetType is required", revalidate.ErrInvalidRequest)
	}
	if b.Kind == revalidate.KindScheduled {
		req.Kind = revalidate.KindScheduled
	}
	if req.Source == "" {
		req.Source = "api-" + string(class)
	}
	return req, nil
}

// setRateLimitHeaders is a no-op for classes without a limit.
func (h *Handler) setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Limit <= 0 {
		return
	}
	hdr := w.Header()
	hdr.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
	hdr.Set("X-RateLimit-Remaining", strconv.Itoa(max(d.Remaining, 0)))
	hdr.Set("X-RateLimit-Reset", strconv.FormatInt(d.ResetAtMs, 10))
}

func (h *Handler) revalidate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	class := ratelimit.ParseClass(q.Get("type"))
	client := readIP(r)

	if h.Limiter != nil {
		d := h.Limiter.Check(client, class)
		h.setRateLimitHeaders(w, d)
		if !d.Allowed {
			h.Metrics.RateLimited(string(class))
			retry := time.Until(time.UnixMilli(d.ResetAtMs))
			w.Header().Set("Retry-After", strconv.Itoa(int(max(retry.Seconds(), 1))))
			h.writeMappedError(w, r, "revalidate", ErrRateLimited)
			return
		}
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		h.writeMappedError(w, r, "revalidate", fmt.Errorf("%w: %v", revalidate.ErrInvalidRequest, err))
		return
	}
	meta := revalidate.Metadata{ClientID: client, UserAgent: r.UserAgent(), SubmittedAt: h.now().UTC()}

	var req revalidate.Request
	if class == ratelimit.ClassWebhook {
		tr, err := h.translateWebhook(r, body, meta)
		if err != nil {
			h.writeMappedError(w, r, "webhook", err)
			return
		}
		if tr.Request == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "message": tr.Ack})
			return
		}
		req = *tr.Request
	} else {
		if err := h.authorize(r, class); err != nil {
			h.writeMappedError(w, r, "revalidate", err)
			return
		}
		var b revalidateBody
		if err := json.Unmarshal(body, &b); err != nil {
			h.writeMappedError(w, r, "revalidate", fmt.Errorf("%w: %v", revalidate.ErrInvalidRequest, err))
			return
		}
		if req, err = b.request(class); err != nil {
			h.writeMappedError(w, r, "revalidate", err)
			return
		}
		req.Metadata = meta
	}
	req.ID = requestIDFromContext(r.Context())

	if err := req.Validate(); err != nil {
		h.writeMappedError(w, r, "revalidate", err)
		return
	}

	if async, _ := strconv.ParseBool(q.Get("async")); async && h.Queue != nil {
		id, err := h.Queue.Enqueue(req)
		if err != nil {
			h.writeMappedError(w, r, "revalidate", err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{
			"status":    "accepted",
			"requestId": id,
			"queue":     h.Queue.Status(),
		})
		return
	}

	res := h.Coordinator.Execute(r.Context(), req)
	status := http.StatusOK
	if !res.Success {
		status = http.StatusInternalServerError
	}
	writeJSON(w, status, res)
}

func (h *Handler) translateWebhook(r *http.Request, body []byte, meta revalidate.Metadata) (webhook.Translation, error) {
	if h.Webhooks == nil {
		return webhook.Translation{}, webhook.ErrUnknownProvider
	}
	var (
		p   webhook.Provider
		err error
	)
	if name := r.URL.Query().Get("provider"); name != "" {
		p, err = h.Webhooks.Lookup(name)
	} else {
		p, err = h.Webhooks.Detect(r.Header)
	}
	if err != nil {
		return webhook.Translation{}, err
	}
	if !p.Verify(body, r.Header.Get(p.SignatureHeader())) {
		h.sigLog.Warn("webhook signature rejected", "provider", p.Name(), "client", meta.ClientID)
		return webhook.Translation{}, fmt.Errorf("%w: bad %s signature", ErrUnauthorized, p.Name())
	}
	tr, err := p.Translate(body, r.Header, meta)
	if err != nil && !errors.Is(err, revalidate.ErrInvalidRequest) {
		err = fmt.Errorf("%w: %v", revalidate.ErrInvalidRequest, err)
	}
	return tr, err
}

func (h *Handler) introspect(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, ratelimit.ClassManual); err != nil {
		h.writeMappedError(w, r, "introspect", err)
		return
	}
	q := r.URL.Query()
	switch action := q.Get("action"); action {
	case "", "status":
		writeSuccess(w, http.StatusOK, h.statusView())
	case "config":
		writeSuccess(w, http.StatusOK, h.configView())
	case "health":
		hv := h.healthView()
		code := http.StatusOK
		if hv.Status == revalidate.Unhealthy {
			code = http.StatusServiceUnavailable
		}
		writeSuccess(w, code, hv)
	case "logs":
		query, err := h.logQuery(q)
		if err != nil {
			h.writeMappedError(w, r, "logs", err)
			return
		}
		entries := []revalidate.LogEntry{}
		if h.Log != nil {
			entries = h.Log.Query(query)
		}
		writeSuccess(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
	default:
		h.writeMappedError(w, r, "introspect", fmt.Errorf("%w: unknown action %q", revalidate.ErrInvalidRequest, action))
	}
}

func (h *Handler) resetLogs(w http.ResponseWriter, r *http.Request) {
	if err := h.authorize(r, ratelimit.ClassAdmin); err != nil {
		h.writeMappedError(w, r, "reset_logs", err)
		return
	}
	if r.URL.Query().Get("action") != "logs" {
		h.writeMappedError(w, r, "reset_logs", fmt.Errorf("%w: action=logs required", revalidate.ErrInvalidRequest))
		return
	}
	if h.Log != nil {
		h.Log.Reset()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) logQuery(q url.Values) (revalidate.Query, error) {
	get := func(k string) string { return strings.TrimSpace(q.Get(k)) }
	out := revalidate.Query{
		Kind:           revalidate.Kind(get("kind")),
		SourceContains: get("source"),
		Limit:          50,
	}
	if s := get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return out, fmt.Errorf("%w: limit must be a positive integer", revalidate.ErrInvalidRequest)
		}
		out.Limit = n
	}
	if s := get("since"); s != "" {
		t, err := parseSince(s)
		if err != nil {
			return out, fmt.Errorf("%w: since: %v", revalidate.ErrInvalidRequest, err)
		}
		out.Since = t
	}
	return out, nil
}

// parseSince accepts RFC 3339 or epoch milliseconds.
func parseSince(s string) (time.Time, error) {
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Parse(time.RFC3339, s)
}

type statusView struct {
	UptimeSeconds int64                   `json:"uptimeSeconds"`
	Queue         *revalidate.QueueStatus `json:"queue,omitempty"`
	Activity      *revalidate.Stats       `json:"activity,omitempty"`
	Scheduler     any                     `json:"scheduler,omitempty"`
	Trend         *revalidate.Trend       `json:"trend,omitempty"`
	Recent        []revalidate.LogEntry   `json:"recent,omitempty"`
}

func (h *Handler) statusView() statusView {
	v := statusView{UptimeSeconds: int64(h.now().Sub(h.startedAt).Seconds())}
	if h.Queue != nil {
		st := h.Queue.Status()
		v.Queue = &st
	}
	if h.Log != nil {
		st := h.Log.Stats()
		tr := h.Log.Trend()
		v.Activity, v.Trend = &st, &tr
		v.Recent = h.Log.Query(revalidate.Query{Limit: 10})
	}
	if h.Scheduler != nil {
		v.Scheduler = h.Scheduler.Status()
	}
	return v
}

type healthView struct {
	revalidate.Health
	Queue         *revalidate.QueueStatus `json:"queue,omitempty"`
	Cache         *cache.Stats            `json:"cache,omitempty"`
	RSSBytes      uint64                  `json:"rssBytes,omitempty"`
	UptimeSeconds int64                   `json:"uptimeSeconds"`
}

// healthView grades the activity log and downgrades a healthy result to
// degraded when the queue has built a backlog.
func (h *Handler) healthView() healthView {
	v := healthView{Health: revalidate.Health{Status: revalidate.Healthy}}
	if h.Log != nil {
		v.Health = h.Log.Health()
	}
	if h.Queue != nil {
		st := h.Queue.Status()
		v.Queue = &st
		if st.Pending > 50 && v.Status == revalidate.Healthy {
			v.Status = revalidate.Degraded
		}
	}
	if h.Cache != nil {
		st := h.Cache.Stats()
		v.Cache = &st
	}
	if rss, ok := cache.ProcessRSSBytes(); ok {
		v.RSSBytes = rss
	}
	v.UptimeSeconds = int64(h.now().Sub(h.startedAt).Seconds())
	return v
}

// configView never includes secrets; it reports whether each is set.
func (h *Handler) configView() map[string]any {
	c := h.Config
	limits := c.RateLimit.Limits
	window := c.RateLimit.WindowDur
	if h.Limiter != nil {
		limits, window = h.Limiter.Limits(), h.Limiter.Window()
	}
	var targets any = []any{}
	if h.Warmer != nil {
		targets = h.Warmer.Targets()
	}
	return map[string]any{
		"rateLimit": map[string]any{
			"windowMs": window.Milliseconds(),
			"limits":   limits,
		},
		"revalidation": map[string]any{
			"batchSize":    c.Revalidation.BatchSize,
			"batchDelayMs": c.Revalidation.BatchDelayDur.Milliseconds(),
			"maxLogs":      c.Revalidation.MaxLogs,
			"knownPaths":   c.Revalidation.KnownPaths,
			"knownTags":    c.Revalidation.KnownTags,
			"tagPaths":     c.Revalidation.TagPaths,
			"cascade":      c.Revalidation.Cascade,
		},
		"warming": map[string]any{
			"baseURL":     c.Warming.BaseURL,
			"concurrency": c.Warming.Concurrency,
			"timeoutMs":   c.Warming.TimeoutDur.Milliseconds(),
			"retries":     c.Warming.Retries,
			"targets":     targets,
		},
		"webhooks": map[string]bool{
			"trello":  c.Webhooks.Trello.Secret != "",
			"github":  c.Webhooks.GitHub.Secret != "",
			"generic": c.Webhooks.Generic.Secret != "",
		},
		"auth": map[string]bool{
			"manual": c.Auth.ManualSecret != "",
			"admin":  c.Auth.AdminSecret != "",
		},
	}
}

var errNoWarmer = errors.New("warming engine not configured")
