package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revalidator/internal/config"
	"revalidator/internal/metrics"
	"revalidator/internal/ratelimit"
	"revalidator/internal/revalidate"
	"revalidator/internal/warming"
	"revalidator/internal/webhook"
)

type fakeBackend struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (f *fakeBackend) record(target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, target)
	if f.fail[target] {
		return errors.New("purge rejected")
	}
	return nil
}

func (f *fakeBackend) InvalidatePath(_ context.Context, p string) error { return f.record(p) }
func (f *fakeBackend) InvalidateTag(_ context.Context, t string) error  { return f.record(t) }

func (f *fakeBackend) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fakeWarmer struct {
	mu    sync.Mutex
	modes []warming.Mode
}

func (f *fakeWarmer) Run(_ context.Context, mode warming.Mode) (warming.SessionResult, error) {
	switch mode {
	case warming.ModeCritical, warming.ModeSmart, warming.ModeDeployment, warming.ModeAll:
	default:
		return warming.SessionResult{}, fmt.Errorf("%w: %q", warming.ErrUnknownMode, mode)
	}
	f.mu.Lock()
	f.modes = append(f.modes, mode)
	f.mu.Unlock()
	return warming.SessionResult{SessionID: "s-" + string(mode), Summary: warming.Summary{Total: 1, Successful: 1}}, nil
}

func (f *fakeWarmer) Targets() []warming.Target {
	return []warming.Target{{Kind: warming.KindRoute, Identifier: "/", Priority: warming.PriorityCritical}}
}

type fixture struct {
	router  http.Handler
	backend *fakeBackend
	warmer  *fakeWarmer
	queue   *revalidate.Queue
	log     *revalidate.ActivityLog
}

const testConfig = `
server:
  origin: http://origin.local
auth:
  manualSecret: m-secret
  adminSecret: a-secret
rateLimit:
  limits:
    manual: 3
webhooks:
  github:
    secret: g-secret
    targets: ["/blog"]
  generic:
    secret: w-secret
`

func newFixture(t *testing.T, opts ...func(*Deps)) *fixture {
	t.Helper()
	cfg, err := config.Parse([]byte(testConfig))
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	f := &fixture{backend: &fakeBackend{fail: map[string]bool{"/broken": true}}, warmer: &fakeWarmer{}}
	f.log = revalidate.NewActivityLog(cfg.Revalidation.MaxLogs)
	coord := revalidate.NewCoordinator(cfg.Revalidation, f.backend, nil, f.log, m, logger)
	f.queue = revalidate.NewQueue(coord, 0, m, logger)
	t.Cleanup(f.queue.Close)

	d := Deps{
		Config:      cfg,
		Coordinator: coord,
		Queue:       f.queue,
		Log:         f.log,
		Limiter:     ratelimit.FromConfig(cfg.RateLimit.WindowDur, cfg.RateLimit.Limits),
		Webhooks:    webhook.NewRegistry(cfg.Webhooks),
		Warmer:      f.warmer,
		Scheduler:   warming.NewScheduler(nil, nil, logger),
		Proxy: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Cache", "MISS")
			_, _ = io.WriteString(w, "proxied "+r.Method+" "+r.URL.Path)
		}),
		Gatherer: reg,
		Metrics:  m,
		Logger:   logger,
	}
	for _, o := range opts {
		o(&d)
	}
	f.router = NewRouter(NewHandler(d))
	return f
}

func (f *fixture) do(method, target, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, req)
	return rec
}

func bearer(tok string) map[string]string { return map[string]string{"Authorization": "Bearer " + tok} }

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type envelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data"`
	Error  struct {
		Code      string `json:"code"`
		Message   string `json:"message"`
		RequestID string `json:"request_id"`
	} `json:"error"`
}

func TestRevalidate_LegacyPath(t *testing.T) {
	f := newFixture(t)
	hdr := bearer("m-secret")
	hdr["X-Request-Id"] = "req-42"

	rec := f.do(http.MethodPost, "/api/revalidate", `{"path":"/blog"}`, hdr)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[revalidate.Result](t, rec)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"/blog"}, res.RevalidatedPaths)
	assert.Equal(t, "req-42", res.RequestID)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "2", rec.Header().Get("X-RateLimit-Remaining"))

	entries := f.log.Query(revalidate.Query{})
	require.Len(t, entries, 1)
	assert.Equal(t, "api-manual", entries[0].Source)
	assert.Equal(t, "req-42", entries[0].RequestID)
}

func TestRevalidate_AdvancedTagWithQueryToken(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/revalidate?type=admin&token=a-secret",
		`{"targetType":"tag","targets":["workshops"],"options":{"cascade":true}}`, nil)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	res := decode[revalidate.Result](t, rec)
	assert.Subset(t, res.RevalidatedTags, []string{"workshops", "homepage"})
}

func TestRevalidate_Unauthorized(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/revalidate", `{"path":"/"}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	env := decode[envelope](t, rec)
	assert.Equal(t, "error", env.Status)
	assert.Equal(t, "UNAUTHORIZED", env.Error.Code)
	assert.NotEmpty(t, env.Error.RequestID)

	// The manual secret does not grant the admin class.
	rec = f.do(http.MethodPost, "/api/revalidate?type=admin", `{"path":"/"}`, bearer("m-secret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Empty(t, f.backend.seen())
}

func TestRevalidate_RateLimited(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		rec := f.do(http.MethodPost, "/api/revalidate", `{"path":"/"}`, bearer("m-secret"))
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec := f.do(http.MethodPost, "/api/revalidate", `{"path":"/"}`, bearer("m-secret"))
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.Equal(t, "RATE_LIMITED", decode[envelope](t, rec).Error.Code)

	// Another class has its own window.
	rec = f.do(http.MethodPost, "/api/revalidate?type=admin", `{"path":"/"}`, bearer("a-secret"))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRevalidate_UnlimitedClassHasNoRateLimitHeaders(t *testing.T) {
	f := newFixture(t, func(d *Deps) {
		d.Limiter = ratelimit.New(time.Minute, map[ratelimit.Class]int{ratelimit.ClassManual: 3})
	})

	rec := f.do(http.MethodPost, "/api/revalidate?type=admin", `{"path":"/"}`, bearer("a-secret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))
	assert.Empty(t, rec.Header().Get("X-RateLimit-Reset"))

	rec = f.do(http.MethodPost, "/api/revalidate", `{"path":"/"}`, bearer("m-secret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "3", rec.Header().Get("X-RateLimit-Limit"))
}

func TestRevalidate_ValidationErrors(t *testing.T) {
	f := newFixture(t)
	for _, body := range []string{
		`{}`,
		`not json`,
		`{"targetType":"path","targets":["blog"]}`,
		`{"targetType":"bogus","targets":["/"]}`,
		`{"targetType":"selective","targets":["/"],"options":{"priority":"urgent"}}`,
	} {
		rec := f.do(http.MethodPost, "/api/revalidate?type=admin", body, bearer("a-secret"))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
		assert.Equal(t, "VALIDATION_ERROR", decode[envelope](t, rec).Error.Code, body)
	}
	assert.Empty(t, f.backend.seen())
	assert.Zero(t, f.log.Len())
}

func TestRevalidate_PartialFailureReportsFailedSubset(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/revalidate",
		`{"targetType":"path","targets":["/a","/broken","/c"]}`, bearer("m-secret"))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	res := decode[revalidate.Result](t, rec)
	assert.False(t, res.Success)
	assert.Equal(t, []string{"path:/broken"}, res.FailedOperations)
	assert.Equal(t, []string{"/a", "/c"}, res.RevalidatedPaths)
}

func TestRevalidate_Async(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodPost, "/api/revalidate?async=true", `{"tag":"blog"}`, bearer("m-secret"))

	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "accepted", body["status"])
	assert.NotEmpty(t, body["requestId"])

	f.queue.Close()
	assert.Contains(t, f.backend.seen(), "blog")
	assert.Equal(t, int64(1), f.queue.Status().Processed)
}

func TestRevalidate_Webhooks(t *testing.T) {
	f := newFixture(t)

	generic := `{"targetType":"path","targets":["/privacidad"]}`
	rec := f.do(http.MethodPost, "/api/revalidate?type=webhook", generic,
		map[string]string{"X-Webhook-Signature": webhook.Sign([]byte(generic), "w-secret", webhook.Generic)})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"/privacidad"}, decode[revalidate.Result](t, rec).RevalidatedPaths)
	assert.Equal(t, revalidate.KindWebhook, f.log.Query(revalidate.Query{})[0].Kind)

	rec = f.do(http.MethodPost, "/api/revalidate?type=webhook", generic,
		map[string]string{"X-Webhook-Signature": webhook.Sign([]byte(generic+" "), "w-secret", webhook.Generic)})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	ping := `{"zen":"Keep it logically awesome."}`
	rec = f.do(http.MethodPost, "/api/revalidate?type=webhook", ping, map[string]string{
		"X-Hub-Signature-256": webhook.Sign([]byte(ping), "g-secret", webhook.GitHub),
		"X-GitHub-Event":      "ping",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "pong", decode[map[string]string](t, rec)["message"])

	push := `{"ref":"refs/heads/main","repository":{"default_branch":"main"}}`
	rec = f.do(http.MethodPost, "/api/revalidate?type=webhook&provider=github", push, map[string]string{
		"X-Hub-Signature-256": webhook.Sign([]byte(push), "g-secret", webhook.GitHub),
		"X-GitHub-Event":      "push",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []string{"/blog"}, decode[revalidate.Result](t, rec).RevalidatedPaths)

	rec = f.do(http.MethodPost, "/api/revalidate?type=webhook&provider=gitlab", push, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "UNKNOWN_PROVIDER", decode[envelope](t, rec).Error.Code)

	// Trello has no secret configured here, so nothing verifies.
	rec = f.do(http.MethodPost, "/api/revalidate?type=webhook", `{"action":{"type":"updateCard"}}`,
		map[string]string{"X-Trello-Webhook": "anything"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRevalidate_Head(t *testing.T) {
	f := newFixture(t)
	rec := f.do(http.MethodHead, "/api/revalidate", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestIntrospect(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/api/revalidate", `{"path":"/blog"}`, bearer("m-secret"))
	f.do(http.MethodPost, "/api/revalidate?type=admin", `{"tag":"blog","source":"admin-dashboard"}`, bearer("a-secret"))

	rec := f.do(http.MethodGet, "/api/revalidate?action=status&token=m-secret", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	env := decode[envelope](t, rec)
	assert.Equal(t, "success", env.Status)
	var st statusView
	require.NoError(t, json.Unmarshal(env.Data, &st))
	require.NotNil(t, st.Activity)
	assert.Equal(t, 2, st.Activity.Total)
	assert.Len(t, st.Recent, 2)

	rec = f.do(http.MethodGet, "/api/revalidate?action=config", "", bearer("m-secret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "m-secret")
	assert.NotContains(t, rec.Body.String(), "w-secret")
	assert.Contains(t, rec.Body.String(), `"knownTags"`)

	rec = f.do(http.MethodGet, "/api/revalidate?action=health", "", bearer("m-secret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	rec = f.do(http.MethodGet, "/api/revalidate?action=logs&source=admin&limit=5", "", bearer("m-secret"))
	require.Equal(t, http.StatusOK, rec.Code)
	env = decode[envelope](t, rec)
	var logs struct {
		Entries []revalidate.LogEntry `json:"entries"`
		Count   int                   `json:"count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &logs))
	require.Equal(t, 1, logs.Count)
	assert.Equal(t, "admin-dashboard", logs.Entries[0].Source)

	rec = f.do(http.MethodGet, "/api/revalidate?action=logs&limit=-1", "", bearer("m-secret"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/revalidate?action=explode", "", bearer("m-secret"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodGet, "/api/revalidate?action=status", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestResetLogs(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/api/revalidate", `{"path":"/blog"}`, bearer("m-secret"))
	require.Equal(t, 1, f.log.Len())

	rec := f.do(http.MethodDelete, "/api/revalidate?action=logs", "", bearer("m-secret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodDelete, "/api/revalidate?action=logs", "", bearer("a-secret"))
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Zero(t, f.log.Len())
}

func TestWarm(t *testing.T) {
	f := newFixture(t)

	rec := f.do(http.MethodPost, "/api/warm?mode=smart", "", bearer("a-secret"))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"sessionId":"s-smart"`)

	rec = f.do(http.MethodPost, "/api/warm", "", bearer("a-secret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, []warming.Mode{warming.ModeSmart, warming.ModeCritical}, f.warmer.modes)

	rec = f.do(http.MethodPost, "/api/warm?mode=nightly", "", bearer("a-secret"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(http.MethodPost, "/api/warm", "", bearer("m-secret"))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.do(http.MethodGet, "/api/warm", "", bearer("m-secret"))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scheduledCount":0`)
	assert.Contains(t, rec.Body.String(), `"identifier":"/"`)
}

func TestOperationalRoutesAndProxy(t *testing.T) {
	f := newFixture(t)
	f.do(http.MethodPost, "/api/revalidate", `{"path":"/blog"}`, bearer("m-secret"))

	rec := f.do(http.MethodGet, "/healthz", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `revalidator_revalidation_requests_total{kind="manual",result="success"} 1`)

	rec = f.do(http.MethodGet, "/blog/post-1", "", nil)
	assert.Equal(t, "proxied GET /blog/post-1", rec.Body.String())
	assert.Equal(t, "MISS", rec.Header().Get("X-Cache"))

	rec = f.do(http.MethodGet, "/api/workshops", "", nil)
	assert.Equal(t, "proxied GET /api/workshops", rec.Body.String())
}
