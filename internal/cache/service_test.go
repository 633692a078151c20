package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"revalidator/internal/config"
	"revalidator/internal/metrics"
)

type origin struct {
	srv  *httptest.Server
	hits atomic.Int64
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{}
	o.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		o.hits.Add(1)
		switch {
		case r.URL.Path == "/missing":
			http.NotFound(w, r)
		case r.URL.Path == "/private":
			w.Header().Set("Cache-Control", "private")
			_, _ = io.WriteString(w, "secret")
		case r.Method == http.MethodPost:
			b, _ := io.ReadAll(r.Body)
			_, _ = fmt.Fprintf(w, "posted:%s", b)
		case r.URL.Path == "/sitemap.xml":
			_, _ = io.WriteString(w, `<sitemapindex><sitemap><loc>/nested.xml.gz</loc></sitemap></sitemapindex>`)
		case r.URL.Path == "/nested.xml.gz":
			var buf bytes.Buffer
			gz := gzip.NewWriter(&buf)
			_, _ = io.WriteString(gz, `<urlset><url><loc>`+o.srv.URL+`/</loc></url><url><loc>/blog</loc></url><url><loc>/admin/x</loc></url></urlset>`)
			_ = gz.Close()
			_, _ = w.Write(buf.Bytes())
		default:
			if strings.HasPrefix(r.URL.Path, "/workshops") {
				w.Header().Set("X-Cache-Tags", "workshops")
			}
			_, _ = fmt.Fprintf(w, "page %s #%d", r.URL.Path, o.hits.Load())
		}
	}))
	t.Cleanup(o.srv.Close)
	return o
}

func newTestService(t *testing.T, o *origin, extra string) (*Service, *metrics.Metrics) {
	t.Helper()
	cfg, err := config.Parse([]byte(fmt.Sprintf(`
server:
  origin: %s
rules:
  - match: PathPrefix(/admin)
    priority: 1
    bypass: true
  - match: PathPrefix(/)
    priority: 10
    tags: [site]
%s`, o.srv.URL, extra)))
	require.NoError(t, err)
	store := openTestStore(t, t.TempDir(), 1<<20)
	t.Cleanup(store.Close)
	m := metrics.New(prometheus.NewRegistry())
	svc := NewService(cfg, store, m, nil)
	t.Cleanup(svc.Close)
	return svc, m
}

func get(t *testing.T, h http.Handler, path string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestService_MissThenHit(t *testing.T) {
	o := newOrigin(t)
	svc, m := newTestService(t, o, "")

	rec := get(t, svc, "/blog", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, StatusMiss, rec.Header().Get("X-Cache"))
	assert.Contains(t, rec.Header().Get("Access-Control-Expose-Headers"), "X-Cache")

	rec = get(t, svc, "/blog", nil)
	assert.Equal(t, StatusHit, rec.Header().Get("X-Cache"))
	assert.Equal(t, "page /blog #1", rec.Body.String())
	assert.EqualValues(t, 1, o.hits.Load())

	assert.Equal(t, 1.0, testutil.ToFloat64(m.CacheResponsesTotal.WithLabelValues("hit")))
	st := svc.Stats()
	assert.Equal(t, 1, st.Paths)
	assert.EqualValues(t, 2, st.TotalResponses)
}

func TestService_TagsFromHeaderAndRule(t *testing.T) {
	o := newOrigin(t)
	svc, _ := newTestService(t, o, "")

	get(t, svc, "/workshops", nil)
	get(t, svc, "/blog", nil)

	ent, ok := svc.Store().Peek("/workshops")
	require.True(t, ok)
	assert.Equal(t, []string{"site", "workshops"}, ent.Tags)
	assert.Empty(t, ent.Header.Get("X-Cache-Tags"))

	require.NoError(t, svc.Store().InvalidateTag(context.Background(), "workshops"))
	assert.Equal(t, StatusMiss, get(t, svc, "/workshops", nil).Header().Get("X-Cache"))
	assert.Equal(t, StatusHit, get(t, svc, "/blog", nil).Header().Get("X-Cache"))
}

func TestService_NoCacheRequestRefreshes(t *testing.T) {
	o := newOrigin(t)
	svc, _ := newTestService(t, o, "")

	get(t, svc, "/", nil)
	rec := get(t, svc, "/", map[string]string{"Cache-Control": "no-cache"})
	assert.Equal(t, StatusRefresh, rec.Header().Get("X-Cache"))
	assert.Equal(t, "page / #2", rec.Body.String())

	rec = get(t, svc, "/", nil)
	assert.Equal(t, StatusHit, rec.Header().Get("X-Cache"))
	assert.Equal(t, "page / #2", rec.Body.String())
}

func TestService_BypassAndNonCacheable(t *testing.T) {
	o := newOrigin(t)
	svc, _ := newTestService(t, o, "")

	assert.Equal(t, StatusBypass, get(t, svc, "/admin/panel", nil).Header().Get("X-Cache"))
	assert.Equal(t, StatusBypass, get(t, svc, "/private", nil).Header().Get("X-Cache"))

	rec := get(t, svc, "/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, StatusIgnoreByStatus, rec.Header().Get("X-Cache"))

	req := httptest.NewRequest(http.MethodPost, "/form", strings.NewReader("hello"))
	prec := httptest.NewRecorder()
	svc.ServeHTTP(prec, req)
	assert.Equal(t, "posted:hello", prec.Body.String())
	assert.Equal(t, StatusBypass, prec.Header().Get("X-Cache"))

	assert.Empty(t, svc.Store().Keys())
}

func TestService_BadGateway(t *testing.T) {
	o := newOrigin(t)
	svc, _ := newTestService(t, o, "")
	o.srv.Close()

	rec := get(t, svc, "/down", nil)
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, StatusBadGateway, rec.Header().Get("X-Cache"))
}

func TestService_PrimeFromSitemaps(t *testing.T) {
	o := newOrigin(t)
	svc, _ := newTestService(t, o, "urlsDiscover:\n  sitemaps: [/sitemap.xml]\n")

	paths, err := svc.DiscoverPaths(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"/", "/blog"}, paths)

	get(t, svc, "/blog", nil)
	primed, skipped, err := svc.PrimeFromSitemaps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, primed)
	assert.Equal(t, 1, skipped)

	ent, ok := svc.Store().Peek("/")
	require.True(t, ok)
	assert.Equal(t, "sitemap", ent.RevalidatedBy)
}

func TestNormalizePathFromLoc(t *testing.T) {
	assert.Equal(t, "/", normalizePathFromLoc("https://site.example"))
	assert.Equal(t, "/a/b", normalizePathFromLoc("https://site.example/a/b"))
	assert.Equal(t, "/rel", normalizePathFromLoc("rel"))
	assert.Equal(t, "", normalizePathFromLoc("  "))
}
