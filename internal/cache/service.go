package cache

import (
	"context"
	"hash/crc32"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"revalidator/internal/config"
	"revalidator/internal/metrics"
)

// Cache statuses reported in the X-Cache response header.
const (
	StatusHit            = "HIT"
	StatusMiss           = "MISS"
	StatusStale          = "STALE"
	StatusBypass         = "BYPASS"
	StatusRefresh        = "REFRESH"
	StatusIgnoreByStatus = "IGNORE-BY-STATUS"
	StatusBadGateway     = "BAD-GATEWAY"
)

const tagsHeader = "X-Cache-Tags"

// Service is the caching reverse proxy in front of the origin site.
type Service struct {
	cfg config.Config

	httpClient *http.Client
	store      *Store

	bgSem chan struct{}

	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	discoverM sync.Mutex

	stats   *statsCollector
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func NewService(cfg config.Config, store *Store, m *metrics.Metrics, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		store:      store,
		bgSem:      make(chan struct{}, 32),
		stopCh:     make(chan struct{}),
		stats:      newStatsCollector(),
		metrics:    m,
		logger:     logger,
	}
}

// Start launches the periodic stats log and sitemap discovery loops.
func (s *Service) Start() {
	if every := s.cfg.Logging.LogStatsEveryDur; every > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.statsLoop(every)
		}()
	}
	s.startURLsDiscover()
}

// Close stops background loops and waits for in-flight revalidations. The
// store is owned by the caller.
func (s *Service) Close() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	s.wg.Wait()
}

func (s *Service) Store() *Store { return s.store }

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	key := path

	rule := s.cfg.PickRule(path)
	if rule != nil {
		if rule.Bypass {
			s.forward(w, r, StatusBypass)
			return
		}
		if hasAnyCookie(r, rule.BypassWhenCookies) {
			s.forward(w, r, StatusBypass)
			return
		}
	}

	if r.Method != http.MethodGet {
		s.forward(w, r, StatusBypass)
		return
	}

	if wantsRefresh(r) {
		s.fill(w, r, key, rule, StatusRefresh, "refresh")
		return
	}

	if ent, ok := s.store.Get(key); ok {
		if exp := ruleExpiration(rule); exp > 0 && isStale(ent, exp) {
			s.writeEntry(w, ent, StatusStale)
			s.revalidateAsync(key, r.URL.RequestURI(), rule)
			return
		}
		s.writeEntry(w, ent, StatusHit)
		return
	}

	s.fill(w, r, key, rule, StatusMiss, "user")
}

// fill fetches key from the origin, stores it when cacheable and writes the
// response.
func (s *Service) fill(w http.ResponseWriter, r *http.Request, key string, rule *config.Rule, status, by string) {
	ent, cacheable, ok, err := s.fetchFromOrigin(r.Context(), r.URL.RequestURI(), r.Header, rule)
	if err != nil {
		s.badGateway(w, err)
		return
	}
	if !ok {
		_ = s.store.InvalidatePath(r.Context(), key)
		s.writeEntry(w, ent, StatusIgnoreByStatus)
		return
	}
	if !cacheable {
		s.writeEntry(w, ent, StatusBypass)
		return
	}
	ent.RevalidatedBy = by
	s.store.Put(key, ent)
	s.writeEntry(w, ent, status)
}

func (s *Service) badGateway(w http.ResponseWriter, err error) {
	s.logger.Warn("origin fetch failed", "error", err)
	s.metrics.CacheResponse(strings.ToLower(StatusBadGateway))
	setCacheHeaders(w.Header(), StatusBadGateway)
	http.Error(w, "bad gateway", http.StatusBadGateway)
}

func wantsRefresh(r *http.Request) bool {
	cc := strings.ToLower(r.Header.Get("Cache-Control"))
	return strings.Contains(cc, "no-cache") || strings.Contains(r.Header.Get("Pragma"), "no-cache")
}

func ruleExpiration(r *config.Rule) time.Duration {
	if r == nil {
		return 0
	}
	return r.ExpirationDur()
}

func isStale(ent Entry, exp time.Duration) bool {
	return time.Since(time.Unix(ent.StoredAt, 0)) > exp
}

func hasAnyCookie(r *http.Request, names []string) bool {
	if len(names) == 0 {
		return false
	}
	need := make(map[string]struct{}, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			need[n] = struct{}{}
		}
	}
	for _, c := range r.Cookies() {
		if _, ok := need[c.Name]; ok {
			return true
		}
	}
	return false
}

func (s *Service) writeEntry(w http.ResponseWriter, ent Entry, status string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, "X-Cache") {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setCacheHeaders(w.Header(), status)
	w.WriteHeader(ent.Status)
	_, _ = w.Write(ent.Body)

	s.metrics.CacheResponse(strings.ToLower(status))
	switch status {
	case StatusHit, StatusMiss, StatusStale, StatusRefresh:
		s.stats.Observe(len(ent.Body))
	}
}

func setCacheHeaders(h http.Header, status string) {
	if status != "" {
		h.Set("X-Cache", status)
	}
	// Custom headers are invisible to browser JS in a CORS context unless
	// exposed.
	ensureExposedHeader(h, "X-Cache")
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

// forward passes the request through to the origin unchanged, whatever the
// method.
func (s *Service) forward(w http.ResponseWriter, r *http.Request, status string) {
	req, err := http.NewRequestWithContext(r.Context(), r.Method, s.cfg.Server.Origin+r.URL.RequestURI(), r.Body)
	if err != nil {
		s.badGateway(w, err)
		return
	}
	copyHeaders(req.Header, r.Header)
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		s.badGateway(w, err)
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		s.badGateway(w, err)
		return
	}
	ent := Entry{Status: resp.StatusCode, Header: cloneHeader(resp.Header), Body: body}
	ent.Header.Del("Content-Length")
	ent.Header.Del(tagsHeader)
	s.writeEntry(w, ent, status)
}

// fetchFromOrigin GETs uri from the origin. ok is false for non-2xx
// responses, cacheable is false when the origin forbids caching.
func (s *Service) fetchFromOrigin(ctx context.Context, uri string, hdr http.Header, rule *config.Rule) (ent Entry, cacheable, ok bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.Server.Origin+uri, nil)
	if err != nil {
		return Entry{}, false, false, err
	}
	if hdr != nil {
		copyHeaders(req.Header, hdr)
	}
	req.Header.Set("Accept-Encoding", "identity")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return Entry{}, false, false, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Entry{}, false, false, err
	}

	now := time.Now()
	ent = Entry{
		Status:        resp.StatusCode,
		Header:        cloneHeader(resp.Header),
		Body:          body,
		StoredAt:      now.Unix(),
		Hash32:        crc32.ChecksumIEEE(body),
		RevalidatedAt: now.UTC().UnixNano(),
	}
	ent.Header.Del("Content-Length")

	var ruleTags []string
	if rule != nil {
		ruleTags = rule.Tags
	}
	ent.Tags = parseTags(append(append([]string(nil), ruleTags...), ent.Header.Values(tagsHeader)...)...)
	ent.Header.Del(tagsHeader)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return ent, false, false, nil
	}
	cc := strings.ToLower(resp.Header.Get("Cache-Control"))
	cacheable = !strings.Contains(cc, "no-store") && !strings.Contains(cc, "no-cache") && !strings.Contains(cc, "private")
	return ent, cacheable, true, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

func (s *Service) revalidateAsync(key, uri string, rule *config.Rule) {
	select {
	case s.bgSem <- struct{}{}:
	default:
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { <-s.bgSem }()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		s.revalidateOnce(ctx, key, uri, rule, "stale")
	}()
}

// revalidateOnce refreshes key from the origin. Entries the origin no longer
// serves cacheably are dropped; identical bodies leave the entry untouched.
func (s *Service) revalidateOnce(ctx context.Context, key, uri string, rule *config.Rule, by string) bool {
	newEnt, cacheable, ok, err := s.fetchFromOrigin(ctx, uri, nil, rule)
	if err != nil {
		s.logger.Debug("revalidate fetch failed", "path", key, "error", err)
		return false
	}
	if !ok || !cacheable {
		_ = s.store.InvalidatePath(ctx, key)
		return false
	}
	if cur, found := s.store.Peek(key); found && cur.Hash32 == newEnt.Hash32 {
		return true
	}
	newEnt.RevalidatedBy = by
	s.store.Put(key, newEnt)
	return true
}

func (s *Service) statsLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			st := s.Stats()
			s.logger.Info("cache stats",
				"paths", st.Paths,
				"ram", config.FormatBytes(uint64(st.RAMBytes)),
				"disk", config.FormatBytes(uint64(st.DiskBytes)),
				"resp_min", config.FormatBytes(st.MinRespBytes),
				"resp_avg", config.FormatBytes(st.AvgRespBytes),
				"resp_max", config.FormatBytes(st.MaxRespBytes),
			)
		}
	}
}

func (s *Service) Stats() Stats {
	out := Stats{
		Paths:     s.store.Count(),
		RAMBytes:  s.store.RAMBytes(),
		DiskBytes: s.store.DiskBytes(),
	}
	s.stats.fill(&out)
	return out
}
