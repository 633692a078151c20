package cache

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

type sitemapDoc struct {
	URLs     []string `xml:"url>loc"`
	Sitemaps []string `xml:"sitemap>loc"`
}

func (s *Service) startURLsDiscover() {
	if len(s.cfg.URLsDiscover.Sitemaps) == 0 {
		return
	}

	initDelay := s.cfg.URLsDiscover.InitialDelayDur
	period := s.cfg.URLsDiscover.RediscoverEveryDur

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		if initDelay > 0 {
			select {
			case <-s.stopCh:
				return
			case <-time.After(initDelay):
			}
		}

		runOnce := func() {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()
			primed, skipped, err := s.PrimeFromSitemaps(ctx)
			if err != nil {
				s.logger.Warn("urlsDiscover failed", "error", err)
				return
			}
			s.logger.Info("urlsDiscover done", "primed", primed, "skipped", skipped)
		}

		runOnce()
		if period <= 0 {
			return
		}

		t := time.NewTicker(period)
		defer t.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-t.C:
				runOnce()
			}
		}
	}()
}

// PrimeFromSitemaps fetches every path listed in the configured sitemaps that
// is not cached yet. Paths already cached are skipped, not refreshed.
func (s *Service) PrimeFromSitemaps(ctx context.Context) (primed, skipped int, err error) {
	s.discoverM.Lock()
	defer s.discoverM.Unlock()

	paths, err := s.DiscoverPaths(ctx)
	if err != nil {
		return 0, 0, err
	}
	for _, p := range paths {
		select {
		case <-ctx.Done():
			return primed, skipped, ctx.Err()
		case <-s.stopCh:
			return primed, skipped, nil
		default:
		}
		if s.store.Has(p) {
			skipped++
			continue
		}
		if s.revalidateOnce(ctx, p, p, s.cfg.PickRule(p), "sitemap") {
			primed++
		} else {
			skipped++
		}
	}
	return primed, skipped, nil
}

// DiscoverPaths walks the configured sitemaps, following nested sitemap
// indexes, and returns the distinct cacheable paths in discovery order.
func (s *Service) DiscoverPaths(ctx context.Context) ([]string, error) {
	seenSitemaps := map[string]struct{}{}
	seenPaths := map[string]struct{}{}
	var out []string

	queue := make([]string, 0, len(s.cfg.URLsDiscover.Sitemaps))
	for _, sm := range s.cfg.URLsDiscover.Sitemaps {
		if sm = strings.TrimSpace(sm); sm != "" {
			queue = append(queue, s.normalizeMaybeRelativeURL(sm))
		}
	}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		smURL := queue[0]
		queue = queue[1:]
		if _, ok := seenSitemaps[smURL]; ok {
			continue
		}
		seenSitemaps[smURL] = struct{}{}

		doc, err := s.fetchAndParseSitemap(ctx, smURL)
		if err != nil {
			return out, fmt.Errorf("fetch sitemap %q: %w", smURL, err)
		}
		for _, nested := range doc.Sitemaps {
			if nested != "" {
				queue = append(queue, s.normalizeMaybeRelativeURL(nested))
			}
		}

		ignored := 0
		for _, loc := range doc.URLs {
			path := normalizePathFromLoc(loc)
			if path == "" {
				ignored++
				continue
			}
			if rule := s.cfg.PickRule(path); rule != nil && rule.Bypass {
				ignored++
				continue
			}
			if _, ok := seenPaths[path]; ok {
				continue
			}
			seenPaths[path] = struct{}{}
			out = append(out, path)
		}
		s.logger.Debug("sitemap parsed", "sitemap", smURL, "urls", len(doc.URLs), "ignored", ignored)
	}
	return out, nil
}

func (s *Service) normalizeMaybeRelativeURL(u string) string {
	u = strings.TrimSpace(u)
	if u == "" || strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://") {
		return u
	}
	if !strings.HasPrefix(u, "/") {
		u = "/" + u
	}
	return s.cfg.Server.Origin + u
}

func (s *Service) fetchAndParseSitemap(ctx context.Context, sitemapURL string) (sitemapDoc, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, sitemapURL, nil)
	if err != nil {
		return sitemapDoc{}, err
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return sitemapDoc{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return sitemapDoc{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return sitemapDoc{}, err
	}

	// A .gz URL may arrive already decompressed when the server also set
	// Content-Encoding, so sniff the magic bytes too.
	tryGzip := strings.HasSuffix(strings.ToLower(sitemapURL), ".gz") || (len(body) >= 2 && body[0] == 0x1f && body[1] == 0x8b)
	if tryGzip {
		if gz, err := gzip.NewReader(bytes.NewReader(body)); err == nil {
			defer gz.Close()
			if unzipped, err := io.ReadAll(gz); err == nil {
				body = unzipped
			}
		}
	}

	var doc sitemapDoc
	if err := xml.Unmarshal(body, &doc); err != nil {
		return sitemapDoc{}, err
	}
	for i := range doc.URLs {
		doc.URLs[i] = strings.TrimSpace(doc.URLs[i])
	}
	for i := range doc.Sitemaps {
		doc.Sitemaps[i] = strings.TrimSpace(doc.Sitemaps[i])
	}
	return doc, nil
}

func normalizePathFromLoc(loc string) string {
	loc = strings.TrimSpace(loc)
	if loc == "" {
		return ""
	}
	if strings.HasPrefix(loc, "http://") || strings.HasPrefix(loc, "https://") {
		u, err := url.Parse(loc)
		if err != nil {
			return ""
		}
		if u.Path == "" {
			return "/"
		}
		if !strings.HasPrefix(u.Path, "/") {
			return "/" + u.Path
		}
		return u.Path
	}
	if !strings.HasPrefix(loc, "/") {
		loc = "/" + loc
	}
	return loc
}
