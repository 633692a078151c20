package cache

import (
	"net/http"
	"strings"
)

type Entry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
	Hash32   uint32

	// Tags group entries for InvalidateTag. They come from the matching
	// rule and from the origin's X-Cache-Tags response header.
	Tags []string

	// RevalidatedAt is the last time this entry was fetched/validated against
	// the origin. Stored as unix nanoseconds in UTC.
	RevalidatedAt int64

	// RevalidatedBy indicates what triggered the last fetch.
	// Expected values: "user" | "refresh" | "stale" | "sitemap".
	RevalidatedBy string
}

func (e Entry) hasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// parseTags splits a comma separated tag header, dropping blanks and
// duplicates while keeping first-seen order.
func parseTags(vals ...string) []string {
	var out []string
	seen := map[string]struct{}{}
	for _, v := range vals {
		for _, t := range strings.Split(v, ",") {
			t = strings.TrimSpace(t)
			if t == "" {
				continue
			}
			if _, ok := seen[t]; ok {
				continue
			}
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}
