package revalidate

import (
	"strings"

	"revalidator/internal/config"
)

// Graph is the hand-maintained cascade table: each target maps to the extra
// targets invalidated with it. Lookups are one level deep.
type Graph struct {
	exact    map[string][]string
	contains []config.CascadeRule
}

func NewGraph(rules []config.CascadeRule) *Graph {
	g := &Graph{exact: map[string][]string{}}
	for _, r := range rules {
		if r.Contains != "" {
			g.contains = append(g.contains, r)
			continue
		}
		g.exact[r.Target] = append(g.exact[r.Target], r.Related...)
	}
	return g
}

// RelatedOf returns the targets cascading from target, without target
// itself and without duplicates.
func (g *Graph) RelatedOf(target string) []string {
	out := newSet()
	for _, r := range g.exact[target] {
		if r != target {
			out.add(r)
		}
	}
	for _, c := range g.contains {
		if !strings.Contains(target, c.Contains) {
			continue
		}
		for _, r := range c.Related {
			if r != target {
				out.add(r)
			}
		}
	}
	return out.items
}
