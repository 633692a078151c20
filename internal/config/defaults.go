package config

import "github.com/go-playground/validator/v10"

var validate = validator.New()

// Hand-maintained registries for the marketing site. A config file replaces
// each table wholesale rather than merging into it.
var (
	DefaultKnownPaths = []string{
		"/",
		"/sprint-claridad-comercial",
		"/workshops",
		"/blog",
		"/privacidad",
	}
	DefaultKnownTags = []string{
		"homepage",
		"workshops",
		"sprint",
		"blog",
	}
)

// DefaultTagPaths lists the pages rendered from each tag's data.
func DefaultTagPaths() map[string][]string {
	return map[string][]string{
		"homepage":  {"/"},
		"workshops": {"/", "/workshops"},
		"sprint":    {"/sprint-claridad-comercial"},
		"blog":      {"/blog"},
	}
}

func DefaultCascade() []CascadeRule {
	return []CascadeRule{
		{Target: "/", Related: []string{"/sprint-claridad-comercial"}},
		{Contains: "workshop", Related: []string{"/"}},
		{Target: "workshops", Related: []string{"homepage"}},
		{Target: "sprint", Related: []string{"homepage"}},
	}
}

func DefaultWarmTargets() []WarmTarget {
	return []WarmTarget{
		{Kind: "route", Identifier: "/", Priority: "critical", Interval: "5m"},
		{Kind: "route", Identifier: "/sprint-claridad-comercial", Priority: "critical", Interval: "10m"},
		{Kind: "api", Identifier: "/api/workshops", Priority: "high", Interval: "15m", ExpectStatus: 200},
		{Kind: "route", Identifier: "/workshops", Priority: "high"},
		{Kind: "route", Identifier: "/blog", Priority: "normal", Interval: "30m"},
		{Kind: "route", Identifier: "/privacidad", Priority: "low"},
		{Kind: "tag", Identifier: "blog", Priority: "low"},
		{Kind: "function", Identifier: "sitemap", Priority: "low", Interval: "1h"},
	}
}
