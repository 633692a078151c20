package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage struct {
		RAM struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
		Disk struct {
			Max  string `yaml:"max"`
			Path string `yaml:"path"`
		} `yaml:"disk"`

		RAMMaxBytes  int64 `yaml:"-"`
		DiskMaxBytes int64 `yaml:"-"`
	} `yaml:"storage"`

	Server struct {
		Port              int    `yaml:"port"`
		Origin            string `yaml:"origin"`
		ReadHeaderTimeout string `yaml:"readHeaderTimeout"`

		ReadHeaderTimeoutDur time.Duration `yaml:"-"`
	} `yaml:"server"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`

		LogStatsEveryDur time.Duration `yaml:"-"`
	} `yaml:"logging"`

	URLsDiscover struct {
		Sitemaps        []string `yaml:"sitemaps"`
		InitialDelay    string   `yaml:"initialDelay"`
		RediscoverEvery string   `yaml:"rediscoverEvery"`

		InitialDelayDur    time.Duration `yaml:"-"`
		RediscoverEveryDur time.Duration `yaml:"-"`
	} `yaml:"urlsDiscover"`

	Rules []Rule `yaml:"rules"`

	Revalidation Revalidation `yaml:"revalidation"`
	RateLimit    RateLimit    `yaml:"rateLimit"`
	Auth         Auth         `yaml:"auth"`
	Webhooks     Webhooks     `yaml:"webhooks"`
	Warming      Warming      `yaml:"warming"`
	Redis        Redis        `yaml:"redis"`
}

type Rule struct {
	Match             string   `yaml:"match"`
	Priority          int      `yaml:"priority"`
	Bypass            bool     `yaml:"bypass"`
	BypassWhenCookies []string `yaml:"bypassWhenCookies"`
	Expiration        string   `yaml:"expiration"`
	Tags              []string `yaml:"tags"`

	// compiled
	matchers []pathPrefixMatcher
	expDur   time.Duration
}

type Revalidation struct {
	BatchSize  int    `yaml:"batchSize"`
	BatchDelay string `yaml:"batchDelay"`
	QueueDelay string `yaml:"queueDelay"`
	MaxLogs    int    `yaml:"maxLogs"`

	KnownPaths []string            `yaml:"knownPaths"`
	KnownTags  []string            `yaml:"knownTags"`
	TagPaths   map[string][]string `yaml:"tagPaths"`
	Cascade    []CascadeRule       `yaml:"cascade"`

	BatchDelayDur time.Duration `yaml:"-"`
	QueueDelayDur time.Duration `yaml:"-"`
}

// CascadeRule maps a target to the targets it also invalidates. Exactly one
// of Target or Contains is set.
type CascadeRule struct {
	Target   string   `yaml:"target"`
	Contains string   `yaml:"contains"`
	Related  []string `yaml:"related"`
}

type RateLimit struct {
	Window string         `yaml:"window"`
	Limits map[string]int `yaml:"limits"`

	WindowDur time.Duration `yaml:"-"`
}

type Auth struct {
	ManualSecret string `yaml:"manualSecret"`
	AdminSecret  string `yaml:"adminSecret"`
}

type Webhooks struct {
	Trello  TrelloWebhook  `yaml:"trello"`
	GitHub  GitHubWebhook  `yaml:"github"`
	Generic GenericWebhook `yaml:"generic"`
}

// TrelloWebhook maps board activity onto Tags and Paths.
type TrelloWebhook struct {
	Secret    string   `yaml:"secret"`
	Tags      []string `yaml:"tags"`
	Paths     []string `yaml:"paths"`
	WarmAfter *bool    `yaml:"warmAfter"`
}

// GitHubWebhook revalidates Targets on push; no targets means everything.
type GitHubWebhook struct {
	Secret  string   `yaml:"secret"`
	Targets []string `yaml:"targets"`
}

type GenericWebhook struct {
	Secret string `yaml:"secret"`
}

type Warming struct {
	BaseURL          string            `yaml:"baseURL"`
	Concurrency      int               `yaml:"concurrency"`
	Timeout          string            `yaml:"timeout"`
	Retries          *int              `yaml:"retries"`
	RetryDelay       string            `yaml:"retryDelay"`
	MaxRPS           float64           `yaml:"maxRPS"`
	Timezone         string            `yaml:"timezone"`
	BusinessHours    [2]int            `yaml:"businessHours"`
	PropagationDelay string            `yaml:"propagationDelay"`
	Stagger          map[string]string `yaml:"stagger"`
	Schedule         bool              `yaml:"schedule"`
	Targets          []WarmTarget      `yaml:"targets"`

	TimeoutDur          time.Duration            `yaml:"-"`
	RetryDelayDur       time.Duration            `yaml:"-"`
	PropagationDelayDur time.Duration            `yaml:"-"`
	StaggerDur          map[string]time.Duration `yaml:"-"`
	Location            *time.Location           `yaml:"-"`
}

type WarmTarget struct {
	Kind         string            `yaml:"kind" validate:"required,oneof=route api tag function"`
	Identifier   string            `yaml:"identifier" validate:"required"`
	Priority     string            `yaml:"priority" validate:"omitempty,oneof=critical high normal low"`
	Interval     string            `yaml:"interval"`
	Retries      *int              `yaml:"retries" validate:"omitempty,min=0,max=10"`
	Timeout      string            `yaml:"timeout"`
	Headers      map[string]string `yaml:"headers"`
	ExpectStatus int               `yaml:"expectStatus" validate:"omitempty,min=100,max=599"`
}

type Redis struct {
	URL     string `yaml:"url"`
	Channel string `yaml:"channel"`
}

type pathPrefixMatcher struct{ Prefix string }

func (m pathPrefixMatcher) Match(path string) bool { return strings.HasPrefix(path, m.Prefix) }

// Load reads, defaults and compiles the config at path. Environment
// variables override secrets and URLs after the file is applied.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(b)
}

// Parse is Load without the file read.
func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	applyEnv(&cfg)
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	override := func(dst *string, name string) {
		if v := strings.TrimSpace(os.Getenv(name)); v != "" {
			*dst = v
		}
	}
	override(&cfg.Server.Origin, "ORIGIN_URL")
	override(&cfg.Auth.ManualSecret, "REVALIDATE_SECRET")
	override(&cfg.Auth.AdminSecret, "ADMIN_SECRET")
	override(&cfg.Webhooks.Trello.Secret, "TRELLO_WEBHOOK_SECRET")
	override(&cfg.Webhooks.GitHub.Secret, "GITHUB_WEBHOOK_SECRET")
	override(&cfg.Webhooks.Generic.Secret, "WEBHOOK_SECRET")
	override(&cfg.Warming.BaseURL, "WARMING_BASE_URL")
	override(&cfg.Redis.URL, "REDIS_URL")
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")

	var err error
	if cfg.Server.ReadHeaderTimeoutDur, err = durationOr(cfg.Server.ReadHeaderTimeout, 10*time.Second); err != nil {
		return fmt.Errorf("server.readHeaderTimeout: %w", err)
	}

	if err := cfg.compileStorage(); err != nil {
		return err
	}
	if cfg.Logging.LogStatsEveryDur, err = durationOr(cfg.Logging.LogStatsEvery, 0); err != nil {
		return fmt.Errorf("logging.logStatsEvery: %w", err)
	}
	if cfg.URLsDiscover.InitialDelayDur, err = durationOr(cfg.URLsDiscover.InitialDelay, 0); err != nil {
		return fmt.Errorf("urlsDiscover.initialDelay: %w", err)
	}
	if cfg.URLsDiscover.RediscoverEveryDur, err = durationOr(cfg.URLsDiscover.RediscoverEvery, 0); err != nil {
		return fmt.Errorf("urlsDiscover.rediscoverEvery: %w", err)
	}

	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		ms, err := parseMatch(r.Match)
		if err != nil {
			return fmt.Errorf("rules[%d].match: %w", i, err)
		}
		r.matchers = ms
		if r.Expiration != "" {
			d, err := time.ParseDuration(r.Expiration)
			if err != nil {
				return fmt.Errorf("rules[%d].expiration: %w", i, err)
			}
			r.expDur = d
		}
	}
	sort.SliceStable(cfg.Rules, func(i, j int) bool {
		return cfg.Rules[i].Priority < cfg.Rules[j].Priority
	})

	if err := cfg.Revalidation.compile(); err != nil {
		return err
	}
	if err := cfg.RateLimit.compile(); err != nil {
		return err
	}
	if err := cfg.Warming.compile(cfg.Server.Port); err != nil {
		return err
	}
	if cfg.Webhooks.Trello.WarmAfter == nil {
		on := true
		cfg.Webhooks.Trello.WarmAfter = &on
	}
	if len(cfg.Webhooks.Trello.Tags) == 0 && len(cfg.Webhooks.Trello.Paths) == 0 {
		cfg.Webhooks.Trello.Tags = []string{"workshops"}
	}
	if cfg.Redis.Channel == "" {
		cfg.Redis.Channel = "revalidator:invalidations"
	}
	return nil
}

func (cfg *Config) compileStorage() error {
	if cfg.Storage.RAM.Max == "" {
		cfg.Storage.RAM.Max = "64m"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "1g"
	}
	if cfg.Storage.Disk.Path == "" {
		cfg.Storage.Disk.Path = "./data/leveldb"
	}
	var err error
	if cfg.Storage.RAMMaxBytes, err = ParseBytes(cfg.Storage.RAM.Max); err != nil {
		return fmt.Errorf("storage.ram.max: %w", err)
	}
	if cfg.Storage.DiskMaxBytes, err = ParseBytes(cfg.Storage.Disk.Max); err != nil {
		return fmt.Errorf("storage.disk.max: %w", err)
	}
	return nil
}

func (r *Revalidation) compile() error {
	if r.BatchSize <= 0 {
		r.BatchSize = 10
	}
	if r.MaxLogs <= 0 {
		r.MaxLogs = 1000
	}
	var err error
	if r.BatchDelayDur, err = durationOr(r.BatchDelay, 100*time.Millisecond); err != nil {
		return fmt.Errorf("revalidation.batchDelay: %w", err)
	}
	if r.QueueDelayDur, err = durationOr(r.QueueDelay, 50*time.Millisecond); err != nil {
		return fmt.Errorf("revalidation.queueDelay: %w", err)
	}
	if len(r.KnownPaths) == 0 {
		r.KnownPaths = append([]string(nil), DefaultKnownPaths...)
	}
	if len(r.KnownTags) == 0 {
		r.KnownTags = append([]string(nil), DefaultKnownTags...)
	}
	if r.TagPaths == nil {
		r.TagPaths = DefaultTagPaths()
	}
	if len(r.Cascade) == 0 {
		r.Cascade = DefaultCascade()
	}
	for i, c := range r.Cascade {
		if (c.Target == "") == (c.Contains == "") {
			return fmt.Errorf("revalidation.cascade[%d]: exactly one of target or contains is required", i)
		}
		if len(c.Related) == 0 {
			return fmt.Errorf("revalidation.cascade[%d].related: empty", i)
		}
	}
	for _, p := range r.KnownPaths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("revalidation.knownPaths: %q must start with /", p)
		}
	}
	return nil
}

func (r *RateLimit) compile() error {
	var err error
	if r.WindowDur, err = durationOr(r.Window, time.Minute); err != nil {
		return fmt.Errorf("rateLimit.window: %w", err)
	}
	limits := map[string]int{"manual": 20, "webhook": 100, "admin": 50}
	for k, v := range r.Limits {
		k = strings.ToLower(strings.TrimSpace(k))
		if v <= 0 {
			return fmt.Errorf("rateLimit.limits.%s: must be positive", k)
		}
		limits[k] = v
	}
	r.Limits = limits
	return nil
}

func (w *Warming) compile(port int) error {
	if w.BaseURL == "" {
		w.BaseURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	}
	w.BaseURL = strings.TrimRight(w.BaseURL, "/")
	if w.Concurrency <= 0 {
		w.Concurrency = 3
	}
	if w.Retries == nil {
		n := 2
		w.Retries = &n
	}
	if *w.Retries < 0 {
		return fmt.Errorf("warming.retries: must not be negative")
	}
	if w.MaxRPS < 0 {
		return fmt.Errorf("warming.maxRPS: must not be negative")
	}
	var err error
	if w.TimeoutDur, err = durationOr(w.Timeout, 10*time.Second); err != nil {
		return fmt.Errorf("warming.timeout: %w", err)
	}
	if w.RetryDelayDur, err = durationOr(w.RetryDelay, time.Second); err != nil {
		return fmt.Errorf("warming.retryDelay: %w", err)
	}
	if w.PropagationDelayDur, err = durationOr(w.PropagationDelay, 2*time.Second); err != nil {
		return fmt.Errorf("warming.propagationDelay: %w", err)
	}

	w.StaggerDur = map[string]time.Duration{
		"critical": 0,
		"high":     50 * time.Millisecond,
		"normal":   100 * time.Millisecond,
		"low":      200 * time.Millisecond,
	}
	for k, v := range w.Stagger {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("warming.stagger.%s: %w", k, err)
		}
		w.StaggerDur[strings.ToLower(k)] = d
	}

	w.Location = time.Local
	if w.Timezone != "" {
		loc, err := time.LoadLocation(w.Timezone)
		if err != nil {
			return fmt.Errorf("warming.timezone: %w", err)
		}
		w.Location = loc
	}
	if w.BusinessHours == [2]int{} {
		w.BusinessHours = [2]int{9, 18}
	}
	if w.BusinessHours[0] < 0 || w.BusinessHours[1] > 24 || w.BusinessHours[0] >= w.BusinessHours[1] {
		return fmt.Errorf("warming.businessHours: invalid range %v", w.BusinessHours)
	}

	if len(w.Targets) == 0 {
		w.Targets = DefaultWarmTargets()
	}
	for i, t := range w.Targets {
		if err := validate.Struct(t); err != nil {
			return fmt.Errorf("warming.targets[%d]: %w", i, err)
		}
		if t.Interval != "" {
			if _, err := time.ParseDuration(t.Interval); err != nil {
				return fmt.Errorf("warming.targets[%d].interval: %w", i, err)
			}
		}
		if t.Timeout != "" {
			if _, err := time.ParseDuration(t.Timeout); err != nil {
				return fmt.Errorf("warming.targets[%d].timeout: %w", i, err)
			}
		}
	}
	return nil
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func parseMatch(expr string) ([]pathPrefixMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	parts := strings.Split(expr, "|")
	out := make([]pathPrefixMatcher, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !strings.HasPrefix(p, "PathPrefix(") || !strings.HasSuffix(p, ")") {
			return nil, fmt.Errorf("only PathPrefix(...) supported, got %q", p)
		}
		inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
		if inside == "" || !strings.HasPrefix(inside, "/") {
			return nil, fmt.Errorf("invalid prefix %q", inside)
		}
		out = append(out, pathPrefixMatcher{Prefix: inside})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

func (r *Rule) Matches(path string) bool {
	for _, m := range r.matchers {
		if m.Match(path) {
			return true
		}
	}
	return false
}

// ExpirationDur is the compiled expiration; zero means entries never go stale.
func (r *Rule) ExpirationDur() time.Duration { return r.expDur }

// PickRule returns the first rule, in priority order, matching path.
func (cfg *Config) PickRule(path string) *Rule {
	for i := range cfg.Rules {
		r := &cfg.Rules[i]
		if r.Matches(path) {
			return r
		}
	}
	return nil
}
